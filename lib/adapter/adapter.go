/*
Copyright 2024 Outpost Technologies, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package adapter translates resources into the wire views a peer's reported
// agent version can parse. Adaptation is a pure function: it either yields a
// view or reports that the resource cannot be expressed at that version and
// must be dropped from the peer's world entirely.
package adapter

import (
	"strings"

	"github.com/coreos/go-semver/semver"
	"github.com/google/uuid"

	"github.com/outpost-sh/outpost/types"
)

var (
	// internetMinVersion is the first agent version that understands the
	// account-wide internet resource.
	internetMinVersion = semver.Version{Major: 1, Minor: 3, Patch: 0}
	// modernGlobVersion is the first agent version with the full DNS glob
	// grammar; older peers get the legacy downgrade or nothing.
	modernGlobVersion = semver.Version{Major: 1, Minor: 2, Patch: 0}
)

// ResourceView is the peer-facing form of a resource. Internet resources
// carry only id and type.
type ResourceView struct {
	ID      uuid.UUID          `json:"id"`
	Type    types.ResourceType `json:"type"`
	Name    string             `json:"name,omitempty"`
	Address string             `json:"address,omitempty"`
	Filters []FilterView       `json:"filters,omitempty"`
}

// FilterView is one flattened traffic filter entry. A zero port range means
// the protocol is admitted on all ports.
type FilterView struct {
	Protocol       types.Protocol `json:"protocol"`
	PortRangeStart uint16         `json:"port_range_start,omitempty"`
	PortRangeEnd   uint16         `json:"port_range_end,omitempty"`
}

// ParseVersion parses an agent-reported semver string. An empty or malformed
// version is treated as the oldest expressible agent so adaptation stays on
// the conservative path.
func ParseVersion(v string) semver.Version {
	parsed, err := semver.NewVersion(strings.TrimPrefix(v, "v"))
	if err != nil {
		return semver.Version{Major: 1, Minor: 0, Patch: 0}
	}
	return *parsed
}

// Adapt rewrites a resource for a peer at the given version. ok is false when
// the peer cannot express the resource at all, in which case no message
// mentioning it may be sent.
func Adapt(r *types.Resource, peer semver.Version) (view ResourceView, ok bool) {
	if r.IsInternet() {
		if peer.LessThan(internetMinVersion) {
			return ResourceView{}, false
		}
		return ResourceView{ID: r.ID, Type: types.ResourceTypeInternet}, true
	}

	address := r.Address
	if peer.LessThan(modernGlobVersion) && r.Type == types.ResourceTypeDNS {
		address, ok = downgradeGlob(address)
		if !ok {
			return ResourceView{}, false
		}
	}

	return ResourceView{
		ID:      r.ID,
		Type:    r.Type,
		Name:    r.Name,
		Address: address,
		Filters: flattenFilters(r.Filters),
	}, true
}

// downgradeGlob rewrites a modern DNS address glob into the pre-1.2 grammar:
// a leading "**" becomes "*", a leading single "*" becomes "?". Wildcards
// anywhere else, and any literal "?" (which the old grammar reserved), have
// no legacy encoding.
func downgradeGlob(address string) (string, bool) {
	if strings.Contains(address, "?") {
		return "", false
	}
	switch {
	case strings.HasPrefix(address, "**"):
		rest := address[2:]
		if strings.Contains(rest, "*") {
			return "", false
		}
		return "*" + rest, true
	case strings.HasPrefix(address, "*"):
		rest := address[1:]
		if strings.Contains(rest, "*") {
			return "", false
		}
		return "?" + rest, true
	default:
		if strings.Contains(address, "*") {
			return "", false
		}
		return address, true
	}
}

// flattenFilters expands the ordered filter list into one entry per explicit
// port range. A filter without ports admits the whole protocol.
func flattenFilters(filters []types.Filter) []FilterView {
	if len(filters) == 0 {
		return nil
	}
	out := make([]FilterView, 0, len(filters))
	for _, f := range filters {
		if len(f.Ports) == 0 {
			out = append(out, FilterView{Protocol: f.Protocol})
			continue
		}
		for _, p := range f.Ports {
			out = append(out, FilterView{
				Protocol:       f.Protocol,
				PortRangeStart: p.Start,
				PortRangeEnd:   p.End,
			})
		}
	}
	return out
}
