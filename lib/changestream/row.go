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

package changestream

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/outpost-sh/outpost/types"
)

// Op is the row-level mutation kind.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Row is a decoded table row keyed by column name. Values are the wal2json
// textual representations; the typed getters parse them lazily.
type Row map[string]string

// Change is one entry of the totalized replication log.
type Change struct {
	LSN   uint64
	Table string
	Op    Op
	// Old is the replica-identity image for updates and deletes; New is the
	// column image for inserts and updates.
	Old Row
	New Row
}

// UUID parses a uuid column; absent or malformed yields uuid.Nil.
func (r Row) UUID(col string) uuid.UUID {
	id, err := uuid.Parse(r[col])
	if err != nil {
		return uuid.Nil
	}
	return id
}

// String returns the raw column text.
func (r Row) String(col string) string { return r[col] }

// Bool parses a boolean column; absent yields false.
func (r Row) Bool(col string) bool {
	v, err := strconv.ParseBool(r[col])
	return err == nil && v
}

// Int64 parses an integer column; absent yields zero.
func (r Row) Int64(col string) int64 {
	v, _ := strconv.ParseInt(r[col], 10, 64)
	return v
}

// wal2json renders timestamps in a handful of layouts depending on the
// column's precision and zone.
var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
}

// Time parses a timestamp column; the zero time means absent or null.
func (r Row) Time(col string) time.Time {
	v, ok := r[col]
	if !ok {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// TimePtr is like Time but distinguishes null from present, for soft-delete
// columns.
func (r Row) TimePtr(col string) *time.Time {
	t := r.Time(col)
	if t.IsZero() {
		return nil
	}
	return &t
}

// Deleted reports whether the row carries a non-null deleted_at.
func (r Row) Deleted() bool { return r.TimePtr("deleted_at") != nil }

// resourceFromRow rebuilds the entity a resources row describes.
func resourceFromRow(r Row) types.Resource {
	resource := types.Resource{
		ID:        r.UUID("id"),
		AccountID: r.UUID("account_id"),
		Type:      types.ResourceType(r.String("type")),
		Name:      r.String("name"),
		Address:   r.String("address"),
		IPStack:   types.IPStack(r.String("ip_stack")),
		DeletedAt: r.TimePtr("deleted_at"),
	}
	if raw := r.String("filters"); raw != "" {
		// best effort: an undecodable filter column shows up as no filters,
		// and the subscriber re-reads the row if it matters
		_ = json.Unmarshal([]byte(raw), &resource.Filters)
	}
	if id := r.UUID("replaced_by_resource_id"); id != uuid.Nil {
		resource.ReplacedByResourceID = &id
	}
	return resource
}

func accountFromRow(r Row) types.Account {
	return types.Account{
		ID:     r.UUID("id"),
		Slug:   r.String("slug"),
		Active: r.Bool("active"),
		Features: types.AccountFeatures{
			IPv4MasqueradeEnabled: r.Bool("ipv4_masquerade_enabled"),
			IPv6MasqueradeEnabled: r.Bool("ipv6_masquerade_enabled"),
		},
	}
}

func authorizationFromRow(r Row) types.PolicyAuthorization {
	return types.PolicyAuthorization{
		ID:           r.UUID("id"),
		AccountID:    r.UUID("account_id"),
		ClientID:     r.UUID("client_id"),
		ResourceID:   r.UUID("resource_id"),
		GatewayID:    r.UUID("gateway_id"),
		PolicyID:     r.UUID("policy_id"),
		MembershipID: r.UUID("membership_id"),
		TokenID:      r.UUID("token_id"),
		ExpiresAt:    r.Time("expires_at"),
	}
}

func policyFromRow(r Row) types.Policy {
	return types.Policy{
		ID:              r.UUID("id"),
		AccountID:       r.UUID("account_id"),
		GroupID:         r.UUID("group_id"),
		ResourceID:      r.UUID("resource_id"),
		SessionDuration: time.Duration(r.Int64("session_duration_secs")) * time.Second,
		DisabledAt:      r.TimePtr("disabled_at"),
		DeletedAt:       r.TimePtr("deleted_at"),
	}
}

func gatewayFromRow(r Row) types.Gateway {
	return types.Gateway{
		ID:        r.UUID("id"),
		AccountID: r.UUID("account_id"),
		SiteID:    r.UUID("site_id"),
		Name:      r.String("name"),
		DeletedAt: r.TimePtr("deleted_at"),
	}
}

func clientFromRow(r Row) types.Client {
	return types.Client{
		ID:        r.UUID("id"),
		AccountID: r.UUID("account_id"),
		ActorID:   r.UUID("actor_id"),
		DeletedAt: r.TimePtr("deleted_at"),
	}
}

func tokenFromRow(r Row) types.Token {
	return types.Token{
		ID:        r.UUID("id"),
		AccountID: r.UUID("account_id"),
		Type:      types.TokenType(r.String("type")),
		SubjectID: r.UUID("subject_id"),
		ExpiresAt: r.Time("expires_at"),
		DeletedAt: r.TimePtr("deleted_at"),
	}
}

// ParseLSN converts the textual "X/Y" WAL position into its 64-bit form.
func ParseLSN(s string) (uint64, error) {
	slash := strings.IndexByte(s, '/')
	if slash < 0 {
		return 0, trace.BadParameter("malformed LSN %q", s)
	}
	hi, err := strconv.ParseUint(s[:slash], 16, 32)
	if err != nil {
		return 0, trace.BadParameter("malformed LSN %q", s)
	}
	lo, err := strconv.ParseUint(s[slash+1:], 16, 32)
	if err != nil {
		return 0, trace.BadParameter("malformed LSN %q", s)
	}
	return hi<<32 | lo, nil
}
