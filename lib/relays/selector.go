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

// Package relays picks STUN/TURN relays for a gateway by geographic
// proximity and debounces relay presence churn into consolidated updates.
package relays

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/outpost-sh/outpost/types"
)

// View is the per-relay payload pushed to gateways in init.relays and
// relays_presence messages.
type View struct {
	ID        uuid.UUID       `json:"id"`
	Addr      string          `json:"addr"`
	Type      types.RelayType `json:"type"`
	Username  string          `json:"username"`
	Password  string          `json:"password"`
	ExpiresAt int64           `json:"expires_at"`
}

// NewView builds the wire view of a relay.
func NewView(r *types.Relay) View {
	return View{
		ID:        r.ID,
		Addr:      r.Addr,
		Type:      r.Type,
		Username:  r.Username,
		Password:  r.Password,
		ExpiresAt: r.ExpiresAt.Unix(),
	}
}

// Select picks up to n relays for a gateway located at loc (nil when
// geolocation is unknown). Located relays win over unlocated ones; among
// located relays, smaller great-circle distance wins. Without a gateway
// location the choice is random but still prefers located relays.
func Select(loc *types.Location, online []*types.Relay, n int) []View {
	if n <= 0 || len(online) == 0 {
		return nil
	}

	var located, unlocated []*types.Relay
	for _, r := range online {
		if r.Location != nil {
			located = append(located, r)
		} else {
			unlocated = append(unlocated, r)
		}
	}

	if loc != nil {
		sort.SliceStable(located, func(i, j int) bool {
			return distance(*loc, *located[i].Location) < distance(*loc, *located[j].Location)
		})
	} else {
		rand.Shuffle(len(located), func(i, j int) { located[i], located[j] = located[j], located[i] })
	}
	rand.Shuffle(len(unlocated), func(i, j int) { unlocated[i], unlocated[j] = unlocated[j], unlocated[i] })

	picked := make([]View, 0, n)
	for _, r := range located {
		if len(picked) == n {
			return picked
		}
		picked = append(picked, NewView(r))
	}
	for _, r := range unlocated {
		if len(picked) == n {
			return picked
		}
		picked = append(picked, NewView(r))
	}
	return picked
}

// Disconnected returns the ids present in the previous selection but absent
// from the current one.
func Disconnected(prev, cur []View) []uuid.UUID {
	current := make(map[uuid.UUID]struct{}, len(cur))
	for _, v := range cur {
		current[v.ID] = struct{}{}
	}
	var gone []uuid.UUID
	for _, v := range prev {
		if _, ok := current[v.ID]; !ok {
			gone = append(gone, v.ID)
		}
	}
	return gone
}

const earthRadiusKm = 6371.0

// distance is the great-circle distance between two coordinates, in
// kilometers, by the haversine formula.
func distance(a, b types.Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// ExpiresIn is a convenience for building relay credentials in tests and
// enrollment: now plus a validity window, truncated to seconds.
func ExpiresIn(now time.Time, d time.Duration) time.Time {
	return now.Add(d).Truncate(time.Second)
}
