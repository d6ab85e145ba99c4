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

package relays

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/outpost-sh/outpost/types"
)

func relayAt(name string, loc *types.Location) *types.Relay {
	return &types.Relay{
		ID:       uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)),
		Type:     types.RelayTypeTURN,
		Addr:     "203.0.113.1",
		Location: loc,
	}
}

func ids(views []View) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(views))
	for _, v := range views {
		out = append(out, v.ID)
	}
	return out
}

func TestSelectClosestRelays(t *testing.T) {
	// gateway in Houston; Kansas and Mexico beat Sydney
	gatewayLoc := &types.Location{Lat: 29.69, Lon: -95.90}
	kansas := relayAt("kansas", &types.Location{Lat: 38, Lon: -97})
	mexico := relayAt("mexico", &types.Location{Lat: 20.59, Lon: -100.39})
	sydney := relayAt("sydney", &types.Location{Lat: -33.87, Lon: 151.21})

	picked := Select(gatewayLoc, []*types.Relay{sydney, kansas, mexico}, 2)
	require.Len(t, picked, 2)
	require.ElementsMatch(t, []uuid.UUID{kansas.ID, mexico.ID}, ids(picked))
	require.NotContains(t, ids(picked), sydney.ID)
}

func TestSelectPadsWithUnlocated(t *testing.T) {
	gatewayLoc := &types.Location{Lat: 52.52, Lon: 13.40}
	berlin := relayAt("berlin", &types.Location{Lat: 52.5, Lon: 13.4})
	nowhere := relayAt("nowhere", nil)

	picked := Select(gatewayLoc, []*types.Relay{nowhere, berlin}, 2)
	require.Len(t, picked, 2)
	// located relay sorts first even though the unlocated one pads the set
	require.Equal(t, berlin.ID, picked[0].ID)
	require.Equal(t, nowhere.ID, picked[1].ID)
}

func TestSelectUnlocatedGatewayPrefersLocatedRelays(t *testing.T) {
	located := relayAt("located", &types.Location{Lat: 1, Lon: 1})
	unlocated := relayAt("unlocated", nil)

	picked := Select(nil, []*types.Relay{unlocated, located}, 1)
	require.Len(t, picked, 1)
	require.Equal(t, located.ID, picked[0].ID)
}

func TestSelectBounds(t *testing.T) {
	require.Nil(t, Select(nil, nil, 2))
	require.Nil(t, Select(nil, []*types.Relay{relayAt("r", nil)}, 0))

	picked := Select(nil, []*types.Relay{relayAt("only", nil)}, 5)
	require.Len(t, picked, 1)
}

func TestDisconnected(t *testing.T) {
	a := NewView(relayAt("a", nil))
	b := NewView(relayAt("b", nil))
	c := NewView(relayAt("c", nil))

	gone := Disconnected([]View{a, b}, []View{b, c})
	require.Equal(t, []uuid.UUID{a.ID}, gone)

	require.Nil(t, Disconnected(nil, []View{a}))
	require.Nil(t, Disconnected([]View{a}, []View{a}))
}

func TestDebouncerCoalesces(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := NewDebouncer(clock, 50*time.Millisecond)
	defer d.Stop()

	require.Nil(t, d.C())

	d.Note()
	d.Note()
	d.Note()
	require.NotNil(t, d.C())

	clock.Advance(50 * time.Millisecond)
	select {
	case <-d.C():
	case <-time.After(5 * time.Second):
		t.Fatal("debounce window never fired")
	}
	d.Fired()
	require.Nil(t, d.C())

	// a new burst opens a fresh window
	d.Note()
	require.NotNil(t, d.C())
	clock.Advance(50 * time.Millisecond)
	select {
	case <-d.C():
	case <-time.After(5 * time.Second):
		t.Fatal("second debounce window never fired")
	}
}
