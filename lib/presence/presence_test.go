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

package presence

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/outpost-sh/outpost/lib/pubsub"
	"github.com/outpost-sh/outpost/types"
)

func TestRelayIDIsPureFunctionOfStampSecret(t *testing.T) {
	require.Equal(t, RelayID("s3cret"), RelayID("s3cret"))
	require.NotEqual(t, RelayID("s3cret"), RelayID("other"))
}

func waitDiff(t *testing.T, sub *pubsub.Subscription) Diff {
	t.Helper()
	select {
	case msg := <-sub.Events():
		diff, ok := msg.Payload.(Diff)
		require.True(t, ok, "unexpected payload %T", msg.Payload)
		return diff
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for presence diff")
		return Diff{}
	}
}

func requireNoDiff(t *testing.T, sub *pubsub.Subscription) {
	t.Helper()
	select {
	case msg := <-sub.Events():
		t.Fatalf("unexpected presence message: %v", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelayReconnectSameStampSecret(t *testing.T) {
	bus := pubsub.NewBus()
	registry := NewRegistry(bus, clockwork.NewRealClock())

	accountID := uuid.New()
	sub := bus.NewSubscription(16)
	defer sub.Close()
	sub.Subscribe(pubsub.RelaysPresenceTopic(accountID))

	relay := &types.Relay{
		ID:        RelayID("stable-stamp"),
		AccountID: accountID,
		Type:      types.RelayTypeTURN,
		Addr:      "198.51.100.1",
	}

	done1 := make(chan struct{})
	registry.TrackRelay(relay, done1)
	diff := waitDiff(t, sub)
	require.Equal(t, []uuid.UUID{relay.ID}, diff.Joins)
	require.Empty(t, diff.Leaves)

	// reconnect with the same stamp secret before the old socket is reaped:
	// same logical relay, no join and no leave visible to subscribers.
	done2 := make(chan struct{})
	registry.TrackRelay(relay, done2)
	close(done1)
	requireNoDiff(t, sub)
	require.Len(t, registry.OnlineRelays(accountID), 1)

	// the surviving holder going away is a real leave.
	close(done2)
	diff = waitDiff(t, sub)
	require.Equal(t, []uuid.UUID{relay.ID}, diff.Leaves)
	require.Empty(t, registry.OnlineRelays(accountID))
}

func TestRelayRestartRotatesID(t *testing.T) {
	bus := pubsub.NewBus()
	registry := NewRegistry(bus, clockwork.NewRealClock())

	accountID := uuid.New()
	sub := bus.NewSubscription(16)
	defer sub.Close()
	sub.Subscribe(pubsub.RelaysPresenceTopic(accountID))

	oldRelay := &types.Relay{ID: RelayID("before-restart"), AccountID: accountID}
	done1 := make(chan struct{})
	registry.TrackRelay(oldRelay, done1)
	_ = waitDiff(t, sub)

	newRelay := &types.Relay{ID: RelayID("after-restart"), AccountID: accountID}
	done2 := make(chan struct{})
	defer close(done2)
	registry.TrackRelay(newRelay, done2)
	joinDiff := waitDiff(t, sub)
	require.Equal(t, []uuid.UUID{newRelay.ID}, joinDiff.Joins)

	close(done1)
	leaveDiff := waitDiff(t, sub)
	require.Equal(t, []uuid.UUID{oldRelay.ID}, leaveDiff.Leaves)
	require.NotEqual(t, joinDiff.Joins[0], leaveDiff.Leaves[0])
}

func TestGatewayPresenceLifecycle(t *testing.T) {
	bus := pubsub.NewBus()
	registry := NewRegistry(bus, clockwork.NewRealClock())

	accountID := uuid.New()
	sub := bus.NewSubscription(16)
	defer sub.Close()
	sub.Subscribe(pubsub.GatewaysPresenceTopic(accountID))

	gateway := &types.Gateway{ID: uuid.New(), AccountID: accountID, SiteID: uuid.New()}
	done := make(chan struct{})
	registry.TrackGateway(gateway, done)

	diff := waitDiff(t, sub)
	require.Equal(t, []uuid.UUID{gateway.ID}, diff.Joins)

	got, ok := registry.Gateway(accountID, gateway.ID)
	require.True(t, ok)
	require.Equal(t, gateway.SiteID, got.SiteID)

	// presence is account scoped
	_, ok = registry.Gateway(uuid.New(), gateway.ID)
	require.False(t, ok)

	close(done)
	diff = waitDiff(t, sub)
	require.Equal(t, []uuid.UUID{gateway.ID}, diff.Leaves)
	require.Empty(t, registry.OnlineGateways(accountID))
}

func TestClientOnline(t *testing.T) {
	bus := pubsub.NewBus()
	registry := NewRegistry(bus, clockwork.NewRealClock())

	client := &types.Client{ID: uuid.New(), AccountID: uuid.New()}
	done := make(chan struct{})
	registry.TrackClient(client, done)
	require.True(t, registry.ClientOnline(client.AccountID, client.ID))

	close(done)
	require.Eventually(t, func() bool {
		return !registry.ClientOnline(client.AccountID, client.ID)
	}, 5*time.Second, 10*time.Millisecond)
}
