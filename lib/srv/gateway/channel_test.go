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

package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/outpost-sh/outpost/lib/adapter"
	"github.com/outpost-sh/outpost/lib/changestream"
	"github.com/outpost-sh/outpost/lib/presence"
	"github.com/outpost-sh/outpost/lib/pubsub"
	"github.com/outpost-sh/outpost/lib/srv"
	"github.com/outpost-sh/outpost/types"
)

type sentMsg struct {
	event   string
	payload any
}

type fakeSender struct {
	sentC   chan sentMsg
	closedC chan error
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		sentC:   make(chan sentMsg, 128),
		closedC: make(chan error, 1),
	}
}

func (f *fakeSender) Send(event string, payload any) {
	f.sentC <- sentMsg{event: event, payload: payload}
}

func (f *fakeSender) Close(reason error) {
	select {
	case f.closedC <- reason:
	default:
	}
}

type fixture struct {
	t *testing.T

	bus      *pubsub.Bus
	clock    *clockwork.FakeClock
	registry *presence.Registry
	dir      *srv.Gateways
	sender   *fakeSender
	events   chan testEvent

	account *types.Account
	gateway *types.Gateway
	token   *types.Token

	channel *Channel
	cancel  context.CancelFunc
	runErrC chan error
}

func newFixture(t *testing.T, version string) *fixture {
	t.Helper()

	f := &fixture{
		t:       t,
		bus:     pubsub.NewBus(),
		clock:   clockwork.NewFakeClock(),
		dir:     srv.NewGateways(),
		sender:  newFakeSender(),
		events:  make(chan testEvent, 1024),
		runErrC: make(chan error, 1),
	}
	f.registry = presence.NewRegistry(f.bus, f.clock)

	f.account = &types.Account{
		ID:     uuid.New(),
		Slug:   "initech",
		Active: true,
		Features: types.AccountFeatures{
			IPv4MasqueradeEnabled: true,
		},
	}
	f.gateway = &types.Gateway{
		ID:              uuid.New(),
		AccountID:       f.account.ID,
		SiteID:          uuid.New(),
		Name:            "gw-1",
		IPv4Address:     "100.64.0.1",
		IPv6Address:     "fd00::1",
		LastSeenVersion: version,
	}
	f.token = &types.Token{
		ID:        uuid.New(),
		AccountID: f.account.ID,
		Type:      types.TokenTypeGateway,
		SubjectID: f.gateway.ID,
		ExpiresAt: f.clock.Now().Add(24 * time.Hour),
	}

	channel, err := NewChannel(Config{
		Gateway:    f.gateway,
		Account:    f.account,
		Token:      f.token,
		Sender:     f.sender,
		Bus:        f.bus,
		Presence:   f.registry,
		Directory:  f.dir,
		Clock:      f.clock,
		testEvents: f.events,
	})
	require.NoError(t, err)
	f.channel = channel

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.runErrC <- channel.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-channel.Done():
		case <-time.After(5 * time.Second):
			t.Error("channel did not stop")
		}
	})

	f.expectSent(srv.EventInit)
	f.expectEvent(initSent)
	return f
}

func (f *fixture) expectSent(event string) sentMsg {
	f.t.Helper()
	select {
	case msg := <-f.sender.sentC:
		require.Equal(f.t, event, msg.event)
		return msg
	case <-time.After(5 * time.Second):
		f.t.Fatalf("timeout waiting for %q push", event)
		return sentMsg{}
	}
}

func (f *fixture) expectEvent(ev testEvent) {
	f.t.Helper()
	for {
		select {
		case got := <-f.events:
			if got == ev {
				return
			}
		case <-time.After(5 * time.Second):
			f.t.Fatalf("timeout waiting for event %q", ev)
		}
	}
}

func (f *fixture) newClient() *types.Client {
	return &types.Client{
		ID:              uuid.New(),
		AccountID:       f.account.ID,
		ActorID:         uuid.New(),
		IPv4Address:     "100.64.1.10",
		IPv6Address:     "fd00::10",
		PublicKey:       "client-pub",
		LastSeenVersion: "1.3.0",
	}
}

func (f *fixture) newResource() *types.Resource {
	return &types.Resource{
		ID:        uuid.New(),
		AccountID: f.account.ID,
		Type:      types.ResourceTypeDNS,
		Name:      "gitlab",
		Address:   "gitlab.company.com",
		Filters: []types.Filter{
			{Protocol: types.ProtocolTCP, Ports: []types.PortRange{{Start: 443, End: 443}}},
		},
	}
}

// submit posts an allow_access request and answers it so the pair ends up
// cached; it returns the authorization used.
func (f *fixture) submit(client *types.Client, resource *types.Resource, expiry time.Time) *types.PolicyAuthorization {
	f.t.Helper()
	pa := &types.PolicyAuthorization{
		ID:         uuid.New(),
		AccountID:  f.account.ID,
		ClientID:   client.ID,
		ResourceID: resource.ID,
		GatewayID:  f.gateway.ID,
		TokenID:    f.token.ID,
		ExpiresAt:  expiry,
	}
	replyC := make(chan srv.ConnectionReply, 1)
	ref := uuid.NewString()
	require.NoError(f.t, f.channel.Submit(&srv.ConnectionRequest{
		Kind:          srv.KindAllowAccess,
		Ref:           ref,
		Client:        client,
		Resource:      resource,
		Authorization: pa,
		ReplyC:        replyC,
	}))
	f.expectSent(srv.EventAllowAccess)
	f.expectEvent(requestCached)

	payload, err := json.Marshal(srv.ConnectionReady{Ref: ref, GatewayPayload: json.RawMessage(`"answer"`)})
	require.NoError(f.t, err)
	require.NoError(f.t, f.channel.HandleEnvelope(srv.Envelope{
		Event:   srv.EventConnectionReady,
		Payload: payload,
	}))
	f.expectEvent(replyDelivered)
	ack := f.expectSent(srv.EventOK)
	require.Equal(f.t, ref, ack.payload.(srv.OkReply).Ref)
	reply := <-replyC
	require.NoError(f.t, reply.Err)
	return pa
}

func (f *fixture) broadcastAccount(lsn uint64, payload any) {
	f.bus.Broadcast(pubsub.AccountTopic(f.account.ID), lsn, payload)
}

func TestInitCarriesAccountConfig(t *testing.T) {
	f := newFixture(t, "1.3.0")
	defer f.cancel()

	// init was consumed by the fixture; re-trigger it with a slug change
	updated := *f.account
	updated.Slug = "initech-llc"
	f.broadcastAccount(1, changestream.AccountUpdated{Old: *f.account, New: updated})

	msg := f.expectSent(srv.EventInit)
	f.expectEvent(reinitSent)
	init, ok := msg.payload.(srv.GatewayInit)
	require.True(t, ok)
	require.Equal(t, "initech-llc", init.AccountSlug)
	require.Equal(t, "100.64.0.1", init.Interface.IPv4)
	require.True(t, init.Config.IPv4MasqueradeEnabled)
	require.False(t, init.Config.IPv6MasqueradeEnabled)
}

func TestExpiryUpdateThenReject(t *testing.T) {
	f := newFixture(t, "1.3.0")
	defer f.cancel()

	client := f.newClient()
	resource := f.newResource()
	short := f.submit(client, resource, f.clock.Now().Add(time.Hour))
	long := f.submit(client, resource, f.clock.Now().Add(2*time.Hour))

	// removing the shorter grant revises the pair down to the survivor
	f.broadcastAccount(1, changestream.PolicyAuthorizationDeleted{Authorization: *short})
	msg := f.expectSent(srv.EventExpiryUpdated)
	f.expectEvent(expiryUpdateSent)
	update, ok := msg.payload.(srv.ExpiryUpdated)
	require.True(t, ok)
	require.Equal(t, client.ID, update.ClientID)
	require.Equal(t, resource.ID, update.ResourceID)
	require.Equal(t, long.ExpiresAt.Unix(), update.ExpiresAt)

	// removing the last grant rejects the pair
	f.broadcastAccount(2, changestream.PolicyAuthorizationDeleted{Authorization: *long})
	msg = f.expectSent(srv.EventRejectAccess)
	f.expectEvent(rejectSent)
	reject, ok := msg.payload.(srv.RejectAccess)
	require.True(t, ok)
	require.Equal(t, client.ID, reject.ClientID)
	require.Equal(t, resource.ID, reject.ResourceID)
}

func TestStaleLSNDropped(t *testing.T) {
	f := newFixture(t, "1.3.0")
	defer f.cancel()

	client := f.newClient()
	resource := f.newResource()
	pa := f.submit(client, resource, f.clock.Now().Add(time.Hour))

	// a benign event advances the applied position
	f.broadcastAccount(10, changestream.ResourceCreated{Resource: *f.newResource()})

	// deleting the grant at an older position must be ignored
	f.broadcastAccount(5, changestream.PolicyAuthorizationDeleted{Authorization: *pa})
	f.expectEvent(staleLSNDropped)

	// and applied once re-observed at a newer position
	f.broadcastAccount(11, changestream.PolicyAuthorizationDeleted{Authorization: *pa})
	f.expectSent(srv.EventRejectAccess)
	f.expectEvent(rejectSent)
}

func TestAddressChangeRejectsPairs(t *testing.T) {
	f := newFixture(t, "1.3.0")
	defer f.cancel()

	resource := f.newResource()
	clientA := f.newClient()
	clientB := f.newClient()
	f.submit(clientA, resource, f.clock.Now().Add(time.Hour))
	f.submit(clientB, resource, f.clock.Now().Add(time.Hour))

	updated := *resource
	updated.Address = "gitlab.internal.company.com"
	f.broadcastAccount(1, changestream.ResourceUpdated{Old: *resource, New: updated})

	gotClients := map[uuid.UUID]bool{}
	for i := 0; i < 2; i++ {
		msg := f.expectSent(srv.EventRejectAccess)
		reject := msg.payload.(srv.RejectAccess)
		require.Equal(t, resource.ID, reject.ResourceID)
		gotClients[reject.ClientID] = true
	}
	require.True(t, gotClients[clientA.ID])
	require.True(t, gotClients[clientB.ID])
}

func TestFilterChangePushedInPlace(t *testing.T) {
	f := newFixture(t, "1.3.0")
	defer f.cancel()

	client := f.newClient()
	resource := f.newResource()
	f.submit(client, resource, f.clock.Now().Add(time.Hour))

	updated := *resource
	updated.Filters = []types.Filter{
		{Protocol: types.ProtocolTCP, Ports: []types.PortRange{{Start: 443, End: 443}}},
		{Protocol: types.ProtocolICMP},
	}
	f.broadcastAccount(1, changestream.ResourceUpdated{Old: *resource, New: updated})

	msg := f.expectSent(srv.EventResourceUpdate)
	f.expectEvent(resourcePushed)
	view := msg.payload.(adapter.ResourceView)
	require.Equal(t, resource.ID, view.ID)
	require.Equal(t, "gitlab.company.com", view.Address)
	require.Len(t, view.Filters, 2)
	require.Equal(t, types.ProtocolICMP, view.Filters[1].Protocol)
}

func TestFilterChangePushedForUncachedResource(t *testing.T) {
	f := newFixture(t, "1.3.0")
	defer f.cancel()

	// no access has been brokered, so nothing references the resource yet
	resource := f.newResource()
	updated := *resource
	updated.Filters = []types.Filter{
		{Protocol: types.ProtocolUDP, Ports: []types.PortRange{{Start: 53, End: 53}}},
	}
	f.broadcastAccount(1, changestream.ResourceUpdated{Old: *resource, New: updated})

	msg := f.expectSent(srv.EventResourceUpdate)
	f.expectEvent(resourcePushed)
	view := msg.payload.(adapter.ResourceView)
	require.Equal(t, resource.ID, view.ID)
	require.Len(t, view.Filters, 1)
	require.Equal(t, types.ProtocolUDP, view.Filters[0].Protocol)
}

func TestResourceDeletedRejects(t *testing.T) {
	f := newFixture(t, "1.3.0")
	defer f.cancel()

	client := f.newClient()
	resource := f.newResource()
	f.submit(client, resource, f.clock.Now().Add(time.Hour))

	f.broadcastAccount(1, changestream.ResourceDeleted{Resource: *resource})
	f.expectSent(srv.EventRejectAccess)
	f.expectEvent(rejectSent)
}

func TestPruneIsSilent(t *testing.T) {
	f := newFixture(t, "1.3.0")
	defer f.cancel()

	client := f.newClient()
	resource := f.newResource()
	pa := f.submit(client, resource, f.clock.Now().Add(10*time.Second))

	// wait for the prune ticker to be armed, then step past the expiry
	f.clock.BlockUntil(1)
	f.clock.Advance(time.Minute)
	f.expectEvent(entriesPruned)

	// the pruned entry is gone: its late deletion event finds nothing and the
	// next push observed is the re-init, not a reject
	f.broadcastAccount(1, changestream.PolicyAuthorizationDeleted{Authorization: *pa})
	updated := *f.account
	updated.Slug = "renamed"
	f.broadcastAccount(2, changestream.AccountUpdated{Old: *f.account, New: updated})

	msg := f.expectSent(srv.EventInit)
	require.Equal(t, "renamed", msg.payload.(srv.GatewayInit).AccountSlug)
}

func TestRelayChurnDebounced(t *testing.T) {
	f := newFixture(t, "1.3.0")
	defer f.cancel()

	relayA := &types.Relay{
		ID:        presence.RelayID("stamp-a"),
		AccountID: f.account.ID,
		Type:      types.RelayTypeTURN,
		Addr:      "203.0.113.1",
		ExpiresAt: f.clock.Now().Add(time.Hour),
	}
	relayB := &types.Relay{
		ID:        presence.RelayID("stamp-b"),
		AccountID: f.account.ID,
		Type:      types.RelayTypeTURN,
		Addr:      "203.0.113.2",
		ExpiresAt: f.clock.Now().Add(time.Hour),
	}
	doneA, doneB := make(chan struct{}), make(chan struct{})
	defer close(doneA)
	defer close(doneB)

	// two joins in quick succession coalesce into one push
	f.registry.TrackRelay(relayA, doneA)
	f.expectEvent(relayChurnNoted)
	f.registry.TrackRelay(relayB, doneB)
	f.expectEvent(relayChurnNoted)

	f.clock.BlockUntil(2) // prune ticker + debounce timer
	f.clock.Advance(100 * time.Millisecond)

	msg := f.expectSent(srv.EventRelaysPresence)
	f.expectEvent(relaysPresenceOut)
	pres := msg.payload.(srv.RelaysPresence)
	require.Len(t, pres.Connected, 2)
	require.Empty(t, pres.DisconnectedIDs)

	select {
	case extra := <-f.sender.sentC:
		t.Fatalf("unexpected extra push %q", extra.event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnknownMessageAnswered(t *testing.T) {
	f := newFixture(t, "1.3.0")
	defer f.cancel()

	require.NoError(t, f.channel.HandleEnvelope(srv.Envelope{Event: "warp_speed", Ref: "r1"}))
	msg := f.expectSent(srv.EventError)
	f.expectEvent(unknownMessage)
	reply := msg.payload.(srv.ErrorReply)
	require.Equal(t, srv.ReasonUnknownMessage, reply.Reason)
	require.Equal(t, "r1", reply.Ref)

	// the channel survives and keeps serving
	f.submit(f.newClient(), f.newResource(), f.clock.Now().Add(time.Hour))
}

func TestInvalidRefAnswered(t *testing.T) {
	f := newFixture(t, "1.3.0")
	defer f.cancel()

	payload, err := json.Marshal(srv.ConnectionReady{Ref: "no-such-ref"})
	require.NoError(t, err)
	require.NoError(t, f.channel.HandleEnvelope(srv.Envelope{
		Event:   srv.EventConnectionReady,
		Payload: payload,
	}))
	msg := f.expectSent(srv.EventError)
	f.expectEvent(invalidRef)
	require.Equal(t, srv.ReasonInvalidRef, msg.payload.(srv.ErrorReply).Reason)
}

func TestICEBroadcastFanout(t *testing.T) {
	f := newFixture(t, "1.3.0")
	defer f.cancel()

	clientID := uuid.New()
	sub := f.bus.NewSubscription(0)
	sub.Subscribe(pubsub.ClientTopic(clientID))
	defer sub.Close()

	payload, err := json.Marshal(srv.BroadcastICECandidates{
		ClientIDs:  []uuid.UUID{clientID},
		Candidates: []string{"candidate:1"},
	})
	require.NoError(t, err)
	require.NoError(t, f.channel.HandleEnvelope(srv.Envelope{
		Event:   srv.EventBroadcastICE,
		Payload: payload,
	}))

	select {
	case got := <-sub.Events():
		fwd := got.Payload.(srv.ICECandidates)
		require.Equal(t, f.gateway.ID, fwd.From)
		require.Equal(t, []string{"candidate:1"}, fwd.Candidates)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for forwarded candidates")
	}

	// an empty candidate list is a no-op
	payload, err = json.Marshal(srv.BroadcastICECandidates{ClientIDs: []uuid.UUID{clientID}})
	require.NoError(t, err)
	require.NoError(t, f.channel.HandleEnvelope(srv.Envelope{
		Event:   srv.EventBroadcastICE,
		Payload: payload,
	}))
	select {
	case got := <-sub.Events():
		t.Fatalf("unexpected forward %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGatewayDeletedTerminates(t *testing.T) {
	f := newFixture(t, "1.3.0")

	f.bus.Broadcast(pubsub.GatewayTopic(f.gateway.ID), 1, changestream.GatewayDeleted{Gateway: *f.gateway})

	select {
	case err := <-f.runErrC:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not terminate")
	}
	select {
	case reason := <-f.sender.closedC:
		require.Error(t, reason)
	default:
		t.Fatal("sender was not closed")
	}
	_, err := f.dir.Get(f.account.ID, f.gateway.ID)
	require.Error(t, err)
}

func TestTokenDeletedTerminates(t *testing.T) {
	f := newFixture(t, "1.3.0")

	f.bus.Broadcast(pubsub.TokenTopic(f.token.ID), 1, changestream.TokenDeleted{Token: *f.token})

	select {
	case err := <-f.runErrC:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not terminate")
	}
}

func TestAccountDeactivatedTerminates(t *testing.T) {
	f := newFixture(t, "1.3.0")

	updated := *f.account
	updated.Active = false
	f.broadcastAccount(1, changestream.AccountUpdated{Old: *f.account, New: updated})

	select {
	case err := <-f.runErrC:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not terminate")
	}
}

// TestSuppressedResourcePush exercises the reaction logic directly: a peer
// that cannot express the updated resource gets nothing rather than a
// half-translated view.
func TestSuppressedResourcePush(t *testing.T) {
	sender := newFakeSender()
	events := make(chan testEvent, 16)
	account := &types.Account{ID: uuid.New(), Slug: "acme", Active: true}
	gw := &types.Gateway{ID: uuid.New(), AccountID: account.ID, SiteID: uuid.New(), LastSeenVersion: "1.2.0"}
	token := &types.Token{ID: uuid.New(), AccountID: account.ID, Type: types.TokenTypeGateway}

	channel, err := NewChannel(Config{
		Gateway:    gw,
		Account:    account,
		Token:      token,
		Sender:     sender,
		Bus:        pubsub.NewBus(),
		Presence:   presence.NewRegistry(pubsub.NewBus(), clockwork.NewFakeClock()),
		Directory:  srv.NewGateways(),
		Clock:      clockwork.NewFakeClock(),
		testEvents: events,
	})
	require.NoError(t, err)

	internet := types.Resource{ID: uuid.New(), AccountID: account.ID, Type: types.ResourceTypeInternet}
	clientID := uuid.New()
	channel.cache[cacheKey{ClientID: clientID, ResourceID: internet.ID}] = map[uuid.UUID]int64{
		uuid.New(): time.Now().Add(time.Hour).Unix(),
	}

	updated := internet
	updated.Filters = []types.Filter{{Protocol: types.ProtocolTCP}}
	channel.handleResourceUpdated(&internet, &updated)

	require.Equal(t, resourceSuppress, <-events)
	select {
	case msg := <-sender.sentC:
		t.Fatalf("unexpected push %q", msg.event)
	default:
	}
}
