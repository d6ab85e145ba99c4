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

// Package presence tracks which clients, gateways and relays are currently
// connected. Entries are owned by the connecting channel: they are installed
// on join and reaped when the channel's done channel closes. Joins and leaves
// are announced as diffs on the per-account namespace topics.
//
// Relay identity is a pure function of the stamp secret the relay picked at
// startup, so a reconnect that kept the secret lands on the same logical id
// and is absorbed without a leave, while a restart (fresh secret) shows up as
// a leave of the old id plus a join of the new one.
package presence

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/outpost-sh/outpost/lib/pubsub"
	"github.com/outpost-sh/outpost/types"
)

var presenceGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "presence_entries",
	Help: "Number of live presence entries by namespace.",
}, []string{"namespace"})

func init() {
	prometheus.MustRegister(presenceGauge)
}

// relayNamespace seeds the stamp-secret hash so relay ids do not collide
// with ids derived elsewhere from the same input.
var relayNamespace = uuid.MustParse("8257b4f0-a9e1-4bd2-b7b6-7c57e3b139a7")

// RelayID derives the logical relay id from its stamp secret. Two presence
// entries with the same stamp secret denote the same relay.
func RelayID(stampSecret string) uuid.UUID {
	return uuid.NewSHA1(relayNamespace, []byte(stampSecret))
}

// Diff announces presence changes on a namespace topic. Joins carry the ids
// that appeared, Leaves the ids that disappeared; metadata is read back from
// the registry by interested subscribers.
type Diff struct {
	Joins  []uuid.UUID
	Leaves []uuid.UUID
}

type entry[T any] struct {
	meta     T
	joinedAt time.Time
	done     <-chan struct{}
}

type namespace[T any] struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]map[uuid.UUID]*entry[T] // account id -> entity id
}

func newNamespace[T any]() *namespace[T] {
	return &namespace[T]{entries: make(map[uuid.UUID]map[uuid.UUID]*entry[T])}
}

// track installs an entry, replacing any entry with the same id. It returns
// the entry for identity comparison in the reaper and whether an entry with
// this id was already present.
func (n *namespace[T]) track(accountID, id uuid.UUID, e *entry[T]) (replaced bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m := n.entries[accountID]
	if m == nil {
		m = make(map[uuid.UUID]*entry[T])
		n.entries[accountID] = m
	}
	_, replaced = m[id]
	m[id] = e
	return replaced
}

// remove drops the entry for id, but only if it is still the given one: a
// reconnect may have replaced it, in which case the stale reap is a no-op.
func (n *namespace[T]) remove(accountID, id uuid.UUID, e *entry[T]) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	m := n.entries[accountID]
	cur, ok := m[id]
	if !ok || cur != e {
		return false
	}
	delete(m, id)
	if len(m) == 0 {
		delete(n.entries, accountID)
	}
	return true
}

func (n *namespace[T]) get(accountID, id uuid.UUID) (T, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	e, ok := n.entries[accountID][id]
	if !ok {
		var zero T
		return zero, false
	}
	return e.meta, true
}

func (n *namespace[T]) list(accountID uuid.UUID) []T {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]T, 0, len(n.entries[accountID]))
	for _, e := range n.entries[accountID] {
		out = append(out, e.meta)
	}
	return out
}

// Registry tracks online clients, gateways and relays across all accounts.
type Registry struct {
	bus   *pubsub.Bus
	clock clockwork.Clock

	clients  *namespace[*types.Client]
	gateways *namespace[*types.Gateway]
	relays   *namespace[*types.Relay]
}

// NewRegistry allocates a registry publishing diffs on the given bus.
func NewRegistry(bus *pubsub.Bus, clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		bus:      bus,
		clock:    clock,
		clients:  newNamespace[*types.Client](),
		gateways: newNamespace[*types.Gateway](),
		relays:   newNamespace[*types.Relay](),
	}
}

// TrackClient registers a connected client until done closes.
func (r *Registry) TrackClient(client *types.Client, done <-chan struct{}) {
	e := &entry[*types.Client]{meta: client, joinedAt: r.clock.Now(), done: done}
	r.clients.track(client.AccountID, client.ID, e)
	presenceGauge.WithLabelValues("clients").Inc()
	topic := pubsub.ClientsPresenceTopic(client.AccountID)
	r.bus.Broadcast(topic, 0, Diff{Joins: []uuid.UUID{client.ID}})
	go r.reap(done, func() {
		if r.clients.remove(client.AccountID, client.ID, e) {
			presenceGauge.WithLabelValues("clients").Dec()
			r.bus.Broadcast(topic, 0, Diff{Leaves: []uuid.UUID{client.ID}})
		}
	})
}

// TrackGateway registers a connected gateway until done closes.
func (r *Registry) TrackGateway(gateway *types.Gateway, done <-chan struct{}) {
	e := &entry[*types.Gateway]{meta: gateway, joinedAt: r.clock.Now(), done: done}
	r.gateways.track(gateway.AccountID, gateway.ID, e)
	presenceGauge.WithLabelValues("gateways").Inc()
	topic := pubsub.GatewaysPresenceTopic(gateway.AccountID)
	r.bus.Broadcast(topic, 0, Diff{Joins: []uuid.UUID{gateway.ID}})
	go r.reap(done, func() {
		if r.gateways.remove(gateway.AccountID, gateway.ID, e) {
			presenceGauge.WithLabelValues("gateways").Dec()
			r.bus.Broadcast(topic, 0, Diff{Leaves: []uuid.UUID{gateway.ID}})
		}
	})
}

// TrackRelay registers a connected relay until done closes. The relay's ID
// must have been derived with RelayID. A reconnect that reuses a live id
// replaces the holder silently: subscribers never observe a leave for it.
func (r *Registry) TrackRelay(relay *types.Relay, done <-chan struct{}) {
	e := &entry[*types.Relay]{meta: relay, joinedAt: r.clock.Now(), done: done}
	replaced := r.relays.track(relay.AccountID, relay.ID, e)
	topic := pubsub.RelaysPresenceTopic(relay.AccountID)
	if !replaced {
		presenceGauge.WithLabelValues("relays").Inc()
		r.bus.Broadcast(topic, 0, Diff{Joins: []uuid.UUID{relay.ID}})
	}
	go r.reap(done, func() {
		if r.relays.remove(relay.AccountID, relay.ID, e) {
			presenceGauge.WithLabelValues("relays").Dec()
			r.bus.Broadcast(topic, 0, Diff{Leaves: []uuid.UUID{relay.ID}})
		}
	})
}

func (r *Registry) reap(done <-chan struct{}, remove func()) {
	<-done
	remove()
}

// ClientOnline reports whether the client is currently connected.
func (r *Registry) ClientOnline(accountID, clientID uuid.UUID) bool {
	_, ok := r.clients.get(accountID, clientID)
	return ok
}

// Gateway returns the presence metadata of an online gateway.
func (r *Registry) Gateway(accountID, gatewayID uuid.UUID) (*types.Gateway, bool) {
	return r.gateways.get(accountID, gatewayID)
}

// OnlineGateways lists the connected gateways of an account.
func (r *Registry) OnlineGateways(accountID uuid.UUID) []*types.Gateway {
	return r.gateways.list(accountID)
}

// OnlineRelays lists the connected relays of an account.
func (r *Registry) OnlineRelays(accountID uuid.UUID) []*types.Relay {
	return r.relays.list(accountID)
}
