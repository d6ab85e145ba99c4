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

// Package pubsub is the in-process topic broker connecting the change stream,
// presence registry and per-peer channels. Delivery is at-most-once and
// in-process only: subscriber mailboxes are bounded and overflow drops the
// message rather than blocking the publisher. That is safe because the change
// stream carries the ground truth and the next relevant event refreshes any
// state a dropped message would have updated.
package pubsub

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/outpost-sh/outpost/lib/defaults"
)

var (
	broadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_broadcasts_total",
		Help: "Number of messages broadcast on the in-process bus.",
	})
	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_dropped_total",
		Help: "Number of messages dropped due to full subscriber mailboxes.",
	})
	subscriptionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_subscriptions",
		Help: "Number of live topic subscriptions.",
	})
)

func init() {
	prometheus.MustRegister(broadcastsTotal, droppedTotal, subscriptionsGauge)
}

// Message is one bus delivery. LSN is nonzero for messages originating from
// the change stream and zero for direct channel-to-channel sends.
type Message struct {
	Topic   string
	LSN     uint64
	Payload any
}

// Subscription is one registration on one or more topics. All topics of a
// subscription share a single mailbox so a channel actor can select on one
// channel for every event source it cares about.
type Subscription struct {
	bus     *Bus
	mailbox chan Message

	mu     sync.Mutex
	topics map[string]int
	closed bool
}

// Events is the subscription mailbox.
func (s *Subscription) Events() <-chan Message { return s.mailbox }

// Subscribe adds a topic to this subscription. Subscribing twice to the same
// topic is idempotent for delivery but requires a matching number of
// Unsubscribe calls.
func (s *Subscription) Subscribe(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.topics[topic]++
	if s.topics[topic] == 1 {
		s.bus.attach(topic, s)
		subscriptionsGauge.Inc()
	}
}

// Unsubscribe removes one registration for the topic.
func (s *Subscription) Unsubscribe(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	n, ok := s.topics[topic]
	if !ok {
		return
	}
	if n > 1 {
		s.topics[topic] = n - 1
		return
	}
	delete(s.topics, topic)
	s.bus.detach(topic, s)
	subscriptionsGauge.Dec()
}

// Close detaches the subscription from every topic. The mailbox is not
// closed; messages already buffered remain readable.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for topic := range s.topics {
		s.bus.detach(topic, s)
		subscriptionsGauge.Dec()
	}
	s.topics = nil
}

func (s *Subscription) deliver(msg Message) {
	select {
	case s.mailbox <- msg:
	default:
		// mailbox full; the subscriber fell behind and the message is
		// dropped per the bus contract.
		droppedTotal.Inc()
	}
}

// Bus is a sharded fan-out topic broker.
type Bus struct {
	shards [busShards]busShard
}

const busShards = 16

type busShard struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
}

// NewBus allocates an empty bus.
func NewBus() *Bus {
	b := &Bus{}
	for i := range b.shards {
		b.shards[i].topics = make(map[string]map[*Subscription]struct{})
	}
	return b
}

// NewSubscription creates a subscription with a mailbox of the given
// capacity; zero means defaults.PubSubMailboxSize.
func (b *Bus) NewSubscription(capacity int) *Subscription {
	if capacity == 0 {
		capacity = defaults.PubSubMailboxSize
	}
	return &Subscription{
		bus:     b,
		mailbox: make(chan Message, capacity),
		topics:  make(map[string]int),
	}
}

// Broadcast delivers msg to every current subscriber of the topic. Per-topic
// ordering follows the order of Broadcast calls; a slow subscriber never
// blocks the publisher.
func (b *Bus) Broadcast(topic string, lsn uint64, payload any) {
	broadcastsTotal.Inc()
	msg := Message{Topic: topic, LSN: lsn, Payload: payload}
	shard := b.shard(topic)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	for sub := range shard.topics[topic] {
		sub.deliver(msg)
	}
}

// Subscribers reports the number of current subscribers on a topic.
func (b *Bus) Subscribers(topic string) int {
	shard := b.shard(topic)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return len(shard.topics[topic])
}

func (b *Bus) attach(topic string, s *Subscription) {
	shard := b.shard(topic)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	subs := shard.topics[topic]
	if subs == nil {
		subs = make(map[*Subscription]struct{})
		shard.topics[topic] = subs
	}
	subs[s] = struct{}{}
}

func (b *Bus) detach(topic string, s *Subscription) {
	shard := b.shard(topic)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	subs := shard.topics[topic]
	delete(subs, s)
	if len(subs) == 0 {
		delete(shard.topics, topic)
	}
}

func (b *Bus) shard(topic string) *busShard {
	return &b.shards[fnv32(topic)%busShards]
}

func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
