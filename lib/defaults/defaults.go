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

// Package defaults holds the shared tunables of the control plane core.
package defaults

import "time"

// ComponentKey is the log field naming the subsystem that emitted an entry.
const ComponentKey = "component"

const (
	// CachePruneInterval is how often a gateway channel walks its
	// authorization cache and drops expired entries. Pruning is silent; it
	// bounds memory, it does not notify peers.
	CachePruneInterval = 30 * time.Second

	// RelayDebounceWindow coalesces bursts of relay presence churn before a
	// channel recomputes its relay selection.
	RelayDebounceWindow = 50 * time.Millisecond

	// RelayTargetCount is how many relays a gateway is offered.
	RelayTargetCount = 2

	// ConnectionRequestTimeout bounds how long a client channel waits for the
	// gateway's reply to a connection or flow request before surfacing a
	// timeout error to the client.
	ConnectionRequestTimeout = 30 * time.Second

	// ChangeFeedPollPeriod is the idle interval between polls of the logical
	// replication slot.
	ChangeFeedPollPeriod = time.Second

	// ChangeFeedRetryPeriod is how long the change stream waits before
	// reconnecting after losing the replication connection.
	ChangeFeedRetryPeriod = 10 * time.Second

	// PubSubMailboxSize is the buffered capacity of a subscriber mailbox.
	// Overflow drops the message: the change stream carries the ground truth
	// and the next relevant event refreshes state.
	PubSubMailboxSize = 128

	// WireKeepAliveInterval is the websocket ping cadence.
	WireKeepAliveInterval = 30 * time.Second

	// WireWriteTimeout bounds a single websocket frame write.
	WireWriteTimeout = 10 * time.Second

	// PersistentKeepalive is the WireGuard keepalive, in seconds, handed to
	// peers in connection setup payloads.
	PersistentKeepalive = 25

	// RelayCredentialTTL is the validity window of minted TURN credentials.
	RelayCredentialTTL = 24 * time.Hour
)
