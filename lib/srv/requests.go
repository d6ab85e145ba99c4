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

package srv

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/outpost-sh/outpost/types"
)

// Sender pushes wire messages to a connected peer. Implementations must not
// block the caller; a peer that cannot keep up is disconnected instead.
type Sender interface {
	// Send enqueues a message for delivery.
	Send(event string, payload any)
	// Close tears the transport down. A nil reason is a clean close.
	Close(reason error)
}

// RequestKind selects which gateway-side setup message a connection request
// turns into.
type RequestKind int

const (
	// KindAllowAccess reuses an already-established tunnel.
	KindAllowAccess RequestKind = iota
	// KindRequestConnection performs a full in-band handshake.
	KindRequestConnection
	// KindAuthorizeFlow performs a handshake with pre-exchanged ICE
	// credentials.
	KindAuthorizeFlow
)

// ConnectionReply is what a gateway channel hands back once the gateway
// answered, or failed to.
type ConnectionReply struct {
	GatewayPayload json.RawMessage
	Err            error
}

// ConnectionRequest is posted by a client channel into a gateway channel's
// run loop. The gateway channel caches the authorization, pushes the
// corresponding setup message, and delivers exactly one ConnectionReply on
// ReplyC when the gateway responds or the channel shuts down.
type ConnectionRequest struct {
	Kind          RequestKind
	Ref           string
	Client        *types.Client
	Subject       types.Subject
	Resource      *types.Resource
	Authorization *types.PolicyAuthorization

	ClientPayload      json.RawMessage
	ClientPresharedKey string

	ClientICECredentials  types.ICECredentials
	GatewayICECredentials types.ICECredentials

	ReplyC chan<- ConnectionReply
}

// GatewayHandle is the surface a client channel sees of a connected gateway.
type GatewayHandle interface {
	// ID returns the gateway's identity.
	ID() uuid.UUID
	// SiteID returns the site the gateway serves.
	SiteID() uuid.UUID
	// Gateway returns the gateway row as of channel join.
	Gateway() *types.Gateway
	// Submit posts a connection request into the channel's run loop. It
	// returns an error if the channel is shutting down.
	Submit(req *ConnectionRequest) error
}

// Gateways is the directory of connected gateway channels, scoped per
// account. Gateway channels register on join and deregister on close;
// client channels look up candidates when brokering connections.
type Gateways struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]map[uuid.UUID]GatewayHandle
}

// NewGateways returns an empty directory.
func NewGateways() *Gateways {
	return &Gateways{accounts: make(map[uuid.UUID]map[uuid.UUID]GatewayHandle)}
}

// Register adds a handle, replacing any previous channel for the same
// gateway.
func (g *Gateways) Register(accountID uuid.UUID, h GatewayHandle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	byID := g.accounts[accountID]
	if byID == nil {
		byID = make(map[uuid.UUID]GatewayHandle)
		g.accounts[accountID] = byID
	}
	byID[h.ID()] = h
}

// Deregister removes a handle. It is a no-op if a newer channel for the same
// gateway has already replaced the one being removed.
func (g *Gateways) Deregister(accountID uuid.UUID, h GatewayHandle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	byID := g.accounts[accountID]
	if byID == nil {
		return
	}
	if cur, ok := byID[h.ID()]; ok && cur == h {
		delete(byID, h.ID())
		if len(byID) == 0 {
			delete(g.accounts, accountID)
		}
	}
}

// Get returns the channel for a specific gateway, or a NotFound error if it
// is not connected.
func (g *Gateways) Get(accountID, gatewayID uuid.UUID) (GatewayHandle, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if h, ok := g.accounts[accountID][gatewayID]; ok {
		return h, nil
	}
	return nil, trace.NotFound("gateway %v is not connected", gatewayID)
}

// ForSites returns the connected gateways whose site is one of the given
// sites.
func (g *Gateways) ForSites(accountID uuid.UUID, siteIDs []uuid.UUID) []GatewayHandle {
	wanted := make(map[uuid.UUID]struct{}, len(siteIDs))
	for _, id := range siteIDs {
		wanted[id] = struct{}{}
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []GatewayHandle
	for _, h := range g.accounts[accountID] {
		if _, ok := wanted[h.SiteID()]; ok {
			out = append(out, h)
		}
	}
	return out
}
