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

// Package srv holds the pieces shared by the per-peer channel
// implementations: the wire message payloads, the cross-channel request
// types, and the directory of connected gateway channels.
package srv

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/outpost-sh/outpost/lib/adapter"
	"github.com/outpost-sh/outpost/lib/relays"
	"github.com/outpost-sh/outpost/types"
)

// Wire event names. Inbound names are what peers send; the rest are pushed.
const (
	EventInit           = "init"
	EventRelaysPresence = "relays_presence"

	EventAllowAccess    = "allow_access"
	EventRequestConn    = "request_connection"
	EventAuthorizeFlow  = "authorize_flow"
	EventResourceUpdate = "resource_updated"
	EventRejectAccess   = "reject_access"
	EventExpiryUpdated  = "access_authorization_expiry_updated"

	EventFlowAuthorized           = "flow_authorized"
	EventConnectionReady          = "connection_ready"
	EventBroadcastICE             = "broadcast_ice_candidates"
	EventBroadcastInvalidatedICE  = "broadcast_invalidated_ice_candidates"
	EventICECandidates            = "ice_candidates"
	EventInvalidatedICECandidates = "invalidated_ice_candidates"

	EventResourceCreated = "resource_created"
	EventResourceDeleted = "resource_deleted"
	EventCreateFlow      = "create_flow"
	EventFlowCreated     = "flow_created"
	EventReuseConnection = "reuse_connection"
)

// Envelope is the framing of every wire message in both directions. Ref
// correlates replies with the request that caused them.
type Envelope struct {
	Event   string          `json:"event"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reasons attached to error replies.
const (
	ReasonInvalidRef     = "invalid_ref"
	ReasonUnknownMessage = "unknown_message"
	// ReasonOffline means no connected gateway can serve the resource.
	ReasonOffline = "offline"
	// ReasonTimeout means the chosen gateway did not answer in time.
	ReasonTimeout = "timeout"
	// ReasonNotFound means the requested resource does not exist for this
	// account.
	ReasonNotFound = "not_found"
)

// EventOK acknowledges an inbound request that was routed successfully.
const EventOK = "ok"

// OkReply is the payload of an EventOK push. Ref echoes the acknowledged
// message.
type OkReply struct {
	Ref string `json:"ref"`
}

// EventError is the reply event for malformed or unroutable inbound
// messages. Peers carry on after receiving it.
const EventError = "error"

// ErrorReply is the payload of an EventError push.
type ErrorReply struct {
	Ref    string `json:"ref,omitempty"`
	Reason string `json:"reason"`
}

// InterfaceConfig is the tunnel interface block of an init message.
type InterfaceConfig struct {
	IPv4 string `json:"ipv4"`
	IPv6 string `json:"ipv6"`
}

// GatewayInit is the first push on a gateway channel and is re-sent whenever
// account-level fields (the slug) change.
type GatewayInit struct {
	AccountSlug string          `json:"account_slug"`
	Interface   InterfaceConfig `json:"interface"`
	Relays      []relays.View   `json:"relays"`
	Config      GatewayConfig   `json:"config"`
}

// GatewayConfig carries the account feature toggles a gateway enforces.
type GatewayConfig struct {
	IPv4MasqueradeEnabled bool `json:"ipv4_masquerade_enabled"`
	IPv6MasqueradeEnabled bool `json:"ipv6_masquerade_enabled"`
}

// ClientInit is the first push on a client channel.
type ClientInit struct {
	Interface InterfaceConfig        `json:"interface"`
	Resources []adapter.ResourceView `json:"resources"`
}

// RelaysPresence pushes a recomputed relay selection.
type RelaysPresence struct {
	Connected       []relays.View `json:"connected"`
	DisconnectedIDs []uuid.UUID   `json:"disconnected_ids"`
}

// AllowAccess authorizes traffic on an already-established tunnel.
type AllowAccess struct {
	Ref           string               `json:"ref"`
	Resource      adapter.ResourceView `json:"resource"`
	ClientID      uuid.UUID            `json:"client_id"`
	ClientIPv4    string               `json:"client_ipv4"`
	ClientIPv6    string               `json:"client_ipv6"`
	ExpiresAt     int64                `json:"expires_at"`
	ClientPayload json.RawMessage      `json:"client_payload,omitempty"`
}

// PeerConfig is the WireGuard peer block of a connection setup.
type PeerConfig struct {
	IPv4                string `json:"ipv4"`
	IPv6                string `json:"ipv6"`
	PublicKey           string `json:"public_key"`
	PersistentKeepalive int    `json:"persistent_keepalive"`
	PresharedKey        string `json:"preshared_key"`
}

// RequestConnection asks a gateway to set up a full tunnel handshake.
type RequestConnection struct {
	Ref      string               `json:"ref"`
	Resource adapter.ResourceView `json:"resource"`
	Client   struct {
		ID      uuid.UUID       `json:"id"`
		Peer    PeerConfig      `json:"peer"`
		Payload json.RawMessage `json:"payload,omitempty"`
	} `json:"client"`
	ExpiresAt int64 `json:"expires_at"`
}

// FlowClient is the client block of an authorize_flow push.
type FlowClient struct {
	ID                     uuid.UUID `json:"id"`
	IPv4                   string    `json:"ipv4"`
	IPv6                   string    `json:"ipv6"`
	PresharedKey           string    `json:"preshared_key"`
	PublicKey              string    `json:"public_key"`
	Version                string    `json:"version"`
	DeviceSerial           string    `json:"device_serial,omitempty"`
	DeviceUUID             string    `json:"device_uuid,omitempty"`
	IdentifierForVendor    string    `json:"identifier_for_vendor,omitempty"`
	FirebaseInstallationID string    `json:"firebase_installation_id,omitempty"`
	DeviceOSName           string    `json:"device_os_name,omitempty"`
	DeviceOSVersion        string    `json:"device_os_version,omitempty"`
}

// FlowSubject identifies the acting principal to the gateway for audit.
type FlowSubject struct {
	AuthProviderID string    `json:"auth_provider_id,omitempty"`
	ActorID        uuid.UUID `json:"actor_id"`
	ActorEmail     string    `json:"actor_email,omitempty"`
	ActorName      string    `json:"actor_name,omitempty"`
}

// AuthorizeFlow is the full-handshake push with pre-exchanged ICE
// credentials.
type AuthorizeFlow struct {
	Ref                   string               `json:"ref"`
	Resource              adapter.ResourceView `json:"resource"`
	Client                FlowClient           `json:"client"`
	Subject               FlowSubject          `json:"subject"`
	ClientICECredentials  types.ICECredentials `json:"client_ice_credentials"`
	GatewayICECredentials types.ICECredentials `json:"gateway_ice_credentials"`
	ExpiresAt             int64                `json:"expires_at"`
}

// RejectAccess tells the gateway to tear down the client/resource pair.
type RejectAccess struct {
	ClientID   uuid.UUID `json:"client_id"`
	ResourceID uuid.UUID `json:"resource_id"`
}

// ExpiryUpdated revises the remaining lifetime of a cached pair after one of
// several authorizations was removed.
type ExpiryUpdated struct {
	ClientID   uuid.UUID `json:"client_id"`
	ResourceID uuid.UUID `json:"resource_id"`
	ExpiresAt  int64     `json:"expires_at"`
}

// ICECandidates forwards candidates between peers, in either direction.
type ICECandidates struct {
	From       uuid.UUID `json:"from"`
	Candidates []string  `json:"candidates"`
}

// InvalidatedICECandidates withdraws previously forwarded candidates.
type InvalidatedICECandidates struct {
	From       uuid.UUID `json:"from"`
	Candidates []string  `json:"candidates"`
}

// BroadcastICECandidates is the gateway-inbound fan-out request.
type BroadcastICECandidates struct {
	ClientIDs  []uuid.UUID `json:"client_ids"`
	Candidates []string    `json:"candidates"`
}

// FlowAuthorized is the gateway's reply payload to authorize_flow.
type FlowAuthorized struct {
	Ref string `json:"ref"`
}

// ConnectionReady carries the gateway's opaque RTC answer for a pending
// connection request.
type ConnectionReady struct {
	Ref            string          `json:"ref"`
	GatewayPayload json.RawMessage `json:"gateway_payload"`
}

// RequestConnectionInbound is the client-inbound connection request.
type RequestConnectionInbound struct {
	ResourceID         uuid.UUID       `json:"resource_id"`
	GatewayID          uuid.UUID       `json:"gateway_id,omitempty"`
	ClientPayload      json.RawMessage `json:"client_payload,omitempty"`
	ClientPresharedKey string          `json:"client_preshared_key"`
}

// CreateFlowInbound is the client-inbound pre-exchanged-ICE request.
type CreateFlowInbound struct {
	ResourceID uuid.UUID `json:"resource_id"`
	GatewayID  uuid.UUID `json:"gateway_id,omitempty"`
}

// ResourceDeleted tells a client a resource left its authorized set, whether
// by deletion, policy revocation or becoming inexpressible at the client's
// version.
type ResourceDeleted struct {
	ID uuid.UUID `json:"id"`
}

// FlowCreated is the client-side reply to create_flow.
type FlowCreated struct {
	Ref                   string               `json:"ref"`
	GatewayID             uuid.UUID            `json:"gateway_id"`
	GatewayPublicKey      string               `json:"gateway_public_key"`
	GatewayIPv4           string               `json:"gateway_ipv4"`
	GatewayIPv6           string               `json:"gateway_ipv6"`
	PresharedKey          string               `json:"preshared_key"`
	ClientICECredentials  types.ICECredentials `json:"client_ice_credentials"`
	GatewayICECredentials types.ICECredentials `json:"gateway_ice_credentials"`
}

// ConnectionEstablished is the client-side reply to request_connection and
// reuse_connection. Ref echoes the client's request ref.
type ConnectionEstablished struct {
	Ref              string          `json:"ref"`
	GatewayID        uuid.UUID       `json:"gateway_id"`
	GatewayPublicKey string          `json:"gateway_public_key"`
	GatewayIPv4      string          `json:"gateway_ipv4"`
	GatewayIPv6      string          `json:"gateway_ipv6"`
	GatewayPayload   json.RawMessage `json:"gateway_payload"`
}
