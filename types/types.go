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

// Package types holds the domain entities shared by the control plane core:
// accounts, resources, policies, clients, gateways, relays, tokens and the
// policy authorization decision record. Entities are plain structs keyed by
// UUID; cross-entity references are ids, never pointers, so no struct owns
// another entity's lifetime.
package types

import (
	"time"

	"github.com/google/uuid"
)

// ResourceType enumerates the address grammars a resource can use.
type ResourceType string

const (
	ResourceTypeDNS      ResourceType = "dns"
	ResourceTypeIP       ResourceType = "ip"
	ResourceTypeCIDR     ResourceType = "cidr"
	ResourceTypeInternet ResourceType = "internet"
)

// IPStack constrains which address families a DNS resource resolves to.
type IPStack string

const (
	IPStackDual     IPStack = "dual"
	IPStackIPv4Only IPStack = "ipv4_only"
	IPStackIPv6Only IPStack = "ipv6_only"
)

// Protocol is a traffic filter protocol.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolICMP Protocol = "icmp"
)

// PortRange is an inclusive port range. Start == End denotes a single port.
type PortRange struct {
	Start uint16 `json:"start"`
	End   uint16 `json:"end"`
}

// Filter is one entry of a resource's ordered traffic filter list. An empty
// Ports list permits the whole port space for the protocol.
type Filter struct {
	Protocol Protocol    `json:"protocol"`
	Ports    []PortRange `json:"ports,omitempty"`
}

// Account is the tenant scope. Every other entity is account-scoped and
// cross-account reads are a programming error, not a policy decision.
type Account struct {
	ID       uuid.UUID
	Slug     string
	Active   bool
	Features AccountFeatures
}

// AccountFeatures carries per-account toggles the channels surface to peers.
type AccountFeatures struct {
	IPv4MasqueradeEnabled bool
	IPv6MasqueradeEnabled bool
}

// Resource is a protected destination served by one or more gateways.
type Resource struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Type      ResourceType
	Name      string
	// Address is type-dependent: a glob for dns, a literal for ip, a prefix
	// for cidr, and empty for internet (which implicitly covers all of
	// IPv4+IPv6 and exists exactly once per account).
	Address string
	IPStack IPStack
	Filters []Filter
	// ReplacedByResourceID links a resource to its successor when an edit
	// changed the set of connected sites (delete old + insert new).
	ReplacedByResourceID *uuid.UUID
	DeletedAt            *time.Time
}

// IsInternet reports whether this is the account's singleton internet
// resource.
func (r *Resource) IsInternet() bool { return r.Type == ResourceTypeInternet }

// AddressabilityChanged reports whether the change from old to r requires
// connected clients to renegotiate: anything that alters what the address
// resolves to, as opposed to which traffic is admitted through it.
func (r *Resource) AddressabilityChanged(old *Resource) bool {
	return r.Type != old.Type || r.Address != old.Address || r.IPStack != old.IPStack
}

// FiltersEqual reports whether two resources admit identical traffic.
func (r *Resource) FiltersEqual(old *Resource) bool {
	if len(r.Filters) != len(old.Filters) {
		return false
	}
	for i, f := range r.Filters {
		g := old.Filters[i]
		if f.Protocol != g.Protocol || len(f.Ports) != len(g.Ports) {
			return false
		}
		for j, p := range f.Ports {
			if p != g.Ports[j] {
				return false
			}
		}
	}
	return true
}

// ResourceConnection links a resource to a site whose gateways may serve it.
type ResourceConnection struct {
	ResourceID uuid.UUID
	SiteID     uuid.UUID
}

// Policy permits members of a group to reach a resource.
type Policy struct {
	ID         uuid.UUID
	AccountID  uuid.UUID
	GroupID    uuid.UUID
	ResourceID uuid.UUID
	// SessionDuration bounds how long a single authorization may live; zero
	// means the token expiry alone decides.
	SessionDuration time.Duration
	DisabledAt      *time.Time
	DeletedAt       *time.Time
}

// Enabled reports whether the policy participates in authorization.
func (p *Policy) Enabled() bool { return p.DisabledAt == nil && p.DeletedAt == nil }

// Group collects actors for policy targeting.
type Group struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Name      string
	DeletedAt *time.Time
}

// Membership assigns an actor to a group.
type Membership struct {
	ID      uuid.UUID
	GroupID uuid.UUID
	ActorID uuid.UUID
}

// ActorType distinguishes the principal kinds that can hold memberships.
type ActorType string

const (
	ActorTypeUser           ActorType = "user"
	ActorTypeServiceAccount ActorType = "service_account"
	ActorTypeAPIClient      ActorType = "api_client"
)

// Actor is an authenticated principal.
type Actor struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Type      ActorType
	Name      string
	Email     string
	DeletedAt *time.Time
}

// Client is an end-user device enrolled with the control plane.
type Client struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	ActorID   uuid.UUID
	Name      string
	// IPv4Address and IPv6Address are the tunnel interface addresses,
	// unique within the account and stable for the life of the row.
	IPv4Address string
	IPv6Address string
	PublicKey   string
	VerifiedAt  *time.Time

	DeviceSerial           string
	DeviceUUID             string
	IdentifierForVendor    string
	FirebaseInstallationID string

	LastSeenVersion   string
	LastSeenUserAgent string
	DeletedAt         *time.Time
}

// Gateway is a data-plane forwarder inside a customer network.
type Gateway struct {
	ID          uuid.UUID
	AccountID   uuid.UUID
	SiteID      uuid.UUID
	Name        string
	IPv4Address string
	IPv6Address string
	PublicKey   string

	LastSeenVersion string
	// Location is the approximate geographic position used for relay
	// selection; nil when geolocation failed.
	Location  *Location
	DeletedAt *time.Time
}

// Location is a WGS84 coordinate pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RelayType distinguishes STUN from TURN listeners.
type RelayType string

const (
	RelayTypeSTUN RelayType = "stun"
	RelayTypeTURN RelayType = "turn"
)

// Relay is a STUN/TURN helper. Its ID is derived from the stamp secret the
// relay picked at startup (see presence.RelayID): reconnecting with the same
// secret yields the same logical relay, restarting yields a new one.
type Relay struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Type      RelayType
	// Addr is the relay's reachable IPv4 or IPv6 address string.
	Addr     string
	Location *Location

	Username  string
	Password  string
	ExpiresAt time.Time
}

// TokenType enumerates the channel kinds a token can open.
type TokenType string

const (
	TokenTypeClient    TokenType = "client"
	TokenTypeGateway   TokenType = "gateway"
	TokenTypeRelay     TokenType = "relay"
	TokenTypeBrowser   TokenType = "browser"
	TokenTypeEmail     TokenType = "email"
	TokenTypeAPIClient TokenType = "api_client"
)

// Token is a bearer secret granting a channel of its type.
type Token struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Type      TokenType
	// SubjectID identifies the actor, client, gateway or relay the token is
	// bound to, depending on Type.
	SubjectID  uuid.UUID
	SecretHash []byte
	ExpiresAt  time.Time
	DeletedAt  *time.Time
}

// Expired reports whether the token's validity window has elapsed.
func (t *Token) Expired(now time.Time) bool { return !t.ExpiresAt.After(now) }

// Subject is the authenticated envelope presented to authorization: the
// account, the acting principal and the credential it used.
type Subject struct {
	Account        Account
	Actor          Actor
	Token          Token
	AuthProviderID string
}

// PolicyAuthorization is the decision record permitting an active tunnel
// between a client and a resource through a gateway. It is destroyed when any
// contributing row is deleted or disabled.
type PolicyAuthorization struct {
	ID           uuid.UUID
	AccountID    uuid.UUID
	ClientID     uuid.UUID
	ResourceID   uuid.UUID
	GatewayID    uuid.UUID
	PolicyID     uuid.UUID
	MembershipID uuid.UUID
	TokenID      uuid.UUID
	ExpiresAt    time.Time
}

// Site groups co-located gateways serving the same set of resources.
type Site struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Name      string
}

// ICECredentials is the username fragment / password pair used by ICE
// candidate authentication; the control plane only transports it.
type ICECredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
