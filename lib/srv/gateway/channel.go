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

// Package gateway implements the control channel held open by a connected
// gateway. The channel is a single-goroutine actor: one run loop owns the
// authorization cache and the pending request table, and everything that
// touches them (wire messages, bus events, connection requests from client
// channels, timers) arrives through that loop's select.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/outpost-sh/outpost/lib/adapter"
	"github.com/outpost-sh/outpost/lib/changestream"
	"github.com/outpost-sh/outpost/lib/defaults"
	"github.com/outpost-sh/outpost/lib/presence"
	"github.com/outpost-sh/outpost/lib/pubsub"
	"github.com/outpost-sh/outpost/lib/relays"
	"github.com/outpost-sh/outpost/lib/srv"
	"github.com/outpost-sh/outpost/lib/useragent"
	"github.com/outpost-sh/outpost/types"
)

type testEvent string

const (
	initSent   testEvent = "init-sent"
	reinitSent testEvent = "reinit-sent"

	rejectSent        testEvent = "reject-sent"
	expiryUpdateSent  testEvent = "expiry-update-sent"
	resourcePushed    testEvent = "resource-pushed"
	resourceSuppress  testEvent = "resource-suppressed"
	staleLSNDropped   testEvent = "stale-lsn-dropped"
	entriesPruned     testEvent = "entries-pruned"
	relaysPresenceOut testEvent = "relays-presence-sent"
	relayChurnNoted   testEvent = "relay-churn-noted"

	requestCached  testEvent = "request-cached"
	replyDelivered testEvent = "reply-delivered"
	invalidRef     testEvent = "invalid-ref"
	unknownMessage testEvent = "unknown-message"

	channelClosed testEvent = "channel-closed"
)

// cacheKey identifies one authorized client/resource pair on this gateway.
type cacheKey struct {
	ClientID   uuid.UUID
	ResourceID uuid.UUID
}

// Config holds the dependencies of one gateway channel.
type Config struct {
	Gateway *types.Gateway
	Account *types.Account
	Token   *types.Token

	Sender    srv.Sender
	Bus       *pubsub.Bus
	Presence  *presence.Registry
	Directory *srv.Gateways

	Clock clockwork.Clock
	Log   logrus.FieldLogger

	PruneInterval  time.Duration
	DebounceWindow time.Duration
	RelayCount     int

	testEvents chan testEvent
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Gateway == nil {
		return trace.BadParameter("missing Gateway")
	}
	if c.Account == nil {
		return trace.BadParameter("missing Account")
	}
	if c.Token == nil {
		return trace.BadParameter("missing Token")
	}
	if c.Sender == nil {
		return trace.BadParameter("missing Sender")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing Bus")
	}
	if c.Presence == nil {
		return trace.BadParameter("missing Presence")
	}
	if c.Directory == nil {
		return trace.BadParameter("missing Directory")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			defaults.ComponentKey: "gateway",
			"gateway_id":    c.Gateway.ID,
		})
	}
	if c.PruneInterval == 0 {
		c.PruneInterval = defaults.CachePruneInterval
	}
	if c.DebounceWindow == 0 {
		c.DebounceWindow = defaults.RelayDebounceWindow
	}
	if c.RelayCount == 0 {
		c.RelayCount = defaults.RelayTargetCount
	}
	return nil
}

// Channel is the per-gateway control channel actor.
type Channel struct {
	cfg     Config
	version semver.Version

	sub   *pubsub.Subscription
	wireC chan srv.Envelope
	callC chan *srv.ConnectionRequest
	done  chan struct{}

	// owned by the run loop
	account   types.Account
	cache     map[cacheKey]map[uuid.UUID]int64
	pending   map[string]*srv.ConnectionRequest
	lastLSN   uint64
	selection []relays.View
	debounce  *relays.Debouncer
}

// NewChannel builds a channel; Run starts it.
func NewChannel(cfg Config) (*Channel, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Channel{
		cfg:     cfg,
		version: adapter.ParseVersion(cfg.Gateway.LastSeenVersion),
		wireC:   make(chan srv.Envelope, defaults.PubSubMailboxSize),
		callC:   make(chan *srv.ConnectionRequest),
		done:    make(chan struct{}),
		account: *cfg.Account,
		cache:   make(map[cacheKey]map[uuid.UUID]int64),
		pending: make(map[string]*srv.ConnectionRequest),
	}, nil
}

// ID implements srv.GatewayHandle.
func (c *Channel) ID() uuid.UUID { return c.cfg.Gateway.ID }

// SiteID implements srv.GatewayHandle.
func (c *Channel) SiteID() uuid.UUID { return c.cfg.Gateway.SiteID }

// Gateway implements srv.GatewayHandle.
func (c *Channel) Gateway() *types.Gateway { return c.cfg.Gateway }

// Done closes when the run loop has exited.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Submit implements srv.GatewayHandle. The request is handed to the run
// loop; the reply arrives on req.ReplyC.
func (c *Channel) Submit(req *srv.ConnectionRequest) error {
	select {
	case c.callC <- req:
		return nil
	case <-c.done:
		return trace.ConnectionProblem(nil, "gateway %v channel is closed", c.cfg.Gateway.ID)
	}
}

// HandleEnvelope is called by the transport for every decoded inbound frame.
func (c *Channel) HandleEnvelope(env srv.Envelope) error {
	select {
	case c.wireC <- env:
		return nil
	case <-c.done:
		return trace.ConnectionProblem(nil, "gateway %v channel is closed", c.cfg.Gateway.ID)
	}
}

// Run registers the channel and serves it until the context is canceled, the
// peer's rows are deleted, or the account is deactivated. It always
// deregisters before returning.
func (c *Channel) Run(ctx context.Context) error {
	gw, account := c.cfg.Gateway, &c.account

	c.sub = c.cfg.Bus.NewSubscription(0)
	c.sub.Subscribe(pubsub.AccountTopic(account.ID))
	c.sub.Subscribe(pubsub.GatewayTopic(gw.ID))
	c.sub.Subscribe(pubsub.TokenTopic(c.cfg.Token.ID))
	c.sub.Subscribe(pubsub.SocketTopic(c.cfg.Token.ID))
	c.sub.Subscribe(pubsub.RelaysPresenceTopic(account.ID))

	c.cfg.Directory.Register(account.ID, c)
	c.cfg.Presence.TrackGateway(gw, c.done)

	c.debounce = relays.NewDebouncer(c.cfg.Clock, c.cfg.DebounceWindow)
	pruneTicker := c.cfg.Clock.NewTicker(c.cfg.PruneInterval)

	defer func() {
		pruneTicker.Stop()
		c.debounce.Stop()
		c.sub.Close()
		c.cfg.Directory.Deregister(account.ID, c)
		close(c.done)
		c.failPending(trace.ConnectionProblem(nil, "gateway channel closed"))
		c.testEvent(channelClosed)
	}()

	c.sendInit(initSent)

	for {
		select {
		case env := <-c.wireC:
			c.handleWire(env)
		case msg := <-c.sub.Events():
			shutdown, err := c.handleBusMessage(msg)
			if shutdown {
				c.cfg.Sender.Close(err)
				return trace.Wrap(err)
			}
		case req := <-c.callC:
			c.handleRequest(req)
		case <-pruneTicker.Chan():
			c.prune()
		case <-c.debounce.C():
			c.debounce.Fired()
			c.refreshRelays()
		case <-ctx.Done():
			c.cfg.Sender.Close(nil)
			return nil
		}
	}
}

func (c *Channel) testEvent(ev testEvent) {
	if c.cfg.testEvents != nil {
		c.cfg.testEvents <- ev
	}
}

func (c *Channel) send(event string, payload any) {
	c.cfg.Sender.Send(event, payload)
}

// sendInit pushes the init message, including the current relay selection.
func (c *Channel) sendInit(ev testEvent) {
	c.selection = relays.Select(
		c.cfg.Gateway.Location,
		c.cfg.Presence.OnlineRelays(c.account.ID),
		c.cfg.RelayCount,
	)
	c.send(srv.EventInit, srv.GatewayInit{
		AccountSlug: c.account.Slug,
		Interface: srv.InterfaceConfig{
			IPv4: c.cfg.Gateway.IPv4Address,
			IPv6: c.cfg.Gateway.IPv6Address,
		},
		Relays: c.selection,
		Config: srv.GatewayConfig{
			IPv4MasqueradeEnabled: c.account.Features.IPv4MasqueradeEnabled,
			IPv6MasqueradeEnabled: c.account.Features.IPv6MasqueradeEnabled,
		},
	})
	c.testEvent(ev)
}

// handleBusMessage reacts to one bus delivery. shutdown is true when the
// channel must terminate; err then carries the reason handed to the peer.
func (c *Channel) handleBusMessage(msg pubsub.Message) (shutdown bool, err error) {
	// Change stream messages share one total order. A message at or before
	// the last applied position is a reordered duplicate and is dropped.
	if msg.LSN != 0 {
		if msg.LSN <= c.lastLSN {
			c.testEvent(staleLSNDropped)
			return false, nil
		}
		c.lastLSN = msg.LSN
	}

	switch ev := msg.Payload.(type) {
	case changestream.PolicyAuthorizationDeleted:
		c.handleAuthorizationDeleted(ev.Authorization)
	case changestream.ResourceUpdated:
		c.handleResourceUpdated(&ev.Old, &ev.New)
	case changestream.ResourceDeleted:
		c.handleResourceDeleted(&ev.Resource)
	case changestream.AccountUpdated:
		if !ev.New.Active {
			return true, trace.AccessDenied("account %v was deactivated", ev.New.ID)
		}
		if ev.New.Slug != c.account.Slug || ev.New.Features != c.account.Features {
			c.account = ev.New
			c.sendInit(reinitSent)
		} else {
			c.account = ev.New
		}
	case changestream.GatewayDeleted:
		if ev.Gateway.ID == c.cfg.Gateway.ID {
			return true, trace.NotFound("gateway %v was deleted", ev.Gateway.ID)
		}
	case changestream.TokenDeleted:
		if ev.Token.ID == c.cfg.Token.ID {
			return true, trace.AccessDenied("token %v was deleted", ev.Token.ID)
		}
	case presence.Diff:
		c.debounce.Note()
		c.testEvent(relayChurnNoted)
	}
	return false, nil
}

// handleAuthorizationDeleted removes the decision record from the cache. If
// the pair lost its last authorization the gateway is told to reject it;
// otherwise the pair's expiry is revised to the longest surviving one.
func (c *Channel) handleAuthorizationDeleted(pa types.PolicyAuthorization) {
	if pa.GatewayID != c.cfg.Gateway.ID {
		return
	}
	key := cacheKey{ClientID: pa.ClientID, ResourceID: pa.ResourceID}
	entries := c.cache[key]
	if _, ok := entries[pa.ID]; !ok {
		return
	}
	delete(entries, pa.ID)
	if len(entries) == 0 {
		delete(c.cache, key)
		c.send(srv.EventRejectAccess, srv.RejectAccess{
			ClientID:   key.ClientID,
			ResourceID: key.ResourceID,
		})
		c.testEvent(rejectSent)
		return
	}
	var latest int64
	for _, exp := range entries {
		if exp > latest {
			latest = exp
		}
	}
	c.send(srv.EventExpiryUpdated, srv.ExpiryUpdated{
		ClientID:   key.ClientID,
		ResourceID: key.ResourceID,
		ExpiresAt:  latest,
	})
	c.testEvent(expiryUpdateSent)
}

// handleResourceUpdated distinguishes addressability changes, which tear the
// affected pairs down, from filter-only changes, which are pushed in place
// when the gateway's version can express the new form.
func (c *Channel) handleResourceUpdated(old, updated *types.Resource) {
	if updated.AddressabilityChanged(old) {
		for key := range c.cache {
			if key.ResourceID != updated.ID {
				continue
			}
			delete(c.cache, key)
			c.send(srv.EventRejectAccess, srv.RejectAccess{
				ClientID:   key.ClientID,
				ResourceID: key.ResourceID,
			})
			c.testEvent(rejectSent)
		}
		return
	}
	// a filter change is pushed even when no pair is cached yet, the
	// gateway keeps its own resource table current from these
	if updated.FiltersEqual(old) {
		return
	}
	view, ok := adapter.Adapt(updated, c.version)
	if !ok {
		c.testEvent(resourceSuppress)
		return
	}
	c.send(srv.EventResourceUpdate, view)
	c.testEvent(resourcePushed)
}

// handleResourceDeleted rejects every cached pair of the deleted resource.
func (c *Channel) handleResourceDeleted(r *types.Resource) {
	for key := range c.cache {
		if key.ResourceID != r.ID {
			continue
		}
		delete(c.cache, key)
		c.send(srv.EventRejectAccess, srv.RejectAccess{
			ClientID:   key.ClientID,
			ResourceID: key.ResourceID,
		})
		c.testEvent(rejectSent)
	}
}

// prune drops expired cache entries. Pruning bounds memory only; expiry
// enforcement is the gateway's job, so no message is sent.
func (c *Channel) prune() {
	now := c.cfg.Clock.Now().Unix()
	pruned := false
	for key, entries := range c.cache {
		for id, exp := range entries {
			if exp <= now {
				delete(entries, id)
				pruned = true
			}
		}
		if len(entries) == 0 {
			delete(c.cache, key)
		}
	}
	if pruned {
		c.testEvent(entriesPruned)
	}
}

// refreshRelays recomputes the relay selection after a debounced burst of
// relay presence churn and pushes the consolidated diff.
func (c *Channel) refreshRelays() {
	current := relays.Select(
		c.cfg.Gateway.Location,
		c.cfg.Presence.OnlineRelays(c.account.ID),
		c.cfg.RelayCount,
	)
	gone := relays.Disconnected(c.selection, current)
	if len(gone) == 0 && sameSelection(c.selection, current) {
		return
	}
	c.selection = current
	c.send(srv.EventRelaysPresence, srv.RelaysPresence{
		Connected:       current,
		DisconnectedIDs: gone,
	})
	c.testEvent(relaysPresenceOut)
}

func sameSelection(a, b []relays.View) bool {
	if len(a) != len(b) {
		return false
	}
	ids := make(map[uuid.UUID]struct{}, len(a))
	for _, v := range a {
		ids[v.ID] = struct{}{}
	}
	for _, v := range b {
		if _, ok := ids[v.ID]; !ok {
			return false
		}
	}
	return true
}

// handleRequest caches the authorization and pushes the matching setup
// message. The reply is delivered when the gateway answers with the ref.
func (c *Channel) handleRequest(req *srv.ConnectionRequest) {
	view, ok := adapter.Adapt(req.Resource, c.version)
	if !ok {
		req.ReplyC <- srv.ConnectionReply{Err: trace.BadParameter(
			"gateway %v at version %v cannot serve resource %v",
			c.cfg.Gateway.ID, c.version, req.Resource.ID,
		)}
		return
	}

	pa := req.Authorization
	key := cacheKey{ClientID: req.Client.ID, ResourceID: req.Resource.ID}
	entries := c.cache[key]
	if entries == nil {
		entries = make(map[uuid.UUID]int64)
		c.cache[key] = entries
	}
	entries[pa.ID] = pa.ExpiresAt.Unix()
	c.pending[req.Ref] = req
	c.testEvent(requestCached)

	switch req.Kind {
	case srv.KindAllowAccess:
		c.send(srv.EventAllowAccess, srv.AllowAccess{
			Ref:           req.Ref,
			Resource:      view,
			ClientID:      req.Client.ID,
			ClientIPv4:    req.Client.IPv4Address,
			ClientIPv6:    req.Client.IPv6Address,
			ExpiresAt:     pa.ExpiresAt.Unix(),
			ClientPayload: req.ClientPayload,
		})
	case srv.KindRequestConnection:
		msg := srv.RequestConnection{
			Ref:       req.Ref,
			Resource:  view,
			ExpiresAt: pa.ExpiresAt.Unix(),
		}
		msg.Client.ID = req.Client.ID
		msg.Client.Payload = req.ClientPayload
		msg.Client.Peer = srv.PeerConfig{
			IPv4:                req.Client.IPv4Address,
			IPv6:                req.Client.IPv6Address,
			PublicKey:           req.Client.PublicKey,
			PersistentKeepalive: defaults.PersistentKeepalive,
			PresharedKey:        req.ClientPresharedKey,
		}
		c.send(srv.EventRequestConn, msg)
	case srv.KindAuthorizeFlow:
		osName, osVersion := useragent.OS(req.Client.LastSeenUserAgent)
		c.send(srv.EventAuthorizeFlow, srv.AuthorizeFlow{
			Ref:      req.Ref,
			Resource: view,
			Client: srv.FlowClient{
				ID:                     req.Client.ID,
				IPv4:                   req.Client.IPv4Address,
				IPv6:                   req.Client.IPv6Address,
				PresharedKey:           req.ClientPresharedKey,
				PublicKey:              req.Client.PublicKey,
				Version:                req.Client.LastSeenVersion,
				DeviceSerial:           req.Client.DeviceSerial,
				DeviceUUID:             req.Client.DeviceUUID,
				IdentifierForVendor:    req.Client.IdentifierForVendor,
				FirebaseInstallationID: req.Client.FirebaseInstallationID,
				DeviceOSName:           osName,
				DeviceOSVersion:        osVersion,
			},
			Subject: srv.FlowSubject{
				AuthProviderID: req.Subject.AuthProviderID,
				ActorID:        req.Subject.Actor.ID,
				ActorEmail:     req.Subject.Actor.Email,
				ActorName:      req.Subject.Actor.Name,
			},
			ClientICECredentials:  req.ClientICECredentials,
			GatewayICECredentials: req.GatewayICECredentials,
			ExpiresAt:             pa.ExpiresAt.Unix(),
		})
	}
}

// handleWire processes one inbound frame from the gateway agent. A malformed
// or unknown message gets an error reply; the channel itself carries on.
func (c *Channel) handleWire(env srv.Envelope) {
	switch env.Event {
	case srv.EventFlowAuthorized:
		var msg srv.FlowAuthorized
		ref := env.Ref
		if err := unmarshalPayload(env.Payload, &msg); err == nil && msg.Ref != "" {
			ref = msg.Ref
		}
		c.reply(ref, srv.ConnectionReply{})
	case srv.EventConnectionReady:
		var msg srv.ConnectionReady
		ref := env.Ref
		if err := unmarshalPayload(env.Payload, &msg); err == nil && msg.Ref != "" {
			ref = msg.Ref
		}
		c.reply(ref, srv.ConnectionReply{GatewayPayload: msg.GatewayPayload})
	case srv.EventBroadcastICE:
		var msg srv.BroadcastICECandidates
		if err := unmarshalPayload(env.Payload, &msg); err != nil {
			c.sendError(env.Ref, srv.ReasonUnknownMessage)
			return
		}
		if len(msg.Candidates) == 0 {
			return
		}
		for _, clientID := range msg.ClientIDs {
			c.cfg.Bus.Broadcast(pubsub.ClientTopic(clientID), 0, srv.ICECandidates{
				From:       c.cfg.Gateway.ID,
				Candidates: msg.Candidates,
			})
		}
	case srv.EventBroadcastInvalidatedICE:
		var msg srv.BroadcastICECandidates
		if err := unmarshalPayload(env.Payload, &msg); err != nil {
			c.sendError(env.Ref, srv.ReasonUnknownMessage)
			return
		}
		if len(msg.Candidates) == 0 {
			return
		}
		for _, clientID := range msg.ClientIDs {
			c.cfg.Bus.Broadcast(pubsub.ClientTopic(clientID), 0, srv.InvalidatedICECandidates{
				From:       c.cfg.Gateway.ID,
				Candidates: msg.Candidates,
			})
		}
	default:
		c.cfg.Log.WithField("event", env.Event).Debug("Ignoring unknown message.")
		c.sendError(env.Ref, srv.ReasonUnknownMessage)
		c.testEvent(unknownMessage)
	}
}

// reply resolves a pending connection request by ref.
func (c *Channel) reply(ref string, r srv.ConnectionReply) {
	req, ok := c.pending[ref]
	if !ok {
		c.sendError(ref, srv.ReasonInvalidRef)
		c.testEvent(invalidRef)
		return
	}
	delete(c.pending, ref)
	req.ReplyC <- r
	c.send(srv.EventOK, srv.OkReply{Ref: ref})
	c.testEvent(replyDelivered)
}

func (c *Channel) sendError(ref, reason string) {
	c.send(srv.EventError, srv.ErrorReply{Ref: ref, Reason: reason})
}

// failPending resolves every outstanding request during shutdown so client
// channels are not left waiting out their full timeout.
func (c *Channel) failPending(err error) {
	for ref, req := range c.pending {
		delete(c.pending, ref)
		req.ReplyC <- srv.ConnectionReply{Err: err}
	}
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return trace.BadParameter("empty payload")
	}
	return trace.Wrap(json.Unmarshal(raw, v))
}
