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

// Package client implements the control channel held open by a connected
// client device. The channel mirrors the gateway channel's actor shape: one
// run loop owns the pushed-resource set, and connection brokering hands off
// to a waiter goroutine so a slow gateway never stalls the loop.
package client

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	mathrand "math/rand"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/outpost-sh/outpost/lib/adapter"
	"github.com/outpost-sh/outpost/lib/authz"
	"github.com/outpost-sh/outpost/lib/changestream"
	"github.com/outpost-sh/outpost/lib/defaults"
	"github.com/outpost-sh/outpost/lib/presence"
	"github.com/outpost-sh/outpost/lib/pubsub"
	"github.com/outpost-sh/outpost/lib/srv"
	"github.com/outpost-sh/outpost/lib/storage"
	"github.com/outpost-sh/outpost/types"
)

type testEvent string

const (
	initSent testEvent = "init-sent"

	resourceCreatedSent testEvent = "resource-created-sent"
	resourceUpdatedSent testEvent = "resource-updated-sent"
	resourceDeletedSent testEvent = "resource-deleted-sent"
	staleLSNDropped     testEvent = "stale-lsn-dropped"

	requestBrokered testEvent = "request-brokered"
	requestFailed   testEvent = "request-failed"
	replyForwarded  testEvent = "reply-forwarded"

	channelClosed testEvent = "channel-closed"
)

// Authorizer resolves access requests; satisfied by *authz.Resolver.
type Authorizer interface {
	Resolve(ctx context.Context, subject types.Subject, client *types.Client, resource *types.Resource, gatewayID uuid.UUID) (*types.PolicyAuthorization, error)
}

// Config holds the dependencies of one client channel.
type Config struct {
	Client  *types.Client
	Subject types.Subject

	Sender   srv.Sender
	Bus      *pubsub.Bus
	Presence *presence.Registry
	Backend  storage.Backend
	Gateways *srv.Gateways
	Authz    Authorizer

	Clock clockwork.Clock
	Log   logrus.FieldLogger

	RequestTimeout time.Duration

	testEvents chan testEvent
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing Client")
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
	if c.Backend == nil {
		return trace.BadParameter("missing Backend")
	}
	if c.Gateways == nil {
		return trace.BadParameter("missing Gateways")
	}
	if c.Authz == nil {
		return trace.BadParameter("missing Authz")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			defaults.ComponentKey: "client",
			"client_id":     c.Client.ID,
		})
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.ConnectionRequestTimeout
	}
	return nil
}

// Channel is the per-client control channel actor.
type Channel struct {
	cfg     Config
	version semver.Version

	sub   *pubsub.Subscription
	wireC chan srv.Envelope
	done  chan struct{}

	// owned by the run loop
	account types.Account
	known   map[uuid.UUID]struct{}
	lastLSN uint64
}

// NewChannel builds a channel; Run starts it.
func NewChannel(cfg Config) (*Channel, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Channel{
		cfg:     cfg,
		version: adapter.ParseVersion(cfg.Client.LastSeenVersion),
		wireC:   make(chan srv.Envelope, defaults.PubSubMailboxSize),
		done:    make(chan struct{}),
		account: cfg.Subject.Account,
		known:   make(map[uuid.UUID]struct{}),
	}, nil
}

// Done closes when the run loop has exited.
func (c *Channel) Done() <-chan struct{} { return c.done }

// HandleEnvelope is called by the transport for every decoded inbound frame.
func (c *Channel) HandleEnvelope(env srv.Envelope) error {
	select {
	case c.wireC <- env:
		return nil
	case <-c.done:
		return trace.ConnectionProblem(nil, "client %v channel is closed", c.cfg.Client.ID)
	}
}

// Run serves the channel until the context is canceled, the client or its
// token is deleted, or the account is deactivated.
func (c *Channel) Run(ctx context.Context) error {
	client := c.cfg.Client

	c.sub = c.cfg.Bus.NewSubscription(0)
	c.sub.Subscribe(pubsub.AccountTopic(c.account.ID))
	c.sub.Subscribe(pubsub.ClientTopic(client.ID))
	c.sub.Subscribe(pubsub.ActorClientsTopic(c.cfg.Subject.Actor.ID))
	c.sub.Subscribe(pubsub.TokenTopic(c.cfg.Subject.Token.ID))
	c.sub.Subscribe(pubsub.SocketTopic(c.cfg.Subject.Token.ID))

	c.cfg.Presence.TrackClient(client, c.done)

	defer func() {
		c.sub.Close()
		close(c.done)
		c.testEvent(channelClosed)
	}()

	if err := c.sendInit(ctx); err != nil {
		c.cfg.Sender.Close(err)
		return trace.Wrap(err)
	}

	for {
		select {
		case env := <-c.wireC:
			c.handleWire(ctx, env)
		case msg := <-c.sub.Events():
			shutdown, err := c.handleBusMessage(msg)
			if shutdown {
				c.cfg.Sender.Close(err)
				return trace.Wrap(err)
			}
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

// sendInit pushes the initial authorized resource list, adapted to the
// client's reported version.
func (c *Channel) sendInit(ctx context.Context) error {
	resources, err := c.cfg.Backend.ListAuthorizedResources(ctx, c.account.ID, c.cfg.Subject.Actor.ID)
	if err != nil {
		return trace.Wrap(err)
	}
	views := make([]adapter.ResourceView, 0, len(resources))
	for i := range resources {
		view, ok := adapter.Adapt(&resources[i], c.version)
		if !ok {
			continue
		}
		views = append(views, view)
		c.known[resources[i].ID] = struct{}{}
	}
	c.send(srv.EventInit, srv.ClientInit{
		Interface: srv.InterfaceConfig{
			IPv4: c.cfg.Client.IPv4Address,
			IPv6: c.cfg.Client.IPv6Address,
		},
		Resources: views,
	})
	c.testEvent(initSent)
	return nil
}

func (c *Channel) handleBusMessage(msg pubsub.Message) (shutdown bool, err error) {
	if msg.LSN != 0 {
		if msg.LSN <= c.lastLSN {
			c.testEvent(staleLSNDropped)
			return false, nil
		}
		c.lastLSN = msg.LSN
	}

	switch ev := msg.Payload.(type) {
	case changestream.ResourceCreated:
		c.pushIfAuthorized(&ev.Resource)
	case changestream.PolicyChanged:
		c.handlePolicyChanged(&ev.Policy)
	case changestream.ResourceUpdated:
		c.handleResourceUpdated(&ev.New)
	case changestream.ResourceDeleted:
		if _, ok := c.known[ev.Resource.ID]; ok {
			delete(c.known, ev.Resource.ID)
			c.send(srv.EventResourceDeleted, srv.ResourceDeleted{ID: ev.Resource.ID})
			c.testEvent(resourceDeletedSent)
		}
	case changestream.AccountUpdated:
		if !ev.New.Active {
			return true, trace.AccessDenied("account %v was deactivated", ev.New.ID)
		}
		c.account = ev.New
	case changestream.ClientDeleted:
		if ev.Client.ID == c.cfg.Client.ID {
			return true, trace.NotFound("client %v was deleted", ev.Client.ID)
		}
	case changestream.TokenDeleted:
		if ev.Token.ID == c.cfg.Subject.Token.ID {
			return true, trace.AccessDenied("token %v was deleted", ev.Token.ID)
		}
	case srv.ICECandidates:
		c.send(srv.EventICECandidates, ev)
	case srv.InvalidatedICECandidates:
		c.send(srv.EventInvalidatedICECandidates, ev)
	}
	return false, nil
}

// pushIfAuthorized announces a resource the actor can reach and the client's
// version can express.
func (c *Channel) pushIfAuthorized(r *types.Resource) {
	if _, ok := c.known[r.ID]; ok {
		return
	}
	if !c.authorizedFor(r) {
		return
	}
	view, ok := adapter.Adapt(r, c.version)
	if !ok {
		return
	}
	c.known[r.ID] = struct{}{}
	c.send(srv.EventResourceCreated, view)
	c.testEvent(resourceCreatedSent)
}

// handleResourceUpdated keeps the client's view of a known resource current.
// An update that makes the resource inexpressible at the client's version is
// surfaced as a deletion.
func (c *Channel) handleResourceUpdated(updated *types.Resource) {
	if _, ok := c.known[updated.ID]; !ok {
		c.pushIfAuthorized(updated)
		return
	}
	view, ok := adapter.Adapt(updated, c.version)
	if !ok {
		delete(c.known, updated.ID)
		c.send(srv.EventResourceDeleted, srv.ResourceDeleted{ID: updated.ID})
		c.testEvent(resourceDeletedSent)
		return
	}
	c.send(srv.EventResourceUpdate, view)
	c.testEvent(resourceUpdatedSent)
}

// handlePolicyChanged re-evaluates the changed policy's resource. A fresh
// grant makes the resource appear; a deleted or disabled policy may revoke
// the actor's last path to it.
func (c *Channel) handlePolicyChanged(p *types.Policy) {
	resource, err := c.cfg.Backend.GetResource(context.Background(), p.ResourceID)
	if err != nil {
		if !trace.IsNotFound(err) {
			c.cfg.Log.WithError(err).Warn("Failed to read resource.")
		}
		return
	}
	if c.authorizedFor(resource) {
		c.pushIfAuthorized(resource)
		return
	}
	if _, ok := c.known[resource.ID]; ok {
		delete(c.known, resource.ID)
		c.send(srv.EventResourceDeleted, srv.ResourceDeleted{ID: resource.ID})
		c.testEvent(resourceDeletedSent)
	}
}

// authorizedFor reports whether any enabled policy grants the channel's actor
// access to the resource.
func (c *Channel) authorizedFor(r *types.Resource) bool {
	if r.AccountID != c.account.ID {
		return false
	}
	policies, err := c.cfg.Backend.ListEnabledPolicies(context.Background(), c.account.ID, r.ID)
	if err != nil {
		c.cfg.Log.WithError(err).Warn("Failed to list policies.")
		return false
	}
	for i := range policies {
		if _, err := c.cfg.Backend.GetMembership(context.Background(), policies[i].GroupID, c.cfg.Subject.Actor.ID); err == nil {
			return true
		}
	}
	return false
}

func (c *Channel) handleWire(ctx context.Context, env srv.Envelope) {
	switch env.Event {
	case srv.EventRequestConn:
		var msg srv.RequestConnectionInbound
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			c.sendError(env.Ref, srv.ReasonUnknownMessage)
			return
		}
		c.broker(ctx, env.Ref, srv.KindRequestConnection, msg)
	case srv.EventReuseConnection:
		var msg srv.RequestConnectionInbound
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			c.sendError(env.Ref, srv.ReasonUnknownMessage)
			return
		}
		c.broker(ctx, env.Ref, srv.KindAllowAccess, msg)
	case srv.EventCreateFlow:
		var msg srv.CreateFlowInbound
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			c.sendError(env.Ref, srv.ReasonUnknownMessage)
			return
		}
		c.broker(ctx, env.Ref, srv.KindAuthorizeFlow, srv.RequestConnectionInbound{
			ResourceID: msg.ResourceID,
			GatewayID:  msg.GatewayID,
		})
	default:
		c.cfg.Log.WithField("event", env.Event).Debug("Ignoring unknown message.")
		c.sendError(env.Ref, srv.ReasonUnknownMessage)
	}
}

// broker authorizes the request, picks a gateway and submits the setup
// message, then detaches a waiter for the gateway's answer.
func (c *Channel) broker(ctx context.Context, clientRef string, kind srv.RequestKind, in srv.RequestConnectionInbound) {
	resource, err := c.cfg.Backend.GetResource(ctx, in.ResourceID)
	if err != nil || resource.AccountID != c.account.ID {
		c.fail(clientRef, srv.ReasonNotFound)
		return
	}

	handle, err := c.pickGateway(ctx, resource, in.GatewayID)
	if err != nil {
		c.fail(clientRef, srv.ReasonOffline)
		return
	}

	pa, err := c.cfg.Authz.Resolve(ctx, c.cfg.Subject, c.cfg.Client, resource, handle.ID())
	if err != nil {
		if rejection, expected := authz.KindOf(err); expected {
			c.fail(clientRef, string(rejection))
		} else {
			c.cfg.Log.WithError(err).Error("Failed to resolve access.")
			c.fail(clientRef, string(authz.RejectionInternalError))
		}
		return
	}

	req := &srv.ConnectionRequest{
		Kind:               kind,
		Ref:                uuid.NewString(),
		Client:             c.cfg.Client,
		Subject:            c.cfg.Subject,
		Resource:           resource,
		Authorization:      pa,
		ClientPayload:      in.ClientPayload,
		ClientPresharedKey: in.ClientPresharedKey,
	}
	if kind == srv.KindAuthorizeFlow {
		// the flow path pre-exchanges everything, so the control plane
		// mints the tunnel PSK along with the ICE credentials
		req.ClientPresharedKey = randomToken(32)
		req.ClientICECredentials = newICECredentials()
		req.GatewayICECredentials = newICECredentials()
	}
	replyC := make(chan srv.ConnectionReply, 1)
	req.ReplyC = replyC

	if err := handle.Submit(req); err != nil {
		c.fail(clientRef, srv.ReasonOffline)
		return
	}
	c.testEvent(requestBrokered)
	go c.awaitReply(clientRef, handle, req, replyC)
}

// pickGateway returns the requested gateway if it is connected, or a random
// connected gateway from the sites serving the resource.
func (c *Channel) pickGateway(ctx context.Context, resource *types.Resource, gatewayID uuid.UUID) (srv.GatewayHandle, error) {
	sites, err := c.cfg.Backend.ListResourceSites(ctx, resource.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if gatewayID != uuid.Nil {
		handle, err := c.cfg.Gateways.Get(c.account.ID, gatewayID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, site := range sites {
			if handle.SiteID() == site {
				return handle, nil
			}
		}
		return nil, trace.NotFound("gateway %v does not serve resource %v", gatewayID, resource.ID)
	}
	candidates := c.cfg.Gateways.ForSites(c.account.ID, sites)
	if len(candidates) == 0 {
		return nil, trace.NotFound("no connected gateway serves resource %v", resource.ID)
	}
	return candidates[mathrand.Intn(len(candidates))], nil
}

// awaitReply forwards the gateway's answer to the client, or a timeout error
// if none arrives in time. It runs outside the actor loop.
func (c *Channel) awaitReply(clientRef string, handle srv.GatewayHandle, req *srv.ConnectionRequest, replyC <-chan srv.ConnectionReply) {
	select {
	case reply := <-replyC:
		if reply.Err != nil {
			c.fail(clientRef, srv.ReasonOffline)
			return
		}
		gw := handle.Gateway()
		if req.Kind == srv.KindAuthorizeFlow {
			c.send(srv.EventFlowCreated, srv.FlowCreated{
				Ref:                   clientRef,
				GatewayID:             gw.ID,
				GatewayPublicKey:      gw.PublicKey,
				GatewayIPv4:           gw.IPv4Address,
				GatewayIPv6:           gw.IPv6Address,
				PresharedKey:          req.ClientPresharedKey,
				ClientICECredentials:  req.ClientICECredentials,
				GatewayICECredentials: req.GatewayICECredentials,
			})
		} else {
			c.send(srv.EventConnectionReady, srv.ConnectionEstablished{
				Ref:              clientRef,
				GatewayID:        gw.ID,
				GatewayPublicKey: gw.PublicKey,
				GatewayIPv4:      gw.IPv4Address,
				GatewayIPv6:      gw.IPv6Address,
				GatewayPayload:   reply.GatewayPayload,
			})
		}
		c.testEvent(replyForwarded)
	case <-c.cfg.Clock.After(c.cfg.RequestTimeout):
		c.fail(clientRef, srv.ReasonTimeout)
	case <-c.done:
	}
}

func (c *Channel) fail(ref, reason string) {
	c.sendError(ref, reason)
	c.testEvent(requestFailed)
}

func (c *Channel) sendError(ref, reason string) {
	c.send(srv.EventError, srv.ErrorReply{Ref: ref, Reason: reason})
}

// newICECredentials mints a random username fragment / password pair.
func newICECredentials() types.ICECredentials {
	return types.ICECredentials{
		Username: randomToken(6),
		Password: randomToken(16),
	}
}

func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
