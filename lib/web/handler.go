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

// Package web is the websocket front door of the control plane: it
// authenticates bearer tokens, upgrades connections and binds each socket to
// the channel implementation matching the token's type.
package web

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/outpost-sh/outpost/lib/authz"
	"github.com/outpost-sh/outpost/lib/defaults"
	"github.com/outpost-sh/outpost/lib/presence"
	"github.com/outpost-sh/outpost/lib/pubsub"
	"github.com/outpost-sh/outpost/lib/relays"
	"github.com/outpost-sh/outpost/lib/srv"
	clientchannel "github.com/outpost-sh/outpost/lib/srv/client"
	gatewaychannel "github.com/outpost-sh/outpost/lib/srv/gateway"
	"github.com/outpost-sh/outpost/lib/storage"
	"github.com/outpost-sh/outpost/types"
)

// Authentication failures, mapped to HTTP responses by writeError.
var (
	errMissingToken    = errors.New("missing_token")
	errInvalidToken    = errors.New("invalid_token")
	errAccountDisabled = errors.New("account_disabled")
	errRateLimited     = errors.New("rate_limited")
)

// Config holds the front door's dependencies.
type Config struct {
	Backend  storage.Backend
	Bus      *pubsub.Bus
	Presence *presence.Registry
	Gateways *srv.Gateways
	Authz    *authz.Resolver

	Clock clockwork.Clock
	Log   logrus.FieldLogger

	// RateLimit caps accepted connection attempts per second across the
	// listener; zero disables limiting.
	RateLimit rate.Limit
	RateBurst int
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing Backend")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing Bus")
	}
	if c.Presence == nil {
		return trace.BadParameter("missing Presence")
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
		c.Log = logrus.WithField(defaults.ComponentKey, "web")
	}
	if c.RateLimit == 0 {
		c.RateLimit = rate.Inf
	}
	if c.RateBurst == 0 {
		c.RateBurst = 1
	}
	return nil
}

// Handler serves the channel join endpoints.
type Handler struct {
	cfg      Config
	router   *httprouter.Router
	limiter  *rate.Limiter
	upgrader websocket.Upgrader
}

// NewHandler builds the front door handler.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg:     cfg,
		router:  httprouter.New(),
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	h.router.GET("/v1/gateway", h.withAuth(types.TokenTypeGateway, h.handleGateway))
	h.router.GET("/v1/client", h.withAuth(types.TokenTypeClient, h.handleClient))
	h.router.GET("/v1/relay", h.withAuth(types.TokenTypeRelay, h.handleRelay))
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		h.writeError(w, errRateLimited)
		return
	}
	h.router.ServeHTTP(w, r)
}

// authContext is what a join handler receives after authentication.
type authContext struct {
	token   *types.Token
	account *types.Account
}

type joinHandler func(w http.ResponseWriter, r *http.Request, auth authContext)

// withAuth authenticates the bearer token and checks it opens channels of
// the wanted type.
func (h *Handler) withAuth(wantType types.TokenType, next joinHandler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		auth, err := h.authenticate(r, wantType)
		if err != nil {
			h.writeError(w, err)
			return
		}
		next(w, r, auth)
	}
}

func (h *Handler) authenticate(r *http.Request, wantType types.TokenType) (authContext, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return authContext{}, trace.Wrap(err)
	}
	token, err := h.verifyToken(r.Context(), raw, wantType)
	if err != nil {
		return authContext{}, trace.Wrap(err)
	}
	account, err := h.cfg.Backend.GetAccount(r.Context(), token.AccountID)
	if err != nil {
		return authContext{}, errInvalidToken
	}
	if !account.Active {
		return authContext{}, errAccountDisabled
	}
	return authContext{token: token, account: account}, nil
}

// bearerToken extracts the credential: the x-authorization header wins over
// the token query parameter.
func bearerToken(r *http.Request) (string, error) {
	if header := r.Header.Get("X-Authorization"); header != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return "", errInvalidToken
		}
		return strings.TrimSpace(header[len(prefix):]), nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", errMissingToken
}

// verifyToken parses the "<id>.<secret>" credential and checks the secret
// against the stored hash in constant time.
func (h *Handler) verifyToken(ctx context.Context, raw string, wantType types.TokenType) (*types.Token, error) {
	id, secret, found := strings.Cut(raw, ".")
	if !found {
		return nil, errInvalidToken
	}
	tokenID, err := uuid.Parse(id)
	if err != nil {
		return nil, errInvalidToken
	}
	token, err := h.cfg.Backend.GetToken(ctx, tokenID)
	if err != nil {
		return nil, errInvalidToken
	}
	if token.Type != wantType || token.Expired(h.cfg.Clock.Now()) {
		return nil, errInvalidToken
	}
	digest := sha256.Sum256([]byte(secret))
	if subtle.ConstantTimeCompare(digest[:], token.SecretHash) != 1 {
		return nil, errInvalidToken
	}
	return token, nil
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errMissingToken):
		http.Error(w, "Missing token", http.StatusUnauthorized)
	case errors.Is(err, errInvalidToken):
		http.Error(w, "Invalid token", http.StatusUnauthorized)
	case errors.Is(err, errAccountDisabled):
		http.Error(w, "The account is disabled", http.StatusForbidden)
	case errors.Is(err, errRateLimited):
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, "Forbidden", http.StatusForbidden)
	}
}

func (h *Handler) handleGateway(w http.ResponseWriter, r *http.Request, auth authContext) {
	gw, err := h.cfg.Backend.GetGateway(r.Context(), auth.token.SubjectID)
	if err != nil {
		h.writeError(w, errInvalidToken)
		return
	}
	if version := r.URL.Query().Get("version"); version != "" {
		gw.LastSeenVersion = version
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	log := h.cfg.Log.WithField("gateway_id", gw.ID)
	sock := newSocket(ws, h.cfg.Clock, log)

	channel, err := gatewaychannel.NewChannel(gatewaychannel.Config{
		Gateway:   gw,
		Account:   auth.account,
		Token:     auth.token,
		Sender:    sock,
		Bus:       h.cfg.Bus,
		Presence:  h.cfg.Presence,
		Directory: h.cfg.Gateways,
		Clock:     h.cfg.Clock,
		Log:       log,
	})
	if err != nil {
		sock.Close(err)
		return
	}
	h.serveChannel(r.Context(), sock, channel.Run, channel.HandleEnvelope)
}

func (h *Handler) handleClient(w http.ResponseWriter, r *http.Request, auth authContext) {
	client, err := h.cfg.Backend.GetClient(r.Context(), auth.token.SubjectID)
	if err != nil {
		h.writeError(w, errInvalidToken)
		return
	}
	actor, err := h.cfg.Backend.GetActor(r.Context(), client.ActorID)
	if err != nil {
		h.writeError(w, errInvalidToken)
		return
	}
	if version := r.URL.Query().Get("version"); version != "" {
		client.LastSeenVersion = version
	}
	if ua := r.UserAgent(); ua != "" {
		client.LastSeenUserAgent = ua
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	log := h.cfg.Log.WithField("client_id", client.ID)
	sock := newSocket(ws, h.cfg.Clock, log)

	channel, err := clientchannel.NewChannel(clientchannel.Config{
		Client: client,
		Subject: types.Subject{
			Account: *auth.account,
			Actor:   *actor,
			Token:   *auth.token,
		},
		Sender:   sock,
		Bus:      h.cfg.Bus,
		Presence: h.cfg.Presence,
		Backend:  h.cfg.Backend,
		Gateways: h.cfg.Gateways,
		Authz:    h.cfg.Authz,
		Clock:    h.cfg.Clock,
		Log:      log,
	})
	if err != nil {
		sock.Close(err)
		return
	}
	h.serveChannel(r.Context(), sock, channel.Run, channel.HandleEnvelope)
}

// serveChannel runs the channel actor and the socket read loop and tears
// both down when either side finishes.
func (h *Handler) serveChannel(
	ctx context.Context,
	sock *socket,
	run func(context.Context) error,
	deliver func(srv.Envelope) error,
) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := run(ctx); err != nil {
			h.cfg.Log.WithError(err).Debug("Channel terminated.")
		}
	}()

	sock.readLoop(deliver)
	cancel()
	<-runDone
}

// handleRelay tracks the relay's presence for the life of the socket. Relays
// have no change-reactive channel of their own; their identity is derived
// from the stamp secret so reconnects with the same secret are seamless.
func (h *Handler) handleRelay(w http.ResponseWriter, r *http.Request, auth authContext) {
	query := r.URL.Query()
	stampSecret := query.Get("stamp_secret")
	if stampSecret == "" {
		http.Error(w, "Missing stamp_secret", http.StatusBadRequest)
		return
	}
	addr := query.Get("addr")
	if addr == "" {
		addr = r.RemoteAddr
	}
	relayType := types.RelayTypeTURN
	if query.Get("type") == string(types.RelayTypeSTUN) {
		relayType = types.RelayTypeSTUN
	}

	now := h.cfg.Clock.Now()
	relay := &types.Relay{
		ID:        presence.RelayID(stampSecret),
		AccountID: auth.account.ID,
		Type:      relayType,
		Addr:      addr,
		Location:  parseLocation(query.Get("lat"), query.Get("lon")),
		Username:  strconv.FormatInt(relays.ExpiresIn(now, defaults.RelayCredentialTTL).Unix(), 10) + ":" + randomFragment(),
		Password:  randomFragment(),
		ExpiresAt: relays.ExpiresIn(now, defaults.RelayCredentialTTL),
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	log := h.cfg.Log.WithField("relay_id", relay.ID)
	sock := newSocket(ws, h.cfg.Clock, log)

	done := make(chan struct{})
	h.cfg.Presence.TrackRelay(relay, done)

	// disconnect the socket if the relay's token is deleted mid-session
	sub := h.cfg.Bus.NewSubscription(0)
	sub.Subscribe(pubsub.SocketTopic(auth.token.ID))
	go func() {
		defer sub.Close()
		for {
			select {
			case <-sub.Events():
				sock.Close(trace.AccessDenied("token was deleted"))
				return
			case <-sock.Done():
				return
			}
		}
	}()

	sock.readLoop(func(srv.Envelope) error { return nil })
	close(done)
}

func parseLocation(lat, lon string) *types.Location {
	if lat == "" || lon == "" {
		return nil
	}
	parsedLat, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return nil
	}
	parsedLon, err := strconv.ParseFloat(lon, 64)
	if err != nil {
		return nil
	}
	return &types.Location{Lat: parsedLat, Lon: parsedLon}
}

func randomFragment() string {
	return uuid.NewString()
}
