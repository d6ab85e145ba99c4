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

package web

import (
	"crypto/sha256"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/outpost-sh/outpost/lib/authz"
	"github.com/outpost-sh/outpost/lib/presence"
	"github.com/outpost-sh/outpost/lib/pubsub"
	"github.com/outpost-sh/outpost/lib/srv"
	"github.com/outpost-sh/outpost/lib/storage"
	"github.com/outpost-sh/outpost/types"
)

type webFixture struct {
	t *testing.T

	backend  *storage.Memory
	bus      *pubsub.Bus
	registry *presence.Registry
	dir      *srv.Gateways

	account types.Account
	actor   types.Actor
	client  types.Client
	gateway types.Gateway

	server *httptest.Server
}

func newWebFixture(t *testing.T, limit rate.Limit) *webFixture {
	t.Helper()

	f := &webFixture{
		t:       t,
		backend: storage.NewMemory(),
		bus:     pubsub.NewBus(),
		dir:     srv.NewGateways(),
	}
	f.registry = presence.NewRegistry(f.bus, nil)

	f.account = types.Account{ID: uuid.New(), Slug: "initech", Active: true}
	f.actor = types.Actor{ID: uuid.New(), AccountID: f.account.ID, Type: types.ActorTypeUser, Name: "Peter"}
	f.client = types.Client{
		ID:          uuid.New(),
		AccountID:   f.account.ID,
		ActorID:     f.actor.ID,
		IPv4Address: "100.64.1.10",
		IPv6Address: "fd00::10",
	}
	f.gateway = types.Gateway{
		ID:          uuid.New(),
		AccountID:   f.account.ID,
		SiteID:      uuid.New(),
		IPv4Address: "100.64.0.1",
		IPv6Address: "fd00::1",
	}
	f.backend.Accounts[f.account.ID] = f.account
	f.backend.Actors[f.actor.ID] = f.actor
	f.backend.Clients[f.client.ID] = f.client
	f.backend.Gateways[f.gateway.ID] = f.gateway

	handler, err := NewHandler(Config{
		Backend:   f.backend,
		Bus:       f.bus,
		Presence:  f.registry,
		Gateways:  f.dir,
		Authz:     authz.NewResolver(f.backend, nil),
		RateLimit: limit,
		RateBurst: 1,
	})
	require.NoError(t, err)

	f.server = httptest.NewServer(handler)
	t.Cleanup(f.server.Close)
	return f
}

// mintToken stores a token and returns the bearer credential for it.
func (f *webFixture) mintToken(tokenType types.TokenType, subjectID uuid.UUID) string {
	secret := uuid.NewString()
	digest := sha256.Sum256([]byte(secret))
	token := types.Token{
		ID:         uuid.New(),
		AccountID:  f.account.ID,
		Type:       tokenType,
		SubjectID:  subjectID,
		SecretHash: digest[:],
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	f.backend.Tokens[token.ID] = token
	return token.ID.String() + "." + secret
}

func (f *webFixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + path
}

func (f *webFixture) get(path string, header http.Header) *http.Response {
	f.t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
	require.NoError(f.t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return strings.TrimSpace(string(data))
}

func TestMissingToken(t *testing.T) {
	f := newWebFixture(t, 0)

	resp := f.get("/v1/client", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "Missing token", body(t, resp))
}

func TestInvalidToken(t *testing.T) {
	f := newWebFixture(t, 0)

	for _, token := range []string{
		"not-even-close",
		uuid.NewString() + ".wrong-secret",
		f.mintToken(types.TokenTypeGateway, f.gateway.ID), // wrong type for endpoint
	} {
		resp := f.get("/v1/client?token="+token, nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Equal(t, "Invalid token", body(t, resp))
	}
}

func TestHeaderTakesPrecedenceOverQuery(t *testing.T) {
	f := newWebFixture(t, 0)
	valid := f.mintToken(types.TokenTypeClient, f.client.ID)

	// a malformed header is not rescued by a valid query parameter
	resp := f.get("/v1/client?token="+valid, http.Header{
		"X-Authorization": []string{"Basic nope"},
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "Invalid token", body(t, resp))
}

func TestBadSecretRejected(t *testing.T) {
	f := newWebFixture(t, 0)
	valid := f.mintToken(types.TokenTypeClient, f.client.ID)
	id, _, _ := strings.Cut(valid, ".")

	resp := f.get("/v1/client?token="+id+".forged", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "Invalid token", body(t, resp))
}

func TestDisabledAccount(t *testing.T) {
	f := newWebFixture(t, 0)
	token := f.mintToken(types.TokenTypeClient, f.client.ID)

	disabled := f.account
	disabled.Active = false
	f.backend.Accounts[f.account.ID] = disabled

	resp := f.get("/v1/client?token="+token, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "The account is disabled", body(t, resp))
}

func TestRateLimited(t *testing.T) {
	f := newWebFixture(t, rate.Limit(0.001))

	// the single burst token is spent here
	f.get("/v1/client", nil)

	resp := f.get("/v1/client", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "1", resp.Header.Get("Retry-After"))
	require.Equal(t, "Service Unavailable", body(t, resp))
}

func TestClientJoin(t *testing.T) {
	f := newWebFixture(t, 0)
	token := f.mintToken(types.TokenTypeClient, f.client.ID)

	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/v1/client?token="+token+"&version=1.3.0"), nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	var env srv.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, srv.EventInit, env.Event)

	require.Eventually(t, func() bool {
		return f.registry.ClientOnline(f.account.ID, f.client.ID)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGatewayJoin(t *testing.T) {
	f := newWebFixture(t, 0)
	token := f.mintToken(types.TokenTypeGateway, f.gateway.ID)

	header := http.Header{"X-Authorization": []string{"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/v1/gateway?version=1.3.0"), header)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	var env srv.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, srv.EventInit, env.Event)

	require.Eventually(t, func() bool {
		_, err := f.dir.Get(f.account.ID, f.gateway.ID)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	// closing the socket deregisters the channel
	conn.Close()
	require.Eventually(t, func() bool {
		_, err := f.dir.Get(f.account.ID, f.gateway.ID)
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRelayJoin(t *testing.T) {
	f := newWebFixture(t, 0)
	relayID := uuid.New() // relay rows are not stored; identity is the stamp
	token := f.mintToken(types.TokenTypeRelay, relayID)

	url := f.wsURL("/v1/relay?token=" + token + "&stamp_secret=stamp-1&addr=203.0.113.9&lat=29.76&lon=-95.36")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}

	require.Eventually(t, func() bool {
		return len(f.registry.OnlineRelays(f.account.ID)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	online := f.registry.OnlineRelays(f.account.ID)[0]
	require.Equal(t, presence.RelayID("stamp-1"), online.ID)
	require.Equal(t, "203.0.113.9", online.Addr)
	require.NotNil(t, online.Location)
	require.InDelta(t, 29.76, online.Location.Lat, 0.01)

	conn.Close()
	require.Eventually(t, func() bool {
		return len(f.registry.OnlineRelays(f.account.ID)) == 0
	}, 5*time.Second, 10*time.Millisecond)
}
