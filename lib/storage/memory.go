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

package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/outpost-sh/outpost/types"
)

func timeNow() time.Time { return time.Now().UTC() }

// Memory is an in-memory Backend used by tests and local development. It
// honors the same soft-delete and account-scoping rules as the Postgres
// store but keeps everything in maps under one mutex.
type Memory struct {
	mu sync.RWMutex

	Accounts    map[uuid.UUID]types.Account
	Tokens      map[uuid.UUID]types.Token
	Actors      map[uuid.UUID]types.Actor
	Clients     map[uuid.UUID]types.Client
	Gateways    map[uuid.UUID]types.Gateway
	Resources   map[uuid.UUID]types.Resource
	Policies    map[uuid.UUID]types.Policy
	Memberships map[uuid.UUID]types.Membership
	Sites       map[uuid.UUID][]uuid.UUID // resource id -> site ids

	Authorizations map[uuid.UUID]types.PolicyAuthorization
}

// NewMemory allocates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		Accounts:       make(map[uuid.UUID]types.Account),
		Tokens:         make(map[uuid.UUID]types.Token),
		Actors:         make(map[uuid.UUID]types.Actor),
		Clients:        make(map[uuid.UUID]types.Client),
		Gateways:       make(map[uuid.UUID]types.Gateway),
		Resources:      make(map[uuid.UUID]types.Resource),
		Policies:       make(map[uuid.UUID]types.Policy),
		Memberships:    make(map[uuid.UUID]types.Membership),
		Sites:          make(map[uuid.UUID][]uuid.UUID),
		Authorizations: make(map[uuid.UUID]types.PolicyAuthorization),
	}
}

func (m *Memory) GetAccount(_ context.Context, id uuid.UUID) (*types.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.Accounts[id]
	if !ok {
		return nil, trace.NotFound("account %v not found", id)
	}
	return &a, nil
}

func (m *Memory) GetToken(_ context.Context, id uuid.UUID) (*types.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.Tokens[id]
	if !ok || t.DeletedAt != nil {
		return nil, trace.NotFound("token %v not found", id)
	}
	return &t, nil
}

func (m *Memory) GetActor(_ context.Context, id uuid.UUID) (*types.Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.Actors[id]
	if !ok || a.DeletedAt != nil {
		return nil, trace.NotFound("actor %v not found", id)
	}
	return &a, nil
}

func (m *Memory) GetClient(_ context.Context, id uuid.UUID) (*types.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.Clients[id]
	if !ok || c.DeletedAt != nil {
		return nil, trace.NotFound("client %v not found", id)
	}
	return &c, nil
}

func (m *Memory) GetGateway(_ context.Context, id uuid.UUID) (*types.Gateway, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.Gateways[id]
	if !ok || g.DeletedAt != nil {
		return nil, trace.NotFound("gateway %v not found", id)
	}
	return &g, nil
}

func (m *Memory) GetResource(_ context.Context, id uuid.UUID) (*types.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.Resources[id]
	if !ok || r.DeletedAt != nil {
		return nil, trace.NotFound("resource %v not found", id)
	}
	return &r, nil
}

func (m *Memory) ListEnabledPolicies(_ context.Context, accountID, resourceID uuid.UUID) ([]types.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Policy
	for _, p := range m.Policies {
		if p.AccountID == accountID && p.ResourceID == resourceID && p.Enabled() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) GetMembership(_ context.Context, groupID, actorID uuid.UUID) (*types.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mem := range m.Memberships {
		if mem.GroupID == groupID && mem.ActorID == actorID {
			mem := mem
			return &mem, nil
		}
	}
	return nil, trace.NotFound("actor %v is not a member of group %v", actorID, groupID)
}

func (m *Memory) ListAuthorizedResources(_ context.Context, accountID, actorID uuid.UUID) ([]types.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	groups := make(map[uuid.UUID]struct{})
	for _, mem := range m.Memberships {
		if mem.ActorID == actorID {
			groups[mem.GroupID] = struct{}{}
		}
	}
	seen := make(map[uuid.UUID]struct{})
	var out []types.Resource
	for _, p := range m.Policies {
		if p.AccountID != accountID || !p.Enabled() {
			continue
		}
		if _, ok := groups[p.GroupID]; !ok {
			continue
		}
		if _, ok := seen[p.ResourceID]; ok {
			continue
		}
		r, ok := m.Resources[p.ResourceID]
		if !ok || r.DeletedAt != nil {
			continue
		}
		seen[p.ResourceID] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) ListResourceSites(_ context.Context, resourceID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]uuid.UUID(nil), m.Sites[resourceID]...), nil
}

func (m *Memory) CreatePolicyAuthorization(_ context.Context, pa *types.PolicyAuthorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Authorizations[pa.ID] = *pa
	return nil
}

func (m *Memory) DeleteResource(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Resources[id]
	if !ok || r.DeletedAt != nil {
		return trace.NotFound("resource %v not found", id)
	}
	if r.IsInternet() {
		return trace.Wrap(ErrCannotDeleteInternetResource)
	}
	now := timeNow()
	r.DeletedAt = &now
	m.Resources[id] = r
	return nil
}

func (m *Memory) ApplyResourceEdit(_ context.Context, edit ResourceEdit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch e := edit.(type) {
	case UpdateResource:
		if _, ok := m.Resources[e.Resource.ID]; !ok {
			return trace.NotFound("resource %v not found", e.Resource.ID)
		}
		m.Resources[e.Resource.ID] = e.Resource
		m.Sites[e.Resource.ID] = append([]uuid.UUID(nil), e.Sites...)
		return nil
	case ReplaceResource:
		old, ok := m.Resources[e.Old.ID]
		if !ok {
			return trace.NotFound("resource %v not found", e.Old.ID)
		}
		now := timeNow()
		old.DeletedAt = &now
		old.ReplacedByResourceID = &e.New.ID
		m.Resources[e.Old.ID] = old
		m.Resources[e.New.ID] = e.New
		m.Sites[e.New.ID] = append([]uuid.UUID(nil), e.Sites...)
		return nil
	default:
		return trace.BadParameter("unknown resource edit type %T", edit)
	}
}
