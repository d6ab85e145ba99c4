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

package changestream

import (
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/outpost-sh/outpost/lib/pubsub"
	"github.com/outpost-sh/outpost/types"
)

var changeEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "changestream_events_total",
	Help: "Change feed events dispatched, by table and operation.",
}, []string{"table", "op"})

func init() {
	prometheus.MustRegister(changeEventsTotal)
}

// Hooks translates raw row changes into typed bus events. Hooks are pure
// transformations: they read the change, broadcast, and never write back.
// Dispatch is called from the single reader goroutine, so events reach each
// topic in LSN order.
type Hooks struct {
	bus *pubsub.Bus
}

// NewHooks builds the hook set publishing on the given bus.
func NewHooks(bus *pubsub.Bus) *Hooks {
	return &Hooks{bus: bus}
}

// Dispatch routes one change to its table hook. Unknown tables are ignored;
// the feed intentionally carries more tables than the core consumes.
func (h *Hooks) Dispatch(change Change) {
	changeEventsTotal.WithLabelValues(change.Table, string(change.Op)).Inc()
	switch change.Table {
	case "policies":
		h.policy(change)
	case "policy_authorizations":
		h.policyAuthorization(change)
	case "resources":
		h.resource(change)
	case "accounts":
		h.account(change)
	case "gateways":
		h.gateway(change)
	case "clients":
		h.client(change)
	case "tokens":
		h.token(change)
	}
}

func (h *Hooks) policy(change Change) {
	row := change.New
	if change.Op == OpDelete {
		row = change.Old
	}
	policy := policyFromRow(row)
	h.bus.Broadcast(pubsub.AccountTopic(policy.AccountID), change.LSN,
		PolicyChanged{Policy: policy})
}

func (h *Hooks) policyAuthorization(change Change) {
	if change.Op != OpDelete {
		return
	}
	pa := authorizationFromRow(change.Old)
	h.bus.Broadcast(pubsub.AccountTopic(pa.AccountID), change.LSN,
		PolicyAuthorizationDeleted{Authorization: pa})
}

func (h *Hooks) resource(change Change) {
	switch change.Op {
	case OpInsert:
		resource := resourceFromRow(change.New)
		h.bus.Broadcast(pubsub.AccountTopic(resource.AccountID), change.LSN,
			ResourceCreated{Resource: resource})
	case OpUpdate:
		old := resourceFromRow(change.Old)
		updated := resourceFromRow(change.New)
		// replica identity may omit unchanged columns; backfill from the new
		// image so diffs compare real values
		backfillResource(&old, &updated)
		if old.DeletedAt == nil && updated.DeletedAt != nil {
			h.broadcastResourceDeleted(change.LSN, updated)
			return
		}
		event := ResourceUpdated{Old: old, New: updated}
		h.bus.Broadcast(pubsub.AccountTopic(updated.AccountID), change.LSN, event)
		h.bus.Broadcast(pubsub.ResourceTopic(updated.ID), change.LSN, event)
	case OpDelete:
		h.broadcastResourceDeleted(change.LSN, resourceFromRow(change.Old))
	}
}

func (h *Hooks) broadcastResourceDeleted(lsn uint64, resource types.Resource) {
	event := ResourceDeleted{Resource: resource}
	h.bus.Broadcast(pubsub.AccountTopic(resource.AccountID), lsn, event)
	h.bus.Broadcast(pubsub.ResourceTopic(resource.ID), lsn, event)
}

func (h *Hooks) account(change Change) {
	if change.Op != OpUpdate {
		return
	}
	event := AccountUpdated{
		Old: accountFromRow(change.Old),
		New: accountFromRow(change.New),
	}
	if event.Old.Slug == "" {
		event.Old.Slug = event.New.Slug
	}
	h.bus.Broadcast(pubsub.AccountTopic(event.New.ID), change.LSN, event)
}

func (h *Hooks) gateway(change Change) {
	gateway, deleted := deletedRow(change, gatewayFromRow, func(g types.Gateway) bool { return g.DeletedAt != nil })
	if !deleted {
		return
	}
	h.bus.Broadcast(pubsub.GatewayTopic(gateway.ID), change.LSN, GatewayDeleted{Gateway: gateway})
}

func (h *Hooks) client(change Change) {
	client, deleted := deletedRow(change, clientFromRow, func(c types.Client) bool { return c.DeletedAt != nil })
	if !deleted {
		return
	}
	h.bus.Broadcast(pubsub.ClientTopic(client.ID), change.LSN, ClientDeleted{Client: client})
}

func (h *Hooks) token(change Change) {
	token, deleted := deletedRow(change, tokenFromRow, func(t types.Token) bool { return t.DeletedAt != nil })
	if !deleted {
		return
	}
	event := TokenDeleted{Token: token}
	h.bus.Broadcast(pubsub.TokenTopic(token.ID), change.LSN, event)
	h.bus.Broadcast(pubsub.SocketTopic(token.ID), change.LSN, event)
}

// backfillResource fills identity columns the old row image may omit when
// the table runs with a default replica identity. Value columns require
// REPLICA IDENTITY FULL on the resources table, which the deployment
// migrations enforce.
func backfillResource(old, updated *types.Resource) {
	if old.ID == uuid.Nil {
		old.ID = updated.ID
	}
	if old.AccountID == uuid.Nil {
		old.AccountID = updated.AccountID
	}
}

// deletedRow normalizes hard deletes and soft deletes: it returns the row
// image and whether this change logically removed it.
func deletedRow[T any](change Change, fromRow func(Row) T, isSoftDeleted func(T) bool) (T, bool) {
	switch change.Op {
	case OpDelete:
		return fromRow(change.Old), true
	case OpUpdate:
		row := fromRow(change.New)
		return row, isSoftDeleted(row) && !isSoftDeleted(fromRow(change.Old))
	default:
		var zero T
		return zero, false
	}
}
