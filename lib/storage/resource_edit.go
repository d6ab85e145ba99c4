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
	"encoding/json"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"

	"github.com/outpost-sh/outpost/types"
)

// ResourceEdit is the validated outcome of a resource edit. An edit that
// keeps the connected sites updates the row in place; one that changes them
// is semantically a delete of the old resource plus an insert of a successor
// linked through replaced_by_resource_id, so active tunnels are torn down and
// renegotiated against the new row.
type ResourceEdit interface {
	editedResourceID() uuid.UUID
}

// UpdateResource edits the row in place.
type UpdateResource struct {
	Resource types.Resource
	Sites    []uuid.UUID
}

func (e UpdateResource) editedResourceID() uuid.UUID { return e.Resource.ID }

// ReplaceResource soft-deletes Old and inserts New with the new site set.
type ReplaceResource struct {
	Old   types.Resource
	New   types.Resource
	Sites []uuid.UUID
}

func (e ReplaceResource) editedResourceID() uuid.UUID { return e.Old.ID }

// ValidateResourceEdit decides whether an edit is an in-place update or a
// replace. sameSites must reflect whether the requested connection set equals
// the stored one. The internet resource rejects edits that would change its
// type or address.
func ValidateResourceEdit(old, edited types.Resource, sites []uuid.UUID, sameSites bool) (ResourceEdit, error) {
	if old.AccountID != edited.AccountID {
		return nil, trace.BadParameter("resource edit crosses accounts")
	}
	if old.IsInternet() && (edited.Type != types.ResourceTypeInternet || edited.Address != "") {
		return nil, trace.BadParameter("the internet resource cannot change type or address")
	}
	if sameSites {
		return UpdateResource{Resource: edited, Sites: sites}, nil
	}
	successor := edited
	successor.ID = uuid.New()
	old.ReplacedByResourceID = &successor.ID
	return ReplaceResource{Old: old, New: successor, Sites: sites}, nil
}

// ApplyResourceEdit applies the edit transactionally. The change feed
// observes either the single update, or the delete+insert pair, only after
// commit.
func (s *Store) ApplyResourceEdit(ctx context.Context, edit ResourceEdit) error {
	return trace.Wrap(pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		switch e := edit.(type) {
		case UpdateResource:
			filters, err := json.Marshal(e.Resource.Filters)
			if err != nil {
				return trace.Wrap(err)
			}
			tag, err := tx.Exec(ctx,
				`UPDATE resources
				 SET name = $2, address = $3, ip_stack = $4, filters = $5
				 WHERE id = $1 AND deleted_at IS NULL`,
				e.Resource.ID, e.Resource.Name, e.Resource.Address,
				string(e.Resource.IPStack), filters)
			if err != nil {
				return trace.Wrap(err)
			}
			if tag.RowsAffected() == 0 {
				return trace.NotFound("resource %v not found", e.Resource.ID)
			}
			return nil
		case ReplaceResource:
			if _, err := tx.Exec(ctx,
				`UPDATE resources SET deleted_at = now(), replaced_by_resource_id = $2
				 WHERE id = $1 AND deleted_at IS NULL`,
				e.Old.ID, e.New.ID); err != nil {
				return trace.Wrap(err)
			}
			filters, err := json.Marshal(e.New.Filters)
			if err != nil {
				return trace.Wrap(err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO resources (id, account_id, type, name, address, ip_stack, filters)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				e.New.ID, e.New.AccountID, string(e.New.Type), e.New.Name,
				e.New.Address, string(e.New.IPStack), filters); err != nil {
				return trace.Wrap(err)
			}
			for _, siteID := range e.Sites {
				if _, err := tx.Exec(ctx,
					`INSERT INTO resource_connections (resource_id, site_id) VALUES ($1, $2)`,
					e.New.ID, siteID); err != nil {
					return trace.Wrap(err)
				}
			}
			return nil
		default:
			return trace.BadParameter("unknown resource edit type %T", edit)
		}
	}))
}
