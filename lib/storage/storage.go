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

// Package storage reads and writes the control plane's persistent tables.
// Rows with a non-null deleted_at or disabled_at are excluded from active
// queries; multi-row mutations the core initiates run in a single
// transaction so change-feed subscribers only observe committed state.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/outpost-sh/outpost/lib/defaults"
	"github.com/outpost-sh/outpost/types"
)

// ErrCannotDeleteInternetResource is returned when a delete targets an
// account's singleton internet resource.
var ErrCannotDeleteInternetResource = errors.New("cannot_delete_internet_resource")

// Backend is the persistence surface the core consumes. The channels and the
// authorization resolver depend on this interface; tests substitute fakes.
type Backend interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*types.Account, error)
	GetToken(ctx context.Context, id uuid.UUID) (*types.Token, error)
	GetActor(ctx context.Context, id uuid.UUID) (*types.Actor, error)
	GetClient(ctx context.Context, id uuid.UUID) (*types.Client, error)
	GetGateway(ctx context.Context, id uuid.UUID) (*types.Gateway, error)
	GetResource(ctx context.Context, id uuid.UUID) (*types.Resource, error)

	// ListEnabledPolicies returns the enabled policies permitting access to
	// the resource within the account.
	ListEnabledPolicies(ctx context.Context, accountID, resourceID uuid.UUID) ([]types.Policy, error)
	// GetMembership returns the actor's membership in the group, if any.
	GetMembership(ctx context.Context, groupID, actorID uuid.UUID) (*types.Membership, error)
	// ListAuthorizedResources returns the distinct active resources
	// reachable by the actor through enabled policies and its memberships.
	ListAuthorizedResources(ctx context.Context, accountID, actorID uuid.UUID) ([]types.Resource, error)
	// ListResourceSites returns the site ids connected to the resource.
	ListResourceSites(ctx context.Context, resourceID uuid.UUID) ([]uuid.UUID, error)

	CreatePolicyAuthorization(ctx context.Context, pa *types.PolicyAuthorization) error

	// DeleteResource soft-deletes a resource; deleting the internet
	// resource fails with ErrCannotDeleteInternetResource.
	DeleteResource(ctx context.Context, id uuid.UUID) error
	// ApplyResourceEdit applies a validated resource edit (update in place,
	// or delete-and-replace when the connected sites changed) in one
	// transaction.
	ApplyResourceEdit(ctx context.Context, edit ResourceEdit) error
}

// Config holds connection parameters for the Postgres store.
type Config struct {
	// ConnString is a pgx connection string or URL.
	ConnString string
	Log        logrus.FieldLogger
	// PoolConfig overrides the parsed pool configuration, used in tests.
	PoolConfig *pgxpool.Config
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.ConnString == "" && c.PoolConfig == nil {
		return trace.BadParameter("missing database connection string")
	}
	if c.Log == nil {
		c.Log = logrus.WithField(defaults.ComponentKey, "storage")
	}
	return nil
}

// Store is the pgx-backed Backend implementation.
type Store struct {
	log  logrus.FieldLogger
	pool *pgxpool.Pool
}

// NewStore connects to Postgres and returns a ready store.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	poolConfig := cfg.PoolConfig
	if poolConfig == nil {
		var err error
		poolConfig, err = pgxpool.ParseConfig(cfg.ConnString)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{log: cfg.Log, pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying connection pool for the change stream, which
// hijacks a dedicated connection for its replication slot.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*types.Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, slug, active, ipv4_masquerade_enabled, ipv6_masquerade_enabled
		 FROM accounts WHERE id = $1 AND deleted_at IS NULL`, id)
	var a types.Account
	if err := row.Scan(&a.ID, &a.Slug, &a.Active,
		&a.Features.IPv4MasqueradeEnabled, &a.Features.IPv6MasqueradeEnabled); err != nil {
		return nil, wrapNotFound(err, "account %v not found", id)
	}
	return &a, nil
}

func (s *Store) GetToken(ctx context.Context, id uuid.UUID) (*types.Token, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, account_id, type, subject_id, secret_hash, expires_at
		 FROM tokens WHERE id = $1 AND deleted_at IS NULL`, id)
	var t types.Token
	if err := row.Scan(&t.ID, &t.AccountID, &t.Type, &t.SubjectID, &t.SecretHash, &t.ExpiresAt); err != nil {
		return nil, wrapNotFound(err, "token %v not found", id)
	}
	return &t, nil
}

func (s *Store) GetActor(ctx context.Context, id uuid.UUID) (*types.Actor, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, account_id, type, name, email
		 FROM actors WHERE id = $1 AND deleted_at IS NULL`, id)
	var a types.Actor
	if err := row.Scan(&a.ID, &a.AccountID, &a.Type, &a.Name, &a.Email); err != nil {
		return nil, wrapNotFound(err, "actor %v not found", id)
	}
	return &a, nil
}

func (s *Store) GetClient(ctx context.Context, id uuid.UUID) (*types.Client, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, account_id, actor_id, name, ipv4_address, ipv6_address, public_key,
		        verified_at, device_serial, device_uuid, identifier_for_vendor,
		        firebase_installation_id, last_seen_version, last_seen_user_agent
		 FROM clients WHERE id = $1 AND deleted_at IS NULL`, id)
	var c types.Client
	if err := row.Scan(&c.ID, &c.AccountID, &c.ActorID, &c.Name, &c.IPv4Address, &c.IPv6Address,
		&c.PublicKey, &c.VerifiedAt, &c.DeviceSerial, &c.DeviceUUID, &c.IdentifierForVendor,
		&c.FirebaseInstallationID, &c.LastSeenVersion, &c.LastSeenUserAgent); err != nil {
		return nil, wrapNotFound(err, "client %v not found", id)
	}
	return &c, nil
}

func (s *Store) GetGateway(ctx context.Context, id uuid.UUID) (*types.Gateway, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, account_id, site_id, name, ipv4_address, ipv6_address, public_key,
		        last_seen_version, lat, lon
		 FROM gateways WHERE id = $1 AND deleted_at IS NULL`, id)
	var g types.Gateway
	var lat, lon *float64
	if err := row.Scan(&g.ID, &g.AccountID, &g.SiteID, &g.Name, &g.IPv4Address, &g.IPv6Address,
		&g.PublicKey, &g.LastSeenVersion, &lat, &lon); err != nil {
		return nil, wrapNotFound(err, "gateway %v not found", id)
	}
	if lat != nil && lon != nil {
		g.Location = &types.Location{Lat: *lat, Lon: *lon}
	}
	return &g, nil
}

func (s *Store) GetResource(ctx context.Context, id uuid.UUID) (*types.Resource, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, account_id, type, name, address, ip_stack, filters, replaced_by_resource_id
		 FROM resources WHERE id = $1 AND deleted_at IS NULL`, id)
	r, err := scanResource(row)
	if err != nil {
		return nil, wrapNotFound(err, "resource %v not found", id)
	}
	return r, nil
}

func (s *Store) ListEnabledPolicies(ctx context.Context, accountID, resourceID uuid.UUID) ([]types.Policy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, group_id, resource_id, session_duration_secs
		 FROM policies
		 WHERE account_id = $1 AND resource_id = $2
		   AND disabled_at IS NULL AND deleted_at IS NULL`, accountID, resourceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var policies []types.Policy
	for rows.Next() {
		var p types.Policy
		var sessionSecs int64
		if err := rows.Scan(&p.ID, &p.AccountID, &p.GroupID, &p.ResourceID, &sessionSecs); err != nil {
			return nil, trace.Wrap(err)
		}
		p.SessionDuration = time.Duration(sessionSecs) * time.Second
		policies = append(policies, p)
	}
	return policies, trace.Wrap(rows.Err())
}

func (s *Store) GetMembership(ctx context.Context, groupID, actorID uuid.UUID) (*types.Membership, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, group_id, actor_id FROM memberships
		 WHERE group_id = $1 AND actor_id = $2`, groupID, actorID)
	var m types.Membership
	if err := row.Scan(&m.ID, &m.GroupID, &m.ActorID); err != nil {
		return nil, wrapNotFound(err, "actor %v is not a member of group %v", actorID, groupID)
	}
	return &m, nil
}

func (s *Store) ListAuthorizedResources(ctx context.Context, accountID, actorID uuid.UUID) ([]types.Resource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT r.id, r.account_id, r.type, r.name, r.address, r.ip_stack, r.filters, r.replaced_by_resource_id
		 FROM resources r
		 JOIN policies p ON p.resource_id = r.id
		 JOIN memberships m ON m.group_id = p.group_id
		 WHERE r.account_id = $1 AND m.actor_id = $2
		   AND r.deleted_at IS NULL AND p.disabled_at IS NULL AND p.deleted_at IS NULL`,
		accountID, actorID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var resources []types.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		resources = append(resources, *r)
	}
	return resources, trace.Wrap(rows.Err())
}

func (s *Store) ListResourceSites(ctx context.Context, resourceID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT site_id FROM resource_connections WHERE resource_id = $1`, resourceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var sites []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, trace.Wrap(err)
		}
		sites = append(sites, id)
	}
	return sites, trace.Wrap(rows.Err())
}

func (s *Store) CreatePolicyAuthorization(ctx context.Context, pa *types.PolicyAuthorization) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO policy_authorizations
		   (id, account_id, client_id, resource_id, gateway_id, policy_id, membership_id, token_id, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pa.ID, pa.AccountID, pa.ClientID, pa.ResourceID, pa.GatewayID,
		pa.PolicyID, pa.MembershipID, pa.TokenID, pa.ExpiresAt)
	return trace.Wrap(err)
}

func (s *Store) DeleteResource(ctx context.Context, id uuid.UUID) error {
	resource, err := s.GetResource(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if resource.IsInternet() {
		return trace.Wrap(ErrCannotDeleteInternetResource)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE resources SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("resource %v not found", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanResource(row scannable) (*types.Resource, error) {
	var r types.Resource
	var ipStack *string
	var filters []byte
	if err := row.Scan(&r.ID, &r.AccountID, &r.Type, &r.Name, &r.Address,
		&ipStack, &filters, &r.ReplacedByResourceID); err != nil {
		return nil, trace.Wrap(err)
	}
	if ipStack != nil {
		r.IPStack = types.IPStack(*ipStack)
	}
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &r.Filters); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return &r, nil
}

func wrapNotFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return trace.NotFound(format, args...)
	}
	return trace.Wrap(err)
}
