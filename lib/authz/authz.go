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

// Package authz evaluates whether a client may reach a resource and mints
// the policy authorization decision record that permits the tunnel.
package authz

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/outpost-sh/outpost/lib/defaults"
	"github.com/outpost-sh/outpost/lib/storage"
	"github.com/outpost-sh/outpost/types"
)

// RejectionKind classifies why an access request was denied.
type RejectionKind string

const (
	// RejectionNotFound covers absent resources or policies, including rows
	// visible only to another account.
	RejectionNotFound RejectionKind = "not_found"
	// RejectionUnauthorized means no enabled policy's group holds the actor.
	RejectionUnauthorized RejectionKind = "unauthorized"
	// RejectionAccountDisabled means the subject's account was deactivated.
	RejectionAccountDisabled RejectionKind = "account_disabled"
	// RejectionExpired means the token or policy window has already elapsed.
	RejectionExpired RejectionKind = "expired"
	// RejectionInternalError covers storage failures.
	RejectionInternalError RejectionKind = "internal_error"
)

// Rejection is the error returned for expected authorization denials.
type Rejection struct {
	Kind RejectionKind
}

// Error implements error.
func (r *Rejection) Error() string { return string(r.Kind) }

// Reject builds a rejection error of the given kind.
func Reject(kind RejectionKind) error { return &Rejection{Kind: kind} }

// KindOf extracts the rejection kind from an error; expected reports whether
// the error was an authorization rejection at all.
func KindOf(err error) (kind RejectionKind, expected bool) {
	var rejection *Rejection
	if errors.As(err, &rejection) {
		return rejection.Kind, true
	}
	return "", false
}

// Resolver evaluates policies against group memberships to authorize
// client-to-resource access.
type Resolver struct {
	backend storage.Backend
	clock   clockwork.Clock
	log     logrus.FieldLogger
}

// NewResolver builds a resolver over the given backend.
func NewResolver(backend storage.Backend, clock clockwork.Clock) *Resolver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Resolver{
		backend: backend,
		clock:   clock,
		log:     logrus.WithField(defaults.ComponentKey, "authz"),
	}
}

// Resolve authorizes the subject's client to reach the resource through the
// gateway. On success it persists and returns the policy authorization; on
// denial it returns a *Rejection. A cross-account argument set is a
// programming error and fails fast with a non-rejection error.
func (r *Resolver) Resolve(
	ctx context.Context,
	subject types.Subject,
	client *types.Client,
	resource *types.Resource,
	gatewayID uuid.UUID,
) (*types.PolicyAuthorization, error) {
	if client.AccountID != subject.Account.ID {
		return nil, trace.BadParameter("client %v does not belong to account %v", client.ID, subject.Account.ID)
	}
	if !subject.Account.Active {
		return nil, Reject(RejectionAccountDisabled)
	}
	if resource.AccountID != subject.Account.ID {
		// invisible to this account, indistinguishable from absent
		return nil, Reject(RejectionNotFound)
	}

	policies, err := r.backend.ListEnabledPolicies(ctx, subject.Account.ID, resource.ID)
	if err != nil {
		r.log.WithError(err).Error("Failed to list policies.")
		return nil, Reject(RejectionInternalError)
	}
	if len(policies) == 0 {
		return nil, Reject(RejectionNotFound)
	}

	now := r.clock.Now()

	// among matching policies pick the one yielding the latest expiry
	var best *types.Policy
	var bestMembership *types.Membership
	var bestExpiry time.Time
	for i := range policies {
		policy := &policies[i]
		membership, err := r.backend.GetMembership(ctx, policy.GroupID, subject.Actor.ID)
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			r.log.WithError(err).Error("Failed to read membership.")
			return nil, Reject(RejectionInternalError)
		}
		expiry := expiresAt(now, subject.Token.ExpiresAt, policy.SessionDuration)
		if best == nil || expiry.After(bestExpiry) {
			best, bestMembership, bestExpiry = policy, membership, expiry
		}
	}
	if best == nil {
		return nil, Reject(RejectionUnauthorized)
	}
	if !bestExpiry.After(now) {
		return nil, Reject(RejectionExpired)
	}

	pa := &types.PolicyAuthorization{
		ID:           uuid.New(),
		AccountID:    subject.Account.ID,
		ClientID:     client.ID,
		ResourceID:   resource.ID,
		GatewayID:    gatewayID,
		PolicyID:     best.ID,
		MembershipID: bestMembership.ID,
		TokenID:      subject.Token.ID,
		ExpiresAt:    bestExpiry,
	}
	if err := r.backend.CreatePolicyAuthorization(ctx, pa); err != nil {
		r.log.WithError(err).Error("Failed to persist policy authorization.")
		return nil, Reject(RejectionInternalError)
	}
	return pa, nil
}

// expiresAt computes min(token expiry, now + session duration); a zero
// session duration leaves the token expiry alone.
func expiresAt(now, tokenExpiry time.Time, sessionDuration time.Duration) time.Time {
	if sessionDuration <= 0 {
		return tokenExpiry
	}
	sessionEnd := now.Add(sessionDuration)
	if sessionEnd.Before(tokenExpiry) {
		return sessionEnd
	}
	return tokenExpiry
}
