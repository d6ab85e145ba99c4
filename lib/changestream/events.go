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

import "github.com/outpost-sh/outpost/types"

// Typed events the per-table hooks publish on the bus. Channels type-switch
// on the message payload; the LSN rides on the pubsub message itself.

// PolicyAuthorizationDeleted is published on the account topic when a
// decision record is destroyed.
type PolicyAuthorizationDeleted struct {
	Authorization types.PolicyAuthorization
}

// PolicyChanged is published on the account topic for every policy insert,
// update or delete. The grant set the policy implies may have grown or
// shrunk either way, so subscribers re-evaluate the target resource rather
// than diff the row.
type PolicyChanged struct {
	Policy types.Policy
}

// ResourceCreated is published on the account topic.
type ResourceCreated struct {
	Resource types.Resource
}

// ResourceUpdated carries both row versions so subscribers can diff
// addressability against filter-only changes. Published on the account and
// resource topics.
type ResourceUpdated struct {
	Old types.Resource
	New types.Resource
}

// ResourceDeleted is published on the account and resource topics. Covers
// both hard deletes and soft deletes (deleted_at transitioning to non-null).
type ResourceDeleted struct {
	Resource types.Resource
}

// AccountUpdated is published on the account topic; subscribers re-send init
// when the slug changed and shut down when the account was deactivated.
type AccountUpdated struct {
	Old types.Account
	New types.Account
}

// GatewayDeleted is published on the gateway topic; the matching gateway
// channel terminates.
type GatewayDeleted struct {
	Gateway types.Gateway
}

// ClientDeleted is published on the client topic; the matching client
// channel terminates.
type ClientDeleted struct {
	Client types.Client
}

// TokenDeleted is published on the token and socket topics; the channel
// authenticated by this token disconnects its socket.
type TokenDeleted struct {
	Token types.Token
}
