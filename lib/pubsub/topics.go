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

package pubsub

import "github.com/google/uuid"

// Topic names are flat strings of the form "kind:uuid". Channels subscribe to
// the topics of the rows that can invalidate their state; the change stream
// hooks broadcast on the same names.

func AccountTopic(id uuid.UUID) string  { return "account:" + id.String() }
func ResourceTopic(id uuid.UUID) string { return "resource:" + id.String() }
func GatewayTopic(id uuid.UUID) string  { return "gateway:" + id.String() }
func TokenTopic(id uuid.UUID) string    { return "token:" + id.String() }

// SocketTopic carries socket-level disconnects, keyed by the token that
// authenticated the socket.
func SocketTopic(tokenID uuid.UUID) string { return "socket:" + tokenID.String() }

// ClientTopic addresses one connected client channel directly (gateway to
// client forwarding of ICE candidates and replies).
func ClientTopic(id uuid.UUID) string { return "client:" + id.String() }

// ActorClientsTopic groups the connected clients of one actor.
func ActorClientsTopic(actorID uuid.UUID) string { return "actor_clients:" + actorID.String() }

// Per-account presence namespaces.

func ClientsPresenceTopic(accountID uuid.UUID) string {
	return "presences:clients:" + accountID.String()
}

func GatewaysPresenceTopic(accountID uuid.UUID) string {
	return "presences:gateways:" + accountID.String()
}

func RelaysPresenceTopic(accountID uuid.UUID) string {
	return "presences:relays:" + accountID.String()
}
