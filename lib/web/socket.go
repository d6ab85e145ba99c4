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
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/outpost-sh/outpost/lib/defaults"
	"github.com/outpost-sh/outpost/lib/srv"
)

// socket adapts a websocket connection to srv.Sender. A single writer
// goroutine owns the connection for writes; Send never blocks the channel
// actor, and a peer that cannot drain its queue is disconnected.
type socket struct {
	ws    *websocket.Conn
	clock clockwork.Clock
	log   logrus.FieldLogger

	sendC chan srv.Envelope

	closeOnce sync.Once
	closedC   chan struct{}

	mu     sync.Mutex
	reason error
}

func newSocket(ws *websocket.Conn, clock clockwork.Clock, log logrus.FieldLogger) *socket {
	s := &socket{
		ws:      ws,
		clock:   clock,
		log:     log,
		sendC:   make(chan srv.Envelope, defaults.PubSubMailboxSize),
		closedC: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// Send implements srv.Sender.
func (s *socket) Send(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.log.WithError(err).WithField("event", event).Error("Failed to encode message.")
		return
	}
	select {
	case s.sendC <- srv.Envelope{Event: event, Payload: raw}:
	case <-s.closedC:
	default:
		s.log.Warn("Peer is not draining its send queue, disconnecting.")
		s.Close(nil)
	}
}

// Close implements srv.Sender.
func (s *socket) Close(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.closedC)
	})
}

// Done closes when the socket has been told to shut down.
func (s *socket) Done() <-chan struct{} { return s.closedC }

func (s *socket) writeLoop() {
	keepAlive := time.NewTicker(defaults.WireKeepAliveInterval)
	defer keepAlive.Stop()
	defer s.ws.Close()

	for {
		select {
		case env := <-s.sendC:
			s.ws.SetWriteDeadline(time.Now().Add(defaults.WireWriteTimeout))
			if err := s.ws.WriteJSON(env); err != nil {
				s.log.WithError(err).Debug("Failed to write frame.")
				s.Close(nil)
				return
			}
		case <-keepAlive.C:
			s.ws.SetWriteDeadline(time.Now().Add(defaults.WireWriteTimeout))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close(nil)
				return
			}
		case <-s.closedC:
			s.mu.Lock()
			reason := s.reason
			s.mu.Unlock()
			data := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if reason != nil {
				data = websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason.Error())
			}
			s.ws.SetWriteDeadline(time.Now().Add(defaults.WireWriteTimeout))
			s.ws.WriteMessage(websocket.CloseMessage, data)
			return
		}
	}
}

// readLoop decodes inbound frames and hands them to deliver until the
// connection fails or the socket is closed. It runs on the caller's
// goroutine.
func (s *socket) readLoop(deliver func(srv.Envelope) error) {
	s.ws.SetReadDeadline(time.Now().Add(3 * defaults.WireKeepAliveInterval))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(3 * defaults.WireKeepAliveInterval))
		return nil
	})
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			s.Close(nil)
			return
		}
		var env srv.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.WithError(err).Debug("Dropping malformed frame.")
			continue
		}
		if err := deliver(env); err != nil {
			return
		}
	}
}
