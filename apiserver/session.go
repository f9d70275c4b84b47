// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"github.com/killstream/killstream/apiserver/params"
)

// sessionQueueSize bounds the frames buffered for one connection. A
// session that falls this far behind starts losing its oldest frames.
const sessionQueueSize = 256

// session is the channel leg of one subscription. Producers queue
// frames from any goroutine; the connection's handler goroutine drains
// the queue, so the socket only ever has one writer.
type session struct {
	conn *websocket.Conn

	mu     sync.Mutex
	queue  []params.ChannelMessage
	gap    bool
	closed bool

	notify chan struct{}
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		conn:   conn,
		notify: make(chan struct{}, 1),
	}
}

// Send queues one frame for delivery. When the queue is full the
// oldest frame is dropped and the next frame written carries the gap
// flag. Send is part of the subscriptions.Sender interface.
func (s *session) Send(msg params.ChannelMessage) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	if len(s.queue) >= sessionQueueSize {
		s.queue = s.queue[1:]
		s.gap = true
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Gap records that frames were dropped before the next one delivered.
// Gap is part of the subscriptions.Sender interface.
func (s *session) Gap() {
	s.mu.Lock()
	s.gap = true
	s.mu.Unlock()
}

// wake signals that the queue has frames to flush.
func (s *session) wake() <-chan struct{} {
	return s.notify
}

// flush writes queued frames until the queue is empty. Only the
// connection's handler goroutine calls it.
func (s *session) flush() error {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.queue = nil
			s.mu.Unlock()
			return nil
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		if s.gap {
			msg.Gap = true
			s.gap = false
		}
		s.mu.Unlock()

		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteJSON(msg); err != nil {
			return errors.Trace(err)
		}
	}
}

// close stops the session accepting frames. Anything still queued is
// dropped.
func (s *session) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
}
