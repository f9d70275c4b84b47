// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/rs/xid"

	"github.com/killstream/killstream/apiserver/params"
	"github.com/killstream/killstream/core/logger"
	"github.com/killstream/killstream/internal/subscriptions"
)

const (
	// pongDelay is how long the server will wait for a pong before the
	// socket is considered broken.
	pongDelay = 90 * time.Second

	// pingPeriod is how often ping messages are sent. It must be
	// shorter than pongDelay by enough to cover the round trip of the
	// ping and its pong.
	pingPeriod = 45 * time.Second

	// writeWait is how long a frame write may take before the socket is
	// considered broken.
	writeWait = 10 * time.Second
)

var websocketUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func websocketServer(w http.ResponseWriter, req *http.Request, log logger.Logger, handler func(conn *websocket.Conn)) {
	conn, err := websocketUpgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Errorf(req.Context(), "problem initiating websocket: %v", err)
		return
	}
	handler(conn)
}

// channelHandler owns the killmail channel endpoint. Each connection
// gets one subscription; the session object queues outbound frames and
// the handler goroutine is the socket's only writer.
type channelHandler struct {
	registry Registry
	logger   logger.Logger
	clock    clock.Clock
	stop     <-chan struct{}
}

// ServeHTTP implements the http.Handler interface.
func (h *channelHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	websocketServer(w, req, h.logger, h.serve)
}

func (h *channelHandler) serve(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	ctx := context.Background()
	connID := xid.New().String()
	start := h.clock.Now()

	_ = conn.SetReadDeadline(time.Now().Add(pongDelay))
	var join params.ChannelJoin
	if err := conn.ReadJSON(&join); err != nil {
		h.logger.Debugf(ctx, "connection %s: reading join frame: %v", connID, err)
		return
	}
	if join.Topic != "" && join.Topic != params.LobbyTopic {
		h.sendAck(conn, params.ChannelAck{
			Status: params.StatusError,
			Reason: fmt.Sprintf("unknown topic %q", join.Topic),
		})
		return
	}

	subscriberID := join.SubscriberID
	if subscriberID == "" {
		subscriberID = uuid.NewString()
	}

	session := newSession(conn)
	subID, err := h.registry.Subscribe(ctx, subscriptions.Request{
		SubscriberID: subscriberID,
		Systems:      join.SystemIDs,
		CallbackURL:  join.CallbackURL,
		Preload:      join.HistoricalConfig,
		Sender:       session,
	})
	if err != nil {
		h.sendAck(conn, params.ChannelAck{
			Status: params.StatusError,
			Reason: err.Error(),
		})
		return
	}
	defer session.close()
	defer h.teardown(ctx, subID, join.CallbackURL)
	defer func() {
		h.logger.Infof(ctx, "connection %s closed after %s (subscription %s)",
			connID, h.clock.Now().Sub(start), subID)
	}()

	if !h.sendAck(conn, params.ChannelAck{
		Status:         params.StatusOK,
		SubscriptionID: subID,
	}) {
		return
	}
	h.logger.Infof(ctx, "connection %s joined %s as subscription %s covering %d systems",
		connID, params.LobbyTopic, subID, len(join.SystemIDs))

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongDelay))
	})
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	actions := h.receiveActions(conn, connID)
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
				// Expected if the other end goes away; returning closes
				// the socket through the deferred call.
				h.logger.Debugf(ctx, "connection %s: failed to write ping: %v", connID, err)
				return
			}
		case action, ok := <-actions:
			if !ok {
				return
			}
			if done := h.handleAction(ctx, conn, subID, action); done {
				return
			}
		case <-session.wake():
			if err := session.flush(); err != nil {
				h.logger.Debugf(ctx, "connection %s: writing to subscription %s: %v", connID, subID, err)
				return
			}
		}
	}
}

// receiveActions reads client frames off the socket and forwards them
// to the handler loop. The returned channel closes when the read side
// of the socket does.
func (h *channelHandler) receiveActions(conn *websocket.Conn, connID string) <-chan params.ChannelAction {
	actionCh := make(chan params.ChannelAction)
	go func() {
		defer close(actionCh)
		for {
			var action params.ChannelAction
			// ReadJSON blocks until data arrives but is also unblocked
			// when the handler closes the socket on its way out.
			if err := conn.ReadJSON(&action); err != nil {
				h.logger.Debugf(context.Background(), "connection %s: receive error: %v", connID, err)
				return
			}
			select {
			case <-h.stop:
				return
			case actionCh <- action:
			}
		}
	}()
	return actionCh
}

// handleAction applies one client frame and acknowledges it. A true
// result ends the session.
func (h *channelHandler) handleAction(ctx context.Context, conn *websocket.Conn, subID string, action params.ChannelAction) bool {
	switch action.Action {
	case params.ActionUpdateSystems:
		if err := h.registry.Update(subID, action.SystemIDs); err != nil {
			h.sendAck(conn, params.ChannelAck{
				Status: params.StatusError,
				Reason: err.Error(),
			})
			return false
		}
		h.sendAck(conn, params.ChannelAck{
			Status:         params.StatusOK,
			SubscriptionID: subID,
		})
		return false
	case params.ActionUnsubscribe:
		if err := h.registry.Remove(ctx, subID); err != nil && !errors.Is(err, errors.NotFound) {
			h.logger.Warningf(ctx, "removing subscription %s: %v", subID, err)
		}
		h.sendAck(conn, params.ChannelAck{Status: params.StatusOK})
		return true
	default:
		h.sendAck(conn, params.ChannelAck{
			Status: params.StatusError,
			Reason: fmt.Sprintf("unknown action %q", action.Action),
		})
		return false
	}
}

// sendAck writes one ack frame directly. Only the handler goroutine
// calls it, so it never races the session's queued writes.
func (h *channelHandler) sendAck(conn *websocket.Conn, ack params.ChannelAck) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(ack); err != nil {
		h.logger.Debugf(context.Background(), "writing ack: %v", err)
		return false
	}
	return true
}

// teardown releases a departing connection's subscription. A
// subscription with a webhook leg outlives its session; one reachable
// only over the channel goes with it.
func (h *channelHandler) teardown(ctx context.Context, subID, callbackURL string) {
	if callbackURL != "" {
		h.registry.DetachSender(subID)
		return
	}
	if err := h.registry.Remove(ctx, subID); err != nil && !errors.Is(err, errors.NotFound) {
		h.logger.Warningf(ctx, "removing subscription %s: %v", subID, err)
	}
}
