// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// TransportConfig configures both realtime transports.
type TransportConfig struct {
	// HeartbeatInterval is the keepalive period. Zero uses the default.
	HeartbeatInterval time.Duration

	// MaxInboundPerSecond limits client messages per WebSocket session.
	// Excess messages are dropped. Zero disables the limit.
	MaxInboundPerSecond float64

	// WriteTimeout bounds a single send.
	WriteTimeout time.Duration
}

const (
	defaultWriteTimeout = 10 * time.Second
	maxInboundBytes     = 4 << 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsConn serializes writes on one gorilla connection.
type wsConn struct {
	ws      *websocket.Conn
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (w *wsConn) send(msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("websocket closed")
	}
	_ = w.ws.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.ws.WriteJSON(msg)
}

func (w *wsConn) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		_ = w.ws.Close()
	}
}

// HandleWebSocket upgrades the request and runs a realtime session.
//
// # Description
//
// The client may declare its build with ?version=. After the handshake the
// handler reads client messages until the peer goes away: {"type":"ping"}
// is answered with pong, anything else (including malformed JSON) is
// ignored. The heartbeat goroutine and the registry entry are released as
// soon as the connection ends.
func HandleWebSocket(b *Broadcaster, cfg TransportConfig) gin.HandlerFunc {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		conn := &wsConn{ws: ws, timeout: cfg.WriteTimeout}
		defer conn.close()

		sess, err := b.Register(c.Request.Context(), TransportWebSocket, c.Query("version"), conn.send)
		if err != nil {
			slog.Warn("Realtime handshake failed", "transport", TransportWebSocket, "error", err)
			return
		}
		defer b.Unregister(sess.ID)

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		go b.KeepAlive(ctx, sess, cfg.HeartbeatInterval)
		go func() {
			// Unblock the read loop when the broadcaster drops the session.
			select {
			case <-sess.Done():
				conn.close()
			case <-ctx.Done():
			}
		}()

		var limiter *rate.Limiter
		if cfg.MaxInboundPerSecond > 0 {
			burst := int(cfg.MaxInboundPerSecond)
			if burst < 1 {
				burst = 1
			}
			limiter = rate.NewLimiter(rate.Limit(cfg.MaxInboundPerSecond), burst)
		}

		ws.SetReadLimit(maxInboundBytes)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				slog.Debug("Websocket client disconnected", "session_id", sess.ID, "error", err)
				return
			}
			if limiter != nil && !limiter.Allow() {
				continue
			}
			var in Message
			if err := json.Unmarshal(data, &in); err != nil {
				continue
			}
			if in.Type == TypePing {
				if err := b.Pong(sess); err != nil {
					return
				}
			}
		}
	}
}
