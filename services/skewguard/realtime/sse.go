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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

// SetSSEHeaders configures HTTP response headers for SSE streaming.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// sseWriter writes realtime messages in SSE wire format.
//
// # Thread Safety
//
// Safe for concurrent use. After close every write fails, so broadcasts
// racing with handler exit never touch a finished response.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

// send writes "event: {type}\ndata: {json}\n\n" and flushes.
func (s *sseWriter) send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("event stream closed")
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", msg.Type, data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// HandleSSE streams realtime messages as Server-Sent Events until the
// client disconnects or the broadcaster drops the session.
func HandleSSE(b *Broadcaster, cfg TransportConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		writer, err := newSSEWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
			return
		}
		SetSSEHeaders(c.Writer)
		c.Status(http.StatusOK)
		defer writer.close()

		ctx := c.Request.Context()
		sess, err := b.Register(ctx, TransportSSE, c.Query("version"), writer.send)
		if err != nil {
			slog.Warn("Realtime handshake failed", "transport", TransportSSE, "error", err)
			return
		}
		defer b.Unregister(sess.ID)

		go b.KeepAlive(ctx, sess, cfg.HeartbeatInterval)

		select {
		case <-ctx.Done():
		case <-sess.Done():
		}
	}
}
