// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package realtime pushes version changes to connected clients.
//
// # Description
//
// A Broadcaster holds live sessions, each identified by a uuid and backed by
// a transport-specific send function (WebSocket or Server-Sent Events).
// Clients that cannot hold a connection poll the version document served by
// HandleVersion instead. Delivery is best effort; a client that misses an
// event reconciles on its next manifest fetch.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/skewguard/services/skewguard/observability"
)

// ErrBroadcasterClosed is returned by Register after Close.
var ErrBroadcasterClosed = errors.New("realtime: broadcaster closed")

// DefaultHeartbeatInterval is the keepalive period for idle sessions.
const DefaultHeartbeatInterval = 30 * time.Second

// Wire message types.
const (
	TypeConnected     = "connected"
	TypeVersionUpdate = "version-update"
	TypeKeepalive     = "keepalive"
	TypePong          = "pong"
	TypePing          = "ping"
)

// Transports.
const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
)

// Message is the realtime wire format for both transports.
type Message struct {
	Type      string `json:"type"`
	Version   string `json:"version,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// SendFunc delivers one message to a client. Implementations must be safe
// for concurrent use and must fail once the connection is gone.
type SendFunc func(Message) error

// Notifier is what the rest of the system needs from a broadcaster.
// Platforms that cannot hold connections use NoopNotifier.
type Notifier interface {
	// Publish tells every live session about version and returns how many
	// sessions received it.
	Publish(ctx context.Context, version string) int

	// SessionCount returns the number of live sessions.
	SessionCount() int
}

// NoopNotifier is the Notifier for platforms without persistent connections.
type NoopNotifier struct{}

func (NoopNotifier) Publish(context.Context, string) int { return 0 }
func (NoopNotifier) SessionCount() int                   { return 0 }

// Session is one connected client.
type Session struct {
	ID            string
	ClientVersion string
	Transport     string
	ConnectedAt   time.Time

	send SendFunc
	done chan struct{}
	once sync.Once
}

// Done is closed when the session is unregistered.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) close() { s.once.Do(func() { close(s.done) }) }

// Broadcaster is the realtime session registry.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Publish iterates a snapshot of
// the registry and sends to every session in parallel, so a slow client
// never delays the others.
type Broadcaster struct {
	current func(ctx context.Context) string
	metrics *observability.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewBroadcaster creates a Broadcaster.
//
// # Inputs
//
//   - current: Returns the server's current version. Called on every
//     Register.
//   - metrics: May be nil.
func NewBroadcaster(current func(ctx context.Context) string, metrics *observability.Metrics) *Broadcaster {
	return &Broadcaster{
		current:  current,
		metrics:  metrics,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

func (b *Broadcaster) message(typ, version string) Message {
	return Message{Type: typ, Version: version, Timestamp: b.now().UnixMilli()}
}

// Register adds a session and performs the connect handshake.
//
// # Description
//
// Sends connected{version} first. If the client declared a version that
// differs from the current one, version-update{current} follows
// immediately so the client does not wait for the next deploy. The session
// joins the registry between the two sends, so a publish racing with the
// handshake is never lost.
//
// # Outputs
//
//   - *Session: Registered session. Call Unregister when the transport ends.
//   - error: ErrBroadcasterClosed, or the send error if the handshake failed
//     (the session is not registered in that case).
func (b *Broadcaster) Register(ctx context.Context, transport, clientVersion string, send SendFunc) (*Session, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrBroadcasterClosed
	}

	s := &Session{
		ID:            uuid.New().String(),
		ClientVersion: clientVersion,
		Transport:     transport,
		ConnectedAt:   b.now(),
		send:          send,
		done:          make(chan struct{}),
	}

	// One read for both handshake messages so they always agree. A publish
	// after registration still reaches the session through Publish.
	current := b.current(ctx)
	if err := send(b.message(TypeConnected, current)); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBroadcasterClosed
	}
	b.sessions[s.ID] = s
	b.mu.Unlock()
	b.metrics.SessionOpened(transport)

	if clientVersion != "" && current != "" && clientVersion != current {
		if err := send(b.message(TypeVersionUpdate, current)); err != nil {
			b.Unregister(s.ID)
			return nil, err
		}
	}

	slog.Info("Realtime session connected",
		"session_id", s.ID,
		"transport", transport,
		"client_version", clientVersion)
	return s, nil
}

// Unregister removes a session and closes its Done channel. Unknown ids
// are ignored.
func (b *Broadcaster) Unregister(id string) {
	b.mu.Lock()
	s, ok := b.sessions[id]
	if ok {
		delete(b.sessions, id)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	s.close()
	b.metrics.SessionClosed(s.Transport)
	slog.Debug("Realtime session removed", "session_id", id, "transport", s.Transport)
}

// Publish sends version-update{version} to every live session and prunes
// those whose send fails.
func (b *Broadcaster) Publish(ctx context.Context, version string) int {
	b.mu.RLock()
	snapshot := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		snapshot = append(snapshot, s)
	}
	b.mu.RUnlock()

	msg := b.message(TypeVersionUpdate, version)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)
	for _, s := range snapshot {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.send(msg); err != nil {
				mu.Lock()
				failed = append(failed, s.ID)
				mu.Unlock()
				b.metrics.RecordSendFailure()
				slog.Debug("Realtime send failed", "session_id", s.ID, "error", err)
			}
		}()
	}
	wg.Wait()

	for _, id := range failed {
		b.Unregister(id)
	}
	b.metrics.RecordBroadcast(len(failed))

	delivered := len(snapshot) - len(failed)
	slog.Info("Version update broadcast",
		"version", version,
		"delivered", delivered,
		"pruned", len(failed))
	return delivered
}

// KeepAlive sends a keepalive every interval until ctx ends, the session is
// unregistered, or a send fails (which unregisters it). It blocks; run it in
// the transport's goroutine.
func (b *Broadcaster) KeepAlive(ctx context.Context, s *Session, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		case <-ticker.C:
			if err := s.send(b.message(TypeKeepalive, "")); err != nil {
				b.metrics.RecordSendFailure()
				b.Unregister(s.ID)
				return
			}
		}
	}
}

// Pong answers a client ping on session s.
func (b *Broadcaster) Pong(s *Session) error {
	return s.send(b.message(TypePong, ""))
}

// SessionCount returns the number of live sessions.
func (b *Broadcaster) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Close unregisters every session and rejects further registrations.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Unregister(id)
	}
	slog.Info("Realtime broadcaster closed", "sessions_closed", len(ids))
}

var _ Notifier = (*Broadcaster)(nil)
var _ Notifier = NoopNotifier{}
