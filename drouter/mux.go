// Package drouter dispatches post-handshake frames to handlers
// keyed by their leading message type byte.
package drouter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordian-engine/drake/dchannel"
	"github.com/gordian-engine/drake/dfault"
	"github.com/gordian-engine/drake/internal/dpmsg"
)

// HandlerFunc handles one frame, message type byte included.
// A returned error is treated as a fault on the channel.
type HandlerFunc func(ctx context.Context, ch *dchannel.Channel, frame []byte) error

// Mux is a [dchannel.Router] that looks up a handler by message type.
type Mux struct {
	log *slog.Logger

	mu       sync.RWMutex
	handlers [256]HandlerFunc
}

var _ dchannel.Router = (*Mux)(nil)

func NewMux(log *slog.Logger) *Mux {
	return &Mux{log: log}
}

// Handle registers h for message type t.
// It panics if h is nil or if t already has a handler.
func (m *Mux) Handle(t dpmsg.MessageType, h HandlerFunc) {
	if h == nil {
		panic(fmt.Errorf("BUG: nil handler for message type %s", t))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handlers[t] != nil {
		panic(fmt.Errorf("BUG: duplicate handler for message type %s", t))
	}
	m.handlers[t] = h
}

// Route implements [dchannel.Router].
func (m *Mux) Route(ctx context.Context, ch *dchannel.Channel, frame []byte) error {
	t, ok := dpmsg.TypeOf(frame)
	if !ok {
		return dfault.Violation(dfault.CodeBadMessage, "empty frame")
	}

	m.mu.RLock()
	h := m.handlers[t]
	m.mu.RUnlock()

	if h == nil {
		return dfault.Violation(dfault.CodeUnexpectedMessage, "no handler for message type %s", t)
	}

	if err := h(ctx, ch, frame); err != nil {
		m.log.Debug(
			"Handler failed",
			"peer_id", ch.PeerID(),
			"message_type", t.String(),
			"err", err,
		)
		return err
	}
	return nil
}
