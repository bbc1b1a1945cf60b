package dconn

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Stream is the byte stream underneath a [Context].
// [net.Conn] satisfies Stream, as does [QUICStream].
type Stream interface {
	io.ReadWriteCloser

	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error

	RemoteAddr() net.Addr
}

const (
	DefaultReadIdleTimeout = 60 * time.Second
	DefaultFlushTimeout    = 2 * time.Second
	DefaultOutboxSize      = 256
)

// ErrOutboxFull is reported to a write's completion callback
// when the writer has fallen too far behind.
var ErrOutboxFull = errors.New("outbound queue full")

// Config adjusts a [Context].
// The zero value selects the defaults.
type Config struct {
	// How long a Read may wait for data before failing with a timeout.
	// Zero means [DefaultReadIdleTimeout]; negative disables the timeout.
	ReadIdleTimeout time.Duration

	// How long Close waits for already queued writes to reach the stream.
	// Zero means [DefaultFlushTimeout].
	FlushTimeout time.Duration

	// Capacity of the outbound queue.
	// Zero means [DefaultOutboxSize].
	OutboxSize int
}

func (c Config) withDefaults() Config {
	if c.ReadIdleTimeout == 0 {
		c.ReadIdleTimeout = DefaultReadIdleTimeout
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = DefaultOutboxSize
	}
	return c
}

// Context owns a [Stream] on behalf of a channel.
//
// Reads happen on the caller's goroutine
// and fail with a timeout when the peer stays silent for the read idle timeout.
// Writes are queued and performed in order by a dedicated goroutine;
// each write's outcome is reported through its completion callback.
type Context struct {
	log *slog.Logger
	s   Stream
	cfg Config

	outbox chan pendingWrite

	// Guards closed, so that nothing is queued after Close starts draining.
	mu     sync.RWMutex
	closed bool

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type pendingWrite struct {
	p    []byte
	done func(error)
}

// New returns a Context over s and starts its writer goroutine.
// The goroutine stops after [*Context.Close].
func New(log *slog.Logger, s Stream, cfg Config) *Context {
	cfg = cfg.withDefaults()

	c := &Context{
		log: log,
		s:   s,
		cfg: cfg,

		outbox: make(chan pendingWrite, cfg.OutboxSize),

		quit: make(chan struct{}),
		done: make(chan struct{}),
	}

	go c.writeLoop()

	return c
}

// Read reads from the stream,
// failing with a timeout error if no data arrives within the read idle timeout.
func (c *Context) Read(p []byte) (int, error) {
	if c.isClosed() {
		return 0, net.ErrClosed
	}

	if c.cfg.ReadIdleTimeout > 0 {
		if err := c.s.SetReadDeadline(time.Now().Add(c.cfg.ReadIdleTimeout)); err != nil {
			return 0, fmt.Errorf("failed to set read deadline: %w", err)
		}
	}

	return c.s.Read(p)
}

func (c *Context) RemoteAddr() net.Addr {
	return c.s.RemoteAddr()
}

// Write queues p to be written to the stream.
// Write never blocks.
//
// If done is not nil, it is called exactly once with the outcome,
// from the writer goroutine or synchronously if p could not be queued.
// done must not call [*Context.Close].
// The caller must not modify p after calling Write.
func (c *Context) Write(p []byte, done func(error)) {
	if done == nil {
		done = func(error) {}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		done(net.ErrClosed)
		return
	}

	select {
	case c.outbox <- pendingWrite{p: p, done: done}:
	default:
		done(ErrOutboxFull)
	}
}

// Close stops accepting writes,
// gives already queued writes up to the flush timeout to reach the stream,
// and then closes the stream.
// Only the first call closes the stream; every call returns the same result.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		// Unblock a pending Read now, and bound any write in progress.
		now := time.Now()
		_ = c.s.SetReadDeadline(now)
		_ = c.s.SetWriteDeadline(now.Add(c.cfg.FlushTimeout))

		close(c.quit)
		<-c.done
	})

	return c.closeErr
}

func (c *Context) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Context) writeLoop() {
	defer close(c.done)

	for {
		select {
		case w := <-c.outbox:
			w.done(c.write(w.p))

		case <-c.quit:
			c.flush()
			c.closeErr = c.s.Close()
			return
		}
	}
}

func (c *Context) write(p []byte) error {
	if _, err := c.s.Write(p); err != nil {
		return fmt.Errorf("failed to write %d bytes: %w", len(p), err)
	}
	return nil
}

// flush writes whatever is still queued.
// Once one write fails, the remaining ones fail with the same error.
func (c *Context) flush() {
	var failed error
	for {
		select {
		case w := <-c.outbox:
			if failed != nil {
				w.done(failed)
				continue
			}
			if err := c.write(w.p); err != nil {
				failed = err
				c.log.Debug("Abandoning queued writes during close", "err", err)
				w.done(err)
				continue
			}
			w.done(nil)
		default:
			return
		}
	}
}
