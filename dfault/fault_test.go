package dfault_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"testing"

	"github.com/gordian-engine/drake/dfault"
	"github.com/gordian-engine/drake/dframe"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

// loopErr is a pointer error whose cause can be pointed back up the chain.
type loopErr struct {
	name string
	next error
}

func (e *loopErr) Error() string { return e.name }
func (e *loopErr) Unwrap() error { return e.next }

// valueLoop is a value error that unwraps to itself forever.
type valueLoop struct{ n int }

func (e valueLoop) Error() string { return fmt.Sprintf("value %d", e.n) }
func (e valueLoop) Unwrap() error { return valueLoop{n: e.n + 1} }

func TestChain(t *testing.T) {
	t.Parallel()

	t.Run("nil", func(t *testing.T) {
		t.Parallel()

		chain, cyclic := dfault.Chain(nil)
		require.Nil(t, chain)
		require.False(t, cyclic)
	})

	t.Run("wrapped", func(t *testing.T) {
		t.Parallel()

		root := errors.New("root")
		mid := fmt.Errorf("mid: %w", root)
		top := fmt.Errorf("top: %w", mid)

		chain, cyclic := dfault.Chain(top)
		require.False(t, cyclic)
		require.Equal(t, []error{top, mid, root}, chain)

		r, cyclic := dfault.RootCause(top)
		require.False(t, cyclic)
		require.Equal(t, root, r)
	})

	t.Run("joined takes first", func(t *testing.T) {
		t.Parallel()

		a := errors.New("a")
		b := errors.New("b")
		r, _ := dfault.RootCause(errors.Join(a, b))
		require.Equal(t, a, r)
	})

	t.Run("self loop", func(t *testing.T) {
		t.Parallel()

		e := &loopErr{name: "self"}
		e.next = e

		chain, cyclic := dfault.Chain(e)
		require.True(t, cyclic)
		require.Equal(t, []error{e}, chain)
	})

	t.Run("longer loop", func(t *testing.T) {
		t.Parallel()

		a := &loopErr{name: "a"}
		b := &loopErr{name: "b", next: a}
		c := &loopErr{name: "c", next: b}
		a.next = c
		top := fmt.Errorf("wrapped: %w", a)

		chain, cyclic := dfault.Chain(top)
		require.True(t, cyclic)
		require.LessOrEqual(t, len(chain), dfault.MaxChainDepth+1)

		// The fallback root is some member of the loop.
		r, cyclic := dfault.RootCause(top)
		require.True(t, cyclic)
		require.Contains(t, []error{a, b, c}, r)
	})

	t.Run("incomparable loop hits depth bound", func(t *testing.T) {
		t.Parallel()

		chain, cyclic := dfault.Chain(valueLoop{})
		require.True(t, cyclic)
		require.Len(t, chain, dfault.MaxChainDepth+1)
	})
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestTag(t *testing.T) {
	t.Parallel()

	violation := dfault.Violation(dfault.CodeBadHandshake, "wrong network %d", 7)

	for _, tc := range []struct {
		name string
		err  error
		kind dfault.Kind
		code dfault.ViolationCode
	}{
		{name: "eof", err: io.EOF, kind: dfault.KindTransport},
		{name: "wrapped unexpected eof", err: fmt.Errorf("read: %w", io.ErrUnexpectedEOF), kind: dfault.KindTransport},
		{name: "deadline", err: fmt.Errorf("read: %w", os.ErrDeadlineExceeded), kind: dfault.KindTransport},
		{name: "net timeout", err: fmt.Errorf("read: %w", timeoutErr{}), kind: dfault.KindTransport},
		{name: "op error", err: &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}, kind: dfault.KindTransport},
		{name: "closed", err: net.ErrClosed, kind: dfault.KindTransport},
		{name: "quic idle", err: fmt.Errorf("accept: %w", &quic.IdleTimeoutError{}), kind: dfault.KindTransport},
		{name: "quic application close", err: &quic.ApplicationError{Remote: true, ErrorCode: 1}, kind: dfault.KindTransport},
		{name: "context deadline", err: context.DeadlineExceeded, kind: dfault.KindTransport},

		{name: "violation", err: fmt.Errorf("evaluate: %w", violation), kind: dfault.KindProtocol, code: dfault.CodeBadHandshake},
		{name: "frame too large", err: &dframe.FrameTooLargeError{Size: 10, Max: 5}, kind: dfault.KindProtocol, code: dfault.CodeFrameTooLarge},
		{name: "frame decode", err: &dframe.DecodeError{Err: errors.New("bad")}, kind: dfault.KindProtocol, code: dfault.CodeFrameDecode},

		{name: "internal", err: errors.New("something odd"), kind: dfault.KindInternal},
		{name: "transport wins over protocol", err: &dfault.ProtocolViolation{Code: dfault.CodeBadMessage, Msg: "x", Err: io.EOF}, kind: dfault.KindTransport},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := dfault.Tag(tc.err)
			require.Equal(t, tc.kind, f.Kind)
			require.Equal(t, tc.code, f.Code)
			require.Equal(t, tc.err, f.Err)
			require.ErrorIs(t, f, tc.err)
			require.False(t, f.CycleDetected)
		})
	}
}

func TestTag_passthrough(t *testing.T) {
	t.Parallel()

	f := dfault.Tag(io.EOF)
	require.Equal(t, f, dfault.Tag(f))
	require.Equal(t, f, dfault.Tag(&f))
}

func TestTag_cycle(t *testing.T) {
	t.Parallel()

	e := &loopErr{name: "loop"}
	e.next = e

	f := dfault.Tag(fmt.Errorf("outer: %w", e))
	require.True(t, f.CycleDetected)
	require.Equal(t, dfault.KindInternal, f.Kind)
	require.Equal(t, e, f.Cause)
}

func TestTag_nilPanics(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() { dfault.Tag(nil) })
}

func logRecords(t *testing.T, f dfault.Fault) []map[string]any {
	t.Helper()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f.Log(log, "10.0.0.5:18888")

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestFault_Log(t *testing.T) {
	t.Parallel()

	t.Run("transport is warn with message only", func(t *testing.T) {
		t.Parallel()

		f := dfault.Tag(fmt.Errorf("read: %w", os.ErrDeadlineExceeded))
		require.Equal(t, slog.LevelWarn, f.Level())

		recs := logRecords(t, f)
		require.Len(t, recs, 1)
		require.Equal(t, "WARN", recs[0]["level"])
		require.Equal(t, "10.0.0.5:18888", recs[0]["remote_addr"])
		require.Contains(t, recs[0]["reason"], "deadline exceeded")
		require.NotContains(t, recs[0], "err_type")
	})

	t.Run("protocol is warn with code", func(t *testing.T) {
		t.Parallel()

		f := dfault.Tag(dfault.Violation(dfault.CodeDuplicateIdentity, "again"))
		require.Equal(t, slog.LevelWarn, f.Level())

		recs := logRecords(t, f)
		require.Len(t, recs, 1)
		require.Equal(t, "WARN", recs[0]["level"])
		require.Equal(t, "duplicate_identity", recs[0]["violation"])
	})

	t.Run("internal is error with detail", func(t *testing.T) {
		t.Parallel()

		f := dfault.Tag(fmt.Errorf("handler: %w", errors.New("nil map")))
		require.Equal(t, slog.LevelError, f.Level())

		recs := logRecords(t, f)
		require.Len(t, recs, 1)
		require.Equal(t, "ERROR", recs[0]["level"])
		require.Equal(t, "*fmt.wrapError", recs[0]["err_type"])
		require.Equal(t, "nil map", recs[0]["cause"])
	})

	t.Run("cycle adds a warning", func(t *testing.T) {
		t.Parallel()

		e := &loopErr{name: "loop"}
		e.next = e

		recs := logRecords(t, dfault.Tag(e))
		require.Len(t, recs, 2)
		require.Equal(t, "Loop in fault cause chain detected", recs[0]["msg"])
	})
}
