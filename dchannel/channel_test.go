package dchannel_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/drake/dchannel"
	"github.com/gordian-engine/drake/dchannel/dchanneltest"
	"github.com/gordian-engine/drake/dfault"
	"github.com/gordian-engine/drake/dframe"
	"github.com/gordian-engine/drake/internal/dtest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestChannel_Bind_trusted(t *testing.T) {
	t.Parallel()

	trusted, err := dchannel.ParseTrustSet([]string{"10.0.0.5:18888", "192.168.1.1"})
	require.NoError(t, err)

	for _, tc := range []struct {
		addr    string
		trusted bool
	}{
		{addr: "10.0.0.5:18888", trusted: true},
		{addr: "10.0.0.5:18889", trusted: false},
		{addr: "10.0.0.6:18888", trusted: false},
		{addr: "192.168.1.1:1", trusted: true},
		{addr: "192.168.1.1:65000", trusted: true},
		{addr: "[::ffff:10.0.0.5]:18888", trusted: true},
	} {
		t.Run(tc.addr, func(t *testing.T) {
			t.Parallel()

			fx := dchanneltest.NewFixture()
			cfg := fx.Config()
			cfg.Trusted = trusted

			ch := dchannel.New(dtest.NewLogger(t), cfg, nil)
			require.False(t, ch.IsTrusted())

			require.NoError(t, ch.Bind(dchanneltest.NewTransport(tc.addr)))
			require.Equal(t, tc.trusted, ch.IsTrusted())
		})
	}
}

func TestChannel_Bind_trustIgnoresIdentityAndRole(t *testing.T) {
	t.Parallel()

	fx := dchanneltest.NewFixture()
	cfg := fx.Config()
	cfg.Trusted = dchannel.NewTrustSet(netip.MustParseAddrPort("10.0.0.5:18888"))

	responder := dchannel.New(dtest.NewLogger(t), cfg, nil)
	initiator := dchannel.New(dtest.NewLogger(t), cfg, []byte("someone"))

	require.NoError(t, responder.Bind(dchanneltest.NewTransport("10.0.0.5:18888")))
	require.NoError(t, initiator.Bind(dchanneltest.NewTransport("10.0.0.5:18888")))

	require.NoError(t, responder.ResolveIdentity([]byte("a"), 1))
	require.NoError(t, initiator.ResolveIdentity([]byte("b"), 2))

	require.True(t, responder.IsTrusted())
	require.True(t, initiator.IsTrusted())
	require.Equal(t, dchannel.RoleResponder, responder.Role())
	require.Equal(t, dchannel.RoleInitiator, initiator.Role())
}

func TestChannel_Bind_errors(t *testing.T) {
	t.Parallel()

	t.Run("twice", func(t *testing.T) {
		t.Parallel()

		ch := dchannel.New(dtest.NewLogger(t), dchanneltest.NewFixture().Config(), nil)
		require.NoError(t, ch.Bind(dchanneltest.NewTransport("10.0.0.1:1000")))

		err := ch.Bind(dchanneltest.NewTransport("10.0.0.2:2000"))
		var be *dchannel.BindingError
		require.ErrorAs(t, err, &be)

		// First binding is retained.
		require.Equal(t, "10.0.0.1:1000", ch.RemoteAddr().String())
	})

	t.Run("no remote address", func(t *testing.T) {
		t.Parallel()

		ch := dchannel.New(dtest.NewLogger(t), dchanneltest.NewFixture().Config(), nil)

		err := ch.Bind(dchanneltest.NewTransportWithAddr(nil))
		var be *dchannel.BindingError
		require.ErrorAs(t, err, &be)
		require.False(t, ch.RemoteAddr().IsValid())
	})

	t.Run("unparseable remote address", func(t *testing.T) {
		t.Parallel()

		ch := dchannel.New(dtest.NewLogger(t), dchanneltest.NewFixture().Config(), nil)

		err := ch.Bind(dchanneltest.NewTransportWithAddr(&net.UnixAddr{Name: "/tmp/sock", Net: "unix"}))
		var be *dchannel.BindingError
		require.ErrorAs(t, err, &be)
	})

	t.Run("after close", func(t *testing.T) {
		t.Parallel()

		ch := dchannel.New(dtest.NewLogger(t), dchanneltest.NewFixture().Config(), nil)
		ch.Close()

		err := ch.Bind(dchanneltest.NewTransport("10.0.0.1:1000"))
		var be *dchannel.BindingError
		require.ErrorAs(t, err, &be)
	})
}

func TestChannel_ResolveIdentity_once(t *testing.T) {
	t.Parallel()

	fx := dchanneltest.NewFixture()
	ch := dchannel.New(dtest.NewLogger(t), fx.Config(), nil)
	require.NoError(t, ch.Bind(dchanneltest.NewTransport("10.0.0.5:40000")))

	require.Nil(t, ch.Peer())
	require.Equal(t, "<null>", ch.PeerID())

	require.NoError(t, ch.ResolveIdentity([]byte{0xab, 0xcd}, 18888))

	err := ch.ResolveIdentity([]byte{0xef}, 9999)
	var pv *dfault.ProtocolViolation
	require.ErrorAs(t, err, &pv)
	require.Equal(t, dfault.CodeDuplicateIdentity, pv.Code)

	rec := ch.Peer()
	require.NotNil(t, rec)
	require.Equal(t, []byte{0xab, 0xcd}, rec.ID)
	require.Equal(t, "10.0.0.5", rec.Host)
	require.Equal(t, uint16(18888), rec.Port)
	require.Equal(t, "abcd", ch.PeerID())

	require.Equal(t, 1, fx.Directory.Calls())
}

func TestChannel_ResolveIdentity_beforeBind(t *testing.T) {
	t.Parallel()

	fx := dchanneltest.NewFixture()
	ch := dchannel.New(dtest.NewLogger(t), fx.Config(), nil)

	var be *dchannel.BindingError
	require.ErrorAs(t, ch.ResolveIdentity([]byte("x"), 1), &be)
	require.Zero(t, fx.Directory.Calls())

	// Binding afterwards still allows resolution.
	require.NoError(t, ch.Bind(dchanneltest.NewTransport("10.0.0.5:40000")))
	require.NoError(t, ch.ResolveIdentity([]byte("x"), 1))
}

func TestChannel_ResolveIdentity_directoryError(t *testing.T) {
	t.Parallel()

	fx := dchanneltest.NewFixture()
	dirErr := errors.New("directory unavailable")
	fx.Directory.Err = dirErr

	ch := dchannel.New(dtest.NewLogger(t), fx.Config(), nil)
	require.NoError(t, ch.Bind(dchanneltest.NewTransport("10.0.0.5:40000")))

	err := ch.ResolveIdentity([]byte("x"), 1)
	require.ErrorIs(t, err, dirErr)

	var pv *dfault.ProtocolViolation
	require.ErrorAs(t, err, &pv)
	require.Equal(t, dfault.CodeBadHandshake, pv.Code)
	require.Nil(t, ch.Peer())
}

func TestChannel_Send(t *testing.T) {
	t.Parallel()

	mc := clock.NewMock()
	mc.Add(time.Hour)

	fx := dchanneltest.NewFixture()
	cfg := fx.Config()
	cfg.Clock = mc
	cfg.Metrics = dchannel.NewMetrics(prometheus.NewRegistry())

	ch := dchannel.New(dtest.NewLogger(t), cfg, nil)
	tr := dchanneltest.NewTransport("10.0.0.5:40000")
	require.NoError(t, ch.Bind(tr))
	require.True(t, ch.LastSendAt().IsZero())

	payload := []byte{7, 'h', 'i'}
	ch.Send(payload)

	got := dtest.ReceiveSoon(t, tr.Writes)
	require.Equal(t, dframe.AppendFrame(nil, payload), got)
	require.Equal(t, mc.Now(), ch.LastSendAt())
	require.Equal(t, 1.0, testutil.ToFloat64(cfg.Metrics.FramesSent))
}

func TestChannel_Send_writeFailureKeepsChannelOpen(t *testing.T) {
	t.Parallel()

	fx := dchanneltest.NewFixture()
	cfg := fx.Config()
	cfg.Metrics = dchannel.NewMetrics(nil)

	ch := dchannel.New(dtest.NewLogger(t), cfg, nil)
	tr := dchanneltest.NewTransport("10.0.0.5:40000")
	require.NoError(t, ch.Bind(tr))

	tr.SetWriteError(errors.New("write failed"))
	ch.Send([]byte{1})

	require.Equal(t, dchannel.StateOpen, ch.State())
	require.Zero(t, tr.CloseCount())
	require.Equal(t, 1.0, testutil.ToFloat64(cfg.Metrics.SendFailures))
}

func TestChannel_Send_notOpen(t *testing.T) {
	t.Parallel()

	mc := clock.NewMock()

	fx := dchanneltest.NewFixture()
	cfg := fx.Config()
	cfg.Clock = mc
	cfg.Metrics = dchannel.NewMetrics(prometheus.NewRegistry())

	ch := dchannel.New(dtest.NewLogger(t), cfg, nil)
	tr := dchanneltest.NewTransport("10.0.0.5:40000")
	require.NoError(t, ch.Bind(tr))

	ch.Send([]byte{1})
	sentAt := ch.LastSendAt()
	_ = dtest.ReceiveSoon(t, tr.Writes)

	ch.Close()
	mc.Add(time.Minute)

	require.NotPanics(t, func() {
		ch.Send([]byte{2, 3})
		ch.Send(nil)
	})

	require.Len(t, tr.Written(), 1)
	require.Equal(t, sentAt, ch.LastSendAt())
	require.Equal(t, 2.0, testutil.ToFloat64(cfg.Metrics.SendsDropped))
}

func TestChannel_Send_unbound(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	ch := dchannel.New(log, dchanneltest.NewFixture().Config(), nil)
	require.NotPanics(t, func() {
		ch.Send([]byte{1})
	})
	require.True(t, ch.LastSendAt().IsZero())
	require.Contains(t, buf.String(), "Send failed as channel is not bound")
	require.NotContains(t, buf.String(), "has closed")
}

func TestChannel_Send_closedDuringWrite(t *testing.T) {
	t.Parallel()

	mc := clock.NewMock()
	mc.Add(time.Hour)

	fx := dchanneltest.NewFixture()
	cfg := fx.Config()
	cfg.Clock = mc
	cfg.Metrics = dchannel.NewMetrics(nil)

	ch := dchannel.New(dtest.NewLogger(t), cfg, nil)
	tr := &hookTransport{Transport: dchanneltest.NewTransport("10.0.0.5:40000")}
	tr.onWrite = ch.Close
	require.NoError(t, ch.Bind(tr))

	ch.Send([]byte{1})

	require.Equal(t, dchannel.StateClosed, ch.State())
	require.True(t, ch.LastSendAt().IsZero())
	require.Zero(t, testutil.ToFloat64(cfg.Metrics.FramesSent))
	require.Equal(t, 1.0, testutil.ToFloat64(cfg.Metrics.SendFailures))
}

func TestChannel_Send_oversized(t *testing.T) {
	t.Parallel()

	fx := dchanneltest.NewFixture()
	cfg := fx.Config()
	cfg.MaxFrameSize = 8

	ch := dchannel.New(dtest.NewLogger(t), cfg, nil)
	tr := dchanneltest.NewTransport("10.0.0.5:40000")
	require.NoError(t, ch.Bind(tr))

	ch.Send(make([]byte, 9))
	require.Empty(t, tr.Written())
	require.True(t, ch.LastSendAt().IsZero())
	require.Equal(t, dchannel.StateOpen, ch.State())

	ch.Send(make([]byte, 8))
	require.Len(t, tr.Written(), 1)
}

func TestChannel_Bind_closedDuringBind(t *testing.T) {
	t.Parallel()

	fx := dchanneltest.NewFixture()
	ch := dchannel.New(dtest.NewLogger(t), fx.Config(), nil)

	tr := &hookTransport{Transport: dchanneltest.NewTransport("10.0.0.5:40000")}
	tr.onRemoteAddr = ch.Close

	err := ch.Bind(tr)
	var be *dchannel.BindingError
	require.ErrorAs(t, err, &be)
	require.Equal(t, dchannel.StateClosed, ch.State())
	require.Equal(t, 1, tr.CloseCount())

	// Further teardown does not close the transport again.
	ch.Close()
	ch.Disconnect(dchannel.ReasonNormal)
	require.Equal(t, 1, tr.CloseCount())

	d := dtest.ReceiveSoon(t, fx.Registry.Disconnected)
	require.Equal(t, dchannel.ReasonNormal, d.Reason)
	dtest.NotSending(t, fx.Registry.Disconnected)
}

func TestChannel_Close_idempotent(t *testing.T) {
	t.Parallel()

	mc := clock.NewMock()
	mc.Add(time.Hour)

	fx := dchanneltest.NewFixture()
	cfg := fx.Config()
	cfg.Clock = mc

	ch := dchannel.New(dtest.NewLogger(t), cfg, nil)
	tr := dchanneltest.NewTransport("10.0.0.5:40000")
	require.NoError(t, ch.Bind(tr))
	require.True(t, ch.DisconnectedAt().IsZero())

	for range 5 {
		ch.Close()
		mc.Add(time.Second)
	}

	require.Equal(t, 1, tr.CloseCount())
	require.Equal(t, dchannel.StateClosed, ch.State())
	require.True(t, ch.IsDisconnected())
	require.Equal(t, mc.Now().Add(-5*time.Second), ch.DisconnectedAt())

	d := dtest.ReceiveSoon(t, fx.Registry.Disconnected)
	require.Same(t, ch, d.Channel)
	require.Equal(t, dchannel.ReasonNormal, d.Reason)
	dtest.NotSending(t, fx.Registry.Disconnected)
}

func TestChannel_Close_concurrent(t *testing.T) {
	t.Parallel()

	fx := dchanneltest.NewFixture()
	ch := dchannel.New(dtest.NewLogger(t), fx.Config(), nil)
	tr := dchanneltest.NewTransport("10.0.0.5:40000")
	require.NoError(t, ch.Bind(tr))

	var eg errgroup.Group
	for range 16 {
		eg.Go(func() error {
			ch.Close()
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	require.Equal(t, 1, tr.CloseCount())
	require.Equal(t, dchannel.StateClosed, ch.State())
	_ = dtest.ReceiveSoon(t, fx.Registry.Disconnected)
	dtest.NotSending(t, fx.Registry.Disconnected)
}

func TestChannel_HandleFault_timeout(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	fx := dchanneltest.NewFixture()
	ch := dchannel.New(log, fx.Config(), nil)
	tr := dchanneltest.NewTransport("10.0.0.5:18888")
	require.NoError(t, ch.Bind(tr))

	ch.HandleFault(&net.OpError{Op: "read", Net: "tcp", Err: os.ErrDeadlineExceeded})

	require.Equal(t, 1, tr.CloseCount())
	require.Equal(t, dchannel.StateClosed, ch.State())

	d := dtest.ReceiveSoon(t, fx.Registry.Disconnected)
	require.Equal(t, dchannel.ReasonTransportFault, d.Reason)

	var sawWarn bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))

		require.NotEqual(t, "ERROR", rec["level"], "unexpected error record: %s", line)
		require.NotContains(t, line, "goroutine ")

		if rec["level"] == "WARN" {
			sawWarn = true
			require.Equal(t, "10.0.0.5:18888", rec["remote_addr"])
		}
	}
	require.True(t, sawWarn)

	// A second fault changes nothing.
	ch.HandleFault(io.EOF)
	require.Equal(t, 1, tr.CloseCount())
	dtest.NotSending(t, fx.Registry.Disconnected)
}

func TestChannel_HandleFault_reasons(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name   string
		err    error
		reason dchannel.DisconnectReason
		kind   string
	}{
		{name: "transport", err: io.ErrUnexpectedEOF, reason: dchannel.ReasonTransportFault, kind: "transport"},
		{
			name:   "protocol",
			err:    &dframe.FrameTooLargeError{Size: 100, Max: 10},
			reason: dchannel.ReasonProtocolFault,
			kind:   "protocol",
		},
		{name: "internal", err: errors.New("boom"), reason: dchannel.ReasonInternalFault, kind: "internal"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fx := dchanneltest.NewFixture()
			cfg := fx.Config()
			cfg.Metrics = dchannel.NewMetrics(nil)

			ch := dchannel.New(dtest.NewLogger(t), cfg, nil)
			tr := dchanneltest.NewTransport("10.0.0.5:40000")
			require.NoError(t, ch.Bind(tr))

			ch.HandleFault(tc.err)

			require.Equal(t, 1, tr.CloseCount())
			d := dtest.ReceiveSoon(t, fx.Registry.Disconnected)
			require.Equal(t, tc.reason, d.Reason)
			require.Equal(t, 1.0, testutil.ToFloat64(cfg.Metrics.Faults.WithLabelValues(tc.kind)))
		})
	}
}

func TestChannel_Disconnect(t *testing.T) {
	t.Parallel()

	fx := dchanneltest.NewFixture()
	cfg := fx.Config()
	cfg.EncodeDisconnect = func(r dchannel.DisconnectReason) []byte {
		return []byte{0xff, byte(r)}
	}

	ch := dchannel.New(dtest.NewLogger(t), cfg, nil)
	tr := dchanneltest.NewTransport("10.0.0.5:40000")
	require.NoError(t, ch.Bind(tr))

	ch.Disconnect(dchannel.ReasonTooManyPeers)

	require.Equal(t, dchannel.StateClosed, ch.State())
	require.Equal(t, 1, tr.CloseCount())
	require.False(t, ch.DisconnectedAt().IsZero())

	d := dtest.ReceiveSoon(t, fx.Registry.Disconnected)
	require.Equal(t, dchannel.ReasonTooManyPeers, d.Reason)

	require.Equal(t, [][]byte{
		dframe.AppendFrame(nil, []byte{0xff, byte(dchannel.ReasonTooManyPeers)}),
	}, tr.Written())

	// Later teardown calls do not notify again or send another farewell.
	ch.Disconnect(dchannel.ReasonDuplicatePeer)
	ch.Close()
	dtest.NotSending(t, fx.Registry.Disconnected)
	require.Len(t, tr.Written(), 1)
	require.Equal(t, 1, tr.CloseCount())
}

func TestChannel_Disconnect_localReasonSendsNothing(t *testing.T) {
	t.Parallel()

	fx := dchanneltest.NewFixture()
	cfg := fx.Config()
	cfg.EncodeDisconnect = func(r dchannel.DisconnectReason) []byte {
		t.Errorf("encoder called for local reason %v", r)
		return nil
	}

	ch := dchannel.New(dtest.NewLogger(t), cfg, nil)
	tr := dchanneltest.NewTransport("10.0.0.5:40000")
	require.NoError(t, ch.Bind(tr))

	ch.Disconnect(dchannel.ReasonInternalFault)
	require.Empty(t, tr.Written())
	require.Equal(t, dchannel.StateClosed, ch.State())
}

func TestChannel_Disconnect_concurrentWithSend(t *testing.T) {
	t.Parallel()

	for range 50 {
		fx := dchanneltest.NewFixture()
		cfg := fx.Config()
		cfg.EncodeDisconnect = func(r dchannel.DisconnectReason) []byte {
			return []byte{0xff, byte(r)}
		}

		ch := dchannel.New(dtest.NewLogger(t), cfg, nil)
		tr := dchanneltest.NewTransport("10.0.0.5:40000")
		require.NoError(t, ch.Bind(tr))

		var eg errgroup.Group
		for i := range 8 {
			eg.Go(func() error {
				for j := range 10 {
					ch.Send([]byte{byte(i), byte(j)})
				}
				return nil
			})
		}
		eg.Go(func() error {
			ch.Disconnect(dchannel.ReasonNormal)
			return nil
		})
		eg.Go(func() error {
			ch.Close()
			return nil
		})
		require.NoError(t, eg.Wait())

		require.Equal(t, dchannel.StateClosed, ch.State())
		require.Equal(t, 1, tr.CloseCount())
		_ = dtest.ReceiveSoon(t, fx.Registry.Disconnected)
		dtest.NotSending(t, fx.Registry.Disconnected)
	}
}

func TestChannel_HandleHandshakeFrame(t *testing.T) {
	t.Parallel()

	t.Run("accepted", func(t *testing.T) {
		t.Parallel()

		fx := dchanneltest.NewFixture()
		cfg := fx.Config()
		cfg.Metrics = dchannel.NewMetrics(nil)

		ch := dchannel.New(dtest.NewLogger(t), cfg, nil)
		require.NoError(t, ch.Bind(dchanneltest.NewTransport("10.0.0.5:40000")))

		v, err := ch.HandleHandshakeFrame(context.Background(), []byte("hello"))
		require.NoError(t, err)
		require.True(t, v.Accepted)
		require.True(t, ch.HandshakeComplete())
		require.Same(t, ch, dtest.ReceiveSoon(t, fx.Registry.Ready))

		// Completion happens once.
		_, err = ch.HandleHandshakeFrame(context.Background(), []byte("hello"))
		require.NoError(t, err)
		dtest.NotSending(t, fx.Registry.Ready)
		require.Equal(t, 1.0, testutil.ToFloat64(cfg.Metrics.Handshakes))
	})

	t.Run("rejected", func(t *testing.T) {
		t.Parallel()

		fx := dchanneltest.NewFixture()
		fx.Negotiator = dchanneltest.NegotiatorFunc(
			func(_ context.Context, ch *dchannel.Channel, _ []byte) (dchannel.Verdict, error) {
				ch.Disconnect(dchannel.ReasonDifferentVersion)
				return dchannel.Verdict{Reason: dchannel.ReasonDifferentVersion}, nil
			},
		)

		ch := dchannel.New(dtest.NewLogger(t), fx.Config(), nil)
		require.NoError(t, ch.Bind(dchanneltest.NewTransport("10.0.0.5:40000")))

		v, err := ch.HandleHandshakeFrame(context.Background(), []byte("hello"))
		require.NoError(t, err)
		require.False(t, v.Accepted)
		require.Equal(t, dchannel.ReasonDifferentVersion, v.Reason)
		require.False(t, ch.HandshakeComplete())

		dtest.NotSending(t, fx.Registry.Ready)
		d := dtest.ReceiveSoon(t, fx.Registry.Disconnected)
		require.Equal(t, dchannel.ReasonDifferentVersion, d.Reason)
	})

	t.Run("error", func(t *testing.T) {
		t.Parallel()

		fx := dchanneltest.NewFixture()
		negErr := errors.New("bad hello")
		fx.Negotiator = dchanneltest.NegotiatorFunc(
			func(context.Context, *dchannel.Channel, []byte) (dchannel.Verdict, error) {
				return dchannel.Verdict{}, negErr
			},
		)

		ch := dchannel.New(dtest.NewLogger(t), fx.Config(), nil)
		require.NoError(t, ch.Bind(dchanneltest.NewTransport("10.0.0.5:40000")))

		_, err := ch.HandleHandshakeFrame(context.Background(), nil)
		require.ErrorIs(t, err, negErr)
		require.False(t, ch.HandshakeComplete())
	})
}

func TestChannel_Serve_dispatch(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := dchanneltest.NewFixture()
	handshakes := make(chan []byte, 1)
	fx.Negotiator = dchanneltest.NegotiatorFunc(
		func(_ context.Context, _ *dchannel.Channel, frame []byte) (dchannel.Verdict, error) {
			handshakes <- bytes.Clone(frame)
			return dchannel.Verdict{Accepted: true}, nil
		},
	)

	ch := dchannel.New(dtest.NewLogger(t), fx.Config(), nil)
	tr := dchanneltest.NewTransport("10.0.0.5:40000")
	require.NoError(t, ch.Bind(tr))

	served := make(chan error, 1)
	go func() { served <- ch.Serve(ctx) }()

	require.NoError(t, tr.FeedFrame([]byte("hello")))
	require.Equal(t, []byte("hello"), dtest.ReceiveSoon(t, handshakes))
	_ = dtest.ReceiveSoon(t, fx.Registry.Ready)

	// Two frames in one write are routed in order.
	require.NoError(t, tr.Feed(append(
		dframe.AppendFrame(nil, []byte("one")),
		dframe.AppendFrame(nil, []byte("two"))...,
	)))
	require.Equal(t, []byte("one"), dtest.ReceiveSoon(t, fx.Router.Frames))
	require.Equal(t, []byte("two"), dtest.ReceiveSoon(t, fx.Router.Frames))

	cancel()
	require.ErrorIs(t, dtest.ReceiveSoon(t, served), context.Canceled)
	require.Equal(t, dchannel.StateClosed, ch.State())
	require.Equal(t, 1, tr.CloseCount())

	d := dtest.ReceiveSoon(t, fx.Registry.Disconnected)
	require.Equal(t, dchannel.ReasonNormal, d.Reason)
}

func TestChannel_Serve_oversizedFrame(t *testing.T) {
	t.Parallel()

	fx := dchanneltest.NewFixture()
	cfg := fx.Config()
	cfg.MaxFrameSize = 4

	ch := dchannel.New(dtest.NewLogger(t), cfg, nil)
	tr := dchanneltest.NewTransport("10.0.0.5:40000")
	require.NoError(t, ch.Bind(tr))

	served := make(chan error, 1)
	go func() { served <- ch.Serve(context.Background()) }()

	// Only the length prefix is needed to reject the frame.
	go func() { _ = tr.Feed([]byte{5}) }()

	var tooLarge *dframe.FrameTooLargeError
	require.ErrorAs(t, dtest.ReceiveSoon(t, served), &tooLarge)

	dtest.NotSending(t, fx.Registry.Ready)
	d := dtest.ReceiveSoon(t, fx.Registry.Disconnected)
	require.Equal(t, dchannel.ReasonProtocolFault, d.Reason)
	require.Equal(t, 1, tr.CloseCount())
}

func TestChannel_Serve_peerHangsUp(t *testing.T) {
	t.Parallel()

	fx := dchanneltest.NewFixture()
	ch := dchannel.New(dtest.NewLogger(t), fx.Config(), nil)
	tr := dchanneltest.NewTransport("10.0.0.5:40000")
	require.NoError(t, ch.Bind(tr))

	served := make(chan error, 1)
	go func() { served <- ch.Serve(context.Background()) }()

	tr.Fail(nil)
	require.ErrorIs(t, dtest.ReceiveSoon(t, served), io.EOF)

	d := dtest.ReceiveSoon(t, fx.Registry.Disconnected)
	require.Equal(t, dchannel.ReasonTransportFault, d.Reason)
	require.Equal(t, dchannel.StateClosed, ch.State())
}

func TestChannel_Serve_routerError(t *testing.T) {
	t.Parallel()

	fx := dchanneltest.NewFixture()
	fx.Router.Err = dfault.Violation(dfault.CodeUnexpectedMessage, "unknown message type %d", 9)

	ch := dchannel.New(dtest.NewLogger(t), fx.Config(), nil)
	tr := dchanneltest.NewTransport("10.0.0.5:40000")
	require.NoError(t, ch.Bind(tr))

	served := make(chan error, 1)
	go func() { served <- ch.Serve(context.Background()) }()

	require.NoError(t, tr.FeedFrame([]byte("hello")))
	_ = dtest.ReceiveSoon(t, fx.Registry.Ready)

	go func() { _ = tr.FeedFrame([]byte{9}) }()

	var pv *dfault.ProtocolViolation
	require.ErrorAs(t, dtest.ReceiveSoon(t, served), &pv)
	d := dtest.ReceiveSoon(t, fx.Registry.Disconnected)
	require.Equal(t, dchannel.ReasonProtocolFault, d.Reason)
}

func TestChannel_Serve_closedElsewhere(t *testing.T) {
	t.Parallel()

	fx := dchanneltest.NewFixture()
	ch := dchannel.New(dtest.NewLogger(t), fx.Config(), nil)
	tr := dchanneltest.NewTransport("10.0.0.5:40000")
	require.NoError(t, ch.Bind(tr))

	served := make(chan error, 1)
	go func() { served <- ch.Serve(context.Background()) }()

	ch.Disconnect(dchannel.ReasonNormal)
	require.NoError(t, dtest.ReceiveSoon(t, served))
	require.Equal(t, 1, tr.CloseCount())
}

func TestChannel_Serve_unbound(t *testing.T) {
	t.Parallel()

	ch := dchannel.New(dtest.NewLogger(t), dchanneltest.NewFixture().Config(), nil)

	var be *dchannel.BindingError
	require.ErrorAs(t, ch.Serve(context.Background()), &be)
}

func TestNew_panicsOnMissingCollaborators(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() {
		_ = dchannel.New(dtest.NewLogger(t), dchannel.Config{}, nil)
	})
}

func TestChannel_CloseWithReason(t *testing.T) {
	t.Parallel()

	fx := dchanneltest.NewFixture()
	cfg := fx.Config()
	cfg.EncodeDisconnect = func(r dchannel.DisconnectReason) []byte {
		t.Errorf("encoder called for %v", r)
		return nil
	}

	ch := dchannel.New(dtest.NewLogger(t), cfg, nil)
	tr := dchanneltest.NewTransport("10.0.0.5:40000")
	require.NoError(t, ch.Bind(tr))

	ch.CloseWithReason(dchannel.ReasonTimeBanned)

	require.Equal(t, dchannel.StateClosed, ch.State())
	require.Equal(t, 1, tr.CloseCount())
	require.Empty(t, tr.Written())

	d := dtest.ReceiveSoon(t, fx.Registry.Disconnected)
	require.Equal(t, dchannel.ReasonTimeBanned, d.Reason)
}

// hookTransport calls its hooks before delegating to the embedded transport.
type hookTransport struct {
	*dchanneltest.Transport

	onRemoteAddr func()
	onWrite      func()
}

func (t *hookTransport) RemoteAddr() net.Addr {
	if t.onRemoteAddr != nil {
		t.onRemoteAddr()
	}
	return t.Transport.RemoteAddr()
}

func (t *hookTransport) Write(p []byte, done func(error)) {
	if t.onWrite != nil {
		t.onWrite()
	}
	t.Transport.Write(p, done)
}
