// Package dkeepalive keeps idle channels alive with ping messages
// and answers the pings of peers.
//
// The read idle timeout on each connection closes channels whose peer
// goes silent; pinging ensures a healthy but quiet peer is never silent
// for a full interval.
package dkeepalive

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/drake/dchannel"
	"github.com/gordian-engine/drake/internal/dpmsg"
)

// DefaultInterval is used when [Config.Interval] is zero.
const DefaultInterval = 20 * time.Second

// Source lists the channels to keep alive.
// [*dview.Pool] satisfies Source.
type Source interface {
	Ready() []*dchannel.Channel
}

// Config is the configuration for [New].
type Config struct {
	// How long a channel may go without sending before it is pinged.
	// The ticker runs at the same period.
	Interval time.Duration

	Clock clock.Clock
}

// Pinger sends pings to idle channels.
type Pinger struct {
	log *slog.Logger
	src Source

	interval time.Duration
	clock    clock.Clock
}

func New(log *slog.Logger, src Source, cfg Config) *Pinger {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Pinger{
		log:      log,
		src:      src,
		interval: cfg.Interval,
		clock:    cfg.Clock,
	}
}

// Run pings idle channels once per interval until ctx is canceled.
func (p *Pinger) Run(ctx context.Context) {
	t := p.clock.Ticker(p.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Debug("Stopping", "cause", context.Cause(ctx))
			return
		case <-t.C:
			p.Tick()
		}
	}
}

// Tick pings every ready channel that has not sent anything
// within the interval.
// It returns the number of pings sent.
func (p *Pinger) Tick() int {
	cutoff := p.clock.Now().Add(-p.interval)

	n := 0
	for _, ch := range p.src.Ready() {
		last := ch.LastSendAt()
		if last.IsZero() {
			last = ch.CreatedAt()
		}
		if last.After(cutoff) {
			continue
		}
		ch.Send(PingMessage())
		n++
	}

	if n > 0 {
		p.log.Debug("Sent keepalive pings", "n", n)
	}
	return n
}

// PingMessage returns the payload of a ping.
func PingMessage() []byte {
	return []byte{byte(dpmsg.PingMessageType)}
}

// PongMessage returns the payload of a pong.
func PongMessage() []byte {
	return []byte{byte(dpmsg.PongMessageType)}
}

// HandlePing answers a ping with a pong.
func HandlePing(_ context.Context, ch *dchannel.Channel, _ []byte) error {
	ch.Send(PongMessage())
	return nil
}

// HandlePong accepts a pong.
// Receiving it has already refreshed the read deadline.
func HandlePong(context.Context, *dchannel.Channel, []byte) error {
	return nil
}
