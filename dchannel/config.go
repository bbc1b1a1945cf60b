package dchannel

import (
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/drake/dframe"
)

// Config is the set of dependencies and settings shared by channels.
// A single Config value is normally reused for every channel of a node.
type Config struct {
	Directory  Directory
	Registry   Registry
	Negotiator Negotiator
	Router     Router

	// Peers connecting from these addresses are trusted.
	// Trust is decided once, when the channel is bound.
	Trusted TrustSet

	// Largest accepted payload, in both directions.
	// Zero means [dframe.DefaultMaxFrameSize].
	MaxFrameSize int

	// Source of channel timestamps.
	// Defaults to the wall clock.
	Clock clock.Clock

	// Optional.
	Metrics *Metrics

	// If set, [*Channel.Disconnect] makes a best-effort attempt
	// to send the returned payload to the peer before releasing the transport.
	// It is only called with reasons that are not local.
	EncodeDisconnect func(DisconnectReason) []byte
}

func (c Config) validate() {
	var err error

	if c.Directory == nil {
		err = errors.Join(err, errors.New("Directory must not be nil"))
	}
	if c.Registry == nil {
		err = errors.Join(err, errors.New("Registry must not be nil"))
	}
	if c.Negotiator == nil {
		err = errors.Join(err, errors.New("Negotiator must not be nil"))
	}
	if c.Router == nil {
		err = errors.Join(err, errors.New("Router must not be nil"))
	}
	if c.MaxFrameSize < 0 {
		err = errors.Join(err, fmt.Errorf(
			"MaxFrameSize must not be negative (got %d)", c.MaxFrameSize,
		))
	}

	if err != nil {
		panic(fmt.Errorf("BUG: invalid channel config: %w", err))
	}
}

func (c Config) maxFrameSize() int {
	if c.MaxFrameSize == 0 {
		return dframe.DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}
