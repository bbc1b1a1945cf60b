package dchanneltest

import (
	"bytes"
	"context"
	"sync"

	"github.com/gordian-engine/drake/dchannel"
	"github.com/gordian-engine/drake/dnode"
)

// Directory is a map-backed [dchannel.Directory].
// Set Err to make every lookup fail.
type Directory struct {
	mu    sync.Mutex
	calls int

	Err error
}

func (d *Directory) ResolveOrCreate(id []byte, host string, port uint16) (*dnode.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++

	if d.Err != nil {
		return nil, d.Err
	}
	return &dnode.Record{
		ID:   bytes.Clone(id),
		Host: host,
		Port: port,
	}, nil
}

// Calls is the number of ResolveOrCreate calls so far.
func (d *Directory) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Disconnection is one recorded [dchannel.Registry.OnDisconnected] call.
type Disconnection struct {
	Channel *dchannel.Channel
	Reason  dchannel.DisconnectReason
}

// Registry publishes its notifications on buffered channels.
type Registry struct {
	Ready        chan *dchannel.Channel
	Disconnected chan Disconnection
}

func NewRegistry() *Registry {
	return &Registry{
		Ready:        make(chan *dchannel.Channel, 16),
		Disconnected: make(chan Disconnection, 16),
	}
}

func (r *Registry) OnReady(ch *dchannel.Channel) {
	r.Ready <- ch
}

func (r *Registry) OnDisconnected(ch *dchannel.Channel, reason dchannel.DisconnectReason) {
	r.Disconnected <- Disconnection{Channel: ch, Reason: reason}
}

// NegotiatorFunc adapts a function to [dchannel.Negotiator].
type NegotiatorFunc func(context.Context, *dchannel.Channel, []byte) (dchannel.Verdict, error)

func (f NegotiatorFunc) Evaluate(ctx context.Context, ch *dchannel.Channel, frame []byte) (dchannel.Verdict, error) {
	return f(ctx, ch, frame)
}

// AcceptAll accepts the first handshake frame it sees.
var AcceptAll = NegotiatorFunc(func(context.Context, *dchannel.Channel, []byte) (dchannel.Verdict, error) {
	return dchannel.Verdict{Accepted: true}, nil
})

// Router records routed frames on a buffered channel.
// Set Err to fail every route.
type Router struct {
	Frames chan []byte

	Err error
}

func NewRouter() *Router {
	return &Router{Frames: make(chan []byte, 16)}
}

func (r *Router) Route(_ context.Context, _ *dchannel.Channel, frame []byte) error {
	if r.Err != nil {
		return r.Err
	}
	r.Frames <- bytes.Clone(frame)
	return nil
}

// Fixture bundles stub collaborators.
type Fixture struct {
	Directory  *Directory
	Registry   *Registry
	Negotiator dchannel.Negotiator
	Router     *Router
}

// NewFixture returns a Fixture whose negotiator accepts the first frame.
func NewFixture() *Fixture {
	return &Fixture{
		Directory:  new(Directory),
		Registry:   NewRegistry(),
		Negotiator: AcceptAll,
		Router:     NewRouter(),
	}
}

// Config returns a [dchannel.Config] using the fixture's collaborators.
func (f *Fixture) Config() dchannel.Config {
	return dchannel.Config{
		Directory:  f.Directory,
		Registry:   f.Registry,
		Negotiator: f.Negotiator,
		Router:     f.Router,
	}
}
