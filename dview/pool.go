package dview

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/drake/dchannel"
	"github.com/gordian-engine/drake/deval"
	"github.com/gordian-engine/drake/internal/dchan"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxPeers      = 30
	DefaultMaxPeersPerIP = 2
	DefaultBanDuration   = time.Minute
	DefaultBanCapacity   = 1024

	// Concurrent sends during a broadcast.
	broadcastParallelism = 16
)

// PoolConfig is the configuration for [NewPool].
// Zero values select the defaults.
type PoolConfig struct {
	// Limit on untrusted ready peers.
	// Negative means unlimited.
	MaxPeers int

	// Limit on untrusted ready peers sharing one remote IP.
	// Negative means unlimited.
	MaxPeersPerIP int

	// How long a node stays banned after it broke the protocol.
	// Negative disables bans.
	BanDuration time.Duration

	// Maximum number of simultaneously banned nodes.
	BanCapacity int
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxPeers == 0 {
		c.MaxPeers = DefaultMaxPeers
	}
	if c.MaxPeersPerIP == 0 {
		c.MaxPeersPerIP = DefaultMaxPeersPerIP
	}
	if c.BanDuration == 0 {
		c.BanDuration = DefaultBanDuration
	}
	if c.BanCapacity == 0 {
		c.BanCapacity = DefaultBanCapacity
	}
	return c
}

func (c PoolConfig) validate() {
	if c.BanCapacity < 0 {
		panic(fmt.Errorf(
			"BUG: PoolConfig.BanCapacity must not be negative (got %d)", c.BanCapacity,
		))
	}
}

// Change is published on the pool's change feed
// whenever a channel enters or leaves the ready set.
type Change struct {
	Channel *dchannel.Channel

	// If true, the channel was added to the ready set.
	// Otherwise, it was removed.
	Adding bool

	// The slot the channel occupies (or occupied) in the ready set.
	// Slots are dense: a new peer reuses the lowest free slot.
	Slot uint
}

// Pool tracks ready channels and admits new peers.
// All methods are safe for concurrent use.
type Pool struct {
	log *slog.Logger
	cfg PoolConfig

	// Nil when bans are disabled.
	bans *expirable.LRU[string, struct{}]

	mu       sync.Mutex
	ready    map[uuid.UUID]readyPeer
	byNodeID map[string]uuid.UUID
	perIP    map[netip.Addr]int
	slots    *bitset.BitSet
	changes  *dchan.Multicast[Change]
}

type readyPeer struct {
	ch     *dchannel.Channel
	nodeID string
	ip     netip.Addr
	slot   uint
}

var (
	_ dchannel.Registry   = (*Pool)(nil)
	_ deval.PeerEvaluator = (*Pool)(nil)
)

// NewPool returns an empty pool.
func NewPool(log *slog.Logger, cfg PoolConfig) *Pool {
	cfg = cfg.withDefaults()
	cfg.validate()

	p := &Pool{
		log: log,
		cfg: cfg,

		ready:    make(map[uuid.UUID]readyPeer),
		byNodeID: make(map[string]uuid.UUID),
		perIP:    make(map[netip.Addr]int),
		slots:    bitset.New(uint(max(cfg.MaxPeers, 0))),
		changes:  dchan.NewMulticast[Change](),
	}

	if cfg.BanDuration > 0 {
		p.bans = expirable.NewLRU[string, struct{}](cfg.BanCapacity, nil, cfg.BanDuration)
	}

	return p
}

// ConsiderPeer implements [deval.PeerEvaluator].
func (p *Pool) ConsiderPeer(_ context.Context, c deval.Candidate) deval.Decision {
	nodeID := string(c.NodeID)

	if !c.Trusted && p.IsBanned(c.NodeID) {
		return deval.Reject(dchannel.ReasonTimeBanned)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byNodeID[nodeID]; ok {
		return deval.Reject(dchannel.ReasonDuplicatePeer)
	}

	if c.Trusted {
		return deval.Admit
	}

	if p.cfg.MaxPeers > 0 && p.untrustedLocked() >= p.cfg.MaxPeers {
		return deval.Reject(dchannel.ReasonTooManyPeers)
	}

	if p.cfg.MaxPeersPerIP > 0 && p.perIP[c.RemoteAddr.Addr().Unmap()] >= p.cfg.MaxPeersPerIP {
		return deval.Reject(dchannel.ReasonMaxConnectionsWithSameIP)
	}

	return deval.Admit
}

func (p *Pool) untrustedLocked() int {
	n := 0
	for _, rp := range p.ready {
		if !rp.ch.IsTrusted() {
			n++
		}
	}
	return n
}

// OnReady implements [dchannel.Registry].
//
// Admission and readiness are not atomic,
// so two channels for the same node may both be admitted;
// the later one to become ready is disconnected as a duplicate.
func (p *Pool) OnReady(ch *dchannel.Channel) {
	rec := ch.Peer()
	if rec == nil {
		panic(errors.New("BUG: channel became ready without a resolved peer"))
	}
	nodeID := string(rec.ID)

	p.mu.Lock()

	// Checked under the lock, since OnDisconnected also takes the lock.
	if ch.IsDisconnected() {
		p.mu.Unlock()
		return
	}

	if _, ok := p.byNodeID[nodeID]; ok {
		p.mu.Unlock()
		ch.Disconnect(dchannel.ReasonDuplicatePeer)
		return
	}

	slot, ok := p.slots.NextClear(0)
	if !ok {
		slot = p.slots.Len()
	}
	p.slots.Set(slot)

	ip := ch.RemoteAddr().Addr()
	p.ready[ch.ID()] = readyPeer{
		ch:     ch,
		nodeID: nodeID,
		ip:     ip,
		slot:   slot,
	}
	p.byNodeID[nodeID] = ch.ID()
	p.perIP[ip]++
	n := len(p.ready)

	p.publishLocked(Change{Channel: ch, Adding: true, Slot: slot})
	p.mu.Unlock()

	p.log.Info(
		"Peer ready",
		"peer_id", ch.PeerID(),
		"remote_addr", ch.RemoteAddr().String(),
		"trusted", ch.IsTrusted(),
		"slot", slot,
		"n_ready", n,
	)
}

// OnDisconnected implements [dchannel.Registry].
// Peers disconnected for breaking the protocol are banned.
func (p *Pool) OnDisconnected(ch *dchannel.Channel, reason dchannel.DisconnectReason) {
	if reason == dchannel.ReasonProtocolFault && !ch.IsTrusted() {
		if rec := ch.Peer(); rec != nil {
			p.Ban(rec.ID)
		}
	}

	p.mu.Lock()
	rp, ok := p.ready[ch.ID()]
	if !ok {
		p.mu.Unlock()
		return
	}

	delete(p.ready, ch.ID())
	delete(p.byNodeID, rp.nodeID)
	if p.perIP[rp.ip]--; p.perIP[rp.ip] <= 0 {
		delete(p.perIP, rp.ip)
	}
	p.slots.Clear(rp.slot)
	n := len(p.ready)

	p.publishLocked(Change{Channel: ch, Adding: false, Slot: rp.slot})
	p.mu.Unlock()

	p.log.Info(
		"Peer removed",
		"peer_id", ch.PeerID(),
		"remote_addr", ch.RemoteAddr().String(),
		"reason", reason.String(),
		"n_ready", n,
	)
}

func (p *Pool) publishLocked(c Change) {
	p.changes.Set(c)
	p.changes = p.changes.Next
}

// Ban refuses the node for the configured ban duration.
// It has no effect when bans are disabled.
func (p *Pool) Ban(nodeID []byte) {
	if p.bans == nil {
		return
	}
	p.bans.Add(string(nodeID), struct{}{})
	p.log.Info("Banned peer", "peer_id", hex.EncodeToString(nodeID), "duration", p.cfg.BanDuration)
}

// IsBanned reports whether nodeID is currently banned.
func (p *Pool) IsBanned(nodeID []byte) bool {
	if p.bans == nil {
		return false
	}
	return p.bans.Contains(string(nodeID))
}

// Changes returns the position in the change feed
// that the next ready-set change will be published to.
// Follow it with [dchan.Multicast.Wait].
func (p *Pool) Changes() *dchan.Multicast[Change] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changes
}

// Len is the number of ready channels.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready)
}

// Ready returns the ready channels, ordered by slot.
func (p *Pool) Ready() []*dchannel.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()

	bySlot := make(map[uint]*dchannel.Channel, len(p.ready))
	for _, rp := range p.ready {
		bySlot[rp.slot] = rp.ch
	}

	out := make([]*dchannel.Channel, 0, len(p.ready))
	for i, ok := p.slots.NextSet(0); ok; i, ok = p.slots.NextSet(i + 1) {
		out = append(out, bySlot[i])
	}
	return out
}

// Get returns the ready channel to the given node, if any.
func (p *Pool) Get(nodeID []byte) (*dchannel.Channel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.byNodeID[string(nodeID)]
	if !ok {
		return nil, false
	}
	return p.ready[id].ch, true
}

// Broadcast sends payload to every ready channel
// and returns how many channels it was sent to.
func (p *Pool) Broadcast(payload []byte) int {
	chs := p.Ready()

	var eg errgroup.Group
	eg.SetLimit(broadcastParallelism)
	for _, ch := range chs {
		eg.Go(func() error {
			ch.Send(payload)
			return nil
		})
	}
	_ = eg.Wait()

	return len(chs)
}

// DisconnectAll disconnects every ready channel with reason.
func (p *Pool) DisconnectAll(reason dchannel.DisconnectReason) {
	for _, ch := range p.Ready() {
		ch.Disconnect(reason)
	}
}
