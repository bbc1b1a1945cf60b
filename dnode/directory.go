// Package dnode holds the directory of known peer identities.
//
// A peer's identity is its node id bytes,
// together with the host it was seen at and the port it advertises.
// Records are upserted as peers announce themselves during the handshake.
package dnode

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Record is the directory's view of one peer.
//
// Records returned from the [Directory] are snapshots;
// later updates to the same peer produce new Record values.
type Record struct {
	ID   []byte
	Host string
	Port uint16

	// When the record was first created.
	FirstSeen time.Time

	// When the record was last created or updated.
	UpdatedAt time.Time
}

// HexID returns the node id as lowercase hex.
func (r *Record) HexID() string {
	return hex.EncodeToString(r.ID)
}

// Addr returns the host and advertised port joined as "host:port".
func (r *Record) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// DefaultCapacity is the number of records a [Directory] retains
// when a zero capacity is configured.
const DefaultCapacity = 4096

// Config is the configuration for a [Directory].
type Config struct {
	// Maximum number of records to retain.
	// The least recently resolved records are evicted first.
	// Defaults to [DefaultCapacity].
	Capacity int

	// Clock for record timestamps; defaults to the wall clock.
	Clock clock.Clock
}

// Directory is a bounded in-memory set of peer records, keyed by node id.
// It is safe for concurrent use.
type Directory struct {
	log *slog.Logger

	clk clock.Clock

	// Serializes read-modify-write of a record;
	// the cache itself is already synchronized.
	mu    sync.Mutex
	cache *lru.Cache[string, *Record]
}

// New returns a new, empty Directory.
func New(log *slog.Logger, cfg Config) *Directory {
	if cfg.Capacity < 0 {
		panic(fmt.Errorf("BUG: dnode.Config.Capacity must not be negative (got %d)", cfg.Capacity))
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	d := &Directory{
		log: log,
		clk: cfg.Clock,
	}

	cache, err := lru.NewWithEvict(cfg.Capacity, d.onEvict)
	if err != nil {
		// Only possible with a non-positive size, checked above.
		panic(fmt.Errorf("IMPOSSIBLE: failed to create directory cache: %w", err))
	}
	d.cache = cache

	return d
}

// ResolveOrCreate returns the record for the node id,
// creating it when unknown.
// A known record has its host and port replaced with the given values
// and its update time refreshed.
func (d *Directory) ResolveOrCreate(id []byte, host string, port uint16) (*Record, error) {
	if len(id) == 0 {
		return nil, errors.New("cannot resolve empty node id")
	}
	if host == "" {
		return nil, errors.New("cannot resolve node without host")
	}

	now := d.clk.Now()
	key := string(id)

	d.mu.Lock()
	defer d.mu.Unlock()

	rec := &Record{
		ID:        append([]byte(nil), id...),
		Host:      host,
		Port:      port,
		FirstSeen: now,
		UpdatedAt: now,
	}

	if prev, ok := d.cache.Get(key); ok {
		rec.FirstSeen = prev.FirstSeen

		if prev.Host != host || prev.Port != port {
			d.log.Debug(
				"Peer address changed",
				"peer_id", rec.HexID(),
				"prev_addr", prev.Addr(),
				"addr", rec.Addr(),
			)
		}
	}

	d.cache.Add(key, rec)

	out := *rec
	return &out, nil
}

// Get returns a copy of the record for id, if present.
// It does not affect eviction order.
func (d *Directory) Get(id []byte) (*Record, bool) {
	rec, ok := d.cache.Peek(string(id))
	if !ok {
		return nil, false
	}
	out := *rec
	return &out, true
}

// Len returns the number of records held.
func (d *Directory) Len() int {
	return d.cache.Len()
}

func (d *Directory) onEvict(_ string, rec *Record) {
	d.log.Debug("Evicted peer record", "peer_id", rec.HexID())
}
