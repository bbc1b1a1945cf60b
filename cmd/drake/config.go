package main

import (
	"cmp"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gordian-engine/drake/dchannel"
	"github.com/gordian-engine/drake/dconn"
	"github.com/gordian-engine/drake/dframe"
	"github.com/gordian-engine/drake/dkeepalive"
	"github.com/gordian-engine/drake/dview"
	"github.com/google/uuid"
)

const defaultListen = "0.0.0.0:18888"

type fileConfig struct {
	Listen            string   `toml:"listen"`
	QUICListen        string   `toml:"quic_listen"`
	MetricsListen     string   `toml:"metrics_listen"`
	NodeID            string   `toml:"node_id"`
	AdvertisePort     int      `toml:"advertise_port"`
	NetworkID         int64    `toml:"network_id"`
	Trusted           []string `toml:"trusted"`
	ReadIdleTimeout   string   `toml:"read_idle_timeout"`
	MaxFrameSize      int      `toml:"max_frame_size"`
	MaxPeers          int      `toml:"max_peers"`
	MaxPeersPerIP     int      `toml:"max_peers_per_ip"`
	KeepaliveInterval string   `toml:"keepalive_interval"`
	Dial              []string `toml:"dial"`
	DialQUIC          []string `toml:"dial_quic"`
	LogLevel          string   `toml:"log_level"`
}

type config struct {
	Listen        string
	QUICListen    string
	MetricsListen string

	NodeID        []byte
	AdvertisePort uint16
	NetworkID     uint32

	Trusted dchannel.TrustSet

	ReadIdleTimeout   time.Duration
	KeepaliveInterval time.Duration
	MaxFrameSize      int

	Pool dview.PoolConfig

	Dial     []dialTarget
	DialQUIC []dialTarget

	LogLevel slog.Level
}

// dialTarget is a peer to dial at startup, written as "host:port@hexid".
type dialTarget struct {
	Addr   string
	NodeID []byte
}

func defaultConfig() config {
	id := uuid.New()
	return config{
		Listen: defaultListen,

		NodeID:        id[:],
		AdvertisePort: 18888,
		NetworkID:     1,

		ReadIdleTimeout:   dconn.DefaultReadIdleTimeout,
		KeepaliveInterval: dkeepalive.DefaultInterval,
		MaxFrameSize:      dframe.DefaultMaxFrameSize,

		Pool: dview.PoolConfig{
			MaxPeers:      dview.DefaultMaxPeers,
			MaxPeersPerIP: dview.DefaultMaxPeersPerIP,
		},

		LogLevel: slog.LevelInfo,
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, fmt.Errorf("load drake config: %w", err)
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
		if !meta.IsDefined("advertise_port") && cfg.Listen != "" {
			p, err := portOf(cfg.Listen)
			if err != nil {
				return config{}, fmt.Errorf("parse listen: %w", err)
			}
			cfg.AdvertisePort = p
		}
	}

	if meta.IsDefined("quic_listen") {
		cfg.QUICListen = strings.TrimSpace(raw.QUICListen)
	}

	if meta.IsDefined("metrics_listen") {
		cfg.MetricsListen = strings.TrimSpace(raw.MetricsListen)
	}

	if meta.IsDefined("node_id") {
		id, err := hex.DecodeString(strings.TrimSpace(raw.NodeID))
		if err != nil {
			return config{}, fmt.Errorf("parse node_id: %w", err)
		}
		if len(id) == 0 {
			return config{}, fmt.Errorf("node_id must not be empty")
		}
		cfg.NodeID = id
	}

	if meta.IsDefined("advertise_port") {
		if raw.AdvertisePort <= 0 || raw.AdvertisePort > math.MaxUint16 {
			return config{}, fmt.Errorf("advertise_port %d out of range", raw.AdvertisePort)
		}
		cfg.AdvertisePort = uint16(raw.AdvertisePort)
	}

	if meta.IsDefined("network_id") {
		if raw.NetworkID < 0 || raw.NetworkID > math.MaxUint32 {
			return config{}, fmt.Errorf("network_id %d out of range", raw.NetworkID)
		}
		cfg.NetworkID = uint32(raw.NetworkID)
	}

	if meta.IsDefined("trusted") {
		ts, err := dchannel.ParseTrustSet(normalizeList(raw.Trusted))
		if err != nil {
			return config{}, fmt.Errorf("parse trusted: %w", err)
		}
		cfg.Trusted = ts
	}

	if meta.IsDefined("read_idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReadIdleTimeout))
		if err != nil {
			return config{}, fmt.Errorf("parse read_idle_timeout: %w", err)
		}
		cfg.ReadIdleTimeout = d
	}

	if meta.IsDefined("keepalive_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.KeepaliveInterval))
		if err != nil {
			return config{}, fmt.Errorf("parse keepalive_interval: %w", err)
		}
		cfg.KeepaliveInterval = d
	}

	if cfg.KeepaliveInterval >= 0 && cfg.ReadIdleTimeout >= 0 {
		idle := cmp.Or(cfg.ReadIdleTimeout, dconn.DefaultReadIdleTimeout)
		interval := cmp.Or(cfg.KeepaliveInterval, dkeepalive.DefaultInterval)
		if interval >= idle {
			return config{}, fmt.Errorf(
				"keepalive_interval %s must be shorter than read_idle_timeout %s",
				interval, idle,
			)
		}
	}

	if meta.IsDefined("max_frame_size") {
		if raw.MaxFrameSize <= 0 {
			return config{}, fmt.Errorf("max_frame_size must be positive")
		}
		cfg.MaxFrameSize = raw.MaxFrameSize
	}

	if meta.IsDefined("max_peers") {
		cfg.Pool.MaxPeers = raw.MaxPeers
	}

	if meta.IsDefined("max_peers_per_ip") {
		cfg.Pool.MaxPeersPerIP = raw.MaxPeersPerIP
	}

	if meta.IsDefined("dial") {
		ts, err := parseDialTargets(raw.Dial)
		if err != nil {
			return config{}, fmt.Errorf("parse dial: %w", err)
		}
		cfg.Dial = ts
	}

	if meta.IsDefined("dial_quic") {
		ts, err := parseDialTargets(raw.DialQUIC)
		if err != nil {
			return config{}, fmt.Errorf("parse dial_quic: %w", err)
		}
		cfg.DialQUIC = ts
	}

	if meta.IsDefined("log_level") {
		if err := cfg.LogLevel.UnmarshalText([]byte(strings.TrimSpace(raw.LogLevel))); err != nil {
			return config{}, fmt.Errorf("parse log_level: %w", err)
		}
	}

	return cfg, nil
}

func portOf(addr string) (uint16, error) {
	_, ps, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	p, err := strconv.ParseUint(ps, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", ps, err)
	}
	return uint16(p), nil
}

func parseDialTargets(in []string) ([]dialTarget, error) {
	out := make([]dialTarget, 0, len(in))
	for _, s := range normalizeList(in) {
		addr, hexID, ok := strings.Cut(s, "@")
		if !ok {
			return nil, fmt.Errorf("%q: expected host:port@hexid", s)
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		id, err := hex.DecodeString(hexID)
		if err != nil || len(id) == 0 {
			return nil, fmt.Errorf("%q: invalid node id", s)
		}
		out = append(out, dialTarget{Addr: addr, NodeID: id})
	}
	return out, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
