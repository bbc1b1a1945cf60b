// Command drake runs a drake node until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gordian-engine/drake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "drake: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a TOML configuration file")
	flag.Parse()

	cfg := defaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = loadConfig(*configPath)
		if err != nil {
			return err
		}
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	ncfg := drake.NodeConfig{
		NodeID:        cfg.NodeID,
		AdvertisePort: cfg.AdvertisePort,
		NetworkID:     cfg.NetworkID,

		Trusted: cfg.Trusted,

		ReadIdleTimeout:   cfg.ReadIdleTimeout,
		MaxFrameSize:      cfg.MaxFrameSize,
		KeepaliveInterval: cfg.KeepaliveInterval,

		Pool: cfg.Pool,

		Metrics: reg,
	}

	if cfg.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
		}
		ncfg.Listener = ln
	}

	if cfg.QUICListen != "" {
		ua, err := net.ResolveUDPAddr("udp", cfg.QUICListen)
		if err != nil {
			return fmt.Errorf("resolve quic_listen: %w", err)
		}
		uc, err := net.ListenUDP("udp", ua)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.QUICListen, err)
		}
		defer uc.Close()
		ncfg.UDPConn = uc
	}

	n, err := drake.NewNode(ctx, log, ncfg)
	if err != nil {
		return err
	}

	log.Info(
		"Node started",
		"node_id", fmt.Sprintf("%x", cfg.NodeID),
		"listen", addrString(n.Addr()),
		"quic_listen", addrString(n.QUICAddr()),
		"network_id", cfg.NetworkID,
	)

	if cfg.MetricsListen != "" {
		serveMetrics(ctx, log, cfg.MetricsListen, reg)
	}

	for _, d := range cfg.Dial {
		if _, err := n.Dial(ctx, d.Addr, d.NodeID); err != nil {
			log.Warn("Failed to dial peer", "addr", d.Addr, "err", err)
		}
	}
	for _, d := range cfg.DialQUIC {
		if _, err := n.DialQUIC(ctx, d.Addr, d.NodeID); err != nil {
			log.Warn("Failed to dial peer over QUIC", "addr", d.Addr, "err", err)
		}
	}

	<-ctx.Done()
	log.Info("Shutting down", "cause", context.Cause(ctx))
	n.Wait()
	return nil
}

func serveMetrics(ctx context.Context, log *slog.Logger, addr string, reg *prometheus.Registry) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("Metrics server stopped", "err", err)
		}
	}()

	context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
