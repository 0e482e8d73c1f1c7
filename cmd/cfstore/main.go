package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	adminhttp "cfstore/internal/http"
	"cfstore/pkg/clock"
	"cfstore/pkg/config"
	"cfstore/pkg/metrics"
	"cfstore/pkg/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	families := flag.String("families", "d", "comma-separated column families to open")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	collector := metrics.NewInMemory()
	region := store.RegionInfo{Table: "default", Region: "region-1"}

	stores := map[string]adminhttp.IStore{}
	var flushers []*store.Flusher
	var maxSeq uint64
	for _, name := range strings.Split(*families, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		dir := filepath.Join(cfg.Store.DataDir, region.Region, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("failed to create data dir", "dir", dir, "error", err)
			os.Exit(1)
		}
		st, err := store.Open(dir, cfg.Store, config.DefaultFamily(name), region,
			store.WithMetrics(collector))
		if err != nil {
			slog.Error("failed to open store", "family", name, "error", err)
			os.Exit(1)
		}
		defer st.Close()

		f := store.NewFlusher(st)
		f.Start(ctx)
		flushers = append(flushers, f)
		stores[name] = st
		if st.MaxSequenceID() > maxSeq {
			maxSeq = st.MaxSequenceID()
		}
	}
	if len(stores) == 0 {
		slog.Error("no families configured")
		os.Exit(1)
	}

	// Sequence numbers continue past everything already persisted.
	seqClock := clock.NewAtomic(maxSeq)

	server := adminhttp.NewServer(stores, collector, seqClock, strconv.Itoa(cfg.Server.Port))
	if err := server.Start(); err != nil {
		slog.Error("failed to start admin server", "error", err)
		os.Exit(1)
	}

	slog.Info("cfstore is running", "families", len(stores), "port", cfg.Server.Port)
	<-ctx.Done()

	for _, f := range flushers {
		f.Stop()
	}
	if err := server.Stop(); err != nil {
		slog.Error("error stopping admin server", "error", err)
	}
	slog.Info("cfstore stopped")
}
