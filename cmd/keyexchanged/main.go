// Command keyexchanged runs the key-exchange rendezvous server: the
// public HTTP surface (fronted by the IP filter), plus an internal
// metrics listener and the blacklist reconciler.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"keyexchange/server/internal/audit"
	"keyexchange/server/internal/blacklist"
	"keyexchange/server/internal/channel"
	"keyexchange/server/internal/config"
	"keyexchange/server/internal/filtering"
	"keyexchange/server/internal/httpapi"
	"keyexchange/server/internal/kv"
	"keyexchange/server/internal/metrics"
)

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:]) {
			return
		}
	}

	listenAddr := flag.String("addr", "", "public listen address (overrides KEYEXCHANGE_LISTEN_ADDR)")
	metricsAddr := flag.String("metrics-addr", "", "internal metrics listen address (overrides KEYEXCHANGE_METRICS_ADDR)")
	kvBackend := flag.String("kv-backend", "", "memory or memcache (overrides KEYEXCHANGE_KV_BACKEND)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *kvBackend != "" {
		cfg.KVBackend = *kvBackend
	}

	store := buildStore(cfg)

	var sinks []audit.Sink
	sinks = append(sinks, audit.NewSlogSink(nil))
	if cfg.AuditDB != "" {
		sqliteSink, err := audit.OpenSQLiteSink(cfg.AuditDB)
		if err != nil {
			log.Fatalf("[audit] %v", err)
		}
		defer sqliteSink.Close()
		sinks = append(sinks, sqliteSink)
	}
	sink := audit.Multi(sinks...)

	auditFn := func(event, message string, fields map[string]any) {
		sink.Emit(context.Background(), audit.Event{
			Severity: audit.SeverityWarning,
			Name:     event,
			Message:  message,
			Fields:   fields,
		})
	}

	m := metrics.New()

	chCfg := channel.Config{CIDLen: cfg.CIDLen, TTL: cfg.TTL, MaxGets: cfg.MaxGets}
	svc := channel.New(store, chCfg, auditFn, m)

	logger := slog.Default()
	apiServer := httpapi.New(svc, cfg.RootRedirect, logger)

	bl := blacklist.New(store)

	var syncer *blacklist.Syncer
	if cfg.Async {
		syncer = blacklist.NewAsyncSyncer(bl, cfg.RefreshFreq, logger)
	} else {
		syncer = blacklist.NewSyncSyncer(bl, cfg.UpdateBlFreq)
	}

	filterCfg := filtering.Config{
		QueueSize:      cfg.QueueSize,
		BrQueueSize:    cfg.BrQueueSize,
		Treshold:       cfg.Treshold,
		BrTreshold:     cfg.BrTreshold,
		BlacklistTTL:   cfg.BlacklistTTL,
		BrBlacklistTTL: cfg.BrBlacklistTTL,
		IPQueueTTL:     cfg.IPQueueTTL,
		IPWhitelist:    cfg.IPWhitelist(),
		Observe:        cfg.Observe,
		AdminPage:      cfg.AdminPage,
		Callback: func(ip string, r *http.Request) {
			auditFn("filter.blacklisted", "BlackListed IP", map[string]any{"ip": ip})
		},
	}
	var syncSyncerForFilter *blacklist.Syncer
	if !cfg.Async {
		syncSyncerForFilter = syncer
	}
	filter := filtering.New(filterCfg, bl, syncSyncerForFilter, m)

	e := apiServer.Echo()
	e.Pre(filter.Middleware())
	if cfg.AdminPage != "" {
		e.GET(cfg.AdminPage, filter.AdminHandler())
		e.POST(cfg.AdminPage, filter.AdminHandler())
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", m.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.BlacklistSize.Set(float64(bl.Size()))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[keyexchanged] shutting down...")
		if cfg.Async {
			syncer.Stop()
		}
		cancel()
	}()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		log.Printf("[keyexchanged] metrics listening on %s", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[metrics] %v", err)
		}
	}()

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: apiServer.Handler()}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		metricsSrv.Shutdown(shutCtx)
	}()

	log.Printf("[keyexchanged] listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[keyexchanged] %v", err)
	}
}

func buildStore(cfg config.Config) kv.Store {
	var base kv.Store
	switch cfg.KVBackend {
	case "memcache":
		base = kv.NewMemcache(cfg.KVServerList()...)
	default:
		base = kv.NewMemory()
	}
	return kv.NewPrefixed("keyexchange:", base)
}
