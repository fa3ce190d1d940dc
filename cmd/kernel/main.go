// Command kernel boots the multi-tenant service-hosting kernel: the event
// store, registry, capability manager, supervision tree, deployer, resource
// monitor, load shedder, hot-swap watchdog, recovery engine, shutdown
// coordinator, and the thin HTTP gateway in front of them.
package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"flag"
	"net/http"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/disruptek/kernelcore/internal/eventstore"
	"github.com/disruptek/kernelcore/internal/gateway"
	"github.com/disruptek/kernelcore/internal/kernel"
	"github.com/disruptek/kernelcore/internal/kernelconfig"
	"github.com/disruptek/kernelcore/internal/kernellog"
	"github.com/disruptek/kernelcore/internal/metrics"
	"github.com/disruptek/kernelcore/internal/tokenstore"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to :8080)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides KERNEL_DATABASE_URL; in-memory storage when empty)")
	masterKeyHex := flag.String("master-key", "", "hex-encoded 32-byte AES key for token envelope encryption (required with -dsn)")
	flag.Parse()

	cfg := kernelconfig.FromEnv()
	log := kernellog.NewFromEnv("kernel")

	dsnVal := strings.TrimSpace(*dsn)
	if dsnVal == "" {
		dsnVal = cfg.DatabaseURL
	}

	var (
		events eventstore.Store
		tokens tokenstore.Store
		db     *sql.DB
	)

	if dsnVal != "" {
		var err error
		db, err = sql.Open("postgres", dsnVal)
		if err != nil {
			log.WithError(err).Fatal("connect to postgres")
		}
		defer db.Close()

		pgEvents := eventstore.NewPostgresStore(db)
		if err := pgEvents.EnsureSchema(context.Background()); err != nil {
			log.WithError(err).Fatal("ensure event store schema")
		}
		events = pgEvents

		keyBytes, err := decodeMasterKey(*masterKeyHex)
		if err != nil {
			log.WithError(err).Fatal("decode master key")
		}
		pgTokens, err := tokenstore.NewPostgresStore(db, keyBytes)
		if err != nil {
			log.WithError(err).Fatal("construct token store")
		}
		if err := pgTokens.EnsureSchema(context.Background()); err != nil {
			log.WithError(err).Fatal("ensure token store schema")
		}
		tokens = pgTokens
	} else {
		events = eventstore.NewMemoryStore()
		tokens = tokenstore.NewMemoryStore()
	}

	metricsReg := metrics.New(prometheus.DefaultRegisterer)

	k := kernel.New(cfg, events, tokens, metricsReg, log)

	ctx := context.Background()
	if err := k.Start(ctx); err != nil {
		log.WithError(err).Fatal("start kernel")
	}

	gw := gateway.New(k, log)

	mux := http.NewServeMux()
	mux.Handle("/", gw.Router())
	mux.Handle("/metrics", promhttp.Handler())

	listenAddr := strings.TrimSpace(*addr)
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	server := &http.Server{Addr: listenAddr, Handler: mux}

	go func() {
		log.Infof("kernel gateway listening on %s", listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("gateway server exited")
		}
	}()

	k.Shutdown.Listen(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("gateway server shutdown error")
	}
}

func decodeMasterKey(hexKey string) ([]byte, error) {
	// tokenstore.NewPostgresStore validates length; a thin hex decode is all
	// that belongs here.
	return hex.DecodeString(strings.TrimSpace(hexKey))
}
