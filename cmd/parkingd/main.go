// Command parkingd is the parking reservation core's entrypoint: it loads
// configuration, wires the persistent store, coordination cache, lease
// manager, booking coordinator, realtime hub, and background workers
// together, and serves the HTTP/websocket API.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/parq/parkingcore/internal/auth"
	"github.com/parq/parkingcore/internal/availability"
	"github.com/parq/parkingcore/internal/cache"
	"github.com/parq/parkingcore/internal/config"
	"github.com/parq/parkingcore/internal/coordinator"
	"github.com/parq/parkingcore/internal/httpapi"
	"github.com/parq/parkingcore/internal/lease"
	"github.com/parq/parkingcore/internal/logging"
	"github.com/parq/parkingcore/internal/payment"
	"github.com/parq/parkingcore/internal/realtime"
	"github.com/parq/parkingcore/internal/store/postgres"
	"github.com/parq/parkingcore/internal/workers"
)

var log = logging.GetLogger("main")

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}

	db, err := postgres.Open(cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer db.Close()

	cc := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisDB)

	bookings := postgres.NewBookingRepo(db)
	pending := postgres.NewPendingRepo(db)
	idemp := postgres.NewIdempotencyRepo(db)
	conns := postgres.NewConnectionRepo(db)
	lots := postgres.NewLotRepo(db)

	leases := lease.NewManager(cc, cfg.LeaseTTL, cfg.LeaseMetadataGrace)
	avail := availability.NewService(bookings, pending, leases)

	var payments payment.Provider
	if cfg.StripeAPIKey != "" {
		payments = payment.NewStripeProvider(cfg.StripeAPIKey)
	} else {
		log.Warn("no stripe API key configured, falling back to an in-memory payment provider")
		payments = payment.NewFakeProvider(false)
	}

	coord := coordinator.New(db, bookings, pending, idemp, lots, leases, payments,
		cfg.LeaseTTL, cfg.LeasePaymentExtendTo, cfg.PendingBookingTTL)

	hub := realtime.NewHub(cc, conns)
	verify := auth.NewVerifier(cfg.JWTSecret)

	successURL := envOr("PARQ_SUCCESS_URL", "http://localhost:3000/booking/success")
	directSuccessURL := envOr("PARQ_DIRECT_SUCCESS_URL", "http://localhost:3000/booking/success-direct")

	server := httpapi.NewServer(lots, avail, coord, hub, verify, payments, leases,
		successURL, directSuccessURL, cfg.LeaseMetadataGrace, cfg.ConnectionPruneInterval)

	instanceID := envOr("PARQ_INSTANCE_ID", uuid.NewString())
	runner := workers.New(cc, pending, conns, lots, leases, coord, hub, instanceID,
		cfg.CrossInstancePollInterval, cfg.CrossInstanceLookback, cfg.BreakerRecoveryInterval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner.Start(ctx)
	defer runner.Stop()

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Router(),
	}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("parking core listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
