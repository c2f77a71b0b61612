// Package workers runs the background jobs that keep leases, pending
// bookings, and fallback connection rows from leaking: a cron-scheduled
// sweep of expired rows, a lease-expiry reconciliation loop that mirrors
// misc/lease_worker.py, a cache-recovery prober for the coordinator's
// circuit breaker, and a cross-instance poller generalized from
// booking/cross_instance_manager.py's database-polling fallback for
// fan-out across replicas that don't share a pub/sub bus.
package workers

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/parq/parkingcore/internal/cache"
	"github.com/parq/parkingcore/internal/coordinator"
	"github.com/parq/parkingcore/internal/lease"
	"github.com/parq/parkingcore/internal/logging"
	"github.com/parq/parkingcore/internal/realtime"
	"github.com/parq/parkingcore/internal/store/postgres"
)

var log = logging.GetLogger("workers")

// Runner owns every scheduled and looping background job for one instance.
type Runner struct {
	cc      cache.Client
	pending *postgres.PendingRepo
	conns   *postgres.ConnectionRepo
	lots    *postgres.LotRepo
	leases  *lease.Manager
	coord   *coordinator.Coordinator
	hub     *realtime.Hub

	cron   *cron.Cron
	cancel context.CancelFunc

	instanceID            string
	crossInstancePoll     time.Duration
	crossInstanceLookback time.Duration
	breakerRecoveryPoll   time.Duration
	seen                  map[string]struct{}
}

func New(
	cc cache.Client,
	pending *postgres.PendingRepo,
	conns *postgres.ConnectionRepo,
	lots *postgres.LotRepo,
	leases *lease.Manager,
	coord *coordinator.Coordinator,
	hub *realtime.Hub,
	instanceID string,
	crossInstancePoll, crossInstanceLookback, breakerRecoveryPoll time.Duration,
) *Runner {
	return &Runner{
		cc:                    cc,
		pending:               pending,
		conns:                 conns,
		lots:                  lots,
		leases:                leases,
		coord:                 coord,
		hub:                   hub,
		instanceID:            instanceID,
		crossInstancePoll:     crossInstancePoll,
		crossInstanceLookback: crossInstanceLookback,
		breakerRecoveryPoll:   breakerRecoveryPoll,
		seen:                  make(map[string]struct{}),
	}
}

// Start schedules the cron sweeps and launches the long-running poll loops.
// Cancel the returned context (via Stop) to shut everything down.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.cron = cron.New()
	r.cron.AddFunc("@every 30s", func() { r.sweepPendingBookings(ctx) })
	r.cron.AddFunc("@every 1m", func() { r.sweepConnections(ctx) })
	r.cron.Start()

	go r.pollCrossInstanceBookings(ctx)
	go r.probeBreakerRecovery(ctx)
	go r.watchLeaseExpiry(ctx)

	log.Info("background workers started")
}

// Stop halts the cron scheduler and every poll loop, waiting for the cron
// jobs currently running to finish.
func (r *Runner) Stop() {
	if r.cron != nil {
		c := r.cron.Stop()
		<-c.Done()
	}
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Runner) sweepPendingBookings(ctx context.Context) {
	rows, err := r.pending.DeleteExpired(ctx)
	if err != nil {
		log.WithError(err).Error("pending booking sweep failed")
		return
	}
	if len(rows) == 0 {
		return
	}
	log.WithField("count", len(rows)).Info("swept expired pending bookings")
	for _, row := range rows {
		r.hub.EmitSpotUpdate(ctx, row.LotID, row.BookingDate, realtime.SpotUpdate{
			SpotID:    row.SpotID,
			Available: true,
			StartTime: row.StartTime,
			EndTime:   row.EndTime,
		})
	}
}

func (r *Runner) sweepConnections(ctx context.Context) {
	n, err := r.conns.DeleteExpired(ctx)
	if err != nil {
		log.WithError(err).Error("connection fallback sweep failed")
		return
	}
	if n > 0 {
		log.WithField("count", n).Info("swept expired fallback connections")
	}
}

// probeBreakerRecovery periodically checks whether a degraded coordination
// cache has come back, mirroring check_redis_recovery's scheduled probe;
// the circuit never self-heals from the request path.
func (r *Runner) probeBreakerRecovery(ctx context.Context) {
	ticker := time.NewTicker(r.breakerRecoveryPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.coord.Healthy() {
				continue
			}
			r.coord.ProbeRecovery(ctx, r.cc)
			if r.coord.Healthy() {
				go r.watchLeaseExpiry(ctx)
			}
		}
	}
}

// watchLeaseExpiry subscribes to the coordination cache's lease-key expiry
// notifications, emitting a spot_update for every lease that expires
// without an explicit release. Per spec, this listener exits its goroutine
// when the cache can't be subscribed to (or the subscription drops); it is
// re-established by probeBreakerRecovery once the cache comes back.
func (r *Runner) watchLeaseExpiry(ctx context.Context) {
	ch, err := r.cc.SubscribeExpired(ctx, "spot_lease:*")
	if err != nil {
		log.WithError(err).Warn("lease expiry listener could not subscribe, will retry after cache recovery")
		return
	}
	log.Info("lease expiry listener subscribed")
	for key := range ch {
		r.handleLeaseExpiry(ctx, key)
	}
	log.Warn("lease expiry listener exited, will be re-established by the recovery probe")
}

func (r *Runner) handleLeaseExpiry(ctx context.Context, key string) {
	spotID, bookingDate, ok := parseLeaseKey(key)
	if !ok {
		log.WithField("key", key).Warn("could not parse expired lease key")
		return
	}
	spot, err := r.lots.GetSpot(ctx, spotID)
	if err != nil {
		log.WithError(err).WithField("spotId", spotID).Warn("could not resolve lot for expired lease")
		return
	}
	r.hub.EmitSpotUpdate(ctx, spot.LotID, bookingDate, realtime.SpotUpdate{
		SpotID:    spotID,
		Available: true,
	})
	log.WithField("spotId", spotID).WithField("bookingDate", bookingDate).Info("emitted spot_update for lease expired via TTL")
}

// parseLeaseKey reverses leaseKey's "spot_lease:{spotId}_{date}" format; the
// expired-key notification carries only the key name, never its value.
func parseLeaseKey(key string) (spotID int64, bookingDate string, ok bool) {
	const prefix = "spot_lease:"
	if !strings.HasPrefix(key, prefix) {
		return 0, "", false
	}
	rest := key[len(prefix):]
	idx := strings.Index(rest, "_")
	if idx < 0 {
		return 0, "", false
	}
	id, err := strconv.ParseInt(rest[:idx], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return id, rest[idx+1:], true
}

// pollCrossInstanceBookings polls for pending bookings created by any
// instance (this one included) within the lookback window and re-emits the
// spot_update of each one not yet in r.seen, so
// every replica's websocket subscribers stay in sync even without a shared
// pub/sub bus, generalized from CrossInstanceManager._poll_database.
func (r *Runner) pollCrossInstanceBookings(ctx context.Context) {
	ticker := time.NewTicker(r.crossInstancePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkRecentBookings(ctx)
		}
	}
}

func (r *Runner) checkRecentBookings(ctx context.Context) {
	rows, err := r.pending.RecentByOtherInstances(ctx, r.crossInstanceLookback)
	if err != nil {
		log.WithError(err).Error("cross-instance poll failed")
		return
	}
	for _, row := range rows {
		key := "pending_" + row.ReservationID
		if _, ok := r.seen[key]; ok {
			continue
		}
		r.seen[key] = struct{}{}
		r.hub.EmitSpotUpdate(ctx, row.LotID, row.BookingDate, realtime.SpotUpdate{
			SpotID:    row.SpotID,
			Available: false,
			StartTime: row.StartTime,
			EndTime:   row.EndTime,
		})
		log.WithField("reservationId", row.ReservationID).Info("propagated cross-instance booking")
	}
	if len(r.seen) > 10000 {
		r.seen = make(map[string]struct{})
	}
}
