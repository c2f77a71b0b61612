// Package availability implements the availability service: combining
// confirmed bookings, active leases, and pending (direct-path) bookings to
// answer whether a spot, or a whole lot, is free for a given window.
package availability

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/parq/parkingcore/internal/cache"
	"github.com/parq/parkingcore/internal/lease"
	"github.com/parq/parkingcore/internal/logging"
	"github.com/parq/parkingcore/internal/models"
	"github.com/parq/parkingcore/internal/store/postgres"
)

var log = logging.GetLogger("availability")

// Service answers availability questions against the persistent store, the
// lease manager, and (when the cache is down) a database-only fallback,
// mirroring original_source's is_spot_available / check_spot_availability.
type Service struct {
	bookings *postgres.BookingRepo
	pending  *postgres.PendingRepo
	leases   *lease.Manager
}

func NewService(bookings *postgres.BookingRepo, pending *postgres.PendingRepo, leases *lease.Manager) *Service {
	return &Service{bookings: bookings, pending: pending, leases: leases}
}

// SpotQuery describes a single spot/window availability check.
type SpotQuery struct {
	SpotID      int64
	BookingDate string
	StartTime   string
	EndTime     string
	RequestedBy string
}

// CheckSpot reports whether a spot is free for the requested window. It
// always checks confirmed bookings against Postgres; it then checks for an
// active lease via the cache, falling back to a pending-bookings query
// against Postgres if the cache is unavailable (errors.Is cache.ErrUnavailable).
func (s *Service) CheckSpot(ctx context.Context, q SpotQuery) (bool, error) {
	confirmedCount, err := s.bookings.ConflictCountNoTx(ctx, q.SpotID, q.BookingDate, q.StartTime, q.EndTime)
	if err != nil {
		return false, err
	}
	if confirmedCount > 0 {
		return false, nil
	}

	_, leased, err := s.leases.Inspect(ctx, q.SpotID, q.BookingDate)
	if err == nil {
		return !leased, nil
	}
	if !isCacheUnavailable(err) {
		return false, err
	}

	log.Warn("coordination cache unavailable, falling back to pending-booking check")
	pendingCount, err := s.pending.ConflictCount(ctx, q.SpotID, q.BookingDate, q.StartTime, q.EndTime, q.RequestedBy)
	if err != nil {
		return false, err
	}
	return pendingCount == 0, nil
}

// LotQuery describes a whole-lot availability check across many spots.
type LotQuery struct {
	LotID       int64
	SpotIDs     []int64
	BookingDate string
	StartTime   string
	EndTime     string
	RequestedBy string
}

// CheckLot returns the subset of q.SpotIDs that are NOT available for the
// requested window, combining a single confirmed-bookings query, a single
// lease scan (or pending-bookings fallback), matching the batched shape of
// original_source's check_spot_availability route.
func (s *Service) CheckLot(ctx context.Context, q LotQuery) (map[int64]bool, error) {
	unavailable := make(map[int64]bool, len(q.SpotIDs))

	conflictingIDs, err := s.bookings.ConflictingSpotIDs(ctx, q.LotID, q.BookingDate, q.StartTime, q.EndTime)
	if err != nil {
		return nil, err
	}
	for _, id := range conflictingIDs {
		unavailable[id] = true
	}

	leasedSpots, cacheErr := s.leaseOverlapSpots(ctx, q)
	if cacheErr == nil {
		for id := range leasedSpots {
			unavailable[id] = true
		}
		return unavailable, nil
	}
	if !isCacheUnavailable(cacheErr) {
		return nil, cacheErr
	}

	log.Warn("coordination cache unavailable, falling back to pending-booking scan for lot check")
	for _, spotID := range q.SpotIDs {
		if unavailable[spotID] {
			continue
		}
		count, err := s.pending.ConflictCount(ctx, spotID, q.BookingDate, q.StartTime, q.EndTime, q.RequestedBy)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			unavailable[spotID] = true
		}
	}
	return unavailable, nil
}

// leaseOverlapSpots scans every active lease for the booking date and
// returns the set of spot IDs whose lease window overlaps the query window,
// mirroring check_spot_availability's SCAN over spot_lease:*_{bookingDate}.
func (s *Service) leaseOverlapSpots(ctx context.Context, q LotQuery) (map[int64]bool, error) {
	active, err := s.leases.ScanActiveLeases(ctx, q.BookingDate)
	if err != nil {
		return nil, err
	}
	wantedStart, err1 := minutesSinceMidnight(q.StartTime)
	wantedEnd, err2 := minutesSinceMidnight(q.EndTime)
	out := make(map[int64]bool)
	if err1 != nil || err2 != nil {
		for _, m := range active {
			out[m.SpotID] = true
		}
		return out, nil
	}
	for _, m := range active {
		leaseStart, e1 := minutesSinceMidnight(m.StartTime)
		leaseEnd, e2 := minutesSinceMidnight(m.EndTime)
		if e1 != nil || e2 != nil {
			out[m.SpotID] = true
			continue
		}
		if models.Overlaps(wantedStart, wantedEnd, leaseStart, leaseEnd) {
			out[m.SpotID] = true
		}
	}
	return out, nil
}

func minutesSinceMidnight(hhmm string) (int, error) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return 0, strconvError(hhmm)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	return h*60 + m, nil
}

func strconvError(v string) error {
	_, err := strconv.Atoi(v)
	return err
}

func isCacheUnavailable(err error) bool {
	return errors.Is(err, cache.ErrUnavailable)
}
