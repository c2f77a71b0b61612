// Package lease implements the lease manager: acquiring, renewing,
// releasing and inspecting the short-lived guard that gives a single
// reservation attempt exclusive claim on a spot/date while a user decides
// and pays.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/parq/parkingcore/internal/cache"
	"github.com/parq/parkingcore/internal/logging"
	"github.com/parq/parkingcore/internal/models"
)

var log = logging.GetLogger("lease")

// Sentinel errors surfaced to callers; the coordinator matches these with
// errors.Is to decide which HTTP/status outcome to produce.
var (
	// ErrConflict means the spot is already leased by someone else.
	ErrConflict = errors.New("lease: spot already leased")
	// ErrNotFound means no lease exists for the given reservation.
	ErrNotFound = errors.New("lease: not found")
	// ErrLost means a lease existed but no longer belongs to the caller
	// (it expired or was taken over) by the time an action was attempted.
	ErrLost = errors.New("lease: lost")
	// ErrUnavailable means the coordination cache could not be reached
	// even after retrying; the coordinator should fall back to the direct
	// path via errors.Is(err, cache.ErrUnavailable).
	ErrUnavailable = cache.ErrUnavailable
)

// Request describes a booking window a caller wants to hold exclusively.
type Request struct {
	SpotID        int64
	LotID         int64
	UserID        string
	BookingDate   string
	StartTime     string
	EndTime       string
	ReservationID string // optional, for idempotent re-acquisition
}

// Manager guards spot leases in the coordination cache.
type Manager struct {
	cc            cache.Client
	ttl           time.Duration
	metadataGrace time.Duration
}

// NewManager builds a lease Manager. ttl is the lease guard's lifetime;
// metadataGrace is added on top of ttl for the paired metadata hash, so
// metadata always outlives (or matches) the guard key it describes.
func NewManager(cc cache.Client, ttl, metadataGrace time.Duration) *Manager {
	return &Manager{cc: cc, ttl: ttl, metadataGrace: metadataGrace}
}

func leaseKey(spotID int64, bookingDate string) string {
	return fmt.Sprintf("spot_lease:%d_%s", spotID, bookingDate)
}

func metadataKey(reservationID string) string {
	return "lease_data:" + reservationID
}

// Acquire claims the lease for req, returning its reservation ID. If
// req.ReservationID is set and a lease already exists under that same
// reservation ID for this spot/date, the existing lease is returned as-is
// (idempotent re-acquisition, e.g. a client retry after a dropped response).
// On repeated transient cache errors it retries with bounded exponential
// backoff before giving up with ErrUnavailable.
func (m *Manager) Acquire(ctx context.Context, req Request) (string, error) {
	key := leaseKey(req.SpotID, req.BookingDate)

	if req.ReservationID != "" {
		existing, ok, err := m.cc.Get(ctx, key)
		if err != nil {
			return "", err
		}
		if ok && existing == req.ReservationID {
			return req.ReservationID, nil
		}
	}

	reservationID := req.ReservationID
	if reservationID == "" {
		reservationID = uuid.NewString()
	}

	// Metadata is written before the guard key, matching the original
	// acquire_lease ordering, so a reader that finds the guard can always
	// find its metadata too; if the guard acquire below fails, the
	// metadata write is rolled back.
	meta := models.LeaseMetadata{
		ReservationID: reservationID,
		UserID:        req.UserID,
		SpotID:        req.SpotID,
		LotID:         req.LotID,
		BookingDate:   req.BookingDate,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	metaKey := metadataKey(reservationID)
	if err := m.writeMetadata(ctx, metaKey, meta, m.ttl+m.metadataGrace); err != nil {
		return "", err
	}

	var acquired bool
	op := func() error {
		ok, err := m.cc.AcquireLease(ctx, key, reservationID, m.ttl)
		if err != nil {
			return err
		}
		acquired = ok
		return nil
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.MaxInterval = 4 * time.Second
	boff := backoff.WithMaxRetries(eb, 1)
	if err := backoff.Retry(op, boff); err != nil {
		m.cc.HDel(ctx, metaKey)
		log.WithError(err).Warn("lease acquire failed after retries")
		return "", ErrUnavailable
	}
	if !acquired {
		m.cc.HDel(ctx, metaKey)
		return "", ErrConflict
	}
	return reservationID, nil
}

func (m *Manager) writeMetadata(ctx context.Context, key string, meta models.LeaseMetadata, ttl time.Duration) error {
	fields, err := metadataToFields(meta)
	if err != nil {
		return err
	}
	return m.cc.HSet(ctx, key, fields, ttl)
}

func metadataToFields(meta models.LeaseMetadata) (map[string]string, error) {
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out, nil
}

// Renew extends a still-owned lease's TTL. It returns ErrLost if the lease
// is not currently held by reservationID (expired, or raced away).
func (m *Manager) Renew(ctx context.Context, spotID int64, bookingDate, reservationID string, ttl time.Duration) error {
	key := leaseKey(spotID, bookingDate)
	ok, err := m.cc.RenewLease(ctx, key, reservationID, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLost
	}
	return nil
}

// Release drops a lease's guard key and metadata unconditionally as long as
// the caller still owns it, used on an explicit cancel or a connection
// disconnect when no payment is in flight.
func (m *Manager) Release(ctx context.Context, spotID int64, bookingDate, reservationID string) error {
	key := leaseKey(spotID, bookingDate)
	ok, err := m.cc.SafeReleaseLease(ctx, key, metadataKey(reservationID), reservationID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Metadata fetches the metadata hash for a reservation, used to validate
// that a caller's confirm request actually matches the lease it claims.
func (m *Manager) Metadata(ctx context.Context, reservationID string) (models.LeaseMetadata, error) {
	fields, ok, err := m.cc.HGetAll(ctx, metadataKey(reservationID))
	if err != nil {
		return models.LeaseMetadata{}, err
	}
	if !ok {
		return models.LeaseMetadata{}, ErrNotFound
	}
	return fieldsToMetadata(fields)
}

func fieldsToMetadata(fields map[string]string) (models.LeaseMetadata, error) {
	var meta models.LeaseMetadata
	meta.ReservationID = fields["reservationId"]
	meta.UserID = fields["userId"]
	meta.BookingDate = fields["bookingDate"]
	meta.StartTime = fields["startTime"]
	meta.EndTime = fields["endTime"]
	meta.CreatedAt = fields["createdAt"]
	meta.StripeSessionID = fields["stripeSessionId"]
	meta.PaymentContext = fields["paymentContext"] == "true"
	fmt.Sscanf(fields["spotId"], "%d", &meta.SpotID)
	fmt.Sscanf(fields["parkingLotId"], "%d", &meta.LotID)
	return meta, nil
}

// MarkPaymentContext extends a lease's metadata TTL and records that a
// payment session now depends on it, so a disconnect handler knows not to
// release the lease out from under an in-flight checkout.
func (m *Manager) MarkPaymentContext(ctx context.Context, reservationID, stripeSessionID string, ttl time.Duration) error {
	metaKey := metadataKey(reservationID)
	fields := map[string]string{
		"paymentContext":  "true",
		"stripeSessionId": stripeSessionID,
	}
	return m.cc.HSet(ctx, metaKey, fields, ttl)
}

// Inspect reports whether a lease guard is currently held, and by whom,
// without retrying on transient errors (used by the availability service,
// which has its own fallback path for a down cache).
func (m *Manager) Inspect(ctx context.Context, spotID int64, bookingDate string) (string, bool, error) {
	return m.cc.Get(ctx, leaseKey(spotID, bookingDate))
}

// ScanActiveLeases returns the metadata of every currently-held lease for
// the given booking date, used by the availability service to check
// time-window overlap against in-flight leases it doesn't otherwise know
// about.
func (m *Manager) ScanActiveLeases(ctx context.Context, bookingDate string) ([]models.LeaseMetadata, error) {
	pattern := fmt.Sprintf("spot_lease:*_%s", bookingDate)
	keys, err := m.cc.Keys(ctx, pattern)
	if err != nil {
		return nil, err
	}
	out := make([]models.LeaseMetadata, 0, len(keys))
	for _, key := range keys {
		reservationID, ok, err := m.cc.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		meta, err := m.Metadata(ctx, reservationID)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}
