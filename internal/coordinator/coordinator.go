// Package coordinator implements the booking coordinator: the state machine
// that takes a spot from IDLE through HELD/AWAITING_PAYMENT to a terminal
// CONFIRMED/REFUNDED/FAILED state, across both the leased path (coordination
// cache healthy) and the direct path (cache down, backed only by Postgres),
// with a circuit breaker deciding which path a given attempt takes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/parq/parkingcore/internal/cache"
	"github.com/parq/parkingcore/internal/lease"
	"github.com/parq/parkingcore/internal/logging"
	"github.com/parq/parkingcore/internal/models"
	"github.com/parq/parkingcore/internal/payment"
	"github.com/parq/parkingcore/internal/store/postgres"
)

var log = logging.GetLogger("coordinator")

// Sentinel errors the HTTP layer maps to status codes, mirroring the
// {"status":"error","message":...} / 409 shape of original_source's
// confirm_booking.
var (
	ErrLeaseNotFound       = errors.New("coordinator: lease expired or not found")
	ErrLeaseMismatch       = errors.New("coordinator: lease validation failed - spot taken by another user")
	ErrLeaseLost           = errors.New("coordinator: lease lost and could not be renewed")
	ErrLeaseMetadataLost   = errors.New("coordinator: lease metadata not found")
	ErrMetadataMismatch    = errors.New("coordinator: lease metadata validation failed")
	ErrSpotUnavailable     = errors.New("coordinator: spot no longer available")
	ErrRefundFailedSupport = errors.New("coordinator: booking failed and refund could not be issued, contact support")
	ErrSpotNotFound        = errors.New("coordinator: spot does not exist in this lot")
)

// breakerState is the circuit breaker's atomic health flag: healthy means
// the leased path should be used; degraded means every new attempt should
// go through the direct (Postgres-only) path until the recovery probe
// flips it back.
type breakerState int32

const (
	breakerHealthy breakerState = iota
	breakerDegraded
)

// Coordinator wires the lease manager, availability, payment provider and
// persistent store together to run the full booking lifecycle.
type Coordinator struct {
	db       *sqlx.DB
	bookings *postgres.BookingRepo
	pending  *postgres.PendingRepo
	idemp    *postgres.IdempotencyRepo
	lots     *postgres.LotRepo
	leases   *lease.Manager
	payments payment.Provider

	leaseTTL          time.Duration
	paymentExtendTTL  time.Duration
	pendingBookingTTL time.Duration

	breaker int32 // breakerState, accessed atomically
}

// New builds a Coordinator.
func New(
	db *sqlx.DB,
	bookings *postgres.BookingRepo,
	pending *postgres.PendingRepo,
	idemp *postgres.IdempotencyRepo,
	lots *postgres.LotRepo,
	leases *lease.Manager,
	payments payment.Provider,
	leaseTTL, paymentExtendTTL, pendingBookingTTL time.Duration,
) *Coordinator {
	return &Coordinator{
		db:                db,
		bookings:          bookings,
		pending:           pending,
		idemp:             idemp,
		lots:              lots,
		leases:            leases,
		payments:          payments,
		leaseTTL:          leaseTTL,
		paymentExtendTTL:  paymentExtendTTL,
		pendingBookingTTL: pendingBookingTTL,
		breaker:           int32(breakerHealthy),
	}
}

// Healthy reports whether the coordinator currently believes the
// coordination cache is reachable.
func (c *Coordinator) Healthy() bool {
	return breakerState(atomic.LoadInt32(&c.breaker)) == breakerHealthy
}

func (c *Coordinator) trip() {
	if atomic.SwapInt32(&c.breaker, int32(breakerDegraded)) != int32(breakerDegraded) {
		log.Warn("circuit breaker tripped, switching to direct booking path")
	}
}

// ProbeRecovery is invoked periodically (see internal/workers) to check
// whether the cache has come back, closing the circuit if so. It never
// re-opens the circuit on failure itself; only a request-path error trips
// it, matching original_source's check_redis_recovery/acquire_lease_safe
// split.
func (c *Coordinator) ProbeRecovery(ctx context.Context, cc cache.Client) {
	if c.Healthy() {
		return
	}
	if err := cc.Ping(ctx); err == nil {
		log.Info("coordination cache recovered, closing circuit")
		atomic.StoreInt32(&c.breaker, int32(breakerHealthy))
	} else {
		log.Warn("coordination cache still down")
	}
}

// HoldRequest describes a request to hold a spot exclusively before payment.
type HoldRequest struct {
	SpotID      int64
	LotID       int64
	UserID      string
	BookingDate string
	StartTime   string
	EndTime     string
}

// HoldResult is returned by Hold; Direct indicates the direct (no-lease)
// path was used because the circuit breaker is open. PricePerHour is the
// catalog price of the held spot, used by the HTTP layer to recompute the
// checkout amount itself rather than trust the client.
type HoldResult struct {
	ReservationID string
	Direct        bool
	PricePerHour  float64
}

// Hold attempts to acquire exclusive access to a spot/window: the leased
// path via the coordination cache when healthy, or the direct path (a
// PendingBooking row) when the breaker is open. It first validates the spot
// exists and belongs to the named lot, matching spec step 1 of both the
// leased and direct paths.
func (c *Coordinator) Hold(ctx context.Context, req HoldRequest) (HoldResult, error) {
	spot, err := c.lots.GetSpot(ctx, req.SpotID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return HoldResult{}, ErrSpotNotFound
		}
		return HoldResult{}, err
	}
	if spot.LotID != req.LotID {
		return HoldResult{}, ErrSpotNotFound
	}

	if c.Healthy() {
		id, err := c.leases.Acquire(ctx, lease.Request{
			SpotID:      req.SpotID,
			LotID:       req.LotID,
			UserID:      req.UserID,
			BookingDate: req.BookingDate,
			StartTime:   req.StartTime,
			EndTime:     req.EndTime,
		})
		switch {
		case err == nil:
			return HoldResult{ReservationID: id, PricePerHour: spot.PricePerHour}, nil
		case errors.Is(err, lease.ErrConflict):
			return HoldResult{}, ErrSpotUnavailable
		case errors.Is(err, cache.ErrUnavailable):
			c.trip()
		default:
			return HoldResult{}, err
		}
	}

	result, err := c.holdDirect(ctx, req)
	if err != nil {
		return HoldResult{}, err
	}
	result.PricePerHour = spot.PricePerHour
	return result, nil
}

// holdDirect runs the check-for-conflict-then-insert sequence inside a
// single transaction under the spot row's lock, the same serialization
// point confirmLeased/confirmDirect already use, so two concurrent direct
// holds for the same spot/window can't both succeed. A pending row authored
// by anyone (not just other users) counts as a conflict at this stage;
// exclusion by reservation ID only happens later, at post-payment confirm.
func (c *Coordinator) holdDirect(ctx context.Context, req HoldRequest) (HoldResult, error) {
	reservationID := fmt.Sprintf("direct-%d-%s-%d", req.SpotID, req.BookingDate, time.Now().UnixNano())

	err := c.bookings.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := c.bookings.LockSpot(ctx, tx, req.SpotID); err != nil {
			return err
		}

		pendingCount, err := c.pending.ConflictCountTx(ctx, tx, req.SpotID, req.BookingDate, req.StartTime, req.EndTime)
		if err != nil {
			return err
		}
		if pendingCount > 0 {
			return ErrSpotUnavailable
		}

		confirmedCount, err := c.bookings.ConflictCount(ctx, tx, req.SpotID, req.BookingDate, req.StartTime, req.EndTime)
		if err != nil {
			return err
		}
		if confirmedCount > 0 {
			return ErrSpotUnavailable
		}

		_, err = c.pending.StoreTx(ctx, tx, models.PendingBooking{
			ReservationID: reservationID,
			SpotID:        req.SpotID,
			LotID:         req.LotID,
			UserID:        req.UserID,
			BookingDate:   req.BookingDate,
			StartTime:     req.StartTime,
			EndTime:       req.EndTime,
		}, c.pendingBookingTTL)
		return err
	})
	if err != nil {
		return HoldResult{}, err
	}
	return HoldResult{ReservationID: reservationID, Direct: true}, nil
}

// ConfirmRequest describes a payment-confirmed booking to finalize.
type ConfirmRequest struct {
	ReservationID  string
	SpotID         int64
	LotID          int64
	UserID         string
	BookingDate    string
	StartTime      string
	EndTime        string
	AmountCents    int64
	IdempotencyKey string
	Direct         bool
}

// ConfirmResult carries the created booking's id on success.
type ConfirmResult struct {
	BookingID int64
}

// Confirm finalizes a held spot into a confirmed Booking, re-validating the
// lease (or pending row) and re-checking for conflicts inside a locked
// transaction, exactly as original_source's confirm_booking does: lease
// validate -> lock spot -> re-validate lease -> re-validate metadata ->
// re-check I1 -> insert -> clean up lease.
func (c *Coordinator) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	if req.IdempotencyKey != "" {
		if cached, ok, err := c.idemp.Check(ctx, req.IdempotencyKey); err == nil && ok {
			return decodeIdempotentResult(cached)
		}
	}

	var result ConfirmResult
	var confirmErr error

	if req.Direct {
		result, confirmErr = c.confirmDirect(ctx, req)
	} else {
		result, confirmErr = c.confirmLeased(ctx, req)
	}

	if req.IdempotencyKey != "" {
		c.idemp.Store(ctx, req.IdempotencyKey, encodeResult(result, confirmErr))
	}
	return result, confirmErr
}

func (c *Coordinator) confirmLeased(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	current, held, err := c.leases.Inspect(ctx, req.SpotID, req.BookingDate)
	if err != nil {
		if errors.Is(err, cache.ErrUnavailable) {
			c.trip()
		}
		return ConfirmResult{}, err
	}
	if !held {
		return ConfirmResult{}, ErrLeaseNotFound
	}
	if current != req.ReservationID {
		return ConfirmResult{}, ErrLeaseMismatch
	}

	var bookingID int64
	err = c.bookings.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := c.bookings.LockSpot(ctx, tx, req.SpotID); err != nil {
			return err
		}

		currentAfterLock, heldAfterLock, err := c.leases.Inspect(ctx, req.SpotID, req.BookingDate)
		if err != nil {
			return err
		}
		if !heldAfterLock || currentAfterLock != req.ReservationID {
			if renewErr := c.leases.Renew(ctx, req.SpotID, req.BookingDate, req.ReservationID, c.leaseTTL); renewErr != nil {
				return ErrLeaseLost
			}
		}

		meta, err := c.leases.Metadata(ctx, req.ReservationID)
		if err != nil {
			return ErrLeaseMetadataLost
		}
		if meta.UserID != req.UserID || meta.SpotID != req.SpotID {
			return ErrMetadataMismatch
		}

		conflicts, err := c.bookings.ConflictCount(ctx, tx, req.SpotID, req.BookingDate, req.StartTime, req.EndTime)
		if err != nil {
			return err
		}
		if conflicts > 0 {
			return ErrSpotUnavailable
		}

		id, err := c.bookings.Create(ctx, tx, models.Booking{
			ReservationID: req.ReservationID,
			SpotID:        req.SpotID,
			LotID:         req.LotID,
			UserID:        req.UserID,
			BookingDate:   req.BookingDate,
			StartTime:     req.StartTime,
			EndTime:       req.EndTime,
			AmountCents:   req.AmountCents,
			Status:        models.BookingConfirmed,
		})
		if err != nil {
			return err
		}
		bookingID = id
		return nil
	})
	if err != nil {
		return ConfirmResult{}, err
	}

	if err := c.leases.Release(ctx, req.SpotID, req.BookingDate, req.ReservationID); err != nil {
		log.WithError(err).Warn("failed to clean up lease after successful booking")
	}
	return ConfirmResult{BookingID: bookingID}, nil
}

func (c *Coordinator) confirmDirect(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	pendingRow, err := c.pending.Get(ctx, req.ReservationID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return ConfirmResult{}, ErrLeaseNotFound
		}
		return ConfirmResult{}, err
	}
	if pendingRow.UserID != req.UserID || pendingRow.SpotID != req.SpotID {
		return ConfirmResult{}, ErrMetadataMismatch
	}

	var bookingID int64
	err = c.bookings.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := c.bookings.LockSpot(ctx, tx, req.SpotID); err != nil {
			return err
		}
		conflicts, err := c.bookings.ConflictCount(ctx, tx, req.SpotID, req.BookingDate, req.StartTime, req.EndTime)
		if err != nil {
			return err
		}
		if conflicts > 0 {
			return ErrSpotUnavailable
		}
		id, err := c.bookings.Create(ctx, tx, models.Booking{
			ReservationID: req.ReservationID,
			SpotID:        req.SpotID,
			LotID:         req.LotID,
			UserID:        req.UserID,
			BookingDate:   req.BookingDate,
			StartTime:     req.StartTime,
			EndTime:       req.EndTime,
			AmountCents:   req.AmountCents,
			Status:        models.BookingConfirmed,
		})
		if err != nil {
			return err
		}
		bookingID = id
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSpotUnavailable) {
			if delErr := c.pending.Delete(ctx, req.ReservationID); delErr != nil {
				log.WithError(delErr).Warn("failed to clean up pending booking after direct confirm conflict")
			}
		}
		return ConfirmResult{}, err
	}

	if err := c.pending.Delete(ctx, req.ReservationID); err != nil {
		log.WithError(err).Warn("failed to clean up pending booking after direct confirm")
	}
	return ConfirmResult{BookingID: bookingID}, nil
}

// CheckoutRequest describes the payment session to open for a held spot.
type CheckoutRequest struct {
	ReservationID string
	SpotID        int64
	LotID         int64
	UserID        string
	BookingDate   string
	StartTime     string
	EndTime       string
	AmountCents   int64
	SuccessURL    string
	CancelURL     string
	Direct        bool
}

// CreateCheckout opens a payment session for a held spot and, on the leased
// path, marks the lease's metadata paymentContext=true with the session ID
// and extends its TTL to paymentExtendTTL — matching step 5 of the leased
// path ("mark LeaseMetadata with paymentContext=true ... extend its TTL to
// 10 minutes"). The direct path has no lease to mark.
func (c *Coordinator) CreateCheckout(ctx context.Context, req CheckoutRequest) (payment.Session, error) {
	sess, err := c.payments.CreateSession(ctx, payment.SessionRequest{
		ReservationID: req.ReservationID,
		SpotID:        req.SpotID,
		LotID:         req.LotID,
		UserID:        req.UserID,
		BookingDate:   req.BookingDate,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
		AmountCents:   req.AmountCents,
		SuccessURL:    req.SuccessURL,
		CancelURL:     req.CancelURL,
		DirectBooking: req.Direct,
	})
	if err != nil {
		return payment.Session{}, err
	}
	if !req.Direct {
		if err := c.leases.MarkPaymentContext(ctx, req.ReservationID, sess.ID, c.paymentExtendTTL); err != nil {
			log.WithError(err).Warn("failed to mark lease payment context")
		}
	}
	return sess, nil
}

// FailPaymentAndRefund is called from the payment callback path when
// confirmation failed after a charge succeeded: it issues a refund through
// the payment provider and surfaces ErrRefundFailedSupport if that itself
// fails, matching original_source's payment_success refund-on-failure
// branch.
func (c *Coordinator) FailPaymentAndRefund(ctx context.Context, paymentIntentID string) error {
	if err := c.payments.Refund(ctx, paymentIntentID); err != nil {
		log.WithError(err).Error("refund failed, booking requires manual support")
		return ErrRefundFailedSupport
	}
	return nil
}

// CalculatePrice recomputes a booking's amount in cents from the spot's
// hourly rate and the [startTime, endTime) window, mirroring
// original_source's calculate_price: duration in hours times the per-hour
// rate, rounded to the nearest cent, floored at a 50-cent minimum. Both
// times are "HH:MM" on the same calendar day.
func CalculatePrice(startTime, endTime string, pricePerHour float64) (int64, error) {
	start, err := time.Parse("15:04", startTime)
	if err != nil {
		return 0, fmt.Errorf("coordinator: invalid start time %q: %w", startTime, err)
	}
	end, err := time.Parse("15:04", endTime)
	if err != nil {
		return 0, fmt.Errorf("coordinator: invalid end time %q: %w", endTime, err)
	}
	durationHours := end.Sub(start).Hours()
	priceCents := int64(durationHours*pricePerHour*100 + 0.5)
	if priceCents < 50 {
		priceCents = 50
	}
	return priceCents, nil
}

func encodeResult(r ConfirmResult, err error) string {
	if err != nil {
		return "error:" + err.Error()
	}
	return fmt.Sprintf("success:%d", r.BookingID)
}

func decodeIdempotentResult(cached string) (ConfirmResult, error) {
	if len(cached) >= 6 && cached[:6] == "error:" {
		return ConfirmResult{}, errors.New(cached[6:])
	}
	var bookingID int64
	if _, err := fmt.Sscanf(cached, "success:%d", &bookingID); err != nil {
		return ConfirmResult{}, fmt.Errorf("coordinator: malformed idempotent result %q", cached)
	}
	return ConfirmResult{BookingID: bookingID}, nil
}
