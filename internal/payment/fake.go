package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrRefundFailed is returned by FakeProvider.Refund when configured to
// fail, so tests can exercise the coordinator's terminal "contact support"
// outcome.
var ErrRefundFailed = errors.New("payment: refund failed")

// FakeProvider is an in-memory Provider for coordinator tests, standing in
// for the real Stripe adapter the way internal/cache's fakeClient stands in
// for Redis.
type FakeProvider struct {
	mu           sync.Mutex
	sessions     map[string]Session
	refundsFail  bool
	refundCalls  []string
	paidOnCreate bool
}

// NewFakeProvider returns an empty FakeProvider. If paidOnCreate is true,
// sessions are created already in a "paid" state (for direct-confirm tests);
// otherwise PaymentStatus starts "unpaid" until MarkPaid is called.
func NewFakeProvider(paidOnCreate bool) *FakeProvider {
	return &FakeProvider{sessions: make(map[string]Session), paidOnCreate: paidOnCreate}
}

func (f *FakeProvider) SetRefundsFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundsFail = fail
}

func (f *FakeProvider) RefundCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.refundCalls))
	copy(out, f.refundCalls)
	return out
}

func (f *FakeProvider) MarkPaid(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[sessionID]
	s.PaymentStatus = "paid"
	f.sessions[sessionID] = s
}

func (f *FakeProvider) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	status := "unpaid"
	if f.paidOnCreate {
		status = "paid"
	}
	id := "cs_test_" + uuid.NewString()
	sess := Session{
		ID:              id,
		URL:             "https://checkout.stripe.test/" + id,
		PaymentStatus:   status,
		PaymentIntentID: "pi_" + uuid.NewString(),
		AmountCents:     req.AmountCents,
		Metadata: map[string]string{
			"reservation_id": req.ReservationID,
			"spot_id":        fmt.Sprintf("%d", req.SpotID),
			"parking_lot_id": fmt.Sprintf("%d", req.LotID),
			"booking_date":   req.BookingDate,
			"start_time":     req.StartTime,
			"end_time":       req.EndTime,
			"user_id":        req.UserID,
		},
	}
	if req.DirectBooking {
		sess.Metadata["direct_booking"] = "true"
	}
	f.sessions[id] = sess
	return sess, nil
}

func (f *FakeProvider) RetrieveSession(ctx context.Context, sessionID string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("payment: session %s not found", sessionID)
	}
	return sess, nil
}

func (f *FakeProvider) Refund(ctx context.Context, paymentIntentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundCalls = append(f.refundCalls, paymentIntentID)
	if f.refundsFail {
		return ErrRefundFailed
	}
	return nil
}
