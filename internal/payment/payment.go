// Package payment abstracts the payment provider the coordinator confirms
// bookings against. The provider's own implementation (card handling,
// webhooks, PCI concerns) is out of scope; this package only defines and
// adapts the thin contract the coordinator calls through.
package payment

import "context"

// SessionRequest describes a checkout session to create, carrying the
// correlation metadata the coordinator needs back on confirm/refund.
type SessionRequest struct {
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
	DirectBooking bool
}

// Session is the result of creating a checkout session.
type Session struct {
	ID              string
	URL             string
	PaymentStatus   string
	PaymentIntentID string
	AmountCents     int64
	Metadata        map[string]string
}

// Provider is the payment-provider contract the coordinator depends on.
// CreateSession opens a new checkout session; RetrieveSession looks one up
// by ID (e.g. from a success-redirect callback); Refund reverses a captured
// payment when confirmation fails after the charge succeeded.
type Provider interface {
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	RetrieveSession(ctx context.Context, sessionID string) (Session, error)
	Refund(ctx context.Context, paymentIntentID string) error
}
