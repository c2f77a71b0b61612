package payment

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/refund"

	"github.com/parq/parkingcore/internal/logging"
)

var log = logging.GetLogger("payment/stripe")

// stripeProvider adapts stripe-go's checkout session API to Provider,
// grounded on original_source's create_stripe_session / payment_success
// flow: the same correlation fields (reservation_id, spot_id,
// parking_lot_id, booking_date, start_time, end_time, user_id) travel in
// session metadata.
type stripeProvider struct {
	apiKey string
}

// NewStripeProvider builds a Provider backed by the real Stripe API.
func NewStripeProvider(apiKey string) Provider {
	stripe.Key = apiKey
	return &stripeProvider{apiKey: apiKey}
}

func (p *stripeProvider) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	metadata := map[string]string{
		"reservation_id": req.ReservationID,
		"spot_id":        fmt.Sprintf("%d", req.SpotID),
		"parking_lot_id": fmt.Sprintf("%d", req.LotID),
		"booking_date":   req.BookingDate,
		"start_time":     req.StartTime,
		"end_time":       req.EndTime,
		"user_id":        req.UserID,
	}
	if req.DirectBooking {
		metadata["direct_booking"] = "true"
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(string(stripe.CurrencyUSD)),
					UnitAmount: stripe.Int64(req.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("Parking spot %d reservation", req.SpotID)),
					},
				},
			},
		},
		Metadata: metadata,
	}
	params.Context = ctx

	sess, err := session.New(params)
	if err != nil {
		log.WithError(err).Error("failed to create stripe checkout session")
		return Session{}, fmt.Errorf("payment: create session: %w", err)
	}
	return toSession(sess), nil
}

func (p *stripeProvider) RetrieveSession(ctx context.Context, sessionID string) (Session, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := session.Get(sessionID, params)
	if err != nil {
		return Session{}, fmt.Errorf("payment: retrieve session: %w", err)
	}
	return toSession(sess), nil
}

func (p *stripeProvider) Refund(ctx context.Context, paymentIntentID string) error {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(paymentIntentID)}
	params.Context = ctx
	if _, err := refund.New(params); err != nil {
		log.WithError(err).Error("refund failed")
		return fmt.Errorf("payment: refund: %w", err)
	}
	return nil
}

func toSession(sess *stripe.CheckoutSession) Session {
	out := Session{
		ID:            sess.ID,
		URL:           sess.URL,
		PaymentStatus: string(sess.PaymentStatus),
		AmountCents:   sess.AmountTotal,
		Metadata:      sess.Metadata,
	}
	if sess.PaymentIntent != nil {
		out.PaymentIntentID = sess.PaymentIntent.ID
	}
	return out
}
