package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// ErrIntentNotFound is returned when the gateway has no such payment intent
var ErrIntentNotFound = errors.New("payment intent not found")

// Intent is the gateway's view of a payment intent
type Intent struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Gateway looks up payment intents
type Gateway interface {
	GetIntent(ctx context.Context, intentID string) (*Intent, error)
}

// StripeGateway reads payment intents from Stripe
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway creates a gateway bound to secretKey
func NewStripeGateway(secretKey string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api}
}

// GetIntent fetches the intent from Stripe
func (g *StripeGateway) GetIntent(ctx context.Context, intentID string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) &&
			(stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == http.StatusNotFound) {
			return nil, ErrIntentNotFound
		}
		return nil, fmt.Errorf("failed to retrieve payment intent: %w", err)
	}

	return &Intent{
		ID:       pi.ID,
		Status:   string(pi.Status),
		Amount:   pi.Amount,
		Currency: string(pi.Currency),
	}, nil
}
