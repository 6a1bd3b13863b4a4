package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus represents the internal status of an invoice payment
type PaymentStatus string

const (
	PaymentStatusSucceeded  PaymentStatus = "succeeded"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
	PaymentStatusFailed     PaymentStatus = "failed"
)

// Payment represents an invoice payment collected through Stripe
type Payment struct {
	ID                    uuid.UUID       `json:"id" db:"id"`
	UserID                uuid.UUID       `json:"userId" db:"user_id"`
	InvoiceID             *uuid.UUID      `json:"invoiceId,omitempty" db:"invoice_id"`
	Amount                decimal.Decimal `json:"amount" db:"amount"`
	Currency              string          `json:"currency" db:"currency"`
	StripePaymentIntentID string          `json:"stripePaymentIntentId" db:"stripe_payment_intent_id"`
	Status                PaymentStatus   `json:"status" db:"status"`
	PaidAt                *time.Time      `json:"paidAt,omitempty" db:"paid_at"`
	CreatedAt             time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt             time.Time       `json:"updatedAt" db:"updated_at"`
}

// PaymentColumns lists columns in the order ScanFrom expects
const PaymentColumns = `id, user_id, invoice_id, amount, currency, stripe_payment_intent_id, status,
	paid_at, created_at, updated_at`

// ScanFrom maps a payments row onto p
func (p *Payment) ScanFrom(row Scanner) error {
	return row.Scan(
		&p.ID, &p.UserID, &p.InvoiceID, &p.Amount, &p.Currency, &p.StripePaymentIntentID, &p.Status,
		&p.PaidAt, &p.CreatedAt, &p.UpdatedAt,
	)
}
