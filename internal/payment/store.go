package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists invoice payments
type Store interface {
	// GetByIntent returns ErrPaymentNotFound for intents of other users
	GetByIntent(ctx context.Context, userID uuid.UUID, intentID string) (*models.Payment, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.PaymentStatus, paidAt *time.Time) (*models.Payment, error)
}

// PgStore implements Store on Postgres
type PgStore struct {
	db *pgxpool.Pool
}

// NewPgStore creates a Postgres-backed payment store
func NewPgStore(db *pgxpool.Pool) *PgStore {
	return &PgStore{db: db}
}

// GetByIntent loads userID's payment created for a Stripe payment intent
func (s *PgStore) GetByIntent(ctx context.Context, userID uuid.UUID, intentID string) (*models.Payment, error) {
	var p models.Payment
	err := p.ScanFrom(s.db.QueryRow(ctx, `
		SELECT `+models.PaymentColumns+`
		FROM payments
		WHERE stripe_payment_intent_id = $1 AND user_id = $2
	`, intentID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &p, nil
}

// UpdateStatus stores the mapped status; paid_at is only set once
func (s *PgStore) UpdateStatus(ctx context.Context, id uuid.UUID, status models.PaymentStatus, paidAt *time.Time) (*models.Payment, error) {
	var p models.Payment
	err := p.ScanFrom(s.db.QueryRow(ctx, `
		UPDATE payments
		SET status = $2, paid_at = COALESCE(paid_at, $3), updated_at = NOW()
		WHERE id = $1
		RETURNING `+models.PaymentColumns,
		id, status, paidAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update payment: %w", err)
	}
	return &p, nil
}
