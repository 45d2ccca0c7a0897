package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openmates/orchestrator-core/internal/pipelineerr"
)

// ErrInsufficientCredits is returned by Reserve when the user's available
// balance (credit_balance - reserved_balance) is below the requested
// amount.
var ErrInsufficientCredits = errors.New("repo: insufficient credits")

// Reserve implements orchestrator.CreditLedger. It runs inside a
// transaction that locks the user's profile row with SELECT ... FOR
// UPDATE, per spec.md §5's "credits must be decremented under a per-user
// critical section to avoid double-spend" — Postgres's row lock is that
// critical section, scoped per user_id rather than a process-wide mutex so
// concurrent tasks for different users never contend.
func (r *Repo) Reserve(ctx context.Context, userID string, amount float64) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	var balance, reserved float64
	row := tx.QueryRow(ctx, `SELECT credit_balance, reserved_balance FROM user_profiles WHERE user_id = $1 FOR UPDATE`, userID)
	if err := row.Scan(&balance, &reserved); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", pipelineerr.New(pipelineerr.KindInsufficientCredits, ErrInsufficientCredits, "no profile for user")
		}
		return "", err
	}
	if balance-reserved < amount {
		return "", pipelineerr.New(pipelineerr.KindInsufficientCredits, ErrInsufficientCredits, "balance below reservation amount")
	}

	reservationID := uuid.NewString()
	if _, err := tx.Exec(ctx, `UPDATE user_profiles SET reserved_balance = reserved_balance + $2 WHERE user_id = $1`, userID, amount); err != nil {
		return "", err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO credit_reservations (id, user_id, amount) VALUES ($1, $2, $3)`, reservationID, userID, amount); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return reservationID, nil
}

// Settle implements orchestrator.CreditLedger: releases the reservation
// and debits the actual amount from the balance in one transaction.
func (r *Repo) Settle(ctx context.Context, userID, reservationID string, actual float64) error {
	return r.closeReservation(ctx, userID, reservationID, func(tx pgx.Tx, reserved float64) error {
		_, err := tx.Exec(ctx, `
UPDATE user_profiles
SET credit_balance = credit_balance - $2,
    reserved_balance = reserved_balance - $3
WHERE user_id = $1`, userID, actual, reserved)
		return err
	})
}

// Refund implements orchestrator.CreditLedger: releases the reservation
// without debiting anything.
func (r *Repo) Refund(ctx context.Context, userID, reservationID string) error {
	return r.closeReservation(ctx, userID, reservationID, func(tx pgx.Tx, reserved float64) error {
		_, err := tx.Exec(ctx, `UPDATE user_profiles SET reserved_balance = reserved_balance - $2 WHERE user_id = $1`, userID, reserved)
		return err
	})
}

func (r *Repo) closeReservation(ctx context.Context, userID, reservationID string, apply func(tx pgx.Tx, reserved float64) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var reserved float64
	row := tx.QueryRow(ctx, `SELECT amount FROM credit_reservations WHERE id = $1 AND user_id = $2`, reservationID, userID)
	if err := row.Scan(&reserved); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("repo: reservation %s not found for user", reservationID)
		}
		return err
	}

	if _, err := tx.Exec(ctx, `SELECT credit_balance, reserved_balance FROM user_profiles WHERE user_id = $1 FOR UPDATE`, userID); err != nil {
		return err
	}
	if err := apply(tx, reserved); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM credit_reservations WHERE id = $1`, reservationID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
