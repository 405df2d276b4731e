package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const reservationColumns = `token, user_id, amount, final_amount, provider, model, feature,
status, created_at, resolved_at`

// Reserve places a hold of amount credits for userID under the idempotency
// token. A duplicate reserve for a known token is a no-op success, so retried
// callers cannot double-charge. Runs as one transaction: insert the
// reservation, then conditionally debit the balance.
func (s *Store) Reserve(ctx context.Context, token, userID string, amount int64, provider, model, feature string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
INSERT INTO credit_reservations (token, user_id, amount, provider, model, feature, status)
VALUES ($1, $2, $3, $4, $5, $6, 'reserved')
ON CONFLICT (token) DO NOTHING;
`, token, userID, amount, provider, model, feature)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Token already known: reserved, committed or released. Idempotent.
		return nil
	}

	tag, err = tx.Exec(ctx, `
UPDATE credit_balances
SET balance = balance - $2
WHERE user_id = $1 AND balance >= $2;
`, userID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientCredits
	}

	return tx.Commit(ctx)
}

// Commit settles a reservation. When finalAmount is non-nil the balance is
// adjusted by the difference against the original hold, so streamed
// operations settle at true usage. Committing an already-resolved token is a
// no-op.
func (s *Store) Commit(ctx context.Context, token string, finalAmount *int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var userID string
	var reserved, settled int64
	err = tx.QueryRow(ctx, `
UPDATE credit_reservations
SET status = 'committed',
    final_amount = COALESCE($2, amount),
    resolved_at = now()
WHERE token = $1 AND status = 'reserved'
RETURNING user_id, amount, final_amount;
`, token, finalAmount).Scan(&userID, &reserved, &settled)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.resolveTerminalNoop(ctx, token)
	}
	if err != nil {
		return err
	}

	if diff := reserved - settled; diff != 0 {
		// Positive diff refunds the over-estimate; negative charges the
		// shortfall. Commit never fails on balance, the work already ran.
		if _, err := tx.Exec(ctx, `
UPDATE credit_balances SET balance = balance + $2 WHERE user_id = $1;
`, userID, diff); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// Release refunds the full reserved amount. Releasing an already-resolved
// token is a no-op.
func (s *Store) Release(ctx context.Context, token string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var userID string
	var reserved int64
	err = tx.QueryRow(ctx, `
UPDATE credit_reservations
SET status = 'released', resolved_at = now()
WHERE token = $1 AND status = 'reserved'
RETURNING user_id, amount;
`, token).Scan(&userID, &reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.resolveTerminalNoop(ctx, token)
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
UPDATE credit_balances SET balance = balance + $2 WHERE user_id = $1;
`, userID, reserved); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// StaleReservations lists open holds created before cutoff, oldest first.
// These are reservations whose owning process never settled them: a crash
// between reserve and settlement, or a settler that gave up retrying.
func (s *Store) StaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]Reservation, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+reservationColumns+` FROM credit_reservations
WHERE status = 'reserved' AND created_at < $1
ORDER BY created_at
LIMIT $2;
`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(
			&r.Token, &r.UserID, &r.Amount, &r.FinalAmount, &r.Provider, &r.Model,
			&r.Feature, &r.Status, &r.CreatedAt, &r.ResolvedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetReservation(ctx context.Context, token string) (*Reservation, error) {
	var r Reservation
	err := s.db.QueryRow(ctx, `
SELECT `+reservationColumns+` FROM credit_reservations WHERE token = $1;
`, token).Scan(
		&r.Token, &r.UserID, &r.Amount, &r.FinalAmount, &r.Provider, &r.Model,
		&r.Feature, &r.Status, &r.CreatedAt, &r.ResolvedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// AddCredits tops up a user's available balance, creating the account row on
// first use.
func (s *Store) AddCredits(ctx context.Context, userID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("amount must be >= 0")
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO credit_balances (user_id, balance)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET balance = credit_balances.balance + EXCLUDED.balance;
`, userID, amount)
	return err
}

func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx, `
SELECT balance FROM credit_balances WHERE user_id = $1;
`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return balance, err
}

// resolveTerminalNoop distinguishes "token already settled" (fine) from
// "token never reserved" (caller bug).
func (s *Store) resolveTerminalNoop(ctx context.Context, token string) error {
	if _, err := s.GetReservation(ctx, token); err != nil {
		return err
	}
	return nil
}
