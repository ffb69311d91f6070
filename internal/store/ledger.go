package store

import (
	"context"
	"database/sql"
	"fmt"

	"packforge/internal/logging"
	"packforge/internal/types"
)

// JobLevelChunk is the chunk id used for debits that cover a whole job
// rather than a single chunk.
const JobLevelChunk = -1

// Ledger tracks per-user processing credits. Debits key on
// (job id, chunk id), so a retried stage transition re-issuing the same
// debit is a no-op and reconnects can never double-charge.
type Ledger struct {
	s *Store
}

// GetBalance returns a user's balance, zero-valued if never funded.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*types.CreditBalance, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	bal := &types.CreditBalance{UserID: userID}
	err := l.s.db.QueryRowContext(ctx,
		`SELECT credits, unlimited FROM credit_balances WHERE user_id = ?`, userID).
		Scan(&bal.Credits, &bal.Unlimited)
	if err == sql.ErrNoRows {
		return bal, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	return bal, nil
}

// Grant adds credits to a user's balance (top-up, admin seeding).
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64) error {
	if amount < 0 {
		return types.Validationf("grant amount must be non-negative")
	}
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	_, err := l.s.db.ExecContext(ctx, `
		INSERT INTO credit_balances (user_id, credits) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET credits = credits + excluded.credits`,
		userID, amount)
	if err != nil {
		return fmt.Errorf("failed to grant credits: %w", err)
	}
	logging.Credits("grant user=%s amount=%d", userID, amount)
	return nil
}

// SetUnlimited flips the unlimited-plan flag for a user.
func (l *Ledger) SetUnlimited(ctx context.Context, userID string, unlimited bool) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	_, err := l.s.db.ExecContext(ctx, `
		INSERT INTO credit_balances (user_id, credits, unlimited) VALUES (?, 0, ?)
		ON CONFLICT(user_id) DO UPDATE SET unlimited = excluded.unlimited`,
		userID, unlimited)
	return err
}

// CheckAffordable reports whether the user can cover cost. Read-only.
func (l *Ledger) CheckAffordable(ctx context.Context, userID string, cost int64) (bool, error) {
	bal, err := l.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return bal.Unlimited || bal.Credits >= cost, nil
}

// Debit charges the user for one chunk of one job, exactly once. A second
// call with the same (jobID, chunkID) returns the prior outcome without
// touching the balance. Unlimited-plan debits are recorded for audit but
// do not reduce the balance.
func (l *Ledger) Debit(ctx context.Context, userID, jobID string, chunkID int, cost int64) error {
	if cost < 0 {
		return types.Validationf("debit cost must be non-negative")
	}

	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	tx, err := l.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin debit: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO ledger_entries (job_id, chunk_id, user_id, amount, kind)
		VALUES (?, ?, ?, ?, 'debit')`,
		jobID, chunkID, userID, cost)
	if err != nil {
		return fmt.Errorf("failed to record debit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already debited for this chunk; idempotent no-op.
		logging.Credits("debit job=%s chunk=%d user=%s amount=%d (duplicate, ignored)", jobID, chunkID, userID, cost)
		return nil
	}

	var unlimited bool
	err = tx.QueryRowContext(ctx,
		`SELECT unlimited FROM credit_balances WHERE user_id = ?`, userID).Scan(&unlimited)
	if err == sql.ErrNoRows {
		return types.ErrInsufficientCredits
	}
	if err != nil {
		return fmt.Errorf("failed to read balance: %w", err)
	}

	if !unlimited {
		res, err = tx.ExecContext(ctx, `
			UPDATE credit_balances SET credits = credits - ?
			WHERE user_id = ? AND credits >= ?`,
			cost, userID, cost)
		if err != nil {
			return fmt.Errorf("failed to debit balance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.ErrInsufficientCredits
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit debit: %w", err)
	}
	logging.Credits("debit job=%s chunk=%d user=%s amount=%d", jobID, chunkID, userID, cost)
	return nil
}

// RefundChunk reverses a prior debit for one chunk. Refunds never exceed
// the prior debit: the refund row shares the debit's key, so a repeat
// refund is a no-op, and a refund without a matching debit does nothing.
func (l *Ledger) RefundChunk(ctx context.Context, userID, jobID string, chunkID int) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return l.refundChunkLocked(ctx, userID, jobID, chunkID)
}

func (l *Ledger) refundChunkLocked(ctx context.Context, userID, jobID string, chunkID int) error {
	tx, err := l.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin refund: %w", err)
	}
	defer tx.Rollback()

	var amount int64
	err = tx.QueryRowContext(ctx, `
		SELECT amount FROM ledger_entries
		WHERE job_id = ? AND chunk_id = ? AND kind = 'debit'`,
		jobID, chunkID).Scan(&amount)
	if err == sql.ErrNoRows {
		return nil // nothing was debited
	}
	if err != nil {
		return fmt.Errorf("failed to look up debit: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO ledger_entries (job_id, chunk_id, user_id, amount, kind)
		VALUES (?, ?, ?, ?, 'refund')`,
		jobID, chunkID, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to record refund: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // already refunded
	}

	var unlimited bool
	if err := tx.QueryRowContext(ctx,
		`SELECT unlimited FROM credit_balances WHERE user_id = ?`, userID).Scan(&unlimited); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read balance: %w", err)
	}
	if !unlimited {
		if _, err := tx.ExecContext(ctx, `
			UPDATE credit_balances SET credits = credits + ? WHERE user_id = ?`,
			amount, userID); err != nil {
			return fmt.Errorf("failed to refund balance: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit refund: %w", err)
	}
	logging.Credits("refund job=%s chunk=%d user=%s amount=%d", jobID, chunkID, userID, amount)
	return nil
}

// RefundJob reverses every debit for a job except the chunks listed in
// keep. Used when a paid stage fails: completed chunks stay billed, the
// rest is returned.
func (l *Ledger) RefundJob(ctx context.Context, userID, jobID string, keep map[int]bool) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	rows, err := l.s.db.QueryContext(ctx, `
		SELECT chunk_id FROM ledger_entries
		WHERE job_id = ? AND kind = 'debit'`, jobID)
	if err != nil {
		return fmt.Errorf("failed to list debits: %w", err)
	}
	var chunkIDs []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		chunkIDs = append(chunkIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range chunkIDs {
		if keep[id] {
			continue
		}
		if err := l.refundChunkLocked(ctx, userID, jobID, id); err != nil {
			return err
		}
	}
	return nil
}

// DebitedTotal returns the net amount currently charged against a job.
func (l *Ledger) DebitedTotal(ctx context.Context, jobID string) (int64, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	var total sql.NullInt64
	err := l.s.db.QueryRowContext(ctx, `
		SELECT SUM(CASE kind WHEN 'debit' THEN amount ELSE -amount END)
		FROM ledger_entries WHERE job_id = ?`, jobID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger: %w", err)
	}
	return total.Int64, nil
}
