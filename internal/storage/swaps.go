// Package storage - Swap persistence for the bridge engine.
// This file implements swap.Repository on SQLite with compare-and-swap
// status updates.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/klingon-exchange/klingon-bridge/internal/swap"
)

var _ swap.Repository = (*Storage)(nil)

const swapColumns = `id, user_id, from_chain, to_chain, direction, amount, recipient, status,
	quantum_key_id, correlation_key, source_tx_hash, destination_tx_hash, failure_reason,
	metadata, created_at, updated_at, expires_at, completed_at`

// Create stores a new swap.
func (s *Storage) Create(ctx context.Context, sw *swap.SwapOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := encodeMetadata(sw.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO swaps (` + swapColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		sw.ID,
		sw.UserID,
		sw.FromChain,
		sw.ToChain,
		string(sw.Direction),
		int64(sw.Amount),
		sw.Recipient,
		string(sw.Status),
		nullString(sw.QuantumKeyID),
		nullString(sw.CorrelationKey),
		nullString(sw.SourceTxHash),
		nullString(sw.DestinationTxHash),
		nullString(sw.FailureReason),
		meta,
		sw.CreatedAt.UnixMilli(),
		sw.UpdatedAt.UnixMilli(),
		sw.ExpiresAt.UnixMilli(),
		timeToMilliOrNull(sw.CompletedAt),
	)
	switch {
	case isUniqueConstraintError(err, "correlation_key"):
		return swap.ErrDuplicateCorrelationKey
	case isUniqueConstraintError(err, "swaps.id"):
		return fmt.Errorf("swap %s already exists", sw.ID)
	case err != nil:
		return fmt.Errorf("failed to insert swap: %w", err)
	}
	return nil
}

// GetByID retrieves a swap by id.
func (s *Storage) GetByID(ctx context.Context, id string) (*swap.SwapOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+swapColumns+` FROM swaps WHERE id = ?`, id)
	return scanSwap(row)
}

// GetByCorrelationKey returns the live swap holding key, or the most
// recent one that used it.
func (s *Storage) GetByCorrelationKey(ctx context.Context, key string) (*swap.SwapOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + swapColumns + `
		FROM swaps
		WHERE correlation_key = ?
		ORDER BY CASE WHEN status IN ('completed', 'failed', 'manual_review') THEN 1 ELSE 0 END,
			created_at DESC
		LIMIT 1
	`
	return scanSwap(s.db.QueryRowContext(ctx, query, key))
}

// CompareAndSwapStatus applies upd if the swap is still in expected.
func (s *Storage) CompareAndSwapStatus(ctx context.Context, id string, expected swap.Status, upd swap.StatusUpdate) (*swap.SwapOperation, error) {
	if err := swap.ValidateUpdate(expected, upd); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanSwap(tx.QueryRowContext(ctx, `SELECT `+swapColumns+` FROM swaps WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	next, err := swap.ApplyUpdate(cur, expected, upd)
	if err != nil {
		return nil, err
	}
	meta, err := encodeMetadata(next.Metadata)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE swaps
		SET status = ?, quantum_key_id = ?, correlation_key = ?,
			source_tx_hash = ?, destination_tx_hash = ?, failure_reason = ?,
			metadata = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`
	result, err := tx.ExecContext(ctx, query,
		string(next.Status),
		nullString(next.QuantumKeyID),
		nullString(next.CorrelationKey),
		nullString(next.SourceTxHash),
		nullString(next.DestinationTxHash),
		nullString(next.FailureReason),
		meta,
		next.UpdatedAt.UnixMilli(),
		timeToMilliOrNull(next.CompletedAt),
		id,
		string(expected),
	)
	if isUniqueConstraintError(err, "correlation_key") {
		return nil, swap.ErrDuplicateCorrelationKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update swap: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, swap.ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit swap update: %w", err)
	}
	return next, nil
}

// ListExpiredPending returns Pending swaps past expiry, earliest first.
// Swaps with and without a submitted source lock are listed separately.
func (s *Storage) ListExpiredPending(ctx context.Context, q swap.ExpiryQuery) ([]*swap.SwapOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lock := "source_tx_hash IS NULL"
	if q.LockSubmitted {
		lock = "source_tx_hash IS NOT NULL"
	}
	query := `
		SELECT ` + swapColumns + `
		FROM swaps
		WHERE status = 'pending' AND expires_at <= ? AND ` + lock + `
		ORDER BY expires_at ASC
	`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, q.Before.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSwaps(rows)
}

// List returns swaps matching filter, newest first.
func (s *Storage) List(ctx context.Context, filter swap.ListFilter) ([]*swap.SwapOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, string(filter.Direction))
	}

	query := `SELECT ` + swapColumns + ` FROM swaps`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSwaps(rows)
}

// SwapCount returns the number of swaps in each status.
func (s *Storage) SwapCount(ctx context.Context) (map[swap.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM swaps GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[swap.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[swap.Status(status)] = n
	}
	return counts, rows.Err()
}

// Helper functions

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSwap(row rowScanner) (*swap.SwapOperation, error) {
	var sw swap.SwapOperation
	var direction, status, meta string
	var amount int64
	var quantumKeyID, correlationKey, sourceTx, destTx, failureReason sql.NullString
	var createdAt, updatedAt, expiresAt int64
	var completedAt sql.NullInt64

	err := row.Scan(
		&sw.ID,
		&sw.UserID,
		&sw.FromChain,
		&sw.ToChain,
		&direction,
		&amount,
		&sw.Recipient,
		&status,
		&quantumKeyID,
		&correlationKey,
		&sourceTx,
		&destTx,
		&failureReason,
		&meta,
		&createdAt,
		&updatedAt,
		&expiresAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, swap.ErrNotFound
		}
		return nil, err
	}

	sw.Direction = swap.Direction(direction)
	sw.Status = swap.Status(status)
	sw.Amount = uint64(amount)
	sw.QuantumKeyID = quantumKeyID.String
	sw.CorrelationKey = correlationKey.String
	sw.SourceTxHash = sourceTx.String
	sw.DestinationTxHash = destTx.String
	sw.FailureReason = failureReason.String

	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &sw.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of swap %s: %w", sw.ID, err)
		}
	}

	sw.CreatedAt = time.UnixMilli(createdAt).UTC()
	sw.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	sw.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	if completedAt.Valid {
		sw.CompletedAt = time.UnixMilli(completedAt.Int64).UTC()
	}

	return &sw, nil
}

func scanSwaps(rows *sql.Rows) ([]*swap.SwapOperation, error) {
	var swaps []*swap.SwapOperation
	for rows.Next() {
		sw, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, sw)
	}
	return swaps, rows.Err()
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(b), nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func timeToMilliOrNull(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
