package postgres

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/klingon-exchange/klingon-bridge/internal/swap"
)

const correlationIndex = "idx_swaps_correlation_active"

const swapColumns = `id, user_id, from_chain, to_chain, direction, amount, recipient, status,
	quantum_key_id, correlation_key, source_tx_hash, destination_tx_hash, failure_reason,
	metadata, created_at, updated_at, expires_at, completed_at`

// SwapStore implements swap.Repository using PostgreSQL.
type SwapStore struct {
	pool *Pool
}

// NewSwapStore creates a new SwapStore.
func NewSwapStore(pool *Pool) *SwapStore {
	return &SwapStore{pool: pool}
}

// Compile-time interface check.
var _ swap.Repository = (*SwapStore)(nil)

// Create inserts a new swap.
func (s *SwapStore) Create(ctx context.Context, sw *swap.SwapOperation) error {
	query := `
		INSERT INTO swaps (` + swapColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err := s.pool.Exec(ctx, query,
		sw.ID,
		sw.UserID,
		sw.FromChain,
		sw.ToChain,
		string(sw.Direction),
		amountValue(sw.Amount),
		sw.Recipient,
		string(sw.Status),
		nullable(sw.QuantumKeyID),
		nullable(sw.CorrelationKey),
		nullable(sw.SourceTxHash),
		nullable(sw.DestinationTxHash),
		nullable(sw.FailureReason),
		metadata(sw.Metadata),
		sw.CreatedAt,
		sw.UpdatedAt,
		sw.ExpiresAt,
		nullableTime(sw.CompletedAt),
	)
	if err != nil {
		if isDuplicateKeyError(err, correlationIndex) {
			return swap.ErrDuplicateCorrelationKey
		}
		if isDuplicateKeyError(err, "") {
			return fmt.Errorf("swap %s already exists", sw.ID)
		}
		return fmt.Errorf("insert swap: %w", err)
	}
	return nil
}

// GetByID retrieves a swap by id.
func (s *SwapStore) GetByID(ctx context.Context, id string) (*swap.SwapOperation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+swapColumns+` FROM swaps WHERE id = $1`, id)
	return scanSwap(row)
}

// GetByCorrelationKey returns the live holder of key, or the most recent
// swap that used it.
func (s *SwapStore) GetByCorrelationKey(ctx context.Context, key string) (*swap.SwapOperation, error) {
	query := `
		SELECT ` + swapColumns + `
		FROM swaps
		WHERE correlation_key = $1
		ORDER BY (status IN ('completed', 'failed', 'manual_review')) ASC, created_at DESC
		LIMIT 1
	`
	return scanSwap(s.pool.QueryRow(ctx, query, key))
}

// CompareAndSwapStatus applies upd if the swap is still in expected. The
// row is locked for the duration of the check.
func (s *SwapStore) CompareAndSwapStatus(ctx context.Context, id string, expected swap.Status, upd swap.StatusUpdate) (*swap.SwapOperation, error) {
	if err := swap.ValidateUpdate(expected, upd); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cur, err := scanSwap(tx.QueryRow(ctx, `SELECT `+swapColumns+` FROM swaps WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	next, err := swap.ApplyUpdate(cur, expected, upd)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE swaps
		SET status = $1, quantum_key_id = $2, correlation_key = $3,
			source_tx_hash = $4, destination_tx_hash = $5, failure_reason = $6,
			metadata = $7, updated_at = $8, completed_at = $9
		WHERE id = $10 AND status = $11
	`
	tag, err := tx.Exec(ctx, query,
		string(next.Status),
		nullable(next.QuantumKeyID),
		nullable(next.CorrelationKey),
		nullable(next.SourceTxHash),
		nullable(next.DestinationTxHash),
		nullable(next.FailureReason),
		metadata(next.Metadata),
		next.UpdatedAt,
		nullableTime(next.CompletedAt),
		id,
		string(expected),
	)
	if err != nil {
		if isDuplicateKeyError(err, correlationIndex) {
			return nil, swap.ErrDuplicateCorrelationKey
		}
		return nil, fmt.Errorf("update swap: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, swap.ErrConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return next, nil
}

// ListExpiredPending returns Pending swaps past expiry, earliest first.
func (s *SwapStore) ListExpiredPending(ctx context.Context, q swap.ExpiryQuery) ([]*swap.SwapOperation, error) {
	lock := "source_tx_hash IS NULL"
	if q.LockSubmitted {
		lock = "source_tx_hash IS NOT NULL"
	}
	query := `
		SELECT ` + swapColumns + `
		FROM swaps
		WHERE status = 'pending' AND expires_at <= $1 AND ` + lock + `
		ORDER BY expires_at ASC
	`
	args := []any{q.Before}
	if q.Limit > 0 {
		query += " LIMIT $2"
		args = append(args, q.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list expired swaps: %w", err)
	}
	defer rows.Close()

	return scanSwaps(rows)
}

// List returns swaps matching filter, newest first.
func (s *SwapStore) List(ctx context.Context, filter swap.ListFilter) ([]*swap.SwapOperation, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Direction != "" {
		args = append(args, string(filter.Direction))
		where = append(where, fmt.Sprintf("direction = $%d", len(args)))
	}

	query := `SELECT ` + swapColumns + ` FROM swaps`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list swaps: %w", err)
	}
	defer rows.Close()

	return scanSwaps(rows)
}

func scanSwap(row pgx.Row) (*swap.SwapOperation, error) {
	var sw swap.SwapOperation
	var direction, status string
	var amount pgtype.Numeric
	var quantumKeyID, correlationKey, sourceTx, destTx, failureReason *string
	var completedAt *time.Time

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
		&sw.Metadata,
		&sw.CreatedAt,
		&sw.UpdatedAt,
		&sw.ExpiresAt,
		&completedAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, swap.ErrNotFound
		}
		return nil, fmt.Errorf("scan swap: %w", err)
	}

	sw.Direction = swap.Direction(direction)
	sw.Status = swap.Status(status)
	if sw.Amount, err = amountFromNumeric(amount); err != nil {
		return nil, fmt.Errorf("scan swap %s: %w", sw.ID, err)
	}
	sw.QuantumKeyID = deref(quantumKeyID)
	sw.CorrelationKey = deref(correlationKey)
	sw.SourceTxHash = deref(sourceTx)
	sw.DestinationTxHash = deref(destTx)
	sw.FailureReason = deref(failureReason)
	if len(sw.Metadata) == 0 {
		sw.Metadata = nil
	}

	sw.CreatedAt = sw.CreatedAt.UTC()
	sw.UpdatedAt = sw.UpdatedAt.UTC()
	sw.ExpiresAt = sw.ExpiresAt.UTC()
	if completedAt != nil {
		sw.CompletedAt = completedAt.UTC()
	}
	return &sw, nil
}

func scanSwaps(rows pgx.Rows) ([]*swap.SwapOperation, error) {
	var swaps []*swap.SwapOperation
	for rows.Next() {
		sw, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, sw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate swaps: %w", err)
	}
	return swaps, nil
}

func amountValue(v uint64) pgtype.Numeric {
	return pgtype.Numeric{Int: new(big.Int).SetUint64(v), Valid: true}
}

func amountFromNumeric(n pgtype.Numeric) (uint64, error) {
	if !n.Valid || n.NaN || n.InfinityModifier != pgtype.Finite {
		return 0, fmt.Errorf("amount is not a finite number")
	}
	v := new(big.Int).Set(n.Int)
	ten := big.NewInt(10)
	switch {
	case n.Exp > 0:
		v.Mul(v, new(big.Int).Exp(ten, big.NewInt(int64(n.Exp)), nil))
	case n.Exp < 0:
		v.Quo(v, new(big.Int).Exp(ten, big.NewInt(int64(-n.Exp)), nil))
	}
	if v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("amount %s out of range", v)
	}
	return v.Uint64(), nil
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func metadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// SwapCount returns the number of swaps in each status.
func (s *SwapStore) SwapCount(ctx context.Context) (map[swap.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM swaps GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count swaps: %w", err)
	}
	defer rows.Close()

	counts := make(map[swap.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan swap count: %w", err)
		}
		counts[swap.Status(status)] = n
	}
	return counts, rows.Err()
}
