package seal

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises concurrent Append calls across all server
// instances sharing one database. Arbitrary but must stay constant.
const advisoryLockKey = int64(7_420_118_332)

// PostgresChain persists the batch chain to PostgreSQL. It implements
// ChainStore; Append runs inside one transaction holding an advisory lock,
// which is the cross-process single-writer constraint on the chain tip.
type PostgresChain struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresChain creates a PostgresChain backed by the given pool.
func NewPostgresChain(pool *pgxpool.Pool, logger *zap.Logger) *PostgresChain {
	return &PostgresChain{pool: pool, logger: logger}
}

const batchColumns = `id, previous_hash, current_hash, merkle_root, event_count, created_at, external_anchor_ref`

// Latest implements ChainStore.
func (c *PostgresChain) Latest(ctx context.Context) (*Batch, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM audit_batches ORDER BY seq DESC LIMIT 1`,
	)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chain tip: %w", err)
	}
	return b, nil
}

// Append implements ChainStore.
func (c *PostgresChain) Append(ctx context.Context, b *Batch, eventIDs []uuid.UUID) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin seal tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire chain lock: %w", err)
	}

	// Gate: the batch must chain onto the current tip.
	tip := GenesisHash
	var tipHash string
	err = tx.QueryRow(ctx,
		`SELECT current_hash FROM audit_batches ORDER BY seq DESC LIMIT 1`,
	).Scan(&tipHash)
	switch {
	case err == nil:
		tip = tipHash
	case errors.Is(err, pgx.ErrNoRows):
		// Empty chain; genesis applies.
	default:
		return fmt.Errorf("read chain tip: %w", err)
	}
	if b.PreviousHash != tip {
		return fmt.Errorf("%w: batch previous_hash %s, chain tip %s",
			ErrChainMismatch, b.PreviousHash, tip)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_batches
		 (id, previous_hash, current_hash, merkle_root, event_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.PreviousHash, b.CurrentHash, b.MerkleRoot, b.EventCount, b.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE audit_events SET sealed_in_batch = $1
		 WHERE id = ANY($2) AND sealed_in_batch IS NULL`,
		b.ID, eventIDs,
	)
	if err != nil {
		return fmt.Errorf("seal events for batch %s: %w", b.ID, err)
	}
	if int(tag.RowsAffected()) != len(eventIDs) {
		// Some event vanished or was sealed elsewhere; the whole batch
		// rolls back rather than sealing a partial window.
		return fmt.Errorf("seal events for batch %s: %d of %d events sealed",
			b.ID, tag.RowsAffected(), len(eventIDs))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit seal tx: %w", err)
	}

	c.logger.Info("batch sealed",
		zap.String("batch_id", b.ID.String()),
		zap.String("current_hash", b.CurrentHash),
		zap.Int("events", b.EventCount),
	)
	return nil
}

// SetAnchorRef implements ChainStore.
func (c *PostgresChain) SetAnchorRef(ctx context.Context, batchID uuid.UUID, ref string) error {
	tag, err := c.pool.Exec(ctx,
		`UPDATE audit_batches SET external_anchor_ref = $2
		 WHERE id = $1 AND external_anchor_ref IS NULL`,
		batchID, ref,
	)
	if err != nil {
		return fmt.Errorf("set anchor ref for %s: %w", batchID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := c.Get(ctx, batchID); err != nil {
			return err
		}
		return fmt.Errorf("%w: batch %s", ErrAlreadyAnchored, batchID)
	}
	return nil
}

// ListUnanchored implements ChainStore.
func (c *PostgresChain) ListUnanchored(ctx context.Context, limit int) ([]*Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.pool.Query(ctx,
		`SELECT `+batchColumns+`
		 FROM audit_batches
		 WHERE external_anchor_ref IS NULL
		 ORDER BY seq ASC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list unanchored batches: %w", err)
	}
	defer rows.Close()

	var out []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Get implements ChainStore.
func (c *PostgresChain) Get(ctx context.Context, batchID uuid.UUID) (*Batch, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM audit_batches WHERE id = $1`, batchID,
	)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("seal: batch %s not found", batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", batchID, err)
	}
	return b, nil
}

// Walk implements ChainStore.
func (c *PostgresChain) Walk(ctx context.Context, fn func(*Batch) error) error {
	rows, err := c.pool.Query(ctx,
		`SELECT `+batchColumns+` FROM audit_batches ORDER BY seq ASC`,
	)
	if err != nil {
		return fmt.Errorf("walk batches: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return fmt.Errorf("scan batch: %w", err)
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanBatch(row pgx.Row) (*Batch, error) {
	b := &Batch{}
	err := row.Scan(
		&b.ID, &b.PreviousHash, &b.CurrentHash, &b.MerkleRoot,
		&b.EventCount, &b.CreatedAt, &b.AnchorRef,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}
