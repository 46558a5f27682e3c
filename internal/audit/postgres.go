package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore persists audit events to PostgreSQL. It implements Store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	codec  sealer
	logger *zap.Logger
}

// sealer is the slice of the envelope codec the store needs.
type sealer interface {
	Seal(plaintext []byte) ([]byte, error)
}

// NewPostgres creates a PostgresStore backed by the given pool. codec may be
// nil when no event will carry sensitive details.
func NewPostgres(pool *pgxpool.Pool, codec sealer, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, codec: codec, logger: logger}
}

const eventColumns = `id, actor_id, action, resource_type, resource_id,
	details, severity, event_hash, encrypted_payload, created_at, sealed_in_batch`

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, e *Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	e.ID = uuid.New()
	e.CreatedAt = time.Now().UTC()
	if err := e.ComputeHash(); err != nil {
		return err
	}

	if len(e.Sensitive) > 0 {
		if s.codec == nil {
			return fmt.Errorf("audit: event %s has sensitive details but no codec configured", e.ID)
		}
		plain, err := canonicalSensitive(e.Sensitive)
		if err != nil {
			return err
		}
		blob, err := s.codec.Seal(plain)
		if err != nil {
			return fmt.Errorf("audit: seal sensitive details: %w", err)
		}
		e.EncryptedPayload = blob
		e.Sensitive = nil
	}

	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events
		 (id, actor_id, action, resource_type, resource_id, details, severity,
		  event_hash, encrypted_payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.ActorID, e.Action, e.ResourceType, e.ResourceID, details,
		e.Severity, e.EventHash, e.EncryptedPayload, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	s.logger.Debug("audit event appended",
		zap.String("id", e.ID.String()),
		zap.String("action", e.Action),
		zap.String("severity", string(e.Severity)),
	)
	return nil
}

// DrainPending implements Store.
func (s *PostgresStore) DrainPending(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = DefaultDrainLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM audit_events
		 WHERE sealed_in_batch IS NULL
		 ORDER BY created_at ASC, id ASC
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("drain pending events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// MarkSealed implements Store. Sealing an already sealed event is refused;
// the history is one-directional.
func (s *PostgresStore) MarkSealed(ctx context.Context, ids []uuid.UUID, batchID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE audit_events SET sealed_in_batch = $1
		 WHERE id = ANY($2) AND sealed_in_batch IS NULL`,
		batchID, ids,
	)
	if err != nil {
		return fmt.Errorf("mark events sealed: %w", err)
	}
	if int(tag.RowsAffected()) != len(ids) {
		return fmt.Errorf("mark events sealed: %d of %d events updated", tag.RowsAffected(), len(ids))
	}
	return nil
}

// CountPending implements Store.
func (s *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_events WHERE sealed_in_batch IS NULL`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending events: %w", err)
	}
	return n, nil
}

// ListByBatch implements Store.
func (s *PostgresStore) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM audit_events
		 WHERE sealed_in_batch = $1
		 ORDER BY created_at ASC, id ASC`, batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events for batch %s: %w", batchID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Event, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM audit_events WHERE id = $1`, id,
	)
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("audit: event %s not found", id)
	}
	return e, err
}

func scanEvent(row pgx.Row) (*Event, error) {
	e := &Event{}
	err := row.Scan(
		&e.ID, &e.ActorID, &e.Action, &e.ResourceType, &e.ResourceID,
		&e.Details, &e.Severity, &e.EventHash, &e.EncryptedPayload,
		&e.CreatedAt, &e.SealedInBatch,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func scanEvents(rows pgx.Rows) ([]*Event, error) {
	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
