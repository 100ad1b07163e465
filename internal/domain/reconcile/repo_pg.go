package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthsync/healthsync/internal/platform/db"
)

// -- SyncBatch Repository --

type batchRepoPG struct {
	pool *pgxpool.Pool
}

func NewBatchRepo(pool *pgxpool.Pool) BatchRepository {
	return &batchRepoPG{pool: pool}
}

const batchCols = `id, device_id, status, payload, result, created_at, started_at, processed_at`

func (r *batchRepoPG) Create(ctx context.Context, b *SyncBatch) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Status == "" {
		b.Status = StatusPending
	}
	err := db.QuerierFromContext(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO sync_batch (id, device_id, status, payload, result, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		b.ID, b.DeviceID, string(b.Status), b.Payload, nullJSON(b.Result), b.ProcessedAt,
	).Scan(&b.CreatedAt)
	if err != nil {
		return fmt.Errorf("create sync batch: %w", err)
	}
	return nil
}

func (r *batchRepoPG) Get(ctx context.Context, id uuid.UUID) (*SyncBatch, error) {
	b, err := scanBatch(db.QuerierFromContext(ctx, r.pool).QueryRow(ctx,
		`SELECT `+batchCols+` FROM sync_batch WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync batch %s: %w", id, err)
	}
	return b, nil
}

func (r *batchRepoPG) MarkProcessing(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := db.QuerierFromContext(ctx, r.pool).Exec(ctx, `
		UPDATE sync_batch SET status = 'PROCESSING', started_at = $2
		WHERE id = $1 AND status = 'PENDING'`, id, at)
	if err != nil {
		return false, fmt.Errorf("mark sync batch %s processing: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *batchRepoPG) Complete(ctx context.Context, id uuid.UUID, status BatchStatus, result json.RawMessage, at time.Time) error {
	tag, err := db.QuerierFromContext(ctx, r.pool).Exec(ctx, `
		UPDATE sync_batch SET status = $2, result = $3, processed_at = $4
		WHERE id = $1 AND status = 'PROCESSING'`, id, string(status), result, at)
	if err != nil {
		return fmt.Errorf("complete sync batch %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete sync batch %s: not in PROCESSING", id)
	}
	return nil
}

func (r *batchRepoPG) ListStuck(ctx context.Context, startedBefore time.Time) ([]*SyncBatch, error) {
	rows, err := db.QuerierFromContext(ctx, r.pool).Query(ctx, `
		SELECT `+batchCols+` FROM sync_batch
		WHERE status = 'PROCESSING' AND started_at < $1
		ORDER BY started_at`, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("list stuck batches: %w", err)
	}
	defer rows.Close()

	var out []*SyncBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBatch(row pgx.Row) (*SyncBatch, error) {
	var (
		b      SyncBatch
		status string
	)
	err := row.Scan(&b.ID, &b.DeviceID, &status, &b.Payload, &b.Result, &b.CreatedAt, &b.StartedAt, &b.ProcessedAt)
	if err != nil {
		return nil, err
	}
	b.Status = BatchStatus(status)
	return &b, nil
}

// -- Conflict Repository --

type conflictRepoPG struct {
	pool *pgxpool.Pool
}

func NewConflictRepo(pool *pgxpool.Pool) ConflictRepository {
	return &conflictRepoPG{pool: pool}
}

const conflictCols = `id, record_server_id, resource_type, client_payload, server_payload, created_at, resolved`

func (r *conflictRepoPG) Create(ctx context.Context, c *Conflict) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := db.QuerierFromContext(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO conflict (id, record_server_id, resource_type, client_payload, server_payload, resolved)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		c.ID, c.RecordServerID, c.ResourceType, nullJSON(c.ClientPayload), nullJSON(c.ServerPayload), c.Resolved,
	).Scan(&c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create conflict: %w", err)
	}
	return nil
}

func (r *conflictRepoPG) List(ctx context.Context, resolved *bool, limit, offset int) ([]*Conflict, int, error) {
	q := db.QuerierFromContext(ctx, r.pool)

	where := ""
	args := []interface{}{}
	if resolved != nil {
		where = " WHERE resolved = $1"
		args = append(args, *resolved)
	}

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM conflict`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conflicts: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM conflict%s ORDER BY created_at, id LIMIT $%d OFFSET $%d`,
		conflictCols, where, n+1, n+2)
	rows, err := q.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*Conflict
	for rows.Next() {
		var c Conflict
		if err := rows.Scan(&c.ID, &c.RecordServerID, &c.ResourceType, &c.ClientPayload, &c.ServerPayload,
			&c.CreatedAt, &c.Resolved); err != nil {
			return nil, 0, fmt.Errorf("scan conflict: %w", err)
		}
		out = append(out, &c)
	}
	return out, total, rows.Err()
}

// -- ClientIdMapping Repository --

type mappingRepoPG struct {
	pool *pgxpool.Pool
}

func NewMappingRepo(pool *pgxpool.Pool) MappingRepository {
	return &mappingRepoPG{pool: pool}
}

func (r *mappingRepoPG) Upsert(ctx context.Context, m *ClientIDMapping) error {
	q := db.QuerierFromContext(ctx, r.pool)

	err := q.QueryRow(ctx, `
		UPDATE client_id_mapping SET server_id = $2, device_id = $3, updated_at = NOW()
		WHERE id = (
			SELECT id FROM client_id_mapping WHERE client_temp_id = $1
			ORDER BY updated_at DESC LIMIT 1
		)
		RETURNING id, created_at, updated_at`,
		m.ClientTempID, m.ServerID, m.DeviceID,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update client id mapping %q: %w", m.ClientTempID, err)
	}

	m.ID = uuid.New()
	err = q.QueryRow(ctx, `
		INSERT INTO client_id_mapping (id, client_temp_id, server_id, device_id)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		m.ID, m.ClientTempID, m.ServerID, m.DeviceID,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert client id mapping %q: %w", m.ClientTempID, err)
	}
	return nil
}

func (r *mappingRepoPG) GetByTempID(ctx context.Context, tempID string) (*ClientIDMapping, error) {
	var m ClientIDMapping
	err := db.QuerierFromContext(ctx, r.pool).QueryRow(ctx, `
		SELECT id, client_temp_id, server_id, device_id, created_at, updated_at
		FROM client_id_mapping WHERE client_temp_id = $1
		ORDER BY updated_at DESC LIMIT 1`, tempID,
	).Scan(&m.ID, &m.ClientTempID, &m.ServerID, &m.DeviceID, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMappingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client id mapping %q: %w", tempID, err)
	}
	return &m, nil
}

func nullJSON(b json.RawMessage) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
