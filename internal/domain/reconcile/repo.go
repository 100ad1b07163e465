package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type BatchRepository interface {
	Create(ctx context.Context, b *SyncBatch) error
	Get(ctx context.Context, id uuid.UUID) (*SyncBatch, error)
	// MarkProcessing moves a PENDING batch to PROCESSING. It reports false
	// when the batch was not PENDING at the time of the update.
	MarkProcessing(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	Complete(ctx context.Context, id uuid.UUID, status BatchStatus, result json.RawMessage, at time.Time) error
	// ListStuck returns PROCESSING batches started before the given time.
	ListStuck(ctx context.Context, startedBefore time.Time) ([]*SyncBatch, error)
}

type ConflictRepository interface {
	Create(ctx context.Context, c *Conflict) error
	List(ctx context.Context, resolved *bool, limit, offset int) ([]*Conflict, int, error)
}

type MappingRepository interface {
	// Upsert overwrites the newest mapping for m.ClientTempID or inserts one.
	Upsert(ctx context.Context, m *ClientIDMapping) error
	GetByTempID(ctx context.Context, tempID string) (*ClientIDMapping, error)
}
