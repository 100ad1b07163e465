package records

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type PatientRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	// Upsert inserts p with version 1 or overwrites the stored patient and
	// bumps its version. p.ServerVersion is set from the stored row.
	Upsert(ctx context.Context, p *Patient) (created bool, err error)
}

type RecordRepository interface {
	Create(ctx context.Context, r *HealthRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*HealthRecord, error)
	// GetForUpdate is GetByID holding a row lock until the transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*HealthRecord, error)
	// Save writes data, version, timestamp and deleted flag of an existing record.
	Save(ctx context.Context, r *HealthRecord) error
	Upsert(ctx context.Context, r *HealthRecord) (created bool, err error)
	// ChangedSince lists records with updated_at > since ordered by
	// (updated_at, id), tombstones included.
	ChangedSince(ctx context.Context, since time.Time) ([]*HealthRecord, error)
}
