package reconcile

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// ConflictRecorder appends conflicts. It never validates payloads.
type ConflictRecorder struct {
	repo ConflictRepository
}

func NewConflictRecorder(repo ConflictRepository) *ConflictRecorder {
	return &ConflictRecorder{repo: repo}
}

func (r *ConflictRecorder) Record(ctx context.Context, recordServerID *uuid.UUID, resourceType string, clientPayload, serverPayload json.RawMessage) (*Conflict, error) {
	c := &Conflict{
		RecordServerID: recordServerID,
		ResourceType:   resourceType,
		ClientPayload:  clientPayload,
		ServerPayload:  serverPayload,
	}
	if err := r.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// List pages through conflicts, optionally filtered by resolved state.
func (r *ConflictRecorder) List(ctx context.Context, resolved *bool, limit, offset int) ([]*Conflict, int, error) {
	return r.repo.List(ctx, resolved, limit, offset)
}
