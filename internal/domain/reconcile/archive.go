package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthsync/healthsync/internal/platform/blobstore"
)

// Archiver keeps a copy of finished batches. Archiving is best effort and
// never fails the batch.
type Archiver interface {
	Archive(ctx context.Context, tenant string, batch *SyncBatch)
}

type NopArchiver struct{}

func (NopArchiver) Archive(context.Context, string, *SyncBatch) {}

// BlobArchiver writes {payload, result} documents snappy compressed to a
// blob store under <prefix>batches/<tenant>/<batch id>.json.sz.
type BlobArchiver struct {
	store  blobstore.BlobStore
	prefix string
	logger zerolog.Logger
}

func NewBlobArchiver(store blobstore.BlobStore, prefix string, logger zerolog.Logger) *BlobArchiver {
	return &BlobArchiver{store: store, prefix: prefix, logger: logger.With().Str("component", "batch_archive").Logger()}
}

type archivedBatch struct {
	ID          string          `json:"id"`
	Tenant      string          `json:"tenant"`
	DeviceID    string          `json:"device_id"`
	Status      BatchStatus     `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	Result      json.RawMessage `json:"result"`
	ProcessedAt *time.Time      `json:"processed_at"`
}

// ArchiveKey is where the archive of batch id of tenant lives.
func ArchiveKey(prefix, tenant, id string) string {
	if tenant == "" {
		tenant = "default"
	}
	return prefix + path.Join("batches", tenant, id+".json.sz")
}

func (a *BlobArchiver) Archive(ctx context.Context, tenant string, batch *SyncBatch) {
	if batch == nil {
		return
	}
	doc, err := json.Marshal(archivedBatch{
		ID:          batch.ID.String(),
		Tenant:      tenant,
		DeviceID:    batch.DeviceID,
		Status:      batch.Status,
		Payload:     batch.Payload,
		Result:      batch.Result,
		ProcessedAt: batch.ProcessedAt,
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("batch_id", batch.ID.String()).Msg("batch archive not encoded")
		return
	}
	key := ArchiveKey(a.prefix, tenant, batch.ID.String())
	if _, err := blobstore.PutCompressed(ctx, a.store, key, doc); err != nil {
		a.logger.Warn().Err(err).Str("key", key).Msg("batch archive not written")
		return
	}
	a.logger.Debug().Str("key", key).Int("bytes", len(doc)).Msg("batch archived")
}

// Fetch returns the decompressed archive document of a batch. A batch that
// was never archived yields an error wrapping blobstore.ErrBlobNotFound.
func (a *BlobArchiver) Fetch(ctx context.Context, tenant string, id uuid.UUID) (json.RawMessage, error) {
	key := ArchiveKey(a.prefix, tenant, id.String())
	doc, err := blobstore.GetCompressed(ctx, a.store, key)
	if err != nil {
		return nil, fmt.Errorf("read batch archive %s: %w", key, err)
	}
	return doc, nil
}
