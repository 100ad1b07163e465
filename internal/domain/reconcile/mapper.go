package reconcile

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthsync/healthsync/internal/platform/db"
)

// Mapper records which server id a client temp id was given.
type Mapper struct {
	repo   MappingRepository
	tx     db.TxRunner
	logger zerolog.Logger
}

func NewMapper(repo MappingRepository, tx db.TxRunner, logger zerolog.Logger) *Mapper {
	return &Mapper{repo: repo, tx: tx, logger: logger.With().Str("component", "id_mapper").Logger()}
}

// ResolveOrCreate links tempID to serverID. The write runs in its own
// savepoint and a failure is only logged: the mapping never decides whether
// the surrounding change succeeded.
func (m *Mapper) ResolveOrCreate(ctx context.Context, tempID string, serverID uuid.UUID, deviceID string) {
	if tempID == "" {
		return
	}
	mapping := &ClientIDMapping{ClientTempID: tempID, ServerID: serverID}
	if deviceID != "" {
		mapping.DeviceID = &deviceID
	}
	err := m.tx.WithTx(ctx, func(ctx context.Context) error {
		return m.repo.Upsert(ctx, mapping)
	})
	if err != nil {
		m.logger.Warn().Err(err).
			Str("client_temp_id", tempID).
			Str("server_id", serverID.String()).
			Msg("client id mapping not stored")
	}
}

func (m *Mapper) Resolve(ctx context.Context, tempID string) (*ClientIDMapping, error) {
	return m.repo.GetByTempID(ctx, tempID)
}
