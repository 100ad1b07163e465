package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/healthsync/healthsync/internal/platform/queue"
)

// TenantScope runs fn with ctx bound to the tenant's schema.
type TenantScope func(ctx context.Context, tenant string, fn func(ctx context.Context) error) error

// JobHandler processes queued batches in their tenant's schema.
func JobHandler(proc *Processor, scope TenantScope, logger zerolog.Logger) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		return scope(ctx, job.Tenant, func(ctx context.Context) error {
			res, err := proc.Process(ctx, job.BatchID)
			if err != nil {
				return err
			}
			logger.Info().
				Str("tenant", job.Tenant).
				Str("batch_id", job.BatchID.String()).
				Int("attempt", job.Attempts).
				Str("status", res.Status).
				Msg("sync job handled")
			return nil
		})
	}
}

// StuckScan warns about batches of each tenant that have sat in PROCESSING
// for longer than olderThan.
func StuckScan(proc *Processor, scope TenantScope, tenants func(ctx context.Context) ([]string, error), olderThan time.Duration, logger zerolog.Logger) func(ctx context.Context) {
	return func(ctx context.Context) {
		ids, err := tenants(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("stuck batch scan: list tenants")
			return
		}
		for _, tenant := range ids {
			err := scope(ctx, tenant, func(ctx context.Context) error {
				stuck, err := proc.Stuck(ctx, olderThan)
				if err != nil {
					return err
				}
				for _, b := range stuck {
					logger.Warn().
						Str("tenant", tenant).
						Str("batch_id", b.ID.String()).
						Str("device_id", b.DeviceID).
						Time("started_at", derefTime(b.StartedAt)).
						Msg("batch stuck in PROCESSING")
				}
				return nil
			})
			if err != nil {
				logger.Error().Err(err).Str("tenant", tenant).Msg("stuck batch scan failed")
			}
		}
	}
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
