package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/healthsync/healthsync/internal/config"
	"github.com/healthsync/healthsync/internal/domain/reconcile"
	"github.com/healthsync/healthsync/internal/platform/db"
)

// withPool loads the configuration and opens a pool for one-shot commands.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, cfg, pool)
}

// withApp is withPool plus the sync components. Commands log to stderr so
// their stdout stays machine readable.
func withApp(fn func(ctx context.Context, a *app) error) error {
	return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		a, err := newApp(ctx, cfg, logger, pool)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(ctx, a)
	})
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := db.NewMigrator(pool, dir).Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, dir).Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Printf("Migration status for schema: %s\n", schema)
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is not supported by the built-in runner.")
			return nil
		},
	})

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply the sync migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			dir, _ := cmd.Flags().GetString("dir")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				fmt.Printf("Creating tenant schema: %s\n", db.SchemaName(name))
				if err := db.CreateTenantSchema(ctx, pool, name, dir); err != nil {
					return err
				}
				fmt.Println("Tenant created successfully.")
				return nil
			})
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")
	createCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(createCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				tenants, err := db.ListTenants(ctx, pool)
				if err != nil {
					return err
				}
				for _, t := range tenants {
					fmt.Println(t)
				}
				return nil
			})
		},
	})

	return cmd
}

func batchesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batches",
		Short: "Inspect and run sync batches",
	}

	stuckCmd := &cobra.Command{
		Use:   "stuck",
		Short: "List batches stuck in PROCESSING",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			olderThan, _ := cmd.Flags().GetDuration("older-than")

			return withApp(func(ctx context.Context, a *app) error {
				tenants := []string{tenant}
				if tenant == "" {
					var err error
					if tenants, err = a.listTenants(ctx); err != nil {
						return err
					}
				}
				if olderThan <= 0 {
					olderThan = a.cfg.StuckBatchAfter
				}

				fmt.Printf("%-12s %-36s %-20s %s\n", "TENANT", "BATCH", "DEVICE", "STARTED AT")
				for _, t := range tenants {
					err := a.tenantScope()(ctx, t, func(ctx context.Context) error {
						stuck, err := a.processor.Stuck(ctx, olderThan)
						if err != nil {
							return err
						}
						for _, b := range stuck {
							started := ""
							if b.StartedAt != nil {
								started = b.StartedAt.Format(time.RFC3339)
							}
							fmt.Printf("%-12s %-36s %-20s %s\n", t, b.ID, b.DeviceID, started)
						}
						return nil
					})
					if err != nil {
						return fmt.Errorf("tenant %s: %w", t, err)
					}
				}
				return nil
			})
		},
	}
	stuckCmd.Flags().String("tenant", "", "Limit to one tenant (default: all tenants)")
	stuckCmd.Flags().Duration("older-than", 0, "Minimum time in PROCESSING (default: STUCK_BATCH_AFTER)")
	cmd.AddCommand(stuckCmd)

	processCmd := &cobra.Command{
		Use:   "process <batch-id>",
		Short: "Process a PENDING batch synchronously",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			batchID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid batch id: %w", err)
			}

			return withApp(func(ctx context.Context, a *app) error {
				if tenant == "" {
					tenant = a.cfg.DefaultTenant
				}
				return a.tenantScope()(ctx, tenant, func(ctx context.Context) error {
					res, err := a.processor.Process(ctx, batchID)
					if err != nil {
						return err
					}
					fmt.Printf("status: %s, results: %d, conflicts: %d\n", res.Status, len(res.Results), len(res.Conflicts))
					if res.Error != "" {
						fmt.Printf("error: %s\n", res.Error)
					}
					return nil
				})
			})
		},
	}
	processCmd.Flags().String("tenant", "", "Tenant owning the batch (default: DEFAULT_TENANT)")
	cmd.AddCommand(processCmd)

	archiveCmd := &cobra.Command{
		Use:   "archive <batch-id>",
		Short: "Print the archived copy of a finished batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			out, _ := cmd.Flags().GetString("out")
			batchID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid batch id: %w", err)
			}

			return withApp(func(ctx context.Context, a *app) error {
				if tenant == "" {
					tenant = a.cfg.DefaultTenant
				}
				var w io.Writer = os.Stdout
				if out != "" {
					f, err := os.Create(out)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				return writeArchive(ctx, w, a.archiver, tenant, batchID)
			})
		},
	}
	archiveCmd.Flags().String("tenant", "", "Tenant owning the batch (default: DEFAULT_TENANT)")
	archiveCmd.Flags().String("out", "", "Write the document to a file instead of stdout")
	cmd.AddCommand(archiveCmd)

	return cmd
}

// writeArchive writes the indented archive document of a batch to w.
func writeArchive(ctx context.Context, w io.Writer, archiver reconcile.Archiver, tenant string, batchID uuid.UUID) error {
	blobs, ok := archiver.(*reconcile.BlobArchiver)
	if !ok {
		return fmt.Errorf("batch archive is disabled, set ARCHIVE_BACKEND")
	}
	doc, err := blobs.Fetch(ctx, tenant, batchID)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, doc, "", "  "); err != nil {
		return fmt.Errorf("archive of batch %s is not JSON: %w", batchID, err)
	}
	buf.WriteByte('\n')
	_, err = buf.WriteTo(w)
	return err
}

func conflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Work with recorded sync conflicts",
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export conflicts to an XLSX workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			all, _ := cmd.Flags().GetBool("all")
			tenant, _ := cmd.Flags().GetString("tenant")
			if out == "" {
				return fmt.Errorf("--out is required")
			}

			return withApp(func(ctx context.Context, a *app) error {
				if tenant == "" {
					tenant = a.cfg.DefaultTenant
				}
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()

				var n int
				err = a.tenantScope()(ctx, tenant, func(ctx context.Context) error {
					n, err = reconcile.ExportConflicts(ctx, a.recorder, f, all)
					return err
				})
				if err != nil {
					return err
				}
				fmt.Printf("Exported %d conflict(s) to %s\n", n, out)
				return nil
			})
		},
	}
	exportCmd.Flags().String("out", "", "Output .xlsx path")
	exportCmd.Flags().Bool("all", false, "Include resolved conflicts")
	exportCmd.Flags().String("tenant", "", "Tenant to export (default: DEFAULT_TENANT)")
	cmd.AddCommand(exportCmd)

	return cmd
}
