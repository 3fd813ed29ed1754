package app

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/searcb/pncp-sync/internal/config"
	"github.com/searcb/pncp-sync/internal/domaincache"
	"github.com/searcb/pncp-sync/internal/pncp"
	"github.com/searcb/pncp-sync/internal/store"
	syncpkg "github.com/searcb/pncp-sync/internal/sync"
	"github.com/searcb/pncp-sync/internal/transform"
)

var syncCmd = &cobra.Command{
	Use:   "sync [entity-type]",
	Short: "Run one full sync and exit",
	Long: `Run a full synchronization for one entity type (pca, contratacao, ata,
contrato) or for the reference code tables (reference), without starting the
server. Useful for backfills and first-time loads.`,
	Args: cobra.ExactArgs(1),
	RunE: runSync,
}

func init() {
	syncCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	syncCmd.Flags().Int("year", 0, "Limit the sync to one reference year (0 = all years)")

	if err := syncCmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
}

func runSync(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	year, err := cmd.Flags().GetInt("year")
	if err != nil {
		return fmt.Errorf("failed to get year flag: %w", err)
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Database == nil {
		return fmt.Errorf("database configuration is required")
	}

	job := &syncpkg.Job{
		ID:   uuid.New(),
		Kind: syncpkg.KindManual,
		Year: year,
	}
	switch entityType := pncp.EntityType(args[0]); {
	case entityType == syncpkg.EntityReference:
		job.EntityType = entityType
		job.Kind = syncpkg.KindDomain
	case entityType.Valid():
		job.EntityType = entityType
	default:
		return fmt.Errorf("unknown entity type %q", args[0])
	}

	st, err := store.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close store", "error", err)
		}
	}()

	cache := domaincache.New(st,
		domaincache.WithTTL(config.Duration(cfg.Cache.TTL, domaincache.DefaultTTL)))
	client := newUpstreamClient(cfg, nil)
	runner := syncpkg.NewRunner(client, st, transform.NewTransformer(cache),
		syncpkg.WithBatchSize(cfg.Sync.BatchSize),
		syncpkg.WithPageSize(cfg.Upstream.MaxPageSize),
		syncpkg.WithInvalidator(cache),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting one-shot sync", "entity_type", job.EntityType, "year", job.Year)
	if err := runner.Run(ctx, job); err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	return nil
}
