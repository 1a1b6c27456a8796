package reclaim

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	registryattach "github.com/chirino/chat-service/internal/registry/attach"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/service"
	"github.com/chirino/chat-service/internal/service/attachments"
	"github.com/urfave/cli/v3"

	_ "github.com/chirino/chat-service/internal/plugin/attach/pgstore"
	_ "github.com/chirino/chat-service/internal/plugin/attach/s3store"
	_ "github.com/chirino/chat-service/internal/plugin/store/postgres"
	_ "github.com/chirino/chat-service/internal/plugin/store/sqlite"
)

// Command returns the reclaim sub-command, which runs one attachment cleanup pass
// and exits.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "reclaim",
		Usage: "Reclaim abandoned and orphaned attachments, then purge deleted ones",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "db-kind",
				Sources:     cli.EnvVars("CHAT_SERVICE_DB_KIND"),
				Destination: &cfg.DatastoreType,
				Value:       cfg.DatastoreType,
				Usage:       "Store backend (" + strings.Join(registrystore.Names(), "|") + ")",
			},
			&cli.StringFlag{
				Name:        "db-url",
				Sources:     cli.EnvVars("CHAT_SERVICE_DB_URL"),
				Destination: &cfg.DBURL,
				Usage:       "Database connection URL",
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "attachments-kind",
				Sources:     cli.EnvVars("CHAT_SERVICE_ATTACHMENTS_KIND"),
				Destination: &cfg.AttachType,
				Value:       cfg.AttachType,
				Usage:       "Attachment store (" + strings.Join(registryattach.Names(), "|") + ")",
			},
			&cli.StringFlag{
				Name:        "attachments-s3-bucket",
				Sources:     cli.EnvVars("CHAT_SERVICE_ATTACHMENTS_S3_BUCKET"),
				Destination: &cfg.S3Bucket,
				Usage:       "S3 bucket for attachments",
			},
			&cli.StringFlag{
				Name:        "attachments-s3-prefix",
				Sources:     cli.EnvVars("CHAT_SERVICE_ATTACHMENTS_S3_PREFIX"),
				Destination: &cfg.S3Prefix,
				Usage:       "Key prefix for attachment objects",
			},
			&cli.BoolFlag{
				Name:        "attachments-s3-use-path-style",
				Sources:     cli.EnvVars("CHAT_SERVICE_ATTACHMENTS_S3_USE_PATH_STYLE"),
				Destination: &cfg.S3UsePathStyle,
				Usage:       "Use path-style S3 addressing",
			},
			&cli.DurationFlag{
				Name:        "pending-ttl",
				Destination: &cfg.AttachmentPendingTTL,
				Value:       cfg.AttachmentPendingTTL,
				Usage:       "Age after which pending and orphaned attachments are reclaimed",
			},
			&cli.DurationFlag{
				Name:        "deleted-retention",
				Destination: &cfg.AttachmentDeletedRetention,
				Value:       cfg.AttachmentDeletedRetention,
				Usage:       "Age after which deleted attachment records are purged",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			res, err := Run(config.WithContext(ctx, &cfg), &cfg)
			if err != nil {
				return err
			}
			log.Info("Reclaim complete", "abandoned", res.Abandoned, "orphaned", res.Orphaned, "purged", res.Purged)
			return nil
		},
	}
}

// Run loads the configured store and blob store and performs a single cleanup pass.
// ctx must carry cfg.
func Run(ctx context.Context, cfg *config.Config) (service.CleanupResult, error) {
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return service.CleanupResult{}, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return service.CleanupResult{}, fmt.Errorf("failed to initialize store: %w", err)
	}
	attachLoader, err := registryattach.Select(cfg.AttachType)
	if err != nil {
		return service.CleanupResult{}, err
	}
	blobs, err := attachLoader(ctx)
	if err != nil {
		return service.CleanupResult{}, fmt.Errorf("failed to initialize attachment store: %w", err)
	}

	mgr := attachments.NewManager(store, blobs, attachments.Options{MaxSize: cfg.AttachmentMaxSize})
	cleanup := service.NewAttachmentCleanupService(mgr, cfg.AttachmentPendingTTL, cfg.AttachmentDeletedRetention, 0)
	return cleanup.RunOnce(ctx)
}
