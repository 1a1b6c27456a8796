package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// AttachmentReclaimer is the part of the attachment manager the cleanup service drives.
type AttachmentReclaimer interface {
	ReclaimAbandoned(ctx context.Context, olderThan time.Duration) (int, error)
	ReclaimOrphaned(ctx context.Context, olderThan time.Duration) (int, error)
	PurgeDeleted(ctx context.Context, olderThan time.Duration) (int, error)
}

// CleanupResult counts what one cleanup run did.
type CleanupResult struct {
	Abandoned int
	Orphaned  int
	Purged    int
}

type AttachmentCleanupService struct {
	reclaimer  AttachmentReclaimer
	pendingTTL time.Duration
	retention  time.Duration
	interval   time.Duration
}

func NewAttachmentCleanupService(reclaimer AttachmentReclaimer, pendingTTL, retention, interval time.Duration) *AttachmentCleanupService {
	return &AttachmentCleanupService{
		reclaimer:  reclaimer,
		pendingTTL: pendingTTL,
		retention:  retention,
		interval:   interval,
	}
}

// Start runs cleanup every interval until ctx is done.
func (s *AttachmentCleanupService) Start(ctx context.Context) {
	if s == nil || s.reclaimer == nil || s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				log.Error("Attachment cleanup failed", "err", err)
			}
		}
	}
}

// RunOnce reclaims abandoned and orphaned attachments, then purges deleted records
// past retention. The two reclaim sweeps touch disjoint records and run concurrently.
func (s *AttachmentCleanupService) RunOnce(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.reclaimer.ReclaimAbandoned(gctx, s.pendingTTL)
		res.Abandoned = n
		return err
	})
	g.Go(func() error {
		n, err := s.reclaimer.ReclaimOrphaned(gctx, s.pendingTTL)
		res.Orphaned = n
		return err
	})
	if err := g.Wait(); err != nil {
		return res, err
	}
	n, err := s.reclaimer.PurgeDeleted(ctx, s.retention)
	res.Purged = n
	if err != nil {
		return res, err
	}
	if res != (CleanupResult{}) {
		log.Info("Attachment cleanup", "abandoned", res.Abandoned, "orphaned", res.Orphaned, "purged", res.Purged)
	}
	return res, nil
}
