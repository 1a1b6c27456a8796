package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReclaimer struct {
	mu         sync.Mutex
	calls      []string
	thresholds map[string]time.Duration
	orphanErr  error
}

func (f *fakeReclaimer) record(name string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.thresholds == nil {
		f.thresholds = map[string]time.Duration{}
	}
	f.thresholds[name] = d
}

func (f *fakeReclaimer) ReclaimAbandoned(_ context.Context, d time.Duration) (int, error) {
	f.record("abandoned", d)
	return 2, nil
}

func (f *fakeReclaimer) ReclaimOrphaned(_ context.Context, d time.Duration) (int, error) {
	f.record("orphaned", d)
	return 1, f.orphanErr
}

func (f *fakeReclaimer) PurgeDeleted(_ context.Context, d time.Duration) (int, error) {
	f.record("purged", d)
	return 5, nil
}

func TestCleanupRunOnce(t *testing.T) {
	r := &fakeReclaimer{}
	svc := NewAttachmentCleanupService(r, 24*time.Hour, 7*24*time.Hour, time.Minute)

	res, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{Abandoned: 2, Orphaned: 1, Purged: 5}, res)
	assert.Equal(t, 24*time.Hour, r.thresholds["abandoned"])
	assert.Equal(t, 24*time.Hour, r.thresholds["orphaned"])
	assert.Equal(t, 7*24*time.Hour, r.thresholds["purged"])
	require.Len(t, r.calls, 3)
	assert.Equal(t, "purged", r.calls[2])
}

func TestCleanupSkipsPurgeWhenSweepFails(t *testing.T) {
	r := &fakeReclaimer{orphanErr: errors.New("db down")}
	svc := NewAttachmentCleanupService(r, time.Hour, time.Hour, time.Minute)

	_, err := svc.RunOnce(context.Background())
	require.Error(t, err)
	assert.NotContains(t, r.calls, "purged")
}

func TestCleanupStartStopsWithContext(t *testing.T) {
	r := &fakeReclaimer{}
	svc := NewAttachmentCleanupService(r, time.Hour, time.Hour, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.calls) >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}
