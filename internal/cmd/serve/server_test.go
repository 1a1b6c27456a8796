package serve

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestShutdownWaitsForBackgroundWork(t *testing.T) {
	stopCtx, stop := context.WithCancel(context.Background())
	background, bgCtx := errgroup.WithContext(stopCtx)
	var finished atomic.Bool
	background.Go(func() error {
		<-bgCtx.Done()
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	srv := &Server{background: background, stopBackground: stop}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.True(t, finished.Load())
}

func TestShutdownGivesUpOnBackgroundAtDeadline(t *testing.T) {
	var background errgroup.Group
	release := make(chan struct{})
	defer close(release)
	background.Go(func() error {
		<-release
		return nil
	})

	srv := &Server{background: &background}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}
