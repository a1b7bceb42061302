package util

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icicle-ci/icicle/internal/logger"
)

func TestService_StopCancelsContextAndWaits(t *testing.T) {
	var exited atomic.Bool
	s := NewService(context.Background(), logger.NewNoOp(), func(ctx context.Context) {
		<-ctx.Done()
		exited.Store(true)
	})

	s.Start()
	s.Stop()
	assert.True(t, exited.Load(), "Stop must not return before the run function has")
}

func TestService_StopIsIdempotentAndSafeBeforeStart(t *testing.T) {
	s := NewService(context.Background(), logger.NewNoOp(), func(ctx context.Context) {
		<-ctx.Done()
	})
	s.Stop() // never started, must not block

	s.Start()
	s.Stop()
	s.Stop()
}

func TestService_ParentContextCancellationStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s := NewService(ctx, logger.NewNoOp(), func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})
	s.Start()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "run did not observe parent cancellation")
	}
	s.Stop()
}
