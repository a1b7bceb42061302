// Package util holds the small shared plumbing that has no domain of
// its own.
package util

import (
	"context"
	"sync"

	"github.com/icicle-ci/icicle/internal/logger"
)

// Service gives one long-running background function start/stop
// semantics. Start launches run on its own goroutine under a
// cancelable child of the constructor's context; Stop cancels that
// context and blocks until run has returned. run owns its shutdown:
// it must return promptly once its context is canceled.
type Service struct {
	run    func(ctx context.Context)
	log    logger.Log
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	started bool
}

func NewService(ctx context.Context, log logger.Log, run func(ctx context.Context)) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		run:    run,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start launches the background function. Starting twice is a
// programming error and panics.
func (s *Service) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.log.Panic("service started twice")
	}
	s.started = true
	s.mu.Unlock()

	s.log.Info("Starting")
	go func() {
		defer close(s.done)
		s.run(s.ctx)
		s.log.Info("Stopped")
	}()
}

// Stop cancels the service's context and waits for the background
// function to return. Stopping a never-started or already-stopped
// service is a no-op.
func (s *Service) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	s.cancel()
	<-s.done
}
