package service

import (
	"context"
	"log"
	"sync"
	"time"

	"carelink-sync-api/internal/repository"
)

// RetentionConfig holds configuration for the retention sweeper.
type RetentionConfig struct {
	// MaxAge is how long synced queue items are kept before deletion.
	// Default: 30 days.
	MaxAge time.Duration

	// SweepInterval is how often the sweep runs. Default: 1 hour.
	SweepInterval time.Duration
}

// RetentionSweeper periodically prunes synced queue items past their
// retention window. Unsynced items and conflicts are never touched:
// pending work must survive, and conflicts are a permanent audit trail.
type RetentionSweeper struct {
	queue     repository.QueueRepository
	config    RetentionConfig
	ticker    *time.Ticker
	stopCh    chan struct{}
	stopOnce  sync.Once
	isRunning bool
	mu        sync.Mutex
}

// NewRetentionSweeper creates a new retention sweeper.
func NewRetentionSweeper(queue repository.QueueRepository, config RetentionConfig) *RetentionSweeper {
	if config.MaxAge == 0 {
		config.MaxAge = 30 * 24 * time.Hour
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = time.Hour
	}

	return &RetentionSweeper{
		queue:  queue,
		config: config,
		stopCh: make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (s *RetentionSweeper) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.ticker = time.NewTicker(s.config.SweepInterval)
	s.mu.Unlock()

	log.Printf("[RetentionSweeper] Started - Interval: %v, MaxAge: %v",
		s.config.SweepInterval, s.config.MaxAge)

	go s.run()
}

func (s *RetentionSweeper) run() {
	for {
		select {
		case <-s.ticker.C:
			s.sweep()
		case <-s.stopCh:
			log.Printf("[RetentionSweeper] Stopped")
			return
		}
	}
}

func (s *RetentionSweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	deleted, err := s.RunNow(ctx)
	if err != nil {
		log.Printf("[RetentionSweeper] Error during sweep: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("[RetentionSweeper] Pruned %d synced queue items", deleted)
	}
}

// RunNow triggers an immediate sweep and returns the number of items
// pruned.
func (s *RetentionSweeper) RunNow(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.config.MaxAge)
	return s.queue.DeleteSyncedBefore(ctx, cutoff)
}

// Stop stops the sweeper.
func (s *RetentionSweeper) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
		s.isRunning = false
	})
}
