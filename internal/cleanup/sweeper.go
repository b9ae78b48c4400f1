// Package cleanup purges expired rate limit records in the background.
package cleanup

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slotkeeper/slotkeeper/pkg/logger"
)

// Cleaner deletes expired records and reports how many were removed.
type Cleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// Config holds configuration for the Sweeper.
type Config struct {
	Interval time.Duration // Time between sweeps; zero disables the sweeper
	Timeout  time.Duration // Bound on a single sweep
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Interval: 15 * time.Minute,
		Timeout:  30 * time.Second,
	}
}

// Sweeper calls Cleaner.Cleanup on a fixed interval until stopped.
type Sweeper struct {
	cleaner Cleaner
	cfg     Config
	log     *logger.Logger

	runs    atomic.Int64
	deleted atomic.Int64

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewSweeper creates a sweeper and starts it when cfg.Interval is positive.
func NewSweeper(cleaner Cleaner, cfg Config, log *logger.Logger) *Sweeper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if log == nil {
		log = logger.Nop()
	}

	s := &Sweeper{
		cleaner:  cleaner,
		cfg:      cfg,
		log:      log.Named("cleanup"),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}

	if cfg.Interval <= 0 {
		close(s.doneChan)
		s.log.Info("background cleanup disabled")
		return s
	}

	go s.run()
	return s
}

// Stop stops the sweeper and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		<-s.doneChan
	})
}

// Runs returns how many sweeps have completed.
func (s *Sweeper) Runs() int64 {
	return s.runs.Load()
}

// Deleted returns the total number of records removed by this sweeper.
func (s *Sweeper) Deleted() int64 {
	return s.deleted.Load()
}

// run is the main loop that sweeps periodically.
func (s *Sweeper) run() {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info("background cleanup started", "interval", s.cfg.Interval.String())

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopChan:
			s.log.Info("background cleanup stopped", "runs", s.runs.Load(), "deleted", s.deleted.Load())
			return
		}
	}
}

// sweep runs one bounded cleanup. Errors are logged and retried next tick.
func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	deleted, err := s.cleaner.Cleanup(ctx)
	s.runs.Add(1)
	if err != nil {
		s.log.Error("cleanup failed", "error", err)
		return
	}

	s.deleted.Add(deleted)
	if deleted > 0 {
		s.log.Info("expired rate limits deleted", "deleted", deleted)
	} else {
		s.log.Debug("no expired rate limits")
	}
}
