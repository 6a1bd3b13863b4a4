package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryRunner is the unit of work the scheduler repeats
type RetryRunner interface {
	RetryDue(ctx context.Context) (int, error)
}

// Scheduler periodically processes due webhook retries
type Scheduler struct {
	runner   RetryRunner
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
	lastRun  time.Time
	lastErr  error
	claimed  int
}

// NewScheduler creates a new retry scheduler
func NewScheduler(runner RetryRunner, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins processing retries in the background
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	log.Info().Dur("interval", s.interval).Msg("Webhook retry scheduler started")
	return nil
}

// Stop stops the loop and waits for the in-flight batch
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	log.Info().Msg("Webhook retry scheduler stopped")
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunNow(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunNow(ctx)
		}
	}
}

// RunNow processes one batch immediately
func (s *Scheduler) RunNow(ctx context.Context) (int, error) {
	n, err := s.runner.RetryDue(ctx)

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastErr = err
	s.claimed = n
	s.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Int("claimed", n).Msg("Webhook retry batch failed")
	} else if n > 0 {
		log.Info().Int("claimed", n).Msg("Webhook retry batch completed")
	}
	return n, err
}

// SchedulerStatus represents the current status of the scheduler
type SchedulerStatus struct {
	Running     bool       `json:"running"`
	LastRun     *time.Time `json:"lastRun,omitempty"`
	LastClaimed int        `json:"lastClaimed"`
	LastError   string     `json:"lastError,omitempty"`
}

// GetStatus returns the current status of the scheduler
func (s *Scheduler) GetStatus() *SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := &SchedulerStatus{
		Running:     s.running,
		LastClaimed: s.claimed,
	}
	if !s.lastRun.IsZero() {
		lastRun := s.lastRun
		status.LastRun = &lastRun
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	return status
}
