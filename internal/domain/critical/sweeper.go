package critical

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SweepStats summarizes one sweep pass.
type SweepStats struct {
	Retried   int `json:"retried"`
	Escalated int `json:"escalated"`
	Errors    int `json:"errors"`
}

// Sweeper periodically retries pending notifications and escalates notified
// results that have gone unacknowledged past the threshold. Each pass fans
// records out across a bounded worker pool; one bad record never stops the
// rest, and the conditional status updates in the tracker make overlapping
// passes safe.
type Sweeper struct {
	tracker     *Tracker
	interval    time.Duration
	concurrency int
	batchSize   int
	logger      zerolog.Logger
	now         func() time.Time
}

func NewSweeper(tracker *Tracker, interval time.Duration, concurrency int, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Sweeper{
		tracker:     tracker,
		interval:    interval,
		concurrency: concurrency,
		batchSize:   500,
		logger:      logger,
		now:         time.Now,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", s.interval).
		Dur("threshold", s.tracker.Threshold()).
		Int("concurrency", s.concurrency).
		Msg("escalation sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("escalation sweeper stopped")
			return
		case <-ticker.C:
			stats, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("sweep pass failed")
				continue
			}
			if stats.Retried > 0 || stats.Escalated > 0 || stats.Errors > 0 {
				s.logger.Info().
					Int("retried", stats.Retried).
					Int("escalated", stats.Escalated).
					Int("errors", stats.Errors).
					Msg("sweep pass complete")
			}
		}
	}
}

// Sweep runs one pass: retry pending notifications, then escalate stale
// notified results. Escalation triggers once the full threshold has elapsed
// since the last notification, never before.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	pending, err := s.tracker.results.ListPending(ctx, s.batchSize)
	if err != nil {
		return stats, err
	}
	retried, retryErrs := s.each(ctx, pending, func(ctx context.Context, r *Result) error {
		return s.tracker.Notify(ctx, r)
	})
	stats.Retried = retried
	stats.Errors += retryErrs

	cutoff := s.now().Add(-s.tracker.Threshold())
	stale, err := s.tracker.results.ListStale(ctx, cutoff, s.batchSize)
	if err != nil {
		return stats, err
	}
	escalated, escErrs := s.each(ctx, stale, func(ctx context.Context, r *Result) error {
		return s.tracker.Escalate(ctx, r)
	})
	stats.Escalated = escalated
	stats.Errors += escErrs

	return stats, nil
}

// each applies fn to every result through the worker pool and returns how
// many succeeded and how many failed. A lost conditional update means
// another writer handled the record and is not an error.
func (s *Sweeper) each(ctx context.Context, results []*Result, fn func(context.Context, *Result) error) (ok, failed int) {
	if len(results) == 0 {
		return 0, 0
	}

	jobs := make(chan *Result)
	var mu sync.Mutex
	var wg sync.WaitGroup

	workers := s.concurrency
	if workers > len(results) {
		workers = len(results)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range jobs {
				err := fn(ctx, r)
				mu.Lock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, ErrConflict), errors.Is(err, ErrFinal):
					// Someone else moved the record first.
				default:
					failed++
					s.logger.Warn().
						Str("result_id", r.ID.String()).
						Err(err).
						Msg("sweep record failed")
				}
				mu.Unlock()
			}
		}()
	}

	for _, r := range results {
		select {
		case jobs <- r:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ok, failed
		}
	}
	close(jobs)
	wg.Wait()
	return ok, failed
}
