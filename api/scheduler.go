/*
scheduler.go - Automated generation sweep

PURPOSE:
  Periodically materializes due instances for every active obligation, so
  a user who never clicks "generate" still sees their recurring rows
  appear when a new month starts.

DESIGN:
  - Background goroutine with a configurable check interval
  - Fans out over active obligations with a bounded errgroup; each
    obligation is independent, so one failure never stops the sweep
  - Drifted obligations are reconciled first when possible; ones that
    stay unresolved are logged and skipped, never guessed at

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Concurrency:   Max obligations processed at once (default: 4)
  - Enabled:       Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewSweepScheduler(store, handler)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - engine/generator.go: Per-obligation generation
  - engine/reconcile.go: Drift repair
*/
package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/obligation-engine/engine"
	"golang.org/x/sync/errgroup"
)

// SweepScheduler drives periodic instance generation.
type SweepScheduler struct {
	Store         engine.Store
	Handler       *Handler
	Logger        *slog.Logger
	CheckInterval time.Duration
	Concurrency   int
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a new scheduler.
func NewSweepScheduler(store engine.Store, handler *Handler) *SweepScheduler {
	return &SweepScheduler{
		Store:         store,
		Handler:       handler,
		Logger:        slog.Default(),
		CheckInterval: 1 * time.Hour,
		Concurrency:   4,
		Enabled:       true,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return // already running
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker.C)

	s.Logger.Info("scheduler started", "interval", s.CheckInterval.String())
}

// Stop stops the scheduler and waits for an in-flight sweep to finish.
// Safe to call more than once, and before Start.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	close(s.stop)
	s.wg.Wait()
	s.Logger.Info("scheduler stopped")
}

func (s *SweepScheduler) run(tick <-chan time.Time) {
	defer s.wg.Done()

	// Run immediately on start
	s.sweep()

	for {
		select {
		case <-tick:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *SweepScheduler) sweep() {
	ctx := context.Background()
	now := time.Now().UTC()

	obligations, err := s.Store.ActiveObligations(ctx)
	if err != nil {
		s.Logger.Error("sweep: listing active obligations", "error", err)
		return
	}

	var (
		mu      sync.Mutex
		created int
		skipped int
		failed  int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Concurrency)

	for _, o := range obligations {
		o := o
		g.Go(func() error {
			c, sk, err := s.process(gctx, o, now)
			mu.Lock()
			defer mu.Unlock()
			created += c
			skipped += sk
			if err != nil {
				failed++
				s.Logger.Warn("sweep: obligation failed",
					"obligation_id", string(o.ID),
					"error", err)
			}
			// Per-obligation errors never cancel the group.
			return nil
		})
	}
	g.Wait()

	if created > 0 || skipped > 0 || failed > 0 {
		s.Logger.Info("sweep complete",
			"obligations", len(obligations),
			"instances_created", created,
			"periods_skipped", skipped,
			"failed", failed)
	}
}

// process handles one obligation: repair drift if needed, then generate.
func (s *SweepScheduler) process(ctx context.Context, o engine.Obligation, now time.Time) (created, skipped int, err error) {
	if o.Drifted() {
		if _, err := s.Handler.Reconciler.Reconcile(ctx, o.ID); err != nil {
			if errors.Is(err, engine.ErrDriftUnresolved) {
				// Flagged for manual review; nothing automatic to do.
				return 0, 0, err
			}
			return 0, 0, err
		}
	}

	report, err := s.Handler.Generator.Generate(ctx, o.ID, now)
	if err != nil {
		return 0, 0, err
	}
	return len(report.Created), len(report.Skipped), nil
}

// RunNow triggers an immediate sweep (for testing/admin).
func (s *SweepScheduler) RunNow() {
	s.sweep()
}
