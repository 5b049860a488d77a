// Package sweep runs the periodic background jobs that repair lazily
// evaluated state: expired task leases, blackboard TTLs, overdue message
// acks, reputation decay, and retention cleanups. Every job is idempotent,
// so overlapping or repeated runs converge on the same state.
package sweep

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is one periodic sweep. Run returns how many records it touched.
type Job struct {
	// Name identifies the job in logs.
	Name string

	// Interval is the time between runs.
	Interval time.Duration

	// Run performs one sweep pass.
	Run func(ctx context.Context) (int, error)
}

// Sweeper drives registered jobs, one ticker loop per job.
type Sweeper struct {
	mu      sync.Mutex
	jobs    []Job
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	logger  *zap.Logger
}

// NewSweeper creates a sweeper with no jobs registered.
func NewSweeper(logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{logger: logger.With(zap.String("component", "sweep"))}
}

// Register adds a job. Must be called before Start.
func (s *Sweeper) Register(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || job.Run == nil || job.Interval <= 0 {
		return
	}
	s.jobs = append(s.jobs, job)
}

// Start launches one loop per registered job. Loops stop when the given
// context is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
	s.logger.Info("sweeper started", zap.Int("jobs", len(s.jobs)))
}

// Stop cancels all loops and waits for them to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	s.logger.Info("sweeper stopped")
}

// RunOnce runs every registered job a single time, for tests and manual
// repair. It returns the total number of touched records.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	s.mu.Lock()
	jobs := make([]Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	total := 0
	for _, job := range jobs {
		total += s.runJob(ctx, job)
	}
	return total
}

func (s *Sweeper) loop(ctx context.Context, job Job) {
	defer s.wg.Done()
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runJob(ctx, job)
		}
	}
}

func (s *Sweeper) runJob(ctx context.Context, job Job) int {
	count, err := job.Run(ctx)
	if err != nil {
		s.logger.Warn("sweep job failed",
			zap.String("job", job.Name),
			zap.Error(err),
		)
		return 0
	}
	if count > 0 {
		s.logger.Debug("sweep job ran",
			zap.String("job", job.Name),
			zap.Int("touched", count),
		)
	}
	return count
}
