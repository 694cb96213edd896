// Package scheduling runs background jobs on fixed intervals.
package scheduling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

// Job is a task run periodically by the Scheduler.
type Job interface {
	Name() string
	Interval() time.Duration
	// Execute runs one pass. The context is cancelled when the scheduler
	// stops.
	Execute(ctx context.Context) error
}

// Scheduler runs registered jobs in UTC. A job never overlaps with itself:
// a run that is still going when the next one is due makes that run skip.
type Scheduler struct {
	scheduler *gocron.Scheduler
	logger    zerolog.Logger

	mu      sync.Mutex
	jobs    map[string]Job
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewScheduler(logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		logger:    logger.With().Str("component", "scheduler").Logger(),
		jobs:      make(map[string]Job),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Scheduler) run(job Job) {
	start := time.Now()
	log := s.logger.With().Str("job", job.Name()).Logger()
	if err := job.Execute(s.ctx); err != nil {
		log.Error().Err(err).Dur("duration", time.Since(start)).Msg("scheduled job failed")
		return
	}
	log.Debug().Dur("duration", time.Since(start)).Msg("scheduled job completed")
}

// Add registers job. The first run happens one interval after Start.
func (s *Scheduler) Add(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.Interval() <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name())
	}
	if _, ok := s.jobs[job.Name()]; ok {
		return fmt.Errorf("job %s already registered", job.Name())
	}

	_, err := s.scheduler.Every(job.Interval()).
		Tag(job.Name()).
		SingletonMode().
		WaitForSchedule().
		Do(s.run, job)
	if err != nil {
		return fmt.Errorf("register job %s: %w", job.Name(), err)
	}

	s.jobs[job.Name()] = job
	s.logger.Info().Str("job", job.Name()).Dur("interval", job.Interval()).Msg("job registered")
	return nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || len(s.jobs) == 0 {
		return
	}
	s.scheduler.StartAsync()
	s.started = true

	for _, j := range s.scheduler.Jobs() {
		s.logger.Info().Strs("tags", j.Tags()).Time("next_run", j.NextRun()).Msg("job scheduled")
	}
}

// Stop cancels running jobs and stops the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancel()
	if !s.started {
		return
	}
	s.scheduler.Stop()
	s.started = false
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// RunNow executes the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job not found: %s", name)
	}
	return job.Execute(ctx)
}
