package cron

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallnest/clawrun/config"
	"github.com/smallnest/clawrun/errors"
	"github.com/smallnest/clawrun/internal/logger"
	"github.com/smallnest/clawrun/runs"
	"github.com/smallnest/clawrun/scheduler"
	"go.uber.org/zap"
)

const defaultTick = time.Second

// Enqueuer admits turns. *scheduler.Scheduler satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, req scheduler.Request) (*scheduler.Admission, error)
}

// Service fires jobs into the scheduler. Every firing is an internal run
// with a per-job dedupe key, so a job never piles up behind a busy session:
// while its previous turn is still queued, the new firing joins it.
type Service struct {
	enqueuer Enqueuer
	tick     time.Duration
	now      func() time.Time

	jobs      map[string]*Job
	jobsMutex sync.RWMutex

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	log *logger.FieldLogger
}

// Option configures a Service.
type Option func(*Service)

// WithTick sets how often due jobs are checked.
func WithTick(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new cron service
func NewService(enqueuer Enqueuer, opts ...Option) *Service {
	s := &Service{
		enqueuer: enqueuer,
		tick:     defaultTick,
		now:      time.Now,
		jobs:     make(map[string]*Job),
		log:      logger.Component("cron"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// JobsFromConfig converts configured jobs.
func JobsFromConfig(cfg []config.CronJobConfig) []*Job {
	jobs := make([]*Job, 0, len(cfg))
	for _, c := range cfg {
		jobs = append(jobs, &Job{
			Name:      c.Name,
			SessionID: c.SessionID,
			Message:   c.Message,
			Every:     c.Every,
			Mode:      runs.Mode(c.Mode),
			Source:    c.Source,
			State:     JobState{Enabled: !c.Disabled},
		})
	}
	return jobs
}

// Start starts the cron service
func (s *Service) Start(ctx context.Context) error {
	s.jobsMutex.Lock()
	defer s.jobsMutex.Unlock()

	if s.running {
		return nil
	}

	s.running = true
	s.stopChan = make(chan struct{})

	// Start the timer
	s.wg.Add(1)
	go s.runTimer(ctx, s.stopChan)

	s.log.Info("Cron service started",
		zap.Int("total_jobs", len(s.jobs)),
		zap.Int("enabled_jobs", s.countEnabledJobs()))

	return nil
}

// Stop stops the cron service
func (s *Service) Stop() error {
	s.jobsMutex.Lock()
	if !s.running {
		s.jobsMutex.Unlock()
		return nil
	}
	close(s.stopChan)
	s.running = false
	s.jobsMutex.Unlock()

	// Wait for goroutines
	s.wg.Wait()

	s.log.Info("Cron service stopped")
	return nil
}

// AddJob validates and registers a job. Its first firing is one interval
// from now.
func (s *Service) AddJob(job *Job) error {
	job.SessionID = strings.TrimSpace(job.SessionID)
	if job.SessionID == "" {
		return errors.InvalidInput("cron job requires a session id")
	}
	if strings.TrimSpace(job.Message) == "" {
		return errors.InvalidInput("cron job requires a message")
	}
	if job.Every <= 0 {
		return errors.InvalidInput("cron job interval must be positive")
	}
	if job.Mode == "" {
		job.Mode = runs.ModeCollect
	}
	if _, ok := runs.ParseMode(string(job.Mode)); !ok {
		return errors.InvalidInput("unknown mode '" + string(job.Mode) + "'")
	}

	s.jobsMutex.Lock()
	defer s.jobsMutex.Unlock()

	if job.ID == "" {
		job.ID = generateJobID()
	}
	if _, exists := s.jobs[job.ID]; exists {
		return errors.InvalidInput(fmt.Sprintf("cron job '%s' already exists", job.ID))
	}
	if job.Name == "" {
		job.Name = job.ID
	}
	if job.Source == "" {
		job.Source = "cron:" + job.Name
	}

	now := s.now()
	job.CreatedAt = now
	next := now.Add(job.Every)
	job.State.NextRunAt = &next

	s.jobs[job.ID] = job
	s.log.Debug("Cron job added",
		zap.String("job_id", job.ID),
		zap.String("session_id", job.SessionID),
		zap.Duration("every", job.Every))
	return nil
}

// RemoveJob removes a job
func (s *Service) RemoveJob(id string) error {
	s.jobsMutex.Lock()
	defer s.jobsMutex.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return errors.NotFound("cron job '" + id + "'")
	}
	delete(s.jobs, id)
	return nil
}

// GetJob returns a copy of one job.
func (s *Service) GetJob(id string) (*Job, error) {
	s.jobsMutex.RLock()
	defer s.jobsMutex.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.NotFound("cron job '" + id + "'")
	}
	return job.Clone(), nil
}

// ListJobs returns copies of all jobs ordered by name.
func (s *Service) ListJobs() []*Job {
	s.jobsMutex.RLock()
	defer s.jobsMutex.RUnlock()

	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunJob fires a job immediately, regardless of its schedule.
func (s *Service) RunJob(ctx context.Context, id string) (*Job, error) {
	s.jobsMutex.RLock()
	_, ok := s.jobs[id]
	s.jobsMutex.RUnlock()
	if !ok {
		return nil, errors.NotFound("cron job '" + id + "'")
	}

	s.executeJob(ctx, id)
	return s.GetJob(id)
}

// runTimer is the main timer loop
func (s *Service) runTimer(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.checkAndRunJobs(ctx, s.now())
		}
	}
}

// checkAndRunJobs checks for due jobs and executes them
func (s *Service) checkAndRunJobs(ctx context.Context, now time.Time) {
	s.jobsMutex.RLock()
	var due []string
	for id, job := range s.jobs {
		if job.ShouldRun(now) {
			due = append(due, id)
		}
	}
	s.jobsMutex.RUnlock()

	for _, id := range due {
		s.executeJob(ctx, id)
	}
}

// executeJob submits one firing and records the outcome.
func (s *Service) executeJob(ctx context.Context, id string) {
	s.jobsMutex.RLock()
	job, ok := s.jobs[id]
	var snapshot *Job
	if ok {
		snapshot = job.Clone()
	}
	s.jobsMutex.RUnlock()
	if !ok {
		return
	}

	adm, err := s.enqueuer.Enqueue(ctx, scheduler.Request{
		SessionID: snapshot.SessionID,
		Message:   snapshot.Message,
		Internal:  true,
		Source:    snapshot.Source,
		Mode:      snapshot.Mode,
		DedupeKey: "cron:" + snapshot.ID,
	})

	status, runID, errMsg := StatusAdmitted, "", ""
	switch {
	case err != nil:
		status, errMsg = StatusError, errors.GetMessage(err)
	case adm.Deduped:
		status, runID = StatusDeduped, adm.RunID
	case adm.Coalesced:
		status, runID = StatusCoalesced, adm.RunID
	default:
		runID = adm.RunID
	}

	now := s.now()
	s.jobsMutex.Lock()
	if job, ok := s.jobs[id]; ok {
		job.MarkCompleted(now, status, runID, errMsg)
	}
	s.jobsMutex.Unlock()

	if err != nil {
		s.log.Warn("Cron job firing failed",
			zap.String("job_id", id),
			zap.String("session_id", snapshot.SessionID),
			zap.Error(err))
		return
	}
	s.log.Debug("Cron job fired",
		zap.String("job_id", id),
		zap.String("run_id", runID),
		zap.String("status", status))
}

// countEnabledJobs returns the number of enabled jobs
func (s *Service) countEnabledJobs() int {
	count := 0
	for _, job := range s.jobs {
		if job.State.Enabled {
			count++
		}
	}
	return count
}

// Helper functions

func generateJobID() string {
	return fmt.Sprintf("job-%s", uuid.New().String()[:8])
}
