// Package scheduler fires persisted cron jobs against the device manager.
// Jobs survive restarts in a SQLite store; fires that would have happened
// while the process was down are skipped, not replayed.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/oceanpark/oceanctl/internal/actionlog"
	"github.com/oceanpark/oceanctl/internal/errors"
	"github.com/oceanpark/oceanctl/internal/metrics"
	"github.com/oceanpark/oceanctl/internal/models"
)

// Runner dispatches a fired job. Satisfied by the device manager.
type Runner interface {
	TurnOn(ctx context.Context, target string, admission bool) (models.ExecutionReport, error)
	TurnOff(ctx context.Context, target string, admission bool) (models.ExecutionReport, error)
	Query(ctx context.Context, target string, admission bool) (models.ExecutionReport, error)
}

// parser accepts standard five-field cron expressions.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type entry struct {
	job      models.ScheduledJob
	schedule cron.Schedule
	nextRun  time.Time
}

// Scheduler owns the in-memory job table and the fire loop. All mutations
// hit the store first; a persistence failure leaves memory untouched.
type Scheduler struct {
	store  *Store
	runner Runner
	sink   *actionlog.Sink
	clock  clockwork.Clock
	loc    *time.Location

	mu      sync.Mutex
	entries map[string]*entry
	wake    chan struct{}

	running atomic.Bool
}

// New loads the persisted jobs and prepares the fire loop. Rows with a
// cron expression that no longer parses are kept in the store but skipped,
// with a warning, so an operator can repair them.
func New(store *Store, runner Runner, sink *actionlog.Sink, loc *time.Location, clock clockwork.Clock) (*Scheduler, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Scheduler{
		store:   store,
		runner:  runner,
		sink:    sink,
		clock:   clock,
		loc:     loc,
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
	}

	jobs, err := store.List()
	if err != nil {
		return nil, err
	}
	now := clock.Now().In(loc)
	for _, job := range jobs {
		schedule, err := parser.Parse(job.CronExpr)
		if err != nil {
			log.Warn().Str("job", job.ID).Str("cron", job.CronExpr).Err(err).
				Msg("Persisted job has unparseable cron expression, skipping")
			continue
		}
		s.entries[job.ID] = &entry{
			job:      job,
			schedule: schedule,
			nextRun:  schedule.Next(now),
		}
	}
	log.Info().Int("jobs", len(s.entries)).Str("db", store.dbPath).Msg("Schedule loaded")
	return s, nil
}

// Run drives the fire loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)
	for {
		wait := s.untilNextFire()
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			continue
		case <-s.clock.After(wait):
			s.fireDue(ctx)
		}
	}
}

// untilNextFire returns the sleep until the earliest enabled job is due.
// With nothing scheduled the loop parks for a minute and re-checks.
func (s *Scheduler) untilNextFire() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := time.Time{}
	for _, e := range s.entries {
		if !e.job.Enabled {
			continue
		}
		if next.IsZero() || e.nextRun.Before(next) {
			next = e.nextRun
		}
	}
	if next.IsZero() {
		return time.Minute
	}
	wait := next.Sub(s.clock.Now())
	if wait < 0 {
		wait = 0
	}
	return wait
}

// fireDue runs every enabled job whose next run has arrived. Jobs due in
// the same instant fire in ascending id order. Next runs are recomputed
// from the current time, so fires missed while the loop was busy or the
// process was down collapse into the upcoming occurrence.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.clock.Now().In(s.loc)

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if e.job.Enabled && !e.nextRun.After(now) {
			due = append(due, e)
			e.nextRun = e.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].job.ID < due[j].job.ID })
	for _, e := range due {
		s.dispatch(ctx, e.job)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, job models.ScheduledJob) {
	log.Info().
		Str("job", job.ID).
		Str("action", string(job.Action)).
		Str("target", job.Target).
		Msg("Scheduled job firing")

	var (
		report models.ExecutionReport
		err    error
	)
	switch job.Action {
	case models.ActionTurnOn:
		report, err = s.runner.TurnOn(ctx, job.Target, false)
	case models.ActionTurnOff:
		report, err = s.runner.TurnOff(ctx, job.Target, false)
	case models.ActionQuery:
		report, err = s.runner.Query(ctx, job.Target, false)
	default:
		err = errors.Newf(errors.KindValidation, "scheduler.dispatch", "job %q has unsupported action %q", job.ID, job.Action)
	}
	if err != nil {
		metrics.ScheduledFiresTotal.WithLabelValues("error").Inc()
		log.Error().Str("job", job.ID).Err(err).Msg("Scheduled job failed to dispatch")
		// A target that no longer resolves is recorded, never fatal.
		if s.sink != nil {
			s.sink.Append(models.ActionRecord{
				Timestamp: s.clock.Now().UTC(),
				DeviceID:  job.Target,
				Action:    job.Action,
				Attempts:  0,
				Outcome:   models.OutcomeProtocolError,
				Error:     fmt.Sprintf("job %s: %v", job.ID, err),
			})
		}
		return
	}
	metrics.ScheduledFiresTotal.WithLabelValues("ok").Inc()
	log.Info().
		Str("job", job.ID).
		Int("success", report.SuccessCount).
		Int("failure", report.FailureCount).
		Msg("Scheduled job finished")
}

// Running reports whether the fire loop is currently live.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Jobs lists every job with its computed next run, ordered by id.
func (s *Scheduler) Jobs() []models.ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ScheduledJob, 0, len(s.entries))
	for _, e := range s.entries {
		job := e.job
		if job.Enabled {
			job.NextRun = e.nextRun
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one job.
func (s *Scheduler) Get(id string) (models.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return models.ScheduledJob{}, errors.Newf(errors.KindNotFound, "scheduler.get", "job %q not found", id)
	}
	job := e.job
	if job.Enabled {
		job.NextRun = e.nextRun
	}
	return job, nil
}

// Create validates and persists a new job. A blank id gets a generated
// one; the stored job is returned.
func (s *Scheduler) Create(job models.ScheduledJob) (models.ScheduledJob, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	schedule, err := s.validate(job)
	if err != nil {
		return models.ScheduledJob{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[job.ID]; exists {
		return models.ScheduledJob{}, errors.Newf(errors.KindValidation, "scheduler.create", "job %q already exists", job.ID)
	}
	if err := s.store.Put(job); err != nil {
		return models.ScheduledJob{}, err
	}
	e := &entry{job: job, schedule: schedule, nextRun: schedule.Next(s.clock.Now().In(s.loc))}
	s.entries[job.ID] = e
	s.poke()

	out := job
	if out.Enabled {
		out.NextRun = e.nextRun
	}
	return out, nil
}

// Update replaces an existing job's definition and recomputes its next run.
func (s *Scheduler) Update(job models.ScheduledJob) (models.ScheduledJob, error) {
	schedule, err := s.validate(job)
	if err != nil {
		return models.ScheduledJob{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[job.ID]; !exists {
		return models.ScheduledJob{}, errors.Newf(errors.KindNotFound, "scheduler.update", "job %q not found", job.ID)
	}
	if err := s.store.Put(job); err != nil {
		return models.ScheduledJob{}, err
	}
	e := &entry{job: job, schedule: schedule, nextRun: schedule.Next(s.clock.Now().In(s.loc))}
	s.entries[job.ID] = e
	s.poke()

	out := job
	if out.Enabled {
		out.NextRun = e.nextRun
	}
	return out, nil
}

// Delete removes a job from store and memory.
func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[id]; !exists {
		return errors.Newf(errors.KindNotFound, "scheduler.delete", "job %q not found", id)
	}
	if err := s.store.Delete(id); err != nil {
		return err
	}
	delete(s.entries, id)
	s.poke()
	return nil
}

// SetEnabled pauses or resumes a job. Resuming recomputes the next run
// from now, so occurrences skipped while paused do not fire.
func (s *Scheduler) SetEnabled(id string, enabled bool) (models.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return models.ScheduledJob{}, errors.Newf(errors.KindNotFound, "scheduler.setEnabled", "job %q not found", id)
	}
	if err := s.store.SetEnabled(id, enabled); err != nil {
		return models.ScheduledJob{}, err
	}
	e.job.Enabled = enabled
	if enabled {
		e.nextRun = e.schedule.Next(s.clock.Now().In(s.loc))
	}
	s.poke()

	job := e.job
	if job.Enabled {
		job.NextRun = e.nextRun
	}
	return job, nil
}

// TriggerNow fires a job immediately. The cron-derived next run is not
// consumed or shifted. Disabled jobs can be triggered too.
func (s *Scheduler) TriggerNow(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	var job models.ScheduledJob
	if ok {
		job = e.job
	}
	s.mu.Unlock()

	if !ok {
		return errors.Newf(errors.KindNotFound, "scheduler.trigger", "job %q not found", id)
	}
	s.dispatch(ctx, job)
	return nil
}

func (s *Scheduler) validate(job models.ScheduledJob) (cron.Schedule, error) {
	switch job.Action {
	case models.ActionTurnOn, models.ActionTurnOff, models.ActionQuery:
	default:
		return nil, errors.Newf(errors.KindValidation, "scheduler.validate", "unsupported action %q", job.Action)
	}
	if _, _, err := models.ParseTarget(job.Target); err != nil {
		return nil, errors.New(errors.KindValidation, "scheduler.validate", err)
	}
	schedule, err := parser.Parse(job.CronExpr)
	if err != nil {
		return nil, errors.Newf(errors.KindValidation, "scheduler.validate", "cron expression %q: %v", job.CronExpr, err)
	}
	return schedule, nil
}
