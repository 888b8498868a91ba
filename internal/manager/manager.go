// Package manager fans bulk power operations out over the registry under
// bounded parallelism and produces one ExecutionReport per invocation.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/oceanpark/oceanctl/internal/actionlog"
	"github.com/oceanpark/oceanctl/internal/errors"
	"github.com/oceanpark/oceanctl/internal/metrics"
	"github.com/oceanpark/oceanctl/internal/models"
	"github.com/oceanpark/oceanctl/internal/protocols"
	"github.com/oceanpark/oceanctl/internal/registry"
	"github.com/oceanpark/oceanctl/internal/reports"
	"github.com/oceanpark/oceanctl/internal/retry"
)

// admissionWait is how long an API-driven bulk operation may wait for a
// free semaphore slot before the engine answers BUSY.
const admissionWait = time.Second

// Broadcaster pushes finished reports to connected clients. Nil disables
// pushes.
type Broadcaster interface {
	BroadcastReport(models.ExecutionReport)
}

// Manager resolves targets and drives the fan-out. One instance is shared
// by the HTTP surface and the scheduler.
type Manager struct {
	registry *registry.Registry
	adapters *protocols.Map
	executor *retry.Executor
	sink     *actionlog.Sink
	reports  *reports.Store
	hub      Broadcaster
	clock    clockwork.Clock

	// sem is the single global gate on outgoing device interactions,
	// shared with the monitor's probes.
	sem      *semaphore.Weighted
	deadline time.Duration

	// devMu serializes commands per device id; acquired before the
	// semaphore so a queued duplicate never holds a slot.
	devMu sync.Map // map[string]*sync.Mutex
}

// Config wires a Manager.
type Config struct {
	Registry  *registry.Registry
	Adapters  *protocols.Map
	Executor  *retry.Executor
	Sink      *actionlog.Sink
	Reports   *reports.Store
	Hub       Broadcaster
	Semaphore *semaphore.Weighted
	Deadline  time.Duration
	Clock     clockwork.Clock
}

// New creates a Manager.
func New(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Manager{
		registry: cfg.Registry,
		adapters: cfg.Adapters,
		executor: cfg.Executor,
		sink:     cfg.Sink,
		reports:  cfg.Reports,
		hub:      cfg.Hub,
		clock:    cfg.Clock,
		sem:      cfg.Semaphore,
		deadline: cfg.Deadline,
	}
}

// TurnOn powers on every device the target resolves to.
func (m *Manager) TurnOn(ctx context.Context, target string, admission bool) (models.ExecutionReport, error) {
	return m.execute(ctx, models.ActionTurnOn, target, admission)
}

// TurnOff powers off every device the target resolves to.
func (m *Manager) TurnOff(ctx context.Context, target string, admission bool) (models.ExecutionReport, error) {
	return m.execute(ctx, models.ActionTurnOff, target, admission)
}

// Query asks every device the target resolves to for its power state.
func (m *Manager) Query(ctx context.Context, target string, admission bool) (models.ExecutionReport, error) {
	return m.execute(ctx, models.ActionQuery, target, admission)
}

// execute resolves the target against the current registry snapshot, then
// runs the bounded fan-out. The target set is fixed at dispatch time; a
// registry reload mid-flight does not change it. Individual failures never
// abort siblings and the report always carries exactly one record per
// requested device.
func (m *Manager) execute(ctx context.Context, action models.Action, target string, admission bool) (models.ExecutionReport, error) {
	snap := m.registry.Snapshot()
	ids, err := snap.IDsMatching(target)
	if err != nil {
		return models.ExecutionReport{}, err
	}

	if admission {
		if err := m.admit(ctx); err != nil {
			return models.ExecutionReport{}, err
		}
	}

	report := models.ExecutionReport{
		StartedAt:       m.clock.Now().UTC(),
		RequestedAction: action,
		Target:          target,
		Results:         make(map[string]models.ActionRecord, len(ids)),
	}

	log.Info().
		Str("action", string(action)).
		Str("target", target).
		Int("devices", len(ids)).
		Msg("Bulk operation started")

	ctx, cancel := context.WithTimeout(ctx, m.deadline)
	defer cancel()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, id := range ids {
		dev, ok := snap.Get(id)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(dev models.Device) {
			defer wg.Done()
			record := m.runDevice(ctx, dev, action)
			m.sink.Append(record)
			metrics.RecordAction(record.Action, record.Outcome)
			mu.Lock()
			report.Results[dev.ID] = record
			mu.Unlock()
		}(dev)
	}
	wg.Wait()

	report.FinishedAt = m.clock.Now().UTC()
	for _, r := range report.Results {
		if r.Outcome == models.OutcomeSuccess {
			report.SuccessCount++
		} else {
			report.FailureCount++
		}
	}

	log.Info().
		Str("action", string(action)).
		Str("target", target).
		Int("success", report.SuccessCount).
		Int("failure", report.FailureCount).
		Dur("elapsed", report.FinishedAt.Sub(report.StartedAt)).
		Msg("Bulk operation finished")

	if m.reports != nil {
		if err := m.reports.AppendExecution(report); err != nil {
			log.Error().Err(err).Msg("Failed to persist execution report")
		}
	}
	if m.hub != nil {
		m.hub.BroadcastReport(report)
	}

	return report, nil
}

// admit rejects the operation with BUSY when no semaphore slot frees up
// within the admission window, so bulk requests never queue unboundedly.
func (m *Manager) admit(ctx context.Context) error {
	admitCtx, cancel := m.clockTimeout(ctx, admissionWait)
	defer cancel()
	if err := m.sem.Acquire(admitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return errors.New(errors.KindCancelled, "manager.admit", ctx.Err())
		}
		return errors.Newf(errors.KindBusy, "manager.admit", "all %s slots busy", admissionWait)
	}
	m.sem.Release(1)
	return nil
}

func (m *Manager) clockTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return clockwork.WithTimeout(ctx, m.clock, d)
}

// runDevice serializes on the device, takes a semaphore slot and runs the
// retried adapter call. Devices still waiting when the overall deadline
// elapses are reported as TIMEOUT with zero attempts.
func (m *Manager) runDevice(ctx context.Context, dev models.Device, action models.Action) models.ActionRecord {
	lock := m.deviceLock(dev.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return m.unattemptedRecord(ctx, dev.ID, action)
	}
	defer m.sem.Release(1)

	if ctx.Err() != nil {
		return m.unattemptedRecord(ctx, dev.ID, action)
	}

	adapter, ok := m.adapters.ForType(dev.Type)
	if !ok {
		return models.ActionRecord{
			Timestamp: m.clock.Now().UTC(),
			DeviceID:  dev.ID,
			Action:    action,
			Attempts:  1,
			Outcome:   models.OutcomeProtocolError,
			Error:     "no adapter for device type " + string(dev.Type),
		}
	}

	var state models.PowerState
	record := m.executor.Execute(ctx, dev.ID, action, func(ctx context.Context) error {
		switch action {
		case models.ActionTurnOn:
			return adapter.PowerOn(ctx, dev)
		case models.ActionTurnOff:
			return adapter.PowerOff(ctx, dev)
		default:
			var err error
			state, err = adapter.QueryPower(ctx, dev)
			return err
		}
	})
	if action == models.ActionQuery {
		record.State = state
	}
	return record
}

// unattemptedRecord classifies a device the fan-out never reached.
func (m *Manager) unattemptedRecord(ctx context.Context, deviceID string, action models.Action) models.ActionRecord {
	record := models.ActionRecord{
		Timestamp: m.clock.Now().UTC(),
		DeviceID:  deviceID,
		Action:    action,
		Attempts:  0,
	}
	if ctx.Err() == context.DeadlineExceeded {
		record.Outcome = models.OutcomeTimeout
		record.Error = "not attempted before overall deadline"
	} else {
		record.Outcome = models.OutcomeFail
		record.Cancelled = true
		record.Error = "cancelled before attempt"
	}
	return record
}

func (m *Manager) deviceLock(id string) *sync.Mutex {
	v, _ := m.devMu.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}
