// Package monitor sweeps the fleet on a fixed interval, classifies every
// device ONLINE/OFFLINE with debounce, and derives at most one fleet
// alert per cycle.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/oceanpark/oceanctl/internal/actionlog"
	"github.com/oceanpark/oceanctl/internal/metrics"
	"github.com/oceanpark/oceanctl/internal/models"
	"github.com/oceanpark/oceanctl/internal/probe"
	"github.com/oceanpark/oceanctl/internal/registry"
	"github.com/oceanpark/oceanctl/internal/reports"
)

// offlineDebounce is how many consecutive failed probes flip an ONLINE
// device to OFFLINE. A single miss is treated as jitter.
const offlineDebounce = 2

// criticalOfflineCount and redAlertRatio bound the fleet alert levels:
// CRITICAL needs at least this many devices down while the offline share
// stays at or under redAlertRatio; beyond the ratio it is a RED_ALERT.
const (
	criticalOfflineCount = 3
	redAlertRatio        = 0.20
)

// Broadcaster pushes monitor output to connected clients. Satisfied by
// the websocket hub; nil disables pushes.
type Broadcaster interface {
	BroadcastHealth(models.HealthSnapshot)
	BroadcastAlert(models.AlertEvent)
}

// Monitor owns all DeviceHealthState. External readers only ever get
// snapshot copies.
type Monitor struct {
	registry *registry.Registry
	prober   *probe.Prober
	sem      *semaphore.Weighted
	clock    clockwork.Clock
	interval time.Duration
	sink     *actionlog.Sink
	reports  *reports.Store
	hub      Broadcaster

	mu     sync.RWMutex
	states map[string]*models.DeviceHealthState
	last   models.HealthSnapshot
}

// Config wires a Monitor.
type Config struct {
	Registry  *registry.Registry
	Prober    *probe.Prober
	Semaphore *semaphore.Weighted
	Interval  time.Duration
	Sink      *actionlog.Sink
	Reports   *reports.Store
	Hub       Broadcaster
	Clock     clockwork.Clock
}

// New creates a Monitor.
func New(cfg Config) *Monitor {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Monitor{
		registry: cfg.Registry,
		prober:   cfg.Prober,
		sem:      cfg.Semaphore,
		clock:    cfg.Clock,
		interval: cfg.Interval,
		sink:     cfg.Sink,
		reports:  cfg.Reports,
		hub:      cfg.Hub,
		states:   make(map[string]*models.DeviceHealthState),
	}
}

// Run sweeps immediately, then on every interval tick until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	log.Info().Dur("interval", m.interval).Msg("Monitor started")
	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Monitor stopped")
			return
		case <-m.clock.After(m.interval):
			m.Tick(ctx)
		}
	}
}

type probeOutcome struct {
	deviceID string
	result   probe.Result
	method   models.ProbeMethod
}

// Tick performs one full sweep: probe fan-out, state transitions, alert
// derivation, publication.
func (m *Monitor) Tick(ctx context.Context) {
	snap := m.registry.Snapshot()
	devices := snap.All()

	outcomes := m.probeAll(ctx, devices)
	if ctx.Err() != nil {
		return
	}

	now := m.clock.Now().UTC()
	recovered, wentOffline := m.applyTransitions(devices, outcomes, now)
	health := m.publishSnapshot(now)

	metrics.RecordSnapshot(health)
	m.recordSample(health)

	if alert, ok := m.deriveAlert(health, recovered, wentOffline, now); ok {
		m.emitAlert(alert)
	}

	if m.hub != nil {
		m.hub.BroadcastHealth(health)
	}

	log.Debug().
		Int("online", health.OnlineCount).
		Int("offline", health.OfflineCount).
		Int("total", health.TotalCount).
		Msg("Monitor cycle complete")
}

// probeAll runs the probes concurrently under the shared semaphore, so
// monitor traffic and bulk commands together never exceed the global
// concurrency bound.
func (m *Monitor) probeAll(ctx context.Context, devices []models.Device) []probeOutcome {
	outcomes := make([]probeOutcome, len(devices))
	var wg sync.WaitGroup
	for i, dev := range devices {
		wg.Add(1)
		go func(i int, dev models.Device) {
			defer wg.Done()
			if err := m.sem.Acquire(ctx, 1); err != nil {
				outcomes[i] = probeOutcome{deviceID: dev.ID, result: probe.Result{Detail: "probe cancelled"}}
				return
			}
			defer m.sem.Release(1)
			res := m.prober.Probe(ctx, dev)
			outcomes[i] = probeOutcome{deviceID: dev.ID, result: res, method: dev.Probe.Method}
			if res.Reachable {
				method := dev.Probe.Method
				if method == "" {
					method = models.ProbeICMP
				}
				metrics.RecordProbeLatency(method, res.Latency)
			}
		}(i, dev)
	}
	wg.Wait()
	return outcomes
}

// applyTransitions folds the probe results into the per-device states and
// returns which devices recovered or went offline this cycle. Devices no
// longer in the registry are forgotten.
func (m *Monitor) applyTransitions(devices []models.Device, outcomes []probeOutcome, now time.Time) (recovered, wentOffline []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := make(map[string]bool, len(devices))
	for _, dev := range devices {
		live[dev.ID] = true
		if _, ok := m.states[dev.ID]; !ok {
			m.states[dev.ID] = &models.DeviceHealthState{
				DeviceID:    dev.ID,
				Status:      models.StatusUnknown,
				StatusSince: now,
			}
		}
	}
	for id := range m.states {
		if !live[id] {
			delete(m.states, id)
		}
	}

	for _, o := range outcomes {
		st, ok := m.states[o.deviceID]
		if !ok {
			continue
		}
		st.LastProbedAt = now

		if o.result.Reachable {
			st.LastOKAt = now
			st.ConsecutiveFailures = 0
			st.LatencyMS = o.result.Latency.Milliseconds()
			if st.Status != models.StatusOnline {
				if st.Status == models.StatusOffline {
					recovered = append(recovered, o.deviceID)
				}
				st.Status = models.StatusOnline
				st.StatusSince = now
			}
			continue
		}

		st.ConsecutiveFailures++
		if st.Status != models.StatusOffline && st.ConsecutiveFailures >= offlineDebounce {
			st.Status = models.StatusOffline
			st.StatusSince = now
			wentOffline = append(wentOffline, o.deviceID)
			log.Warn().Str("device", o.deviceID).Str("detail", o.result.Detail).Msg("Device went offline")
		}
	}

	sort.Strings(recovered)
	sort.Strings(wentOffline)
	return recovered, wentOffline
}

// publishSnapshot rebuilds the copy-on-publish snapshot under the lock.
func (m *Monitor) publishSnapshot(now time.Time) models.HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := models.HealthSnapshot{
		TakenAt: now,
		Devices: make(map[string]models.DeviceHealthState, len(m.states)),
	}
	for id, st := range m.states {
		snap.Devices[id] = *st
		snap.TotalCount++
		switch st.Status {
		case models.StatusOnline:
			snap.OnlineCount++
		case models.StatusOffline:
			snap.OfflineCount++
		}
	}
	m.last = snap
	return snap.Clone()
}

// Snapshot returns a copy of the latest published snapshot.
func (m *Monitor) Snapshot() models.HealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last.Clone()
}

// deriveAlert picks the single highest-level alert the cycle triggers.
func (m *Monitor) deriveAlert(health models.HealthSnapshot, recovered, wentOffline []string, now time.Time) (models.AlertEvent, bool) {
	offlineIDs := make([]string, 0, health.OfflineCount)
	for id, st := range health.Devices {
		if st.Status == models.StatusOffline {
			offlineIDs = append(offlineIDs, id)
		}
	}
	sort.Strings(offlineIDs)

	ratio := 0.0
	if health.TotalCount > 0 {
		ratio = float64(health.OfflineCount) / float64(health.TotalCount)
	}

	alert := models.AlertEvent{ID: uuid.NewString(), Timestamp: now}
	switch {
	case ratio > redAlertRatio:
		alert.Level = models.AlertRedAlert
		alert.Message = fmt.Sprintf("%d of %d devices offline (%.0f%%)", health.OfflineCount, health.TotalCount, ratio*100)
		alert.DeviceIDs = offlineIDs
	case health.OfflineCount >= criticalOfflineCount:
		alert.Level = models.AlertCritical
		alert.Message = fmt.Sprintf("%d devices offline", health.OfflineCount)
		alert.DeviceIDs = offlineIDs
	case len(wentOffline) > 0:
		alert.Level = models.AlertWarning
		alert.Message = fmt.Sprintf("device(s) went offline: %v", wentOffline)
		alert.DeviceIDs = wentOffline
	case len(recovered) > 0:
		alert.Level = models.AlertInfo
		alert.Message = fmt.Sprintf("device(s) recovered: %v", recovered)
		alert.DeviceIDs = recovered
	default:
		return models.AlertEvent{}, false
	}
	return alert, true
}

// emitAlert fans the alert out to the report store, the action log and
// the websocket clients.
func (m *Monitor) emitAlert(alert models.AlertEvent) {
	metrics.RecordAlert(alert.Level)

	logEvent := log.Info()
	switch alert.Level {
	case models.AlertWarning:
		logEvent = log.Warn()
	case models.AlertCritical, models.AlertRedAlert:
		logEvent = log.Error()
	}
	logEvent.
		Str("level", string(alert.Level)).
		Strs("devices", alert.DeviceIDs).
		Msg(alert.Message)

	if err := m.reports.AppendAlert(alert); err != nil {
		log.Error().Err(err).Msg("Failed to persist alert")
	}

	outcome := models.OutcomeSuccess
	if alert.Level != models.AlertInfo {
		outcome = models.OutcomeFail
	}
	for _, id := range alert.DeviceIDs {
		m.sink.Append(models.ActionRecord{
			Timestamp: alert.Timestamp,
			DeviceID:  id,
			Action:    models.ActionProbe,
			Attempts:  1,
			Outcome:   outcome,
			Error:     string(alert.Level) + ": " + alert.Message,
		})
	}

	if m.hub != nil {
		m.hub.BroadcastAlert(alert)
	}
}

func (m *Monitor) recordSample(health models.HealthSnapshot) {
	sample := models.MonitorSample{
		Timestamp:    health.TakenAt,
		OnlineCount:  health.OnlineCount,
		OfflineCount: health.OfflineCount,
		TotalCount:   health.TotalCount,
	}
	if err := m.reports.AppendSample(sample); err != nil {
		log.Error().Err(err).Msg("Failed to persist monitor sample")
	}
}
