package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/oceanpark/oceanctl/internal/actionlog"
	"github.com/oceanpark/oceanctl/internal/errors"
	"github.com/oceanpark/oceanctl/internal/models"
	"github.com/oceanpark/oceanctl/internal/protocols"
	"github.com/oceanpark/oceanctl/internal/registry"
	"github.com/oceanpark/oceanctl/internal/retry"
)

// mockAdapter scripts per-device behavior and tracks concurrency.
type mockAdapter struct {
	mu         sync.Mutex
	failFor    map[string]error
	delay      time.Duration
	started    map[string]bool
	inFlight   atomic.Int32
	maxGlobal  atomic.Int32
	perDevice  map[string]*atomic.Int32
	maxPerDev  atomic.Int32
	queryState models.PowerState
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{
		failFor:    make(map[string]error),
		started:    make(map[string]bool),
		perDevice:  make(map[string]*atomic.Int32),
		queryState: models.PowerOn,
	}
}

func (m *mockAdapter) enter(dev models.Device) func() {
	m.mu.Lock()
	m.started[dev.ID] = true
	ctr, ok := m.perDevice[dev.ID]
	if !ok {
		ctr = &atomic.Int32{}
		m.perDevice[dev.ID] = ctr
	}
	m.mu.Unlock()

	if g := m.inFlight.Add(1); g > m.maxGlobal.Load() {
		m.maxGlobal.Store(g)
	}
	if d := ctr.Add(1); d > m.maxPerDev.Load() {
		m.maxPerDev.Store(d)
	}
	return func() {
		ctr.Add(-1)
		m.inFlight.Add(-1)
	}
}

func (m *mockAdapter) run(ctx context.Context, dev models.Device) error {
	defer m.enter(dev)()
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	err := m.failFor[dev.ID]
	m.mu.Unlock()
	return err
}

func (m *mockAdapter) PowerOn(ctx context.Context, dev models.Device) error  { return m.run(ctx, dev) }
func (m *mockAdapter) PowerOff(ctx context.Context, dev models.Device) error { return m.run(ctx, dev) }
func (m *mockAdapter) QueryPower(ctx context.Context, dev models.Device) (models.PowerState, error) {
	return m.queryState, m.run(ctx, dev)
}

func (m *mockAdapter) startedDevices() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.started))
	for k, v := range m.started {
		out[k] = v
	}
	return out
}

type fixture struct {
	manager *Manager
	adapter *mockAdapter
	sem     *semaphore.Weighted
}

func newFixture(t *testing.T, deviceCount, concurrency int, deadline time.Duration) *fixture {
	t.Helper()

	devices := make([]models.Device, 0, deviceCount)
	for i := 1; i <= deviceCount; i++ {
		devices = append(devices, models.Device{
			ID: fmt.Sprintf("d%d", i), Name: fmt.Sprintf("Device %d", i),
			Type: models.DeviceTypeJSONRPCProjector, Host: "10.0.0.1", Port: 9090,
		})
	}
	var groups []models.Group
	if deviceCount >= 2 {
		groups = []models.Group{{ID: "g1", Name: "G1", DeviceIDs: []string{"d1", "d2"}}}
	}
	reg, err := registry.New(devices, groups)
	require.NoError(t, err)

	sink, err := actionlog.NewSink(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(sink.Close)

	adapter := newMockAdapter()
	sem := semaphore.NewWeighted(int64(concurrency))

	policy := models.RetryPolicy{MaxAttempts: 1, BaseIntervalSec: 1, BackoffMultiplier: 2, PerAttemptTimeoutSec: 5}
	mgr := New(Config{
		Registry: reg,
		Adapters: protocols.NewMapWith(map[models.DeviceType]protocols.Adapter{
			models.DeviceTypeJSONRPCProjector: adapter,
		}),
		Executor:  retry.New(policy, nil),
		Sink:      sink,
		Semaphore: sem,
		Deadline:  deadline,
	})
	return &fixture{manager: mgr, adapter: adapter, sem: sem}
}

func TestTurnOnReportsOneEntryPerDevice(t *testing.T) {
	fx := newFixture(t, 3, 10, time.Minute)

	report, err := fx.manager.TurnOn(context.Background(), models.TargetAll, false)
	require.NoError(t, err)

	assert.Len(t, report.Results, 3)
	assert.Equal(t, 3, report.SuccessCount)
	assert.Zero(t, report.FailureCount)
	for id, rec := range report.Results {
		assert.Equal(t, id, rec.DeviceID)
		assert.Equal(t, models.OutcomeSuccess, rec.Outcome)
	}
}

func TestPartialFailureDoesNotAbortSiblings(t *testing.T) {
	fx := newFixture(t, 3, 10, time.Minute)
	fx.adapter.failFor["d2"] = errors.Newf(errors.KindUnreachable, "test", "no route to host")

	report, err := fx.manager.TurnOff(context.Background(), models.TargetAll, false)
	require.NoError(t, err)

	assert.Equal(t, 2, report.SuccessCount)
	assert.Equal(t, 1, report.FailureCount)
	assert.Equal(t, models.OutcomeUnreachable, report.Results["d2"].Outcome)
	assert.Equal(t, models.OutcomeSuccess, report.Results["d1"].Outcome)
	assert.Equal(t, models.OutcomeSuccess, report.Results["d3"].Outcome)
}

func TestGroupTargetResolvesMembers(t *testing.T) {
	fx := newFixture(t, 3, 10, time.Minute)

	report, err := fx.manager.TurnOn(context.Background(), models.GroupTarget("g1"), false)
	require.NoError(t, err)
	assert.Len(t, report.Results, 2)
	assert.Contains(t, report.Results, "d1")
	assert.Contains(t, report.Results, "d2")
}

func TestUnresolvableTargetIsValidationError(t *testing.T) {
	fx := newFixture(t, 1, 10, time.Minute)

	_, err := fx.manager.TurnOn(context.Background(), models.DeviceTarget("ghost"), false)
	require.Error(t, err)
	var ce *errors.ControlError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, errors.KindValidation, ce.Kind)
}

func TestSemaphoreCapsConcurrency(t *testing.T) {
	fx := newFixture(t, 6, 2, time.Minute)
	fx.adapter.delay = 30 * time.Millisecond

	_, err := fx.manager.TurnOn(context.Background(), models.TargetAll, false)
	require.NoError(t, err)
	assert.LessOrEqual(t, fx.adapter.maxGlobal.Load(), int32(2))
}

func TestSameDeviceNeverRunsConcurrently(t *testing.T) {
	fx := newFixture(t, 1, 10, time.Minute)
	fx.adapter.delay = 30 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.manager.TurnOn(context.Background(), models.DeviceTarget("d1"), false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fx.adapter.maxPerDev.Load())
}

func TestBusyWhenSemaphoreSaturated(t *testing.T) {
	fx := newFixture(t, 1, 1, time.Minute)
	require.NoError(t, fx.sem.Acquire(context.Background(), 1))
	defer fx.sem.Release(1)

	start := time.Now()
	_, err := fx.manager.TurnOn(context.Background(), models.TargetAll, true)
	require.Error(t, err)

	var ce *errors.ControlError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, errors.KindBusy, ce.Kind)
	assert.GreaterOrEqual(t, time.Since(start), admissionWait)
}

func TestDeadlineMarksUnattemptedAsTimeout(t *testing.T) {
	fx := newFixture(t, 3, 1, 60*time.Millisecond)
	fx.adapter.delay = 5 * time.Second

	report, err := fx.manager.TurnOn(context.Background(), models.TargetAll, false)
	require.NoError(t, err)
	require.Len(t, report.Results, 3)

	started := fx.adapter.startedDevices()
	var unattempted int
	for id, rec := range report.Results {
		if !started[id] {
			assert.Equal(t, models.OutcomeTimeout, rec.Outcome, "device %s", id)
			assert.Zero(t, rec.Attempts, "device %s", id)
			unattempted++
		}
	}
	assert.GreaterOrEqual(t, unattempted, 1, "with C=1 and a 5s adapter, later devices must miss the deadline")
	assert.Zero(t, report.SuccessCount)
}

func TestQueryCarriesPowerState(t *testing.T) {
	fx := newFixture(t, 1, 10, time.Minute)
	fx.adapter.queryState = models.PowerOff

	report, err := fx.manager.Query(context.Background(), models.DeviceTarget("d1"), false)
	require.NoError(t, err)
	rec := report.Results["d1"]
	assert.Equal(t, models.ActionQuery, rec.Action)
	assert.Equal(t, models.PowerOff, rec.State)
}

func TestCancellationProducesCancelledRecords(t *testing.T) {
	fx := newFixture(t, 2, 1, time.Minute)
	fx.adapter.delay = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	report, err := fx.manager.TurnOn(ctx, models.TargetAll, false)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.Zero(t, report.SuccessCount)

	var cancelled int
	for _, rec := range report.Results {
		if rec.Cancelled {
			cancelled++
		}
	}
	assert.GreaterOrEqual(t, cancelled, 1)
}
