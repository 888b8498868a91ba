package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanpark/oceanctl/internal/models"
)

// fakeRunner records dispatched actions in order.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string // "<action> <target>"
	fired chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{fired: make(chan string, 16)}
}

func (f *fakeRunner) record(action models.Action, target string) (models.ExecutionReport, error) {
	f.mu.Lock()
	f.calls = append(f.calls, string(action)+" "+target)
	f.mu.Unlock()
	f.fired <- target
	return models.ExecutionReport{RequestedAction: action, Target: target, SuccessCount: 1}, nil
}

func (f *fakeRunner) TurnOn(ctx context.Context, target string, admission bool) (models.ExecutionReport, error) {
	return f.record(models.ActionTurnOn, target)
}

func (f *fakeRunner) TurnOff(ctx context.Context, target string, admission bool) (models.ExecutionReport, error) {
	return f.record(models.ActionTurnOff, target)
}

func (f *fakeRunner) Query(ctx context.Context, target string, admission bool) (models.ExecutionReport, error) {
	return f.record(models.ActionQuery, target)
}

func (f *fakeRunner) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schedule.db")
	store, err := OpenStore(path)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store, path
}

func newTestScheduler(t *testing.T, store *Store, runner Runner, clock clockwork.Clock) *Scheduler {
	t.Helper()
	s, err := New(store, runner, nil, time.UTC, clock)
	require.NoError(t, err)
	return s
}

func TestCreateValidatesJob(t *testing.T) {
	store, _ := openTestStore(t)
	s := newTestScheduler(t, store, newFakeRunner(), clockwork.NewFakeClock())

	_, err := s.Create(models.ScheduledJob{CronExpr: "not cron", Action: models.ActionTurnOn, Target: "all", Enabled: true})
	assert.Error(t, err, "bad cron expression")

	_, err = s.Create(models.ScheduledJob{CronExpr: "0 21 * * *", Action: "REBOOT", Target: "all", Enabled: true})
	assert.Error(t, err, "unsupported action")

	_, err = s.Create(models.ScheduledJob{CronExpr: "0 21 * * *", Action: models.ActionTurnOn, Target: "everything", Enabled: true})
	assert.Error(t, err, "bad target")

	job, err := s.Create(models.ScheduledJob{CronExpr: "0 21 * * *", Action: models.ActionTurnOff, Target: "all", Enabled: true})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID, "id generated when blank")
	assert.False(t, job.NextRun.IsZero())
}

func TestJobsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.db")
	store, err := OpenStore(path)
	require.NoError(t, err)

	s := newTestScheduler(t, store, newFakeRunner(), clockwork.NewFakeClock())
	created, err := s.Create(models.ScheduledJob{
		ID: "nightly-off", CronExpr: "0 21 * * *", Action: models.ActionTurnOff, Target: "all", Enabled: true,
	})
	require.NoError(t, err)
	store.Close()

	store2, err := OpenStore(path)
	require.NoError(t, err)
	defer store2.Close()
	s2 := newTestScheduler(t, store2, newFakeRunner(), clockwork.NewFakeClock())

	got, err := s2.Get("nightly-off")
	require.NoError(t, err)
	assert.Equal(t, created.CronExpr, got.CronExpr)
	assert.Equal(t, created.Action, got.Action)
	assert.True(t, got.Enabled)
}

func TestFireAtCronTime(t *testing.T) {
	store, _ := openTestStore(t)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 24, 20, 0, 0, 0, time.UTC))
	runner := newFakeRunner()
	s := newTestScheduler(t, store, runner, clock)

	_, err := s.Create(models.ScheduledJob{
		ID: "nightly-off", CronExpr: "0 21 * * *", Action: models.ActionTurnOff, Target: "all", Enabled: true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	clock.BlockUntil(1)
	clock.Advance(time.Hour)

	select {
	case target := <-runner.fired:
		assert.Equal(t, "all", target)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not fire")
	}
	assert.Equal(t, []string{"TURN_OFF all"}, runner.callList())
}

func TestSameSecondJobsFireInIDOrder(t *testing.T) {
	store, _ := openTestStore(t)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 24, 20, 59, 0, 0, time.UTC))
	runner := newFakeRunner()
	s := newTestScheduler(t, store, runner, clock)

	for _, j := range []models.ScheduledJob{
		{ID: "b-cubes", CronExpr: "0 21 * * *", Action: models.ActionTurnOff, Target: "group:cubes", Enabled: true},
		{ID: "a-projectors", CronExpr: "0 21 * * *", Action: models.ActionTurnOff, Target: "group:projectors", Enabled: true},
	} {
		_, err := s.Create(j)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	var order []string
	for i := 0; i < 2; i++ {
		select {
		case target := <-runner.fired:
			order = append(order, target)
		case <-time.After(5 * time.Second):
			t.Fatal("jobs did not fire")
		}
	}
	assert.Equal(t, []string{"group:projectors", "group:cubes"}, order)
}

func TestMissedFiresAreSkippedOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.db")
	store, err := OpenStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Put(models.ScheduledJob{
		ID: "nightly-off", CronExpr: "0 21 * * *", Action: models.ActionTurnOff, Target: "all", Enabled: true,
	}))

	// The engine was down over several 21:00 occurrences; on load the next
	// run is strictly in the future, nothing is replayed.
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 24, 23, 30, 0, 0, time.UTC))
	runner := newFakeRunner()
	s := newTestScheduler(t, store, runner, clock)
	defer store.Close()

	job, err := s.Get("nightly-off")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 25, 21, 0, 0, 0, time.UTC), job.NextRun)
	assert.Empty(t, runner.callList())
}

func TestTriggerNowDoesNotShiftNextRun(t *testing.T) {
	store, _ := openTestStore(t)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	runner := newFakeRunner()
	s := newTestScheduler(t, store, runner, clock)

	_, err := s.Create(models.ScheduledJob{
		ID: "nightly-off", CronExpr: "0 21 * * *", Action: models.ActionTurnOff, Target: "all", Enabled: true,
	})
	require.NoError(t, err)
	before, _ := s.Get("nightly-off")

	require.NoError(t, s.TriggerNow(context.Background(), "nightly-off"))
	<-runner.fired

	after, _ := s.Get("nightly-off")
	assert.Equal(t, before.NextRun, after.NextRun)

	assert.Error(t, s.TriggerNow(context.Background(), "ghost"))
}

func TestPersistFailureLeavesMemoryUntouched(t *testing.T) {
	store, _ := openTestStore(t)
	s := newTestScheduler(t, store, newFakeRunner(), clockwork.NewFakeClock())

	_, err := s.Create(models.ScheduledJob{
		ID: "keep", CronExpr: "0 9 * * *", Action: models.ActionTurnOn, Target: "all", Enabled: true,
	})
	require.NoError(t, err)

	store.Close()

	_, err = s.Create(models.ScheduledJob{
		ID: "doomed", CronExpr: "0 10 * * *", Action: models.ActionTurnOn, Target: "all", Enabled: true,
	})
	require.Error(t, err)
	_, err = s.Get("doomed")
	assert.Error(t, err, "failed create must not land in memory")

	err = s.Delete("keep")
	require.Error(t, err)
	_, err = s.Get("keep")
	assert.NoError(t, err, "failed delete must keep the job in memory")
}

func TestDisableSuppressesFire(t *testing.T) {
	store, _ := openTestStore(t)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 24, 20, 0, 0, 0, time.UTC))
	runner := newFakeRunner()
	s := newTestScheduler(t, store, runner, clock)

	_, err := s.Create(models.ScheduledJob{
		ID: "nightly-off", CronExpr: "0 21 * * *", Action: models.ActionTurnOff, Target: "all", Enabled: true,
	})
	require.NoError(t, err)
	job, err := s.SetEnabled("nightly-off", false)
	require.NoError(t, err)
	assert.False(t, job.Enabled)
	assert.True(t, job.NextRun.IsZero(), "disabled job exposes no next run")

	s.fireDue(context.Background())
	clock.Advance(2 * time.Hour)
	s.fireDue(context.Background())
	assert.Empty(t, runner.callList())
}

func TestUpdateReplacesDefinition(t *testing.T) {
	store, _ := openTestStore(t)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, store, newFakeRunner(), clock)

	_, err := s.Create(models.ScheduledJob{
		ID: "morning-on", CronExpr: "0 9 * * *", Action: models.ActionTurnOn, Target: "all", Enabled: true,
	})
	require.NoError(t, err)

	updated, err := s.Update(models.ScheduledJob{
		ID: "morning-on", CronExpr: "30 9 * * *", Action: models.ActionTurnOn, Target: "group:hall-a", Enabled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC), updated.NextRun)

	_, err = s.Update(models.ScheduledJob{ID: "ghost", CronExpr: "0 9 * * *", Action: models.ActionTurnOn, Target: "all"})
	assert.Error(t, err)
}

func TestRunningReflectsFireLoopLiveness(t *testing.T) {
	store, _ := openTestStore(t)
	clock := clockwork.NewFakeClock()
	s := newTestScheduler(t, store, newFakeRunner(), clock)

	assert.False(t, s.Running(), "not running before the loop starts")

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	clock.BlockUntil(1)
	assert.True(t, s.Running())

	cancel()
	assert.Eventually(t, func() bool { return !s.Running() }, 5*time.Second, 10*time.Millisecond)
}

func TestDeleteRemovesJob(t *testing.T) {
	store, _ := openTestStore(t)
	s := newTestScheduler(t, store, newFakeRunner(), clockwork.NewFakeClock())

	_, err := s.Create(models.ScheduledJob{
		ID: "j1", CronExpr: "0 9 * * *", Action: models.ActionTurnOn, Target: "all", Enabled: true,
	})
	require.NoError(t, err)
	require.NoError(t, s.Delete("j1"))
	_, err = s.Get("j1")
	assert.Error(t, err)
	assert.Error(t, s.Delete("j1"))
}
