package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/fleetfs/internal/events"
	"github.com/3cpo-dev/fleetfs/internal/registry"
	"github.com/3cpo-dev/fleetfs/internal/scheduler"
	"github.com/3cpo-dev/fleetfs/pkg/api"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingLoads wraps the registry to count releases per worker.
type countingLoads struct {
	*registry.Registry
	mu       sync.Mutex
	releases map[string]int
}

func (c *countingLoads) Release(name string) int64 {
	c.mu.Lock()
	c.releases[name]++
	c.mu.Unlock()
	return c.Registry.Release(name)
}

func (c *countingLoads) released(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releases[name]
}

type harness struct {
	reg   *registry.Registry
	loads *countingLoads
	sched *scheduler.Scheduler
	bus   *events.Bus
	clock *fakeClock
	orch  *Orchestrator
}

func newHarness(t *testing.T, cfg Config, exec Executor, workers ...string) *harness {
	t.Helper()
	reg := registry.New()
	for _, n := range workers {
		require.NoError(t, reg.Register(registry.Worker{Name: n, Kind: registry.KindDisk, Root: "/srv/" + n}))
		_, _, err := reg.SetStatus(n, registry.StatusHealthy)
		require.NoError(t, err)
	}
	h := &harness{
		reg:   reg,
		loads: &countingLoads{Registry: reg, releases: map[string]int{}},
		sched: scheduler.New(reg, scheduler.RoundRobin),
		bus:   events.New(64),
		clock: &fakeClock{now: time.UnixMilli(1_700_000_000_000)},
	}
	var n atomic.Int64
	h.orch = New(cfg, h.sched, h.loads, h.bus, exec,
		WithClock(h.clock.Now),
		WithIDs(func() string { return fmt.Sprintf("task-%d", n.Add(1)) }))
	require.NoError(t, h.orch.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.orch.Stop(ctx)
	})
	return h
}

func next(t *testing.T, sub *events.Subscription) api.StatusEvent {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status event")
	}
	return api.StatusEvent{}
}

func topics(t *testing.T, sub *events.Subscription, n int) []api.Topic {
	t.Helper()
	var out []api.Topic
	for i := 0; i < n; i++ {
		out = append(out, next(t, sub).Topic)
	}
	return out
}

func waitState(t *testing.T, o *Orchestrator, id string, want api.TaskState) api.TaskView {
	t.Helper()
	var v api.TaskView
	require.Eventually(t, func() bool {
		var err error
		v, err = o.Get(id)
		return err == nil && v.State == want
	}, 2*time.Second, 5*time.Millisecond)
	return v
}

var succeed = ExecutorFunc(func(context.Context, Attempt) error { return nil })

// blocker runs until released or cancelled.
type blocker struct {
	release  chan struct{}
	started  chan Attempt
	canceled atomic.Int32
}

func newBlocker() *blocker {
	return &blocker{release: make(chan struct{}), started: make(chan Attempt, 16)}
}

func (b *blocker) Execute(ctx context.Context, a Attempt) error {
	b.started <- a
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		b.canceled.Add(1)
		return ctx.Err()
	}
}

func TestSubmitCompletes(t *testing.T) {
	h := newHarness(t, Config{}, succeed, "w1", "w2")
	sub := h.bus.Subscribe()
	defer sub.Close()

	id, err := h.orch.Submit(Delete{Filename: "a.txt"})
	require.NoError(t, err)

	first := next(t, sub)
	assert.Equal(t, api.TopicWaiting, first.Topic)
	assert.Equal(t, id, first.TaskID)
	assert.Equal(t, "DELETE", first.Operation)
	assert.Equal(t, "a.txt", first.Filename)
	assert.Equal(t, int64(1_700_000_000_000), first.Timestamp)
	assert.Equal(t, []api.Topic{api.TopicProcessing, api.TopicCompleted}, topics(t, sub, 2))

	v := waitState(t, h.orch, id, api.TaskCompleted)
	assert.Equal(t, "w1", v.Worker)
	assert.EqualValues(t, 0, h.reg.Load("w1"))
	assert.Equal(t, 1, h.loads.released("w1"))
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, Config{}, succeed, "w1")
	_, err := h.orch.Submit(nil)
	assert.ErrorIs(t, err, ErrInvalidOperation)
	_, err = h.orch.Submit(Upload{Filename: "a"})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = ParseRequest(api.SubmitRequest{Operation: "RENAME", Filename: "a"}, nil)
	assert.ErrorIs(t, err, ErrInvalidOperation)
	r, err := ParseRequest(api.SubmitRequest{Operation: "write", Filename: "a", User: "bob", Content: "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, Write{Filename: "a", User: "bob", Content: []byte("hi")}, r)

	assert.Empty(t, h.orch.List())
}

func TestFailedExecutionPublishesError(t *testing.T) {
	boom := errors.New("disk on fire")
	h := newHarness(t, Config{}, ExecutorFunc(func(context.Context, Attempt) error { return boom }), "w1")
	sub := h.bus.Subscribe(api.TopicFailed)
	defer sub.Close()

	id, err := h.orch.Submit(Delete{Filename: "a.txt"})
	require.NoError(t, err)
	ev := next(t, sub)
	assert.Equal(t, id, ev.TaskID)
	assert.Equal(t, "disk on fire", ev.Error)

	v := waitState(t, h.orch, id, api.TaskError)
	assert.Equal(t, "disk on fire", v.Error)
	assert.EqualValues(t, 0, h.reg.Load("w1"))

	// ERROR tasks stay visible until cleared.
	require.NoError(t, h.orch.Clear(id))
	_, err = h.orch.Get(id)
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestCompleteReleasesLoadOnce(t *testing.T) {
	b := newBlocker()
	h := newHarness(t, Config{}, b, "w1")
	id, err := h.orch.Submit(Delete{Filename: "a.txt"})
	require.NoError(t, err)
	<-b.started
	assert.EqualValues(t, 1, h.reg.Load("w1"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.orch.Complete(id))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, h.loads.released("w1"))
	assert.EqualValues(t, 0, h.reg.Load("w1"))

	assert.ErrorIs(t, h.orch.Fail(id, errors.New("late")), ErrInvalidTransition)
	assert.ErrorIs(t, h.orch.TransitionToProcessing(id), ErrInvalidTransition)
	assert.Equal(t, 1, h.loads.released("w1"))
}

func TestFailIsIdempotent(t *testing.T) {
	b := newBlocker()
	h := newHarness(t, Config{}, b, "w1")
	id, err := h.orch.Submit(Delete{Filename: "a.txt"})
	require.NoError(t, err)
	<-b.started

	require.NoError(t, h.orch.Fail(id, errors.New("first")))
	require.NoError(t, h.orch.Fail(id, errors.New("second")))
	v, err := h.orch.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "first", v.Error)
	assert.Equal(t, 1, h.loads.released("w1"))
	assert.ErrorIs(t, h.orch.Complete(id), ErrInvalidTransition)
}

func TestTransitionUnknownTask(t *testing.T) {
	h := newHarness(t, Config{}, succeed, "w1")
	assert.ErrorIs(t, h.orch.TransitionToProcessing("nope"), ErrUnknownTask)
	assert.ErrorIs(t, h.orch.Complete("nope"), ErrUnknownTask)
	assert.ErrorIs(t, h.orch.Fail("nope", nil), ErrUnknownTask)
}

func TestSweepReassignsTimedOutTask(t *testing.T) {
	b := newBlocker()
	h := newHarness(t, Config{TaskTimeout: time.Minute, SweepInterval: time.Hour}, b, "w1", "w2")
	sub := h.bus.Subscribe()
	defer sub.Close()

	id, err := h.orch.Submit(Delete{Filename: "a.txt"})
	require.NoError(t, err)
	first := <-b.started
	assert.Equal(t, "w1", first.Worker.Name)
	assert.Equal(t, []api.Topic{api.TopicWaiting, api.TopicProcessing}, topics(t, sub, 2))

	h.orch.Sweep()
	assert.Empty(t, b.started, "fresh task must not be reassigned")

	h.clock.Advance(2 * time.Minute)
	h.orch.Sweep()
	second := <-b.started
	assert.Equal(t, "w2", second.Worker.Name)
	assert.Equal(t, []api.Topic{api.TopicRetry, api.TopicWaiting, api.TopicProcessing}, topics(t, sub, 3))

	require.Eventually(t, func() bool { return b.canceled.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 0, h.reg.Load("w1"))
	assert.EqualValues(t, 1, h.reg.Load("w2"))

	close(b.release)
	v := waitState(t, h.orch, id, api.TaskCompleted)
	assert.Equal(t, 1, v.Retries)
	assert.Equal(t, "w2", v.Worker)
	assert.EqualValues(t, 0, h.reg.Load("w2"))
	assert.Equal(t, 1, h.loads.released("w1"))
	assert.Equal(t, 1, h.loads.released("w2"))
}

func TestSweepFailsWhenNoWorkers(t *testing.T) {
	b := newBlocker()
	h := newHarness(t, Config{TaskTimeout: time.Minute, SweepInterval: time.Hour}, b, "w1")
	id, err := h.orch.Submit(Delete{Filename: "a.txt"})
	require.NoError(t, err)
	<-b.started

	_, _, err = h.reg.SetStatus("w1", registry.StatusOffline)
	require.NoError(t, err)
	h.clock.Advance(2 * time.Minute)
	h.orch.Sweep()

	v, err := h.orch.Get(id)
	require.NoError(t, err)
	assert.Equal(t, api.TaskError, v.State)
	assert.Equal(t, "no available workers", v.Error)
	assert.EqualValues(t, 0, h.reg.Load("w1"))
}

func TestTaskWaitsWithoutWorkers(t *testing.T) {
	h := newHarness(t, Config{TaskTimeout: time.Minute, SweepInterval: time.Hour}, succeed, "w1")
	_, _, err := h.reg.SetStatus("w1", registry.StatusUnhealthy)
	require.NoError(t, err)

	id, err := h.orch.Submit(Delete{Filename: "a.txt"})
	require.NoError(t, err)
	v, err := h.orch.Get(id)
	require.NoError(t, err)
	assert.Equal(t, api.TaskWaiting, v.State)
	assert.Empty(t, v.Worker)

	// The worker recovers before the task times out: the sweep places it.
	_, _, err = h.reg.SetStatus("w1", registry.StatusHealthy)
	require.NoError(t, err)
	h.clock.Advance(2 * time.Minute)
	h.orch.Sweep()
	waitState(t, h.orch, id, api.TaskCompleted)
}

func TestRetryCap(t *testing.T) {
	b := newBlocker()
	h := newHarness(t, Config{TaskTimeout: time.Minute, SweepInterval: time.Hour, MaxRetries: 1}, b, "w1", "w2")
	id, err := h.orch.Submit(Delete{Filename: "a.txt"})
	require.NoError(t, err)
	<-b.started

	h.clock.Advance(2 * time.Minute)
	h.orch.Sweep()
	<-b.started
	h.clock.Advance(2 * time.Minute)
	h.orch.Sweep()

	v, err := h.orch.Get(id)
	require.NoError(t, err)
	assert.Equal(t, api.TaskError, v.State)
	assert.Contains(t, v.Error, ErrRetriesExhausted.Error())
	assert.EqualValues(t, 0, h.reg.Load("w1"))
	assert.EqualValues(t, 0, h.reg.Load("w2"))
}

func TestCompletedTasksPruned(t *testing.T) {
	h := newHarness(t, Config{Retain: time.Minute, SweepInterval: time.Hour}, succeed, "w1")
	id, err := h.orch.Submit(Delete{Filename: "a.txt"})
	require.NoError(t, err)
	waitState(t, h.orch, id, api.TaskCompleted)

	h.orch.Sweep()
	_, err = h.orch.Get(id)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	h.orch.Sweep()
	_, err = h.orch.Get(id)
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestClearRejectsLiveTask(t *testing.T) {
	b := newBlocker()
	h := newHarness(t, Config{}, b, "w1")
	id, err := h.orch.Submit(Delete{Filename: "a.txt"})
	require.NoError(t, err)
	<-b.started
	assert.ErrorIs(t, h.orch.Clear(id), ErrInvalidTransition)
	close(b.release)
}

func TestSubmitBeforeStart(t *testing.T) {
	o := New(Config{}, scheduler.New(registry.New(), scheduler.FCFS), registry.New(), events.New(1), succeed)
	_, err := o.Submit(Delete{Filename: "a"})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestConcurrentSubmitsBalanceLoad(t *testing.T) {
	b := newBlocker()
	b.started = make(chan Attempt, 64)
	h := newHarness(t, Config{PoolSize: 40}, b, "w1", "w2", "w3", "w4")
	h.sched.SetPolicy(scheduler.LeastLoaded)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.orch.Submit(Delete{Filename: fmt.Sprintf("f%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	for _, n := range []string{"w1", "w2", "w3", "w4"} {
		assert.EqualValues(t, 10, h.reg.Load(n), n)
	}
	close(b.release)
	require.Eventually(t, func() bool {
		for _, n := range []string{"w1", "w2", "w3", "w4"} {
			if h.reg.Load(n) != 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRetryDefaults(t *testing.T) {
	assert.Equal(t, 5, Config{}.WithDefaults().MaxRetries)
	assert.Equal(t, -1, Config{MaxRetries: -1}.WithDefaults().MaxRetries)
}

func TestNegativeMaxRetriesIsUnbounded(t *testing.T) {
	b := newBlocker()
	h := newHarness(t, Config{TaskTimeout: time.Minute, SweepInterval: time.Hour, MaxRetries: -1}, b, "w1", "w2")
	id, err := h.orch.Submit(Delete{Filename: "a.txt"})
	require.NoError(t, err)
	<-b.started
	for i := 0; i < 7; i++ {
		h.clock.Advance(2 * time.Minute)
		h.orch.Sweep()
		<-b.started
	}
	v, err := h.orch.Get(id)
	require.NoError(t, err)
	assert.Equal(t, api.TaskProcessing, v.State)
	assert.Equal(t, 7, v.Retries)
}

func TestSupersededAttemptCannotDeliver(t *testing.T) {
	var calls atomic.Int32
	hold := make(chan struct{})
	started := make(chan struct{}, 1)
	delivered := make(chan error, 2)
	exec := ExecutorFunc(func(ctx context.Context, a Attempt) error {
		if calls.Add(1) == 1 {
			started <- struct{}{}
			<-hold
		}
		err := a.Deliver(func() error { return nil })
		delivered <- err
		return err
	})
	h := newHarness(t, Config{TaskTimeout: time.Minute, SweepInterval: time.Hour}, exec, "w1", "w2")
	id, err := h.orch.Submit(Delete{Filename: "a.txt"})
	require.NoError(t, err)
	<-started

	h.clock.Advance(2 * time.Minute)
	h.orch.Sweep()
	require.NoError(t, <-delivered)
	waitState(t, h.orch, id, api.TaskCompleted)

	close(hold)
	assert.ErrorIs(t, <-delivered, ErrSuperseded)
	v, err := h.orch.Get(id)
	require.NoError(t, err)
	assert.Equal(t, api.TaskCompleted, v.State)
	assert.Equal(t, "w2", v.Worker)
}

func TestDeliveredTaskIsNotReassigned(t *testing.T) {
	hold := make(chan struct{})
	delivered := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, a Attempt) error {
		if err := a.Deliver(func() error { return nil }); err != nil {
			return err
		}
		close(delivered)
		<-hold
		return nil
	})
	h := newHarness(t, Config{TaskTimeout: time.Minute, SweepInterval: time.Hour}, exec, "w1", "w2")
	id, err := h.orch.Submit(Delete{Filename: "a.txt"})
	require.NoError(t, err)
	<-delivered

	h.clock.Advance(2 * time.Minute)
	h.orch.Sweep()
	v, err := h.orch.Get(id)
	require.NoError(t, err)
	assert.Equal(t, api.TaskProcessing, v.State)
	assert.Equal(t, "w1", v.Worker)

	close(hold)
	v = waitState(t, h.orch, id, api.TaskCompleted)
	assert.Zero(t, v.Retries)
}

func TestExternallyStartedTaskStillRuns(t *testing.T) {
	b := newBlocker()
	h := newHarness(t, Config{PoolSize: 1, TaskTimeout: time.Minute, SweepInterval: time.Hour}, b, "w1")
	first, err := h.orch.Submit(Delete{Filename: "a.txt"})
	require.NoError(t, err)
	<-b.started

	second, err := h.orch.Submit(Delete{Filename: "b.txt"})
	require.NoError(t, err)
	require.NoError(t, h.orch.TransitionToProcessing(second))

	close(b.release)
	waitState(t, h.orch, first, api.TaskCompleted)
	v := waitState(t, h.orch, second, api.TaskCompleted)
	assert.Zero(t, v.Retries)
}
