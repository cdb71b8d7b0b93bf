// Package orchestrator owns the task lifecycle. Tasks move
// WAITING -> PROCESSING -> COMPLETED or ERROR; the sweep may send a stuck
// WAITING or PROCESSING task back to WAITING on a new worker.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetfs/internal/registry"
	"github.com/3cpo-dev/fleetfs/internal/scheduler"
	"github.com/3cpo-dev/fleetfs/pkg/api"
)

var (
	ErrUnknownTask       = errors.New("unknown task")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrNotRunning        = errors.New("orchestrator not running")
	ErrSuperseded        = errors.New("attempt superseded")
)

type Config struct {
	// TaskTimeout is how long a task may stay WAITING or PROCESSING before
	// the sweep reassigns it.
	TaskTimeout   time.Duration `yaml:"task_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// MaxRetries caps sweep reassignments per task. A negative value means
	// unlimited; 0 takes the default.
	MaxRetries int `yaml:"max_retries"`
	PoolSize   int `yaml:"pool_size"`
	QueueSize  int `yaml:"queue_size"`
	// Retain is how long COMPLETED tasks stay queryable.
	Retain time.Duration `yaml:"retain"`
}

func DefaultConfig() Config {
	return Config{
		TaskTimeout:   60 * time.Second,
		SweepInterval: 30 * time.Second,
		MaxRetries:    5,
		PoolSize:      runtime.NumCPU(),
		QueueSize:     1024,
		Retain:        5 * time.Minute,
	}
}

// WithDefaults fills every unset field from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Retain <= 0 {
		c.Retain = d.Retain
	}
	return c
}

// Assigner picks a worker and charges one unit of load to it.
type Assigner interface {
	Assign() (registry.Worker, error)
}

// Releaser gives back one unit of load.
type Releaser interface {
	Release(name string) int64
}

type Publisher interface {
	Publish(ev api.StatusEvent)
}

// Attempt is one dispatch of a task to a worker.
type Attempt struct {
	TaskID  string
	Request Request
	Worker  registry.Worker

	deliver func(fn func() error) error
}

// Deliver runs fn, which makes the attempt's result visible to the caller,
// only while the attempt still owns its task. Once fn succeeds the sweep no
// longer reassigns the task. A superseded attempt gets ErrSuperseded.
func (a Attempt) Deliver(fn func() error) error {
	if a.deliver == nil {
		return fn()
	}
	return a.deliver(fn)
}

// Executor performs the file operation of an attempt.
type Executor interface {
	Execute(ctx context.Context, a Attempt) error
}

type ExecutorFunc func(ctx context.Context, a Attempt) error

func (f ExecutorFunc) Execute(ctx context.Context, a Attempt) error { return f(ctx, a) }

// Recorder receives task metrics.
type Recorder interface {
	TaskSubmitted(op api.Operation)
	TaskRetried(op api.Operation)
	TaskFinished(op api.Operation, state api.TaskState, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) TaskSubmitted(api.Operation)                              {}
func (nopRecorder) TaskRetried(api.Operation)                                {}
func (nopRecorder) TaskFinished(api.Operation, api.TaskState, time.Duration) {}

type task struct {
	mu      sync.Mutex
	id      string
	req     Request
	size    int64
	state   api.TaskState
	created time.Time
	changed time.Time
	worker  registry.Worker
	// held is true while the task owns one unit of load on worker.
	held bool
	// delivered is set once the current attempt has handed over its result.
	delivered bool
	retries   int
	gen       uint64
	cancel    context.CancelFunc
	err       error
}

func (t *task) view() api.TaskView {
	v := api.TaskView{
		ID:        t.id,
		Operation: t.req.Kind(),
		Filename:  t.req.Target(),
		Size:      t.size,
		State:     t.state,
		Worker:    t.worker.Name,
		Retries:   t.retries,
		CreatedAt: t.created.UnixMilli(),
		ChangedAt: t.changed.UnixMilli(),
	}
	if t.err != nil {
		v.Error = t.err.Error()
	}
	return v
}

type Option func(*Orchestrator)

func WithRecorder(r Recorder) Option { return func(o *Orchestrator) { o.metrics = r } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func WithIDs(newID func() string) Option { return func(o *Orchestrator) { o.newID = newID } }

// Orchestrator tracks tasks in a concurrent map with one mutex per task, so
// transitions on different tasks never contend.
type Orchestrator struct {
	cfg      Config
	assigner Assigner
	loads    Releaser
	bus      Publisher
	exec     Executor
	metrics  Recorder
	now      func() time.Time
	newID    func() string

	pool  *Pool
	tasks sync.Map

	mu      sync.Mutex
	base    context.Context
	stop    context.CancelFunc
	sweepWG sync.WaitGroup
}

func New(cfg Config, assigner Assigner, loads Releaser, bus Publisher, exec Executor, opts ...Option) *Orchestrator {
	cfg = cfg.WithDefaults()
	o := &Orchestrator{
		cfg:      cfg,
		assigner: assigner,
		loads:    loads,
		bus:      bus,
		exec:     exec,
		metrics:  nopRecorder{},
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
		pool:     NewPool(cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start launches the execution pool and the sweep loop. Both stop when ctx
// ends or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.base != nil {
		return errors.New("orchestrator already started")
	}
	if err := o.pool.Start(o.cfg.PoolSize); err != nil {
		return err
	}
	o.base, o.stop = context.WithCancel(ctx)
	o.sweepWG.Add(1)
	go o.sweepLoop(o.base)
	log.Info().
		Int("pool_size", o.cfg.PoolSize).
		Dur("task_timeout", o.cfg.TaskTimeout).
		Dur("sweep_interval", o.cfg.SweepInterval).
		Int("max_retries", o.cfg.MaxRetries).
		Msg("orchestrator started")
	return nil
}

// Stop cancels running attempts and waits for the pool and sweep to exit.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	stop := o.stop
	o.mu.Unlock()
	if stop == nil {
		return nil
	}
	stop()
	o.sweepWG.Wait()
	return o.pool.Stop(ctx)
}

func (o *Orchestrator) baseContext() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.base
}

func payloadSize(r Request) int64 {
	switch v := r.(type) {
	case Upload:
		if st, err := os.Stat(v.LocalPath); err == nil {
			return st.Size()
		}
	case Write:
		return int64(len(v.Content))
	}
	return 0
}

// Submit registers the request as a WAITING task and hands it to the pool.
// It returns as soon as the task is registered; the outcome is published on
// the status topics.
func (o *Orchestrator) Submit(r Request) (string, error) {
	if err := validate(r); err != nil {
		return "", err
	}
	if o.baseContext() == nil {
		return "", ErrNotRunning
	}
	now := o.now()
	t := &task{
		id:      o.newID(),
		req:     r,
		size:    payloadSize(r),
		state:   api.TaskWaiting,
		created: now,
		changed: now,
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	o.tasks.Store(t.id, t)
	o.metrics.TaskSubmitted(r.Kind())
	log.Debug().Str("task_id", t.id).Str("operation", string(r.Kind())).Str("filename", r.Target()).Msg("task submitted")
	o.publish(t, api.TopicWaiting, nil)
	o.dispatch(t)
	return t.id, nil
}

// dispatch assigns a worker and queues an attempt. With no worker available
// the task stays WAITING for the sweep. Caller holds t.mu.
func (o *Orchestrator) dispatch(t *task) {
	w, err := o.assigner.Assign()
	if err != nil {
		log.Warn().Err(err).Str("task_id", t.id).Msg("no worker for task, waiting for sweep")
		return
	}
	o.dispatchTo(t, w)
}

// dispatchTo queues an attempt on w, which has already been charged one
// unit of load for the task. Caller holds t.mu.
func (o *Orchestrator) dispatchTo(t *task, w registry.Worker) {
	t.worker = w
	t.held = true
	t.delivered = false
	t.gen++
	base := o.baseContext()
	if base == nil {
		return
	}
	ctx, cancel := context.WithCancel(base)
	t.cancel = cancel
	gen := t.gen
	if err := o.pool.Submit(func() { o.run(ctx, t, gen) }); err != nil {
		cancel()
		log.Warn().Err(err).Str("task_id", t.id).Str("worker", w.Name).Msg("task not queued, waiting for sweep")
	}
}

// run executes one attempt. A task moved to PROCESSING by
// TransitionToProcessing before the pool got to it still runs.
func (o *Orchestrator) run(ctx context.Context, t *task, gen uint64) {
	t.mu.Lock()
	if t.gen != gen || ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	switch t.state {
	case api.TaskWaiting:
		o.setState(t, api.TaskProcessing, nil)
	case api.TaskProcessing:
	default:
		t.mu.Unlock()
		return
	}
	a := Attempt{TaskID: t.id, Request: t.req, Worker: t.worker, deliver: o.deliverer(t, gen)}
	t.mu.Unlock()

	err := o.exec.Execute(ctx, a)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen || t.state != api.TaskProcessing {
		log.Debug().Str("task_id", t.id).Msg("dropping result of superseded attempt")
		return
	}
	if err != nil {
		o.fail(t, err)
		return
	}
	o.complete(t)
}

func (o *Orchestrator) deliverer(t *task, gen uint64) func(fn func() error) error {
	return func(fn func() error) error {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.gen != gen || t.state != api.TaskProcessing {
			return ErrSuperseded
		}
		if err := fn(); err != nil {
			return err
		}
		t.delivered = true
		return nil
	}
}

func (o *Orchestrator) lookup(id string) (*task, error) {
	v, ok := o.tasks.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return v.(*task), nil
}

// TransitionToProcessing moves a WAITING task to PROCESSING. It is a no-op
// for a task already PROCESSING.
func (o *Orchestrator) TransitionToProcessing(id string) error {
	t, err := o.lookup(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case api.TaskProcessing:
		return nil
	case api.TaskWaiting:
		o.setState(t, api.TaskProcessing, nil)
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.state, api.TaskProcessing)
}

// Complete marks a PROCESSING task COMPLETED and releases its worker load.
// Completing a COMPLETED task again has no effect.
func (o *Orchestrator) Complete(id string) error {
	t, err := o.lookup(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case api.TaskCompleted:
		return nil
	case api.TaskProcessing:
		o.complete(t)
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.state, api.TaskCompleted)
}

// Fail moves a live task to ERROR and releases its worker load. Failing an
// ERROR task again has no effect.
func (o *Orchestrator) Fail(id string, cause error) error {
	t, err := o.lookup(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case api.TaskError:
		return nil
	case api.TaskCompleted:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.state, api.TaskError)
	}
	if cause == nil {
		cause = errors.New("failed")
	}
	o.fail(t, cause)
	return nil
}

func (o *Orchestrator) complete(t *task) {
	o.release(t)
	o.setState(t, api.TaskCompleted, nil)
	o.metrics.TaskFinished(t.req.Kind(), api.TaskCompleted, t.changed.Sub(t.created))
	log.Info().Str("task_id", t.id).Str("operation", string(t.req.Kind())).
		Str("filename", t.req.Target()).Str("worker", t.worker.Name).Msg("task completed")
}

func (o *Orchestrator) fail(t *task, cause error) {
	o.release(t)
	t.err = cause
	o.setState(t, api.TaskError, cause)
	o.metrics.TaskFinished(t.req.Kind(), api.TaskError, t.changed.Sub(t.created))
	log.Error().Err(cause).Str("task_id", t.id).Str("operation", string(t.req.Kind())).
		Str("filename", t.req.Target()).Str("worker", t.worker.Name).Msg("task failed")
}

// release returns the task's load unit and cancels its running attempt.
func (o *Orchestrator) release(t *task) {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.held {
		o.loads.Release(t.worker.Name)
		t.held = false
	}
}

func (o *Orchestrator) setState(t *task, s api.TaskState, cause error) {
	t.state = s
	t.changed = o.now()
	var topic api.Topic
	switch s {
	case api.TaskWaiting:
		topic = api.TopicWaiting
	case api.TaskProcessing:
		topic = api.TopicProcessing
	case api.TaskCompleted:
		topic = api.TopicCompleted
	case api.TaskError:
		topic = api.TopicFailed
	}
	o.publish(t, topic, cause)
}

func (o *Orchestrator) publish(t *task, topic api.Topic, cause error) {
	ev := api.StatusEvent{
		Topic:     topic,
		TaskID:    t.id,
		Operation: string(t.req.Kind()),
		Filename:  t.req.Target(),
		Timestamp: o.now().UnixMilli(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	o.bus.Publish(ev)
}

// Get returns the current view of a task.
func (o *Orchestrator) Get(id string) (api.TaskView, error) {
	t, err := o.lookup(id)
	if err != nil {
		return api.TaskView{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view(), nil
}

// List returns every tracked task, oldest first.
func (o *Orchestrator) List() []api.TaskView {
	var out []api.TaskView
	o.tasks.Range(func(_, v any) bool {
		t := v.(*task)
		t.mu.Lock()
		out = append(out, t.view())
		t.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

// Clear forgets a task in a terminal state.
func (o *Orchestrator) Clear(id string) error {
	t, err := o.lookup(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.Terminal() {
		return fmt.Errorf("%w: cannot clear %s task", ErrInvalidTransition, t.state)
	}
	o.tasks.Delete(id)
	return nil
}

func (o *Orchestrator) sweepLoop(ctx context.Context) {
	defer o.sweepWG.Done()
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Sweep()
		}
	}
}

// Sweep reassigns every WAITING or PROCESSING task that has not changed
// state within the task timeout, fails those that cannot be reassigned and
// forgets COMPLETED tasks past their retention.
func (o *Orchestrator) Sweep() {
	now := o.now()
	o.tasks.Range(func(k, v any) bool {
		t := v.(*task)
		t.mu.Lock()
		defer t.mu.Unlock()
		switch t.state {
		case api.TaskCompleted:
			if now.Sub(t.changed) > o.cfg.Retain {
				o.tasks.Delete(k)
			}
		case api.TaskWaiting, api.TaskProcessing:
			if !t.delivered && now.Sub(t.changed) > o.cfg.TaskTimeout {
				o.reassign(t)
			}
		}
		return true
	})
}

// reassign sends a timed-out task back to WAITING on a freshly chosen
// worker. Caller holds t.mu.
func (o *Orchestrator) reassign(t *task) {
	if o.cfg.MaxRetries >= 0 && t.retries >= o.cfg.MaxRetries {
		o.fail(t, fmt.Errorf("%w: %d reassignments", ErrRetriesExhausted, t.retries))
		return
	}
	prev := t.worker.Name
	o.release(t)
	w, err := o.assigner.Assign()
	if err != nil {
		if errors.Is(err, scheduler.ErrNoWorkersAvailable) {
			o.fail(t, scheduler.ErrNoWorkersAvailable)
		} else {
			o.fail(t, err)
		}
		return
	}
	t.retries++
	o.metrics.TaskRetried(t.req.Kind())
	log.Warn().Str("task_id", t.id).Str("from", prev).Str("to", w.Name).
		Int("retry", t.retries).Msg("task timed out, reassigning")
	o.publish(t, api.TopicRetry, nil)
	o.setState(t, api.TaskWaiting, nil)
	o.dispatchTo(t, w)
}
