package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrUnknownWorker   = errors.New("unknown worker")
	ErrDuplicateWorker = errors.New("worker already registered")
	ErrInvalidWorker   = errors.New("invalid worker")
)

// Kind selects the transport used to reach a worker.
type Kind string

const (
	KindDisk Kind = "disk"
	KindSFTP Kind = "sftp"
	KindS3   Kind = "s3"
)

// Worker is the static identity of a storage worker.
type Worker struct {
	Name     string `yaml:"name" json:"name"`
	Kind     Kind   `yaml:"kind" json:"kind"`
	Root     string `yaml:"root" json:"root"`
	Address  string `yaml:"address,omitempty" json:"address,omitempty"`
	User     string `yaml:"user,omitempty" json:"user,omitempty"`
	AgentURL string `yaml:"agent_url,omitempty" json:"agent_url,omitempty"`
	Bucket   string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

func (w Worker) validate() error {
	if w.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidWorker)
	}
	switch w.Kind {
	case KindDisk:
		if w.Root == "" {
			return fmt.Errorf("%w: %s: disk worker needs a root", ErrInvalidWorker, w.Name)
		}
	case KindSFTP:
		if w.Address == "" || w.Root == "" {
			return fmt.Errorf("%w: %s: sftp worker needs address and root", ErrInvalidWorker, w.Name)
		}
	case KindS3:
		if w.Bucket == "" {
			return fmt.Errorf("%w: %s: s3 worker needs a bucket", ErrInvalidWorker, w.Name)
		}
	default:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidWorker, w.Name, w.Kind)
	}
	return nil
}

// State is a point-in-time copy of a worker's mutable fields.
type State struct {
	Worker
	Status    Status
	Load      int64
	Failures  int
	ChangedAt time.Time
}

type entry struct {
	Worker
	load     atomic.Int64
	status   atomic.Int32
	failures atomic.Int32
	changed  atomic.Int64
}

// Registry holds the known workers in registration order. Load, status and
// failure counters are per-worker atomics; the mutex only guards membership.
type Registry struct {
	mu     sync.RWMutex
	order  []*entry
	byName map[string]*entry
}

func New() *Registry {
	return &Registry{byName: make(map[string]*entry)}
}

// Register adds a worker. New workers start OFFLINE until their first probe.
func (r *Registry) Register(w Worker) error {
	if err := w.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[w.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateWorker, w.Name)
	}
	e := &entry{Worker: w}
	e.status.Store(int32(StatusOffline))
	r.order = append(r.order, e)
	r.byName[w.Name] = e
	return nil
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}
	return e, nil
}

func (r *Registry) entries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Get(name string) (Worker, bool) {
	e, err := r.lookup(name)
	if err != nil {
		return Worker{}, false
	}
	return e.Worker, true
}

// Workers returns every registered worker in registration order.
func (r *Registry) Workers() []Worker {
	es := r.entries()
	out := make([]Worker, 0, len(es))
	for _, e := range es {
		out = append(out, e.Worker)
	}
	return out
}

// Healthy returns the schedulable workers in registration order.
func (r *Registry) Healthy() []Worker {
	var out []Worker
	for _, e := range r.entries() {
		if Status(e.status.Load()).Schedulable() {
			out = append(out, e.Worker)
		}
	}
	return out
}

func (r *Registry) Load(name string) int64 {
	e, err := r.lookup(name)
	if err != nil {
		return 0
	}
	return e.load.Load()
}

// Acquire increments the worker's load counter and returns the new value.
func (r *Registry) Acquire(name string) (int64, error) {
	e, err := r.lookup(name)
	if err != nil {
		return 0, err
	}
	return e.load.Add(1), nil
}

// Release decrements the worker's load counter, clamping at zero so that a
// duplicate completion can never drive it negative.
func (r *Registry) Release(name string) int64 {
	e, err := r.lookup(name)
	if err != nil {
		return 0
	}
	for {
		cur := e.load.Load()
		if cur <= 0 {
			return 0
		}
		if e.load.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

func (r *Registry) Status(name string) Status {
	e, err := r.lookup(name)
	if err != nil {
		return StatusOffline
	}
	return Status(e.status.Load())
}

// SetStatus stores a new status and reports the previous one and whether it changed.
func (r *Registry) SetStatus(name string, s Status) (Status, bool, error) {
	e, err := r.lookup(name)
	if err != nil {
		return StatusOffline, false, err
	}
	prev := Status(e.status.Swap(int32(s)))
	if prev != s {
		e.changed.Store(time.Now().UnixMilli())
	}
	return prev, prev != s, nil
}

// RecordFailure bumps the consecutive probe failure count and returns it.
func (r *Registry) RecordFailure(name string) int {
	e, err := r.lookup(name)
	if err != nil {
		return 0
	}
	return int(e.failures.Add(1))
}

func (r *Registry) ResetFailures(name string) {
	if e, err := r.lookup(name); err == nil {
		e.failures.Store(0)
	}
}

// Snapshot copies the state of every worker.
func (r *Registry) Snapshot() []State {
	es := r.entries()
	out := make([]State, 0, len(es))
	for _, e := range es {
		st := State{
			Worker:   e.Worker,
			Status:   Status(e.status.Load()),
			Load:     e.load.Load(),
			Failures: int(e.failures.Load()),
		}
		if ms := e.changed.Load(); ms > 0 {
			st.ChangedAt = time.UnixMilli(ms)
		}
		out = append(out, st)
	}
	return out
}
