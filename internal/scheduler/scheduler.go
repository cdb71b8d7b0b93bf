package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/3cpo-dev/fleetfs/internal/registry"
)

var ErrNoWorkersAvailable = errors.New("no available workers")

// Policy selects a worker from the healthy set.
type Policy int32

const (
	FCFS Policy = iota
	LeastLoaded
	RoundRobin
)

func (p Policy) String() string {
	switch p {
	case LeastLoaded:
		return "least-loaded"
	case RoundRobin:
		return "round-robin"
	default:
		return "fcfs"
	}
}

// ParsePolicy accepts the policy names used in configuration and on the command line.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fcfs", "first-come-first-serve":
		return FCFS, nil
	case "least-loaded", "sjn", "shortest-job-next":
		return LeastLoaded, nil
	case "round-robin", "rr":
		return RoundRobin, nil
	}
	return FCFS, fmt.Errorf("unknown scheduling policy %q", s)
}

// Workers is the registry view the scheduler needs.
type Workers interface {
	Healthy() []registry.Worker
	Load(name string) int64
	Acquire(name string) (int64, error)
}

// Scheduler picks workers for tasks and chunks. Selection and load
// acquisition happen under one mutex, which also serializes the round-robin
// cursor.
type Scheduler struct {
	workers Workers
	policy  atomic.Int32

	mu     sync.Mutex
	cursor int
}

func New(workers Workers, p Policy) *Scheduler {
	s := &Scheduler{workers: workers}
	s.policy.Store(int32(p))
	return s
}

func (s *Scheduler) Policy() Policy { return Policy(s.policy.Load()) }

// SetPolicy swaps the active policy. In-flight assignments keep their worker.
func (s *Scheduler) SetPolicy(p Policy) { s.policy.Store(int32(p)) }

// Select returns the worker the active policy picks without touching its load.
func (s *Scheduler) Select() (registry.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pick()
}

// Assign selects a worker and increments its load counter in one step.
func (s *Scheduler) Assign() (registry.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.pick()
	if err != nil {
		return registry.Worker{}, err
	}
	if _, err := s.workers.Acquire(w.Name); err != nil {
		return registry.Worker{}, err
	}
	return w, nil
}

func (s *Scheduler) pick() (registry.Worker, error) {
	healthy := s.workers.Healthy()
	if len(healthy) == 0 {
		return registry.Worker{}, ErrNoWorkersAvailable
	}
	switch s.Policy() {
	case LeastLoaded:
		best := healthy[0]
		bestLoad := s.workers.Load(best.Name)
		for _, w := range healthy[1:] {
			if l := s.workers.Load(w.Name); l < bestLoad {
				best, bestLoad = w, l
			}
		}
		return best, nil
	case RoundRobin:
		if s.cursor >= len(healthy) {
			s.cursor = 0
		}
		w := healthy[s.cursor]
		s.cursor = (s.cursor + 1) % len(healthy)
		return w, nil
	default:
		return healthy[0], nil
	}
}
