// Package health periodically probes every registered worker and keeps the
// registry's status flags current. The scheduler only ever reads the
// classification written here, never raw probe data.
package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/fleetfs/internal/registry"
	"github.com/3cpo-dev/fleetfs/internal/transport"
)

const (
	GiB = 1 << 30
	MiB = 1 << 20
)

// Config holds probe timing and classification thresholds.
type Config struct {
	Interval     time.Duration `yaml:"interval"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	// DegradedFree is the free-space floor below which a worker is DEGRADED.
	DegradedFree uint64 `yaml:"degraded_free_bytes"`
	// CriticalFree is the free-space floor below which a worker is UNHEALTHY.
	CriticalFree uint64 `yaml:"critical_free_bytes"`
	// MaxFailures consecutive failed probes force a worker OFFLINE.
	MaxFailures int `yaml:"max_failures"`
}

func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		ProbeTimeout: 10 * time.Second,
		DegradedFree: 1 * GiB,
		CriticalFree: 100 * MiB,
		MaxFailures:  3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.DegradedFree == 0 {
		c.DegradedFree = d.DegradedFree
	}
	if c.CriticalFree == 0 {
		c.CriticalFree = d.CriticalFree
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = d.MaxFailures
	}
	return c
}

// Prober reports the storage capacity of a worker.
type Prober interface {
	Probe(ctx context.Context, w registry.Worker) (transport.Capacity, error)
}

// Workers is the registry surface the monitor writes to.
type Workers interface {
	Workers() []registry.Worker
	SetStatus(name string, s registry.Status) (registry.Status, bool, error)
	RecordFailure(name string) int
	ResetFailures(name string)
}

// Change describes one worker status transition.
type Change struct {
	Worker string
	From   registry.Status
	To     registry.Status
	Err    error
	At     time.Time
}

// Result is the outcome of probing one worker.
type Result struct {
	Worker   string
	Status   registry.Status
	Capacity transport.Capacity
	Failures int
	Err      error
}

type Option func(*Monitor)

// WithObserver registers fn to be called after every status change.
func WithObserver(fn func(context.Context, Change)) Option {
	return func(m *Monitor) { m.observers = append(m.observers, fn) }
}

// WithResultHook registers fn to be called for every probe result.
func WithResultHook(fn func(Result)) Option {
	return func(m *Monitor) { m.hooks = append(m.hooks, fn) }
}

type Monitor struct {
	workers   Workers
	prober    Prober
	cfg       Config
	observers []func(context.Context, Change)
	hooks     []func(Result)
	now       func() time.Time
}

func NewMonitor(workers Workers, prober Prober, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		workers: workers,
		prober:  prober,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Classify maps a probe outcome onto a status.
func Classify(c transport.Capacity, err error, cfg Config) registry.Status {
	switch {
	case !c.Reachable || (err == nil && !c.Exists):
		return registry.StatusOffline
	case err != nil || !c.Writable:
		return registry.StatusUnhealthy
	case c.Unbounded:
		return registry.StatusHealthy
	case c.FreeBytes < cfg.CriticalFree:
		return registry.StatusUnhealthy
	case c.FreeBytes < cfg.DegradedFree:
		return registry.StatusDegraded
	}
	return registry.StatusHealthy
}

// Run checks every worker immediately and then once per interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	log.Info().Dur("interval", m.cfg.Interval).Msg("health monitor started")
	m.CheckNow(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("health monitor stopped")
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow probes all workers in parallel and applies the results. Results
// are returned in registration order.
func (m *Monitor) CheckNow(ctx context.Context) []Result {
	workers := m.workers.Workers()
	results := make([]Result, len(workers))

	g, gctx := errgroup.WithContext(ctx)
	for i, w := range workers {
		g.Go(func() error {
			results[i] = m.check(gctx, w)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (m *Monitor) check(ctx context.Context, w registry.Worker) Result {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	c, err := m.prober.Probe(pctx, w)
	cancel()

	res := Result{Worker: w.Name, Capacity: c, Err: err}
	res.Status = Classify(c, err, m.cfg)

	if err != nil || !c.Reachable {
		res.Failures = m.workers.RecordFailure(w.Name)
		log.Debug().Err(err).Str("worker", w.Name).
			Int("failures", res.Failures).Int("max_failures", m.cfg.MaxFailures).
			Msg("worker probe failed")
		if res.Failures >= m.cfg.MaxFailures {
			res.Status = registry.StatusOffline
		}
	} else {
		m.workers.ResetFailures(w.Name)
	}

	prev, changed, serr := m.workers.SetStatus(w.Name, res.Status)
	if serr != nil {
		log.Warn().Err(serr).Str("worker", w.Name).Msg("worker vanished during probe")
		return res
	}
	for _, h := range m.hooks {
		h(res)
	}
	if changed {
		m.changed(ctx, Change{Worker: w.Name, From: prev, To: res.Status, Err: err, At: m.now()})
	}
	return res
}

func (m *Monitor) changed(ctx context.Context, ch Change) {
	var ev *zerolog.Event
	switch ch.To {
	case registry.StatusDegraded:
		ev = log.Warn()
	case registry.StatusUnhealthy, registry.StatusOffline:
		ev = log.Error()
	default:
		ev = log.Info()
	}
	ev.Err(ch.Err).
		Str("worker", ch.Worker).
		Str("from", ch.From.String()).
		Str("to", ch.To.String()).
		Int("score", ch.To.Score()).
		Msg("worker health changed")
	for _, fn := range m.observers {
		fn(ctx, ch)
	}
}
