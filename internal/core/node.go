package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetfs/internal/agent"
	"github.com/3cpo-dev/fleetfs/internal/events"
	"github.com/3cpo-dev/fleetfs/internal/health"
	"github.com/3cpo-dev/fleetfs/internal/lock"
	"github.com/3cpo-dev/fleetfs/internal/orchestrator"
	"github.com/3cpo-dev/fleetfs/internal/reconcile"
	"github.com/3cpo-dev/fleetfs/internal/registry"
	"github.com/3cpo-dev/fleetfs/internal/scheduler"
	"github.com/3cpo-dev/fleetfs/internal/store"
	"github.com/3cpo-dev/fleetfs/internal/telemetry"
	"github.com/3cpo-dev/fleetfs/internal/transport"
	"github.com/3cpo-dev/fleetfs/pkg/api"
)

// ErrTaskFailed wraps the error text of a task that ended in ERROR.
var ErrTaskFailed = errors.New("task failed")

// Node wires every component of one fleetfs process. All state is owned by
// the Node; nothing is global. File and session mutations go through Meta,
// which applies them to Store and Replica alike.
type Node struct {
	cfg Config

	Registry     *registry.Registry
	Scheduler    *scheduler.Scheduler
	Bus          *events.Bus
	Locks        *lock.Manager
	Store        *store.DB
	Replica      *store.DB
	Meta         *store.Mirror
	Transport    *transport.Mux
	Monitor      *health.Monitor
	Orchestrator *orchestrator.Orchestrator
	Reconciler   *reconcile.Reconciler
	Metrics      *telemetry.Metrics
	Server       *telemetry.MonitoringServer

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	history *events.Subscription
}

// Option customises a Node before it is assembled.
type Option func(*nodeOptions)

type nodeOptions struct {
	transports map[registry.Kind]transport.Transport
}

// WithTransport replaces the backend for one worker kind.
func WithTransport(kind registry.Kind, t transport.Transport) Option {
	return func(o *nodeOptions) { o.transports[kind] = t }
}

// NewNode opens the stores and assembles the components. Nothing runs until
// Start.
func NewNode(ctx context.Context, cfg Config, opts ...Option) (*Node, error) {
	o := nodeOptions{transports: map[registry.Kind]transport.Transport{}}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	n := &Node{cfg: cfg, Registry: registry.New(), Metrics: telemetry.NewMetrics()}
	for _, w := range cfg.Workers {
		if cfg.generated && w.Kind == registry.KindDisk {
			if err := os.MkdirAll(w.Root, 0o700); err != nil {
				return nil, fmt.Errorf("worker root: %w", err)
			}
		}
		if err := n.Registry.Register(w); err != nil {
			return nil, err
		}
	}

	policy, err := scheduler.ParsePolicy(cfg.Scheduler.Policy)
	if err != nil {
		return nil, err
	}
	n.Scheduler = scheduler.New(n.Registry, policy)
	n.Bus = events.New(cfg.Events.Buffer)

	if n.Locks, err = lock.NewManager(cfg.Lock.Dir, cfg.Lock.Wait); err != nil {
		return nil, err
	}

	if n.Store, err = store.Open(ctx, cfg.Stores.Primary.Driver, cfg.Stores.Primary.DSN); err != nil {
		return nil, fmt.Errorf("primary store: %w", err)
	}
	if cfg.Stores.Replica.DSN != "" {
		if n.Replica, err = store.Open(ctx, cfg.Stores.Replica.Driver, cfg.Stores.Replica.DSN); err != nil {
			_ = n.Store.Close()
			return nil, fmt.Errorf("replica store: %w", err)
		}
		n.Reconciler = reconcile.New(n.Store, n.Replica, cfg.Reconcile.Interval,
			reconcile.WithRecorder(n.Metrics))
	}
	n.Meta = store.NewMirror(n.Store, n.Replica)

	if n.Transport, err = n.buildTransport(o.transports); err != nil {
		n.closeStores()
		return nil, err
	}

	n.Monitor = health.NewMonitor(n.Registry, n.Transport, cfg.Health,
		health.WithObserver(n.persistStatus),
		health.WithResultHook(n.Metrics.ObserveProbe),
	)

	exec := orchestrator.NewFileExecutor(orchestrator.ExecutorConfig{
		ChunkSize:      cfg.Chunk.Size,
		SessionTimeout: cfg.Session.Timeout,
	}, n.Meta, n.Meta, n.Transport, n.Registry, n.Scheduler, n.Locks)
	n.Orchestrator = orchestrator.New(cfg.Orchestrator, n.Scheduler, n.Registry, n.Bus, exec,
		orchestrator.WithRecorder(n.Metrics))

	n.Metrics.WatchLoads(n.Registry)
	n.Metrics.WatchDropped(n.Bus.Dropped)
	if cfg.Monitoring.Addr != "" {
		n.Server = telemetry.NewMonitoringServer(cfg.Monitoring.Addr, n.Metrics)
		n.Server.RegisterHealthCheck("workers", telemetry.SchedulableCheck(n.schedulable))
		n.Server.RegisterHealthCheck("goroutines", telemetry.GoroutineCheck(10000))
		n.mountAPI(n.Server)
	}
	return n, nil
}

func (n *Node) buildTransport(overrides map[registry.Kind]transport.Transport) (*transport.Mux, error) {
	mux := transport.NewMux()
	mux.Handle(registry.KindDisk, transport.Disk{})
	kinds := map[registry.Kind]bool{}
	for _, w := range n.cfg.Workers {
		kinds[w.Kind] = true
	}
	if kinds[registry.KindSFTP] && overrides[registry.KindSFTP] == nil {
		agentTLS, err := agent.ClientTLSConfig(n.cfg.SSH.AgentCA, n.cfg.SSH.AgentCert, n.cfg.SSH.AgentKey)
		if err != nil {
			return nil, fmt.Errorf("agent tls: %w", err)
		}
		s, err := transport.NewSFTP(transport.SFTPConfig{
			KeyPath:    n.cfg.SSH.KeyPath,
			KnownHosts: n.cfg.SSH.KnownHosts,
			User:       n.cfg.SSH.User,
			Timeout:    n.cfg.SSH.Timeout,
			Retry:      transport.DefaultRetryConfig(),
			AgentToken: n.cfg.SSH.AgentToken,
			AgentTLS:   agentTLS,
		})
		if err != nil {
			return nil, fmt.Errorf("sftp transport: %w", err)
		}
		mux.Handle(registry.KindSFTP, s)
	}
	if kinds[registry.KindS3] && overrides[registry.KindS3] == nil {
		mux.Handle(registry.KindS3, transport.NewS3(transport.S3Config{
			Region:    n.cfg.S3.Region,
			Endpoint:  n.cfg.S3.Endpoint,
			AccessKey: n.cfg.S3.AccessKey,
			SecretKey: n.cfg.S3.SecretKey,
		}))
	}
	for kind, t := range overrides {
		mux.Handle(kind, t)
	}
	return mux, nil
}

func (n *Node) schedulable() (int, int) {
	return len(n.Registry.Healthy()), len(n.Registry.Workers())
}

func (n *Node) persistStatus(ctx context.Context, ch health.Change) {
	err := n.Store.UpdateWorkerStatus(ctx, store.WorkerStatus{
		Name:      ch.Worker,
		Status:    ch.To.String(),
		Score:     ch.To.Score(),
		UpdatedAt: ch.At.UnixMilli(),
	})
	if err != nil {
		log.Warn().Err(err).Str("worker", ch.Worker).Msg("persist worker status")
	}
}

// Start probes every worker once and starts the orchestrator and the task
// history recorder. Background loops are started by Serve.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return errors.New("node already started")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.Monitor.CheckNow(ctx)
	if err := n.Orchestrator.Start(runCtx); err != nil {
		cancel()
		return err
	}
	n.history = n.Bus.Subscribe()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.recordHistory(runCtx, n.history)
	}()
	n.started = true
	return nil
}

func (n *Node) recordHistory(ctx context.Context, sub *events.Subscription) {
	for ev := range sub.C {
		if err := n.Store.RecordTaskHistory(ctx, ev); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("task_id", ev.TaskID).Str("topic", string(ev.Topic)).Msg("record task history")
		}
	}
}

// Serve starts the node, runs the health loop, reconciliation and the
// monitoring server, and blocks until ctx is done.
func (n *Node) Serve(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	loops, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.Monitor.Run(loops)
	}()
	if n.Reconciler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.Reconciler.Run(loops)
		}()
	}
	errc := make(chan error, 1)
	if n.Server != nil {
		go func() { errc <- n.Server.Start() }()
	}
	log.Info().Int("workers", len(n.cfg.Workers)).Str("policy", n.Scheduler.Policy().String()).
		Str("monitoring", n.cfg.Monitoring.Addr).Msg("fleetfs node running")

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	cancel()
	wg.Wait()
	if n.Server != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = n.Server.Shutdown(shutdownCtx)
	}
	return err
}

// Stop drains the orchestrator and closes the bus, transport and stores.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	started := n.started
	n.started = false
	n.mu.Unlock()

	var errs []error
	if started {
		errs = append(errs, n.Orchestrator.Stop(ctx))
	}
	// Closing the bus ends the history subscription after it drains.
	n.Bus.Close()
	n.wg.Wait()
	if started {
		n.cancel()
	}
	errs = append(errs, n.Transport.Close())
	n.closeStores()
	return errors.Join(errs...)
}

func (n *Node) closeStores() {
	if n.Replica != nil {
		_ = n.Replica.Close()
	}
	_ = n.Store.Close()
}

// Submit queues r and returns its task id without waiting.
func (n *Node) Submit(r orchestrator.Request) (string, error) {
	return n.Orchestrator.Submit(r)
}

// Do submits r and waits until the task completes or fails. A failed task
// returns its view together with an error wrapping ErrTaskFailed.
func (n *Node) Do(ctx context.Context, r orchestrator.Request) (api.TaskView, error) {
	sub := n.Bus.Subscribe(api.TopicCompleted, api.TopicFailed)
	defer sub.Close()
	id, err := n.Orchestrator.Submit(r)
	if err != nil {
		return api.TaskView{}, err
	}
	return n.Wait(ctx, id, sub)
}

// Wait blocks until task id is terminal. sub may be nil; events only speed
// up the wait, the task table is authoritative.
func (n *Node) Wait(ctx context.Context, id string, sub *events.Subscription) (api.TaskView, error) {
	var evc <-chan api.StatusEvent
	if sub != nil {
		evc = sub.C
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		v, err := n.Orchestrator.Get(id)
		if err != nil {
			return v, err
		}
		if v.State.Terminal() {
			if v.State == api.TaskError {
				return v, fmt.Errorf("%w: %s", ErrTaskFailed, v.Error)
			}
			return v, nil
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-ticker.C:
		case _, ok := <-evc:
			if !ok {
				evc = nil
			}
		}
	}
}

// Login starts or refreshes a session for user.
func (n *Node) Login(ctx context.Context, user string) error {
	now := time.Now().UnixMilli()
	return n.Meta.SaveSession(ctx, store.Session{Username: user, StartedAt: now, LastActivity: now})
}

func (n *Node) Logout(ctx context.Context, user string) error {
	return n.Meta.ClearSession(ctx, user)
}

// Workers reports the current state of every worker.
func (n *Node) Workers() []api.WorkerView {
	snap := n.Registry.Snapshot()
	out := make([]api.WorkerView, 0, len(snap))
	for _, st := range snap {
		out = append(out, api.WorkerView{
			Name:     st.Name,
			Kind:     string(st.Kind),
			Status:   st.Status.String(),
			Score:    st.Status.Score(),
			Load:     st.Load,
			Failures: st.Failures,
		})
	}
	return out
}

// SetPolicy switches the scheduling policy at runtime.
func (n *Node) SetPolicy(name string) (scheduler.Policy, error) {
	p, err := scheduler.ParsePolicy(name)
	if err != nil {
		return p, err
	}
	n.Scheduler.SetPolicy(p)
	log.Info().Str("policy", p.String()).Msg("scheduling policy changed")
	return p, nil
}

// Reconcile runs one reconciliation pass against the replica.
func (n *Node) Reconcile(ctx context.Context) ([]reconcile.Report, error) {
	if n.Reconciler == nil {
		return nil, errors.New("no replica store configured")
	}
	return n.Reconciler.RunOnce(ctx)
}

// Share grants user access to filename. Only the file's owner may share it.
func (n *Node) Share(ctx context.Context, owner, filename, user string, write bool) error {
	id, err := n.Store.GetFileIDByFilename(ctx, filename)
	if err != nil {
		return err
	}
	f, err := n.Store.GetFile(ctx, id)
	if err != nil {
		return err
	}
	if f.Owner != owner {
		return fmt.Errorf("%w: %s does not own %s", store.ErrPermissionDenied, owner, filename)
	}
	return n.Meta.SetFilePermissions(ctx, store.Permission{FileID: id, User: user, Read: true, Write: write})
}
