package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/3cpo-dev/fleetfs/internal/registry"
)

var ErrTransportFailure = errors.New("transport failure")

// Capacity is what a liveness probe learned about a worker's storage root.
type Capacity struct {
	// Reachable is false when the worker could not be contacted at all.
	Reachable bool
	// Exists is false when the storage root is missing.
	Exists    bool
	Writable  bool
	FreeBytes uint64
	// Unbounded is set for backends without a meaningful free-space figure.
	Unbounded bool
}

// Transport moves chunk payloads to and from workers. Remote paths are
// slash-separated and relative to the worker root.
type Transport interface {
	Put(ctx context.Context, w registry.Worker, remote string, body io.ReadSeeker) error
	Get(ctx context.Context, w registry.Worker, remote string) (io.ReadCloser, error)
	Delete(ctx context.Context, w registry.Worker, remote string) error
	Probe(ctx context.Context, w registry.Worker) (Capacity, error)
}

// Mux dispatches to a backend by worker kind and tags every backend error
// with ErrTransportFailure.
type Mux struct {
	mu       sync.RWMutex
	backends map[registry.Kind]Transport
}

func NewMux() *Mux {
	return &Mux{backends: make(map[registry.Kind]Transport)}
}

// Handle registers the backend serving workers of kind.
func (m *Mux) Handle(kind registry.Kind, t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends[kind] = t
}

func (m *Mux) backend(w registry.Worker) (Transport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.backends[w.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: no transport for %s worker %s", ErrTransportFailure, w.Kind, w.Name)
	}
	return t, nil
}

func wrap(op string, w registry.Worker, remote string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s %s on %s: %w", ErrTransportFailure, op, remote, w.Name, err)
}

func (m *Mux) Put(ctx context.Context, w registry.Worker, remote string, body io.ReadSeeker) error {
	t, err := m.backend(w)
	if err != nil {
		return err
	}
	return wrap("put", w, remote, t.Put(ctx, w, remote, body))
}

func (m *Mux) Get(ctx context.Context, w registry.Worker, remote string) (io.ReadCloser, error) {
	t, err := m.backend(w)
	if err != nil {
		return nil, err
	}
	rc, err := t.Get(ctx, w, remote)
	if err != nil {
		return nil, wrap("get", w, remote, err)
	}
	return rc, nil
}

func (m *Mux) Delete(ctx context.Context, w registry.Worker, remote string) error {
	t, err := m.backend(w)
	if err != nil {
		return err
	}
	return wrap("delete", w, remote, t.Delete(ctx, w, remote))
}

func (m *Mux) Probe(ctx context.Context, w registry.Worker) (Capacity, error) {
	t, err := m.backend(w)
	if err != nil {
		return Capacity{}, err
	}
	c, err := t.Probe(ctx, w)
	return c, wrap("probe", w, w.Root, err)
}

// Close releases backend resources such as cached connections.
func (m *Mux) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var errs []error
	for _, t := range m.backends {
		if c, ok := t.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
