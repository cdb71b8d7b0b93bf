package lock

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

var (
	ErrLockUnavailable = errors.New("resource locked")
	// ErrNotLocked is returned when unlocking a resource nobody holds.
	ErrNotLocked = errors.New("resource not locked")
)

// DefaultWait bounds how long TryLock waits for the permit.
const DefaultWait = 2 * time.Second

// Lock describes a granted resource lock.
type Lock struct {
	Resource string
	Holder   string
	Acquired time.Time
}

type held struct {
	Lock
	file *os.File
}

// Manager grants exclusive per-resource locks. A size-1 permit per resource
// is the only gate between holders in this process; an OS advisory lock on
// <dir>/<resource>.lock additionally excludes other processes.
type Manager struct {
	dir  string
	wait time.Duration

	mu      sync.Mutex
	permits map[string]*semaphore.Weighted
	held    map[string]*held
}

func NewManager(dir string, wait time.Duration) (*Manager, error) {
	if wait <= 0 {
		wait = DefaultWait
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &Manager{
		dir:     dir,
		wait:    wait,
		permits: make(map[string]*semaphore.Weighted),
		held:    make(map[string]*held),
	}, nil
}

func (m *Manager) permit(resource string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.permits[resource]
	if !ok {
		p = semaphore.NewWeighted(1)
		m.permits[resource] = p
	}
	return p
}

func (m *Manager) path(resource string) string {
	return filepath.Join(m.dir, url.PathEscape(resource)+".lock")
}

// TryLock waits up to the configured wait for the resource permit and then
// takes the OS lock. It reports false if either is unavailable.
func (m *Manager) TryLock(ctx context.Context, resource, holder string) bool {
	p := m.permit(resource)
	wctx, cancel := context.WithTimeout(ctx, m.wait)
	defer cancel()
	if err := p.Acquire(wctx, 1); err != nil {
		log.Debug().Str("resource", resource).Str("holder", holder).Msg("lock permit wait timed out")
		return false
	}
	f, err := lockFile(m.path(resource))
	if err != nil {
		p.Release(1)
		log.Debug().Err(err).Str("resource", resource).Msg("os lock unavailable")
		return false
	}
	m.mu.Lock()
	m.held[resource] = &held{Lock: Lock{Resource: resource, Holder: holder, Acquired: time.Now()}, file: f}
	m.mu.Unlock()
	return true
}

// Lock is TryLock returning ErrLockUnavailable on failure.
func (m *Manager) Lock(ctx context.Context, resource, holder string) error {
	if !m.TryLock(ctx, resource, holder) {
		return fmt.Errorf("%w: %s", ErrLockUnavailable, resource)
	}
	return nil
}

// Unlock releases the OS lock and the permit. Unlocking a resource with no
// holder returns ErrNotLocked and changes nothing.
func (m *Manager) Unlock(resource string) error {
	m.mu.Lock()
	h, ok := m.held[resource]
	if ok {
		delete(m.held, resource)
	}
	p := m.permits[resource]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLocked, resource)
	}
	err := unlockFile(h.file)
	p.Release(1)
	if err != nil {
		return fmt.Errorf("release os lock: %w", err)
	}
	return nil
}

// Holder returns the current lock on resource, if any.
func (m *Manager) Holder(resource string) (Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.held[resource]
	if !ok {
		return Lock{}, false
	}
	return h.Lock, true
}

func (m *Manager) IsLocked(resource string) bool {
	_, ok := m.Holder(resource)
	return ok
}
