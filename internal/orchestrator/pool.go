package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrPoolClosed     = errors.New("execution pool is closed")
	ErrPoolNotStarted = errors.New("execution pool not started")
	ErrPoolFull       = errors.New("execution pool queue is full")
)

// Pool runs jobs on a fixed set of goroutines fed from a buffered queue.
// Submit never blocks: a full queue is reported as ErrPoolFull.
type Pool struct {
	jobs   chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	size    int
}

func NewPool(queueSize int) *Pool {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Pool{
		jobs:   make(chan func(), queueSize),
		stopCh: make(chan struct{}),
	}
}

// Start launches n worker goroutines.
func (p *Pool) Start(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pool already started")
	}
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.size = n
	p.started = true
	return nil
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case job := <-p.jobs:
			p.exec(id, job)
		}
	}
}

func (p *Pool) exec(id int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Int("pool_worker", id).Str("panic", fmt.Sprint(r)).Msg("job panicked")
		}
	}()
	job()
}

func (p *Pool) Submit(job func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrPoolFull
	}
}

// Stop signals the workers and waits for running jobs to return. Queued jobs
// that have not started are dropped.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}
