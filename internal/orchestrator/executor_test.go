package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/fleetfs/internal/chunk"
	"github.com/3cpo-dev/fleetfs/internal/events"
	"github.com/3cpo-dev/fleetfs/internal/lock"
	"github.com/3cpo-dev/fleetfs/internal/registry"
	"github.com/3cpo-dev/fleetfs/internal/scheduler"
	"github.com/3cpo-dev/fleetfs/internal/store"
	"github.com/3cpo-dev/fleetfs/internal/transport"
	"github.com/3cpo-dev/fleetfs/pkg/api"
)

type execFixture struct {
	reg   *registry.Registry
	db    *store.DB
	locks *lock.Manager
	sched *scheduler.Scheduler
	exec  *FileExecutor
	roots map[string]string
}

func newExecFixture(t *testing.T) *execFixture {
	t.Helper()
	return newExecFixtureWith(t, transport.Disk{})
}

// newExecFixtureWith serves the disk workers through disk.
func newExecFixtureWith(t *testing.T, disk transport.Transport) *execFixture {
	t.Helper()
	ctx := context.Background()
	reg := registry.New()
	roots := map[string]string{}
	for _, n := range []string{"w1", "w2", "w3"} {
		roots[n] = filepath.Join(t.TempDir(), n)
		require.NoError(t, os.MkdirAll(roots[n], 0o700))
		require.NoError(t, reg.Register(registry.Worker{Name: n, Kind: registry.KindDisk, Root: roots[n]}))
		_, _, err := reg.SetStatus(n, registry.StatusHealthy)
		require.NoError(t, err)
	}
	db, err := store.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	locks, err := lock.NewManager(filepath.Join(t.TempDir(), "locks"), 50*time.Millisecond)
	require.NoError(t, err)

	mux := transport.NewMux()
	mux.Handle(registry.KindDisk, disk)
	sched := scheduler.New(reg, scheduler.RoundRobin)
	exec := NewFileExecutor(ExecutorConfig{ChunkSize: 16}, db, db, mux, reg, sched, locks)
	return &execFixture{reg: reg, db: db, locks: locks, sched: sched, exec: exec, roots: roots}
}

func (f *execFixture) attempt(id string, r Request) Attempt {
	w, _ := f.reg.Get("w1")
	return Attempt{TaskID: id, Request: r, Worker: w}
}

func writeLocal(t *testing.T, content string) string {
	p := filepath.Join(t.TempDir(), "src.txt")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func chunkFiles(t *testing.T, root string) []string {
	entries, err := os.ReadDir(filepath.Join(root, "chunks"))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

const payload = "the quick brown fox jumps over the lazy dog, twice: the quick brown fox jumps over the lazy dog"

func TestUploadDownloadRoundTrip(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	src := writeLocal(t, payload)
	require.NoError(t, f.exec.Execute(ctx, f.attempt("t1", Upload{Filename: "fox.txt", LocalPath: src, Owner: "alice"})))

	id, err := f.db.GetFileIDByFilename(ctx, "fox.txt")
	require.NoError(t, err)
	meta, err := f.db.GetFile(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), meta.Size)
	assert.Equal(t, "w1:/files/fox.txt", meta.Path)

	chunks, err := f.db.Chunks(ctx, id)
	require.NoError(t, err)
	require.Len(t, chunks, (len(payload)+15)/16)
	for i, c := range chunks {
		assert.Equal(t, i, c.Seq)
		assert.Equal(t, []string{"w1", "w2", "w3"}[i%3], c.Worker)
	}
	for _, root := range f.roots {
		for _, name := range chunkFiles(t, root) {
			b, err := os.ReadFile(filepath.Join(root, "chunks", name))
			require.NoError(t, err)
			assert.NotContains(t, string(b), "fox", "chunks must be encrypted")
		}
	}
	for _, n := range []string{"w1", "w2", "w3"} {
		assert.EqualValues(t, 0, f.reg.Load(n), "chunk load must be released")
	}

	dst := filepath.Join(t.TempDir(), "out", "fox.txt")
	require.NoError(t, f.exec.Execute(ctx, f.attempt("t2", Download{Filename: "fox.txt", LocalPath: dst})))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))

	var buf bytes.Buffer
	require.NoError(t, f.exec.Execute(ctx, f.attempt("t3", Read{Filename: "fox.txt", User: "alice", Into: &buf})))
	assert.Equal(t, payload, buf.String())
	assert.False(t, f.locks.IsLocked("fox.txt"))
}

func TestUploadRejectsExistingFile(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	src := writeLocal(t, "hello")
	require.NoError(t, f.exec.Execute(ctx, f.attempt("t1", Upload{Filename: "a", LocalPath: src, Owner: "alice"})))
	err := f.exec.Execute(ctx, f.attempt("t2", Upload{Filename: "a", LocalPath: src, Owner: "alice"}))
	assert.ErrorIs(t, err, store.ErrExists)
}

func TestUploadMissingSource(t *testing.T) {
	f := newExecFixture(t)
	err := f.exec.Execute(context.Background(), f.attempt("t1", Upload{Filename: "a", LocalPath: "/does/not/exist"}))
	assert.ErrorIs(t, err, chunk.ErrChunkingFailed)
}

func TestReadDeniedWithoutPermission(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	require.NoError(t, f.exec.Execute(ctx, f.attempt("t1", Upload{Filename: "a", LocalPath: writeLocal(t, "secret"), Owner: "alice"})))
	var buf bytes.Buffer
	err := f.exec.Execute(ctx, f.attempt("t2", Read{Filename: "a", User: "mallory", Into: &buf}))
	assert.ErrorIs(t, err, store.ErrPermissionDenied)
	assert.Zero(t, buf.Len())
}

func TestWriteReplacesContent(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	require.NoError(t, f.exec.Execute(ctx, f.attempt("t1", Upload{Filename: "a", LocalPath: writeLocal(t, payload), Owner: "alice"})))
	id, err := f.db.GetFileIDByFilename(ctx, "a")
	require.NoError(t, err)
	before, err := f.db.GetFile(ctx, id)
	require.NoError(t, err)

	err = f.exec.Execute(ctx, f.attempt("t2", Write{Filename: "a", User: "alice", Content: []byte("short")}))
	assert.ErrorIs(t, err, store.ErrSessionExpired)

	now := time.Now().UnixMilli()
	require.NoError(t, f.db.SaveSession(ctx, store.Session{Username: "alice", StartedAt: now, LastActivity: now}))
	require.NoError(t, f.db.SaveSession(ctx, store.Session{Username: "bob", StartedAt: now, LastActivity: now}))

	err = f.exec.Execute(ctx, f.attempt("t3", Write{Filename: "a", User: "bob", Content: []byte("nope")}))
	assert.ErrorIs(t, err, store.ErrPermissionDenied)

	require.NoError(t, f.exec.Execute(ctx, f.attempt("t4", Write{Filename: "a", User: "alice", Content: []byte("short")})))

	after, err := f.db.GetFile(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 5, after.Size)
	assert.NotEqual(t, before.Key, after.Key, "write must use a fresh key")
	assert.GreaterOrEqual(t, after.ModifiedAt, before.ModifiedAt)

	chunks, err := f.db.Chunks(ctx, id)
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
	total := 0
	for _, root := range f.roots {
		total += len(chunkFiles(t, root))
	}
	assert.Equal(t, 1, total, "stale chunks must be removed")

	var buf bytes.Buffer
	require.NoError(t, f.exec.Execute(ctx, f.attempt("t5", Read{Filename: "a", Into: &buf})))
	assert.Equal(t, "short", buf.String())
}

func TestDeleteRemovesChunksAndMetadata(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	require.NoError(t, f.exec.Execute(ctx, f.attempt("t1", Upload{Filename: "a", LocalPath: writeLocal(t, payload), Owner: "alice"})))

	err := f.exec.Execute(ctx, f.attempt("t2", Delete{Filename: "a", User: "bob"}))
	assert.ErrorIs(t, err, store.ErrPermissionDenied)

	require.NoError(t, f.exec.Execute(ctx, f.attempt("t3", Delete{Filename: "a", User: "alice"})))
	_, err = f.db.GetFileIDByFilename(ctx, "a")
	assert.ErrorIs(t, err, store.ErrNotFound)
	for _, root := range f.roots {
		assert.Empty(t, chunkFiles(t, root))
	}
}

func TestMutationsRequireLock(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	require.NoError(t, f.locks.Lock(ctx, "busy", "someone-else"))
	defer func() { _ = f.locks.Unlock("busy") }()

	err := f.exec.Execute(ctx, f.attempt("t1", Upload{Filename: "busy", LocalPath: writeLocal(t, "x"), Owner: "alice"}))
	assert.ErrorIs(t, err, lock.ErrLockUnavailable)
	_, err = f.db.GetFileIDByFilename(ctx, "busy")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUploadFailsWithoutWorkers(t *testing.T) {
	f := newExecFixture(t)
	for _, n := range []string{"w1", "w2", "w3"} {
		_, _, err := f.reg.SetStatus(n, registry.StatusOffline)
		require.NoError(t, err)
	}
	err := f.exec.Execute(context.Background(), f.attempt("t1", Upload{Filename: "a", LocalPath: writeLocal(t, "x")}))
	assert.ErrorIs(t, err, scheduler.ErrNoWorkersAvailable)
	assert.ErrorIs(t, err, chunk.ErrChunkingFailed)
}

func TestChunkPath(t *testing.T) {
	assert.Equal(t, "chunks/f1_3", ChunkPath("f1", "", 3))
	assert.Equal(t, "chunks/f1_ab12cd34_3", ChunkPath("f1", "ab12cd34", 3))
	assert.True(t, strings.HasPrefix(ChunkPath("x", newChunkSet(), 0), "chunks/x_"))
	assert.NotEqual(t, newChunkSet(), newChunkSet())
}

// failingDisk fails the nth Put after it is armed.
type failingDisk struct {
	transport.Disk
	failAt atomic.Int32
	puts   atomic.Int32
}

func (d *failingDisk) arm(n int32) {
	d.puts.Store(0)
	d.failAt.Store(n)
}

func (d *failingDisk) Put(ctx context.Context, w registry.Worker, remote string, body io.ReadSeeker) error {
	if n := d.failAt.Load(); n > 0 && d.puts.Add(1) == n {
		return errors.New("link dropped")
	}
	return d.Disk.Put(ctx, w, remote, body)
}

func TestFailedWriteKeepsOldContent(t *testing.T) {
	disk := &failingDisk{}
	f := newExecFixtureWith(t, disk)
	ctx := context.Background()
	const original = "AAAAAAAAAAAAAAAABBBBBBBBBBBBBBBBCCCC"
	require.NoError(t, f.exec.Execute(ctx, f.attempt("t1", Upload{Filename: "a", LocalPath: writeLocal(t, original), Owner: "alice"})))
	now := time.Now().UnixMilli()
	require.NoError(t, f.db.SaveSession(ctx, store.Session{Username: "alice", StartedAt: now, LastActivity: now}))

	countChunks := func() int {
		total := 0
		for _, root := range f.roots {
			total += len(chunkFiles(t, root))
		}
		return total
	}
	require.Equal(t, 3, countChunks())

	disk.arm(2)
	err := f.exec.Execute(ctx, f.attempt("t2", Write{Filename: "a", User: "alice", Content: []byte(strings.Repeat("x", 40))}))
	require.ErrorIs(t, err, transport.ErrTransportFailure)
	assert.Equal(t, 3, countChunks(), "partial chunk set must be discarded")

	var buf bytes.Buffer
	require.NoError(t, f.exec.Execute(ctx, f.attempt("t3", Read{Filename: "a", User: "alice", Into: &buf})))
	assert.Equal(t, original, buf.String())

	disk.arm(0)
	require.NoError(t, f.exec.Execute(ctx, f.attempt("t4", Write{Filename: "a", User: "alice", Content: []byte("fresh")})))
	buf.Reset()
	require.NoError(t, f.exec.Execute(ctx, f.attempt("t5", Read{Filename: "a", User: "alice", Into: &buf})))
	assert.Equal(t, "fresh", buf.String())
	assert.Equal(t, 1, countChunks())
	for n := range f.roots {
		assert.EqualValues(t, 0, f.reg.Load(n))
	}
}

// stallingDisk holds the first Get of chunk 1 until released.
type stallingDisk struct {
	transport.Disk
	armed   atomic.Bool
	stalled chan struct{}
	release chan struct{}
}

func (d *stallingDisk) Get(ctx context.Context, w registry.Worker, remote string) (io.ReadCloser, error) {
	if strings.HasSuffix(remote, "_1") && d.armed.CompareAndSwap(true, false) {
		close(d.stalled)
		<-d.release
	}
	return d.Disk.Get(ctx, w, remote)
}

func TestReassignedReadDeliversOnce(t *testing.T) {
	disk := &stallingDisk{stalled: make(chan struct{}), release: make(chan struct{})}
	f := newExecFixtureWith(t, disk)
	ctx := context.Background()
	const content = "AAAAAAAAAAAAAAAABBBBBBBBBBBBBBBBCCCC"
	require.NoError(t, f.exec.Execute(ctx, f.attempt("up", Upload{Filename: "a", LocalPath: writeLocal(t, content), Owner: "alice"})))

	results := make(chan error, 4)
	exec := ExecutorFunc(func(ctx context.Context, a Attempt) error {
		err := f.exec.Execute(ctx, a)
		results <- err
		return err
	})
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	o := New(Config{TaskTimeout: time.Minute, SweepInterval: time.Hour}, f.sched, f.reg, events.New(64), exec,
		WithClock(clock.Now))
	require.NoError(t, o.Start(ctx))
	t.Cleanup(func() {
		stop, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = o.Stop(stop)
	})

	disk.armed.Store(true)
	var out bytes.Buffer
	id, err := o.Submit(Read{Filename: "a", Into: &out})
	require.NoError(t, err)
	<-disk.stalled

	clock.Advance(2 * time.Minute)
	o.Sweep()
	require.NoError(t, <-results, "second attempt")
	v := waitState(t, o, id, api.TaskCompleted)
	assert.Equal(t, 1, v.Retries)

	close(disk.release)
	assert.Error(t, <-results, "superseded attempt must not succeed")
	assert.Equal(t, content, out.String())
}
