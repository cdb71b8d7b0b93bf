package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetfs/internal/chunk"
	"github.com/3cpo-dev/fleetfs/internal/registry"
	"github.com/3cpo-dev/fleetfs/internal/store"
	"github.com/3cpo-dev/fleetfs/internal/transport"
)

// Metadata is the file metadata store.
type Metadata interface {
	GetFileIDByFilename(ctx context.Context, name string) (string, error)
	Content(ctx context.Context, id string) (store.File, []store.Chunk, error)
	AddFileMetadata(ctx context.Context, f store.File) error
	DeleteFileMetadata(ctx context.Context, id string) error
	GetFilePermissions(ctx context.Context, id, user string) (store.Permission, error)
	SaveChunks(ctx context.Context, chunks []store.Chunk) error
	CommitContent(ctx context.Context, f store.File, chunks []store.Chunk) error
	Chunks(ctx context.Context, fileID string) ([]store.Chunk, error)
}

type Sessions interface {
	GetSession(ctx context.Context, username string) (store.Session, error)
	UpdateSessionActivity(ctx context.Context, username string, at int64) error
}

type Locker interface {
	Lock(ctx context.Context, resource, holder string) error
	Unlock(resource string) error
}

// WorkerSet resolves worker names and returns chunk load.
type WorkerSet interface {
	Get(name string) (registry.Worker, bool)
	Release(name string) int64
}

type ExecutorConfig struct {
	ChunkSize      int
	SessionTimeout time.Duration
}

// FileExecutor carries out file operations against the workers.
type FileExecutor struct {
	cfg       ExecutorConfig
	meta      Metadata
	sessions  Sessions
	transport transport.Transport
	workers   WorkerSet
	assigner  Assigner
	locks     Locker
	now       func() time.Time
}

func NewFileExecutor(cfg ExecutorConfig, meta Metadata, sessions Sessions, t transport.Transport,
	workers WorkerSet, assigner Assigner, locks Locker) *FileExecutor {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = chunk.DefaultSize
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = store.DefaultSessionTimeout
	}
	return &FileExecutor{
		cfg:       cfg,
		meta:      meta,
		sessions:  sessions,
		transport: t,
		workers:   workers,
		assigner:  assigner,
		locks:     locks,
		now:       time.Now,
	}
}

// ChunkPath is the worker-relative location of a chunk. Chunks stored
// before sets existed have an empty set and keep the short form.
func ChunkPath(fileID, set string, seq int) string {
	if set == "" {
		return fmt.Sprintf("chunks/%s_%d", fileID, seq)
	}
	return fmt.Sprintf("chunks/%s_%s_%d", fileID, set, seq)
}

func newChunkSet() string {
	return uuid.NewString()[:8]
}

func (e *FileExecutor) Execute(ctx context.Context, a Attempt) error {
	switch r := a.Request.(type) {
	case Upload:
		return e.upload(ctx, a, r)
	case Download:
		return e.download(ctx, a, r)
	case Read:
		return e.read(ctx, a, r)
	case Delete:
		return e.delete(ctx, a, r)
	case Write:
		return e.write(ctx, a, r)
	}
	return fmt.Errorf("%w: %T", ErrInvalidOperation, a.Request)
}

func (e *FileExecutor) withLock(ctx context.Context, resource, holder string, fn func() error) error {
	if err := e.locks.Lock(ctx, resource, holder); err != nil {
		return err
	}
	defer func() {
		if err := e.locks.Unlock(resource); err != nil {
			log.Warn().Err(err).Str("resource", resource).Str("holder", holder).Msg("unlock failed")
		}
	}()
	return fn()
}

// placement hands out chunk workers through the scheduler and remembers
// the load each one was charged until the chunk is stored.
type placement struct {
	assigner Assigner
	workers  WorkerSet
	mu       sync.Mutex
	charged  []string
}

func (p *placement) Place(_ context.Context, _ string, _ int) (string, error) {
	w, err := p.assigner.Assign()
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.charged = append(p.charged, w.Name)
	p.mu.Unlock()
	return w.Name, nil
}

func (p *placement) release(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, n := range p.charged {
		if n == name {
			p.charged = append(p.charged[:i], p.charged[i+1:]...)
			p.workers.Release(name)
			return
		}
	}
}

func (p *placement) releaseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.charged {
		p.workers.Release(n)
	}
	p.charged = nil
}

// putChunks splits r into encrypted chunks, places them through the scheduler
// and writes each one to its worker under set. On failure the chunks already
// written are removed again.
func (e *FileExecutor) putChunks(ctx context.Context, taskID, fileID, set string, r io.Reader, total int64) (*chunk.File, error) {
	p := &placement{assigner: e.assigner, workers: e.workers}
	defer p.releaseAll()

	sp := chunk.NewSplitter(e.cfg.ChunkSize, p, chunk.WithProgress(func(f float64) {
		log.Debug().Str("task_id", taskID).Str("file_id", fileID).Float64("progress", f).Msg("chunking")
	}))
	f, err := sp.Split(ctx, r, total, fileID)
	if err != nil {
		return nil, err
	}
	var written []store.Chunk
	for _, c := range f.Chunks {
		w, err := e.worker(c.Worker)
		if err == nil {
			err = e.transport.Put(ctx, w, ChunkPath(fileID, set, c.Seq), bytes.NewReader(c.Data))
		}
		if err != nil {
			e.discard(fileID, written)
			return nil, err
		}
		written = append(written, store.Chunk{FileID: fileID, Set: set, Seq: c.Seq, Worker: c.Worker, Size: c.Size})
		p.release(c.Worker)
	}
	return f, nil
}

// discard removes chunks that never made it into metadata. It runs on its
// own context so a cancelled attempt still cleans up.
func (e *FileExecutor) discard(fileID string, rows []store.Chunk) {
	if len(rows) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.removeChunks(ctx, rows); err != nil {
		log.Warn().Err(err).Str("file_id", fileID).Msg("uncommitted chunks left behind")
	}
}

func (e *FileExecutor) worker(name string) (registry.Worker, error) {
	w, ok := e.workers.Get(name)
	if !ok {
		return registry.Worker{}, fmt.Errorf("%w: %s", registry.ErrUnknownWorker, name)
	}
	return w, nil
}

func storedChunks(f *chunk.File, set string) []store.Chunk {
	out := make([]store.Chunk, 0, len(f.Chunks))
	for _, c := range f.Chunks {
		out = append(out, store.Chunk{FileID: f.ID, Set: set, Seq: c.Seq, Worker: c.Worker, Size: c.Size})
	}
	return out
}

func (e *FileExecutor) upload(ctx context.Context, a Attempt, r Upload) error {
	return e.withLock(ctx, r.Filename, a.TaskID, func() error {
		if _, err := e.meta.GetFileIDByFilename(ctx, r.Filename); err == nil {
			return fmt.Errorf("file %q: %w", r.Filename, store.ErrExists)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		src, err := os.Open(r.LocalPath)
		if err != nil {
			return fmt.Errorf("%w: %w", chunk.ErrChunkingFailed, err)
		}
		defer src.Close()
		st, err := src.Stat()
		if err != nil {
			return fmt.Errorf("%w: %w", chunk.ErrChunkingFailed, err)
		}

		fileID, set := uuid.NewString(), newChunkSet()
		f, err := e.putChunks(ctx, a.TaskID, fileID, set, src, st.Size())
		if err != nil {
			return err
		}
		now := e.now().UnixMilli()
		rec := store.File{
			ID:         fileID,
			Name:       r.Filename,
			Owner:      r.Owner,
			Path:       a.Worker.Name + ":/files/" + r.Filename,
			Size:       f.Size,
			Key:        chunk.EncodeKey(f.Key),
			CreatedAt:  now,
			ModifiedAt: now,
		}
		rows := storedChunks(f, set)
		if err := e.meta.AddFileMetadata(ctx, rec); err != nil {
			e.discard(fileID, rows)
			return err
		}
		if err := e.meta.SaveChunks(ctx, rows); err != nil {
			return err
		}
		log.Info().Str("task_id", a.TaskID).Str("file_id", fileID).Str("filename", r.Filename).
			Int64("size", f.Size).Int("chunks", len(f.Chunks)).Msg("file uploaded")
		return nil
	})
}

func (e *FileExecutor) checkPermission(ctx context.Context, fileID, user string, write bool) error {
	if user == "" {
		return nil
	}
	p, err := e.meta.GetFilePermissions(ctx, fileID, user)
	if err != nil {
		return err
	}
	if (write && !p.Write) || (!write && !p.Read) {
		return fmt.Errorf("%w: %s on %s", store.ErrPermissionDenied, user, fileID)
	}
	return nil
}

// reassemble writes the plaintext of the named file to w.
func (e *FileExecutor) reassemble(ctx context.Context, name, user string, w io.Writer) (int64, error) {
	id, err := e.meta.GetFileIDByFilename(ctx, name)
	if err != nil {
		return 0, err
	}
	if err := e.checkPermission(ctx, id, user, false); err != nil {
		return 0, err
	}
	f, rows, err := e.meta.Content(ctx, id)
	if err != nil {
		return 0, err
	}
	key, err := chunk.DecodeKey(f.Key)
	if err != nil {
		return 0, err
	}
	sets := make(map[int]string, len(rows))
	chunks := make([]chunk.Chunk, 0, len(rows))
	for _, c := range rows {
		sets[c.Seq] = c.Set
		chunks = append(chunks, chunk.Chunk{FileID: c.FileID, Seq: c.Seq, Worker: c.Worker, Size: c.Size})
	}
	fetch := func(ctx context.Context, c chunk.Chunk) ([]byte, error) {
		return e.fetch(ctx, c, sets[c.Seq])
	}
	return chunk.Reassemble(ctx, key, chunks, fetch, w)
}

func (e *FileExecutor) fetch(ctx context.Context, c chunk.Chunk, set string) ([]byte, error) {
	w, err := e.worker(c.Worker)
	if err != nil {
		return nil, err
	}
	rc, err := e.transport.Get(ctx, w, ChunkPath(c.FileID, set, c.Seq))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// download reassembles into a temporary file beside LocalPath and renames it
// into place only while the attempt is current.
func (e *FileExecutor) download(ctx context.Context, a Attempt, r Download) error {
	dir := filepath.Dir(r.LocalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := e.reassemble(ctx, r.Filename, r.User, tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return a.Deliver(func() error { return os.Rename(tmp.Name(), r.LocalPath) })
}

// read reassembles into its own buffer; Into only sees the content of the
// attempt that completes the task.
func (e *FileExecutor) read(ctx context.Context, a Attempt, r Read) error {
	var buf bytes.Buffer
	if _, err := e.reassemble(ctx, r.Filename, r.User, &buf); err != nil {
		return err
	}
	return a.Deliver(func() error {
		_, err := buf.WriteTo(r.Into)
		return err
	})
}

func (e *FileExecutor) removeChunks(ctx context.Context, rows []store.Chunk) error {
	var errs []error
	for _, c := range rows {
		w, err := e.worker(c.Worker)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := e.transport.Delete(ctx, w, ChunkPath(c.FileID, c.Set, c.Seq)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *FileExecutor) delete(ctx context.Context, a Attempt, r Delete) error {
	return e.withLock(ctx, r.Filename, a.TaskID, func() error {
		id, err := e.meta.GetFileIDByFilename(ctx, r.Filename)
		if err != nil {
			return err
		}
		if err := e.checkPermission(ctx, id, r.User, true); err != nil {
			return err
		}
		rows, err := e.meta.Chunks(ctx, id)
		if err != nil {
			return err
		}
		if err := e.removeChunks(ctx, rows); err != nil {
			return err
		}
		if err := e.meta.DeleteFileMetadata(ctx, id); err != nil {
			return err
		}
		log.Info().Str("task_id", a.TaskID).Str("file_id", id).Str("filename", r.Filename).Msg("file deleted")
		return nil
	})
}

func (e *FileExecutor) checkSession(ctx context.Context, user string) error {
	sess, err := e.sessions.GetSession(ctx, user)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: no session for %s", store.ErrSessionExpired, user)
	}
	if err != nil {
		return err
	}
	if !sess.Valid(e.now(), e.cfg.SessionTimeout) {
		return fmt.Errorf("%w: %s", store.ErrSessionExpired, user)
	}
	return nil
}

func (e *FileExecutor) write(ctx context.Context, a Attempt, r Write) error {
	if err := e.checkSession(ctx, r.User); err != nil {
		return err
	}
	id, err := e.meta.GetFileIDByFilename(ctx, r.Filename)
	if err != nil {
		return err
	}
	if err := e.checkPermission(ctx, id, r.User, true); err != nil {
		return err
	}
	return e.withLock(ctx, r.Filename, a.TaskID, func() error {
		cur, old, err := e.meta.Content(ctx, id)
		if err != nil {
			return err
		}
		// The new content goes to a fresh chunk set; the old set stays
		// readable until the metadata swap commits.
		set := newChunkSet()
		f, err := e.putChunks(ctx, a.TaskID, id, set, bytes.NewReader(r.Content), int64(len(r.Content)))
		if err != nil {
			return err
		}
		now := e.now().UnixMilli()
		cur.Size, cur.Key, cur.ModifiedAt = f.Size, chunk.EncodeKey(f.Key), now
		rows := storedChunks(f, set)
		if err := e.meta.CommitContent(ctx, cur, rows); err != nil {
			e.discard(id, rows)
			return err
		}
		if err := e.removeChunks(ctx, old); err != nil {
			log.Warn().Err(err).Str("file_id", id).Msg("old chunks left behind")
		}
		if err := e.sessions.UpdateSessionActivity(ctx, r.User, now); err != nil {
			log.Warn().Err(err).Str("user", r.User).Msg("session activity not recorded")
		}
		log.Info().Str("task_id", a.TaskID).Str("file_id", id).Str("filename", r.Filename).
			Int64("size", f.Size).Msg("file written")
		return nil
	})
}
