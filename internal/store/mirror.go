package store

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

// Mirror applies every file and session mutation to the primary and then to
// the replica, so a delete or logout never survives in one store only to be
// copied back by reconciliation. Reads are served by the primary. A replica
// write that fails is logged; the primary result decides the operation.
type Mirror struct {
	*DB
	replica *DB
}

// NewMirror wraps primary. With a nil replica it only writes the primary.
func NewMirror(primary, replica *DB) *Mirror {
	return &Mirror{DB: primary, replica: replica}
}

func (m *Mirror) Replica() *DB { return m.replica }

func (m *Mirror) mirror(op, key string, fn func(r *DB) error) {
	if m.replica == nil {
		return
	}
	if err := fn(m.replica); err != nil && !errors.Is(err, ErrNotFound) {
		log.Warn().Err(err).Str("op", op).Str("key", key).Msg("replica write failed, left to reconciliation")
	}
}

func (m *Mirror) AddFileMetadata(ctx context.Context, f File) error {
	if err := m.DB.AddFileMetadata(ctx, f); err != nil {
		return err
	}
	m.mirror("add_file", f.ID, func(r *DB) error { return r.AddFileMetadata(ctx, f) })
	return nil
}

func (m *Mirror) DeleteFileMetadata(ctx context.Context, id string) error {
	if err := m.DB.DeleteFileMetadata(ctx, id); err != nil {
		return err
	}
	m.mirror("delete_file", id, func(r *DB) error { return r.DeleteFileMetadata(ctx, id) })
	return nil
}

func (m *Mirror) SetFilePermissions(ctx context.Context, p Permission) error {
	if err := m.DB.SetFilePermissions(ctx, p); err != nil {
		return err
	}
	m.mirror("set_permissions", p.FileID, func(r *DB) error { return r.SetFilePermissions(ctx, p) })
	return nil
}

func (m *Mirror) SaveChunks(ctx context.Context, chunks []Chunk) error {
	if err := m.DB.SaveChunks(ctx, chunks); err != nil {
		return err
	}
	if len(chunks) > 0 {
		m.mirror("save_chunks", chunks[0].FileID, func(r *DB) error { return r.SaveChunks(ctx, chunks) })
	}
	return nil
}

func (m *Mirror) CommitContent(ctx context.Context, f File, chunks []Chunk) error {
	if err := m.DB.CommitContent(ctx, f, chunks); err != nil {
		return err
	}
	m.mirror("commit_content", f.ID, func(r *DB) error { return r.CommitContent(ctx, f, chunks) })
	return nil
}

func (m *Mirror) SaveSession(ctx context.Context, sess Session) error {
	if err := m.DB.SaveSession(ctx, sess); err != nil {
		return err
	}
	m.mirror("save_session", sess.Username, func(r *DB) error { return r.SaveSession(ctx, sess) })
	return nil
}

func (m *Mirror) ClearSession(ctx context.Context, username string) error {
	if err := m.DB.ClearSession(ctx, username); err != nil {
		return err
	}
	m.mirror("clear_session", username, func(r *DB) error { return r.ClearSession(ctx, username) })
	return nil
}

func (m *Mirror) UpdateSessionActivity(ctx context.Context, username string, at int64) error {
	if err := m.DB.UpdateSessionActivity(ctx, username, at); err != nil {
		return err
	}
	m.mirror("session_activity", username, func(r *DB) error { return r.UpdateSessionActivity(ctx, username, at) })
	return nil
}
