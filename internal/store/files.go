package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// File is a file metadata record. Times are epoch milliseconds.
type File struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Owner      string `json:"owner"`
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	Key        string `json:"-"`
	CreatedAt  int64  `json:"created_at"`
	ModifiedAt int64  `json:"modified_at"`
}

func (f File) RecordKey() string { return f.ID }
func (f File) Modified() int64   { return f.ModifiedAt }

type Permission struct {
	FileID string
	User   string
	Read   bool
	Write  bool
}

// Chunk is the stored placement of one encrypted chunk. Set names the
// generation of content the chunk belongs to; every write stores a new set.
type Chunk struct {
	FileID string
	Set    string
	Seq    int
	Worker string
	Size   int64
}

const fileColumns = `id, name, owner, path, size, enc_key, created_at, modified_at`

func scanFile(row interface{ Scan(...any) error }) (File, error) {
	var f File
	err := row.Scan(&f.ID, &f.Name, &f.Owner, &f.Path, &f.Size, &f.Key, &f.CreatedAt, &f.ModifiedAt)
	return f, err
}

func (s *DB) GetFileIDByFilename(ctx context.Context, name string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id FROM files WHERE name = ?`), name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("file %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get file id: %w", err)
	}
	return id, nil
}

func (s *DB) GetFile(ctx context.Context, id string) (File, error) {
	f, err := scanFile(s.db.QueryRowContext(ctx, s.q(`SELECT `+fileColumns+` FROM files WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return File{}, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

// GetFilePath returns the worker:/files/name path recorded for the file.
func (s *DB) GetFilePath(ctx context.Context, id string) (string, error) {
	f, err := s.GetFile(ctx, id)
	if err != nil {
		return "", err
	}
	return f.Path, nil
}

// AddFileMetadata inserts the file and grants its owner read and write.
func (s *DB) AddFileMetadata(ctx context.Context, f File) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	var exists int
	err = tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM files WHERE name = ?`), f.Name).Scan(&exists)
	if err != nil {
		return fmt.Errorf("add file: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("file %q: %w", f.Name, ErrExists)
	}
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO files (`+fileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		f.ID, f.Name, f.Owner, f.Path, f.Size, f.Key, f.CreatedAt, f.ModifiedAt); err != nil {
		return fmt.Errorf("add file: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO file_permissions (file_id, username, can_read, can_write) VALUES (?, ?, ?, ?)`),
		f.ID, f.Owner, true, true); err != nil {
		return fmt.Errorf("grant owner: %w", err)
	}
	return tx.Commit()
}

// DeleteFileMetadata removes the file with its permissions and chunk rows.
func (s *DB) DeleteFileMetadata(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range []string{
		`DELETE FROM chunks WHERE file_id = ?`,
		`DELETE FROM file_permissions WHERE file_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.q(stmt), id); err != nil {
			return fmt.Errorf("delete file: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM files WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// GetFilePermissions returns the user's permissions on the file. A user with
// no row gets a zero Permission.
func (s *DB) GetFilePermissions(ctx context.Context, id, user string) (Permission, error) {
	p := Permission{FileID: id, User: user}
	err := s.db.QueryRowContext(ctx, s.q(`SELECT can_read, can_write FROM file_permissions WHERE file_id = ? AND username = ?`), id, user).
		Scan(&p.Read, &p.Write)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("get permissions: %w", err)
	}
	return p, nil
}

func (s *DB) SetFilePermissions(ctx context.Context, p Permission) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO file_permissions (file_id, username, can_read, can_write) VALUES (?, ?, ?, ?)
		ON CONFLICT (file_id, username) DO UPDATE SET can_read = excluded.can_read, can_write = excluded.can_write`),
		p.FileID, p.User, p.Read, p.Write)
	if err != nil {
		return fmt.Errorf("set permissions: %w", err)
	}
	return nil
}

func (s *DB) SaveChunks(ctx context.Context, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.insertChunks(ctx, tx, chunks); err != nil {
		return err
	}
	return tx.Commit()
}

// CommitContent swaps in a file's new chunk rows together with its size, key
// and modification time. Readers see either the old content or the new one.
func (s *DB) CommitContent(ctx context.Context, f File, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, s.q(`UPDATE files SET size = ?, enc_key = ?, modified_at = ? WHERE id = ?`),
		f.Size, f.Key, f.ModifiedAt, f.ID)
	if err != nil {
		return fmt.Errorf("commit content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("file %s: %w", f.ID, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM chunks WHERE file_id = ?`), f.ID); err != nil {
		return fmt.Errorf("commit content: %w", err)
	}
	if err := s.insertChunks(ctx, tx, chunks); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *DB) insertChunks(ctx context.Context, tx *sql.Tx, chunks []Chunk) error {
	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO chunks (file_id, set_id, seq, worker, size) VALUES (?, ?, ?, ?, ?)`),
			c.FileID, c.Set, c.Seq, c.Worker, c.Size); err != nil {
			return fmt.Errorf("save chunk %d: %w", c.Seq, err)
		}
	}
	return nil
}

// Chunks returns the file's chunks ordered by sequence.
func (s *DB) Chunks(ctx context.Context, fileID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT file_id, set_id, seq, worker, size FROM chunks WHERE file_id = ? ORDER BY seq`), fileID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()
	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.FileID, &c.Set, &c.Seq, &c.Worker, &c.Size); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Content returns the file record and its chunks from one query, so the key
// always matches the chunk set.
func (s *DB) Content(ctx context.Context, id string) (File, []Chunk, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT f.id, f.name, f.owner, f.path, f.size, f.enc_key, f.created_at, f.modified_at,
		c.set_id, c.seq, c.worker, c.size
		FROM files f LEFT JOIN chunks c ON c.file_id = f.id WHERE f.id = ? ORDER BY c.seq`), id)
	if err != nil {
		return File{}, nil, fmt.Errorf("get content: %w", err)
	}
	defer rows.Close()
	var (
		f      File
		found  bool
		chunks []Chunk
	)
	for rows.Next() {
		var (
			set, worker sql.NullString
			seq, size   sql.NullInt64
		)
		if err := rows.Scan(&f.ID, &f.Name, &f.Owner, &f.Path, &f.Size, &f.Key, &f.CreatedAt, &f.ModifiedAt,
			&set, &seq, &worker, &size); err != nil {
			return File{}, nil, err
		}
		found = true
		if seq.Valid {
			chunks = append(chunks, Chunk{FileID: f.ID, Set: set.String, Seq: int(seq.Int64), Worker: worker.String, Size: size.Int64})
		}
	}
	if err := rows.Err(); err != nil {
		return File{}, nil, err
	}
	if !found {
		return File{}, nil, fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	return f, chunks, nil
}

// ListFiles returns every file record ordered by name.
func (s *DB) ListFiles(ctx context.Context) ([]File, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+fileColumns+` FROM files ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()
	var out []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpsertFile writes the record as-is, replacing any row with the same id.
func (s *DB) UpsertFile(ctx context.Context, f File) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO files (`+fileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, owner = excluded.owner, path = excluded.path,
		size = excluded.size, enc_key = excluded.enc_key, created_at = excluded.created_at, modified_at = excluded.modified_at`),
		f.ID, f.Name, f.Owner, f.Path, f.Size, f.Key, f.CreatedAt, f.ModifiedAt)
	if err != nil {
		return fmt.Errorf("upsert file: %w", err)
	}
	return nil
}
