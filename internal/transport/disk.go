package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/3cpo-dev/fleetfs/internal/registry"
)

// Disk serves workers whose storage root is a local directory.
type Disk struct{}

func resolve(root, remote string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(remote))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("remote path %q escapes worker root", remote)
	}
	return filepath.Join(root, clean), nil
}

func (Disk) Put(ctx context.Context, w registry.Worker, remote string, body io.ReadSeeker) error {
	p, err := resolve(w.Root, remote)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, ctxReader{ctx: ctx, r: body}); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (Disk) Get(ctx context.Context, w registry.Worker, remote string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := resolve(w.Root, remote)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// Delete removes the file. A missing file is not an error.
func (Disk) Delete(ctx context.Context, w registry.Worker, remote string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := resolve(w.Root, remote)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (Disk) Probe(ctx context.Context, w registry.Worker) (Capacity, error) {
	if err := ctx.Err(); err != nil {
		return Capacity{}, err
	}
	return ProbeDir(w.Root)
}

// ProbeDir inspects a local storage root: whether it exists, accepts a test
// file and how many bytes are free.
func ProbeDir(root string) (Capacity, error) {
	c := Capacity{Reachable: true}
	st, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, err
	}
	if !st.IsDir() {
		return c, nil
	}
	c.Exists = true
	probe := filepath.Join(root, ".health_check")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err == nil {
		c.Writable = os.Remove(probe) == nil
	}
	free, err := freeBytes(root)
	if err != nil {
		return c, fmt.Errorf("free space: %w", err)
	}
	c.FreeBytes = free
	return c, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
