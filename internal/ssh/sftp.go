package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// Upload streams r to a remote path via SFTP, creating parent directories.
func Upload(ctx context.Context, client *xssh.Client, r io.Reader, remotePath string) error {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, contextReader{ctx: ctx, r: r}); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}

type remoteFile struct {
	*sftp.File
	sf *sftp.Client
}

func (f remoteFile) Close() error {
	err := f.File.Close()
	if cerr := f.sf.Close(); err == nil {
		err = cerr
	}
	return err
}

// Open returns a reader over a remote file. Closing it ends the SFTP session.
func Open(ctx context.Context, client *xssh.Client, remotePath string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sf, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	f, err := sf.Open(remotePath)
	if err != nil {
		_ = sf.Close()
		return nil, fmt.Errorf("open remote: %w", err)
	}
	return remoteFile{File: f, sf: sf}, nil
}

// Remove deletes a remote file. A missing file is not an error.
func Remove(ctx context.Context, client *xssh.Client, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	if err := sf.Remove(remotePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove remote: %w", err)
	}
	return nil
}

// DirCapacity is the result of probing a remote directory.
type DirCapacity struct {
	Exists    bool
	Writable  bool
	FreeBytes uint64
	// FreeKnown is false when the server does not support statvfs.
	FreeKnown bool
}

// ProbeDir checks that dir exists and accepts a test file, and reads its free
// space through the statvfs extension when the server offers it.
func ProbeDir(ctx context.Context, client *xssh.Client, dir string) (DirCapacity, error) {
	var c DirCapacity
	if err := ctx.Err(); err != nil {
		return c, err
	}
	sf, err := sftp.NewClient(client)
	if err != nil {
		return c, fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	st, err := sf.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("stat remote: %w", err)
	}
	c.Exists = st.IsDir()
	if !c.Exists {
		return c, nil
	}
	probe := path.Join(dir, ".health_check")
	if f, err := sf.Create(probe); err == nil {
		_ = f.Close()
		c.Writable = sf.Remove(probe) == nil
	}
	if vfs, err := sf.StatVFS(dir); err == nil {
		c.FreeBytes = vfs.Frsize * vfs.Bavail
		c.FreeKnown = true
	}
	return c, nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
