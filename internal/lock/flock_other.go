//go:build !(linux || darwin || freebsd || dragonfly)

package lock

import (
	"fmt"
	"os"
)

// Without flock the lock file is only created; the permit still excludes
// holders inside this process.
func lockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

func unlockFile(f *os.File) error {
	return f.Close()
}
