// Package lock keeps two runs from rotating the same target directory at the
// same time.
package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"github.com/juju/mutex/v2"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("another instance is already running for this target directory")

// DefaultTimeout is how long Acquire waits for a running instance to finish.
const DefaultTimeout = 2 * time.Second

const (
	namePrefix = "blobrotate-"
	hashLen    = 16
	retryDelay = 100 * time.Millisecond
)

// Releaser releases a held lock.
type Releaser interface {
	Release()
}

// Name returns the machine-wide lock name for a target directory: a fixed
// prefix plus the first 16 hex characters of the SHA256 of its absolute path.
func Name(targetDir string) (string, error) {
	abs, err := filepath.Abs(targetDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve target directory: %w", err)
	}
	sum := sha256.Sum256([]byte(filepath.Clean(abs)))
	return namePrefix + hex.EncodeToString(sum[:])[:hashLen], nil
}

// Acquire takes the lock for targetDir, waiting up to timeout. It returns
// ErrLocked if the lock is still held when the timeout expires.
func Acquire(targetDir string, clk clock.Clock, timeout time.Duration) (Releaser, error) {
	name, err := Name(targetDir)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	releaser, err := mutex.Acquire(mutex.Spec{
		Name:    name,
		Clock:   clk,
		Delay:   retryDelay,
		Timeout: timeout,
	})
	if err != nil {
		if errors.Is(err, mutex.ErrTimeout) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	return releaser, nil
}
