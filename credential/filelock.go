package credential

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"
)

var errLockTimeout = errors.New("timed out waiting for credential file lock")

// lockPolicy says how long to wait for a held lock and when a lock file left
// behind by a crashed process may be taken over.
type lockPolicy struct {
	retryDelay time.Duration
	waitLimit  time.Duration
	staleAfter time.Duration
}

var defaultLockPolicy = lockPolicy{
	retryDelay: 100 * time.Millisecond,
	waitLimit:  5 * time.Second,
	staleAfter: 30 * time.Second,
}

// fileLock is an advisory cross-process lock: a sibling "<path>.lock" file
// created exclusively and holding the owner's pid.
type fileLock struct {
	path string
	file *os.File
	once sync.Once
}

func acquireFileLock(ctx context.Context, path string) (*fileLock, error) {
	return defaultLockPolicy.acquire(ctx, path)
}

func (p lockPolicy) acquire(ctx context.Context, path string) (*fileLock, error) {
	lockPath := path + ".lock"
	deadline := time.Now().Add(p.waitLimit)

	ticker := time.NewTicker(p.retryDelay)
	defer ticker.Stop()

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			return &fileLock{path: lockPath, file: f}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		if p.abandoned(lockPath) {
			if err := os.Remove(lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("remove abandoned lock file %s: %w", lockPath, err)
			}
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w %s after %s", errLockTimeout, lockPath, p.waitLimit)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for lock file %s: %w", lockPath, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p lockPolicy) abandoned(lockPath string) bool {
	info, err := os.Stat(lockPath)
	return err == nil && time.Since(info.ModTime()) > p.staleAfter
}

// release removes the lock file. Calls after the first do nothing.
func (l *fileLock) release() error {
	var err error
	l.once.Do(func() {
		l.file.Close()
		err = os.Remove(l.path)
	})
	return err
}
