package match

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// runLock guards a match runtime directory against a second arbiter
// process picking up the same match.
type runLock struct {
	fileLock   *flock.Flock
	path       string
	acquiredAt time.Time
}

func acquireRunLock(dir string, timeout, retry time.Duration) (*runLock, error) {
	path := filepath.Join(dir, "match.lock")
	fl := flock.New(path)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, retry)
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("lock match dir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("match dir %s is locked by another arbiter (timeout after %v)", dir, timeout)
	}

	slog.Debug("Match lock acquired", "path", path)
	return &runLock{fileLock: fl, path: path, acquiredAt: time.Now()}, nil
}

func (l *runLock) release() {
	if l.fileLock == nil {
		return
	}
	if err := l.fileLock.Unlock(); err != nil {
		slog.Error("Failed to release match lock", "path", l.path, "error", err)
	} else {
		slog.Debug("Match lock released", "path", l.path,
			"held_ms", time.Since(l.acquiredAt).Milliseconds())
	}
	l.fileLock = nil
}
