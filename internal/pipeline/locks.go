package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"slug/internal/hierarchy"
	"slug/internal/services"
)

const locksDir = ".locks"

// keyedLocks serializes work per key inside this process.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyedLock)}
}

// acquire takes the lock for key. When wait is false and the lock is held it
// returns ErrLockContention immediately. contended reports whether the lock
// was held on arrival.
func (k *keyedLocks) acquire(ctx context.Context, key string, wait bool) (release func(), contended bool, err error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	release = func() {
		<-l.ch
		k.unref(key, l)
	}

	select {
	case l.ch <- struct{}{}:
		return release, false, nil
	default:
	}
	if !wait {
		k.unref(key, l)
		return nil, true, services.ErrLockContention
	}
	select {
	case l.ch <- struct{}{}:
		return release, true, nil
	case <-ctx.Done():
		k.unref(key, l)
		return nil, true, ctx.Err()
	}
}

func (k *keyedLocks) unref(key string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// held reports whether any caller holds or waits on key.
func (k *keyedLocks) held(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.locks[key]
	return ok
}

// fileLockPath returns <entity>/_artifacts/.locks/<module>.lock.
func fileLockPath(entityDir, module string) string {
	return filepath.Join(entityDir, hierarchy.ArtifactsDir, locksDir, module+".lock")
}

// acquireFileLock takes the cross-process lock for (entity, module).
func acquireFileLock(ctx context.Context, path string, wait bool, retry time.Duration) (*flock.Flock, bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, false, fmt.Errorf("create lock directory: %w", err)
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", path, err)
	}
	if ok {
		return lock, false, nil
	}
	if !wait {
		return nil, true, services.ErrLockContention
	}
	if retry <= 0 {
		retry = 250 * time.Millisecond
	}
	ok, err = lock.TryLockContext(ctx, retry)
	if err != nil {
		return nil, true, err
	}
	if !ok {
		return nil, true, services.ErrLockContention
	}
	return lock, true, nil
}
