package locking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/shopfloor_backend/config"
	"github.com/sirupsen/logrus"
)

// ErrNotObtained is returned when the lock could not be obtained within
// the configured wait timeout. Callers surface it as "busy, try again".
var ErrNotObtained = errors.New("lock not obtained")

const pollInterval = 50 * time.Millisecond

// lockPayload is written into the lock artifact so a human (or a stale
// check) can see who holds it.
type lockPayload struct {
	Pid        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FileLock serializes read-modify-write sequences that span the record
// store and the mirror workbook. The artifact is a file created with
// O_CREATE|O_EXCL, so independent processes on the host cooperate, not
// just goroutines.
type FileLock struct {
	Path        string
	WaitTimeout time.Duration
	StaleAge    time.Duration
}

// NewFileLock builds a lock from the environment:
// LOCK_PATH (default ".shopfloor.lock"), LOCK_WAIT_TIMEOUT_SECONDS
// (default 10), LOCK_STALE_AGE_SECONDS (default 120).
func NewFileLock() *FileLock {
	return &FileLock{
		Path:        envString("LOCK_PATH", ".shopfloor.lock"),
		WaitTimeout: envSeconds("LOCK_WAIT_TIMEOUT_SECONDS", 10*time.Second),
		StaleAge:    envSeconds("LOCK_STALE_AGE_SECONDS", 2*time.Minute),
	}
}

// Token represents a held lock. Release is idempotent.
type Token struct {
	path     string
	released bool
	mu       sync.Mutex
}

// Obtain blocks until the lock artifact can be created, the context is
// done, or the wait timeout elapses (ErrNotObtained). An artifact older
// than StaleAge is treated as abandoned by a crashed holder: it is
// removed with a warning and acquisition continues.
func (l *FileLock) Obtain(ctx context.Context) (*Token, error) {
	deadline := time.Now().Add(l.WaitTimeout)
	logger := config.GetLogger()

	for {
		f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			payload, _ := json.Marshal(lockPayload{Pid: os.Getpid(), AcquiredAt: time.Now().UTC()})
			_, werr := f.Write(payload)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				// Could not record the holder; give the lock back rather
				// than leave an artifact nobody can attribute.
				_ = os.Remove(l.Path)
				return nil, fmt.Errorf("write lock artifact %s: %w", l.Path, firstErr(werr, cerr))
			}
			return &Token{path: l.Path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock artifact %s: %w", l.Path, err)
		}

		if l.reclaimIfStale(logger) {
			continue
		}

		if time.Now().After(deadline) {
			return nil, ErrNotObtained
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// reclaimIfStale removes the artifact when it is older than StaleAge.
// Returns true when a retry should be attempted immediately.
func (l *FileLock) reclaimIfStale(logger *logrus.Logger) bool {
	info, err := os.Stat(l.Path)
	if err != nil {
		// Holder released between our create attempt and the stat.
		return os.IsNotExist(err)
	}
	age := time.Since(info.ModTime())
	if age < l.StaleAge {
		return false
	}
	holder := l.describeHolder()
	if rmErr := os.Remove(l.Path); rmErr != nil && !os.IsNotExist(rmErr) {
		return false
	}
	logger.WithFields(logrus.Fields{
		"module":   "locking",
		"funcName": "reclaimIfStale",
		"path":     l.Path,
		"age":      age.String(),
		"holder":   holder,
	}).Warn("reclaimed orphaned lock artifact")
	return true
}

func (l *FileLock) describeHolder() string {
	raw, err := os.ReadFile(l.Path)
	if err != nil {
		return ""
	}
	var p lockPayload
	if json.Unmarshal(raw, &p) != nil {
		return strings.TrimSpace(string(raw))
	}
	return fmt.Sprintf("pid=%d acquired_at=%s", p.Pid, p.AcquiredAt.Format(time.RFC3339))
}

// Release removes the lock artifact. Safe to call more than once.
func (t *Token) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return nil
	}
	t.released = true
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock artifact %s: %w", t.path, err)
	}
	return nil
}

// WithLock runs fn while holding the lock and guarantees release on
// every exit path, including a panic inside fn.
func (l *FileLock) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	token, err := l.Obtain(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := token.Release(); rerr != nil {
			config.LogError(config.GetLogger(), "locking", "WithLock", "Release", l.Path, rerr)
		}
	}()
	return fn(ctx)
}

func envString(key string, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envSeconds(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
