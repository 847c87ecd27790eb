// Package lockfile implements a crash-safe advisory lock over a file path.
// The lock guards multi-process access to persisted state (the cron job
// store, session files): a JSON record {pid, createdAt} is written to
// <path>.lock with O_EXCL, and competing processes poll until the file is
// absent or stale. Within one process, acquisitions of the same resource
// share a reference-counted handle, so nested access never self-deadlocks
// and the on-disk file is removed only by the last release.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pulsehq/pulse/internal/signals"
)

// ErrTimeout is returned when another process holds the lock for longer than
// the acquisition timeout. Distinct from I/O failures so callers can tell
// "someone else holds this" apart from disk errors.
var ErrTimeout = errors.New("lockfile: acquire timed out")

// Suffix is appended to the resource path to form the lock file path.
const Suffix = ".lock"

// Default acquisition parameters, used when Options fields are zero.
const (
	DefaultTimeout      = 10 * time.Second
	DefaultStale        = 10 * time.Minute
	DefaultPollInterval = 100 * time.Millisecond
)

// Options controls a single acquisition.
type Options struct {
	// Timeout bounds how long Acquire polls before returning ErrTimeout.
	Timeout time.Duration

	// Stale is the age past which an on-disk lock is reclaimable even if its
	// recorded pid parses; locks owned by dead processes are always
	// reclaimable regardless of age.
	Stale time.Duration

	// PollInterval is the delay between acquisition attempts.
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Stale <= 0 {
		o.Stale = DefaultStale
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// record is the on-disk lock file content.
type record struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"createdAt"`
}

// Registry tracks locks held by this process, keyed by the resolved real
// path of the resource so two callers reaching the same file through
// different symlinks observe the same lock.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  *slog.Logger
	now     func() time.Time
}

type entry struct {
	mu       sync.Mutex // serializes filesystem acquisition per key
	refs     int
	lockPath string
}

// Handle represents one acquisition. Release decrements the in-process
// reference count and removes the lock file when it reaches zero.
type Handle struct {
	reg      *Registry
	key      string
	mu       sync.Mutex
	released bool
}

// NewRegistry creates a Registry. If mgr is non-nil, every lock file still
// held at process termination is removed by a cleanup callback, so abrupt
// SIGINT/SIGTERM/SIGQUIT/SIGABRT never leaves stale locks behind.
func NewRegistry(logger *slog.Logger, mgr *signals.Manager) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		entries: make(map[string]*entry),
		logger:  logger.With("component", "lockfile"),
		now:     time.Now,
	}
	if mgr != nil {
		mgr.OnShutdown(r.releaseAll)
	}
	return r
}

// Acquire takes the advisory lock for path. The lock file is written next to
// the resource at <resolved path>.lock. A second Acquire on the same resolved
// path within this process returns immediately without touching the
// filesystem.
func (r *Registry) Acquire(path string, opts Options) (*Handle, error) {
	opts = opts.withDefaults()

	key, err := resolveKey(path)
	if err != nil {
		return nil, fmt.Errorf("lockfile: resolving %s: %w", path, err)
	}

	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{lockPath: key + Suffix}
		r.entries[key] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.refs > 0 {
		e.refs++
		return &Handle{reg: r, key: key}, nil
	}

	if err := r.acquireFile(e.lockPath, opts); err != nil {
		return nil, err
	}
	e.refs = 1
	return &Handle{reg: r, key: key}, nil
}

// acquireFile polls until the lock file can be created or reclaimed, or the
// timeout elapses.
func (r *Registry) acquireFile(lockPath string, opts Options) error {
	deadline := r.now().Add(opts.Timeout)

	for {
		created, err := r.tryCreate(lockPath)
		if err != nil {
			return err
		}
		if created {
			return nil
		}

		reclaimed, err := r.tryReclaim(lockPath, opts.Stale)
		if err != nil {
			return err
		}
		if reclaimed {
			return nil
		}

		if r.now().After(deadline) {
			return fmt.Errorf("%w: %s held by another process", ErrTimeout, lockPath)
		}
		time.Sleep(opts.PollInterval)
	}
}

// tryCreate attempts an exclusive create of the lock file.
func (r *Registry) tryCreate(lockPath string) (bool, error) {
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("lockfile: creating %s: %w", lockPath, err)
	}
	defer func() { _ = f.Close() }()

	if err := json.NewEncoder(f).Encode(r.ownRecord()); err != nil {
		_ = os.Remove(lockPath)
		return false, fmt.Errorf("lockfile: writing %s: %w", lockPath, err)
	}
	return true, nil
}

// tryReclaim takes over a lock whose owner is dead or whose record is older
// than stale (or unreadable). The takeover is an atomic rename so a
// half-written record is never visible.
func (r *Registry) tryReclaim(lockPath string, stale time.Duration) (bool, error) {
	raw, err := os.ReadFile(lockPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Released between our create attempt and now; retry create.
			return false, nil
		}
		return false, fmt.Errorf("lockfile: reading %s: %w", lockPath, err)
	}

	if !r.isStale(raw, stale) {
		return false, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(lockPath), filepath.Base(lockPath)+".*")
	if err != nil {
		return false, fmt.Errorf("lockfile: reclaim temp: %w", err)
	}
	if err := json.NewEncoder(tmp).Encode(r.ownRecord()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return false, fmt.Errorf("lockfile: reclaim write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return false, fmt.Errorf("lockfile: reclaim close: %w", err)
	}
	if err := os.Rename(tmp.Name(), lockPath); err != nil {
		_ = os.Remove(tmp.Name())
		return false, fmt.Errorf("lockfile: reclaim rename: %w", err)
	}

	r.logger.Warn("reclaimed stale lock", "path", lockPath)
	return true, nil
}

// isStale reports whether a lock record may be taken over: unparseable,
// owned by a dead process, or older than the stale threshold.
func (r *Registry) isStale(raw []byte, stale time.Duration) bool {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return true
	}
	if rec.PID > 0 && !pidAlive(rec.PID) {
		return true
	}
	createdAt, err := time.Parse(time.RFC3339, rec.CreatedAt)
	if err != nil {
		return true
	}
	return r.now().Sub(createdAt) > stale
}

func (r *Registry) ownRecord() record {
	return record{
		PID:       os.Getpid(),
		CreatedAt: r.now().UTC().Format(time.RFC3339),
	}
}

// Release decrements the reference count; the lock file is removed only when
// the count reaches zero. Releasing twice is a no-op.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	return h.reg.release(h.key)
}

func (r *Registry) release(key string) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.refs == 0 {
		return nil
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}

	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()

	if err := os.Remove(e.lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("lockfile: removing %s: %w", e.lockPath, err)
	}
	return nil
}

// releaseAll removes every lock file this process still holds. Called from
// the signal manager on termination.
func (r *Registry) releaseAll() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.refs > 0 {
			e.refs = 0
			if err := os.Remove(e.lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				r.logger.Error("failed to remove lock on shutdown", "path", e.lockPath, "error", err)
			}
		}
		e.mu.Unlock()
	}
}

// resolveKey canonicalizes path to its real filesystem path, following
// symlinks, so distinct spellings of the same resource share one lock. The
// resource itself may not exist yet; in that case the parent directory is
// resolved and the base name appended.
func resolveKey(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(abs)), nil
}

// pidAlive reports whether a process with the given pid exists. Signal 0
// performs the existence check without delivering anything; EPERM means the
// process exists but belongs to another user.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
