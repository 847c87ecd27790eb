package cron

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pulsehq/pulse/internal/lockfile"
)

// StoreVersion is the on-disk schema version of the job store.
const StoreVersion = 1

// storeFile is the on-disk shape: {version, jobs}.
type storeFile struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

// rawStoreFile defers job decoding so one undecodable entry cannot poison the
// rest of the store.
type rawStoreFile struct {
	Version int               `json:"version"`
	Jobs    []json.RawMessage `json:"jobs"`
}

// Store persists the job list as versioned JSON. Every read and write runs
// under the crash-safe lock keyed on the store path, so a second service
// instance or an out-of-process admin command never interleaves writes.
type Store struct {
	path     string
	locks    *lockfile.Registry
	lockOpts lockfile.Options
	logger   *slog.Logger
}

// NewStore creates a Store for path. The parent directory is created on the
// first save.
func NewStore(path string, locks *lockfile.Registry, lockOpts lockfile.Options, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:     path,
		locks:    locks,
		lockOpts: lockOpts,
		logger:   logger.With("component", "cron.store"),
	}
}

// Path returns the store file path.
func (s *Store) Path() string { return s.path }

// Load reads, migrates, and validates the job list under the lock. A missing
// file is an empty store. One malformed or invariant-violating job never
// prevents the rest from loading: it is marked skipped with a descriptive
// error and left on disk for inspection.
func (s *Store) Load() ([]*Job, error) {
	lock, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	return s.loadLocked()
}

// Save writes jobs atomically under the lock.
func (s *Store) Save(jobs []*Job) error {
	lock, err := s.acquire()
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	return s.saveLocked(jobs)
}

// Update runs one read-modify-write cycle under a single lock acquisition.
// fn may mutate the slice it receives and must return the slice to persist;
// returning an error aborts without writing.
func (s *Store) Update(fn func(jobs []*Job) ([]*Job, error)) error {
	lock, err := s.acquire()
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	jobs, err := s.loadLocked()
	if err != nil {
		return err
	}
	next, err := fn(jobs)
	if err != nil {
		return err
	}
	return s.saveLocked(next)
}

func (s *Store) acquire() (*lockfile.Handle, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, fmt.Errorf("cron: creating store directory: %w", err)
	}
	return s.locks.Acquire(s.path, s.lockOpts)
}

func (s *Store) loadLocked() ([]*Job, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("cron: reading store %s: %w", s.path, err)
	}

	var file rawStoreFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("cron: parsing store %s: %w", s.path, err)
	}

	jobs := make([]*Job, 0, len(file.Jobs))
	for _, entry := range file.Jobs {
		if len(entry) == 0 || string(entry) == "null" {
			continue
		}
		job := new(Job)
		if err := json.Unmarshal(entry, job); err != nil {
			// Salvage the job's identity so it stays visible in listings
			// instead of taking the whole store down with it.
			job = salvageJob(entry, err)
			if job == nil {
				s.logger.Warn("dropping unreadable job from store", "error", err)
				continue
			}
			s.logger.Warn("skipping malformed job from store",
				"job", job.ID,
				"name", job.Name,
				"error", err,
			)
			jobs = append(jobs, job)
			continue
		}
		Normalize(job)
		if err := ValidateTarget(job); err != nil {
			// Kept on disk and in listings, excluded from scheduling.
			job.State.LastStatus = StatusSkipped
			job.State.LastError = err.Error()
			job.State.NextRunAtMs = 0
			s.logger.Warn("skipping invalid job from store",
				"job", job.ID,
				"name", job.Name,
				"error", err,
			)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// salvageJob recovers the id and name of a job whose full decode failed. The
// result is disabled, skipped, and never scheduled. Returns nil when not even
// an id can be read.
func salvageJob(entry json.RawMessage, cause error) *Job {
	var probe struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(entry, &probe); err != nil || probe.ID == "" {
		return nil
	}
	return &Job{
		ID:      probe.ID,
		Name:    probe.Name,
		Enabled: BoolOf(false),
		State: JobState{
			LastStatus: StatusSkipped,
			LastError:  "parse: " + cause.Error(),
		},
	}
}

// saveLocked serializes to a uniquely-named temp file in the store directory
// and renames it over the target, so a half-written store is never visible.
func (s *Store) saveLocked(jobs []*Job) error {
	if jobs == nil {
		jobs = []*Job{}
	}
	data, err := json.MarshalIndent(storeFile{Version: StoreVersion, Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("cron: encoding store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("cron: creating temp store: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("cron: writing temp store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("cron: closing temp store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("cron: replacing store: %w", err)
	}
	return nil
}
