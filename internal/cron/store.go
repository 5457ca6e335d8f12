package cron

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// ErrLocked reports that another process holds the job file's writer lock.
var ErrLocked = errors.New("cron job file is locked by another writer")

// ErrJobNotFound is returned when no job matches a reference.
var ErrJobNotFound = errors.New("job not found")

const jobFileVersion = 1

type jobFile struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

// Store holds the maintenance jobs in creation order and persists them as
// one JSON document. Writers that must not race another process take the
// lock file next to the document first.
type Store struct {
	path string

	mu   sync.RWMutex
	jobs []*Job
	lock *flock.Flock
}

// NewStore creates a store for the job file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Lock takes the writer lock. Calling it again while held is a no-op.
func (s *Store) Lock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create cron store dir: %w", err)
	}
	fl := flock.New(s.path + ".lock")
	ok, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("lock cron store: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLocked, s.path)
	}
	s.lock = fl
	return nil
}

// Unlock releases the writer lock if held.
func (s *Store) Unlock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		return nil
	}
	err := s.lock.Unlock()
	s.lock = nil
	return err
}

// Load replaces the in-memory jobs with the file's. A missing file is an
// empty job set.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.jobs = nil
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cron store: %w", err)
	}

	var f jobFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse cron store %s: %w", s.path, err)
	}
	jobs := slices.DeleteFunc(f.Jobs, func(j *Job) bool { return j == nil || j.ID == "" })
	slices.SortStableFunc(jobs, func(a, b *Job) int { return cmp.Compare(a.CreatedAtMS, b.CreatedAtMS) })

	s.mu.Lock()
	s.jobs = jobs
	s.mu.Unlock()
	return nil
}

// Save writes every job through a temp file in the same directory, so a
// crash leaves either the old or the new document.
func (s *Store) Save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(jobFile{Version: jobFileVersion, Jobs: s.jobs}, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal cron store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create cron store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create cron store temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write cron store temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cron store temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace cron store: %w", err)
	}
	return nil
}

// Put inserts a copy of job or replaces the job with the same id.
func (s *Store) Put(job *Job) {
	cp := copyJob(job)
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(cp.ID); i >= 0 {
		s.jobs[i] = cp
		return
	}
	s.jobs = append(s.jobs, cp)
}

// Find resolves ref to a job: an exact id first, then a job name, then an
// unambiguous id prefix. It returns a copy.
func (s *Store) Find(ref string) (*Job, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrJobNotFound)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(ref); i >= 0 {
		return copyJob(s.jobs[i]), nil
	}
	for _, j := range s.jobs {
		if j.Name == ref {
			return copyJob(j), nil
		}
	}
	var match *Job
	for _, j := range s.jobs {
		if !strings.HasPrefix(j.ID, ref) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("job reference %q is ambiguous", ref)
		}
		match = j
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, ref)
	}
	return copyJob(match), nil
}

// Delete removes the job with id and reports whether it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	s.jobs = slices.Delete(s.jobs, i, i+1)
	return true
}

// All returns copies of every job in creation order.
func (s *Store) All() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, len(s.jobs))
	for i, j := range s.jobs {
		out[i] = copyJob(j)
	}
	return out
}

func (s *Store) indexLocked(id string) int {
	return slices.IndexFunc(s.jobs, func(j *Job) bool { return j.ID == id })
}

func copyJob(j *Job) *Job {
	cp := *j
	cp.Schedule.EveryMS = clonePtr(j.Schedule.EveryMS)
	cp.State.NextRunAtMS = clonePtr(j.State.NextRunAtMS)
	cp.State.LastRunAtMS = clonePtr(j.State.LastRunAtMS)
	return &cp
}

func clonePtr(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
