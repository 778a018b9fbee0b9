package task

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"mediajobs/progress"
)

type entry struct {
	mu  sync.Mutex
	job Job
}

// Registry is the single source of truth for job state. Every job has its own
// lock, so updates to one job never wait on another.
type Registry struct {
	mu       sync.RWMutex
	jobs     map[string]*entry
	onChange func(Snapshot)
}

// NewRegistry returns an empty registry. onChange, when set, receives every
// accepted update while the job's lock is held, so calls for one job arrive
// in sequence order. It must not call back into the registry.
func NewRegistry(onChange func(Snapshot)) *Registry {
	return &Registry{
		jobs:     make(map[string]*entry),
		onChange: onChange,
	}
}

func (r *Registry) Create(job Job) (Snapshot, error) {
	if job.ID == "" {
		return Snapshot{}, fmt.Errorf("%w: empty id", ErrInvalidUpdate)
	}
	if job.Status == "" {
		job.Status = StatusQueued
	}
	if job.Status != StatusQueued {
		return Snapshot{}, fmt.Errorf("%w: new job must be %s, got %s", ErrInvalidTransition, StatusQueued, job.Status)
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.Rate == "" {
		job.Rate = progress.Unknown
	}
	if job.ETA == "" {
		job.ETA = progress.Unknown
	}
	job.Progress = progress.Clamp(job.Progress)
	job.UpdatedAt = now
	job.Seq = 1

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrDuplicateID, job.ID)
	}
	r.jobs[job.ID] = &entry{job: job}
	return job.Snapshot(), nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Get returns a copy of the job.
func (r *Registry) Get(id string) (Job, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job, nil
}

// Update applies mutate to a copy of the job and stores the result if it
// keeps the job consistent. Finished jobs reject every update.
func (r *Registry) Update(id string, mutate func(*Job) error) (Snapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.job
	if prev.Status.IsTerminal() {
		return prev.Snapshot(), fmt.Errorf("%w: %s is %s", ErrJobFinished, id, prev.Status)
	}

	next := prev
	if err := mutate(&next); err != nil {
		return prev.Snapshot(), err
	}
	if err := settle(prev, &next); err != nil {
		return prev.Snapshot(), err
	}
	if !changed(prev, next) {
		return prev.Snapshot(), nil
	}

	now := time.Now()
	next.Seq = prev.Seq + 1
	next.UpdatedAt = now
	if prev.Status == StatusQueued && next.Status != StatusQueued && next.StartedAt.IsZero() {
		next.StartedAt = now
	}
	if next.Status.IsTerminal() {
		next.FinishedAt = now
	}
	e.job = next

	snap := next.Snapshot()
	if r.onChange != nil {
		r.onChange(snap)
	}
	return snap, nil
}

// settle checks next against prev and fills in derived fields.
func settle(prev Job, next *Job) error {
	next.ID = prev.ID
	next.Kind = prev.Kind
	next.InputRef = prev.InputRef
	next.Metadata = prev.Metadata
	next.Request = prev.Request
	next.CreatedAt = prev.CreatedAt

	if next.Status != prev.Status && !CanTransition(prev.Kind, prev.Status, next.Status) {
		return fmt.Errorf("%w: %s cannot go from %s to %s", ErrInvalidTransition, prev.Kind, prev.Status, next.Status)
	}
	if prev.OutputPath != "" && next.OutputPath != prev.OutputPath {
		return fmt.Errorf("%w: output path already set to %s", ErrInvalidUpdate, prev.OutputPath)
	}
	switch next.Status {
	case StatusCompleted:
		if next.OutputPath == "" {
			return fmt.Errorf("%w: completed job needs an output path", ErrInvalidUpdate)
		}
		next.Progress = 100
	case StatusError:
		if next.Error == "" {
			return fmt.Errorf("%w: failed job needs an error message", ErrInvalidUpdate)
		}
	default:
		if next.Error != "" {
			return fmt.Errorf("%w: error message on a %s job", ErrInvalidUpdate, next.Status)
		}
	}

	next.Progress = progress.Clamp(next.Progress)
	if next.Progress < prev.Progress {
		next.Progress = prev.Progress
	}
	if next.Rate == "" {
		next.Rate = progress.Unknown
	}
	if next.ETA == "" {
		next.ETA = progress.Unknown
	}
	return nil
}

func changed(a, b Job) bool {
	return a.Status != b.Status ||
		a.Progress != b.Progress ||
		a.Rate != b.Rate ||
		a.ETA != b.ETA ||
		a.OutputPath != b.OutputPath ||
		a.Error != b.Error
}

// Remove drops a finished job.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	status := e.job.Status
	e.mu.Unlock()
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobActive, id, status)
	}
	delete(r.jobs, id)
	return nil
}

// List returns copies of all jobs, oldest first.
func (r *Registry) List() []Job {
	return r.collect(func(Job) bool { return true })
}

// ListActive returns copies of the jobs that have not finished yet.
func (r *Registry) ListActive() []Job {
	return r.collect(func(j Job) bool { return j.Status.IsActive() })
}

func (r *Registry) collect(keep func(Job) bool) []Job {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	jobs := make([]Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		j := e.job
		e.mu.Unlock()
		if keep(j) {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].ID < jobs[b].ID
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
	return jobs
}
