package job

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"jobengine/internal/apperrors"
)

type idKind int

const (
	keyInternal idKind = iota
	keyExternal
)

type registryKey struct {
	kind idKind
	id   string
}

// Registry indexes jobs by internal and external id, runs them, and evicts
// them after the retention window. Internal ids are only resolvable through
// privileged lookups and external ids only through public ones.
type Registry struct {
	retention time.Duration

	mu      sync.Mutex
	jobs    map[registryKey]*Job
	timers  map[*Job]*time.Timer // pending evictions, one per registered job
	closed  bool

	running sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(retention time.Duration) *Registry {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Registry{
		retention: retention,
		jobs:      make(map[registryKey]*Job),
		timers:    make(map[*Job]*time.Timer),
	}
}

// Start registers j and launches its run routine.
func (r *Registry) Start(j *Job) error {
	internal := registryKey{keyInternal, j.internalID}
	external := registryKey{keyExternal, j.externalID}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return apperrors.Unavailable("registry.start", ErrShuttingDown)
	}
	if _, exists := r.jobs[internal]; exists {
		r.mu.Unlock()
		return apperrors.Conflict("job", j.internalID, "job id already registered")
	}
	if _, exists := r.jobs[external]; exists {
		r.mu.Unlock()
		return apperrors.Conflict("job", j.externalID, "job id already registered")
	}
	r.jobs[internal] = j
	r.jobs[external] = j
	r.timers[j] = time.AfterFunc(r.retention, func() { r.evict(j) })
	r.running.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.running.Done()
		j.run()
	}()
	return nil
}

// TryGet looks up a job. Public lookups resolve external ids only.
func (r *Registry) TryGet(id string, public bool) (*Job, bool) {
	key := registryKey{keyInternal, id}
	if public {
		key.kind = keyExternal
	}

	r.mu.Lock()
	j, ok := r.jobs[key]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	// Guard against a key that resolved through the wrong id space.
	if public && j.externalID != id || !public && j.internalID != id {
		return nil, false
	}
	return j, true
}

// ListActive returns jobs that have not completed, longest running first.
func (r *Registry) ListActive() []*Job {
	r.mu.Lock()
	active := make([]*Job, 0, len(r.jobs)/2)
	for key, j := range r.jobs {
		if key.kind == keyInternal && !j.Completed() {
			active = append(active, j)
		}
	}
	r.mu.Unlock()

	elapsed := make(map[*Job]time.Duration, len(active))
	for _, j := range active {
		elapsed[j] = j.Elapsed()
	}
	sort.SliceStable(active, func(a, b int) bool {
		if elapsed[active[a]] != elapsed[active[b]] {
			return elapsed[active[a]] > elapsed[active[b]]
		}
		return active[a].createdAt.Before(active[b].createdAt)
	})
	return active
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// evict removes j. A job still running is cancelled first. Calling evict
// twice is a no-op.
func (r *Registry) evict(j *Job) {
	r.mu.Lock()
	timer, ok := r.timers[j]
	if !ok {
		r.mu.Unlock()
		return
	}
	timer.Stop()
	delete(r.timers, j)
	for _, key := range []registryKey{{keyInternal, j.internalID}, {keyExternal, j.externalID}} {
		if r.jobs[key] == j {
			delete(r.jobs, key)
		}
	}
	r.mu.Unlock()

	if !j.Completed() {
		j.Cancel("retention window elapsed")
	}
	slog.Debug("job evicted", "jobId", j.internalID)
}

// Shutdown stops accepting jobs, cancels every running one, and waits for
// their teardown until ctx expires.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	jobs := make([]*Job, 0, len(r.timers))
	for j := range r.timers {
		jobs = append(jobs, j)
	}
	r.mu.Unlock()

	for _, j := range jobs {
		j.cancel(ErrShuttingDown)
	}

	done := make(chan struct{})
	go func() {
		r.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("jobs still running at shutdown"), ctx.Err())
	}
}
