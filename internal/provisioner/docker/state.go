package docker

import (
	"context"
	"sync"

	"jobengine/internal/apperrors"
)

// workerState holds the Docker resources behind one worker.
type workerState struct {
	workerContainerID  string
	sidecarContainerID string
	volumeName         string
	cancelWatch        context.CancelFunc
}

// stateRepo tracks provisioned workers by job id with thread-safe access.
type stateRepo struct {
	mu      sync.RWMutex
	workers map[string]*workerState
}

// newStateRepo creates a new state repository.
func newStateRepo() *stateRepo {
	return &stateRepo{
		workers: make(map[string]*workerState),
	}
}

// reserve claims a slot for jobID. The slot holds nil until commit.
func (r *stateRepo) reserve(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[jobID]; exists {
		return apperrors.Conflict("worker", jobID, "worker already provisioned for job")
	}
	r.workers[jobID] = nil
	return nil
}

// commit fills in a reserved slot.
func (r *stateRepo) commit(jobID string, ws *workerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[jobID] = ws
}

// release removes a worker. Returns the state if it existed.
func (r *stateRepo) release(jobID string) (*workerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ws, exists := r.workers[jobID]
	if exists {
		delete(r.workers, jobID)
	}
	return ws, exists
}

// get retrieves a worker. Returns (nil, true) if reserved but not committed.
func (r *stateRepo) get(jobID string) (*workerState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ws, exists := r.workers[jobID]
	return ws, exists
}

// list returns a copy of all workers.
func (r *stateRepo) list() map[string]*workerState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*workerState, len(r.workers))
	for id, ws := range r.workers {
		result[id] = ws
	}
	return result
}

// count returns the number of tracked workers.
func (r *stateRepo) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
