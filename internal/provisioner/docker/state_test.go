package docker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"jobengine/internal/apperrors"
)

func TestStateRepo_Reserve(t *testing.T) {
	t.Parallel()
	repo := newStateRepo()

	if err := repo.reserve("job-1"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	ws, exists := repo.get("job-1")
	if !exists {
		t.Error("Expected worker slot to exist after reserve")
	}
	if ws != nil {
		t.Error("Expected nil state for reserved slot")
	}
}

func TestStateRepo_ReserveConflicts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		commit bool
	}{
		{name: "reserved", commit: false},
		{name: "committed", commit: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			repo := newStateRepo()
			if err := repo.reserve("job-1"); err != nil {
				t.Fatalf("First reserve failed: %v", err)
			}
			if tt.commit {
				repo.commit("job-1", &workerState{workerContainerID: "c1"})
			}

			err := repo.reserve("job-1")
			if !errors.Is(err, apperrors.ErrConflict) {
				t.Errorf("Expected conflict, got %v", err)
			}
		})
	}
}

func TestStateRepo_CommitAndRelease(t *testing.T) {
	t.Parallel()
	repo := newStateRepo()

	_ = repo.reserve("job-1")
	repo.commit("job-1", &workerState{
		workerContainerID:  "worker-1",
		sidecarContainerID: "sidecar-1",
		volumeName:         "volume-1",
	})

	ws, exists := repo.get("job-1")
	if !exists || ws == nil {
		t.Fatal("Expected committed state")
	}
	if ws.workerContainerID != "worker-1" || ws.sidecarContainerID != "sidecar-1" {
		t.Errorf("Unexpected state %+v", ws)
	}

	released, exists := repo.release("job-1")
	if !exists || released != ws {
		t.Error("Expected release to return the committed state")
	}
	if _, exists := repo.get("job-1"); exists {
		t.Error("Expected worker to be gone after release")
	}
	if _, exists := repo.release("job-1"); exists {
		t.Error("Expected second release to report absence")
	}
}

func TestStateRepo_ListAndCount(t *testing.T) {
	t.Parallel()
	repo := newStateRepo()

	_ = repo.reserve("job-1")
	repo.commit("job-2", &workerState{workerContainerID: "c2"})

	if got := repo.count(); got != 2 {
		t.Errorf("Expected 2 workers, got %d", got)
	}

	list := repo.list()
	list["job-3"] = nil
	if repo.count() != 2 {
		t.Error("Expected list to return a copy")
	}
}

func TestStateRepo_ConcurrentReserve(t *testing.T) {
	t.Parallel()
	repo := newStateRepo()

	var wg sync.WaitGroup
	var successes atomic.Int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if repo.reserve("same-job") == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 {
		t.Errorf("Expected exactly one successful reserve, got %d", successes.Load())
	}
}

func TestStateRepo_ConcurrentReadWrite(t *testing.T) {
	t.Parallel()
	repo := newStateRepo()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("job-%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = repo.reserve(id)
			repo.commit(id, &workerState{volumeName: id})
			repo.release(id)
		}()
		go func() {
			defer wg.Done()
			_ = repo.list()
			_, _ = repo.get(id)
		}()
	}
	wg.Wait()

	if repo.count() != 0 {
		t.Errorf("Expected all workers released, got %d", repo.count())
	}
}
