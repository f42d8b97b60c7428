package task

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) (*Registry, Store) {
	t.Helper()
	store := NewFileStore(t.TempDir())
	return NewRegistry(store), store
}

func TestCreateTaskDefaults(t *testing.T) {
	r, _ := newTestRegistry(t)
	taskEntity, err := r.Create(TypeSearch, map[string]any{"query": "rust async"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if taskEntity.Status != StatusPending {
		t.Fatalf("expected status pending, got %s", taskEntity.Status)
	}
	if taskEntity.Progress != 0 || taskEntity.Total != defaultTotal {
		t.Fatalf("expected progress 0/%d, got %d/%d", defaultTotal, taskEntity.Progress, taskEntity.Total)
	}
	if !strings.HasPrefix(taskEntity.ID, "task_") {
		t.Fatalf("unexpected id format: %q", taskEntity.ID)
	}
	if taskEntity.StartedAt != nil || taskEntity.CompletedAt != nil {
		t.Fatalf("new task must not have timestamps besides createdAt")
	}

	if _, err := r.Create(Type("reindex"), nil); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
}

func TestCreateTaskIDsAreUnique(t *testing.T) {
	r, _ := newTestRegistry(t)
	seen := make(map[string]struct{})
	var mu sync.Mutex
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			taskEntity, err := r.Create(TypeSearch, nil)
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			mu.Lock()
			seen[taskEntity.ID] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != 50 {
		t.Fatalf("expected 50 unique ids, got %d", len(seen))
	}
}

func TestUpdateLifecycle(t *testing.T) {
	r, _ := newTestRegistry(t)
	taskEntity, _ := r.Create(TypeSearch, nil)

	running, err := r.Update(taskEntity.ID, StatusRunning, Patch{Operation: String("searching")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if running.StartedAt == nil {
		t.Fatalf("startedAt must be set when running")
	}
	startedAt := *running.StartedAt

	running, _ = r.Update(taskEntity.ID, StatusRunning, Patch{Progress: Int(40)})
	if !running.StartedAt.Equal(startedAt) {
		t.Fatalf("startedAt must be set once")
	}

	done, err := r.Update(taskEntity.ID, StatusCompleted, Patch{Result: map[string]any{"totalResults": 3}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done.Progress != done.Total {
		t.Fatalf("terminal task must have progress == total, got %d/%d", done.Progress, done.Total)
	}
	if done.CompletedAt == nil {
		t.Fatalf("completedAt must be set")
	}
	if done.Result["totalResults"] != 3 {
		t.Fatalf("unexpected result: %v", done.Result)
	}
}

func TestUpdateRejectsTerminalAndInvalidTransitions(t *testing.T) {
	r, _ := newTestRegistry(t)
	taskEntity, _ := r.Create(TypeSearch, nil)

	if _, err := r.Update(taskEntity.ID, StatusCompleted, Patch{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending -> completed must be rejected, got %v", err)
	}
	if _, err := r.Update(taskEntity.ID, StatusRunning, Patch{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Update(taskEntity.ID, StatusPending, Patch{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("running -> pending must be rejected, got %v", err)
	}
	if _, err := r.Update(taskEntity.ID, StatusStopped, Patch{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Update(taskEntity.ID, StatusCompleted, Patch{}); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
	if _, err := r.Update(taskEntity.ID, "", Patch{Progress: Int(1)}); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("patching a terminal task must fail, got %v", err)
	}
	if _, err := r.Update("task_0_999", StatusRunning, Patch{}); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestUpdateProgressIsClampedAndMonotonic(t *testing.T) {
	r, _ := newTestRegistry(t)
	taskEntity, _ := r.Create(TypeSearch, nil)

	got, _ := r.Update(taskEntity.ID, StatusRunning, Patch{Progress: Int(60)})
	if got.Progress != 60 {
		t.Fatalf("expected progress 60, got %d", got.Progress)
	}
	got, _ = r.Update(taskEntity.ID, "", Patch{Progress: Int(30)})
	if got.Progress != 60 {
		t.Fatalf("progress must not decrease, got %d", got.Progress)
	}
	got, _ = r.Update(taskEntity.ID, "", Patch{Progress: Int(500)})
	if got.Progress != got.Total {
		t.Fatalf("progress must be clamped to total, got %d", got.Progress)
	}
}

func TestFailedFromPendingKeepsError(t *testing.T) {
	r, _ := newTestRegistry(t)
	taskEntity, _ := r.Create(TypeMaintenance, map[string]any{"task": "cleanup"})

	failed, err := r.Update(taskEntity.ID, StatusFailed, Patch{Error: String("engine unavailable")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if failed.Error != "engine unavailable" {
		t.Fatalf("unexpected error message %q", failed.Error)
	}
}

func TestAnnotateTerminalTask(t *testing.T) {
	r, _ := newTestRegistry(t)
	taskEntity, _ := r.Create(TypeSearch, nil)
	_, _ = r.Update(taskEntity.ID, StatusFailed, Patch{Error: String("boom")})

	got, err := r.Annotate(taskEntity.ID, map[string]any{"resultsState": "stopped"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusFailed || got.Result["resultsState"] != "stopped" {
		t.Fatalf("unexpected task after annotate: %+v", got)
	}
	if _, err := r.Annotate("task_0_404", nil); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r, _ := newTestRegistry(t)
	taskEntity, _ := r.Create(TypeSearch, map[string]any{"query": "a"})

	got, _ := r.Get(taskEntity.ID)
	got.Params["query"] = "mutated"
	got.Status = StatusFailed

	again, _ := r.Get(taskEntity.ID)
	if again.Params["query"] != "a" || again.Status != StatusPending {
		t.Fatalf("registry state leaked through Get: %+v", again)
	}
}

func TestListFilterAndOrder(t *testing.T) {
	r, _ := newTestRegistry(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	first, _ := r.Create(TypeSearch, nil)
	second, _ := r.Create(TypeMaintenance, nil)
	third, _ := r.Create(TypeSearch, nil)
	_, _ = r.Update(first.ID, StatusRunning, Patch{})

	all := r.List(Filter{})
	if len(all) != 3 || all[0].ID != third.ID || all[2].ID != first.ID {
		t.Fatalf("expected newest first, got %v", ids(all))
	}

	searches := r.List(Filter{Type: TypeSearch})
	if len(searches) != 2 {
		t.Fatalf("expected 2 search tasks, got %d", len(searches))
	}

	running := r.List(Filter{Status: StatusRunning})
	if len(running) != 1 || running[0].ID != first.ID {
		t.Fatalf("unexpected running list %v", ids(running))
	}

	limited := r.List(Filter{Limit: 1})
	if len(limited) != 1 || limited[0].ID != third.ID {
		t.Fatalf("unexpected limited list %v", ids(limited))
	}

	_, _ = r.Update(second.ID, StatusFailed, Patch{})
	active := r.ListActive()
	if len(active) != 2 {
		t.Fatalf("expected 2 active tasks, got %v", ids(active))
	}

	s := r.Summary()
	if s.Total != 3 || s.Pending != 1 || s.Running != 1 || s.Failed != 1 {
		t.Fatalf("unexpected summary %+v", s)
	}
}

func TestDeleteAndDeleteAll(t *testing.T) {
	r, _ := newTestRegistry(t)
	a, _ := r.Create(TypeSearch, nil)
	_, _ = r.Create(TypeSearch, nil)

	if err := r.Delete(a.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Get(a.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound after delete, got %v", err)
	}
	if err := r.Delete(a.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("second delete must report not found, got %v", err)
	}
	if n := r.DeleteAll(); n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
	if len(r.List(Filter{})) != 0 {
		t.Fatalf("registry must be empty")
	}
}

func TestLoadFromDiskMarksInterruptedTasksFailed(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(NewFileStore(dir))

	done, _ := r.Create(TypeSearch, nil)
	_, _ = r.Update(done.ID, StatusRunning, Patch{})
	_, _ = r.Update(done.ID, StatusCompleted, Patch{Result: map[string]any{"totalResults": 5}})
	running, _ := r.Create(TypeSearch, nil)
	_, _ = r.Update(running.ID, StatusRunning, Patch{Progress: Int(30)})
	pending, _ := r.Create(TypeMaintenance, nil)

	restarted := NewRegistry(NewFileStore(dir))
	if err := restarted.LoadFromDisk(); err != nil {
		t.Fatalf("load: %v", err)
	}

	for _, id := range []string{running.ID, pending.ID} {
		got, err := restarted.Get(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got.Status != StatusFailed || got.Error != interruptedError {
			t.Fatalf("expected %s failed as interrupted, got %s %q", id, got.Status, got.Error)
		}
		if got.CompletedAt == nil {
			t.Fatalf("interrupted task must have completedAt")
		}
	}

	got, _ := restarted.Get(done.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("completed task must survive restart, got %s", got.Status)
	}

	next, _ := restarted.Create(TypeSearch, nil)
	if seqFromID(next.ID) <= seqFromID(pending.ID) {
		t.Fatalf("sequence must continue after restart: %s <= %s", next.ID, pending.ID)
	}
}

func TestLoadFromDiskWithoutFile(t *testing.T) {
	r := NewRegistry(NewFileStore(filepath.Join(t.TempDir(), "missing")))
	if err := r.LoadFromDisk(); err != nil {
		t.Fatalf("missing file must not be an error: %v", err)
	}
	if len(r.List(Filter{})) != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore("sqlite", dir)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	r := NewRegistry(store)
	a, _ := r.Create(TypeSearch, map[string]any{"query": "go"})
	_, _ = r.Update(a.ID, StatusRunning, Patch{})
	_, _ = r.Update(a.ID, StatusStopped, Patch{Result: map[string]any{"totalResults": 12}})
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenStore("sqlite", dir)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer reopened.(*SQLiteStore).Close()

	tasks, err := reopened.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != a.ID || tasks[0].Status != StatusStopped {
		t.Fatalf("unexpected tasks after reopen: %+v", tasks)
	}
	if tasks[0].Params["query"] != "go" {
		t.Fatalf("params not preserved: %v", tasks[0].Params)
	}
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	if _, err := OpenStore("postgres", t.TempDir()); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func ids(tasks []*Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
