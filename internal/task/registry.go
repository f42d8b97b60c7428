package task

import (
	"context"
	"fmt"
	"io"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Registry owns task metadata: creation, state transitions, listing and
// deletion. Every mutation is flushed to the Store. A failed flush is logged
// and the in-memory state stays authoritative.
type Registry struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	seq     uint64
	version uint64

	persistMu sync.Mutex
	flushed   uint64

	store Store
	now   func() time.Time
}

func NewRegistry(store Store) *Registry {
	return &Registry{
		tasks: make(map[string]*Task),
		store: store,
		now:   time.Now,
	}
}

// Create registers a new pending task and persists it immediately.
func (r *Registry) Create(typ Type, params map[string]any) (*Task, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}
	createdAt := r.now().UTC()

	r.mu.Lock()
	r.seq++
	newTask := &Task{
		ID:        fmt.Sprintf("task_%d_%d", createdAt.UnixMilli(), r.seq),
		Type:      typ,
		Status:    StatusPending,
		Total:     defaultTotal,
		Operation: "queued",
		Params:    maps.Clone(params),
		CreatedAt: createdAt,
	}
	r.tasks[newTask.ID] = newTask
	snapshot, version := r.snapshotLocked()
	out := newTask.Clone()
	r.mu.Unlock()

	r.flush(snapshot, version)
	return out, nil
}

// Get returns a copy of the task.
func (r *Registry) Get(id string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// Update moves the task to status and applies the patch. An empty status
// keeps the current one. Terminal tasks reject every update.
func (r *Registry) Update(id string, status Status, p Patch) (*Task, error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	if status == "" {
		status = t.Status
	}
	if t.Status.Terminal() {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalState, id, t.Status)
	}
	if !canTransition(t.Status, status) {
		r.mu.Unlock()
		return nil, newErrTransition(t.Status, status)
	}
	r.applyLocked(t, status, p)
	snapshot, version := r.snapshotLocked()
	out := t.Clone()
	r.mu.Unlock()

	r.flush(snapshot, version)
	return out, nil
}

// Annotate merges result keys into any task, terminal or not. The status and
// timestamps are left untouched.
func (r *Registry) Annotate(id string, result map[string]any) (*Task, error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	if t.Result == nil {
		t.Result = make(map[string]any, len(result))
	}
	maps.Copy(t.Result, result)
	snapshot, version := r.snapshotLocked()
	out := t.Clone()
	r.mu.Unlock()

	r.flush(snapshot, version)
	return out, nil
}

func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusPending || to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusRunning || to.Terminal()
	default:
		return false
	}
}

func (r *Registry) applyLocked(t *Task, status Status, p Patch) {
	now := r.now().UTC()
	if status == StatusRunning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	t.Status = status

	if p.Total != nil && *p.Total > 0 {
		t.Total = *p.Total
	}
	if p.Progress != nil {
		progress := min(max(*p.Progress, 0), t.Total)
		// progress never goes backwards
		if progress > t.Progress {
			t.Progress = progress
		}
	}
	if p.Operation != nil {
		t.Operation = *p.Operation
	}
	if p.Error != nil {
		t.Error = *p.Error
	}
	if len(p.Result) > 0 {
		if t.Result == nil {
			t.Result = make(map[string]any, len(p.Result))
		}
		maps.Copy(t.Result, p.Result)
	}

	if status.Terminal() {
		t.CompletedAt = &now
		t.Progress = t.Total
	}
}

// List returns tasks newest first.
func (r *Registry) List(f Filter) []*Task {
	r.mu.RLock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		out = append(out, t.Clone())
	}
	r.mu.RUnlock()

	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// ListActive returns pending and running tasks.
func (r *Registry) ListActive() []*Task {
	all := r.List(Filter{})
	active := all[:0]
	for _, t := range all {
		if !t.Status.Terminal() {
			active = append(active, t)
		}
	}
	return active
}

func (r *Registry) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s Summary
	for _, t := range r.tasks {
		s.Total++
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusRunning:
			s.Running++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusStopped:
			s.Stopped++
		}
	}
	return s
}

func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	if _, ok := r.tasks[id]; !ok {
		r.mu.Unlock()
		return ErrTaskNotFound
	}
	delete(r.tasks, id)
	snapshot, version := r.snapshotLocked()
	r.mu.Unlock()

	r.flush(snapshot, version)
	return nil
}

// DeleteAll removes every task and returns how many were removed.
func (r *Registry) DeleteAll() int {
	r.mu.Lock()
	n := len(r.tasks)
	r.tasks = make(map[string]*Task)
	snapshot, version := r.snapshotLocked()
	r.mu.Unlock()

	r.flush(snapshot, version)
	return n
}

// LoadFromDisk loads persisted tasks into memory. Tasks that were pending or
// running when the previous process stopped are marked as failed.
func (r *Registry) LoadFromDisk() error {
	if r.store == nil {
		return nil
	}
	loadedTasks, err := r.store.LoadAll(context.Background())
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	r.mu.Lock()
	interrupted := 0
	for _, taskEntity := range loadedTasks {
		if taskEntity == nil || taskEntity.ID == "" {
			continue
		}
		if !taskEntity.Status.Terminal() {
			r.applyLocked(taskEntity, StatusFailed, Patch{Error: String(interruptedError)})
			interrupted++
		}
		r.tasks[taskEntity.ID] = taskEntity
		if seq := seqFromID(taskEntity.ID); seq > r.seq {
			r.seq = seq
		}
	}
	snapshot, version := r.snapshotLocked()
	r.mu.Unlock()

	if interrupted > 0 {
		log.Warn().Int("count", interrupted).Msg("marked interrupted tasks as failed")
		r.flush(snapshot, version)
	}
	return nil
}

// Close releases the store if it holds resources.
func (r *Registry) Close() error {
	if c, ok := r.store.(io.Closer); ok {
		return c.Close() //nolint:wrapcheck
	}
	return nil
}

func (r *Registry) snapshotLocked() ([]*Task, uint64) {
	r.version++
	snapshot := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		snapshot = append(snapshot, t.Clone())
	}
	sort.Slice(snapshot, func(i, j int) bool {
		if !snapshot[i].CreatedAt.Equal(snapshot[j].CreatedAt) {
			return snapshot[i].CreatedAt.Before(snapshot[j].CreatedAt)
		}
		return seqFromID(snapshot[i].ID) < seqFromID(snapshot[j].ID)
	})
	return snapshot, r.version
}

// flush writes snapshot unless a newer one was already written.
func (r *Registry) flush(snapshot []*Task, version uint64) {
	if r.store == nil {
		return
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if version <= r.flushed {
		return
	}
	if err := r.store.SaveAll(context.Background(), snapshot); err != nil {
		log.Warn().Err(err).Uint64("version", version).Msg("persist tasks failed")
		return
	}
	r.flushed = version
}

func sortNewestFirst(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return seqFromID(tasks[i].ID) > seqFromID(tasks[j].ID)
	})
}

func seqFromID(id string) uint64 {
	i := strings.LastIndexByte(id, '_')
	if i < 0 {
		return 0
	}
	n, err := strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
