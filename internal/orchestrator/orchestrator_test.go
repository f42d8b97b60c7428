package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"searchdock/internal/engine"
	"searchdock/internal/hub"
	"searchdock/internal/results"
	"searchdock/internal/task"
)

var _ Publisher = (*hub.Hub)(nil)

const healthyStatus = `{"index_exists":true,"index_healthy":true,"total_documents":10}`

// toolRunner imitates the search binary over a corpus of total matching lines.
type toolRunner struct {
	total int

	mu       sync.Mutex
	searches int

	failSearch func(call int) error
	block      func(call int) <-chan struct{}
	reached    chan int
	status     error
	maint      string
}

func (r *toolRunner) Run(ctx context.Context, _ string, args []string, _ []string) ([]byte, error) {
	switch args[0] {
	case engine.CommandStatus:
		if r.status != nil {
			return nil, r.status
		}
		return []byte(healthyStatus), nil
	case engine.CommandMaintenance:
		return []byte(r.maint), nil
	}

	r.mu.Lock()
	r.searches++
	call := r.searches
	r.mu.Unlock()

	if r.block != nil {
		if gate := r.block(call); gate != nil {
			if r.reached != nil {
				r.reached <- call
			}
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if r.failSearch != nil {
		if err := r.failSearch(call); err != nil {
			return nil, err
		}
	}

	limit, _ := strconv.Atoi(args[3])
	offset, _ := strconv.Atoi(args[5])
	n := max(0, min(limit, r.total-offset))
	resp := engine.SearchResponse{Query: args[1], Total: r.total, Limit: limit, Offset: offset, Results: []engine.Match{}}
	for i := range n {
		line := offset + i
		resp.Results = append(resp.Results, engine.Match{
			ID:         fmt.Sprintf("doc-%d", line),
			Path:       "logs/app.log",
			LineNumber: int64(line + 1),
			Score:      1,
			Content:    fmt.Sprintf("error %d", line),
		})
	}
	return json.Marshal(resp)
}

func (r *toolRunner) searchCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.searches
}

// recorder captures published events per task.
type recorder struct {
	mu       sync.Mutex
	events   map[string][]hub.EventType
	progress map[string][]int
	offsets  map[string][]int
}

func newRecorder() *recorder {
	return &recorder{
		events:   make(map[string][]hub.EventType),
		progress: make(map[string][]int),
		offsets:  make(map[string][]int),
	}
}

func (r *recorder) PublishProgress(taskID string, p hub.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[taskID] = append(r.events[taskID], hub.EventProgress)
	r.progress[taskID] = append(r.progress[taskID], p.Progress)
}

func (r *recorder) PublishResults(taskID string, res hub.Results) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[taskID] = append(r.events[taskID], hub.EventResults)
	r.offsets[taskID] = append(r.offsets[taskID], res.Offset)
}

func (r *recorder) PublishCompletion(taskID string, _ hub.Completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[taskID] = append(r.events[taskID], hub.EventCompletion)
}

func (r *recorder) PublishError(taskID string, _ hub.Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[taskID] = append(r.events[taskID], hub.EventError)
}

func (r *recorder) terminalEvents(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events[taskID] {
		if ev == hub.EventCompletion || ev == hub.EventError {
			n++
		}
	}
	return n
}

type fixture struct {
	o        *Orchestrator
	registry *task.Registry
	store    *results.Store
	rec      *recorder
	runner   *toolRunner
	dir      string
}

func newFixture(t *testing.T, runner *toolRunner) *fixture {
	t.Helper()
	dir := t.TempDir()
	sup := engine.NewSupervisor(engine.Options{
		Binary:        "search-engine",
		MaxConcurrent: 3,
		MaxRetries:    3,
		BackoffBase:   time.Millisecond,
		Runner:        runner,
	})
	store, err := results.NewStore(filepath.Join(dir, "results"))
	require.NoError(t, err)
	registry := task.NewRegistry(task.NewFileStore(dir))
	rec := newRecorder()
	o := New(sup, store, registry, rec, Options{BatchSize: 50, MaxResults: 50000, MaxPageSize: 1000})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
		_ = store.Close()
	})
	return &fixture{o: o, registry: registry, store: store, rec: rec, runner: runner, dir: dir}
}

func (f *fixture) waitTerminal(t *testing.T, id string) *task.Task {
	t.Helper()
	var got *task.Task
	require.Eventually(t, func() bool {
		current, err := f.registry.Get(id)
		if err != nil {
			return false
		}
		got = current
		return current.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	require.True(t, f.o.Wait(context.Background()))
	return got
}

func TestSearchEndToEnd(t *testing.T) {
	f := newFixture(t, &toolRunner{total: 623})

	created, estimate, err := f.o.StartSearch(context.Background(), SearchParams{Query: "error", Limit: 10000})
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, created.Status)
	assert.Equal(t, 200*defaultBatchEstimate, estimate)

	done := f.waitTerminal(t, created.ID)
	assert.Equal(t, task.StatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, 623, done.Result["totalResults"])
	assert.Equal(t, string(results.StateCompleted), done.Result["resultsState"])
	assert.Equal(t, 13, f.runner.searchCalls())

	page, err := f.o.Results(created.ID, 50, 600)
	require.NoError(t, err)
	assert.Equal(t, 623, page.Total)
	require.Len(t, page.Records, 23)
	assert.Equal(t, int64(601), page.Records[0].LineNumber)
	assert.Equal(t, string(results.StateCompleted), page.State)

	var all []results.Record
	for offset := 0; offset < 623; offset += 100 {
		p, err := f.o.Results(created.ID, 100, offset)
		require.NoError(t, err)
		all = append(all, p.Records...)
	}
	require.Len(t, all, 623)
	for i, rec := range all {
		assert.Equal(t, int64(i+1), rec.LineNumber)
	}
}

func TestSearchProgressIsMonotonicAndOrdered(t *testing.T) {
	f := newFixture(t, &toolRunner{total: 420})

	created, _, err := f.o.StartSearch(context.Background(), SearchParams{Query: "error", Limit: -1})
	require.NoError(t, err)
	done := f.waitTerminal(t, created.ID)
	require.Equal(t, task.StatusCompleted, done.Status)

	f.rec.mu.Lock()
	progress := append([]int(nil), f.rec.progress[created.ID]...)
	offsets := append([]int(nil), f.rec.offsets[created.ID]...)
	events := append([]hub.EventType(nil), f.rec.events[created.ID]...)
	f.rec.mu.Unlock()

	require.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}
	for _, p := range progress {
		assert.Less(t, p, 100)
	}
	for i, offset := range offsets {
		assert.Equal(t, i*50, offset)
	}
	assert.Equal(t, hub.EventCompletion, events[len(events)-1])
	assert.Equal(t, 1, f.rec.terminalEvents(created.ID))
}

func TestSearchLimitStopsEarly(t *testing.T) {
	f := newFixture(t, &toolRunner{total: 1000})

	created, _, err := f.o.StartSearch(context.Background(), SearchParams{Query: "error", Limit: 120, Offset: 10})
	require.NoError(t, err)
	done := f.waitTerminal(t, created.ID)
	assert.Equal(t, task.StatusCompleted, done.Status)
	assert.Equal(t, 120, done.Result["totalResults"])

	page, err := f.o.Results(created.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 50, page.Limit)
	assert.Equal(t, int64(11), page.Records[0].LineNumber)
}

func TestCancelKeepsPartialResults(t *testing.T) {
	gate := make(chan struct{})
	runner := &toolRunner{
		total:   500,
		reached: make(chan int, 1),
		block: func(call int) <-chan struct{} {
			if call == 2 {
				return gate
			}
			return nil
		},
	}
	f := newFixture(t, runner)

	created, _, err := f.o.StartSearch(context.Background(), SearchParams{Query: "error", Limit: -1})
	require.NoError(t, err)
	<-runner.reached
	require.Eventually(t, func() bool {
		n, err := f.store.Count(created.ID)
		return err == nil && n == 50
	}, 5*time.Second, 5*time.Millisecond)

	stopped, err := f.o.Cancel(created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusStopped, stopped.Status)
	assert.Equal(t, 100, stopped.Progress)
	close(gate)

	done := f.waitTerminal(t, created.ID)
	assert.Equal(t, task.StatusStopped, done.Status)

	page, err := f.o.Results(created.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, page.Records, 10)
	assert.Equal(t, 50, page.Total)
	assert.Equal(t, string(results.StateStopped), page.State)
	assert.Equal(t, 1, f.rec.terminalEvents(created.ID))

	_, err = f.o.Cancel(created.ID)
	assert.True(t, IsValidation(err), "cancelling a terminal task must be a validation error, got %v", err)
}

func TestCancelBeforeAnyResults(t *testing.T) {
	gate := make(chan struct{})
	runner := &toolRunner{
		total:   500,
		reached: make(chan int, 1),
		block:   func(int) <-chan struct{} { return gate },
	}
	f := newFixture(t, runner)

	created, _, err := f.o.StartSearch(context.Background(), SearchParams{Query: "error", Limit: -1})
	require.NoError(t, err)
	<-runner.reached

	cancelled, err := f.o.Cancel(created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, cancelled.Status)
	assert.Equal(t, cancelledMessage, cancelled.Error)
	close(gate)

	done := f.waitTerminal(t, created.ID)
	assert.Equal(t, task.StatusFailed, done.Status)
	assert.False(t, f.store.Exists(created.ID))

	page, err := f.o.Results(created.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.NotEmpty(t, page.Message)
}

func TestCancelUnknownTask(t *testing.T) {
	f := newFixture(t, &toolRunner{})
	_, err := f.o.Cancel("task_1_1")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestRetriesThenSucceeds(t *testing.T) {
	runner := &toolRunner{
		total: 30,
		failSearch: func(call int) error {
			if call <= 2 {
				return &engine.ExitError{ExitCode: 1, Stderr: "index locked"}
			}
			return nil
		},
	}
	f := newFixture(t, runner)

	created, _, err := f.o.StartSearch(context.Background(), SearchParams{Query: "error", Limit: -1})
	require.NoError(t, err)
	done := f.waitTerminal(t, created.ID)
	assert.Equal(t, task.StatusCompleted, done.Status)
	assert.Equal(t, 30, done.Result["totalResults"])
	assert.Equal(t, 3, runner.searchCalls())
}

func TestRetriesExhaustedFailsTask(t *testing.T) {
	runner := &toolRunner{
		total:      30,
		failSearch: func(int) error { return &engine.ExitError{ExitCode: 2, Stderr: "crash"} },
	}
	f := newFixture(t, runner)

	created, _, err := f.o.StartSearch(context.Background(), SearchParams{Query: "error", Limit: -1})
	require.NoError(t, err)
	done := f.waitTerminal(t, created.ID)
	assert.Equal(t, task.StatusFailed, done.Status)
	assert.Contains(t, done.Error, string(engine.CodeEngineError))
	assert.Equal(t, string(engine.CodeEngineError), done.Result["errorCode"])
	assert.Equal(t, 4, runner.searchCalls())
	assert.False(t, f.store.Exists(created.ID))
	assert.Equal(t, 1, f.rec.terminalEvents(created.ID))
}

func TestFailureMidSearchSavesPartialResults(t *testing.T) {
	runner := &toolRunner{
		total: 500,
		failSearch: func(call int) error {
			if call > 2 {
				return &engine.ExitError{ExitCode: 1}
			}
			return nil
		},
	}
	f := newFixture(t, runner)

	created, _, err := f.o.StartSearch(context.Background(), SearchParams{Query: "error", Limit: -1})
	require.NoError(t, err)
	done := f.waitTerminal(t, created.ID)
	assert.Equal(t, task.StatusFailed, done.Status)
	assert.Equal(t, string(results.StateStopped), done.Result["resultsState"])

	page, err := f.o.Results(created.ID, 500, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, page.Total)
	assert.Len(t, page.Records, 100)
}

func TestStartSearchValidation(t *testing.T) {
	f := newFixture(t, &toolRunner{})
	cases := []SearchParams{
		{Query: "   ", Limit: 10},
		{Query: "q", Limit: 0},
		{Query: "q", Limit: -2},
		{Query: "q", Limit: 50001},
		{Query: "q", Limit: 10, Offset: -1},
	}
	for _, p := range cases {
		_, _, err := f.o.StartSearch(context.Background(), p)
		assert.True(t, IsValidation(err), "params %+v: got %v", p, err)
	}
	assert.Empty(t, f.registry.List(task.Filter{}))
}

func TestStartSearchEngineUnavailable(t *testing.T) {
	f := newFixture(t, &toolRunner{status: errors.New("connection refused")})

	_, _, err := f.o.StartSearch(context.Background(), SearchParams{Query: "q", Limit: 10})
	require.Error(t, err)
	assert.Equal(t, engine.CodeServiceUnavailable, engine.CodeOf(err))
	assert.Empty(t, f.registry.List(task.Filter{}))
}

func TestMaintenanceCompletes(t *testing.T) {
	f := newFixture(t, &toolRunner{maint: `{"task":"cleanup","success":true,"message":"removed 3 segments","executed_at":"2025-03-01T10:00:00Z"}`})

	created, err := f.o.StartMaintenance(context.Background(), "cleanup")
	require.NoError(t, err)
	done := f.waitTerminal(t, created.ID)
	assert.Equal(t, task.StatusCompleted, done.Status)
	assert.Equal(t, "removed 3 segments", done.Result["message"])

	f.rec.mu.Lock()
	assert.Equal(t, []int{10, 30, 90}, f.rec.progress[created.ID])
	f.rec.mu.Unlock()

	page, err := f.o.Results(created.ID, 10, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, page.Message)
}

func TestMaintenanceUnsuccessfulFails(t *testing.T) {
	f := newFixture(t, &toolRunner{maint: `{"task":"clear-all","success":false,"message":"index busy"}`})

	created, err := f.o.StartMaintenance(context.Background(), "clear-all")
	require.NoError(t, err)
	done := f.waitTerminal(t, created.ID)
	assert.Equal(t, task.StatusFailed, done.Status)
	assert.Contains(t, done.Error, "index busy")
}

func TestMaintenanceRejectsUnknownTask(t *testing.T) {
	f := newFixture(t, &toolRunner{})
	_, err := f.o.StartMaintenance(context.Background(), "reindex")
	assert.True(t, IsValidation(err))
}

func TestResultsValidation(t *testing.T) {
	f := newFixture(t, &toolRunner{total: 10})
	created, _, err := f.o.StartSearch(context.Background(), SearchParams{Query: "q", Limit: -1})
	require.NoError(t, err)
	f.waitTerminal(t, created.ID)

	_, err = f.o.Results(created.ID, -1, 0)
	assert.True(t, IsValidation(err))
	_, err = f.o.Results(created.ID, 10, -5)
	assert.True(t, IsValidation(err))
	_, err = f.o.Results("task_0_404", 10, 0)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)

	page, err := f.o.Results(created.ID, 5000, 0)
	require.NoError(t, err)
	assert.Equal(t, 1000, page.Limit)

	page, err = f.o.Results(created.ID, 10, 50)
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.Equal(t, 10, page.Total)
}

func TestDeleteRemovesResults(t *testing.T) {
	f := newFixture(t, &toolRunner{total: 60})
	created, _, err := f.o.StartSearch(context.Background(), SearchParams{Query: "q", Limit: -1})
	require.NoError(t, err)
	f.waitTerminal(t, created.ID)
	require.True(t, f.store.Exists(created.ID))

	require.NoError(t, f.o.Delete(created.ID))
	assert.False(t, f.store.Exists(created.ID))
	_, err = f.registry.Get(created.ID)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
	assert.ErrorIs(t, f.o.Delete(created.ID), task.ErrTaskNotFound)

	second, _, err := f.o.StartSearch(context.Background(), SearchParams{Query: "q", Limit: -1})
	require.NoError(t, err)
	f.waitTerminal(t, second.ID)
	assert.Equal(t, 1, f.o.DeleteAll())
	assert.False(t, f.store.Exists(second.ID))
}

func TestSingleTerminalTransitionUnderCancelRace(t *testing.T) {
	f := newFixture(t, &toolRunner{total: 120})

	var ids []string
	for range 20 {
		created, _, err := f.o.StartSearch(context.Background(), SearchParams{Query: "q", Limit: -1})
		require.NoError(t, err)
		ids = append(ids, created.ID)
		go func(id string) { _, _ = f.o.Cancel(id) }(created.ID)
	}

	for _, id := range ids {
		done := f.waitTerminal(t, id)
		assert.True(t, done.Status.Terminal())
		require.Eventually(t, func() bool {
			return f.rec.terminalEvents(id) == 1
		}, time.Second, 5*time.Millisecond)
		_, err := f.registry.Update(id, task.StatusRunning, task.Patch{})
		assert.ErrorIs(t, err, task.ErrTerminalState)
	}
}

func TestRecoverSealsInterruptedResults(t *testing.T) {
	dir := t.TempDir()
	resultsDir := filepath.Join(dir, "results")

	before := task.NewRegistry(task.NewFileStore(dir))
	interrupted, err := before.Create(task.TypeSearch, map[string]any{"query": "error"})
	require.NoError(t, err)
	_, err = before.Update(interrupted.ID, task.StatusRunning, task.Patch{})
	require.NoError(t, err)

	oldStore, err := results.NewStore(resultsDir)
	require.NoError(t, err)
	require.NoError(t, oldStore.BeginStream("error", interrupted.ID))
	_, err = oldStore.AppendBatch(interrupted.ID, []results.Record{
		{Path: "a.log", LineNumber: 1, Content: "error one"},
		{Path: "a.log", LineNumber: 7, Content: "error two"},
	})
	require.NoError(t, err)
	require.NoError(t, oldStore.Close())

	registry := task.NewRegistry(task.NewFileStore(dir))
	require.NoError(t, registry.LoadFromDisk())
	store, err := results.NewStore(resultsDir)
	require.NoError(t, err)
	o := New(nil, store, registry, newRecorder(), Options{})

	assert.Equal(t, 1, o.Recover())
	assert.Equal(t, 0, o.Recover())

	got, err := registry.Get(interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, string(results.StateStopped), got.Result["resultsState"])

	page, err := o.Results(interrupted.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, "error two", page.Records[1].Content)
}

func TestExportEntries(t *testing.T) {
	f := newFixture(t, &toolRunner{total: 30, maint: `{"task":"cleanup","success":true}`})
	created, _, err := f.o.StartSearch(context.Background(), SearchParams{Query: "q", Limit: -1})
	require.NoError(t, err)
	f.waitTerminal(t, created.ID)

	entries, err := f.o.Export(created.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "task.json", entries[0].Name)
	assert.Equal(t, f.store.Path(created.ID), entries[1].Path)
	assert.Equal(t, f.store.MetaPath(created.ID), entries[2].Path)

	maint, err := f.o.StartMaintenance(context.Background(), "cleanup")
	require.NoError(t, err)
	f.waitTerminal(t, maint.ID)
	_, err = f.o.Export(maint.ID)
	assert.True(t, IsValidation(err))

	_, err = f.o.Export("task_0_404")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

// cancellingStore cancels the task from inside AppendBatch on batch onBatch,
// after the engine answered but before the batch is saved.
type cancellingStore struct {
	*results.Store
	onBatch int
	batches atomic.Int32
	cancel  func(taskID string)
}

func (s *cancellingStore) AppendBatch(taskID string, records []results.Record) (int, error) {
	if int(s.batches.Add(1)) == s.onBatch {
		s.cancel(taskID)
	}
	return s.Store.AppendBatch(taskID, records)
}

func TestCancelDuringAppendPublishesNoLateResults(t *testing.T) {
	dir := t.TempDir()
	base, err := results.NewStore(filepath.Join(dir, "results"))
	require.NoError(t, err)
	store := &cancellingStore{Store: base, onBatch: 2}
	registry := task.NewRegistry(task.NewFileStore(dir))
	rec := newRecorder()
	sup := engine.NewSupervisor(engine.Options{Binary: "search-engine", MaxConcurrent: 3, Runner: &toolRunner{total: 500}})
	o := New(sup, store, registry, rec, Options{BatchSize: 50})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
		_ = base.Close()
	})

	var cancelErr error
	store.cancel = func(taskID string) { _, cancelErr = o.Cancel(taskID) }

	created, _, err := o.StartSearch(context.Background(), SearchParams{Query: "error", Limit: -1})
	require.NoError(t, err)
	require.True(t, o.Wait(context.Background()))
	require.NoError(t, cancelErr)

	done, err := registry.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusStopped, done.Status)
	n, err := base.Count(created.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	events := rec.events[created.ID]
	require.NotEmpty(t, events)
	assert.Equal(t, hub.EventCompletion, events[len(events)-1], "nothing may follow the completion event")
	assert.Equal(t, []int{0}, rec.offsets[created.ID], "only the saved batch is published")
}
