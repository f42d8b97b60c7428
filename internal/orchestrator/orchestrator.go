// Package orchestrator drives search and maintenance tasks from creation to a
// terminal state. It fetches batches through the engine, persists them in
// the result store, records progress in the task registry and publishes
// events to realtime subscribers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"searchdock/internal/engine"
	"searchdock/internal/hub"
	"searchdock/internal/results"
	"searchdock/internal/task"
)

// Engine is the part of the process supervisor the orchestrator needs.
type Engine interface {
	CheckAvailability(ctx context.Context) bool
	Search(ctx context.Context, query string, limit, offset int) (*engine.SearchResponse, error)
	Maintenance(ctx context.Context, name string) (*engine.MaintenanceResult, error)
}

// ResultStore persists result batches per task.
type ResultStore interface {
	BeginStream(query, taskID string) error
	AppendBatch(taskID string, records []results.Record) (int, error)
	Finalize(taskID string, total int) (*results.Meta, error)
	FinalizeAsStopped(taskID string, total int) (*results.Meta, error)
	ReadPage(taskID string, limit, offset int) (results.Page, error)
	Count(taskID string) (int, error)
	Exists(taskID string) bool
	Running(taskID string) bool
	Remove(taskID string) error
	Path(taskID string) string
	MetaPath(taskID string) string
}

// Publisher delivers task events to subscribers.
type Publisher interface {
	PublishProgress(taskID string, p hub.Progress)
	PublishResults(taskID string, r hub.Results)
	PublishCompletion(taskID string, c hub.Completion)
	PublishError(taskID string, f hub.Failure)
}

const (
	defaultBatchSize     = 50
	defaultMaxResults    = 50000
	defaultMaxPageSize   = 1000
	defaultBatchEstimate = 500 * time.Millisecond

	cancelledMessage = "cancelled by user"
)

// MaintenanceTasks lists the maintenance operations the engine accepts.
var MaintenanceTasks = []string{"cleanup", "clear-all", "update-stats"}

type Options struct {
	BatchSize     int
	MaxResults    int
	MaxPageSize   int
	BatchEstimate time.Duration
}

type SearchParams struct {
	Query  string `json:"query"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// run tracks one in-flight task. mu serializes the terminal transition
// between the worker and Cancel/Delete.
type run struct {
	mu        sync.Mutex
	done      bool
	cancelled atomic.Bool
}

type Orchestrator struct {
	engine   Engine
	store    ResultStore
	registry *task.Registry
	pub      Publisher
	opts     Options

	mu   sync.Mutex
	runs map[string]*run

	wg         sync.WaitGroup
	base       context.Context
	cancelBase context.CancelFunc
}

func New(eng Engine, store ResultStore, registry *task.Registry, pub Publisher, opts Options) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = defaultMaxResults
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = defaultMaxPageSize
	}
	if opts.BatchEstimate <= 0 {
		opts.BatchEstimate = defaultBatchEstimate
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		engine:     eng,
		store:      store,
		registry:   registry,
		pub:        pub,
		opts:       opts,
		runs:       make(map[string]*run),
		base:       base,
		cancelBase: cancel,
	}
}

// StartSearch validates params, creates a pending search task and starts its
// batch loop in the background.
func (o *Orchestrator) StartSearch(ctx context.Context, p SearchParams) (*task.Task, time.Duration, error) {
	p.Query = strings.TrimSpace(p.Query)
	if p.Query == "" {
		return nil, 0, invalid("query", "must not be empty")
	}
	if p.Limit == 0 || p.Limit < -1 || p.Limit > o.opts.MaxResults {
		return nil, 0, invalid("limit", "must be -1 or between 1 and %d", o.opts.MaxResults)
	}
	if p.Offset < 0 {
		return nil, 0, invalid("offset", "must not be negative")
	}
	if !o.engine.CheckAvailability(ctx) {
		return nil, 0, &engine.Error{Code: engine.CodeServiceUnavailable, Command: engine.CommandSearch, Message: "search engine is not available"}
	}

	taskEntity, err := o.registry.Create(task.TypeSearch, map[string]any{
		"query":  p.Query,
		"limit":  p.Limit,
		"offset": p.Offset,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("create search task: %w", err)
	}
	r := o.track(taskEntity.ID)
	base := o.baseContext()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.untrack(taskEntity.ID)
		o.runSearch(base, r, taskEntity.ID, p)
	}()

	log.Info().Str("task_id", taskEntity.ID).Str("query", p.Query).Int("limit", p.Limit).Msg("search task started")
	return taskEntity, o.estimate(p.Limit), nil
}

// estimate is the expected wall time for the number of batches the limit
// implies.
func (o *Orchestrator) estimate(limit int) time.Duration {
	target := o.target(limit)
	batches := (target + o.opts.BatchSize - 1) / o.opts.BatchSize
	return time.Duration(batches) * o.opts.BatchEstimate
}

func (o *Orchestrator) target(limit int) int {
	if limit < 0 || limit > o.opts.MaxResults {
		return o.opts.MaxResults
	}
	return limit
}

// StartMaintenance creates a pending maintenance task and runs it in the
// background.
func (o *Orchestrator) StartMaintenance(ctx context.Context, name string) (*task.Task, error) {
	if !validMaintenance(name) {
		return nil, invalid("task", "must be one of %s", strings.Join(MaintenanceTasks, ", "))
	}
	if !o.engine.CheckAvailability(ctx) {
		return nil, &engine.Error{Code: engine.CodeServiceUnavailable, Command: engine.CommandMaintenance, Message: "search engine is not available"}
	}
	taskEntity, err := o.registry.Create(task.TypeMaintenance, map[string]any{"task": name})
	if err != nil {
		return nil, fmt.Errorf("create maintenance task: %w", err)
	}
	r := o.track(taskEntity.ID)
	base := o.baseContext()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.untrack(taskEntity.ID)
		o.runMaintenance(base, r, taskEntity.ID, name)
	}()

	log.Info().Str("task_id", taskEntity.ID).Str("maintenance", name).Msg("maintenance task started")
	return taskEntity, nil
}

func validMaintenance(name string) bool {
	for _, m := range MaintenanceTasks {
		if m == name {
			return true
		}
	}
	return false
}

// SetBaseContext sets the parent context of workers started afterwards.
// Cancelling it stops them at the next batch boundary.
func (o *Orchestrator) SetBaseContext(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.base, o.cancelBase = context.WithCancel(ctx)
}

func (o *Orchestrator) baseContext() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.base
}

func (o *Orchestrator) track(taskID string) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := &run{}
	o.runs[taskID] = r
	return r
}

func (o *Orchestrator) untrack(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.runs, taskID)
}

// lookup returns the tracked run or a fresh one for tasks no worker owns.
func (o *Orchestrator) lookup(taskID string) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.runs[taskID]; ok {
		return r
	}
	return &run{}
}

// Cancel stops a pending or running task. Tasks with persisted results end
// stopped and keep them; the rest end failed.
func (o *Orchestrator) Cancel(taskID string) (*task.Task, error) {
	t, err := o.registry.Get(taskID)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	if t.Status.Terminal() {
		return nil, &ValidationError{Message: fmt.Sprintf("task %s is already %s", taskID, t.Status)}
	}

	r := o.lookup(taskID)
	r.cancelled.Store(true)
	r.mu.Lock()
	defer r.mu.Unlock()
	// the worker may have finished between Get and taking the lock
	if t, err = o.registry.Get(taskID); err != nil {
		return nil, err //nolint:wrapcheck
	}
	if r.done || t.Status.Terminal() {
		return nil, &ValidationError{Message: fmt.Sprintf("task %s is already %s", taskID, t.Status)}
	}
	r.done = true

	count := 0
	if o.store.Running(taskID) {
		count, _ = o.store.Count(taskID)
	}
	if count > 0 {
		meta, err := o.store.FinalizeAsStopped(taskID, count)
		if err != nil && !errors.Is(err, results.ErrNotFound) {
			log.Warn().Str("task_id", taskID).Err(err).Msg("finalize cancelled results failed")
		}
		if meta != nil {
			count = meta.Total
		}
		updated, err := o.registry.Update(taskID, task.StatusStopped, task.Patch{
			Operation: task.String(cancelledMessage),
			Result:    o.resultRefs(taskID, count, results.StateStopped),
		})
		if err != nil {
			return nil, err //nolint:wrapcheck
		}
		o.pub.PublishCompletion(taskID, hub.Completion{Status: string(task.StatusStopped), TotalResults: count, Message: cancelledMessage})
		log.Info().Str("task_id", taskID).Int("results", count).Msg("task stopped with partial results")
		return updated, nil
	}

	if err := o.store.Remove(taskID); err != nil {
		log.Warn().Str("task_id", taskID).Err(err).Msg("remove empty artifact failed")
	}
	updated, err := o.registry.Update(taskID, task.StatusFailed, task.Patch{
		Operation: task.String(cancelledMessage),
		Error:     task.String(cancelledMessage),
	})
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	o.pub.PublishError(taskID, hub.Failure{Error: cancelledMessage})
	log.Info().Str("task_id", taskID).Msg("task cancelled before any results")
	return updated, nil
}

// Delete stops the task if it is still running and removes it with its
// results.
func (o *Orchestrator) Delete(taskID string) error {
	if _, err := o.registry.Get(taskID); err != nil {
		return err //nolint:wrapcheck
	}
	o.discard(taskID)
	return o.registry.Delete(taskID) //nolint:wrapcheck
}

// DeleteAll removes every task and its results.
func (o *Orchestrator) DeleteAll() int {
	for _, t := range o.registry.List(task.Filter{}) {
		o.discard(t.ID)
	}
	return o.registry.DeleteAll()
}

func (o *Orchestrator) discard(taskID string) {
	r := o.lookup(taskID)
	r.cancelled.Store(true)
	r.mu.Lock()
	r.done = true
	if err := o.store.Remove(taskID); err != nil {
		log.Warn().Str("task_id", taskID).Err(err).Msg("remove results failed")
	}
	r.mu.Unlock()
}

// Wait blocks until every worker has returned or ctx is done. It reports
// whether the workers finished.
func (o *Orchestrator) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Shutdown cancels in-flight work and waits for the workers.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	cancel := o.cancelBase
	o.mu.Unlock()
	cancel()
	if !o.Wait(ctx) {
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
	return nil
}

func (o *Orchestrator) resultRefs(taskID string, total int, state results.State) map[string]any {
	return map[string]any{
		"totalResults": total,
		"resultsFile":  o.store.Path(taskID),
		"resultsState": string(state),
	}
}
