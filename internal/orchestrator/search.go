package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"searchdock/internal/engine"
	"searchdock/internal/hub"
	"searchdock/internal/results"
	"searchdock/internal/task"
)

// maxRunningProgress keeps progress below 100 until the task is finalized.
const maxRunningProgress = 99

// runSearch fetches batches sequentially until the engine runs dry, the
// requested number of results is reached or the task is cancelled.
func (o *Orchestrator) runSearch(ctx context.Context, r *run, taskID string, p SearchParams) {
	logger := log.With().Str("task_id", taskID).Logger()

	if _, err := o.registry.Update(taskID, task.StatusRunning, task.Patch{Operation: task.String("starting search")}); err != nil {
		// cancelled or deleted before the worker got going
		logger.Debug().Err(err).Msg("search task not started")
		return
	}
	if err := o.store.BeginStream(p.Query, taskID); err != nil {
		o.failSearch(r, taskID, fmt.Errorf("open result stream: %w", err))
		return
	}
	if r.cancelled.Load() {
		// Cancel ran before the stream existed
		_ = o.store.Remove(taskID)
		return
	}

	target := o.target(p.Limit)
	offset := p.Offset
	fetched, engineTotal := 0, 0

	for fetched < target {
		if r.cancelled.Load() {
			return
		}
		if err := ctx.Err(); err != nil {
			o.failSearch(r, taskID, fmt.Errorf("search interrupted: %w", err))
			return
		}

		size := min(o.opts.BatchSize, target-fetched)
		resp, err := o.engine.Search(ctx, p.Query, size, offset)
		if r.cancelled.Load() {
			return
		}
		if err != nil {
			o.failSearch(r, taskID, err)
			return
		}
		if resp.Total > 0 {
			engineTotal = resp.Total
		}
		n := len(resp.Results)
		if n == 0 {
			break
		}

		records := toRecords(resp.Results)
		if _, err := o.store.AppendBatch(taskID, records); err != nil {
			if errors.Is(err, results.ErrNotFound) {
				// sealed or removed by Cancel/Delete while the batch was in flight
				return
			}
			logger.Warn().Err(err).Int("offset", offset).Int("records", n).Msg("append batch failed, continuing")
		}
		if r.cancelled.Load() {
			return
		}
		o.pub.PublishResults(taskID, hub.Results{Records: records, Offset: fetched, Total: fetched + n})

		fetched += n
		offset += n
		progress := o.progress(fetched, target, engineTotal-p.Offset)
		operation := fmt.Sprintf("fetched %d results", fetched)
		if _, err := o.registry.Update(taskID, "", task.Patch{Progress: task.Int(progress), Operation: task.String(operation)}); err != nil {
			if errors.Is(err, task.ErrTerminalState) || errors.Is(err, task.ErrTaskNotFound) {
				return
			}
			logger.Warn().Err(err).Msg("progress update failed")
		}
		o.pub.PublishProgress(taskID, hub.Progress{Progress: progress, Total: 100, Operation: operation})

		if n < size {
			break
		}
	}

	o.completeSearch(r, taskID, fetched, engineTotal, fetched >= o.opts.MaxResults)
}

// progress is the percentage of expected results fetched, capped below 100.
// expected narrows the target when the engine reports a smaller total.
func (o *Orchestrator) progress(fetched, target, expected int) int {
	denominator := target
	if expected > 0 && expected < denominator {
		denominator = expected
	}
	if denominator <= 0 {
		return 0
	}
	return min(fetched*100/denominator, maxRunningProgress)
}

func (o *Orchestrator) completeSearch(r *run, taskID string, fetched, engineTotal int, truncated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true

	meta, err := o.store.Finalize(taskID, fetched)
	if err != nil && meta == nil {
		o.markFailed(taskID, fmt.Errorf("finalize results: %w", err))
		return
	}
	if err != nil {
		log.Warn().Str("task_id", taskID).Err(err).Msg("results sealed but meta not written")
	}
	total := meta.Total

	result := o.resultRefs(taskID, total, results.StateCompleted)
	result["engineTotal"] = engineTotal
	result["truncated"] = truncated
	if _, err := o.registry.Update(taskID, task.StatusCompleted, task.Patch{
		Operation: task.String(fmt.Sprintf("completed with %d results", total)),
		Result:    result,
	}); err != nil {
		log.Warn().Str("task_id", taskID).Err(err).Msg("complete task failed")
		return
	}
	o.pub.PublishCompletion(taskID, hub.Completion{Status: string(task.StatusCompleted), TotalResults: total})
	log.Info().Str("task_id", taskID).Int("results", total).Msg("search task completed")
}

// failSearch keeps whatever was persisted as a stopped artifact and fails the
// task.
func (o *Orchestrator) failSearch(r *run, taskID string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true

	var result map[string]any
	count := 0
	if o.store.Running(taskID) {
		count, _ = o.store.Count(taskID)
	}
	if count > 0 {
		meta, err := o.store.FinalizeAsStopped(taskID, count)
		if err != nil {
			log.Warn().Str("task_id", taskID).Err(err).Msg("save partial results failed")
		}
		if meta != nil {
			result = o.resultRefs(taskID, meta.Total, results.StateStopped)
		}
	} else if err := o.store.Remove(taskID); err != nil {
		log.Warn().Str("task_id", taskID).Err(err).Msg("remove empty artifact failed")
	}

	o.markFailedWith(taskID, cause, result)
}

func (o *Orchestrator) markFailed(taskID string, cause error) {
	o.markFailedWith(taskID, cause, nil)
}

// markFailedWith moves the task to failed. Callers hold the run lock.
func (o *Orchestrator) markFailedWith(taskID string, cause error, result map[string]any) {
	code := string(engine.CodeOf(cause))
	if result == nil {
		result = map[string]any{}
	}
	if code != "" {
		result["errorCode"] = code
	}
	msg := cause.Error()
	if _, err := o.registry.Update(taskID, task.StatusFailed, task.Patch{
		Operation: task.String("failed"),
		Error:     task.String(msg),
		Result:    result,
	}); err != nil {
		log.Warn().Str("task_id", taskID).Err(err).Msg("fail task failed")
		return
	}
	o.pub.PublishError(taskID, hub.Failure{Error: msg, Code: code})
	log.Error().Str("task_id", taskID).Str("code", code).Err(cause).Msg("task failed")
}

func toRecords(matches []engine.Match) []results.Record {
	records := make([]results.Record, len(matches))
	for i, m := range matches {
		records[i] = results.Record{
			ID:         m.ID,
			Path:       m.Path,
			LineNumber: m.LineNumber,
			Score:      m.Score,
			Content:    m.Content,
			Title:      m.Title,
			FoundAt:    m.IndexedAt,
		}
	}
	return records
}
