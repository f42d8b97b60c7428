package orchestrator

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"searchdock/internal/archive"
	"searchdock/internal/results"
	"searchdock/internal/task"
)

// ResultsPage is a slice of a task's results. Message explains an empty page
// that is not simply past the end.
type ResultsPage struct {
	Records []results.Record `json:"results"`
	Total   int              `json:"total"`
	Offset  int              `json:"offset"`
	Limit   int              `json:"limit"`
	State   string           `json:"state,omitempty"`
	Message string           `json:"message,omitempty"`
}

// Results reads a page of the task's results. Running searches are read live.
// Finished tasks are read from their saved artifact when one exists.
func (o *Orchestrator) Results(taskID string, limit, offset int) (ResultsPage, error) {
	if limit < 0 {
		return ResultsPage{}, invalid("limit", "must not be negative")
	}
	if offset < 0 {
		return ResultsPage{}, invalid("offset", "must not be negative")
	}
	if limit == 0 {
		limit = o.opts.BatchSize
	}
	limit = min(limit, o.opts.MaxPageSize)

	t, err := o.registry.Get(taskID)
	if err != nil {
		return ResultsPage{}, err //nolint:wrapcheck
	}
	empty := ResultsPage{Records: []results.Record{}, Offset: offset, Limit: limit}

	if t.Type != task.TypeSearch {
		empty.Message = "maintenance tasks have no results"
		return empty, nil
	}
	switch {
	case t.Status == task.StatusPending:
		empty.Message = "search has not started yet"
		return empty, nil
	case t.Status == task.StatusRunning && o.store.Exists(taskID):
		// live read
	case t.Status.Terminal() && o.store.Exists(taskID):
		// saved artifact, possibly partial
	case t.Status == task.StatusFailed:
		empty.Message = "task failed without saved results: " + t.Error
		return empty, nil
	default:
		empty.Message = "no results available"
		return empty, nil
	}

	page, err := o.store.ReadPage(taskID, limit, offset)
	if errors.Is(err, results.ErrNotFound) {
		empty.Message = "no results available"
		return empty, nil
	}
	if err != nil {
		return ResultsPage{}, fmt.Errorf("read results: %w", err)
	}
	return ResultsPage{
		Records: page.Records,
		Total:   page.Total,
		Offset:  page.Offset,
		Limit:   page.Limit,
		State:   string(page.State),
	}, nil
}

// Export lists the files that make up a finished search's download: the task
// snapshot, the saved records and the artifact's sidecar.
func (o *Orchestrator) Export(taskID string) ([]archive.Entry, error) {
	t, err := o.registry.Get(taskID)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	if t.Type != task.TypeSearch {
		return nil, invalid("taskId", "maintenance tasks have no results")
	}
	if !t.Status.Terminal() {
		return nil, invalid("taskId", "task is still %s", t.Status)
	}
	if !o.store.Exists(taskID) || o.store.Running(taskID) {
		return nil, invalid("taskId", "task has no saved results")
	}
	return []archive.Entry{
		{Name: "task.json", Value: t},
		{Name: "results.jsonl", Path: o.store.Path(taskID)},
		{Name: "meta.json", Path: o.store.MetaPath(taskID)},
	}, nil
}

// Recover seals result artifacts left running by a previous process. Their
// tasks were already failed by the registry on load; the saved records stay
// readable and are linked from the task result.
func (o *Orchestrator) Recover() int {
	recovered := 0
	for _, t := range o.registry.List(task.Filter{Type: task.TypeSearch}) {
		if !t.Status.Terminal() || !o.store.Running(t.ID) {
			continue
		}
		count, err := o.store.Count(t.ID)
		if err != nil {
			log.Warn().Str("task_id", t.ID).Err(err).Msg("count interrupted results failed")
			continue
		}
		if count == 0 {
			if err := o.store.Remove(t.ID); err != nil {
				log.Warn().Str("task_id", t.ID).Err(err).Msg("remove empty artifact failed")
			}
			continue
		}
		meta, err := o.store.FinalizeAsStopped(t.ID, count)
		if meta == nil {
			log.Warn().Str("task_id", t.ID).Err(err).Msg("seal interrupted results failed")
			continue
		}
		if _, err := o.registry.Annotate(t.ID, o.resultRefs(t.ID, meta.Total, results.StateStopped)); err != nil {
			log.Warn().Str("task_id", t.ID).Err(err).Msg("link interrupted results failed")
			continue
		}
		recovered++
	}
	if recovered > 0 {
		log.Info().Int("tasks", recovered).Msg("recovered partial results of interrupted searches")
	}
	return recovered
}
