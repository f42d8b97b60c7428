package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"searchdock/internal/hub"
	"searchdock/internal/task"
)

type maintenanceStep struct {
	progress  int
	operation string
}

func maintenanceSteps(name string) (prepare, execute, finish maintenanceStep) {
	return maintenanceStep{10, "preparing " + name},
		maintenanceStep{30, "running " + name},
		maintenanceStep{90, "finalizing " + name}
}

// runMaintenance advances a fixed step sequence around a single engine call.
func (o *Orchestrator) runMaintenance(ctx context.Context, r *run, taskID, name string) {
	prepare, execute, finish := maintenanceSteps(name)

	if !o.step(r, taskID, task.StatusRunning, prepare) {
		return
	}
	if !o.step(r, taskID, "", execute) {
		return
	}

	res, err := o.engine.Maintenance(ctx, name)
	if r.cancelled.Load() {
		return
	}
	if err == nil && !res.Success {
		err = fmt.Errorf("maintenance %s failed: %s", name, res.Message)
	}
	if err != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.done {
			return
		}
		r.done = true
		o.markFailed(taskID, err)
		return
	}

	if !o.step(r, taskID, "", finish) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	result := map[string]any{
		"task":       res.Task,
		"success":    res.Success,
		"message":    res.Message,
		"executedAt": res.ExecutedAt,
	}
	if _, err := o.registry.Update(taskID, task.StatusCompleted, task.Patch{
		Operation: task.String(name + " completed"),
		Result:    result,
	}); err != nil {
		log.Warn().Str("task_id", taskID).Err(err).Msg("complete maintenance task failed")
		return
	}
	o.pub.PublishCompletion(taskID, hub.Completion{Status: string(task.StatusCompleted), Message: res.Message})
	log.Info().Str("task_id", taskID).Str("maintenance", name).Msg("maintenance task completed")
}

// step records one synthetic progress point. It reports false once the task
// was cancelled or left the registry.
func (o *Orchestrator) step(r *run, taskID string, status task.Status, s maintenanceStep) bool {
	if r.cancelled.Load() {
		return false
	}
	if _, err := o.registry.Update(taskID, status, task.Patch{Progress: task.Int(s.progress), Operation: task.String(s.operation)}); err != nil {
		if !errors.Is(err, task.ErrTerminalState) && !errors.Is(err, task.ErrTaskNotFound) {
			log.Warn().Str("task_id", taskID).Err(err).Msg("maintenance progress update failed")
		}
		return false
	}
	o.pub.PublishProgress(taskID, hub.Progress{Progress: s.progress, Total: 100, Operation: s.operation})
	return true
}
