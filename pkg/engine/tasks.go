package engine

import (
	"context"
	"errors"
	"time"

	"github.com/flowmatic-io/flowmatic/pkg/engine/notify"
	"github.com/flowmatic-io/flowmatic/pkg/engine/runtime"
	"github.com/flowmatic-io/flowmatic/pkg/model"
	"github.com/flowmatic-io/flowmatic/pkg/storage"
)

// handleTask creates a task instance for the node and hands it to the
// executor. It reports whether the branch continues: a pending task suspends
// the branch until CompleteTask or FailTask resolves it.
func (engine *Engine) handleTask(ctx context.Context, batch storage.Batch, instance *runtime.ProcessInstance, node *model.Node) (continueFlow bool, err error) {
	task := runtime.TaskInstance{
		Key:                engine.generateKey(),
		ProcessInstanceKey: instance.Key,
		NodeId:             node.Id,
		TaskType:           node.TaskType,
		State:              runtime.TaskStateActive,
		Assignee:           node.Assignee,
		CreatedAt:          time.Now(),
		Variables:          instance.VariableHolder.Variables(),
	}
	if err := batch.SaveTaskInstance(ctx, task); err != nil {
		return false, errors.Join(newEngineErrorf("failed to save task instance %d", task.Key), err)
	}
	engine.signal(notify.TaskCreated, instance.Key, map[string]any{
		"taskKey":  task.Key,
		"nodeId":   node.Id,
		"taskType": node.TaskType,
	})

	result, err := engine.executor.Assign(ctx, Task{
		Key:                  task.Key,
		NodeId:               node.Id,
		Type:                 node.TaskType,
		Data:                 node.Data,
		RequiredCapabilities: node.RequiredCapabilities,
		Priority:             instance.Priority,
		Metadata:             instance.Metadata,
		Variables:            task.Variables,
	})
	switch {
	case errors.Is(err, ErrTaskPending):
		instance.EnterNode(node.Id)
		engine.signal(notify.TaskPending, instance.Key, map[string]any{
			"taskKey": task.Key,
			"nodeId":  node.Id,
		})
		return false, nil
	case err != nil:
		now := time.Now()
		task.State = runtime.TaskStateFailed
		task.CompletedAt = &now
		task.ErrorMessage = err.Error()
		if saveErr := batch.SaveTaskInstance(ctx, task); saveErr != nil {
			engine.logger.Error("failed to save failed task", "taskKey", task.Key, "error", saveErr)
		}
		engine.signal(notify.TaskFailed, instance.Key, map[string]any{
			"taskKey": task.Key,
			"nodeId":  node.Id,
			"error":   err.Error(),
		})
		var execErr *ExecutionFailedError
		if !errors.As(err, &execErr) {
			err = &ExecutionFailedError{TaskKey: task.Key, NodeId: node.Id, Msg: err.Error()}
		}
		return false, err
	default:
		now := time.Now()
		task.State = runtime.TaskStateCompleted
		task.CompletedAt = &now
		task.Result = result
		for key, value := range result {
			instance.SetVariable(key, value)
		}
		if saveErr := batch.SaveTaskInstance(ctx, task); saveErr != nil {
			return false, errors.Join(newEngineErrorf("failed to save completed task %d", task.Key), saveErr)
		}
		engine.signal(notify.TaskCompleted, instance.Key, map[string]any{
			"taskKey":    task.Key,
			"nodeId":     node.Id,
			"durationMs": float64(now.Sub(task.CreatedAt)) / float64(time.Millisecond),
		})
		return true, nil
	}
}

// CompleteTask resolves a task that the executor accepted for asynchronous
// execution. The result variables are merged into the instance and the
// suspended branch resumes, unless the instance is paused, in which case
// the branch stays parked until Resume.
func (engine *Engine) CompleteTask(ctx context.Context, taskKey int64, result map[string]any) error {
	task, err := engine.persistence.FindTaskInstanceByKey(ctx, taskKey)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to find task instance with key: %d", taskKey), err)
	}

	engine.registry.lockInstance(task.ProcessInstanceKey)
	defer engine.registry.unlockInstance(task.ProcessInstanceKey)

	// re-read under the instance lock
	task, err = engine.persistence.FindTaskInstanceByKey(ctx, taskKey)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to find task instance with key: %d", taskKey), err)
	}
	if task.State != runtime.TaskStateActive {
		return newEngineErrorf("task %d is in state %s, only active tasks can be completed", taskKey, task.State)
	}
	instance, err := engine.ProcessInstance(ctx, task.ProcessInstanceKey)
	if err != nil {
		return err
	}
	if instance.State.IsTerminal() {
		return &InvalidTransitionError{InstanceKey: instance.Key, From: string(instance.State), Op: "complete task of"}
	}

	now := time.Now()
	task.State = runtime.TaskStateCompleted
	task.CompletedAt = &now
	task.Result = result
	if err := engine.persistence.SaveTaskInstance(ctx, task); err != nil {
		return errors.Join(newEngineErrorf("failed to save completed task %d", taskKey), err)
	}
	for key, value := range result {
		instance.SetVariable(key, value)
	}
	engine.signal(notify.TaskCompleted, instance.Key, map[string]any{
		"taskKey":    task.Key,
		"nodeId":     task.NodeId,
		"durationMs": float64(now.Sub(task.CreatedAt)) / float64(time.Millisecond),
	})

	if instance.State == runtime.InstanceStatePaused {
		// the completed branch is picked up on Resume
		return engine.persistence.SaveProcessInstance(ctx, instance)
	}

	node := instance.Definition.FindNodeById(task.NodeId)
	if node == nil {
		return newEngineErrorf("task %d references unknown node %s", taskKey, task.NodeId)
	}
	return engine.runQueue(ctx, &instance, []command{continueActivityCommand{node: node}})
}

// FailTask marks an asynchronously executing task as failed and fails its
// owning instance.
func (engine *Engine) FailTask(ctx context.Context, taskKey int64, message string) error {
	task, err := engine.persistence.FindTaskInstanceByKey(ctx, taskKey)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to find task instance with key: %d", taskKey), err)
	}

	engine.registry.lockInstance(task.ProcessInstanceKey)
	defer engine.registry.unlockInstance(task.ProcessInstanceKey)

	task, err = engine.persistence.FindTaskInstanceByKey(ctx, taskKey)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to find task instance with key: %d", taskKey), err)
	}
	if task.State != runtime.TaskStateActive {
		return newEngineErrorf("task %d is in state %s, only active tasks can be failed", taskKey, task.State)
	}
	instance, err := engine.ProcessInstance(ctx, task.ProcessInstanceKey)
	if err != nil {
		return err
	}
	if instance.State.IsTerminal() {
		return &InvalidTransitionError{InstanceKey: instance.Key, From: string(instance.State), Op: "fail task of"}
	}

	now := time.Now()
	task.State = runtime.TaskStateFailed
	task.CompletedAt = &now
	task.ErrorMessage = message
	if err := engine.persistence.SaveTaskInstance(ctx, task); err != nil {
		return errors.Join(newEngineErrorf("failed to save failed task %d", taskKey), err)
	}
	engine.signal(notify.TaskFailed, instance.Key, map[string]any{
		"taskKey": task.Key,
		"nodeId":  task.NodeId,
		"error":   message,
	})

	execErr := &ExecutionFailedError{TaskKey: task.Key, NodeId: task.NodeId, Msg: message}
	runErr := engine.runQueue(ctx, &instance, []command{errorCommand{err: execErr, nodeId: task.NodeId}})
	if runErr != nil && !errors.Is(runErr, execErr) {
		return runErr
	}
	// the injected failure coming back out of the run is the requested
	// outcome, not an error of this call
	return nil
}
