package engine

import (
	"context"
	"time"

	"github.com/flowmatic-io/flowmatic/pkg/engine/notify"
	"github.com/flowmatic-io/flowmatic/pkg/engine/runtime"
)

// PauseProcess stops a running instance from advancing. Already dispatched
// tasks keep executing; their completions are recorded but no branch moves
// until Resume.
func (engine *Engine) PauseProcess(ctx context.Context, processInstanceKey int64) error {
	engine.registry.lockInstance(processInstanceKey)
	defer engine.registry.unlockInstance(processInstanceKey)

	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return err
	}
	if instance.State != runtime.InstanceStateRunning {
		return &InvalidTransitionError{InstanceKey: instance.Key, From: string(instance.State), Op: "pause"}
	}
	instance.State = runtime.InstanceStatePaused
	if err := engine.persistence.SaveProcessInstance(ctx, instance); err != nil {
		return err
	}
	engine.signal(notify.ProcessPaused, instance.Key, nil)
	return nil
}

// ResumeProcess returns a paused instance to Running and advances every
// branch whose suspension was resolved while paused.
func (engine *Engine) ResumeProcess(ctx context.Context, processInstanceKey int64) error {
	engine.registry.lockInstance(processInstanceKey)
	defer engine.registry.unlockInstance(processInstanceKey)

	instance, err := engine.ProcessInstance(ctx, processInstanceKey)
	if err != nil {
		return err
	}
	if instance.State != runtime.InstanceStatePaused {
		return &InvalidTransitionError{InstanceKey: instance.Key, From: string(instance.State), Op: "resume"}
	}
	instance.State = runtime.InstanceStateRunning
	engine.signal(notify.ProcessResumed, instance.Key, nil)

	commandQueue, err := engine.resumableCommands(ctx, &instance)
	if err != nil {
		return err
	}
	return engine.runQueue(ctx, &instance, commandQueue)
}

// resumableCommands finds the suspended positions whose task or subscription
// was resolved while the instance was paused.
func (engine *Engine) resumableCommands(ctx context.Context, instance *runtime.ProcessInstance) ([]command, error) {
	tasks, err := engine.persistence.FindProcessInstanceTasks(ctx, instance.Key)
	if err != nil {
		return nil, err
	}
	subscriptions, err := engine.persistence.FindProcessInstanceSubscriptions(ctx, instance.Key, runtime.SubscriptionStateActive)
	if err != nil {
		return nil, err
	}
	stillWaiting := make(map[string]bool)
	for _, task := range tasks {
		if task.State == runtime.TaskStateActive {
			stillWaiting[task.NodeId] = true
		}
	}
	for _, subscription := range subscriptions {
		stillWaiting[subscription.NodeId] = true
	}

	var commandQueue []command
	for _, nodeId := range instance.CurrentNodeIds {
		if stillWaiting[nodeId] {
			continue
		}
		node := instance.Definition.FindNodeById(nodeId)
		if node == nil {
			return nil, newEngineErrorf("instance %d references unknown node %s", instance.Key, nodeId)
		}
		commandQueue = append(commandQueue, continueActivityCommand{node: node})
	}
	return commandQueue, nil
}

// CancelProcess terminally stops a running or paused instance. Active tasks
// and subscriptions are cancelled; the instance is never resumable.
func (engine *Engine) CancelProcess(ctx context.Context, processInstanceKey int64) error {
	engine.registry.lockInstance(processInstanceKey)
	defer engine.registry.unlockInstance(processInstanceKey)

	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return err
	}
	if instance.State.IsTerminal() {
		return &InvalidTransitionError{InstanceKey: instance.Key, From: string(instance.State), Op: "cancel"}
	}

	now := time.Now()
	instance.State = runtime.InstanceStateCancelled
	instance.CompletedAt = &now
	instance.CurrentNodeIds = nil

	batch := engine.persistence.NewBatch()
	engine.cancelActiveWork(ctx, batch, &instance)
	if err := engine.flushInstance(ctx, batch, &instance); err != nil {
		return err
	}
	engine.registry.release(instance.Key)
	engine.signal(notify.ProcessCancelled, instance.Key, nil)
	return nil
}
