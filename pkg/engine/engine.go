// Package engine executes process definitions. An instance advances through
// its graph on a command queue: branches created by a parallel or inclusive
// gateway are interleaved breadth-first within the run, while distinct
// instances execute fully concurrently under per-instance locks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/go-hclog"

	"github.com/flowmatic-io/flowmatic/pkg/engine/notify"
	"github.com/flowmatic-io/flowmatic/pkg/engine/runtime"
	"github.com/flowmatic-io/flowmatic/pkg/model"
	"github.com/flowmatic-io/flowmatic/pkg/storage"
)

type Engine struct {
	name        string
	logger      hclog.Logger
	snowflake   *snowflake.Node
	persistence storage.Storage
	notifier    *notify.Notifier
	executor    TaskExecutor
	maxRunning  int
	registry    *instanceRegistry
}

type EngineOption = func(*Engine)

// NewEngine creates a new instance of the process engine;
// a storage must be provided through EngineWithStorage before use.
func NewEngine(options ...EngineOption) Engine {
	name := fmt.Sprintf("Flowmatic-Engine-%d", getGlobalSnowflakeIdGenerator().Generate().Int64())
	engine := Engine{
		name:      name,
		logger:    hclog.Default().Named("engine"),
		snowflake: getGlobalSnowflakeIdGenerator(),
		notifier:  notify.NewNotifier(),
		executor:  NewHandlerExecutor(),
		registry:  newInstanceRegistry(),
	}

	for _, option := range options {
		option(&engine)
	}

	return engine
}

func EngineWithStorage(persistence storage.Storage) EngineOption {
	return func(engine *Engine) {
		engine.persistence = persistence
	}
}

func EngineWithExecutor(executor TaskExecutor) EngineOption {
	return func(engine *Engine) {
		engine.executor = executor
	}
}

func EngineWithNotifier(notifier *notify.Notifier) EngineOption {
	return func(engine *Engine) {
		engine.notifier = notifier
	}
}

func EngineWithLogger(logger hclog.Logger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

func EngineWithName(name string) EngineOption {
	return func(engine *Engine) {
		engine.name = name
	}
}

// EngineWithMaxRunningInstances caps the number of concurrently active
// instances; zero means unbounded.
func EngineWithMaxRunningInstances(limit int) EngineOption {
	return func(engine *Engine) {
		engine.maxRunning = limit
	}
}

// Name returns the name of the engine, only useful in case you control multiple ones
func (engine *Engine) Name() string {
	return engine.name
}

// Notifier returns the signal fan-out of this engine.
func (engine *Engine) Notifier() *notify.Notifier {
	return engine.notifier
}

// StartOptions carry the optional attributes of a new process instance.
type StartOptions struct {
	BusinessKey string
	Priority    int
	Metadata    map[string]any
}

// StartProcessById starts a new instance of the latest deployed version of a
// process with the given ID and executes it until every branch has either
// finished or suspended.
// Might return EngineError or CapacityExceededError.
func (engine *Engine) StartProcessById(ctx context.Context, processId string, variables map[string]any, opts *StartOptions) (*runtime.ProcessInstance, error) {
	definition, err := engine.persistence.FindLatestDefinitionById(ctx, processId)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("no process with id=%s was found (prior deployed into the engine)", processId), err)
	}
	return engine.StartProcess(ctx, &definition, variables, opts)
}

// StartProcess starts a new instance of the given definition and executes it
// until every branch has either finished or suspended.
// Might return EngineError or CapacityExceededError.
func (engine *Engine) StartProcess(ctx context.Context, definition *model.ProcessDefinition, variables map[string]any, opts *StartOptions) (*runtime.ProcessInstance, error) {
	if err := definition.Validate(); err != nil {
		return nil, err
	}
	instance := &runtime.ProcessInstance{
		Definition:     definition,
		Key:            engine.generateKey(),
		ProcessId:      definition.Id,
		Version:        definition.Version,
		State:          runtime.InstanceStateRunning,
		VariableHolder: runtime.NewVariableHolder(nil, variables),
		CreatedAt:      time.Now(),
	}
	if opts != nil {
		instance.BusinessKey = opts.BusinessKey
		instance.Priority = opts.Priority
		instance.Metadata = opts.Metadata
	}

	if !engine.registry.register(instance.Key, engine.maxRunning) {
		return nil, &CapacityExceededError{Limit: engine.maxRunning}
	}

	if err := engine.persistence.SaveProcessInstance(ctx, *instance); err != nil {
		engine.registry.release(instance.Key)
		return nil, errors.Join(newEngineErrorf("failed to save process instance %d", instance.Key), err)
	}
	engine.takeSnapshot(ctx, instance, "start")
	engine.signal(notify.ProcessStarted, instance.Key, map[string]any{
		"processId": instance.ProcessId,
		"version":   instance.Version,
	})

	engine.registry.lockInstance(instance.Key)
	defer engine.registry.unlockInstance(instance.Key)

	var commandQueue []command
	for _, startNode := range definition.FindStartNodes() {
		node := definition.FindNodeById(startNode.Id)
		commandQueue = append(commandQueue, activityCommand{node: node})
	}

	err := engine.runQueue(ctx, instance, commandQueue)
	if err != nil {
		return instance, errors.Join(newEngineErrorf("failed to run process instance %d", instance.Key), err)
	}
	return instance, nil
}

// ProcessInstance loads a process instance by key, wiring its definition
// back in.
func (engine *Engine) ProcessInstance(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return runtime.ProcessInstance{}, err
	}
	if err := engine.attachDefinition(ctx, &instance); err != nil {
		return runtime.ProcessInstance{}, err
	}
	return instance, nil
}

// ActiveInstanceKeys returns the keys of all instances currently registered
// as active in this engine, ordered by creation.
func (engine *Engine) ActiveInstanceKeys() []int64 {
	return engine.registry.activeKeys()
}

// ActiveInstanceCount returns the number of instances currently counted
// against the running-instance ceiling.
func (engine *Engine) ActiveInstanceCount() int {
	return engine.registry.activeCount()
}

// ActiveProcessInstances loads every instance currently registered as active
// in this engine.
func (engine *Engine) ActiveProcessInstances(ctx context.Context) ([]runtime.ProcessInstance, error) {
	keys := engine.registry.activeKeys()
	instances := make([]runtime.ProcessInstance, 0, len(keys))
	for _, key := range keys {
		instance, err := engine.ProcessInstance(ctx, key)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func (engine *Engine) attachDefinition(ctx context.Context, instance *runtime.ProcessInstance) error {
	if instance.Definition != nil {
		return nil
	}
	definition, err := engine.persistence.FindDefinition(ctx, instance.ProcessId, instance.Version)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to load definition %s version %s for instance %d",
			instance.ProcessId, instance.Version, instance.Key), err)
	}
	instance.Definition = &definition
	return nil
}

// runQueue processes commands until the queue drains. The caller must hold
// the instance lock. On return the instance and all work items produced by
// the run are persisted.
func (engine *Engine) runQueue(ctx context.Context, instance *runtime.ProcessInstance, commandQueue []command) (err error) {
	process := instance.Definition
	batch := engine.persistence.NewBatch()

	for len(commandQueue) > 0 {
		// everything queued behind a terminal transition is sibling-branch
		// work; a finished instance schedules nothing further
		if instance.State.IsTerminal() {
			commandQueue = nil
			break
		}
		cmd := commandQueue[0]
		commandQueue = commandQueue[1:]

		switch tCmd := cmd.(type) {
		case flowTransitionCommand:
			targetNode := process.FindNodeById(tCmd.edge.TargetRef)
			if targetNode == nil {
				commandQueue = append(commandQueue, errorCommand{
					err:    newEngineErrorf("edge %s references unknown node %s", tCmd.edge.Id, tCmd.edge.TargetRef),
					nodeId: tCmd.sourceNodeId,
				})
				continue
			}
			commandQueue = append(commandQueue, activityCommand{
				node:         targetNode,
				originNodeId: tCmd.sourceNodeId,
			})
		case activityCommand:
			nextCommands, err := engine.handleNode(ctx, batch, instance, tCmd.node)
			if err != nil {
				commandQueue = append(commandQueue, errorCommand{err: err, nodeId: tCmd.node.Id})
				continue
			}
			commandQueue = append(commandQueue, nextCommands...)
		case continueActivityCommand:
			instance.LeaveNode(tCmd.node.Id)
			commandQueue = append(commandQueue, engine.createNextCommands(instance, tCmd.node)...)
		case errorCommand:
			err = tCmd.err
			engine.failInstance(ctx, batch, instance, tCmd.nodeId, tCmd.err)
		default:
			panic("[invariant check] command type check not fully implemented")
		}
	}

	if flushErr := engine.flushInstance(ctx, batch, instance); flushErr != nil {
		return flushErr
	}

	if instance.State == runtime.InstanceStateRunning {
		if completeErr := engine.completeIfQuiescent(ctx, instance); completeErr != nil {
			return completeErr
		}
	}
	return err
}

// handleNode executes one node and returns the follow-up commands.
func (engine *Engine) handleNode(ctx context.Context, batch storage.Batch, instance *runtime.ProcessInstance, node *model.Node) ([]command, error) {
	createFlowTransitions := true
	var nextCommands []command

	switch node.Type {
	case model.NodeTypeStart:
		engine.recordNodeSignal(ctx, batch, instance, node)
		createFlowTransitions = true
	case model.NodeTypeEnd:
		engine.recordNodeSignal(ctx, batch, instance, node)
		createFlowTransitions = false
	case model.NodeTypeTask:
		var err error
		createFlowTransitions, err = engine.handleTask(ctx, batch, instance, node)
		if err != nil {
			return nil, err
		}
	case model.NodeTypeExclusiveGateway, model.NodeTypeInclusiveGateway:
		createFlowTransitions = true
	case model.NodeTypeParallelGateway:
		// diverging only; every outgoing edge receives a token
		createFlowTransitions = true
	case model.NodeTypeIntermediateCatchEvent:
		if err := engine.handleIntermediateCatchEvent(ctx, batch, instance, node); err != nil {
			return nil, err
		}
		createFlowTransitions = false
	case model.NodeTypeIntermediateThrowEvent:
		if err := engine.handleIntermediateThrowEvent(ctx, batch, instance, node); err != nil {
			return nil, err
		}
		createFlowTransitions = true
	default:
		engine.logger.Warn("skipping node of unknown type",
			"processInstanceKey", instance.Key, "nodeId", node.Id, "nodeType", node.Type)
		createFlowTransitions = true
	}

	if createFlowTransitions {
		nextCommands = append(nextCommands, engine.createNextCommands(instance, node)...)
	}
	return nextCommands, nil
}

// createNextCommands selects the outgoing edges of a node, applying gateway
// condition filtering where the node type asks for it.
func (engine *Engine) createNextCommands(instance *runtime.ProcessInstance, node *model.Node) (cmds []command) {
	nextEdges := instance.Definition.FindOutgoingEdges(node.Id)
	var err error
	switch node.Type {
	case model.NodeTypeExclusiveGateway:
		nextEdges, err = exclusivelyFilterByCondition(instance.Definition, node, nextEdges, instance.VariableHolder.Variables())
		if err != nil {
			return []command{errorCommand{err: err, nodeId: node.Id}}
		}
	case model.NodeTypeInclusiveGateway:
		nextEdges, err = inclusivelyFilterByCondition(instance.Definition, node, nextEdges, instance.VariableHolder.Variables())
		if err != nil {
			return []command{errorCommand{err: err, nodeId: node.Id}}
		}
		if len(nextEdges) == 0 {
			engine.logger.Warn("inclusive gateway selected no path, branch ends",
				"processInstanceKey", instance.Key, "nodeId", node.Id)
			return nil
		}
	}
	for _, edge := range nextEdges {
		cmds = append(cmds, flowTransitionCommand{
			sourceNodeId: node.Id,
			edge:         edge,
		})
	}
	return cmds
}

// completeIfQuiescent marks a running instance completed once no suspended
// positions, active tasks or active subscriptions remain. Pending work in
// the batch must have been flushed before the check.
func (engine *Engine) completeIfQuiescent(ctx context.Context, instance *runtime.ProcessInstance) error {
	if len(instance.CurrentNodeIds) > 0 {
		return nil
	}
	tasks, err := engine.persistence.FindProcessInstanceTasks(ctx, instance.Key)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to load tasks of instance %d", instance.Key), err)
	}
	for _, task := range tasks {
		if task.State == runtime.TaskStateActive {
			return nil
		}
	}
	subscriptions, err := engine.persistence.FindProcessInstanceSubscriptions(ctx, instance.Key, runtime.SubscriptionStateActive)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to load subscriptions of instance %d", instance.Key), err)
	}
	if len(subscriptions) > 0 {
		return nil
	}

	now := time.Now()
	instance.State = runtime.InstanceStateCompleted
	instance.CompletedAt = &now
	instance.CurrentNodeIds = nil
	if err := engine.persistence.SaveProcessInstance(ctx, *instance); err != nil {
		return errors.Join(newEngineErrorf("failed to save completed instance %d", instance.Key), err)
	}
	engine.takeSnapshot(ctx, instance, "complete")
	engine.registry.release(instance.Key)
	engine.signal(notify.ProcessCompleted, instance.Key, map[string]any{
		"processId": instance.ProcessId,
	})
	return nil
}

// failInstance transitions an instance to Failed, cancels its remaining
// active work and clears its suspended positions.
func (engine *Engine) failInstance(ctx context.Context, batch storage.Batch, instance *runtime.ProcessInstance, nodeId string, cause error) {
	if instance.State.IsTerminal() {
		return
	}
	now := time.Now()
	instance.State = runtime.InstanceStateFailed
	instance.ErrorMessage = cause.Error()
	instance.CompletedAt = &now
	instance.CurrentNodeIds = nil

	engine.cancelActiveWork(ctx, batch, instance)
	engine.registry.release(instance.Key)
	engine.logger.Error("process instance failed",
		"processInstanceKey", instance.Key, "nodeId", nodeId, "error", cause)
	engine.signal(notify.ProcessFailed, instance.Key, map[string]any{
		"nodeId": nodeId,
		"error":  cause.Error(),
	})
}

// cancelActiveWork cancels every still-active task and subscription of an
// instance, used on failure and cancellation.
func (engine *Engine) cancelActiveWork(ctx context.Context, batch storage.Batch, instance *runtime.ProcessInstance) {
	now := time.Now()
	tasks, err := engine.persistence.FindProcessInstanceTasks(ctx, instance.Key)
	if err != nil {
		engine.logger.Error("failed to load tasks for cancellation", "processInstanceKey", instance.Key, "error", err)
	}
	for _, task := range tasks {
		if task.State != runtime.TaskStateActive {
			continue
		}
		task.State = runtime.TaskStateCancelled
		task.CompletedAt = &now
		if err := batch.SaveTaskInstance(ctx, task); err != nil {
			engine.logger.Error("failed to cancel task", "taskKey", task.Key, "error", err)
		}
	}
	subscriptions, err := engine.persistence.FindProcessInstanceSubscriptions(ctx, instance.Key, runtime.SubscriptionStateActive)
	if err != nil {
		engine.logger.Error("failed to load subscriptions for cancellation", "processInstanceKey", instance.Key, "error", err)
	}
	for _, subscription := range subscriptions {
		subscription.State = runtime.SubscriptionStateCancelled
		if err := batch.SaveEventSubscription(ctx, subscription); err != nil {
			engine.logger.Error("failed to cancel subscription", "subscriptionKey", subscription.Key, "error", err)
		}
	}
}

func (engine *Engine) flushInstance(ctx context.Context, batch storage.Batch, instance *runtime.ProcessInstance) error {
	if err := batch.SaveProcessInstance(ctx, *instance); err != nil {
		return errors.Join(newEngineErrorf("failed to add save process instance %d into batch", instance.Key), err)
	}
	if err := batch.Flush(ctx); err != nil {
		return errors.Join(newEngineErrorf("failed to close batch for %d", instance.Key), err)
	}
	return nil
}

// takeSnapshot records a checkpoint copy of the instance variables. Snapshot
// failures are logged, never fatal to the run.
func (engine *Engine) takeSnapshot(ctx context.Context, instance *runtime.ProcessInstance, reason string) {
	snapshot := runtime.VariableSnapshot{
		Key:                engine.generateKey(),
		ProcessInstanceKey: instance.Key,
		TakenAt:            time.Now(),
		Variables:          instance.VariableHolder.Copy(),
		Reason:             reason,
		Kind:               runtime.SnapshotKindCheckpoint,
	}
	if err := engine.persistence.SaveVariableSnapshot(ctx, snapshot); err != nil {
		engine.logger.Error("failed to save variable snapshot",
			"processInstanceKey", instance.Key, "reason", reason, "error", err)
	}
}

func (engine *Engine) signal(name notify.SignalName, processInstanceKey int64, data map[string]any) {
	if engine.notifier == nil {
		return
	}
	engine.notifier.Publish(notify.Signal{
		Name:               name,
		ProcessInstanceKey: processInstanceKey,
		Data:               data,
	})
}
