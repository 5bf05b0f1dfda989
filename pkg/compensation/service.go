// Package compensation reverses completed work of a process instance by
// dispatching the compensation handlers declared on its nodes, most recent
// task first.
package compensation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/go-hclog"

	"github.com/flowmatic-io/flowmatic/pkg/engine"
	"github.com/flowmatic-io/flowmatic/pkg/engine/notify"
	"github.com/flowmatic-io/flowmatic/pkg/engine/runtime"
	"github.com/flowmatic-io/flowmatic/pkg/expr"
	"github.com/flowmatic-io/flowmatic/pkg/model"
	"github.com/flowmatic-io/flowmatic/pkg/storage"
)

// compensationTaskPriority elevates compensation dispatches above regular
// process work.
const compensationTaskPriority = 100

// Config controls how a compensation run reacts to handler failures.
type Config struct {
	// ContinueOnFailure records a handler failure and moves on to the next
	// task instead of aborting the run.
	ContinueOnFailure bool
}

type Service struct {
	logger      hclog.Logger
	persistence storage.Storage
	executor    engine.TaskExecutor
	notifier    *notify.Notifier
	snowflake   *snowflake.Node
	config      Config
	sleep       func(ctx context.Context, d time.Duration) error
}

type ServiceOption = func(*Service)

func NewService(persistence storage.Storage, executor engine.TaskExecutor, options ...ServiceOption) *Service {
	service := &Service{
		logger:      hclog.Default().Named("compensation"),
		persistence: persistence,
		executor:    executor,
		snowflake:   engine.CreateSnowflakeIdGenerator(),
		sleep:       sleepContext,
	}
	for _, option := range options {
		option(service)
	}
	return service
}

func ServiceWithNotifier(notifier *notify.Notifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}

func ServiceWithLogger(logger hclog.Logger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

func ServiceWithConfig(config Config) ServiceOption {
	return func(service *Service) {
		service.config = config
	}
}

// CompensatedTask describes the outcome of one handler invocation.
type CompensatedTask struct {
	TaskKey  int64
	NodeId   string
	TaskType string
	Error    string
}

// Report aggregates a compensation run. Failed is only populated when the
// service is configured to continue on failure; otherwise the run aborts on
// the first failed handler.
type Report struct {
	ProcessInstanceKey int64
	Compensated        []CompensatedTask
	Skipped            []CompensatedTask
	Failed             []CompensatedTask
}

// CompensationFailedError is raised when a handler fails and the service is
// not configured to continue. The instance data is left partially
// compensated; Compensated and Remaining make the cut visible to callers.
type CompensationFailedError struct {
	ProcessInstanceKey int64
	NodeId             string
	Compensated        []CompensatedTask
	Remaining          []CompensatedTask
	Err                error
}

func (e *CompensationFailedError) Error() string {
	return fmt.Sprintf("compensation of instance %d failed at node %s after %d handlers (%d remaining): %v",
		e.ProcessInstanceKey, e.NodeId, len(e.Compensated), len(e.Remaining), e.Err)
}

func (e *CompensationFailedError) Unwrap() error {
	return e.Err
}

// CompensateProcess reverses the completed tasks of an instance in reverse
// chronological order of their start time, ties broken by insertion order.
// A non-zero fromTaskKey restricts the run to tasks started strictly before
// the given task. Tasks whose node declares no compensation handler are
// skipped.
func (service *Service) CompensateProcess(ctx context.Context, processInstanceKey int64, fromTaskKey int64) (*Report, error) {
	instance, err := service.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to find process instance %d: %w", processInstanceKey, err)
	}
	definition, err := service.persistence.FindDefinition(ctx, instance.ProcessId, instance.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to load definition %s version %s: %w", instance.ProcessId, instance.Version, err)
	}
	eligible, err := service.eligibleTasks(ctx, processInstanceKey, fromTaskKey)
	if err != nil {
		return nil, err
	}

	report := &Report{ProcessInstanceKey: processInstanceKey}
	for i := len(eligible) - 1; i >= 0; i-- {
		task := eligible[i]
		node := definition.FindNodeById(task.NodeId)
		if node == nil || node.Compensation == nil {
			report.Skipped = append(report.Skipped, CompensatedTask{
				TaskKey: task.Key,
				NodeId:  task.NodeId,
			})
			continue
		}

		outcome, err := service.runHandler(ctx, &instance, task, node)
		if err == nil {
			report.Compensated = append(report.Compensated, outcome)
			continue
		}
		if service.config.ContinueOnFailure {
			service.logger.Warn("compensation handler failed, continuing",
				"processInstanceKey", processInstanceKey, "nodeId", task.NodeId, "error", err)
			report.Failed = append(report.Failed, outcome)
			continue
		}
		failure := &CompensationFailedError{
			ProcessInstanceKey: processInstanceKey,
			NodeId:             task.NodeId,
			Compensated:        report.Compensated,
			Remaining:          remainingTasks(eligible[:i], outcome),
			Err:                err,
		}
		service.annotateInstance(ctx, &instance, report, failure)
		service.signal(notify.CompensationFailed, processInstanceKey, map[string]any{
			"nodeId": task.NodeId,
			"error":  err.Error(),
		})
		return report, failure
	}

	service.annotateInstance(ctx, &instance, report, nil)
	service.signal(notify.CompensationCompleted, processInstanceKey, map[string]any{
		"compensated": len(report.Compensated),
		"skipped":     len(report.Skipped),
		"failed":      len(report.Failed),
	})
	return report, nil
}

// eligibleTasks returns the completed tasks of an instance ordered by start
// time ascending; the insertion-order tie break comes from the key ordering
// of the underlying storage.
func (service *Service) eligibleTasks(ctx context.Context, processInstanceKey int64, fromTaskKey int64) ([]runtime.TaskInstance, error) {
	tasks, err := service.persistence.FindProcessInstanceTasks(ctx, processInstanceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks of instance %d: %w", processInstanceKey, err)
	}

	var cutoff *time.Time
	if fromTaskKey != 0 {
		for _, task := range tasks {
			if task.Key == fromTaskKey {
				t := task.CreatedAt
				cutoff = &t
				break
			}
		}
		if cutoff == nil {
			return nil, fmt.Errorf("task %d does not belong to instance %d", fromTaskKey, processInstanceKey)
		}
	}

	var eligible []runtime.TaskInstance
	for _, task := range tasks {
		if task.State != runtime.TaskStateCompleted {
			continue
		}
		if cutoff != nil && !task.CreatedAt.Before(*cutoff) {
			continue
		}
		eligible = append(eligible, task)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	return eligible, nil
}

// runHandler synthesizes the compensation task for one completed task and
// dispatches it at elevated priority.
func (service *Service) runHandler(ctx context.Context, instance *runtime.ProcessInstance, task runtime.TaskInstance, node *model.Node) (CompensatedTask, error) {
	handler := node.Compensation
	outcome := CompensatedTask{
		TaskKey:  task.Key,
		NodeId:   task.NodeId,
		TaskType: handler.TaskType,
	}

	input, err := synthesizeInput(handler.InputMapping, task)
	if err != nil {
		outcome.Error = err.Error()
		return outcome, err
	}

	compensationKey := service.snowflake.Generate().Int64()
	record := runtime.TaskInstance{
		Key:                compensationKey,
		ProcessInstanceKey: instance.Key,
		NodeId:             node.Id,
		TaskType:           handler.TaskType,
		State:              runtime.TaskStateActive,
		CreatedAt:          time.Now(),
		Variables:          input,
	}
	if err := service.persistence.SaveTaskInstance(ctx, record); err != nil {
		outcome.Error = err.Error()
		return outcome, fmt.Errorf("failed to save compensation task for node %s: %w", node.Id, err)
	}

	result, err := service.executor.Assign(ctx, engine.Task{
		Key:       compensationKey,
		NodeId:    node.Id,
		Type:      handler.TaskType,
		Data:      input,
		Priority:  compensationTaskPriority,
		Metadata:  instance.Metadata,
		Variables: input,
	})
	now := time.Now()
	record.CompletedAt = &now
	if errors.Is(err, engine.ErrTaskPending) {
		err = fmt.Errorf("no handler accepted compensation task %s for node %s", handler.TaskType, node.Id)
	}
	if err != nil {
		record.State = runtime.TaskStateFailed
		record.ErrorMessage = err.Error()
		outcome.Error = err.Error()
	} else {
		record.State = runtime.TaskStateCompleted
		record.Result = result
	}
	if saveErr := service.persistence.SaveTaskInstance(ctx, record); saveErr != nil {
		service.logger.Error("failed to save compensation task outcome",
			"taskKey", record.Key, "error", saveErr)
	}
	service.recordOccurrence(ctx, instance.Key, node.Id, err)
	return outcome, err
}

// synthesizeInput builds the handler input from the original task: mapping
// sources prefixed with "=" are evaluated against the task's variables and
// result, anything else is passed through as a static value.
func synthesizeInput(mappings []model.IoMapping, task runtime.TaskInstance) (map[string]any, error) {
	scope := make(map[string]any, len(task.Variables)+len(task.Result))
	for key, value := range task.Variables {
		scope[key] = value
	}
	for key, value := range task.Result {
		scope[key] = value
	}

	input := make(map[string]any, len(mappings))
	for _, mapping := range mappings {
		value, err := expr.EvaluateMappingSource(mapping.Source, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to map %q into %s: %w", mapping.Source, mapping.Target, err)
		}
		input[mapping.Target] = value
	}
	return input, nil
}

func remainingTasks(tasks []runtime.TaskInstance, failed CompensatedTask) []CompensatedTask {
	remaining := []CompensatedTask{failed}
	for i := len(tasks) - 1; i >= 0; i-- {
		remaining = append(remaining, CompensatedTask{
			TaskKey: tasks[i].Key,
			NodeId:  tasks[i].NodeId,
		})
	}
	return remaining
}

// annotateInstance records the compensation outcome into the instance
// metadata so it stays queryable after the fact, also on terminal instances.
func (service *Service) annotateInstance(ctx context.Context, instance *runtime.ProcessInstance, report *Report, failure *CompensationFailedError) {
	annotation := map[string]any{
		"at":          time.Now().Format(time.RFC3339),
		"compensated": len(report.Compensated),
		"skipped":     len(report.Skipped),
		"failed":      len(report.Failed),
	}
	if failure != nil {
		annotation["error"] = failure.Err.Error()
		annotation["failedNodeId"] = failure.NodeId
		annotation["remaining"] = len(failure.Remaining)
	}
	instance.SetMetadata("compensation", annotation)
	if err := service.persistence.SaveProcessInstance(ctx, *instance); err != nil {
		service.logger.Error("failed to annotate instance with compensation outcome",
			"processInstanceKey", instance.Key, "error", err)
	}
}

func (service *Service) recordOccurrence(ctx context.Context, processInstanceKey int64, nodeId string, handlerErr error) {
	event := runtime.EventOccurrence{
		Key:                service.snowflake.Generate().Int64(),
		ProcessInstanceKey: processInstanceKey,
		Type:               runtime.EventTypeCompensation,
		Name:               nodeId,
		OccurredAt:         time.Now(),
		Handled:            handlerErr == nil,
	}
	if handlerErr != nil {
		event.Payload = map[string]any{"error": handlerErr.Error()}
	}
	if err := service.persistence.SaveEventOccurrence(ctx, event); err != nil {
		service.logger.Error("failed to record compensation occurrence",
			"processInstanceKey", processInstanceKey, "nodeId", nodeId, "error", err)
	}
}

func (service *Service) signal(name notify.SignalName, processInstanceKey int64, data map[string]any) {
	if service.notifier == nil {
		return
	}
	service.notifier.Publish(notify.Signal{
		Name:               name,
		ProcessInstanceKey: processInstanceKey,
		Data:               data,
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
