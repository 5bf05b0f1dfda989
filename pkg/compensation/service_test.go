package compensation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmatic-io/flowmatic/pkg/engine"
	"github.com/flowmatic-io/flowmatic/pkg/engine/runtime"
	"github.com/flowmatic-io/flowmatic/pkg/model"
	"github.com/flowmatic-io/flowmatic/pkg/storage/inmemory"
)

// recordingExecutor captures every dispatched task and can be told to fail
// specific task types.
type recordingExecutor struct {
	mu    sync.Mutex
	calls []engine.Task
	fail  map[string]error
}

func (r *recordingExecutor) Assign(ctx context.Context, task engine.Task) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, task)
	if err, ok := r.fail[task.Type]; ok {
		return nil, err
	}
	return map[string]any{"undone": true}, nil
}

func (r *recordingExecutor) calledTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.calls))
	for _, call := range r.calls {
		types = append(types, call.Type)
	}
	return types
}

// seedOrderProcess stores a three-task instance: reserve and charge declare
// compensation handlers, notify does not. Task start times are strictly
// increasing reserve < charge < notify.
func seedOrderProcess(t *testing.T, store *inmemory.Storage) (instanceKey int64, taskKeys map[string]int64) {
	t.Helper()
	definition := model.ProcessDefinition{
		Id:      "order-process",
		Version: "1.0.0",
		Nodes: []model.Node{
			{Id: "start", Type: model.NodeTypeStart},
			{Id: "reserve", Type: model.NodeTypeTask, TaskType: "reserve-stock", Compensation: &model.CompensationHandler{
				TaskType: "undo-reserve",
				InputMapping: []model.IoMapping{
					{Source: "=reservationId", Target: "reservationId"},
					{Source: "release", Target: "action"},
				},
			}},
			{Id: "charge", Type: model.NodeTypeTask, TaskType: "charge-card", Compensation: &model.CompensationHandler{
				TaskType: "undo-charge",
				InputMapping: []model.IoMapping{
					{Source: "=chargeId", Target: "chargeId"},
				},
			}},
			{Id: "notify", Type: model.NodeTypeTask, TaskType: "notify-customer"},
			{Id: "end", Type: model.NodeTypeEnd},
		},
		Edges: []model.Edge{
			{Id: "f1", SourceRef: "start", TargetRef: "reserve"},
			{Id: "f2", SourceRef: "reserve", TargetRef: "charge"},
			{Id: "f3", SourceRef: "charge", TargetRef: "notify"},
			{Id: "f4", SourceRef: "notify", TargetRef: "end"},
		},
	}
	require.NoError(t, store.SaveDefinition(t.Context(), definition))

	instanceKey = 1000
	instance := runtime.ProcessInstance{
		Key:       instanceKey,
		ProcessId: definition.Id,
		Version:   definition.Version,
		State:     runtime.InstanceStateFailed,
		CreatedAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, store.SaveProcessInstance(t.Context(), instance))

	base := time.Now().Add(-30 * time.Second)
	done := base.Add(10 * time.Second)
	taskKeys = map[string]int64{"reserve": 1001, "charge": 1002, "notify": 1003}
	seed := []runtime.TaskInstance{
		{Key: 1001, NodeId: "reserve", TaskType: "reserve-stock", CreatedAt: base,
			Result: map[string]any{"reservationId": "res-77"}},
		{Key: 1002, NodeId: "charge", TaskType: "charge-card", CreatedAt: base.Add(time.Second),
			Result: map[string]any{"chargeId": "ch-88"}},
		{Key: 1003, NodeId: "notify", TaskType: "notify-customer", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, task := range seed {
		task.ProcessInstanceKey = instanceKey
		task.State = runtime.TaskStateCompleted
		task.CompletedAt = &done
		require.NoError(t, store.SaveTaskInstance(t.Context(), task))
	}
	return instanceKey, taskKeys
}

func TestCompensationRunsInReverseChronologicalOrder(t *testing.T) {
	// setup
	store := inmemory.NewStorage()
	executor := &recordingExecutor{}
	service := NewService(store, executor)
	instanceKey, _ := seedOrderProcess(t, store)

	// when
	report, err := service.CompensateProcess(t.Context(), instanceKey, 0)
	require.NoError(t, err)

	// then: most recent task first, notify skipped for lack of a handler
	assert.Equal(t, []string{"undo-charge", "undo-reserve"}, executor.calledTypes())
	require.Len(t, report.Compensated, 2)
	assert.Equal(t, "charge", report.Compensated[0].NodeId)
	assert.Equal(t, "reserve", report.Compensated[1].NodeId)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "notify", report.Skipped[0].NodeId)
	assert.Empty(t, report.Failed)
}

func TestCompensationDispatchesAtElevatedPriority(t *testing.T) {
	store := inmemory.NewStorage()
	executor := &recordingExecutor{}
	service := NewService(store, executor)
	instanceKey, _ := seedOrderProcess(t, store)

	_, err := service.CompensateProcess(t.Context(), instanceKey, 0)
	require.NoError(t, err)

	require.NotEmpty(t, executor.calls)
	for _, call := range executor.calls {
		assert.Equal(t, compensationTaskPriority, call.Priority)
	}
}

func TestCompensationSynthesizesHandlerInput(t *testing.T) {
	store := inmemory.NewStorage()
	executor := &recordingExecutor{}
	service := NewService(store, executor)
	instanceKey, _ := seedOrderProcess(t, store)

	_, err := service.CompensateProcess(t.Context(), instanceKey, 0)
	require.NoError(t, err)

	var undoReserve *engine.Task
	for i := range executor.calls {
		if executor.calls[i].Type == "undo-reserve" {
			undoReserve = &executor.calls[i]
		}
	}
	require.NotNil(t, undoReserve)
	// "=reservationId" is evaluated against the task result, "release" is static
	assert.Equal(t, "res-77", undoReserve.Data["reservationId"])
	assert.Equal(t, "release", undoReserve.Data["action"])
}

func TestCompensationHonorsFromTaskCutoff(t *testing.T) {
	store := inmemory.NewStorage()
	executor := &recordingExecutor{}
	service := NewService(store, executor)
	instanceKey, taskKeys := seedOrderProcess(t, store)

	// when: only tasks started strictly before the charge task are eligible
	report, err := service.CompensateProcess(t.Context(), instanceKey, taskKeys["charge"])
	require.NoError(t, err)

	// then
	assert.Equal(t, []string{"undo-reserve"}, executor.calledTypes())
	require.Len(t, report.Compensated, 1)
	assert.Equal(t, "reserve", report.Compensated[0].NodeId)
}

func TestCompensationAbortsOnHandlerFailure(t *testing.T) {
	store := inmemory.NewStorage()
	executor := &recordingExecutor{
		fail: map[string]error{"undo-charge": fmt.Errorf("refund rejected")},
	}
	service := NewService(store, executor)
	instanceKey, _ := seedOrderProcess(t, store)

	// when
	report, err := service.CompensateProcess(t.Context(), instanceKey, 0)

	// then: the run stops at the failed handler, reserve stays uncompensated
	var failure *CompensationFailedError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "charge", failure.NodeId)
	assert.Empty(t, report.Compensated)
	require.NotEmpty(t, failure.Remaining)
	assert.Equal(t, "charge", failure.Remaining[0].NodeId)
	assert.Equal(t, "reserve", failure.Remaining[len(failure.Remaining)-1].NodeId)
	assert.Equal(t, []string{"undo-charge"}, executor.calledTypes())

	// the partial outcome is annotated on the instance
	instance, loadErr := store.FindProcessInstanceByKey(t.Context(), instanceKey)
	require.NoError(t, loadErr)
	annotation, ok := instance.Metadata["compensation"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, annotation["error"], "refund rejected")
}

func TestCompensationContinuesOnFailureWhenConfigured(t *testing.T) {
	store := inmemory.NewStorage()
	executor := &recordingExecutor{
		fail: map[string]error{"undo-charge": fmt.Errorf("refund rejected")},
	}
	service := NewService(store, executor, ServiceWithConfig(Config{ContinueOnFailure: true}))
	instanceKey, _ := seedOrderProcess(t, store)

	// when
	report, err := service.CompensateProcess(t.Context(), instanceKey, 0)
	require.NoError(t, err)

	// then: the failure is recorded and the run proceeds to reserve
	assert.Equal(t, []string{"undo-charge", "undo-reserve"}, executor.calledTypes())
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "charge", report.Failed[0].NodeId)
	require.Len(t, report.Compensated, 1)
	assert.Equal(t, "reserve", report.Compensated[0].NodeId)
}

func TestCompensationRecordsOccurrences(t *testing.T) {
	store := inmemory.NewStorage()
	executor := &recordingExecutor{}
	service := NewService(store, executor)
	instanceKey, _ := seedOrderProcess(t, store)

	_, err := service.CompensateProcess(t.Context(), instanceKey, 0)
	require.NoError(t, err)

	events, err := store.FindProcessInstanceEvents(t.Context(), instanceKey)
	require.NoError(t, err)
	var compensationEvents int
	for _, event := range events {
		if event.Type == runtime.EventTypeCompensation {
			compensationEvents++
			assert.True(t, event.Handled)
		}
	}
	assert.Equal(t, 2, compensationEvents)
}

func TestTransactionCommitBlocksRollback(t *testing.T) {
	store := inmemory.NewStorage()
	executor := &recordingExecutor{}
	service := NewService(store, executor)
	instanceKey, _ := seedOrderProcess(t, store)

	tx := service.BeginTransaction(instanceKey, "order-tx", []string{"reserve", "charge"})
	require.NoError(t, tx.Commit())

	_, err := tx.Rollback(t.Context())
	assert.Error(t, err)
	assert.Empty(t, executor.calls)
}

func TestTransactionRollbackCompensatesInstance(t *testing.T) {
	store := inmemory.NewStorage()
	executor := &recordingExecutor{}
	service := NewService(store, executor)
	instanceKey, _ := seedOrderProcess(t, store)

	tx := service.BeginTransaction(instanceKey, "order-tx", []string{"reserve", "charge"})

	// when
	report, err := tx.Rollback(t.Context())
	require.NoError(t, err)

	// then: the whole instance is compensated
	assert.Equal(t, []string{"undo-charge", "undo-reserve"}, executor.calledTypes())
	assert.Len(t, report.Compensated, 2)

	// a rolled back transaction cannot be committed anymore
	assert.Error(t, tx.Commit())
}

func TestExecuteWithCompensationRetriesWithBackoff(t *testing.T) {
	store := inmemory.NewStorage()
	service := NewService(store, &recordingExecutor{})

	var slept []time.Duration
	service.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	attempts := 0
	compensations := 0
	operation := func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("transient failure %d", attempts)
		}
		return nil
	}
	compensate := func(ctx context.Context) error {
		compensations++
		return fmt.Errorf("compensation hiccup")
	}

	// when
	err := service.ExecuteWithCompensation(t.Context(), operation, compensate, 5)
	require.NoError(t, err)

	// then: two failures, compensated each time, backoff doubled
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, compensations)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
}

func TestExecuteWithCompensationReturnsLastError(t *testing.T) {
	store := inmemory.NewStorage()
	service := NewService(store, &recordingExecutor{})
	service.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	attempts := 0
	operation := func(ctx context.Context) error {
		attempts++
		return fmt.Errorf("permanent failure")
	}

	err := service.ExecuteWithCompensation(t.Context(), operation, nil, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permanent failure")
	assert.Equal(t, 3, attempts)
}

func TestBackoffDurationIsCapped(t *testing.T) {
	assert.Equal(t, time.Second, backoffDuration(0))
	assert.Equal(t, 2*time.Second, backoffDuration(1))
	assert.Equal(t, 8*time.Second, backoffDuration(3))
	assert.Equal(t, maxBackoff, backoffDuration(30))
}
