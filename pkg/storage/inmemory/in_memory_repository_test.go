package inmemory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmatic-io/flowmatic/pkg/engine/runtime"
	"github.com/flowmatic-io/flowmatic/pkg/model"
	"github.com/flowmatic-io/flowmatic/pkg/storage"
)

func TestDefinitionsAreOrderedByVersion(t *testing.T) {
	mem := NewStorage()
	for _, version := range []string{"1.10.0", "1.2.0", "1.9.1"} {
		require.NoError(t, mem.SaveDefinition(t.Context(), model.ProcessDefinition{
			Id:      "order-process",
			Version: version,
		}))
	}

	defs, err := mem.FindDefinitionsById(t.Context(), "order-process")
	require.NoError(t, err)
	versions := make([]string, 0, len(defs))
	for _, def := range defs {
		versions = append(versions, def.Version)
	}
	// numeric segment order, not lexical
	assert.Equal(t, []string{"1.2.0", "1.9.1", "1.10.0"}, versions)

	latest, err := mem.FindLatestDefinitionById(t.Context(), "order-process")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", latest.Version)
}

func TestFindDefinitionsDoesNotMatchIdPrefix(t *testing.T) {
	mem := NewStorage()
	require.NoError(t, mem.SaveDefinition(t.Context(), model.ProcessDefinition{Id: "order", Version: "1.0.0"}))
	require.NoError(t, mem.SaveDefinition(t.Context(), model.ProcessDefinition{Id: "order-process", Version: "1.0.0"}))

	defs, err := mem.FindDefinitionsById(t.Context(), "order")
	require.NoError(t, err)
	assert.Len(t, defs, 1)
	assert.Equal(t, "order", defs[0].Id)
}

func TestMissingRowsReturnNotFound(t *testing.T) {
	mem := NewStorage()

	_, err := mem.FindLatestDefinitionById(t.Context(), "nope")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	_, err = mem.FindDefinition(t.Context(), "nope", "1.0.0")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	_, err = mem.FindProcessInstanceByKey(t.Context(), 42)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	_, err = mem.FindTaskInstanceByKey(t.Context(), 42)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	_, err = mem.FindVersionRecord(t.Context(), "nope", "1.0.0")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestProcessInstanceTasksAreKeyOrdered(t *testing.T) {
	mem := NewStorage()
	for _, key := range []int64{30, 10, 20} {
		require.NoError(t, mem.SaveTaskInstance(t.Context(), runtime.TaskInstance{
			Key:                key,
			ProcessInstanceKey: 1,
			State:              runtime.TaskStateActive,
		}))
	}
	require.NoError(t, mem.SaveTaskInstance(t.Context(), runtime.TaskInstance{
		Key:                99,
		ProcessInstanceKey: 2,
		State:              runtime.TaskStateActive,
	}))

	tasks, err := mem.FindProcessInstanceTasks(t.Context(), 1)
	require.NoError(t, err)
	keys := make([]int64, 0, len(tasks))
	for _, task := range tasks {
		keys = append(keys, task.Key)
	}
	assert.Equal(t, []int64{10, 20, 30}, keys)
}

func TestSubscriptionsAreFilteredByState(t *testing.T) {
	mem := NewStorage()
	require.NoError(t, mem.SaveEventSubscription(t.Context(), runtime.EventSubscription{
		Key: 1, ProcessInstanceKey: 7, EventName: "a", State: runtime.SubscriptionStateActive,
	}))
	require.NoError(t, mem.SaveEventSubscription(t.Context(), runtime.EventSubscription{
		Key: 2, ProcessInstanceKey: 7, EventName: "b", State: runtime.SubscriptionStateCompleted,
	}))

	active, err := mem.FindProcessInstanceSubscriptions(t.Context(), 7, runtime.SubscriptionStateActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].EventName)
}

func TestVersionRecordsKeepCreationOrderAcrossUpdates(t *testing.T) {
	mem := NewStorage()
	for _, version := range []string{"1.0.0", "1.1.0", "2.0.0"} {
		require.NoError(t, mem.SaveVersionRecord(t.Context(), runtime.VersionRecord{
			ProcessId: "order-process",
			Version:   version,
			Status:    runtime.VersionStatusDraft,
		}))
	}

	// when: an existing record is updated in place
	require.NoError(t, mem.SaveVersionRecord(t.Context(), runtime.VersionRecord{
		ProcessId: "order-process",
		Version:   "1.1.0",
		Status:    runtime.VersionStatusActive,
	}))

	// then: the update keeps the record's original position
	records, err := mem.FindVersionRecords(t.Context(), "order-process")
	require.NoError(t, err)
	versions := make([]string, 0, len(records))
	for _, record := range records {
		versions = append(versions, record.Version)
	}
	assert.Equal(t, []string{"1.0.0", "1.1.0", "2.0.0"}, versions)
	assert.Equal(t, runtime.VersionStatusActive, records[1].Status)
}

func TestBatchDefersWritesUntilFlush(t *testing.T) {
	mem := NewStorage()
	batch := mem.NewBatch()

	require.NoError(t, batch.SaveProcessInstance(t.Context(), runtime.ProcessInstance{
		Key:       1,
		ProcessId: "order-process",
		State:     runtime.InstanceStateRunning,
	}))
	require.NoError(t, batch.SaveTaskInstance(t.Context(), runtime.TaskInstance{
		Key:                2,
		ProcessInstanceKey: 1,
		State:              runtime.TaskStateActive,
	}))

	// not visible before the flush
	_, err := mem.FindProcessInstanceByKey(t.Context(), 1)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	require.NoError(t, batch.Flush(t.Context()))

	instance, err := mem.FindProcessInstanceByKey(t.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateRunning, instance.State)
	tasks, err := mem.FindProcessInstanceTasks(t.Context(), 1)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestBatchFlushResetsPendingWrites(t *testing.T) {
	mem := NewStorage()
	batch := mem.NewBatch()

	require.NoError(t, batch.SaveEventOccurrence(t.Context(), runtime.EventOccurrence{
		Key: 5, ProcessInstanceKey: 1, Type: runtime.EventTypeSignal, Name: "once",
	}))
	require.NoError(t, batch.Flush(t.Context()))
	// a second flush must not replay the first write set
	require.NoError(t, batch.Flush(t.Context()))

	events, err := mem.FindProcessInstanceEvents(t.Context(), 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
