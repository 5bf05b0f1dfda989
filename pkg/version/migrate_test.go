package version

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmatic-io/flowmatic/pkg/engine/runtime"
	"github.com/flowmatic-io/flowmatic/pkg/storage/inmemory"
)

func seedInstance(t *testing.T, store *inmemory.Storage, key int64, state runtime.InstanceState, currentNodeIds []string) {
	t.Helper()
	require.NoError(t, store.SaveProcessInstance(t.Context(), runtime.ProcessInstance{
		Key:            key,
		ProcessId:      "order-process",
		Version:        "1.0.0",
		State:          state,
		CurrentNodeIds: currentNodeIds,
		CreatedAt:      time.Now(),
	}))
}

func TestMigrateInstancesIsolatesFailures(t *testing.T) {
	store := inmemory.NewStorage()
	service := seedOrderVersions(t, store)

	// given: two migratable instances and one suspended on the removed
	// charge node
	seedInstance(t, store, 1, runtime.InstanceStateRunning, []string{"review"})
	seedInstance(t, store, 2, runtime.InstanceStateRunning, []string{"charge"})
	seedInstance(t, store, 3, runtime.InstanceStatePaused, []string{"review"})

	// when
	report, err := service.MigrateInstances(t.Context(), "order-process", "1.0.0", "2.0.0")
	require.NoError(t, err)

	// then
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Migrated)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, int64(2), report.Errors[0].ProcessInstanceKey)
	assert.Contains(t, report.Errors[0].Err, "charge")

	migrated, err := store.FindProcessInstanceByKey(t.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", migrated.Version)
	annotation, ok := migrated.Metadata["migration"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1.0.0", annotation["fromVersion"])
	stuck, err := store.FindProcessInstanceByKey(t.Context(), 2)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", stuck.Version)
}

func TestMigrateInstancesSkipsTerminalInstances(t *testing.T) {
	store := inmemory.NewStorage()
	service := seedOrderVersions(t, store)

	seedInstance(t, store, 1, runtime.InstanceStateRunning, []string{"review"})
	seedInstance(t, store, 2, runtime.InstanceStateCompleted, nil)
	seedInstance(t, store, 3, runtime.InstanceStateFailed, nil)

	// when
	report, err := service.MigrateInstances(t.Context(), "order-process", "1.0.0", "2.0.0")
	require.NoError(t, err)

	// then: terminal instances are not candidates and keep their version
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.Migrated)
	completed, err := store.FindProcessInstanceByKey(t.Context(), 2)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", completed.Version)
}

func TestMigrateInstancesWithNoCandidates(t *testing.T) {
	store := inmemory.NewStorage()
	service := seedOrderVersions(t, store)

	report, err := service.MigrateInstances(t.Context(), "order-process", "1.0.0", "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, 0, report.Total)
	assert.Equal(t, 0, report.Migrated)
	assert.Equal(t, 0, report.Failed)
}

func TestMigrateInstancesHonorsParallelismBound(t *testing.T) {
	store := inmemory.NewStorage()
	seedRecordWithDefinition(t, store, orderV1(), runtime.VersionStatusActive)
	seedRecordWithDefinition(t, store, orderV2(), runtime.VersionStatusDraft)
	service := NewService(store, ServiceWithMigrationParallelism(1))

	for key := int64(1); key <= 8; key++ {
		seedInstance(t, store, key, runtime.InstanceStateRunning, []string{"review"})
	}

	report, err := service.MigrateInstances(t.Context(), "order-process", "1.0.0", "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, 8, report.Total)
	assert.Equal(t, 8, report.Migrated)
}
