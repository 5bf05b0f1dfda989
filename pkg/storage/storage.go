package storage

import (
	"context"

	"github.com/flowmatic-io/flowmatic/pkg/engine/runtime"
	"github.com/flowmatic-io/flowmatic/pkg/model"
)

type DefinitionStorageReader interface {
	// FindLatestDefinitionById returns the stored definition with the highest
	// version for the given process id.
	FindLatestDefinitionById(ctx context.Context, processId string) (model.ProcessDefinition, error)

	// FindDefinitionsById returns zero or many stored definitions with the
	// given process id, ordered from oldest to newest version.
	FindDefinitionsById(ctx context.Context, processId string) ([]model.ProcessDefinition, error)

	// FindDefinition returns the definition stored for an exact process id
	// and version pair.
	FindDefinition(ctx context.Context, processId string, version string) (model.ProcessDefinition, error)
}

type DefinitionStorageWriter interface {
	// SaveDefinition persists a definition revision and potentially
	// overwrites prior data stored for the same id and version.
	SaveDefinition(ctx context.Context, definition model.ProcessDefinition) error
}

type ProcessInstanceStorageReader interface {
	FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error)

	// FindProcessInstancesByState returns all instances currently in the
	// given state.
	FindProcessInstancesByState(ctx context.Context, state runtime.InstanceState) ([]runtime.ProcessInstance, error)

	// FindProcessInstances returns all instances of a process id bound to
	// the given definition version.
	FindProcessInstances(ctx context.Context, processId string, version string) ([]runtime.ProcessInstance, error)
}

type ProcessInstanceStorageWriter interface {
	SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error
}

type TaskInstanceStorageReader interface {
	FindTaskInstanceByKey(ctx context.Context, taskKey int64) (runtime.TaskInstance, error)

	// FindProcessInstanceTasks returns all task instances of an instance in
	// insertion order.
	FindProcessInstanceTasks(ctx context.Context, processInstanceKey int64) ([]runtime.TaskInstance, error)
}

type TaskInstanceStorageWriter interface {
	SaveTaskInstance(ctx context.Context, task runtime.TaskInstance) error
}

type EventStorageReader interface {
	// FindProcessInstanceEvents returns the append-only event log of an
	// instance in insertion order.
	FindProcessInstanceEvents(ctx context.Context, processInstanceKey int64) ([]runtime.EventOccurrence, error)
}

type EventStorageWriter interface {
	SaveEventOccurrence(ctx context.Context, event runtime.EventOccurrence) error
}

type SnapshotStorageReader interface {
	FindProcessInstanceSnapshots(ctx context.Context, processInstanceKey int64) ([]runtime.VariableSnapshot, error)
}

type SnapshotStorageWriter interface {
	SaveVariableSnapshot(ctx context.Context, snapshot runtime.VariableSnapshot) error
}

type SubscriptionStorageReader interface {
	// FindProcessInstanceSubscriptions returns the subscriptions of an
	// instance in the given state.
	FindProcessInstanceSubscriptions(ctx context.Context, processInstanceKey int64, state runtime.SubscriptionState) ([]runtime.EventSubscription, error)
}

type SubscriptionStorageWriter interface {
	SaveEventSubscription(ctx context.Context, subscription runtime.EventSubscription) error
}

type VersionStorageReader interface {
	// FindVersionRecords returns all version records of a process in
	// creation order.
	FindVersionRecords(ctx context.Context, processId string) ([]runtime.VersionRecord, error)

	FindVersionRecord(ctx context.Context, processId string, version string) (runtime.VersionRecord, error)
}

type VersionStorageWriter interface {
	SaveVersionRecord(ctx context.Context, record runtime.VersionRecord) error
}

// Storage is the full persistence surface the engine and its services
// require. Implementations must never lose a committed write and must make
// updates visible to subsequent reads from the same caller.
type Storage interface {
	DefinitionStorageReader
	DefinitionStorageWriter
	ProcessInstanceStorageReader
	ProcessInstanceStorageWriter
	TaskInstanceStorageReader
	TaskInstanceStorageWriter
	EventStorageReader
	EventStorageWriter
	SnapshotStorageReader
	SnapshotStorageWriter
	SubscriptionStorageReader
	SubscriptionStorageWriter
	VersionStorageReader
	VersionStorageWriter

	NewBatch() Batch
}

// Batch collects writes and applies them on Flush. Reads always go to the
// underlying storage directly.
type Batch interface {
	ProcessInstanceStorageWriter
	TaskInstanceStorageWriter
	EventStorageWriter
	SnapshotStorageWriter
	SubscriptionStorageWriter

	Flush(ctx context.Context) error
}
