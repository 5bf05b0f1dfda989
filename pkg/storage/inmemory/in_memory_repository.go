package inmemory

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/flowmatic-io/flowmatic/pkg/engine/runtime"
	"github.com/flowmatic-io/flowmatic/pkg/model"
	"github.com/flowmatic-io/flowmatic/pkg/storage"
)

// Storage keeps process data in memory,
// please use NewStorage to create a new object of this type.
type Storage struct {
	mu               sync.RWMutex
	Definitions      map[string]model.ProcessDefinition
	ProcessInstances map[int64]runtime.ProcessInstance
	TaskInstances    map[int64]runtime.TaskInstance
	Events           map[int64]runtime.EventOccurrence
	Snapshots        map[int64]runtime.VariableSnapshot
	Subscriptions    map[int64]runtime.EventSubscription
	VersionRecords   map[string][]runtime.VersionRecord
}

func NewStorage() *Storage {
	return &Storage{
		Definitions:      make(map[string]model.ProcessDefinition),
		ProcessInstances: make(map[int64]runtime.ProcessInstance),
		TaskInstances:    make(map[int64]runtime.TaskInstance),
		Events:           make(map[int64]runtime.EventOccurrence),
		Snapshots:        make(map[int64]runtime.VariableSnapshot),
		Subscriptions:    make(map[int64]runtime.EventSubscription),
		VersionRecords:   make(map[string][]runtime.VersionRecord),
	}
}

var _ storage.Storage = &Storage{}

func (mem *Storage) NewBatch() storage.Batch {
	return &StorageBatch{
		db:        mem,
		stmtToRun: make([]func() error, 0, 10),
	}
}

func definitionKey(processId string, version string) string {
	return processId + "/" + version
}

func (mem *Storage) FindLatestDefinitionById(ctx context.Context, processId string) (model.ProcessDefinition, error) {
	defs, err := mem.FindDefinitionsById(ctx, processId)
	if err != nil {
		return model.ProcessDefinition{}, err
	}
	if len(defs) == 0 {
		return model.ProcessDefinition{}, storage.ErrNotFound
	}
	return defs[len(defs)-1], nil
}

func (mem *Storage) FindDefinitionsById(ctx context.Context, processId string) ([]model.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]model.ProcessDefinition, 0)
	for key, def := range mem.Definitions {
		if !strings.HasPrefix(key, processId+"/") {
			continue
		}
		res = append(res, def)
	}
	slices.SortFunc(res, func(a, b model.ProcessDefinition) int {
		return compareVersionStrings(a.Version, b.Version)
	})
	return res, nil
}

func (mem *Storage) FindDefinition(ctx context.Context, processId string, version string) (model.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Definitions[definitionKey(processId, version)]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) SaveDefinition(ctx context.Context, definition model.ProcessDefinition) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Definitions[definitionKey(definition.Id, definition.Version)] = definition
	return nil
}

func (mem *Storage) FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessInstances[processInstanceKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessInstancesByState(ctx context.Context, state runtime.InstanceState) ([]runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ProcessInstance, 0)
	for _, pi := range mem.ProcessInstances {
		if pi.State != state {
			continue
		}
		res = append(res, pi)
	}
	sortByKey(res, func(pi runtime.ProcessInstance) int64 { return pi.Key })
	return res, nil
}

func (mem *Storage) FindProcessInstances(ctx context.Context, processId string, version string) ([]runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ProcessInstance, 0)
	for _, pi := range mem.ProcessInstances {
		if pi.ProcessId != processId {
			continue
		}
		if version != "" && pi.Version != version {
			continue
		}
		res = append(res, pi)
	}
	sortByKey(res, func(pi runtime.ProcessInstance) int64 { return pi.Key })
	return res, nil
}

func (mem *Storage) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.ProcessInstances[processInstance.Key] = processInstance
	return nil
}

func (mem *Storage) FindTaskInstanceByKey(ctx context.Context, taskKey int64) (runtime.TaskInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.TaskInstances[taskKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessInstanceTasks(ctx context.Context, processInstanceKey int64) ([]runtime.TaskInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.TaskInstance, 0)
	for _, task := range mem.TaskInstances {
		if task.ProcessInstanceKey != processInstanceKey {
			continue
		}
		res = append(res, task)
	}
	// snowflake keys are time-ordered, so key order is insertion order
	sortByKey(res, func(t runtime.TaskInstance) int64 { return t.Key })
	return res, nil
}

func (mem *Storage) SaveTaskInstance(ctx context.Context, task runtime.TaskInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.TaskInstances[task.Key] = task
	return nil
}

func (mem *Storage) FindProcessInstanceEvents(ctx context.Context, processInstanceKey int64) ([]runtime.EventOccurrence, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.EventOccurrence, 0)
	for _, event := range mem.Events {
		if event.ProcessInstanceKey != processInstanceKey {
			continue
		}
		res = append(res, event)
	}
	sortByKey(res, func(e runtime.EventOccurrence) int64 { return e.Key })
	return res, nil
}

func (mem *Storage) SaveEventOccurrence(ctx context.Context, event runtime.EventOccurrence) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Events[event.Key] = event
	return nil
}

func (mem *Storage) FindProcessInstanceSnapshots(ctx context.Context, processInstanceKey int64) ([]runtime.VariableSnapshot, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.VariableSnapshot, 0)
	for _, snap := range mem.Snapshots {
		if snap.ProcessInstanceKey != processInstanceKey {
			continue
		}
		res = append(res, snap)
	}
	sortByKey(res, func(s runtime.VariableSnapshot) int64 { return s.Key })
	return res, nil
}

func (mem *Storage) SaveVariableSnapshot(ctx context.Context, snapshot runtime.VariableSnapshot) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Snapshots[snapshot.Key] = snapshot
	return nil
}

func (mem *Storage) FindProcessInstanceSubscriptions(ctx context.Context, processInstanceKey int64, state runtime.SubscriptionState) ([]runtime.EventSubscription, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.EventSubscription, 0)
	for _, sub := range mem.Subscriptions {
		if sub.ProcessInstanceKey != processInstanceKey {
			continue
		}
		if sub.State != state {
			continue
		}
		res = append(res, sub)
	}
	sortByKey(res, func(s runtime.EventSubscription) int64 { return s.Key })
	return res, nil
}

func (mem *Storage) SaveEventSubscription(ctx context.Context, subscription runtime.EventSubscription) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Subscriptions[subscription.Key] = subscription
	return nil
}

func (mem *Storage) FindVersionRecords(ctx context.Context, processId string) ([]runtime.VersionRecord, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	records := mem.VersionRecords[processId]
	res := make([]runtime.VersionRecord, len(records))
	copy(res, records)
	return res, nil
}

func (mem *Storage) FindVersionRecord(ctx context.Context, processId string, version string) (runtime.VersionRecord, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	for _, record := range mem.VersionRecords[processId] {
		if record.Version == version {
			return record, nil
		}
	}
	return runtime.VersionRecord{}, storage.ErrNotFound
}

func (mem *Storage) SaveVersionRecord(ctx context.Context, record runtime.VersionRecord) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	records := mem.VersionRecords[record.ProcessId]
	for i := range records {
		if records[i].Version == record.Version {
			records[i] = record
			return nil
		}
	}
	mem.VersionRecords[record.ProcessId] = append(records, record)
	return nil
}

func sortByKey[T any](items []T, key func(T) int64) {
	slices.SortFunc(items, func(a, b T) int {
		ka, kb := key(a), key(b)
		switch {
		case ka < kb:
			return -1
		case ka > kb:
			return 1
		}
		return 0
	})
}

// compareVersionStrings orders dotted numeric versions; non-numeric segments
// fall back to lexical order.
func compareVersionStrings(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aerr := atoiSafe(as[i])
		bn, berr := atoiSafe(bs[i])
		if aerr != nil || berr != nil {
			if as[i] != bs[i] {
				return strings.Compare(as[i], bs[i])
			}
			continue
		}
		if an != bn {
			return an - bn
		}
	}
	return len(as) - len(bs)
}

func atoiSafe(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.New("not a number")
		}
		n = n*10 + int(r-'0')
	}
	if s == "" {
		return 0, errors.New("empty")
	}
	return n, nil
}

type StorageBatch struct {
	db        *Storage
	stmtToRun []func() error
}

var _ storage.Batch = &StorageBatch{}

func (b *StorageBatch) Flush(ctx context.Context) error {
	var joinErr error
	for _, stmt := range b.stmtToRun {
		err := stmt()
		if err != nil {
			joinErr = errors.Join(joinErr, err)
		}
	}
	if joinErr != nil {
		return joinErr
	}
	b.stmtToRun = make([]func() error, 0)
	return nil
}

func (b *StorageBatch) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveProcessInstance(ctx, processInstance)
	})
	return nil
}

func (b *StorageBatch) SaveTaskInstance(ctx context.Context, task runtime.TaskInstance) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveTaskInstance(ctx, task)
	})
	return nil
}

func (b *StorageBatch) SaveEventOccurrence(ctx context.Context, event runtime.EventOccurrence) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveEventOccurrence(ctx, event)
	})
	return nil
}

func (b *StorageBatch) SaveVariableSnapshot(ctx context.Context, snapshot runtime.VariableSnapshot) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveVariableSnapshot(ctx, snapshot)
	})
	return nil
}

func (b *StorageBatch) SaveEventSubscription(ctx context.Context, subscription runtime.EventSubscription) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveEventSubscription(ctx, subscription)
	})
	return nil
}
