// Package sqlite implements the storage contract on a SQLite database.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/flowmatic-io/flowmatic/pkg/engine/runtime"
	"github.com/flowmatic-io/flowmatic/pkg/model"
	"github.com/flowmatic-io/flowmatic/pkg/storage"
)

type Storage struct {
	db *sql.DB
}

var _ storage.Storage = &Storage{}

// NewStorage initializes the required schema in the given database and
// returns a ready storage.
func NewStorage(db *sql.DB) (*Storage, error) {
	s := &Storage{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS definitions (
			process_id TEXT NOT NULL,
			version TEXT NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (process_id, version)
		);
		CREATE TABLE IF NOT EXISTS process_instances (
			key INTEGER PRIMARY KEY,
			process_id TEXT NOT NULL,
			version TEXT NOT NULL,
			state TEXT NOT NULL,
			data BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS task_instances (
			key INTEGER PRIMARY KEY,
			process_instance_key INTEGER NOT NULL,
			data BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS event_occurrences (
			key INTEGER PRIMARY KEY,
			process_instance_key INTEGER NOT NULL,
			data BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS variable_snapshots (
			key INTEGER PRIMARY KEY,
			process_instance_key INTEGER NOT NULL,
			data BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS event_subscriptions (
			key INTEGER PRIMARY KEY,
			process_instance_key INTEGER NOT NULL,
			state TEXT NOT NULL,
			data BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS version_records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			process_id TEXT NOT NULL,
			version TEXT NOT NULL,
			data BLOB NOT NULL,
			UNIQUE (process_id, version)
		);`,
	)
	return err
}

func (s *Storage) FindLatestDefinitionById(ctx context.Context, processId string) (model.ProcessDefinition, error) {
	definitions, err := s.FindDefinitionsById(ctx, processId)
	if err != nil {
		return model.ProcessDefinition{}, err
	}
	if len(definitions) == 0 {
		return model.ProcessDefinition{}, fmt.Errorf("definition %s: %w", processId, storage.ErrNotFound)
	}
	return definitions[len(definitions)-1], nil
}

func (s *Storage) FindDefinitionsById(ctx context.Context, processId string) ([]model.ProcessDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM definitions WHERE process_id = ?`, processId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var definitions []model.ProcessDefinition
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var definition model.ProcessDefinition
		if err := json.Unmarshal(data, &definition); err != nil {
			return nil, err
		}
		definitions = append(definitions, definition)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortDefinitionsByVersion(definitions)
	return definitions, nil
}

func (s *Storage) FindDefinition(ctx context.Context, processId string, version string) (model.ProcessDefinition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data FROM definitions WHERE process_id = ? AND version = ?`, processId, version)
	var definition model.ProcessDefinition
	if err := scanJSON(row, &definition); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ProcessDefinition{}, fmt.Errorf("definition %s version %s: %w", processId, version, storage.ErrNotFound)
		}
		return model.ProcessDefinition{}, err
	}
	return definition, nil
}

func (s *Storage) SaveDefinition(ctx context.Context, definition model.ProcessDefinition) error {
	data, err := json.Marshal(definition)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO definitions (process_id, version, data) VALUES (?, ?, ?)
		ON CONFLICT (process_id, version) DO UPDATE SET data = excluded.data`,
		definition.Id, definition.Version, data)
	return err
}

func (s *Storage) FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data FROM process_instances WHERE key = ?`, processInstanceKey)
	var instance runtime.ProcessInstance
	if err := scanJSON(row, &instance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return runtime.ProcessInstance{}, fmt.Errorf("process instance %d: %w", processInstanceKey, storage.ErrNotFound)
		}
		return runtime.ProcessInstance{}, err
	}
	return instance, nil
}

func (s *Storage) FindProcessInstancesByState(ctx context.Context, state runtime.InstanceState) ([]runtime.ProcessInstance, error) {
	return s.queryInstances(ctx, `
		SELECT data FROM process_instances WHERE state = ? ORDER BY key`, string(state))
}

func (s *Storage) FindProcessInstances(ctx context.Context, processId string, version string) ([]runtime.ProcessInstance, error) {
	return s.queryInstances(ctx, `
		SELECT data FROM process_instances WHERE process_id = ? AND version = ? ORDER BY key`, processId, version)
}

func (s *Storage) queryInstances(ctx context.Context, query string, args ...any) ([]runtime.ProcessInstance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []runtime.ProcessInstance
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var instance runtime.ProcessInstance
		if err := json.Unmarshal(data, &instance); err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	return instances, rows.Err()
}

func (s *Storage) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	return saveProcessInstance(ctx, s.db, processInstance)
}

func (s *Storage) FindTaskInstanceByKey(ctx context.Context, taskKey int64) (runtime.TaskInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data FROM task_instances WHERE key = ?`, taskKey)
	var task runtime.TaskInstance
	if err := scanJSON(row, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return runtime.TaskInstance{}, fmt.Errorf("task instance %d: %w", taskKey, storage.ErrNotFound)
		}
		return runtime.TaskInstance{}, err
	}
	return task, nil
}

func (s *Storage) FindProcessInstanceTasks(ctx context.Context, processInstanceKey int64) ([]runtime.TaskInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM task_instances WHERE process_instance_key = ? ORDER BY key`, processInstanceKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []runtime.TaskInstance
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var task runtime.TaskInstance
		if err := json.Unmarshal(data, &task); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *Storage) SaveTaskInstance(ctx context.Context, task runtime.TaskInstance) error {
	return saveTaskInstance(ctx, s.db, task)
}

func (s *Storage) FindProcessInstanceEvents(ctx context.Context, processInstanceKey int64) ([]runtime.EventOccurrence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM event_occurrences WHERE process_instance_key = ? ORDER BY key`, processInstanceKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []runtime.EventOccurrence
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var event runtime.EventOccurrence
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Storage) SaveEventOccurrence(ctx context.Context, event runtime.EventOccurrence) error {
	return saveEventOccurrence(ctx, s.db, event)
}

func (s *Storage) FindProcessInstanceSnapshots(ctx context.Context, processInstanceKey int64) ([]runtime.VariableSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM variable_snapshots WHERE process_instance_key = ? ORDER BY key`, processInstanceKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []runtime.VariableSnapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var snapshot runtime.VariableSnapshot
		if err := json.Unmarshal(data, &snapshot); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, rows.Err()
}

func (s *Storage) SaveVariableSnapshot(ctx context.Context, snapshot runtime.VariableSnapshot) error {
	return saveVariableSnapshot(ctx, s.db, snapshot)
}

func (s *Storage) FindProcessInstanceSubscriptions(ctx context.Context, processInstanceKey int64, state runtime.SubscriptionState) ([]runtime.EventSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM event_subscriptions WHERE process_instance_key = ? AND state = ? ORDER BY key`,
		processInstanceKey, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subscriptions []runtime.EventSubscription
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var subscription runtime.EventSubscription
		if err := json.Unmarshal(data, &subscription); err != nil {
			return nil, err
		}
		subscriptions = append(subscriptions, subscription)
	}
	return subscriptions, rows.Err()
}

func (s *Storage) SaveEventSubscription(ctx context.Context, subscription runtime.EventSubscription) error {
	return saveEventSubscription(ctx, s.db, subscription)
}

func (s *Storage) FindVersionRecords(ctx context.Context, processId string) ([]runtime.VersionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM version_records WHERE process_id = ? ORDER BY seq`, processId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []runtime.VersionRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var record runtime.VersionRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *Storage) FindVersionRecord(ctx context.Context, processId string, version string) (runtime.VersionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data FROM version_records WHERE process_id = ? AND version = ?`, processId, version)
	var record runtime.VersionRecord
	if err := scanJSON(row, &record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return runtime.VersionRecord{}, fmt.Errorf("version record %s %s: %w", processId, version, storage.ErrNotFound)
		}
		return runtime.VersionRecord{}, err
	}
	return record, nil
}

func (s *Storage) SaveVersionRecord(ctx context.Context, record runtime.VersionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO version_records (process_id, version, data) VALUES (?, ?, ?)
		ON CONFLICT (process_id, version) DO UPDATE SET data = excluded.data`,
		record.ProcessId, record.Version, data)
	return err
}

// execer is satisfied by *sql.DB and *sql.Tx, so the same save statements
// serve direct writes and batched ones.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveProcessInstance(ctx context.Context, db execer, instance runtime.ProcessInstance) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO process_instances (key, process_id, version, state, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET process_id = excluded.process_id, version = excluded.version,
			state = excluded.state, data = excluded.data`,
		instance.Key, instance.ProcessId, instance.Version, string(instance.State), data)
	return err
}

func saveTaskInstance(ctx context.Context, db execer, task runtime.TaskInstance) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO task_instances (key, process_instance_key, data) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET data = excluded.data`,
		task.Key, task.ProcessInstanceKey, data)
	return err
}

func saveEventOccurrence(ctx context.Context, db execer, event runtime.EventOccurrence) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO event_occurrences (key, process_instance_key, data) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET data = excluded.data`,
		event.Key, event.ProcessInstanceKey, data)
	return err
}

func saveVariableSnapshot(ctx context.Context, db execer, snapshot runtime.VariableSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO variable_snapshots (key, process_instance_key, data) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET data = excluded.data`,
		snapshot.Key, snapshot.ProcessInstanceKey, data)
	return err
}

func saveEventSubscription(ctx context.Context, db execer, subscription runtime.EventSubscription) error {
	data, err := json.Marshal(subscription)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO event_subscriptions (key, process_instance_key, state, data) VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET state = excluded.state, data = excluded.data`,
		subscription.Key, subscription.ProcessInstanceKey, string(subscription.State), data)
	return err
}

func scanJSON(row *sql.Row, target any) error {
	var data []byte
	if err := row.Scan(&data); err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// sortDefinitionsByVersion orders dotted-numeric version labels ascending;
// non-numeric labels fall back to string comparison.
func sortDefinitionsByVersion(definitions []model.ProcessDefinition) {
	for i := 1; i < len(definitions); i++ {
		for j := i; j > 0 && compareVersionStrings(definitions[j].Version, definitions[j-1].Version) < 0; j-- {
			definitions[j], definitions[j-1] = definitions[j-1], definitions[j]
		}
	}
}

func compareVersionStrings(a, b string) int {
	aParts := strings.Split(a, ".")
	bParts := strings.Split(b, ".")
	for i := 0; i < len(aParts) && i < len(bParts); i++ {
		an, aerr := strconv.Atoi(aParts[i])
		bn, berr := strconv.Atoi(bParts[i])
		if aerr != nil || berr != nil {
			if aParts[i] != bParts[i] {
				return strings.Compare(aParts[i], bParts[i])
			}
			continue
		}
		if an != bn {
			return an - bn
		}
	}
	return len(aParts) - len(bParts)
}
