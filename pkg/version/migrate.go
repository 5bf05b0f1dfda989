package version

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/flowmatic-io/flowmatic/pkg/engine/notify"
	"github.com/flowmatic-io/flowmatic/pkg/engine/runtime"
)

// MigrationError records why one instance could not be migrated.
type MigrationError struct {
	ProcessInstanceKey int64
	Err                string
}

// MigrationReport aggregates one MigrateInstances call. A failed instance
// never aborts the batch; it is counted and reported here.
type MigrationReport struct {
	ProcessId   string
	FromVersion string
	ToVersion   string
	Total       int
	Migrated    int
	Failed      int
	Errors      []MigrationError
}

// MigrateInstances rebinds every non-terminal instance of fromVersion to
// toVersion. Instances migrate concurrently, bounded by the configured
// parallelism, and each one in isolation.
func (service *Service) MigrateInstances(ctx context.Context, processId string, fromVersion string, toVersion string) (*MigrationReport, error) {
	diff, err := service.CompareVersions(ctx, processId, fromVersion, toVersion)
	if err != nil {
		return nil, err
	}
	removedNodes := make(map[string]bool, len(diff.RemovedNodes))
	for _, node := range diff.RemovedNodes {
		removedNodes[node.Id] = true
	}

	instances, err := service.persistence.FindProcessInstances(ctx, processId, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to load instances of %s version %s: %w", processId, fromVersion, err)
	}
	var candidates []runtime.ProcessInstance
	for _, instance := range instances {
		if !instance.State.IsTerminal() {
			candidates = append(candidates, instance)
		}
	}

	report := &MigrationReport{
		ProcessId:   processId,
		FromVersion: fromVersion,
		ToVersion:   toVersion,
		Total:       len(candidates),
	}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := semaphore.NewWeighted(service.migrationParallelism)

	for _, instance := range candidates {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(instance runtime.ProcessInstance) {
			defer wg.Done()
			defer sem.Release(1)

			err := service.migrateInstance(ctx, instance, toVersion, removedNodes)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Errors = append(report.Errors, MigrationError{
					ProcessInstanceKey: instance.Key,
					Err:                err.Error(),
				})
				service.logger.Warn("instance migration failed",
					"processInstanceKey", instance.Key, "error", err)
				return
			}
			report.Migrated++
		}(instance)
	}
	wg.Wait()

	service.logger.Info("instance migration finished",
		"processId", processId, "fromVersion", fromVersion, "toVersion", toVersion,
		"total", report.Total, "migrated", report.Migrated, "failed", report.Failed)
	service.signal(notify.MigrationCompleted, map[string]any{
		"processId":   processId,
		"fromVersion": fromVersion,
		"toVersion":   toVersion,
		"total":       report.Total,
		"migrated":    report.Migrated,
		"failed":      report.Failed,
	})
	return report, nil
}

// migrateInstance rebinds one instance. An instance suspended on a node that
// the target revision removed cannot be migrated.
func (service *Service) migrateInstance(ctx context.Context, instance runtime.ProcessInstance, toVersion string, removedNodes map[string]bool) error {
	for _, nodeId := range instance.CurrentNodeIds {
		if removedNodes[nodeId] {
			return fmt.Errorf("instance is suspended on node %s which does not exist in version %s", nodeId, toVersion)
		}
	}
	fromVersion := instance.Version
	instance.Version = toVersion
	instance.SetMetadata("migration", map[string]any{
		"fromVersion": fromVersion,
		"toVersion":   toVersion,
		"at":          time.Now().Format(time.RFC3339),
	})
	if err := service.persistence.SaveProcessInstance(ctx, instance); err != nil {
		return fmt.Errorf("failed to save migrated instance: %w", err)
	}
	return nil
}
