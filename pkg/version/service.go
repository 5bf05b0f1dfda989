// Package version manages the revision lifecycle of process definitions:
// semantic version bumps, activation with a single-active guarantee per
// process, structural diffs between revisions and migration of running
// instances.
package version

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/flowmatic-io/flowmatic/pkg/engine/notify"
	"github.com/flowmatic-io/flowmatic/pkg/engine/runtime"
	"github.com/flowmatic-io/flowmatic/pkg/model"
	"github.com/flowmatic-io/flowmatic/pkg/storage"
)

// Bump selects which component of a semantic version to increment.
type Bump string

const (
	BumpMajor Bump = "major"
	BumpMinor Bump = "minor"
	BumpPatch Bump = "patch"
)

type Service struct {
	logger      hclog.Logger
	persistence storage.Storage
	notifier    *notify.Notifier

	// activationLocks serializes activate/deprecate per process id.
	mu              sync.Mutex
	activationLocks map[string]*sync.Mutex

	migrationParallelism int64
}

type ServiceOption = func(*Service)

func NewService(persistence storage.Storage, options ...ServiceOption) *Service {
	service := &Service{
		logger:               hclog.Default().Named("version"),
		persistence:          persistence,
		activationLocks:      make(map[string]*sync.Mutex),
		migrationParallelism: 4,
	}
	for _, option := range options {
		option(service)
	}
	return service
}

func ServiceWithLogger(logger hclog.Logger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

func ServiceWithNotifier(notifier *notify.Notifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}

// ServiceWithMigrationParallelism bounds how many instances migrate
// concurrently within one MigrateInstances call.
func ServiceWithMigrationParallelism(parallelism int64) ServiceOption {
	return func(service *Service) {
		if parallelism > 0 {
			service.migrationParallelism = parallelism
		}
	}
}

// IncrementVersion bumps a dotted semantic version label. An empty kind
// defaults to a minor bump.
func IncrementVersion(current string, kind Bump) (string, error) {
	major, minor, patch, err := parseVersion(current)
	if err != nil {
		return "", err
	}
	switch kind {
	case BumpMajor:
		return fmt.Sprintf("%d.0.0", major+1), nil
	case BumpMinor, "":
		return fmt.Sprintf("%d.%d.0", major, minor+1), nil
	case BumpPatch:
		return fmt.Sprintf("%d.%d.%d", major, minor, patch+1), nil
	default:
		return "", fmt.Errorf("unknown version bump kind %q", kind)
	}
}

func parseVersion(version string) (major, minor, patch int, err error) {
	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("malformed version %q, want major.minor.patch", version)
	}
	numbers := make([]int, 3)
	for i, part := range parts {
		numbers[i], err = strconv.Atoi(part)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("malformed version %q: %w", version, err)
		}
	}
	return numbers[0], numbers[1], numbers[2], nil
}

// CreateNewVersion stores the definition as the next draft revision of the
// process, computed from the latest existing record or 0.0.0 when none
// exists. The new record is not activated.
func (service *Service) CreateNewVersion(ctx context.Context, processId string, definition model.ProcessDefinition, changelog []string, createdBy string, metadata map[string]any) (*runtime.VersionRecord, error) {
	if err := definition.Validate(); err != nil {
		return nil, err
	}
	records, err := service.persistence.FindVersionRecords(ctx, processId)
	if err != nil {
		return nil, fmt.Errorf("failed to load version records of %s: %w", processId, err)
	}

	base := "0.0.0"
	previous := ""
	if len(records) > 0 {
		latest := records[len(records)-1]
		base = latest.Version
		previous = latest.Version
	}
	next, err := IncrementVersion(base, BumpMinor)
	if err != nil {
		return nil, err
	}

	definition.Id = processId
	definition.Version = next
	now := time.Now()
	record := runtime.VersionRecord{
		ProcessId:       processId,
		Version:         next,
		Definition:      definition,
		Status:          runtime.VersionStatusDraft,
		Changelog:       changelog,
		CreatedBy:       createdBy,
		Metadata:        metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
		PreviousVersion: previous,
	}
	if err := service.persistence.SaveVersionRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save version record %s of %s: %w", next, processId, err)
	}
	service.logger.Info("created new process version",
		"processId", processId, "version", next, "previousVersion", previous)
	return &record, nil
}

// ActivateVersion deprecates every currently active record of the process
// and activates the target, atomically with respect to concurrent activation
// calls for the same process id.
func (service *Service) ActivateVersion(ctx context.Context, processId string, version string) error {
	lock := service.activationLock(processId)
	lock.Lock()
	defer lock.Unlock()

	target, err := service.persistence.FindVersionRecord(ctx, processId, version)
	if err != nil {
		return fmt.Errorf("failed to find version %s of %s: %w", version, processId, err)
	}
	records, err := service.persistence.FindVersionRecords(ctx, processId)
	if err != nil {
		return fmt.Errorf("failed to load version records of %s: %w", processId, err)
	}

	now := time.Now()
	for _, record := range records {
		if record.Status != runtime.VersionStatusActive || record.Version == version {
			continue
		}
		record.Status = runtime.VersionStatusDeprecated
		record.UpdatedAt = now
		if err := service.persistence.SaveVersionRecord(ctx, record); err != nil {
			return fmt.Errorf("failed to deprecate version %s of %s: %w", record.Version, processId, err)
		}
	}

	target.Status = runtime.VersionStatusActive
	target.UpdatedAt = now
	if err := service.persistence.SaveVersionRecord(ctx, target); err != nil {
		return fmt.Errorf("failed to activate version %s of %s: %w", version, processId, err)
	}
	// the activated revision becomes startable through the engine
	if err := service.persistence.SaveDefinition(ctx, target.Definition); err != nil {
		return fmt.Errorf("failed to save definition %s version %s: %w", processId, version, err)
	}
	service.logger.Info("activated process version", "processId", processId, "version", version)
	return nil
}

// RollbackToVersion re-activates an earlier revision. The target record must
// exist; activation handles the deprecation of the current active one.
func (service *Service) RollbackToVersion(ctx context.Context, processId string, targetVersion string) error {
	if _, err := service.persistence.FindVersionRecord(ctx, processId, targetVersion); err != nil {
		return fmt.Errorf("cannot roll back %s to unknown version %s: %w", processId, targetVersion, err)
	}
	service.logger.Info("rolling back process version", "processId", processId, "targetVersion", targetVersion)
	return service.ActivateVersion(ctx, processId, targetVersion)
}

func (service *Service) activationLock(processId string) *sync.Mutex {
	service.mu.Lock()
	defer service.mu.Unlock()
	lock, ok := service.activationLocks[processId]
	if !ok {
		lock = &sync.Mutex{}
		service.activationLocks[processId] = lock
	}
	return lock
}

func (service *Service) signal(name notify.SignalName, data map[string]any) {
	if service.notifier == nil {
		return
	}
	service.notifier.Publish(notify.Signal{
		Name: name,
		Data: data,
	})
}
