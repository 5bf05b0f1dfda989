package runtime

import (
	"time"

	"github.com/flowmatic-io/flowmatic/pkg/model"
)

// VersionStatus of a version record. At most one record per process id may
// be Active at any time; the version service enforces this on activation.
type VersionStatus string

const (
	VersionStatusDraft      VersionStatus = "DRAFT"
	VersionStatusActive     VersionStatus = "ACTIVE"
	VersionStatusDeprecated VersionStatus = "DEPRECATED"
	VersionStatusArchived   VersionStatus = "ARCHIVED"
)

// VersionRecord is one stored revision of a process definition.
type VersionRecord struct {
	ProcessId       string                  `json:"processId"`
	Version         string                  `json:"version"`
	Definition      model.ProcessDefinition `json:"definition"`
	Status          VersionStatus           `json:"status"`
	Changelog       []string                `json:"changelog,omitempty"`
	CreatedBy       string                  `json:"createdBy,omitempty"`
	Metadata        map[string]any          `json:"metadata,omitempty"`
	CreatedAt       time.Time               `json:"createdAt"`
	UpdatedAt       time.Time               `json:"updatedAt"`
	PreviousVersion string                  `json:"previousVersion,omitempty"`
}
