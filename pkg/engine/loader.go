package engine

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/flowmatic-io/flowmatic/pkg/model"
)

// DeployDefinitionFromFile loads a process definition file into the engine
// and returns the deployed revision.
func (engine *Engine) DeployDefinitionFromFile(ctx context.Context, filename string) (*model.ProcessDefinition, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to deploy from file: %w", err)
	}
	return engine.DeployDefinition(ctx, data)
}

// DeployDefinition parses, validates and stores a process definition.
// Re-deploying a graph identical to the latest stored revision returns that
// revision unchanged; any other graph is stored under the next version.
func (engine *Engine) DeployDefinition(ctx context.Context, data []byte) (*model.ProcessDefinition, error) {
	definition, err := model.ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("failed to deploy definition: %w", err)
	}

	checksum, err := definitionChecksum(definition)
	if err != nil {
		return nil, err
	}
	existing, err := engine.persistence.FindDefinitionsById(ctx, definition.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to load definitions by id %s: %w", definition.Id, err)
	}
	if len(existing) > 0 {
		latest := existing[len(existing)-1]
		latestChecksum, err := definitionChecksum(&latest)
		if err != nil {
			return nil, err
		}
		if latestChecksum == checksum {
			return &latest, nil
		}
		if definition.Version == "" || definition.Version == latest.Version {
			definition.Version = bumpMinorVersion(latest.Version)
		}
	} else if definition.Version == "" {
		definition.Version = "1.0.0"
	}

	if err := engine.persistence.SaveDefinition(ctx, *definition); err != nil {
		return nil, fmt.Errorf("failed to save process definition: %w", err)
	}
	engine.logger.Info("deployed process definition",
		"processId", definition.Id, "version", definition.Version)
	return definition, nil
}

// definitionChecksum hashes the graph independent of the version label, so
// formatting and version differences alone never create a new revision.
func definitionChecksum(definition *model.ProcessDefinition) ([16]byte, error) {
	canonical := *definition
	canonical.Version = ""
	data, err := json.Marshal(canonical)
	if err != nil {
		return [16]byte{}, fmt.Errorf("failed to hash definition %s: %w", definition.Id, err)
	}
	return md5.Sum(data), nil
}

// bumpMinorVersion increments the minor component of a dotted version
// label. Labels that do not parse restart at 1.0.0.
func bumpMinorVersion(version string) string {
	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return "1.0.0"
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return "1.0.0"
	}
	return fmt.Sprintf("%s.%d.0", parts[0], minor+1)
}
