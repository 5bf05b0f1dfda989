package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// ParseDefinition unmarshals a JSON process definition and validates it.
func ParseDefinition(data []byte) (*ProcessDefinition, error) {
	var def ProcessDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal process definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseDefinitionFromFile reads and parses a JSON process definition file.
func ParseDefinitionFromFile(filename string) (*ProcessDefinition, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load definition from file: %w", err)
	}
	return ParseDefinition(data)
}
