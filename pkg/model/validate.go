package model

import "fmt"

// InvalidDefinitionError is returned when a definition cannot be executed.
// It is raised before any process instance is created.
type InvalidDefinitionError struct {
	ProcessId string
	Msg       string
}

func (e *InvalidDefinitionError) Error() string {
	return fmt.Sprintf("invalid process definition %s: %s", e.ProcessId, e.Msg)
}

func newInvalidDefinitionErrorf(processId string, format string, a ...any) error {
	return &InvalidDefinitionError{
		ProcessId: processId,
		Msg:       fmt.Sprintf(format, a...),
	}
}

// Validate checks the structural invariants of a definition:
// a non-empty node list, exactly one start node, unique node ids and
// edge endpoints that resolve to declared nodes. A task node may omit its
// TaskType; such tasks are dispatched to handlers registered by node id.
func (d *ProcessDefinition) Validate() error {
	if len(d.Nodes) == 0 {
		return newInvalidDefinitionErrorf(d.Id, "definition has no nodes")
	}
	seen := make(map[string]bool, len(d.Nodes))
	startCount := 0
	for _, n := range d.Nodes {
		if n.Id == "" {
			return newInvalidDefinitionErrorf(d.Id, "node without id")
		}
		if seen[n.Id] {
			return newInvalidDefinitionErrorf(d.Id, "duplicate node id %s", n.Id)
		}
		seen[n.Id] = true
		if n.Type == NodeTypeStart {
			startCount++
		}
	}
	if startCount != 1 {
		return newInvalidDefinitionErrorf(d.Id, "definition must have exactly one start node, found %d", startCount)
	}
	for _, e := range d.Edges {
		if !seen[e.SourceRef] {
			return newInvalidDefinitionErrorf(d.Id, "edge %s references unknown source node %s", e.Id, e.SourceRef)
		}
		if !seen[e.TargetRef] {
			return newInvalidDefinitionErrorf(d.Id, "edge %s references unknown target node %s", e.Id, e.TargetRef)
		}
	}
	return nil
}
