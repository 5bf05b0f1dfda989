package model

// NodeType enumerates the node kinds the orchestrator knows how to execute.
type NodeType string

const (
	NodeTypeStart                  NodeType = "start"
	NodeTypeEnd                    NodeType = "end"
	NodeTypeTask                   NodeType = "task"
	NodeTypeExclusiveGateway       NodeType = "exclusiveGateway"
	NodeTypeParallelGateway        NodeType = "parallelGateway"
	NodeTypeInclusiveGateway       NodeType = "inclusiveGateway"
	NodeTypeIntermediateCatchEvent NodeType = "intermediateCatchEvent"
	NodeTypeIntermediateThrowEvent NodeType = "intermediateThrowEvent"
)

// ProcessDefinition is an immutable graph of nodes and directed edges.
// A new revision of a process is a new ProcessDefinition value with a bumped
// Version; definitions are never edited in place.
type ProcessDefinition struct {
	Id      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version"`
	Nodes   []Node `json:"nodes"`
	Edges   []Edge `json:"edges"`
}

type Node struct {
	Id   string   `json:"id"`
	Type NodeType `json:"type"`
	Name string   `json:"name,omitempty"`
	// TaskType routes task nodes to an executor handler; empty for non-task nodes.
	TaskType string `json:"taskType,omitempty"`
	// EventName correlates intermediate catch/throw events with published events.
	EventName string `json:"eventName,omitempty"`
	// EventType of an intermediate throw event (message, signal, error, ...).
	EventType            string               `json:"eventType,omitempty"`
	RequiredCapabilities []string             `json:"requiredCapabilities,omitempty"`
	Assignee             string               `json:"assignee,omitempty"`
	Compensation         *CompensationHandler `json:"compensation,omitempty"`
	Data                 map[string]any       `json:"data,omitempty"`
}

type Edge struct {
	Id        string `json:"id"`
	SourceRef string `json:"sourceRef"`
	TargetRef string `json:"targetRef"`
	// Condition is a FEEL boolean expression over the instance variables.
	Condition string `json:"condition,omitempty"`
	// Default marks the flow taken when no condition of a gateway matches.
	Default bool `json:"default,omitempty"`
}

// CompensationHandler is the declared undo-logic of a node, executed in
// reverse chronological order when a process is rolled back.
type CompensationHandler struct {
	TaskType     string      `json:"taskType"`
	InputMapping []IoMapping `json:"inputMapping,omitempty"`
}

// IoMapping maps a value into a target variable. A Source prefixed with "="
// is evaluated as an expression over the source scope, anything else is
// passed through as a static value.
type IoMapping struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// FindNodeById returns the node with the given id, or nil.
func (d *ProcessDefinition) FindNodeById(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].Id == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// FindStartNodes returns all nodes of type start, preserving declaration order.
func (d *ProcessDefinition) FindStartNodes() []Node {
	var res []Node
	for _, n := range d.Nodes {
		if n.Type == NodeTypeStart {
			res = append(res, n)
		}
	}
	return res
}

// FindOutgoingEdges returns the outgoing edges of a node in declaration order.
func (d *ProcessDefinition) FindOutgoingEdges(nodeId string) []Edge {
	var res []Edge
	for _, e := range d.Edges {
		if e.SourceRef == nodeId {
			res = append(res, e)
		}
	}
	return res
}

// FindDefaultEdge returns the outgoing edge flagged as default flow, or nil.
func (d *ProcessDefinition) FindDefaultEdge(nodeId string) *Edge {
	for i := range d.Edges {
		if d.Edges[i].SourceRef == nodeId && d.Edges[i].Default {
			return &d.Edges[i]
		}
	}
	return nil
}

// FindEdgeById returns the edge with the given id, or nil.
func (d *ProcessDefinition) FindEdgeById(id string) *Edge {
	for i := range d.Edges {
		if d.Edges[i].Id == id {
			return &d.Edges[i]
		}
	}
	return nil
}
