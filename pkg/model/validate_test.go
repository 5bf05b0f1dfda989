package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() ProcessDefinition {
	return ProcessDefinition{
		Id:      "order-process",
		Version: "1.0.0",
		Nodes: []Node{
			{Id: "start", Type: NodeTypeStart},
			{Id: "charge", Type: NodeTypeTask, TaskType: "charge-card"},
			{Id: "end", Type: NodeTypeEnd},
		},
		Edges: []Edge{
			{Id: "f1", SourceRef: "start", TargetRef: "charge"},
			{Id: "f2", SourceRef: "charge", TargetRef: "end"},
		},
	}
}

func TestValidateAcceptsWellFormedDefinition(t *testing.T) {
	definition := validDefinition()
	assert.NoError(t, definition.Validate())
}

func TestValidateAllowsTaskWithoutTaskType(t *testing.T) {
	// a task without a type is dispatched to a handler registered by node id
	definition := validDefinition()
	definition.Nodes[1].TaskType = ""
	assert.NoError(t, definition.Validate())
}

func TestValidateRejectsBrokenDefinitions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ProcessDefinition)
		msg    string
	}{
		{
			name:   "no nodes",
			mutate: func(d *ProcessDefinition) { d.Nodes = nil },
			msg:    "no nodes",
		},
		{
			name: "node without id",
			mutate: func(d *ProcessDefinition) {
				d.Nodes = append(d.Nodes, Node{Type: NodeTypeTask, TaskType: "x"})
			},
			msg: "node without id",
		},
		{
			name: "duplicate node id",
			mutate: func(d *ProcessDefinition) {
				d.Nodes = append(d.Nodes, Node{Id: "charge", Type: NodeTypeTask, TaskType: "x"})
			},
			msg: "duplicate node id charge",
		},
		{
			name: "no start node",
			mutate: func(d *ProcessDefinition) {
				d.Nodes[0].Type = NodeTypeEnd
			},
			msg: "exactly one start node",
		},
		{
			name: "two start nodes",
			mutate: func(d *ProcessDefinition) {
				d.Nodes = append(d.Nodes, Node{Id: "start2", Type: NodeTypeStart})
			},
			msg: "exactly one start node",
		},
		{
			name: "edge with unknown source",
			mutate: func(d *ProcessDefinition) {
				d.Edges[0].SourceRef = "ghost"
			},
			msg: "unknown source node ghost",
		},
		{
			name: "edge with unknown target",
			mutate: func(d *ProcessDefinition) {
				d.Edges[1].TargetRef = "ghost"
			},
			msg: "unknown target node ghost",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			definition := validDefinition()
			test.mutate(&definition)
			err := definition.Validate()
			require.Error(t, err)
			var invalid *InvalidDefinitionError
			assert.ErrorAs(t, err, &invalid)
			assert.Contains(t, err.Error(), test.msg)
		})
	}
}

func TestParseDefinition(t *testing.T) {
	definition, err := ParseDefinition([]byte(`{
		"id": "order-process",
		"version": "1.0.0",
		"nodes": [
			{"id": "start", "type": "start"},
			{"id": "charge", "type": "task", "taskType": "charge-card"},
			{"id": "end", "type": "end"}
		],
		"edges": [
			{"id": "f1", "sourceRef": "start", "targetRef": "charge"},
			{"id": "f2", "sourceRef": "charge", "targetRef": "end"}
		]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "order-process", definition.Id)
	assert.Len(t, definition.Nodes, 3)
	assert.Equal(t, NodeTypeTask, definition.Nodes[1].Type)
}

func TestParseDefinitionRejectsMalformedJson(t *testing.T) {
	_, err := ParseDefinition([]byte(`{"id": `))
	assert.Error(t, err)
}

func TestParseDefinitionValidates(t *testing.T) {
	_, err := ParseDefinition([]byte(`{"id": "x", "version": "1.0.0", "nodes": []}`))
	var invalid *InvalidDefinitionError
	assert.ErrorAs(t, err, &invalid)
}

func TestGraphAccessors(t *testing.T) {
	definition := validDefinition()

	assert.Equal(t, "charge", definition.FindNodeById("charge").Id)
	assert.Nil(t, definition.FindNodeById("ghost"))

	starts := definition.FindStartNodes()
	require.Len(t, starts, 1)
	assert.Equal(t, "start", starts[0].Id)

	outgoing := definition.FindOutgoingEdges("charge")
	require.Len(t, outgoing, 1)
	assert.Equal(t, "f2", outgoing[0].Id)

	assert.Equal(t, "f1", definition.FindEdgeById("f1").Id)
	assert.Nil(t, definition.FindEdgeById("ghost"))

	assert.Nil(t, definition.FindDefaultEdge("charge"))
	definition.Edges[1].Default = true
	require.NotNil(t, definition.FindDefaultEdge("charge"))
	assert.Equal(t, "f2", definition.FindDefaultEdge("charge").Id)
}
