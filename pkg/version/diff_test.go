package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmatic-io/flowmatic/pkg/engine/runtime"
	"github.com/flowmatic-io/flowmatic/pkg/model"
	"github.com/flowmatic-io/flowmatic/pkg/storage/inmemory"
)

func orderV1() model.ProcessDefinition {
	return model.ProcessDefinition{
		Id:      "order-process",
		Version: "1.0.0",
		Nodes: []model.Node{
			{Id: "start", Type: model.NodeTypeStart},
			{Id: "charge", Type: model.NodeTypeTask, TaskType: "charge-card"},
			{Id: "review", Type: model.NodeTypeTask, TaskType: "manual-review"},
			{Id: "end", Type: model.NodeTypeEnd},
		},
		Edges: []model.Edge{
			{Id: "f1", SourceRef: "start", TargetRef: "charge"},
			{Id: "f2", SourceRef: "charge", TargetRef: "review"},
			{Id: "f3", SourceRef: "review", TargetRef: "end"},
		},
	}
}

// orderV2 drops the charge task, rewires the flow and changes the review
// task type.
func orderV2() model.ProcessDefinition {
	return model.ProcessDefinition{
		Id:      "order-process",
		Version: "2.0.0",
		Nodes: []model.Node{
			{Id: "start", Type: model.NodeTypeStart},
			{Id: "review", Type: model.NodeTypeTask, TaskType: "automated-review"},
			{Id: "notify", Type: model.NodeTypeTask, TaskType: "send-notification"},
			{Id: "end", Type: model.NodeTypeEnd},
		},
		Edges: []model.Edge{
			{Id: "f1", SourceRef: "start", TargetRef: "review"},
			{Id: "f3", SourceRef: "review", TargetRef: "notify"},
			{Id: "f4", SourceRef: "notify", TargetRef: "end"},
		},
	}
}

func seedOrderVersions(t *testing.T, store *inmemory.Storage) *Service {
	t.Helper()
	service := NewService(store)
	seedRecordWithDefinition(t, store, orderV1(), runtime.VersionStatusActive)
	seedRecordWithDefinition(t, store, orderV2(), runtime.VersionStatusDraft)
	return service
}

func seedRecordWithDefinition(t *testing.T, store *inmemory.Storage, definition model.ProcessDefinition, status runtime.VersionStatus) {
	t.Helper()
	require.NoError(t, store.SaveVersionRecord(t.Context(), runtime.VersionRecord{
		ProcessId:  definition.Id,
		Version:    definition.Version,
		Definition: definition,
		Status:     status,
	}))
}

func nodeIds(nodes []model.Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, node := range nodes {
		ids = append(ids, node.Id)
	}
	return ids
}

func edgeIds(edges []model.Edge) []string {
	ids := make([]string, 0, len(edges))
	for _, edge := range edges {
		ids = append(ids, edge.Id)
	}
	return ids
}

func TestCompareVersionsDetectsStructuralChanges(t *testing.T) {
	store := inmemory.NewStorage()
	service := seedOrderVersions(t, store)

	// when
	diff, err := service.CompareVersions(t.Context(), "order-process", "1.0.0", "2.0.0")
	require.NoError(t, err)

	// then
	assert.True(t, diff.HasChanges())
	assert.Equal(t, []string{"notify"}, nodeIds(diff.AddedNodes))
	assert.Equal(t, []string{"charge"}, nodeIds(diff.RemovedNodes))
	require.Len(t, diff.ModifiedNodes, 1)
	assert.Equal(t, "review", diff.ModifiedNodes[0].Id)
	assert.Equal(t, "manual-review", diff.ModifiedNodes[0].Old.TaskType)
	assert.Equal(t, "automated-review", diff.ModifiedNodes[0].New.TaskType)
	assert.NotEmpty(t, diff.ModifiedNodes[0].Detail)

	assert.Equal(t, []string{"f4"}, edgeIds(diff.AddedEdges))
	assert.Equal(t, []string{"f2"}, edgeIds(diff.RemovedEdges))
	require.Len(t, diff.ModifiedEdges, 2)
}

func TestCompareVersionsIsOriented(t *testing.T) {
	store := inmemory.NewStorage()
	service := seedOrderVersions(t, store)

	forward, err := service.CompareVersions(t.Context(), "order-process", "1.0.0", "2.0.0")
	require.NoError(t, err)
	backward, err := service.CompareVersions(t.Context(), "order-process", "2.0.0", "1.0.0")
	require.NoError(t, err)

	// swapping the arguments swaps added and removed
	assert.ElementsMatch(t, nodeIds(forward.AddedNodes), nodeIds(backward.RemovedNodes))
	assert.ElementsMatch(t, nodeIds(forward.RemovedNodes), nodeIds(backward.AddedNodes))
	assert.ElementsMatch(t, edgeIds(forward.AddedEdges), edgeIds(backward.RemovedEdges))
	assert.ElementsMatch(t, edgeIds(forward.RemovedEdges), edgeIds(backward.AddedEdges))
}

func TestCompareVersionsIdenticalRevisions(t *testing.T) {
	store := inmemory.NewStorage()
	service := NewService(store)
	seedRecordWithDefinition(t, store, orderV1(), runtime.VersionStatusActive)

	diff, err := service.CompareVersions(t.Context(), "order-process", "1.0.0", "1.0.0")
	require.NoError(t, err)
	assert.False(t, diff.HasChanges())
}

func TestCompareVersionsUnknownRevision(t *testing.T) {
	store := inmemory.NewStorage()
	service := NewService(store)
	seedRecordWithDefinition(t, store, orderV1(), runtime.VersionStatusActive)

	_, err := service.CompareVersions(t.Context(), "order-process", "1.0.0", "7.0.0")
	assert.Error(t, err)
}
