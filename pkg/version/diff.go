package version

import (
	"context"
	"fmt"

	"github.com/google/go-cmp/cmp"

	"github.com/flowmatic-io/flowmatic/pkg/model"
)

// NodeChange pairs the old and new payload of a node present in both
// revisions but deep-unequal between them. Detail carries a human-readable
// description of the differing fields.
type NodeChange struct {
	Id     string
	Old    model.Node
	New    model.Node
	Detail string
}

// EdgeChange pairs the old and new payload of a modified edge.
type EdgeChange struct {
	Id     string
	Old    model.Edge
	New    model.Edge
	Detail string
}

// Diff is the structural difference between two revisions. It is oriented:
// added means present in the second argument only, removed present in the
// first only. Swapping the arguments inverts added and removed while
// modified pairs swap their old/new orientation.
type Diff struct {
	ProcessId     string
	FromVersion   string
	ToVersion     string
	AddedNodes    []model.Node
	RemovedNodes  []model.Node
	ModifiedNodes []NodeChange
	AddedEdges    []model.Edge
	RemovedEdges  []model.Edge
	ModifiedEdges []EdgeChange
}

// HasChanges reports whether the two revisions differ structurally.
func (d *Diff) HasChanges() bool {
	return len(d.AddedNodes)+len(d.RemovedNodes)+len(d.ModifiedNodes)+
		len(d.AddedEdges)+len(d.RemovedEdges)+len(d.ModifiedEdges) > 0
}

// CompareVersions computes the structural diff between two stored revisions
// of a process by node and edge identifier set membership.
func (service *Service) CompareVersions(ctx context.Context, processId string, v1 string, v2 string) (*Diff, error) {
	from, err := service.persistence.FindVersionRecord(ctx, processId, v1)
	if err != nil {
		return nil, fmt.Errorf("failed to find version %s of %s: %w", v1, processId, err)
	}
	to, err := service.persistence.FindVersionRecord(ctx, processId, v2)
	if err != nil {
		return nil, fmt.Errorf("failed to find version %s of %s: %w", v2, processId, err)
	}
	diff := diffDefinitions(&from.Definition, &to.Definition)
	diff.ProcessId = processId
	diff.FromVersion = v1
	diff.ToVersion = v2
	return diff, nil
}

func diffDefinitions(from *model.ProcessDefinition, to *model.ProcessDefinition) *Diff {
	diff := &Diff{}

	for _, node := range to.Nodes {
		old := from.FindNodeById(node.Id)
		if old == nil {
			diff.AddedNodes = append(diff.AddedNodes, node)
			continue
		}
		if detail := cmp.Diff(*old, node); detail != "" {
			diff.ModifiedNodes = append(diff.ModifiedNodes, NodeChange{
				Id:     node.Id,
				Old:    *old,
				New:    node,
				Detail: detail,
			})
		}
	}
	for _, node := range from.Nodes {
		if to.FindNodeById(node.Id) == nil {
			diff.RemovedNodes = append(diff.RemovedNodes, node)
		}
	}

	for _, edge := range to.Edges {
		old := from.FindEdgeById(edge.Id)
		if old == nil {
			diff.AddedEdges = append(diff.AddedEdges, edge)
			continue
		}
		if detail := cmp.Diff(*old, edge); detail != "" {
			diff.ModifiedEdges = append(diff.ModifiedEdges, EdgeChange{
				Id:     edge.Id,
				Old:    *old,
				New:    edge,
				Detail: detail,
			})
		}
	}
	for _, edge := range from.Edges {
		if to.FindEdgeById(edge.Id) == nil {
			diff.RemovedEdges = append(diff.RemovedEdges, edge)
		}
	}
	return diff
}
