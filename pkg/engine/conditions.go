package engine

import (
	"fmt"
	"strings"

	"github.com/flowmatic-io/flowmatic/pkg/expr"
	"github.com/flowmatic-io/flowmatic/pkg/model"
)

// exclusivelyFilterByCondition picks at most one outgoing edge of an
// exclusive gateway. Conditions are evaluated in declaration order and the
// first edge whose condition holds wins; an edge without a condition matches
// unconditionally. When nothing matches the default edge is taken, and
// without one the gateway raises NoMatchingBranchError.
func exclusivelyFilterByCondition(definition *model.ProcessDefinition, node *model.Node, edges []model.Edge, variableContext map[string]any) ([]model.Edge, error) {
	var ret []model.Edge
	edgeIds := strings.Builder{}
	for _, edge := range edges {
		if edge.Default {
			continue
		}
		if edge.Condition != "" {
			edgeIds.WriteString(fmt.Sprintf("[id='%s']", edge.Id))
			out, err := expr.EvaluateBoolean(edge.Condition, variableContext)
			if err != nil {
				return nil, &ExpressionEvaluationError{
					Msg: fmt.Sprintf("error evaluating condition on edge id='%s'", edge.Id),
					Err: err,
				}
			}
			if out {
				ret = append(ret, edge)
				break
			}
		} else {
			// an unconditional edge always matches
			ret = append(ret, edge)
			break
		}
	}
	if len(ret) == 0 {
		defaultEdge := definition.FindDefaultEdge(node.Id)
		if defaultEdge == nil {
			return nil, &NoMatchingBranchError{NodeId: node.Id, EvaluatedEdges: edgeIds.String()}
		}
		ret = append(ret, *defaultEdge)
	}
	return ret, nil
}

// inclusivelyFilterByCondition picks every outgoing edge of an inclusive
// gateway whose condition holds. The true evaluation of one condition does
// not exclude the others. When no condition holds the default edge is taken;
// without one the result is empty, which ends the branch.
func inclusivelyFilterByCondition(definition *model.ProcessDefinition, node *model.Node, edges []model.Edge, variableContext map[string]any) ([]model.Edge, error) {
	var ret []model.Edge
	for _, edge := range edges {
		if edge.Default {
			continue
		}
		if edge.Condition != "" {
			out, err := expr.EvaluateBoolean(edge.Condition, variableContext)
			if err != nil {
				return nil, &ExpressionEvaluationError{
					Msg: fmt.Sprintf("error evaluating condition on edge id='%s'", edge.Id),
					Err: err,
				}
			}
			if out {
				ret = append(ret, edge)
			}
		} else {
			ret = append(ret, edge)
		}
	}
	if len(ret) == 0 {
		if defaultEdge := definition.FindDefaultEdge(node.Id); defaultEdge != nil {
			ret = append(ret, *defaultEdge)
		}
	}
	return ret, nil
}
