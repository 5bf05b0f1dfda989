package engine

import "github.com/flowmatic-io/flowmatic/pkg/model"

type command interface {
}

// ---------------------------------------------------------------------

// flowTransitionCommand moves a token over one edge of the graph.
type flowTransitionCommand struct {
	sourceNodeId string
	edge         model.Edge
}

// ---------------------------------------------------------------------

// activityCommand executes one node.
type activityCommand struct {
	node         *model.Node
	originNodeId string
}

// ---------------------------------------------------------------------

// continueActivityCommand resumes a previously suspended node, e.g. a catch
// event whose subscription was fulfilled or an asynchronous task that
// completed.
type continueActivityCommand struct {
	node *model.Node
}

// ---------------------------------------------------------------------

type errorCommand struct {
	err    error
	nodeId string
}
