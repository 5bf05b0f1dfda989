package engine

import "fmt"

type EngineError struct {
	Msg string
}

func (e *EngineError) Error() string {
	return e.Msg
}

// newEngineErrorf uses fmt.Sprintf(format, a...) to format the message
func newEngineErrorf(format string, a ...any) error {
	return &EngineError{
		Msg: fmt.Sprintf(format, a...),
	}
}

// CapacityExceededError is returned by StartProcess when the configured
// ceiling of concurrently running instances has been reached. The call is
// fatal but retryable later.
type CapacityExceededError struct {
	Limit int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("running process instance limit of %d reached", e.Limit)
}

// NoMatchingBranchError is returned when an exclusive gateway has no edge
// whose condition evaluates to true and no default edge. It fails the
// owning instance. EvaluatedEdges lists the edges whose conditions were
// checked before giving up.
type NoMatchingBranchError struct {
	NodeId         string
	EvaluatedEdges string
}

func (e *NoMatchingBranchError) Error() string {
	if e.EvaluatedEdges != "" {
		return fmt.Sprintf("no matching branch and no default edge at gateway %s, evaluated %s", e.NodeId, e.EvaluatedEdges)
	}
	return fmt.Sprintf("no matching branch and no default edge at gateway %s", e.NodeId)
}

// InvalidTransitionError is returned by lifecycle operations called in a
// state that does not permit them. The instance state is left unchanged.
type InvalidTransitionError struct {
	InstanceKey int64
	From        string
	Op          string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s process instance %d in state %s", e.Op, e.InstanceKey, e.From)
}

// ExecutionFailedError is raised by a task executor when the assigned work
// could not be performed. It fails the owning instance unless a
// compensation path recovers it.
type ExecutionFailedError struct {
	TaskKey int64
	NodeId  string
	Msg     string
}

func (e *ExecutionFailedError) Error() string {
	if e.NodeId != "" {
		return fmt.Sprintf("task %s failed: %s", e.NodeId, e.Msg)
	}
	return e.Msg
}

// ExpressionEvaluationError wraps a failure to evaluate a condition or
// mapping expression.
type ExpressionEvaluationError struct {
	Msg string
	Err error
}

func (e *ExpressionEvaluationError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ExpressionEvaluationError) Unwrap() error {
	return e.Err
}
