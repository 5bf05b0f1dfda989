package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// Task is the unit of work handed to a TaskExecutor. The engine does not
// know how tasks are matched to concrete workers; capability-based dispatch
// is the executor's concern.
type Task struct {
	Key                  int64
	NodeId               string
	Type                 string
	Data                 map[string]any
	RequiredCapabilities []string
	Priority             int
	Metadata             map[string]any
	Variables            map[string]any
}

// ErrTaskPending is returned by a TaskExecutor that accepted a task for
// asynchronous execution. The owning branch stays suspended until
// CompleteTask or FailTask is called for the task instance.
var ErrTaskPending = errors.New("task accepted for asynchronous execution")

// TaskExecutor performs the work described by a task. Assign is synchronous
// from the engine's perspective: it returns the result variables, an
// ExecutionFailedError (or any other error) on failure, or ErrTaskPending
// when execution continues out of band.
type TaskExecutor interface {
	Assign(ctx context.Context, task Task) (map[string]any, error)
}

// TaskHandler performs one task inline and returns its result variables.
type TaskHandler func(ctx context.Context, task Task) (map[string]any, error)

type taskHandlerType string

const (
	taskHandlerForId   taskHandlerType = "TASK_HANDLER_ID"
	taskHandlerForType taskHandlerType = "TASK_HANDLER_TYPE"
)

type registeredHandler struct {
	handlerType taskHandlerType
	matches     func(task Task) bool
	handler     TaskHandler
}

// HandlerExecutor is a local TaskExecutor backed by registered handler
// functions, so an engine is runnable without external worker
// infrastructure. Tasks without a matching handler are left pending.
type HandlerExecutor struct {
	mu       sync.RWMutex
	handlers []*registeredHandler
}

func NewHandlerExecutor() *HandlerExecutor {
	return &HandlerExecutor{}
}

var _ TaskExecutor = &HandlerExecutor{}

type NewTaskHandlerCommand2 interface {
	// Handler is the actual handler to be executed
	Handler(handler TaskHandler) *registeredHandler
}

type NewTaskHandlerCommand1 interface {
	// Id defines a handler for a given node ID.
	// This is a 1:1 relation between a handler and a task node.
	Id(id string) NewTaskHandlerCommand2

	// Type defines a handler for task nodes with a given task type.
	// This allows a single handler to be used for multiple task nodes.
	Type(taskType string) NewTaskHandlerCommand2
}

type newTaskHandlerCommand struct {
	handlerType taskHandlerType
	matcher     func(task Task) bool
	append      func(handler *registeredHandler)
}

// NewTaskHandler registers a handler function for matching tasks.
func (e *HandlerExecutor) NewTaskHandler() NewTaskHandlerCommand1 {
	return newTaskHandlerCommand{
		append: func(handler *registeredHandler) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.handlers = append(e.handlers, handler)
		},
	}
}

// Id implements NewTaskHandlerCommand1
func (thc newTaskHandlerCommand) Id(id string) NewTaskHandlerCommand2 {
	thc.matcher = func(task Task) bool {
		return task.NodeId == id
	}
	thc.handlerType = taskHandlerForId
	return thc
}

// Type implements NewTaskHandlerCommand1
func (thc newTaskHandlerCommand) Type(taskType string) NewTaskHandlerCommand2 {
	thc.matcher = func(task Task) bool {
		return task.Type == taskType
	}
	thc.handlerType = taskHandlerForType
	return thc
}

// Handler implements NewTaskHandlerCommand2
func (thc newTaskHandlerCommand) Handler(f TaskHandler) *registeredHandler {
	h := registeredHandler{
		handlerType: thc.handlerType,
		matches:     thc.matcher,
		handler:     f,
	}
	thc.append(&h)
	return &h
}

// RemoveHandler removes the handler created by Handler method
func (e *HandlerExecutor) RemoveHandler(handler *registeredHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, h := range e.handlers {
		if h == handler {
			e.handlers = slices.Delete(e.handlers, i, i+1)
			return
		}
	}
}

// Assign implements TaskExecutor. Id handlers take precedence over type
// handlers; a task with no matching handler stays pending.
func (e *HandlerExecutor) Assign(ctx context.Context, task Task) (map[string]any, error) {
	handler := e.findHandler(task)
	if handler == nil {
		return nil, ErrTaskPending
	}
	return handler(ctx, task)
}

func (e *HandlerExecutor) findHandler(task Task) TaskHandler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, handlerType := range []taskHandlerType{taskHandlerForId, taskHandlerForType} {
		for _, handler := range e.handlers {
			if handler.handlerType == handlerType && handler.matches(task) {
				return handler.handler
			}
		}
	}
	return nil
}
