package runtime

import (
	"time"

	"github.com/flowmatic-io/flowmatic/pkg/model"
)

// InstanceState of a process instance. Completed, Failed and Cancelled are
// terminal; a terminal instance is never mutated again, except for metadata
// annotation during compensation.
type InstanceState string

const (
	InstanceStateRunning   InstanceState = "RUNNING"
	InstanceStatePaused    InstanceState = "PAUSED"
	InstanceStateCompleted InstanceState = "COMPLETED"
	InstanceStateFailed    InstanceState = "FAILED"
	InstanceStateCancelled InstanceState = "CANCELLED"
)

// IsTerminal reports whether the state permits no further transitions.
func (s InstanceState) IsTerminal() bool {
	return s == InstanceStateCompleted || s == InstanceStateFailed || s == InstanceStateCancelled
}

// ProcessInstance is one execution of a ProcessDefinition.
// CurrentNodeIds is empty iff the instance is in a terminal state.
type ProcessInstance struct {
	Definition     *model.ProcessDefinition `json:"-"`
	Key            int64                    `json:"key"`
	ProcessId      string                   `json:"processId"`
	Version        string                   `json:"version"`
	State          InstanceState            `json:"state"`
	VariableHolder VariableHolder           `json:"variables,omitempty"`
	CurrentNodeIds []string                 `json:"currentNodeIds,omitempty"`
	CreatedAt      time.Time                `json:"createdAt"`
	CompletedAt    *time.Time               `json:"completedAt,omitempty"`
	BusinessKey    string                   `json:"businessKey,omitempty"`
	Priority       int                      `json:"priority,omitempty"`
	Metadata       map[string]any           `json:"metadata,omitempty"`
	ErrorMessage   string                   `json:"errorMessage,omitempty"`
}

func (pi *ProcessInstance) GetKey() int64 {
	return pi.Key
}

// GetState returns one of [ Running, Paused, Completed, Failed, Cancelled ].
func (pi *ProcessInstance) GetState() InstanceState {
	return pi.State
}

func (pi *ProcessInstance) GetVariable(key string) any {
	return pi.VariableHolder.GetVariable(key)
}

func (pi *ProcessInstance) SetVariable(key string, value any) {
	pi.VariableHolder.SetVariable(key, value)
}

// SetMetadata lazily initialises the metadata bag.
func (pi *ProcessInstance) SetMetadata(key string, value any) {
	if pi.Metadata == nil {
		pi.Metadata = make(map[string]any)
	}
	pi.Metadata[key] = value
}

// EnterNode records a node id into the currently-executing set.
func (pi *ProcessInstance) EnterNode(nodeId string) {
	for _, id := range pi.CurrentNodeIds {
		if id == nodeId {
			return
		}
	}
	pi.CurrentNodeIds = append(pi.CurrentNodeIds, nodeId)
}

// LeaveNode removes a node id from the currently-executing set.
func (pi *ProcessInstance) LeaveNode(nodeId string) {
	for i, id := range pi.CurrentNodeIds {
		if id == nodeId {
			pi.CurrentNodeIds = append(pi.CurrentNodeIds[:i], pi.CurrentNodeIds[i+1:]...)
			return
		}
	}
}

// TaskState of a task instance.
type TaskState string

const (
	TaskStateActive    TaskState = "ACTIVE"
	TaskStateCompleted TaskState = "COMPLETED"
	TaskStateFailed    TaskState = "FAILED"
	TaskStateCancelled TaskState = "CANCELLED"
)

// TaskInstance is one execution attempt of a task node. A retry creates a
// new TaskInstance referencing the same node; instances are never reused.
type TaskInstance struct {
	Key                int64          `json:"key"`
	ProcessInstanceKey int64          `json:"processInstanceKey"`
	NodeId             string         `json:"nodeId"`
	TaskType           string         `json:"taskType"`
	State              TaskState      `json:"state"`
	Assignee           string         `json:"assignee,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	CompletedAt        *time.Time     `json:"completedAt,omitempty"`
	Variables          map[string]any `json:"variables,omitempty"`
	Result             map[string]any `json:"result,omitempty"`
	ErrorMessage       string         `json:"errorMessage,omitempty"`
}

func (t TaskInstance) GetKey() int64 {
	return t.Key
}

func (t TaskInstance) GetState() TaskState {
	return t.State
}

// EventType of an event occurrence.
type EventType string

const (
	EventTypeMessage      EventType = "message"
	EventTypeTimer        EventType = "timer"
	EventTypeSignal       EventType = "signal"
	EventTypeError        EventType = "error"
	EventTypeEscalation   EventType = "escalation"
	EventTypeConditional  EventType = "conditional"
	EventTypeCompensation EventType = "compensation"
)

// EventOccurrence is an append-only log entry of an event observed by an
// instance.
type EventOccurrence struct {
	Key                int64          `json:"key"`
	ProcessInstanceKey int64          `json:"processInstanceKey"`
	Type               EventType      `json:"type"`
	Name               string         `json:"name"`
	OccurredAt         time.Time      `json:"occurredAt"`
	Payload            map[string]any `json:"payload,omitempty"`
	Handled            bool           `json:"handled"`
}

const SnapshotKindCheckpoint = "checkpoint"

// VariableSnapshot is a point-in-time copy of an instance's variable bag,
// taken for audit and rollback inspection. Append-only, never mutated.
type VariableSnapshot struct {
	Key                int64          `json:"key"`
	ProcessInstanceKey int64          `json:"processInstanceKey"`
	TakenAt            time.Time      `json:"takenAt"`
	Variables          map[string]any `json:"variables"`
	Reason             string         `json:"reason"`
	Kind               string         `json:"kind"`
}

// SubscriptionState of an event subscription.
type SubscriptionState string

const (
	SubscriptionStateActive    SubscriptionState = "ACTIVE"
	SubscriptionStateCompleted SubscriptionState = "COMPLETED"
	SubscriptionStateCancelled SubscriptionState = "CANCELLED"
)

// EventSubscription is created when a branch reaches an intermediate catch
// event. The branch stays suspended until a matching event occurrence is
// recorded for the instance.
type EventSubscription struct {
	Key                int64             `json:"key"`
	ProcessInstanceKey int64             `json:"processInstanceKey"`
	NodeId             string            `json:"nodeId"`
	EventName          string            `json:"eventName"`
	State              SubscriptionState `json:"state"`
	CreatedAt          time.Time         `json:"createdAt"`
}

func (s EventSubscription) GetKey() int64 {
	return s.Key
}
