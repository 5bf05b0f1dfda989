package engine

import (
	"context"
	"errors"
	"time"

	"github.com/flowmatic-io/flowmatic/pkg/engine/notify"
	"github.com/flowmatic-io/flowmatic/pkg/engine/runtime"
	"github.com/flowmatic-io/flowmatic/pkg/model"
	"github.com/flowmatic-io/flowmatic/pkg/storage"
)

// eventNameOf correlates a catch or throw node with published events; the
// node id is the fallback correlation key.
func eventNameOf(node *model.Node) string {
	if node.EventName != "" {
		return node.EventName
	}
	return node.Id
}

func eventTypeOf(node *model.Node) runtime.EventType {
	if node.EventType != "" {
		return runtime.EventType(node.EventType)
	}
	return runtime.EventTypeMessage
}

// recordNodeSignal appends a signal occurrence for a start or end node.
// Log-write failures are logged, never fatal to the run.
func (engine *Engine) recordNodeSignal(ctx context.Context, batch storage.Batch, instance *runtime.ProcessInstance, node *model.Node) {
	event := runtime.EventOccurrence{
		Key:                engine.generateKey(),
		ProcessInstanceKey: instance.Key,
		Type:               runtime.EventTypeSignal,
		Name:               node.Id,
		OccurredAt:         time.Now(),
		Handled:            true,
	}
	if err := batch.SaveEventOccurrence(ctx, event); err != nil {
		engine.logger.Error("failed to save node signal occurrence",
			"processInstanceKey", instance.Key, "nodeId", node.Id, "error", err)
	}
}

// handleIntermediateCatchEvent suspends the branch: a subscription is
// persisted and the branch stays parked on the node until a matching event
// is published for the instance.
func (engine *Engine) handleIntermediateCatchEvent(ctx context.Context, batch storage.Batch, instance *runtime.ProcessInstance, node *model.Node) error {
	subscription := runtime.EventSubscription{
		Key:                engine.generateKey(),
		ProcessInstanceKey: instance.Key,
		NodeId:             node.Id,
		EventName:          eventNameOf(node),
		State:              runtime.SubscriptionStateActive,
		CreatedAt:          time.Now(),
	}
	if err := batch.SaveEventSubscription(ctx, subscription); err != nil {
		return errors.Join(newEngineErrorf("failed to save event subscription for node %s", node.Id), err)
	}
	// the subscription must be visible before any quiescence check of this run
	if err := batch.Flush(ctx); err != nil {
		return errors.Join(newEngineErrorf("failed to flush event subscription for node %s", node.Id), err)
	}
	instance.EnterNode(node.Id)
	engine.signal(notify.EventWaiting, instance.Key, map[string]any{
		"nodeId":    node.Id,
		"eventName": subscription.EventName,
	})
	return nil
}

// handleIntermediateThrowEvent records the event and lets the branch
// continue immediately.
func (engine *Engine) handleIntermediateThrowEvent(ctx context.Context, batch storage.Batch, instance *runtime.ProcessInstance, node *model.Node) error {
	event := runtime.EventOccurrence{
		Key:                engine.generateKey(),
		ProcessInstanceKey: instance.Key,
		Type:               eventTypeOf(node),
		Name:               eventNameOf(node),
		OccurredAt:         time.Now(),
		Handled:            true,
	}
	if err := batch.SaveEventOccurrence(ctx, event); err != nil {
		return errors.Join(newEngineErrorf("failed to save event occurrence for node %s", node.Id), err)
	}
	engine.signal(notify.EventThrown, instance.Key, map[string]any{
		"nodeId":    node.Id,
		"eventName": event.Name,
	})
	return nil
}

// PublishEvent delivers a named event to one process instance. Branches
// waiting on a matching subscription resume with the payload merged into the
// instance variables; without a waiting branch the occurrence is only
// recorded.
func (engine *Engine) PublishEvent(ctx context.Context, processInstanceKey int64, eventName string, payload map[string]any) error {
	engine.registry.lockInstance(processInstanceKey)
	defer engine.registry.unlockInstance(processInstanceKey)

	instance, err := engine.ProcessInstance(ctx, processInstanceKey)
	if err != nil {
		return err
	}
	if instance.State.IsTerminal() {
		return &InvalidTransitionError{InstanceKey: instance.Key, From: string(instance.State), Op: "publish event to"}
	}

	subscriptions, err := engine.persistence.FindProcessInstanceSubscriptions(ctx, processInstanceKey, runtime.SubscriptionStateActive)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to load subscriptions of instance %d", processInstanceKey), err)
	}
	var matched []runtime.EventSubscription
	for _, subscription := range subscriptions {
		if subscription.EventName == eventName {
			matched = append(matched, subscription)
		}
	}

	event := runtime.EventOccurrence{
		Key:                engine.generateKey(),
		ProcessInstanceKey: processInstanceKey,
		Type:               runtime.EventTypeMessage,
		Name:               eventName,
		OccurredAt:         time.Now(),
		Payload:            payload,
		Handled:            len(matched) > 0,
	}
	if err := engine.persistence.SaveEventOccurrence(ctx, event); err != nil {
		return errors.Join(newEngineErrorf("failed to save event occurrence %s", eventName), err)
	}
	engine.signal(notify.EventRecorded, processInstanceKey, map[string]any{
		"eventName": eventName,
		"handled":   event.Handled,
	})
	if len(matched) == 0 {
		return nil
	}

	var commandQueue []command
	for _, subscription := range matched {
		subscription.State = runtime.SubscriptionStateCompleted
		if err := engine.persistence.SaveEventSubscription(ctx, subscription); err != nil {
			return errors.Join(newEngineErrorf("failed to save subscription %d", subscription.Key), err)
		}
		node := instance.Definition.FindNodeById(subscription.NodeId)
		if node == nil {
			return newEngineErrorf("subscription %d references unknown node %s", subscription.Key, subscription.NodeId)
		}
		commandQueue = append(commandQueue, continueActivityCommand{node: node})
	}
	for key, value := range payload {
		instance.SetVariable(key, value)
	}

	if instance.State == runtime.InstanceStatePaused {
		// the fulfilled branches are picked up on Resume
		return engine.persistence.SaveProcessInstance(ctx, instance)
	}
	return engine.runQueue(ctx, &instance, commandQueue)
}

// Events returns the append-only event log of an instance.
func (engine *Engine) Events(ctx context.Context, processInstanceKey int64) ([]runtime.EventOccurrence, error) {
	return engine.persistence.FindProcessInstanceEvents(ctx, processInstanceKey)
}
