package crmsync

import (
	"context"
	"errors"
	"log"
	"time"
)

// AcceptDelivery records a verified webhook delivery and schedules its
// reconciliation. It returns as soon as the PENDING log entry is appended and
// the task is queued; the external CRM is never called on this path.
func (e *Engine) AcceptDelivery(delivery WebhookDelivery) (SyncLogEntry, error) {
	kind, err := delivery.entityKind()
	if err != nil {
		return SyncLogEntry{}, err
	}
	entry, err := e.store.AppendSyncLog(SyncLogEntry{
		EntityKind: kind,
		ExternalID: delivery.ObjectID,
		Action:     delivery.syncAction(),
		StartedAt:  delivery.OccurredAtTime(),
	})
	if err != nil {
		return SyncLogEntry{}, err
	}
	task := SyncTask{
		TaskID:     newTaskID(),
		Direction:  DirectionInbound,
		EntityKind: kind,
		ExternalID: delivery.ObjectID,
		Action:     delivery.syncAction(),
		SyncLogID:  entry.ID,
		Changes:    delivery.Changes,
	}
	if !e.inbound.TryEnqueue(task) {
		failed, completeErr := e.store.CompleteSyncLog(entry.ID, SyncStatusFailed, "", delivery.ObjectID, "inbound queue full")
		if completeErr != nil {
			log.Printf("sync: complete log %s: %v", entry.ID, completeErr)
			return entry, ErrQueueFull
		}
		return failed, ErrQueueFull
	}
	return entry, nil
}

// RecordRejectedDelivery logs a webhook that failed verification or parsing.
// The entry is created already FAILED so rejected deliveries remain auditable
// without ever touching entity state.
func (e *Engine) RecordRejectedDelivery(reason string) {
	if _, err := e.store.AppendSyncLog(SyncLogEntry{
		Action:       SyncActionWebhookReceived,
		Status:       SyncStatusFailed,
		ErrorMessage: reason,
	}); err != nil {
		log.Printf("sync: record rejected webhook: %v", err)
	}
}

// processInbound fetches the authoritative object from the gateway and
// upserts it locally by external id. The webhook's changes payload is only a
// hint; the fetched state wins.
func (e *Engine) processInbound(ctx context.Context, task SyncTask) {
	if task.Action == SyncActionDelete {
		e.removeFromExternal(task)
		return
	}
	switch task.EntityKind {
	case EntityKindPerson:
		e.pullPerson(ctx, task)
	case EntityKindOrganization:
		e.pullOrganization(ctx, task)
	default:
		log.Printf("sync: dropping inbound task %s with unknown kind %q", task.TaskID, task.EntityKind)
	}
}

func (e *Engine) pullPerson(ctx context.Context, task SyncTask) {
	obj, err := e.crm.FetchContact(ctx, task.ExternalID)
	if err != nil {
		e.failInbound(task, err)
		return
	}
	person, _, err := e.store.UpsertPersonFromExternal(task.ExternalID, personFromProperties(obj.Properties))
	if err != nil {
		e.failInbound(task, err)
		return
	}
	e.completeInbound(task, person.ID)
}

func (e *Engine) pullOrganization(ctx context.Context, task SyncTask) {
	obj, err := e.crm.FetchCompany(ctx, task.ExternalID)
	if err != nil {
		e.failInbound(task, err)
		return
	}
	org, _, err := e.store.UpsertOrganizationFromExternal(task.ExternalID, organizationFromProperties(obj.Properties))
	if err != nil {
		e.failInbound(task, err)
		return
	}
	e.completeInbound(task, org.ID)
}

// removeFromExternal handles delete notifications. The object is already
// gone on the external side, so there is nothing to fetch; the local copy is
// dropped if one is linked.
func (e *Engine) removeFromExternal(task SyncTask) {
	entityID := ""
	switch task.EntityKind {
	case EntityKindPerson:
		if person, ok := e.store.FindPersonByExternalID(task.ExternalID); ok {
			if _, err := e.store.DeletePerson(person.ID); err == nil {
				entityID = person.ID
			}
		}
	case EntityKindOrganization:
		if org, ok := e.store.FindOrganizationByExternalID(task.ExternalID); ok {
			if _, err := e.store.DeleteOrganization(org.ID); err == nil {
				entityID = org.ID
			}
		}
	}
	e.completeInbound(task, entityID)
}

func (e *Engine) completeInbound(task SyncTask, entityID string) {
	if _, err := e.store.CompleteSyncLog(task.SyncLogID, SyncStatusSuccess, entityID, task.ExternalID, ""); err != nil {
		log.Printf("sync: complete log %s: %v", task.SyncLogID, err)
	}
	e.events.Publish(Event{
		Type:       EventSyncCompleted,
		EntityKind: task.EntityKind,
		EntityID:   entityID,
		ExternalID: task.ExternalID,
		SyncLogID:  task.SyncLogID,
		Timestamp:  time.Now().UTC(),
	})
}

// failInbound marks the delivery's log entry FAILED and opens a conflict
// carrying the webhook's raw changed fields, so the external side's intent
// survives for manual resolution even when the gateway is unreachable.
// Reconciliation never reached the merge step, so the conflict carries no
// local snapshot; only the entity link is resolved when one exists.
func (e *Engine) failInbound(task SyncTask, cause error) {
	entityID := ""
	switch task.EntityKind {
	case EntityKindPerson:
		if person, ok := e.store.FindPersonByExternalID(task.ExternalID); ok {
			entityID = person.ID
		}
	case EntityKindOrganization:
		if org, ok := e.store.FindOrganizationByExternalID(task.ExternalID); ok {
			entityID = org.ID
		}
	}
	if _, err := e.store.CompleteSyncLog(task.SyncLogID, SyncStatusFailed, entityID, task.ExternalID, cause.Error()); err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Printf("sync: complete log %s: %v", task.SyncLogID, err)
		}
	}
	conflict, err := e.store.RecordConflict(ConflictRecord{
		EntityKind:     task.EntityKind,
		EntityID:       entityID,
		ExternalID:     task.ExternalID,
		ExternalData:   task.Changes,
		ConflictFields: syncFieldsFor(task.EntityKind),
	})
	if err != nil {
		log.Printf("sync: record conflict for external %s: %v", task.ExternalID, err)
	}
	e.events.Publish(Event{
		Type:       EventSyncFailed,
		EntityKind: task.EntityKind,
		EntityID:   entityID,
		ExternalID: task.ExternalID,
		SyncLogID:  task.SyncLogID,
		Error:      cause.Error(),
		Timestamp:  time.Now().UTC(),
	})
	if conflict.ID != "" {
		e.events.Publish(Event{
			Type:       EventConflictDetected,
			EntityKind: task.EntityKind,
			EntityID:   entityID,
			ExternalID: task.ExternalID,
			ConflictID: conflict.ID,
			Timestamp:  time.Now().UTC(),
		})
	}
}
