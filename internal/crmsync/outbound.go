package crmsync

import (
	"context"
	"log"
	"time"
)

// SyncPersonOutbound schedules a push of the person's current state to the
// external CRM. The caller's write has already committed; a full queue is
// reported but never rolls the write back.
func (e *Engine) SyncPersonOutbound(personID string) error {
	return e.enqueueOutbound(EntityKindPerson, personID)
}

// SyncOrganizationOutbound schedules a push of the organization's current
// state to the external CRM.
func (e *Engine) SyncOrganizationOutbound(orgID string) error {
	return e.enqueueOutbound(EntityKindOrganization, orgID)
}

func (e *Engine) enqueueOutbound(kind EntityKind, entityID string) error {
	if entityID == "" {
		return ErrInvalidInput
	}
	task := SyncTask{
		TaskID:     newTaskID(),
		Direction:  DirectionOutbound,
		EntityKind: kind,
		EntityID:   entityID,
	}
	if !e.outbound.TryEnqueue(task) {
		log.Printf("sync: outbound queue full, dropping %s %s", kind, entityID)
		// The dropped trigger still has to surface in the sync log.
		externalID := e.entityExternalID(kind, entityID)
		action := SyncActionCreate
		if externalID != "" {
			action = SyncActionUpdate
		}
		if _, err := e.store.AppendSyncLog(SyncLogEntry{
			EntityKind:   kind,
			EntityID:     entityID,
			ExternalID:   externalID,
			Action:       action,
			Status:       SyncStatusFailed,
			ErrorMessage: "outbound queue full",
		}); err != nil {
			log.Printf("sync: record dropped outbound task: %v", err)
		}
		return ErrQueueFull
	}
	return nil
}

func (e *Engine) entityExternalID(kind EntityKind, entityID string) string {
	if kind == EntityKindOrganization {
		org, err := e.store.GetOrganization(entityID)
		if err != nil {
			return ""
		}
		return org.ExternalID
	}
	person, err := e.store.GetPerson(entityID)
	if err != nil {
		return ""
	}
	return person.ExternalID
}

// processOutbound pushes the entity's current state. The action is decided at
// processing time by whether the entity already carries an external id, so a
// create followed by a quick update may push the merged state twice; the
// gateway treats both as upserts against the same record.
func (e *Engine) processOutbound(ctx context.Context, task SyncTask) {
	switch task.EntityKind {
	case EntityKindPerson:
		e.pushPerson(ctx, task)
	case EntityKindOrganization:
		e.pushOrganization(ctx, task)
	default:
		log.Printf("sync: dropping outbound task %s with unknown kind %q", task.TaskID, task.EntityKind)
	}
}

func (e *Engine) pushPerson(ctx context.Context, task SyncTask) {
	person, err := e.store.GetPerson(task.EntityID)
	if err != nil {
		// Deleted before the worker got to it. Nothing to push.
		return
	}
	action := SyncActionCreate
	if person.ExternalID != "" {
		action = SyncActionUpdate
	}
	entry, err := e.store.AppendSyncLog(SyncLogEntry{
		EntityKind: EntityKindPerson,
		EntityID:   person.ID,
		ExternalID: person.ExternalID,
		Action:     action,
	})
	if err != nil {
		log.Printf("sync: append log for person %s: %v", person.ID, err)
		return
	}
	obj, err := e.crm.UpsertContact(ctx, person.ExternalID, personToProperties(person))
	if err != nil {
		e.failOutbound(entry, EntityKindPerson, person.ID, person.ExternalID, personSnapshot(person), err)
		return
	}
	if person.ExternalID == "" && obj.ID != "" {
		if _, err := e.store.SetPersonExternalID(person.ID, obj.ID); err != nil {
			log.Printf("sync: record external id %s for person %s: %v", obj.ID, person.ID, err)
		}
	}
	e.completeOutbound(entry, EntityKindPerson, person.ID, obj.ID)
}

func (e *Engine) pushOrganization(ctx context.Context, task SyncTask) {
	org, err := e.store.GetOrganization(task.EntityID)
	if err != nil {
		return
	}
	action := SyncActionCreate
	if org.ExternalID != "" {
		action = SyncActionUpdate
	}
	entry, err := e.store.AppendSyncLog(SyncLogEntry{
		EntityKind: EntityKindOrganization,
		EntityID:   org.ID,
		ExternalID: org.ExternalID,
		Action:     action,
	})
	if err != nil {
		log.Printf("sync: append log for organization %s: %v", org.ID, err)
		return
	}
	obj, err := e.crm.UpsertCompany(ctx, org.ExternalID, organizationToProperties(org))
	if err != nil {
		e.failOutbound(entry, EntityKindOrganization, org.ID, org.ExternalID, organizationSnapshot(org), err)
		return
	}
	if org.ExternalID == "" && obj.ID != "" {
		if _, err := e.store.SetOrganizationExternalID(org.ID, obj.ID); err != nil {
			log.Printf("sync: record external id %s for organization %s: %v", obj.ID, org.ID, err)
		}
	}
	e.completeOutbound(entry, EntityKindOrganization, org.ID, obj.ID)
}

func (e *Engine) completeOutbound(entry SyncLogEntry, kind EntityKind, entityID, externalID string) {
	if _, err := e.store.CompleteSyncLog(entry.ID, SyncStatusSuccess, entityID, externalID, ""); err != nil {
		log.Printf("sync: complete log %s: %v", entry.ID, err)
	}
	e.events.Publish(Event{
		Type:       EventSyncCompleted,
		EntityKind: kind,
		EntityID:   entityID,
		ExternalID: externalID,
		SyncLogID:  entry.ID,
		Timestamp:  time.Now().UTC(),
	})
}

// failOutbound marks the log entry FAILED and opens an unresolved conflict
// holding the local state that could not be pushed. Exactly one gateway
// attempt per task; retries happen only through conflict resolution.
func (e *Engine) failOutbound(entry SyncLogEntry, kind EntityKind, entityID, externalID string, localData map[string]string, cause error) {
	if _, err := e.store.CompleteSyncLog(entry.ID, SyncStatusFailed, entityID, externalID, cause.Error()); err != nil {
		log.Printf("sync: complete log %s: %v", entry.ID, err)
	}
	conflict, err := e.store.RecordConflict(ConflictRecord{
		EntityKind:     kind,
		EntityID:       entityID,
		ExternalID:     externalID,
		LocalData:      localData,
		ConflictFields: syncFieldsFor(kind),
	})
	if err != nil {
		log.Printf("sync: record conflict for %s %s: %v", kind, entityID, err)
	}
	e.events.Publish(Event{
		Type:       EventSyncFailed,
		EntityKind: kind,
		EntityID:   entityID,
		ExternalID: externalID,
		SyncLogID:  entry.ID,
		Error:      cause.Error(),
		Timestamp:  time.Now().UTC(),
	})
	if conflict.ID != "" {
		e.events.Publish(Event{
			Type:       EventConflictDetected,
			EntityKind: kind,
			EntityID:   entityID,
			ExternalID: externalID,
			ConflictID: conflict.ID,
			Timestamp:  time.Now().UTC(),
		})
	}
}

func syncFieldsFor(kind EntityKind) []string {
	if kind == EntityKindOrganization {
		return append([]string(nil), organizationSyncFields...)
	}
	return append([]string(nil), personSyncFields...)
}
