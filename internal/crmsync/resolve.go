package crmsync

import (
	"fmt"
	"time"
)

// ResolveConflict applies one of the three resolution strategies and marks
// the record resolved. Resolution is one way; a resolved conflict returns
// ErrInvalidState. For MERGED the caller supplies the winning property
// values, keyed by the external property names.
func (e *Engine) ResolveConflict(conflictID string, strategy ResolutionStrategy, mergedData map[string]string) (ConflictRecord, error) {
	conflict, err := e.store.GetConflict(conflictID)
	if err != nil {
		return ConflictRecord{}, err
	}
	if conflict.Resolved {
		return ConflictRecord{}, ErrInvalidState
	}

	switch strategy {
	case ResolutionLocalWins:
		if err := e.resolveLocalWins(conflict); err != nil {
			return ConflictRecord{}, err
		}
	case ResolutionExternalWins:
		if _, err := e.applyProperties(conflict, externalDataToProperties(conflict.ExternalData), OriginExternal); err != nil {
			return ConflictRecord{}, err
		}
	case ResolutionMerged:
		if len(mergedData) == 0 {
			return ConflictRecord{}, ErrInvalidInput
		}
		entityID, err := e.applyProperties(conflict, mergedData, OriginLocal)
		if err != nil {
			return ConflictRecord{}, err
		}
		// The merged state must reach the external side too.
		if err := e.enqueueOutbound(conflict.EntityKind, entityID); err != nil {
			return ConflictRecord{}, err
		}
	default:
		return ConflictRecord{}, fmt.Errorf("%w: unknown resolution strategy %q", ErrInvalidInput, strategy)
	}

	resolved, err := e.store.MarkConflictResolved(conflictID, strategy)
	if err != nil {
		return ConflictRecord{}, err
	}
	e.events.Publish(Event{
		Type:       EventConflictResolved,
		EntityKind: resolved.EntityKind,
		EntityID:   resolved.EntityID,
		ExternalID: resolved.ExternalID,
		ConflictID: resolved.ID,
		Timestamp:  time.Now().UTC(),
	})
	return resolved, nil
}

// resolveLocalWins re-pushes the local entity's current state. The conflict
// must reference a local entity; an inbound failure for an object that never
// materialized locally has nothing to push.
func (e *Engine) resolveLocalWins(conflict ConflictRecord) error {
	if conflict.EntityID == "" {
		return fmt.Errorf("%w: conflict %s has no local entity", ErrInvalidInput, conflict.ID)
	}
	switch conflict.EntityKind {
	case EntityKindPerson:
		if _, err := e.store.GetPerson(conflict.EntityID); err != nil {
			return err
		}
	case EntityKindOrganization:
		if _, err := e.store.GetOrganization(conflict.EntityID); err != nil {
			return err
		}
	}
	return e.enqueueOutbound(conflict.EntityKind, conflict.EntityID)
}

// applyProperties overwrites the local entity's synced fields with the given
// property values and returns the affected entity's id. Entities are matched
// by local id when the conflict has one, otherwise upserted by external id.
// The origin records which side authored the winning values.
func (e *Engine) applyProperties(conflict ConflictRecord, props map[string]string, origin Origin) (string, error) {
	switch conflict.EntityKind {
	case EntityKindPerson:
		return e.applyPersonProperties(conflict, props, origin)
	case EntityKindOrganization:
		return e.applyOrganizationProperties(conflict, props, origin)
	default:
		return "", fmt.Errorf("%w: conflict %s has unknown entity kind %q", ErrInvalidInput, conflict.ID, conflict.EntityKind)
	}
}

func (e *Engine) applyPersonProperties(conflict ConflictRecord, props map[string]string, origin Origin) (string, error) {
	if conflict.EntityID != "" {
		person, err := e.store.GetPerson(conflict.EntityID)
		if err != nil {
			return "", err
		}
		patchPersonProperties(&person, props)
		updated, err := e.store.UpdatePerson(person.ID, person)
		if err != nil {
			return "", err
		}
		if origin != OriginLocal {
			if _, err := e.store.SetPersonOrigin(updated.ID, origin); err != nil {
				return "", err
			}
		}
		return updated.ID, nil
	}
	if conflict.ExternalID == "" {
		return "", fmt.Errorf("%w: conflict %s references no entity", ErrInvalidInput, conflict.ID)
	}
	person, _, err := e.store.UpsertPersonFromExternal(conflict.ExternalID, personFromProperties(props))
	if err != nil {
		return "", err
	}
	return person.ID, nil
}

func (e *Engine) applyOrganizationProperties(conflict ConflictRecord, props map[string]string, origin Origin) (string, error) {
	if conflict.EntityID != "" {
		org, err := e.store.GetOrganization(conflict.EntityID)
		if err != nil {
			return "", err
		}
		patchOrganizationProperties(&org, props)
		updated, err := e.store.UpdateOrganization(org.ID, org)
		if err != nil {
			return "", err
		}
		if origin != OriginLocal {
			if _, err := e.store.SetOrganizationOrigin(updated.ID, origin); err != nil {
				return "", err
			}
		}
		return updated.ID, nil
	}
	if conflict.ExternalID == "" {
		return "", fmt.Errorf("%w: conflict %s references no entity", ErrInvalidInput, conflict.ID)
	}
	org, _, err := e.store.UpsertOrganizationFromExternal(conflict.ExternalID, organizationFromProperties(props))
	if err != nil {
		return "", err
	}
	return org.ID, nil
}

func patchPersonProperties(p *Person, props map[string]string) {
	if v, ok := props["firstname"]; ok {
		p.FirstName = v
	}
	if v, ok := props["lastname"]; ok {
		p.LastName = v
	}
	if v, ok := props["email"]; ok {
		p.Email = v
	}
	if v, ok := props["phone"]; ok {
		p.Phone = v
	}
}

func patchOrganizationProperties(o *Organization, props map[string]string) {
	if v, ok := props["name"]; ok {
		o.Name = v
	}
	if v, ok := props["domain"]; ok {
		o.Domain = v
	}
	if v, ok := props["industry"]; ok {
		o.Industry = v
	}
}
