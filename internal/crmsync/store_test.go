package crmsync

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestPersonLifecycle(t *testing.T) {
	store := NewStore()
	t.Cleanup(func() { _ = store.Close() })

	created, err := store.CreatePerson(Person{
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     "ada@example.com",
		Phone:     "555-0100",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated id")
	}
	if created.Origin != OriginLocal {
		t.Fatalf("expected origin LOCAL, got %s", created.Origin)
	}

	fetched, err := store.GetPerson(created.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if fetched.Email != "ada@example.com" {
		t.Fatalf("unexpected email: %q", fetched.Email)
	}

	fetched.Phone = "555-0199"
	updated, err := store.UpdatePerson(created.ID, fetched)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Phone != "555-0199" {
		t.Fatalf("unexpected phone after update: %q", updated.Phone)
	}
	if updated.CreatedAt != created.CreatedAt {
		t.Fatalf("update must preserve CreatedAt")
	}

	if _, err := store.DeletePerson(created.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.GetPerson(created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got: %v", err)
	}
}

func TestCreatePersonValidatesRequiredFields(t *testing.T) {
	store := NewStore()
	t.Cleanup(func() { _ = store.Close() })

	if _, err := store.CreatePerson(Person{LastName: "NoFirst", Email: "x@example.com"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing first name, got: %v", err)
	}
	if _, err := store.CreatePerson(Person{FirstName: "NoEmail"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing email, got: %v", err)
	}
}

func TestCreatePersonRejectsDuplicateEmail(t *testing.T) {
	store := NewStore()
	t.Cleanup(func() { _ = store.Close() })

	if _, err := store.CreatePerson(Person{FirstName: "A", Email: "dup@example.com"}); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := store.CreatePerson(Person{FirstName: "B", Email: "DUP@example.com"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for same email, got: %v", err)
	}
}

func TestUpdatePersonEmailUniquenessExcludesSelf(t *testing.T) {
	store := NewStore()
	t.Cleanup(func() { _ = store.Close() })

	first, err := store.CreatePerson(Person{FirstName: "A", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	second, err := store.CreatePerson(Person{FirstName: "B", Email: "b@example.com"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Re-saving with the same email is not a duplicate of itself.
	if _, err := store.UpdatePerson(first.ID, first); err != nil {
		t.Fatalf("same-email update failed: %v", err)
	}

	second.Email = "a@example.com"
	if _, err := store.UpdatePerson(second.ID, second); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate taking another person's email, got: %v", err)
	}
}

func TestSetPersonExternalIDEnforcesUniqueness(t *testing.T) {
	store := NewStore()
	t.Cleanup(func() { _ = store.Close() })

	first, _ := store.CreatePerson(Person{FirstName: "A", Email: "a@example.com"})
	second, _ := store.CreatePerson(Person{FirstName: "B", Email: "b@example.com"})

	linked, err := store.SetPersonExternalID(first.ID, "hs-1")
	if err != nil {
		t.Fatalf("set external id failed: %v", err)
	}
	if linked.ExternalID != "hs-1" {
		t.Fatalf("unexpected external id: %q", linked.ExternalID)
	}
	if _, err := store.SetPersonExternalID(second.ID, "hs-1"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for reused external id, got: %v", err)
	}

	found, ok := store.FindPersonByExternalID("hs-1")
	if !ok || found.ID != first.ID {
		t.Fatalf("external id lookup returned %v %v", found.ID, ok)
	}
}

func TestUpsertPersonFromExternalInsertsAndUpdates(t *testing.T) {
	store := NewStore()
	t.Cleanup(func() { _ = store.Close() })

	inserted, wasInsert, err := store.UpsertPersonFromExternal("hs-77", Person{
		FirstName: "Remote",
		Email:     "remote@example.com",
	})
	if err != nil {
		t.Fatalf("upsert insert failed: %v", err)
	}
	if !wasInsert {
		t.Fatalf("expected insert on first upsert")
	}
	if inserted.Origin != OriginExternal {
		t.Fatalf("expected origin EXTERNAL, got %s", inserted.Origin)
	}
	if inserted.ExternalID != "hs-77" {
		t.Fatalf("unexpected external id: %q", inserted.ExternalID)
	}

	updated, wasInsert, err := store.UpsertPersonFromExternal("hs-77", Person{
		FirstName: "Remote",
		LastName:  "Changed",
		Email:     "remote@example.com",
	})
	if err != nil {
		t.Fatalf("upsert update failed: %v", err)
	}
	if wasInsert {
		t.Fatalf("expected update on second upsert")
	}
	if updated.ID != inserted.ID {
		t.Fatalf("upsert must keep the local id")
	}
	if updated.LastName != "Changed" {
		t.Fatalf("unexpected last name: %q", updated.LastName)
	}
}

func TestOrganizationDomainUniqueness(t *testing.T) {
	store := NewStore()
	t.Cleanup(func() { _ = store.Close() })

	if _, err := store.CreateOrganization(Organization{Name: "Acme", Domain: "acme.com"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := store.CreateOrganization(Organization{Name: "Other", Domain: "acme.com"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for same domain, got: %v", err)
	}
	// Domain is optional; two organizations without one are fine.
	if _, err := store.CreateOrganization(Organization{Name: "NoDomain1"}); err != nil {
		t.Fatalf("create without domain failed: %v", err)
	}
	if _, err := store.CreateOrganization(Organization{Name: "NoDomain2"}); err != nil {
		t.Fatalf("second create without domain failed: %v", err)
	}
}

func TestSyncLogLifecycle(t *testing.T) {
	store := NewStore()
	t.Cleanup(func() { _ = store.Close() })

	entry, err := store.AppendSyncLog(SyncLogEntry{
		EntityKind: EntityKindPerson,
		EntityID:   "p1",
		Action:     SyncActionCreate,
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if entry.Status != SyncStatusPending {
		t.Fatalf("expected PENDING, got %s", entry.Status)
	}
	if entry.CompletedAt != nil {
		t.Fatalf("pending entry must not have CompletedAt")
	}

	completed, err := store.CompleteSyncLog(entry.ID, SyncStatusSuccess, "p1", "hs-1", "")
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if completed.Status != SyncStatusSuccess || completed.CompletedAt == nil {
		t.Fatalf("expected terminal SUCCESS entry, got %+v", completed)
	}
	if completed.ExternalID != "hs-1" {
		t.Fatalf("expected external id recorded, got %q", completed.ExternalID)
	}

	if _, err := store.CompleteSyncLog(entry.ID, SyncStatusFailed, "", "", "late"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState re-completing entry, got: %v", err)
	}
}

func TestAppendSyncLogTerminalOnCreate(t *testing.T) {
	store := NewStore()
	t.Cleanup(func() { _ = store.Close() })

	entry, err := store.AppendSyncLog(SyncLogEntry{
		Action:       SyncActionWebhookReceived,
		Status:       SyncStatusFailed,
		ErrorMessage: "signature mismatch",
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if entry.Status != SyncStatusFailed {
		t.Fatalf("expected FAILED, got %s", entry.Status)
	}
	if entry.CompletedAt == nil {
		t.Fatalf("terminal entry must carry CompletedAt")
	}
}

func TestListSyncLogsFiltersAndOrders(t *testing.T) {
	store := NewStore()
	t.Cleanup(func() { _ = store.Close() })

	first, _ := store.AppendSyncLog(SyncLogEntry{EntityKind: EntityKindPerson, Action: SyncActionCreate})
	_, _ = store.AppendSyncLog(SyncLogEntry{EntityKind: EntityKindOrganization, Action: SyncActionCreate})
	_, _ = store.CompleteSyncLog(first.ID, SyncStatusFailed, "", "", "boom")

	all := store.ListSyncLogs(SyncLogFilter{})
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	failed := store.ListSyncLogs(SyncLogFilter{Status: SyncStatusFailed})
	if len(failed) != 1 || failed[0].ID != first.ID {
		t.Fatalf("status filter returned %d entries", len(failed))
	}
	persons := store.ListSyncLogs(SyncLogFilter{EntityKind: EntityKindPerson})
	if len(persons) != 1 {
		t.Fatalf("kind filter returned %d entries", len(persons))
	}
	limited := store.ListSyncLogs(SyncLogFilter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limit filter returned %d entries", len(limited))
	}
}

func TestSetOriginRestampsProvenance(t *testing.T) {
	store := NewStore()
	t.Cleanup(func() { _ = store.Close() })

	person, err := store.CreatePerson(Person{FirstName: "A", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("create person failed: %v", err)
	}
	restamped, err := store.SetPersonOrigin(person.ID, OriginExternal)
	if err != nil {
		t.Fatalf("set person origin failed: %v", err)
	}
	if restamped.Origin != OriginExternal || restamped.Email != "a@example.com" {
		t.Fatalf("expected only origin to change, got %+v", restamped)
	}

	org, err := store.CreateOrganization(Organization{Name: "Acme"})
	if err != nil {
		t.Fatalf("create organization failed: %v", err)
	}
	if _, err := store.SetOrganizationOrigin(org.ID, OriginExternal); err != nil {
		t.Fatalf("set organization origin failed: %v", err)
	}
	stored, _ := store.GetOrganization(org.ID)
	if stored.Origin != OriginExternal {
		t.Fatalf("expected origin EXTERNAL, got %s", stored.Origin)
	}

	if _, err := store.SetPersonOrigin(person.ID, Origin("MARTIAN")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown origin, got: %v", err)
	}
	if _, err := store.SetPersonOrigin("missing", OriginLocal); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

func TestConflictResolveIsOneWay(t *testing.T) {
	store := NewStore()
	t.Cleanup(func() { _ = store.Close() })

	conflict, err := store.RecordConflict(ConflictRecord{
		EntityKind: EntityKindPerson,
		EntityID:   "p1",
		LocalData:  map[string]string{"email": "a@example.com"},
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if conflict.Resolved {
		t.Fatalf("new conflict must start unresolved")
	}

	resolved, err := store.MarkConflictResolved(conflict.ID, ResolutionLocalWins)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !resolved.Resolved || resolved.ResolutionStrategy != ResolutionLocalWins || resolved.ResolvedAt == nil {
		t.Fatalf("unexpected resolved record: %+v", resolved)
	}

	if _, err := store.MarkConflictResolved(conflict.ID, ResolutionMerged); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState re-resolving, got: %v", err)
	}

	open := store.ListConflicts(ConflictFilter{UnresolvedOnly: true})
	if len(open) != 0 {
		t.Fatalf("expected no open conflicts, got %d", len(open))
	}
}

func TestStoreStatePersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	backend := NewJSONFileStateBackend(path)

	store := NewStoreWithBackend(backend)
	person, err := store.CreatePerson(Person{FirstName: "Durable", Email: "durable@example.com"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := store.SetPersonExternalID(person.ID, "hs-9"); err != nil {
		t.Fatalf("set external id failed: %v", err)
	}
	_ = store.Close()

	recovered := NewStoreWithBackend(NewJSONFileStateBackend(path))
	t.Cleanup(func() { _ = recovered.Close() })

	got, err := recovered.GetPerson(person.ID)
	if err != nil {
		t.Fatalf("get from recovered store failed: %v", err)
	}
	if got.Email != "durable@example.com" {
		t.Fatalf("unexpected recovered email: %q", got.Email)
	}
	// Indexes are rebuilt from the snapshot, not persisted.
	if found, ok := recovered.FindPersonByExternalID("hs-9"); !ok || found.ID != person.ID {
		t.Fatalf("external id index not rebuilt after restart")
	}
	if _, err := recovered.CreatePerson(Person{FirstName: "Dup", Email: "durable@example.com"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("email index not rebuilt after restart, got: %v", err)
	}
}
