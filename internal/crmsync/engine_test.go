package crmsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type upsertCall struct {
	objectType string
	externalID string
	properties map[string]string
}

// fakeCRMClient is an in-memory stand-in for the external CRM gateway.
type fakeCRMClient struct {
	mu       sync.Mutex
	objects  map[string]CRMObject
	nextID   int
	failWith error
	calls    []upsertCall
}

func newFakeCRMClient() *fakeCRMClient {
	return &fakeCRMClient{objects: map[string]CRMObject{}}
}

func (f *fakeCRMClient) setObject(externalID string, properties map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[externalID] = CRMObject{ID: externalID, Properties: properties}
}

func (f *fakeCRMClient) fetch(externalID string) (CRMObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return CRMObject{}, f.failWith
	}
	obj, ok := f.objects[externalID]
	if !ok {
		return CRMObject{}, &RemoteError{StatusCode: 404, Category: "OBJECT_NOT_FOUND", Message: "no such object"}
	}
	return obj, nil
}

func (f *fakeCRMClient) upsert(objectType, externalID string, properties map[string]string) (CRMObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, upsertCall{objectType: objectType, externalID: externalID, properties: properties})
	if f.failWith != nil {
		return CRMObject{}, f.failWith
	}
	if externalID == "" {
		f.nextID++
		externalID = fmt.Sprintf("hs-%d", f.nextID)
	}
	obj := CRMObject{ID: externalID, Properties: properties}
	f.objects[externalID] = obj
	return obj, nil
}

func (f *fakeCRMClient) FetchContact(ctx context.Context, externalID string) (CRMObject, error) {
	return f.fetch(externalID)
}

func (f *fakeCRMClient) FetchCompany(ctx context.Context, externalID string) (CRMObject, error) {
	return f.fetch(externalID)
}

func (f *fakeCRMClient) UpsertContact(ctx context.Context, externalID string, properties map[string]string) (CRMObject, error) {
	return f.upsert("contacts", externalID, properties)
}

func (f *fakeCRMClient) UpsertCompany(ctx context.Context, externalID string, properties map[string]string) (CRMObject, error) {
	return f.upsert("companies", externalID, properties)
}

func (f *fakeCRMClient) upsertCalls() []upsertCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upsertCall(nil), f.calls...)
}

// newTestEngine wires an engine without workers; tests drain the queues
// themselves so processing order is deterministic.
func newTestEngine(t *testing.T, crm CRMClient) (*Engine, SyncQueue, SyncQueue) {
	t.Helper()
	outbound := NewInMemorySyncQueue(16)
	inbound := NewInMemorySyncQueue(16)
	engine := NewEngine(EngineOptions{
		Store:          NewStore(),
		CRM:            crm,
		OutboundQueue:  outbound,
		InboundQueue:   inbound,
		DisableWorkers: true,
	})
	t.Cleanup(engine.Close)
	return engine, outbound, inbound
}

func drainOne(t *testing.T, engine *Engine, queue SyncQueue) {
	t.Helper()
	task, ok := queue.Dequeue(context.Background())
	if !ok {
		t.Fatalf("expected a queued task")
	}
	engine.ProcessTask(task)
}

func TestOutboundCreateAssignsExternalID(t *testing.T) {
	crm := newFakeCRMClient()
	engine, outbound, _ := newTestEngine(t, crm)

	person, err := engine.Store().CreatePerson(Person{FirstName: "Ada", Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := engine.SyncPersonOutbound(person.ID); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	drainOne(t, engine, outbound)

	synced, err := engine.Store().GetPerson(person.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if synced.ExternalID == "" {
		t.Fatalf("expected external id after outbound create")
	}

	logs := engine.Store().ListSyncLogs(SyncLogFilter{})
	if len(logs) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(logs))
	}
	if logs[0].Action != SyncActionCreate || logs[0].Status != SyncStatusSuccess {
		t.Fatalf("unexpected log entry: %+v", logs[0])
	}
	if logs[0].ExternalID != synced.ExternalID {
		t.Fatalf("log entry missing assigned external id")
	}

	calls := crm.upsertCalls()
	if len(calls) != 1 || calls[0].externalID != "" {
		t.Fatalf("expected one create call without external id, got %+v", calls)
	}
	if calls[0].properties["firstname"] != "Ada" {
		t.Fatalf("unexpected pushed properties: %+v", calls[0].properties)
	}
}

func TestOutboundUpdateUsesExistingExternalID(t *testing.T) {
	crm := newFakeCRMClient()
	engine, outbound, _ := newTestEngine(t, crm)

	person, _ := engine.Store().CreatePerson(Person{FirstName: "Ada", Email: "ada@example.com"})
	if _, err := engine.Store().SetPersonExternalID(person.ID, "hs-55"); err != nil {
		t.Fatalf("set external id failed: %v", err)
	}
	if err := engine.SyncPersonOutbound(person.ID); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	drainOne(t, engine, outbound)

	calls := crm.upsertCalls()
	if len(calls) != 1 || calls[0].externalID != "hs-55" {
		t.Fatalf("expected update against hs-55, got %+v", calls)
	}
	logs := engine.Store().ListSyncLogs(SyncLogFilter{})
	if logs[0].Action != SyncActionUpdate {
		t.Fatalf("expected UPDATE action, got %s", logs[0].Action)
	}
}

func TestOutboundFailureRecordsConflict(t *testing.T) {
	crm := newFakeCRMClient()
	crm.failWith = &RemoteError{StatusCode: 500, Category: "INTERNAL_ERROR", Message: "crm down"}
	engine, outbound, _ := newTestEngine(t, crm)

	person, _ := engine.Store().CreatePerson(Person{FirstName: "Ada", Email: "ada@example.com"})
	_ = engine.SyncPersonOutbound(person.ID)
	drainOne(t, engine, outbound)

	logs := engine.Store().ListSyncLogs(SyncLogFilter{Status: SyncStatusFailed})
	if len(logs) != 1 {
		t.Fatalf("expected 1 failed log entry, got %d", len(logs))
	}
	if logs[0].ErrorMessage == "" {
		t.Fatalf("expected error message on failed entry")
	}

	conflicts := engine.Store().ListConflicts(ConflictFilter{UnresolvedOnly: true})
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 open conflict, got %d", len(conflicts))
	}
	if conflicts[0].EntityID != person.ID {
		t.Fatalf("conflict not linked to entity: %+v", conflicts[0])
	}
	if conflicts[0].LocalData["email"] != "ada@example.com" {
		t.Fatalf("conflict missing local snapshot: %+v", conflicts[0].LocalData)
	}

	// Exactly one gateway attempt per task.
	if calls := crm.upsertCalls(); len(calls) != 1 {
		t.Fatalf("expected a single upsert attempt, got %d", len(calls))
	}
}

func TestOutboundSkipsDeletedEntity(t *testing.T) {
	crm := newFakeCRMClient()
	engine, outbound, _ := newTestEngine(t, crm)

	person, _ := engine.Store().CreatePerson(Person{FirstName: "Gone", Email: "gone@example.com"})
	_ = engine.SyncPersonOutbound(person.ID)
	if _, err := engine.Store().DeletePerson(person.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	drainOne(t, engine, outbound)

	if calls := crm.upsertCalls(); len(calls) != 0 {
		t.Fatalf("expected no gateway calls for deleted entity, got %d", len(calls))
	}
	if logs := engine.Store().ListSyncLogs(SyncLogFilter{}); len(logs) != 0 {
		t.Fatalf("expected no log entries for deleted entity, got %d", len(logs))
	}
}

func TestInboundDeliveryUpsertsContact(t *testing.T) {
	crm := newFakeCRMClient()
	crm.setObject("hs-12", map[string]string{
		"firstname": "Grace",
		"lastname":  "Hopper",
		"email":     "grace@example.com",
		"phone":     "555-0101",
	})
	engine, _, inbound := newTestEngine(t, crm)

	entry, err := engine.AcceptDelivery(WebhookDelivery{
		Object:   "contact",
		Action:   "create",
		ObjectID: "hs-12",
	})
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if entry.Status != SyncStatusPending {
		t.Fatalf("expected PENDING entry on accept, got %s", entry.Status)
	}
	drainOne(t, engine, inbound)

	person, ok := engine.Store().FindPersonByExternalID("hs-12")
	if !ok {
		t.Fatalf("expected contact created from delivery")
	}
	if person.FirstName != "Grace" || person.Email != "grace@example.com" {
		t.Fatalf("unexpected reconciled contact: %+v", person)
	}
	if person.Origin != OriginExternal {
		t.Fatalf("expected origin EXTERNAL, got %s", person.Origin)
	}

	final, err := engine.Store().GetSyncLog(entry.ID)
	if err != nil {
		t.Fatalf("get log failed: %v", err)
	}
	if final.Status != SyncStatusSuccess || final.EntityID != person.ID {
		t.Fatalf("unexpected completed entry: %+v", final)
	}
}

func TestInboundDeliveryUpdatesExistingContact(t *testing.T) {
	crm := newFakeCRMClient()
	crm.setObject("hs-12", map[string]string{
		"firstname": "Grace",
		"email":     "grace@example.com",
		"phone":     "new-phone",
	})
	engine, _, inbound := newTestEngine(t, crm)

	person, _ := engine.Store().CreatePerson(Person{FirstName: "Grace", Email: "grace@example.com", Phone: "old-phone"})
	if _, err := engine.Store().SetPersonExternalID(person.ID, "hs-12"); err != nil {
		t.Fatalf("set external id failed: %v", err)
	}

	if _, err := engine.AcceptDelivery(WebhookDelivery{Object: "contact", Action: "update", ObjectID: "hs-12"}); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	drainOne(t, engine, inbound)

	updated, err := engine.Store().GetPerson(person.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if updated.Phone != "new-phone" {
		t.Fatalf("expected fetched state to win, got phone %q", updated.Phone)
	}
	if updated.Origin != OriginExternal {
		t.Fatalf("expected origin EXTERNAL after reconcile, got %s", updated.Origin)
	}
}

func TestInboundDeleteRemovesLinkedEntity(t *testing.T) {
	crm := newFakeCRMClient()
	engine, _, inbound := newTestEngine(t, crm)

	person, _ := engine.Store().CreatePerson(Person{FirstName: "Doomed", Email: "doomed@example.com"})
	if _, err := engine.Store().SetPersonExternalID(person.ID, "hs-del"); err != nil {
		t.Fatalf("set external id failed: %v", err)
	}

	entry, err := engine.AcceptDelivery(WebhookDelivery{Object: "contact", Action: "delete", ObjectID: "hs-del"})
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	drainOne(t, engine, inbound)

	if _, err := engine.Store().GetPerson(person.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected person removed, got: %v", err)
	}
	final, _ := engine.Store().GetSyncLog(entry.ID)
	if final.Status != SyncStatusSuccess || final.Action != SyncActionDelete {
		t.Fatalf("unexpected completed entry: %+v", final)
	}
	// Deletes never need the gateway.
	if calls := crm.upsertCalls(); len(calls) != 0 {
		t.Fatalf("expected no gateway calls, got %d", len(calls))
	}
}

func TestInboundFailureRecordsConflictWithChanges(t *testing.T) {
	crm := newFakeCRMClient()
	crm.failWith = &RemoteError{StatusCode: 502, Category: "GATEWAY", Message: "bad gateway"}
	engine, _, inbound := newTestEngine(t, crm)

	entry, err := engine.AcceptDelivery(WebhookDelivery{
		Object:   "company",
		Action:   "update",
		ObjectID: "hs-co-4",
		Changes:  map[string]any{"name": "NewName Inc"},
	})
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	drainOne(t, engine, inbound)

	final, _ := engine.Store().GetSyncLog(entry.ID)
	if final.Status != SyncStatusFailed {
		t.Fatalf("expected FAILED entry, got %s", final.Status)
	}

	conflicts := engine.Store().ListConflicts(ConflictFilter{UnresolvedOnly: true})
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	if conflicts[0].ExternalID != "hs-co-4" {
		t.Fatalf("conflict missing external id: %+v", conflicts[0])
	}
	if conflicts[0].ExternalData["name"] != "NewName Inc" {
		t.Fatalf("conflict missing webhook changes: %+v", conflicts[0].ExternalData)
	}
	// Reconciliation never reached the merge step, so there is no local side
	// to snapshot yet.
	if len(conflicts[0].LocalData) != 0 {
		t.Fatalf("expected no local snapshot, got %+v", conflicts[0].LocalData)
	}
}

func TestAcceptDeliveryFailsWhenQueueFull(t *testing.T) {
	crm := newFakeCRMClient()
	outbound := NewInMemorySyncQueue(16)
	inbound := NewInMemorySyncQueue(1)
	engine := NewEngine(EngineOptions{
		Store:          NewStore(),
		CRM:            crm,
		OutboundQueue:  outbound,
		InboundQueue:   inbound,
		DisableWorkers: true,
	})
	t.Cleanup(engine.Close)

	if _, err := engine.AcceptDelivery(WebhookDelivery{Object: "contact", Action: "create", ObjectID: "hs-1"}); err != nil {
		t.Fatalf("first accept failed: %v", err)
	}
	entry, err := engine.AcceptDelivery(WebhookDelivery{Object: "contact", Action: "create", ObjectID: "hs-2"})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got: %v", err)
	}
	if entry.Status != SyncStatusFailed {
		t.Fatalf("expected overflow entry marked FAILED, got %s", entry.Status)
	}
}

func TestAcceptDeliveryStampsStartedAtFromOccurredAt(t *testing.T) {
	crm := newFakeCRMClient()
	engine, _, _ := newTestEngine(t, crm)

	occurred := time.Now().Add(-2 * time.Hour).UTC().Truncate(time.Second)
	entry, err := engine.AcceptDelivery(WebhookDelivery{
		Object:     "contact",
		Action:     "create",
		ObjectID:   "hs-late",
		OccurredAt: occurred.Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if !entry.StartedAt.Equal(occurred) {
		t.Fatalf("expected StartedAt %v from the delivery, got %v", occurred, entry.StartedAt)
	}
}

func TestOutboundOverflowRecordsFailedEntry(t *testing.T) {
	crm := newFakeCRMClient()
	engine := NewEngine(EngineOptions{
		Store:          NewStore(),
		CRM:            crm,
		OutboundQueue:  NewInMemorySyncQueue(1),
		InboundQueue:   NewInMemorySyncQueue(16),
		DisableWorkers: true,
	})
	t.Cleanup(engine.Close)

	first, _ := engine.Store().CreatePerson(Person{FirstName: "A", Email: "a@example.com"})
	second, _ := engine.Store().CreatePerson(Person{FirstName: "B", Email: "b@example.com"})

	if err := engine.SyncPersonOutbound(first.ID); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if err := engine.SyncPersonOutbound(second.ID); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got: %v", err)
	}

	// The dropped trigger must be visible in the sync log.
	logs := engine.Store().ListSyncLogs(SyncLogFilter{Status: SyncStatusFailed})
	if len(logs) != 1 {
		t.Fatalf("expected 1 failed entry for the dropped trigger, got %d", len(logs))
	}
	if logs[0].EntityID != second.ID || logs[0].Action != SyncActionCreate {
		t.Fatalf("unexpected overflow entry: %+v", logs[0])
	}
	if logs[0].ErrorMessage != "outbound queue full" {
		t.Fatalf("unexpected error message: %q", logs[0].ErrorMessage)
	}
	if logs[0].CompletedAt == nil {
		t.Fatalf("expected overflow entry to be terminal")
	}
}

func TestResolveConflictLocalWinsRepushes(t *testing.T) {
	crm := newFakeCRMClient()
	crm.failWith = &RemoteError{StatusCode: 500, Category: "INTERNAL_ERROR", Message: "crm down"}
	engine, outbound, _ := newTestEngine(t, crm)

	person, _ := engine.Store().CreatePerson(Person{FirstName: "Ada", Email: "ada@example.com"})
	_ = engine.SyncPersonOutbound(person.ID)
	drainOne(t, engine, outbound)

	conflicts := engine.Store().ListConflicts(ConflictFilter{UnresolvedOnly: true})
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}

	crm.failWith = nil
	resolved, err := engine.ResolveConflict(conflicts[0].ID, ResolutionLocalWins, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !resolved.Resolved || resolved.ResolutionStrategy != ResolutionLocalWins {
		t.Fatalf("unexpected resolved record: %+v", resolved)
	}

	drainOne(t, engine, outbound)
	synced, _ := engine.Store().GetPerson(person.ID)
	if synced.ExternalID == "" {
		t.Fatalf("expected re-push to assign external id")
	}

	if _, err := engine.ResolveConflict(conflicts[0].ID, ResolutionLocalWins, nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState re-resolving, got: %v", err)
	}
}

func TestResolveConflictExternalWinsOverwritesLocal(t *testing.T) {
	crm := newFakeCRMClient()
	engine, _, _ := newTestEngine(t, crm)

	person, _ := engine.Store().CreatePerson(Person{FirstName: "Local", Email: "local@example.com", Phone: "111"})
	conflict, err := engine.Store().RecordConflict(ConflictRecord{
		EntityKind:   EntityKindPerson,
		EntityID:     person.ID,
		LocalData:    personSnapshot(person),
		ExternalData: map[string]any{"firstName": "External", "phone": "222"},
	})
	if err != nil {
		t.Fatalf("record conflict failed: %v", err)
	}

	if _, err := engine.ResolveConflict(conflict.ID, ResolutionExternalWins, nil); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	updated, _ := engine.Store().GetPerson(person.ID)
	if updated.FirstName != "External" || updated.Phone != "222" {
		t.Fatalf("expected external values applied, got %+v", updated)
	}
	// Untouched fields keep their local values.
	if updated.Email != "local@example.com" {
		t.Fatalf("expected unlisted field preserved, got %q", updated.Email)
	}
	// The external side authored the winning values.
	if updated.Origin != OriginExternal {
		t.Fatalf("expected origin EXTERNAL after resolution, got %s", updated.Origin)
	}
	// EXTERNAL_WINS never calls the gateway.
	if calls := crm.upsertCalls(); len(calls) != 0 {
		t.Fatalf("expected no gateway calls, got %d", len(calls))
	}
}

func TestResolveConflictMergedAppliesAndPushes(t *testing.T) {
	crm := newFakeCRMClient()
	engine, outbound, _ := newTestEngine(t, crm)

	org, _ := engine.Store().CreateOrganization(Organization{Name: "Acme", Domain: "acme.com", Industry: "tools"})
	conflict, _ := engine.Store().RecordConflict(ConflictRecord{
		EntityKind:   EntityKindOrganization,
		EntityID:     org.ID,
		LocalData:    organizationSnapshot(org),
		ExternalData: map[string]any{"industry": "anvils"},
	})

	if _, err := engine.ResolveConflict(conflict.ID, ResolutionMerged, map[string]string{"industry": "hardware"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	updated, _ := engine.Store().GetOrganization(org.ID)
	if updated.Industry != "hardware" {
		t.Fatalf("expected merged industry applied, got %q", updated.Industry)
	}

	drainOne(t, engine, outbound)
	calls := crm.upsertCalls()
	if len(calls) != 1 || calls[0].objectType != "companies" {
		t.Fatalf("expected company push after merge, got %+v", calls)
	}
	if calls[0].properties["industry"] != "hardware" {
		t.Fatalf("merged value not pushed: %+v", calls[0].properties)
	}
}

func TestResolveConflictMergedRequiresData(t *testing.T) {
	crm := newFakeCRMClient()
	engine, _, _ := newTestEngine(t, crm)

	person, _ := engine.Store().CreatePerson(Person{FirstName: "A", Email: "a@example.com"})
	conflict, _ := engine.Store().RecordConflict(ConflictRecord{EntityKind: EntityKindPerson, EntityID: person.ID})

	if _, err := engine.ResolveConflict(conflict.ID, ResolutionMerged, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without merged data, got: %v", err)
	}
}
