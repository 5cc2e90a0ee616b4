package crmsync

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrDuplicate     = errors.New("duplicate value")
	ErrInvalidState  = errors.New("invalid state")
	ErrNotConfigured = errors.New("not configured")
	ErrQueueFull     = errors.New("queue full")
)

type EntityKind string

const (
	EntityKindPerson       EntityKind = "PERSON"
	EntityKindOrganization EntityKind = "ORGANIZATION"
)

type Origin string

const (
	OriginLocal    Origin = "LOCAL"
	OriginExternal Origin = "EXTERNAL"
)

type SyncAction string

const (
	SyncActionCreate SyncAction = "CREATE"
	SyncActionUpdate SyncAction = "UPDATE"
	SyncActionDelete SyncAction = "DELETE"
	// SyncActionWebhookReceived tags log entries for webhook deliveries that
	// were rejected before any entity could be resolved.
	SyncActionWebhookReceived SyncAction = "WEBHOOK_RECEIVED"
)

type SyncStatus string

const (
	SyncStatusPending SyncStatus = "PENDING"
	SyncStatusSuccess SyncStatus = "SUCCESS"
	SyncStatusFailed  SyncStatus = "FAILED"
)

type ResolutionStrategy string

const (
	ResolutionLocalWins    ResolutionStrategy = "LOCAL_WINS"
	ResolutionExternalWins ResolutionStrategy = "EXTERNAL_WINS"
	ResolutionMerged       ResolutionStrategy = "MERGED"
)

type Person struct {
	ID                 string            `json:"id"`
	FirstName          string            `json:"firstName"`
	LastName           string            `json:"lastName,omitempty"`
	Email              string            `json:"email"`
	Phone              string            `json:"phone,omitempty"`
	OrganizationID     string            `json:"organizationId,omitempty"`
	ExternalID         string            `json:"externalId,omitempty"`
	ExternalProperties map[string]string `json:"externalProperties,omitempty"`
	Origin             Origin            `json:"origin"`
	LastModifiedAt     time.Time         `json:"lastModifiedAt"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

type Organization struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Domain             string            `json:"domain,omitempty"`
	Industry           string            `json:"industry,omitempty"`
	ExternalID         string            `json:"externalId,omitempty"`
	ExternalProperties map[string]string `json:"externalProperties,omitempty"`
	Origin             Origin            `json:"origin"`
	LastModifiedAt     time.Time         `json:"lastModifiedAt"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

type SyncLogEntry struct {
	ID           string     `json:"id"`
	EntityKind   EntityKind `json:"entityKind,omitempty"`
	EntityID     string     `json:"entityId,omitempty"`
	ExternalID   string     `json:"externalId,omitempty"`
	Action       SyncAction `json:"action"`
	Status       SyncStatus `json:"status"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

type ConflictRecord struct {
	ID                 string             `json:"id"`
	EntityKind         EntityKind         `json:"entityKind"`
	EntityID           string             `json:"entityId,omitempty"`
	ExternalID         string             `json:"externalId,omitempty"`
	LocalData          map[string]string  `json:"localData,omitempty"`
	ExternalData       map[string]any     `json:"externalData,omitempty"`
	ConflictFields     []string           `json:"conflictFields,omitempty"`
	Resolved           bool               `json:"resolved"`
	ResolutionStrategy ResolutionStrategy `json:"resolutionStrategy,omitempty"`
	ResolvedAt         *time.Time         `json:"resolvedAt,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
}

type SyncLogFilter struct {
	EntityKind EntityKind
	Status     SyncStatus
	Limit      int
}

type ConflictFilter struct {
	EntityKind     EntityKind
	UnresolvedOnly bool
	Limit          int
}

type persistedState struct {
	Persons       map[string]Person         `json:"persons"`
	Organizations map[string]Organization   `json:"organizations"`
	SyncLogs      map[string]SyncLogEntry   `json:"syncLogs"`
	SyncLogOrder  []string                  `json:"syncLogOrder"`
	Conflicts     map[string]ConflictRecord `json:"conflicts"`
	ConflictOrder []string                  `json:"conflictOrder"`
}

// StateBackend persists full store snapshots. Implementations: in-memory,
// JSON file, SQLite, Postgres (see backend_factory.go).
type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

// Store holds all durable records: entities, the append-only sync log, and
// unresolved conflicts. Uniqueness of email, domain, and external id is
// enforced here; engines treat a violation like any other store failure.
type Store struct {
	mu sync.RWMutex

	persons       map[string]Person
	organizations map[string]Organization
	syncLogs      map[string]SyncLogEntry
	syncLogOrder  []string
	conflicts     map[string]ConflictRecord
	conflictOrder []string

	personsByEmail      map[string]string
	personsByExternalID map[string]string
	orgsByDomain        map[string]string
	orgsByExternalID    map[string]string

	backend StateBackend
}

func NewStore() *Store {
	return NewStoreWithBackend(nil)
}

func NewStoreWithBackend(backend StateBackend) *Store {
	s := &Store{
		persons:             map[string]Person{},
		organizations:       map[string]Organization{},
		syncLogs:            map[string]SyncLogEntry{},
		conflicts:           map[string]ConflictRecord{},
		personsByEmail:      map[string]string{},
		personsByExternalID: map[string]string{},
		orgsByDomain:        map[string]string{},
		orgsByExternalID:    map[string]string{},
		backend:             backend,
	}
	_ = s.loadFromBackend()
	return s
}

func (s *Store) Close() error {
	if closer, ok := s.backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

func (s *Store) loadFromBackend() error {
	if s.backend == nil {
		return nil
	}
	snapshot, err := s.backend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot.Persons != nil {
		s.persons = snapshot.Persons
	}
	if snapshot.Organizations != nil {
		s.organizations = snapshot.Organizations
	}
	if snapshot.SyncLogs != nil {
		s.syncLogs = snapshot.SyncLogs
	}
	s.syncLogOrder = append([]string(nil), snapshot.SyncLogOrder...)
	if snapshot.Conflicts != nil {
		s.conflicts = snapshot.Conflicts
	}
	s.conflictOrder = append([]string(nil), snapshot.ConflictOrder...)
	s.rebuildIndexesLocked()
	return nil
}

func (s *Store) rebuildIndexesLocked() {
	s.personsByEmail = map[string]string{}
	s.personsByExternalID = map[string]string{}
	s.orgsByDomain = map[string]string{}
	s.orgsByExternalID = map[string]string{}
	for id, p := range s.persons {
		if key := normalizeEmail(p.Email); key != "" {
			s.personsByEmail[key] = id
		}
		if p.ExternalID != "" {
			s.personsByExternalID[p.ExternalID] = id
		}
	}
	for id, o := range s.organizations {
		if key := normalizeDomain(o.Domain); key != "" {
			s.orgsByDomain[key] = id
		}
		if o.ExternalID != "" {
			s.orgsByExternalID[o.ExternalID] = id
		}
	}
}

// saveLocked snapshots current state to the backend. Persistence failures do
// not fail the mutation that triggered them; the in-memory state stays
// authoritative for the life of the process.
func (s *Store) saveLocked() {
	if s.backend == nil {
		return
	}
	snapshot := &persistedState{
		Persons:       clonePersonMap(s.persons),
		Organizations: cloneOrganizationMap(s.organizations),
		SyncLogs:      cloneSyncLogMap(s.syncLogs),
		SyncLogOrder:  append([]string(nil), s.syncLogOrder...),
		Conflicts:     cloneConflictMap(s.conflicts),
		ConflictOrder: append([]string(nil), s.conflictOrder...),
	}
	_ = s.backend.Save(snapshot)
}

func clonePersonMap(in map[string]Person) map[string]Person {
	out := make(map[string]Person, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneOrganizationMap(in map[string]Organization) map[string]Organization {
	out := make(map[string]Organization, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneSyncLogMap(in map[string]SyncLogEntry) map[string]SyncLogEntry {
	out := make(map[string]SyncLogEntry, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneConflictMap(in map[string]ConflictRecord) map[string]ConflictRecord {
	out := make(map[string]ConflictRecord, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

func (s *Store) CreatePerson(p Person) (Person, error) {
	if strings.TrimSpace(p.FirstName) == "" || strings.TrimSpace(p.Email) == "" {
		return Person{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	emailKey := normalizeEmail(p.Email)
	if _, exists := s.personsByEmail[emailKey]; exists {
		return Person{}, ErrDuplicate
	}
	if p.ExternalID != "" {
		if _, exists := s.personsByExternalID[p.ExternalID]; exists {
			return Person{}, ErrDuplicate
		}
	}
	now := time.Now().UTC()
	p.ID = uuid.NewString()
	if p.Origin == "" {
		p.Origin = OriginLocal
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.LastModifiedAt.IsZero() {
		p.LastModifiedAt = now
	}
	s.persons[p.ID] = p
	s.personsByEmail[emailKey] = p.ID
	if p.ExternalID != "" {
		s.personsByExternalID[p.ExternalID] = p.ID
	}
	s.saveLocked()
	return p, nil
}

// UpdatePerson replaces the mutable fields of an existing record. The
// external id cannot change through local updates; it is owned by the sync
// engines (SetPersonExternalID, UpsertPersonFromExternal).
func (s *Store) UpdatePerson(id string, p Person) (Person, error) {
	if strings.TrimSpace(p.FirstName) == "" || strings.TrimSpace(p.Email) == "" {
		return Person{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.persons[id]
	if !ok {
		return Person{}, ErrNotFound
	}
	emailKey := normalizeEmail(p.Email)
	if owner, exists := s.personsByEmail[emailKey]; exists && owner != id {
		return Person{}, ErrDuplicate
	}
	now := time.Now().UTC()
	updated := existing
	updated.FirstName = p.FirstName
	updated.LastName = p.LastName
	updated.Email = p.Email
	updated.Phone = p.Phone
	updated.OrganizationID = p.OrganizationID
	updated.Origin = OriginLocal
	updated.LastModifiedAt = now
	updated.UpdatedAt = now

	delete(s.personsByEmail, normalizeEmail(existing.Email))
	s.personsByEmail[emailKey] = id
	s.persons[id] = updated
	s.saveLocked()
	return updated, nil
}

func (s *Store) GetPerson(id string) (Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.persons[id]
	if !ok {
		return Person{}, ErrNotFound
	}
	return p, nil
}

func (s *Store) FindPersonByExternalID(externalID string) (Person, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.personsByExternalID[externalID]
	if !ok {
		return Person{}, false
	}
	return s.persons[id], true
}

func (s *Store) ListPersons() []Person {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Person, 0, len(s.persons))
	for _, p := range s.persons {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) DeletePerson(id string) (Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.persons[id]
	if !ok {
		return Person{}, ErrNotFound
	}
	delete(s.persons, id)
	delete(s.personsByEmail, normalizeEmail(p.Email))
	if p.ExternalID != "" {
		delete(s.personsByExternalID, p.ExternalID)
	}
	s.saveLocked()
	return p, nil
}

// SetPersonExternalID persists the id assigned by the external CRM after a
// successful outbound create.
func (s *Store) SetPersonExternalID(id, externalID string) (Person, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return Person{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.persons[id]
	if !ok {
		return Person{}, ErrNotFound
	}
	if owner, exists := s.personsByExternalID[externalID]; exists && owner != id {
		return Person{}, ErrDuplicate
	}
	if p.ExternalID != "" && p.ExternalID != externalID {
		delete(s.personsByExternalID, p.ExternalID)
	}
	p.ExternalID = externalID
	p.UpdatedAt = time.Now().UTC()
	s.persons[id] = p
	s.personsByExternalID[externalID] = id
	s.saveLocked()
	return p, nil
}

// SetPersonOrigin restamps provenance without touching field values.
// Conflict resolution uses it when the winning values were authored by the
// external side.
func (s *Store) SetPersonOrigin(id string, origin Origin) (Person, error) {
	if origin != OriginLocal && origin != OriginExternal {
		return Person{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.persons[id]
	if !ok {
		return Person{}, ErrNotFound
	}
	p.Origin = origin
	s.persons[id] = p
	s.saveLocked()
	return p, nil
}

// UpsertPersonFromExternal reconciles an externally fetched contact into the
// store. An existing record with the same external id is updated in place;
// otherwise a new record is inserted. Either way the record is marked as
// externally authored.
func (s *Store) UpsertPersonFromExternal(externalID string, p Person) (Person, bool, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return Person{}, false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	emailKey := normalizeEmail(p.Email)

	if id, ok := s.personsByExternalID[externalID]; ok {
		existing := s.persons[id]
		if emailKey != "" {
			if owner, exists := s.personsByEmail[emailKey]; exists && owner != id {
				return Person{}, false, ErrDuplicate
			}
			delete(s.personsByEmail, normalizeEmail(existing.Email))
			s.personsByEmail[emailKey] = id
		}
		updated := existing
		updated.FirstName = p.FirstName
		updated.LastName = p.LastName
		if p.Email != "" {
			updated.Email = p.Email
		}
		updated.Phone = p.Phone
		updated.ExternalProperties = p.ExternalProperties
		updated.Origin = OriginExternal
		updated.LastModifiedAt = now
		updated.UpdatedAt = now
		s.persons[id] = updated
		s.saveLocked()
		return updated, false, nil
	}

	if strings.TrimSpace(p.FirstName) == "" || emailKey == "" {
		return Person{}, false, ErrInvalidInput
	}
	if _, exists := s.personsByEmail[emailKey]; exists {
		return Person{}, false, ErrDuplicate
	}
	created := p
	created.ID = uuid.NewString()
	created.ExternalID = externalID
	created.Origin = OriginExternal
	created.LastModifiedAt = now
	created.CreatedAt = now
	created.UpdatedAt = now
	s.persons[created.ID] = created
	s.personsByEmail[emailKey] = created.ID
	s.personsByExternalID[externalID] = created.ID
	s.saveLocked()
	return created, true, nil
}

func (s *Store) CreateOrganization(o Organization) (Organization, error) {
	if strings.TrimSpace(o.Name) == "" {
		return Organization{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	domainKey := normalizeDomain(o.Domain)
	if domainKey != "" {
		if _, exists := s.orgsByDomain[domainKey]; exists {
			return Organization{}, ErrDuplicate
		}
	}
	if o.ExternalID != "" {
		if _, exists := s.orgsByExternalID[o.ExternalID]; exists {
			return Organization{}, ErrDuplicate
		}
	}
	now := time.Now().UTC()
	o.ID = uuid.NewString()
	if o.Origin == "" {
		o.Origin = OriginLocal
	}
	o.CreatedAt = now
	o.UpdatedAt = now
	if o.LastModifiedAt.IsZero() {
		o.LastModifiedAt = now
	}
	s.organizations[o.ID] = o
	if domainKey != "" {
		s.orgsByDomain[domainKey] = o.ID
	}
	if o.ExternalID != "" {
		s.orgsByExternalID[o.ExternalID] = o.ID
	}
	s.saveLocked()
	return o, nil
}

func (s *Store) UpdateOrganization(id string, o Organization) (Organization, error) {
	if strings.TrimSpace(o.Name) == "" {
		return Organization{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.organizations[id]
	if !ok {
		return Organization{}, ErrNotFound
	}
	domainKey := normalizeDomain(o.Domain)
	if domainKey != "" {
		if owner, exists := s.orgsByDomain[domainKey]; exists && owner != id {
			return Organization{}, ErrDuplicate
		}
	}
	now := time.Now().UTC()
	updated := existing
	updated.Name = o.Name
	updated.Domain = o.Domain
	updated.Industry = o.Industry
	updated.Origin = OriginLocal
	updated.LastModifiedAt = now
	updated.UpdatedAt = now

	if key := normalizeDomain(existing.Domain); key != "" {
		delete(s.orgsByDomain, key)
	}
	if domainKey != "" {
		s.orgsByDomain[domainKey] = id
	}
	s.organizations[id] = updated
	s.saveLocked()
	return updated, nil
}

func (s *Store) GetOrganization(id string) (Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.organizations[id]
	if !ok {
		return Organization{}, ErrNotFound
	}
	return o, nil
}

func (s *Store) FindOrganizationByExternalID(externalID string) (Organization, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.orgsByExternalID[externalID]
	if !ok {
		return Organization{}, false
	}
	return s.organizations[id], true
}

func (s *Store) ListOrganizations() []Organization {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Organization, 0, len(s.organizations))
	for _, o := range s.organizations {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) DeleteOrganization(id string) (Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.organizations[id]
	if !ok {
		return Organization{}, ErrNotFound
	}
	delete(s.organizations, id)
	if key := normalizeDomain(o.Domain); key != "" {
		delete(s.orgsByDomain, key)
	}
	if o.ExternalID != "" {
		delete(s.orgsByExternalID, o.ExternalID)
	}
	s.saveLocked()
	return o, nil
}

func (s *Store) SetOrganizationExternalID(id, externalID string) (Organization, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return Organization{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.organizations[id]
	if !ok {
		return Organization{}, ErrNotFound
	}
	if owner, exists := s.orgsByExternalID[externalID]; exists && owner != id {
		return Organization{}, ErrDuplicate
	}
	if o.ExternalID != "" && o.ExternalID != externalID {
		delete(s.orgsByExternalID, o.ExternalID)
	}
	o.ExternalID = externalID
	o.UpdatedAt = time.Now().UTC()
	s.organizations[id] = o
	s.orgsByExternalID[externalID] = id
	s.saveLocked()
	return o, nil
}

// SetOrganizationOrigin restamps provenance without touching field values.
func (s *Store) SetOrganizationOrigin(id string, origin Origin) (Organization, error) {
	if origin != OriginLocal && origin != OriginExternal {
		return Organization{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.organizations[id]
	if !ok {
		return Organization{}, ErrNotFound
	}
	o.Origin = origin
	s.organizations[id] = o
	s.saveLocked()
	return o, nil
}

func (s *Store) UpsertOrganizationFromExternal(externalID string, o Organization) (Organization, bool, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return Organization{}, false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	domainKey := normalizeDomain(o.Domain)

	if id, ok := s.orgsByExternalID[externalID]; ok {
		existing := s.organizations[id]
		if domainKey != "" {
			if owner, exists := s.orgsByDomain[domainKey]; exists && owner != id {
				return Organization{}, false, ErrDuplicate
			}
			if key := normalizeDomain(existing.Domain); key != "" {
				delete(s.orgsByDomain, key)
			}
			s.orgsByDomain[domainKey] = id
		}
		updated := existing
		updated.Name = o.Name
		if o.Domain != "" {
			updated.Domain = o.Domain
		}
		updated.Industry = o.Industry
		updated.ExternalProperties = o.ExternalProperties
		updated.Origin = OriginExternal
		updated.LastModifiedAt = now
		updated.UpdatedAt = now
		s.organizations[id] = updated
		s.saveLocked()
		return updated, false, nil
	}

	if strings.TrimSpace(o.Name) == "" {
		return Organization{}, false, ErrInvalidInput
	}
	if domainKey != "" {
		if _, exists := s.orgsByDomain[domainKey]; exists {
			return Organization{}, false, ErrDuplicate
		}
	}
	created := o
	created.ID = uuid.NewString()
	created.ExternalID = externalID
	created.Origin = OriginExternal
	created.LastModifiedAt = now
	created.CreatedAt = now
	created.UpdatedAt = now
	s.organizations[created.ID] = created
	if domainKey != "" {
		s.orgsByDomain[domainKey] = created.ID
	}
	s.orgsByExternalID[externalID] = created.ID
	s.saveLocked()
	return created, true, nil
}

// AppendSyncLog records the start of a sync attempt. Status defaults to
// PENDING; rejected webhook deliveries are appended already FAILED with
// CompletedAt set, since no attempt ever starts for them.
func (s *Store) AppendSyncLog(entry SyncLogEntry) (SyncLogEntry, error) {
	if entry.Action == "" {
		return SyncLogEntry{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	entry.ID = uuid.NewString()
	if entry.Status == "" {
		entry.Status = SyncStatusPending
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = now
	}
	if entry.Status != SyncStatusPending && entry.CompletedAt == nil {
		entry.CompletedAt = &now
	}
	s.syncLogs[entry.ID] = entry
	s.syncLogOrder = append(s.syncLogOrder, entry.ID)
	s.saveLocked()
	return entry, nil
}

// CompleteSyncLog transitions a PENDING entry to its terminal status exactly
// once. Completed entries are immutable; a second completion is rejected.
func (s *Store) CompleteSyncLog(id string, status SyncStatus, entityID, externalID, errorMessage string) (SyncLogEntry, error) {
	if status != SyncStatusSuccess && status != SyncStatusFailed {
		return SyncLogEntry{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.syncLogs[id]
	if !ok {
		return SyncLogEntry{}, ErrNotFound
	}
	if entry.Status != SyncStatusPending {
		return SyncLogEntry{}, ErrInvalidState
	}
	now := time.Now().UTC()
	entry.Status = status
	if entityID != "" {
		entry.EntityID = entityID
	}
	if externalID != "" {
		entry.ExternalID = externalID
	}
	entry.ErrorMessage = errorMessage
	entry.CompletedAt = &now
	s.syncLogs[id] = entry
	s.saveLocked()
	return entry, nil
}

func (s *Store) GetSyncLog(id string) (SyncLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.syncLogs[id]
	if !ok {
		return SyncLogEntry{}, ErrNotFound
	}
	return entry, nil
}

// ListSyncLogs returns entries newest first.
func (s *Store) ListSyncLogs(filter SyncLogFilter) []SyncLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SyncLogEntry, 0, len(s.syncLogOrder))
	for i := len(s.syncLogOrder) - 1; i >= 0; i-- {
		entry, ok := s.syncLogs[s.syncLogOrder[i]]
		if !ok {
			continue
		}
		if filter.EntityKind != "" && entry.EntityKind != filter.EntityKind {
			continue
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

func (s *Store) RecordConflict(c ConflictRecord) (ConflictRecord, error) {
	if c.EntityKind == "" {
		return ConflictRecord{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c.ID = uuid.NewString()
	c.Resolved = false
	c.ResolutionStrategy = ""
	c.ResolvedAt = nil
	c.CreatedAt = time.Now().UTC()
	s.conflicts[c.ID] = c
	s.conflictOrder = append(s.conflictOrder, c.ID)
	s.saveLocked()
	return c, nil
}

func (s *Store) GetConflict(id string) (ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok {
		return ConflictRecord{}, ErrNotFound
	}
	return c, nil
}

// ListConflicts returns records newest first.
func (s *Store) ListConflicts(filter ConflictFilter) []ConflictRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConflictRecord, 0, len(s.conflictOrder))
	for i := len(s.conflictOrder) - 1; i >= 0; i-- {
		c, ok := s.conflicts[s.conflictOrder[i]]
		if !ok {
			continue
		}
		if filter.EntityKind != "" && c.EntityKind != filter.EntityKind {
			continue
		}
		if filter.UnresolvedOnly && c.Resolved {
			continue
		}
		out = append(out, c)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// MarkConflictResolved is the one-way resolution transition. The caller is
// responsible for applying the chosen strategy's side effects first.
func (s *Store) MarkConflictResolved(id string, strategy ResolutionStrategy) (ConflictRecord, error) {
	switch strategy {
	case ResolutionLocalWins, ResolutionExternalWins, ResolutionMerged:
	default:
		return ConflictRecord{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conflicts[id]
	if !ok {
		return ConflictRecord{}, ErrNotFound
	}
	if c.Resolved {
		return ConflictRecord{}, ErrInvalidState
	}
	now := time.Now().UTC()
	c.Resolved = true
	c.ResolutionStrategy = strategy
	c.ResolvedAt = &now
	s.conflicts[id] = c
	s.saveLocked()
	return c, nil
}
