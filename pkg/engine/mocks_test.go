package engine

import (
	"context"
	"fmt"
	"sync"
)

// Mock repository for testing
type mockRepository struct {
	mu         sync.Mutex
	identities map[string]*IdentityRecord
	nextID     int
	calls      map[string]int

	// conflictUpdates fails that many UpdateIdentity calls with a
	// concurrent modification before letting them through
	conflictUpdates int
	failCreate      error
	failFind        error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		identities: make(map[string]*IdentityRecord),
		calls:      make(map[string]int),
	}
}

func (m *mockRepository) callCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *mockRepository) identityCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.identities)
}

func (m *mockRepository) record(id string) *IdentityRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneRecord(m.identities[id])
}

func (m *mockRepository) CreateIdentity(_ context.Context, draft *IdentityDraft) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["create"]++

	if m.failCreate != nil {
		return "", m.failCreate
	}

	name := draft.First("name")
	for _, rec := range m.identities {
		if name != "" && len(rec.Attributes["name"]) > 0 && rec.Attributes["name"][0] == name {
			return "", NewDuplicateIdentityError("identity violates a uniqueness constraint", nil)
		}
	}

	m.nextID++
	id := fmt.Sprintf("identity-%d", m.nextID)
	m.identities[id] = &IdentityRecord{
		ID:         id,
		Attributes: cloneAttributes(draft.Attributes),
		Links:      append([]AccountLink(nil), draft.Links...),
		Version:    1,
	}
	return id, nil
}

func (m *mockRepository) GetIdentity(_ context.Context, id string) (*IdentityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["get"]++

	rec, ok := m.identities[id]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("identity %s not found", id), nil)
	}
	return cloneRecord(rec), nil
}

func (m *mockRepository) UpdateIdentity(_ context.Context, id string, draft *IdentityDraft, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["update"]++

	if m.conflictUpdates > 0 {
		m.conflictUpdates--
		return NewConcurrentModificationError("injected conflict", nil)
	}

	rec, ok := m.identities[id]
	if !ok {
		return NewNotFoundError(fmt.Sprintf("identity %s not found", id), nil)
	}
	if rec.Version != expectedVersion {
		return NewConcurrentModificationError(
			fmt.Sprintf("identity %s changed since version %d", id, expectedVersion), nil)
	}

	rec.Attributes = cloneAttributes(draft.Attributes)
	rec.Links = append([]AccountLink(nil), draft.Links...)
	rec.Version++
	return nil
}

func (m *mockRepository) FindByLink(_ context.Context, resourceID, accountID string) ([]IdentityRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["find"]++

	if m.failFind != nil {
		return nil, m.failFind
	}

	var refs []IdentityRef
	for id, rec := range m.identities {
		for _, link := range rec.Links {
			if link.ResourceID == resourceID && link.AccountID == accountID {
				refs = append(refs, IdentityRef{ID: id})
				break
			}
		}
	}
	return refs, nil
}

func cloneRecord(rec *IdentityRecord) *IdentityRecord {
	if rec == nil {
		return nil
	}
	out := *rec
	out.Attributes = cloneAttributes(rec.Attributes)
	out.Links = append([]AccountLink(nil), rec.Links...)
	return &out
}

func cloneAttributes(attrs map[string][]string) map[string][]string {
	out := make(map[string][]string, len(attrs))
	for name, values := range attrs {
		out[name] = append([]string(nil), values...)
	}
	return out
}

// Mock template store for testing
type mockTemplateStore struct {
	templates map[string]*IdentityTemplate
}

func newMockTemplateStore(templates ...*IdentityTemplate) *mockTemplateStore {
	s := &mockTemplateStore{templates: make(map[string]*IdentityTemplate)}
	for _, tpl := range templates {
		s.templates[tpl.ID] = tpl
	}
	return s
}

func (m *mockTemplateStore) Get(_ context.Context, id string) (*IdentityTemplate, error) {
	tpl, ok := m.templates[id]
	if !ok {
		return nil, NewTemplateNotFoundError(id, nil)
	}
	return tpl, nil
}

// Mock expression evaluator for testing, keyed by expression text
type mockExpr struct {
	results map[string]interface{}
	errs    map[string]error
}

func (m *mockExpr) Eval(_ context.Context, expr string, _ map[string]interface{}) (interface{}, error) {
	if err, ok := m.errs[expr]; ok {
		return nil, err
	}
	if v, ok := m.results[expr]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unexpected expression %q", expr)
}

// Mock reaction policy for testing
type mockPolicy struct {
	mu       sync.Mutex
	reviewed int
	review   func(plan *ActionPlan, event *SyncEvent) (*ActionPlan, error)
}

func (m *mockPolicy) ReviewPlan(_ context.Context, plan *ActionPlan, event *SyncEvent) (*ActionPlan, error) {
	m.mu.Lock()
	m.reviewed++
	m.mu.Unlock()
	if m.review == nil {
		return plan, nil
	}
	return m.review(plan, event)
}

func (m *mockPolicy) reviewCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reviewed
}

// Mock audit sink for testing
type mockAuditSink struct {
	mu      sync.Mutex
	results []*ExecutionResult
	fail    error
}

func (m *mockAuditSink) AppendSyncEvent(_ context.Context, result *ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.results = append(m.results, result)
	return nil
}

func (m *mockAuditSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}
