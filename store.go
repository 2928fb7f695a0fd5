package gridsync

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DocumentStore abstracts canonical document persistence.
// This interface allows the gateway to use different storage backends and
// lets tests substitute an in-memory fake.
type DocumentStore interface {
	// Get returns the document for id, or ErrDocumentNotFound.
	Get(ctx context.Context, id string) (*Document, error)

	// List returns all documents ordered by id.
	List(ctx context.Context) ([]*Document, error)

	// Upsert creates the document on first write and merges only the
	// fields present in req on subsequent writes. The version counter
	// increments by exactly one per accepted update; the whole
	// read-modify-write is atomic per record. Last write wins: no
	// expected-version precondition is checked.
	Upsert(ctx context.Context, id string, req UpdateRequest) (*Document, error)

	// GetBudgetBook returns the singleton budget book record.
	// A never-written budget book is returned empty, not as an error.
	GetBudgetBook(ctx context.Context) (*BudgetBook, error)

	// UpsertBudgetBook merges the provided fields into the singleton
	// record. Image and Screenshots are independent: setting one never
	// clears the other.
	UpsertBudgetBook(ctx context.Context, req BudgetBookUpdate) (*BudgetBook, error)

	// Close releases resources.
	Close() error
}

// applyUpdate merges req into doc in place. Only non-nil fields overwrite.
// Shared by every store implementation so merge semantics cannot drift.
func applyUpdate(doc *Document, req UpdateRequest) {
	if req.Title != "" {
		doc.Title = req.Title
	}
	if req.Type != "" {
		doc.Type = req.Type
	}
	if req.Data != nil {
		doc.Data = CloneGrid(req.Data)
	}
	if req.Ranges != nil {
		doc.Ranges = CloneRanges(req.Ranges)
	}
	if req.Layout != nil {
		doc.Layout = cloneLayout(req.Layout)
	}
	if req.Charts != nil {
		doc.Charts = cloneCharts(req.Charts)
	}
}

// newDocument seeds a document from a first write.
func newDocument(id string, req UpdateRequest, now time.Time) *Document {
	doc := &Document{
		DocumentID: id,
		Title:      "Untitled",
		Type:       "excel",
		Data:       [][]string{},
		Ranges:     []RangeData{},
		Charts:     []Chart{},
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	applyUpdate(doc, req)
	return doc
}

// MemoryStore is a mutex-guarded in-process DocumentStore.
// It is the default backend and the test double for everything above it.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]*Document
	budget BudgetBook
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*Document)}
}

// Get returns the document for id, or ErrDocumentNotFound.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	doc, ok := s.docs[id]
	if !ok {
		return nil, newStoreError(StoreErrorTypeNotFound, "document not found", id, nil)
	}
	return doc.clone(), nil
}

// List returns all documents ordered by id.
func (s *MemoryStore) List(ctx context.Context) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.docs[id].clone())
	}
	return out, nil
}

// Upsert creates or merges a document and bumps its version.
func (s *MemoryStore) Upsert(ctx context.Context, id string, req UpdateRequest) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	now := time.Now().UTC()
	doc, ok := s.docs[id]
	if !ok {
		doc = newDocument(id, req, now)
		s.docs[id] = doc
	} else {
		applyUpdate(doc, req)
		doc.Version++
		doc.UpdatedAt = now
	}
	return doc.clone(), nil
}

// GetBudgetBook returns the singleton budget book record.
func (s *MemoryStore) GetBudgetBook(ctx context.Context) (*BudgetBook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	bb := s.budget
	bb.Screenshots = append([]Screenshot(nil), s.budget.Screenshots...)
	return &bb, nil
}

// UpsertBudgetBook merges req into the singleton record.
func (s *MemoryStore) UpsertBudgetBook(ctx context.Context, req BudgetBookUpdate) (*BudgetBook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if req.Image != "" {
		s.budget.Image = req.Image
	}
	if req.Screenshots != nil {
		s.budget.Screenshots = append([]Screenshot(nil), req.Screenshots...)
	}
	s.budget.UpdatedAt = time.Now().UTC()

	bb := s.budget
	bb.Screenshots = append([]Screenshot(nil), s.budget.Screenshots...)
	return &bb, nil
}

// Close marks the store closed. Further calls return ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
