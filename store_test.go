package gridsync

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStore_UpsertCreatesWithDefaults(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	doc, err := store.Upsert(context.Background(), "doc-1", UpdateRequest{})
	if err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	if doc.DocumentID != "doc-1" {
		t.Errorf("documentId = %q, want doc-1", doc.DocumentID)
	}
	if doc.Title != "Untitled" {
		t.Errorf("title = %q, want Untitled", doc.Title)
	}
	if doc.Type != "excel" {
		t.Errorf("type = %q, want excel", doc.Type)
	}
	if doc.Version != 1 {
		t.Errorf("version = %d, want 1", doc.Version)
	}
	if doc.CreatedAt.IsZero() || doc.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
}

func TestMemoryStore_UpsertIncrementsVersion(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Upsert(ctx, "doc-1", UpdateRequest{Title: "First"}); err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	doc, err := store.Upsert(ctx, "doc-1", UpdateRequest{Title: "Second"})
	if err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	if doc.Version != 2 {
		t.Errorf("version = %d, want 2", doc.Version)
	}
	if doc.Title != "Second" {
		t.Errorf("title = %q, want Second", doc.Title)
	}
}

func TestMemoryStore_PartialUpdatePreservesFields(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	layout := &Layout{ColumnWidths: []float64{80, 120}, RowHeights: []float64{20}}
	charts := []Chart{{Name: "sales", Image: "data:image/png;base64,AA=="}}
	if _, err := store.Upsert(ctx, "doc-1", UpdateRequest{
		Title:  "Budget",
		Ranges: []RangeData{{Address: "A1:B2", Data: [][]string{{"1", "2"}}}},
		Layout: layout,
		Charts: charts,
	}); err != nil {
		t.Fatalf("upsert error: %v", err)
	}

	// Ranges-only update: layout and charts must survive.
	doc, err := store.Upsert(ctx, "doc-1", UpdateRequest{
		Ranges: []RangeData{{Address: "A1:B2", Data: [][]string{{"3", "4"}}}},
	})
	if err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	if doc.Layout == nil || len(doc.Layout.ColumnWidths) != 2 {
		t.Error("expected layout to be preserved")
	}
	if len(doc.Charts) != 1 || doc.Charts[0].Name != "sales" {
		t.Error("expected charts to be preserved")
	}
	if doc.Title != "Budget" {
		t.Errorf("title = %q, want Budget", doc.Title)
	}
	if got := doc.Ranges[0].Data[0][0]; got != "3" {
		t.Errorf("cell = %q, want 3", got)
	}
}

func TestMemoryStore_ExplicitEmptyLayoutOverwrites(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Upsert(ctx, "doc-1", UpdateRequest{
		Layout: &Layout{ColumnWidths: []float64{80, 120}, RowHeights: []float64{20}},
	}); err != nil {
		t.Fatalf("upsert error: %v", err)
	}

	// An omitted layout preserves; an explicitly empty one clears.
	doc, err := store.Upsert(ctx, "doc-1", UpdateRequest{
		Layout: &Layout{ColumnWidths: []float64{}, RowHeights: []float64{}},
	})
	if err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	if doc.Layout == nil {
		t.Fatal("expected layout record to survive")
	}
	if len(doc.Layout.ColumnWidths) != 0 || len(doc.Layout.RowHeights) != 0 {
		t.Errorf("layout = %+v, want cleared", doc.Layout)
	}
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("err = %v, want ErrDocumentNotFound", err)
	}
}

func TestMemoryStore_ReturnsClones(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Upsert(ctx, "doc-1", UpdateRequest{
		Ranges: []RangeData{{Address: "A1:A1", Data: [][]string{{"x"}}}},
	}); err != nil {
		t.Fatalf("upsert error: %v", err)
	}

	doc, _ := store.Get(ctx, "doc-1")
	doc.Ranges[0].Data[0][0] = "mutated"

	again, _ := store.Get(ctx, "doc-1")
	if again.Ranges[0].Data[0][0] != "x" {
		t.Error("caller mutation leaked into the store")
	}
}

func TestMemoryStore_BudgetBookIndependentMerge(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	if _, err := store.UpsertBudgetBook(ctx, BudgetBookUpdate{Image: "data:legacy"}); err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	bb, err := store.UpsertBudgetBook(ctx, BudgetBookUpdate{
		Screenshots: []Screenshot{{Address: "A1:D10", Image: "data:shot"}},
	})
	if err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	if bb.Image != "data:legacy" {
		t.Error("screenshot update must not clear the legacy image")
	}
	if len(bb.Screenshots) != 1 {
		t.Fatalf("screenshots = %d, want 1", len(bb.Screenshots))
	}

	// Legacy image update must not clear screenshots either.
	bb, _ = store.UpsertBudgetBook(ctx, BudgetBookUpdate{Image: "data:newer"})
	if bb.Image != "data:newer" || len(bb.Screenshots) != 1 {
		t.Error("image update must replace image and keep screenshots")
	}
}

func TestMemoryStore_List(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := store.Upsert(ctx, id, UpdateRequest{}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	docs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(docs) != 3 {
		t.Errorf("len = %d, want 3", len(docs))
	}
}

func TestMemoryStore_ClosedRejects(t *testing.T) {
	store := NewMemoryStore()
	store.Close()

	if _, err := store.Get(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if _, err := store.Upsert(context.Background(), "x", UpdateRequest{}); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
