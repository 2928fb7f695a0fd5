package gridsync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestSQLiteStore(t *testing.T, cfg SQLiteStoreConfig) *SQLiteStore {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "gridsync.db")
	}
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t, SQLiteStoreConfig{})
	ctx := context.Background()

	_, err := store.Upsert(ctx, "doc-1", UpdateRequest{
		Title: "Budget",
		Type:  "excel",
		Ranges: []RangeData{
			{Address: "A1:B2", Data: [][]string{{"100", "200"}, {"300", "400"}}},
		},
		Layout: &Layout{ColumnWidths: []float64{80, 90}, RowHeights: []float64{20, 20}},
		Charts: []Chart{{Name: "q1", Image: "data:image/png;base64,AA=="}},
	})
	if err != nil {
		t.Fatalf("upsert error: %v", err)
	}

	doc, err := store.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if doc.Title != "Budget" || doc.Version != 1 {
		t.Errorf("title/version = %q/%d, want Budget/1", doc.Title, doc.Version)
	}
	if len(doc.Ranges) != 1 || doc.Ranges[0].Data[1][1] != "400" {
		t.Errorf("unexpected ranges: %+v", doc.Ranges)
	}
	if doc.Layout == nil || len(doc.Layout.ColumnWidths) != 2 {
		t.Error("layout did not survive the round trip")
	}
	if len(doc.Charts) != 1 {
		t.Error("charts did not survive the round trip")
	}
}

func TestSQLiteStore_VersionIncrementAndMerge(t *testing.T) {
	store := newTestSQLiteStore(t, SQLiteStoreConfig{})
	ctx := context.Background()

	if _, err := store.Upsert(ctx, "doc-1", UpdateRequest{
		Title:  "Budget",
		Layout: &Layout{ColumnWidths: []float64{80}},
	}); err != nil {
		t.Fatalf("upsert error: %v", err)
	}

	doc, err := store.Upsert(ctx, "doc-1", UpdateRequest{
		Ranges: []RangeData{{Address: "A1:A1", Data: [][]string{{"x"}}}},
	})
	if err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	if doc.Version != 2 {
		t.Errorf("version = %d, want 2", doc.Version)
	}
	if doc.Title != "Budget" {
		t.Errorf("title = %q, want Budget", doc.Title)
	}
	if doc.Layout == nil {
		t.Error("layout cleared by ranges-only update")
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridsync.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(SQLiteStoreConfig{Path: path})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := store.Upsert(ctx, "doc-1", UpdateRequest{Title: "Persistent"}); err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	store2 := newTestSQLiteStore(t, SQLiteStoreConfig{Path: path})
	doc, err := store2.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if doc.Title != "Persistent" {
		t.Errorf("title = %q, want Persistent", doc.Title)
	}
}

func TestSQLiteStore_CompressedAndEncrypted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridsync.db")
	cfg := SQLiteStoreConfig{
		Path:     path,
		Compress: true,
		Encryption: &EncryptionConfig{
			Enabled:     true,
			KeyPassword: "test-password",
		},
	}
	ctx := context.Background()

	store := newTestSQLiteStore(t, cfg)
	if _, err := store.Upsert(ctx, "doc-1", UpdateRequest{
		Ranges: []RangeData{{Address: "A1:A1", Data: [][]string{{"secret"}}}},
	}); err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	store.Close()

	// Same password: readable. The salt is persisted in the database, so
	// a fresh config derives the same key.
	store2 := newTestSQLiteStore(t, cfg)
	doc, err := store2.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if doc.Ranges[0].Data[0][0] != "secret" {
		t.Errorf("cell = %q, want secret", doc.Ranges[0].Data[0][0])
	}
	store2.Close()

	// Wrong password: payloads must not decrypt.
	bad := cfg
	bad.Encryption = &EncryptionConfig{Enabled: true, KeyPassword: "wrong"}
	store3 := newTestSQLiteStore(t, bad)
	if _, err := store3.Get(ctx, "doc-1"); err == nil {
		t.Error("expected decrypt failure with wrong password")
	}
}

func TestSQLiteStore_NotFound(t *testing.T) {
	store := newTestSQLiteStore(t, SQLiteStoreConfig{})

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("err = %v, want ErrDocumentNotFound", err)
	}
}

func TestSQLiteStore_BudgetBook(t *testing.T) {
	store := newTestSQLiteStore(t, SQLiteStoreConfig{})
	ctx := context.Background()

	bb, err := store.GetBudgetBook(ctx)
	if err != nil {
		t.Fatalf("get empty budget book: %v", err)
	}
	if bb.Image != "" || len(bb.Screenshots) != 0 {
		t.Errorf("expected empty budget book, got %+v", bb)
	}

	if _, err := store.UpsertBudgetBook(ctx, BudgetBookUpdate{Image: "data:img"}); err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	bb, err = store.UpsertBudgetBook(ctx, BudgetBookUpdate{
		Screenshots: []Screenshot{{Address: "A1:D10", Image: "data:shot"}},
	})
	if err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	if bb.Image != "data:img" || len(bb.Screenshots) != 1 {
		t.Errorf("independent merge broken: %+v", bb)
	}
}

func TestSQLiteStore_List(t *testing.T) {
	store := newTestSQLiteStore(t, SQLiteStoreConfig{})
	ctx := context.Background()

	for _, id := range []string{"b", "a"} {
		if _, err := store.Upsert(ctx, id, UpdateRequest{}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	docs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("len = %d, want 2", len(docs))
	}
	if docs[0].DocumentID != "a" || docs[1].DocumentID != "b" {
		t.Errorf("expected id order [a b], got [%s %s]", docs[0].DocumentID, docs[1].DocumentID)
	}
}
