package gridsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteStoreConfig configures the SQLite document store.
type SQLiteStoreConfig struct {
	// Path to the SQLite database file
	Path string

	// CacheSize is the SQLite page cache size in KB (default: 2000 = 2MB)
	CacheSize int

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int

	// MaxConnections is the max number of database connections
	MaxConnections int

	// Compress enables snappy compression of document payload blobs
	Compress bool

	// Encryption configures at-rest encryption of payload blobs.
	// If nil or Enabled is false, payloads are stored unencrypted.
	Encryption *EncryptionConfig
}

// DefaultSQLiteStoreConfig returns default configuration.
func DefaultSQLiteStoreConfig() SQLiteStoreConfig {
	return SQLiteStoreConfig{
		Path:           "gridsync.db",
		CacheSize:      2000,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 10,
		Compress:       true,
	}
}

// documentPayload is the variable-shape part of a document, stored as one
// blob so the fixed columns stay queryable with standard SQLite tools.
type documentPayload struct {
	Data   [][]string  `json:"data"`
	Ranges []RangeData `json:"ranges"`
	Layout *Layout     `json:"layout,omitempty"`
	Charts []Chart     `json:"charts"`
}

// SQLiteStore implements DocumentStore using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	config    SQLiteStoreConfig
	encryptor *Encryptor
	mu        sync.RWMutex
	closed    bool

	// Prepared statements for common operations
	selectStmt *sql.Stmt
	listStmt   *sql.Stmt
	budgetStmt *sql.Stmt
}

// NewSQLiteStore creates a new SQLite-backed document store.
func NewSQLiteStore(config SQLiteStoreConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		config.Path = "gridsync.db"
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}

	// Build connection string with pragmas
	dsn := fmt.Sprintf("%s?_cache_size=%d&_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.CacheSize, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	store := &SQLiteStore{
		db:     db,
		config: config,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := store.initEncryption(); err != nil {
		db.Close()
		return nil, err
	}

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema.
func (s *SQLiteStore) initSchema() error {
	schema := `
		-- Canonical document records, one per document id
		CREATE TABLE IF NOT EXISTS documents (
			document_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			doc_type TEXT NOT NULL,
			payload BLOB NOT NULL,
			version INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		-- Singleton budget book record
		CREATE TABLE IF NOT EXISTS budget_book (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			image TEXT NOT NULL DEFAULT '',
			screenshots BLOB,
			updated_at INTEGER NOT NULL
		);

		-- Store metadata (encryption salt, format version)
		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_documents_updated ON documents(updated_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// initEncryption sets up the payload encryptor, persisting the key
// derivation salt in the meta table on first use.
func (s *SQLiteStore) initEncryption() error {
	cfg := s.config.Encryption
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	var salt []byte
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'encryption_salt'`).Scan(&salt)
	switch {
	case err == sql.ErrNoRows:
		enc, err := NewEncryptor(*cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize encryption: %w", err)
		}
		if _, err := s.db.Exec(`INSERT INTO meta (key, value) VALUES ('encryption_salt', ?)`, enc.Salt()); err != nil {
			return fmt.Errorf("failed to persist encryption salt: %w", err)
		}
		s.encryptor = enc
	case err != nil:
		return fmt.Errorf("failed to read encryption salt: %w", err)
	default:
		if len(cfg.Key) > 0 {
			enc, err := NewEncryptor(*cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize encryption: %w", err)
			}
			s.encryptor = enc
			return nil
		}
		enc, err := NewEncryptorWithSalt(cfg.KeyPassword, salt)
		if err != nil {
			return fmt.Errorf("failed to re-derive encryption key: %w", err)
		}
		s.encryptor = enc
	}
	return nil
}

// prepareStatements prepares common SQL statements.
func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.selectStmt, err = s.db.Prepare(`
		SELECT title, doc_type, payload, version, created_at, updated_at
		FROM documents WHERE document_id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare select statement: %w", err)
	}

	s.listStmt, err = s.db.Prepare(`
		SELECT document_id, title, doc_type, payload, version, created_at, updated_at
		FROM documents ORDER BY document_id
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare list statement: %w", err)
	}

	s.budgetStmt, err = s.db.Prepare(`
		SELECT image, screenshots, updated_at FROM budget_book WHERE id = 1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare budget book statement: %w", err)
	}

	return nil
}

// encodePayload serializes, compresses, and encrypts a document payload.
func (s *SQLiteStore) encodePayload(p *documentPayload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if s.config.Compress {
		raw = snappy.Encode(nil, raw)
	}
	if s.encryptor != nil {
		raw, err = s.encryptor.Encrypt(raw)
		if err != nil {
			return nil, err
		}
	}
	return raw, nil
}

// decodePayload reverses encodePayload.
func (s *SQLiteStore) decodePayload(blob []byte) (*documentPayload, error) {
	var err error
	if s.encryptor != nil {
		blob, err = s.encryptor.Decrypt(blob)
		if err != nil {
			return nil, err
		}
	}
	if s.config.Compress {
		blob, err = snappy.Decode(nil, blob)
		if err != nil {
			return nil, err
		}
	}
	var p documentPayload
	if err := json.Unmarshal(blob, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *SQLiteStore) rowToDocument(id, title, docType string, blob []byte, version, createdAt, updatedAt int64) (*Document, error) {
	payload, err := s.decodePayload(blob)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeCodec, "failed to decode document payload", id, err)
	}
	doc := &Document{
		DocumentID: id,
		Title:      title,
		Type:       docType,
		Data:       payload.Data,
		Ranges:     payload.Ranges,
		Layout:     payload.Layout,
		Charts:     payload.Charts,
		Version:    version,
		CreatedAt:  time.Unix(0, createdAt).UTC(),
		UpdatedAt:  time.Unix(0, updatedAt).UTC(),
	}
	if doc.Data == nil {
		doc.Data = [][]string{}
	}
	if doc.Ranges == nil {
		doc.Ranges = []RangeData{}
	}
	if doc.Charts == nil {
		doc.Charts = []Chart{}
	}
	return doc, nil
}

// Get returns the document for id, or ErrDocumentNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var (
		title, docType    string
		blob              []byte
		version, cAt, uAt int64
	)
	err := s.selectStmt.QueryRowContext(ctx, id).Scan(&title, &docType, &blob, &version, &cAt, &uAt)
	if err == sql.ErrNoRows {
		return nil, newStoreError(StoreErrorTypeNotFound, "document not found", id, nil)
	}
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "failed to read document", id, err)
	}
	return s.rowToDocument(id, title, docType, blob, version, cAt, uAt)
}

// List returns all documents ordered by id.
func (s *SQLiteStore) List(ctx context.Context) ([]*Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.listStmt.QueryContext(ctx)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "failed to list documents", "", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		var (
			id, title, docType string
			blob               []byte
			version, cAt, uAt  int64
		)
		if err := rows.Scan(&id, &title, &docType, &blob, &version, &cAt, &uAt); err != nil {
			return nil, newStoreError(StoreErrorTypeRead, "failed to scan document", "", err)
		}
		doc, err := s.rowToDocument(id, title, docType, blob, version, cAt, uAt)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Upsert creates or merges a document inside a single transaction so the
// read-modify-write and version increment are atomic per record.
func (s *SQLiteStore) Upsert(ctx context.Context, id string, req UpdateRequest) (*Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeWrite, "failed to begin upsert", id, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var (
		title, docType    string
		blob              []byte
		version, cAt, uAt int64
	)
	var doc *Document
	err = tx.QueryRowContext(ctx, `
		SELECT title, doc_type, payload, version, created_at, updated_at
		FROM documents WHERE document_id = ?
	`, id).Scan(&title, &docType, &blob, &version, &cAt, &uAt)
	switch {
	case err == sql.ErrNoRows:
		doc = newDocument(id, req, now)
	case err != nil:
		return nil, newStoreError(StoreErrorTypeRead, "failed to read document", id, err)
	default:
		doc, err = s.rowToDocument(id, title, docType, blob, version, cAt, uAt)
		if err != nil {
			return nil, err
		}
		applyUpdate(doc, req)
		doc.Version++
		doc.UpdatedAt = now
	}

	payload, err := s.encodePayload(&documentPayload{
		Data:   doc.Data,
		Ranges: doc.Ranges,
		Layout: doc.Layout,
		Charts: doc.Charts,
	})
	if err != nil {
		return nil, newStoreError(StoreErrorTypeCodec, "failed to encode document payload", id, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO documents
			(document_id, title, doc_type, payload, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, doc.Title, doc.Type, payload, doc.Version, doc.CreatedAt.UnixNano(), doc.UpdatedAt.UnixNano())
	if err != nil {
		return nil, newStoreError(StoreErrorTypeWrite, "failed to write document", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, newStoreError(StoreErrorTypeWrite, "failed to commit upsert", id, err)
	}
	return doc, nil
}

// GetBudgetBook returns the singleton budget book record.
func (s *SQLiteStore) GetBudgetBook(ctx context.Context) (*BudgetBook, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var (
		image     string
		shotsBlob []byte
		updatedAt int64
	)
	err := s.budgetStmt.QueryRowContext(ctx).Scan(&image, &shotsBlob, &updatedAt)
	if err == sql.ErrNoRows {
		return &BudgetBook{Screenshots: []Screenshot{}}, nil
	}
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "failed to read budget book", "", err)
	}

	bb := &BudgetBook{
		Image:       image,
		Screenshots: []Screenshot{},
		UpdatedAt:   time.Unix(0, updatedAt).UTC(),
	}
	if len(shotsBlob) > 0 {
		if err := json.Unmarshal(shotsBlob, &bb.Screenshots); err != nil {
			return nil, newStoreError(StoreErrorTypeCodec, "failed to decode screenshots", "", err)
		}
	}
	return bb, nil
}

// UpsertBudgetBook merges req into the singleton record.
func (s *SQLiteStore) UpsertBudgetBook(ctx context.Context, req BudgetBookUpdate) (*BudgetBook, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeWrite, "failed to begin budget book upsert", "", err)
	}
	defer tx.Rollback()

	bb := &BudgetBook{Screenshots: []Screenshot{}}
	var (
		image     string
		shotsBlob []byte
		updatedAt int64
	)
	err = tx.QueryRowContext(ctx, `SELECT image, screenshots, updated_at FROM budget_book WHERE id = 1`).
		Scan(&image, &shotsBlob, &updatedAt)
	switch {
	case err == sql.ErrNoRows:
		// first write
	case err != nil:
		return nil, newStoreError(StoreErrorTypeRead, "failed to read budget book", "", err)
	default:
		bb.Image = image
		if len(shotsBlob) > 0 {
			if err := json.Unmarshal(shotsBlob, &bb.Screenshots); err != nil {
				return nil, newStoreError(StoreErrorTypeCodec, "failed to decode screenshots", "", err)
			}
		}
	}

	if req.Image != "" {
		bb.Image = req.Image
	}
	if req.Screenshots != nil {
		bb.Screenshots = append([]Screenshot(nil), req.Screenshots...)
	}
	bb.UpdatedAt = time.Now().UTC()

	shots, err := json.Marshal(bb.Screenshots)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeCodec, "failed to encode screenshots", "", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO budget_book (id, image, screenshots, updated_at)
		VALUES (1, ?, ?, ?)
	`, bb.Image, shots, bb.UpdatedAt.UnixNano())
	if err != nil {
		return nil, newStoreError(StoreErrorTypeWrite, "failed to write budget book", "", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, newStoreError(StoreErrorTypeWrite, "failed to commit budget book upsert", "", err)
	}
	return bb, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, stmt := range []*sql.Stmt{s.selectStmt, s.listStmt, s.budgetStmt} {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Ensure both stores implement the interface.
var (
	_ DocumentStore = (*MemoryStore)(nil)
	_ DocumentStore = (*SQLiteStore)(nil)
)
