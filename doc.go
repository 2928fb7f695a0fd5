// Package gridsync keeps a shared spreadsheet-like document synchronized in
// near-real-time between heterogeneous editors.
//
// A small relay server owns the canonical document state, persists it, and
// fans change notifications out to every connected editor over a long-lived
// event stream. Per-editor sync agents push local edits up and apply remote
// edits back without feedback loops.
//
// # Basic Usage
//
// Start a relay server with default configuration:
//
//	srv, err := gridsync.NewServer(gridsync.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Close()
//	go srv.ListenAndServe()
//
// Run a sync agent against an editing surface:
//
//	surface := gridsync.NewMemorySurface([]string{"A1:F10"})
//	agent := gridsync.NewAgent(gridsync.AgentConfig{
//	    ServerURL:  "http://localhost:3001",
//	    DocumentID: "demo-doc",
//	    SourceType: "web",
//	}, surface)
//	agent.Start(ctx)
//
// # Features
//
// Relay server:
//   - Document store with upsert semantics and a monotonic version counter
//   - In-memory or SQLite persistence (optionally compressed and encrypted)
//   - Change broadcaster with per-subscriber FIFO delivery
//   - HTTP JSON API with SSE and WebSocket event streams
//   - Budget book screenshot sub-resource
//   - Optional S3 snapshot archival
//
// Sync agents:
//   - Debounced single-flight pushes (latest snapshot wins)
//   - Echo suppression by source type
//   - Apply-grace window absorbing programmatic change notifications
//   - Multi-range partial reads with per-range error isolation
//   - Stream reconnect with bounded backoff
//
// Editing surfaces:
//   - In-memory grid surface for browser-style editors and tests
//   - Excel workbook surface backed by xlsx files (ranges, layout, charts)
//
// # Configuration
//
// Use [Config] to customize behavior:
//
//	cfg := gridsync.Config{
//	    HTTP: gridsync.HTTPConfig{Port: 3001},
//	    Store: gridsync.StoreConfig{
//	        Backend: "sqlite",
//	        Path:    "documents.db",
//	    },
//	}
//
// Or use [DefaultConfig] for sensible defaults; [LoadConfig] reads the same
// structure from a YAML file.
package gridsync
