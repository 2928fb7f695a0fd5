package gridsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AgentState enumerates the sync agent state machine.
type AgentState int32

const (
	// StateIdle: no local changes queued, no push in flight, no remote
	// apply in progress.
	StateIdle AgentState = iota
	// StatePendingLocal: a local snapshot is queued behind the debounce
	// window.
	StatePendingLocal
	// StateSyncingLocal: a push is in flight. New snapshots queue behind
	// it and drain when it completes.
	StateSyncingLocal
	// StateApplyingRemote: a remote update is being written to the local
	// surface, or the post-write grace window is still open. Local
	// change notifications are discarded in this state — they are side
	// effects of the apply, not user edits.
	StateApplyingRemote
)

func (s AgentState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePendingLocal:
		return "pending_local"
	case StateSyncingLocal:
		return "syncing_local"
	case StateApplyingRemote:
		return "applying_remote"
	default:
		return "unknown"
	}
}

// AgentStatus is the user-visible connection/sync status.
type AgentStatus string

const (
	StatusConnecting   AgentStatus = "connecting"
	StatusConnected    AgentStatus = "connected"
	StatusSyncing      AgentStatus = "syncing"
	StatusSynced       AgentStatus = "synced"
	StatusSyncFailed   AgentStatus = "sync_failed"
	StatusReconnecting AgentStatus = "reconnecting"
	StatusOffline      AgentStatus = "offline"
)

// AgentConfig configures a client sync agent.
type AgentConfig struct {
	// ServerURL is the relay root, e.g. "http://localhost:3001".
	ServerURL string

	// DocumentID is the shared document this agent edits.
	DocumentID string

	// SourceType tags this agent's pushes ("excel", "web", ...). Stream
	// events carrying the same sourceType are echoes of our own writes
	// and are ignored.
	SourceType string

	// Title is sent with every push.
	Title string

	// Debounce is the local-change collapse window. Default: 500ms.
	Debounce time.Duration

	// ApplyGrace holds the remote-apply gate open after a write so the
	// surface's trailing change notifications are absorbed.
	// Default: 1500ms.
	ApplyGrace time.Duration

	// ReconnectDelay is the base stream reconnect delay; the actual
	// delay is ReconnectDelay × attempt. Default: 5s.
	ReconnectDelay time.Duration

	// MaxReconnects caps reconnect attempts before the agent reports
	// offline and stops. Default: 5. Set to -1 for unbounded retries.
	MaxReconnects int

	// OnStatus is invoked on every status change. Optional.
	OnStatus func(AgentStatus)
}

func (c *AgentConfig) fixup() {
	if c.Debounce <= 0 {
		c.Debounce = 500 * time.Millisecond
	}
	if c.ApplyGrace <= 0 {
		c.ApplyGrace = 1500 * time.Millisecond
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 5
	}
}

// Agent synchronizes one editing surface with the relay.
//
// Two independently-triggered change sources share the surface's change
// notification: genuine user edits, and the agent's own writes of remote
// data. The state machine keeps them apart — without the
// StateApplyingRemote gate every remote update would echo straight back
// as a local push, ping-ponging forever.
type Agent struct {
	id      string
	config  AgentConfig
	surface Surface
	client  *Client

	mu      sync.Mutex
	state   AgentState
	pending *Snapshot   // capacity-1 queue: newest snapshot only
	timer   *time.Timer // debounce timer, nil when idle
	status  AgentStatus
	closed  bool
}

// NewAgent creates a sync agent for a surface. Call Start to begin.
func NewAgent(cfg AgentConfig, surface Surface) *Agent {
	cfg.fixup()
	return &Agent{
		id:      uuid.NewString(),
		config:  cfg,
		surface: surface,
		client:  NewClient(cfg.ServerURL),
		status:  StatusConnecting,
	}
}

// Client returns the underlying gateway client.
func (a *Agent) Client() *Client {
	return a.client
}

// State returns the current state machine state.
func (a *Agent) State() AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Status returns the current user-visible status.
func (a *Agent) Status() AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Agent) setStatus(st AgentStatus) {
	a.mu.Lock()
	changed := a.status != st
	a.status = st
	cb := a.config.OnStatus
	a.mu.Unlock()
	if changed && cb != nil {
		cb(st)
	}
}

// Start loads current server state into the surface, registers the local
// change handler, and launches the stream consumer. It returns once the
// agent is running; cancel ctx to stop it.
func (a *Agent) Start(ctx context.Context) error {
	// Initial load happens under the apply gate so the seeding write is
	// not mistaken for a user edit.
	doc, err := a.client.GetDocument(ctx, a.config.DocumentID)
	switch {
	case err == nil:
		a.applySnapshot(ctx, &Snapshot{
			Ranges: normalizeDocRanges(doc),
			Layout: doc.Layout,
			Charts: doc.Charts,
		})
	case err == ErrDocumentNotFound:
		// First editor of an unseen document: nothing to load.
	default:
		// Degraded start: the stream loop will keep retrying.
		slog.Warn("initial document load failed", "documentId", a.config.DocumentID, "err", err)
	}

	a.surface.OnChange(func() { a.onLocalChange(ctx) })
	go a.streamLoop(ctx)
	return nil
}

// normalizeDocRanges picks the authoritative grid representation: ranges
// when present, otherwise the legacy whole-sheet grid.
func normalizeDocRanges(doc *Document) []RangeData {
	if len(doc.Ranges) > 0 {
		return doc.Ranges
	}
	if len(doc.Data) > 0 {
		return []RangeData{{Address: "Legacy", Data: doc.Data}}
	}
	return nil
}

// onLocalChange handles one surface change notification.
func (a *Agent) onLocalChange(ctx context.Context) {
	a.mu.Lock()
	if a.closed || a.state == StateApplyingRemote {
		// Side effect of our own remote apply, not a user edit.
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	snap, err := a.surface.Read(ctx)
	if err != nil {
		if err == ErrSurfaceBusy {
			// Mid-edit lock: not an error, the next change retries.
			slog.Debug("surface busy, deferring sync", "agent", a.id)
			return
		}
		slog.Warn("surface read failed", "agent", a.id, "err", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.state == StateApplyingRemote {
		return
	}

	// Last write wins within the window: overwrite the queued snapshot
	// and reset the timer.
	a.pending = snap
	if a.state == StateIdle {
		a.state = StatePendingLocal
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.config.Debounce, func() { a.debounceFired(ctx) })
}

// debounceFired moves the queued snapshot into flight, unless a push is
// already in flight — then it stays queued and drains after.
func (a *Agent) debounceFired(ctx context.Context) {
	a.mu.Lock()
	if a.closed || a.state != StatePendingLocal || a.pending == nil {
		a.mu.Unlock()
		return
	}
	snap := a.pending
	a.pending = nil
	a.state = StateSyncingLocal
	a.mu.Unlock()

	a.push(ctx, snap)
}

// push sends one snapshot, then drains any snapshot queued while it was
// in flight. Pushes from one agent are strictly serialized.
func (a *Agent) push(ctx context.Context, snap *Snapshot) {
	for snap != nil {
		a.setStatus(StatusSyncing)
		_, err := a.client.UpdateDocument(ctx, a.config.DocumentID, UpdateRequest{
			Title:  a.config.Title,
			Type:   a.config.SourceType,
			Ranges: snap.Ranges,
			Layout: snap.Layout,
			Charts: snap.Charts,
		})
		if err != nil {
			// No automatic retry: the next local edit pushes fresh state.
			slog.Error("sync push failed", "agent", a.id, "documentId", a.config.DocumentID, "err", err)
			a.setStatus(StatusSyncFailed)
		} else {
			a.setStatus(StatusSynced)
		}

		a.mu.Lock()
		snap = a.pending
		a.pending = nil
		if snap == nil && a.state == StateSyncingLocal {
			a.state = StateIdle
		}
		a.mu.Unlock()
	}
}

// SyncNow reads the surface and pushes immediately, bypassing the
// debounce window. Used for manual sync triggers.
func (a *Agent) SyncNow(ctx context.Context) error {
	snap, err := a.surface.Read(ctx)
	if err != nil {
		return newSyncError(SyncErrorTypePush, "manual sync read failed", a.config.DocumentID, err)
	}

	a.mu.Lock()
	if a.state == StateSyncingLocal {
		// Queue behind the in-flight push.
		a.pending = snap
		a.mu.Unlock()
		return nil
	}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.pending = nil
	a.state = StateSyncingLocal
	a.mu.Unlock()

	a.push(ctx, snap)
	return nil
}

// ScreenshotCapturer is an optional surface capability: exporting range
// screenshots for budget book publishing.
type ScreenshotCapturer interface {
	CaptureScreenshots(ctx context.Context) ([]Screenshot, error)
}

// PublishBudgetBook captures screenshots from the surface and pushes
// them to the shared budget book. The surface must implement
// ScreenshotCapturer.
func (a *Agent) PublishBudgetBook(ctx context.Context) error {
	capturer, ok := a.surface.(ScreenshotCapturer)
	if !ok {
		return newSyncError(SyncErrorTypePush, "surface does not support screenshot capture", a.config.DocumentID, nil)
	}
	shots, err := capturer.CaptureScreenshots(ctx)
	if err != nil {
		return newSyncError(SyncErrorTypePush, "screenshot capture failed", a.config.DocumentID, err)
	}
	if len(shots) == 0 {
		return nil
	}
	return a.client.UpdateBudgetBook(ctx, BudgetBookUpdate{Screenshots: shots})
}

// streamLoop consumes the change stream, reconnecting with backoff.
func (a *Agent) streamLoop(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		events, err := a.client.Stream(ctx, a.config.SourceType, a.config.DocumentID)
		if err == nil {
			attempt = 0
			a.setStatus(StatusConnected)
			for ev := range events {
				a.handleEvent(ctx, &ev)
			}
			// Channel closed: transport failed or server went away.
		}

		attempt++
		if a.config.MaxReconnects > 0 && attempt > a.config.MaxReconnects {
			slog.Error("stream reconnect attempts exhausted", "agent", a.id, "attempts", attempt-1)
			a.setStatus(StatusOffline)
			return
		}
		a.setStatus(StatusReconnecting)

		select {
		case <-ctx.Done():
			return
		case <-time.After(a.reconnectDelay(attempt)):
		}
	}
}

// maxReconnectBackoff caps the linear backoff multiplier so unbounded
// retry mode (MaxReconnects -1) settles on a steady interval.
const maxReconnectBackoff = 12

// reconnectDelay returns the capped linear backoff for a reconnect
// attempt.
func (a *Agent) reconnectDelay(attempt int) time.Duration {
	if attempt > maxReconnectBackoff {
		attempt = maxReconnectBackoff
	}
	return a.config.ReconnectDelay * time.Duration(attempt)
}

// handleEvent applies one stream event.
func (a *Agent) handleEvent(ctx context.Context, ev *ChangeEvent) {
	if ev.Type != EventDataUpdate || ev.DocumentID != a.config.DocumentID {
		return
	}
	if ev.SourceType == a.config.SourceType {
		// Echo of our own just-pushed write; we already hold this state.
		// Re-applying would only flicker the editing cursor.
		slog.Debug("ignoring own echo", "agent", a.id, "sourceType", ev.SourceType)
		return
	}

	ranges := RangesFromEvent(ev)
	if ranges == nil && ev.Layout == nil && ev.Charts == nil {
		return
	}
	a.applySnapshot(ctx, &Snapshot{Ranges: ranges, Layout: ev.Layout, Charts: ev.Charts})
}

// applySnapshot writes remote state to the surface under the apply gate,
// holding the gate for the grace period afterwards.
func (a *Agent) applySnapshot(ctx context.Context, snap *Snapshot) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	// Entering ApplyingRemote discards any queued local snapshot: it was
	// read before this remote state landed and would clobber it.
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.pending = nil
	a.state = StateApplyingRemote
	a.mu.Unlock()

	if err := a.surface.Write(ctx, snap); err != nil {
		if err == ErrSurfaceBusy {
			slog.Debug("surface busy, skipping remote apply", "agent", a.id)
		} else {
			slog.Error("remote apply failed", "agent", a.id, "err", err)
		}
	}

	// Hold the gate: surfaces deliver change notifications for our
	// programmatic write asynchronously, sometimes well after it returns.
	time.AfterFunc(a.config.ApplyGrace, func() {
		a.mu.Lock()
		if a.state == StateApplyingRemote {
			a.state = StateIdle
		}
		a.mu.Unlock()
	})
}

// Close stops the agent's timers and marks it closed. The stream loop
// stops when its context is canceled.
func (a *Agent) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.pending = nil
}
