package gridsync

import (
	"context"
	"sync"
)

// Snapshot is one full read of an editing surface: every configured range,
// plus whatever optional payloads the surface supports.
type Snapshot struct {
	Ranges []RangeData
	Layout *Layout
	Charts []Chart
}

// Surface is the agent's contract with the local editing surface (a grid
// UI, a workbook, ...). Implementations decide their own granularity; the
// agent only requires these three capabilities.
//
// Read may fail transiently with ErrSurfaceBusy while the user is
// mid-edit; the agent defers to the next debounce cycle instead of
// treating that as an error.
//
// Write must not disturb focus or selection: when the surface allows
// granular writes it only touches cells whose value actually differs.
//
// OnChange registers a handler fired on every mutation, user-made or
// programmatic — the surface cannot tell the difference, which is why the
// agent gates applies with its own state machine.
type Surface interface {
	Read(ctx context.Context) (*Snapshot, error)
	Write(ctx context.Context, snap *Snapshot) error
	OnChange(fn func())
}

// MemorySurface is an in-process Surface: a set of addressed grids guarded
// by a mutex. It backs browser-grid style agents and tests.
type MemorySurface struct {
	mu        sync.RWMutex
	addresses []string
	grids     map[string][][]string
	layout    *Layout
	busy      bool
	onChange  []func()
}

// NewMemorySurface creates a surface with the given range addresses, each
// starting as an empty grid.
func NewMemorySurface(addresses []string) *MemorySurface {
	if len(addresses) == 0 {
		addresses = []string{"A1:Z100"}
	}
	grids := make(map[string][][]string, len(addresses))
	for _, addr := range addresses {
		grids[addr] = [][]string{}
	}
	return &MemorySurface{
		addresses: append([]string(nil), addresses...),
		grids:     grids,
	}
}

// Read returns a snapshot of every configured range.
func (s *MemorySurface) Read(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.busy {
		return nil, ErrSurfaceBusy
	}

	snap := &Snapshot{Layout: cloneLayout(s.layout)}
	for _, addr := range s.addresses {
		snap.Ranges = append(snap.Ranges, RangeData{
			Address: addr,
			Data:    CloneGrid(s.grids[addr]),
		})
	}
	return snap, nil
}

// Write applies a snapshot, cell-granular: only differing cells change.
// Unknown addresses fall back to the first configured range (first-match
// policy for ambiguous addresses).
func (s *MemorySurface) Write(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	changed := false
	for _, r := range snap.Ranges {
		addr := r.Address
		if _, ok := s.grids[addr]; !ok {
			addr = s.addresses[0]
		}
		if !GridsEqual(s.grids[addr], r.Data) {
			s.grids[addr] = CloneGrid(r.Data)
			changed = true
		}
	}
	if snap.Layout != nil {
		s.layout = cloneLayout(snap.Layout)
		changed = true
	}
	handlers := append([]func(){}, s.onChange...)
	s.mu.Unlock()

	// Programmatic writes fire change notifications too, exactly like a
	// real editing surface.
	if changed {
		for _, fn := range handlers {
			fn()
		}
	}
	return nil
}

// OnChange registers a change handler.
func (s *MemorySurface) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// SetCell mutates one cell, growing the grid as needed, and fires change
// handlers. This is the "user edit" entry point.
func (s *MemorySurface) SetCell(address string, row, col int, value string) {
	s.mu.Lock()
	if _, ok := s.grids[address]; !ok {
		if len(s.addresses) == 0 {
			s.mu.Unlock()
			return
		}
		address = s.addresses[0]
	}
	grid := s.grids[address]
	for len(grid) <= row {
		grid = append(grid, []string{})
	}
	for len(grid[row]) <= col {
		grid[row] = append(grid[row], "")
	}
	grid[row][col] = value
	s.grids[address] = grid
	handlers := append([]func(){}, s.onChange...)
	s.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

// CellValue returns one cell's current value.
func (s *MemorySurface) CellValue(address string, row, col int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CellAt(s.grids[address], row, col)
}

// SetBusy toggles the mid-edit state: while busy, reads fail with
// ErrSurfaceBusy.
func (s *MemorySurface) SetBusy(busy bool) {
	s.mu.Lock()
	s.busy = busy
	s.mu.Unlock()
}
