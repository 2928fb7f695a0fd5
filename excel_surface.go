package gridsync

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"
)

// WorkbookSurfaceConfig configures a workbook-file surface.
type WorkbookSurfaceConfig struct {
	// Sheet is the default sheet for addresses without a sheet prefix.
	// Default: "Sheet1".
	Sheet string

	// Addresses are the tracked ranges, e.g. "A1:F20" or "Data!B2:D10".
	// Default: one whole-sheet range.
	Addresses []string

	// CaptureCharts includes embedded pictures in snapshots as data URIs.
	CaptureCharts bool

	// StrictRanges aborts a snapshot read on the first unreadable range
	// instead of skipping it.
	StrictRanges bool

	// PollInterval is how often Watch checks the file for external
	// edits. Default: 2s.
	PollInterval time.Duration
}

// WorkbookSurface is a Surface backed by an .xlsx file. External edits
// are detected by polling the file's modification time; the editor's
// lock file ("~$name.xlsx") marks the workbook busy for writes.
type WorkbookSurface struct {
	path   string
	config WorkbookSurfaceConfig

	mu       sync.Mutex
	file     *excelize.File
	lastMod  time.Time
	onChange []func()
}

// NewWorkbookSurface opens path, creating a new workbook if it does not
// exist yet.
func NewWorkbookSurface(path string, cfg WorkbookSurfaceConfig) (*WorkbookSurface, error) {
	if cfg.Sheet == "" {
		cfg.Sheet = "Sheet1"
	}
	if len(cfg.Addresses) == 0 {
		cfg.Addresses = []string{"A1:Z100"}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}

	s := &WorkbookSurface{path: path, config: cfg}

	info, err := os.Stat(path)
	switch {
	case err == nil:
		f, err := excelize.OpenFile(path)
		if err != nil {
			return nil, fmt.Errorf("open workbook %s: %w", path, err)
		}
		s.file = f
		s.lastMod = info.ModTime()
	case os.IsNotExist(err):
		f := excelize.NewFile()
		if cfg.Sheet != "Sheet1" {
			if _, err := f.NewSheet(cfg.Sheet); err != nil {
				return nil, fmt.Errorf("create sheet %s: %w", cfg.Sheet, err)
			}
		}
		if err := f.SaveAs(path); err != nil {
			return nil, fmt.Errorf("create workbook %s: %w", path, err)
		}
		s.file = f
		if info, err := os.Stat(path); err == nil {
			s.lastMod = info.ModTime()
		}
	default:
		return nil, fmt.Errorf("stat workbook %s: %w", path, err)
	}
	return s, nil
}

// lockFilePresent reports whether the editor's owner lock file exists,
// meaning the workbook is open for editing elsewhere.
func (s *WorkbookSurface) lockFilePresent() bool {
	dir, name := filepath.Split(s.path)
	_, err := os.Stat(filepath.Join(dir, "~$"+name))
	return err == nil
}

// parseAddress splits "Sheet!A1:C5" into sheet and 1-based coordinate
// bounds. Addresses without a sheet prefix use the default sheet.
func (s *WorkbookSurface) parseAddress(addr string) (sheet string, c1, r1, c2, r2 int, err error) {
	sheet = s.config.Sheet
	ref := addr
	if i := strings.IndexByte(addr, '!'); i >= 0 {
		sheet = addr[:i]
		ref = addr[i+1:]
	}
	start, end, ok := strings.Cut(ref, ":")
	if !ok {
		end = start
	}
	c1, r1, err = excelize.CellNameToCoordinates(start)
	if err != nil {
		return "", 0, 0, 0, 0, fmt.Errorf("range %s: %w", addr, err)
	}
	c2, r2, err = excelize.CellNameToCoordinates(end)
	if err != nil {
		return "", 0, 0, 0, 0, fmt.Errorf("range %s: %w", addr, err)
	}
	return sheet, c1, r1, c2, r2, nil
}

// readRange reads one rectangular range as a dense grid.
func (s *WorkbookSurface) readRange(addr string) ([][]string, error) {
	sheet, c1, r1, c2, r2, err := s.parseAddress(addr)
	if err != nil {
		return nil, err
	}
	grid := make([][]string, 0, r2-r1+1)
	for row := r1; row <= r2; row++ {
		line := make([]string, 0, c2-c1+1)
		for col := c1; col <= c2; col++ {
			cell, err := excelize.CoordinatesToCellName(col, row)
			if err != nil {
				return nil, err
			}
			v, err := s.file.GetCellValue(sheet, cell)
			if err != nil {
				return nil, err
			}
			line = append(line, v)
		}
		grid = append(grid, line)
	}
	return grid, nil
}

// Read snapshots every configured range. A range that fails to read is
// skipped with a warning rather than aborting the whole snapshot.
func (s *WorkbookSurface) Read(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reloadIfChanged(); err != nil {
		return nil, newSyncError(SyncErrorTypePush, "workbook reload failed", "", err)
	}

	snap := &Snapshot{}
	for _, addr := range s.config.Addresses {
		grid, err := s.readRange(addr)
		if err != nil {
			if s.config.StrictRanges {
				return nil, newSyncError(SyncErrorTypePush, "range read failed", "", err)
			}
			slog.Warn("skipping unreadable range", "address", addr, "err", err)
			continue
		}
		snap.Ranges = append(snap.Ranges, RangeData{Address: addr, Data: grid})
	}
	snap.Layout = s.readLayout()
	if s.config.CaptureCharts {
		charts, err := s.capturePictures(s.config.Sheet)
		if err != nil {
			slog.Warn("chart capture failed", "err", err)
		} else {
			snap.Charts = charts
		}
	}
	return snap, nil
}

// readLayout collects column widths and row heights over the bounding
// box of the configured ranges. Index 0 is column A / row 1.
func (s *WorkbookSurface) readLayout() *Layout {
	maxCol, maxRow := 0, 0
	for _, addr := range s.config.Addresses {
		_, _, _, c2, r2, err := s.parseAddress(addr)
		if err != nil {
			continue
		}
		if c2 > maxCol {
			maxCol = c2
		}
		if r2 > maxRow {
			maxRow = r2
		}
	}
	if maxCol == 0 || maxRow == 0 {
		return nil
	}

	sheet := s.config.Sheet
	layout := &Layout{
		ColumnWidths: make([]float64, maxCol),
		RowHeights:   make([]float64, maxRow),
	}
	for col := 1; col <= maxCol; col++ {
		name, err := excelize.ColumnNumberToName(col)
		if err != nil {
			continue
		}
		if w, err := s.file.GetColWidth(sheet, name); err == nil {
			layout.ColumnWidths[col-1] = w
		}
	}
	for row := 1; row <= maxRow; row++ {
		if h, err := s.file.GetRowHeight(sheet, row); err == nil {
			layout.RowHeights[row-1] = h
		}
	}
	return layout
}

// capturePictures exports embedded pictures as base64 data URIs.
func (s *WorkbookSurface) capturePictures(sheet string) ([]Chart, error) {
	cells, err := s.file.GetPictureCells(sheet)
	if err != nil {
		return nil, err
	}
	var charts []Chart
	for _, cell := range cells {
		pics, err := s.file.GetPictures(sheet, cell)
		if err != nil {
			slog.Warn("skipping unreadable picture", "cell", cell, "err", err)
			continue
		}
		for i, pic := range pics {
			mime := "image/png"
			if ext := strings.TrimPrefix(strings.ToLower(pic.Extension), "."); ext != "" && ext != "png" {
				mime = "image/" + ext
			}
			charts = append(charts, Chart{
				Name:  fmt.Sprintf("%s-%s-%d", sheet, cell, i),
				Image: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(pic.File),
			})
		}
	}
	return charts, nil
}

// Write applies a snapshot to the workbook, cell-granular, then saves.
// Fails with ErrSurfaceBusy while the workbook is open in an editor.
func (s *WorkbookSurface) Write(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lockFilePresent() {
		return ErrSurfaceBusy
	}
	if err := s.reloadIfChanged(); err != nil {
		return newSyncError(SyncErrorTypeApply, "workbook reload failed", "", err)
	}

	changed := false
	for _, r := range snap.Ranges {
		addr := r.Address
		if addr == "Legacy" && len(s.config.Addresses) > 0 {
			// Legacy whole-sheet payloads land in the first configured
			// range.
			addr = s.config.Addresses[0]
		}
		n, err := s.writeRange(addr, r.Data)
		if err != nil {
			slog.Warn("skipping unwritable range", "address", addr, "err", err)
			continue
		}
		if n > 0 {
			changed = true
		}
	}
	if snap.Layout != nil && s.applyLayout(snap.Layout) {
		changed = true
	}
	if !changed {
		return nil
	}
	if err := s.file.Save(); err != nil {
		return newSyncError(SyncErrorTypeApply, "workbook save failed", "", err)
	}
	if info, err := os.Stat(s.path); err == nil {
		// Our own save must not look like an external edit to Watch.
		s.lastMod = info.ModTime()
	}

	handlers := append([]func(){}, s.onChange...)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
	s.mu.Lock()
	return nil
}

// writeRange sets only cells whose value differs, returning the number
// of cells changed.
func (s *WorkbookSurface) writeRange(addr string, grid [][]string) (int, error) {
	sheet, c1, r1, _, _, err := s.parseAddress(addr)
	if err != nil {
		return 0, err
	}
	changed := 0
	for ri, row := range grid {
		for ci, want := range row {
			cell, err := excelize.CoordinatesToCellName(c1+ci, r1+ri)
			if err != nil {
				return changed, err
			}
			have, err := s.file.GetCellValue(sheet, cell)
			if err != nil {
				return changed, err
			}
			if have == want {
				continue
			}
			if err := s.file.SetCellValue(sheet, cell, want); err != nil {
				return changed, err
			}
			changed++
		}
	}
	return changed, nil
}

// applyLayout sets column widths and row heights, reporting whether
// anything was set.
func (s *WorkbookSurface) applyLayout(layout *Layout) bool {
	sheet := s.config.Sheet
	changed := false
	for i, width := range layout.ColumnWidths {
		if width <= 0 {
			continue
		}
		name, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			continue
		}
		if err := s.file.SetColWidth(sheet, name, name, width); err != nil {
			slog.Warn("skipping column width", "column", name, "err", err)
			continue
		}
		changed = true
	}
	for i, height := range layout.RowHeights {
		if height <= 0 {
			continue
		}
		if err := s.file.SetRowHeight(sheet, i+1, height); err != nil {
			slog.Warn("skipping row height", "row", i+1, "err", err)
			continue
		}
		changed = true
	}
	return changed
}

// OnChange registers a change handler. Handlers fire on programmatic
// writes immediately; external edits need Watch running to be noticed.
func (s *WorkbookSurface) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Watch polls the workbook file for external modifications until ctx is
// canceled, firing change handlers when the file's mtime advances.
func (s *WorkbookSurface) Watch(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		info, err := os.Stat(s.path)
		if err != nil {
			continue
		}
		s.mu.Lock()
		external := info.ModTime().After(s.lastMod)
		if external {
			s.lastMod = info.ModTime()
		}
		handlers := append([]func(){}, s.onChange...)
		s.mu.Unlock()

		if external {
			for _, fn := range handlers {
				fn()
			}
		}
	}
}

// CaptureScreenshots exports the workbook's embedded pictures as named
// screenshots, for budget book publishing.
func (s *WorkbookSurface) CaptureScreenshots(ctx context.Context) ([]Screenshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reloadIfChanged(); err != nil {
		return nil, err
	}
	charts, err := s.capturePictures(s.config.Sheet)
	if err != nil {
		return nil, err
	}
	shots := make([]Screenshot, 0, len(charts))
	for _, c := range charts {
		shots = append(shots, Screenshot{Address: c.Name, Image: c.Image})
	}
	return shots, nil
}

// reloadIfChanged re-opens the file when it was modified externally, so
// reads never serve stale in-memory state. Callers hold s.mu.
func (s *WorkbookSurface) reloadIfChanged() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return err
	}
	if !info.ModTime().After(s.lastMod) {
		return nil
	}
	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return err
	}
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = f
	s.lastMod = info.ModTime()
	return nil
}

// Close releases the underlying workbook file.
func (s *WorkbookSurface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

var _ Surface = (*WorkbookSurface)(nil)
