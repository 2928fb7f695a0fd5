package gridsync

import "time"

// Document is the canonical state of one shared spreadsheet document.
//
// Two grid representations coexist for backward compatibility: Data holds a
// whole-sheet grid, Ranges holds independent sub-range grids. When both are
// present, Ranges is authoritative.
type Document struct {
	DocumentID string      `json:"documentId"`
	Title      string      `json:"title"`
	Type       string      `json:"type"`
	Data       [][]string  `json:"data"`
	Ranges     []RangeData `json:"ranges"`
	Layout     *Layout     `json:"layout,omitempty"`
	Charts     []Chart     `json:"charts"`
	Version    int64       `json:"version"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// RangeData is a rectangular grid local to one range address.
// Rows need not be uniform length; readers treat missing cells as empty.
type RangeData struct {
	Address string     `json:"address"`
	Data    [][]string `json:"data"`
}

// Layout carries positionally indexed sizing metadata.
// Index 0 corresponds to the first column/row.
type Layout struct {
	ColumnWidths []float64 `json:"columnWidths"`
	RowHeights   []float64 `json:"rowHeights"`
}

// Chart is an embedded chart image encoded as a data URI.
type Chart struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

// Screenshot is a captured image of one range address.
type Screenshot struct {
	Address string `json:"address"`
	Image   string `json:"image"`
}

// BudgetBook is the singleton screenshot record. It holds a legacy single
// image and a newer per-range screenshot list; the two are updated
// independently and never clear each other.
type BudgetBook struct {
	Image       string       `json:"image"`
	Screenshots []Screenshot `json:"screenshots"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// UpdateRequest is a partial document update. Every field is independently
// optional; nil fields leave the stored value unchanged. There is no
// field-level validation beyond shape: callers are trusted internal agents.
type UpdateRequest struct {
	Title  string      `json:"title,omitempty"`
	Type   string      `json:"type,omitempty"`
	Data   [][]string  `json:"data,omitempty"`
	Ranges []RangeData `json:"ranges,omitempty"`
	Layout *Layout     `json:"layout,omitempty"`
	Charts []Chart     `json:"charts,omitempty"`
}

// BudgetBookUpdate is a partial budget book update.
// At least one of Image or Screenshots must be set.
type BudgetBookUpdate struct {
	Image       string       `json:"image,omitempty"`
	Screenshots []Screenshot `json:"screenshots,omitempty"`
}

// Event kinds delivered on the change stream.
const (
	EventConnected       = "connected"
	EventDataUpdate      = "data-update"
	EventDocumentCreated = "document-created"
)

// ChangeEvent is one message on the change stream. SourceType echoes the
// type field of the write that produced a data-update so that agents can
// suppress echoes of their own pushes.
type ChangeEvent struct {
	Type       string      `json:"type"`
	DocumentID string      `json:"documentId,omitempty"`
	Data       [][]string  `json:"data,omitempty"`
	Ranges     []RangeData `json:"ranges,omitempty"`
	Layout     *Layout     `json:"layout,omitempty"`
	Charts     []Chart     `json:"charts,omitempty"`
	SourceType string      `json:"sourceType,omitempty"`
}

// CellAt returns the cell at (row, col), treating missing rows and short
// rows as empty cells.
func CellAt(grid [][]string, row, col int) string {
	if row < 0 || row >= len(grid) {
		return ""
	}
	if col < 0 || col >= len(grid[row]) {
		return ""
	}
	return grid[row][col]
}

// GridsEqual reports whether two grids are cell-for-cell equal, treating
// missing trailing cells and rows as empty strings.
func GridsEqual(a, b [][]string) bool {
	rows := len(a)
	if len(b) > rows {
		rows = len(b)
	}
	for r := 0; r < rows; r++ {
		cols := 0
		if r < len(a) && len(a[r]) > cols {
			cols = len(a[r])
		}
		if r < len(b) && len(b[r]) > cols {
			cols = len(b[r])
		}
		for c := 0; c < cols; c++ {
			if CellAt(a, r, c) != CellAt(b, r, c) {
				return false
			}
		}
	}
	return true
}

// CloneGrid returns a deep copy of a grid.
func CloneGrid(grid [][]string) [][]string {
	if grid == nil {
		return nil
	}
	out := make([][]string, len(grid))
	for i, row := range grid {
		out[i] = append([]string(nil), row...)
	}
	return out
}

// CloneRanges returns a deep copy of a range list.
func CloneRanges(ranges []RangeData) []RangeData {
	if ranges == nil {
		return nil
	}
	out := make([]RangeData, len(ranges))
	for i, r := range ranges {
		out[i] = RangeData{Address: r.Address, Data: CloneGrid(r.Data)}
	}
	return out
}

// cloneLayout returns a deep copy of a layout.
func cloneLayout(l *Layout) *Layout {
	if l == nil {
		return nil
	}
	return &Layout{
		ColumnWidths: append([]float64(nil), l.ColumnWidths...),
		RowHeights:   append([]float64(nil), l.RowHeights...),
	}
}

// cloneCharts returns a copy of a chart list.
func cloneCharts(charts []Chart) []Chart {
	if charts == nil {
		return nil
	}
	return append([]Chart(nil), charts...)
}

// clone returns a deep copy of the document, so store callers can never
// mutate canonical state through a returned pointer.
func (d *Document) clone() *Document {
	out := *d
	out.Data = CloneGrid(d.Data)
	out.Ranges = CloneRanges(d.Ranges)
	out.Layout = cloneLayout(d.Layout)
	out.Charts = cloneCharts(d.Charts)
	return &out
}

/// RangesFromEvent normalizes an event payload to a range list: Ranges when
// present, otherwise the legacy whole-sheet grid wrapped in a single
// pseudo-range. Returns nil when the event carries no grid at all.
func RangesFromEvent(ev *ChangeEvent) []RangeData {
	if len(ev.Ranges) > 0 {
		return ev.Ranges
	}
	if len(ev.Data) > 0 {
		return []RangeData{{Address: "Legacy", Data: ev.Data}}
	}
	return nil
}
