package laborimport

import (
	"iter"
	"regexp"
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/jobcost-cli/internal/config"
	"github.com/sells-group/jobcost-cli/internal/fetcher"
	"github.com/sells-group/jobcost-cli/internal/model"
)

// Layout locates the metadata cells, header and data columns of a labor
// sheet. Indexes are zero-based.
type Layout struct {
	config.LayoutConfig
	numberPattern *regexp.Regexp
}

// NewLayout compiles a layout from config.
func NewLayout(cfg config.LayoutConfig) (*Layout, error) {
	re, err := regexp.Compile(cfg.NumberPattern)
	if err != nil {
		return nil, eris.Wrapf(err, "laborimport: compile number pattern %q", cfg.NumberPattern)
	}
	if cfg.SentinelContains == "" {
		return nil, eris.New("laborimport: sentinel marker is empty")
	}
	return &Layout{LayoutConfig: cfg, numberPattern: re}, nil
}

// CandidateRow is a data row whose worker number matched the identifier
// pattern. Values are raw cell text.
type CandidateRow struct {
	Row    int // 1-based spreadsheet row
	Number string
	Name   string
	Craft  string
	ST     string
	OT     string
	Days   [7]string // Monday..Sunday
}

// Sheet is a validated labor sheet: the two metadata cells and the data
// region following the header row.
type Sheet struct {
	JobCell  string
	WeekCell string

	grid   [][]string
	layout *Layout
}

// Extract reads the configured sheet from a workbook and validates its shape.
func Extract(data []byte, layout *Layout) (*Sheet, error) {
	grid, err := fetcher.ReadXLSXBytes(data, fetcher.XLSXOptions{SheetName: layout.SheetName})
	if err == nil {
		return ExtractGrid(grid, layout)
	}

	names, namesErr := fetcher.SheetNames(data)
	if namesErr != nil {
		return nil, formatError(namesErr, "unreadable workbook")
	}
	if !slices.Contains(names, layout.SheetName) {
		return nil, formatError(nil, "sheet %q not found (sheets: %s)", layout.SheetName, strings.Join(names, ", "))
	}
	return nil, formatError(err, "read sheet %q", layout.SheetName)
}

// ExtractGrid validates an already-read grid.
func ExtractGrid(grid [][]string, layout *Layout) (*Sheet, error) {
	if len(grid) < layout.MinRows {
		return nil, formatError(nil, "sheet has %d rows, expected at least %d", len(grid), layout.MinRows)
	}
	if layout.HeaderRow >= len(grid) {
		return nil, formatError(nil, "header row %d is past the end of the sheet", layout.HeaderRow+1)
	}

	header := grid[layout.HeaderRow]
	if !sameLabel(cell(header, layout.NumberCol), layout.NumberHeader) ||
		!sameLabel(cell(header, layout.NameCol), layout.NameHeader) {
		return nil, formatError(nil, "header row %d must contain %q and %q, found %q and %q",
			layout.HeaderRow+1, layout.NumberHeader, layout.NameHeader,
			cell(header, layout.NumberCol), cell(header, layout.NameCol))
	}

	return &Sheet{
		JobCell:  cellAt(grid, layout.JobRow, layout.JobCol),
		WeekCell: cellAt(grid, layout.WeekRow, layout.WeekCol),
		grid:     grid,
		layout:   layout,
	}, nil
}

// Rows yields candidate rows after the header until a row whose number cell
// contains the sentinel marker, or the end of the sheet. Rows whose number
// does not match the identifier pattern are skipped.
func (s *Sheet) Rows() iter.Seq[CandidateRow] {
	return func(yield func(CandidateRow) bool) {
		l := s.layout
		sentinel := strings.ToLower(l.SentinelContains)
		for i := l.HeaderRow + 1; i < len(s.grid); i++ {
			row := s.grid[i]
			raw := strings.TrimSpace(cell(row, l.NumberCol))
			if strings.Contains(strings.ToLower(raw), sentinel) {
				return
			}
			number := normalizeNumber(raw)
			if !l.numberPattern.MatchString(number) {
				continue
			}

			c := CandidateRow{
				Row:    i + 1,
				Number: number,
				Name:   strings.TrimSpace(cell(row, l.NameCol)),
				Craft:  strings.TrimSpace(cell(row, l.CraftCol)),
				ST:     strings.TrimSpace(cell(row, l.STCol)),
				OT:     strings.TrimSpace(cell(row, l.OTCol)),
			}
			for _, d := range model.Weekdays {
				c.Days[d] = strings.TrimSpace(cell(row, l.FirstDayCol+int(d)))
			}
			if !yield(c) {
				return
			}
		}
	}
}

// normalizeNumber drops the ".0" numeric cells carry ("1001.0" -> "1001").
func normalizeNumber(s string) string {
	return strings.TrimSuffix(s, ".0")
}

func sameLabel(got, want string) bool {
	return strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(want))
}

func cell(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return row[col]
}

func cellAt(grid [][]string, row, col int) string {
	if row < 0 || row >= len(grid) {
		return ""
	}
	return strings.TrimSpace(cell(grid[row], col))
}
