package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// Category classifies a worker's labor for cost reporting.
type Category int

const (
	CategoryDirect Category = iota + 1
	CategoryIndirect
	CategoryStaff
)

// Categories lists every category in reporting order.
var Categories = []Category{CategoryDirect, CategoryIndirect, CategoryStaff}

// String returns the persisted name of the category.
func (c Category) String() string {
	switch c {
	case CategoryDirect:
		return "direct"
	case CategoryIndirect:
		return "indirect"
	case CategoryStaff:
		return "staff"
	default:
		return "unknown"
	}
}

// Valid reports whether c is one of the three known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryDirect, CategoryIndirect, CategoryStaff:
		return true
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, eris.Errorf("model: invalid category %d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Category) UnmarshalText(b []byte) error {
	parsed, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCategory converts "direct", "indirect" or "staff" into a Category.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "direct":
		return CategoryDirect, nil
	case "indirect":
		return CategoryIndirect, nil
	case "staff":
		return CategoryStaff, nil
	default:
		return 0, eris.Errorf("unknown category: %q (valid: direct, indirect, staff)", s)
	}
}

// ImportStatus is the lifecycle state of an import batch.
type ImportStatus string

const (
	ImportStatusPending ImportStatus = "pending"
	ImportStatusSuccess ImportStatus = "success"
	ImportStatusPartial ImportStatus = "partial"
	ImportStatusFailed  ImportStatus = "failed"
)

// Terminal reports whether the status is a finalized state.
func (s ImportStatus) Terminal() bool {
	return s == ImportStatusSuccess || s == ImportStatusPartial || s == ImportStatusFailed
}

// ImportTypeLabor is the import_type recorded for weekly labor files.
const ImportTypeLabor = "labor"

// Weekday indexes the seven daily-hours columns, Monday first.
type Weekday int

const (
	Monday Weekday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

// Weekdays lists the daily columns in sheet order.
var Weekdays = []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}

var weekdayKeys = [...]string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

// String returns the short key used in JSON breakdowns ("mon".."sun").
func (d Weekday) String() string {
	if d < Monday || d > Sunday {
		return "unknown"
	}
	return weekdayKeys[d]
}

// DailyHours maps a short weekday key to the hours logged that day.
type DailyHours map[string]decimal.Decimal

// Total returns the sum of all daily values.
func (h DailyHours) Total() decimal.Decimal {
	sum := decimal.Zero
	for _, v := range h {
		sum = sum.Add(v)
	}
	return sum
}

// Project is a row of the external project registry the importer resolves against.
type Project struct {
	ID        int64     `json:"id"`
	JobNumber string    `json:"job_number"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Worker is a person eligible to log labor.
type Worker struct {
	ID        int64           `json:"id"`
	Number    string          `json:"number"`
	FirstName string          `json:"first_name"`
	LastName  string          `json:"last_name"`
	Category  Category        `json:"category"`
	PayRate   decimal.Decimal `json:"pay_rate"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
}

// FullName returns "First Last".
func (w Worker) FullName() string {
	return strings.TrimSpace(w.FirstName + " " + w.LastName)
}

// DetailLine is one worker's hours and wages for one project-week.
type DetailLine struct {
	ID            int64           `json:"id"`
	WorkerID      int64           `json:"worker_id"`
	ProjectID     int64           `json:"project_id"`
	WeekEnding    time.Time       `json:"week_ending"`
	STHours       decimal.Decimal `json:"st_hours"`
	OTHours       decimal.Decimal `json:"ot_hours"`
	STWages       decimal.Decimal `json:"st_wages"`
	OTWages       decimal.Decimal `json:"ot_wages"`
	DailyHours    DailyHours      `json:"daily_hours"`
	ImportBatchID string          `json:"import_batch_id"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// TotalHours returns ST + OT hours.
func (l DetailLine) TotalHours() decimal.Decimal {
	return l.STHours.Add(l.OTHours)
}

// CategoryAggregate is one category's totals for one project-week.
type CategoryAggregate struct {
	ProjectID      int64           `json:"project_id"`
	Category       Category        `json:"category"`
	WeekEnding     time.Time       `json:"week_ending"`
	STHours        decimal.Decimal `json:"st_hours"`
	OTHours        decimal.Decimal `json:"ot_hours"`
	TotalHours     decimal.Decimal `json:"total_hours"`
	STWages        decimal.Decimal `json:"st_wages"`
	OTWages        decimal.Decimal `json:"ot_wages"`
	TotalWages     decimal.Decimal `json:"total_wages"`
	BurdenRate     decimal.Decimal `json:"burden_rate"`
	BurdenAmount   decimal.Decimal `json:"burden_amount"`
	CostWithBurden decimal.Decimal `json:"cost_with_burden"`
	WorkerCount    int             `json:"worker_count"`
	ImportBatchID  string          `json:"import_batch_id"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ImportBatch is one submission attempt and its audit record.
type ImportBatch struct {
	ID               string         `json:"id"`
	ProjectID        int64          `json:"project_id"`
	ImportType       string         `json:"import_type"`
	Status           ImportStatus   `json:"status"`
	Actor            string         `json:"actor"`
	FileName         string         `json:"file_name"`
	Fingerprint      string         `json:"fingerprint"`
	WeekEnding       time.Time      `json:"week_ending"`
	Imported         int            `json:"imported"`
	Updated          int            `json:"updated"`
	Skipped          int            `json:"skipped"`
	Errored          int            `json:"errored"`
	RecordsProcessed int            `json:"records_processed"`
	RecordsFailed    int            `json:"records_failed"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// BatchOutcome carries the counts and metadata written when a batch is finalized.
type BatchOutcome struct {
	Status           ImportStatus   `json:"status"`
	Imported         int            `json:"imported"`
	Updated          int            `json:"updated"`
	Skipped          int            `json:"skipped"`
	Errored          int            `json:"errored"`
	RecordsProcessed int            `json:"records_processed"`
	RecordsFailed    int            `json:"records_failed"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// WeekKey formats a week-ending date the way it is stored and displayed.
func WeekKey(t time.Time) string {
	return t.Format(time.DateOnly)
}
