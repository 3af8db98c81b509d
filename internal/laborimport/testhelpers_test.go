package laborimport

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/jobcost-cli/internal/config"
	"github.com/sells-group/jobcost-cli/internal/model"
	"github.com/sells-group/jobcost-cli/internal/resilience"
	"github.com/sells-group/jobcost-cli/internal/store"
)

// testWeekSerial is 2025-01-19, a Sunday.
const testWeekSerial = 45676

var testWeek = time.Date(2025, 1, 19, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testLayoutConfig() config.LayoutConfig {
	return config.LayoutConfig{
		SheetName:        "Labor Distribution",
		MinRows:          7,
		JobRow:           1,
		JobCol:           1,
		WeekRow:          2,
		WeekCol:          1,
		HeaderRow:        5,
		NumberHeader:     "Emp #",
		NameHeader:       "Employee Name",
		NumberCol:        0,
		NameCol:          1,
		CraftCol:         2,
		STCol:            3,
		OTCol:            4,
		FirstDayCol:      5,
		NumberPattern:    `^\d{3,10}$`,
		SentinelContains: "total",
	}
}

func testLayout(t *testing.T) *Layout {
	t.Helper()
	l, err := NewLayout(testLayoutConfig())
	require.NoError(t, err)
	return l
}

func testLaborConfig() config.LaborConfig {
	return config.LaborConfig{
		Layout:             testLayoutConfig(),
		BurdenRate:         0.28,
		MaxDailyHours:      16,
		ChunkSize:          100,
		ErrorFloor:         5,
		ErrorRatio:         0.10,
		MaxReportedErrors:  10,
		WeekEndingWeekday:  "sunday",
		MaxConcurrentFiles: 2,
		Retry:              config.RetryConfig{MaxAttempts: 1},
	}
}

// noRetry keeps failure-injection tests from sleeping.
var noRetry = resilience.Policy{MaxAttempts: 1}

// laborRow is one data row of a generated sheet.
type laborRow struct {
	Number any // int or string
	Name   string
	Craft  string
	ST     float64
	OT     float64
	Days   [7]float64
}

// fullWeek is 40 ST + 5 OT spread over Monday to Friday.
func fullWeek(number int, name string) laborRow {
	return laborRow{
		Number: number,
		Name:   name,
		Craft:  "DIR-01",
		ST:     40,
		OT:     5,
		Days:   [7]float64{9, 9, 9, 9, 9, 0, 0},
	}
}

type sheetSpec struct {
	Name  string
	Job   string
	Week  any // int serial or string
	Rows  []laborRow
	Extra [][]any // appended after the total row
}

func defaultSheet(rows ...laborRow) sheetSpec {
	return sheetSpec{Name: "Labor Distribution", Job: "5772 LS DOW", Week: testWeekSerial, Rows: rows}
}

func setCell(cell *xlsx.Cell, v any) {
	switch val := v.(type) {
	case int:
		cell.SetInt(val)
	case float64:
		cell.SetFloat(val)
	case string:
		cell.SetString(val)
	}
}

func addRow(sheet *xlsx.Sheet, values ...any) {
	row := sheet.AddRow()
	for _, v := range values {
		setCell(row.AddCell(), v)
	}
}

// buildWorkbook renders a labor sheet laid out like the payroll export.
func buildWorkbook(t *testing.T, spec sheetSpec) []byte {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(spec.Name)
	require.NoError(t, err)

	addRow(sheet, "Weekly Labor Distribution")
	addRow(sheet, "Job", spec.Job)
	addRow(sheet, "Week Ending", spec.Week)
	addRow(sheet, "Prepared By", "Payroll")
	addRow(sheet, "Company", "Sells Group")
	addRow(sheet, "Emp #", "Employee Name", "Craft", "ST", "OT", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun")
	for _, r := range spec.Rows {
		values := []any{r.Number, r.Name, r.Craft, r.ST, r.OT}
		for _, d := range r.Days {
			values = append(values, d)
		}
		addRow(sheet, values...)
	}
	addRow(sheet, "Total")
	for _, extra := range spec.Extra {
		addRow(sheet, extra...)
	}

	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return buf.Bytes()
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "labor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedProject(t *testing.T, s store.Store, job string, active bool) *model.Project {
	t.Helper()
	p, err := s.CreateProject(context.Background(), model.Project{JobNumber: job, Name: "Job " + job, Active: active})
	require.NoError(t, err)
	return p
}

func seedWorker(t *testing.T, s store.Store, number, first, last string, category model.Category, rate string) model.Worker {
	t.Helper()
	ws, err := s.InsertWorkers(context.Background(), []model.Worker{{
		Number:    number,
		FirstName: first,
		LastName:  last,
		Category:  category,
		PayRate:   dec(rate),
		Active:    true,
	}})
	require.NoError(t, err)
	require.Len(t, ws, 1)
	return ws[0]
}

// faults names store operations that should fail.
type faults struct {
	mu     sync.Mutex
	errs   map[string]error
	once   map[string]bool
	counts map[string]int
}

// setOnce fails only the next call of op.
func (f *faults) setOnce(op string, err error) {
	f.set(op, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.once == nil {
		f.once = make(map[string]bool)
	}
	f.once[op] = true
}

func (f *faults) set(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = make(map[string]error)
	}
	f.errs[op] = err
}

func (f *faults) hit(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
	f.counts[op]++
	err := f.errs[op]
	if f.once[op] {
		delete(f.errs, op)
		delete(f.once, op)
	}
	return err
}

func (f *faults) calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[op]
}

// faultStore wraps a real store and fails the operations named in faults.
// Transactions hand fn a faultStore sharing the same faults.
type faultStore struct {
	store.Store
	faults *faults
}

func newFaultStore(inner store.Store) *faultStore {
	return &faultStore{Store: inner, faults: &faults{}}
}

func (s *faultStore) WorkersByNumber(ctx context.Context, numbers []string) (map[string]model.Worker, error) {
	if err := s.faults.hit("WorkersByNumber"); err != nil {
		return nil, err
	}
	return s.Store.WorkersByNumber(ctx, numbers)
}

func (s *faultStore) InsertWorkers(ctx context.Context, workers []model.Worker) ([]model.Worker, error) {
	if err := s.faults.hit("InsertWorkers"); err != nil {
		return nil, err
	}
	return s.Store.InsertWorkers(ctx, workers)
}

func (s *faultStore) ExistingDetailLines(ctx context.Context, projectID int64, week time.Time, workerIDs []int64) (map[int64]bool, error) {
	if err := s.faults.hit("ExistingDetailLines"); err != nil {
		return nil, err
	}
	return s.Store.ExistingDetailLines(ctx, projectID, week, workerIDs)
}

func (s *faultStore) InsertDetailLines(ctx context.Context, lines []model.DetailLine) (int64, error) {
	if err := s.faults.hit("InsertDetailLines"); err != nil {
		return 0, err
	}
	return s.Store.InsertDetailLines(ctx, lines)
}

func (s *faultStore) UpdateDetailLines(ctx context.Context, lines []model.DetailLine) (int64, error) {
	if err := s.faults.hit("UpdateDetailLines"); err != nil {
		return 0, err
	}
	return s.Store.UpdateDetailLines(ctx, lines)
}

func (s *faultStore) UpsertCategoryAggregate(ctx context.Context, agg model.CategoryAggregate) (bool, error) {
	if err := s.faults.hit("UpsertCategoryAggregate"); err != nil {
		return false, err
	}
	return s.Store.UpsertCategoryAggregate(ctx, agg)
}

func (s *faultStore) StartBatch(ctx context.Context, b model.ImportBatch) (*model.ImportBatch, error) {
	if err := s.faults.hit("StartBatch"); err != nil {
		return nil, err
	}
	return s.Store.StartBatch(ctx, b)
}

func (s *faultStore) FinalizeBatch(ctx context.Context, id string, outcome model.BatchOutcome) error {
	if err := s.faults.hit("FinalizeBatch"); err != nil {
		return err
	}
	return s.Store.FinalizeBatch(ctx, id, outcome)
}

func (s *faultStore) InTx(ctx context.Context, fn func(store.Store) error) error {
	return s.Store.InTx(ctx, func(tx store.Store) error {
		return fn(&faultStore{Store: tx, faults: s.faults})
	})
}

// recordingNotifier captures failure notifications.
type recordingNotifier struct {
	mu      sync.Mutex
	files   []string
	results []*Result
}

func (n *recordingNotifier) ImportFailed(_ context.Context, fileName string, res *Result) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.files = append(n.files, fileName)
	n.results = append(n.results, res)
	return nil
}
