//go:build !integration

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/jobcost-cli/internal/config"
	"github.com/sells-group/jobcost-cli/internal/model"
	"github.com/sells-group/jobcost-cli/internal/store"
)

// useTestConfig points the package config at a fresh SQLite file.
func useTestConfig(t *testing.T) {
	t.Helper()
	cfg = &config.Config{
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: filepath.Join(t.TempDir(), "jobcost.db"),
		},
		Labor: config.LaborConfig{
			Layout: config.LayoutConfig{
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
			},
			BurdenRate:         0.28,
			MaxDailyHours:      16,
			ChunkSize:          100,
			ErrorFloor:         5,
			ErrorRatio:         0.10,
			MaxReportedErrors:  10,
			WeekEndingWeekday:  "sunday",
			MaxConcurrentFiles: 2,
			Retry:              config.RetryConfig{MaxAttempts: 1},
		},
		Server: config.ServerConfig{Port: 8080, AllowedOrigins: []string{"*"}, MaxUploadMB: 1},
		Log:    config.LogConfig{Level: "info", Format: "json"},
	}
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	useTestConfig(t)
	st, err := openStore(context.Background(), "store")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	return st
}

// seedCrew registers a project and n direct workers numbered 1001.. at $25/h.
func seedCrew(t *testing.T, st store.Store, job string, n int) *model.Project {
	t.Helper()
	ctx := context.Background()
	p, err := st.CreateProject(ctx, model.Project{JobNumber: job, Name: "Job " + job, Active: true})
	require.NoError(t, err)

	workers := make([]model.Worker, n)
	for i := range workers {
		workers[i] = model.Worker{
			Number:    crewNumber(i),
			FirstName: "Worker",
			LastName:  crewNumber(i),
			Category:  model.CategoryDirect,
			PayRate:   decimal.NewFromInt(25),
			Active:    true,
		}
	}
	_, err = st.InsertWorkers(ctx, workers)
	require.NoError(t, err)
	return p
}

func crewNumber(i int) string {
	return strconv.Itoa(1001 + i)
}

// buildLaborWorkbook renders a labor sheet for week ending 2025-01-19 with
// n crew rows of 40 ST + 5 OT each.
func buildLaborWorkbook(t *testing.T, job string, n int) []byte {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Labor Distribution")
	require.NoError(t, err)

	addRow := func(values ...string) *xlsx.Row {
		row := sheet.AddRow()
		for _, v := range values {
			row.AddCell().SetString(v)
		}
		return row
	}

	addRow("Weekly Labor Distribution")
	addRow("Job", job)
	addRow("Week Ending", "2025-01-19")
	addRow("Prepared By", "Payroll")
	addRow("Company", "Sells Group")
	addRow("Emp #", "Employee Name", "Craft", "ST", "OT", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun")
	for i := 0; i < n; i++ {
		row := addRow(crewNumber(i), "Worker "+crewNumber(i), "DIR-01")
		row.AddCell().SetFloat(40)
		row.AddCell().SetFloat(5)
		for _, h := range []float64{9, 9, 9, 9, 9, 0, 0} {
			row.AddCell().SetFloat(h)
		}
	}
	addRow("Total")

	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return buf.Bytes()
}
