package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/jobcost-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

// exactDecimal matches a decimal argument by its exact string form.
type exactDecimal string

func (e exactDecimal) Match(v any) bool {
	d, ok := v.(decimal.Decimal)
	return ok && d.String() == string(e)
}

func TestPostgresStore_FindProjectByJobNumber(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, job_number, name, active, created_at FROM projects WHERE job_number = \$1`).
		WithArgs("24-101").
		WillReturnRows(pgxmock.NewRows([]string{"id", "job_number", "name", "active", "created_at"}).
			AddRow(int64(7), "24-101", "North Yard", true, created))

	p, err := s.FindProjectByJobNumber(context.Background(), "24-101")
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.ID)
	assert.Equal(t, "North Yard", p.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindProjectByJobNumber_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM projects WHERE job_number = \$1`).
		WithArgs("99-999").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.FindProjectByJobNumber(context.Background(), "99-999")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateProject(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO projects`).
		WithArgs("24-101", "North Yard", true).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(3), time.Now()))

	p, err := s.CreateProject(context.Background(), model.Project{JobNumber: "24-101", Name: "North Yard", Active: true})
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WorkersByNumber(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM workers WHERE number = ANY\(\$1\)`).
		WithArgs([]string{"1001"}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "number", "first_name", "last_name", "category", "pay_rate", "active", "created_at"}).
			AddRow(int64(11), "1001", "Ann", "Lee", "direct", "32.50", true, time.Now()))

	workers, err := s.WorkersByNumber(context.Background(), []string{"1001"})
	require.NoError(t, err)
	require.Contains(t, workers, "1001")
	assert.Equal(t, model.CategoryDirect, workers["1001"].Category)
	assert.True(t, dec("32.5").Equal(workers["1001"].PayRate))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WorkersByNumber_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	workers, err := s.WorkersByNumber(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, workers)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertWorkers(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`(?s)INSERT INTO workers .* FROM unnest\(.*\) .*ON CONFLICT \(number\) DO UPDATE`).
		WithArgs([]string{"1001"}, []string{"Ann"}, []string{"Lee"}, []string{"direct"}, []decimal.Decimal{dec("32.5")}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "number", "first_name", "last_name", "category", "pay_rate", "active", "created_at"}).
			AddRow(int64(11), "1001", "Ann", "Lee", "direct", "32.5", true, time.Now()))

	inserted, err := s.InsertWorkers(context.Background(), []model.Worker{
		{Number: "1001", FirstName: "Ann", LastName: "Lee", Category: model.CategoryDirect, PayRate: dec("32.5")},
	})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	assert.Equal(t, int64(11), inserted[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertWorkers_BadCategory(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO workers`).WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "number", "first_name", "last_name", "category", "pay_rate", "active", "created_at"}).
			AddRow(int64(11), "1001", "Ann", "Lee", "contractor", "32.5", true, time.Now()))

	_, err := s.InsertWorkers(context.Background(), []model.Worker{
		{Number: "1001", Category: model.CategoryDirect, PayRate: dec("32.5")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "category")
}

func TestPostgresStore_ExistingDetailLines(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT worker_id FROM labor_detail_lines`).
		WithArgs(int64(7), testWeek, []int64{11, 12}).
		WillReturnRows(pgxmock.NewRows([]string{"worker_id"}).AddRow(int64(12)))

	existing, err := s.ExistingDetailLines(context.Background(), 7, testWeek, []int64{11, 12})
	require.NoError(t, err)
	assert.False(t, existing[11])
	assert.True(t, existing[12])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertDetailLines(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"labor_detail_lines"}, detailWriteColumns).WillReturnResult(2)

	n, err := s.InsertDetailLines(context.Background(), []model.DetailLine{
		{WorkerID: 11, ProjectID: 7, WeekEnding: testWeek, STHours: dec("40"), STWages: dec("1200")},
		{WorkerID: 12, ProjectID: 7, WeekEnding: testWeek, STHours: dec("32"), STWages: dec("960")},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDetailRows_KeepsExactDecimals(t *testing.T) {
	rows, err := detailRows([]model.DetailLine{{
		WorkerID: 11, ProjectID: 7, WeekEnding: testWeek,
		STHours: dec("40.1"), OTHours: dec("0.2"), STWages: dec("1203.01"), OTWages: dec("9.02"),
	}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Len(t, rows[0], len(detailWriteColumns))
	for i, want := range map[int]string{3: "40.1", 4: "0.2", 5: "1203.01", 6: "9.02"} {
		assert.True(t, exactDecimal(want).Match(rows[0][i]), "%s = %v", detailWriteColumns[i], rows[0][i])
	}
}

func TestPostgresStore_UpdateDetailLines(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_labor_detail_lines"}, detailWriteColumns).WillReturnResult(1)
	mock.ExpectExec("DELETE FROM").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`INSERT INTO "labor_detail_lines" .* ON CONFLICT \("worker_id", "project_id", "week_ending"\)`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DROP TABLE IF EXISTS").WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectCommit()

	n, err := s.UpdateDetailLines(context.Background(), []model.DetailLine{
		{WorkerID: 11, ProjectID: 7, WeekEnding: testWeek, STHours: dec("38"), STWages: dec("1140"), ImportBatchID: "b-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertCategoryAggregate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`(?s)INSERT INTO labor_category_aggregates .* ON CONFLICT \(project_id, category, week_ending\) .* RETURNING \(xmax = 0\)`).
		WithArgs(int64(7), "direct", testWeek,
			exactDecimal("40.1"), exactDecimal("0.2"), exactDecimal("40.3"),
			exactDecimal("1203.01"), exactDecimal("9.02"), exactDecimal("1212.03"),
			exactDecimal("0.28"), exactDecimal("336.84"), exactDecimal("1548.87"),
			1, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(false))

	inserted, err := s.UpsertCategoryAggregate(context.Background(), model.CategoryAggregate{
		ProjectID: 7, Category: model.CategoryDirect, WeekEnding: testWeek,
		STHours: dec("40.1"), OTHours: dec("0.2"), TotalHours: dec("40.3"),
		STWages: dec("1203.01"), OTWages: dec("9.02"), TotalWages: dec("1212.03"),
		BurdenRate: dec("0.28"), BurdenAmount: dec("336.84"), CostWithBurden: dec("1548.87"),
		WorkerCount: 1, ImportBatchID: "b-1",
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindSuccessfulBatch_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM import_batches\s+WHERE project_id = \$1 AND week_ending = \$2 AND fingerprint = \$3 AND status = 'success'`).
		WithArgs(int64(7), testWeek, "abc").
		WillReturnError(pgx.ErrNoRows)

	b, err := s.FindSuccessfulBatch(context.Background(), 7, testWeek, "abc")
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_StartBatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO import_batches`).
		WithArgs(pgxmock.AnyArg(), int64(7), "labor", "pending", "ops", "week.xlsx", "abc", testWeek, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	b, err := s.StartBatch(context.Background(), model.ImportBatch{
		ProjectID: 7, Actor: "ops", FileName: "week.xlsx", Fingerprint: "abc", WeekEnding: testWeek,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, model.ImportStatusPending, b.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinalizeBatch_AlreadyFinal(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`(?s)UPDATE import_batches\s.*\sWHERE id = \$9 AND status = 'pending'`).WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FinalizeBatch(context.Background(), "b-1", model.BatchOutcome{Status: model.ImportStatusSuccess})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already finalized")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetBatch_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM import_batches WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetBatch(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListBatches_Filter(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	completed := time.Now()

	mock.ExpectQuery(`WHERE true AND project_id = \$1 AND status = \$2 ORDER BY created_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs(int64(7), "failed", 5, 10).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "project_id", "import_type", "status", "actor", "file_name", "fingerprint", "week_ending",
			"imported", "updated", "skipped", "errored", "records_processed", "records_failed",
			"metadata", "created_at", "completed_at",
		}).AddRow("b-1", int64(7), "labor", "failed", "ops", "week.xlsx", "abc", testWeek,
			0, 0, 0, 6, 50, 6, []byte(`{"errors":["row 8: missing name"]}`), time.Now(), &completed))

	batches, err := s.ListBatches(context.Background(), BatchFilter{
		ProjectID: 7, Status: model.ImportStatusFailed, Limit: 5, Offset: 10,
	})
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, model.ImportStatusFailed, batches[0].Status)
	assert.Equal(t, 6, batches[0].Errored)
	assert.NotNil(t, batches[0].Metadata["errors"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListBatches_CreatedAfter(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE true AND created_at >= \$1 ORDER BY created_at DESC LIMIT \$2`).
		WithArgs(cutoff, 50).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "project_id", "import_type", "status", "actor", "file_name", "fingerprint", "week_ending",
			"imported", "updated", "skipped", "errored", "records_processed", "records_failed",
			"metadata", "created_at", "completed_at",
		}))

	batches, err := s.ListBatches(context.Background(), BatchFilter{CreatedAfter: cutoff})
	require.NoError(t, err)
	assert.Empty(t, batches)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTx_Commit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO import_batches`).WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), func(tx Store) error {
		_, err := tx.StartBatch(context.Background(), model.ImportBatch{ProjectID: 7, WeekEnding: testWeek})
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTx_Rollback(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.InTx(context.Background(), func(Store) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate_NothingPending(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT pg_advisory_lock`).WithArgs(migrationLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(`SELECT filename FROM schema_migrations`).
		WillReturnRows(pgxmock.NewRows([]string{"filename"}).AddRow("001_labor_ledger.sql"))
	mock.ExpectExec(`SELECT pg_advisory_unlock`).WithArgs(migrationLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate_AppliesPending(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT pg_advisory_lock`).WithArgs(pgxmock.AnyArg()).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(`SELECT filename FROM schema_migrations`).
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS projects`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`INSERT INTO schema_migrations`).WithArgs("001_labor_ledger.sql").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`SELECT pg_advisory_unlock`).WithArgs(pgxmock.AnyArg()).WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationFiles(t *testing.T) {
	pg, err := migrationFiles("migrations/postgres")
	require.NoError(t, err)
	assert.Equal(t, []string{"001_labor_ledger.sql"}, pg)

	lite, err := migrationFiles("migrations/sqlite")
	require.NoError(t, err)
	assert.Equal(t, pg, lite)
}
