package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sells-group/jobcost-cli/internal/model"
)

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store using modernc.org/sqlite. Decimals, dates and
// timestamps are stored as TEXT so values round-trip exactly.
type SQLiteStore struct {
	db   *sql.DB
	q    sqlQuerier
	inTx bool
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single writer connection keeps :memory: databases shared and
	// serializes transactions the way SQLite does anyway.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, q: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return migrateSQLite(ctx, s.db)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&SQLiteStore{db: s.db, q: tx, inTx: true}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// batch runs a multi-statement write so it commits all-or-nothing. Inside
// InTx it joins the outer transaction.
func (s *SQLiteStore) batch(ctx context.Context, fn func(q sqlQuerier) error) error {
	if s.inTx {
		return fn(s.q)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin batch")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit batch")
}

// --- Projects ---

func (s *SQLiteStore) FindProjectByJobNumber(ctx context.Context, jobNumber string) (*model.Project, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE job_number = ? AND active = 1`, jobNumber)
	p, err := scanSQLiteProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: project with job number %s", jobNumber)
	}
	return p, eris.Wrapf(err, "sqlite: find project %s", jobNumber)
}

func (s *SQLiteStore) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanSQLiteProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: project %d", id)
	}
	return p, eris.Wrapf(err, "sqlite: get project %d", id)
}

func (s *SQLiteStore) CreateProject(ctx context.Context, p model.Project) (*model.Project, error) {
	p.CreatedAt = time.Now().UTC()
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO projects (job_number, name, active, created_at) VALUES (?, ?, ?, ?)`,
		p.JobNumber, p.Name, p.Active, formatTimestamp(p.CreatedAt),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert project %s", p.JobNumber)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return nil, eris.Wrap(err, "sqlite: project id")
	}
	return &p, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY job_number`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list projects")
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		p, err := scanSQLiteProject(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan project")
		}
		projects = append(projects, *p)
	}
	return projects, eris.Wrap(rows.Err(), "sqlite: list projects iterate")
}

// --- Workers ---

func (s *SQLiteStore) WorkersByNumber(ctx context.Context, numbers []string) (map[string]model.Worker, error) {
	out := make(map[string]model.Worker, len(numbers))
	if len(numbers) == 0 {
		return out, nil
	}

	args := make([]any, len(numbers))
	for i, n := range numbers {
		args[i] = n
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE number IN (`+placeholders(len(numbers))+`)`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: workers by number")
	}
	defer rows.Close()

	for rows.Next() {
		w, err := scanSQLiteWorker(rows)
		if err != nil {
			return nil, err
		}
		out[w.Number] = *w
	}
	return out, eris.Wrap(rows.Err(), "sqlite: workers by number iterate")
}

func (s *SQLiteStore) InsertWorkers(ctx context.Context, workers []model.Worker) ([]model.Worker, error) {
	inserted := make([]model.Worker, 0, len(workers))
	now := formatTimestamp(time.Now().UTC())
	err := s.batch(ctx, func(q sqlQuerier) error {
		for _, w := range workers {
			row := q.QueryRowContext(ctx,
				`INSERT INTO workers (number, first_name, last_name, category, pay_rate, active, created_at)
				 VALUES (?, ?, ?, ?, ?, 1, ?)
				 ON CONFLICT (number) DO UPDATE SET number = excluded.number
				 RETURNING `+workerColumns,
				w.Number, w.FirstName, w.LastName, w.Category.String(), w.PayRate.String(), now,
			)
			stored, err := scanSQLiteWorker(row)
			if err != nil {
				return eris.Wrapf(err, "sqlite: insert worker %s", w.Number)
			}
			inserted = append(inserted, *stored)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// --- Detail lines ---

func (s *SQLiteStore) ExistingDetailLines(ctx context.Context, projectID int64, weekEnding time.Time, workerIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(workerIDs))
	if len(workerIDs) == 0 {
		return out, nil
	}

	args := []any{projectID, formatDate(weekEnding)}
	for _, id := range workerIDs {
		args = append(args, id)
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT worker_id FROM labor_detail_lines
		 WHERE project_id = ? AND week_ending = ? AND worker_id IN (`+placeholders(len(workerIDs))+`)`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: existing detail lines")
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan detail line key")
		}
		out[id] = true
	}
	return out, eris.Wrap(rows.Err(), "sqlite: existing detail lines iterate")
}

func (s *SQLiteStore) InsertDetailLines(ctx context.Context, lines []model.DetailLine) (int64, error) {
	return s.writeDetailLines(ctx, lines,
		`INSERT INTO labor_detail_lines (`+strings.Join(detailWriteColumns, ", ")+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
}

func (s *SQLiteStore) UpdateDetailLines(ctx context.Context, lines []model.DetailLine) (int64, error) {
	return s.writeDetailLines(ctx, lines,
		`INSERT INTO labor_detail_lines (`+strings.Join(detailWriteColumns, ", ")+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (worker_id, project_id, week_ending) DO UPDATE SET
			st_hours = excluded.st_hours,
			ot_hours = excluded.ot_hours,
			st_wages = excluded.st_wages,
			ot_wages = excluded.ot_wages,
			daily_hours = excluded.daily_hours,
			import_batch_id = excluded.import_batch_id,
			updated_at = excluded.updated_at`)
}

func (s *SQLiteStore) writeDetailLines(ctx context.Context, lines []model.DetailLine, query string) (int64, error) {
	now := formatTimestamp(time.Now().UTC())
	var n int64
	err := s.batch(ctx, func(q sqlQuerier) error {
		for _, l := range lines {
			daily, err := json.Marshal(l.DailyHours)
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal daily hours")
			}
			res, err := q.ExecContext(ctx, query,
				l.WorkerID, l.ProjectID, formatDate(l.WeekEnding),
				l.STHours.String(), l.OTHours.String(), l.STWages.String(), l.OTWages.String(),
				string(daily), nullString(l.ImportBatchID), now,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: write detail line for worker %d", l.WorkerID)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return eris.Wrap(err, "sqlite: rows affected")
			}
			n += affected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLiteStore) DetailLines(ctx context.Context, projectID int64, weekEnding time.Time) ([]model.DetailLine, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+detailSelectColumns+` FROM labor_detail_lines
		 WHERE project_id = ? AND week_ending = ? ORDER BY worker_id`,
		projectID, formatDate(weekEnding),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: detail lines")
	}
	defer rows.Close()

	var lines []model.DetailLine
	for rows.Next() {
		var l model.DetailLine
		var week, daily, updated string
		var batchID sql.NullString
		if err := rows.Scan(&l.ID, &l.WorkerID, &l.ProjectID, &week, &l.STHours, &l.OTHours,
			&l.STWages, &l.OTWages, &daily, &batchID, &updated); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan detail line")
		}
		if l.WeekEnding, err = parseDate(week); err != nil {
			return nil, err
		}
		if l.UpdatedAt, err = parseTimestamp(updated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(daily), &l.DailyHours); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal daily hours")
		}
		l.ImportBatchID = batchID.String
		lines = append(lines, l)
	}
	return lines, eris.Wrap(rows.Err(), "sqlite: detail lines iterate")
}

// --- Aggregates ---

func (s *SQLiteStore) UpsertCategoryAggregate(ctx context.Context, agg model.CategoryAggregate) (bool, error) {
	week := formatDate(agg.WeekEnding)
	var existing int
	if err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM labor_category_aggregates WHERE project_id = ? AND category = ? AND week_ending = ?`,
		agg.ProjectID, agg.Category.String(), week,
	).Scan(&existing); err != nil {
		return false, eris.Wrapf(err, "sqlite: check %s aggregate", agg.Category)
	}

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO labor_category_aggregates (`+aggregateColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (project_id, category, week_ending) DO UPDATE SET
			st_hours = excluded.st_hours,
			ot_hours = excluded.ot_hours,
			total_hours = excluded.total_hours,
			st_wages = excluded.st_wages,
			ot_wages = excluded.ot_wages,
			total_wages = excluded.total_wages,
			burden_rate = excluded.burden_rate,
			burden_amount = excluded.burden_amount,
			cost_with_burden = excluded.cost_with_burden,
			worker_count = excluded.worker_count,
			import_batch_id = excluded.import_batch_id,
			updated_at = excluded.updated_at`,
		agg.ProjectID, agg.Category.String(), week,
		agg.STHours.String(), agg.OTHours.String(), agg.TotalHours.String(),
		agg.STWages.String(), agg.OTWages.String(), agg.TotalWages.String(),
		agg.BurdenRate.String(), agg.BurdenAmount.String(), agg.CostWithBurden.String(),
		agg.WorkerCount, nullString(agg.ImportBatchID), formatTimestamp(time.Now().UTC()),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: upsert %s aggregate", agg.Category)
	}
	return existing == 0, nil
}

func (s *SQLiteStore) CategoryAggregates(ctx context.Context, projectID int64, weekEnding time.Time) ([]model.CategoryAggregate, error) {
	query := `SELECT ` + aggregateColumns + ` FROM labor_category_aggregates WHERE project_id = ?`
	args := []any{projectID}
	if !weekEnding.IsZero() {
		query += ` AND week_ending = ?`
		args = append(args, formatDate(weekEnding))
	}
	query += ` ORDER BY week_ending DESC, category`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: category aggregates")
	}
	defer rows.Close()

	var aggs []model.CategoryAggregate
	for rows.Next() {
		var a model.CategoryAggregate
		var category, week, updated string
		var batchID sql.NullString
		if err := rows.Scan(&a.ProjectID, &category, &week, &a.STHours, &a.OTHours, &a.TotalHours,
			&a.STWages, &a.OTWages, &a.TotalWages, &a.BurdenRate, &a.BurdenAmount, &a.CostWithBurden,
			&a.WorkerCount, &batchID, &updated); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan aggregate")
		}
		if a.Category, err = model.ParseCategory(category); err != nil {
			return nil, eris.Wrap(err, "sqlite: aggregate category")
		}
		if a.WeekEnding, err = parseDate(week); err != nil {
			return nil, err
		}
		if a.UpdatedAt, err = parseTimestamp(updated); err != nil {
			return nil, err
		}
		a.ImportBatchID = batchID.String
		aggs = append(aggs, a)
	}
	return aggs, eris.Wrap(rows.Err(), "sqlite: category aggregates iterate")
}

// --- Import batches ---

const sqliteBatchSelect = `SELECT ` + batchColumns + ` FROM import_batches`

func (s *SQLiteStore) FindSuccessfulBatch(ctx context.Context, projectID int64, weekEnding time.Time, fingerprint string) (*model.ImportBatch, error) {
	row := s.q.QueryRowContext(ctx,
		sqliteBatchSelect+` WHERE project_id = ? AND week_ending = ? AND fingerprint = ? AND status = 'success'
		 ORDER BY completed_at DESC LIMIT 1`,
		projectID, formatDate(weekEnding), fingerprint,
	)
	b, err := scanSQLiteBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, eris.Wrap(err, "sqlite: find successful batch")
}

func (s *SQLiteStore) StartBatch(ctx context.Context, batch model.ImportBatch) (*model.ImportBatch, error) {
	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}
	if batch.ImportType == "" {
		batch.ImportType = model.ImportTypeLabor
	}
	batch.Status = model.ImportStatusPending
	batch.CreatedAt = time.Now().UTC()

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO import_batches (id, project_id, import_type, status, actor, file_name, fingerprint, week_ending, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.ID, batch.ProjectID, batch.ImportType, string(batch.Status), batch.Actor,
		batch.FileName, batch.Fingerprint, formatDate(batch.WeekEnding), formatTimestamp(batch.CreatedAt),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert import batch")
	}
	return &batch, nil
}

func (s *SQLiteStore) FinalizeBatch(ctx context.Context, id string, outcome model.BatchOutcome) error {
	var meta sql.NullString
	if outcome.Metadata != nil {
		data, err := json.Marshal(outcome.Metadata)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal batch metadata")
		}
		meta = sql.NullString{String: string(data), Valid: true}
	}

	res, err := s.q.ExecContext(ctx,
		`UPDATE import_batches
		 SET status = ?, imported = ?, updated = ?, skipped = ?, errored = ?,
		     records_processed = ?, records_failed = ?, metadata = ?, completed_at = ?
		 WHERE id = ? AND status = 'pending'`,
		string(outcome.Status), outcome.Imported, outcome.Updated, outcome.Skipped, outcome.Errored,
		outcome.RecordsProcessed, outcome.RecordsFailed, meta, formatTimestamp(time.Now().UTC()), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finalize import batch %s", id)
	}
	return checkRowsAffected(res, "pending import batch", id)
}

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*model.ImportBatch, error) {
	row := s.q.QueryRowContext(ctx, sqliteBatchSelect+` WHERE id = ?`, id)
	b, err := scanSQLiteBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: import batch %s", id)
	}
	return b, eris.Wrapf(err, "sqlite: get import batch %s", id)
}

func (s *SQLiteStore) ListBatches(ctx context.Context, filter BatchFilter) ([]model.ImportBatch, error) {
	query := sqliteBatchSelect + ` WHERE 1=1`
	var args []any

	if filter.ProjectID > 0 {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND julianday(created_at) >= julianday(?)`
		args = append(args, formatTimestamp(filter.CreatedAfter))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list import batches")
	}
	defer rows.Close()

	var batches []model.ImportBatch
	for rows.Next() {
		b, err := scanSQLiteBatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan import batch")
		}
		batches = append(batches, *b)
	}
	return batches, eris.Wrap(rows.Err(), "sqlite: list import batches iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func formatDate(t time.Time) string {
	return t.Format(time.DateOnly)
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	return t, eris.Wrapf(err, "sqlite: parse date %q", s)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	return t, eris.Wrapf(err, "sqlite: parse timestamp %q", s)
}

func scanSQLiteProject(row scannable) (*model.Project, error) {
	var p model.Project
	var created string
	if err := row.Scan(&p.ID, &p.JobNumber, &p.Name, &p.Active, &created); err != nil {
		return nil, err
	}
	var err error
	if p.CreatedAt, err = parseTimestamp(created); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanSQLiteWorker(row scannable) (*model.Worker, error) {
	var w model.Worker
	var category, created string
	var rate decimal.Decimal
	if err := row.Scan(&w.ID, &w.Number, &w.FirstName, &w.LastName, &category, &rate, &w.Active, &created); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan worker")
	}
	c, err := model.ParseCategory(category)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: worker %s category", w.Number)
	}
	w.Category = c
	w.PayRate = rate
	if w.CreatedAt, err = parseTimestamp(created); err != nil {
		return nil, err
	}
	return &w, nil
}

func scanSQLiteBatch(row scannable) (*model.ImportBatch, error) {
	var b model.ImportBatch
	var status, week, created string
	var meta, completed sql.NullString
	err := row.Scan(&b.ID, &b.ProjectID, &b.ImportType, &status, &b.Actor, &b.FileName, &b.Fingerprint,
		&week, &b.Imported, &b.Updated, &b.Skipped, &b.Errored, &b.RecordsProcessed,
		&b.RecordsFailed, &meta, &created, &completed)
	if err != nil {
		return nil, err
	}
	b.Status = model.ImportStatus(status)
	if b.WeekEnding, err = parseDate(week); err != nil {
		return nil, err
	}
	if b.CreatedAt, err = parseTimestamp(created); err != nil {
		return nil, err
	}
	if completed.Valid {
		t, err := parseTimestamp(completed.String)
		if err != nil {
			return nil, err
		}
		b.CompletedAt = &t
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &b.Metadata); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal batch metadata")
		}
	}
	return &b, nil
}
