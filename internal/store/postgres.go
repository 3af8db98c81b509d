package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/jobcost-cli/internal/db"
	"github.com/sells-group/jobcost-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	projectColumns = `id, job_number, name, active, created_at`
	workerColumns  = `id, number, first_name, last_name, category, pay_rate, active, created_at`
	batchColumns   = `id, project_id, import_type, status, actor, file_name, fingerprint, week_ending,
		imported, updated, skipped, errored, records_processed, records_failed, metadata, created_at, completed_at`
	detailSelectColumns = `id, worker_id, project_id, week_ending, st_hours, ot_hours, st_wages, ot_wages,
		daily_hours, import_batch_id, updated_at`
	aggregateColumns = `project_id, category, week_ending, st_hours, ot_hours, total_hours, st_wages, ot_wages,
		total_wages, burden_rate, burden_amount, cost_with_burden, worker_count, import_batch_id, updated_at`
)

// detailWriteColumns is the column order used by COPY and bulk upsert.
var detailWriteColumns = []string{
	"worker_id", "project_id", "week_ending", "st_hours", "ot_hours",
	"st_wages", "ot_wages", "daily_hours", "import_batch_id", "updated_at",
}

var detailConflictKeys = []string{"worker_id", "project_id", "week_ending"}

// lookupQueries are the reads an import issues once per file or chunk.
var lookupQueries = map[string]string{
	"find_project_by_job": `SELECT ` + projectColumns + ` FROM projects WHERE job_number = $1 AND active`,
	"workers_by_number":   `SELECT ` + workerColumns + ` FROM workers WHERE number = ANY($1)`,
	"existing_detail_lines": `SELECT worker_id FROM labor_detail_lines
		WHERE project_id = $1 AND week_ending = $2 AND worker_id = ANY($3)`,
	"find_successful_batch": `SELECT ` + batchColumns + ` FROM import_batches
		WHERE project_id = $1 AND week_ending = $2 AND fingerprint = $3 AND status = 'success'
		ORDER BY completed_at DESC LIMIT 1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migratePostgres(ctx, s.pool)
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&PostgresStore{pool: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}

// --- Projects ---

func (s *PostgresStore) FindProjectByJobNumber(ctx context.Context, jobNumber string) (*model.Project, error) {
	row := s.pool.QueryRow(ctx, lookupQueries["find_project_by_job"], jobNumber)
	p, err := scanProject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: project with job number %s", jobNumber)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find project %s", jobNumber)
	}
	return p, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	p, err := scanProject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: project %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get project %d", id)
	}
	return p, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, p model.Project) (*model.Project, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO projects (job_number, name, active, created_at) VALUES ($1, $2, $3, now())
		 RETURNING id, created_at`,
		p.JobNumber, p.Name, p.Active,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert project %s", p.JobNumber)
	}
	return &p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY job_number`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list projects")
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan project")
		}
		projects = append(projects, *p)
	}
	return projects, eris.Wrap(rows.Err(), "postgres: list projects iterate")
}

// --- Workers ---

func (s *PostgresStore) WorkersByNumber(ctx context.Context, numbers []string) (map[string]model.Worker, error) {
	out := make(map[string]model.Worker, len(numbers))
	if len(numbers) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, lookupQueries["workers_by_number"], numbers)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: workers by number")
	}
	defer rows.Close()

	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out[w.Number] = *w
	}
	return out, eris.Wrap(rows.Err(), "postgres: workers by number iterate")
}

func (s *PostgresStore) InsertWorkers(ctx context.Context, workers []model.Worker) ([]model.Worker, error) {
	if len(workers) == 0 {
		return nil, nil
	}

	numbers := make([]string, len(workers))
	firsts := make([]string, len(workers))
	lasts := make([]string, len(workers))
	categories := make([]string, len(workers))
	rates := make([]decimal.Decimal, len(workers))
	for i, w := range workers {
		numbers[i] = w.Number
		firsts[i] = w.FirstName
		lasts[i] = w.LastName
		categories[i] = w.Category.String()
		rates[i] = w.PayRate
	}

	// The no-op update makes RETURNING yield rows that already existed.
	rows, err := s.pool.Query(ctx,
		`INSERT INTO workers (number, first_name, last_name, category, pay_rate, active, created_at)
		 SELECT n, f, l, c, r, true, now()
		 FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::numeric[]) AS t(n, f, l, c, r)
		 ON CONFLICT (number) DO UPDATE SET number = EXCLUDED.number
		 RETURNING `+workerColumns,
		numbers, firsts, lasts, categories, rates,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert workers")
	}
	defer rows.Close()

	inserted := make([]model.Worker, 0, len(workers))
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		inserted = append(inserted, *w)
	}
	return inserted, eris.Wrap(rows.Err(), "postgres: insert workers iterate")
}

// --- Detail lines ---

func (s *PostgresStore) ExistingDetailLines(ctx context.Context, projectID int64, weekEnding time.Time, workerIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(workerIDs))
	if len(workerIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, lookupQueries["existing_detail_lines"], projectID, weekEnding, workerIDs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: existing detail lines")
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan detail line key")
		}
		out[id] = true
	}
	return out, eris.Wrap(rows.Err(), "postgres: existing detail lines iterate")
}

func (s *PostgresStore) InsertDetailLines(ctx context.Context, lines []model.DetailLine) (int64, error) {
	rows, err := detailRows(lines)
	if err != nil {
		return 0, err
	}
	n, err := db.CopyFrom(ctx, s.pool, "labor_detail_lines", detailWriteColumns, rows)
	return n, eris.Wrap(err, "postgres: insert detail lines")
}

func (s *PostgresStore) UpdateDetailLines(ctx context.Context, lines []model.DetailLine) (int64, error) {
	rows, err := detailRows(lines)
	if err != nil {
		return 0, err
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "labor_detail_lines",
		Columns:      detailWriteColumns,
		ConflictKeys: detailConflictKeys,
	}, rows)
	return n, eris.Wrap(err, "postgres: update detail lines")
}

func (s *PostgresStore) DetailLines(ctx context.Context, projectID int64, weekEnding time.Time) ([]model.DetailLine, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+detailSelectColumns+` FROM labor_detail_lines
		 WHERE project_id = $1 AND week_ending = $2 ORDER BY worker_id`,
		projectID, weekEnding,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: detail lines")
	}
	defer rows.Close()

	var lines []model.DetailLine
	for rows.Next() {
		var l model.DetailLine
		var daily []byte
		var batchID *string
		if err := rows.Scan(&l.ID, &l.WorkerID, &l.ProjectID, &l.WeekEnding, &l.STHours, &l.OTHours,
			&l.STWages, &l.OTWages, &daily, &batchID, &l.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan detail line")
		}
		if len(daily) > 0 {
			if err := json.Unmarshal(daily, &l.DailyHours); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal daily hours")
			}
		}
		if batchID != nil {
			l.ImportBatchID = *batchID
		}
		lines = append(lines, l)
	}
	return lines, eris.Wrap(rows.Err(), "postgres: detail lines iterate")
}

// detailRows converts lines into COPY rows ordered like detailWriteColumns.
func detailRows(lines []model.DetailLine) ([][]any, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(lines))
	for _, l := range lines {
		daily, err := json.Marshal(l.DailyHours)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal daily hours")
		}
		rows = append(rows, []any{
			l.WorkerID, l.ProjectID, l.WeekEnding,
			l.STHours, l.OTHours, l.STWages, l.OTWages,
			daily, nullString(l.ImportBatchID), now,
		})
	}
	return rows, nil
}

// --- Aggregates ---

func (s *PostgresStore) UpsertCategoryAggregate(ctx context.Context, agg model.CategoryAggregate) (bool, error) {
	var inserted bool
	err := s.pool.QueryRow(ctx,
		`INSERT INTO labor_category_aggregates (`+aggregateColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())
		 ON CONFLICT (project_id, category, week_ending) DO UPDATE SET
			st_hours = EXCLUDED.st_hours,
			ot_hours = EXCLUDED.ot_hours,
			total_hours = EXCLUDED.total_hours,
			st_wages = EXCLUDED.st_wages,
			ot_wages = EXCLUDED.ot_wages,
			total_wages = EXCLUDED.total_wages,
			burden_rate = EXCLUDED.burden_rate,
			burden_amount = EXCLUDED.burden_amount,
			cost_with_burden = EXCLUDED.cost_with_burden,
			worker_count = EXCLUDED.worker_count,
			import_batch_id = EXCLUDED.import_batch_id,
			updated_at = now()
		 RETURNING (xmax = 0) AS inserted`,
		agg.ProjectID, agg.Category.String(), agg.WeekEnding,
		agg.STHours, agg.OTHours, agg.TotalHours,
		agg.STWages, agg.OTWages, agg.TotalWages,
		agg.BurdenRate, agg.BurdenAmount, agg.CostWithBurden,
		agg.WorkerCount, nullString(agg.ImportBatchID),
	).Scan(&inserted)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: upsert %s aggregate", agg.Category)
	}
	return inserted, nil
}

func (s *PostgresStore) CategoryAggregates(ctx context.Context, projectID int64, weekEnding time.Time) ([]model.CategoryAggregate, error) {
	query := `SELECT ` + aggregateColumns + ` FROM labor_category_aggregates WHERE project_id = $1`
	args := []any{projectID}
	if !weekEnding.IsZero() {
		query += ` AND week_ending = $2`
		args = append(args, weekEnding)
	}
	query += ` ORDER BY week_ending DESC, category`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: category aggregates")
	}
	defer rows.Close()

	var aggs []model.CategoryAggregate
	for rows.Next() {
		var a model.CategoryAggregate
		var category string
		var batchID *string
		if err := rows.Scan(&a.ProjectID, &category, &a.WeekEnding, &a.STHours, &a.OTHours, &a.TotalHours,
			&a.STWages, &a.OTWages, &a.TotalWages, &a.BurdenRate, &a.BurdenAmount, &a.CostWithBurden,
			&a.WorkerCount, &batchID, &a.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan aggregate")
		}
		if a.Category, err = model.ParseCategory(category); err != nil {
			return nil, eris.Wrap(err, "postgres: aggregate category")
		}
		if batchID != nil {
			a.ImportBatchID = *batchID
		}
		aggs = append(aggs, a)
	}
	return aggs, eris.Wrap(rows.Err(), "postgres: category aggregates iterate")
}

// --- Import batches ---

func (s *PostgresStore) FindSuccessfulBatch(ctx context.Context, projectID int64, weekEnding time.Time, fingerprint string) (*model.ImportBatch, error) {
	row := s.pool.QueryRow(ctx, lookupQueries["find_successful_batch"], projectID, weekEnding, fingerprint)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find successful batch")
	}
	return b, nil
}

func (s *PostgresStore) StartBatch(ctx context.Context, batch model.ImportBatch) (*model.ImportBatch, error) {
	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}
	if batch.ImportType == "" {
		batch.ImportType = model.ImportTypeLabor
	}
	batch.Status = model.ImportStatusPending
	batch.CreatedAt = time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO import_batches (id, project_id, import_type, status, actor, file_name, fingerprint, week_ending, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		batch.ID, batch.ProjectID, batch.ImportType, string(batch.Status), batch.Actor,
		batch.FileName, batch.Fingerprint, batch.WeekEnding, batch.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert import batch")
	}
	return &batch, nil
}

func (s *PostgresStore) FinalizeBatch(ctx context.Context, id string, outcome model.BatchOutcome) error {
	var metaJSON []byte
	if outcome.Metadata != nil {
		var err error
		metaJSON, err = json.Marshal(outcome.Metadata)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal batch metadata")
		}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE import_batches
		 SET status = $1, imported = $2, updated = $3, skipped = $4, errored = $5,
		     records_processed = $6, records_failed = $7, metadata = $8, completed_at = now()
		 WHERE id = $9 AND status = 'pending'`,
		string(outcome.Status), outcome.Imported, outcome.Updated, outcome.Skipped, outcome.Errored,
		outcome.RecordsProcessed, outcome.RecordsFailed, metaJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finalize import batch %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("import batch not found or already finalized: %s", id)
	}
	return nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*model.ImportBatch, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM import_batches WHERE id = $1`, id)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: import batch %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get import batch %s", id)
	}
	return b, nil
}

func (s *PostgresStore) ListBatches(ctx context.Context, filter BatchFilter) ([]model.ImportBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM import_batches WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ProjectID > 0 {
		query += fmt.Sprintf(` AND project_id = $%d`, argIdx)
		args = append(args, filter.ProjectID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.CreatedAfter)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list import batches")
	}
	defer rows.Close()

	var batches []model.ImportBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan import batch")
		}
		batches = append(batches, *b)
	}
	return batches, eris.Wrap(rows.Err(), "postgres: list import batches iterate")
}

// --- scanning ---

func scanProject(row pgx.Row) (*model.Project, error) {
	var p model.Project
	if err := row.Scan(&p.ID, &p.JobNumber, &p.Name, &p.Active, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanWorker(row pgx.Row) (*model.Worker, error) {
	var w model.Worker
	var category string
	var rate decimal.Decimal
	if err := row.Scan(&w.ID, &w.Number, &w.FirstName, &w.LastName, &category, &rate, &w.Active, &w.CreatedAt); err != nil {
		return nil, eris.Wrap(err, "postgres: scan worker")
	}
	c, err := model.ParseCategory(category)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: worker %s category", w.Number)
	}
	w.Category = c
	w.PayRate = rate
	return &w, nil
}

func scanBatch(row pgx.Row) (*model.ImportBatch, error) {
	var b model.ImportBatch
	var status string
	var metaJSON []byte
	err := row.Scan(&b.ID, &b.ProjectID, &b.ImportType, &status, &b.Actor, &b.FileName, &b.Fingerprint,
		&b.WeekEnding, &b.Imported, &b.Updated, &b.Skipped, &b.Errored, &b.RecordsProcessed,
		&b.RecordsFailed, &metaJSON, &b.CreatedAt, &b.CompletedAt)
	if err != nil {
		return nil, err
	}
	b.Status = model.ImportStatus(status)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &b.Metadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal batch metadata")
		}
	}
	return &b, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
