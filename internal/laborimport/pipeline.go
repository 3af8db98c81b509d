// Package laborimport turns a weekly labor-distribution workbook into
// detail lines and per-category cost aggregates for one project-week.
package laborimport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/jobcost-cli/internal/config"
	"github.com/sells-group/jobcost-cli/internal/model"
	"github.com/sells-group/jobcost-cli/internal/resilience"
	"github.com/sells-group/jobcost-cli/internal/store"
)

// errRollback aborts the transaction of an atomic run that failed.
var errRollback = eris.New("laborimport: run failed, rolling back")

// Options describes one submitted file.
type Options struct {
	FileName string
	// ProjectID selects the project explicitly; 0 resolves it from the
	// sheet's job number.
	ProjectID int64
	Actor     string
}

// Notifier is told about runs that end in the failed state.
type Notifier interface {
	ImportFailed(ctx context.Context, fileName string, res *Result) error
}

// Importer runs the labor import pipeline. It holds no per-run state and is
// safe for concurrent use.
type Importer struct {
	store      store.Store
	layout     *Layout
	calc       WageCalculator
	burdenRate decimal.Decimal
	chunkSize  int
	thresholds Thresholds
	maxErrors  int
	weekday    *time.Weekday
	atomic     bool
	retry      resilience.Policy
	notifier   Notifier
}

// Option configures an Importer.
type Option func(*Importer)

// WithNotifier sets the Notifier called for failed runs.
func WithNotifier(n Notifier) Option {
	return func(im *Importer) { im.notifier = n }
}

// WithRetry overrides the retry policy for store calls.
func WithRetry(r resilience.Policy) Option {
	return func(im *Importer) { im.retry = r }
}

// New builds an Importer from the labor config.
func New(st store.Store, cfg config.LaborConfig, opts ...Option) (*Importer, error) {
	layout, err := NewLayout(cfg.Layout)
	if err != nil {
		return nil, err
	}
	weekday, err := ParseWeekday(cfg.WeekEndingWeekday)
	if err != nil {
		return nil, err
	}

	im := &Importer{
		store:      st,
		layout:     layout,
		calc:       WageCalculator{MaxDailyHours: decimal.NewFromFloat(cfg.MaxDailyHours)},
		burdenRate: decimal.NewFromFloat(cfg.BurdenRate),
		chunkSize:  cfg.ChunkSize,
		thresholds: Thresholds{Floor: cfg.ErrorFloor, Ratio: cfg.ErrorRatio},
		maxErrors:  cfg.MaxReportedErrors,
		weekday:    weekday,
		atomic:     cfg.Atomic,
		retry:      resilience.FromConfig(cfg.Retry),
	}
	for _, o := range opts {
		o(im)
	}
	// A failed statement poisons a Postgres transaction; retrying inside one
	// cannot succeed.
	if im.atomic {
		im.retry.MaxAttempts = 1
	}
	return im, nil
}

// Import runs the pipeline over one workbook. Terminal errors (format,
// metadata, duplicate) return a failed Result carrying one message and
// write nothing. A run that exceeds the error thresholds returns both its
// full Result and an ImportError of KindThreshold.
func (im *Importer) Import(ctx context.Context, data []byte, opts Options) (*Result, error) {
	log := zap.L().With(zap.String("component", "laborimport"), zap.String("file", opts.FileName))

	res, err := im.run(ctx, data, opts, log)
	if res != nil && res.Status == model.ImportStatusFailed && im.notifier != nil {
		if nerr := im.notifier.ImportFailed(context.WithoutCancel(ctx), opts.FileName, res); nerr != nil {
			log.Warn("failure notification not sent", zap.Error(nerr))
		}
	}
	return res, err
}

func (im *Importer) run(ctx context.Context, data []byte, opts Options, log *zap.Logger) (*Result, error) {
	sheet, err := Extract(data, im.layout)
	if err != nil {
		log.Warn("workbook rejected", zap.Error(err))
		return failedResult(err), err
	}

	meta, err := ResolveMetadata(ctx, im.store, sheet, opts.ProjectID, im.weekday)
	if err != nil {
		log.Warn("metadata rejected", zap.Error(err))
		return failedResult(err), err
	}
	week := model.WeekKey(meta.WeekEnding)
	log = log.With(zap.Int64("project_id", meta.Project.ID), zap.String("week_ending", week))

	fingerprint := Fingerprint(data)
	if err := CheckDuplicate(ctx, im.store, meta.Project.ID, meta.WeekEnding, fingerprint); err != nil {
		log.Info("duplicate submission", zap.Error(err))
		res := failedResult(err)
		res.ProjectID = meta.Project.ID
		res.WeekEnding = week
		return res, err
	}

	rows := slices.Collect(sheet.Rows())
	if err := ctx.Err(); err != nil {
		return failedResult(err), err
	}

	batch, err := im.store.StartBatch(ctx, model.ImportBatch{
		ProjectID:   meta.Project.ID,
		ImportType:  model.ImportTypeLabor,
		Actor:       opts.Actor,
		FileName:    opts.FileName,
		Fingerprint: fingerprint,
		WeekEnding:  meta.WeekEnding,
	})
	if err != nil {
		err = eris.Wrap(err, "laborimport: start batch")
		return failedResult(err), err
	}
	log = log.With(zap.String("batch_id", batch.ID))
	log.Info("import started", zap.Int("candidate_rows", len(rows)))

	var state *runState
	body := func(st store.Store) error {
		var err error
		state, err = im.process(ctx, st, meta, batch.ID, rows)
		if err != nil {
			return err
		}
		if im.atomic && state.status == model.ImportStatusFailed {
			return errRollback
		}
		return nil
	}
	if im.atomic {
		err = im.store.InTx(ctx, body)
		if errors.Is(err, errRollback) {
			state.rollBack()
			err = nil
		}
	} else {
		err = body(im.store)
	}

	// The audit record is finalized even when the caller has gone away.
	finalizeCtx := context.WithoutCancel(ctx)
	if err != nil {
		log.Error("import aborted", zap.Error(err))
		if ferr := im.store.FinalizeBatch(finalizeCtx, batch.ID, model.BatchOutcome{
			Status:           model.ImportStatusFailed,
			RecordsProcessed: len(rows),
			Metadata:         map[string]any{"week_ending": week, "fingerprint": fingerprint, "error": err.Error()},
		}); ferr != nil {
			log.Error("finalize failed batch", zap.Error(ferr))
		}
		res := failedResult(err)
		res.ImportID = batch.ID
		res.ProjectID = meta.Project.ID
		res.WeekEnding = week
		return res, err
	}

	res := im.result(state, batch.ID, meta)
	if err := im.store.FinalizeBatch(finalizeCtx, batch.ID, state.outcome(im, meta, fingerprint, opts.FileName)); err != nil {
		log.Error("finalize batch", zap.Error(err))
		return res, eris.Wrap(err, "laborimport: finalize batch")
	}

	log.Info("import finished",
		zap.String("status", string(state.status)),
		zap.Int("imported", state.imported),
		zap.Int("updated", state.updated),
		zap.Int("skipped", state.skipped),
		zap.Int("errors", state.errorCount()),
	)

	if state.exceeded {
		return res, newImportError(KindThreshold, nil,
			"%d errors in %d rows exceeds the limit of %d errors and %.0f%%",
			state.errorCount(), state.processed, im.thresholds.Floor, im.thresholds.Ratio*100)
	}
	return res, nil
}

// runState is everything one run learns between starting and finalizing
// its batch.
type runState struct {
	processed  int
	rec        *Reconciliation
	imported   int
	updated    int
	skipped    int
	rowErrors  int // per-row validation failures
	lostRows   int // rows lost to failed writes
	failedAggs int
	errors     []RowError
	warnings   []string
	zeroRate   []string
	agg        *Aggregation
	written    []model.CategoryAggregate
	status     model.ImportStatus
	exceeded   bool
	rolledBack bool
}

func (s *runState) errorCount() int {
	return s.rowErrors + s.lostRows + s.failedAggs
}

func (s *runState) rollBack() {
	s.rolledBack = true
	s.imported, s.updated = 0, 0
	s.written = nil
	s.rec.NewWorkers = nil
	s.warnings = append(s.warnings, "run failed in atomic mode; all changes were rolled back")
}

// process reconciles, computes, writes and classifies. Errors it returns
// are infrastructure failures or cancellation; everything else is recorded
// in the state.
func (im *Importer) process(ctx context.Context, st store.Store, meta *Metadata, batchID string, rows []CandidateRow) (*runState, error) {
	s := &runState{processed: len(rows), agg: NewAggregation()}

	rec, err := Reconcile(ctx, st, im.retry, rows)
	if err != nil {
		return nil, err
	}
	s.rec = rec
	s.skipped += rec.Skipped
	s.lostRows += rec.Failed
	s.errors = append(s.errors, rec.Errors...)
	s.warnings = append(s.warnings, rec.Warnings...)
	for _, e := range rec.Errors {
		if e.Row > 0 {
			s.rowErrors++
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lines := make([]WageLine, 0, len(rec.Rows))
	for _, r := range rec.Rows {
		line, disp, rowErr := im.calc.Compute(r)
		switch disp {
		case Computed:
			lines = append(lines, *line)
		case NoHours:
			s.skipped++
		case ZeroRate:
			s.skipped++
			s.zeroRate = append(s.zeroRate, r.Number)
			if !r.New {
				s.warnings = append(s.warnings, fmt.Sprintf(
					"row %d: worker %s has pay rate 0; wages not computed", r.Row, r.Number))
			}
		case Rejected:
			s.rowErrors++
			s.errors = append(s.errors, *rowErr)
		}
	}

	writer := NewWriter(st, im.chunkSize, im.retry)
	detail, err := writer.WriteDetailLines(ctx, meta.Project.ID, meta.WeekEnding, batchID, lines)
	if err != nil {
		return nil, err
	}
	s.imported, s.updated = detail.Imported, detail.Updated
	s.lostRows += detail.Failed
	s.errors = append(s.errors, detail.Errors...)

	for _, l := range detail.Persisted {
		s.agg.Add(l)
	}
	// A run that persisted nothing leaves the week's aggregates alone.
	if !s.agg.Empty() {
		written, aggErrs := writer.WriteAggregates(ctx, s.agg.Snapshot(meta.Project.ID, meta.WeekEnding, im.burdenRate, batchID))
		s.written = written
		s.failedAggs = len(aggErrs)
		s.errors = append(s.errors, aggErrs...)
	}

	s.status, s.exceeded = Classify(s.errorCount(), s.processed, s.imported+s.updated, im.thresholds)
	if im.atomic && (s.lostRows > 0 || s.failedAggs > 0) {
		s.status = model.ImportStatusFailed
	}
	return s, nil
}

func (im *Importer) result(s *runState, batchID string, meta *Metadata) *Result {
	shown, more := capErrors(s.errors, im.maxErrors)
	if shown == nil {
		shown = []RowError{}
	}
	warnings := s.warnings
	if warnings == nil {
		warnings = []string{}
	}
	return &Result{
		Success:             s.status != model.ImportStatusFailed,
		Status:              s.status,
		ImportID:            batchID,
		ProjectID:           meta.Project.ID,
		WeekEnding:          model.WeekKey(meta.WeekEnding),
		Imported:            s.imported,
		Updated:             s.updated,
		Skipped:             s.skipped,
		Errors:              shown,
		ErrorCount:          s.errorCount(),
		MoreErrors:          more,
		Warnings:            warnings,
		EmployeeCount:       len(s.rec.Rows),
		NewEmployeesCreated: len(s.rec.NewWorkers),
		ZeroRateEmployees:   len(s.zeroRate),
		Categories:          summarize(s.written),
	}
}

func (s *runState) outcome(im *Importer, meta *Metadata, fingerprint, fileName string) model.BatchOutcome {
	newWorkers := make([]map[string]any, 0, len(s.rec.NewWorkers))
	for _, w := range s.rec.NewWorkers {
		newWorkers = append(newWorkers, map[string]any{
			"number":   w.Number,
			"name":     w.FullName(),
			"category": w.Category.String(),
		})
	}
	shown, _ := capErrors(s.errors, im.maxErrors)
	errs := make([]string, 0, len(shown))
	for _, e := range shown {
		errs = append(errs, e.Error())
	}

	workerCounts := s.agg.WorkerCounts()
	if s.rolledBack {
		workerCounts = map[string]int{}
	}

	return model.BatchOutcome{
		Status:           s.status,
		Imported:         s.imported,
		Updated:          s.updated,
		Skipped:          s.skipped,
		Errored:          s.errorCount(),
		RecordsProcessed: s.processed,
		RecordsFailed:    s.errorCount(),
		Metadata: map[string]any{
			"job_number":          meta.JobNumber,
			"week_ending":         model.WeekKey(meta.WeekEnding),
			"fingerprint":         fingerprint,
			"file_name":           fileName,
			"worker_counts":       workerCounts,
			"new_workers":         newWorkers,
			"zero_rate_workers":   s.zeroRate,
			"unknown_craft_codes": s.rec.UnknownCrafts,
			"errors":              errs,
			"error_count":         s.errorCount(),
			"threshold_exceeded":  s.exceeded,
			"atomic":              im.atomic,
			"rolled_back":         s.rolledBack,
		},
	}
}
