package laborimport

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/jobcost-cli/internal/model"
	"github.com/sells-group/jobcost-cli/internal/resilience"
	"github.com/sells-group/jobcost-cli/internal/store"
)

// Writer persists detail lines and category aggregates for one run.
type Writer struct {
	store     store.Store
	chunkSize int
	retry     resilience.Policy
	log       *zap.Logger
}

// NewWriter returns a Writer that writes through st in chunks of chunkSize.
func NewWriter(st store.Store, chunkSize int, retry resilience.Policy) *Writer {
	if chunkSize <= 0 {
		chunkSize = 100
	}
	return &Writer{
		store:     st,
		chunkSize: chunkSize,
		retry:     retry,
		log:       zap.L().With(zap.String("component", "laborimport.writer")),
	}
}

// DetailResult reports what WriteDetailLines did.
type DetailResult struct {
	Imported  int
	Updated   int
	Persisted []WageLine
	Errors    []RowError
	// Failed counts lines lost to failed writes.
	Failed int
}

// WriteDetailLines writes lines chunk by chunk, inserting new keys and
// updating existing ones. A failed chunk operation is recorded as a row-0
// error and its lines are left out of Persisted.
func (w *Writer) WriteDetailLines(ctx context.Context, projectID int64, week time.Time, batchID string, lines []WageLine) (*DetailResult, error) {
	res := &DetailResult{}
	for start := 0; start < len(lines); start += w.chunkSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := min(start+w.chunkSize, len(lines))
		w.writeChunk(ctx, projectID, week, batchID, lines[start:end], start/w.chunkSize+1, res)
	}
	return res, nil
}

func (w *Writer) writeChunk(ctx context.Context, projectID int64, week time.Time, batchID string, chunk []WageLine, n int, res *DetailResult) {
	workerIDs := make([]int64, len(chunk))
	for i, l := range chunk {
		workerIDs[i] = l.Worker.ID
	}

	existing, err := resilience.DoVal(ctx, w.retry, "existing_detail_lines", func(ctx context.Context) (map[int64]bool, error) {
		return w.store.ExistingDetailLines(ctx, projectID, week, workerIDs)
	})
	if err != nil {
		w.fail(res, n, "look up existing lines", len(chunk), err)
		return
	}

	var inserts, updates []WageLine
	for _, l := range chunk {
		if existing[l.Worker.ID] {
			updates = append(updates, l)
		} else {
			inserts = append(inserts, l)
		}
	}

	if len(inserts) > 0 {
		err := resilience.Do(ctx, w.retry, "insert_detail_lines", func(ctx context.Context) error {
			_, err := w.store.InsertDetailLines(ctx, toDetailLines(projectID, week, batchID, inserts))
			return err
		})
		if err != nil {
			w.fail(res, n, "insert", len(inserts), err)
		} else {
			res.Imported += len(inserts)
			res.Persisted = append(res.Persisted, inserts...)
		}
	}

	if len(updates) > 0 {
		err := resilience.Do(ctx, w.retry, "update_detail_lines", func(ctx context.Context) error {
			_, err := w.store.UpdateDetailLines(ctx, toDetailLines(projectID, week, batchID, updates))
			return err
		})
		if err != nil {
			w.fail(res, n, "update", len(updates), err)
		} else {
			res.Updated += len(updates)
			res.Persisted = append(res.Persisted, updates...)
		}
	}
}

func (w *Writer) fail(res *DetailResult, chunk int, op string, lines int, err error) {
	w.log.Error("detail chunk write failed",
		zap.Int("chunk", chunk), zap.String("op", op), zap.Int("lines", lines), zap.Error(err))
	res.Failed += lines
	res.Errors = append(res.Errors, RowError{
		Message: fmt.Sprintf("chunk %d: %s of %d detail lines failed: %v", chunk, op, lines, err),
	})
}

// WriteAggregates upserts each category snapshot and returns the ones
// written. A failed category is recorded as a row-0 error and the others
// still run.
func (w *Writer) WriteAggregates(ctx context.Context, aggs []model.CategoryAggregate) (written []model.CategoryAggregate, errs []RowError) {
	for _, agg := range aggs {
		_, err := resilience.DoVal(ctx, w.retry, "upsert_aggregate", func(ctx context.Context) (bool, error) {
			return w.store.UpsertCategoryAggregate(ctx, agg)
		})
		if err != nil {
			w.log.Error("aggregate upsert failed", zap.Stringer("category", agg.Category), zap.Error(err))
			errs = append(errs, RowError{
				Field:   agg.Category.String(),
				Message: fmt.Sprintf("%s aggregate upsert failed: %v", agg.Category, err),
			})
			continue
		}
		written = append(written, agg)
	}
	return written, errs
}

func toDetailLines(projectID int64, week time.Time, batchID string, lines []WageLine) []model.DetailLine {
	out := make([]model.DetailLine, len(lines))
	for i, l := range lines {
		out[i] = model.DetailLine{
			WorkerID:      l.Worker.ID,
			ProjectID:     projectID,
			WeekEnding:    week,
			STHours:       l.STHours,
			OTHours:       l.OTHours,
			STWages:       l.STWages,
			OTWages:       l.OTWages,
			DailyHours:    l.Daily,
			ImportBatchID: batchID,
		}
	}
	return out
}
