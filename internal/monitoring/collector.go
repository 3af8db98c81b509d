package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/jobcost-cli/internal/model"
	"github.com/sells-group/jobcost-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of import health.
type MetricsSnapshot struct {
	// Import batches started within the lookback window.
	ImportTotal    int     `json:"import_total"`
	ImportSuccess  int     `json:"import_success"`
	ImportPartial  int     `json:"import_partial"`
	ImportFailed   int     `json:"import_failed"`
	ImportPending  int     `json:"import_pending"`
	ImportFailRate float64 `json:"import_fail_rate"`

	// Row totals across finalized batches.
	RowsWritten int `json:"rows_written"`
	RowsErrored int `json:"rows_errored"`

	// StalePending counts batches still pending after the stale cutoff,
	// i.e. runs that died before finalizing.
	StalePending   int      `json:"stale_pending"`
	StaleBatchIDs  []string `json:"stale_batch_ids,omitempty"`
	LookbackHours  int      `json:"lookback_hours"`
	StaleAfterMins int      `json:"stale_after_mins"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers import metrics from the store.
type Collector struct {
	store      store.Store
	staleAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a metrics collector. Pending batches older than
// staleAfter are reported as stale.
func NewCollector(st store.Store, staleAfter time.Duration) *Collector {
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	return &Collector{store: st, staleAfter: staleAfter, now: time.Now}
}

// Collect gathers a snapshot of import metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours:  lookbackHours,
		StaleAfterMins: int(c.staleAfter / time.Minute),
		CollectedAt:    now,
	}

	batches, err := c.store.ListBatches(ctx, store.BatchFilter{
		CreatedAfter: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list import batches")
	}

	snap.ImportTotal = len(batches)
	staleCutoff := now.Add(-c.staleAfter)
	for _, b := range batches {
		switch b.Status {
		case model.ImportStatusSuccess:
			snap.ImportSuccess++
		case model.ImportStatusPartial:
			snap.ImportPartial++
		case model.ImportStatusFailed:
			snap.ImportFailed++
		case model.ImportStatusPending:
			snap.ImportPending++
			if b.CreatedAt.Before(staleCutoff) {
				snap.StalePending++
				snap.StaleBatchIDs = append(snap.StaleBatchIDs, b.ID)
			}
			continue
		}
		snap.RowsWritten += b.Imported + b.Updated
		snap.RowsErrored += b.Errored
	}

	finished := snap.ImportSuccess + snap.ImportPartial + snap.ImportFailed
	if finished > 0 {
		snap.ImportFailRate = float64(snap.ImportFailed) / float64(finished)
	}

	return snap, nil
}
