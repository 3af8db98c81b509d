package laborimport

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sells-group/jobcost-cli/internal/model"
)

type categoryTotals struct {
	stHours decimal.Decimal
	otHours decimal.Decimal
	stWages decimal.Decimal
	otWages decimal.Decimal
	workers map[int64]struct{}
}

// Aggregation accumulates per-category totals for one run. Only lines that
// were persisted are added.
type Aggregation struct {
	totals map[model.Category]*categoryTotals
}

// NewAggregation returns an empty aggregation.
func NewAggregation() *Aggregation {
	return &Aggregation{totals: make(map[model.Category]*categoryTotals, len(model.Categories))}
}

// Add folds one persisted line into its worker's category.
func (a *Aggregation) Add(line WageLine) {
	t, ok := a.totals[line.Worker.Category]
	if !ok {
		t = &categoryTotals{workers: make(map[int64]struct{})}
		a.totals[line.Worker.Category] = t
	}
	t.stHours = t.stHours.Add(line.STHours)
	t.otHours = t.otHours.Add(line.OTHours)
	t.stWages = t.stWages.Add(line.STWages)
	t.otWages = t.otWages.Add(line.OTWages)
	t.workers[line.Worker.ID] = struct{}{}
}

// Empty reports whether no line has been added.
func (a *Aggregation) Empty() bool {
	return len(a.totals) == 0
}

// WorkerCounts returns distinct contributing workers per category name.
func (a *Aggregation) WorkerCounts() map[string]int {
	out := make(map[string]int, len(a.totals))
	for c, t := range a.totals {
		out[c.String()] = len(t.workers)
	}
	return out
}

// Snapshot computes the aggregate record of every category in reporting
// order. A category nobody contributed to gets zero totals so it replaces
// whatever an earlier run stored for the week. Burden applies to ST wages
// only.
func (a *Aggregation) Snapshot(projectID int64, week time.Time, burdenRate decimal.Decimal, batchID string) []model.CategoryAggregate {
	out := make([]model.CategoryAggregate, 0, len(model.Categories))
	for _, c := range model.Categories {
		t, ok := a.totals[c]
		if !ok {
			t = &categoryTotals{}
		}
		wages := t.stWages.Add(t.otWages)
		burden := t.stWages.Mul(burdenRate).Round(2)
		out = append(out, model.CategoryAggregate{
			ProjectID:      projectID,
			Category:       c,
			WeekEnding:     week,
			STHours:        t.stHours,
			OTHours:        t.otHours,
			TotalHours:     t.stHours.Add(t.otHours),
			STWages:        t.stWages,
			OTWages:        t.otWages,
			TotalWages:     wages,
			BurdenRate:     burdenRate,
			BurdenAmount:   burden,
			CostWithBurden: wages.Add(burden),
			WorkerCount:    len(t.workers),
			ImportBatchID:  batchID,
		})
	}
	return out
}
