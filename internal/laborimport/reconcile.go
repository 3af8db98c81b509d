package laborimport

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/jobcost-cli/internal/model"
	"github.com/sells-group/jobcost-cli/internal/resilience"
	"github.com/sells-group/jobcost-cli/internal/store"
)

// maxUnknownCrafts caps the unrecognized craft codes kept for the audit record.
const maxUnknownCrafts = 20

// craftPrefixes maps craft-code prefixes to categories, checked in order.
var craftPrefixes = []struct {
	prefix   string
	category model.Category
}{
	{"STA", model.CategoryStaff},
	{"IND", model.CategoryIndirect},
	{"DIR", model.CategoryDirect},
}

// CategoryForCraft infers a category from a craft code. Unknown or empty
// codes default to Direct; recognized is false only for a non-empty code
// that matched no prefix.
func CategoryForCraft(code string) (category model.Category, recognized bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return model.CategoryDirect, true
	}
	for _, p := range craftPrefixes {
		if strings.HasPrefix(code, p.prefix) {
			return p.category, true
		}
	}
	return model.CategoryDirect, false
}

// ResolvedRow is a candidate row bound to a stored worker.
type ResolvedRow struct {
	CandidateRow
	Worker model.Worker
	New    bool
}

// Reconciliation is the output of matching sheet rows to the worker registry.
type Reconciliation struct {
	Rows          []ResolvedRow
	NewWorkers    []model.Worker
	UnknownCrafts []string
	Errors        []RowError
	Warnings      []string
	// Skipped counts unknown-worker rows dropped for a missing name or for
	// logging no hours.
	Skipped int
	// Failed counts rows lost because the worker insert failed.
	Failed int
}

// Reconcile resolves each candidate row to a worker with one bulk lookup.
// Unknown numbers with a name and hours logged become new rate-0 workers,
// inserted in one batch and merged back so repeated references resolve to
// the same record.
func Reconcile(ctx context.Context, st store.Store, retry resilience.Policy, rows []CandidateRow) (*Reconciliation, error) {
	rec := &Reconciliation{}

	seen := make(map[string]int, len(rows))
	unique := make([]CandidateRow, 0, len(rows))
	numbers := make([]string, 0, len(rows))
	for _, r := range rows {
		if first, dup := seen[r.Number]; dup {
			rec.Errors = append(rec.Errors, RowError{
				Row:     r.Row,
				Field:   "number",
				Message: fmt.Sprintf("worker %s already appears on row %d", r.Number, first),
				Data:    r.Number,
			})
			continue
		}
		seen[r.Number] = r.Row
		unique = append(unique, r)
		numbers = append(numbers, r.Number)
	}

	known, err := resilience.DoVal(ctx, retry, "workers_by_number", func(ctx context.Context) (map[string]model.Worker, error) {
		return st.WorkersByNumber(ctx, numbers)
	})
	if err != nil {
		return nil, eris.Wrap(err, "laborimport: lookup workers")
	}

	var pending []CandidateRow
	var toCreate []model.Worker
	unknownSeen := make(map[string]bool)
	for _, r := range unique {
		if _, ok := known[r.Number]; ok {
			continue
		}
		if !loggedHours(r) {
			rec.Skipped++
			continue
		}
		if r.Name == "" {
			rec.Errors = append(rec.Errors, RowError{
				Row:     r.Row,
				Field:   "name",
				Message: fmt.Sprintf("worker %s is not on file and the row has no name", r.Number),
				Data:    r.Number,
			})
			rec.Skipped++
			continue
		}

		category, recognized := CategoryForCraft(r.Craft)
		if !recognized && !unknownSeen[r.Craft] {
			unknownSeen[r.Craft] = true
			if len(rec.UnknownCrafts) < maxUnknownCrafts {
				rec.UnknownCrafts = append(rec.UnknownCrafts, r.Craft)
			}
		}
		name := ParseName(r.Name)
		toCreate = append(toCreate, model.Worker{
			Number:    r.Number,
			FirstName: name.First,
			LastName:  name.Last,
			Category:  category,
			PayRate:   decimal.Zero,
			Active:    true,
		})
		pending = append(pending, r)
	}

	failedNew := make(map[string]bool)
	if len(toCreate) > 0 {
		created, err := resilience.DoVal(ctx, retry, "insert_workers", func(ctx context.Context) ([]model.Worker, error) {
			return st.InsertWorkers(ctx, toCreate)
		})
		if err != nil {
			rec.Errors = append(rec.Errors, RowError{
				Message: fmt.Sprintf("failed to create %d new workers: %v", len(toCreate), err),
			})
			for _, r := range pending {
				failedNew[r.Number] = true
			}
			rec.Failed += len(pending)
		} else {
			for _, w := range created {
				known[w.Number] = w
			}
			rec.NewWorkers = created
		}
	}

	newSet := make(map[string]bool, len(toCreate))
	for _, w := range toCreate {
		newSet[w.Number] = true
	}
	for _, r := range unique {
		w, ok := known[r.Number]
		if !ok || failedNew[r.Number] {
			continue
		}
		isNew := newSet[r.Number]
		if isNew {
			rec.Warnings = append(rec.Warnings, fmt.Sprintf(
				"row %d: created worker %s (%s) as %s with pay rate 0; wages not computed",
				r.Row, w.Number, w.FullName(), w.Category))
		}
		rec.Rows = append(rec.Rows, ResolvedRow{CandidateRow: r, Worker: w, New: isNew})
	}

	return rec, nil
}

// loggedHours is false only when both ST and OT read as zero. Unreadable
// values count as logged so the wage stage can reject the row.
func loggedHours(r CandidateRow) bool {
	st, stErr := parseHours(r.ST)
	ot, otErr := parseHours(r.OT)
	return stErr != nil || otErr != nil || !st.IsZero() || !ot.IsZero()
}
