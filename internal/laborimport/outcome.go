package laborimport

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sells-group/jobcost-cli/internal/model"
)

// Thresholds bound how many row errors a run may have before it fails.
type Thresholds struct {
	// Floor is the error count that must be exceeded.
	Floor int
	// Ratio is the errors/processed share that must also be exceeded.
	Ratio float64
}

// Classify decides the terminal status of a run. exceeded is true when the
// error thresholds, rather than a lack of writes, caused the failure.
func Classify(errs, processed, written int, t Thresholds) (status model.ImportStatus, exceeded bool) {
	if errs > t.Floor && processed > 0 && float64(errs)/float64(processed) > t.Ratio {
		return model.ImportStatusFailed, true
	}
	switch {
	case written == 0:
		return model.ImportStatusFailed, false
	case errs > 0:
		return model.ImportStatusPartial, false
	default:
		return model.ImportStatusSuccess, false
	}
}

// CategorySummary is the per-category part of a Result.
type CategorySummary struct {
	Category       model.Category  `json:"category" yaml:"category"`
	Hours          decimal.Decimal `json:"hours" yaml:"hours"`
	Wages          decimal.Decimal `json:"wages" yaml:"wages"`
	Burden         decimal.Decimal `json:"burden" yaml:"burden"`
	CostWithBurden decimal.Decimal `json:"costWithBurden" yaml:"costWithBurden"`
	Workers        int             `json:"workers" yaml:"workers"`
}

// Result is the payload returned to callers of an import.
type Result struct {
	Success             bool               `json:"success" yaml:"success"`
	Status              model.ImportStatus `json:"status" yaml:"status"`
	Message             string             `json:"message,omitempty" yaml:"message,omitempty"`
	ImportID            string             `json:"import_id,omitempty" yaml:"import_id,omitempty"`
	ProjectID           int64              `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	WeekEnding          string             `json:"week_ending,omitempty" yaml:"week_ending,omitempty"`
	Imported            int                `json:"imported" yaml:"imported"`
	Updated             int                `json:"updated" yaml:"updated"`
	Skipped             int                `json:"skipped" yaml:"skipped"`
	Errors              []RowError         `json:"errors" yaml:"errors"`
	ErrorCount          int                `json:"errorCount" yaml:"errorCount"`
	MoreErrors          string             `json:"moreErrors,omitempty" yaml:"moreErrors,omitempty"`
	Warnings            []string           `json:"warnings" yaml:"warnings"`
	EmployeeCount       int                `json:"employeeCount" yaml:"employeeCount"`
	NewEmployeesCreated int                `json:"newEmployeesCreated,omitempty" yaml:"newEmployeesCreated,omitempty"`
	ZeroRateEmployees   int                `json:"zeroRateEmployees,omitempty" yaml:"zeroRateEmployees,omitempty"`
	Categories          []CategorySummary  `json:"categories,omitempty" yaml:"categories,omitempty"`
}

// failedResult is the single-message result of a terminal error.
func failedResult(err error) *Result {
	msg := err.Error()
	var ie *ImportError
	if errors.As(err, &ie) {
		msg = ie.Msg
	}
	return &Result{
		Status:   model.ImportStatusFailed,
		Message:  msg,
		Errors:   []RowError{},
		Warnings: []string{},
	}
}

// capErrors keeps the first limit errors and describes the rest.
func capErrors(all []RowError, limit int) ([]RowError, string) {
	if limit <= 0 || len(all) <= limit {
		return all, ""
	}
	return all[:limit], fmt.Sprintf("... and %d more errors", len(all)-limit)
}

// summarize lists the categories that had contributors.
func summarize(aggs []model.CategoryAggregate) []CategorySummary {
	out := make([]CategorySummary, 0, len(aggs))
	for _, a := range aggs {
		if a.WorkerCount == 0 {
			continue
		}
		out = append(out, CategorySummary{
			Category:       a.Category,
			Hours:          a.TotalHours,
			Wages:          a.TotalWages,
			Burden:         a.BurdenAmount,
			CostWithBurden: a.CostWithBurden,
			Workers:        a.WorkerCount,
		})
	}
	return out
}
