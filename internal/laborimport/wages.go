package laborimport

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/jobcost-cli/internal/model"
)

var overtimeMultiplier = decimal.RequireFromString("1.5")

// WageLine is a row whose wages were computed and is ready to persist.
type WageLine struct {
	Row     int
	Worker  model.Worker
	STHours decimal.Decimal
	OTHours decimal.Decimal
	STWages decimal.Decimal
	OTWages decimal.Decimal
	Daily   model.DailyHours
}

// TotalHours returns ST + OT hours.
func (l WageLine) TotalHours() decimal.Decimal {
	return l.STHours.Add(l.OTHours)
}

// Disposition says what the calculator decided for a row.
type Disposition int

const (
	// Computed rows carry a WageLine.
	Computed Disposition = iota
	// NoHours rows have zero ST and OT hours.
	NoHours
	// ZeroRate rows belong to a worker whose stored rate is 0.
	ZeroRate
	// Rejected rows failed validation and carry a RowError.
	Rejected
)

// WageCalculator computes per-row wages from the worker's stored rate.
type WageCalculator struct {
	MaxDailyHours decimal.Decimal
}

// Compute validates hours and computes wages for one resolved row.
// ST and OT totals come from their own columns and are not checked against
// the daily breakdown.
func (c WageCalculator) Compute(r ResolvedRow) (*WageLine, Disposition, *RowError) {
	st, err := parseHours(r.ST)
	if err != nil {
		return nil, Rejected, &RowError{Row: r.Row, Field: "st_hours", Message: err.Error(), Data: r.ST}
	}
	ot, err := parseHours(r.OT)
	if err != nil {
		return nil, Rejected, &RowError{Row: r.Row, Field: "ot_hours", Message: err.Error(), Data: r.OT}
	}
	if st.IsZero() && ot.IsZero() {
		return nil, NoHours, nil
	}

	rate := r.Worker.PayRate
	if rate.IsZero() {
		return nil, ZeroRate, nil
	}

	daily := make(model.DailyHours, len(model.Weekdays))
	for _, d := range model.Weekdays {
		h, err := parseHours(r.Days[d])
		if err != nil {
			return nil, Rejected, &RowError{Row: r.Row, Field: d.String(), Message: err.Error(), Data: r.Days[d]}
		}
		if h.GreaterThan(c.MaxDailyHours) {
			return nil, Rejected, &RowError{
				Row:     r.Row,
				Field:   d.String(),
				Message: fmt.Sprintf("%s hours %s exceed the daily maximum of %s", d, h, c.MaxDailyHours),
				Data:    h.String(),
			}
		}
		daily[d.String()] = h
	}

	return &WageLine{
		Row:     r.Row,
		Worker:  r.Worker,
		STHours: st,
		OTHours: ot,
		STWages: st.Mul(rate).Round(2),
		OTWages: ot.Mul(rate).Mul(overtimeMultiplier).Round(2),
		Daily:   daily,
	}, Computed, nil
}

// parseHours reads an hours cell: blank is zero, negatives and non-numbers
// are errors, and the value is kept at two decimals.
func parseHours(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	h, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, eris.Errorf("%q is not a number", s)
	}
	if h.IsNegative() {
		return decimal.Zero, eris.Errorf("hours cannot be negative (%s)", h)
	}
	return h.Round(2), nil
}
