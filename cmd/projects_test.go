//go:build !integration

package main

import (
	"bytes"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/jobcost-cli/internal/model"
)

func TestFormatProjectList(t *testing.T) {
	var buf bytes.Buffer
	formatProjectList(&buf, []model.Project{
		{ID: 1, JobNumber: "5772", Name: "Dow Freeport", Active: true},
		{ID: 2, JobNumber: "6101", Name: "Closed", Active: false},
	})

	output := buf.String()
	assert.Contains(t, output, "JOB")
	assert.Contains(t, output, "5772")
	assert.Contains(t, output, "Dow Freeport")
	assert.Contains(t, output, "true")
	assert.Contains(t, output, "false")
}

func TestFormatAggregates(t *testing.T) {
	var buf bytes.Buffer
	formatAggregates(&buf, []model.CategoryAggregate{{
		Category:       model.CategoryDirect,
		WeekEnding:     listWeek,
		WorkerCount:    10,
		TotalHours:     decimal.NewFromInt(450),
		TotalWages:     decimal.NewFromInt(14250),
		BurdenAmount:   decimal.NewFromInt(3990),
		CostWithBurden: decimal.NewFromInt(18240),
	}})

	output := buf.String()
	assert.Contains(t, output, "CATEGORY")
	assert.Contains(t, output, "2025-01-19")
	assert.Contains(t, output, "direct")
	assert.Contains(t, output, "450.00")
	assert.Contains(t, output, "14250.00")
	assert.Contains(t, output, "18240.00")
}
