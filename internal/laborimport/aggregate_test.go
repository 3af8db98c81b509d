package laborimport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/jobcost-cli/internal/model"
)

func wageLine(workerID int64, category model.Category, st, ot, stWages, otWages string) WageLine {
	return WageLine{
		Worker:  model.Worker{ID: workerID, Category: category},
		STHours: dec(st),
		OTHours: dec(ot),
		STWages: dec(stWages),
		OTWages: dec(otWages),
	}
}

func TestAggregation_Snapshot(t *testing.T) {
	agg := NewAggregation()
	assert.True(t, agg.Empty())

	agg.Add(wageLine(1, model.CategoryStaff, "40", "0", "2000", "0"))
	agg.Add(wageLine(2, model.CategoryDirect, "40", "5", "1200", "225"))
	agg.Add(wageLine(3, model.CategoryDirect, "32", "0", "960", "0"))
	assert.False(t, agg.Empty())

	snap := agg.Snapshot(9, testWeek, dec("0.28"), "batch-1")
	require.Len(t, snap, 3)

	direct := snap[0]
	assert.Equal(t, model.CategoryDirect, direct.Category)
	assert.Equal(t, int64(9), direct.ProjectID)
	assert.Equal(t, "batch-1", direct.ImportBatchID)
	assert.True(t, dec("72").Equal(direct.STHours))
	assert.True(t, dec("77").Equal(direct.TotalHours))
	assert.True(t, dec("2385").Equal(direct.TotalWages))
	// Burden applies to ST wages only: 2160 * 0.28.
	assert.True(t, dec("604.8").Equal(direct.BurdenAmount))
	assert.True(t, dec("2989.8").Equal(direct.CostWithBurden))
	assert.Equal(t, 2, direct.WorkerCount)

	indirect := snap[1]
	assert.Equal(t, model.CategoryIndirect, indirect.Category)
	assert.True(t, indirect.TotalHours.IsZero())
	assert.True(t, indirect.CostWithBurden.IsZero())
	assert.Zero(t, indirect.WorkerCount)
	assert.Equal(t, "batch-1", indirect.ImportBatchID)

	staff := snap[2]
	assert.Equal(t, model.CategoryStaff, staff.Category)
	assert.True(t, dec("560").Equal(staff.BurdenAmount))
	assert.Equal(t, 1, staff.WorkerCount)
}

func TestAggregation_BurdenRoundedToCents(t *testing.T) {
	agg := NewAggregation()
	agg.Add(wageLine(1, model.CategoryIndirect, "1", "0", "10.01", "0"))
	snap := agg.Snapshot(1, testWeek, dec("0.28"), "b")
	require.Len(t, snap, 3)
	// 10.01 * 0.28 = 2.8028
	assert.Equal(t, "2.8", snap[1].BurdenAmount.String())
	assert.Equal(t, "12.81", snap[1].CostWithBurden.String())
}

func TestAggregation_WorkerCounts(t *testing.T) {
	agg := NewAggregation()
	agg.Add(wageLine(1, model.CategoryDirect, "8", "0", "1", "0"))
	agg.Add(wageLine(2, model.CategoryDirect, "8", "0", "1", "0"))
	agg.Add(wageLine(3, model.CategoryIndirect, "8", "0", "1", "0"))
	assert.Equal(t, map[string]int{"direct": 2, "indirect": 1}, agg.WorkerCounts())
}
