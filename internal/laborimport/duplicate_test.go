package laborimport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/jobcost-cli/internal/model"
)

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("week one"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, Fingerprint([]byte("week one")))
	assert.NotEqual(t, a, Fingerprint([]byte("week one corrected")))
}

func TestCheckDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := seedProject(t, s, "5772", true)
	fp := Fingerprint([]byte("file"))

	require.NoError(t, CheckDuplicate(ctx, s, p.ID, testWeek, fp))

	b, err := s.StartBatch(ctx, model.ImportBatch{ProjectID: p.ID, Fingerprint: fp, WeekEnding: testWeek})
	require.NoError(t, err)

	// A pending batch does not block a resubmission.
	require.NoError(t, CheckDuplicate(ctx, s, p.ID, testWeek, fp))

	require.NoError(t, s.FinalizeBatch(ctx, b.ID, model.BatchOutcome{Status: model.ImportStatusSuccess, Imported: 3}))

	err = CheckDuplicate(ctx, s, p.ID, testWeek, fp)
	require.Error(t, err)
	var ie *ImportError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, KindDuplicate, ie.Kind)
	require.NotNil(t, ie.Original)
	assert.Equal(t, b.ID, ie.Original.ID)
	assert.Contains(t, ie.Msg, "already imported for week ending 2025-01-19")
	assert.Contains(t, ie.Msg, b.ID)

	// Another week or another file is not a duplicate.
	require.NoError(t, CheckDuplicate(ctx, s, p.ID, testWeek.AddDate(0, 0, 7), fp))
	require.NoError(t, CheckDuplicate(ctx, s, p.ID, testWeek, Fingerprint([]byte("corrected"))))
}
