package laborimport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/jobcost-cli/internal/model"
	"github.com/sells-group/jobcost-cli/internal/store"
)

// Fingerprint returns the hex SHA-256 of the raw file bytes.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CheckDuplicate fails with KindDuplicate when a successful import of the
// same bytes exists for the project and week. Corrected files pass.
func CheckDuplicate(ctx context.Context, st store.Store, projectID int64, week time.Time, fingerprint string) error {
	prior, err := st.FindSuccessfulBatch(ctx, projectID, week, fingerprint)
	if err != nil {
		return eris.Wrap(err, "laborimport: duplicate check")
	}
	if prior == nil {
		return nil
	}

	when := prior.CreatedAt
	if prior.CompletedAt != nil {
		when = *prior.CompletedAt
	}
	ie := newImportError(KindDuplicate, nil,
		"file was already imported for week ending %s on %s (import %s)",
		model.WeekKey(week), when.Format(time.RFC3339), prior.ID)
	ie.Original = prior
	return ie
}
