package laborimport

import (
	"errors"
	"fmt"

	"github.com/sells-group/jobcost-cli/internal/model"
)

// Kind classifies an error that ends an import run.
type Kind int

const (
	// KindFormat: unreadable workbook, missing sheet or malformed header.
	KindFormat Kind = iota + 1
	// KindMetadata: unresolvable or mismatched job number, bad week date.
	KindMetadata
	// KindDuplicate: the identical file was already imported successfully.
	KindDuplicate
	// KindThreshold: too many row errors; earlier writes are not retracted.
	KindThreshold
)

func (k Kind) String() string {
	switch k {
	case KindFormat:
		return "format"
	case KindMetadata:
		return "metadata"
	case KindDuplicate:
		return "duplicate"
	case KindThreshold:
		return "threshold"
	default:
		return "unknown"
	}
}

// ImportError is a terminal import failure.
type ImportError struct {
	Kind Kind
	Msg  string
	Err  error
	// Original is the earlier successful batch for KindDuplicate.
	Original *model.ImportBatch
}

func (e *ImportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("laborimport: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("laborimport: %s: %s", e.Kind, e.Msg)
}

func (e *ImportError) Unwrap() error { return e.Err }

func newImportError(kind Kind, err error, format string, args ...any) *ImportError {
	return &ImportError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func formatError(err error, format string, args ...any) error {
	return newImportError(KindFormat, err, format, args...)
}

func metadataError(err error, format string, args ...any) error {
	return newImportError(KindMetadata, err, format, args...)
}

// KindOf reports the Kind of a terminal import error anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var ie *ImportError
	if errors.As(err, &ie) {
		return ie.Kind, true
	}
	return 0, false
}

// RowError is a recoverable, per-row diagnostic. Row is the 1-based
// spreadsheet row; 0 marks a persistence failure not tied to one row.
type RowError struct {
	Row     int    `json:"row" yaml:"row"`
	Field   string `json:"field,omitempty" yaml:"field,omitempty"`
	Message string `json:"message" yaml:"message"`
	Data    any    `json:"data,omitempty" yaml:"data,omitempty"`
}

func (e RowError) Error() string {
	if e.Row == 0 {
		return e.Message
	}
	return fmt.Sprintf("row %d: %s", e.Row, e.Message)
}
