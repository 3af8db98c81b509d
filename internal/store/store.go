package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/jobcost-cli/internal/model"
)

// ErrNotFound is returned by single-record lookups that match nothing.
var ErrNotFound = eris.New("store: not found")

// BatchFilter specifies criteria for listing import batches.
type BatchFilter struct {
	ProjectID int64              `json:"project_id,omitempty"`
	Status    model.ImportStatus `json:"status,omitempty"`
	// CreatedAfter keeps batches started at or after this time when non-zero.
	CreatedAfter time.Time `json:"created_after,omitempty"`
	Limit        int       `json:"limit,omitempty"`
	Offset       int       `json:"offset,omitempty"`
}

// Store defines the persistence interface for the labor import pipeline.
type Store interface {
	// Projects
	FindProjectByJobNumber(ctx context.Context, jobNumber string) (*model.Project, error)
	GetProject(ctx context.Context, id int64) (*model.Project, error)
	CreateProject(ctx context.Context, p model.Project) (*model.Project, error)
	ListProjects(ctx context.Context) ([]model.Project, error)

	// Workers
	WorkersByNumber(ctx context.Context, numbers []string) (map[string]model.Worker, error)
	// InsertWorkers creates the given workers and returns them with IDs.
	// A number that already exists returns the stored record unchanged.
	InsertWorkers(ctx context.Context, workers []model.Worker) ([]model.Worker, error)

	// Detail lines
	ExistingDetailLines(ctx context.Context, projectID int64, weekEnding time.Time, workerIDs []int64) (map[int64]bool, error)
	InsertDetailLines(ctx context.Context, lines []model.DetailLine) (int64, error)
	UpdateDetailLines(ctx context.Context, lines []model.DetailLine) (int64, error)
	DetailLines(ctx context.Context, projectID int64, weekEnding time.Time) ([]model.DetailLine, error)

	// Aggregates
	// UpsertCategoryAggregate writes one aggregate by (project, category,
	// week) and reports whether a new row was created.
	UpsertCategoryAggregate(ctx context.Context, agg model.CategoryAggregate) (bool, error)
	// CategoryAggregates lists a project's aggregates. A zero weekEnding
	// returns every week.
	CategoryAggregates(ctx context.Context, projectID int64, weekEnding time.Time) ([]model.CategoryAggregate, error)

	// Import batches
	// FindSuccessfulBatch returns nil, nil when no successful batch matches.
	FindSuccessfulBatch(ctx context.Context, projectID int64, weekEnding time.Time, fingerprint string) (*model.ImportBatch, error)
	StartBatch(ctx context.Context, batch model.ImportBatch) (*model.ImportBatch, error)
	FinalizeBatch(ctx context.Context, id string, outcome model.BatchOutcome) error
	GetBatch(ctx context.Context, id string) (*model.ImportBatch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]model.ImportBatch, error)

	// InTx runs fn against a Store bound to a single transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
