package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/jobcost-cli/internal/fetcher"
	"github.com/sells-group/jobcost-cli/internal/laborimport"
	"github.com/sells-group/jobcost-cli/internal/model"
	"github.com/sells-group/jobcost-cli/internal/monitoring"
	"github.com/sells-group/jobcost-cli/internal/resilience"
	"github.com/sells-group/jobcost-cli/internal/store"
)

var (
	importFilesFlag []string
	importProjectID int64
	importActor     string
	importFormat    string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import weekly labor workbooks",
	Long:  "Imports one or more weekly labor-distribution workbooks. Each --file may be a local path or an http(s)/ftp URL.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if importFormat != "json" && importFormat != "yaml" {
			return eris.Errorf("unsupported output format: %s (valid: json, yaml)", importFormat)
		}

		st, err := openStore(ctx, "import")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		importer, err := newImporter(st)
		if err != nil {
			return err
		}

		reports := importFiles(ctx, newLoader(), importer, importFilesFlag, laborimport.Options{
			ProjectID: importProjectID,
			Actor:     importActor,
		}, cfg.Labor.MaxConcurrentFiles)

		if err := writeReports(os.Stdout, importFormat, reports); err != nil {
			return err
		}

		if failed := countFailed(reports); failed > 0 {
			return eris.Errorf("%d of %d imports failed", failed, len(reports))
		}
		return nil
	},
}

func init() {
	importCmd.Flags().StringArrayVar(&importFilesFlag, "file", nil, "workbook path or URL (repeatable)")
	importCmd.Flags().Int64Var(&importProjectID, "project-id", 0, "import into this project instead of resolving the sheet's job number")
	importCmd.Flags().StringVar(&importActor, "actor", currentUser(), "name recorded on the import batch")
	importCmd.Flags().StringVar(&importFormat, "format", "json", "output format (json, yaml)")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

// newImporter builds the labor importer with failure alerts wired to the
// monitoring webhook.
func newImporter(st store.Store) (*laborimport.Importer, error) {
	return laborimport.New(st, cfg.Labor,
		laborimport.WithNotifier(monitoring.NewAlerter(cfg.Monitoring)),
	)
}

// newLoader builds a workbook loader from the fetch config.
func newLoader() *fetcher.Loader {
	timeout := time.Duration(cfg.Fetch.TimeoutSecs) * time.Second
	httpFetcher := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   timeout,
		Retry:     resilience.Policy{MaxAttempts: cfg.Fetch.MaxRetries, InitialBackoff: time.Second},
		RateLimit: rate.Limit(cfg.Fetch.RateLimit),
	})
	ftpFetcher := fetcher.NewFTPFetcher(fetcher.FTPOptions{Timeout: timeout})
	return fetcher.NewLoader(httpFetcher, ftpFetcher, fetcher.DefaultMaxBytes)
}

type sourceLoader interface {
	Load(ctx context.Context, src string) (*fetcher.Source, error)
}

type workbookImporter interface {
	Import(ctx context.Context, data []byte, opts laborimport.Options) (*laborimport.Result, error)
}

// fileReport is the outcome of one --file.
type fileReport struct {
	File   string              `json:"file" yaml:"file"`
	Result *laborimport.Result `json:"result,omitempty" yaml:"result,omitempty"`
	Error  string              `json:"error,omitempty" yaml:"error,omitempty"`
}

// importFiles loads and imports each file with at most concurrency files in
// flight. Reports are returned in input order. A failing file never stops
// the others.
func importFiles(ctx context.Context, loader sourceLoader, importer workbookImporter, files []string, opts laborimport.Options, concurrency int) []fileReport {
	if concurrency < 1 {
		concurrency = 1
	}

	reports := make([]fileReport, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var succeeded, failed atomic.Int64

	for i, file := range files {
		g.Go(func() error {
			log := zap.L().With(zap.String("file", file))
			reports[i] = importOne(gctx, loader, importer, file, opts)

			if r := reports[i]; r.Error != "" || r.Result == nil || r.Result.Status == model.ImportStatusFailed {
				failed.Add(1)
				log.Warn("labor import failed", zap.String("error", r.Error))
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	zap.L().Info("labor imports complete",
		zap.Int64("succeeded", succeeded.Load()),
		zap.Int64("failed", failed.Load()),
	)
	return reports
}

func importOne(ctx context.Context, loader sourceLoader, importer workbookImporter, file string, opts laborimport.Options) fileReport {
	rep := fileReport{File: file}

	src, err := loader.Load(ctx, file)
	if err != nil {
		rep.Error = err.Error()
		return rep
	}

	opts.FileName = src.Name
	res, err := importer.Import(ctx, src.Data, opts)
	rep.Result = res
	if err != nil {
		rep.Error = err.Error()
	}
	return rep
}

func countFailed(reports []fileReport) int {
	n := 0
	for _, r := range reports {
		if r.Error != "" || r.Result == nil || r.Result.Status == model.ImportStatusFailed {
			n++
		}
	}
	return n
}

// writeReports encodes reports to w as json or yaml. A single report is
// written on its own rather than as a one-element list.
func writeReports(w io.Writer, format string, reports []fileReport) error {
	var v any = reports
	if len(reports) == 1 {
		v = reports[0]
	}

	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return eris.Wrap(err, "encode json")
		}
		return nil
	default:
		return eris.Errorf("unsupported output format: %s", format)
	}
}
