package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/jobcost-cli/internal/laborimport"
	"github.com/sells-group/jobcost-cli/internal/model"
	"github.com/sells-group/jobcost-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the labor import API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, "serve")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		importer, err := newImporter(st)
		if err != nil {
			return err
		}

		go newChecker(st).Run(ctx)

		router := buildRouter(st, importer, routerOptions{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
		})
		return startServer(ctx, router, resolvePort(servePort, cfg.Server.Port))
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// routerOptions carries the HTTP settings buildRouter needs.
type routerOptions struct {
	AllowedOrigins []string
	// MaxUploadBytes caps multipart uploads. Zero means 20MB.
	MaxUploadBytes int64
}

// resolvePort returns the flag value when set, otherwise the config value.
func resolvePort(flag, configured int) int {
	if flag != 0 {
		return flag
	}
	return configured
}

// buildRouter registers the API routes.
func buildRouter(st store.Store, importer *laborimport.Importer, opts routerOptions) http.Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 20 << 20
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Actor"},
		MaxAge:         300,
	}))

	h := &apiHandler{store: st, importer: importer, maxUpload: opts.MaxUploadBytes}

	r.Get("/health", h.health)
	r.Route("/api", func(r chi.Router) {
		r.Post("/imports/labor", h.importLabor)
		r.Get("/imports", h.listImports)
		r.Get("/imports/{id}", h.getImport)
		r.Get("/projects", h.listProjects)
		r.Get("/projects/{id}/aggregates", h.projectAggregates)
	})
	return r
}

// startServer serves handler on port until ctx is cancelled, then shuts
// down gracefully.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Error("server shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

type apiHandler struct {
	store     store.Store
	importer  *laborimport.Importer
	maxUpload int64
}

func (h *apiHandler) health(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// importLabor accepts a multipart upload in the "file" field. An optional
// "project_id" form value selects the project explicitly.
func (h *apiHandler) importLabor(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file exceeds upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close() //nolint:errcheck

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload")
		return
	}

	var projectID int64
	if v := r.FormValue("project_id"); v != "" {
		projectID, err = strconv.ParseInt(v, 10, 64)
		if err != nil || projectID <= 0 {
			writeError(w, http.StatusBadRequest, "project_id must be a positive integer")
			return
		}
	}

	actor := r.Header.Get("X-Actor")
	if actor == "" {
		actor = "api"
	}

	res, err := h.importer.Import(r.Context(), data, laborimport.Options{
		FileName:  header.Filename,
		ProjectID: projectID,
		Actor:     actor,
	})
	writeJSON(w, importStatusCode(res, err), res)
}

// importStatusCode maps an import outcome to an HTTP status.
func importStatusCode(res *laborimport.Result, err error) int {
	if err != nil {
		var ie *laborimport.ImportError
		if errors.As(err, &ie) {
			switch ie.Kind {
			case laborimport.KindDuplicate:
				return http.StatusConflict
			case laborimport.KindThreshold:
				return http.StatusUnprocessableEntity
			default:
				return http.StatusBadRequest
			}
		}
		return http.StatusInternalServerError
	}
	if res == nil || res.Status == model.ImportStatusFailed {
		return http.StatusUnprocessableEntity
	}
	return http.StatusOK
}

func (h *apiHandler) listImports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.BatchFilter{
		Status: model.ImportStatus(q.Get("status")),
		Limit:  50,
	}
	if v := q.Get("project_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid project_id")
			return
		}
		filter.ProjectID = id
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	batches, err := h.store.ListBatches(r.Context(), filter)
	if err != nil {
		zap.L().Error("list imports", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list imports failed")
		return
	}
	if batches == nil {
		batches = []model.ImportBatch{}
	}
	writeJSON(w, http.StatusOK, batches)
}

func (h *apiHandler) getImport(w http.ResponseWriter, r *http.Request) {
	batch, err := h.store.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "import not found")
			return
		}
		zap.L().Error("get import", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get import failed")
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (h *apiHandler) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects(r.Context())
	if err != nil {
		zap.L().Error("list projects", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list projects failed")
		return
	}
	if projects == nil {
		projects = []model.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

// projectAggregates lists a project's category aggregates. The optional
// "week" query value (YYYY-MM-DD) restricts them to one week.
func (h *apiHandler) projectAggregates(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}

	var week time.Time
	if v := r.URL.Query().Get("week"); v != "" {
		week, err = time.Parse(time.DateOnly, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "week must be YYYY-MM-DD")
			return
		}
	}

	if _, err := h.store.GetProject(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		zap.L().Error("get project", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get project failed")
		return
	}

	aggs, err := h.store.CategoryAggregates(r.Context(), id, week)
	if err != nil {
		zap.L().Error("list aggregates", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list aggregates failed")
		return
	}
	if aggs == nil {
		aggs = []model.CategoryAggregate{}
	}
	writeJSON(w, http.StatusOK, aggs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
