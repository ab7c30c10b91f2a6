// Package api serves the JSON invocation contract of the crawler: start a
// run, poll its progress, cancel it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/IshaanNene/storecrawl/internal/config"
	"github.com/IshaanNene/storecrawl/internal/crawler"
	"github.com/IshaanNene/storecrawl/internal/observability"
	"github.com/IshaanNene/storecrawl/internal/progress"
	"github.com/IshaanNene/storecrawl/internal/types"
)

// Runner is the crawl the API drives. *crawler.Crawler implements it.
type Runner interface {
	Run(ctx context.Context, urls []string) (*crawler.Summary, error)
	Cancel()
	Tracker() *progress.Tracker
}

// RunnerFactory builds the runner for one run from the per-run config.
// The runner reports id as its run id.
type RunnerFactory func(id string, cfg *config.Config) Runner

// RunOptions are the per-run overrides accepted by POST /runs.
type RunOptions struct {
	DownloadImages *bool `json:"download_images,omitempty"`
	MaxPagesPerURL *int  `json:"max_pages_per_url,omitempty"`
	Headless       *bool `json:"headless,omitempty"`
}

// Apply writes the overrides onto cfg.
func (o RunOptions) Apply(cfg *config.Config) {
	if o.DownloadImages != nil {
		cfg.Download.Enabled = *o.DownloadImages
	}
	if o.MaxPagesPerURL != nil {
		cfg.Crawl.MaxPagesPerURL = *o.MaxPagesPerURL
	}
	if o.Headless != nil {
		cfg.Browser.Headless = *o.Headless
	}
}

// Job is one run started through the API.
type Job struct {
	ID        string    `json:"id"`
	URLs      []string  `json:"urls"`
	StartedAt time.Time `json:"started_at"`

	runner  Runner
	done    chan struct{}
	summary *crawler.Summary
	err     error
}

// JobStatus is the body of GET /runs/{id}.
type JobStatus struct {
	ID       string            `json:"id"`
	Done     bool              `json:"done"`
	Progress progress.Snapshot `json:"progress"`
	Summary  *crawler.Summary  `json:"summary,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Server provides the REST API for starting and observing runs.
type Server struct {
	mux     *http.ServeMux
	addr    string
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	factory RunnerFactory
	baseCtx context.Context

	jobsMu sync.RWMutex
	jobs   map[string]*Job
	active *Job
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves GET /metrics from m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRunnerFactory replaces how runners are built.
func WithRunnerFactory(f RunnerFactory) Option {
	return func(s *Server) { s.factory = f }
}

// WithCrawlerOptions passes options to every crawler the default factory
// builds.
func WithCrawlerOptions(opts ...crawler.Option) Option {
	return func(s *Server) {
		s.factory = func(id string, cfg *config.Config) Runner {
			return crawler.New(cfg, s.logger, append([]crawler.Option{crawler.WithRunID(id)}, opts...)...)
		}
	}
}

// NewServer creates an API server. cfg is the base configuration every run
// starts from.
func NewServer(addr string, cfg *config.Config, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		mux:     http.NewServeMux(),
		addr:    addr,
		cfg:     cfg.Clone(),
		logger:  logger.With("component", "api_server"),
		jobs:    make(map[string]*Job),
		baseCtx: context.Background(),
	}
	s.factory = func(id string, cfg *config.Config) Runner {
		return crawler.New(cfg, s.logger, crawler.WithRunID(id), crawler.WithMetrics(s.metrics))
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()
	return s
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves until ctx is done, then cancels the active run,
// waits for it to finalize and shuts the listener down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.baseCtx = ctx
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if job := s.activeJob(); job != nil {
		s.logger.Info("waiting for active run to finish", "id", job.ID)
		job.runner.Cancel()
		<-job.done
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /runs", s.handleCreateRun)
	s.mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancelRun)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": config.Version,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.jsonResponse(w, http.StatusNotFound, map[string]string{"error": "metrics disabled"})
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URLs    []string   `json:"urls"`
		Options RunOptions `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.jsonResponse(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	urls := make([]string, 0, len(body.URLs))
	for _, u := range body.URLs {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, err := types.ParseMarketURL(u); err != nil {
			s.jsonResponse(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		urls = append(urls, u)
	}

	cfg := s.cfg.Clone()
	body.Options.Apply(cfg)
	if err := config.Validate(cfg); err != nil {
		s.jsonResponse(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.jobsMu.Lock()
	if s.active != nil {
		id := s.active.ID
		s.jobsMu.Unlock()
		s.jsonResponse(w, http.StatusConflict, map[string]string{"error": "a run is already in progress", "id": id})
		return
	}
	id := uuid.NewString()
	job := &Job{
		ID:        id,
		URLs:      urls,
		StartedAt: time.Now(),
		runner:    s.factory(id, cfg),
		done:      make(chan struct{}),
	}
	s.jobs[job.ID] = job
	s.active = job
	s.jobsMu.Unlock()

	go s.execute(job)

	s.logger.Info("run accepted", "id", job.ID, "urls", len(urls))
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func (s *Server) execute(job *Job) {
	summary, err := job.runner.Run(s.baseCtx, job.URLs)
	if err != nil {
		s.logger.Error("run failed", "id", job.ID, "error", err)
	}

	s.jobsMu.Lock()
	job.summary, job.err = summary, err
	if s.active == job {
		s.active = nil
	}
	s.jobsMu.Unlock()
	close(job.done)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(r.PathValue("id"))
	if !ok {
		s.jsonResponse(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}

	status := JobStatus{ID: job.ID, Progress: job.runner.Tracker().Snapshot()}
	s.jobsMu.RLock()
	select {
	case <-job.done:
		status.Done = true
		status.Summary = job.summary
		if job.err != nil {
			status.Error = job.err.Error()
		}
	default:
	}
	s.jobsMu.RUnlock()

	s.jsonResponse(w, http.StatusOK, status)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(r.PathValue("id"))
	if !ok {
		s.jsonResponse(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	job.runner.Cancel()
	s.logger.Info("run cancel requested", "id", job.ID)
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"status": "canceling", "id": job.ID})
}

func (s *Server) job(id string) (*Job, bool) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok
}

func (s *Server) activeJob() *Job {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	return s.active
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
