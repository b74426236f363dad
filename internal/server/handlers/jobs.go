package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/geoxfer/internal/errors"
	"github.com/3leaps/geoxfer/pkg/cache"
	"github.com/3leaps/geoxfer/pkg/job"
	"github.com/3leaps/geoxfer/pkg/jobstore"
	"github.com/3leaps/geoxfer/pkg/manifest"
	"github.com/3leaps/geoxfer/pkg/orchestrator"
)

// MaxManifestBytes bounds POST /jobs bodies.
const MaxManifestBytes = 1 << 20

// JobService is the orchestration surface the API exposes.
type JobService interface {
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, f jobstore.Filter) ([]*job.Job, error)
	Create(ctx context.Context, j *job.Job) error
	Submit(ctx context.Context, j *job.Job) error
	Start(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) error
	Abort(ctx context.Context, id string) error
	ResolveStep(ctx context.Context, jobID, stepID string, action orchestrator.Resolution) error
}

var _ JobService = (*orchestrator.Scheduler)(nil)

// JobView is a job as the API renders it.
type JobView struct {
	*job.Job
	ChildJobs []*job.Job `json:"child_jobs,omitempty"`
}

// JobsHandler serves /jobs.
type JobsHandler struct {
	svc    JobService
	cache  cache.Cache
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// JobsOption configures a JobsHandler.
type JobsOption func(*JobsHandler)

// WithCache serves job reads through c for ttl.
func WithCache(c cache.Cache, ttl time.Duration) JobsOption {
	return func(h *JobsHandler) {
		h.cache = c
		h.ttl = ttl
	}
}

// WithJobsLogger sets the logger.
func WithJobsLogger(l *zap.Logger) JobsOption {
	return func(h *JobsHandler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewJobsHandler creates the handler.
func NewJobsHandler(svc JobService, opts ...JobsOption) *JobsHandler {
	h := &JobsHandler{svc: svc, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the job endpoints.
func (h *JobsHandler) Routes(r chi.Router) {
	r.Get("/jobs", h.List)
	r.Post("/jobs", h.Create)
	r.Get("/jobs/{id}", h.Get)
	r.Post("/jobs/{id}/start", h.command(h.svc.Start))
	r.Post("/jobs/{id}/retry", h.command(h.svc.Retry))
	r.Post("/jobs/{id}/abort", h.command(h.svc.Abort))
	r.Post("/jobs/{id}/steps/{stepID}/resolve", h.Resolve)
}

func cacheKey(id string) string { return "job:" + id }

// Get returns one job with its children expanded.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	load := func(ctx context.Context) ([]byte, error) {
		j, err := h.svc.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(JobView{Job: j, ChildJobs: j.ChildJobs})
	}

	var (
		body []byte
		err  error
	)
	if h.cache != nil {
		body, err = cache.GetOrLoad(r.Context(), h.cache, cacheKey(id), h.ttl, load)
	} else {
		body, err = load(r.Context())
	}
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// List filters jobs by type, status (comma separated), key and direction.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		respondWithError(w, r, apperrors.BadRequest(err))
		return
	}
	jobs, err := h.svc.List(r.Context(), f)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func parseFilter(r *http.Request) (jobstore.Filter, error) {
	q := r.URL.Query()
	f := jobstore.Filter{
		Type:      job.Type(q.Get("type")),
		Key:       q.Get("key"),
		Direction: jobstore.Direction(q.Get("direction")),
	}
	switch f.Type {
	case "", job.TypeImport, job.TypeSteps, job.TypeComposite:
	default:
		return f, fmt.Errorf("unknown job type %q", f.Type)
	}
	switch f.Direction {
	case jobstore.DirectionEither, jobstore.DirectionSource, jobstore.DirectionTarget:
	default:
		return f, fmt.Errorf("unknown direction %q", f.Direction)
	}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := job.Status(strings.TrimSpace(s))
			if !st.Valid() {
				return f, fmt.Errorf("unknown status %q", s)
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	return f, nil
}

// Create accepts a job manifest in YAML or JSON and submits it. With
// ?start=false the job is stored waiting.
func (h *JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxManifestBytes+1))
	if err != nil {
		respondWithError(w, r, apperrors.BadRequest(err))
		return
	}
	if len(data) > MaxManifestBytes {
		respondWithError(w, r, apperrors.New(http.StatusRequestEntityTooLarge, apperrors.CodeBadRequest, "manifest too large"))
		return
	}

	name := "job.yaml"
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		name = "job.json"
	}
	m, err := manifest.LoadFromBytes(data, name)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	j, err := m.ToJob(h.now())
	if err != nil {
		respondWithError(w, r, apperrors.BadRequest(err))
		return
	}

	if r.URL.Query().Get("start") == "false" {
		err = h.svc.Create(r.Context(), j)
	} else {
		err = h.svc.Submit(r.Context(), j)
	}
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	h.logger.Info("job created", zap.String("job_id", j.ID), zap.String("type", string(j.Type)))

	created, err := h.svc.Get(r.Context(), j.ID)
	if err != nil {
		created = j
	}
	w.Header().Set("Location", "/jobs/"+j.ID)
	apperrors.WriteJSON(w, http.StatusCreated, created)
}

func (h *JobsHandler) command(run func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := run(r.Context(), id); err != nil {
			respondWithError(w, r, err)
			return
		}
		h.invalidate(r.Context(), id)
		apperrors.WriteJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "accepted"})
	}
}

type resolveRequest struct {
	Action orchestrator.Resolution `json:"action"`
}

// Resolve applies an operator decision to an unknown step.
func (h *JobsHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stepID := chi.URLParam(r, "stepID")

	var req resolveRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		respondWithError(w, r, apperrors.BadRequest(fmt.Errorf("invalid body: %w", err)))
		return
	}
	if !req.Action.Valid() {
		respondWithError(w, r, apperrors.BadRequest(fmt.Errorf("action must be succeeded, failed or resume, got %q", req.Action)))
		return
	}
	if err := h.svc.ResolveStep(r.Context(), id, stepID, req.Action); err != nil {
		respondWithError(w, r, err)
		return
	}
	h.invalidate(r.Context(), id)
	apperrors.WriteJSON(w, http.StatusAccepted, map[string]string{"id": id, "step_id": stepID, "action": string(req.Action)})
}

func (h *JobsHandler) invalidate(ctx context.Context, id string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Remove(ctx, cacheKey(id)); err != nil {
		h.logger.Warn("cache invalidation failed", zap.String("job_id", id), zap.Error(err))
	}
}
