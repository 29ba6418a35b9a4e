package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/magnetdrive/internal/logctx"
	"github.com/italolelis/magnetdrive/internal/status"
	"github.com/italolelis/magnetdrive/internal/storage"
	"github.com/italolelis/magnetdrive/internal/transfer"
)

const userHeader = "X-User-ID"

type userKey struct{}

// Admitter accepts new jobs.
type Admitter interface {
	Add(ctx context.Context, userID, rawSource string) (*transfer.Job, int, error)
}

// Canceller stops pending or active jobs.
type Canceller interface {
	Cancel(ctx context.Context, jobID string) error
}

// StatusReader projects job state.
type StatusReader interface {
	Status(ctx context.Context, userID string) (*status.UserStatus, error)
	History(ctx context.Context, userID string) ([]*transfer.Job, error)
	Job(ctx context.Context, jobID string) (*transfer.Job, int, error)
}

type JobResponse struct {
	ID            string     `json:"id"`
	Name          string     `json:"name,omitempty"`
	MagnetLink    string     `json:"magnet_link"`
	Status        string     `json:"status"`
	Progress      float64    `json:"progress"`
	Size          int64      `json:"size,omitempty"`
	Seeders       int        `json:"seeders"`
	DownloadSpeed int64      `json:"download_speed"`
	ShareableLink string     `json:"shareable_link,omitempty"`
	Error         string     `json:"error,omitempty"`
	Position      int        `json:"position,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

type StatusResponse struct {
	Active  []JobResponse `json:"active"`
	Pending []JobResponse `json:"pending"`
}

type SubmitRequest struct {
	MagnetLink string `json:"magnet_link"`
}

type SubmitResponse struct {
	JobID    string `json:"job_id"`
	Position int    `json:"position"`
}

type TorrentInfoResponse struct {
	InfoHash string   `json:"info_hash"`
	Name     string   `json:"name,omitempty"`
	Size     int64    `json:"size,omitempty"`
	Trackers []string `json:"trackers"`
}

type StorageResponse struct {
	Total int64 `json:"total"`
	Used  int64 `json:"used"`
	Free  int64 `json:"free"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type JobsHandler struct {
	username string
	password string
	admitter Admitter
	canceler Canceller
	reporter StatusReader
	space    transfer.SpaceReporter
}

// NewJobsHandler creates the jobs API. Basic auth is enforced when username is set.
func NewJobsHandler(username, password string, admitter Admitter, canceler Canceller, reporter StatusReader, space transfer.SpaceReporter) *JobsHandler {
	return &JobsHandler{
		username: username,
		password: password,
		admitter: admitter,
		canceler: canceler,
		reporter: reporter,
		space:    space,
	}
}

func (h *JobsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Use(userMiddleware)

	r.Post("/jobs", h.HandleSubmit)
	r.Get("/jobs/{id}", h.HandleGetJob)
	r.Delete("/jobs/{id}", h.HandleCancel)
	r.Get("/status", h.HandleStatus)
	r.Get("/history", h.HandleHistory)
	r.Post("/torrents/info", h.HandleTorrentInfo)
	r.Get("/storage", h.HandleStorage)

	return r
}

// HandleSubmit admits a magnet link for the calling user.
func (h *JobsHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")

		return
	}

	job, position, err := h.admitter.Add(r.Context(), userFromContext(r.Context()), req.MagnetLink)
	if err != nil {
		writeDomainError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusCreated, SubmitResponse{JobID: job.ID, Position: position})
}

func (h *JobsHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.reporter.Status(r.Context(), userFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)

		return
	}

	resp := StatusResponse{
		Active:  make([]JobResponse, 0, len(st.Active)),
		Pending: make([]JobResponse, 0, len(st.Pending)),
	}

	for _, job := range st.Active {
		resp.Active = append(resp.Active, toJobResponse(job, 0))
	}

	for _, p := range st.Pending {
		resp.Pending = append(resp.Pending, toJobResponse(p.Job, p.Position))
	}

	writeJSON(w, r, http.StatusOK, resp)
}

func (h *JobsHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.reporter.History(r.Context(), userFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)

		return
	}

	resp := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, toJobResponse(job, 0))
	}

	writeJSON(w, r, http.StatusOK, resp)
}

func (h *JobsHandler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, position, err := h.ownedJob(r)
	if err != nil {
		writeDomainError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, toJobResponse(job, position))
}

// HandleCancel cancels a pending or active job owned by the caller.
func (h *JobsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	job, _, err := h.ownedJob(r)
	if err != nil {
		writeDomainError(w, r, err)

		return
	}

	if err := h.canceler.Cancel(r.Context(), job.ID); err != nil {
		writeDomainError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// HandleTorrentInfo previews a magnet link without admitting it.
func (h *JobsHandler) HandleTorrentInfo(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")

		return
	}

	src, err := transfer.ParseSource(req.MagnetLink)
	if err != nil {
		writeDomainError(w, r, err)

		return
	}

	trackers := src.Trackers
	if trackers == nil {
		trackers = []string{}
	}

	writeJSON(w, r, http.StatusOK, TorrentInfoResponse{
		InfoHash: src.InfoHash,
		Name:     src.DisplayName,
		Size:     src.Length,
		Trackers: trackers,
	})
}

func (h *JobsHandler) HandleStorage(w http.ResponseWriter, r *http.Request) {
	if h.space == nil {
		writeJSON(w, r, http.StatusOK, StorageResponse{})

		return
	}

	space, err := h.space.FreeSpace(r.Context())
	if err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to get storage info", "err", err)
		writeError(w, r, http.StatusBadGateway, "failed to get storage info")

		return
	}

	writeJSON(w, r, http.StatusOK, StorageResponse{Total: space.Total, Used: space.Used, Free: space.Free})
}

// ownedJob hides jobs of other users behind a 404.
func (h *JobsHandler) ownedJob(r *http.Request) (*transfer.Job, int, error) {
	job, position, err := h.reporter.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, 0, err
	}

	if job.UserID != userFromContext(r.Context()) {
		return nil, 0, storage.ErrNotFound
	}

	return job, position, nil
}

func (h *JobsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// userMiddleware requires the identity set by the upstream auth layer.
func userMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(userHeader))
		if userID == "" {
			writeError(w, r, http.StatusUnauthorized, "missing "+userHeader+" header")

			return
		}

		ctx := context.WithValue(r.Context(), userKey{}, userID)
		ctx = logctx.WithLogger(ctx, logctx.LoggerFromContext(ctx).With("user_id", userID))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userKey{}).(string)

	return userID
}

func toJobResponse(job *transfer.Job, position int) JobResponse {
	return JobResponse{
		ID:            job.ID,
		Name:          job.Name,
		MagnetLink:    job.Source,
		Status:        string(job.Status),
		Progress:      job.Progress,
		Size:          job.Size,
		Seeders:       job.Seeders,
		DownloadSpeed: job.DownloadSpeed,
		ShareableLink: job.ShareableLink,
		Error:         job.Error,
		Position:      position,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
		CompletedAt:   job.CompletedAt,
	}
}

// writeDomainError maps typed errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		quotaErr      *transfer.QuotaExceededError
		sourceErr     *transfer.InvalidSourceError
		duplicateErr  *transfer.DuplicateSourceError
		transitionErr *transfer.TransitionError
		daemonErr     *transfer.DaemonError
	)

	switch {
	case errors.As(err, &quotaErr):
		writeError(w, r, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &sourceErr):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.As(err, &duplicateErr):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "job not found")
	case errors.As(err, &transitionErr):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.As(err, &daemonErr):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, "request cancelled")
	default:
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to handle request", "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal server error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, r, code, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to encode response", "err", err)
	}
}
