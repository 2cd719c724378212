package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/okian/rolodex/internal/adapters/parser"
	"github.com/okian/rolodex/internal/domain/merge"
	"github.com/okian/rolodex/internal/domain/types"
)

// ImportsHandler serves the import job endpoints.
type ImportsHandler struct {
	deps    Dependencies
	maxBody int64
}

// NewImportsHandler creates an imports handler.
func NewImportsHandler(deps Dependencies) *ImportsHandler {
	return &ImportsHandler{deps: deps, maxBody: defaultMaxBodyBytes}
}

type submitResponse struct {
	Status    string    `json:"status"`
	Duplicate bool      `json:"duplicate"`
	Job       types.Job `json:"job"`
}

type listResponse struct {
	Jobs []types.Job `json:"jobs"`
}

// submitParams reads the query parameters of POST /imports.
func submitParams(r *http.Request) (types.SubmitRequest, error) {
	q := r.URL.Query()
	req := types.SubmitRequest{Filename: strings.TrimSpace(q.Get("filename"))}

	if f := q.Get("format"); f != "" {
		format := parser.ParseFormat(f)
		if format == parser.FormatUnknown {
			return req, fmt.Errorf("%w: %q", parser.ErrUnsupportedFormat, f)
		}
		req.Format = string(format)
	}
	if s := q.Get("strategy"); s != "" {
		st, err := merge.ParseStrategy(s)
		if err != nil {
			return req, err
		}
		req.Strategy = st
	}
	if t := q.Get("threshold"); t != "" {
		v, err := strconv.ParseFloat(t, 64)
		if err != nil || v <= 0 || v > 1 {
			return req, fmt.Errorf("%w: threshold must be in (0,1]", ErrBadRequest)
		}
		req.Threshold = v
	}
	return req, nil
}

// HandleSubmit handles POST /imports. The body is the raw contact file.
func (h *ImportsHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	req, err := submitParams(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeServiceError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", errors.Join(ErrBadRequest, err))
		return
	}

	job, err := h.deps.Submit(r.Context(), data, req)
	switch {
	case errors.Is(err, types.ErrDuplicateUpload):
		writeJSON(w, http.StatusOK, submitResponse{Status: "duplicate", Duplicate: true, Job: job})
	case err != nil:
		writeServiceError(w, err)
	default:
		w.Header().Set("Location", "/imports/"+job.ID)
		writeJSON(w, http.StatusAccepted, submitResponse{Status: "accepted", Job: job})
	}
}

// HandleList handles GET /imports.
func (h *ImportsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	jobs := h.deps.Jobs()
	if jobs == nil {
		jobs = []types.Job{}
	}
	writeJSON(w, http.StatusOK, listResponse{Jobs: jobs})
}

// HandleGet handles GET /imports/{id}.
func (h *ImportsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	job, err := h.deps.Job(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandlePause handles POST /imports/{id}/pause.
func (h *ImportsHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.deps.Pause)
}

// HandleResume handles POST /imports/{id}/resume.
func (h *ImportsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.deps.Resume)
}

// HandleCancel handles POST /imports/{id}/cancel.
func (h *ImportsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.deps.Cancel)
}

func (h *ImportsHandler) control(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) (types.Job, error)) {
	job, err := op(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
