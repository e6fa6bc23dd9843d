package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/book-expert/logger"

	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/tts/text"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "hololang-pipeline"

const (
	maxRequestBodyBytes = 1 << 20
	errFmtDecodeBody    = "%w: invalid request body: %w"
	errTrailingData     = "request body must contain a single JSON object"
	logFmtRequestFailed = "Request %s %s failed with %d (%s): %v"
)

// Runner is the pipeline as seen by the HTTP layer.
type Runner interface {
	Run(ctx context.Context, req core.PipelineRequest) (*core.Manifest, error)
	Segment(input string) []core.Segment
}

// Handler serves the pipeline endpoints.
type Handler struct {
	runner Runner
	logger *logger.Logger
}

// NewHandler creates a handler backed by runner.
func NewHandler(runner Runner, log *logger.Logger) *Handler {
	return &Handler{runner: runner, logger: log}
}

// SegmentsRequest is the body of the segmentation endpoint.
type SegmentsRequest struct {
	Text string `json:"text"`
}

// SegmentsResponse lists the language runs of a text.
type SegmentsResponse struct {
	ContainLang []core.Language `json:"contain_lang"`
	Segments    []core.Segment  `json:"segments"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// RunPipeline handles POST /v2/tts/pipeline.
func (h *Handler) RunPipeline(w http.ResponseWriter, r *http.Request) {
	req := core.NewPipelineRequest()

	err := decodeJSON(w, r, &req)
	if err != nil {
		h.respondError(w, r, err)

		return
	}

	manifest, err := h.runner.Run(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)

		return
	}

	respondJSON(w, http.StatusOK, manifest)
}

// Segments handles POST /v2/text/segments.
func (h *Handler) Segments(w http.ResponseWriter, r *http.Request) {
	var req SegmentsRequest

	err := decodeJSON(w, r, &req)
	if err != nil {
		h.respondError(w, r, err)

		return
	}

	if strings.TrimSpace(req.Text) == "" {
		h.respondError(w, r, errors.Join(core.ErrValidation, core.ErrTextEmpty))

		return
	}

	segments := h.runner.Segment(req.Text)

	respondJSON(w, http.StatusOK, SegmentsResponse{
		ContainLang: text.Languages(segments),
		Segments:    segments,
	})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{OK: true, Service: ServiceName, Version: core.ManifestVersion})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()

	err := decoder.Decode(target)
	if err != nil {
		return fmt.Errorf(errFmtDecodeBody, core.ErrValidation, err)
	}

	if decoder.More() {
		return fmt.Errorf(errFmtDecodeBody, core.ErrValidation, errors.New(errTrailingData))
	}

	return nil
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind core.Kind) int {
	switch kind {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindJobInProgress:
		return http.StatusConflict
	case core.KindSynthesisUnavailable, core.KindStorageFailure:
		return http.StatusBadGateway
	case core.KindAlignmentFailure:
		return http.StatusUnprocessableEntity
	case core.KindAudioParameterMismatch, core.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	body := core.NewErrorBody(err)
	status := StatusFor(body.Kind)

	h.logger.Warn(logFmtRequestFailed, r.Method, r.URL.Path, status, body.Kind, err)

	respondJSON(w, status, body)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(data)
}
