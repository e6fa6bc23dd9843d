// Package tts talks to the GPT-SoVITS synthesis engine and turns pipeline segments
// into decoded WAV audio.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/tts-pipeline/internal/core"
)

// API endpoints and paths.
const (
	apiSynthesize = "/tts"
	apiHealth     = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	acceptAny         = "*/*"
)

const maxErrorBodyBytes = 500

// Error messages.
const (
	errFmtMarshalRequest       = "failed to marshal request: %w"
	errFmtCreateRequest        = "failed to create request: %w"
	errFmtSendRequest          = "%w: request to %s failed: %w"
	errFmtReadAudio            = "%w: failed to read audio data: %w"
	errFmtServiceNonOKStatus   = "%w: HTTP %d from %s: %s"
	errFmtUnexpectedJSON       = "%w: engine returned JSON instead of audio: %s"
	errFmtEmptyAudio           = "%w: received empty audio data"
	errFmtHealthCheckFailed    = "health check failed for engine at %s: %w"
	errFmtHealthCheckNonOK     = "health check failed with status: %s"
	errFmtCreateHealthRequest  = "failed to create health check request: %w"
	errFmtTextLanguageRequired = "%w: text and text_lang are required"
)

// ErrHealthCheck indicates the engine did not answer a health check.
var ErrHealthCheck = errors.New("engine health check failed")

// Request is the JSON payload accepted by the engine's /tts endpoint.
type Request struct {
	Text     string `json:"text"`
	TextLang string `json:"text_lang"`

	core.EngineConfig
}

// HTTPClient is a client for the GPT-SoVITS HTTP API.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPClient creates a client for the engine at baseURL (e.g. "http://localhost:9880").
// The timeout applies to every request made by this client.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GenerateSpeech synthesises req.Text and returns the raw WAV bytes.
//
// Every transport or protocol failure is reported as core.ErrSynthesisUnavailable.
// The call is made exactly once.
func (c *HTTPClient) GenerateSpeech(ctx context.Context, req Request) ([]byte, error) {
	req.Text = strings.TrimSpace(req.Text)
	req.TextLang = strings.TrimSpace(req.TextLang)

	if req.Text == "" || req.TextLang == "" {
		return nil, fmt.Errorf(errFmtTextLanguageRequired, core.ErrValidation)
	}

	if req.AuxRefAudioPaths == nil {
		req.AuxRefAudioPaths = []string{}
	}

	requestBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf(errFmtMarshalRequest, err)
	}

	url := c.baseURL + apiSynthesize

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf(errFmtCreateRequest, err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, acceptAny)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf(errFmtSendRequest, core.ErrSynthesisUnavailable, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, parseErrorResponse(resp, apiSynthesize)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf(errFmtReadAudio, core.ErrSynthesisUnavailable, err)
	}

	if isJSON(resp.Header.Get(headerContentType)) {
		return nil, fmt.Errorf(errFmtUnexpectedJSON, core.ErrSynthesisUnavailable, truncate(audioData))
	}

	if len(audioData) == 0 {
		return nil, fmt.Errorf(errFmtEmptyAudio, core.ErrSynthesisUnavailable)
	}

	return audioData, nil
}

// HealthCheck pings the engine. GPT-SoVITS builds without a /health route are
// accepted when the base URL answers at all.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	healthErr := c.ping(ctx, c.baseURL+apiHealth, true)
	if healthErr == nil {
		return nil
	}

	rootErr := c.ping(ctx, c.baseURL+"/", false)
	if rootErr != nil {
		return fmt.Errorf(errFmtHealthCheckFailed, c.baseURL, errors.Join(ErrHealthCheck, healthErr, rootErr))
	}

	return nil
}

func (c *HTTPClient) ping(ctx context.Context, url string, requireOK bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf(errFmtCreateHealthRequest, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if requireOK && resp.StatusCode != http.StatusOK {
		return fmt.Errorf(errFmtHealthCheckNonOK, resp.Status)
	}

	return nil
}

// parseErrorResponse keeps the first bytes of the engine's body for diagnostics.
func parseErrorResponse(resp *http.Response, path string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	return fmt.Errorf(errFmtServiceNonOKStatus,
		core.ErrSynthesisUnavailable, resp.StatusCode, path, strings.TrimSpace(string(body)))
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(contentType, contentTypeJSON)
	}

	return mediaType == contentTypeJSON
}

func truncate(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}

	return string(body)
}
