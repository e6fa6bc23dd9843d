package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/tts-pipeline/internal/api"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/tts/ttsutils"
)

const (
	errFmtEncode       = "failed to encode request: %w"
	errFmtNewRequest   = "failed to create request: %w"
	errFmtSend         = "request to %s failed: %w"
	errFmtDecode       = "failed to decode response from %s: %w"
	errFmtService      = "%w: %s (%s)"
	errFmtUnexpected   = "%w: %s returned %d"
	errFmtCreateOutput = "failed to create %s: %w"
	errFmtCopyOutput   = "failed to write %s: %w"
)

// ErrServiceError is returned when the service answers with a non-2xx status.
var ErrServiceError = errors.New("pipeline service error")

// pipelineClient calls the pipeline service over HTTP.
type pipelineClient struct {
	baseURL    string
	httpClient *http.Client
}

func newPipelineClient(baseURL string, timeout time.Duration) *pipelineClient {
	return &pipelineClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *pipelineClient) health(ctx context.Context) (api.HealthResponse, error) {
	var response api.HealthResponse

	err := c.do(ctx, http.MethodGet, "/health", nil, &response)

	return response, err
}

func (c *pipelineClient) segments(ctx context.Context, text string) (api.SegmentsResponse, error) {
	var response api.SegmentsResponse

	err := c.do(ctx, http.MethodPost, "/v2/text/segments", api.SegmentsRequest{Text: text}, &response)

	return response, err
}

func (c *pipelineClient) runPipeline(ctx context.Context, req core.PipelineRequest) (*core.Manifest, error) {
	var manifest core.Manifest

	err := c.do(ctx, http.MethodPost, "/v2/tts/pipeline", req, &manifest)
	if err != nil {
		return nil, err
	}

	return &manifest, nil
}

// download fetches url into path and returns the number of bytes written.
func (c *pipelineClient) download(ctx context.Context, url, path string) (int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf(errFmtNewRequest, err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf(errFmtSend, "artifact store", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf(errFmtUnexpected, ErrServiceError, "artifact store", resp.StatusCode)
	}

	err = ttsutils.EnsureDir(filepath.Dir(path))
	if err != nil {
		return 0, fmt.Errorf(errFmtCreateOutput, path, err)
	}

	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf(errFmtCreateOutput, path, err)
	}
	defer file.Close()

	written, err := io.Copy(file, resp.Body)
	if err != nil {
		return written, fmt.Errorf(errFmtCopyOutput, path, err)
	}

	return written, nil
}

func (c *pipelineClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader = http.NoBody

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf(errFmtEncode, err)
		}

		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf(errFmtNewRequest, err)
	}

	httpReq.Header.Set("Accept", "application/json")

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf(errFmtSend, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		var errorBody core.ErrorBody

		decodeErr := json.NewDecoder(resp.Body).Decode(&errorBody)
		if decodeErr != nil || errorBody.Kind == "" {
			return fmt.Errorf(errFmtUnexpected, ErrServiceError, path, resp.StatusCode)
		}

		return fmt.Errorf(errFmtService, ErrServiceError, errorBody.Message, errorBody.Kind)
	}

	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return fmt.Errorf(errFmtDecode, path, err)
	}

	return nil
}
