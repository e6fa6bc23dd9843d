// Package whisper aligns synthesised speech to its text through an external
// WhisperX-style alignment service and turns the result into character timestamps.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/tts-pipeline/internal/core"
)

// Error messages.
const (
	errFailedToCreateFormFile = "failed to create form file: %w"
	errFailedToCopyFileData   = "failed to copy file data: %w"
	errFailedToWriteField     = "failed to write %s field: %w"
	errFailedToCloseWriter    = "failed to close multipart writer: %w"
	errFailedToCreateRequest  = "failed to create request: %w"
	errFailedToMakeRequest    = "%w: request to %s failed: %w"
	errAPIRequestFailed       = "%w: %s returned status %d: %s"
	errFailedToDecodeResponse = "%w: failed to decode %s response: %w"
	errModelHandleMissing     = "%w: aligner returned no model id for %s"
)

// Aligner API settings.
const (
	maxErrorBodyBytes      = 500
	defaultAlignerTimeout  = 120 * time.Second
	alignUploadFilename    = "segment.wav"
	bearerPrefix           = "Bearer "
	apiLoadModelPathFormat = "/v1/models/%s"
	apiAlignPath           = "/v1/align"
)

// HTTP headers.
const (
	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
)

// Form field names.
const (
	formFieldFile     = "file"
	formFieldText     = "text"
	formFieldLanguage = "language"
	formFieldModelID  = "model_id"
)

// RawSegment is one segment of the aligner's response. Row layouts differ between
// aligner versions, so rows are kept as loosely typed maps.
type RawSegment map[string]any

// Model is a loaded per-language alignment model.
type Model interface {
	Align(ctx context.Context, audio []byte, text string) ([]RawSegment, error)
}

// ModelLoader loads the alignment model for a language.
type ModelLoader interface {
	Load(ctx context.Context, lang core.Language) (Model, error)
}

// HTTPModelLoader loads models on a remote aligner.
type HTTPModelLoader struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// LoadResponse is returned by the aligner when a model is loaded.
type LoadResponse struct {
	ModelID    string `json:"model_id"`
	SampleRate int    `json:"sample_rate"`
}

// AlignResponse is returned by the aligner's align endpoint.
type AlignResponse struct {
	Segments []RawSegment `json:"segments"`
}

// NewHTTPModelLoader creates a loader for the aligner at baseURL. An empty apiKey
// sends no Authorization header; a non-positive timeout uses the default.
func NewHTTPModelLoader(baseURL, apiKey string, timeout time.Duration) *HTTPModelLoader {
	if timeout <= 0 {
		timeout = defaultAlignerTimeout
	}

	return &HTTPModelLoader{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Load asks the aligner to load the model for lang and returns a handle to it.
func (l *HTTPModelLoader) Load(ctx context.Context, lang core.Language) (Model, error) {
	path := fmt.Sprintf(apiLoadModelPathFormat, lang)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+path, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf(errFailedToCreateRequest, err)
	}

	var loaded LoadResponse

	err = l.do(req, path, &loaded)
	if err != nil {
		return nil, err
	}

	if loaded.ModelID == "" {
		return nil, fmt.Errorf(errModelHandleMissing, core.ErrAlignmentFailure, lang)
	}

	return &httpModel{loader: l, lang: lang, info: loaded}, nil
}

func (l *HTTPModelLoader) do(req *http.Request, path string, target any) error {
	if l.apiKey != "" {
		req.Header.Set(headerAuthorization, bearerPrefix+l.apiKey)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf(errFailedToMakeRequest, core.ErrAlignmentFailure, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

		return fmt.Errorf(errAPIRequestFailed,
			core.ErrAlignmentFailure, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	err = json.NewDecoder(resp.Body).Decode(target)
	if err != nil {
		return fmt.Errorf(errFailedToDecodeResponse, core.ErrAlignmentFailure, path, err)
	}

	return nil
}

type httpModel struct {
	loader *HTTPModelLoader
	lang   core.Language
	info   LoadResponse
}

// Align uploads the audio and text as multipart form data.
func (m *httpModel) Align(ctx context.Context, audio []byte, text string) ([]RawSegment, error) {
	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile(formFieldFile, alignUploadFilename)
	if err != nil {
		return nil, fmt.Errorf(errFailedToCreateFormFile, err)
	}

	_, err = io.Copy(part, bytes.NewReader(audio))
	if err != nil {
		return nil, fmt.Errorf(errFailedToCopyFileData, err)
	}

	fields := []struct{ name, value string }{
		{formFieldText, text},
		{formFieldLanguage, string(m.lang)},
		{formFieldModelID, m.info.ModelID},
	}

	for _, field := range fields {
		err = writer.WriteField(field.name, field.value)
		if err != nil {
			return nil, fmt.Errorf(errFailedToWriteField, field.name, err)
		}
	}

	closeErr := writer.Close()
	if closeErr != nil {
		return nil, fmt.Errorf(errFailedToCloseWriter, closeErr)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.loader.baseURL+apiAlignPath, &buf)
	if err != nil {
		return nil, fmt.Errorf(errFailedToCreateRequest, err)
	}

	req.Header.Set(headerContentType, writer.FormDataContentType())

	var aligned AlignResponse

	err = m.loader.do(req, apiAlignPath, &aligned)
	if err != nil {
		return nil, err
	}

	return aligned.Segments, nil
}
