// Package invoker calls the external image model that performs one operation
// on one image.
package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// Invoker runs one operation on one image and returns a reference to the output
type Invoker interface {
	Invoke(ctx context.Context, imageRef, operation string, params map[string]interface{}) (string, error)
}

// Func adapts a function to the Invoker interface
type Func func(ctx context.Context, imageRef, operation string, params map[string]interface{}) (string, error)

// Invoke calls f
func (f Func) Invoke(ctx context.Context, imageRef, operation string, params map[string]interface{}) (string, error) {
	return f(ctx, imageRef, operation, params)
}

// BlobStore persists raw image bytes returned by the model
type BlobStore interface {
	Store(ctx context.Context, data []byte, folderHint string) (string, error)
}

// Config holds HTTP invoker settings
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	RetryMax int
}

const maxResponseBytes = 64 << 20

type invokeRequest struct {
	ImageURL   string                 `json:"image_url"`
	Parameters map[string]interface{} `json:"parameters"`
}

type invokeResponse struct {
	OutputURL string `json:"output_url"`
	Error     string `json:"error"`
}

// HTTPInvoker calls a model server over HTTP. Transport errors and 5xx
// responses are retried inside the client; the executor sees one call.
type HTTPInvoker struct {
	baseURL *url.URL
	client  *retryablehttp.Client
	blobs   BlobStore
}

// NewHTTPInvoker creates an invoker for the model server at cfg.BaseURL.
// blobs may be nil if the server always answers with output URLs.
func NewHTTPInvoker(cfg Config, blobs BlobStore) (*HTTPInvoker, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid invoker URL '%s': %w", cfg.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid invoker URL scheme '%s': must be http or https", u.Scheme)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = leveledLogger{entry: logrus.WithField("component", "invoker")}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}

	return &HTTPInvoker{
		baseURL: u,
		client:  client,
		blobs:   blobs,
	}, nil
}

// Invoke posts the image and parameters to /v1/operations/{operation}. The
// server answers either with JSON carrying output_url or with the image bytes.
func (h *HTTPInvoker) Invoke(ctx context.Context, imageRef, operation string, params map[string]interface{}) (string, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	body, err := json.Marshal(invokeRequest{ImageURL: imageRef, Parameters: params})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	endpoint := h.baseURL.JoinPath("v1", "operations", operation).String()
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, image/*")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s request failed: %w", operation, err)
	}
	defer func() {
		_ = resp.Body.Close() // Close errors are not critical
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read %s response: %w", operation, err)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", failureFromResponse(operation, resp.StatusCode, mediaType, data)
	}

	if strings.HasPrefix(mediaType, "image/") {
		if h.blobs == nil {
			return "", fmt.Errorf("%s returned image bytes but no blob store is configured", operation)
		}
		return h.blobs.Store(ctx, data, "outputs/"+operation)
	}

	var out invokeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("failed to decode %s response: %w", operation, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%s", out.Error)
	}
	if out.OutputURL == "" {
		return "", fmt.Errorf("%s response has no output_url", operation)
	}
	return out.OutputURL, nil
}

func failureFromResponse(operation string, status int, mediaType string, data []byte) error {
	if mediaType == "application/json" {
		var out invokeResponse
		if err := json.Unmarshal(data, &out); err == nil && out.Error != "" {
			return fmt.Errorf("%s", out.Error)
		}
	}
	return fmt.Errorf("%s failed with status %d", operation, status)
}

// leveledLogger routes retryablehttp logging through logrus
type leveledLogger struct {
	entry *logrus.Entry
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Error(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Debug(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Debug(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Warn(msg)
}

func (l leveledLogger) with(keysAndValues []interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.entry.WithFields(fields)
}
