// Package detection talks to the remote person-detection service.
package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vzahanych/fallwatch/internal/logger"
)

const (
	healthPath   = "/health"
	filePath     = "/file"
	resetPath    = "/reset"
	loginPath    = "/api/auth/login"
	registerPath = "/api/auth/register"

	jpegQuality = 90
)

// Client is an HTTP client for the detection service
type Client struct {
	conn       ConnConfig
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a new detection service client
func NewClient(conn ConnConfig, log *logger.Logger) *Client {
	if conn.Timeout == 0 {
		conn.Timeout = 30 * time.Second
	}
	if conn.MaxAttempts <= 0 {
		conn.MaxAttempts = DefaultMaxAttempts
	}

	return &Client{
		conn:    conn,
		baseURL: conn.BaseURL(),
		httpClient: &http.Client{
			Timeout: conn.Timeout,
		},
		logger: log,
	}
}

// Conn returns the connection settings the client was built with.
func (c *Client) Conn() ConnConfig {
	return c.conn
}

// HealthCheck checks if the detection service is reachable
func (c *Client) HealthCheck(ctx context.Context) error {
	resp, err := c.get(ctx, healthPath)
	if err != nil {
		return errors.Mark(err, ErrDisconnected)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Mark(errors.Newf("health check returned status %d", resp.StatusCode), ErrDisconnected)
	}

	return nil
}

// ResetTracking clears the service-side object tracker.
func (c *Client) ResetTracking(ctx context.Context) error {
	resp, err := c.get(ctx, resetPath)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Newf("reset returned status %d", resp.StatusCode)
	}
	return nil
}

// Submit sends one frame and returns the detections found in it. The frame
// is JPEG-encoded once and re-sent on every attempt. label becomes the
// multipart filename (its base name only).
func (c *Client) Submit(ctx context.Context, img image.Image, label string) ([]Detection, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, errors.Wrap(err, "failed to encode frame")
	}
	payload := buf.Bytes()
	filename := filepath.Base(label)

	policy := RetryPolicy{Attempts: c.conn.MaxAttempts, Delay: c.conn.RetryDelay}
	dets, err := Retry(ctx, policy,
		func(ctx context.Context, attempt int) ([]Detection, error) {
			return c.submitOnce(ctx, payload, filename)
		},
		func(attempt int, err error) {
			c.logger.Warn("Frame submission attempt failed",
				"attempt", attempt,
				"max_attempts", policy.Attempts,
				"error", err,
			)
		},
	)
	if err != nil {
		if errors.Is(err, ErrExhausted) {
			return nil, errors.Mark(err, ErrSubmission)
		}
		return nil, err
	}

	return dets, nil
}

func (c *Client) submitOnce(ctx context.Context, payload []byte, filename string) ([]Detection, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create form file")
	}
	if _, err := part.Write(payload); err != nil {
		return nil, errors.Wrap(err, "failed to write form file")
	}
	if err := mw.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to finish form")
	}

	url := c.baseURL + filePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Newf("detection service returned status %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	dets, err := parseDetections(respBody)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Frame submitted",
		"detection_count", len(dets),
		"request_duration_ms", time.Since(startTime).Milliseconds(),
	)
	return dets, nil
}

// parseDetections decodes a JSON array of detections. null, an empty body
// or anything that is not an array is malformed; [] is zero detections.
func parseDetections(body []byte) ([]Detection, error) {
	var wire []wireDetection
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to parse detections"), ErrMalformedResponse)
	}
	if wire == nil {
		return nil, errors.Mark(errors.New("service returned null"), ErrMalformedResponse)
	}

	dets := make([]Detection, len(wire))
	for i, w := range wire {
		dets[i] = w.detection()
	}
	return dets, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	return resp, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
