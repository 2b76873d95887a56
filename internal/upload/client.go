// Package upload sends captured images to the recognition endpoint as
// multipart form data and classifies the response.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"

	"github.com/cjeanneret/SnapID/internal/capture"
	"github.com/cjeanneret/SnapID/internal/debug"
	"github.com/cjeanneret/SnapID/internal/httpc"
)

const (
	// FieldName is the multipart field carrying the image.
	FieldName = "file"
	// maxResponseBytes bounds how much of a response body is kept.
	maxResponseBytes = 1 << 20
	userAgent        = "SnapID/1.0"
)

// ErrInvalidEndpoint is returned by New for unusable endpoint URLs.
var ErrInvalidEndpoint = errors.New("upload: invalid endpoint URL")

// Client posts images to a fixed endpoint. It never retries.
type Client struct {
	endpoint    string
	timeout     time.Duration
	bearerToken string
	httpClient  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each request, upload and response read included.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithBearerToken authenticates requests with a static OAuth2 bearer token.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.bearerToken = token }
}

// WithHTTPClient replaces the underlying HTTP client entirely
// (timeout and bearer token options are then ignored).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New returns a client for endpoint, which must be an absolute http(s) URL.
func New(endpoint string, opts ...Option) (*Client, error) {
	if err := ValidateEndpoint(endpoint); err != nil {
		return nil, err
	}
	c := &Client{endpoint: endpoint, timeout: httpc.DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		var rt http.RoundTripper = httpc.NewTransport()
		if c.bearerToken != "" {
			rt = &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.bearerToken}),
				Base:   rt,
			}
		}
		c.httpClient = httpc.NewClient(c.timeout, rt)
	}
	return c, nil
}

// ValidateEndpoint checks that endpoint is an absolute http(s) URL with a host.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}
	return nil
}

// Endpoint returns the configured URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Upload sends img asynchronously. Exactly one Outcome is delivered on the
// returned channel, which is then closed. Delivering it to the user is the
// caller's business.
func (c *Client) Upload(ctx context.Context, img capture.CapturedImage) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		defer close(out)
		out <- c.Send(ctx, img)
	}()
	return out
}

// Send uploads img and classifies the result:
// no response → NetworkError; non-2xx → ServerError; 2xx with a prediction
// → Recognized; 2xx without one → MalformedResponse.
// A request that cannot even be built (unreadable file) never reached the
// network and is reported as NetworkError too.
func (c *Client) Send(ctx context.Context, img capture.CapturedImage) Outcome {
	start := time.Now()

	body, contentType, err := buildBody(img)
	if err != nil {
		return NetworkError{Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return NetworkError{Message: err.Error()}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	debug.Verbose("Upload: POST %s (%d bytes)", c.endpoint, body.Len())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		debug.Error(fmt.Errorf("upload: %w", err))
		return NetworkError{Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	debug.Verbose("Upload: HTTP %d in %v", resp.StatusCode, time.Since(start).Round(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if readErr != nil {
			raw = nil
		}
		return ServerError{HTTPCode: resp.StatusCode, Body: string(raw)}
	}
	if readErr != nil {
		return MalformedResponse{HTTPCode: resp.StatusCode, Reason: "read body: " + readErr.Error()}
	}
	return parsePrediction(resp.StatusCode, raw)
}

// buildBody encodes img as a single-part multipart form: field "file",
// the original filename, content type image/jpeg.
func buildBody(img capture.CapturedImage) (*bytes.Buffer, string, error) {
	f, err := os.Open(img.LocalPath)
	if err != nil {
		return nil, "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if img.SizeBytes > 0 {
		buf.Grow(int(img.SizeBytes) + 512)
	}
	mw := multipart.NewWriter(&buf)

	mimeType := img.MIMEType
	if mimeType == "" {
		mimeType = capture.MIMEType
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, FieldName, filepath.Base(img.LocalPath)))
	h.Set("Content-Type", mimeType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

// prediction mirrors the server's JSON. Pointers tell missing from zero.
type prediction struct {
	RecognizedObject *string  `json:"recognized_object"`
	Distance         *float64 `json:"distance"`
}

func parsePrediction(code int, raw []byte) Outcome {
	var p prediction
	if err := json.Unmarshal(raw, &p); err != nil {
		return MalformedResponse{HTTPCode: code, Body: string(raw), Reason: "invalid JSON: " + err.Error()}
	}
	if p.RecognizedObject == nil {
		return MalformedResponse{HTTPCode: code, Body: string(raw), Reason: "no recognized_object"}
	}
	if p.Distance == nil {
		return MalformedResponse{HTTPCode: code, Body: string(raw), Reason: "no distance"}
	}
	return Recognized{Label: *p.RecognizedObject, Distance: *p.Distance}
}
