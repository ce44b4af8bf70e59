// Package store talks to the coordinator's REST API: pinging it, moving data
// files in and out, and posting task reports.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

// Target kinds accepted by Upload.
const (
	TargetFolder = "folder"
	TargetSeries = "series"
)

const (
	versionPath     = "/api/v1/version/"
	currentUserPath = "/api/v1/user/current/"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for API requests.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithLogger sets the logger for the client.
func WithLogger(l logr.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

// Client is an authenticated client for the coordinator API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     logr.Logger
}

// NewClient creates an API client for the given base URL and API token.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// Transfers of large datasets must not be cut short, so there is no
		// overall timeout; callers bound requests through the context.
		httpClient: &http.Client{},
		logger:     logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type versionResponse struct {
	Server string `json:"server"`
}

// ServerVersion returns the version string reported by the server.
func (c *Client) ServerVersion(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, versionPath, "", nil)
	if err != nil {
		return "", fmt.Errorf("fetching server version: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var v versionResponse
	if err := json.Unmarshal(body, &v); err != nil {
		return "", fmt.Errorf("decoding version response: %w", err)
	}
	return v.Server, nil
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ServerVersion(ctx)
	return err
}

// CheckConnection verifies that the configured token is accepted.
func (c *Client) CheckConnection(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, currentUserPath, "", nil)
	if err != nil {
		return fmt.Errorf("checking credentials: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("credentials rejected (status %d)", resp.StatusCode)
	default:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

// Download streams the resource at url into dest. The file only appears under
// its final name once it is complete.
func (c *Client) Download(ctx context.Context, url, dest string) error {
	resp, err := c.do(ctx, http.MethodGet, url, "", nil)
	if err != nil {
		return &DownloadError{URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &DownloadError{URL: url, Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(body)))}
	}

	part := dest + ".part"
	f, err := os.Create(part)
	if err != nil {
		return &DownloadError{URL: url, Err: err}
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(part)
		return &DownloadError{URL: url, Err: err}
	}
	if err := os.Rename(part, dest); err != nil {
		_ = os.Remove(part)
		return &DownloadError{URL: url, Err: err}
	}

	c.logger.V(1).Info("downloaded", "url", url, "dest", dest, "bytes", n)
	return nil
}

// Upload sends files to the folder or series identified by targetID in a
// single multipart request.
func (c *Client) Upload(ctx context.Context, targetID, targetType string, files []string) error {
	var path string
	switch targetType {
	case TargetFolder:
		path = "/api/v1/folder/" + targetID + "/upload/"
	case TargetSeries:
		path = "/api/v1/serie/" + targetID + "/upload/"
	default:
		return &UploadError{TargetID: targetID, TargetType: targetType, Err: errors.New("unsupported target type")}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeParts(mw, files))
	}()

	resp, err := c.do(ctx, http.MethodPost, path, mw.FormDataContentType(), pr)
	// Unblock the writer if the request never consumed the body.
	_ = pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return &UploadError{TargetID: targetID, TargetType: targetType, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &UploadError{
			TargetID:   targetID,
			TargetType: targetType,
			Status:     resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
	}

	c.logger.V(1).Info("uploaded", "target", targetID, "type", targetType, "files", len(files))
	return nil
}

func writeParts(mw *multipart.Writer, files []string) error {
	for _, path := range files {
		if err := writePart(mw, path); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writePart(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	w, err := mw.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// PostJSON posts v as JSON and returns the response status code.
func (c *Client) PostJSON(ctx context.Context, url string, v any) (int, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshaling request: %w", err)
	}
	return c.Post(ctx, url, "application/json", body)
}

// Post posts a raw body and returns the response status code. Non-2xx codes
// are not errors; interpreting them is up to the caller.
func (c *Client) Post(ctx context.Context, url, contentType string, body []byte) (int, error) {
	resp, err := c.do(ctx, http.MethodPost, url, contentType, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	c.logger.V(1).Info("request", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))
	return resp, nil
}
