// Package client talks to a relay server over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"filerelay/internal/progress"
)

const (
	DefaultBaseURL       = "http://127.0.0.1:7860"
	DefaultTimeout       = 30 * time.Second
	DefaultUploadTimeout = 60 * time.Second
)

// APIError is a non-2xx response from the relay.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

type UploadResult struct {
	Filename    string `json:"filename"`
	AccessCode  string `json:"access_code"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"download_url"`
}

type FileEntry struct {
	Filename   string `json:"filename"`
	AccessCode string `json:"access_code"`
}

type Stats struct {
	Uploads         int64  `json:"uploads"`
	Downloads       int64  `json:"downloads"`
	BytesUploaded   int64  `json:"bytes_uploaded"`
	BytesDownloaded int64  `json:"bytes_downloaded"`
	LastActivity    string `json:"last_activity"`
}

// DownloadInfo describes a file fetched with Download.
type DownloadInfo struct {
	Filename string
	Size     int64 // -1 when the server sent no length
}

// File is one file of a multi-file upload.
type File struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithUploadTimeout bounds uploads and downloads, which usually outlast
// plain API calls.
func WithUploadTimeout(d time.Duration) Option {
	return func(c *Client) { c.uploadTimeout = d }
}

// Client is safe for concurrent use.
type Client struct {
	baseURL       string
	http          *http.Client
	timeout       time.Duration
	uploadTimeout time.Duration
}

// New creates a client for the relay at baseURL. timeout bounds every
// non-transfer call.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		http:          &http.Client{},
		timeout:       timeout,
		uploadTimeout: DefaultUploadTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upload streams r as one multipart file. onChunk, if set, is called with
// every chunk handed to the network.
func (c *Client) Upload(ctx context.Context, userID, name string, r io.Reader, onChunk func(int)) (*UploadResult, error) {
	files := []File{{Name: name, Open: func() (io.ReadCloser, error) { return io.NopCloser(r), nil }}}

	var result UploadResult
	if err := c.postFiles(ctx, "/upload/", "file", userID, files, onChunk, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UploadMany sends every file in one request. The relay stores them under
// a single upload slot for userID.
func (c *Client) UploadMany(ctx context.Context, userID string, files []File, onChunk func(int)) ([]UploadResult, error) {
	var resp struct {
		Files []UploadResult `json:"files"`
		Error string         `json:"error"`
	}
	err := c.postFiles(ctx, "/upload-multiple/", "files", userID, files, onChunk, &resp)
	return resp.Files, err
}

// List returns the files uploaded by userID.
func (c *Client) List(ctx context.Context, userID string) ([]FileEntry, error) {
	var resp struct {
		Files []FileEntry `json:"files"`
	}
	if err := c.getJSON(ctx, "/files/"+url.PathEscape(userID), &resp); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// Download writes the file behind code to w.
func (c *Client) Download(ctx context.Context, code string, w io.Writer, onChunk func(int)) (*DownloadInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/download/"+url.PathEscape(code), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr, _ := readError(resp)
		return nil, apiErr
	}

	info := &DownloadInfo{Filename: code, Size: resp.ContentLength}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		info.Filename = params["filename"]
	}

	body := io.Reader(resp.Body)
	if onChunk != nil {
		body = progress.NewReader(body, onChunk)
	}
	if _, err := io.Copy(w, body); err != nil {
		return nil, fmt.Errorf("download interrupted: %w", err)
	}
	return info, nil
}

// Delete removes the file behind code on behalf of userID.
func (c *Client) Delete(ctx context.Context, code, userID string) error {
	path := "/delete/" + url.PathEscape(code)
	if userID != "" {
		path += "?user_id=" + url.QueryEscape(userID)
	}
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// Stats returns userID's usage counters.
func (c *Client) Stats(ctx context.Context, userID string) (*Stats, error) {
	var s Stats
	if err := c.getJSON(ctx, "/stats/"+url.PathEscape(userID), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// LogDownload reports a download this client performed itself.
func (c *Client) LogDownload(ctx context.Context, userID string, size int64, filename string) error {
	body, err := json.Marshal(map[string]any{
		"user_id":   userID,
		"file_size": size,
		"filename":  filename,
	})
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPost, "/log_download", bytes.NewReader(body), nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body io.Reader, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

// postFiles streams files as multipart parts without buffering them.
func (c *Client) postFiles(ctx context.Context, path, field, userID string, files []File, onChunk func(int), out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeParts(mw, field, files, onChunk))
	}()

	target := c.baseURL + path
	if userID != "" {
		target += "?user_id=" + url.QueryEscape(userID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, pr)
	if err != nil {
		pr.CloseWithError(err)
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	err = c.send(req, out)
	pr.CloseWithError(errors.New("request finished"))
	return err
}

func writeParts(mw *multipart.Writer, field string, files []File, onChunk func(int)) error {
	for _, f := range files {
		part, err := mw.CreateFormFile(field, f.Name)
		if err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", f.Name, err)
		}
		src := io.Reader(rc)
		if onChunk != nil {
			src = progress.NewReader(rc, onChunk)
		}
		_, err = io.Copy(part, src)
		rc.Close()
		if err != nil {
			return fmt.Errorf("failed to send %s: %w", f.Name, err)
		}
	}
	return mw.Close()
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("request to %s timed out: %w", req.URL.Path, err)
		}
		return fmt.Errorf("request to %s failed: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr, body := readError(resp)
		// Multi-file uploads return the stored files alongside the error.
		if out != nil {
			_ = json.Unmarshal(body, out)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// readError builds an APIError from resp and returns the raw body with it.
func readError(resp *http.Response) (*APIError, []byte) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var payload struct {
		Error string `json:"error"`
	}
	msg := http.StatusText(resp.StatusCode)
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}, body
}
