package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"filerelay/internal/server/service"

	"github.com/labstack/echo/v4"
)

// inlineExtensions are served with an inline Content-Disposition.
var inlineExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".pdf": true, ".txt": true,
}

// Handler contains the HTTP handlers for the relay API.
type Handler struct {
	svc      *service.RelayService
	maxFiles int
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithMaxFiles caps the files accepted by one multi-file upload.
func WithMaxFiles(n int) HandlerOption {
	return func(h *Handler) { h.maxFiles = n }
}

// NewHandler creates a new handler with the given service dependency.
func NewHandler(svc *service.RelayService, opts ...HandlerOption) *Handler {
	h := &Handler{svc: svc}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type logDownloadRequest struct {
	UserID   string `json:"user_id"`
	FileSize int64  `json:"file_size"`
	Filename string `json:"filename"`
}

// HandleUpload handles POST /upload/.
// Streams the first "file" part of a multipart body straight into the
// store. The user's upload slot is taken before the body is read.
func (h *Handler) HandleUpload(c echo.Context) error {
	next, err := h.fileParts(c, "file", 1)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "multipart form body is required"})
	}

	results, err := h.svc.UploadStream(c.Request().Context(), userID(c), next, 1)
	if errors.Is(err, service.ErrNoFiles) {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "file is required (use form field 'file')",
		})
	}
	if err != nil {
		return mapServiceError(c, err)
	}

	result := results[0]
	return c.JSON(http.StatusOK, echo.Map{
		"filename":     result.Filename,
		"access_code":  result.AccessCode,
		"size":         result.Size,
		"download_url": result.DownloadURL,
		"message":      "File uploaded successfully",
	})
}

// HandleUploadMultiple handles POST /upload-multiple/.
// Every "files" part is streamed into the store in form order.
func (h *Handler) HandleUploadMultiple(c echo.Context) error {
	next, err := h.fileParts(c, "files", 0)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "multipart form body is required"})
	}

	results, err := h.svc.UploadStream(c.Request().Context(), userID(c), next, h.maxFiles)
	if errors.Is(err, service.ErrNoFiles) {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "files are required (use form field 'files')",
		})
	}
	if err != nil {
		status, msg := errorStatus(err)
		if status == http.StatusInternalServerError {
			slog.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
		}
		// Files stored before the failure stay retrievable.
		return c.JSON(status, echo.Map{"error": msg, "files": results})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"files":   results,
		"message": fmt.Sprintf("%d files uploaded successfully", len(results)),
	})
}

// HandleListFiles handles GET /files/:user_id.
func (h *Handler) HandleListFiles(c echo.Context) error {
	files, err := h.svc.List(c.Param("user_id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"files": files})
}

// HandleDownload handles GET /download/:code and GET /:code.
// Images, PDFs and text are served inline, everything else as an attachment.
func (h *Handler) HandleDownload(c echo.Context) error {
	dl, err := h.svc.Download(c.Request().Context(), c.Param("code"))
	if err != nil {
		return mapServiceError(c, err)
	}
	defer dl.Close()

	ext := strings.ToLower(filepath.Ext(dl.Filename))
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	disposition := "attachment"
	if inlineExtensions[ext] {
		disposition = "inline"
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, contentType)
	res.Header().Set(echo.HeaderContentLength, strconv.FormatInt(dl.Size, 10))
	res.Header().Set(echo.HeaderContentDisposition,
		mime.FormatMediaType(disposition, map[string]string{"filename": dl.Filename}))
	res.WriteHeader(http.StatusOK)

	if _, err := dl.WriteTo(res); err != nil {
		// Headers are already sent; all that is left is to log.
		slog.Warn("download interrupted", "filename", dl.Filename, "error", err)
	}
	return nil
}

// HandleDelete handles DELETE /delete/:code.
// The optional user_id query param must match the uploader of owned files.
func (h *Handler) HandleDelete(c echo.Context) error {
	if err := h.svc.Delete(c.Request().Context(), c.Param("code"), userID(c)); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"message": "File deleted successfully",
	})
}

// HandleStats handles GET /stats/:user_id.
func (h *Handler) HandleStats(c echo.Context) error {
	counters, err := h.svc.Stats(c.Param("user_id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, counters)
}

// HandleLogDownload handles POST /log_download.
// Records a download that a relaying client streamed itself.
func (h *Handler) HandleLogDownload(c echo.Context) error {
	var req logDownloadRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if err := h.svc.LogDownload(req.UserID, req.FileSize, req.Filename); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "Download logged"})
}

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Health())
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	status, msg := errorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	}
	return c.JSON(status, echo.Map{"error": msg})
}

// errorStatus picks the status code and client-safe message for err.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, service.ErrNotFound.Error()
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, service.ErrForbidden.Error()
	case errors.Is(err, service.ErrBusy):
		return http.StatusConflict, service.ErrBusy.Error()
	case errors.Is(err, service.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, service.ErrFileTooLarge.Error()
	case errors.Is(err, service.ErrTimeout):
		return http.StatusGatewayTimeout, service.ErrTimeout.Error()
	}
	for _, validation := range []error{
		service.ErrInvalidCode,
		service.ErrInvalidFilename,
		service.ErrInvalidSize,
		service.ErrMissingOwner,
		service.ErrNoFiles,
		service.ErrMalformed,
		service.ErrTooManyFiles,
	} {
		if errors.Is(err, validation) {
			return http.StatusBadRequest, validation.Error()
		}
	}
	return http.StatusInternalServerError, "internal server error"
}

func userID(c echo.Context) string {
	return strings.TrimSpace(c.QueryParam("user_id"))
}

// fileParts returns a PartReader over the file parts named field, at most
// limit of them when limit > 0. Every part gets the transfer timeout as
// its read deadline, so a stalled client fails instead of hanging.
func (h *Handler) fileParts(c echo.Context, field string, limit int) (service.PartReader, error) {
	mr, err := c.Request().MultipartReader()
	if err != nil {
		return nil, err
	}

	rc := http.NewResponseController(c.Response())
	// A busy or failed upload answers before its body has been read.
	if err := rc.EnableFullDuplex(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Debug("full duplex unavailable", "error", err)
	}
	timeout := h.svc.TransferTimeout()
	extend := func() {
		if timeout <= 0 {
			return
		}
		if err := rc.SetReadDeadline(time.Now().Add(timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			slog.Debug("cannot set read deadline", "error", err)
		}
	}
	// Bounds the drain of an unread body too.
	extend()

	served := 0
	return func() (*service.Part, error) {
		if limit > 0 && served == limit {
			return nil, io.EOF
		}
		for {
			extend()
			p, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			if err != nil {
				return nil, fmt.Errorf("%w: %w", service.ErrMalformed, err)
			}
			if p.FormName() != field || p.FileName() == "" {
				continue
			}
			served++
			return &service.Part{Filename: p.FileName(), Size: -1, Body: p}, nil
		}
	}, nil
}
