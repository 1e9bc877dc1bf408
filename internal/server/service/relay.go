package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"filerelay/internal/metrics"
	"filerelay/internal/server/config"
	"filerelay/internal/server/coordinator"
	"filerelay/internal/progress"
	"filerelay/internal/server/registry"
	"filerelay/internal/server/stats"
	"filerelay/internal/server/storage"

	"github.com/google/uuid"
)

// Sentinel errors for the service layer.
var (
	ErrNotFound        = errors.New("file not found")
	ErrForbidden       = errors.New("you can only delete your own files")
	ErrBusy            = errors.New("an upload is already in progress, please wait for it to finish")
	ErrInvalidCode     = errors.New("invalid access code")
	ErrInvalidFilename = errors.New("filename is required")
	ErrMissingOwner    = errors.New("user id is required")
	ErrNoFiles         = errors.New("no files provided")
	ErrInvalidSize     = errors.New("file size must not be negative")
	ErrTimeout         = errors.New("transfer timed out")
	ErrFileTooLarge    = errors.New("file exceeds maximum allowed size")
	ErrMalformed       = errors.New("malformed upload body")
	ErrTooManyFiles    = errors.New("too many files in one request")
)

// anonymousKey prefixes the progress cooldown key of uploads without an
// owner. Each such upload gets its own key.
const anonymousKey = "anonymous"

// UploadResult is returned after a successful upload.
type UploadResult struct {
	Filename    string `json:"filename"`
	AccessCode  string `json:"access_code"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"download_url"`
}

// UploadSource is one file of a multi-file upload. Open is called once,
// when the file's turn comes.
type UploadSource struct {
	Filename string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// Part is one file read from an incoming request body.
type Part struct {
	Filename string
	Size     int64 // -1 when unknown
	Body     io.Reader
}

// PartReader yields the files of one request in order and returns io.EOF
// after the last one. UploadStream calls it only while the owner's slot
// is held, so no byte is read for a request that is turned away as busy.
type PartReader func() (*Part, error)

// FileEntry is one row of a user's file listing.
type FileEntry struct {
	Filename   string `json:"filename"`
	AccessCode string `json:"access_code"`
}

// Health summarizes the relay state.
type Health struct {
	Status        string `json:"status"`
	Storage       string `json:"storage"`
	StoredFiles   int    `json:"stored_files"`
	StoredBytes   int64  `json:"stored_bytes"`
	ActiveUploads int    `json:"active_uploads"`
}

// Option configures a RelayService.
type Option func(*RelayService)

// WithProgressSink sends transfer statuses to sink instead of the log.
func WithProgressSink(sink progress.Sink) Option {
	return func(s *RelayService) { s.sink = sink }
}

// RelayService contains the business logic of the relay.
type RelayService struct {
	registry *registry.Registry
	store    storage.Store
	coord    *coordinator.Coordinator
	usage    *stats.UsageStats
	metrics  *metrics.Metrics
	cfg      *config.Config

	limiter *progress.Limiter
	sink    progress.Sink
}

// NewRelayService creates a relay service. m may be nil.
func NewRelayService(
	reg *registry.Registry,
	store storage.Store,
	coord *coordinator.Coordinator,
	usage *stats.UsageStats,
	m *metrics.Metrics,
	cfg *config.Config,
	opts ...Option,
) *RelayService {
	s := &RelayService{
		registry: reg,
		store:    store,
		coord:    coord,
		usage:    usage,
		metrics:  m,
		cfg:      cfg,
		limiter:  progress.NewLimiter(cfg.ProgressInterval),
		sink:     progress.NewLogSink(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upload stores one file for ownerID and returns its access code.
// Uploads with an owner hold that owner's coordinator slot for their whole
// duration; a concurrent upload for the same owner fails with ErrBusy.
func (s *RelayService) Upload(ctx context.Context, ownerID, filename string, data io.Reader, size int64) (*UploadResult, error) {
	if err := s.checkUpload(filename, size); err != nil {
		return nil, err
	}

	served := false
	next := func() (*Part, error) {
		if served {
			return nil, io.EOF
		}
		served = true
		return &Part{Filename: filename, Size: size, Body: data}, nil
	}

	results, err := s.UploadStream(ctx, ownerID, next, 1)
	if err != nil {
		return nil, err
	}
	return &results[0], nil
}

// UploadMany stores several files under a single coordinator slot, one
// after another. All files are validated before the first is opened.
// Results keep the order of files. On failure the files already stored
// stay stored and are returned with the error.
func (s *RelayService) UploadMany(ctx context.Context, ownerID string, files []UploadSource) ([]UploadResult, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	for _, f := range files {
		if err := s.checkUpload(f.Filename, f.Size); err != nil {
			return nil, fmt.Errorf("%s: %w", f.Filename, err)
		}
	}

	var (
		i    int
		open io.Closer
	)
	closeOpen := func() {
		if open != nil {
			open.Close()
			open = nil
		}
	}
	defer closeOpen()

	next := func() (*Part, error) {
		closeOpen()
		if i == len(files) {
			return nil, io.EOF
		}
		f := files[i]
		i++
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.Filename, err)
		}
		open = rc
		return &Part{Filename: f.Filename, Size: f.Size, Body: rc}, nil
	}
	return s.UploadStream(ctx, ownerID, next, 0)
}

// UploadStream stores the files produced by next, in order, under one
// coordinator slot for ownerID. The slot is taken before next is first
// called, so nothing is read for a request turned away as busy. With
// limit > 0, a part beyond the limit-th fails with ErrTooManyFiles before
// it is read. On failure the files already stored stay stored and are
// returned with the error.
func (s *RelayService) UploadStream(ctx context.Context, ownerID string, next PartReader, limit int) ([]UploadResult, error) {
	results := make([]UploadResult, 0, 1)
	err := s.withSlot(ownerID, func() error {
		for {
			part, err := next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				if isTimeout(err) {
					return fmt.Errorf("%w: %v", ErrTimeout, err)
				}
				return err
			}
			if limit > 0 && len(results) == limit {
				return ErrTooManyFiles
			}
			if err := s.checkUpload(part.Filename, part.Size); err != nil {
				return fmt.Errorf("%s: %w", part.Filename, err)
			}

			res, err := s.storeOne(ctx, ownerID, part.Filename, part.Body, part.Size)
			if err != nil {
				return err
			}
			results = append(results, *res)
		}
		if len(results) == 0 {
			return ErrNoFiles
		}
		return nil
	})
	return results, err
}

// TransferTimeout bounds a single file transfer. Zero means no limit.
func (s *RelayService) TransferTimeout() time.Duration {
	return s.cfg.TransferTimeout
}

// Download resolves code and opens the stored file. Downloads are not
// serialized and are not counted in usage stats; see LogDownload.
func (s *RelayService) Download(ctx context.Context, code string) (*Download, error) {
	code = strings.TrimSpace(code)
	if err := registry.ValidateCode(code); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}

	rec, err := s.registry.Resolve(code)
	if err != nil {
		s.metrics.Observe(metrics.Download, metrics.ResultNotFound, 0)
		return nil, ErrNotFound
	}

	content, size, err := s.store.Open(rec.StoredName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			slog.Warn("access code points to a missing file", "code", code, "stored_name", rec.StoredName)
			s.metrics.Observe(metrics.Download, metrics.ResultNotFound, 0)
			return nil, ErrNotFound
		}
		s.metrics.Observe(metrics.Download, metrics.ResultError, 0)
		return nil, fmt.Errorf("failed to open stored file: %w", err)
	}

	return &Download{
		Filename:   rec.StoredName,
		Size:       size,
		UploadedAt: rec.UploadedAt,
		content:    content,
		report:     s.newReporter("download:"+code, "Downloading", size),
		metrics:    s.metrics,
	}, nil
}

// LogDownload records a download performed by a client that relayed the
// bytes itself.
func (s *RelayService) LogDownload(ownerID string, size int64, filename string) error {
	if strings.TrimSpace(ownerID) == "" {
		return ErrMissingOwner
	}
	if size < 0 {
		return ErrInvalidSize
	}
	s.usage.LogDownload(ownerID, size, filename)
	slog.Info("download logged", "user_id", ownerID, "filename", filename, "size", size)
	return nil
}

// Delete removes the file behind code. requester must own the file unless
// it is empty or the file is ownerless.
func (s *RelayService) Delete(ctx context.Context, code, requester string) error {
	code = strings.TrimSpace(code)
	if err := registry.ValidateCode(code); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}

	rec, err := s.registry.Remove(code, requester)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		s.metrics.Observe(metrics.Delete, metrics.ResultNotFound, 0)
		return ErrNotFound
	case errors.Is(err, registry.ErrForbidden):
		s.metrics.Observe(metrics.Delete, metrics.ResultForbidden, 0)
		return ErrForbidden
	case err != nil:
		return fmt.Errorf("failed to remove access code: %w", err)
	}

	if err := s.store.Delete(rec.StoredName); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			if restoreErr := s.registry.Restore(rec); restoreErr != nil {
				slog.Error("failed to restore access code", "code", code, "error", restoreErr)
			}
			s.metrics.Observe(metrics.Delete, metrics.ResultError, 0)
			return fmt.Errorf("failed to delete stored file: %w", err)
		}
		slog.Warn("stored file already missing", "code", code, "stored_name", rec.StoredName)
	}

	s.metrics.SetStoredFiles(s.registry.Count())
	s.metrics.Observe(metrics.Delete, metrics.ResultOK, rec.SizeBytes)
	slog.Info("file deleted", "code", code, "stored_name", rec.StoredName, "requester", requester)
	return nil
}

// List returns ownerID's files in upload order, skipping entries whose
// bytes are no longer on disk.
func (s *RelayService) List(ownerID string) ([]FileEntry, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrMissingOwner
	}

	records := s.registry.ListByOwner(ownerID)
	entries := make([]FileEntry, 0, len(records))
	for _, rec := range records {
		if !s.store.Exists(rec.StoredName) {
			slog.Debug("skipping orphaned access code", "code", rec.AccessCode, "stored_name", rec.StoredName)
			continue
		}
		entries = append(entries, FileEntry{Filename: rec.StoredName, AccessCode: rec.AccessCode})
	}
	return entries, nil
}

// Stats returns ownerID's usage counters.
func (s *RelayService) Stats(ownerID string) (stats.Counters, error) {
	if strings.TrimSpace(ownerID) == "" {
		return stats.Counters{}, ErrMissingOwner
	}
	return s.usage.Snapshot(ownerID), nil
}

// Health reports registry size, active uploads and storage writability.
func (s *RelayService) Health() Health {
	h := Health{
		Status:        "healthy",
		Storage:       "writable",
		StoredFiles:   s.registry.Count(),
		StoredBytes:   s.registry.TotalBytes(),
		ActiveUploads: s.coord.Active(),
	}
	if err := s.store.HealthCheck(); err != nil {
		h.Status = "degraded"
		h.Storage = fmt.Sprintf("error: %v", err)
	}
	return h
}

func (s *RelayService) checkUpload(filename string, size int64) error {
	if strings.TrimSpace(filename) == "" {
		return ErrInvalidFilename
	}
	if s.cfg.MaxFileSize > 0 && size > s.cfg.MaxFileSize {
		return ErrFileTooLarge
	}
	return nil
}

// withSlot runs fn holding ownerID's coordinator slot. Ownerless uploads
// have nothing to serialize on and run directly.
func (s *RelayService) withSlot(ownerID string, fn func() error) error {
	if ownerID == "" {
		return fn()
	}
	err := s.coord.Do(ownerID, func(*coordinator.Session) error {
		done := s.metrics.UploadStarted()
		defer done()
		return fn()
	})
	if errors.Is(err, coordinator.ErrBusy) {
		s.metrics.Observe(metrics.Upload, metrics.ResultBusy, 0)
		slog.Info("upload rejected, user busy", "user_id", ownerID)
		return ErrBusy
	}
	return err
}

// storeOne saves data, then registers it. A failed registration removes
// the stored bytes again.
func (s *RelayService) storeOne(ctx context.Context, ownerID, filename string, data io.Reader, size int64) (*UploadResult, error) {
	if s.cfg.TransferTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TransferTimeout)
		defer cancel()
	}

	key := ownerID
	if key == "" {
		key = anonymousKey + ":" + uuid.NewString()
	}
	report := s.newReporter(key, "Uploading", size)
	defer report.Close()

	started := time.Now()
	storedName, n, err := s.store.Save(ctx, progress.NewReader(data, report.Add), filename)
	if err != nil {
		s.metrics.Observe(metrics.Upload, metrics.ResultError, 0)
		return nil, saveError(err)
	}
	report.Finish()

	rec, err := s.registry.Register(storedName, ownerID, n)
	if err != nil {
		if delErr := s.store.Delete(storedName); delErr != nil {
			slog.Error("failed to roll back stored file", "stored_name", storedName, "error", delErr)
		}
		s.metrics.Observe(metrics.Upload, metrics.ResultError, 0)
		return nil, fmt.Errorf("failed to register upload: %w", err)
	}

	if ownerID != "" {
		s.usage.LogUpload(ownerID, n, storedName)
	}
	s.metrics.Observe(metrics.Upload, metrics.ResultOK, n)
	s.metrics.SetStoredFiles(s.registry.Count())

	slog.Info("upload stored",
		"code", rec.AccessCode,
		"stored_name", storedName,
		"user_id", ownerID,
		"size", n,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	return &UploadResult{
		Filename:    storedName,
		AccessCode:  rec.AccessCode,
		Size:        n,
		DownloadURL: fmt.Sprintf("%s/%s", strings.TrimRight(s.cfg.BaseURL, "/"), rec.AccessCode),
	}, nil
}

func (s *RelayService) newReporter(key, action string, total int64) *progress.Reporter {
	return progress.NewReporter(key, action, total, s.sink, s.limiter)
}

func saveError(err error) error {
	switch {
	case isTimeout(err):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, storage.ErrTooLarge):
		return ErrFileTooLarge
	case errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	default:
		return fmt.Errorf("failed to store file: %w", err)
	}
}

// isTimeout reports context deadlines and expired connection read
// deadlines alike.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
