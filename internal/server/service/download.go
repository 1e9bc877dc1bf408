package service

import (
	"io"
	"time"

	"filerelay/internal/metrics"
	"filerelay/internal/progress"
)

// Download is an opened stored file. The caller must Close it.
type Download struct {
	Filename   string
	Size       int64
	UploadedAt time.Time

	content io.ReadCloser
	report  *progress.Reporter
	metrics *metrics.Metrics
}

// WriteTo streams the file to w, reporting progress as it goes.
func (d *Download) WriteTo(w io.Writer) (int64, error) {
	n, err := io.Copy(progress.NewWriter(w, d.report.Add), d.content)
	if err != nil {
		d.metrics.Observe(metrics.Download, metrics.ResultError, n)
		return n, err
	}
	d.report.Finish()
	d.metrics.Observe(metrics.Download, metrics.ResultOK, n)
	return n, nil
}

func (d *Download) Close() error {
	d.report.Close()
	return d.content.Close()
}
