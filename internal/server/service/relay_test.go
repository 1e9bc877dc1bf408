package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"filerelay/internal/metrics"
	"filerelay/internal/progress"
	"filerelay/internal/server/config"
	"filerelay/internal/server/coordinator"
	"filerelay/internal/server/registry"
	"filerelay/internal/server/stats"
	"filerelay/internal/server/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc   *RelayService
	reg   *registry.Registry
	store *storage.FileSystemStore
	coord *coordinator.Coordinator
	usage *stats.UsageStats
	dir   string

	mu        sync.Mutex
	snapshots []progress.Snapshot
}

func (f *fixture) completions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.snapshots {
		if s.Complete {
			n++
		}
	}
	return n
}

// storedFiles lists visible files in the storage directory.
func (f *fixture) storedFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

type fixtureOption func(*config.Config, **registry.Registry)

func withConfig(fn func(*config.Config)) fixtureOption {
	return func(cfg *config.Config, _ **registry.Registry) { fn(cfg) }
}

func withRegistry(reg *registry.Registry) fixtureOption {
	return func(_ *config.Config, r **registry.Registry) { *r = reg }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	cfg := &config.Config{
		BaseURL:                "http://relay.test",
		MaxFileSize:            10 * 1024 * 1024,
		TransferTimeout:        5 * time.Second,
		ProgressInterval:       time.Second,
		MaxFilesPerRequest:     10,
	}
	reg := registry.New()
	for _, opt := range opts {
		opt(cfg, &reg)
	}

	dir := t.TempDir()
	store := storage.NewFileSystemStore(dir, cfg.MaxFileSize)
	require.NoError(t, store.EnsureDir())

	f := &fixture{
		reg:   reg,
		store: store,
		coord: coordinator.New(),
		usage: stats.New(),
		dir:   dir,
	}
	sink := progress.SinkFunc(func(s progress.Snapshot) error {
		f.mu.Lock()
		f.snapshots = append(f.snapshots, s)
		f.mu.Unlock()
		return nil
	})
	f.svc = NewRelayService(reg, store, f.coord, f.usage, metrics.New(nil), cfg, WithProgressSink(sink))
	return f
}

// gateReader blocks its first Read until release is closed.
type gateReader struct {
	r       io.Reader
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGateReader(content string) *gateReader {
	return &gateReader{
		r:       strings.NewReader(content),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gateReader) Read(p []byte) (int, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return g.r.Read(p)
}

// slowReader yields one byte per tick, forever.
type slowReader struct{ tick time.Duration }

func (s slowReader) Read(p []byte) (int, error) {
	time.Sleep(s.tick)
	p[0] = 'x'
	return 1, nil
}

func source(name, content string) UploadSource {
	return UploadSource{
		Filename: name,
		Size:     int64(len(content)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}

func download(t *testing.T, svc *RelayService, code string) []byte {
	t.Helper()
	dl, err := svc.Download(context.Background(), code)
	require.NoError(t, err)
	defer dl.Close()

	var buf bytes.Buffer
	n, err := dl.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, dl.Size, n)
	return buf.Bytes()
}

func TestRelayService_UploadDownloadDeleteScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := bytes.Repeat([]byte{0xAB, 0x01, 0x7F, 0x00}, 1048576/4)

	res, err := f.svc.Upload(ctx, "u1", "blob.bin", bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	assert.Len(t, res.AccessCode, registry.CodeLength)
	assert.Equal(t, int64(1048576), res.Size)
	assert.Equal(t, "blob.bin", res.Filename)
	assert.Equal(t, "http://relay.test/"+res.AccessCode, res.DownloadURL)

	counters, err := f.svc.Stats("u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters.Uploads)
	assert.Equal(t, int64(1048576), counters.BytesUploaded)

	rec, err := f.reg.Resolve(res.AccessCode)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), rec.SizeBytes)

	got := download(t, f.svc, res.AccessCode)
	assert.Equal(t, payload, got)

	counters, _ = f.svc.Stats("u1")
	assert.Equal(t, int64(0), counters.Downloads, "downloads are only counted when logged")

	err = f.svc.Delete(ctx, res.AccessCode, "u2")
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, f.svc.Delete(ctx, res.AccessCode, "u1"))

	_, err = f.svc.Download(ctx, res.AccessCode)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, f.storedFiles(t))
}

func TestRelayService_Upload(t *testing.T) {
	t.Run("sanitizes traversal names", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.svc.Upload(context.Background(), "u1", "../../etc/passwd", strings.NewReader("root"), 4)
		require.NoError(t, err)
		assert.Equal(t, "passwd", res.Filename)

		files, err := f.svc.List("u1")
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Equal(t, "passwd", files[0].Filename)
		assert.NotContains(t, files[0].Filename, "..")
		assert.Equal(t, []string{"passwd"}, f.storedFiles(t))
	})

	t.Run("same name twice gets distinct stored names", func(t *testing.T) {
		f := newFixture(t)
		a, err := f.svc.Upload(context.Background(), "u1", "doc.txt", strings.NewReader("one"), 3)
		require.NoError(t, err)
		b, err := f.svc.Upload(context.Background(), "u1", "doc.txt", strings.NewReader("two"), 3)
		require.NoError(t, err)

		assert.NotEqual(t, a.AccessCode, b.AccessCode)
		assert.Equal(t, "doc.txt", a.Filename)
		assert.Equal(t, "doc_1.txt", b.Filename)
		assert.Equal(t, []byte("one"), download(t, f.svc, a.AccessCode))
		assert.Equal(t, []byte("two"), download(t, f.svc, b.AccessCode))
	})

	t.Run("blank filename is rejected", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Upload(context.Background(), "u1", "  ", strings.NewReader("x"), 1)
		assert.ErrorIs(t, err, ErrInvalidFilename)
		assert.False(t, f.coord.InFlight("u1"))
	})

	t.Run("declared size over the limit", func(t *testing.T) {
		f := newFixture(t, withConfig(func(c *config.Config) { c.MaxFileSize = 10 }))
		_, err := f.svc.Upload(context.Background(), "u1", "big.bin", strings.NewReader(strings.Repeat("x", 20)), 20)
		assert.ErrorIs(t, err, ErrFileTooLarge)
	})

	t.Run("stream over the limit", func(t *testing.T) {
		f := newFixture(t, withConfig(func(c *config.Config) { c.MaxFileSize = 10 }))
		_, err := f.svc.Upload(context.Background(), "u1", "big.bin", strings.NewReader(strings.Repeat("x", 20)), 0)
		assert.ErrorIs(t, err, ErrFileTooLarge)
		assert.Empty(t, f.storedFiles(t))
		assert.Equal(t, 0, f.reg.Count())
	})

	t.Run("ownerless upload is not attributed", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.svc.Upload(context.Background(), "", "anon.txt", strings.NewReader("hi"), 2)
		require.NoError(t, err)
		assert.Equal(t, 0, f.usage.Users())

		require.NoError(t, f.svc.Delete(context.Background(), res.AccessCode, "someone"))
	})

	t.Run("reports completion once", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Upload(context.Background(), "u1", "p.txt", strings.NewReader("progress"), 8)
		require.NoError(t, err)
		assert.Equal(t, 1, f.completions())
	})

	t.Run("rolls back stored bytes when registration fails", func(t *testing.T) {
		reg := registry.NewWithGenerator(func() (string, error) { return "aaaa1111", nil })
		f := newFixture(t, withRegistry(reg))

		_, err := f.svc.Upload(context.Background(), "u1", "first.txt", strings.NewReader("1"), 1)
		require.NoError(t, err)

		_, err = f.svc.Upload(context.Background(), "u1", "second.txt", strings.NewReader("2"), 1)
		require.Error(t, err)
		assert.ErrorIs(t, err, registry.ErrCodeExhausted)
		assert.Equal(t, []string{"first.txt"}, f.storedFiles(t))

		counters, _ := f.svc.Stats("u1")
		assert.Equal(t, int64(1), counters.Uploads)
		assert.False(t, f.coord.InFlight("u1"))
	})

	t.Run("timeout releases the slot and leaves no partial file", func(t *testing.T) {
		f := newFixture(t, withConfig(func(c *config.Config) { c.TransferTimeout = 50 * time.Millisecond }))

		_, err := f.svc.Upload(context.Background(), "u1", "slow.bin", slowReader{tick: 5 * time.Millisecond}, 1<<20)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.False(t, f.coord.InFlight("u1"))
		assert.Empty(t, f.storedFiles(t))

		tmp, err := os.ReadDir(filepath.Join(f.dir, ".incoming"))
		require.NoError(t, err)
		assert.Empty(t, tmp)
	})

	t.Run("client disconnect is an io failure", func(t *testing.T) {
		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := f.svc.Upload(ctx, "u1", "gone.bin", strings.NewReader("data"), 4)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrTimeout))
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, f.coord.InFlight("u1"))
	})
}

func TestRelayService_ConcurrentUploadsSameUser(t *testing.T) {
	f := newFixture(t)
	gate := newGateReader("first upload")

	type outcome struct {
		res *UploadResult
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := f.svc.Upload(context.Background(), "u1", "first.txt", gate, 12)
		first <- outcome{res, err}
	}()
	<-gate.started

	_, err := f.svc.Upload(context.Background(), "u1", "second.txt", strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, ErrBusy)

	// Other users are unaffected.
	_, err = f.svc.Upload(context.Background(), "u2", "other.txt", strings.NewReader("y"), 1)
	assert.NoError(t, err)

	close(gate.release)
	out := <-first
	require.NoError(t, out.err)
	assert.Equal(t, "first.txt", out.res.Filename)

	_, err = f.svc.Upload(context.Background(), "u1", "third.txt", strings.NewReader("z"), 1)
	assert.NoError(t, err)
	assert.Equal(t, 0, f.coord.Active())
}

func TestRelayService_UploadMany(t *testing.T) {
	t.Run("keeps request order", func(t *testing.T) {
		f := newFixture(t)
		files := []UploadSource{source("a.txt", "aaa"), source("b.txt", "bb"), source("c.txt", "c")}

		results, err := f.svc.UploadMany(context.Background(), "u1", files)
		require.NoError(t, err)
		require.Len(t, results, 3)
		for i, name := range []string{"a.txt", "b.txt", "c.txt"} {
			assert.Equal(t, name, results[i].Filename)
		}

		counters, _ := f.svc.Stats("u1")
		assert.Equal(t, int64(3), counters.Uploads)
		assert.Equal(t, int64(6), counters.BytesUploaded)
		assert.False(t, f.coord.InFlight("u1"))
	})

	t.Run("returns partial results with the first error", func(t *testing.T) {
		f := newFixture(t)
		broken := UploadSource{
			Filename: "b.txt",
			Open:     func() (io.ReadCloser, error) { return nil, errors.New("unreadable") },
		}
		files := []UploadSource{source("a.txt", "aaa"), broken, source("c.txt", "c")}

		results, err := f.svc.UploadMany(context.Background(), "u1", files)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unreadable")
		require.Len(t, results, 1)
		assert.Equal(t, "a.txt", results[0].Filename)
		assert.Equal(t, []byte("aaa"), download(t, f.svc, results[0].AccessCode))
		assert.False(t, f.coord.InFlight("u1"))
	})

	t.Run("busy while a single upload runs", func(t *testing.T) {
		f := newFixture(t)
		session, err := f.coord.TryAcquire("u1")
		require.NoError(t, err)
		defer session.Release()

		_, err = f.svc.UploadMany(context.Background(), "u1", []UploadSource{source("a.txt", "a")})
		assert.ErrorIs(t, err, ErrBusy)
	})

	t.Run("validates before storing anything", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.UploadMany(context.Background(), "u1", []UploadSource{source("a.txt", "a"), source("", "b")})
		assert.ErrorIs(t, err, ErrInvalidFilename)
		assert.Empty(t, f.storedFiles(t))

		_, err = f.svc.UploadMany(context.Background(), "u1", nil)
		assert.ErrorIs(t, err, ErrNoFiles)
	})
}

// parts serves the given files as a PartReader and counts its calls.
func parts(calls *int, files ...Part) PartReader {
	i := 0
	return func() (*Part, error) {
		*calls++
		if i == len(files) {
			return nil, io.EOF
		}
		p := files[i]
		i++
		return &p, nil
	}
}

// stalledReader returns some bytes and then a connection deadline error.
type stalledReader struct{ sent bool }

func (r *stalledReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, "partial"), nil
	}
	return 0, os.ErrDeadlineExceeded
}

func TestRelayService_UploadStream(t *testing.T) {
	t.Run("busy owner reads nothing", func(t *testing.T) {
		f := newFixture(t)
		session, err := f.coord.TryAcquire("u1")
		require.NoError(t, err)
		defer session.Release()

		calls := 0
		_, err = f.svc.UploadStream(context.Background(), "u1",
			parts(&calls, Part{Filename: "a.txt", Size: -1, Body: strings.NewReader("a")}), 0)
		assert.ErrorIs(t, err, ErrBusy)
		assert.Equal(t, 0, calls)
	})

	t.Run("stores parts of unknown size in order", func(t *testing.T) {
		f := newFixture(t)
		calls := 0
		results, err := f.svc.UploadStream(context.Background(), "u1", parts(&calls,
			Part{Filename: "a.txt", Size: -1, Body: strings.NewReader("aaa")},
			Part{Filename: "b.txt", Size: -1, Body: strings.NewReader("bb")},
		), 0)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "a.txt", results[0].Filename)
		assert.Equal(t, int64(3), results[0].Size)
		assert.Equal(t, "b.txt", results[1].Filename)
		assert.Equal(t, 2, f.completions())
		assert.False(t, f.coord.InFlight("u1"))
	})

	t.Run("limit rejects the extra part unread", func(t *testing.T) {
		f := newFixture(t)
		extra := newGateReader("never read")
		calls := 0
		results, err := f.svc.UploadStream(context.Background(), "u1", parts(&calls,
			Part{Filename: "a.txt", Size: -1, Body: strings.NewReader("a")},
			Part{Filename: "b.txt", Size: -1, Body: extra},
		), 1)
		assert.ErrorIs(t, err, ErrTooManyFiles)
		require.Len(t, results, 1)
		assert.Equal(t, "a.txt", results[0].Filename)

		select {
		case <-extra.started:
			t.Fatal("extra part was read")
		default:
		}
	})

	t.Run("empty body", func(t *testing.T) {
		f := newFixture(t)
		calls := 0
		results, err := f.svc.UploadStream(context.Background(), "u1", parts(&calls), 0)
		assert.ErrorIs(t, err, ErrNoFiles)
		assert.NotNil(t, results)
		assert.Empty(t, results)
	})

	t.Run("read deadline on the body is a timeout", func(t *testing.T) {
		f := newFixture(t)
		calls := 0
		_, err := f.svc.UploadStream(context.Background(), "u1",
			parts(&calls, Part{Filename: "slow.bin", Size: -1, Body: &stalledReader{}}), 0)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Empty(t, f.storedFiles(t))
		assert.False(t, f.coord.InFlight("u1"))
	})

	t.Run("read deadline between parts is a timeout", func(t *testing.T) {
		f := newFixture(t)
		next := func() (*Part, error) {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, os.ErrDeadlineExceeded)
		}
		_, err := f.svc.UploadStream(context.Background(), "u1", next, 0)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("truncated body is malformed", func(t *testing.T) {
		f := newFixture(t)
		calls := 0
		body := io.MultiReader(strings.NewReader("abc"), iotest.ErrReader(io.ErrUnexpectedEOF))
		_, err := f.svc.UploadStream(context.Background(), "u1",
			parts(&calls, Part{Filename: "cut.bin", Size: -1, Body: body}), 0)
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestRelayService_OwnerlessUploadsHaveOwnProgressKeys(t *testing.T) {
	f := newFixture(t)
	gates := []*gateReader{newGateReader("one"), newGateReader("two")}

	var wg sync.WaitGroup
	for i, g := range gates {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Upload(context.Background(), "", fmt.Sprintf("anon%d.txt", i), g, 3)
			assert.NoError(t, err)
		}()
	}
	for _, g := range gates {
		<-g.started
	}
	assert.Equal(t, 2, f.svc.limiter.Len())

	for _, g := range gates {
		close(g.release)
	}
	wg.Wait()
	assert.Equal(t, 0, f.svc.limiter.Len())
	assert.Equal(t, 2, f.completions())
}

func TestRelayService_Download(t *testing.T) {
	t.Run("invalid code", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Download(context.Background(), "short")
		assert.ErrorIs(t, err, ErrInvalidCode)
	})

	t.Run("unknown code", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Download(context.Background(), "abcd1234")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("missing stored file", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.svc.Upload(context.Background(), "u1", "x.txt", strings.NewReader("x"), 1)
		require.NoError(t, err)
		require.NoError(t, os.Remove(filepath.Join(f.dir, res.Filename)))

		_, err = f.svc.Download(context.Background(), res.AccessCode)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("trims whitespace around the code", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.svc.Upload(context.Background(), "u1", "x.txt", strings.NewReader("x"), 1)
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), download(t, f.svc, " "+res.AccessCode+"\n"))
	})
}

func TestRelayService_Delete(t *testing.T) {
	t.Run("unknown code", func(t *testing.T) {
		f := newFixture(t)
		assert.ErrorIs(t, f.svc.Delete(context.Background(), "abcd1234", "u1"), ErrNotFound)
	})

	t.Run("invalid code", func(t *testing.T) {
		f := newFixture(t)
		assert.ErrorIs(t, f.svc.Delete(context.Background(), "../x", "u1"), ErrInvalidCode)
	})

	t.Run("forbidden keeps the file", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.svc.Upload(context.Background(), "u1", "keep.txt", strings.NewReader("k"), 1)
		require.NoError(t, err)

		assert.ErrorIs(t, f.svc.Delete(context.Background(), res.AccessCode, "u2"), ErrForbidden)
		assert.Equal(t, []byte("k"), download(t, f.svc, res.AccessCode))
	})

	t.Run("already missing bytes still delete the code", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.svc.Upload(context.Background(), "u1", "x.txt", strings.NewReader("x"), 1)
		require.NoError(t, err)
		require.NoError(t, os.Remove(filepath.Join(f.dir, res.Filename)))

		require.NoError(t, f.svc.Delete(context.Background(), res.AccessCode, "u1"))
		_, err = f.reg.Resolve(res.AccessCode)
		assert.ErrorIs(t, err, registry.ErrNotFound)
	})
}

func TestRelayService_List(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Upload(ctx, "u1", "a.txt", strings.NewReader("a"), 1)
	require.NoError(t, err)
	b, err := f.svc.Upload(ctx, "u1", "b.txt", strings.NewReader("b"), 1)
	require.NoError(t, err)
	_, err = f.svc.Upload(ctx, "u2", "c.txt", strings.NewReader("c"), 1)
	require.NoError(t, err)

	files, err := f.svc.List("u1")
	require.NoError(t, err)
	assert.Equal(t, []FileEntry{
		{Filename: "a.txt", AccessCode: a.AccessCode},
		{Filename: "b.txt", AccessCode: b.AccessCode},
	}, files)

	require.NoError(t, os.Remove(filepath.Join(f.dir, "a.txt")))
	files, err = f.svc.List("u1")
	require.NoError(t, err)
	assert.Equal(t, []FileEntry{{Filename: "b.txt", AccessCode: b.AccessCode}}, files)

	files, err = f.svc.List("nobody")
	require.NoError(t, err)
	assert.NotNil(t, files)
	assert.Empty(t, files)

	_, err = f.svc.List("")
	assert.ErrorIs(t, err, ErrMissingOwner)
}

func TestRelayService_LogDownloadAndStats(t *testing.T) {
	f := newFixture(t)

	counters, err := f.svc.Stats("u9")
	require.NoError(t, err)
	assert.Equal(t, stats.NoActivity, counters.LastActivity)

	require.NoError(t, f.svc.LogDownload("u9", 2048, "report.pdf"))
	counters, err = f.svc.Stats("u9")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters.Downloads)
	assert.Equal(t, int64(2048), counters.BytesDownloaded)
	assert.Equal(t, "Downloaded: report.pdf", counters.LastActivity)

	assert.ErrorIs(t, f.svc.LogDownload("", 1, "x"), ErrMissingOwner)
	assert.ErrorIs(t, f.svc.LogDownload("u9", -1, "x"), ErrInvalidSize)

	_, err = f.svc.Stats("")
	assert.ErrorIs(t, err, ErrMissingOwner)
}

func TestRelayService_Health(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Upload(context.Background(), "u1", "h.txt", strings.NewReader("hello"), 5)
	require.NoError(t, err)

	h := f.svc.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 1, h.StoredFiles)
	assert.Equal(t, int64(5), h.StoredBytes)
	assert.Equal(t, 0, h.ActiveUploads)

	require.NoError(t, os.RemoveAll(f.dir))
	h = f.svc.Health()
	assert.Equal(t, "degraded", h.Status)
}
