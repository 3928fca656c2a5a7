package engine

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/transferengine/core/internal/config"
	"github.com/transferengine/core/internal/registry"
	"github.com/transferengine/core/internal/task"
)

type recordingObserver struct {
	started   bool
	filename  string
	fractions []float64
}

func (o *recordingObserver) OnStarted() { o.started = true }
func (o *recordingObserver) OnProgress(fraction, bytesPerSecond float64) {
	o.fractions = append(o.fractions, fraction)
}
func (o *recordingObserver) OnFilenameResolved(name string) { o.filename = name }

func newTestConfig(t *testing.T) config.EngineConfig {
	t.Helper()
	return config.EngineConfig{
		BaseDirectory:         t.TempDir(),
		CacheDirectory:        t.TempDir(),
		UseCacheDir:           config.UseCacheDirNever,
		ByteStreamBufferBytes: 8192,
		DefaultRetries:        0,
	}
}

func mkDownloadTask(id, url string) task.Task {
	return task.Task{
		TaskID:       id,
		Kind:         task.KindDownload,
		URL:          url,
		Filename:     "out.bin",
		Directory:    "downloads",
		AllowPause:   true,
		CreationTime: time.Now(),
	}
}

func TestDownload_CompletesAndMovesFile(t *testing.T) {
	payload := strings.Repeat("x", 100000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(payload)))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	cfg := newTestConfig(t)
	d := NewDownloader(srv.Client(), cfg, registry.New())
	obs := &recordingObserver{}
	result := d.Run(context.Background(), mkDownloadTask("t1", srv.URL), nil, obs)

	if result.Status != task.StatusComplete {
		t.Fatalf("status = %v, err = %v", result.Status, result.Err)
	}
	if !obs.started {
		t.Error("observer never saw OnStarted")
	}
	if obs.filename != "out.bin" {
		t.Errorf("filename = %q, want out.bin", obs.filename)
	}
	data, err := os.ReadFile(result.FinalPath)
	if err != nil {
		t.Fatalf("reading final file: %v", err)
	}
	if string(data) != payload {
		t.Error("final file contents do not match payload")
	}
}

func TestDownload_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("gone"))
	}))
	defer srv.Close()

	cfg := newTestConfig(t)
	d := NewDownloader(srv.Client(), cfg, registry.New())
	result := d.Run(context.Background(), mkDownloadTask("t1", srv.URL), nil, nil)

	if result.Status != task.StatusNotFound {
		t.Fatalf("status = %v, want notFound", result.Status)
	}
	if result.ResponseBody != "gone" {
		t.Errorf("responseBody = %q", result.ResponseBody)
	}
}

func TestDownload_ServerErrorIsHTTPResponseException(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := newTestConfig(t)
	d := NewDownloader(srv.Client(), cfg, registry.New())
	result := d.Run(context.Background(), mkDownloadTask("t1", srv.URL), nil, nil)

	if result.Status != task.StatusFailed {
		t.Fatalf("status = %v, want failed", result.Status)
	}
	if result.Err == nil || result.Err.Kind != ErrHTTPResponse {
		t.Errorf("err = %v, want httpResponse kind", result.Err)
	}
	if result.Err.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("HTTPStatus = %d", result.Err.HTTPStatus)
	}
}

func TestDownload_ResumesWithMatchingStrongETag(t *testing.T) {
	full := strings.Repeat("A", 1000) + strings.Repeat("B", 1000)
	const etag = `"abc123"`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			t.Fatalf("expected a Range header on resume request")
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 1000-1999/2000"))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(full[1000:]))
	}))
	defer srv.Close()

	dir := t.TempDir()
	tempPath := filepath.Join(dir, "t1.part")
	if err := os.WriteFile(tempPath, []byte(full[:1000]), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := newTestConfig(t)
	d := NewDownloader(srv.Client(), cfg, registry.New())
	resume := &task.ResumeData{TaskID: "t1", Data: tempPath, RequiredStartByte: 1000, ETag: etag}
	result := d.Run(context.Background(), mkDownloadTask("t1", srv.URL), resume, nil)

	if result.Status != task.StatusComplete {
		t.Fatalf("status = %v, err = %v", result.Status, result.Err)
	}
	data, err := os.ReadFile(result.FinalPath)
	if err != nil {
		t.Fatalf("reading final file: %v", err)
	}
	if string(data) != full {
		t.Errorf("resumed file content mismatch: got %d bytes, want %d", len(data), len(full))
	}
}

func TestDownload_ResumeRejectsWeakETag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `W/"weak"`)
		w.Header().Set("Content-Range", "bytes 10-19/20")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	tempPath := filepath.Join(dir, "t1.part")
	if err := os.WriteFile(tempPath, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := newTestConfig(t)
	d := NewDownloader(srv.Client(), cfg, registry.New())
	resume := &task.ResumeData{TaskID: "t1", Data: tempPath, RequiredStartByte: 10, ETag: `"strong"`}
	result := d.Run(context.Background(), mkDownloadTask("t1", srv.URL), resume, nil)

	if result.Status != task.StatusFailed {
		t.Fatalf("status = %v, want failed", result.Status)
	}
	if result.Err == nil || result.Err.Kind != ErrResume {
		t.Errorf("err = %v, want resume kind", result.Err)
	}
	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Error("temp file should have been deleted after resume rejection")
	}
}

func TestDownload_ResumeRejectsETagMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"different"`)
		w.Header().Set("Content-Range", "bytes 5-9/10")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("56789"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	tempPath := filepath.Join(dir, "t1.part")
	os.WriteFile(tempPath, []byte("01234"), 0o644)

	cfg := newTestConfig(t)
	d := NewDownloader(srv.Client(), cfg, registry.New())
	resume := &task.ResumeData{TaskID: "t1", Data: tempPath, RequiredStartByte: 5, ETag: `"original"`}
	result := d.Run(context.Background(), mkDownloadTask("t1", srv.URL), resume, nil)

	if result.Status != task.StatusFailed || result.Err.Kind != ErrResume {
		t.Fatalf("status = %v, err = %v, want failed/resume", result.Status, result.Err)
	}
}

func TestDownload_PauseProducesResumeData(t *testing.T) {
	const chunks = 20
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", chunks*5))
		w.Header().Set("ETag", `"tag"`)
		w.Header().Set("Accept-Ranges", "bytes")
		flusher, _ := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		for i := 0; i < chunks; i++ {
			w.Write([]byte("01234"))
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer srv.Close()

	cfg := newTestConfig(t)
	reg := registry.New()
	d := NewDownloader(srv.Client(), cfg, reg)

	go func() {
		time.Sleep(60 * time.Millisecond)
		reg.MarkPaused("t1")
	}()

	result := d.Run(context.Background(), mkDownloadTask("t1", srv.URL), nil, nil)
	if result.Status != task.StatusPaused {
		t.Fatalf("status = %v, err = %v, want paused", result.Status, result.Err)
	}
	if result.ResumeData == nil {
		t.Fatal("expected ResumeData on pause")
	}
	if result.ResumeData.RequiredStartByte <= 0 || result.ResumeData.RequiredStartByte >= int64(chunks*5) {
		t.Errorf("RequiredStartByte = %d, want a partial offset strictly between 0 and %d", result.ResumeData.RequiredStartByte, chunks*5)
	}
}

func TestDownload_PauseWithoutAllowPauseFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		w.WriteHeader(http.StatusOK)
		time.Sleep(100 * time.Millisecond)
		w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	cfg := newTestConfig(t)
	reg := registry.New()
	d := NewDownloader(srv.Client(), cfg, reg)
	reg.MarkPaused("t1")

	noPause := mkDownloadTask("t1", srv.URL)
	noPause.AllowPause = false
	result := d.Run(context.Background(), noPause, nil, nil)

	if result.Status != task.StatusFailed || result.Err.Kind != ErrResume {
		t.Fatalf("status = %v, err = %v, want failed/resume", result.Status, result.Err)
	}
}

func TestDownload_PauseWithoutRangeSupportFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		w.WriteHeader(http.StatusOK)
		time.Sleep(100 * time.Millisecond)
		w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	cfg := newTestConfig(t)
	reg := registry.New()
	d := NewDownloader(srv.Client(), cfg, reg)

	go func() {
		time.Sleep(20 * time.Millisecond)
		reg.MarkPaused("t1")
	}()

	tk := mkDownloadTask("t1", srv.URL)
	tk.AllowPause = true
	result := d.Run(context.Background(), tk, nil, nil)

	if result.Status != task.StatusFailed || result.Err == nil || result.Err.Kind != ErrResume {
		t.Fatalf("status = %v, err = %v, want failed/resume", result.Status, result.Err)
	}
}

func TestDownload_ContextCancelYieldsCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte(strings.Repeat("z", 100)))
	}))
	defer srv.Close()

	cfg := newTestConfig(t)
	d := NewDownloader(srv.Client(), cfg, registry.New())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result := d.Run(ctx, mkDownloadTask("t1", srv.URL), nil, nil)
	if result.Status != task.StatusCanceled {
		t.Fatalf("status = %v, want canceled", result.Status)
	}
}

func TestDownload_MidTransferErrorAttachesResumeDataPastOneMiB(t *testing.T) {
	const sent = 2 * 1024 * 1024
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", sent*2))
		w.Header().Set("ETag", `"tag"`)
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
		w.Write(bytes.Repeat([]byte("a"), sent))
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("ResponseWriter does not support hijacking")
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Fatal(err)
		}
		conn.Close()
	}))
	defer srv.Close()

	cfg := newTestConfig(t)
	d := NewDownloader(srv.Client(), cfg, registry.New())
	result := d.Run(context.Background(), mkDownloadTask("t1", srv.URL), nil, nil)

	if result.Status != task.StatusFailed || result.Err == nil || result.Err.Kind != ErrConnection {
		t.Fatalf("status = %v, err = %v, want failed/connection", result.Status, result.Err)
	}
	if result.ResumeData == nil {
		t.Fatal("expected ResumeData attached to a mid-transfer failure past 1 MiB")
	}
	if result.ResumeData.RequiredStartByte < sent {
		t.Errorf("RequiredStartByte = %d, want >= %d", result.ResumeData.RequiredStartByte, sent)
	}
}

func TestDownload_DerivesFilenameFromContentDisposition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="server-name.txt"`)
		w.Header().Set("Content-Length", "5")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	cfg := newTestConfig(t)
	d := NewDownloader(srv.Client(), cfg, registry.New())
	tk := mkDownloadTask("t1", srv.URL)
	tk.Filename = task.FilenameDeriveFromServer
	obs := &recordingObserver{}
	result := d.Run(context.Background(), tk, nil, obs)

	if result.Status != task.StatusComplete {
		t.Fatalf("status = %v, err = %v", result.Status, result.Err)
	}
	if obs.filename != "server-name.txt" {
		t.Errorf("filename = %q, want server-name.txt", obs.filename)
	}
}

func TestDownload_UniqueFilenameOnCollision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "3")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("new"))
	}))
	defer srv.Close()

	cfg := newTestConfig(t)
	destDir := filepath.Join(cfg.BaseDirectory, "downloads")
	os.MkdirAll(destDir, 0o755)
	os.WriteFile(filepath.Join(destDir, "out.bin"), []byte("old"), 0o644)

	d := NewDownloader(srv.Client(), cfg, registry.New())
	tk := mkDownloadTask("t1", srv.URL)
	tk.UniqueFilename = true
	result := d.Run(context.Background(), tk, nil, nil)

	if result.Status != task.StatusComplete {
		t.Fatalf("status = %v, err = %v", result.Status, result.Err)
	}
	if filepath.Base(result.FinalPath) != "out (1).bin" {
		t.Errorf("finalPath = %q, want out (1).bin", result.FinalPath)
	}
}

func TestDownload_ReplacesExistingFileWhenNotUnique(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "3")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("new"))
	}))
	defer srv.Close()

	cfg := newTestConfig(t)
	destDir := filepath.Join(cfg.BaseDirectory, "downloads")
	os.MkdirAll(destDir, 0o755)
	os.WriteFile(filepath.Join(destDir, "out.bin"), []byte("old"), 0o644)

	d := NewDownloader(srv.Client(), cfg, registry.New())
	result := d.Run(context.Background(), mkDownloadTask("t1", srv.URL), nil, nil)

	if result.Status != task.StatusComplete {
		t.Fatalf("status = %v, err = %v", result.Status, result.Err)
	}
	if filepath.Base(result.FinalPath) != "out.bin" {
		t.Errorf("finalPath = %q, want out.bin (replace-if-exists, not uniquified)", result.FinalPath)
	}
	data, err := os.ReadFile(result.FinalPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "new" {
		t.Errorf("final contents = %q, want %q (old file should be replaced)", data, "new")
	}
}

func TestParseContentRange(t *testing.T) {
	cases := []struct {
		header              string
		wantOK              bool
		start, end, total   int64
	}{
		{"bytes 0-99/100", true, 0, 99, 100},
		{"bytes 100-199/200", true, 100, 199, 200},
		{"bytes 0-9/50", false, 0, 0, 0}, // total mismatch
		{"garbage", false, 0, 0, 0},
		{"bytes 0-9", false, 0, 0, 0},
	}
	for _, c := range cases {
		s, e, tot, ok := parseContentRange(c.header)
		if ok != c.wantOK {
			t.Errorf("parseContentRange(%q) ok = %v, want %v", c.header, ok, c.wantOK)
			continue
		}
		if ok && (s != c.start || e != c.end || tot != c.total) {
			t.Errorf("parseContentRange(%q) = (%d,%d,%d), want (%d,%d,%d)", c.header, s, e, tot, c.start, c.end, c.total)
		}
	}
}

func TestProgressGate(t *testing.T) {
	g := newProgressGate()
	now := time.Now()
	if !g.allow(now, 0.01, 1000) {
		t.Error("first call should always be allowed (when contentLength > 0)")
	}
	if g.allow(now, 0.02, 1000) {
		t.Error("small delta should be blocked")
	}
	if g.allow(now.Add(600*time.Millisecond), 0.015, 1000) {
		t.Error("delta still under 0.02 threshold should be blocked regardless of elapsed time")
	}
	if g.allow(now.Add(100*time.Millisecond), 0.5, 1000) {
		t.Error("large delta within 500ms of the last emission should be blocked")
	}
	if !g.allow(now.Add(600*time.Millisecond), 0.5, 1000) {
		t.Error("sufficient delta and elapsed time should be allowed")
	}

	g2 := newProgressGate()
	if g2.allow(now, 0.9, 0) {
		t.Error("zero content length must never be allowed")
	}
}
