package engine

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/transferengine/core/internal/registry"
	"github.com/transferengine/core/internal/task"
)

func mkParallelTask(id, url string) task.Task {
	return task.Task{
		TaskID:       id,
		Kind:         task.KindParallelDownload,
		URL:          url,
		Filename:     "big.bin",
		Directory:    "downloads",
		CreationTime: time.Now(),
	}
}

func TestParallelDownload_SplitsAndConcatenates(t *testing.T) {
	payload := bytes.Repeat([]byte("Z"), 600000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "big.bin", time.Time{}, bytes.NewReader(payload))
	}))
	defer srv.Close()

	cfg := newTestConfig(t)
	cfg.ParallelDownloadChunks = 3
	cfg.ParallelChunkBufferBytes = 4096

	pd := NewParallelDownloader(srv.Client(), cfg, registry.New())
	result := pd.Run(context.Background(), mkParallelTask("p1", srv.URL), nil)

	if result.Status != task.StatusComplete {
		t.Fatalf("status = %v, err = %v", result.Status, result.Err)
	}
	data, err := os.ReadFile(result.FinalPath)
	if err != nil {
		t.Fatalf("reading final file: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("final file content mismatch: got %d bytes, want %d", len(data), len(payload))
	}

	remaining, _ := os.ReadDir(cfg.CacheDirectory)
	for _, e := range remaining {
		if strings.Contains(e.Name(), "p1.part") {
			t.Errorf("leftover chunk temp file: %s", e.Name())
		}
	}
}

func TestParallelDownload_FallsBackWhenRangesUnsupported(t *testing.T) {
	payload := []byte("no ranges here")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "15")
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
	}))
	defer srv.Close()

	cfg := newTestConfig(t)
	cfg.ParallelDownloadChunks = 4
	cfg.ParallelChunkBufferBytes = 4096

	pd := NewParallelDownloader(srv.Client(), cfg, registry.New())
	result := pd.Run(context.Background(), mkParallelTask("p2", srv.URL), nil)

	if result.Status != task.StatusComplete {
		t.Fatalf("status = %v, err = %v", result.Status, result.Err)
	}
	data, err := os.ReadFile(result.FinalPath)
	if err != nil {
		t.Fatalf("reading final file: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("fallback download content mismatch: got %q, want %q", data, payload)
	}
}

func TestParallelDownload_ChildFailureFailsWholeTask(t *testing.T) {
	size := int64(600000)
	midpoint := size / 2
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start, _, ok := parseRangeStart(r.Header.Get("Range"))
		if ok && start >= midpoint {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, "big.bin", time.Time{}, bytes.NewReader(make([]byte, size)))
	}))
	defer srv.Close()

	cfg := newTestConfig(t)
	cfg.ParallelDownloadChunks = 2
	cfg.ParallelChunkBufferBytes = 4096

	pd := NewParallelDownloader(srv.Client(), cfg, registry.New())
	result := pd.Run(context.Background(), mkParallelTask("p3", srv.URL), nil)

	if result.Status != task.StatusFailed {
		t.Fatalf("status = %v, want failed", result.Status)
	}
	if result.Err == nil || result.Err.Kind != ErrGeneral {
		t.Errorf("err = %v, want general kind", result.Err)
	}
}

func TestResolveChunkCount(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.ParallelDownloadChunks = 4

	if got := resolveChunkCount(cfg, 10*minParallelChunkBytes); got != 4 {
		t.Errorf("resolveChunkCount(large) = %d, want 4", got)
	}
	if got := resolveChunkCount(cfg, minParallelChunkBytes/2); got != 1 {
		t.Errorf("resolveChunkCount(tiny) = %d, want 1", got)
	}
}

func TestSplitIntoChunks(t *testing.T) {
	chunks := splitIntoChunks(1000, 3)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if chunks[0].start != 0 || chunks[len(chunks)-1].end != 999 {
		t.Errorf("chunks do not cover [0, 999]: first=%v last=%v", chunks[0], chunks[len(chunks)-1])
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].start != chunks[i-1].end+1 {
			t.Errorf("chunk %d does not start where %d ended: %v / %v", i, i-1, chunks[i], chunks[i-1])
		}
	}
}

// parseRangeStart extracts the start offset from a "bytes=start-end" header
// for the test server's failure-injection logic.
func parseRangeStart(header string) (start, end int64, ok bool) {
	header = strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(header, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	s, err := parseNonNegativeInt(parts[0])
	if err != nil {
		return 0, 0, false
	}
	return s, 0, true
}
