package engine

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/transferengine/core/internal/config"
	"github.com/transferengine/core/internal/task"
)

func mkUploadTask(id, url, dir string) task.Task {
	return task.Task{
		TaskID:       id,
		Kind:         task.KindUpload,
		URL:          url,
		Directory:    dir,
		CreationTime: time.Now(),
	}
}

func writeSourceFile(t *testing.T, cfg config.EngineConfig, relDir, name, content string) string {
	t.Helper()
	dir := filepath.Join(cfg.BaseDirectory, relDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUpload_BinaryModeCompletes(t *testing.T) {
	var gotContentType, gotDisposition string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotDisposition = r.Header.Get("Content-Disposition")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ack"))
	}))
	defer srv.Close()

	cfg := newTestConfig(t)
	writeSourceFile(t, cfg, "uploads", "report.txt", "hello world")

	tk := mkUploadTask("u1", srv.URL, "uploads")
	binary := "binary"
	tk.Post = &binary
	tk.Filename = "report.txt"

	u := NewUploader(srv.Client(), cfg)
	result := u.Run(context.Background(), tk)

	if result.Status != task.StatusComplete {
		t.Fatalf("status = %v, err = %v", result.Status, result.Err)
	}
	if result.ResponseBody != "ack" {
		t.Errorf("responseBody = %q", result.ResponseBody)
	}
	if string(gotBody) != "hello world" {
		t.Errorf("server got body %q", gotBody)
	}
	if gotContentType != "text/plain; charset=utf-8" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if !strings.Contains(gotDisposition, `filename="report.txt"`) {
		t.Errorf("Content-Disposition = %q", gotDisposition)
	}
}

func TestUpload_BinaryModeRespectsRangeHeader(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := newTestConfig(t)
	writeSourceFile(t, cfg, "uploads", "data.bin", "0123456789")

	tk := mkUploadTask("u1", srv.URL, "uploads")
	binary := "binary"
	tk.Post = &binary
	tk.Filename = "data.bin"
	tk.Headers = map[string]string{"Range": "bytes=2-5"}

	u := NewUploader(srv.Client(), cfg)
	result := u.Run(context.Background(), tk)

	if result.Status != task.StatusComplete {
		t.Fatalf("status = %v, err = %v", result.Status, result.Err)
	}
	if string(gotBody) != "2345" {
		t.Errorf("server got body %q, want 2345", gotBody)
	}
}

func TestUpload_MultipartSingleFile(t *testing.T) {
	var gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := newTestConfig(t)
	writeSourceFile(t, cfg, "uploads", "photo.jpg", "binarydata")

	tk := mkUploadTask("u1", srv.URL, "uploads")
	tk.Filename = "photo.jpg"
	tk.FileField = "file"
	tk.Fields = map[string]string{"caption": "a photo"}

	u := NewUploader(srv.Client(), cfg)
	result := u.Run(context.Background(), tk)

	if result.Status != task.StatusComplete {
		t.Fatalf("status = %v, err = %v", result.Status, result.Err)
	}
	if !strings.HasPrefix(gotContentType, "multipart/form-data; boundary=") {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if !strings.Contains(string(gotBody), "binarydata") {
		t.Error("body missing file contents")
	}
	if !strings.Contains(string(gotBody), "a photo") {
		t.Error("body missing field value")
	}
	if !strings.Contains(string(gotBody), `name="file"; filename="photo.jpg"`) {
		t.Error("body missing file field disposition")
	}
}

func TestUpload_MultipartMultipleFiles(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := newTestConfig(t)
	writeSourceFile(t, cfg, "uploads", "a.txt", "file-a-contents")
	writeSourceFile(t, cfg, "uploads", "b.txt", "file-b-contents")

	tk := mkUploadTask("u1", srv.URL, "uploads")
	tk.Kind = task.KindMultiUpload
	tk.Files = []task.UploadFile{
		{FieldName: "first", Filename: "a.txt"},
		{FieldName: "second", Filename: "b.txt"},
	}

	u := NewUploader(srv.Client(), cfg)
	result := u.Run(context.Background(), tk)

	if result.Status != task.StatusComplete {
		t.Fatalf("status = %v, err = %v", result.Status, result.Err)
	}
	if !strings.Contains(string(gotBody), "file-a-contents") || !strings.Contains(string(gotBody), "file-b-contents") {
		t.Error("body missing one of the two file contents")
	}
	if !strings.Contains(string(gotBody), `name="first"; filename="a.txt"`) {
		t.Error("body missing first file's disposition")
	}
	if !strings.Contains(string(gotBody), `name="second"; filename="b.txt"`) {
		t.Error("body missing second file's disposition")
	}
}

func TestUpload_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("no such endpoint"))
	}))
	defer srv.Close()

	cfg := newTestConfig(t)
	writeSourceFile(t, cfg, "uploads", "x.txt", "x")

	tk := mkUploadTask("u1", srv.URL, "uploads")
	tk.Filename = "x.txt"
	tk.FileField = "file"

	u := NewUploader(srv.Client(), cfg)
	result := u.Run(context.Background(), tk)

	if result.Status != task.StatusNotFound {
		t.Fatalf("status = %v, want notFound", result.Status)
	}
	if result.ResponseBody != "no such endpoint" {
		t.Errorf("responseBody = %q", result.ResponseBody)
	}
}

func TestUpload_ServerErrorIsHTTPResponseException(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.ReadAll(r.Body)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	cfg := newTestConfig(t)
	writeSourceFile(t, cfg, "uploads", "x.txt", "x")

	tk := mkUploadTask("u1", srv.URL, "uploads")
	tk.Filename = "x.txt"
	tk.FileField = "file"

	u := NewUploader(srv.Client(), cfg)
	result := u.Run(context.Background(), tk)

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

func TestUpload_MissingSourceFileFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be contacted when the source file is missing")
	}))
	defer srv.Close()

	cfg := newTestConfig(t)
	tk := mkUploadTask("u1", srv.URL, "uploads")
	tk.Filename = "does-not-exist.txt"
	tk.FileField = "file"

	u := NewUploader(srv.Client(), cfg)
	result := u.Run(context.Background(), tk)

	if result.Status != task.StatusFailed {
		t.Fatalf("status = %v, want failed", result.Status)
	}
	if result.Err == nil || result.Err.Kind != ErrFileSystem {
		t.Errorf("err = %v, want fileSystem kind", result.Err)
	}
}

func TestParseUploadRange(t *testing.T) {
	cases := []struct {
		header        string
		size          int64
		wantOK        bool
		start, end    int64
	}{
		{"bytes=0-9", 10, true, 0, 9},
		{"bytes=2-", 10, true, 2, 9},
		{"bytes=5-3", 10, false, 0, 0},
		{"bytes=0-99", 10, false, 0, 0},
		{"garbage", 10, false, 0, 0},
	}
	for _, c := range cases {
		s, e, ok := parseUploadRange(c.header, c.size)
		if ok != c.wantOK {
			t.Errorf("parseUploadRange(%q, %d) ok = %v, want %v", c.header, c.size, ok, c.wantOK)
			continue
		}
		if ok && (s != c.start || e != c.end) {
			t.Errorf("parseUploadRange(%q, %d) = (%d,%d), want (%d,%d)", c.header, c.size, s, e, c.start, c.end)
		}
	}
}
