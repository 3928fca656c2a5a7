package engine

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/transferengine/core/internal/config"
	"github.com/transferengine/core/internal/multipart"
	"github.com/transferengine/core/internal/pathutil"
	"github.com/transferengine/core/internal/task"
)

// UploadResult is the outcome of a single Uploader.Run call.
type UploadResult struct {
	Status       task.Status
	Err          *TransferError
	ResponseBody string
}

// Uploader executes the upload path: a binary body with optional
// Range-limited partial upload, or a hand-built multipart/form-data
// body for a single- or multi-file upload.
type Uploader struct {
	client *http.Client
	cfg    config.EngineConfig
}

// NewUploader builds an Uploader using client for transport.
func NewUploader(client *http.Client, cfg config.EngineConfig) *Uploader {
	return &Uploader{client: client, cfg: cfg}
}

func (u *Uploader) sourceDir(t task.Task) (string, error) {
	return pathutil.ResolveTaskDirectory(u.cfg, t.BaseDirectory, t.Directory)
}

// Run uploads t's local file(s) to t.URL and classifies the response.
func (u *Uploader) Run(ctx context.Context, t task.Task) UploadResult {
	var (
		req *http.Request
		err error
	)
	if t.NeedsMultipart() {
		req, err = u.buildMultipartRequest(ctx, t)
	} else {
		req, err = u.buildBinaryRequest(ctx, t)
	}
	if err != nil {
		return UploadResult{Status: task.StatusFailed, Err: NewFileSystemError(err.Error())}
	}

	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}

	resp, err := doWithRetry(u.client, req)
	if err != nil {
		if ctx.Err() != nil {
			return UploadResult{Status: task.StatusCanceled}
		}
		return UploadResult{Status: task.StatusFailed, Err: NewConnectionError(err.Error())}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return UploadResult{Status: task.StatusNotFound, ResponseBody: string(body)}
	case resp.StatusCode >= 200 && resp.StatusCode <= 206:
		return UploadResult{Status: task.StatusComplete, ResponseBody: string(body)}
	case resp.StatusCode == http.StatusTooManyRequests:
		httpErr := NewHTTPResponseError(resp.StatusCode, strings.TrimSpace(string(body)))
		httpErr.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"))
		return UploadResult{Status: task.StatusFailed, Err: httpErr}
	default:
		return UploadResult{
			Status: task.StatusFailed,
			Err:    NewHTTPResponseError(resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}
}

// buildBinaryRequest implements the post=="binary" mode: the raw file
// bytes as the body, Content-Type/Content-Disposition/Content-Length
// set directly, and an optional byte-range limited to a slice of the
// file when the task sets a Range header of its own.
func (u *Uploader) buildBinaryRequest(ctx context.Context, t task.Task) (*http.Request, error) {
	dir, err := u.sourceDir(t)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, t.Filename)

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	var body io.ReadCloser = f
	length := info.Size()

	if rangeHeader := t.Headers["Range"]; rangeHeader != "" {
		start, end, ok := parseUploadRange(rangeHeader, info.Size())
		if !ok {
			f.Close()
			return nil, fmt.Errorf("invalid Range header %q", rangeHeader)
		}
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
		length = end - start + 1
		body = &limitedReadCloser{r: io.LimitReader(f, length), c: f}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, body)
	if err != nil {
		f.Close()
		return nil, err
	}
	req.ContentLength = length

	mimeType := resolveMimeType(t.MimeType, t.Filename)
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, multipart.BrowserEncode(t.Filename)))
	return req, nil
}

// buildMultipartRequest implements the multipart mode: builds the full
// body up front (exact Content-Length, no chunked fallback needed once
// every file's size is known) via internal/multipart.
func (u *Uploader) buildMultipartRequest(ctx context.Context, t task.Task) (*http.Request, error) {
	dir, err := u.sourceDir(t)
	if err != nil {
		return nil, err
	}

	files, err := u.loadUploadFiles(t, dir)
	if err != nil {
		return nil, err
	}

	fieldOrder := make([]string, 0, len(t.Fields))
	for name := range t.Fields {
		fieldOrder = append(fieldOrder, name)
	}

	body := multipart.Build(fieldOrder, t.Fields, files)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", multipart.ContentType())
	return req, nil
}

func (u *Uploader) loadUploadFiles(t task.Task, dir string) ([]multipart.File, error) {
	if len(t.Files) == 0 {
		data, err := os.ReadFile(filepath.Join(dir, t.Filename))
		if err != nil {
			return nil, err
		}
		return []multipart.File{{
			FieldName: t.FileField,
			Filename:  t.Filename,
			MimeType:  resolveMimeType(t.MimeType, t.Filename),
			Data:      data,
		}}, nil
	}

	files := make([]multipart.File, 0, len(t.Files))
	for _, uf := range t.Files {
		data, err := os.ReadFile(filepath.Join(dir, uf.Filename))
		if err != nil {
			return nil, err
		}
		files = append(files, multipart.File{
			FieldName: uf.FieldName,
			Filename:  uf.Filename,
			MimeType:  resolveMimeType("", uf.Filename),
			Data:      data,
		})
	}
	return files, nil
}

func resolveMimeType(explicit, filename string) string {
	if explicit != "" {
		return explicit
	}
	if t := mime.TypeByExtension(filepath.Ext(filename)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// parseUploadRange parses a "bytes=start-end" header against a known
// file size, resolving an open-ended end to size-1.
func parseUploadRange(header string, size int64) (start, end int64, ok bool) {
	header = strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(header, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	var err error
	if start, err = parseNonNegativeInt(parts[0]); err != nil {
		return 0, 0, false
	}
	if parts[1] == "" {
		end = size - 1
	} else if end, err = parseNonNegativeInt(parts[1]); err != nil {
		return 0, 0, false
	}
	if start < 0 || end < start || end >= size {
		return 0, 0, false
	}
	return start, end, true
}

func parseNonNegativeInt(s string) (int64, error) {
	var n int64
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("not a digit: %q", s)
		}
		n = n*10 + int64(r-'0')
	}
	return n, nil
}

// limitedReadCloser pairs a size-limited Reader with the underlying
// file's Close, so http.NewRequestWithContext's body still closes the
// real file descriptor.
type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error                { return l.c.Close() }
