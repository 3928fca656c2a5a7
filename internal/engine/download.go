package engine

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/transferengine/core/internal/config"
	"github.com/transferengine/core/internal/diskspace"
	"github.com/transferengine/core/internal/pathutil"
	"github.com/transferengine/core/internal/registry"
	"github.com/transferengine/core/internal/task"
	"github.com/transferengine/core/internal/util/buffers"
	"github.com/transferengine/core/internal/util/paths"
)

// progressGate decides whether a progress update is worth emitting:
// contentLength > 0, a progress delta > 0.02, and at least 500ms
// elapsed since the last emission. The first call with contentLength > 0
// is always allowed.
type progressGate struct {
	lastFraction float64
	lastEmitted  time.Time
	first        bool
}

func newProgressGate() *progressGate {
	return &progressGate{first: true}
}

func (g *progressGate) allow(now time.Time, fraction float64, contentLength int64) bool {
	if contentLength <= 0 {
		return false
	}
	if g.first {
		g.first = false
		g.lastFraction = fraction
		g.lastEmitted = now
		return true
	}
	if fraction-g.lastFraction <= 0.02 {
		return false
	}
	if now.Sub(g.lastEmitted) < 500*time.Millisecond {
		return false
	}
	g.lastFraction = fraction
	g.lastEmitted = now
	return true
}

// speedEWMA smooths instantaneous byte rate with an EWMA of α≈0.75.
type speedEWMA struct {
	value float64
	set   bool
}

func (e *speedEWMA) update(instant float64) float64 {
	if !e.set {
		e.value = instant
		e.set = true
		return e.value
	}
	const alpha = 0.75
	e.value = alpha*e.value + (1-alpha)*instant
	return e.value
}

// DownloadObserver receives progress and lifecycle callbacks during a
// download run. TransferEngine callers implement this to bridge into
// the StateMachine and Registry.
type DownloadObserver interface {
	OnStarted()
	OnProgress(fraction, bytesPerSecond float64)
	OnFilenameResolved(name string)
}

// DownloadResult is the outcome of a single Downloader.Run or
// ParallelDownloader.Run call.
type DownloadResult struct {
	Status       task.Status
	Err          *TransferError
	ResponseBody string
	ResumeData   *task.ResumeData
	FinalPath    string
}

// Downloader executes the download path: ranged HTTP GET/POST, resume
// validation, cache/app-support temp placement, free-space pre-check,
// filename resolution, and an 8 KiB byte pump with throttled progress
// emission.
type Downloader struct {
	client   *http.Client
	cfg      config.EngineConfig
	registry *registry.Registry
}

// NewDownloader builds a Downloader using client for transport.
func NewDownloader(client *http.Client, cfg config.EngineConfig, reg *registry.Registry) *Downloader {
	return &Downloader{client: client, cfg: cfg, registry: reg}
}

func (d *Downloader) destDir(t task.Task) (string, error) {
	return pathutil.ResolveTaskDirectory(d.cfg, t.BaseDirectory, t.Directory)
}

// Run executes t to completion, pause, or failure. resumeFrom is the
// previously stored ResumeData for t, if the caller found any in the
// Store; pass nil for a fresh run.
func (d *Downloader) Run(ctx context.Context, t task.Task, resumeFrom *task.ResumeData, obs DownloadObserver) DownloadResult {
	req, err := d.buildRequest(ctx, t, resumeFrom)
	if err != nil {
		return DownloadResult{Status: task.StatusFailed, Err: NewGeneralError(err.Error())}
	}

	resp, err := doWithRetry(d.client, req)
	if err != nil {
		if ctx.Err() != nil {
			return DownloadResult{Status: task.StatusCanceled}
		}
		return DownloadResult{Status: task.StatusFailed, Err: NewConnectionError(err.Error())}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return DownloadResult{Status: task.StatusNotFound, ResponseBody: string(body)}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		httpErr := NewHTTPResponseError(resp.StatusCode, strings.TrimSpace(string(body)))
		httpErr.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"))
		return DownloadResult{Status: task.StatusFailed, Err: httpErr}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 206 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return DownloadResult{
			Status: task.StatusFailed,
			Err:    NewHTTPResponseError(resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	startByte := int64(0)
	tempPath := ""
	resuming := resumeFrom != nil && req.Header.Get("Range") != ""
	if resuming {
		if resp.StatusCode != http.StatusPartialContent {
			return DownloadResult{Status: task.StatusFailed, Err: NewResumeError("server did not honor range request")}
		}
		startByte, tempPath, err = d.validateResume(resp, *resumeFrom)
		if err != nil {
			os.Remove(resumeFrom.Data)
			return DownloadResult{Status: task.StatusFailed, Err: NewResumeError(err.Error())}
		}
	}

	contentLength := resp.ContentLength
	if contentLength < 0 {
		contentLength = 0
	}
	if contentLength > 0 {
		d.registry.SetTotalBytes(t.TaskID, startByte+contentLength)
	}

	if err := d.checkFreeSpace(t, contentLength); err != nil {
		return DownloadResult{Status: task.StatusFailed, Err: err}
	}

	filename, err := d.resolveFilename(t, resp)
	if err != nil {
		return DownloadResult{Status: task.StatusFailed, Err: NewGeneralError(err.Error())}
	}
	if obs != nil {
		obs.OnFilenameResolved(filename)
	}

	destDir, err := d.destDir(t)
	if err != nil {
		return DownloadResult{Status: task.StatusFailed, Err: NewFileSystemError(err.Error())}
	}
	if tempPath == "" {
		tempPath, err = d.newTempPath(t, contentLength)
		if err != nil {
			return DownloadResult{Status: task.StatusFailed, Err: NewFileSystemError(err.Error())}
		}
	}

	rangesSupported := resp.StatusCode == http.StatusPartialContent || resp.Header.Get("Accept-Ranges") == "bytes"
	result := d.pump(ctx, t, resp.Body, tempPath, startByte, contentLength, resp.Header.Get("ETag"), rangesSupported, obs)
	if result.Status != task.StatusComplete {
		return result
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return DownloadResult{Status: task.StatusFailed, Err: NewFileSystemError(err.Error())}
	}
	finalPath := filepath.Join(destDir, filename)
	if err := moveFile(tempPath, finalPath); err != nil {
		return DownloadResult{Status: task.StatusFailed, Err: NewFileSystemError(err.Error())}
	}
	result.FinalPath = finalPath
	return result
}

func (d *Downloader) buildRequest(ctx context.Context, t task.Task, resumeFrom *task.ResumeData) (*http.Request, error) {
	method := t.HTTPRequestMethod
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if t.Post != nil && *t.Post != "binary" {
		body = strings.NewReader(*t.Post)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	if t.Post != nil && *t.Post != "binary" {
		req.ContentLength = int64(len(*t.Post))
	}
	if resumeFrom != nil && resumeFrom.RequiredStartByte > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom.RequiredStartByte))
	}
	return req, nil
}

// validateResume parses Content-Range, checks the ETag, and truncates
// the existing temp file to the confirmed start offset.
func (d *Downloader) validateResume(resp *http.Response, resume task.ResumeData) (startByte int64, tempPath string, err error) {
	cr := resp.Header.Get("Content-Range")
	s, _, _, ok := parseContentRange(cr)
	if !ok {
		return 0, "", fmt.Errorf("malformed Content-Range: %q", cr)
	}
	fi, statErr := os.Stat(resume.Data)
	if statErr != nil {
		return 0, "", fmt.Errorf("temp file missing: %w", statErr)
	}
	if s > fi.Size() {
		return 0, "", fmt.Errorf("resume start %d exceeds temp file length %d", s, fi.Size())
	}

	etag := resp.Header.Get("ETag")
	if etag != resume.ETag || !task.IsStrongETag(etag) {
		return 0, "", fmt.Errorf("etag mismatch or weak validator: stored %q, server %q", resume.ETag, etag)
	}

	f, err := os.OpenFile(resume.Data, os.O_WRONLY, 0o644)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()
	if err := f.Truncate(s); err != nil {
		return 0, "", err
	}
	return s, resume.Data, nil
}

// parseContentRange parses "bytes S-E/T" and requires T == E+1.
func parseContentRange(header string) (start, end, total int64, ok bool) {
	header = strings.TrimPrefix(header, "bytes ")
	parts := strings.SplitN(header, "/", 2)
	if len(parts) != 2 {
		return 0, 0, 0, false
	}
	rangePart, totalPart := parts[0], parts[1]
	rangeBounds := strings.SplitN(rangePart, "-", 2)
	if len(rangeBounds) != 2 {
		return 0, 0, 0, false
	}
	s, err1 := strconv.ParseInt(rangeBounds[0], 10, 64)
	e, err2 := strconv.ParseInt(rangeBounds[1], 10, 64)
	t, err3 := strconv.ParseInt(totalPart, 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, false
	}
	if t != e+1 {
		return 0, 0, 0, false
	}
	return s, e, t, true
}

// checkFreeSpace fails with a fileSystem exception if the sum of every
// active task's remainingBytesToDownload plus this task's contentLength
// would leave less than the configured threshold free.
func (d *Downloader) checkFreeSpace(t task.Task, contentLength int64) *TransferError {
	thresholdBytes := d.cfg.CheckAvailableSpaceThresholdMB * 1024 * 1024
	if thresholdBytes <= 0 {
		return nil
	}

	required := contentLength
	if d.registry != nil {
		required += d.registry.TotalRemainingBytes()
	}

	dir, err := d.destDir(t)
	if err != nil {
		return NewFileSystemError(err.Error())
	}
	if err := diskspace.CheckAvailableSpace(dir, required+thresholdBytes, 1.0); err != nil {
		return NewFileSystemError(err.Error())
	}
	return nil
}

func (d *Downloader) resolveFilename(t task.Task, resp *http.Response) (string, error) {
	name := t.Filename
	if name == task.FilenameDeriveFromServer || name == "" {
		if cd := resp.Header.Get("Content-Disposition"); cd != "" {
			if derived, ok := filenameFromContentDisposition(cd); ok {
				name = derived
			}
		}
		if name == task.FilenameDeriveFromServer || name == "" {
			u, err := url.Parse(t.URL)
			if err == nil {
				name = filepath.Base(u.Path)
			}
		}
	}
	if name == "" || name == "/" || name == "." {
		name = "download"
	}

	if !t.UniqueFilename {
		return name, nil
	}

	destDir, err := d.destDir(t)
	if err != nil {
		return "", err
	}
	unique, err := paths.UniqueFilename(destDir, name)
	if err != nil {
		return "", err
	}
	return unique, nil
}

// filenameFromContentDisposition extracts a filename, preferring the
// RFC 5987 filename*=charset''encoded form over the quoted filename=
// form.
func filenameFromContentDisposition(header string) (string, bool) {
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return "", false
	}
	if star, ok := params["filename*"]; ok {
		if decoded, ok := decodeRFC5987(star); ok {
			return decoded, true
		}
	}
	if name, ok := params["filename"]; ok && name != "" {
		return name, true
	}
	return "", false
}

func decodeRFC5987(value string) (string, bool) {
	parts := strings.SplitN(value, "'", 3)
	if len(parts) != 3 {
		return "", false
	}
	decoded, err := url.QueryUnescape(parts[2])
	if err != nil {
		return "", false
	}
	return decoded, true
}

func (d *Downloader) newTempPath(t task.Task, contentLength int64) (string, error) {
	useCache := d.shouldUseCache(contentLength)
	dir := d.cfg.CacheDirectory
	if !useCache {
		resolved, err := d.destDir(t)
		if err != nil {
			return "", err
		}
		dir = resolved
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, t.TaskID+".part"), nil
}

func (d *Downloader) shouldUseCache(contentLength int64) bool {
	switch d.cfg.UseCacheDir {
	case config.UseCacheDirAlways:
		return true
	case config.UseCacheDirNever:
		return false
	default: // whenAble
		quota := d.cfg.RunInForegroundIfFileLargerThanBytes
		if quota <= 0 {
			return true
		}
		return contentLength < quota/2
	}
}

// pump reads the response body in 8 KiB chunks, writing to the temp
// file and emitting gated progress updates.
func (d *Downloader) pump(ctx context.Context, t task.Task, body io.Reader, tempPath string, startByte, contentLength int64, etag string, rangesSupported bool, obs DownloadObserver) DownloadResult {
	flags := os.O_WRONLY | os.O_CREATE
	if startByte == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(tempPath, flags, 0o644)
	if err != nil {
		return DownloadResult{Status: task.StatusFailed, Err: NewFileSystemError(err.Error())}
	}
	defer f.Close()
	if startByte > 0 {
		if _, err := f.Seek(startByte, io.SeekStart); err != nil {
			return DownloadResult{Status: task.StatusFailed, Err: NewFileSystemError(err.Error())}
		}
	}

	bufSize := d.cfg.ByteStreamBufferBytes
	if bufSize <= 0 {
		bufSize = 8192
	}
	pool := buffers.NewPool(bufSize)
	buf := pool.Get()
	defer pool.Put(buf)

	gate := newProgressGate()
	var ewma speedEWMA
	var bytesTotal int64
	windowStart := time.Now()
	windowBytes := int64(0)

	if obs != nil {
		obs.OnStarted()
	}

	for {
		if ctx.Err() != nil {
			return DownloadResult{Status: task.StatusCanceled}
		}
		if d.registry != nil && d.registry.IsPaused(t.TaskID) {
			return d.handlePause(t, tempPath, startByte, bytesTotal, etag, rangesSupported)
		}

		n, readErr := body.Read(*buf)
		if n > 0 {
			if _, werr := f.Write((*buf)[:n]); werr != nil {
				return DownloadResult{Status: task.StatusFailed, Err: NewFileSystemError(werr.Error())}
			}
			bytesTotal += int64(n)
			windowBytes += int64(n)
			if d.registry != nil {
				d.registry.SetRemainingBytes(t.TaskID, contentLength-bytesTotal)
			}

			fraction := (float64(bytesTotal) + float64(startByte)) / (float64(contentLength) + float64(startByte))
			if fraction > 0.999 {
				fraction = 0.999
			}
			now := time.Now()
			if gate.allow(now, fraction, contentLength) {
				elapsed := now.Sub(windowStart).Seconds()
				var speed float64
				if elapsed > 0 {
					speed = ewma.update(float64(windowBytes) / elapsed)
				}
				windowStart = now
				windowBytes = 0
				if obs != nil {
					obs.OnProgress(fraction, speed)
				}
				if d.registry != nil {
					d.registry.SetProgress(t.TaskID, fraction)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return DownloadResult{Status: task.StatusCanceled}
			}
			result := DownloadResult{Status: task.StatusFailed, Err: NewConnectionError(readErr.Error())}
			if rangesSupported && startByte+bytesTotal >= 1<<20 && task.IsStrongETag(etag) {
				result.ResumeData = &task.ResumeData{
					TaskID:            t.TaskID,
					Data:              tempPath,
					RequiredStartByte: startByte + bytesTotal,
					ETag:              etag,
					Modified:          time.Now(),
				}
			}
			return result
		}
	}

	return DownloadResult{Status: task.StatusComplete}
}

func (d *Downloader) handlePause(t task.Task, tempPath string, startByte, bytesTotal int64, etag string, rangesSupported bool) DownloadResult {
	if !t.AllowPause {
		return DownloadResult{Status: task.StatusFailed, Err: NewResumeError("pause requested but task does not allow pause")}
	}
	if !rangesSupported {
		return DownloadResult{Status: task.StatusFailed, Err: NewResumeError("server does not advertise byte-range support, cannot pause")}
	}
	rd := &task.ResumeData{
		TaskID:            t.TaskID,
		Data:              tempPath,
		RequiredStartByte: startByte + bytesTotal,
		ETag:              etag,
		Modified:          time.Now(),
	}
	return DownloadResult{Status: task.StatusPaused, ResumeData: rd}
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	os.Remove(src)
	return nil
}
