package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/transferengine/core/internal/config"
	"github.com/transferengine/core/internal/registry"
	"github.com/transferengine/core/internal/task"
	"github.com/transferengine/core/internal/util/buffers"
	"github.com/transferengine/core/internal/util/paths"
)

// minParallelChunkBytes is the smallest remaining range StealWork will
// split off; below this, splitting further buys nothing but request
// overhead.
const minParallelChunkBytes = 256 * 1024

// ParallelDownloader splits a resource that advertises byte-range
// support into fixed chunks, runs them concurrently, lets an idle
// worker steal half of the busiest worker's remaining range, and
// concatenates the chunk files into the destination on completion.
type ParallelDownloader struct {
	client   *http.Client
	cfg      config.EngineConfig
	registry *registry.Registry
	single   *Downloader
}

// NewParallelDownloader builds a ParallelDownloader using client for
// transport; it falls back to a plain single-stream Downloader when a
// server does not advertise range support.
func NewParallelDownloader(client *http.Client, cfg config.EngineConfig, reg *registry.Registry) *ParallelDownloader {
	return &ParallelDownloader{
		client:   client,
		cfg:      cfg,
		registry: reg,
		single:   NewDownloader(client, cfg, reg),
	}
}

// chunk is one fixed byte range, plus the live bookkeeping StealWork
// needs to find and shrink the busiest worker's remaining span.
type chunk struct {
	start, end    int64 // inclusive range this chunk currently owns
	currentOffset atomic.Int64
	tempPath      string
}

func (c *chunk) remaining() int64 {
	return c.end - c.currentOffset.Load() + 1
}

// Run downloads t, splitting into chunks when the server supports byte
// ranges, and falls back to a single stream otherwise.
func (p *ParallelDownloader) Run(ctx context.Context, t task.Task, obs DownloadObserver) DownloadResult {
	contentLength, etag, supportsRanges, probeErr := p.probe(ctx, t)
	if probeErr != nil {
		return DownloadResult{Status: task.StatusFailed, Err: probeErr}
	}
	if !supportsRanges || contentLength <= 0 {
		return p.single.Run(ctx, t, nil, obs)
	}
	p.registry.SetTotalBytes(t.TaskID, contentLength)

	if fsErr := p.single.checkFreeSpace(t, contentLength); fsErr != nil {
		return DownloadResult{Status: task.StatusFailed, Err: fsErr}
	}

	destDir, err := p.single.destDir(t)
	if err != nil {
		return DownloadResult{Status: task.StatusFailed, Err: NewFileSystemError(err.Error())}
	}
	filename := t.Filename
	if filename == "" || filename == task.FilenameDeriveFromServer {
		filename = "download"
	}

	numChunks := resolveChunkCount(p.cfg, contentLength)
	chunks := splitIntoChunks(contentLength, numChunks)

	cacheDir := p.cfg.CacheDirectory
	if cacheDir == "" {
		cacheDir = destDir
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return DownloadResult{Status: task.StatusFailed, Err: NewFileSystemError(err.Error())}
	}
	for i, c := range chunks {
		c.tempPath = filepath.Join(cacheDir, t.TaskID+".part"+strconv.Itoa(i))
	}

	if obs != nil {
		obs.OnStarted()
		obs.OnFilenameResolved(filename)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	active := &activeChunkSet{chunks: make(map[int]*chunk)}
	collector := &chunkCollector{}
	for _, c := range chunks {
		collector.add(c)
	}
	var totalWritten atomic.Int64
	gate := newProgressGate()
	speed := &speedEWMA{}

	var wg sync.WaitGroup
	errs := make([]error, len(chunks))
	for i, c := range chunks {
		wg.Add(1)
		go func(i int, c *chunk) {
			defer wg.Done()
			errs[i] = p.runChunk(runCtx, t, c, i, active, collector, &totalWritten, contentLength, gate, speed, obs)
		}(i, c)
	}
	wg.Wait()

	allChunks := collector.all()

	for _, e := range errs {
		if e != nil {
			cancel()
			for _, c := range allChunks {
				os.Remove(c.tempPath)
			}
			if ctx.Err() != nil {
				return DownloadResult{Status: task.StatusCanceled}
			}
			return DownloadResult{Status: task.StatusFailed, Err: NewGeneralError(e.Error())}
		}
	}

	sort.Slice(allChunks, func(i, j int) bool { return allChunks[i].start < allChunks[j].start })
	finalPath, err := concatenateChunks(destDir, filename, t.UniqueFilename, allChunks)
	if err != nil {
		return DownloadResult{Status: task.StatusFailed, Err: NewFileSystemError(err.Error())}
	}

	_ = etag
	return DownloadResult{Status: task.StatusComplete, FinalPath: finalPath}
}

// chunkCollector accumulates every chunk that ever did work - the
// original fixed split plus every sub-range later stolen off a busy
// worker - so the final concatenation step can find all of them.
type chunkCollector struct {
	mu     sync.Mutex
	chunks []*chunk
}

func (cc *chunkCollector) add(c *chunk) {
	cc.mu.Lock()
	cc.chunks = append(cc.chunks, c)
	cc.mu.Unlock()
}

func (cc *chunkCollector) all() []*chunk {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	out := make([]*chunk, len(cc.chunks))
	copy(out, cc.chunks)
	return out
}

// activeChunkSet tracks chunks currently being worked so StealWork can
// find the busiest one.
type activeChunkSet struct {
	mu     sync.Mutex
	chunks map[int]*chunk
}

func (a *activeChunkSet) add(id int, c *chunk) {
	a.mu.Lock()
	a.chunks[id] = c
	a.mu.Unlock()
}

func (a *activeChunkSet) remove(id int) {
	a.mu.Lock()
	delete(a.chunks, id)
	a.mu.Unlock()
}

// steal finds the active chunk with the most remaining work, splits
// its remaining span in half, and returns a freshly created chunk
// covering the stolen back half. Returns nil if nothing is worth
// stealing.
func (a *activeChunkSet) steal(selfID int, tempPathFor func(start int64) string) *chunk {
	a.mu.Lock()
	defer a.mu.Unlock()

	var bestID = -1
	var bestRemaining int64
	for id, c := range a.chunks {
		if id == selfID {
			continue
		}
		if r := c.remaining(); r > minParallelChunkBytes*2 && r > bestRemaining {
			bestRemaining = r
			bestID = id
		}
	}
	if bestID == -1 {
		return nil
	}

	victim := a.chunks[bestID]
	half := bestRemaining / 2
	newEnd := victim.end - half

	stolenStart := newEnd + 1
	stolen := &chunk{start: stolenStart, end: victim.end}
	stolen.currentOffset.Store(stolenStart)
	stolen.tempPath = tempPathFor(stolenStart)

	victim.end = newEnd
	return stolen
}

// runChunk downloads one chunk's byte range, writing into its own temp
// file, and steals more work from the busiest peer when it finishes
// early with siblings still running.
func (p *ParallelDownloader) runChunk(ctx context.Context, t task.Task, c *chunk, id int, active *activeChunkSet, collector *chunkCollector, totalWritten *atomic.Int64, contentLength int64, gate *progressGate, speed *speedEWMA, obs DownloadObserver) error {
	c.currentOffset.Store(c.start)
	active.add(id, c)
	defer active.remove(id)

	for {
		if err := p.downloadRange(ctx, t, c, totalWritten, contentLength, gate, speed, obs); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		stolen := active.steal(id, func(start int64) string {
			return c.tempPath + ".steal" + strconv.FormatInt(start, 10)
		})
		if stolen == nil {
			return nil
		}
		collector.add(stolen)
		newID := -(id*1000000 + int(stolen.start%1000000) + 1)
		active.add(newID, stolen)
		err := p.downloadRange(ctx, t, stolen, totalWritten, contentLength, gate, speed, obs)
		active.remove(newID)
		if err != nil {
			return err
		}
	}
}

// downloadRange performs a single ranged GET covering [c.currentOffset,
// c.end] and streams the body into c.tempPath, honoring mid-flight
// shrinkage of c.end from a steal.
func (p *ParallelDownloader) downloadRange(ctx context.Context, t task.Task, c *chunk, totalWritten *atomic.Int64, contentLength int64, gate *progressGate, speed *speedEWMA, obs DownloadObserver) error {
	start := c.currentOffset.Load()
	end := c.end
	if start > end {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return err
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := doWithRetry(p.client, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("chunk request did not return 206: got %d", resp.StatusCode)
	}

	f, err := os.OpenFile(c.tempPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	bufPool := buffers.NewPool(p.cfg.ParallelChunkBufferBytes)
	bufPtr := bufPool.Get()
	defer bufPool.Put(bufPtr)
	buf := *bufPtr

	lastEmit := time.Now()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stopAt := c.end
		if c.currentOffset.Load() > stopAt {
			return nil
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if limit := c.end - c.currentOffset.Load() + 1; int64(n) > limit {
				if limit <= 0 {
					return nil
				}
				n = int(limit)
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				return werr
			}
			c.currentOffset.Add(int64(n))
			written := totalWritten.Add(int64(n))

			fraction := float64(written) / float64(contentLength)
			if fraction > 0.999 {
				fraction = 0.999
			}
			elapsed := time.Since(lastEmit).Seconds()
			var instant float64
			if elapsed > 0 {
				instant = float64(n) / elapsed
			}
			bps := speed.update(instant)
			if gate.allow(time.Now(), fraction, contentLength) {
				lastEmit = time.Now()
				if obs != nil {
					obs.OnProgress(fraction, bps)
				}
				p.registry.SetProgress(t.TaskID, fraction)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
		if c.currentOffset.Load() > c.end {
			return nil
		}
	}
}

// probe issues a single-byte ranged GET to learn whether the server
// honors byte ranges and, if so, the resource's full content length
// from the Content-Range total.
func (p *ParallelDownloader) probe(ctx context.Context, t task.Task) (contentLength int64, etag string, supportsRanges bool, err *TransferError) {
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if reqErr != nil {
		return 0, "", false, NewGeneralError(reqErr.Error())
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, doErr := doWithRetry(p.client, req)
	if doErr != nil {
		return 0, "", false, NewConnectionError(doErr.Error())
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusPartialContent {
		return 0, "", false, nil
	}
	cr := resp.Header.Get("Content-Range")
	slash := strings.LastIndex(cr, "/")
	if !strings.HasPrefix(cr, "bytes ") || slash < 0 {
		return 0, "", false, nil
	}
	total, perr := strconv.ParseInt(strings.TrimSpace(cr[slash+1:]), 10, 64)
	if perr != nil || total <= 0 {
		return 0, "", false, nil
	}
	return total, resp.Header.Get("ETag"), true, nil
}

// resolveChunkCount bounds the configured chunk count so no chunk ends
// up smaller than minParallelChunkBytes.
func resolveChunkCount(cfg config.EngineConfig, contentLength int64) int {
	n := cfg.ParallelDownloadChunks
	if n < 1 {
		n = 1
	}
	for n > 1 && contentLength/int64(n) < minParallelChunkBytes {
		n--
	}
	return n
}

// splitIntoChunks divides [0, contentLength) into n contiguous,
// inclusive-ended ranges, the last absorbing any remainder.
func splitIntoChunks(contentLength int64, n int) []*chunk {
	size := contentLength / int64(n)
	chunks := make([]*chunk, n)
	var offset int64
	for i := 0; i < n; i++ {
		end := offset + size - 1
		if i == n-1 {
			end = contentLength - 1
		}
		chunks[i] = &chunk{start: offset, end: end}
		offset = end + 1
	}
	return chunks
}

// concatenateChunks streams every chunk's temp file, in ascending
// start-offset order, into the destination file, then removes the temp
// files. When unique is set, the destination name is collision-numbered
// against destDir; otherwise an existing file at that name is replaced.
func concatenateChunks(destDir, filename string, unique bool, chunks []*chunk) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	name := filename
	if unique {
		var err error
		name, err = paths.UniqueFilename(destDir, filename)
		if err != nil {
			return "", err
		}
	}
	finalPath := filepath.Join(destDir, name)

	out, err := os.Create(finalPath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	for _, c := range chunks {
		if err := appendFile(out, c.tempPath); err != nil {
			return "", err
		}
	}
	for _, c := range chunks {
		os.Remove(c.tempPath)
	}
	return finalPath, nil
}

func appendFile(dst *os.File, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(dst, src)
	return err
}
