// Package coordinator hosts the TransferEngine: the top-level object
// that owns the Store, Registry, HoldingQueue, StateMachine and
// CallbackBridge, and drives each admitted task through the
// download/upload/parallel-download execution paths in package engine.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/transferengine/core/internal/callback"
	"github.com/transferengine/core/internal/config"
	"github.com/transferengine/core/internal/constants"
	"github.com/transferengine/core/internal/engine"
	"github.com/transferengine/core/internal/events"
	internalhttp "github.com/transferengine/core/internal/http"
	"github.com/transferengine/core/internal/logging"
	"github.com/transferengine/core/internal/queue"
	"github.com/transferengine/core/internal/ratelimit"
	"github.com/transferengine/core/internal/registry"
	"github.com/transferengine/core/internal/statemachine"
	"github.com/transferengine/core/internal/store"
	"github.com/transferengine/core/internal/task"
)

// dataTaskMaxBytes bounds how much of a DataTask's response is buffered
// in memory; a response whose body never ends would otherwise grow
// without limit.
const dataTaskMaxBytes = 16 << 20

// TransferEngine is the top-level coordinator: it owns the Store,
// Registry, HoldingQueue, StateMachine and CallbackBridge, and drives
// each admitted task through the Downloader/Uploader/ParallelDownloader
// path, reporting outcomes back through the state machine.
type TransferEngine struct {
	cfg       config.Config
	client    *http.Client
	store     *store.Store
	registry  *registry.Registry
	queue     *queue.HoldingQueue
	machine   *statemachine.Machine
	bridge    *callback.Bridge
	logger    *logging.Logger
	eventBus  *events.EventBus
	scheduler statemachine.RetryScheduler
	network   queue.NetworkState

	downloader *engine.Downloader
	uploader   *engine.Uploader
	parallel   *engine.ParallelDownloader

	hostLimiters sync.Map // host string -> *ratelimit.RateLimiter

	mu      sync.Mutex
	tasks   map[string]task.Task
	cancels map[string]context.CancelFunc

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New opens the Store at cfg.Engine.StorePath, wires every component
// together, recovers tasks interrupted by a prior crash, and starts the
// dispatch loop. network may be nil, defaulting to an always-Wi-Fi
// StaticNetworkState; callbackURL may be "" to run without a
// CallbackBridge (updates are still published on the Events() bus).
func New(cfg config.Config, network queue.NetworkState, callbackURL string) (*TransferEngine, error) {
	if network == nil {
		network = queue.StaticNetworkState(true)
	}

	client, err := internalhttp.CreateOptimizedClient(&cfg)
	if err != nil {
		return nil, fmt.Errorf("building http client: %w", err)
	}

	st, err := store.Open(cfg.Engine.StorePath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	reg := registry.New()
	limits := queue.Limits{
		MaxConcurrent:        cfg.Engine.MaxConcurrent,
		MaxConcurrentByHost:  cfg.Engine.MaxConcurrentByHost,
		MaxConcurrentByGroup: cfg.Engine.MaxConcurrentByGroup,
	}
	q := queue.New(limits, network, wifiPolicyFromConfig(cfg.Engine.RequireWiFi))

	eventBus := events.NewEventBus(0)
	logger := logging.NewLogger(cfg.Engine.LogMode, eventBus)

	var bridge *callback.Bridge
	if callbackURL != "" {
		bridge = callback.New(callbackURL, func(msg string, keysAndValues ...interface{}) {
			logger.Warnf("callback delivery: %s %v", msg, keysAndValues)
		})
	}

	e := &TransferEngine{
		cfg:        cfg,
		client:     client,
		store:      st,
		registry:   reg,
		queue:      q,
		bridge:     bridge,
		logger:     logger,
		eventBus:   eventBus,
		scheduler:  statemachine.RealScheduler(),
		network:    network,
		downloader: engine.NewDownloader(client, cfg.Engine, reg),
		uploader:   engine.NewUploader(client, cfg.Engine),
		parallel:   engine.NewParallelDownloader(client, cfg.Engine, reg),
		tasks:      make(map[string]task.Task),
		cancels:    make(map[string]context.CancelFunc),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	e.machine = statemachine.New(e, e, e.scheduler)

	if err := e.recoverInterrupted(); err != nil {
		st.Close()
		return nil, fmt.Errorf("recovering interrupted tasks: %w", err)
	}

	e.wg.Add(1)
	go e.dispatchLoop()
	e.signal()

	return e, nil
}

func wifiPolicyFromConfig(r config.RequireWiFi) task.WiFiRequirement {
	switch r {
	case config.RequireWiFiForAll:
		return task.WiFiForAllTasks
	case config.RequireWiFiForNone:
		return task.WiFiForNoTasks
	default:
		return task.WiFiAsSetByTask
	}
}

// recoverInterrupted scans every persisted record at startup: a task
// still marked running did not get the chance to pause cleanly before
// the process died, so it is flipped to paused with whatever resume
// data it last recorded; a task still marked enqueued never got to run
// and is simply re-admitted to the live HoldingQueue.
func (e *TransferEngine) recoverInterrupted() error {
	records, err := e.store.RetrieveAllTaskRecords(nil)
	if err != nil {
		return err
	}
	for _, rec := range records {
		switch rec.Status {
		case task.StatusRunning:
			e.logger.Infof("recovering interrupted task %s: running -> paused", rec.Task.TaskID)
			if err := e.store.StorePausedTask(rec.Task); err != nil {
				e.logger.Errorf("storing recovered paused task %s: %v", rec.Task.TaskID, err)
				continue
			}
			if err := e.store.StoreTaskRecord(task.Record{Task: rec.Task, Status: task.StatusPaused, Progress: task.ProgressPaused}); err != nil {
				e.logger.Errorf("persisting recovered status for %s: %v", rec.Task.TaskID, err)
			}
		case task.StatusEnqueued:
			e.logger.Infof("re-admitting queued task %s after restart", rec.Task.TaskID)
			e.queue.Enqueue(rec.Task)
		}
	}
	return nil
}

// Events returns the bus lifecycle and log events are published on, for
// a host application to subscribe to (a CLI progress renderer, a GUI).
func (e *TransferEngine) Events() *events.EventBus {
	return e.eventBus
}

func (e *TransferEngine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop admits every currently-runnable task on each wake and
// starts it in its own goroutine. It also wakes on a fixed tick so a
// task blocked only on Wi-Fi or a concurrency cap is retried without
// needing an explicit signal.
func (e *TransferEngine) dispatchLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.wake:
		case <-ticker.C:
		}
		for _, t := range e.queue.AdvanceAll() {
			e.queue.Start(t)
			e.startRun(t)
		}
	}
}

func (e *TransferEngine) startRun(t task.Task) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.tasks[t.TaskID] = t
	e.cancels[t.TaskID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.runTask(ctx, t)
	}()
}

// taskObserver bridges the Downloader/ParallelDownloader's
// DownloadObserver callbacks into the state machine and resets the
// idle-timeout watchdog on every progress tick.
type taskObserver struct {
	engine    *TransferEngine
	task      task.Task
	idleReset func()
}

func (o *taskObserver) OnStarted() {}

func (o *taskObserver) OnProgress(fraction, bytesPerSecond float64) {
	if o.idleReset != nil {
		o.idleReset()
	}
	o.engine.machine.Progress(o.task, fraction)
}

func (o *taskObserver) OnFilenameResolved(name string) {
	o.engine.registry.SetSuggestedFilename(o.task.TaskID, name)
}

// runTask executes t to a terminal or pausing outcome and reports it.
// A task with no byte progress for PauseTimeoutSeconds is auto-paused
// (allowPause) or failed with a connection exception (otherwise).
func (e *TransferEngine) runTask(ctx context.Context, t task.Task) {
	e.machine.Started(t)
	e.persist(t, task.StatusRunning, 0)

	if limiter := e.hostLimiter(t.Host()); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			e.finishRun(t, engine.DownloadResult{Status: task.StatusCanceled}, false)
			return
		}
	}

	var idleTimer *time.Timer
	var idleTimedOut atomic.Bool
	if idleSeconds := e.cfg.Engine.PauseTimeoutSeconds; idleSeconds > 0 &&
		(t.Kind == task.KindDownload || t.Kind == task.KindParallelDownload) {
		idleDuration := time.Duration(idleSeconds) * time.Second
		idleTimer = time.AfterFunc(idleDuration, func() {
			idleTimedOut.Store(true)
			if t.AllowPause {
				e.registry.MarkPaused(t.TaskID)
			} else {
				e.mu.Lock()
				cancel := e.cancels[t.TaskID]
				e.mu.Unlock()
				if cancel != nil {
					cancel()
				}
			}
		})
	}
	idleReset := func() {
		if idleTimer != nil {
			idleTimer.Reset(time.Duration(e.cfg.Engine.PauseTimeoutSeconds) * time.Second)
		}
	}
	obs := &taskObserver{engine: e, task: t, idleReset: idleReset}

	var result engine.DownloadResult
	switch t.Kind {
	case task.KindDownload:
		result = e.downloader.Run(ctx, t, e.loadResumeData(t.TaskID), obs)
	case task.KindParallelDownload:
		result = e.parallel.Run(ctx, t, obs)
	case task.KindUpload, task.KindMultiUpload:
		ur := e.uploader.Run(ctx, t)
		result = engine.DownloadResult{Status: ur.Status, Err: ur.Err, ResponseBody: ur.ResponseBody}
	case task.KindData:
		result = e.runData(ctx, t)
	default:
		result = engine.DownloadResult{Status: task.StatusFailed, Err: engine.NewGeneralError(fmt.Sprintf("unknown task kind %q", t.Kind))}
	}

	if idleTimer != nil {
		idleTimer.Stop()
	}
	if idleTimedOut.Load() && !t.AllowPause && result.Status == task.StatusCanceled {
		result = engine.DownloadResult{Status: task.StatusFailed, Err: engine.NewConnectionError("idle timeout exceeded with no progress")}
	}

	e.handleRateLimitResponse(t, result)
	e.finishRun(t, result, idleTimedOut.Load())
}

// runData executes a DataTask: the response body is buffered in memory
// and handed back through the Registry rather than written to a file.
func (e *TransferEngine) runData(ctx context.Context, t task.Task) engine.DownloadResult {
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
		return engine.DownloadResult{Status: task.StatusFailed, Err: engine.NewGeneralError(err.Error())}
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return engine.DownloadResult{Status: task.StatusCanceled}
		}
		return engine.DownloadResult{Status: task.StatusFailed, Err: engine.NewConnectionError(err.Error())}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, dataTaskMaxBytes))
	if err != nil {
		return engine.DownloadResult{Status: task.StatusFailed, Err: engine.NewConnectionError(err.Error())}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return engine.DownloadResult{Status: task.StatusNotFound, ResponseBody: string(data)}
	case resp.StatusCode >= 200 && resp.StatusCode <= 206:
		e.registry.SetResponseBody(t.TaskID, string(data))
		return engine.DownloadResult{Status: task.StatusComplete, ResponseBody: string(data)}
	case resp.StatusCode == http.StatusTooManyRequests:
		httpErr := engine.NewHTTPResponseError(resp.StatusCode, strings.TrimSpace(string(data)))
		httpErr.RetryAfter = engine.ParseRetryAfter(resp.Header.Get("Retry-After"))
		return engine.DownloadResult{Status: task.StatusFailed, Err: httpErr}
	default:
		return engine.DownloadResult{Status: task.StatusFailed, Err: engine.NewHTTPResponseError(resp.StatusCode, strings.TrimSpace(string(data)))}
	}
}

func (e *TransferEngine) loadResumeData(taskID string) *task.ResumeData {
	rd, found, err := e.store.RetrieveResumeData(taskID)
	if err != nil || !found {
		return nil
	}
	return &rd
}

func (e *TransferEngine) hostLimiter(host string) *ratelimit.RateLimiter {
	if host == "" || e.cfg.Engine.RateLimitRequestsPerSecond <= 0 {
		return nil
	}
	if v, ok := e.hostLimiters.Load(host); ok {
		return v.(*ratelimit.RateLimiter)
	}
	limiter := ratelimit.NewHostRateLimiter(e.cfg.Engine.RateLimitRequestsPerSecond)
	actual, _ := e.hostLimiters.LoadOrStore(host, limiter)
	return actual.(*ratelimit.RateLimiter)
}

// handleRateLimitResponse drains t's host limiter and imposes a
// cooldown when result carries a 429 httpResponse error, using the
// server's Retry-After if it gave one. A no-op for every other
// outcome, and when rate limiting is disabled (hostLimiter returns nil).
func (e *TransferEngine) handleRateLimitResponse(t task.Task, result engine.DownloadResult) {
	if result.Err == nil || result.Err.HTTPStatus != http.StatusTooManyRequests {
		return
	}
	limiter := e.hostLimiter(t.Host())
	if limiter == nil {
		return
	}
	limiter.Drain()
	cooldown := result.Err.RetryAfter
	if cooldown <= 0 {
		cooldown = constants.RateLimitDefaultCooldown
	}
	limiter.SetCooldown(cooldown)
}

// finishRun records result against t's lifecycle: persisting the final
// or paused record, releasing the HoldingQueue's concurrency slot, and
// routing through the state machine (which itself handles the
// retry-with-backoff branch for a failed task with retries left).
// timedOut distinguishes an idle-timeout auto-pause, which schedules a
// 1s-delayed requeue, from a caller-initiated pause, which waits for an
// explicit Resume.
func (e *TransferEngine) finishRun(t task.Task, result engine.DownloadResult, timedOut bool) {
	e.queue.Finish(t)
	defer func() {
		e.mu.Lock()
		delete(e.tasks, t.TaskID)
		delete(e.cancels, t.TaskID)
		e.mu.Unlock()
	}()

	switch result.Status {
	case task.StatusComplete:
		e.machine.Complete(t)
		e.persistWithBody(t, task.StatusComplete, 1.0, result.ResponseBody)
		e.store.RemoveResumeData(t.TaskID)
		e.registry.PurgeTask(t.TaskID)

	case task.StatusNotFound:
		e.machine.NotFound(t, result.ResponseBody)
		e.persist(t, task.StatusNotFound, task.ProgressNotFound)
		e.registry.PurgeTask(t.TaskID)

	case task.StatusFailed:
		if result.ResumeData != nil {
			e.store.StoreResumeData(*result.ResumeData)
			e.registry.MarkCanResume(t.TaskID)
		}
		e.machine.Failed(t, result.Err)
		if t.RetriesRemaining <= 0 {
			e.persist(t, task.StatusFailed, task.ProgressFailed)
			e.registry.PurgeTask(t.TaskID)
		}

	case task.StatusCanceled:
		e.machine.Canceled(t)
		e.persist(t, task.StatusCanceled, task.ProgressCanceled)
		e.registry.PurgeTask(t.TaskID)

	case task.StatusPaused:
		if result.ResumeData != nil {
			e.store.StoreResumeData(*result.ResumeData)
		}
		e.store.StorePausedTask(t)
		e.persist(t, task.StatusPaused, task.ProgressPaused)
		e.machine.Paused(t)
		e.registry.ClearPaused(t.TaskID)

		if timedOut && t.AllowPause {
			e.scheduler.Schedule(time.Second, func() {
				e.store.RemovePausedTask(t.TaskID)
				e.Requeue(t)
			})
		}
	}
}

func (e *TransferEngine) persist(t task.Task, status task.Status, progress float64) {
	e.persistWithBody(t, status, progress, "")
}

func (e *TransferEngine) persistWithBody(t task.Task, status task.Status, progress float64, responseBody string) {
	rec := task.Record{Task: t, Status: status, Progress: progress, ResponseBody: responseBody}
	if size, ok := e.registry.TotalBytes(t.TaskID); ok {
		rec.ExpectedFileSize = size
	}
	if err := e.store.StoreTaskRecord(rec); err != nil {
		e.logger.Errorf("persisting record for %s: %v", t.TaskID, err)
	}
}

// Record returns the current persisted record for taskID, for a caller
// polling a single task's status and progress (e.g. to size a progress
// display once the server's Content-Length is known).
func (e *TransferEngine) Record(taskID string) (task.Record, bool, error) {
	return e.store.RetrieveTaskRecord(taskID)
}

// Requeue implements statemachine.Requeuer: it re-admits a task to the
// HoldingQueue, used both by the state machine's own retry-backoff
// timer and by finishRun's idle-timeout auto-pause path.
func (e *TransferEngine) Requeue(t task.Task) {
	e.queue.Requeue(t)
	e.persist(t, task.StatusEnqueued, 0)
	e.signal()
}

// Deliver implements statemachine.Sink: every update is forwarded to
// the CallbackBridge (if configured), published on the event bus for
// in-process subscribers, and logged.
func (e *TransferEngine) Deliver(u statemachine.Update) {
	if e.bridge != nil {
		e.bridge.Deliver(u)
	}
	e.publishEvent(u)
	e.logger.Debugf("task %s -> %s (progress=%.3f)", u.TaskID, u.Status, u.Progress)
}

func (e *TransferEngine) publishEvent(u statemachine.Update) {
	ev := events.TransferEvent{TaskID: u.TaskID, Progress: u.Progress}
	if u.Error != nil {
		ev.Error = u.Error
	}
	e.eventBus.PublishTransfer(eventTypeForUpdate(u), ev)
}

func eventTypeForUpdate(u statemachine.Update) events.EventType {
	switch u.Status {
	case task.StatusEnqueued:
		return events.EventTransferQueued
	case task.StatusRunning:
		if u.Progress <= 0 {
			return events.EventTransferStarted
		}
		return events.EventTransferProgress
	case task.StatusPaused:
		return events.EventTransferPaused
	case task.StatusComplete:
		return events.EventTransferCompleted
	case task.StatusNotFound, task.StatusFailed, task.StatusWaitingToRetry:
		return events.EventTransferFailed
	case task.StatusCanceled:
		return events.EventTransferCancelled
	default:
		return events.EventTransferProgress
	}
}

// Enqueue admits t for scheduling: it assigns a TaskID via uuid when
// the caller left it blank, derives retriesRemaining from retries,
// persists the initial record, and places it on the HoldingQueue.
func (e *TransferEngine) Enqueue(t task.Task) (string, error) {
	if t.TaskID == "" {
		t.TaskID = uuid.NewString()
	}
	if t.CreationTime.IsZero() {
		t.CreationTime = time.Now()
	}
	if t.Retries == 0 {
		t.Retries = e.cfg.Engine.DefaultRetries
	}
	t.RetriesRemaining = t.Retries

	if err := e.store.StoreTaskRecord(task.Record{Task: t, Status: task.StatusEnqueued}); err != nil {
		return "", fmt.Errorf("persisting task record: %w", err)
	}
	e.queue.Enqueue(t)
	e.machine.Enqueued(t)
	e.signal()
	return t.TaskID, nil
}

// Pause requests that taskID stop: a still-pending task is removed from
// the HoldingQueue and marked paused immediately (no resume data, since
// no bytes moved); a running task is flagged in the Registry and is
// paused by its own pump loop at the next suspension point.
func (e *TransferEngine) Pause(taskID string) error {
	if e.queue.Remove(taskID) {
		rec, found, err := e.store.RetrieveTaskRecord(taskID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("unknown task %q", taskID)
		}
		if err := e.store.StorePausedTask(rec.Task); err != nil {
			return err
		}
		e.persist(rec.Task, task.StatusPaused, task.ProgressPaused)
		e.machine.Paused(rec.Task)
		return nil
	}
	e.registry.MarkPaused(taskID)
	return nil
}

// Resume re-admits a previously paused task, clearing its pause flag
// and persisted paused snapshot. When a download task next runs,
// runTask reads any persisted ResumeData back out of the Store and
// hands it to the Downloader.
func (e *TransferEngine) Resume(taskID string) error {
	t, found, err := e.store.RetrievePausedTask(taskID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no paused task %q", taskID)
	}
	if err := e.store.RemovePausedTask(taskID); err != nil {
		return err
	}
	e.registry.ClearPaused(taskID)
	e.queue.Enqueue(t)
	e.machine.Enqueued(t)
	e.persist(t, task.StatusEnqueued, 0)
	e.signal()
	return nil
}

// Cancel stops taskID: a running task's context is canceled so its
// goroutine unwinds at its next suspension point; a still-pending task
// is removed from the HoldingQueue and reported canceled directly.
func (e *TransferEngine) Cancel(taskID string) error {
	e.registry.MarkCanceled(taskID, time.Now())

	e.mu.Lock()
	cancel, running := e.cancels[taskID]
	e.mu.Unlock()
	if running {
		e.registry.MarkProgCanceledAfterStart(taskID)
		cancel()
		return nil
	}

	if e.queue.Remove(taskID) {
		rec, found, err := e.store.RetrieveTaskRecord(taskID)
		if err == nil && found {
			e.machine.Canceled(rec.Task)
			e.persist(rec.Task, task.StatusCanceled, task.ProgressCanceled)
		}
		return nil
	}
	return fmt.Errorf("task %q not found or already finished", taskID)
}

// List returns every persisted task record, for a caller enumerating
// current and historical tasks.
func (e *TransferEngine) List() ([]task.Record, error) {
	return e.store.RetrieveAllTaskRecords(nil)
}

// SetWiFiPolicy updates the process-wide Wi-Fi admission policy. When
// rescheduleRunning is set and the network is not currently Wi-Fi,
// every running task that requires Wi-Fi under the new policy is paused
// rather than left to fail against an interface it should not be using.
func (e *TransferEngine) SetWiFiPolicy(policy task.WiFiRequirement, rescheduleRunning bool) {
	e.queue.SetProcessPolicy(policy)
	if !rescheduleRunning || e.network.IsWiFi() {
		e.signal()
		return
	}

	e.mu.Lock()
	running := make([]task.Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		running = append(running, t)
	}
	e.mu.Unlock()

	for _, t := range running {
		if t.EffectiveRequiresWiFi(policy) {
			e.registry.MarkPaused(t.TaskID)
		}
	}
	e.signal()
}

// ResumeAllPausedRequiringWiFi re-admits every stored paused task whose
// effective requirement is satisfied by the current policy and network
// state. A host calls this once it observes the network become Wi-Fi
// again, completing the pause/resume cycle SetWiFiPolicy begins.
func (e *TransferEngine) ResumeAllPausedRequiringWiFi(policy task.WiFiRequirement) (int, error) {
	if !e.network.IsWiFi() {
		return 0, nil
	}
	paused, err := e.store.RetrieveAllPausedTasks()
	if err != nil {
		return 0, err
	}
	var resumed int
	for _, t := range paused {
		if !t.EffectiveRequiresWiFi(policy) {
			continue
		}
		if err := e.Resume(t.TaskID); err != nil {
			e.logger.Errorf("resuming %s after Wi-Fi became available: %v", t.TaskID, err)
			continue
		}
		resumed++
	}
	return resumed, nil
}

// Close stops the dispatch loop, waits for every in-flight task
// goroutine to unwind, flushes the event bus, and closes the Store.
func (e *TransferEngine) Close() error {
	close(e.stopCh)
	e.wg.Wait()
	e.eventBus.Close()
	return e.store.Close()
}
