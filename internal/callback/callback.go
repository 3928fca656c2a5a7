// Package callback implements the CallbackBridge: the single point
// through which status and progress updates are delivered to the
// caller's HTTP endpoint, with local spill-and-replay when delivery
// fails.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/transferengine/core/internal/statemachine"
)

// retryLogger suppresses go-retryablehttp's default verbose logging;
// only genuine delivery failures are worth a line.
type retryLogger struct {
	onError func(msg string, keysAndValues ...interface{})
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	if l.onError != nil {
		l.onError(msg, keysAndValues...)
	}
}
func (l *retryLogger) Info(string, ...interface{})  {}
func (l *retryLogger) Debug(string, ...interface{}) {}
func (l *retryLogger) Warn(string, ...interface{})  {}

// Bridge posts updates to a single callback URL over HTTP, spilling to
// an in-memory per-taskId table when delivery fails and replaying on
// ResumeFromBackground.
type Bridge struct {
	client *http.Client
	url    string

	mu    sync.Mutex
	spill map[string][]statemachine.Update // keyed by taskId, in arrival order
}

// New creates a Bridge that posts JSON-encoded updates to url.
func New(url string, onRetryError func(msg string, keysAndValues ...interface{})) *Bridge {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 5
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = &retryLogger{onError: onRetryError}

	return &Bridge{
		client: retryClient.StandardClient(),
		url:    url,
		spill:  make(map[string][]statemachine.Update),
	}
}

// payload is the wire shape posted to the callback URL for one update.
type payload struct {
	Method       string  `json:"method"`
	TaskID       string  `json:"taskId"`
	Status       string  `json:"status,omitempty"`
	Progress     float64 `json:"progress"`
	Error        string  `json:"error,omitempty"`
	ResponseBody string  `json:"responseBody,omitempty"`
}

// post is the single post(method, task, args) -> ok primitive this
// bridge exposes. method is always "update" here since this bridge
// carries only status/progress updates, not the richer RPC surface a
// full plugin host would expose.
func (b *Bridge) post(ctx context.Context, u statemachine.Update) bool {
	p := payload{
		Method:       "update",
		TaskID:       u.TaskID,
		Status:       string(u.Status),
		Progress:     u.Progress,
		ResponseBody: u.ResponseBody,
	}
	if u.Error != nil {
		p.Error = u.Error.Error()
	}

	body, err := json.Marshal(p)
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Deliver implements statemachine.Sink. On failed delivery, u is
// appended to the per-taskId spill table for later replay.
func (b *Bridge) Deliver(u statemachine.Update) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if b.post(ctx, u) {
		return
	}
	b.mu.Lock()
	b.spill[u.TaskID] = append(b.spill[u.TaskID], u)
	b.mu.Unlock()
}

// ResumeFromBackground drains every spilled update and re-posts each in
// taskId order, removing entries as they're successfully delivered.
// Returns the count of entries that still could not be delivered.
func (b *Bridge) ResumeFromBackground(ctx context.Context) int {
	b.mu.Lock()
	taskIDs := make([]string, 0, len(b.spill))
	for id := range b.spill {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)
	b.mu.Unlock()

	var remaining int
	for _, id := range taskIDs {
		b.mu.Lock()
		pending := b.spill[id]
		b.mu.Unlock()

		var undelivered []statemachine.Update
		for _, u := range pending {
			if !b.post(ctx, u) {
				undelivered = append(undelivered, u)
			}
		}

		b.mu.Lock()
		if len(undelivered) == 0 {
			delete(b.spill, id)
		} else {
			b.spill[id] = undelivered
			remaining += len(undelivered)
		}
		b.mu.Unlock()
	}
	return remaining
}

// PendingCount reports how many spilled updates await replay, for tests
// and diagnostics.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, updates := range b.spill {
		n += len(updates)
	}
	return n
}
