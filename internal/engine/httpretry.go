package engine

import (
	"net/http"
	"time"

	internalhttp "github.com/transferengine/core/internal/http"
)

// requestRetryConfig bounds the single-request retry layer below the
// holding queue's own attempt-level retry/backoff bookkeeping: a
// connection that drops mid-handshake is worth a couple of immediate
// retries before the whole task attempt is surfaced as failed.
var requestRetryConfig = internalhttp.Config{
	MaxRetries:   3,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     2 * time.Second,
}

// doWithRetry issues req via client, retrying network-classified
// failures per requestRetryConfig. req.GetBody re-arms the body
// between attempts; http.NewRequestWithContext sets it automatically
// for *strings.Reader/*bytes.Reader/*bytes.Buffer bodies. A request
// whose body is a plain stream (the upload path's file-backed binary
// body) has no GetBody and is issued once, unretried, since replaying
// it would resend a partially-read file.
func doWithRetry(client *http.Client, req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.GetBody == nil {
		return client.Do(req)
	}
	var resp *http.Response
	err := internalhttp.ExecuteWithRetry(req.Context(), requestRetryConfig, func() error {
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return err
			}
			req.Body = body
		}
		var doErr error
		resp, doErr = client.Do(req)
		return doErr
	})
	return resp, err
}
