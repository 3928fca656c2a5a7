package http

import (
	"crypto/tls"
	nethttp "net/http"
	"os"

	"github.com/transferengine/core/internal/config"
	"golang.org/x/net/http2"
)

// CreateOptimizedClient creates the HTTP client the TransferEngine uses for
// all byte-range requests and uploads. It builds on ConfigureHTTPClient for
// proxy support and then applies the pool tuning from cfg.Pool.
//
// Set the DISABLE_HTTP2 environment variable to force HTTP/1.1, useful when
// debugging against a server with a broken HTTP/2 implementation.
func CreateOptimizedClient(cfg *config.Config) (*nethttp.Client, error) {
	if cfg == nil {
		c := config.Default()
		cfg = &c
	}

	baseClient, err := ConfigureHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	tr, ok := baseClient.Transport.(*nethttp.Transport)
	if !ok {
		return baseClient, nil
	}

	tr.ForceAttemptHTTP2 = cfg.Pool.ForceAttemptHTTP2
	_ = http2.ConfigureTransport(tr)

	if os.Getenv("DISABLE_HTTP2") == "true" {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	baseClient.Transport = tr
	return baseClient, nil
}
