package http

import (
	"fmt"
	"log"
	nethttp "net/http"
	"net/url"
	"strings"
	"time"

	"github.com/transferengine/core/internal/config"
	"github.com/transferengine/core/internal/constants"
	"golang.org/x/net/http/httpproxy"
)

// ConfigureHTTPClient configures an HTTP client with proxy settings.
// Supported modes: "no-proxy" (default), "system" (read from environment),
// and "basic" (explicit host/port with optional credentials).
func ConfigureHTTPClient(cfg *config.Config) (*nethttp.Client, error) {
	transport := &nethttp.Transport{
		MaxIdleConns:          cfg.Pool.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.Pool.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.Pool.MaxConnsPerHost,
		IdleConnTimeout:       time.Duration(cfg.Pool.IdleConnTimeoutSec) * time.Second,
		TLSHandshakeTimeout:   constants.HTTPTLSHandshakeTimeout,
		ExpectContinueTimeout: constants.HTTPExpectContinueTimeout,
		ResponseHeaderTimeout: time.Duration(cfg.Engine.RequestTimeoutSeconds) * time.Second,
		DisableCompression:    cfg.Pool.DisableCompression,
	}

	switch strings.ToLower(cfg.Proxy.Mode) {
	case "no-proxy", "":
		transport.Proxy = nil

	case "system":
		transport.Proxy = nethttp.ProxyFromEnvironment

	case "basic":
		if cfg.Proxy.Host == "" {
			return nil, fmt.Errorf("proxy mode is basic but host is empty: %w", config.ErrProxyHostRequired)
		}
		proxyURL := buildProxyURL(cfg)
		transport.Proxy = proxyFuncWithBypass(proxyURL, cfg.Proxy.NoProxy)

	default:
		return nil, fmt.Errorf("unsupported proxy mode: %s", cfg.Proxy.Mode)
	}

	return &nethttp.Client{
		Transport: transport,
		Timeout:   time.Duration(cfg.Engine.ResourceTimeoutSeconds) * time.Second,
	}, nil
}

// buildProxyURL constructs a proxy URL from config.
func buildProxyURL(cfg *config.Config) *url.URL {
	port := cfg.Proxy.Port
	if port == 0 {
		port = 8080
	}

	proxyURL := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", cfg.Proxy.Host, port),
	}

	if cfg.Proxy.User != "" && cfg.Proxy.Password != "" {
		proxyURL.User = url.UserPassword(cfg.Proxy.User, cfg.Proxy.Password)
	}

	return proxyURL
}

// proxyFuncWithBypass returns a proxy function that respects the NoProxy
// bypass list. If noProxy is empty, behaves identically to
// nethttp.ProxyURL. When noProxy is set, uses golang.org/x/net/http/httpproxy
// to match hosts/CIDRs.
func proxyFuncWithBypass(proxyURL *url.URL, noProxy string) func(*nethttp.Request) (*url.URL, error) {
	if noProxy == "" {
		return nethttp.ProxyURL(proxyURL)
	}
	cfg := httpproxy.Config{
		HTTPProxy:  proxyURL.String(),
		HTTPSProxy: proxyURL.String(),
		NoProxy:    noProxy,
	}
	proxyFunc := cfg.ProxyFunc()
	return func(req *nethttp.Request) (*url.URL, error) {
		result, err := proxyFunc(req.URL)
		if result == nil {
			log.Printf("proxy bypass: %s (direct connection)", req.URL.Host)
		} else {
			log.Printf("proxy: %s -> %s", req.URL.Host, result.Host)
		}
		return result, err
	}
}

// NeedsProxyPassword returns true if the proxy configuration requires a
// password but one has not been provided.
func NeedsProxyPassword(cfg *config.Config) bool {
	if strings.ToLower(cfg.Proxy.Mode) != "basic" {
		return false
	}
	return cfg.Proxy.User != "" && cfg.Proxy.Password == ""
}
