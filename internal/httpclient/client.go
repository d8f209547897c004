// Package httpclient builds the *http.Client the Web Service Adapter uses
// to reach the licensing service: connection tuning, proxy configuration,
// and an optional per-host DNS override. Response classification lives in
// internal/wsadapter, next to the retry budget that consumes it.
package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout is the default per-request timeout.
const DefaultTimeout = 30 * time.Second

// ProxyConfig mirrors the proxy settings a deployment may supply.
type ProxyConfig struct {
	HTTPProxy  string
	HTTPSProxy string
	NoProxy    string
}

// HasProxy reports whether any proxy is configured.
func (c *ProxyConfig) HasProxy() bool {
	return c != nil && (c.HTTPProxy != "" || c.HTTPSProxy != "")
}

// DefaultConnectionTimeout is the default dial (TCP connect) timeout, a
// separate and smaller budget than the overall per-request timeout.
const DefaultConnectionTimeout = 10 * time.Second

// Options configures the client New builds.
type Options struct {
	Timeout time.Duration
	// ConnectionTimeout bounds the dialer's TCP connect phase, independent
	// of Timeout's end-to-end request budget.
	ConnectionTimeout time.Duration
	Proxy             *ProxyConfig
	// DNSOverride maps a host (no port) to an address to dial instead, for
	// deployments that resolve the licensing service outside normal DNS.
	DNSOverride map[string]string
}

// New builds an *http.Client tuned for the Web Service Adapter's request
// volume: bounded idle connections, short handshake timeouts, and an
// optional proxy/DNS override.
func New(opts Options) (*http.Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ConnectionTimeout == 0 {
		opts.ConnectionTimeout = DefaultConnectionTimeout
	}

	dialer := &net.Dialer{Timeout: opts.ConnectionTimeout, KeepAlive: 30 * time.Second}
	dial := dialer.DialContext
	if len(opts.DNSOverride) > 0 {
		dial = overrideDial(dialer, opts.DNSOverride)
	}

	transport := &http.Transport{
		DialContext:           dial,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if opts.Proxy.HasProxy() {
		cfg := opts.Proxy
		transport.Proxy = func(req *http.Request) (*url.URL, error) {
			return proxyFunc(req, cfg)
		}
	}

	return &http.Client{Timeout: opts.Timeout, Transport: transport}, nil
}

// NewSimple builds a client with a timeout and no proxy, for callers that
// do not need the full Options surface (e.g. a one-off proxy test).
func NewSimple(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// overrideDial returns a DialContext that resolves host to the configured
// override address before delegating to dialer, leaving the port untouched.
func overrideDial(dialer *net.Dialer, overrides map[string]string) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			host, port = addr, ""
		}
		if override, ok := overrides[host]; ok {
			if port != "" {
				addr = net.JoinHostPort(override, port)
			} else {
				addr = override
			}
		}
		return dialer.DialContext(ctx, network, addr)
	}
}

func proxyFunc(req *http.Request, cfg *ProxyConfig) (*url.URL, error) {
	if shouldBypassProxy(req.URL.Host, cfg.NoProxy) {
		return nil, nil
	}
	var proxyURLStr string
	if req.URL.Scheme == "https" && cfg.HTTPSProxy != "" {
		proxyURLStr = cfg.HTTPSProxy
	} else if cfg.HTTPProxy != "" {
		proxyURLStr = cfg.HTTPProxy
	}
	if proxyURLStr == "" {
		return nil, nil
	}
	return url.Parse(proxyURLStr)
}

func shouldBypassProxy(host, noProxy string) bool {
	if noProxy == "" {
		return false
	}
	hostOnly, _, err := net.SplitHostPort(host)
	if err != nil {
		hostOnly = host
	}
	for _, pattern := range strings.Split(noProxy, ",") {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if pattern == "*" {
			return true
		}
		if strings.EqualFold(hostOnly, pattern) {
			return true
		}
		lowerHost, lowerPattern := strings.ToLower(hostOnly), strings.ToLower(pattern)
		if strings.HasPrefix(lowerPattern, ".") && strings.HasSuffix(lowerHost, lowerPattern) {
			return true
		}
		if strings.HasSuffix(lowerHost, "."+lowerPattern) {
			return true
		}
	}
	return false
}

// ProxyInfo describes the configured proxy for diagnostics, masking any
// embedded credentials.
func ProxyInfo(cfg *ProxyConfig) string {
	if !cfg.HasProxy() {
		return "no proxy configured"
	}
	var parts []string
	if cfg.HTTPProxy != "" {
		parts = append(parts, fmt.Sprintf("http: %s", maskProxyURL(cfg.HTTPProxy)))
	}
	if cfg.HTTPSProxy != "" {
		parts = append(parts, fmt.Sprintf("https: %s", maskProxyURL(cfg.HTTPSProxy)))
	}
	if cfg.NoProxy != "" {
		parts = append(parts, fmt.Sprintf("no_proxy: %s", cfg.NoProxy))
	}
	return strings.Join(parts, ", ")
}

func maskProxyURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "****")
		}
	}
	return u.String()
}
