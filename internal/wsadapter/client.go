// Package wsadapter implements the Web Service Adapter: the OAuth2
// client-credentials token lifecycle, entitlement session create/update,
// and the two retry schedules the License Engine drives its HTTP traffic
// through (spec.md §4.3).
package wsadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/Accelize/drm-sub000/internal/drmerrors"
)

// DefaultTokenMargin is the default margin subtracted from a token's
// expiration before it is considered stale (spec.md §4.3).
const DefaultTokenMargin = 60 * time.Second

// requestIDHistorySize bounds the ring buffer of recent x-request-id
// response headers exposed through the parameter surface for diagnostics
// (spec.md §6: "does not affect control flow").
const requestIDHistorySize = 16

// Token is the cached OAuth2 access token plus the bookkeeping needed to
// decide when it must be refreshed.
type Token struct {
	Value      string
	Validity   time.Duration
	Expiration time.Time
	Margin     time.Duration
}

// Valid reports whether the token is still usable at now.
func (t Token) Valid(now time.Time) bool {
	if t.Value == "" {
		return false
	}
	return t.Expiration.Add(-t.Margin).After(now)
}

// Config carries the adapter's static configuration. The connection
// (dial) timeout is configured separately on the *http.Client this
// adapter is given (see internal/httpclient.Options.ConnectionTimeout):
// it bounds the TCP connect phase, not the overall request RequestTimeout
// applies here.
type Config struct {
	TokenURL       string
	ClientID       string
	ClientSecret   string
	BaseURL        string // entitlement API base
	ProductID      string
	RequestTimeout time.Duration
}

// Client is the Web Service Adapter.
type Client struct {
	cfg        Config
	httpClient *http.Client
	oauthCfg   clientcredentials.Config
	log        *zerolog.Logger

	mu    sync.Mutex
	token Token

	ridMu    sync.Mutex
	requestIDs []string
}

// New builds a Client. httpClient is typically built by internal/httpclient.
func New(cfg Config, httpClient *http.Client, log *zerolog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		log:        log,
		oauthCfg: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
	}
}

// ensureToken refreshes the cached token if it has expired (within
// margin). It is itself subject to the caller's retry schedule: a failure
// here classifies and propagates like any other request.
func (c *Client) ensureToken(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.Valid(time.Now()) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout())
	defer cancel()

	raw, err := c.oauthCfg.Token(ctx)
	if err != nil {
		return drmerrors.Wrap(ClassifyTokenError(err), "wsadapter.ensureToken", err)
	}

	validity := time.Until(raw.Expiry)
	if v, ok := raw.Extra("expires_in").(float64); ok {
		validity = time.Duration(v) * time.Second
	}
	margin := DefaultTokenMargin
	if validity < margin {
		margin = validity / 2
	}
	c.token = Token{
		Value:      raw.AccessToken,
		Validity:   validity,
		Expiration: time.Now().Add(validity),
		Margin:     margin,
	}
	return nil
}

// CurrentToken returns the cached token, for the parameter surface's
// token_string/token_validity_seconds/token_time_left_seconds keys.
func (c *Client) CurrentToken() Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) requestTimeout() time.Duration {
	if c.cfg.RequestTimeout > 0 {
		return c.cfg.RequestTimeout
	}
	return 10 * time.Second
}

// doJSON ensures a valid token, issues method/path with body marshaled as
// JSON (nil body is allowed), and unmarshals a 2xx response into out (may
// be nil). It returns a *drmerrors.Error with the wsadapter-specific kind
// on any non-2xx outcome or transport failure.
func (c *Client) doJSON(ctx context.Context, op, method, path string, body, out any) error {
	if err := c.ensureToken(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return drmerrors.Wrap(drmerrors.KindBadArg, op, err)
		}
		reader = bytes.NewReader(raw)
	}

	url := c.cfg.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return drmerrors.Wrap(drmerrors.KindBadArg, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.accelize.v1+json")
	req.Header.Set("Authorization", "Bearer "+c.token.Value)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return drmerrors.Wrap(drmerrors.KindWSMayRetry, op, err)
	}
	defer resp.Body.Close()

	c.recordRequestID(resp.Header.Get("X-Request-ID"))

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return drmerrors.Wrap(drmerrors.KindWSMayRetry, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := ClassifyStatus(resp.StatusCode)
		return drmerrors.New(kind, op, fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, string(raw)))
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return drmerrors.Wrap(drmerrors.KindWSError, op, err)
	}
	return nil
}

func (c *Client) recordRequestID(id string) {
	if id == "" {
		return
	}
	c.ridMu.Lock()
	defer c.ridMu.Unlock()
	c.requestIDs = append(c.requestIDs, id)
	if len(c.requestIDs) > requestIDHistorySize {
		c.requestIDs = c.requestIDs[len(c.requestIDs)-requestIDHistorySize:]
	}
}

// RequestIDHistory returns the most recent x-request-id values, newest
// last, for the parameter surface's diagnostic key.
func (c *Client) RequestIDHistory() []string {
	c.ridMu.Lock()
	defer c.ridMu.Unlock()
	out := make([]string, len(c.requestIDs))
	copy(out, c.requestIDs)
	return out
}
