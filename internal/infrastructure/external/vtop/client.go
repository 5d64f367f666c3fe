// Package vtop implements the transport to the VTOP academic portal: a cookie-backed HTTP
// client per session, challenge detection on the login page, verdict classification of
// login responses and generic HTML extractors for authenticated pages.
package vtop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/vtop-hub/vtop-gateway/internal/domain/session"
	"github.com/vtop-hub/vtop-gateway/internal/domain/shared"
	"github.com/vtop-hub/vtop-gateway/pkg/circuitbreaker"
	"github.com/vtop-hub/vtop-gateway/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration shared by every portal client.
type ClientConfig struct {
	// BaseURL is the portal origin, e.g. https://vtop.example.edu
	BaseURL string

	// CSRFSeed is the static _csrf value sent with the prelogin setup request.
	CSRFSeed string

	// Timeout bounds every single request.
	Timeout time.Duration

	// RequestsPerSecond and Burst shape the outbound limiter shared by all sessions.
	RequestsPerSecond float64
	Burst             int

	// BreakerThreshold consecutive transport failures open the breaker for BreakerTimeout.
	BreakerThreshold int
	BreakerTimeout   time.Duration

	// UserAgent is sent with every request.
	UserAgent string
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:           baseURL,
		CSRFSeed:          DefaultCSRFSeed,
		Timeout:           20 * time.Second,
		RequestsPerSecond: 5,
		Burst:             10,
		BreakerThreshold:  5,
		BreakerTimeout:    30 * time.Second,
		UserAgent:         "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
	}
}

// maxBodyBytes caps how much of a portal response is read.
const maxBodyBytes = 8 << 20

// ══════════════════════════════════════════════════════════════════════════════
// PORTAL (shared limiter + breaker)
// ══════════════════════════════════════════════════════════════════════════════

// Portal owns the resources shared by every session client: the outbound rate limiter
// and the circuit breaker.
type Portal struct {
	config  ClientConfig
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	logger  *logger.Logger
}

// NewPortal creates the shared portal resources.
func NewPortal(config ClientConfig, log *logger.Logger) *Portal {
	if log == nil {
		log = logger.Nop()
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	log = log.With(logger.Component("vtop"))

	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Portal{
		config:  config,
		limiter: rate.NewLimiter(limit, burst),
		breaker: circuitbreaker.PortalBreaker(config.BreakerThreshold, config.BreakerTimeout, breakerFailure,
			func(name string, from, to circuitbreaker.State) {
				log.Warn("circuit breaker state changed",
					logger.String("breaker", name),
					logger.String("from", from.String()),
					logger.String("to", to.String()),
				)
			}),
		logger: log,
	}
}

// NewClient creates a client with its own empty cookie store.
func (p *Portal) NewClient() (*Client, error) {
	c := &Client{portal: p}
	if err := c.ResetCookies(); err != nil {
		return nil, err
	}
	return c, nil
}

// BreakerState reports the current circuit breaker state.
func (p *Portal) BreakerState() string {
	return p.breaker.State().String()
}

// Config returns the portal configuration.
func (p *Portal) Config() ClientConfig {
	return p.config
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is one session's connection to the portal. It exclusively owns its cookie store.
type Client struct {
	portal *Portal

	mu   sync.RWMutex
	http *http.Client
}

// ResetCookies discards every cookie by swapping in a fresh store.
func (c *Client) ResetCookies() error {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return fmt.Errorf("create cookie jar: %w", err)
	}

	c.mu.Lock()
	c.http = &http.Client{
		Timeout: c.portal.config.Timeout,
		Jar:     jar,
	}
	c.mu.Unlock()
	return nil
}

// Cookies returns the cookies the store would send to the portal origin.
func (c *Client) Cookies() []*http.Cookie {
	u, err := url.Parse(c.portal.config.BaseURL)
	if err != nil {
		return nil
	}
	return c.httpClient().Jar.Cookies(u)
}

func (c *Client) httpClient() *http.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.http
}

// FetchLoginPage loads the prelogin setup page that carries the captcha challenge.
func (c *Client) FetchLoginPage(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, c.portal.setupURL(), nil)
}

// SubmitLogin posts credentials, token and captcha guess as query parameters with an
// empty body and returns the raw response.
func (c *Client) SubmitLogin(ctx context.Context, username, password, csrf, captcha string) ([]byte, error) {
	return c.do(ctx, http.MethodPost, c.portal.loginURL(username, password, csrf, captcha), nil)
}

// SubmitAuthenticatedRequest posts params to an authenticated portal path, adding the
// student identifier and anti-forgery token the portal expects on every call.
func (c *Client) SubmitAuthenticatedRequest(ctx context.Context, auth *session.AuthContext, path string, params url.Values) ([]byte, error) {
	if !auth.IsValid() {
		return nil, shared.NewDomainError("vtop", "SubmitAuthenticatedRequest", shared.ErrNotAuthenticated,
			"session has no auth context")
	}

	form := url.Values{}
	for k, vs := range params {
		form[k] = append([]string(nil), vs...)
	}
	form.Set("authorizedID", auth.StudentID)
	form.Set("_csrf", auth.CSRFToken)
	form.Set("x", time.Now().UTC().Format(time.RFC1123))

	return c.do(ctx, http.MethodPost, c.portal.config.BaseURL+path, form)
}

// do runs one request through the shared limiter and breaker. Any status below 400 is a
// successful round trip; only transport failures and 5xx responses count against the breaker.
func (c *Client) do(ctx context.Context, method, rawURL string, form url.Values) ([]byte, error) {
	op := method + " " + pathOf(rawURL)

	if err := c.portal.limiter.Wait(ctx); err != nil {
		return nil, shared.WrapError("vtop", op, shared.ErrTransport, "rate limiter wait", err)
	}

	var body []byte
	err := c.portal.breaker.Execute(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if form != nil {
			reader = strings.NewReader(form.Encode())
		}

		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return fmt.Errorf("create request: %w", scrubURL(err))
		}
		req.Header.Set("User-Agent", c.portal.config.UserAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		start := time.Now()
		resp, err := c.httpClient().Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", scrubURL(err))
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		c.portal.logger.Debug("portal request",
			logger.Operation(op),
			logger.Int("status", resp.StatusCode),
			logger.Latency(time.Since(start)),
		)

		if resp.StatusCode >= 400 {
			return &StatusError{Code: resp.StatusCode}
		}
		return nil
	})
	if err != nil {
		msg := "request failed"
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			msg = "portal circuit open"
		}
		return nil, shared.WrapError("vtop", op, shared.ErrTransport, msg, err)
	}
	return body, nil
}

// StatusError is a portal response with a 4xx or 5xx status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// breakerFailure reports whether err says the portal itself is unhealthy. A 4xx answers
// one caller's request (stale session, bad form) and must not trip the breaker for everyone.
func breakerFailure(err error) bool {
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code >= 500
	}
	return true
}

// scrubURL drops the URL from a *url.Error; login URLs carry credentials.
func scrubURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}
