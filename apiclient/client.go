// Package apiclient is the HTTP client every command talks to the backend
// through. It attaches the session headers, refreshes the access token when
// the server answers 401, and turns failures into *apierr.Error values.
package apiclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/go-authgate/session-cli/apierr"
	"github.com/go-authgate/session-cli/kvstore"
	"github.com/go-authgate/session-cli/logx"
	"github.com/go-authgate/session-cli/refresh"
	"github.com/go-authgate/session-cli/session"
)

// Defaults applied by New.
const (
	DefaultRefreshPath = "/user/refresh-token"
	DefaultLoginURL    = "/auth/login"
	DefaultDeviceType  = "cli"
	DefaultTimeout     = 30 * time.Second
)

// Header names sent with every request.
const (
	HeaderDeviceType    = "X-Device-Type"
	HeaderDeviceID      = "X-Device-ID"
	HeaderClientVersion = "X-Client-Version"
	HeaderRequestID     = "X-Request-ID"
)

// Doer sends a single HTTP request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// retryDoer adapts a go-httpretry client to Doer.
type retryDoer struct {
	client *retry.Client
}

func (d retryDoer) Do(req *http.Request) (*http.Response, error) {
	return d.client.DoWithContext(req.Context(), req)
}

// Config configures a Client.
type Config struct {
	// BaseURL is prefixed to every request path, e.g. http://localhost:8080/v1/api.
	BaseURL string

	// LoginURL is where the user is sent when the session expires.
	LoginURL string

	RefreshPath   string
	ClientVersion string
	DeviceType    string

	// Timeout bounds every request, the refresh call included.
	Timeout time.Duration

	// MaxRetries enables transport-level retries for ordinary requests.
	// The refresh call is never retried.
	MaxRetries int

	// RateLimit caps outgoing requests per second. Zero disables the limiter.
	RateLimit float64

	// HTTPClient is the base client. Its Jar is replaced by the persistent jar.
	HTTPClient *http.Client

	Notifier Notifier
	Logger   *slog.Logger
}

// Client is safe for concurrent use.
type Client struct {
	baseURL       string
	loginURL      string
	refreshPath   string
	clientVersion string
	deviceType    string
	timeout       time.Duration

	http    *http.Client
	doer    Doer
	limiter *rate.Limiter
	jar     *PersistentJar

	store    *session.TokenStore
	device   *session.DeviceIdentity
	coord    *refresh.Coordinator
	notifier Notifier
	logger   *slog.Logger

	// returnTo is the path of the request that last entered the refresh
	// branch; the session-expired notice sends the user back there.
	returnTo atomic.Pointer[string]

	// rejectedToken is the last refreshed token the server turned down.
	rejectMu      sync.Mutex
	rejectedToken string
}

// New builds a Client whose session, device id and cookies live in kv.
func New(ctx context.Context, cfg Config, kv kvstore.Store) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL scheme must be http or https, got: %q", base.Scheme)
	}
	if base.Host == "" {
		return nil, errors.New("base URL must include a host")
	}

	if cfg.LoginURL == "" {
		cfg.LoginURL = DefaultLoginURL
	}
	if cfg.RefreshPath == "" {
		cfg.RefreshPath = DefaultRefreshPath
	}
	if cfg.DeviceType == "" {
		cfg.DeviceType = DefaultDeviceType
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NopNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logx.Discard()
	}

	jar, err := NewPersistentJar(ctx, kv, cfg.Logger)
	if err != nil {
		return nil, err
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	} else {
		cp := *httpClient
		httpClient = &cp
	}
	httpClient.Jar = jar

	c := &Client{
		baseURL:       strings.TrimRight(base.String(), "/"),
		loginURL:      cfg.LoginURL,
		refreshPath:   cfg.RefreshPath,
		clientVersion: cfg.ClientVersion,
		deviceType:    cfg.DeviceType,
		timeout:       cfg.Timeout,
		http:          httpClient,
		doer:          httpClient,
		jar:           jar,
		store:         session.NewTokenStore(kv, cfg.Logger),
		device:        session.NewDeviceIdentity(kv, cfg.Logger),
		notifier:      cfg.Notifier,
		logger:        cfg.Logger,
	}

	if cfg.MaxRetries > 0 {
		rc, err := retry.NewClient(
			retry.WithHTTPClient(httpClient),
			retry.WithMaxRetries(cfg.MaxRetries),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create retry client: %w", err)
		}
		c.doer = retryDoer{client: rc}
	}

	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit)))
	}

	c.coord = refresh.NewCoordinator(httpRefresher{c: c}, c.store, refresh.Config{
		Timeout:   cfg.Timeout,
		OnExpired: c.sessionExpired,
		Logger:    cfg.Logger,
	})
	return c, nil
}

// Session exposes the token store for read-only callers such as a status view.
func (c *Client) Session() *session.TokenStore {
	return c.store
}

// DeviceID returns the identifier sent in X-Device-ID.
func (c *Client) DeviceID(ctx context.Context) string {
	return c.device.DeviceID(ctx)
}

// Coordinator exposes the refresh coordinator, mainly for tests and status output.
func (c *Client) Coordinator() *refresh.Coordinator {
	return c.coord
}

func (c *Client) Get(ctx context.Context, path string, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodGet, path, nil, out, opts...)
}

func (c *Client) Delete(ctx context.Context, path string, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodDelete, path, nil, out, opts...)
}

func (c *Client) Post(ctx context.Context, path string, body, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodPost, path, body, out, opts...)
}

func (c *Client) Put(ctx context.Context, path string, body, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodPut, path, body, out, opts...)
}

func (c *Client) Patch(ctx context.Context, path string, body, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodPatch, path, body, out, opts...)
}

// Do sends one logical request. On success the response body is decoded into
// out (a nil out discards it). Every failure is an *apierr.Error.
//
// A 401 on an authenticated session runs the shared refresh and retries the
// request once with the new token. A second 401 ends the session.
func (c *Client) Do(
	ctx context.Context,
	method, path string,
	body, out any,
	opts ...RequestOption,
) error {
	o := requestOptions{returnTo: path}
	for _, opt := range opts {
		opt(&o)
	}

	payload, err := encodeBody(body)
	if err != nil {
		return &apierr.Error{Kind: apierr.KindRequestFailed, Message: apierr.MsgRequestFailed, Err: err}
	}

	sent := c.store.Token(ctx)
	resp, err := c.send(ctx, c.doer, method, path, payload, &o, sent)
	if err != nil {
		return c.fail(&o, apierr.FromTransport(err))
	}

	if resp.status == http.StatusUnauthorized && !o.noRefresh {
		if !c.store.IsAuthenticated(ctx) {
			return c.fail(&o, unauthenticated(resp.body))
		}

		// A refresh that settled while this request was in flight already
		// produced a newer token; retry with it instead of refreshing again.
		token := c.store.Token(ctx)
		if token == sent {
			c.returnTo.Store(&o.returnTo)
			token, err = c.coord.Handle(ctx)
			if err != nil {
				if apierr.IsKind(err, apierr.KindAuthenticationExpired) {
					// Session already cleared and the expiry notice sent.
					return err
				}
				return apierr.FromTransport(err)
			}
		}

		resp, err = c.send(ctx, c.doer, method, path, payload, &o, token)
		if err != nil {
			return c.fail(&o, apierr.FromTransport(err))
		}
		if resp.status == http.StatusUnauthorized {
			c.logger.Warn("request rejected after refresh", "method", method, "path", path)
			c.rejected(ctx, token, o.returnTo)
			e := apierr.Classify(resp.status, resp.body)
			e.Err = errors.New("rejected again after token refresh")
			return e
		}
	}

	if resp.status == http.StatusUnauthorized {
		return c.fail(&o, unauthenticated(resp.body))
	}
	if resp.status < 200 || resp.status > 299 {
		return c.fail(&o, apierr.Classify(resp.status, resp.body))
	}

	if out == nil || len(bytes.TrimSpace(resp.body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return c.fail(&o, &apierr.Error{
			Kind:       apierr.KindRequestFailed,
			StatusCode: resp.status,
			Message:    apierr.MsgRequestFailed,
			Err:        fmt.Errorf("failed to decode response: %w", err),
		})
	}
	return nil
}

type response struct {
	status int
	body   []byte
}

// send performs a single HTTP exchange. token may be empty.
func (c *Client) send(
	ctx context.Context,
	doer Doer,
	method, path string,
	payload []byte,
	o *requestOptions,
	token string,
) (*response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(reqCtx, method, path, payload, o, token)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := doer.Do(req)
	if err != nil {
		c.logger.Debug("request failed",
			"method", method,
			"path", path,
			"request_id", req.Header.Get(HeaderRequestID),
			"error", err,
		)
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("request completed",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"request_id", req.Header.Get(HeaderRequestID),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &response{status: resp.StatusCode, body: raw}, nil
}

func (c *Client) newRequest(
	ctx context.Context,
	method, path string,
	payload []byte,
	o *requestOptions,
	token string,
) (*http.Request, error) {
	endpoint, err := c.endpoint(path, o)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDeviceType, c.deviceType)
	req.Header.Set(HeaderDeviceID, c.device.DeviceID(ctx))
	req.Header.Set(HeaderClientVersion, c.clientVersion)
	req.Header.Set(HeaderRequestID, uuid.NewString())
	for k, v := range o.headers {
		req.Header.Set(k, v)
	}
	if token != "" {
		(&oauth2.Token{AccessToken: token}).SetAuthHeader(req)
	}
	return req, nil
}

func (c *Client) endpoint(path string, o *requestOptions) (string, error) {
	u, err := url.Parse(c.baseURL + "/" + strings.TrimPrefix(path, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid request path %q: %w", path, err)
	}
	if len(o.query) > 0 {
		q := u.Query()
		for k, vs := range o.query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// fail sends the transient notice for e, unless suppressed, and returns it.
func (c *Client) fail(o *requestOptions, e *apierr.Error) error {
	c.logger.Debug("request error", "kind", e.Kind.String(), "status", e.StatusCode, "error", e.Err)
	if !o.quiet {
		c.notifier.Notify(e)
	}
	return e
}

// sessionExpired is the refresh coordinator's hook for failed cycles.
func (c *Client) sessionExpired(err error) {
	c.logger.Info("session expired", "error", err)
	returnTo := ""
	if p := c.returnTo.Load(); p != nil {
		returnTo = *p
	}
	c.notifier.SessionExpired(c.loginURLFor(returnTo))
}

// rejected ends the session after the server refused a freshly refreshed
// token. Requests rejected with the same token share one expiry notice.
func (c *Client) rejected(ctx context.Context, token, returnTo string) {
	c.rejectMu.Lock()
	first := c.rejectedToken != token
	c.rejectedToken = token
	c.rejectMu.Unlock()
	if !first {
		return
	}

	sctx, cancel := c.detached(ctx)
	defer cancel()
	c.store.ClearSession(sctx)
	c.notifier.SessionExpired(c.loginURLFor(returnTo))
}

// detached returns a context for local session writes that must finish even
// when the caller has gone away.
func (c *Client) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
}

// loginURLFor builds the login location that brings the user back to returnTo.
func (c *Client) loginURLFor(returnTo string) string {
	if returnTo == "" {
		return c.loginURL
	}
	sep := "?"
	if strings.Contains(c.loginURL, "?") {
		sep = "&"
	}
	return c.loginURL + sep + "redirect=" + url.QueryEscape(returnTo)
}

// unauthenticated classifies a 401 that did not go through refresh. The
// server's own message is kept, since it usually explains the rejection.
func unauthenticated(raw []byte) *apierr.Error {
	e := apierr.Classify(http.StatusUnauthorized, raw)
	var b struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &b) == nil && b.Message != "" {
		e.Message = b.Message
	}
	return e
}

func encodeBody(body any) ([]byte, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		return raw, nil
	}
}
