package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	commonlog "buddy_client/client/common/log"
	"buddy_client/client/token"
)

const (
	defaultHTTPTimeout      = 10 * time.Second
	defaultFailThreshold    = 3
	defaultEndpointCooldown = 10 * time.Second
	defaultUserAgent        = "buddy-client/1"
	maxResponseBytes        = 4 << 20
)

// TokenSource is the part of the token store the gateway needs.
type TokenSource interface {
	Current() (token.Token, bool)
	ClearIf(ctx context.Context, value string) (bool, error)
}

type Config struct {
	Endpoints        []string
	Timeout          time.Duration
	FailThreshold    int
	EndpointCooldown time.Duration
	UserAgent        string
	HTTPClient       *http.Client
}

// Gateway is the single HTTP entry point to the backend.
type Gateway struct {
	endpoints []string
	http      *http.Client
	tokens    TokenSource
	timeout   time.Duration
	userAgent string
	next      uint32

	failThreshold    int
	endpointCooldown time.Duration

	mu         sync.Mutex
	failureCnt map[string]int
	cooldownTo map[string]time.Time
}

func New(cfg Config, tokens TokenSource) *Gateway {
	endpoints := normalizeEndpoints(cfg.Endpoints)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	failThreshold := cfg.FailThreshold
	if failThreshold <= 0 {
		failThreshold = defaultFailThreshold
	}
	cooldown := cfg.EndpointCooldown
	if cooldown <= 0 {
		cooldown = defaultEndpointCooldown
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Gateway{
		endpoints:        endpoints,
		http:             httpClient,
		tokens:           tokens,
		timeout:          timeout,
		userAgent:        ua,
		failThreshold:    failThreshold,
		endpointCooldown: cooldown,
		failureCnt:       make(map[string]int, len(endpoints)),
		cooldownTo:       make(map[string]time.Time, len(endpoints)),
	}
}

type callOptions struct {
	anonymous bool
	bearer    string
	timeout   time.Duration
	query     url.Values
}

type CallOption func(*callOptions)

// Anonymous sends the call without a bearer credential.
func Anonymous() CallOption {
	return func(o *callOptions) { o.anonymous = true }
}

// WithBearer sends an explicit credential instead of the stored one.
func WithBearer(value string) CallOption {
	return func(o *callOptions) { o.bearer = strings.TrimSpace(value) }
}

func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

func WithQuery(key, value string) CallOption {
	return func(o *callOptions) {
		if o.query == nil {
			o.query = url.Values{}
		}
		o.query.Set(key, value)
	}
}

// Endpoint returns the base URL the next call would use. Live feeds derive
// their URLs from it.
func (g *Gateway) Endpoint() string {
	if len(g.endpoints) == 0 {
		return ""
	}
	return g.endpoints[int(atomic.LoadUint32(&g.next))%len(g.endpoints)]
}

// Bearer returns the credential outbound calls currently carry.
func (g *Gateway) Bearer() string {
	if g.tokens == nil {
		return ""
	}
	if tok, ok := g.tokens.Current(); ok {
		return tok.Value
	}
	return ""
}

func (g *Gateway) Get(ctx context.Context, path string, out any, opts ...CallOption) error {
	return g.Call(ctx, http.MethodGet, path, nil, out, opts...)
}

func (g *Gateway) Post(ctx context.Context, path string, body, out any, opts ...CallOption) error {
	return g.Call(ctx, http.MethodPost, path, body, out, opts...)
}

func (g *Gateway) Put(ctx context.Context, path string, body, out any, opts ...CallOption) error {
	return g.Call(ctx, http.MethodPut, path, body, out, opts...)
}

func (g *Gateway) Delete(ctx context.Context, path string, body, out any, opts ...CallOption) error {
	return g.Call(ctx, http.MethodDelete, path, body, out, opts...)
}

// Call issues one request and decodes a 2xx JSON payload into out. Every
// failure comes back as *APIError.
func (g *Gateway) Call(ctx context.Context, method, path string, body, out any, opts ...CallOption) error {
	o := callOptions{timeout: g.timeout}
	for _, opt := range opts {
		opt(&o)
	}
	startedAt := time.Now()

	endpoint, ok := g.pickEndpoint(startedAt)
	if !ok {
		return g.finish(method, path, startedAt, NewError(KindNetwork, "Backend endpoint is not configured."))
	}

	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return g.finish(method, path, startedAt, &APIError{Kind: KindValidation, Message: "Request could not be encoded.", cause: err})
		}
		payload = bytes.NewReader(b)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	target := endpoint + normalizePath(path)
	if len(o.query) > 0 {
		target += "?" + o.query.Encode()
	}
	req, err := http.NewRequestWithContext(callCtx, method, target, payload)
	if err != nil {
		return g.finish(method, path, startedAt, &APIError{Kind: KindValidation, Message: "Request could not be built.", cause: err})
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", g.userAgent)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	attached := ""
	switch {
	case o.bearer != "":
		attached = o.bearer
	case !o.anonymous && g.tokens != nil:
		if tok, ok := g.tokens.Current(); ok {
			attached = tok.Value
		}
	}
	if attached != "" {
		req.Header.Set("Authorization", "Bearer "+attached)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		g.onFailure(endpoint, time.Now())
		return g.finish(method, path, startedAt, transportError(ctx, callCtx, err))
	}
	g.onSuccess(endpoint)
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return g.finish(method, path, startedAt, transportError(ctx, callCtx, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := statusError(resp.StatusCode, raw)
		if apiErr.Kind == KindUnauthorized && o.bearer == "" && g.tokens != nil {
			// must happen before the error reaches any caller
			if _, clearErr := g.tokens.ClearIf(context.WithoutCancel(ctx), attached); clearErr != nil {
				commonlog.Errorf("event=gateway_call action=clear_token status=failed path=%s error=%v", path, clearErr)
			}
		}
		return g.finish(method, path, startedAt, apiErr)
	}

	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return g.finish(method, path, startedAt, &APIError{Kind: KindServer, Status: resp.StatusCode, Message: MsgBadResponse, cause: err})
		}
	}
	commonlog.Debugf("event=gateway_call method=%s path=%s status=%d latency_ms=%d", method, path, resp.StatusCode, time.Since(startedAt).Milliseconds())
	return nil
}

func (g *Gateway) finish(method, path string, startedAt time.Time, apiErr *APIError) error {
	apiErr.Method = method
	apiErr.Path = path
	commonlog.Warnf("event=gateway_call method=%s path=%s status=%d kind=%s requires_login=%t latency_ms=%d error=%q",
		method, path, apiErr.Status, apiErr.Kind, apiErr.RequiresLogin, time.Since(startedAt).Milliseconds(), apiErr.Message)
	return apiErr
}

func transportError(parent, callCtx context.Context, err error) *APIError {
	msg := MsgNetwork
	var netErr net.Error
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		msg = MsgCanceled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(callCtx.Err(), context.DeadlineExceeded):
		msg = MsgTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		msg = MsgTimeout
	}
	return &APIError{Kind: KindNetwork, Message: msg, IsNetworkError: true, cause: err}
}

func (g *Gateway) pickEndpoint(now time.Time) (string, bool) {
	if len(g.endpoints) == 0 {
		return "", false
	}
	start := int(atomic.AddUint32(&g.next, 1)-1) % len(g.endpoints)
	for offset := 0; offset < len(g.endpoints); offset++ {
		endpoint := g.endpoints[(start+offset)%len(g.endpoints)]
		if !g.isCoolingDown(endpoint, now) {
			return endpoint, true
		}
	}
	// everything is cooling down; a dead backend still gets one request per call
	return g.endpoints[start], true
}

func (g *Gateway) isCoolingDown(endpoint string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.cooldownTo[endpoint]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(g.cooldownTo, endpoint)
		return false
	}
	return true
}

func (g *Gateway) onFailure(endpoint string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	count := g.failureCnt[endpoint] + 1
	g.failureCnt[endpoint] = count
	if count >= g.failThreshold {
		g.cooldownTo[endpoint] = now.Add(g.endpointCooldown)
		g.failureCnt[endpoint] = 0
		commonlog.Warnf("event=gateway_endpoint action=cooldown endpoint=%s cooldown_ms=%d", endpoint, g.endpointCooldown.Milliseconds())
	}
}

func (g *Gateway) onSuccess(endpoint string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failureCnt[endpoint] = 0
	delete(g.cooldownTo, endpoint)
}

func normalizeEndpoints(endpoints []string) []string {
	result := make([]string, 0, len(endpoints))
	seen := map[string]struct{}{}
	for _, endpoint := range endpoints {
		normalized := strings.TrimRight(strings.TrimSpace(endpoint), "/")
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}
	return result
}

func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

// PathEscape escapes a single path segment such as a peer or goal id.
func PathEscape(segment string) string {
	return url.PathEscape(strings.TrimSpace(segment))
}

func (g *Gateway) String() string {
	return fmt.Sprintf("gateway(%s)", strings.Join(g.endpoints, ","))
}
