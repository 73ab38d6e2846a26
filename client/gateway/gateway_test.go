package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	commonlog "buddy_client/client/common/log"
	"buddy_client/client/token"
)

func init() {
	commonlog.Configure(commonlog.Options{FilePath: "off", MinLevel: "error"})
}

func newTestGateway(t *testing.T, h http.Handler) (*Gateway, *token.Store) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	tokens := token.NewStore(nil)
	return New(Config{Endpoints: []string{srv.URL + "/"}, Timeout: 2 * time.Second}, tokens), tokens
}

func TestBearerAttachedWhenTokenPresent(t *testing.T) {
	var got atomic.Value
	gw, tokens := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	ctx := context.Background()

	if err := gw.Get(ctx, "/auth/me", nil); err != nil {
		t.Fatalf("anonymous get: %v", err)
	}
	if h := got.Load().(string); h != "" {
		t.Fatalf("Authorization without token = %q", h)
	}

	_, _ = tokens.Save(ctx, "tok-1", nil)
	var out struct{ OK bool }
	if err := gw.Get(ctx, "/auth/me", &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if h := got.Load().(string); h != "Bearer tok-1" {
		t.Fatalf("Authorization = %q", h)
	}
	if !out.OK {
		t.Fatal("payload not decoded")
	}

	if err := gw.Post(ctx, "/auth/login", map[string]string{"username": "a"}, nil, Anonymous()); err != nil {
		t.Fatal(err)
	}
	if h := got.Load().(string); h != "" {
		t.Fatalf("anonymous call carried %q", h)
	}

	if err := gw.Delete(ctx, "/notifications/unregister-token", nil, nil, WithBearer("old")); err != nil {
		t.Fatal(err)
	}
	if h := got.Load().(string); h != "Bearer old" {
		t.Fatalf("explicit bearer = %q", h)
	}
}

func TestUnauthorizedClearsTokenBeforeReturning(t *testing.T) {
	var lastAuth atomic.Value
	gw, tokens := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastAuth.Store(r.Header.Get("Authorization"))
		if r.URL.Path == "/auth/me" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	ctx := context.Background()
	_, _ = tokens.Save(ctx, "expired", nil)

	err := gw.Get(ctx, "/auth/me", nil)
	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Kind != KindUnauthorized || !apiErr.RequiresLogin || apiErr.Status != 401 {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if apiErr.Message != MsgSessionExpired {
		t.Fatalf("message = %q", apiErr.Message)
	}
	if _, ok := tokens.Current(); ok {
		t.Fatal("token still present after 401")
	}

	if err := gw.Get(ctx, "/goals", nil); err != nil {
		t.Fatal(err)
	}
	if h := lastAuth.Load().(string); h != "" {
		t.Fatalf("call after 401 carried %q", h)
	}
}

func TestUnauthorizedForStaleTokenKeepsNewerLogin(t *testing.T) {
	release := make(chan struct{})
	gw, tokens := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusUnauthorized)
	}))
	ctx := context.Background()
	_, _ = tokens.Save(ctx, "old", nil)

	done := make(chan error, 1)
	go func() { done <- gw.Get(ctx, "/auth/me", nil) }()
	time.Sleep(50 * time.Millisecond)
	_, _ = tokens.Save(ctx, "new", nil)
	close(release)

	if err := <-done; !IsUnauthorized(err) {
		t.Fatalf("err = %v", err)
	}
	if cur, ok := tokens.Current(); !ok || cur.Value != "new" {
		t.Fatal("401 for a stale token dropped the newer login")
	}
}

func TestErrorMessageExtraction(t *testing.T) {
	cases := []struct {
		name   string
		status int
		ctype  string
		body   string
		kind   Kind
		msg    string
	}{
		{"string body", 400, "application/json", `"Username is already taken!"`, KindValidation, "Username is already taken!"},
		{"plain text", 400, "text/plain", `Invalid goal id`, KindValidation, "Invalid goal id"},
		{"error field", 400, "application/json", `{"error":"Goal not found","message":"ignored"}`, KindValidation, "Goal not found"},
		{"message field", 403, "application/json", `{"message":"Access denied"}`, KindValidation, "Access denied"},
		{"unknown object", 422, "application/json", `{"field":"title","reason":"blank"}`, KindValidation, `{"field":"title","reason":"blank"}`},
		{"empty object", 500, "application/json", `{}`, KindServer, "Server error (status 500). Please try again later."},
		{"empty body not found", 404, "", ``, KindNotFound, MsgNotFound},
		{"empty body server", 503, "", ``, KindServer, "Server error (status 503). Please try again later."},
		{"empty body validation", 409, "", ``, KindValidation, "Request failed with status 409."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.ctype != "" {
					w.Header().Set("Content-Type", tc.ctype)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			err := gw.Get(context.Background(), "/x", nil)
			apiErr, ok := AsAPIError(err)
			if !ok {
				t.Fatalf("expected APIError, got %v", err)
			}
			if apiErr.Kind != tc.kind {
				t.Fatalf("kind = %s, want %s", apiErr.Kind, tc.kind)
			}
			if apiErr.Message != tc.msg {
				t.Fatalf("message = %q, want %q", apiErr.Message, tc.msg)
			}
			if apiErr.IsNetworkError || apiErr.RequiresLogin {
				t.Fatalf("unexpected flags %+v", apiErr)
			}
		})
	}
}

func TestNetworkFailureKeepsToken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	tokens := token.NewStore(nil)
	ctx := context.Background()
	_, _ = tokens.Save(ctx, "keep-me", nil)
	gw := New(Config{Endpoints: []string{"http://" + addr}, Timeout: time.Second}, tokens)

	err = gw.Get(ctx, "/auth/me", nil)
	if !IsNetwork(err) {
		t.Fatalf("expected network error, got %v", err)
	}
	if KindOf(err) != KindNetwork {
		t.Fatalf("kind = %s", KindOf(err))
	}
	if err.Error() != MsgNetwork {
		t.Fatalf("message = %q", err.Error())
	}
	if cur, ok := tokens.Current(); !ok || cur.Value != "keep-me" {
		t.Fatal("network failure invalidated the token")
	}
}

func TestTimeoutSurfacesAsNetworkError(t *testing.T) {
	block := make(chan struct{})
	gw, tokens := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer close(block)
	ctx := context.Background()
	_, _ = tokens.Save(ctx, "tok", nil)

	started := time.Now()
	err := gw.Get(ctx, "/chat/history/bob", nil, WithTimeout(100*time.Millisecond))
	if time.Since(started) > time.Second {
		t.Fatal("call was not bounded by its timeout")
	}
	apiErr, ok := AsAPIError(err)
	if !ok || !apiErr.IsNetworkError {
		t.Fatalf("expected network error, got %v", err)
	}
	if apiErr.Message != MsgTimeout {
		t.Fatalf("message = %q", apiErr.Message)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("cause not preserved: %v", errors.Unwrap(err))
	}
	if _, ok := tokens.Current(); !ok {
		t.Fatal("timeout invalidated the token")
	}
}

func TestQueryAndRequestHeaders(t *testing.T) {
	gw, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "50" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"limit missing"}`))
			return
		}
		if r.Header.Get("X-Request-ID") == "" || !strings.HasPrefix(r.Header.Get("User-Agent"), "buddy-client") {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"headers missing"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	if err := gw.Get(context.Background(), "chat/history/"+PathEscape("bob smith"), nil, WithQuery("limit", "50")); err != nil {
		t.Fatal(err)
	}
}

func TestEndpointRotationSkipsCoolingDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := "http://" + ln.Addr().String()
	_ = ln.Close()

	var hits int32
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer live.Close()

	gw := New(Config{Endpoints: []string{dead, live.URL}, FailThreshold: 1, EndpointCooldown: time.Minute}, nil)
	ctx := context.Background()

	// first call lands on the dead endpoint and puts it into cooldown
	if err := gw.Get(ctx, "/x", nil); !IsNetwork(err) {
		t.Fatalf("first call err = %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := gw.Get(ctx, "/x", nil); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&hits); got != 4 {
		t.Fatalf("live hits = %d", got)
	}
}

func TestNoEndpointConfigured(t *testing.T) {
	gw := New(Config{}, nil)
	err := gw.Get(context.Background(), "/x", nil)
	if !IsNetwork(err) || err.Error() == "" {
		t.Fatalf("err = %v", err)
	}
}

func TestExtractMessageNeverEmptyForUnknownShapes(t *testing.T) {
	for _, body := range []string{`[1,2]`, `42`, `true`, `<html>oops</html>`} {
		if msg := extractMessage([]byte(body)); msg == "" {
			t.Fatalf("extractMessage(%q) empty", body)
		}
	}
	if msg := extractMessage([]byte(`null`)); msg != "" {
		t.Fatalf("null body = %q", msg)
	}
}
