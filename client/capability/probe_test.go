package capability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	commonlog "buddy_client/client/common/log"
	"buddy_client/client/gateway"
)

func init() {
	commonlog.Configure(commonlog.Options{FilePath: "off", MinLevel: "error"})
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestFailedProbeIsCachedAcrossConcurrentCallers(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	p := New(time.Minute)
	p.SetClock(clock.Now)

	var calls int32
	release := make(chan struct{})
	p.Register(RealtimeMessaging, func(ctx context.Context) (bool, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return false, errors.New("connection refused")
	})

	var wg sync.WaitGroup
	results := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- p.Ensure(context.Background(), RealtimeMessaging)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for ok := range results {
		if ok {
			t.Fatal("Ensure reported available")
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("probe ran %d times, want 1", got)
	}

	clock.Advance(30 * time.Second)
	for i := 0; i < 100; i++ {
		if p.Ensure(context.Background(), RealtimeMessaging) {
			t.Fatal("available inside cooldown")
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("probe re-ran inside cooldown: %d", got)
	}
	st := p.State(RealtimeMessaging)
	if st.Available != Unavailable || st.Reason != "connection refused" {
		t.Fatalf("state = %+v", st)
	}

	clock.Advance(31 * time.Second)
	_ = p.Ensure(context.Background(), RealtimeMessaging)
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("probe after cooldown ran %d times, want 2", got)
	}
}

func TestPositiveAnswerIsCachedForever(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	p := New(time.Minute)
	p.SetClock(clock.Now)
	var calls int32
	p.Register("feature", func(context.Context) (bool, error) {
		atomic.AddInt32(&calls, 1)
		return true, nil
	})

	for i := 0; i < 10; i++ {
		if !p.Ensure(context.Background(), "feature") {
			t.Fatal("not available")
		}
		clock.Advance(24 * time.Hour)
	}
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
	if p.ProbeCount("feature") != 1 {
		t.Fatalf("ProbeCount = %d", p.ProbeCount("feature"))
	}
}

func TestMarkUnavailableOverridesAndRefreshReprobes(t *testing.T) {
	p := New(time.Hour)
	var calls int32
	p.Register("feature", func(context.Context) (bool, error) {
		atomic.AddInt32(&calls, 1)
		return true, nil
	})
	if !p.Ensure(context.Background(), "feature") {
		t.Fatal("expected available")
	}
	p.MarkUnavailable("feature", "live channel failing")
	if p.Ensure(context.Background(), "feature") {
		t.Fatal("expected unavailable after MarkUnavailable")
	}
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
	if !p.Refresh(context.Background(), "feature") {
		t.Fatal("Refresh did not re-probe")
	}
	if calls != 2 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestUnregisteredCapabilityIsUnavailable(t *testing.T) {
	p := New(0)
	if p.Ensure(context.Background(), "missing") {
		t.Fatal("unregistered capability reported available")
	}
	if p.State("missing").Available != Unavailable {
		t.Fatal("state not recorded")
	}
}

func TestCallerCancellationDoesNotPoisonSharedProbe(t *testing.T) {
	p := New(time.Hour)
	release := make(chan struct{})
	p.Register("feature", func(ctx context.Context) (bool, error) {
		select {
		case <-release:
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- p.Ensure(ctx, "feature") }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if <-done {
		t.Fatal("cancelled caller got true")
	}

	second := make(chan bool, 1)
	go func() { second <- p.Ensure(context.Background(), "feature") }()
	close(release)
	if !<-second {
		t.Fatal("shared probe was poisoned by the cancelled caller")
	}
}

func TestHealthCheck(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   any
		want   bool
		err    bool
	}{
		{"up with component", 200, map[string]any{"status": "UP", "components": map[string]any{"firebase": map[string]string{"status": "UP"}}}, true, false},
		{"component down", 200, map[string]any{"status": "UP", "components": map[string]any{"firebase": map[string]string{"status": "DOWN"}}}, false, false},
		{"component missing", 200, map[string]any{"status": "UP", "components": map[string]any{"db": map[string]string{"status": "UP"}}}, false, false},
		{"no details", 200, map[string]any{"status": "UP"}, true, false},
		{"down", 503, map[string]any{"status": "DOWN"}, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/actuator/health" {
					http.NotFound(w, r)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_ = json.NewEncoder(w).Encode(tc.body)
			}))
			defer srv.Close()

			gw := gateway.New(gateway.Config{Endpoints: []string{srv.URL}}, nil)
			ok, err := HealthCheck(gw, "firebase")(context.Background())
			if ok != tc.want || (err != nil) != tc.err {
				t.Fatalf("ok=%t err=%v", ok, err)
			}
		})
	}
}
