package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"buddy_client/client/common/infra/kv"
	commonlog "buddy_client/client/common/log"
	"buddy_client/client/gateway"
	"buddy_client/client/notify/domain"
	sessionsvc "buddy_client/client/session/service"
	"buddy_client/client/testkit"
	"buddy_client/client/token"
)

func init() {
	commonlog.Configure(commonlog.Options{FilePath: "off", MinLevel: "error"})
}

type fixture struct {
	backend *testkit.Backend
	store   *kv.Memory
	tokens  *token.Store
	gw      *gateway.Gateway
	session *sessionsvc.Controller
	reg     *Registrar
}

var testDevice = domain.Device{Type: "linux", Name: "test-host", AppVersion: "1.0.0"}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := testkit.New(t)
	backend.AddUser("alice", "secret", "Alice", "Kim")
	store := kv.NewMemory()
	tokens := token.NewStore(store)
	gw := gateway.New(gateway.Config{Endpoints: []string{backend.URL}, Timeout: 2 * time.Second}, tokens)
	session := sessionsvc.NewController(gw, tokens)
	reg := NewRegistrar(gw, session, store, testDevice)
	session.AddLogoutHook(reg)
	return &fixture{backend: backend, store: store, tokens: tokens, gw: gw, session: session, reg: reg}
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	if _, err := f.session.Login(context.Background(), "alice", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func TestRegisterRequiresSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Register(context.Background(), "device-1")
	if !gateway.IsUnauthorized(err) {
		t.Fatalf("err = %v", err)
	}
	if n := f.backend.RegisterCalls(); n != 0 {
		t.Fatalf("register calls = %d", n)
	}
	if _, err := f.reg.Register(context.Background(), "  "); gateway.KindOf(err) != gateway.KindValidation {
		t.Fatalf("blank token err = %v", err)
	}
}

func TestRegisterIsIdempotentPerTokenAndUser(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	ctx := context.Background()

	ack, err := f.reg.Register(ctx, "device-1")
	if err != nil || ack.Skipped {
		t.Fatalf("first register = %+v, %v", ack, err)
	}
	ack, err = f.reg.Register(ctx, "device-1")
	if err != nil || !ack.Skipped {
		t.Fatalf("second register = %+v, %v", ack, err)
	}
	if n := f.backend.RegisterCalls(); n != 1 {
		t.Fatalf("register calls = %d", n)
	}

	devices := f.backend.Devices()
	if len(devices) != 1 {
		t.Fatalf("devices = %+v", devices)
	}
	d := devices[0]
	if d.Token != "device-1" || d.UserID != "1" || d.DeviceType != "linux" || d.DeviceName != "test-host" || d.AppVersion != "1.0.0" || !d.Active {
		t.Fatalf("device = %+v", d)
	}
}

func TestConcurrentRegisterSharesOneRequest(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.reg.Register(context.Background(), "device-1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if n := f.backend.RegisterCalls(); n != 1 {
		t.Fatalf("register calls = %d", n)
	}
}

func TestChangedTokenReplacesRegistration(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	ctx := context.Background()

	if _, err := f.reg.Register(ctx, "device-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := f.reg.Register(ctx, "device-2"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if n := f.backend.RegisterCalls(); n != 2 {
		t.Fatalf("register calls = %d", n)
	}
	devices := f.backend.Devices()
	if len(devices) != 2 || devices[0].Active || !devices[1].Active {
		t.Fatalf("devices = %+v", devices)
	}
	cur, ok := f.reg.Current()
	if !ok || cur.Token != "device-2" {
		t.Fatalf("current = %+v, %t", cur, ok)
	}
}

func TestLogoutUnregistersWithPreviousBearer(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	ctx := context.Background()
	tok, _ := f.tokens.Current()

	if _, err := f.reg.Register(ctx, "device-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := f.session.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	f.session.Drain()

	if n := f.backend.UnregisterCalls(); n != 1 {
		t.Fatalf("unregister calls = %d", n)
	}
	if got := f.backend.LastBearer(pathUnregister); got != tok.Value {
		t.Fatalf("unregister bearer = %q", got)
	}
	if devices := f.backend.Devices(); devices[0].Active {
		t.Fatalf("device still active: %+v", devices[0])
	}
	if _, ok := f.reg.Current(); ok {
		t.Fatal("registration kept after logout")
	}
	if _, ok, _ := f.store.Get(ctx, KeyRegistration); ok {
		t.Fatal("persisted registration kept after logout")
	}
}

func TestForcedLogoutSkipsServerUnregister(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	ctx := context.Background()

	if _, err := f.reg.Register(ctx, "device-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	f.backend.RevokeTokens()
	if _, err := f.session.RefreshCurrentUser(ctx); !gateway.IsUnauthorized(err) {
		t.Fatalf("refresh err = %v", err)
	}
	f.session.Drain()

	if n := f.backend.UnregisterCalls(); n != 0 {
		t.Fatalf("unregister calls = %d", n)
	}
	if _, ok := f.reg.Current(); ok {
		t.Fatal("registration kept after forced logout")
	}
}

// gatedCaller holds register requests until released, either before they
// reach the backend or after the backend has answered.
type gatedCaller struct {
	Caller
	afterSend bool
	entered   chan struct{}
	release   chan struct{}
}

func (g *gatedCaller) Call(ctx context.Context, method, path string, body, out any, opts ...gateway.CallOption) error {
	if path != pathRegister {
		return g.Caller.Call(ctx, method, path, body, out, opts...)
	}
	if g.afterSend {
		err := g.Caller.Call(ctx, method, path, body, out, opts...)
		g.entered <- struct{}{}
		<-g.release
		return err
	}
	g.entered <- struct{}{}
	<-g.release
	return g.Caller.Call(ctx, method, path, body, out, opts...)
}

func activeDevices(b *testkit.Backend) []testkit.Device {
	var out []testkit.Device
	for _, d := range b.Devices() {
		if d.Active {
			out = append(out, d)
		}
	}
	return out
}

func TestRegistrationInFlightDuringLogout(t *testing.T) {
	for _, tc := range []struct {
		name      string
		afterSend bool
		reached   int
	}{
		{"cancelled before send", false, 0},
		{"answered after logout", true, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.login(t)
			tok, _ := f.tokens.Current()
			gated := &gatedCaller{Caller: f.gw, afterSend: tc.afterSend, entered: make(chan struct{}, 1), release: make(chan struct{})}
			f.reg.gw = gated

			type result struct {
				ack domain.Ack
				err error
			}
			done := make(chan result, 1)
			go func() {
				ack, err := f.reg.Register(context.Background(), "device-1")
				done <- result{ack, err}
			}()
			<-gated.entered

			if err := f.session.Logout(context.Background()); err != nil {
				t.Fatalf("Logout: %v", err)
			}
			f.session.Drain()
			close(gated.release)

			res := <-done
			if res.err != nil || !res.ack.Discarded {
				t.Fatalf("register = %+v, %v", res.ack, res.err)
			}
			if _, ok := f.reg.Current(); ok {
				t.Fatal("discarded registration recorded")
			}
			if n := f.backend.RegisterCalls(); n != tc.reached {
				t.Fatalf("register calls = %d, want %d", n, tc.reached)
			}
			if active := activeDevices(f.backend); len(active) != 0 {
				t.Fatalf("device still registered after logout: %+v", active)
			}
			if got := f.backend.LastBearer(pathUnregister); got != tok.Value {
				t.Fatalf("withdraw bearer = %q, want the token the registration was sent with", got)
			}
		})
	}
}

func TestLoadRestoresRegistration(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	ctx := context.Background()
	if _, err := f.reg.Register(ctx, "device-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	restarted := NewRegistrar(f.gw, f.session, f.store, testDevice)
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ack, err := restarted.Register(ctx, "device-1")
	if err != nil || !ack.Skipped {
		t.Fatalf("register after restart = %+v, %v", ack, err)
	}
	if n := f.backend.RegisterCalls(); n != 1 {
		t.Fatalf("register calls = %d", n)
	}

	ack, err = restarted.Unregister(ctx)
	if err != nil || ack.Skipped {
		t.Fatalf("Unregister = %+v, %v", ack, err)
	}
	ack, err = restarted.Unregister(ctx)
	if err != nil || !ack.Skipped {
		t.Fatalf("second Unregister = %+v, %v", ack, err)
	}
}

func TestInstallationIDIsStable(t *testing.T) {
	store := kv.NewMemory()
	first, err := InstallationID(context.Background(), store)
	if err != nil || first == "" {
		t.Fatalf("InstallationID = %q, %v", first, err)
	}
	second, _ := InstallationID(context.Background(), store)
	if first != second {
		t.Fatalf("ids differ: %s vs %s", first, second)
	}
	if d := domain.CurrentDevice("2.0", first); d.Type == "" || d.Name == "" || d.AppVersion != "2.0" {
		t.Fatalf("device = %+v", d)
	}
}
