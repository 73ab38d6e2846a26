package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"buddy_client/client/common/infra/kv"
	commonlog "buddy_client/client/common/log"
	"buddy_client/client/common/transport/httpresp"
	"buddy_client/client/gateway"
	"buddy_client/client/notify/domain"
)

const (
	pathRegister   = "/notifications/register-token"
	pathUnregister = "/notifications/unregister-token"

	KeyRegistration   = "fcmToken"
	KeyInstallationID = "installationId"
)

type Caller interface {
	Call(ctx context.Context, method, path string, body, out any, opts ...gateway.CallOption) error
}

type Session interface {
	Authenticated() bool
	UserID() string
}

type registerRequest struct {
	Token string `json:"token"`
	domain.Device
}

type unregisterRequest struct {
	Token string `json:"token"`
}

// Registrar keeps the backend's push token for this device in step with the
// session.
type Registrar struct {
	gw      Caller
	session Session
	store   kv.Store
	device  domain.Device
	now     func() time.Time

	bearer  func() string

	group singleflight.Group

	mu      sync.Mutex
	epoch   uint64
	// epochCtx is cancelled when the epoch ends, aborting registrations
	// still in flight.
	epochCtx    context.Context
	cancelEpoch context.CancelFunc
	current     *domain.Registration
}

// BearerSource exposes the token a Caller is about to attach.
type BearerSource interface {
	Bearer() string
}

// NewRegistrar builds a Registrar. When gw also implements BearerSource,
// registrations pin the bearer they were sent with so a registration
// overtaken by logout can be withdrawn under the same identity.
func NewRegistrar(gw Caller, session Session, store kv.Store, device domain.Device) *Registrar {
	r := &Registrar{gw: gw, session: session, store: store, device: device, now: time.Now}
	if src, ok := gw.(BearerSource); ok {
		r.bearer = src.Bearer
	}
	r.epochCtx, r.cancelEpoch = context.WithCancel(context.Background())
	return r
}

// InstallationID returns the id persisted for this installation, creating
// one on first use.
func InstallationID(ctx context.Context, store kv.Store) (string, error) {
	raw, ok, err := store.Get(ctx, KeyInstallationID)
	if err != nil {
		return "", err
	}
	if ok && len(raw) > 0 {
		return string(raw), nil
	}
	id := uuid.NewString()
	if err := store.SetMany(ctx, map[string][]byte{KeyInstallationID: []byte(id)}); err != nil {
		return "", err
	}
	return id, nil
}

// Load restores the registration recorded by an earlier run.
func (r *Registrar) Load(ctx context.Context) error {
	raw, ok, err := r.store.Get(ctx, KeyRegistration)
	if err != nil || !ok {
		return err
	}
	var reg domain.Registration
	if err := json.Unmarshal(raw, &reg); err != nil || reg.Token == "" {
		commonlog.Warnf("event=notify_registrar action=load status=ignored reason=%q", "unreadable registration")
		return r.store.Delete(ctx, KeyRegistration)
	}
	r.mu.Lock()
	r.current = &reg
	r.mu.Unlock()
	return nil
}

func (r *Registrar) Current() (domain.Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return domain.Registration{}, false
	}
	return *r.current, true
}

// Register records deviceToken for the signed-in user. Re-registering the
// same token for the same user is a no-op, and concurrent calls for the
// same token share one request.
func (r *Registrar) Register(ctx context.Context, deviceToken string) (domain.Ack, error) {
	deviceToken = strings.TrimSpace(deviceToken)
	if deviceToken == "" {
		return domain.Ack{}, gateway.NewError(gateway.KindValidation, "Device token is required.")
	}
	if !r.session.Authenticated() {
		return domain.Ack{}, gateway.NewError(gateway.KindUnauthorized, "Not logged in.")
	}
	userID := r.session.UserID()

	r.mu.Lock()
	if r.current != nil && r.current.Matches(deviceToken, userID) {
		r.mu.Unlock()
		return domain.Ack{Message: "Device already registered.", Skipped: true}, nil
	}
	epoch, epochCtx := r.epoch, r.epochCtx
	r.mu.Unlock()

	bearer := ""
	if r.bearer != nil {
		bearer = r.bearer()
	}
	key := fmt.Sprintf("%d|%s|%s", epoch, userID, deviceToken)
	ch := r.group.DoChan(key, func() (any, error) {
		return r.register(context.WithoutCancel(ctx), epochCtx, epoch, userID, deviceToken, bearer)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.Ack{}, res.Err
		}
		return res.Val.(domain.Ack), nil
	case <-ctx.Done():
		return domain.Ack{}, gateway.NewError(gateway.KindNetwork, gateway.MsgCanceled)
	}
}

func (r *Registrar) register(ctx, epochCtx context.Context, epoch uint64, userID, deviceToken, bearer string) (domain.Ack, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(epochCtx, cancel)
	defer stop()

	var opts []gateway.CallOption
	if bearer != "" {
		opts = append(opts, gateway.WithBearer(bearer))
	}
	var resp httpresp.MessageResponse
	err := r.gw.Call(callCtx, http.MethodPost, pathRegister, registerRequest{Token: deviceToken, Device: r.device}, &resp, opts...)

	reg := domain.Registration{Token: deviceToken, UserID: userID, RegisteredAt: r.now().UTC()}
	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		commonlog.Infof("event=notify_registrar action=register status=discarded user_id=%s", userID)
		// the backend may have recorded the token before the request was cut off
		r.withdraw(ctx, userID, deviceToken, bearer)
		return domain.Ack{Message: resp.Message, Discarded: true}, nil
	}
	if err != nil {
		r.mu.Unlock()
		commonlog.Warnf("event=notify_registrar action=register status=failed user_id=%s error=%q", userID, err.Error())
		return domain.Ack{}, err
	}
	prev := r.current
	r.current = &reg
	r.mu.Unlock()

	if raw, err := json.Marshal(reg); err == nil {
		if err := r.store.SetMany(ctx, map[string][]byte{KeyRegistration: raw}); err != nil {
			commonlog.Errorf("event=notify_registrar action=persist status=failed error=%v", err)
		}
	}
	commonlog.Infof("event=notify_registrar action=register status=ok user_id=%s device_type=%s", userID, r.device.Type)

	if prev != nil && prev.Token != deviceToken && prev.UserID == userID {
		if err := r.unregister(ctx, prev.Token); err != nil {
			commonlog.Warnf("event=notify_registrar action=replace status=failed error=%q", err.Error())
		}
	}
	return domain.Ack{Message: resp.Message}, nil
}

// Unregister removes the current registration from the backend.
func (r *Registrar) Unregister(ctx context.Context) (domain.Ack, error) {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()
	if cur == nil {
		return domain.Ack{Message: "No device registered.", Skipped: true}, nil
	}

	var resp httpresp.MessageResponse
	if err := r.gw.Call(ctx, http.MethodDelete, pathUnregister, unregisterRequest{Token: cur.Token}, &resp); err != nil {
		return domain.Ack{}, err
	}
	r.mu.Lock()
	if r.current != nil && r.current.Token == cur.Token {
		r.current = nil
	}
	r.mu.Unlock()
	r.forget(ctx)
	return domain.Ack{Message: resp.Message}, nil
}

// OnLogout drops the registration. Unless the session was forcibly ended,
// it also asks the backend to forget the token using the bearer that was
// valid before logout.
func (r *Registrar) OnLogout(ctx context.Context, bearer string, forced bool) {
	r.mu.Lock()
	r.epoch++
	r.cancelEpoch()
	r.epochCtx, r.cancelEpoch = context.WithCancel(context.Background())
	cur := r.current
	r.current = nil
	r.mu.Unlock()

	r.forget(ctx)
	if cur == nil || forced || bearer == "" {
		return
	}
	err := r.gw.Call(ctx, http.MethodDelete, pathUnregister, unregisterRequest{Token: cur.Token}, nil, gateway.WithBearer(bearer))
	if err != nil {
		commonlog.Warnf("event=notify_registrar action=logout_unregister status=failed error=%q", err.Error())
		return
	}
	commonlog.Infof("event=notify_registrar action=logout_unregister status=ok user_id=%s", cur.UserID)
}

// withdraw unregisters a token whose registration was overtaken by logout,
// authenticating as the user it was registered for.
func (r *Registrar) withdraw(ctx context.Context, userID, deviceToken, bearer string) {
	if bearer == "" {
		return
	}
	err := r.gw.Call(ctx, http.MethodDelete, pathUnregister, unregisterRequest{Token: deviceToken}, nil, gateway.WithBearer(bearer))
	if err != nil {
		commonlog.Warnf("event=notify_registrar action=withdraw status=failed user_id=%s error=%q", userID, err.Error())
		return
	}
	commonlog.Infof("event=notify_registrar action=withdraw status=ok user_id=%s", userID)
}

func (r *Registrar) unregister(ctx context.Context, deviceToken string) error {
	return r.gw.Call(ctx, http.MethodDelete, pathUnregister, unregisterRequest{Token: deviceToken}, nil)
}

func (r *Registrar) forget(ctx context.Context) {
	if err := r.store.Delete(ctx, KeyRegistration); err != nil {
		commonlog.Errorf("event=notify_registrar action=forget status=failed error=%v", err)
	}
}
