package service

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"buddy_client/client/common/auth"
	commonlog "buddy_client/client/common/log"
	"buddy_client/client/common/transport/httpresp"
	"buddy_client/client/gateway"
	"buddy_client/client/session/domain"
	"buddy_client/client/token"
)

const (
	pathLogin    = "/auth/login"
	pathRegister = "/auth/register"
	pathMe       = "/auth/me"

	defaultBackgroundTimeout = 15 * time.Second
)

type Caller interface {
	Call(ctx context.Context, method, path string, body, out any, opts ...gateway.CallOption) error
}

type TokenStore interface {
	Load(ctx context.Context) (token.Token, bool, error)
	Current() (token.Token, bool)
	Save(ctx context.Context, value string, profile []byte) (token.Token, error)
	SaveProfile(ctx context.Context, profile []byte) error
	Profile(ctx context.Context) ([]byte, bool, error)
	Clear(ctx context.Context) error
}

// LogoutHook is signalled after every transition to anonymous. bearer is the
// token that was active before the transition; forced is set when the
// backend already rejected it.
type LogoutHook interface {
	OnLogout(ctx context.Context, bearer string, forced bool)
}

type LogoutHookFunc func(ctx context.Context, bearer string, forced bool)

func (f LogoutHookFunc) OnLogout(ctx context.Context, bearer string, forced bool) {
	f(ctx, bearer, forced)
}

// Controller owns the single live Session of the process.
type Controller struct {
	gw     Caller
	tokens TokenStore

	mu      sync.Mutex
	session domain.Session
	epoch   uint64
	seq     uint64
	hooks   []LogoutHook

	watchMu     sync.Mutex
	watchers    map[int]func(domain.Session)
	nextWatcher int

	deliverMu sync.Mutex
	delivered uint64

	bg        sync.WaitGroup
	bgTimeout time.Duration
}

func NewController(gw Caller, tokens TokenStore) *Controller {
	return &Controller{
		gw:        gw,
		tokens:    tokens,
		session:   domain.Anonymous(),
		watchers:  map[int]func(domain.Session){},
		bgTimeout: defaultBackgroundTimeout,
	}
}

func (c *Controller) AddLogoutHook(h LogoutHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, h)
}

func (c *Controller) Session() domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Controller) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Authenticated
}

func (c *Controller) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.UserID()
}

// Watch registers fn for every session transition. fn runs outside the
// controller lock and must not block for long.
func (c *Controller) Watch(fn func(domain.Session)) (cancel func()) {
	c.watchMu.Lock()
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = fn
	c.watchMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.watchMu.Lock()
			delete(c.watchers, id)
			c.watchMu.Unlock()
		})
	}
}

// Login authenticates anonymously against the backend. A login that
// completes after a newer login or a logout is discarded. Logging in over
// an authenticated session ends that session first.
func (c *Controller) Login(ctx context.Context, username, password string) (domain.UserProfile, error) {
	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	var (
		hooks  []LogoutHook
		bearer string
	)
	if c.session.Authenticated {
		if tok, ok := c.tokens.Current(); ok {
			bearer = tok.Value
		}
		if err := c.tokens.Clear(ctx); err != nil {
			commonlog.Errorf("event=session_login action=clear_previous status=failed error=%v", err)
		}
		hooks = append(hooks, c.hooks...)
	}
	snap, seq := c.applyLocked(domain.Event{Kind: domain.EventLoginStarted})
	c.mu.Unlock()
	c.publish(snap, seq)
	if len(hooks) > 0 {
		c.runHooks(hooks, bearer, false)
	}

	creds := domain.Credentials{Username: strings.TrimSpace(username), Password: password}
	var resp httpresp.TokenResponse
	err := c.gw.Call(ctx, http.MethodPost, pathLogin, creds, &resp, gateway.Anonymous())
	if err == nil && strings.TrimSpace(resp.Token) == "" {
		err = gateway.NewError(gateway.KindServer, "Login response did not include a token.")
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		commonlog.Infof("event=session_login action=discard status=superseded username=%s", creds.Username)
		return domain.UserProfile{}, gateway.NewError(gateway.KindValidation, "Login was superseded.")
	}
	if err != nil {
		apiErr, _ := gateway.AsAPIError(err)
		snap, seq = c.applyLocked(domain.Event{Kind: domain.EventLoginFailed, Err: apiErr})
		c.mu.Unlock()
		c.publish(snap, seq)
		commonlog.Warnf("event=session_login action=login status=failed username=%s error=%q", creds.Username, err.Error())
		return domain.UserProfile{}, err
	}

	profile := domain.ProfileFromLogin(resp)
	encoded, _ := json.Marshal(profile)
	tok, saveErr := c.tokens.Save(ctx, resp.Token, encoded)
	if saveErr != nil {
		// memory already holds the token; the session stays usable for this run
		commonlog.Errorf("event=session_login action=persist status=failed username=%s error=%v", creds.Username, saveErr)
	}
	snap, seq = c.applyLocked(domain.Event{Kind: domain.EventLoginSucceeded, User: &profile, Token: &tok})
	c.mu.Unlock()
	c.publish(snap, seq)
	commonlog.Infof("event=session_login action=login status=ok user_id=%s", profile.ID)
	return profile, nil
}

// Register creates an account. It never authenticates; callers log in
// separately afterwards.
func (c *Controller) Register(ctx context.Context, req domain.RegisterRequest) (domain.RegisterAck, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	var resp httpresp.RegisterResponse
	if err := c.gw.Call(ctx, http.MethodPost, pathRegister, req, &resp, gateway.Anonymous()); err != nil {
		return domain.RegisterAck{}, err
	}
	msg := strings.TrimSpace(resp.Message)
	if msg == "" {
		msg = "User registered successfully!"
	}
	commonlog.Infof("event=session_register action=register status=ok user_id=%s", resp.UserID)
	return domain.RegisterAck{Message: msg, UserID: resp.UserID}, nil
}

// Logout drops the token and profile, resets the session and signals logout
// hooks in the background. It completes even when hooks fail.
func (c *Controller) Logout(ctx context.Context) error {
	bearer := ""
	if tok, ok := c.tokens.Current(); ok {
		bearer = tok.Value
	}

	c.mu.Lock()
	c.epoch++
	clearErr := c.tokens.Clear(ctx)
	snap, seq := c.applyLocked(domain.Event{Kind: domain.EventLoggedOut})
	hooks := append([]LogoutHook(nil), c.hooks...)
	c.mu.Unlock()
	c.publish(snap, seq)

	if clearErr != nil {
		commonlog.Errorf("event=session_logout action=clear_token status=failed error=%v", clearErr)
	}
	c.runHooks(hooks, bearer, false)
	commonlog.Infof("event=session_logout action=logout status=ok")
	return clearErr
}

// RefreshCurrentUser re-fetches the profile. A rejected token forces the
// same transition as Logout.
func (c *Controller) RefreshCurrentUser(ctx context.Context) (domain.UserProfile, error) {
	return c.refresh(ctx, false)
}

func (c *Controller) refresh(ctx context.Context, quiet bool) (domain.UserProfile, error) {
	c.mu.Lock()
	epoch := c.epoch
	authenticated := c.session.Authenticated
	c.mu.Unlock()
	if !authenticated {
		return domain.UserProfile{}, gateway.NewError(gateway.KindUnauthorized, "Not logged in.")
	}

	bearer := ""
	if tok, ok := c.tokens.Current(); ok {
		bearer = tok.Value
	}
	var fresh domain.UserProfile
	err := c.gw.Call(ctx, http.MethodGet, pathMe, nil, &fresh)
	if err != nil {
		if gateway.IsUnauthorized(err) {
			c.invalidate(ctx, epoch, bearer, err, quiet)
		}
		return domain.UserProfile{}, err
	}

	c.mu.Lock()
	if c.epoch != epoch || !c.session.Authenticated {
		c.mu.Unlock()
		return fresh, nil
	}
	snap, seq := c.applyLocked(domain.Event{Kind: domain.EventProfileRefreshed, User: &fresh})
	merged := *snap.User
	encoded, _ := json.Marshal(merged)
	if err := c.tokens.SaveProfile(ctx, encoded); err != nil {
		commonlog.Warnf("event=session_refresh action=persist_profile status=failed error=%v", err)
	}
	c.mu.Unlock()
	c.publish(snap, seq)
	return merged, nil
}

func (c *Controller) invalidate(ctx context.Context, epoch uint64, bearer string, cause error, quiet bool) {
	c.mu.Lock()
	if c.epoch != epoch {
		// a newer login or logout already moved the session on
		c.mu.Unlock()
		return
	}
	c.epoch++
	if err := c.tokens.Clear(context.WithoutCancel(ctx)); err != nil {
		commonlog.Errorf("event=session_invalidate action=clear_token status=failed error=%v", err)
	}
	ev := domain.Event{Kind: domain.EventInvalidated}
	if !quiet {
		ev.Err, _ = gateway.AsAPIError(cause)
	}
	snap, seq := c.applyLocked(ev)
	hooks := append([]LogoutHook(nil), c.hooks...)
	c.mu.Unlock()
	c.publish(snap, seq)

	commonlog.Infof("event=session_invalidate action=force_logout status=ok quiet=%t", quiet)
	c.runHooks(hooks, bearer, true)
}

// Restore recovers the session at cold start. A persisted token makes the
// session authenticated straight away from the cached profile; the token is
// then validated in the background.
func (c *Controller) Restore(ctx context.Context) domain.Session {
	tok, ok, err := c.tokens.Load(ctx)
	if err != nil {
		commonlog.Warnf("event=session_restore action=load_token status=failed error=%v", err)
	}
	if !ok {
		return c.Session()
	}
	if auth.ExpiredAt(tok.Value, time.Now()) {
		commonlog.Infof("event=session_restore action=restore status=expired")
		if err := c.tokens.Clear(ctx); err != nil {
			commonlog.Errorf("event=session_restore action=clear_token status=failed error=%v", err)
		}
		return c.Session()
	}

	var cached *domain.UserProfile
	if raw, ok, err := c.tokens.Profile(ctx); err == nil && ok {
		var p domain.UserProfile
		if json.Unmarshal(raw, &p) == nil {
			cached = &p
		}
	}
	if cached == nil {
		if claims, err := auth.Inspect(tok.Value); err == nil && claims.Subject != "" {
			cached = &domain.UserProfile{ID: httpresp.ID(claims.UserID), Username: claims.Subject}
		}
	}

	c.mu.Lock()
	if c.session.Authenticated {
		snap := c.session
		c.mu.Unlock()
		return snap
	}
	snap, seq := c.applyLocked(domain.Event{Kind: domain.EventRestored, User: cached, Token: &tok})
	c.mu.Unlock()
	c.publish(snap, seq)
	commonlog.Infof("event=session_restore action=restore status=optimistic cached_profile=%t", cached != nil)

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.bgTimeout)
		defer cancel()
		if _, err := c.refresh(rctx, true); err != nil && !gateway.IsUnauthorized(err) {
			commonlog.Debugf("event=session_restore action=reconcile status=deferred error=%q", err.Error())
		}
	}()
	return snap
}

// ClearError drops the last surfaced error without changing the phase.
func (c *Controller) ClearError() {
	c.mu.Lock()
	snap, seq := c.applyLocked(domain.Event{Kind: domain.EventErrorCleared})
	c.mu.Unlock()
	c.publish(snap, seq)
}

// Drain waits for background reconciliation and logout hooks.
func (c *Controller) Drain() {
	c.bg.Wait()
}

func (c *Controller) applyLocked(ev domain.Event) (domain.Session, uint64) {
	c.session = c.session.Apply(ev)
	c.seq++
	return c.session, c.seq
}

// publish delivers transitions in order; a snapshot older than one already
// delivered is dropped.
func (c *Controller) publish(snap domain.Session, seq uint64) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if seq <= c.delivered {
		return
	}
	c.delivered = seq

	c.watchMu.Lock()
	fns := make([]func(domain.Session), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.watchMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func (c *Controller) runHooks(hooks []LogoutHook, bearer string, forced bool) {
	for _, h := range hooks {
		h := h
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), c.bgTimeout)
			defer cancel()
			h.OnLogout(ctx, bearer, forced)
		}()
	}
}
