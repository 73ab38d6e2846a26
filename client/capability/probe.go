// Package capability tracks whether optional backend features are reachable
// and keeps negative answers cached for a cooldown window.
package capability

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	commonlog "buddy_client/client/common/log"
	"buddy_client/client/common/transport/httpresp"
	"buddy_client/client/gateway"
)

const (
	RealtimeMessaging = "realtime-messaging"

	DefaultCooldown     = 5 * time.Minute
	defaultProbeTimeout = 5 * time.Second
	healthPath          = "/actuator/health"
)

type Availability int

const (
	Unknown Availability = iota
	Available
	Unavailable
)

func (a Availability) String() string {
	switch a {
	case Available:
		return "available"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

type State struct {
	Available     Availability
	CheckedAt     time.Time
	CooldownUntil time.Time
	Reason        string
}

// CheckFunc performs one probe. An error counts as unavailable.
type CheckFunc func(ctx context.Context) (bool, error)

type Probe struct {
	mu       sync.Mutex
	states   map[string]State
	checks   map[string]CheckFunc
	probes   map[string]int
	cooldown time.Duration
	timeout  time.Duration
	group    singleflight.Group
	now      func() time.Time
}

func New(cooldown time.Duration) *Probe {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Probe{
		states:   map[string]State{},
		checks:   map[string]CheckFunc{},
		probes:   map[string]int{},
		cooldown: cooldown,
		timeout:  defaultProbeTimeout,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (p *Probe) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

func (p *Probe) Register(name string, check CheckFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks[name] = check
}

// Ensure answers from cache when it can. Otherwise it runs the registered
// check once, shared by every concurrent caller, and records the outcome.
func (p *Probe) Ensure(ctx context.Context, name string) bool {
	if available, warm := p.cached(name); warm {
		return available
	}

	ch := p.group.DoChan(name, func() (any, error) {
		if available, warm := p.cached(name); warm {
			return available, nil
		}
		return p.run(ctx, name), nil
	})
	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-ctx.Done():
		return false
	}
}

// Refresh forgets any cached answer and probes again.
func (p *Probe) Refresh(ctx context.Context, name string) bool {
	p.mu.Lock()
	delete(p.states, name)
	p.mu.Unlock()
	return p.Ensure(ctx, name)
}

// MarkUnavailable records a failure observed outside the probe itself. It
// overrides an earlier positive answer and starts a fresh cooldown.
func (p *Probe) MarkUnavailable(name, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.states[name] = State{Available: Unavailable, CheckedAt: now, CooldownUntil: now.Add(p.cooldown), Reason: reason}
	commonlog.Warnf("event=capability action=mark_unavailable name=%s reason=%q cooldown_ms=%d", name, reason, p.cooldown.Milliseconds())
}

func (p *Probe) State(name string) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[name]
}

// ProbeCount reports how many checks actually ran for name.
func (p *Probe) ProbeCount(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes[name]
}

func (p *Probe) cached(name string) (available, warm bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[name]
	if !ok {
		return false, false
	}
	switch st.Available {
	case Available:
		return true, true
	case Unavailable:
		if p.now().Before(st.CooldownUntil) {
			return false, true
		}
	}
	return false, false
}

func (p *Probe) run(ctx context.Context, name string) bool {
	p.mu.Lock()
	check, ok := p.checks[name]
	p.probes[name]++
	p.mu.Unlock()

	if !ok {
		p.record(name, false, "no check registered")
		return false
	}

	// the result is shared; one caller giving up must not poison it
	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	available, err := check(probeCtx)
	reason := ""
	if err != nil {
		available = false
		reason = err.Error()
	} else if !available {
		reason = "reported unavailable"
	}
	p.record(name, available, reason)
	return available
}

func (p *Probe) record(name string, available bool, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	st := State{Available: Available, CheckedAt: now}
	if !available {
		st = State{Available: Unavailable, CheckedAt: now, CooldownUntil: now.Add(p.cooldown), Reason: reason}
	}
	p.states[name] = st
	commonlog.Infof("event=capability action=probe name=%s available=%s reason=%q", name, st.Available, reason)
}

// Getter is the slice of the gateway a health check needs.
type Getter interface {
	Get(ctx context.Context, path string, out any, opts ...gateway.CallOption) error
}

// HealthCheck probes the backend health endpoint. The backend must report UP
// and, when it lists components, component must be listed and UP.
func HealthCheck(gw Getter, component string) CheckFunc {
	component = strings.TrimSpace(component)
	return func(ctx context.Context) (bool, error) {
		var health httpresp.HealthResponse
		if err := gw.Get(ctx, healthPath, &health); err != nil {
			return false, err
		}
		if !strings.EqualFold(health.Status, httpresp.HealthUp) {
			return false, nil
		}
		if component == "" || len(health.Components) == 0 {
			return true, nil
		}
		c, ok := health.Components[component]
		return ok && strings.EqualFold(c.Status, httpresp.HealthUp), nil
	}
}
