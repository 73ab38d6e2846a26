package service

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"buddy_client/client/capability"
	"buddy_client/client/chat/domain"
	commonlog "buddy_client/client/common/log"
	"buddy_client/client/gateway"
)

const (
	DefaultHistoryLimit    = 50
	DefaultMaxLiveFailures = 5
	defaultInitialBackoff  = 200 * time.Millisecond
	defaultMaxBackoff      = 10 * time.Second
	defaultStableAfter     = 5 * time.Second
)

type Caller interface {
	Call(ctx context.Context, method, path string, body, out any, opts ...gateway.CallOption) error
}

type Capabilities interface {
	Ensure(ctx context.Context, name string) bool
	MarkUnavailable(name, reason string)
}

// Identity reports the signed-in user. An empty id means anonymous.
type Identity interface {
	UserID() string
}

type Config struct {
	HistoryLimit    int
	MaxLiveFailures int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	// StableAfter is how long a live connection must stay up before a later
	// drop stops counting toward MaxLiveFailures.
	StableAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.MaxLiveFailures <= 0 {
		c.MaxLiveFailures = DefaultMaxLiveFailures
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.StableAfter <= 0 {
		c.StableAfter = defaultStableAfter
	}
	return c
}

// Update is what an observer receives: the full ordered sequence after the
// change, plus the live-channel status of the conversation.
type Update struct {
	PeerID   string
	Messages []domain.Message
	Added    int
	Live     bool
	Degraded bool
	Err      error
	version  uint64
}

// Synchronizer merges history fetches and live feeds into one ordered view
// per conversation.
type Synchronizer struct {
	gw       Caller
	caps     Capabilities
	identity Identity
	feed     LiveFeed
	objects  ObjectStore
	cfg      Config
	now      func() time.Time

	mu    sync.Mutex
	convs map[string]*conversationState
	// starting holds observations that have not attached to a
	// conversation yet.
	starting map[*Observation]struct{}
	// gen is bumped by Reset; an observation started under an older
	// generation never attaches.
	gen   uint64
	subWG sync.WaitGroup
}

type conversationState struct {
	key  string
	pair domain.Pair
	conv *domain.Conversation

	// guarded by Synchronizer.mu
	observers map[*Observation]struct{}
	sub       *subscription
	degraded  bool

	verMu   sync.Mutex
	version uint64
}

func New(gw Caller, caps Capabilities, identity Identity, feed LiveFeed, cfg Config) *Synchronizer {
	if feed == nil {
		feed = NoFeed{}
	}
	return &Synchronizer{
		gw:       gw,
		caps:     caps,
		identity: identity,
		feed:     feed,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		convs:    map[string]*conversationState{},
		starting: map[*Observation]struct{}{},
	}
}

// Observation is the handle returned by Observe.
type Observation struct {
	PeerID string

	s         *Synchronizer
	fn        func(Update)
	ctxCancel context.CancelFunc

	cancelled atomic.Bool
	primed    atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once

	// mu guards the fields below. Callbacks run without it held, so fn may
	// call back into the Synchronizer or this Observation.
	mu       sync.Mutex
	last     Update
	hasLast  bool
	pending  *Update
	draining bool
}

// Ready is closed once the initial snapshot has been delivered, or the
// observation was cancelled first.
func (o *Observation) Ready() <-chan struct{} {
	return o.ready
}

// Snapshot returns the last sequence delivered to this observer.
func (o *Observation) Snapshot() []domain.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.Message, len(o.last.Messages))
	copy(out, o.last.Messages)
	return out
}

func (o *Observation) Live() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last.Live
}

func (o *Observation) Degraded() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last.Degraded
}

func (o *Observation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last.Err
}

// Cancel releases the observer's hold on the conversation's subscription.
// It is idempotent and safe while the initial fetch is still running; work
// that completes afterwards is discarded. A callback already under way may
// finish; once Cancel returns no further callback is begun.
func (o *Observation) Cancel() {
	if !o.markCancelled() {
		return
	}
	o.s.detach(o)
}

// markCancelled sets the cancelled flag under mu, so it is ordered against
// the check deliver makes before committing to a callback.
func (o *Observation) markCancelled() bool {
	o.mu.Lock()
	if o.cancelled.Load() {
		o.mu.Unlock()
		return false
	}
	o.cancelled.Store(true)
	o.pending = nil
	o.mu.Unlock()
	o.ctxCancel()
	o.markReady()
	return true
}

func (o *Observation) markReady() {
	o.readyOnce.Do(func() { close(o.ready) })
}

// deliver hands u to fn unless it is stale. Updates are full snapshots, so
// one that arrives while fn is running replaces any queued predecessor and
// is delivered by the goroutine already draining.
func (o *Observation) deliver(u Update) bool {
	o.mu.Lock()
	if o.cancelled.Load() {
		o.mu.Unlock()
		return false
	}
	if (o.hasLast && u.version <= o.last.version) || (o.pending != nil && u.version <= o.pending.version) {
		o.mu.Unlock()
		return false
	}
	o.pending = &u
	if o.draining {
		o.mu.Unlock()
		return true
	}
	o.draining = true
	for o.pending != nil && !o.cancelled.Load() {
		next := *o.pending
		o.pending = nil
		o.last = next
		o.hasLast = true
		o.mu.Unlock()
		if o.fn != nil {
			o.fn(next)
		}
		o.mu.Lock()
	}
	o.pending = nil
	o.draining = false
	o.mu.Unlock()
	return true
}

// Observe starts watching the conversation with peerID and returns at once.
// fn receives the initial snapshot and every later change.
func (s *Synchronizer) Observe(ctx context.Context, peerID string, fn func(Update)) *Observation {
	obsCtx, cancel := context.WithCancel(ctx)
	obs := &Observation{
		PeerID:    strings.TrimSpace(peerID),
		s:         s,
		fn:        fn,
		ctxCancel: cancel,
		ready:     make(chan struct{}),
	}
	s.mu.Lock()
	gen := s.gen
	s.starting[obs] = struct{}{}
	s.mu.Unlock()
	go s.start(obsCtx, obs, gen)
	return obs
}

func (s *Synchronizer) start(ctx context.Context, obs *Observation, gen uint64) {
	defer obs.markReady()
	defer s.settle(obs)

	self := s.identity.UserID()
	if self == "" {
		obs.deliver(Update{PeerID: obs.PeerID, Degraded: true, Err: gateway.NewError(gateway.KindUnauthorized, "Not logged in."), version: 1})
		return
	}
	if obs.PeerID == "" {
		obs.deliver(Update{Degraded: true, Err: gateway.NewError(gateway.KindValidation, "Conversation peer is required."), version: 1})
		return
	}
	pair := domain.Pair{Self: self, Peer: obs.PeerID}

	live := s.caps.Ensure(ctx, capability.RealtimeMessaging)
	if obs.cancelled.Load() {
		return
	}
	state := s.attach(obs, pair, live, gen)
	if state == nil {
		return
	}

	history, err := s.fetchHistory(ctx, pair)
	if obs.cancelled.Load() {
		return
	}
	if err != nil {
		commonlog.Warnf("event=chat_sync action=history status=failed peer_id=%s error=%q", pair.Peer, err.Error())
	}
	// primed before the snapshot is taken so no concurrent change is missed;
	// anything racing it carries a newer version and supersedes it
	obs.primed.Store(true)
	obs.deliver(s.update(state, history, err))
}

func conversationKey(pair domain.Pair) string {
	return pair.Self + "|" + pair.Peer
}

// settle drops obs from the starting set once start is done with it.
func (s *Synchronizer) settle(obs *Observation) {
	s.mu.Lock()
	delete(s.starting, obs)
	s.mu.Unlock()
}

func (s *Synchronizer) attach(obs *Observation, pair domain.Pair, live bool, gen uint64) *conversationState {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		commonlog.Debugf("event=chat_sync action=attach status=stale peer_id=%s", pair.Peer)
		obs.markCancelled()
		return nil
	}
	defer s.mu.Unlock()
	if obs.cancelled.Load() {
		return nil
	}
	delete(s.starting, obs)
	key := conversationKey(pair)
	state, ok := s.convs[key]
	if !ok {
		state = &conversationState{
			key:       key,
			pair:      pair,
			conv:      domain.NewConversation(pair.Peer),
			observers: map[*Observation]struct{}{},
		}
		s.convs[key] = state
	}
	state.observers[obs] = struct{}{}
	if live {
		state.degraded = false
		if state.sub == nil {
			state.sub = s.openLocked(state)
		}
	}
	commonlog.Debugf("event=chat_sync action=attach peer_id=%s observers=%d live=%t", pair.Peer, len(state.observers), state.sub != nil)
	return state
}

func (s *Synchronizer) detach(obs *Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.starting, obs)
	for _, state := range s.convs {
		if _, ok := state.observers[obs]; !ok {
			continue
		}
		delete(state.observers, obs)
		if len(state.observers) == 0 && state.sub != nil {
			state.sub.stop()
			state.sub = nil
			commonlog.Debugf("event=chat_sync action=unsubscribe peer_id=%s", state.pair.Peer)
		}
		return
	}
}

// update merges msgs into the conversation and builds the next versioned
// snapshot for it.
func (s *Synchronizer) update(state *conversationState, msgs []domain.Message, err error) Update {
	s.mu.Lock()
	live := state.sub != nil
	degraded := state.degraded || !live
	s.mu.Unlock()

	state.verMu.Lock()
	defer state.verMu.Unlock()
	added := 0
	if len(msgs) > 0 {
		added = state.conv.Merge(msgs...)
	}
	state.version++
	return Update{
		PeerID:   state.pair.Peer,
		Messages: state.conv.Snapshot(),
		Added:    added,
		Live:     live,
		Degraded: degraded,
		Err:      err,
		version:  state.version,
	}
}

// broadcast sends u to every observer that already received its initial
// snapshot.
func (s *Synchronizer) broadcast(state *conversationState, u Update) {
	s.mu.Lock()
	observers := make([]*Observation, 0, len(state.observers))
	for o := range state.observers {
		observers = append(observers, o)
	}
	s.mu.Unlock()
	for _, o := range observers {
		if o.primed.Load() {
			o.deliver(u)
		}
	}
}

func (s *Synchronizer) stateFor(pair domain.Pair) *conversationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs[conversationKey(pair)]
}

// Subscribed reports whether the conversation with peerID has an open
// live subscription.
func (s *Synchronizer) Subscribed(peerID string) bool {
	self := s.identity.UserID()
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.convs[conversationKey(domain.Pair{Self: self, Peer: peerID})]
	return ok && state.sub != nil
}

// Reset drops every conversation and subscription. Existing observations,
// including ones still starting, stop receiving updates.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	s.gen++
	states := s.convs
	s.convs = map[string]*conversationState{}
	observers := make([]*Observation, 0, len(s.starting))
	for o := range s.starting {
		observers = append(observers, o)
	}
	s.starting = map[*Observation]struct{}{}
	for _, state := range states {
		if state.sub != nil {
			state.sub.stop()
			state.sub = nil
		}
		for o := range state.observers {
			observers = append(observers, o)
		}
	}
	s.mu.Unlock()
	for _, o := range observers {
		o.markCancelled()
	}
}

// OnLogout clears all chat state when the session ends.
func (s *Synchronizer) OnLogout(_ context.Context, _ string, _ bool) {
	s.Reset()
}

// Close stops every subscription and waits for their goroutines.
func (s *Synchronizer) Close() {
	s.Reset()
	s.subWG.Wait()
}
