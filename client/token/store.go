// Package token owns the session bearer token and the last-known profile
// that is persisted next to it.
package token

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"buddy_client/client/common/infra/kv"
	commonlog "buddy_client/client/common/log"
)

const (
	KeyToken   = "authToken"
	KeyProfile = "userInfo"
)

type Token struct {
	Value    string    `json:"value"`
	IssuedAt time.Time `json:"issued_at"`
}

func (t Token) Empty() bool {
	return strings.TrimSpace(t.Value) == ""
}

// Store keeps the current token in memory for lock-free reads. Writers
// update memory first, then persist under mu.
type Store struct {
	backend kv.Store
	cur     atomic.Pointer[Token]
	mu      sync.Mutex
	now     func() time.Time
}

func NewStore(backend kv.Store) *Store {
	if backend == nil {
		backend = kv.NewMemory()
	}
	return &Store{backend: backend, now: time.Now}
}

// Load reads the persisted token into memory. It is called once at cold start.
func (s *Store) Load(ctx context.Context) (Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok, err := s.backend.Get(ctx, KeyToken)
	if err != nil || !ok {
		return Token{}, false, err
	}
	tok := decodeToken(raw)
	if tok.Empty() {
		return Token{}, false, nil
	}
	s.cur.CompareAndSwap(nil, &tok)
	return tok, true, nil
}

// Current returns the token every outbound call should carry, if any.
func (s *Store) Current() (Token, bool) {
	p := s.cur.Load()
	if p == nil {
		return Token{}, false
	}
	return *p, true
}

// Save installs a freshly issued token together with the profile it was
// issued for.
func (s *Store) Save(ctx context.Context, value string, profile []byte) (Token, error) {
	tok := Token{Value: strings.TrimSpace(value), IssuedAt: s.now().UTC()}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Store(&tok)

	encoded, err := json.Marshal(tok)
	if err != nil {
		return tok, err
	}
	entries := map[string][]byte{KeyToken: encoded}
	if len(profile) > 0 {
		entries[KeyProfile] = profile
	}
	if err := s.backend.SetMany(ctx, entries); err != nil {
		commonlog.Errorf("event=token_store action=save status=failed error=%v", err)
		return tok, err
	}
	return tok, nil
}

// SaveProfile refreshes the cached profile. It is dropped when no token is
// held so a late write cannot resurrect state after a logout.
func (s *Store) SaveProfile(ctx context.Context, profile []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.Load() == nil {
		return nil
	}
	return s.backend.SetMany(ctx, map[string][]byte{KeyProfile: profile})
}

func (s *Store) Profile(ctx context.Context) ([]byte, bool, error) {
	return s.backend.Get(ctx, KeyProfile)
}

// Clear drops the token immediately, then deletes token and profile from
// persistence in one step.
func (s *Store) Clear(ctx context.Context) error {
	s.cur.Store(nil)
	return s.persistClear(ctx)
}

// ClearIf drops the token only if it still equals value, so a 401 for a
// stale token cannot wipe a newer login. An empty value clears
// unconditionally.
func (s *Store) ClearIf(ctx context.Context, value string) (bool, error) {
	if value == "" {
		return true, s.Clear(ctx)
	}
	for {
		p := s.cur.Load()
		if p == nil || p.Value != value {
			return false, nil
		}
		if s.cur.CompareAndSwap(p, nil) {
			return true, s.persistClear(ctx)
		}
	}
}

func (s *Store) persistClear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.Load() != nil {
		// a Save landed after the in-memory clear; it owns persistence now
		return nil
	}
	if err := s.backend.Delete(ctx, KeyToken, KeyProfile); err != nil {
		commonlog.Errorf("event=token_store action=clear status=failed error=%v", err)
		return err
	}
	return nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func decodeToken(raw []byte) Token {
	var tok Token
	if err := json.Unmarshal(raw, &tok); err == nil && !tok.Empty() {
		return tok
	}
	// older installs persisted the bare bearer string
	return Token{Value: strings.Trim(strings.TrimSpace(string(raw)), `"`)}
}
