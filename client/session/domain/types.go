package domain

import (
	"strings"

	"buddy_client/client/common/transport/httpresp"
	"buddy_client/client/gateway"
	"buddy_client/client/token"
)

type Phase string

const (
	PhaseAnonymous      Phase = "anonymous"
	PhaseAuthenticating Phase = "authenticating"
	PhaseAuthenticated  Phase = "authenticated"
)

type UserProfile struct {
	ID        httpresp.ID `json:"id"`
	Username  string      `json:"username"`
	Email     string      `json:"email"`
	FirstName string      `json:"firstName"`
	LastName  string      `json:"lastName"`
	Role      string      `json:"role,omitempty"`
}

func (p UserProfile) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	if name != "" {
		return name
	}
	return p.Username
}

// Merge overlays the non-empty fields of fresh onto p.
func (p UserProfile) Merge(fresh UserProfile) UserProfile {
	if !fresh.ID.Empty() {
		p.ID = fresh.ID
	}
	if fresh.Username != "" {
		p.Username = fresh.Username
	}
	if fresh.Email != "" {
		p.Email = fresh.Email
	}
	if fresh.FirstName != "" {
		p.FirstName = fresh.FirstName
	}
	if fresh.LastName != "" {
		p.LastName = fresh.LastName
	}
	if fresh.Role != "" {
		p.Role = fresh.Role
	}
	return p
}

func ProfileFromLogin(resp httpresp.TokenResponse) UserProfile {
	return UserProfile{
		ID:        resp.ID,
		Username:  resp.Username,
		Email:     resp.Email,
		FirstName: resp.FirstName,
		LastName:  resp.LastName,
		Role:      resp.Role,
	}
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type RegisterAck struct {
	Message string
	UserID  httpresp.ID
}

// Session is the process-wide authentication state. Values are immutable
// snapshots; transitions go through Apply.
type Session struct {
	User          *UserProfile
	Token         *token.Token
	Authenticated bool
	Phase         Phase
	LastError     *gateway.APIError
}

func Anonymous() Session {
	return Session{Phase: PhaseAnonymous}
}

func (s Session) UserID() string {
	if s.User == nil {
		return ""
	}
	return s.User.ID.String()
}

type EventKind int

const (
	EventLoginStarted EventKind = iota
	EventLoginSucceeded
	EventLoginFailed
	EventRestored
	EventProfileRefreshed
	EventLoggedOut
	EventInvalidated
	EventErrorCleared
)

type Event struct {
	Kind  EventKind
	User  *UserProfile
	Token *token.Token
	Err   *gateway.APIError
}

// Apply is the session transition function. Events that make no sense in
// the current phase leave the session unchanged.
func (s Session) Apply(ev Event) Session {
	switch ev.Kind {
	case EventLoginStarted:
		return Session{Phase: PhaseAuthenticating}
	case EventLoginSucceeded, EventRestored:
		if ev.Token == nil || ev.Token.Empty() {
			return s
		}
		return Session{User: copyProfile(ev.User), Token: copyToken(ev.Token), Authenticated: true, Phase: PhaseAuthenticated}
	case EventLoginFailed:
		return Session{Phase: PhaseAnonymous, LastError: ev.Err}
	case EventProfileRefreshed:
		if !s.Authenticated || ev.User == nil {
			return s
		}
		merged := *ev.User
		if s.User != nil {
			merged = s.User.Merge(*ev.User)
		}
		next := s
		next.User = &merged
		next.LastError = nil
		return next
	case EventLoggedOut:
		return Anonymous()
	case EventInvalidated:
		return Session{Phase: PhaseAnonymous, LastError: ev.Err}
	case EventErrorCleared:
		next := s
		next.LastError = nil
		return next
	}
	return s
}

func copyProfile(p *UserProfile) *UserProfile {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func copyToken(t *token.Token) *token.Token {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
