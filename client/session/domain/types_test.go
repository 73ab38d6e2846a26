package domain

import (
	"testing"

	"buddy_client/client/gateway"
	"buddy_client/client/token"
)

func TestSessionTransitions(t *testing.T) {
	s := Anonymous()
	if s.Authenticated || s.Phase != PhaseAnonymous {
		t.Fatalf("initial = %+v", s)
	}

	s = s.Apply(Event{Kind: EventLoginStarted})
	if s.Phase != PhaseAuthenticating || s.Authenticated {
		t.Fatalf("after start = %+v", s)
	}

	failed := s.Apply(Event{Kind: EventLoginFailed, Err: gateway.NewError(gateway.KindValidation, "Invalid username or password")})
	if failed.Phase != PhaseAnonymous || failed.LastError == nil || failed.LastError.Message != "Invalid username or password" {
		t.Fatalf("after failure = %+v", failed)
	}

	tok := &token.Token{Value: "t"}
	user := &UserProfile{ID: "1", Username: "alice"}
	s = s.Apply(Event{Kind: EventLoginSucceeded, Token: tok, User: user})
	if !s.Authenticated || s.Phase != PhaseAuthenticated || s.UserID() != "1" {
		t.Fatalf("after success = %+v", s)
	}
	user.Username = "mutated"
	if s.User.Username != "alice" {
		t.Fatal("session aliases caller profile")
	}

	s = s.Apply(Event{Kind: EventProfileRefreshed, User: &UserProfile{Email: "alice@example.com"}})
	if s.User.Username != "alice" || s.User.Email != "alice@example.com" {
		t.Fatalf("merge = %+v", s.User)
	}

	s = s.Apply(Event{Kind: EventInvalidated})
	if s.Authenticated || s.Token != nil || s.User != nil {
		t.Fatalf("after invalidation = %+v", s)
	}
}

func TestRefreshIgnoredWhileAnonymous(t *testing.T) {
	s := Anonymous().Apply(Event{Kind: EventProfileRefreshed, User: &UserProfile{Username: "ghost"}})
	if s.User != nil || s.Authenticated {
		t.Fatalf("anonymous session picked up a profile: %+v", s)
	}
}

func TestSuccessWithoutTokenIsIgnored(t *testing.T) {
	s := Anonymous().Apply(Event{Kind: EventLoginSucceeded, Token: &token.Token{}})
	if s.Authenticated {
		t.Fatal("authenticated without a token")
	}
}

func TestDisplayName(t *testing.T) {
	if got := (UserProfile{Username: "bob"}).DisplayName(); got != "bob" {
		t.Fatalf("got %q", got)
	}
	if got := (UserProfile{Username: "bob", FirstName: "Bob", LastName: "Lee"}).DisplayName(); got != "Bob Lee" {
		t.Fatalf("got %q", got)
	}
}
