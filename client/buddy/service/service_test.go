package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"buddy_client/client/buddy/domain"
	"buddy_client/client/common/infra/kv"
	commonlog "buddy_client/client/common/log"
	"buddy_client/client/gateway"
	sessionsvc "buddy_client/client/session/service"
	"buddy_client/client/testkit"
	"buddy_client/client/token"
)

func init() {
	commonlog.Configure(commonlog.Options{FilePath: "off", MinLevel: "error"})
}

func signedIn(t *testing.T, backend *testkit.Backend, username string) *Service {
	t.Helper()
	tokens := token.NewStore(kv.NewMemory())
	gw := gateway.New(gateway.Config{Endpoints: []string{backend.URL}, Timeout: 2 * time.Second}, tokens)
	if _, err := sessionsvc.NewController(gw, tokens).Login(context.Background(), username, "secret"); err != nil {
		t.Fatalf("Login %s: %v", username, err)
	}
	return New(gw)
}

func intPtr(v int) *int { return &v }

func TestGoalLifecycle(t *testing.T) {
	backend := testkit.New(t)
	backend.AddUser("alice", "secret", "Alice", "Kim")
	svc := signedIn(t, backend, "alice")
	ctx := context.Background()

	if _, err := svc.CreateGoal(ctx, domain.GoalInput{Title: " ", Category: "FITNESS"}); gateway.KindOf(err) != gateway.KindValidation {
		t.Fatalf("blank title err = %v", err)
	}

	g, err := svc.CreateGoal(ctx, domain.GoalInput{Title: "Run 10k", Category: "FITNESS", TargetValue: intPtr(10), TargetUnit: "km", IsPublic: true})
	if err != nil {
		t.Fatalf("CreateGoal: %v", err)
	}
	if g.ID.String() != "1" || g.Status != domain.StatusActive {
		t.Fatalf("goal = %+v", g)
	}

	goals, err := svc.Goals(ctx)
	if err != nil || len(goals) != 1 || goals[0].Title != "Run 10k" {
		t.Fatalf("Goals = %+v, %v", goals, err)
	}
	fetched, err := svc.Goal(ctx, "1")
	if err != nil || fetched.TargetUnit != "km" {
		t.Fatalf("Goal = %+v, %v", fetched, err)
	}
	if _, err := svc.Goal(ctx, "99"); gateway.KindOf(err) != gateway.KindNotFound {
		t.Fatalf("missing goal err = %v", err)
	}

	title := "Run 12k"
	updated, err := svc.UpdateGoal(ctx, "1", domain.GoalPatch{Title: &title})
	if err != nil || updated.Title != title {
		t.Fatalf("UpdateGoal = %+v, %v", updated, err)
	}

	res, err := svc.UpdateProgress(ctx, "1", 4)
	if err != nil || res.Completed {
		t.Fatalf("UpdateProgress(4) = %+v, %v", res, err)
	}
	res, err = svc.UpdateProgress(ctx, "1", 10)
	if err != nil || !res.Completed {
		t.Fatalf("UpdateProgress(10) = %+v, %v", res, err)
	}
	active, err := svc.ActiveGoals(ctx)
	if err != nil || len(active) != 0 {
		t.Fatalf("ActiveGoals = %+v, %v", active, err)
	}

	cats, err := svc.Categories(ctx)
	if err != nil || len(cats.Categories) == 0 || len(cats.Statuses) != 4 {
		t.Fatalf("Categories = %+v, %v", cats, err)
	}

	if err := svc.DeleteGoal(ctx, "1"); err != nil {
		t.Fatalf("DeleteGoal: %v", err)
	}
	if goals, _ := svc.Goals(ctx); len(goals) != 0 {
		t.Fatalf("goals after delete = %+v", goals)
	}
}

func TestBuddyRequestFlow(t *testing.T) {
	backend := testkit.New(t)
	backend.AddUser("alice", "secret", "Alice", "Kim")
	backend.AddUser("bob", "secret", "Bob", "Lee")
	alice := signedIn(t, backend, "alice")
	bob := signedIn(t, backend, "bob")
	ctx := context.Background()

	g, err := alice.CreateGoal(ctx, domain.GoalInput{Title: "Learn Go", Category: "EDUCATION", IsPublic: true})
	if err != nil {
		t.Fatalf("CreateGoal: %v", err)
	}
	if _, err := alice.RequestBuddy(ctx, g.ID.String()); err == nil || err.Error() != "Cannot request buddy for your own goal" {
		t.Fatalf("own goal err = %v", err)
	}

	recs, err := bob.Recommendations(ctx)
	if err != nil || len(recs) != 1 || recs[0].GoalOwner.Username != "alice" {
		t.Fatalf("Recommendations = %+v, %v", recs, err)
	}
	ack, err := bob.RequestBuddy(ctx, recs[0].Goal.ID.String())
	if err != nil || ack.Status != "PENDING" || ack.RelationshipID.Empty() {
		t.Fatalf("RequestBuddy = %+v, %v", ack, err)
	}

	pending, err := alice.PendingRequests(ctx)
	if err != nil || len(pending) != 1 || pending[0].Requester.DisplayName() != "Bob Lee" {
		t.Fatalf("PendingRequests = %+v, %v", pending, err)
	}
	buddy, err := alice.AcceptBuddy(ctx, pending[0].RelationshipID.String())
	if err != nil || buddy.Username != "bob" {
		t.Fatalf("AcceptBuddy = %+v, %v", buddy, err)
	}

	for name, svc := range map[string]*Service{"alice": alice, "bob": bob} {
		buddies, err := svc.MyBuddies(ctx)
		if err != nil || len(buddies) != 1 || buddies[0].Goal == nil || buddies[0].Goal.Title != "Learn Go" {
			t.Fatalf("%s MyBuddies = %+v, %v", name, buddies, err)
		}
	}

	second, err := bob.RequestBuddy(ctx, g.ID.String())
	if err != nil {
		t.Fatalf("RequestBuddy: %v", err)
	}
	if err := alice.RejectBuddy(ctx, second.RelationshipID.String()); err != nil {
		t.Fatalf("RejectBuddy: %v", err)
	}
	if pending, _ := alice.PendingRequests(ctx); len(pending) != 0 {
		t.Fatalf("pending after reject = %+v", pending)
	}
	if err := alice.RejectBuddy(ctx, ""); gateway.KindOf(err) != gateway.KindValidation {
		t.Fatalf("empty id err = %v", err)
	}
}

func TestUnwrapListAcceptsBareAndWrapped(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want int
	}{
		{"bare", `[{"id":1},{"id":"2"}]`, 2},
		{"wrapped", `{"goals":[{"id":1}],"totalGoals":1}`, 1},
		{"missing key", `{"totalGoals":0}`, 0},
		{"null", `null`, 0},
		{"null under key", `{"goals":null}`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := unwrapList[domain.Goal](json.RawMessage(tc.raw), "goals")
			if err != nil {
				t.Fatalf("unwrapList: %v", err)
			}
			if len(got) != tc.want {
				t.Fatalf("len = %d, want %d", len(got), tc.want)
			}
		})
	}
	if _, err := unwrapList[domain.Goal](json.RawMessage(`{"goals":"nope"}`), "goals"); err == nil {
		t.Fatal("expected error for malformed list")
	}
}
