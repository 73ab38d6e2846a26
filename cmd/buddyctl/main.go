package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"buddy_client/client/app"
	buddydomain "buddy_client/client/buddy/domain"
	chatdomain "buddy_client/client/chat/domain"
	chatsvc "buddy_client/client/chat/service"
	sessiondomain "buddy_client/client/session/domain"
)

const usage = `usage: buddyctl <command> [flags]

commands:
  login -u <username> -p <password>
  signup -u <username> -p <password> -email <email> [-first <name>] [-last <name>]
  logout
  me
  history -peer <userId>
  send -peer <userId> [-image <path>] [message...]
  watch -peer <userId>
  unread
  read -id <messageId>
  goals [-active]
  goal-create -title <title> -category <category> [-public] [-target <n> -unit <unit>]
  goal-progress -id <goalId> -value <n>
  goal-delete -id <goalId>
  buddies | pending | recommend
  buddy-request -goal <goalId>
  buddy-accept -id <relationshipId>
  buddy-reject -id <relationshipId>
  push-register -token <deviceToken>
  push-unregister
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	client, err := app.NewClient(app.LoadConfig())
	if err != nil {
		log.Fatalf("initialize client: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	client.Start(ctx)

	runErr := run(ctx, client, os.Args[1], os.Args[2:])
	stop()
	if err := client.Close(); err != nil {
		log.Printf("close client: %v", err)
	}
	if runErr != nil {
		log.Fatalf("%s: %v", os.Args[1], runErr)
	}
}

func run(ctx context.Context, c *app.Client, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	switch cmd {
	case "login":
		username := fs.String("u", "", "username")
		password := fs.String("p", "", "password")
		fs.Parse(args)
		user, err := c.Session.Login(ctx, *username, *password)
		if err != nil {
			return err
		}
		fmt.Printf("logged in as %s (id %s)\n", user.DisplayName(), user.ID)
		return nil

	case "signup":
		req := sessiondomain.RegisterRequest{}
		fs.StringVar(&req.Username, "u", "", "username")
		fs.StringVar(&req.Password, "p", "", "password")
		fs.StringVar(&req.Email, "email", "", "email")
		fs.StringVar(&req.FirstName, "first", "", "first name")
		fs.StringVar(&req.LastName, "last", "", "last name")
		fs.Parse(args)
		ack, err := c.Session.Register(ctx, req)
		if err != nil {
			return err
		}
		fmt.Printf("%s (id %s)\n", ack.Message, ack.UserID)
		return nil

	case "logout":
		return c.Session.Logout(ctx)

	case "me":
		user, err := c.Session.RefreshCurrentUser(ctx)
		if err != nil {
			return err
		}
		return printJSON(user)

	case "history":
		peer := fs.String("peer", "", "peer user id")
		fs.Parse(args)
		msgs, err := c.Chat.Refresh(ctx, *peer)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil

	case "send":
		peer := fs.String("peer", "", "peer user id")
		image := fs.String("image", "", "image file to attach")
		fs.Parse(args)
		var (
			m   chatdomain.Message
			err error
		)
		if *image != "" {
			f, openErr := os.Open(*image)
			if openErr != nil {
				return openErr
			}
			defer f.Close()
			m, err = c.Chat.SendImage(ctx, *peer, f.Name(), f)
		} else {
			m, err = c.Chat.Send(ctx, *peer, strings.Join(fs.Args(), " "), chatdomain.TypeText)
		}
		if err != nil {
			return err
		}
		printMessage(m)
		return nil

	case "watch":
		peer := fs.String("peer", "", "peer user id")
		fs.Parse(args)
		return watch(ctx, c, *peer)

	case "unread":
		summary, err := c.Chat.UnreadCount(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d unread\n", summary.Count)
		for _, m := range summary.Messages {
			printMessage(m)
		}
		return nil

	case "read":
		id := fs.String("id", "", "message id")
		fs.Parse(args)
		return c.Chat.MarkRead(ctx, *id)

	case "goals":
		active := fs.Bool("active", false, "only active goals")
		fs.Parse(args)
		list := c.Buddy.Goals
		if *active {
			list = c.Buddy.ActiveGoals
		}
		goals, err := list(ctx)
		if err != nil {
			return err
		}
		for _, g := range goals {
			fmt.Printf("%-6s %-10s %-12s %3d%%  %s\n", g.ID, g.Status, g.Category, g.CurrentProgress, g.Title)
		}
		return nil

	case "goal-create":
		in := buddydomain.GoalInput{}
		fs.StringVar(&in.Title, "title", "", "goal title")
		fs.StringVar(&in.Description, "desc", "", "description")
		fs.StringVar(&in.Category, "category", "", "category")
		fs.StringVar(&in.TargetUnit, "unit", "", "target unit")
		fs.BoolVar(&in.IsPublic, "public", false, "visible to other users")
		target := fs.Int("target", 0, "target value")
		fs.Parse(args)
		if *target > 0 {
			in.TargetValue = target
		}
		g, err := c.Buddy.CreateGoal(ctx, in)
		if err != nil {
			return err
		}
		return printJSON(g)

	case "goal-progress":
		id := fs.String("id", "", "goal id")
		value := fs.Int("value", 0, "progress value")
		fs.Parse(args)
		res, err := c.Buddy.UpdateProgress(ctx, *id, *value)
		if err != nil {
			return err
		}
		fmt.Printf("%s completed=%t\n", res.Message, res.Completed)
		return nil

	case "goal-delete":
		id := fs.String("id", "", "goal id")
		fs.Parse(args)
		return c.Buddy.DeleteGoal(ctx, *id)

	case "buddies":
		buddies, err := c.Buddy.MyBuddies(ctx)
		if err != nil {
			return err
		}
		return printJSON(buddies)

	case "pending":
		pending, err := c.Buddy.PendingRequests(ctx)
		if err != nil {
			return err
		}
		return printJSON(pending)

	case "recommend":
		recs, err := c.Buddy.Recommendations(ctx)
		if err != nil {
			return err
		}
		return printJSON(recs)

	case "buddy-request":
		goal := fs.String("goal", "", "goal id")
		fs.Parse(args)
		ack, err := c.Buddy.RequestBuddy(ctx, *goal)
		if err != nil {
			return err
		}
		fmt.Printf("request %s %s\n", ack.RelationshipID, ack.Status)
		return nil

	case "buddy-accept":
		id := fs.String("id", "", "relationship id")
		fs.Parse(args)
		buddy, err := c.Buddy.AcceptBuddy(ctx, *id)
		if err != nil {
			return err
		}
		fmt.Printf("now buddies with %s\n", buddy.DisplayName())
		return nil

	case "buddy-reject":
		id := fs.String("id", "", "relationship id")
		fs.Parse(args)
		return c.Buddy.RejectBuddy(ctx, *id)

	case "push-register":
		tok := fs.String("token", "", "device push token")
		fs.Parse(args)
		ack, err := c.Notify.Register(ctx, *tok)
		if err != nil {
			return err
		}
		fmt.Printf("registered skipped=%t %s\n", ack.Skipped, ack.Message)
		return nil

	case "push-unregister":
		ack, err := c.Notify.Unregister(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("unregistered skipped=%t %s\n", ack.Skipped, ack.Message)
		return nil

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func watch(ctx context.Context, c *app.Client, peer string) error {
	seen := 0
	done := make(chan error, 1)
	obs := c.Chat.Observe(ctx, peer, func(u chatsvc.Update) {
		if u.Err != nil {
			select {
			case done <- u.Err:
			default:
			}
			return
		}
		for _, m := range u.Messages[min(seen, len(u.Messages)):] {
			printMessage(m)
		}
		seen = len(u.Messages)
		mode := "live"
		if u.Degraded {
			mode = "polling"
		}
		fmt.Fprintf(os.Stderr, "-- %d messages, %s\n", seen, mode)
	})
	defer obs.Cancel()

	poll := time.NewTicker(30 * time.Second)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-done:
			return err
		case <-poll.C:
			if obs.Live() {
				continue
			}
			if _, err := c.Chat.Refresh(ctx, peer); err != nil {
				log.Printf("refresh history: %v", err)
			}
		}
	}
}

func printMessage(m chatdomain.Message) {
	read := " "
	if m.IsRead {
		read = "r"
	}
	fmt.Printf("%s %s [%s] %s -> %s: %s\n", m.Timestamp.Local().Format(time.DateTime), read, m.ID, m.SenderID, m.ReceiverID, m.Content)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

