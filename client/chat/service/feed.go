package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"buddy_client/client/chat/domain"
)

var ErrStreamClosed = errors.New("live stream closed")

// LiveFeed opens the push channel for one conversation.
type LiveFeed interface {
	Subscribe(ctx context.Context, pair domain.Pair) (Stream, error)
}

// Stream delivers live messages until it disconnects. Messages is closed on
// disconnect; Err then reports why.
type Stream interface {
	Messages() <-chan domain.Message
	Err() error
	Close() error
}

type liveEnvelope struct {
	Type     string          `json:"type"`
	RoomID   string          `json:"room_id"`
	UserID   string          `json:"user_id"`
	TargetID string          `json:"target_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// decodeEnvelope accepts either a {type,room_id,payload} envelope or a bare
// message document. Non-message envelopes yield ok=false.
func decodeEnvelope(raw []byte) (domain.Message, bool) {
	var env liveEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && (env.RoomID != "" || len(env.Payload) > 0) {
		if env.Type != "message" || len(env.Payload) == 0 {
			return domain.Message{}, false
		}
		raw = env.Payload
	}
	var m domain.Message
	if err := json.Unmarshal(raw, &m); err != nil || m.ID.Empty() {
		return domain.Message{}, false
	}
	if m.Type == "" {
		m.Type = domain.TypeText
	}
	return m, true
}

// pipe is the Stream shared by every feed implementation: a reader goroutine
// pushes into msgs and calls finish once.
type pipe struct {
	msgs    chan domain.Message
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	closeFn func() error
}

func newPipe(closeFn func() error) *pipe {
	return &pipe{msgs: make(chan domain.Message, 64), done: make(chan struct{}), closeFn: closeFn}
}

func (p *pipe) Messages() <-chan domain.Message {
	return p.msgs
}

func (p *pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// push blocks until the message is taken or the stream is closed.
func (p *pipe) push(m domain.Message) bool {
	select {
	case p.msgs <- m:
		return true
	case <-p.done:
		return false
	}
}

// finish is called by the reader goroutine when it exits.
func (p *pipe) finish(err error) {
	p.mu.Lock()
	if p.err == nil {
		if err == nil {
			err = ErrStreamClosed
		}
		p.err = err
	}
	p.mu.Unlock()
	close(p.msgs)
}

func (p *pipe) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		if p.closeFn != nil {
			err = p.closeFn()
		}
	})
	return err
}

// NoFeed is used when no live transport is configured.
type NoFeed struct{}

func (NoFeed) Subscribe(context.Context, domain.Pair) (Stream, error) {
	return nil, errors.New("no live transport configured")
}
