package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"buddy_client/client/capability"
	"buddy_client/client/chat/domain"
	commonlog "buddy_client/client/common/log"
)

// subscription is the single live channel shared by every observer of one
// conversation.
type subscription struct {
	state     *conversationState
	cancel    context.CancelFunc
	done      chan struct{}
	connected atomic.Bool
}

func (sub *subscription) stop() {
	sub.cancel()
}

// openLocked starts the live loop for state. Caller holds s.mu.
func (s *Synchronizer) openLocked(state *conversationState) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{state: state, cancel: cancel, done: make(chan struct{})}
	s.subWG.Add(1)
	go func() {
		defer s.subWG.Done()
		defer close(sub.done)
		s.runSubscription(ctx, sub)
	}()
	commonlog.Debugf("event=chat_sync action=subscribe peer_id=%s", state.pair.Peer)
	return sub
}

func (s *Synchronizer) runSubscription(ctx context.Context, sub *subscription) {
	pair := sub.state.pair
	failures := 0
	backoff := s.cfg.InitialBackoff
	connectedOnce := false

	for {
		if ctx.Err() != nil {
			return
		}
		stream, err := s.feed.Subscribe(ctx, pair)
		if err == nil {
			if connectedOnce {
				s.backfill(ctx, sub)
			}
			connectedOnce = true
			sub.connected.Store(true)
			commonlog.Infof("event=chat_sync action=live_connect status=ok peer_id=%s attempt=%d", pair.Peer, failures+1)

			started := time.Now()
			err = s.pump(ctx, sub, stream)
			sub.connected.Store(false)
			if ctx.Err() != nil {
				return
			}
			if time.Since(started) >= s.cfg.StableAfter {
				failures = 0
				backoff = s.cfg.InitialBackoff
			}
			commonlog.Warnf("event=chat_sync action=live_disconnect peer_id=%s error=%v", pair.Peer, err)
		} else if ctx.Err() != nil {
			return
		} else {
			commonlog.Warnf("event=chat_sync action=live_connect status=failed peer_id=%s attempt=%d error=%q", pair.Peer, failures+1, err.Error())
		}

		failures++
		if ctx.Err() != nil {
			return
		}
		if failures >= s.cfg.MaxLiveFailures {
			s.degrade(sub, fmt.Sprintf("live channel failed %d times: %v", failures, err))
			return
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

// pump forwards live messages until the stream ends or ctx is cancelled.
func (s *Synchronizer) pump(ctx context.Context, sub *subscription, stream Stream) error {
	defer stream.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-stream.Messages():
			if !ok {
				return stream.Err()
			}
			u := s.update(sub.state, []domain.Message{m}, nil)
			if u.Added == 0 {
				continue
			}
			s.broadcast(sub.state, u)
		}
	}
}

// backfill fetches history after a reconnect to cover messages sent while
// the live channel was down.
func (s *Synchronizer) backfill(ctx context.Context, sub *subscription) {
	msgs, err := s.fetchHistory(ctx, sub.state.pair)
	if err != nil || len(msgs) == 0 {
		return
	}
	if u := s.update(sub.state, msgs, nil); u.Added > 0 {
		s.broadcast(sub.state, u)
	}
}

// degrade drops the subscription after sustained failure and tells the
// remaining observers to poll.
func (s *Synchronizer) degrade(sub *subscription, reason string) {
	state := sub.state
	s.mu.Lock()
	current := state.sub == sub && s.convs[state.key] == state
	if current {
		state.sub = nil
		state.degraded = true
	}
	s.mu.Unlock()
	sub.cancel()
	if !current {
		return
	}
	s.caps.MarkUnavailable(capability.RealtimeMessaging, reason)
	commonlog.Errorf("event=chat_sync action=degrade peer_id=%s reason=%q", state.pair.Peer, reason)
	s.broadcast(state, s.update(state, nil, nil))
}
