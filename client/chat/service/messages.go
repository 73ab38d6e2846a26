package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"buddy_client/client/capability"
	"buddy_client/client/chat/domain"
	commonlog "buddy_client/client/common/log"
	"buddy_client/client/common/transport/httpresp"
	"buddy_client/client/gateway"
)

const (
	pathSend    = "/chat/send"
	pathHistory = "/chat/history/"
	pathUnread  = "/chat/unread"
	pathRead    = "/chat/read/"

	msgChatUnavailable = "Chat is not available right now."
)

type sendMessageRequest struct {
	ReceiverID string             `json:"receiverId"`
	Content    string             `json:"content"`
	Type       domain.MessageType `json:"type"`
}

type unreadResponse struct {
	UnreadCount int              `json:"unreadCount"`
	Messages    []domain.Message `json:"messages"`
	Status      string           `json:"status"`
	Message     string           `json:"message"`
}

// fetchHistory loads the most recent HistoryLimit messages. A backend
// without a chat store answers 200 with a status object; that counts as an
// empty history and marks realtime unavailable.
func (s *Synchronizer) fetchHistory(ctx context.Context, pair domain.Pair) ([]domain.Message, error) {
	var raw json.RawMessage
	err := s.gw.Call(ctx, http.MethodGet, pathHistory+gateway.PathEscape(pair.Peer), nil, &raw,
		gateway.WithQuery("limit", strconv.Itoa(s.cfg.HistoryLimit)))
	if err != nil {
		return nil, err
	}
	msgs, status := decodeHistory(raw)
	if status == httpresp.StatusFirebaseNotConfigured {
		s.caps.MarkUnavailable(capability.RealtimeMessaging, "chat store not configured")
		return nil, nil
	}
	if n := len(msgs); n > s.cfg.HistoryLimit {
		domainSort(msgs)
		msgs = msgs[n-s.cfg.HistoryLimit:]
	}
	return msgs, nil
}

func decodeHistory(raw json.RawMessage) ([]domain.Message, string) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, ""
	}
	var msgs []domain.Message
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &msgs); err != nil {
			commonlog.Warnf("event=chat_sync action=decode_history status=failed error=%q", err.Error())
			return nil, ""
		}
		return msgs, ""
	}
	var obj struct {
		Status   string           `json:"status"`
		Messages []domain.Message `json:"messages"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, ""
	}
	return obj.Messages, obj.Status
}

func domainSort(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Less(msgs[j]) })
}

// Send posts a message and merges it locally without waiting for the live
// echo.
func (s *Synchronizer) Send(ctx context.Context, peerID, content string, kind domain.MessageType) (domain.Message, error) {
	self := s.identity.UserID()
	if self == "" {
		return domain.Message{}, gateway.NewError(gateway.KindUnauthorized, "Not logged in.")
	}
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return domain.Message{}, gateway.NewError(gateway.KindValidation, "Conversation peer is required.")
	}
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, gateway.NewError(gateway.KindValidation, "Message content is required.")
	}
	if kind == "" {
		kind = domain.TypeText
	}

	var resp httpresp.SendMessageResponse
	err := s.gw.Call(ctx, http.MethodPost, pathSend, sendMessageRequest{ReceiverID: peerID, Content: content, Type: kind}, &resp)
	if err != nil {
		return domain.Message{}, err
	}
	if resp.Status == httpresp.StatusFirebaseNotConfigured {
		s.caps.MarkUnavailable(capability.RealtimeMessaging, "chat store not configured")
		msg := resp.Message
		if msg == "" {
			msg = msgChatUnavailable
		}
		return domain.Message{}, gateway.NewError(gateway.KindServer, msg)
	}

	m := domain.Message{
		ID:         resp.MessageID,
		SenderID:   httpresp.ID(self),
		ReceiverID: httpresp.ID(peerID),
		Content:    content,
		Type:       kind,
		Timestamp:  domain.At(s.now()),
	}
	commonlog.Infof("event=chat_sync action=send status=ok peer_id=%s message_id=%s", peerID, m.ID)
	if m.ID.Empty() {
		return m, nil
	}
	if state := s.stateFor(domain.Pair{Self: self, Peer: peerID}); state != nil {
		if u := s.update(state, []domain.Message{m}, nil); u.Added > 0 {
			s.broadcast(state, u)
		}
	}
	return m, nil
}

// Refresh refetches history for an observed or unobserved conversation and
// returns the merged sequence. Observers are notified of anything new.
func (s *Synchronizer) Refresh(ctx context.Context, peerID string) ([]domain.Message, error) {
	self := s.identity.UserID()
	if self == "" {
		return nil, gateway.NewError(gateway.KindUnauthorized, "Not logged in.")
	}
	pair := domain.Pair{Self: self, Peer: strings.TrimSpace(peerID)}
	msgs, err := s.fetchHistory(ctx, pair)
	if err != nil {
		return nil, err
	}
	state := s.stateFor(pair)
	if state == nil {
		domainSort(msgs)
		return msgs, nil
	}
	u := s.update(state, msgs, nil)
	if u.Added > 0 {
		s.broadcast(state, u)
	}
	return u.Messages, nil
}

func (s *Synchronizer) UnreadCount(ctx context.Context) (domain.UnreadSummary, error) {
	var resp unreadResponse
	if err := s.gw.Call(ctx, http.MethodGet, pathUnread, nil, &resp); err != nil {
		return domain.UnreadSummary{}, err
	}
	if resp.Status == httpresp.StatusFirebaseNotConfigured {
		s.caps.MarkUnavailable(capability.RealtimeMessaging, "chat store not configured")
		return domain.UnreadSummary{}, nil
	}
	count := resp.UnreadCount
	if count == 0 {
		count = len(resp.Messages)
	}
	return domain.UnreadSummary{Count: count, Messages: resp.Messages}, nil
}

func (s *Synchronizer) MarkRead(ctx context.Context, messageID string) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return gateway.NewError(gateway.KindValidation, "Message id is required.")
	}
	if err := s.gw.Call(ctx, http.MethodPut, pathRead+gateway.PathEscape(messageID), nil, nil); err != nil {
		return err
	}

	s.mu.Lock()
	states := make([]*conversationState, 0, len(s.convs))
	for _, state := range s.convs {
		states = append(states, state)
	}
	s.mu.Unlock()
	for _, state := range states {
		state.verMu.Lock()
		changed := state.conv.MarkRead(messageID)
		state.verMu.Unlock()
		if changed {
			s.broadcast(state, s.update(state, nil, nil))
		}
	}
	return nil
}
