package service

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"buddy_client/client/chat/domain"
)

const wsHandshakeTimeout = 10 * time.Second

// WebsocketFeed dials the backend chat socket once per conversation.
type WebsocketFeed struct {
	endpoint string
	bearer   func() string
	dialer   *websocket.Dialer
}

// NewWebsocketFeed takes the socket URL (ws:// or wss://) and a source for
// the current bearer token.
func NewWebsocketFeed(endpoint string, bearer func() string) *WebsocketFeed {
	return &WebsocketFeed{
		endpoint: strings.TrimSpace(endpoint),
		bearer:   bearer,
		dialer:   &websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout, Proxy: http.ProxyFromEnvironment},
	}
}

// WebsocketURL derives the socket URL from an http(s) base URL.
func WebsocketURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/chat"
}

func (f *WebsocketFeed) Subscribe(ctx context.Context, pair domain.Pair) (Stream, error) {
	u, err := url.Parse(f.endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("peer_id", pair.Peer)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if f.bearer != nil {
		if tok := f.bearer(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}
	conn, resp, err := f.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}

	p := newPipe(conn.Close)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				p.finish(err)
				return
			}
			m, ok := decodeEnvelope(raw)
			if !ok || !pair.Involves(m) {
				continue
			}
			if !p.push(m) {
				p.finish(nil)
				return
			}
		}
	}()
	return p, nil
}
