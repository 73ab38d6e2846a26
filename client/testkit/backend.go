// Package testkit runs an in-process backend with the REST, health and
// websocket surface the client talks to.
package testkit

import (
	"fmt"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

const (
	RealtimeComponent = "firebase"
	defaultSecret     = "testkit-secret"
	tokenTTL          = time.Hour
)

type claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

type account struct {
	ID        string
	Username  string
	Password  string
	Email     string
	FirstName string
	LastName  string
	Role      string
}

// WireTimestamp is the seconds/nanos object the backend serializes message
// timestamps as.
type WireTimestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int64 `json:"nanos"`
}

func NewWireTimestamp(t time.Time) WireTimestamp {
	return WireTimestamp{Seconds: t.Unix(), Nanos: int64(t.Nanosecond())}
}

type WireMessage struct {
	ID         string        `json:"id"`
	SenderID   string        `json:"senderId"`
	SenderName string        `json:"senderName,omitempty"`
	ReceiverID string        `json:"receiverId"`
	Content    string        `json:"content"`
	Type       string        `json:"type"`
	Timestamp  WireTimestamp `json:"timestamp"`
	IsRead     bool          `json:"isRead"`
}

type Device struct {
	Token      string `json:"token"`
	UserID     string `json:"userId"`
	DeviceType string `json:"deviceType"`
	DeviceName string `json:"deviceName"`
	AppVersion string `json:"appVersion"`
	Active     bool   `json:"active"`
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

type Backend struct {
	URL string

	srv    *httptest.Server
	secret []byte

	mu               sync.Mutex
	accounts         map[string]*account
	nextUserID       int
	issued           map[string]bool
	nextTokenID      int
	messages         []WireMessage
	nextMessageID    int
	devices          map[string]*Device
	goals            map[int]*wireGoal
	nextGoalID       int
	relationships    map[int]*wireRelationship
	nextRelationship int

	realtimeUp         bool
	realtimeConfigured bool
	wsRejected         bool
	historyGate        chan struct{}

	healthProbes   int
	registerCalls  int
	unregisterCall int
	lastBearer     map[string]string
	wsConnects     int
	rooms          map[string]map[*wsClient]struct{}
}

// New starts a backend that is torn down with t.
func New(t testing.TB) *Backend {
	t.Helper()
	gin.SetMode(gin.TestMode)
	b := &Backend{
		secret:             []byte(defaultSecret),
		accounts:           map[string]*account{},
		issued:             map[string]bool{},
		devices:            map[string]*Device{},
		goals:              map[int]*wireGoal{},
		relationships:      map[int]*wireRelationship{},
		realtimeUp:         true,
		realtimeConfigured: true,
		lastBearer:         map[string]string{},
		rooms:              map[string]map[*wsClient]struct{}{},
	}
	r := gin.New()
	b.registerRoutes(r)
	b.srv = httptest.NewServer(r)
	b.URL = b.srv.URL
	t.Cleanup(b.Close)
	return b
}

func (b *Backend) Close() {
	b.DropWebsockets()
	b.srv.Close()
}

// WebsocketURL is the live chat endpoint with the ws scheme.
func (b *Backend) WebsocketURL() string {
	return "ws" + b.URL[len("http"):] + "/ws/chat"
}

func (b *Backend) AddUser(username, password, firstName, lastName string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextUserID++
	id := strconv.Itoa(b.nextUserID)
	b.accounts[username] = &account{
		ID:        id,
		Username:  username,
		Password:  password,
		Email:     username + "@example.com",
		FirstName: firstName,
		LastName:  lastName,
		Role:      "USER",
	}
	return id
}

// IssueToken signs a token for an existing user the way /auth/login does.
func (b *Backend) IssueToken(username string) (string, error) {
	b.mu.Lock()
	acc, ok := b.accounts[username]
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown user %s", username)
	}
	return b.sign(acc)
}

func (b *Backend) sign(acc *account) (string, error) {
	now := time.Now()
	b.mu.Lock()
	b.nextTokenID++
	jti := strconv.Itoa(b.nextTokenID)
	b.issued[jti] = true
	b.mu.Unlock()
	c := claims{
		UserID: acc.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acc.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			ID:        jti,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(b.secret)
}

func (b *Backend) parse(raw string) (*account, error) {
	parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return b.secret, nil
	})
	if err != nil {
		return nil, err
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.issued[c.ID] {
		return nil, fmt.Errorf("token revoked")
	}
	acc, ok := b.accounts[c.Subject]
	if !ok {
		return nil, fmt.Errorf("user not found")
	}
	return acc, nil
}

// RevokeTokens invalidates every token issued so far.
func (b *Backend) RevokeTokens() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for jti := range b.issued {
		b.issued[jti] = false
	}
}

// SetRealtime flips the realtime component reported by /actuator/health.
func (b *Backend) SetRealtime(up bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.realtimeUp = up
}

// SetRealtimeConfigured makes the chat endpoints answer with the
// firebase_not_configured status when false.
func (b *Backend) SetRealtimeConfigured(configured bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.realtimeConfigured = configured
}

// RejectWebsocket makes /ws/chat refuse upgrades.
func (b *Backend) RejectWebsocket(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wsRejected = reject
}

// HoldHistory blocks /chat/history until the returned func is called.
func (b *Backend) HoldHistory() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.historyGate = gate
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.historyGate == gate {
				b.historyGate = nil
			}
			b.mu.Unlock()
			close(gate)
		})
	}
}

// Seed stores a message without publishing it.
func (b *Backend) Seed(senderID, receiverID, content string, at time.Time) WireMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.storeLocked(senderID, receiverID, content, "text", at)
}

// Inject stores a message and pushes it to live subscribers, as if sent
// from another device.
func (b *Backend) Inject(senderID, receiverID, content string, at time.Time) WireMessage {
	b.mu.Lock()
	msg := b.storeLocked(senderID, receiverID, content, "text", at)
	b.mu.Unlock()
	b.Publish(msg)
	return msg
}

// Publish pushes msg to live subscribers without storing it.
func (b *Backend) Publish(msg WireMessage) {
	room := PairKey(msg.SenderID, msg.ReceiverID)
	env := map[string]any{
		"type":    "message",
		"room_id": room,
		"user_id": msg.SenderID,
		"payload": msg,
	}
	for _, c := range b.roomClients(room) {
		_ = c.write(env)
	}
}

// DropWebsockets closes every live connection.
func (b *Backend) DropWebsockets() {
	b.mu.Lock()
	var all []*wsClient
	for _, clients := range b.rooms {
		for c := range clients {
			all = append(all, c)
		}
	}
	b.mu.Unlock()
	for _, c := range all {
		_ = c.conn.Close()
	}
}

func (b *Backend) storeLocked(senderID, receiverID, content, typ string, at time.Time) WireMessage {
	b.nextMessageID++
	senderName := ""
	for _, acc := range b.accounts {
		if acc.ID == senderID {
			senderName = acc.Username
		}
	}
	msg := WireMessage{
		ID:         fmt.Sprintf("m%06d", b.nextMessageID),
		SenderID:   senderID,
		SenderName: senderName,
		ReceiverID: receiverID,
		Content:    content,
		Type:       typ,
		Timestamp:  NewWireTimestamp(at),
	}
	b.messages = append(b.messages, msg)
	return msg
}

func (b *Backend) roomClients(room string) []*wsClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*wsClient, 0, len(b.rooms[room]))
	for c := range b.rooms[room] {
		out = append(out, c)
	}
	return out
}

func (b *Backend) HealthProbes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthProbes
}

func (b *Backend) RegisterCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registerCalls
}

func (b *Backend) UnregisterCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unregisterCall
}

// LastBearer returns the bearer token seen on the last request to path.
func (b *Backend) LastBearer(path string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastBearer[path]
}

func (b *Backend) WebsocketConnects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wsConnects
}

// LiveSubscribers counts open websocket connections for a conversation.
func (b *Backend) LiveSubscribers(userA, userB string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms[PairKey(userA, userB)])
}

// Devices lists registrations ordered by token.
func (b *Backend) Devices() []Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Device, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// PairKey names the conversation between two users independent of order.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}
