package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"buddy_client/client/common/transport/httpresp"
)

type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeFile  MessageType = "file"
)

func ParseMessageType(raw string) MessageType {
	switch MessageType(strings.ToLower(strings.TrimSpace(raw))) {
	case TypeImage:
		return TypeImage
	case TypeFile:
		return TypeFile
	default:
		return TypeText
	}
}

type Message struct {
	ID         httpresp.ID `json:"id"`
	SenderID   httpresp.ID `json:"senderId"`
	SenderName string      `json:"senderName,omitempty"`
	ReceiverID httpresp.ID `json:"receiverId"`
	Content    string      `json:"content"`
	Type       MessageType `json:"type"`
	Timestamp  Timestamp   `json:"timestamp"`
	IsRead     bool        `json:"isRead"`
}

// Less orders by timestamp, then id.
func (m Message) Less(o Message) bool {
	if !m.Timestamp.Equal(o.Timestamp.Time) {
		return m.Timestamp.Before(o.Timestamp.Time)
	}
	return compareIDs(string(m.ID), string(o.ID)) < 0
}

// compareIDs orders integer ids numerically, so "9" sorts before "10", and
// places them before any non-integer id.
func compareIDs(a, b string) int {
	ai, aErr := strconv.ParseInt(a, 10, 64)
	bi, bErr := strconv.ParseInt(b, 10, 64)
	switch {
	case aErr == nil && bErr == nil:
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	case aErr == nil:
		return -1
	case bErr == nil:
		return 1
	}
	return strings.Compare(a, b)
}

// Timestamp decodes every shape the backend has been seen to emit: RFC 3339
// strings, epoch numbers and {seconds,nanos} objects.
type Timestamp struct {
	time.Time
}

func At(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return t.parseString(strings.TrimSpace(s))
	case '{':
		var obj struct {
			Seconds     *int64 `json:"seconds"`
			Nanos       int64  `json:"nanos"`
			USeconds    *int64 `json:"_seconds"`
			UNanos      int64  `json:"_nanoseconds"`
			EpochSecond *int64 `json:"epochSecond"`
			Nano        int64  `json:"nano"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		switch {
		case obj.Seconds != nil:
			t.Time = time.Unix(*obj.Seconds, obj.Nanos).UTC()
		case obj.USeconds != nil:
			t.Time = time.Unix(*obj.USeconds, obj.UNanos).UTC()
		case obj.EpochSecond != nil:
			t.Time = time.Unix(*obj.EpochSecond, obj.Nano).UTC()
		default:
			return fmt.Errorf("timestamp object has no seconds field")
		}
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		return t.parseString(n.String())
	}
}

func (t *Timestamp) parseString(s string) error {
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		t.Time = fromEpoch(f)
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

// fromEpoch treats values above 1e12 as milliseconds.
func fromEpoch(f float64) time.Time {
	if f > 1e12 {
		ms := int64(f)
		return time.UnixMilli(ms).UTC()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// Pair identifies a conversation independent of who sends.
type Pair struct {
	Self string
	Peer string
}

// Key is the order-independent conversation key shared by every live feed.
func (p Pair) Key() string {
	a, b := p.Self, p.Peer
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// Involves reports whether m belongs to the conversation.
func (p Pair) Involves(m Message) bool {
	s, r := m.SenderID.String(), m.ReceiverID.String()
	return (s == p.Self && r == p.Peer) || (s == p.Peer && r == p.Self)
}

type UnreadSummary struct {
	Count    int
	Messages []Message
}
