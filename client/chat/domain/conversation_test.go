package domain

import (
	"encoding/json"
	"testing"
	"time"

	"buddy_client/client/common/transport/httpresp"
)

func msg(id string, sec int64) Message {
	return Message{ID: httpresp.ID(id), SenderID: "1", ReceiverID: "2", Content: id, Timestamp: At(time.Unix(sec, 0))}
}

func ids(ms []Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID.String()
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMergeHistoryWithLiveArrivals(t *testing.T) {
	c := NewConversation("2")
	if n := c.Merge(msg("m1", 1), msg("m3", 3)); n != 2 {
		t.Fatalf("history added %d", n)
	}
	if n := c.Merge(msg("m2", 2)); n != 1 {
		t.Fatalf("live added %d", n)
	}
	dup := msg("m3", 3)
	dup.Content = "redelivered"
	if n := c.Merge(dup); n != 0 {
		t.Fatalf("duplicate added %d", n)
	}

	got := c.Snapshot()
	if !equal(ids(got), []string{"m1", "m2", "m3"}) {
		t.Fatalf("sequence = %v", ids(got))
	}
	if got[2].Content != "m3" {
		t.Fatal("duplicate replaced the first arrival")
	}
}

func TestMergeOrdersTiesByID(t *testing.T) {
	c := NewConversation("2")
	c.Merge(msg("10", 5), msg("9", 5), msg("b", 5), msg("a", 5), msg("x", 1))
	if got := ids(c.Snapshot()); !equal(got, []string{"x", "9", "10", "a", "b"}) {
		t.Fatalf("sequence = %v", got)
	}
}

func TestMergeIsOrderIndependent(t *testing.T) {
	in := []Message{msg("m4", 4), msg("m1", 1), msg("m3", 3), msg("m2", 2), msg("m1", 1)}
	a := NewConversation("2")
	a.Merge(in...)
	b := NewConversation("2")
	for i := len(in) - 1; i >= 0; i-- {
		b.Merge(in[i])
	}
	if !equal(ids(a.Snapshot()), ids(b.Snapshot())) {
		t.Fatalf("%v vs %v", ids(a.Snapshot()), ids(b.Snapshot()))
	}
}

func TestMergeDropsMessagesWithoutID(t *testing.T) {
	c := NewConversation("2")
	if n := c.Merge(Message{Content: "orphan"}); n != 0 || c.Len() != 0 {
		t.Fatal("message without id was merged")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	c := NewConversation("2")
	c.Merge(msg("m1", 1))
	s := c.Snapshot()
	s[0].Content = "changed"
	if c.Snapshot()[0].Content != "m1" {
		t.Fatal("snapshot aliases conversation storage")
	}
}

func TestTimestampShapes(t *testing.T) {
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []string{
		`"2026-03-01T12:00:00Z"`,
		`"2026-03-01T12:00:00"`,
		`1772366400000`,
		`1772366400`,
		`{"seconds":1772366400,"nanos":0}`,
		`{"_seconds":1772366400,"_nanoseconds":0}`,
		`{"epochSecond":1772366400,"nano":0}`,
	}
	for _, raw := range cases {
		var ts Timestamp
		if err := json.Unmarshal([]byte(raw), &ts); err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if !ts.Equal(want) {
			t.Fatalf("%s: got %v", raw, ts.Time)
		}
	}

	var ts Timestamp
	if err := json.Unmarshal([]byte(`null`), &ts); err != nil || !ts.IsZero() {
		t.Fatalf("null: %v %v", ts, err)
	}
	if err := json.Unmarshal([]byte(`"yesterday"`), &ts); err == nil {
		t.Fatal("expected error for free text")
	}
}

func TestMessageDecodesBackendPayload(t *testing.T) {
	raw := `{"id":"abc","senderId":1,"receiverId":"2","content":"hi","type":"text","timestamp":{"seconds":10,"nanos":5},"isRead":false}`
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatal(err)
	}
	if m.SenderID != "1" || m.Timestamp.Unix() != 10 || m.Timestamp.Nanosecond() != 5 {
		t.Fatalf("decoded %+v", m)
	}
	p := Pair{Self: "2", Peer: "1"}
	if !p.Involves(m) || p.Key() != "1:2" {
		t.Fatal("pair mismatch")
	}
}

func TestParseMessageType(t *testing.T) {
	if ParseMessageType("IMAGE") != TypeImage || ParseMessageType("") != TypeText || ParseMessageType("file") != TypeFile {
		t.Fatal("unexpected type mapping")
	}
}
