package liveserver

import "time"

// Message is one frame written to stream clients. Broadcast frames carry a
// hub-wide sequence number so a reader can tell when it missed some; the
// per-connection hello has none.
type Message struct {
	Type string      `json:"type"`
	Seq  uint64      `json:"seq,omitempty"`
	Time time.Time   `json:"ts"`
	Data interface{} `json:"data"`
}

const (
	// TypeHello is sent once per connection, before any event
	TypeHello = "hello"
	// TypeEvent carries one system event
	TypeEvent = "event"
)

func NewMessage(msgType string, data interface{}) Message {
	return Message{Type: msgType, Time: time.Now().UTC(), Data: data}
}

// SeqTracker spots gaps in the sequence numbers a reader sees
type SeqTracker struct {
	last uint64
}

// Observe records seq and returns how many frames were skipped since the
// previous one. Unsequenced frames and the first frame never count as a gap.
func (t *SeqTracker) Observe(seq uint64) uint64 {
	if seq == 0 {
		return 0
	}
	var missed uint64
	if t.last != 0 && seq > t.last+1 {
		missed = seq - t.last - 1
	}
	if seq > t.last {
		t.last = seq
	}
	return missed
}
