package domain

import (
	"encoding/json"
	"time"
)

// Message is a normalized chat message. Field names are stable regardless of
// the wire protocol the message arrived on.
type Message struct {
	MessageID    string          `json:"messageId"`
	MessageSeqID *int64          `json:"messageSeqId,omitempty"`
	MessageType  MessageType     `json:"messageType"`
	SelfID       int64           `json:"selfId"`
	TargetID     int64           `json:"targetId,omitempty"`
	GroupID      int64           `json:"groupId,omitempty"`
	UserID       int64           `json:"userId,omitempty"`
	Sender       Sender          `json:"sender"`
	RawMessage   string          `json:"rawMessage"`
	Segments     []Segment       `json:"message"`
	Time         time.Time       `json:"time"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// Sender identifies who wrote a message.
type Sender struct {
	UserID   int64  `json:"userId"`
	NickName string `json:"nickName"`
	CardName string `json:"cardName,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Segment is one typed part of a message body. Only the fields relevant to
// Type are populated.
type Segment struct {
	Type SegmentType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	URL       string `json:"url,omitempty"`
	Summary   string `json:"summary,omitempty"`
	SubType   *int   `json:"subType,omitempty"`
	EmojiID   string `json:"emojiId,omitempty"`
	PackageID string `json:"packageId,omitempty"`

	// reply
	ID string `json:"id,omitempty"`
}

// TextSegment builds a plain text segment.
func TextSegment(text string) Segment {
	return Segment{Type: SegmentText, Text: text}
}

// PlainText concatenates the text segments of the message.
func (m Message) PlainText() string {
	var out string
	for _, s := range m.Segments {
		if s.Type == SegmentText {
			out += s.Text
		}
	}
	return out
}

// EventKey returns the message id used for bus deduplication.
func (m Message) EventKey() string { return m.MessageID }

// IsGroup reports whether the message was posted to a group.
func (m Message) IsGroup() bool { return m.MessageType == MessageGroup }
