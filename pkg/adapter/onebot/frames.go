package onebot

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/renflow/runner/pkg/domain"
	"github.com/renflow/runner/pkg/mapping"
)

// Frame is one inbound transport message. Text frames that are not valid
// JSON are passed through with JSON set to false.
type Frame struct {
	Data     []byte
	JSON     bool
	Received time.Time
}

// Text returns the frame as text.
func (f Frame) Text() string { return string(f.Data) }

// Notice is the payload of notice events.
type Notice struct {
	NoticeType string          `json:"noticeType"`
	SubType    string          `json:"subType,omitempty"`
	GroupID    int64           `json:"groupId,omitempty"`
	UserID     int64           `json:"userId,omitempty"`
	Raw        json.RawMessage `json:"raw"`
}

// Frame classes.
const (
	kindMessage     = "message"
	kindMessageSent = "message_sent"
	kindNotice      = "notice"
)

// classify returns the discriminator of a parsed frame: the post_type, or
// for notices the sub_type falling back to notice_type.
func classify(f gjson.Result) string {
	if f.Get("post_type").String() == kindNotice {
		if sub := f.Get("sub_type"); sub.Exists() && sub.Type != gjson.Null {
			return sub.String()
		}
		return f.Get("notice_type").String()
	}
	return f.Get("post_type").String()
}

// Numeric fields are optional: a value that does not parse is left unset
// rather than dropping the message.
var (
	optInt  = mapping.Lenient(mapping.Int)
	optTime = mapping.Lenient(mapping.UnixSeconds)
)

var messageMapping = mapping.Mapping{
	"messageId":       mapping.T("message_id", mapping.String),
	"messageSeqId":    mapping.T("real_seq", optInt),
	"messageType":     mapping.P("message_type"),
	"selfId":          mapping.T("self_id", optInt),
	"groupId":         mapping.T("group_id", optInt),
	"userId":          mapping.T("user_id", optInt),
	"targetId":        mapping.T("target_id", optInt),
	"sender.userId":   mapping.T("sender.user_id", optInt),
	"sender.nickName": mapping.T("sender.nickname", mapping.String),
	"sender.cardName": mapping.T("sender.card", mapping.String),
	"sender.role":     mapping.T("sender.role", mapping.String),
	"rawMessage":      mapping.T("raw_message", mapping.String),
	"time":            mapping.T("time", optTime),
	"message":         {Compute: segments},
}

func whenEmoji(path string) mapping.Rule {
	return mapping.Rule{Compute: func(seg gjson.Result) (any, error) {
		if id := seg.Get("data.emoji_id"); !id.Exists() || id.String() == "" {
			return nil, nil
		}
		return mapping.String(seg.Get(path))
	}}
}

// segmentMappings holds one rule set per supported segment type. Segments of
// any other type are dropped.
var segmentMappings = map[string]mapping.Mapping{
	"text": {
		"type": mapping.P("type"),
		"text": mapping.T("data.text", mapping.String),
	},
	"image": {
		"type":      mapping.P("type"),
		"url":       mapping.T("data.url", mapping.String),
		"summary":   mapping.T("data.summary", mapping.String),
		"subType":   mapping.T("data.sub_type", optInt),
		"emojiId":   whenEmoji("data.emoji_id"),
		"packageId": whenEmoji("data.package_id"),
	},
	"reply": {
		"type": mapping.P("type"),
		"id":   mapping.T("data.id", mapping.String),
	},
}

// segments maps the message array. A string message (CQ code form) becomes
// a single text segment.
func segments(src gjson.Result) (any, error) {
	msg := src.Get("message")
	if !msg.Exists() {
		return nil, nil
	}
	if msg.Type == gjson.String {
		return []domain.Segment{domain.TextSegment(msg.Str)}, nil
	}

	out := []byte("[]")
	var err error
	msg.ForEach(func(_, seg gjson.Result) bool {
		m, ok := segmentMappings[seg.Get("type").String()]
		if !ok {
			return true
		}
		var raw []byte
		if raw, err = mapping.Apply(seg, m); err != nil {
			return false
		}
		out, err = sjson.SetRawBytes(out, "-1", raw)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

// decodeMessage normalizes a message frame.
func decodeMessage(data []byte) (domain.Message, error) {
	var msg domain.Message
	if err := mapping.Decode(data, messageMapping, &msg); err != nil {
		return domain.Message{}, err
	}
	msg.Raw = append(json.RawMessage(nil), data...)
	return msg, nil
}

func decodeNotice(f gjson.Result, raw []byte) Notice {
	return Notice{
		NoticeType: f.Get("notice_type").String(),
		SubType:    f.Get("sub_type").String(),
		GroupID:    f.Get("group_id").Int(),
		UserID:     f.Get("user_id").Int(),
		Raw:        append(json.RawMessage(nil), raw...),
	}
}
