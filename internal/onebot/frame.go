package onebot

import "github.com/tidwall/gjson"

// Post types carried by inbound gateway frames.
const (
	PostTypeMessage   = "message"
	PostTypeNotice    = "notice"
	PostTypeRequest   = "request"
	PostTypeMetaEvent = "meta_event"
)

// Notice and request subtypes the handlers care about.
const (
	NoticeGroupIncrease = "group_increase"
	NoticeGroupDecrease = "group_decrease"
	RequestTypeGroup    = "group"
)

// Event is a parsed inbound gateway frame that is not a call response.
type Event struct {
	PostType      string
	MessageType   string
	NoticeType    string
	RequestType   string
	SubType       string
	MetaEventType string

	UserID     uint64
	GroupID    int64
	MessageID  int64
	RawMessage string
	Flag       string
	Comment    string

	Raw gjson.Result // Full frame for fields not lifted above.
}

// parseEvent lifts the common OneBot fields out of a frame.
func parseEvent(raw gjson.Result) *Event {
	ev := &Event{
		PostType:      raw.Get("post_type").String(),
		MessageType:   raw.Get("message_type").String(),
		NoticeType:    raw.Get("notice_type").String(),
		RequestType:   raw.Get("request_type").String(),
		SubType:       raw.Get("sub_type").String(),
		MetaEventType: raw.Get("meta_event_type").String(),
		UserID:        raw.Get("user_id").Uint(),
		GroupID:       raw.Get("group_id").Int(),
		MessageID:     raw.Get("message_id").Int(),
		RawMessage:    raw.Get("raw_message").String(),
		Flag:          raw.Get("flag").String(),
		Comment:       raw.Get("comment").String(),
		Raw:           raw,
	}
	// Some gateways omit post_type on lifecycle frames.
	if ev.PostType == "" && ev.MetaEventType != "" {
		ev.PostType = PostTypeMetaEvent
	}
	return ev
}

// IsPrivate reports whether a message event came from a direct chat.
func (e *Event) IsPrivate() bool {
	return e.PostType == PostTypeMessage && e.MessageType == "private"
}
