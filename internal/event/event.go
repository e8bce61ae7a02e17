package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind discriminates the inbound gateway frames this runtime understands.
type Kind string

const (
	KindFriendMessage Kind = "friend_message"
	KindGroupMessage  Kind = "group_message"
	KindNotify        Kind = "system_notify"
	KindRequest       Kind = "request"
)

// RawEvent is one frame as received from the gateway (or the webhook).
// It is owned by the caller; Refine never mutates it and never retains
// references into it.
type RawEvent struct {
	Name string          `json:"event"`
	Bot  int64           `json:"bot"`
	Time int64           `json:"time"`
	Data json.RawMessage `json:"data"`
}

// UnrecognizedKindError reports a frame whose discriminator matches no
// known variant. Callers drop and log such frames; they are never fatal.
type UnrecognizedKindError struct {
	Name string
}

func (e *UnrecognizedKindError) Error() string {
	return fmt.Sprintf("unrecognized event kind %q", e.Name)
}

// Context is a refined, typed, immutable view of one inbound event.
type Context interface {
	Kind() Kind
	Bot() int64
	SenderID() int64
	Content() string
	Time() time.Time
}

// flexInt64 tolerates gateways that serialize numeric ids as strings.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexInt64(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("id is neither number nor string: %s", data)
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse id %q: %w", s, err)
	}
	*f = flexInt64(n)
	return nil
}

func eventTime(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}
