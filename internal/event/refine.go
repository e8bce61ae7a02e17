package event

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Refine converts a raw gateway frame into its typed context. It is a pure
// transformation: the input is never mutated, and the returned context does
// not alias the frame's payload. Unknown discriminators yield
// *UnrecognizedKindError.
func Refine(raw RawEvent) (Context, error) {
	switch Kind(raw.Name) {
	case KindFriendMessage:
		return refineFriend(raw)
	case KindGroupMessage:
		return refineGroup(raw)
	case KindNotify:
		return refineNotify(raw)
	case KindRequest:
		return refineRequest(raw)
	default:
		return nil, &UnrecognizedKindError{Name: raw.Name}
	}
}

type friendPayload struct {
	UserID        flexInt64       `json:"user_id"`
	Nickname      string          `json:"nickname"`
	Content       string          `json:"content"`
	MessageID     string          `json:"message_id"`
	TempFromGroup flexInt64       `json:"temp_from_group"`
	Media         json.RawMessage `json:"media"`
}

type groupPayload struct {
	GroupID   flexInt64       `json:"group_id"`
	GroupName string          `json:"group_name"`
	UserID    flexInt64       `json:"user_id"`
	Nickname  string          `json:"nickname"`
	Content   string          `json:"content"`
	MessageID string          `json:"message_id"`
	AtBot     bool            `json:"at_bot"`
	Media     json.RawMessage `json:"media"`
}

type notifyPayload struct {
	Type      string    `json:"type"`
	FromUser  flexInt64 `json:"from_user"`
	FromGroup flexInt64 `json:"from_group"`
	Content   string    `json:"content"`
}

type requestPayload struct {
	Type      string    `json:"type"`
	FromUser  flexInt64 `json:"from_user"`
	FromGroup flexInt64 `json:"from_group"`
	Seq       flexInt64 `json:"seq"`
	Content   string    `json:"content"`
}

func refineFriend(raw RawEvent) (*FriendMessage, error) {
	var p friendPayload
	if err := json.Unmarshal(raw.Data, &p); err != nil {
		return nil, fmt.Errorf("refine %s: %w", raw.Name, err)
	}
	return &FriendMessage{
		common:        base(raw, int64(p.UserID), p.Content),
		nickname:      p.Nickname,
		messageID:     p.MessageID,
		tempFromGroup: int64(p.TempFromGroup),
		media:         newLazyMedia(p.Media),
	}, nil
}

func refineGroup(raw RawEvent) (*GroupMessage, error) {
	var p groupPayload
	if err := json.Unmarshal(raw.Data, &p); err != nil {
		return nil, fmt.Errorf("refine %s: %w", raw.Name, err)
	}
	return &GroupMessage{
		common:    base(raw, int64(p.UserID), p.Content),
		groupID:   int64(p.GroupID),
		groupName: p.GroupName,
		nickname:  p.Nickname,
		messageID: p.MessageID,
		atBot:     p.AtBot,
		media:     newLazyMedia(p.Media),
	}, nil
}

func refineNotify(raw RawEvent) (*Notify, error) {
	var p notifyPayload
	if err := json.Unmarshal(raw.Data, &p); err != nil {
		return nil, fmt.Errorf("refine %s: %w", raw.Name, err)
	}
	return &Notify{
		common:     base(raw, int64(p.FromUser), p.Content),
		notifyType: p.Type,
		fromGroup:  int64(p.FromGroup),
	}, nil
}

func refineRequest(raw RawEvent) (*Request, error) {
	var p requestPayload
	if err := json.Unmarshal(raw.Data, &p); err != nil {
		return nil, fmt.Errorf("refine %s: %w", raw.Name, err)
	}
	return &Request{
		common:      base(raw, int64(p.FromUser), p.Content),
		requestType: p.Type,
		fromGroup:   int64(p.FromGroup),
		seq:         int64(p.Seq),
	}, nil
}

type common struct {
	bot     int64
	sender  int64
	content string
	ts      time.Time
}

func base(raw RawEvent, sender int64, content string) common {
	return common{bot: raw.Bot, sender: sender, content: content, ts: eventTime(raw.Time)}
}

func (c common) Bot() int64      { return c.bot }
func (c common) SenderID() int64 { return c.sender }
func (c common) Content() string { return c.content }
func (c common) Time() time.Time { return c.ts }

// FriendMessage is a private (or temporary-session) message. A temporary
// session carries the id of the group it originated from.
type FriendMessage struct {
	common
	nickname      string
	messageID     string
	tempFromGroup int64
	media         *lazyMedia
}

func (m *FriendMessage) Kind() Kind                   { return KindFriendMessage }
func (m *FriendMessage) Nickname() string             { return m.nickname }
func (m *FriendMessage) MessageID() string            { return m.messageID }
func (m *FriendMessage) TempFromGroup() int64         { return m.tempFromGroup }
func (m *FriendMessage) IsTempSession() bool          { return m.tempFromGroup != 0 }
func (m *FriendMessage) Pictures() ([]Picture, error) { return m.media.pictures() }
func (m *FriendMessage) Video() (*Video, error)       { return m.media.video() }

type GroupMessage struct {
	common
	groupID   int64
	groupName string
	nickname  string
	messageID string
	atBot     bool
	media     *lazyMedia
}

func (m *GroupMessage) Kind() Kind                   { return KindGroupMessage }
func (m *GroupMessage) GroupID() int64               { return m.groupID }
func (m *GroupMessage) GroupName() string            { return m.groupName }
func (m *GroupMessage) Nickname() string             { return m.nickname }
func (m *GroupMessage) MessageID() string            { return m.messageID }
func (m *GroupMessage) AtBot() bool                  { return m.atBot }
func (m *GroupMessage) Pictures() ([]Picture, error) { return m.media.pictures() }
func (m *GroupMessage) Video() (*Video, error)       { return m.media.video() }

// Notify is a system notification (member joined, message recalled, ...).
type Notify struct {
	common
	notifyType string
	fromGroup  int64
}

func (n *Notify) Kind() Kind       { return KindNotify }
func (n *Notify) Type() string     { return n.notifyType }
func (n *Notify) FromGroup() int64 { return n.fromGroup }

// Request is an actionable event such as a friend request or a group invite.
type Request struct {
	common
	requestType string
	fromGroup   int64
	seq         int64
}

func (r *Request) Kind() Kind       { return KindRequest }
func (r *Request) Type() string     { return r.requestType }
func (r *Request) FromGroup() int64 { return r.fromGroup }
func (r *Request) Seq() int64       { return r.seq }

type Picture struct {
	URL  string `json:"url"`
	MD5  string `json:"md5"`
	Size int64  `json:"size"`
}

type Video struct {
	URL      string `json:"url"`
	MD5      string `json:"md5"`
	Size     int64  `json:"size"`
	Duration int64  `json:"duration"`
}

// lazyMedia defers parsing of the media payload until a handler asks for
// it. Pictures and video resolve independently and each result is computed
// at most once.
type lazyMedia struct {
	raw []byte

	picOnce sync.Once
	pics    []Picture
	picErr  error

	vidOnce sync.Once
	vid     *Video
	vidErr  error
}

func newLazyMedia(raw json.RawMessage) *lazyMedia {
	if len(raw) == 0 {
		return &lazyMedia{}
	}
	// Copy so the context does not alias the caller's frame buffer.
	return &lazyMedia{raw: append([]byte(nil), raw...)}
}

func (m *lazyMedia) pictures() ([]Picture, error) {
	m.picOnce.Do(func() {
		if len(m.raw) == 0 {
			return
		}
		var p struct {
			Pictures []Picture `json:"pictures"`
		}
		if err := json.Unmarshal(m.raw, &p); err != nil {
			m.picErr = fmt.Errorf("parse media pictures: %w", err)
			return
		}
		m.pics = p.Pictures
	})
	return m.pics, m.picErr
}

func (m *lazyMedia) video() (*Video, error) {
	m.vidOnce.Do(func() {
		if len(m.raw) == 0 {
			return
		}
		var v struct {
			Video *Video `json:"video"`
		}
		if err := json.Unmarshal(m.raw, &v); err != nil {
			m.vidErr = fmt.Errorf("parse media video: %w", err)
			return
		}
		m.vid = v.Video
	})
	return m.vid, m.vidErr
}
