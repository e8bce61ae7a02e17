package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/opqbot/opqbot/internal/event"
)

// frameKind separates the four things a gateway frame can be. The
// distinction between a liveness probe and a genuine session
// establishment is made here, at the wire boundary, and nowhere else:
// probes must never reach the connect hook.
type frameKind int

const (
	frameEvent frameKind = iota
	frameReply
	frameProbe
	frameSession
	frameIgnored
)

func (k frameKind) String() string {
	switch k {
	case frameEvent:
		return "event"
	case frameReply:
		return "reply"
	case frameProbe:
		return "probe"
	case frameSession:
		return "session"
	case frameIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

const (
	metaHeartbeat = "meta_heartbeat"
	metaLifecycle = "meta_lifecycle"
)

type frame struct {
	kind  frameKind
	echo  string
	raw   []byte
	event event.RawEvent
}

type wireFrame struct {
	Echo  string          `json:"echo,omitempty"`
	Event string          `json:"event,omitempty"`
	Bot   int64           `json:"bot,omitempty"`
	Time  int64           `json:"time,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type lifecyclePayload struct {
	Type string `json:"type"`
}

// classify decides what one inbound frame is. Pure function.
func classify(data []byte) (frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return frame{}, fmt.Errorf("classify frame: %w", err)
	}

	if w.Echo != "" {
		return frame{kind: frameReply, echo: w.Echo, raw: data}, nil
	}

	switch w.Event {
	case metaHeartbeat:
		return frame{kind: frameProbe}, nil
	case metaLifecycle:
		var p lifecyclePayload
		if len(w.Data) > 0 {
			if err := json.Unmarshal(w.Data, &p); err != nil {
				return frame{}, fmt.Errorf("classify lifecycle frame: %w", err)
			}
		}
		// Only a fresh session counts as a connect signal; other
		// lifecycle notices (enable, disable) are neither sessions
		// nor probes and are dropped without touching the monitor.
		if p.Type == "" || p.Type == "connect" {
			return frame{kind: frameSession}, nil
		}
		return frame{kind: frameIgnored}, nil
	}

	return frame{
		kind:  frameEvent,
		event: event.RawEvent{Name: w.Event, Bot: w.Bot, Time: w.Time, Data: w.Data},
	}, nil
}

// messageID peeks at the payload's message id for redelivery dedupe.
// Returns "" when the event carries none.
func messageID(raw event.RawEvent) string {
	if len(raw.Data) == 0 {
		return ""
	}
	var p struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(raw.Data, &p); err != nil {
		return ""
	}
	return p.MessageID
}
