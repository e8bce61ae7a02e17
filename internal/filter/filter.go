// Package filter provides composable predicates over refined event
// contexts. Predicates run for every enabled binding on every event, so
// they must stay side-effect free and allocation free at match time.
package filter

import (
	"strings"

	"github.com/opqbot/opqbot/internal/event"
)

// Predicate reports whether a context should be dispatched to a handler.
type Predicate func(event.Context) bool

// Equals matches messages whose content is exactly text.
func Equals(text string) Predicate {
	return func(c event.Context) bool { return c.Content() == text }
}

// HasPrefix matches messages whose content starts with prefix.
func HasPrefix(prefix string) Predicate {
	return func(c event.Context) bool { return strings.HasPrefix(c.Content(), prefix) }
}

// HasSuffix matches messages whose content ends with suffix.
func HasSuffix(suffix string) Predicate {
	return func(c event.Context) bool { return strings.HasSuffix(c.Content(), suffix) }
}

// Contains matches messages whose content contains sub.
func Contains(sub string) Predicate {
	return func(c event.Context) bool { return strings.Contains(c.Content(), sub) }
}

// KindIs matches contexts of the given kind.
func KindIs(kind event.Kind) Predicate {
	return func(c event.Context) bool { return c.Kind() == kind }
}

// IsGroup matches group messages.
func IsGroup() Predicate { return KindIs(event.KindGroupMessage) }

// IsFriend matches private messages.
func IsFriend() Predicate { return KindIs(event.KindFriendMessage) }

// FromUser matches events sent by the given user.
func FromUser(userID int64) Predicate {
	return func(c event.Context) bool { return c.SenderID() == userID }
}

// FromSelf matches events the bot sent itself (echoes of its own
// messages). Useful for ignoring them.
func FromSelf() Predicate {
	return func(c event.Context) bool { return c.SenderID() == c.Bot() }
}

// FromGroup matches group messages from the given group.
func FromGroup(groupID int64) Predicate {
	return func(c event.Context) bool {
		g, ok := c.(*event.GroupMessage)
		return ok && g.GroupID() == groupID
	}
}

// AtBot matches group messages that mention the bot.
func AtBot() Predicate {
	return func(c event.Context) bool {
		g, ok := c.(*event.GroupMessage)
		return ok && g.AtBot()
	}
}

// And matches when every predicate matches. With no arguments it matches
// everything.
func And(preds ...Predicate) Predicate {
	return func(c event.Context) bool {
		for _, p := range preds {
			if !p(c) {
				return false
			}
		}
		return true
	}
}

// Or matches when at least one predicate matches.
func Or(preds ...Predicate) Predicate {
	return func(c event.Context) bool {
		for _, p := range preds {
			if p(c) {
				return true
			}
		}
		return false
	}
}

// Not inverts a predicate.
func Not(p Predicate) Predicate {
	return func(c event.Context) bool { return !p(c) }
}

// Any matches every context.
func Any() Predicate {
	return func(event.Context) bool { return true }
}
