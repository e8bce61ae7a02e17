package filter

import (
	"encoding/json"
	"testing"

	"github.com/opqbot/opqbot/internal/event"
)

func groupMsg(t *testing.T, bot, group, sender int64, content string) event.Context {
	t.Helper()
	data, _ := json.Marshal(map[string]any{
		"group_id": group,
		"user_id":  sender,
		"content":  content,
	})
	c, err := event.Refine(event.RawEvent{Name: "group_message", Bot: bot, Data: data})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func friendMsg(t *testing.T, bot, sender int64, content string) event.Context {
	t.Helper()
	data, _ := json.Marshal(map[string]any{"user_id": sender, "content": content})
	c, err := event.Refine(event.RawEvent{Name: "friend_message", Bot: bot, Data: data})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestTextPredicates(t *testing.T) {
	c := groupMsg(t, 1, 42, 7, "ping me")

	tests := []struct {
		name string
		pred Predicate
		want bool
	}{
		{"equals match", Equals("ping me"), true},
		{"equals miss", Equals("ping"), false},
		{"prefix match", HasPrefix("ping"), true},
		{"prefix miss", HasPrefix("pong"), false},
		{"suffix match", HasSuffix("me"), true},
		{"contains match", Contains("ng m"), true},
		{"contains miss", Contains("xyz"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pred(c); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindAndOriginPredicates(t *testing.T) {
	g := groupMsg(t, 1, 42, 7, "x")
	f := friendMsg(t, 1, 7, "x")

	if !IsGroup()(g) || IsGroup()(f) {
		t.Error("IsGroup misclassified")
	}
	if !IsFriend()(f) || IsFriend()(g) {
		t.Error("IsFriend misclassified")
	}
	if !FromGroup(42)(g) || FromGroup(41)(g) || FromGroup(42)(f) {
		t.Error("FromGroup misclassified")
	}
	if !FromUser(7)(g) || FromUser(8)(g) {
		t.Error("FromUser misclassified")
	}
}

func TestFromSelf(t *testing.T) {
	echo := groupMsg(t, 7, 42, 7, "my own message")
	other := groupMsg(t, 1, 42, 7, "someone else")

	if !FromSelf()(echo) {
		t.Error("FromSelf should match the bot's own message")
	}
	if FromSelf()(other) {
		t.Error("FromSelf matched a foreign sender")
	}
}

func TestCombinators(t *testing.T) {
	c := groupMsg(t, 1, 42, 7, "ping")

	if !And(IsGroup(), Equals("ping"))(c) {
		t.Error("And should match")
	}
	if And(IsGroup(), Equals("pong"))(c) {
		t.Error("And matched despite a failing term")
	}
	if !Or(Equals("pong"), HasPrefix("pi"))(c) {
		t.Error("Or should match")
	}
	if Or(Equals("pong"), Equals("peng"))(c) {
		t.Error("Or matched with no matching term")
	}
	if Not(Equals("ping"))(c) {
		t.Error("Not inverted incorrectly")
	}
	if !And()(c) {
		t.Error("empty And must match everything")
	}
	if Or()(c) {
		t.Error("empty Or must match nothing")
	}
	if !Any()(c) {
		t.Error("Any must match")
	}
}
