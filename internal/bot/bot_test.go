package bot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opqbot/opqbot/internal/config"
	"github.com/opqbot/opqbot/internal/event"
	"github.com/opqbot/opqbot/internal/filter"
	"github.com/opqbot/opqbot/internal/middleware"
	"github.com/opqbot/opqbot/internal/plugin"
)

func newTestBot(t *testing.T, mutate func(*config.Config)) *Bot {
	t.Helper()
	cfg := &config.Config{}
	cfg.Gateway.URL = "ws://127.0.0.1:1/ws"
	cfg.Bots = []int64{1}
	cfg.Storage.Backend = "memory"
	if mutate != nil {
		mutate(cfg)
	}
	b, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new bot: %v", err)
	}
	return b
}

func rawGroupMsg(t *testing.T, content string, sender int64) event.RawEvent {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"group_id": int64(42),
		"user_id":  sender,
		"content":  content,
	})
	if err != nil {
		t.Fatal(err)
	}
	return event.RawEvent{Name: "group_message", Bot: 1, Data: data}
}

func TestDispatchRunsMatchedHandler(t *testing.T) {
	b := newTestBot(t, nil)
	hit := make(chan string, 1)
	err := b.Register("ping", plugin.Binding{
		Predicate: filter.Equals("ping"),
		Handler: func(_ context.Context, ev event.Context, _ plugin.Actions) error {
			hit <- ev.Content()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	b.dispatch(context.Background(), rawGroupMsg(t, "ping", 7))
	select {
	case got := <-hit:
		if got != "ping" {
			t.Fatalf("content = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	b.dispatch(context.Background(), rawGroupMsg(t, "other", 7))
	select {
	case <-hit:
		t.Fatal("handler ran for non-matching event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMiddlewareHaltsDispatch(t *testing.T) {
	b := newTestBot(t, nil)
	b.Use(middleware.BlockUsers(7))
	hit := make(chan struct{}, 2)
	if err := b.Register("all", plugin.Binding{
		Predicate: filter.Any(),
		Handler: func(context.Context, event.Context, plugin.Actions) error {
			hit <- struct{}{}
			return nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	b.dispatch(context.Background(), rawGroupMsg(t, "hi", 7))
	select {
	case <-hit:
		t.Fatal("blocked sender reached a handler")
	case <-time.After(50 * time.Millisecond):
	}

	b.dispatch(context.Background(), rawGroupMsg(t, "hi", 8))
	select {
	case <-hit:
	case <-time.After(2 * time.Second):
		t.Fatal("allowed sender never dispatched")
	}
}

func TestDispatchDropsUnrecognized(t *testing.T) {
	b := newTestBot(t, nil)
	// Must not panic or block.
	b.dispatch(context.Background(), event.RawEvent{Name: "mystery", Bot: 1, Data: []byte(`{}`)})
	b.dispatch(context.Background(), event.RawEvent{Name: "group_message", Bot: 1, Data: []byte(`{"group_id":`)})
}

func TestInjectFeedsEventStream(t *testing.T) {
	b := newTestBot(t, nil)
	raw := rawGroupMsg(t, "from webhook", 7)
	if err := b.Inject(raw); err != nil {
		t.Fatalf("inject: %v", err)
	}
	select {
	case got := <-b.client.Events():
		if got.Name != "group_message" {
			t.Fatalf("event = %q", got.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("injected event never appeared")
	}
}

const pingLua = `
bot.on_message(filters.equals("ping"), function(msg, actions)
    actions.send_group_message(msg.group_id, "pong")
end)
`

func writePlugin(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRefreshPluginsLifecycle(t *testing.T) {
	dir := t.TempDir()
	b := newTestBot(t, func(cfg *config.Config) { cfg.Plugins.Dir = dir })

	// Empty dir: nothing loaded.
	if err := b.RefreshPlugins(); err != nil {
		t.Fatalf("refresh empty: %v", err)
	}
	if got := b.PluginStatuses(); len(got) != 0 {
		t.Fatalf("statuses = %+v", got)
	}

	// New script gets loaded.
	path := writePlugin(t, dir, "ping.lua", pingLua)
	if err := b.RefreshPlugins(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	st := b.PluginStatuses()
	if len(st) != 1 || st[0].Name != "ping" || st[0].Bindings != 1 {
		t.Fatalf("statuses = %+v", st)
	}
	gen := st[0].Generation

	// Unchanged mtime: no reload.
	if err := b.RefreshPlugins(); err != nil {
		t.Fatal(err)
	}
	if b.PluginStatuses()[0].Generation != gen {
		t.Fatal("refresh reloaded an unchanged script")
	}

	// Changed script reloads under the same name.
	if err := os.WriteFile(path, []byte(pingLua+"\n-- v2"), 0600); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	if err := b.RefreshPlugins(); err != nil {
		t.Fatal(err)
	}
	st = b.PluginStatuses()
	if len(st) != 1 || st[0].Generation == gen {
		t.Fatalf("reload did not bump generation: %+v", st)
	}

	// Removed script unloads.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := b.RefreshPlugins(); err != nil {
		t.Fatal(err)
	}
	if got := b.PluginStatuses(); len(got) != 0 {
		t.Fatalf("statuses after removal = %+v", got)
	}
}

func TestRefreshKeepsDisabledFlag(t *testing.T) {
	dir := t.TempDir()
	b := newTestBot(t, func(cfg *config.Config) { cfg.Plugins.Dir = dir })

	path := writePlugin(t, dir, "ping.lua", pingLua)
	if err := b.RefreshPlugins(); err != nil {
		t.Fatal(err)
	}
	if err := b.Plugins().Disable(context.Background(), "ping"); err != nil {
		t.Fatal(err)
	}

	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	if err := b.RefreshPlugins(); err != nil {
		t.Fatal(err)
	}
	st := b.PluginStatuses()
	if len(st) != 1 || !st[0].Disabled {
		t.Fatalf("disabled flag lost across reload: %+v", st)
	}
}

func TestBrokenScriptKeptOut(t *testing.T) {
	dir := t.TempDir()
	b := newTestBot(t, func(cfg *config.Config) { cfg.Plugins.Dir = dir })

	writePlugin(t, dir, "bad.lua", "this is not lua (")
	writePlugin(t, dir, "ping.lua", pingLua)
	if err := b.RefreshPlugins(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	st := b.PluginStatuses()
	if len(st) != 1 || st[0].Name != "ping" {
		t.Fatalf("statuses = %+v", st)
	}
}
