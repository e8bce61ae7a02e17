package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opqbot/opqbot/internal/event"
	"github.com/opqbot/opqbot/internal/executor"
	"github.com/opqbot/opqbot/internal/state"
)

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

const pingScript = `
bot.on_message(filters.all(filters.is_group(), filters.equals("ping")),
    function(msg, actions)
        actions.send_group_message(msg.group_id, "pong")
    end)
`

func TestLuaPingPong(t *testing.T) {
	src, err := NewLuaSource(writeScript(t, "ping.lua", pingScript))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer src.Close()
	if src.Name() != "ping" {
		t.Fatalf("name = %q", src.Name())
	}

	bindings, err := src.Bindings()
	if err != nil {
		t.Fatalf("bindings: %v", err)
	}
	if len(bindings) != 1 {
		t.Fatalf("bindings = %d, want 1", len(bindings))
	}

	ev := groupMsg(t, 1, 42, 7, "ping")
	if !bindings[0].Predicate(ev) {
		t.Fatal("predicate rejected matching event")
	}
	if bindings[0].Predicate(groupMsg(t, 1, 42, 7, "other")) {
		t.Fatal("predicate accepted non-matching event")
	}

	fa := &fakeActions{}
	if err := bindings[0].Handler(context.Background(), ev, fa); err != nil {
		t.Fatalf("handler: %v", err)
	}
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(fa.enqueued))
	}
	req := fa.enqueued[0]
	if req.Action != "sendGroupMessage" {
		t.Fatalf("action = %q", req.Action)
	}
	if req.Params["group"] != int64(42) || req.Params["text"] != "pong" {
		t.Fatalf("params = %v", req.Params)
	}
}

type scriptedCaller struct {
	mu    sync.Mutex
	calls []call
}

type call struct {
	action string
	params map[string]any
}

func (c *scriptedCaller) Call(_ context.Context, action string, params map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	c.calls = append(c.calls, call{action: action, params: params})
	c.mu.Unlock()
	return json.RawMessage(`{"retcode":0,"data":null}`), nil
}

// The whole chain: lua plugin matched by the registry, handler enqueues
// through a live executor, the gateway caller sees exactly one action.
func TestLuaPingPongThroughExecutor(t *testing.T) {
	ctx := context.Background()
	caller := &scriptedCaller{}
	actions := executor.New(caller, executor.Options{})
	actions.Start()
	t.Cleanup(actions.Stop)

	src, err := NewLuaSource(writeScript(t, "ping.lua", pingScript))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	r := NewRegistry(state.NewMemoryStore())
	if err := r.Load(ctx, src); err != nil {
		t.Fatalf("registry load: %v", err)
	}

	ev := groupMsg(t, 1, 42, 7, "ping")
	matches := r.Snapshot().Match(ev)
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	outcomes := RunMatches(ctx, ev, matches, actions)
	if len(outcomes) != 1 || outcomes[0].Failed() {
		t.Fatalf("outcomes = %+v", outcomes)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		caller.mu.Lock()
		n := len(caller.calls)
		caller.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	caller.mu.Lock()
	defer caller.mu.Unlock()
	if len(caller.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(caller.calls))
	}
	got := caller.calls[0]
	if got.action != "sendGroupMessage" {
		t.Fatalf("action = %q", got.action)
	}
	if got.params["group"] != int64(42) {
		t.Fatalf("group = %v (%T)", got.params["group"], got.params["group"])
	}
	if got.params["text"] != "pong" {
		t.Fatalf("text = %v", got.params["text"])
	}
}

func TestLuaEventFields(t *testing.T) {
	script := `
bot.on_message(filters.always(), function(msg, actions)
    actions.enqueue("echoFields", {
        kind = msg.kind,
        sender = msg.sender,
        content = msg.content,
        at_bot = msg.at_bot,
    })
end)
`
	src, err := NewLuaSource(writeScript(t, "fields.lua", script))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer src.Close()
	bindings, _ := src.Bindings()

	fa := &fakeActions{}
	if err := bindings[0].Handler(context.Background(), groupMsg(t, 1, 42, 7, "hi"), fa); err != nil {
		t.Fatalf("handler: %v", err)
	}
	params := fa.enqueued[0].Params
	if params["kind"] != "group_message" {
		t.Fatalf("kind = %v", params["kind"])
	}
	if params["sender"] != int64(7) {
		t.Fatalf("sender = %v", params["sender"])
	}
	if params["content"] != "hi" {
		t.Fatalf("content = %v", params["content"])
	}
	if params["at_bot"] != false {
		t.Fatalf("at_bot = %v", params["at_bot"])
	}
}

func TestLuaRuntimeErrorSurfaced(t *testing.T) {
	script := `
bot.on_message(filters.always(), function(msg, actions)
    error("script blew up")
end)
`
	src, err := NewLuaSource(writeScript(t, "boom.lua", script))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer src.Close()
	bindings, _ := src.Bindings()
	err = bindings[0].Handler(context.Background(), groupMsg(t, 1, 42, 7, "x"), &fakeActions{})
	if err == nil {
		t.Fatal("expected script error to surface")
	}
}

func TestLuaSyntaxErrorFailsLoad(t *testing.T) {
	_, err := NewLuaSource(writeScript(t, "bad.lua", "this is not lua ("))
	if err == nil {
		t.Fatal("expected load failure")
	}
}

func TestLuaNoHandlersRejectedByRegistry(t *testing.T) {
	src, err := NewLuaSource(writeScript(t, "empty.lua", `local x = 1`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer src.Close()
	r := NewRegistry(state.NewMemoryStore())
	loadErr := r.Load(context.Background(), src)
	var le *LoadError
	if !errors.As(loadErr, &le) {
		t.Fatalf("err = %v, want *LoadError", loadErr)
	}
}

func TestLuaReloadPicksUpNewScript(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "greeter.lua")
	v1 := `
bot.on_message(filters.equals("hi"), function(msg, actions)
    actions.send_friend_message(msg.sender, "hello v1")
end)
`
	v2 := `
bot.on_message(filters.equals("hi"), function(msg, actions)
    actions.send_friend_message(msg.sender, "hello v2")
end)
`
	if err := os.WriteFile(path, []byte(v1), 0600); err != nil {
		t.Fatal(err)
	}
	src, err := NewLuaSource(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	r := NewRegistry(state.NewMemoryStore())
	if err := r.Load(ctx, src); err != nil {
		t.Fatalf("registry load: %v", err)
	}

	if err := os.WriteFile(path, []byte(v2), 0600); err != nil {
		t.Fatal(err)
	}
	fresh, err := NewLuaSource(path)
	if err != nil {
		t.Fatalf("reload source: %v", err)
	}
	if err := r.Reload(ctx, fresh); err != nil {
		t.Fatalf("reload: %v", err)
	}

	ev, fa := friendEvent(t), &fakeActions{}
	matches := r.Snapshot().Match(ev)
	if len(matches) != 1 {
		t.Fatalf("matches = %d", len(matches))
	}
	RunMatches(ctx, ev, matches, fa)
	if got := fa.enqueued[0].Params["text"]; got != "hello v2" {
		t.Fatalf("text = %v, want hello v2", got)
	}
}

// A group matched before a reload must run against the interpreter it
// was matched on; the retired interpreter closes only once the group
// has drained.
func TestMatchedGroupSurvivesReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "greeter.lua")
	v1 := `
bot.on_message(filters.equals("hi"), function(msg, actions)
    actions.send_friend_message(msg.sender, "hello v1")
end)
`
	v2 := `
bot.on_message(filters.equals("hi"), function(msg, actions)
    actions.send_friend_message(msg.sender, "hello v2")
end)
`
	if err := os.WriteFile(path, []byte(v1), 0600); err != nil {
		t.Fatal(err)
	}
	src, err := NewLuaSource(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	r := NewRegistry(state.NewMemoryStore())
	if err := r.Load(ctx, src); err != nil {
		t.Fatalf("registry load: %v", err)
	}

	ev := friendEvent(t)
	matches := r.Snapshot().Match(ev)
	if len(matches) != 1 {
		t.Fatalf("matches = %d", len(matches))
	}

	if err := os.WriteFile(path, []byte(v2), 0600); err != nil {
		t.Fatal(err)
	}
	fresh, err := NewLuaSource(path)
	if err != nil {
		t.Fatalf("reload source: %v", err)
	}
	if err := r.Reload(ctx, fresh); err != nil {
		t.Fatalf("reload: %v", err)
	}

	fa := &fakeActions{}
	outcomes := RunMatches(ctx, ev, matches, fa)
	if len(outcomes) != 1 || outcomes[0].Failed() {
		t.Fatalf("in-flight group failed after reload: %+v", outcomes)
	}
	if got := fa.enqueued[0].Params["text"]; got != "hello v1" {
		t.Fatalf("text = %v, want hello v1", got)
	}

	// Drained now, so the retired interpreter is gone.
	if err := matches[0].Handler(ctx, ev, &fakeActions{}); err == nil {
		t.Fatal("retired interpreter must close once the group drains")
	}

	fa = &fakeActions{}
	RunMatches(ctx, ev, r.Snapshot().Match(ev), fa)
	if got := fa.enqueued[0].Params["text"]; got != "hello v2" {
		t.Fatalf("text = %v, want hello v2", got)
	}
}

func TestMatchedGroupSurvivesUnload(t *testing.T) {
	ctx := context.Background()
	script := `
bot.on_message(filters.equals("hi"), function(msg, actions)
    actions.send_friend_message(msg.sender, "bye")
end)
`
	src, err := NewLuaSource(writeScript(t, "farewell.lua", script))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	r := NewRegistry(state.NewMemoryStore())
	if err := r.Load(ctx, src); err != nil {
		t.Fatalf("registry load: %v", err)
	}

	ev := friendEvent(t)
	matches := r.Snapshot().Match(ev)
	if err := r.Unload("farewell"); err != nil {
		t.Fatalf("unload: %v", err)
	}

	fa := &fakeActions{}
	outcomes := RunMatches(ctx, ev, matches, fa)
	if len(outcomes) != 1 || outcomes[0].Failed() {
		t.Fatalf("in-flight group failed after unload: %+v", outcomes)
	}
	if got := fa.enqueued[0].Params["text"]; got != "bye" {
		t.Fatalf("text = %v, want bye", got)
	}
}

// The script environment must not see the host os and io libraries;
// only the trimmed os module behind require.
func TestLuaSandboxBlocksHostLibraries(t *testing.T) {
	script := `
if io ~= nil then error("io must not be open") end
if os ~= nil then error("os must not be open") end
local o = require("os")
if o.remove ~= nil or o.exit ~= nil or o.execute ~= nil then
    error("os module exposes host operations")
end
bot.on_message(filters.always(), function(msg, actions)
    actions.enqueue("report", { now = o.time(), env = o.getenv("PATH") })
end)
`
	src, err := NewLuaSource(writeScript(t, "sandbox.lua", script))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer src.Close()

	bindings, err := src.Bindings()
	if err != nil {
		t.Fatalf("bindings: %v", err)
	}
	fa := &fakeActions{}
	if err := bindings[0].Handler(context.Background(), groupMsg(t, 1, 42, 7, "x"), fa); err != nil {
		t.Fatalf("handler: %v", err)
	}
	params := fa.enqueued[0].Params
	now, ok := params["now"].(int64)
	if !ok || now <= 0 {
		t.Fatalf("now = %v (%T)", params["now"], params["now"])
	}
	if _, ok := params["env"].(string); !ok {
		t.Fatalf("env = %v (%T)", params["env"], params["env"])
	}
}

func friendEvent(t *testing.T) event.Context {
	t.Helper()
	data := []byte(`{"user_id": 7, "content": "hi"}`)
	c, err := event.Refine(event.RawEvent{Name: "friend_message", Bot: 1, Data: data})
	if err != nil {
		t.Fatal(err)
	}
	return c
}
