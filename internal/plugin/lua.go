package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/opqbot/opqbot/internal/event"
	"github.com/opqbot/opqbot/internal/executor"
	"github.com/opqbot/opqbot/internal/filter"
)

// LuaSource is a plugin loaded from a Lua script. The script registers
// handlers at load time:
//
//	bot.on_message(filters.all(filters.is_group(), filters.equals("ping")),
//	    function(msg, actions)
//	        actions.send_group_message(msg.group_id, "pong")
//	    end)
//
// One LState serves the whole script; it is not goroutine-safe, so every
// handler call takes the source mutex.
type LuaSource struct {
	name string
	path string

	mu       sync.Mutex
	state    *lua.LState
	bindings []Binding
}

// Scripts get base, table, string and math, plus a minimal os module
// behind require. The real os and io libraries stay closed.
var sandboxLibs = []struct {
	name string
	open lua.LGFunction
}{
	{lua.LoadLibName, lua.OpenPackage},
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// NewLuaSource loads the script at path. The plugin name is the file
// name without the .lua suffix.
func NewLuaSource(path string) (*LuaSource, error) {
	name := strings.TrimSuffix(filepath.Base(path), ".lua")
	s := &LuaSource{name: name, path: path}

	ls := lua.NewState(lua.Options{SkipOpenLibs: true})
	s.state = ls
	for _, lib := range sandboxLibs {
		ls.Push(ls.NewFunction(lib.open))
		ls.Push(lua.LString(lib.name))
		if err := ls.PCall(1, 0, nil); err != nil {
			ls.Close()
			return nil, &LoadError{Plugin: name, Reason: "opening lua libraries", Err: err}
		}
	}
	ls.PreloadModule("os", osModuleLoader)
	s.installAPI(ls)

	abs, err := filepath.Abs(path)
	if err != nil {
		ls.Close()
		return nil, &LoadError{Plugin: name, Reason: "script path", Err: err}
	}
	if err := ls.DoFile(abs); err != nil {
		ls.Close()
		return nil, &LoadError{Plugin: name, Reason: "running script", Err: err}
	}
	return s, nil
}

func (s *LuaSource) Name() string { return s.name }

func (s *LuaSource) Bindings() ([]Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bindings) == 0 {
		return nil, fmt.Errorf("script registered no handlers")
	}
	out := make([]Binding, len(s.bindings))
	copy(out, s.bindings)
	return out, nil
}

// Close releases the interpreter. In-flight handler calls finish first.
func (s *LuaSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != nil {
		s.state.Close()
		s.state = nil
	}
	return nil
}

func (s *LuaSource) installAPI(ls *lua.LState) {
	bot := ls.NewTable()
	ls.SetField(bot, "on_message", ls.NewFunction(s.luaOnMessage))
	ls.SetGlobal("bot", bot)
	ls.SetGlobal("filters", filtersTable(ls))
}

// luaOnMessage implements bot.on_message(filter, handler). It may only
// run during script load, which happens under no concurrency.
func (s *LuaSource) luaOnMessage(ls *lua.LState) int {
	pred := checkPredicate(ls, 1)
	fn := ls.CheckFunction(2)
	s.bindings = append(s.bindings, Binding{
		Predicate: pred,
		Handler:   s.luaHandler(fn),
	})
	return 0
}

func (s *LuaSource) luaHandler(fn *lua.LFunction) Handler {
	return func(_ context.Context, ev event.Context, actions Actions) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		ls := s.state
		if ls == nil {
			return fmt.Errorf("lua plugin %s: interpreter closed", s.name)
		}
		ls.Push(fn)
		ls.Push(eventTable(ls, ev))
		ls.Push(actionsTable(ls, actions))
		if err := ls.PCall(2, 0, nil); err != nil {
			return fmt.Errorf("lua plugin %s: %w", s.name, err)
		}
		return nil
	}
}

func filtersTable(ls *lua.LState) *lua.LTable {
	t := ls.NewTable()
	set := func(name string, fn lua.LGFunction) {
		ls.SetField(t, name, ls.NewFunction(fn))
	}
	set("equals", func(ls *lua.LState) int {
		return pushPredicate(ls, filter.Equals(ls.CheckString(1)))
	})
	set("has_prefix", func(ls *lua.LState) int {
		return pushPredicate(ls, filter.HasPrefix(ls.CheckString(1)))
	})
	set("has_suffix", func(ls *lua.LState) int {
		return pushPredicate(ls, filter.HasSuffix(ls.CheckString(1)))
	})
	set("contains", func(ls *lua.LState) int {
		return pushPredicate(ls, filter.Contains(ls.CheckString(1)))
	})
	set("kind_is", func(ls *lua.LState) int {
		return pushPredicate(ls, filter.KindIs(event.Kind(ls.CheckString(1))))
	})
	set("is_group", func(ls *lua.LState) int {
		return pushPredicate(ls, filter.IsGroup())
	})
	set("is_friend", func(ls *lua.LState) int {
		return pushPredicate(ls, filter.IsFriend())
	})
	set("at_bot", func(ls *lua.LState) int {
		return pushPredicate(ls, filter.AtBot())
	})
	set("from_self", func(ls *lua.LState) int {
		return pushPredicate(ls, filter.FromSelf())
	})
	set("from_user", func(ls *lua.LState) int {
		return pushPredicate(ls, filter.FromUser(ls.CheckInt64(1)))
	})
	set("from_group", func(ls *lua.LState) int {
		return pushPredicate(ls, filter.FromGroup(ls.CheckInt64(1)))
	})
	set("always", func(ls *lua.LState) int {
		return pushPredicate(ls, filter.Any())
	})
	set("all", func(ls *lua.LState) int {
		return pushPredicate(ls, filter.And(checkPredicates(ls)...))
	})
	set("any", func(ls *lua.LState) int {
		return pushPredicate(ls, filter.Or(checkPredicates(ls)...))
	})
	set("negate", func(ls *lua.LState) int {
		return pushPredicate(ls, filter.Not(checkPredicate(ls, 1)))
	})
	return t
}

func pushPredicate(ls *lua.LState, p filter.Predicate) int {
	ud := ls.NewUserData()
	ud.Value = p
	ls.Push(ud)
	return 1
}

func checkPredicate(ls *lua.LState, n int) filter.Predicate {
	ud := ls.CheckUserData(n)
	p, ok := ud.Value.(filter.Predicate)
	if !ok {
		ls.ArgError(n, "expected a filter")
	}
	return p
}

func checkPredicates(ls *lua.LState) []filter.Predicate {
	top := ls.GetTop()
	preds := make([]filter.Predicate, 0, top)
	for i := 1; i <= top; i++ {
		preds = append(preds, checkPredicate(ls, i))
	}
	return preds
}

func eventTable(ls *lua.LState, ev event.Context) *lua.LTable {
	t := ls.NewTable()
	ls.SetField(t, "kind", lua.LString(ev.Kind()))
	ls.SetField(t, "bot", lua.LNumber(ev.Bot()))
	ls.SetField(t, "sender", lua.LNumber(ev.SenderID()))
	ls.SetField(t, "content", lua.LString(ev.Content()))
	ls.SetField(t, "time", lua.LNumber(ev.Time().Unix()))
	switch m := ev.(type) {
	case *event.GroupMessage:
		ls.SetField(t, "group_id", lua.LNumber(m.GroupID()))
		ls.SetField(t, "group_name", lua.LString(m.GroupName()))
		ls.SetField(t, "nickname", lua.LString(m.Nickname()))
		ls.SetField(t, "message_id", lua.LString(m.MessageID()))
		ls.SetField(t, "at_bot", lua.LBool(m.AtBot()))
	case *event.FriendMessage:
		ls.SetField(t, "nickname", lua.LString(m.Nickname()))
		ls.SetField(t, "message_id", lua.LString(m.MessageID()))
		ls.SetField(t, "temp_from_group", lua.LNumber(m.TempFromGroup()))
		ls.SetField(t, "is_temp_session", lua.LBool(m.IsTempSession()))
	case *event.Notify:
		ls.SetField(t, "type", lua.LString(m.Type()))
		ls.SetField(t, "from_group", lua.LNumber(m.FromGroup()))
	case *event.Request:
		ls.SetField(t, "type", lua.LString(m.Type()))
		ls.SetField(t, "from_group", lua.LNumber(m.FromGroup()))
		ls.SetField(t, "seq", lua.LNumber(m.Seq()))
	}
	return t
}

func actionsTable(ls *lua.LState, actions Actions) *lua.LTable {
	t := ls.NewTable()
	enqueue := func(ls *lua.LState, req executor.ActionRequest) int {
		if err := actions.Enqueue(req); err != nil {
			ls.RaiseError("enqueue %s: %v", req.Action, err)
		}
		return 0
	}
	ls.SetField(t, "send_group_message", ls.NewFunction(func(ls *lua.LState) int {
		return enqueue(ls, executor.SendGroupMessage(ls.CheckInt64(1), ls.CheckString(2)))
	}))
	ls.SetField(t, "send_friend_message", ls.NewFunction(func(ls *lua.LState) int {
		return enqueue(ls, executor.SendFriendMessage(ls.CheckInt64(1), ls.CheckString(2)))
	}))
	ls.SetField(t, "send_temp_message", ls.NewFunction(func(ls *lua.LState) int {
		return enqueue(ls, executor.SendTempMessage(ls.CheckInt64(1), ls.CheckInt64(2), ls.CheckString(3)))
	}))
	ls.SetField(t, "enqueue", ls.NewFunction(func(ls *lua.LState) int {
		action := ls.CheckString(1)
		params := map[string]any{}
		if ls.GetTop() >= 2 {
			tbl := ls.CheckTable(2)
			params = tableToMap(tbl)
		}
		return enqueue(ls, executor.ActionRequest{Action: action, Params: params})
	}))
	return t
}

func tableToMap(t *lua.LTable) map[string]any {
	out := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		out[k.String()] = luaToGo(v)
	})
	return out
}

func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		f := float64(val)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case *lua.LTable:
		return tableToMap(val)
	default:
		return v.String()
	}
}

// osModuleLoader provides the os module scripts see through require:
// getenv and time only. File and process operations are not exposed.
func osModuleLoader(ls *lua.LState) int {
	mod := ls.NewTable()
	ls.SetField(mod, "getenv", ls.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LString(os.Getenv(ls.CheckString(1))))
		return 1
	}))
	ls.SetField(mod, "time", ls.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	ls.Push(mod)
	return 1
}
