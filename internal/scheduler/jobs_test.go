package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/opqbot/opqbot/internal/config"
	"github.com/opqbot/opqbot/internal/executor"
)

type recordingCaller struct {
	mu    sync.Mutex
	calls []string
}

func (c *recordingCaller) Call(ctx context.Context, action string, params map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	c.calls = append(c.calls, action)
	c.mu.Unlock()
	return json.RawMessage(`{"retcode":0,"data":null}`), nil
}

func (c *recordingCaller) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func TestRegisterConfigured(t *testing.T) {
	caller := &recordingCaller{}
	actions := executor.New(caller, executor.Options{})
	actions.Start()
	t.Cleanup(actions.Stop)

	s := newRunning(t)
	jobs := []config.JobConfig{
		{Name: "announce", Every: 20 * time.Millisecond, Action: "sendGroupMessage",
			Params: map[string]any{"group": int64(42), "text": "hello"}},
	}
	if err := RegisterConfigured(s, jobs, actions); err != nil {
		t.Fatalf("register: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && caller.count() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if caller.count() < 2 {
		t.Fatalf("configured job fired %d times", caller.count())
	}
	caller.mu.Lock()
	defer caller.mu.Unlock()
	if caller.calls[0] != "sendGroupMessage" {
		t.Fatalf("action = %q", caller.calls[0])
	}
}

func TestRegisterConfiguredBadCron(t *testing.T) {
	actions := executor.New(&recordingCaller{}, executor.Options{})
	actions.Start()
	t.Cleanup(actions.Stop)

	s := newRunning(t)
	jobs := []config.JobConfig{
		{Name: "bad", Cron: "definitely not cron", Action: "sendGroupMessage"},
	}
	if err := RegisterConfigured(s, jobs, actions); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}
