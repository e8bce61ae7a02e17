// Package plugin holds the registry of message handlers and dispatches
// refined events to them. Plugins come from native Go code or from Lua
// scripts; both reduce to a list of (predicate, handler) bindings.
package plugin

import (
	"context"
	"fmt"

	"github.com/opqbot/opqbot/internal/event"
	"github.com/opqbot/opqbot/internal/executor"
	"github.com/opqbot/opqbot/internal/filter"
)

// Actions is the narrow slice of the executor handlers may use.
type Actions interface {
	Execute(ctx context.Context, req executor.ActionRequest) (executor.ActionResult, error)
	Enqueue(req executor.ActionRequest) error
}

// Handler processes one matched event.
type Handler func(ctx context.Context, ev event.Context, actions Actions) error

// Binding pairs a predicate with a handler. Both are required; use
// filter.Any to match every event.
type Binding struct {
	Predicate filter.Predicate
	Handler   Handler
}

// Source produces the bindings of one plugin.
type Source interface {
	Name() string
	Bindings() ([]Binding, error)
}

// LoadError reports a plugin that failed validation or loading. The
// registry keeps serving the previous snapshot when it occurs.
type LoadError struct {
	Plugin string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plugin %q: %s: %v", e.Plugin, e.Reason, e.Err)
	}
	return fmt.Sprintf("plugin %q: %s", e.Plugin, e.Reason)
}

func (e *LoadError) Unwrap() error { return e.Err }

type nativeSource struct {
	name     string
	bindings []Binding
}

// NewSource builds an in-process plugin from explicit bindings.
func NewSource(name string, bindings ...Binding) Source {
	return &nativeSource{name: name, bindings: bindings}
}

func (s *nativeSource) Name() string { return s.name }

func (s *nativeSource) Bindings() ([]Binding, error) {
	out := make([]Binding, len(s.bindings))
	copy(out, s.bindings)
	return out, nil
}
