package plugin

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/opqbot/opqbot/internal/event"
	"github.com/opqbot/opqbot/internal/filter"
	"github.com/opqbot/opqbot/internal/metrics"
	"github.com/opqbot/opqbot/internal/state"
)

type pluginEntry struct {
	name       string
	bindings   []Binding
	disabled   bool
	generation string
	closer     *refCloser
}

// refCloser defers closing a plugin source until every dispatch group
// that matched one of its handlers has finished running. Snapshot.Match
// retains, RunMatches releases, and retire arms the close for whenever
// the count reaches zero.
type refCloser struct {
	mu      sync.Mutex
	refs    int
	retired bool
	c       io.Closer
}

func (rc *refCloser) retain() {
	rc.mu.Lock()
	rc.refs++
	rc.mu.Unlock()
}

func (rc *refCloser) release() {
	rc.mu.Lock()
	rc.refs--
	closeNow := rc.retired && rc.refs == 0
	rc.mu.Unlock()
	if closeNow {
		_ = rc.c.Close()
	}
}

func (rc *refCloser) retire() {
	rc.mu.Lock()
	if rc.retired {
		rc.mu.Unlock()
		return
	}
	rc.retired = true
	closeNow := rc.refs == 0
	rc.mu.Unlock()
	if closeNow {
		_ = rc.c.Close()
	}
}

// Status describes one registered plugin.
type Status struct {
	Name       string `json:"name"`
	Bindings   int    `json:"bindings"`
	Disabled   bool   `json:"disabled"`
	Generation string `json:"generation"`
}

// Registry holds the loaded plugins and publishes an immutable dispatch
// snapshot. Readers (the dispatch path) only touch the snapshot, so a
// reload never blocks or tears a running match.
type Registry struct {
	mu      sync.Mutex
	entries []*pluginEntry
	index   map[string]*pluginEntry
	store   state.DisabledStore
	snap    atomic.Pointer[Snapshot]
}

// NewRegistry builds a registry backed by the given disabled-plugin
// store. Plugins loaded later whose names the store lists start
// disabled.
func NewRegistry(store state.DisabledStore) *Registry {
	r := &Registry{
		index: make(map[string]*pluginEntry),
		store: store,
	}
	r.snap.Store(&Snapshot{})
	return r
}

// Load validates a source and adds it at the end of the dispatch order.
// On failure the previous snapshot stays in service.
func (r *Registry) Load(ctx context.Context, src Source) error {
	bindings, err := validateSource(src)
	if err != nil {
		return err
	}
	name := src.Name()

	disabled, err := r.persistedDisabled(ctx, name)
	if err != nil {
		return &LoadError{Plugin: name, Reason: "reading disabled state", Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.index[name]; exists {
		return &LoadError{Plugin: name, Reason: "already loaded"}
	}
	e := &pluginEntry{
		name:       name,
		bindings:   bindings,
		disabled:   disabled,
		generation: uuid.New().String(),
		closer:     sourceCloser(src),
	}
	r.entries = append(r.entries, e)
	r.index[name] = e
	r.publishLocked()
	log.Printf("plugin: loaded %s (%d bindings, disabled=%v)", name, len(bindings), disabled)
	return nil
}

// Reload replaces an already-loaded plugin's bindings from a fresh
// source, keeping its dispatch position and disabled flag. On failure
// the old bindings stay in service. The old source is retired, not
// closed: dispatch groups matched against the previous snapshot keep
// running to completion, and the source closes when the last one
// drains.
func (r *Registry) Reload(ctx context.Context, src Source) error {
	bindings, err := validateSource(src)
	if err != nil {
		return err
	}
	name := src.Name()

	r.mu.Lock()
	e, ok := r.index[name]
	if !ok {
		r.mu.Unlock()
		return &LoadError{Plugin: name, Reason: "not loaded"}
	}
	old := e.closer
	e.bindings = bindings
	e.generation = uuid.New().String()
	e.closer = sourceCloser(src)
	r.publishLocked()
	r.mu.Unlock()

	if old != nil {
		old.retire()
	}
	log.Printf("plugin: reloaded %s (%d bindings)", name, len(bindings))
	return nil
}

// Unload removes a plugin from dispatch entirely. Like Reload, the
// source is retired rather than closed so in-flight groups finish.
func (r *Registry) Unload(name string) error {
	r.mu.Lock()
	e, ok := r.index[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("plugin: %q not loaded", name)
	}
	delete(r.index, name)
	for i, cur := range r.entries {
		if cur == e {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	r.publishLocked()
	r.mu.Unlock()

	if e.closer != nil {
		e.closer.retire()
	}
	log.Printf("plugin: unloaded %s", name)
	return nil
}

// Disable keeps the plugin loaded but removes its bindings from
// dispatch, persisting the flag so it survives restarts.
func (r *Registry) Disable(ctx context.Context, name string) error {
	return r.setDisabled(ctx, name, true)
}

// Enable reverses Disable.
func (r *Registry) Enable(ctx context.Context, name string) error {
	return r.setDisabled(ctx, name, false)
}

func (r *Registry) setDisabled(ctx context.Context, name string, disabled bool) error {
	r.mu.Lock()
	e, ok := r.index[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("plugin: %q not loaded", name)
	}
	e.disabled = disabled
	r.publishLocked()
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SetDisabled(ctx, name, disabled); err != nil {
			return fmt.Errorf("plugin: persisting disabled state for %s: %w", name, err)
		}
	}
	return nil
}

// Names returns the loaded plugin names in dispatch order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.name
	}
	return out
}

// Statuses reports every loaded plugin in dispatch order.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.entries))
	for i, e := range r.entries {
		out[i] = Status{
			Name:       e.name,
			Bindings:   len(e.bindings),
			Disabled:   e.disabled,
			Generation: e.generation,
		}
	}
	return out
}

// Snapshot returns the current immutable dispatch view.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Close unloads every plugin.
func (r *Registry) Close() {
	for _, name := range r.Names() {
		_ = r.Unload(name)
	}
}

func (r *Registry) persistedDisabled(ctx context.Context, name string) (bool, error) {
	if r.store == nil {
		return false, nil
	}
	names, err := r.store.Disabled(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

func (r *Registry) publishLocked() {
	snap := &Snapshot{}
	for _, e := range r.entries {
		if e.disabled {
			continue
		}
		for _, b := range e.bindings {
			snap.bindings = append(snap.bindings, boundHandler{
				plugin:    e.name,
				predicate: b.Predicate,
				handler:   b.Handler,
				closer:    e.closer,
			})
		}
	}
	r.snap.Store(snap)
}

func validateSource(src Source) ([]Binding, error) {
	name := src.Name()
	if name == "" {
		return nil, &LoadError{Plugin: name, Reason: "empty plugin name"}
	}
	bindings, err := src.Bindings()
	if err != nil {
		return nil, &LoadError{Plugin: name, Reason: "loading bindings", Err: err}
	}
	for i, b := range bindings {
		if b.Predicate == nil {
			return nil, &LoadError{Plugin: name, Reason: fmt.Sprintf("binding %d has no predicate", i)}
		}
		if b.Handler == nil {
			return nil, &LoadError{Plugin: name, Reason: fmt.Sprintf("binding %d has no handler", i)}
		}
	}
	return bindings, nil
}

func sourceCloser(src Source) *refCloser {
	if c, ok := src.(io.Closer); ok {
		return &refCloser{c: c}
	}
	return nil
}

type boundHandler struct {
	plugin    string
	predicate filter.Predicate
	handler   Handler
	closer    *refCloser
}

// Match is one binding that matched an event. It holds a reference on
// the plugin's source until the group runs.
type Match struct {
	Plugin  string
	Handler Handler

	closer *refCloser
}

// HandlerOutcome reports one handler execution within a matched group.
type HandlerOutcome struct {
	Plugin string
	Err    error
}

// Failed reports whether the handler errored or panicked.
func (o HandlerOutcome) Failed() bool { return o.Err != nil }

// Snapshot is an immutable dispatch view: enabled bindings in plugin
// load order, bindings in declaration order.
type Snapshot struct {
	bindings []boundHandler
}

// Match returns the bindings whose predicates accept the event, in
// dispatch order. Each match pins its plugin's source open until the
// group is passed to RunMatches, so a reload or unload that lands
// between matching and running cannot pull the interpreter out from
// under the handlers.
func (s *Snapshot) Match(ev event.Context) []Match {
	var out []Match
	for _, b := range s.bindings {
		if b.predicate(ev) {
			if b.closer != nil {
				b.closer.retain()
			}
			out = append(out, Match{Plugin: b.plugin, Handler: b.handler, closer: b.closer})
		}
	}
	return out
}

// RunMatches executes a matched group in order. A panicking or erroring
// handler is reported in its outcome and never stops the rest of the
// group. Each match's source reference is released as its handler
// completes.
func RunMatches(ctx context.Context, ev event.Context, matches []Match, actions Actions) []HandlerOutcome {
	out := make([]HandlerOutcome, 0, len(matches))
	for _, m := range matches {
		err := runHandler(ctx, ev, m, actions)
		if m.closer != nil {
			m.closer.release()
		}
		if err != nil {
			metrics.HandlerFailures.Inc()
			log.Printf("plugin: %s handler failed: %v", m.Plugin, err)
		}
		out = append(out, HandlerOutcome{Plugin: m.Plugin, Err: err})
	}
	return out
}

func runHandler(ctx context.Context, ev event.Context, m Match, actions Actions) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return m.Handler(ctx, ev, actions)
}
