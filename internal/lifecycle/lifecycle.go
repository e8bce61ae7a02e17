// Package lifecycle tracks the gateway connection state machine and runs
// user hooks on its transitions. Liveness probes are recorded but can
// never drive a transition; only a genuine session establishment does.
package lifecycle

import (
	"log"
	"sync"
	"time"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Hook runs on a transition. Hooks execute off the transition path, one
// goroutine per transition, in registration order.
type Hook func()

type hookEntry struct {
	fn   Hook
	once bool
	ran  bool
}

// Manager implements gateway.Monitor.
type Manager struct {
	mu           sync.Mutex
	state        State
	lastProbe    time.Time
	onConnect    []*hookEntry
	onDisconnect []*hookEntry
}

func NewManager() *Manager {
	return &Manager{state: Disconnected}
}

// OnConnect registers a hook fired on every transition into Connected.
func (m *Manager) OnConnect(h Hook) {
	m.mu.Lock()
	m.onConnect = append(m.onConnect, &hookEntry{fn: h})
	m.mu.Unlock()
}

// OnConnectOnce registers a hook fired only on the first connect.
func (m *Manager) OnConnectOnce(h Hook) {
	m.mu.Lock()
	m.onConnect = append(m.onConnect, &hookEntry{fn: h, once: true})
	m.mu.Unlock()
}

// OnDisconnect registers a hook fired on every transition into
// Disconnected.
func (m *Manager) OnDisconnect(h Hook) {
	m.mu.Lock()
	m.onDisconnect = append(m.onDisconnect, &hookEntry{fn: h})
	m.mu.Unlock()
}

// OnDisconnectOnce registers a hook fired only on the first disconnect.
func (m *Manager) OnDisconnectOnce(h Hook) {
	m.mu.Lock()
	m.onDisconnect = append(m.onDisconnect, &hookEntry{fn: h, once: true})
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastProbe returns when the gateway last answered a liveness check.
func (m *Manager) LastProbe() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastProbe
}

// Connecting marks a dial in progress. No hooks fire.
func (m *Manager) Connecting() {
	m.mu.Lock()
	m.state = Connecting
	m.mu.Unlock()
}

// SessionUp records a genuine new session and fires the connect hooks
// exactly once per transition. Repeated session notices on an already
// connected link are ignored.
func (m *Manager) SessionUp() {
	m.mu.Lock()
	if m.state == Connected {
		m.mu.Unlock()
		return
	}
	m.state = Connected
	hooks := m.collectLocked(m.onConnect)
	m.mu.Unlock()

	log.Printf("lifecycle: connected")
	go runHooks(hooks)
}

// SessionDown records a dropped (or failed) session and fires the
// disconnect hooks once per transition.
func (m *Manager) SessionDown(err error) {
	m.mu.Lock()
	if m.state == Disconnected {
		m.mu.Unlock()
		return
	}
	m.state = Disconnected
	hooks := m.collectLocked(m.onDisconnect)
	m.mu.Unlock()

	if err != nil {
		log.Printf("lifecycle: disconnected: %v", err)
	} else {
		log.Printf("lifecycle: disconnected")
	}
	go runHooks(hooks)
}

// Probe records a liveness answer. It is deliberately not a transition:
// a probe on a half-open link must never masquerade as a reconnect.
func (m *Manager) Probe() {
	m.mu.Lock()
	m.lastProbe = time.Now()
	m.mu.Unlock()
}

func (m *Manager) collectLocked(entries []*hookEntry) []Hook {
	var hooks []Hook
	for _, e := range entries {
		if e.once && e.ran {
			continue
		}
		e.ran = true
		hooks = append(hooks, e.fn)
	}
	return hooks
}

func runHooks(hooks []Hook) {
	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("lifecycle: hook panic: %v", r)
				}
			}()
			h()
		}()
	}
}
