// Package bot wires the gateway client, middleware chain, plugin
// registry, action executor, scheduler, and webhook surface into one
// runnable process.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opqbot/opqbot/internal/config"
	"github.com/opqbot/opqbot/internal/event"
	"github.com/opqbot/opqbot/internal/executor"
	"github.com/opqbot/opqbot/internal/gateway"
	"github.com/opqbot/opqbot/internal/lifecycle"
	"github.com/opqbot/opqbot/internal/metrics"
	"github.com/opqbot/opqbot/internal/middleware"
	"github.com/opqbot/opqbot/internal/plugin"
	"github.com/opqbot/opqbot/internal/scheduler"
	"github.com/opqbot/opqbot/internal/state"
	"github.com/opqbot/opqbot/internal/webhook"
)

const injectTimeout = time.Second

// Bot is the assembled runtime. Events flow refine -> middleware ->
// match in arrival order on a single dispatch goroutine; each matched
// handler group then runs on its own goroutine.
type Bot struct {
	cfg      *config.Config
	client   *gateway.Client
	life     *lifecycle.Manager
	actions  *executor.Executor
	registry *plugin.Registry
	store    state.DisabledStore
	chain    *middleware.Chain
	sched    *scheduler.Scheduler
	hook     *webhook.Server

	mu      sync.Mutex
	scripts map[string]time.Time
}

// New assembles a bot from config. Call Run to start it.
func New(ctx context.Context, cfg *config.Config) (*Bot, error) {
	store, err := state.Open(ctx, cfg.Storage.Backend, cfg.Storage.DataDir, cfg.Storage.DSN, cfg.Storage.Redis)
	if err != nil {
		return nil, err
	}

	b := &Bot{
		cfg:      cfg,
		life:     lifecycle.NewManager(),
		registry: plugin.NewRegistry(store),
		store:    store,
		chain:    middleware.NewChain(),
		sched:    scheduler.New(),
		scripts:  make(map[string]time.Time),
	}
	b.client = gateway.New(gateway.Options{
		URL:         cfg.Gateway.URL,
		AccessToken: cfg.Gateway.AccessToken,
		Bots:        cfg.Bots,
		Backoff: gateway.Backoff{
			Initial:    cfg.Gateway.Reconnect.Initial,
			Max:        cfg.Gateway.Reconnect.Max,
			Multiplier: cfg.Gateway.Reconnect.Multiplier,
		},
		Monitor: b.life,
	})
	b.actions = executor.New(b.client, executor.Options{
		QueueDepth:     cfg.Actions.QueueDepth,
		Workers:        cfg.Actions.Workers,
		DefaultTimeout: cfg.Actions.Timeout,
		MinInterval:    cfg.Actions.MinInterval,
	})
	if cfg.Webhook.Listen != "" {
		b.hook = webhook.New(cfg.Webhook.Listen, cfg.Webhook.Token, b)
	}
	return b, nil
}

// Use appends a middleware stage.
func (b *Bot) Use(s middleware.Stage) { b.chain.Use(s) }

// Register loads an in-process plugin.
func (b *Bot) Register(name string, bindings ...plugin.Binding) error {
	return b.registry.Load(context.Background(), plugin.NewSource(name, bindings...))
}

func (b *Bot) OnConnect(h lifecycle.Hook)        { b.life.OnConnect(h) }
func (b *Bot) OnConnectOnce(h lifecycle.Hook)    { b.life.OnConnectOnce(h) }
func (b *Bot) OnDisconnect(h lifecycle.Hook)     { b.life.OnDisconnect(h) }
func (b *Bot) OnDisconnectOnce(h lifecycle.Hook) { b.life.OnDisconnectOnce(h) }

// Actions exposes the executor for handlers and tooling.
func (b *Bot) Actions() *executor.Executor { return b.actions }

// Plugins exposes the registry for enable/disable tooling.
func (b *Bot) Plugins() *plugin.Registry { return b.registry }

// Scheduler exposes the task scheduler.
func (b *Bot) Scheduler() *scheduler.Scheduler { return b.sched }

// Inject feeds a raw event into the pipeline from the webhook intake.
func (b *Bot) Inject(raw event.RawEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), injectTimeout)
	defer cancel()
	return b.client.Inject(ctx, raw)
}

// PluginStatuses reports loaded plugins in dispatch order.
func (b *Bot) PluginStatuses() []plugin.Status {
	return b.registry.Statuses()
}

// Run starts every component and dispatches events until ctx is
// cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.actions.Start()
	defer b.actions.Stop()

	if err := scheduler.RegisterConfigured(b.sched, b.cfg.Scheduler.Jobs, b.actions); err != nil {
		return err
	}
	b.sched.Start()
	defer b.sched.Stop()

	if err := b.RefreshPlugins(); err != nil {
		return err
	}
	defer b.registry.Close()
	defer func() { _ = b.store.Close() }()

	if b.hook != nil {
		go func() {
			if err := b.hook.Start(); err != nil {
				log.Printf("bot: webhook server: %v", err)
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = b.hook.Stop(shutCtx)
		}()
	}

	if b.cfg.Plugins.Watch {
		stop, err := b.watchPlugins(ctx)
		if err != nil {
			return err
		}
		defer stop()
	}

	go func() {
		if err := b.client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("bot: gateway client: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw := <-b.client.Events():
			b.dispatch(ctx, raw)
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, raw event.RawEvent) {
	ev, err := event.Refine(raw)
	if err != nil {
		reason := "malformed"
		var unk *event.UnrecognizedKindError
		if errors.As(err, &unk) {
			reason = "unrecognized_kind"
		}
		metrics.EventsDropped.WithLabelValues(reason).Inc()
		log.Printf("bot: dropping event %q: %v", raw.Name, err)
		return
	}
	metrics.EventsRefined.WithLabelValues(string(ev.Kind())).Inc()

	bag := middleware.NewBag()
	if !b.chain.Run(ev, bag) {
		metrics.EventsDropped.WithLabelValues("middleware").Inc()
		return
	}

	matches := b.registry.Snapshot().Match(ev)
	if len(matches) == 0 {
		return
	}
	go plugin.RunMatches(ctx, ev, matches, b.actions)
}

// RefreshPlugins reconciles the registry with the plugin directory:
// new scripts load, changed scripts reload, removed scripts unload.
// A missing directory is treated as empty.
func (b *Bot) RefreshPlugins() error {
	dir := b.cfg.Plugins.Dir
	if dir == "" {
		return nil
	}
	found := make(map[string]time.Time)
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("bot: reading plugin dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lua") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found[filepath.Join(dir, e.Name())] = info.ModTime()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	ctx := context.Background()

	for path, mod := range found {
		prev, known := b.scripts[path]
		switch {
		case !known:
			src, err := plugin.NewLuaSource(path)
			if err != nil {
				log.Printf("bot: skipping %s: %v", path, err)
				continue
			}
			if err := b.registry.Load(ctx, src); err != nil {
				_ = src.Close()
				log.Printf("bot: loading %s: %v", path, err)
				continue
			}
			b.scripts[path] = mod
		case !mod.Equal(prev):
			src, err := plugin.NewLuaSource(path)
			if err != nil {
				log.Printf("bot: reload of %s failed, keeping old version: %v", path, err)
				continue
			}
			if err := b.registry.Reload(ctx, src); err != nil {
				_ = src.Close()
				log.Printf("bot: reloading %s: %v", path, err)
				continue
			}
			b.scripts[path] = mod
		}
	}

	for path := range b.scripts {
		if _, ok := found[path]; ok {
			continue
		}
		name := strings.TrimSuffix(filepath.Base(path), ".lua")
		if err := b.registry.Unload(name); err != nil {
			log.Printf("bot: unloading %s: %v", name, err)
		}
		delete(b.scripts, path)
	}
	return nil
}
