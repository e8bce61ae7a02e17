// Package middleware runs ordered stages over each refined event before
// dispatch. A stage can halt the event and can pass data to later stages
// and to matched handlers through the per-event config bag.
package middleware

import (
	"fmt"
	"log"
	"sync"

	"github.com/opqbot/opqbot/internal/event"
)

// Verdict is a stage's decision for the current event.
type Verdict int

const (
	Continue Verdict = iota
	Halt
)

// Stage observes one event. Returning Halt, or a non-nil error, stops the
// event before dispatch. Stages must not mutate the context; the bag is
// theirs to write.
type Stage func(c event.Context, bag *Bag) (Verdict, error)

// Bag is a mutable key/value store scoped to one event's processing. It is
// constructed fresh per event and discarded after dispatch completes.
type Bag struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewBag() *Bag {
	return &Bag{values: make(map[string]any)}
}

func (b *Bag) Set(key string, value any) {
	b.mu.Lock()
	b.values[key] = value
	b.mu.Unlock()
}

func (b *Bag) Get(key string) (any, bool) {
	b.mu.RLock()
	v, ok := b.values[key]
	b.mu.RUnlock()
	return v, ok
}

// GetString returns the value for key if it is a string, else "".
func (b *Bag) GetString(key string) string {
	v, ok := b.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (b *Bag) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.values)
}

// Chain executes stages strictly in registration order.
type Chain struct {
	mu     sync.RWMutex
	stages []Stage
}

func NewChain(stages ...Stage) *Chain {
	return &Chain{stages: stages}
}

// Use appends a stage to the chain.
func (ch *Chain) Use(s Stage) {
	ch.mu.Lock()
	ch.stages = append(ch.stages, s)
	ch.mu.Unlock()
}

// Run passes the event through every stage in order. It reports whether the
// event should proceed to dispatch. A stage error or panic halts this event
// only; the chain stays usable for subsequent events.
func (ch *Chain) Run(c event.Context, bag *Bag) bool {
	ch.mu.RLock()
	stages := ch.stages
	ch.mu.RUnlock()

	for i, s := range stages {
		verdict, err := runStage(s, c, bag)
		if err != nil {
			log.Printf("middleware: stage %d failed, halting event: %v", i, err)
			return false
		}
		if verdict == Halt {
			return false
		}
	}
	return true
}

func runStage(s Stage, c event.Context, bag *Bag) (verdict Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			verdict = Halt
			err = fmt.Errorf("stage panic: %v", r)
		}
	}()
	return s(c, bag)
}

// BlockGroups halts group messages from any of the listed groups.
func BlockGroups(groups ...int64) Stage {
	set := make(map[int64]struct{}, len(groups))
	for _, g := range groups {
		set[g] = struct{}{}
	}
	return func(c event.Context, _ *Bag) (Verdict, error) {
		if g, ok := c.(*event.GroupMessage); ok {
			if _, blocked := set[g.GroupID()]; blocked {
				return Halt, nil
			}
		}
		return Continue, nil
	}
}

// BlockUsers halts events from any of the listed senders.
func BlockUsers(users ...int64) Stage {
	set := make(map[int64]struct{}, len(users))
	for _, u := range users {
		set[u] = struct{}{}
	}
	return func(c event.Context, _ *Bag) (Verdict, error) {
		if _, blocked := set[c.SenderID()]; blocked {
			return Halt, nil
		}
		return Continue, nil
	}
}

// IgnoreSelf halts echoes of the bot's own messages.
func IgnoreSelf() Stage {
	return func(c event.Context, _ *Bag) (Verdict, error) {
		if c.SenderID() == c.Bot() {
			return Halt, nil
		}
		return Continue, nil
	}
}
