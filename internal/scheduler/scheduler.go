// Package scheduler runs periodic and one-shot background tasks: fixed
// intervals, cron expressions, and delayed one-offs. A panicking task
// is logged and never takes the scheduler down.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is a scheduled unit of work. The context is cancelled when the
// scheduler stops or the task is cancelled by name.
type Task func(ctx context.Context)

type jobKind int

const (
	kindInterval jobKind = iota
	kindCron
	kindOneShot
)

type jobRecord struct {
	name  string
	kind  jobKind
	entry cron.EntryID
	timer *time.Timer
}

// Scheduler manages named background jobs on top of a single cron
// runner. One-shot jobs use plain timers and remove themselves after
// firing.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	jobs    map[string]*jobRecord
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(),
		jobs:   make(map[string]*jobRecord),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins firing registered jobs. Jobs may be added before or
// after Start.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels all jobs and waits for in-flight firings to drain.
// Setting stopped under the mutex before waiting means a timer firing
// concurrently with Stop either registers with the wait group first,
// and is waited on, or sees the flag and returns without running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, rec := range s.jobs {
		if rec.timer != nil {
			rec.timer.Stop()
		}
	}
	s.jobs = make(map[string]*jobRecord)
	s.mu.Unlock()

	s.cancel()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.wg.Wait()
}

// Every registers a job fired at a fixed interval. The first firing
// happens one interval after registration, not immediately.
func (s *Scheduler) Every(name string, interval time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: job %q: interval must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reserveLocked(name); err != nil {
		return err
	}
	entry := s.cron.Schedule(cron.Every(interval), cron.FuncJob(s.wrap(name, task)))
	s.jobs[name] = &jobRecord{name: name, kind: kindInterval, entry: entry}
	return nil
}

// Cron registers a job fired on a standard 5-field cron expression.
func (s *Scheduler) Cron(name, spec string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reserveLocked(name); err != nil {
		return err
	}
	entry, err := s.cron.AddFunc(spec, s.wrap(name, task))
	if err != nil {
		return fmt.Errorf("scheduler: job %q: invalid cron spec %q: %w", name, spec, err)
	}
	s.jobs[name] = &jobRecord{name: name, kind: kindCron, entry: entry}
	return nil
}

// After registers a one-shot job fired once after the delay. The job
// removes itself once it has run.
func (s *Scheduler) After(name string, delay time.Duration, task Task) error {
	if delay < 0 {
		return fmt.Errorf("scheduler: job %q: delay must not be negative", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reserveLocked(name); err != nil {
		return err
	}
	run := s.wrap(name, task)
	rec := &jobRecord{name: name, kind: kindOneShot}
	rec.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.jobs[name] == rec {
			delete(s.jobs, name)
		}
		s.mu.Unlock()
		run()
	})
	s.jobs[name] = rec
	return nil
}

// Cancel stops and removes a job by name.
func (s *Scheduler) Cancel(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("scheduler: job %q not found", name)
	}
	switch rec.kind {
	case kindOneShot:
		rec.timer.Stop()
	default:
		s.cron.Remove(rec.entry)
	}
	delete(s.jobs, name)
	return nil
}

// Jobs returns the names of all registered jobs, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) reserveLocked(name string) error {
	if s.stopped {
		return fmt.Errorf("scheduler: stopped")
	}
	if name == "" {
		return fmt.Errorf("scheduler: job name is required")
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduler: job %q already exists", name)
	}
	return nil
}

func (s *Scheduler) wrap(name string, task Task) func() {
	return func() {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("scheduler: job %q panic: %v", name, r)
			}
		}()
		task(s.ctx)
	}
}
