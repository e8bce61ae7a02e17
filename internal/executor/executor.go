// Package executor owns the outbound action queue: a FIFO of action
// requests drained by a bounded pool of workers calling the gateway.
// Every producer (plugin handlers, scheduler jobs, lifecycle hooks) goes
// through the same queue, so ordering and rate policy live in one place.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/opqbot/opqbot/internal/metrics"
)

// Caller is the narrow contract to the gateway client.
type Caller interface {
	Call(ctx context.Context, action string, params map[string]any) (json.RawMessage, error)
}

// ActionRequest is one outbound command. Timeout <= 0 inherits the
// executor's default. Consumed exactly once.
type ActionRequest struct {
	Action  string
	Params  map[string]any
	Timeout time.Duration
	Bot     int64
}

// ActionResult is the interpreted outcome of one action.
type ActionResult struct {
	Success     bool
	Code        int64
	Description string
	TimedOut    bool
	Data        json.RawMessage
}

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	// The executor rejects rather than blocks so the dispatch path can
	// never stall on a slow gateway; it never drops silently.
	ErrQueueFull = errors.New("action queue full")

	// ErrActionTimeout is returned when the gateway does not answer
	// within the request's timeout.
	ErrActionTimeout = errors.New("action timed out")

	// ErrClosed is returned once the executor has been stopped.
	ErrClosed = errors.New("executor closed")
)

// ActionError is a gateway-level failure: the call completed but the
// response carried a non-zero return code.
type ActionError struct {
	Code        int64
	Description string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action failed: code %d (%s)", e.Code, e.Description)
}

// retcodeTable maps the gateway's known non-zero return codes to
// human-readable failure reasons. Unknown codes degrade to a generic
// description.
var retcodeTable = map[int64]string{
	100:  "invalid parameters",
	102:  "action not supported by this session",
	110:  "permission denied",
	120:  "rate limited by the gateway",
	241:  "sending too fast, throttled by peer",
	1404: "target not found",
}

func describeCode(code int64) string {
	if desc, ok := retcodeTable[code]; ok {
		return desc
	}
	return fmt.Sprintf("action failed with code %d", code)
}

type task struct {
	ctx   context.Context
	req   ActionRequest
	reply chan outcome // nil for fire-and-forget
}

type outcome struct {
	res ActionResult
	err error
}

// Executor drains a FIFO queue of action requests with a bounded worker
// pool. Construct with New, then Start; all producers share one instance.
type Executor struct {
	caller         Caller
	queue          chan *task
	workers        int
	defaultTimeout time.Duration
	minInterval    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// Options bound the executor. Zero values fall back to sane defaults.
type Options struct {
	QueueDepth     int
	Workers        int
	DefaultTimeout time.Duration
	// MinInterval spaces consecutive calls per worker, the configurable
	// rate policy knob.
	MinInterval time.Duration
}

func New(caller Caller, opts Options) *Executor {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		caller:         caller,
		queue:          make(chan *task, opts.QueueDepth),
		workers:        opts.Workers,
		defaultTimeout: opts.DefaultTimeout,
		minInterval:    opts.MinInterval,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start launches the worker pool.
func (e *Executor) Start() {
	e.startOnce.Do(func() {
		for i := 0; i < e.workers; i++ {
			e.wg.Add(1)
			go e.worker()
		}
	})
}

// Stop cancels in-flight calls and waits for the workers to drain.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
	})
}

// Execute submits the request and blocks until completion or timeout.
func (e *Executor) Execute(ctx context.Context, req ActionRequest) (ActionResult, error) {
	if err := validate(&req, e.defaultTimeout); err != nil {
		return ActionResult{}, err
	}
	select {
	case <-e.ctx.Done():
		return ActionResult{}, ErrClosed
	default:
	}
	t := &task{ctx: ctx, req: req, reply: make(chan outcome, 1)}
	select {
	case e.queue <- t:
		metrics.QueueDepth.Set(float64(len(e.queue)))
	case <-ctx.Done():
		return ActionResult{}, ctx.Err()
	case <-e.ctx.Done():
		return ActionResult{}, ErrClosed
	}
	select {
	case out := <-t.reply:
		return out.res, out.err
	case <-ctx.Done():
		return ActionResult{}, ctx.Err()
	case <-e.ctx.Done():
		return ActionResult{}, ErrClosed
	}
}

// Enqueue submits the request without waiting for its outcome. When the
// queue is full it returns ErrQueueFull immediately.
func (e *Executor) Enqueue(req ActionRequest) error {
	if err := validate(&req, e.defaultTimeout); err != nil {
		return err
	}
	select {
	case <-e.ctx.Done():
		return ErrClosed
	default:
	}
	t := &task{ctx: e.ctx, req: req}
	select {
	case e.queue <- t:
		metrics.QueueDepth.Set(float64(len(e.queue)))
		return nil
	default:
		metrics.Actions.WithLabelValues("rejected").Inc()
		return ErrQueueFull
	}
}

func validate(req *ActionRequest, defaultTimeout time.Duration) error {
	if req.Action == "" {
		return fmt.Errorf("action name is required")
	}
	if req.Timeout <= 0 {
		req.Timeout = defaultTimeout
	}
	return nil
}

func (e *Executor) worker() {
	defer e.wg.Done()
	var last time.Time
	for {
		select {
		case <-e.ctx.Done():
			return
		case t := <-e.queue:
			metrics.QueueDepth.Set(float64(len(e.queue)))
			if e.minInterval > 0 {
				if wait := e.minInterval - time.Since(last); wait > 0 {
					select {
					case <-time.After(wait):
					case <-e.ctx.Done():
						return
					}
				}
			}
			out := e.process(t)
			last = time.Now()
			if t.reply != nil {
				t.reply <- out
			} else if out.err != nil {
				log.Printf("executor: %s: %v", t.req.Action, out.err)
			}
		}
	}
}

// envelope is the gateway's application-level response wrapper.
type envelope struct {
	RetCode int64           `json:"retcode"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *Executor) process(t *task) outcome {
	callCtx, cancel := context.WithTimeout(t.ctx, t.req.Timeout)
	defer cancel()

	start := time.Now()
	raw, err := e.caller.Call(callCtx, t.req.Action, t.req.Params)
	metrics.ActionDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.Actions.WithLabelValues("timeout").Inc()
			return outcome{
				res: ActionResult{TimedOut: true},
				err: fmt.Errorf("%s after %s: %w", t.req.Action, t.req.Timeout, ErrActionTimeout),
			}
		}
		metrics.Actions.WithLabelValues("error").Inc()
		return outcome{err: fmt.Errorf("call %s: %w", t.req.Action, err)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.Actions.WithLabelValues("error").Inc()
		return outcome{err: fmt.Errorf("decode %s response: %w", t.req.Action, err)}
	}
	if env.RetCode != 0 {
		metrics.Actions.WithLabelValues("failed").Inc()
		aerr := &ActionError{Code: env.RetCode, Description: describeCode(env.RetCode)}
		return outcome{
			res: ActionResult{Code: env.RetCode, Description: aerr.Description, Data: env.Data},
			err: aerr,
		}
	}

	metrics.Actions.WithLabelValues("ok").Inc()
	return outcome{res: ActionResult{Success: true, Data: env.Data}}
}
