// Package dispatch layers concurrency on top of the single-request engine
// connection: each Worker owns one connection and funnels all calls through
// one consumer goroutine, so callers on any goroutine get safe access
// without the engine needing locks. A Registry tracks live workers by id.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/waddie/nrepl.hx/nrepl"
)

// MaxPendingResults bounds how many completed eval results may sit
// uncollected before new submissions are refused.
const MaxPendingResults = 1000

const defaultCallTimeout = 30 * time.Second

var ErrWorkerClosed = errors.New("dispatch: worker closed")

// ErrTooManyPending is returned by Submit* when the results buffer is full.
var ErrTooManyPending = errors.New("dispatch: too many uncollected results")

// Client is the engine surface the worker drives. *nrepl.Conn satisfies it.
type Client interface {
	CloneSession(ctx context.Context) (nrepl.Session, error)
	Eval(ctx context.Context, session nrepl.Session, code string) (*nrepl.EvalResult, error)
	EvalWithTimeout(ctx context.Context, session nrepl.Session, code string, timeout time.Duration) (*nrepl.EvalResult, error)
	LoadFile(ctx context.Context, session nrepl.Session, contents, path, name string) (*nrepl.EvalResult, error)
	Interrupt(ctx context.Context, session nrepl.Session, requestID string) error
	CloseSession(ctx context.Context, session nrepl.Session) error
	Stdin(ctx context.Context, session nrepl.Session, data string) error
	Completions(ctx context.Context, session nrepl.Session, prefix, ns, completeFn string) ([]string, error)
	Lookup(ctx context.Context, session nrepl.Session, sym, ns, lookupFn string) (map[string]string, error)
	Shutdown(ctx context.Context) error
}

var _ Client = (*nrepl.Conn)(nil)

// RequestID identifies a submitted eval or load-file within one worker.
type RequestID uint64

// Result is a completed streaming operation.
type Result struct {
	Value *nrepl.EvalResult
	Err   error
}

// Worker serializes access to one connection through a single consumer
// goroutine. Submit calls return immediately with a request id; results are
// collected by polling TryResult. The session-scoped helper methods block
// until the worker has run them.
type Worker struct {
	client Client
	log    zerolog.Logger

	cmds chan func(context.Context)
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
	nextReq   atomic.Uint64
	sessions  atomic.Int64

	mu      sync.Mutex
	results map[RequestID]Result
}

func NewWorker(client Client, logger zerolog.Logger) *Worker {
	w := &Worker{
		client:  client,
		log:     logger,
		cmds:    make(chan func(context.Context), 64),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		results: make(map[RequestID]Result),
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case cmd := <-w.cmds:
			cmd(context.Background())
		}
	}
}

func (w *Worker) enqueue(cmd func(context.Context)) error {
	select {
	case <-w.quit:
		return ErrWorkerClosed
	case w.cmds <- cmd:
		return nil
	}
}

// SubmitEval queues an evaluation and returns its id immediately. A timeout
// of zero uses the connection's default.
func (w *Worker) SubmitEval(session nrepl.Session, code string, timeout time.Duration) (RequestID, error) {
	return w.submit(func(ctx context.Context) (*nrepl.EvalResult, error) {
		if timeout > 0 {
			return w.client.EvalWithTimeout(ctx, session, code, timeout)
		}
		return w.client.Eval(ctx, session, code)
	})
}

// SubmitLoadFile queues a load-file and returns its id immediately.
func (w *Worker) SubmitLoadFile(session nrepl.Session, contents, path, name string) (RequestID, error) {
	return w.submit(func(ctx context.Context) (*nrepl.EvalResult, error) {
		return w.client.LoadFile(ctx, session, contents, path, name)
	})
}

func (w *Worker) submit(run func(context.Context) (*nrepl.EvalResult, error)) (RequestID, error) {
	w.mu.Lock()
	full := len(w.results) >= MaxPendingResults
	w.mu.Unlock()
	if full {
		return 0, ErrTooManyPending
	}

	id := RequestID(w.nextReq.Add(1))
	err := w.enqueue(func(ctx context.Context) {
		value, err := run(ctx)
		w.mu.Lock()
		w.results[id] = Result{Value: value, Err: err}
		w.mu.Unlock()
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// TryResult returns the result for id if it has completed, removing it from
// the pending buffer. It never blocks.
func (w *Worker) TryResult(id RequestID) (Result, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	res, ok := w.results[id]
	if ok {
		delete(w.results, id)
	}
	return res, ok
}

// PendingResults reports how many completed results are uncollected.
func (w *Worker) PendingResults() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.results)
}

// SessionCount reports how many sessions this worker has cloned and not yet
// closed.
func (w *Worker) SessionCount() int {
	return int(w.sessions.Load())
}

// CloneSession clones a session through the worker, blocking until done.
func (w *Worker) CloneSession(ctx context.Context) (nrepl.Session, error) {
	var session nrepl.Session
	err := w.call(ctx, func(ctx context.Context) error {
		var err error
		session, err = w.client.CloneSession(ctx)
		if err == nil {
			w.sessions.Add(1)
		}
		return err
	})
	return session, err
}

// CloseSession closes a session through the worker, blocking until done.
func (w *Worker) CloseSession(ctx context.Context, session nrepl.Session) error {
	return w.call(ctx, func(ctx context.Context) error {
		err := w.client.CloseSession(ctx, session)
		if err == nil {
			w.sessions.Add(-1)
		}
		return err
	})
}

// Interrupt sends an interrupt through the worker. It cannot preempt an
// eval this worker is already blocked in; use a second connection for that.
func (w *Worker) Interrupt(ctx context.Context, session nrepl.Session, requestID string) error {
	return w.call(ctx, func(ctx context.Context) error {
		return w.client.Interrupt(ctx, session, requestID)
	})
}

// Stdin sends input to a session through the worker.
func (w *Worker) Stdin(ctx context.Context, session nrepl.Session, data string) error {
	return w.call(ctx, func(ctx context.Context) error {
		return w.client.Stdin(ctx, session, data)
	})
}

// Completions fetches completion candidates through the worker.
func (w *Worker) Completions(ctx context.Context, session nrepl.Session, prefix, ns, completeFn string) ([]string, error) {
	var out []string
	err := w.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = w.client.Completions(ctx, session, prefix, ns, completeFn)
		return err
	})
	return out, err
}

// Lookup fetches symbol metadata through the worker.
func (w *Worker) Lookup(ctx context.Context, session nrepl.Session, sym, ns, lookupFn string) (map[string]string, error) {
	var out map[string]string
	err := w.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = w.client.Lookup(ctx, session, sym, ns, lookupFn)
		return err
	})
	return out, err
}

func (w *Worker) call(ctx context.Context, fn func(context.Context) error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}
	done := make(chan error, 1)
	if err := w.enqueue(func(context.Context) {
		done <- fn(ctx)
	}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.quit:
		return ErrWorkerClosed
	}
}

// Close stops the consumer goroutine and shuts the connection down,
// closing its sessions best-effort. Safe to call more than once.
func (w *Worker) Close(ctx context.Context) error {
	var err error
	w.closeOnce.Do(func() {
		close(w.quit)
		select {
		case <-w.done:
		case <-ctx.Done():
			// The worker is still blocked in a command; the connection
			// cannot be shut down safely from here.
			err = ctx.Err()
			return
		}
		err = w.client.Shutdown(ctx)
		if n := w.PendingResults(); n > 0 {
			w.log.Debug().Int("uncollected", n).Msg("worker closed with uncollected results")
		}
	})
	return err
}
