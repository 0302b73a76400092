package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"tickflow/internal/domain"
)

// Handler runs the side effect described by a task's payload. The returned
// string is recorded as the task's execution result.
type Handler interface {
	Handle(ctx context.Context, t domain.Task) (string, error)
}

type HandlerFunc func(ctx context.Context, t domain.Task) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, t domain.Task) (string, error) { return f(ctx, t) }

type Reason string

const (
	ReasonError     Reason = "ERROR"
	ReasonTimeout   Reason = "TIMEOUT"
	ReasonPanic     Reason = "PANIC"
	ReasonNoHandler Reason = "NO_HANDLER"
	// ReasonAborted means the process stopped before the attempt finished;
	// it does not count against the retry budget.
	ReasonAborted Reason = "ABORTED"
)

// Result is the outcome of one execution. Failures never escape as errors.
type Result struct {
	Success    bool
	Message    string
	Reason     Reason
	StartedAt  time.Time
	FinishedAt time.Time
}

type Executor struct {
	handlers       map[string]Handler
	defaultKind    string
	defaultTimeout time.Duration
}

func NewExecutor(handlers map[string]Handler, defaultKind string, defaultTimeout time.Duration) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Executor{handlers: handlers, defaultKind: defaultKind, defaultTimeout: defaultTimeout}
}

type outcome struct {
	msg string
	err error
}

// Execute runs the handler selected by the payload kind with a timeout. On
// timeout it stops waiting; the handler's context is cancelled but the
// handler goroutine is not forcibly stopped.
func (e *Executor) Execute(ctx context.Context, t domain.Task) Result {
	start := time.Now()
	res := func(ok bool, reason Reason, msg string) Result {
		return Result{Success: ok, Reason: reason, Message: msg, StartedAt: start, FinishedAt: time.Now()}
	}

	env := t.Envelope()
	kind := env.Kind
	if kind == "" {
		kind = e.defaultKind
	}
	h, ok := e.handlers[kind]
	if !ok {
		return res(false, ReasonNoHandler, fmt.Sprintf("no handler for kind %q", kind))
	}
	timeout := env.Timeout()
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("task_id", t.ID).Interface("panic", r).Str("stack", string(debug.Stack())).Msg("handler panic")
				done <- outcome{err: &panicError{v: r}}
			}
		}()
		msg, err := h.Handle(runCtx, t)
		done <- outcome{msg: msg, err: err}
	}()

	select {
	case o := <-done:
		var pe *panicError
		switch {
		case o.err == nil:
			return res(true, "", o.msg)
		case errors.As(o.err, &pe):
			return res(false, ReasonPanic, pe.Error())
		case ctx.Err() != nil:
			return res(false, ReasonAborted, o.err.Error())
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return res(false, ReasonTimeout, fmt.Sprintf("timed out after %s: %v", timeout, o.err))
		default:
			return res(false, ReasonError, o.err.Error())
		}
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return res(false, ReasonAborted, "execution aborted: "+ctx.Err().Error())
		}
		log.Warn().Str("task_id", t.ID).Dur("timeout", timeout).Msg("execution timed out")
		return res(false, ReasonTimeout, fmt.Sprintf("timed out after %s", timeout))
	}
}

type panicError struct{ v any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.v) }
