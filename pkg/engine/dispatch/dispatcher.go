// Package dispatch routes typed commands to their single registered
// handler, synchronously or on a worker pool. The registry is populated
// once at startup and read-only afterwards.
package dispatch

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sync"
)

// HandlerFunc handles one concrete command type and optionally returns a
// result for Execute.
type handlerFunc func(ctx context.Context, cmd any) (any, error)

// Dispatcher routes commands to handlers. One handler may be registered
// per concrete command type; commands are plain immutable data and the
// dispatcher holds no business state.
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[reflect.Type]handlerFunc
	sealed   bool

	tasks chan task
	wg    sync.WaitGroup
	once  sync.Once
}

type task struct {
	ctx context.Context
	cmd any
}

type Option func(*Dispatcher)

// WithWorkers sets the async worker pool size. Defaults to the host's
// logical CPU count.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.startWorkers(n)
		}
	}
}

func NewDispatcher(options ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[reflect.Type]handlerFunc),
	}
	for _, option := range options {
		option(d)
	}
	if d.tasks == nil {
		d.startWorkers(runtime.NumCPU())
	}
	return d
}

func (d *Dispatcher) startWorkers(n int) {
	d.tasks = make(chan task, n*4)
	d.wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer d.wg.Done()
			for t := range d.tasks {
				// async dispatch is fire-and-forget; errors surface only
				// through the handler's own error path
				_ = d.Dispatch(t.ctx, t.cmd)
			}
		}()
	}
}

// Register binds a handler to the concrete command type C. Registering a
// second handler for the same type is an error.
func Register[C any](d *Dispatcher, handler func(ctx context.Context, cmd C) error) error {
	return register[C](d, func(ctx context.Context, cmd any) (any, error) {
		return nil, handler(ctx, cmd.(C))
	})
}

// RegisterQuery binds a result-returning handler to the command type C,
// for use with Execute.
func RegisterQuery[C any, R any](d *Dispatcher, handler func(ctx context.Context, cmd C) (R, error)) error {
	return register[C](d, func(ctx context.Context, cmd any) (any, error) {
		return handler(ctx, cmd.(C))
	})
}

func register[C any](d *Dispatcher, h handlerFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := reflect.TypeOf((*C)(nil)).Elem()
	if d.sealed {
		return fmt.Errorf("dispatcher is sealed, cannot register handler for %s", t)
	}
	if _, exists := d.handlers[t]; exists {
		return fmt.Errorf("handler already registered for command type %s", t)
	}
	d.handlers[t] = h
	return nil
}

// Seal marks registration complete. Lookups after Seal take no lock.
func (d *Dispatcher) Seal() {
	d.mu.Lock()
	d.sealed = true
	d.mu.Unlock()
}

func (d *Dispatcher) handlerFor(cmd any) (handlerFunc, error) {
	t := reflect.TypeOf(cmd)
	if !d.sealed {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	h, ok := d.handlers[t]
	if !ok {
		return nil, &Error{CommandType: typeName(cmd), Err: ErrNoHandler}
	}
	return h, nil
}

// Dispatch routes the command synchronously to its handler. The handler,
// including all of its persistence writes, completes before Dispatch
// returns.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd any) error {
	_, err := d.invoke(ctx, cmd)
	return err
}

// DispatchAsync routes the command off the caller's path. No ordering is
// guaranteed relative to the caller's continuation or to sibling async
// dispatches. Blocks when the pool queue is full rather than dropping.
func (d *Dispatcher) DispatchAsync(ctx context.Context, cmd any) {
	d.tasks <- task{ctx: ctx, cmd: cmd}
}

// Execute routes the command synchronously to a handler that returns a
// value of type R.
func Execute[R any](d *Dispatcher, ctx context.Context, cmd any) (R, error) {
	var zero R
	res, err := d.invoke(ctx, cmd)
	if err != nil {
		return zero, err
	}
	out, ok := res.(R)
	if !ok {
		return zero, &Error{
			CommandType: typeName(cmd),
			Err:         fmt.Errorf("handler returned %T, want %T", res, zero),
		}
	}
	return out, nil
}

func (d *Dispatcher) invoke(ctx context.Context, cmd any) (res any, err error) {
	h, herr := d.handlerFor(cmd)
	if herr != nil {
		return nil, herr
	}
	defer func() {
		if r := recover(); r != nil {
			err = &Error{CommandType: typeName(cmd), Err: fmt.Errorf("handler panic: %v", r)}
		}
	}()
	res, err = h(ctx, cmd)
	if err != nil {
		return nil, &Error{CommandType: typeName(cmd), Err: err}
	}
	return res, nil
}

// Close drains the async worker pool. Pending async commands are handled
// before Close returns.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.tasks)
	})
	d.wg.Wait()
}

func typeName(cmd any) string {
	t := reflect.TypeOf(cmd)
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
