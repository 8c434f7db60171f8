package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/upy/vm"
)

// ErrWorkerStopped is returned by Do after Stop.
var ErrWorkerStopped = errors.New("server: worker stopped")

// vmRequest represents a unit of work to be executed on the worker goroutine.
type vmRequest struct {
	fn   func(*vm.Context) any
	done chan vmResult
}

// vmResult holds the return value from a Context operation.
type vmResult struct {
	value any
	err   error
}

// VMWorker serializes all access to one Context through a single goroutine.
// A Context is single-threaded; every handler goes through its worker.
type VMWorker struct {
	ctx      *vm.Context
	requests chan vmRequest
	quit     chan struct{}
	stopped  chan struct{}
	once     sync.Once
}

// NewVMWorker creates a VMWorker owning c and starts the processing
// goroutine. The worker closes c when it stops.
func NewVMWorker(c *vm.Context) *VMWorker {
	w := &VMWorker{
		ctx:      c,
		requests: make(chan vmRequest, 64),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes requests sequentially on a dedicated goroutine.
func (w *VMWorker) loop() {
	defer close(w.stopped)
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			w.ctx.Close()
			return
		}
	}
}

// execute runs a function against the Context, recovering from panics.
func (w *VMWorker) execute(fn func(*vm.Context) any) vmResult {
	var result vmResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				result.err = fmt.Errorf("%v", r)
			}
		}()
		result.value = fn(w.ctx)
	}()
	return result
}

// Do submits fn for execution on the worker goroutine and blocks until it
// completes. Panics in fn are returned as errors.
func (w *VMWorker) Do(fn func(*vm.Context) any) (any, error) {
	return w.DoContext(context.Background(), fn)
}

// DoContext is Do with cancellation. Cancelling ctx abandons the wait; work
// already started still runs to completion on the worker.
func (w *VMWorker) DoContext(ctx context.Context, fn func(*vm.Context) any) (any, error) {
	req := vmRequest{
		fn:   fn,
		done: make(chan vmResult, 1),
	}
	select {
	case w.requests <- req:
	case <-w.stopped:
		return nil, ErrWorkerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-w.stopped:
		return nil, ErrWorkerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop shuts down the worker goroutine and waits for it to exit.
func (w *VMWorker) Stop() {
	w.once.Do(func() { close(w.quit) })
	<-w.stopped
}
