package listener

import (
	"context"
	"errors"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener runs handler for every value received on in, one at a time, on
// its own goroutine. Handler failures go to onError; the loop keeps going.
type Listener[T any] struct {
	handler func(ctx context.Context, input T) error
	onError func(input T, err error)

	in     <-chan T
	wg     sync.WaitGroup
	mu     sync.Mutex
	cancel func()
}

func New[T any](
	in <-chan T,
	handler func(context.Context, T) error,
	onError func(T, error),
) *Listener[T] {
	if onError == nil {
		onError = func(T, error) {}
	}

	return &Listener[T]{
		in:      in,
		handler: handler,
		onError: onError,
		cancel:  func() {},
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	l.mu.Lock()
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			if err := l.run(ctx); errors.Is(err, errListenerStopped) {
				return
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		if err := l.handler(ctx, inp); err != nil {
			l.onError(inp, err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

// Stop cancels the loop and waits for the running handler to return.
func (l *Listener[T]) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	cancel()
	l.wg.Wait()
}
