package async

import (
	"context"
	"runtime/debug"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/flakewatch/pkg/utils/errutil"
	"github.com/m-mizutani/goerr/v2"
)

// Dispatch runs handler in a new goroutine detached from the caller's
// cancellation. The logger of ctx is carried over. Returned errors and panics
// are logged and reported.
func Dispatch(ctx context.Context, handler func(ctx context.Context) error) {
	bgCtx := detach(ctx)

	go func() {
		if err := call(bgCtx, handler); err != nil {
			errutil.Handle(bgCtx, err, "error in async handler")
		}
	}()
}

// Go runs handler in a new goroutine under ctx and returns a channel that
// receives its result exactly once. A panic is converted into an error. The
// channel is buffered so the goroutine never blocks when the caller stops
// waiting.
func Go(ctx context.Context, handler func(ctx context.Context) error) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- call(ctx, handler)
	}()
	return ch
}

func call(ctx context.Context, handler func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			ctxlog.From(ctx).Error("panic in async handler",
				"recover", r,
				"stack", string(stack))
			err = goerr.New("panic in async handler", goerr.V("recover", r))
		}
	}()

	return handler(ctx)
}

func detach(ctx context.Context) context.Context {
	return ctxlog.With(context.Background(), ctxlog.From(ctx))
}
