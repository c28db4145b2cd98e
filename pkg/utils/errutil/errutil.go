package errutil

import (
	"context"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
)

// Handle logs err at error level with its goerr values and reports it to
// Sentry. Sentry reporting is a no-op until sentry.Init is called.
func Handle(ctx context.Context, err error, msg string) {
	handle(ctx, err, msg, sentry.LevelError)
}

// HandleCritical is Handle for failures that need an operator, such as a task
// that exhausted its retries. The log record carries severity=critical.
func HandleCritical(ctx context.Context, err error, msg string) {
	handle(ctx, err, msg, sentry.LevelFatal)
}

func handle(ctx context.Context, err error, msg string, level sentry.Level) {
	if err == nil {
		return
	}

	logger := ctxlog.From(ctx)
	attrs := []any{"error", err}
	if level == sentry.LevelFatal {
		attrs = append(attrs, "severity", "critical")
	}
	logger.Error(msg, attrs...)

	hub := sentry.CurrentHub().Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level)
		scope.SetTag("message", msg)
		if values := Values(err); len(values) > 0 {
			scope.SetContext("values", sentry.Context(values))
		}
		if evID := hub.CaptureException(err); evID != nil {
			logger.Debug("error reported to sentry", "sentry_event_id", string(*evID))
		}
	})
}

// Values collects the goerr context values of err and the errors it wraps,
// stringified for transport.
func Values(err error) map[string]any {
	values := map[string]any{}
	for e := err; e != nil; {
		ge := goerr.Unwrap(e)
		if ge == nil {
			break
		}
		for k, v := range ge.Values() {
			if _, ok := values[k]; !ok {
				values[k] = fmt.Sprint(v)
			}
		}
		e = ge.Unwrap()
	}
	return values
}
