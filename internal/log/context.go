package log

import "context"

type ctxKey struct{}

type callerSkipKey struct{}

// WithContext returns a copy of ctx carrying l.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger carried by ctx, or Nop.
func FromContext(ctx context.Context) Logger {
	return FromContextOr(ctx, Nop())
}

// FromContextOr returns the logger carried by ctx, or fallback.
func FromContextOr(ctx context.Context, fallback Logger) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok && l != nil {
		return l
	}
	return fallback
}

// WithCallerSkip makes records logged with ctx report their source n frames
// further up the stack. Adapters that forward to a Logger use it so the
// source names their caller instead of the adapter.
func WithCallerSkip(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, callerSkipKey{}, callerSkip(ctx)+n)
}

func callerSkip(ctx context.Context) int {
	if ctx == nil {
		return 0
	}
	n, _ := ctx.Value(callerSkipKey{}).(int)
	return n
}
