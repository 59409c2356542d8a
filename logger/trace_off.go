//go:build !debug_trace

package logger

import (
	"context"
)

// TraceEnabled is true in builds with the debug_trace tag; without it the
// per-call tracing compiles into nothing.
const TraceEnabled = false

func Tracef(ctx context.Context, format string, args ...any) {}
