package xerrors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

type withStack struct {
	err error
	pcs []uintptr
}

func (w *withStack) Error() string       { return w.err.Error() }
func (w *withStack) Unwrap() error       { return w.err }
func (w *withStack) StackPCs() []uintptr { return w.pcs }
func (w *withStack) IsXerrorsWrapper()   {}

type hasStack interface{ StackPCs() []uintptr }

func captureStack(skip int) []uintptr {
	const maxDepth = 64
	pcs := make([]uintptr, maxDepth)
	// 2 skips runtime.Callers + captureStack
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

func withStackSkip(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &withStack{err: err, pcs: captureStack(skip)}
}

// WithStack attaches the caller's stack to err.
func WithStack(err error) error { return withStackSkip(err, 2) }

// EnsureTrace attaches a stack only if nothing in the chain carries one yet.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	if pcs := StackPCs(err); len(pcs) > 0 {
		return err
	}
	return withStackSkip(err, 2)
}

type wrap struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrap) Error() string     { return w.msg + ": " + w.err.Error() }
func (w *wrap) Unwrap() error     { return w.err }
func (w *wrap) PC() uintptr       { return w.pc }
func (w *wrap) IsXerrorsWrapper() {}

func callerPC(skip int) uintptr {
	var pcs [1]uintptr
	// 2 skips runtime.Callers + callerPC
	if n := runtime.Callers(2+skip, pcs[:]); n == 0 {
		return 0
	}
	return pcs[0]
}

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrap{err: err, msg: msg, pc: callerPC(1)}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrap{err: err, msg: fmt.Sprintf(format, args...), pc: callerPC(1)}
}

func New(msg string) error             { return withStackSkip(errors.New(msg), 2) }
func Newf(f string, args ...any) error { return withStackSkip(fmt.Errorf(f, args...), 2) }

// Callers captures the stack of its caller, skipping skip additional frames.
func Callers(skip int) []uintptr { return captureStack(skip + 1) }

// StackPCs returns the first captured stack found in err's chain, or nil.
func StackPCs(err error) []uintptr {
	var hs hasStack
	if errors.As(err, &hs) && hs != nil {
		return hs.StackPCs()
	}
	return nil
}

// Stack renders the stack carried by err as "func\n\tfile:line" lines.
// Errors without a captured stack get the stack of the caller instead.
func Stack(err error) string {
	pcs := StackPCs(err)
	if len(pcs) == 0 {
		pcs = captureStack(1)
	}
	return RenderPCs(pcs)
}

// RenderPCs formats program counters, leaving out runtime frames (panic
// machinery, goexit).
func RenderPCs(pcs []uintptr) string {
	if len(pcs) == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs)
	var b strings.Builder
	for {
		fr, more := frames.Next()
		if !strings.HasPrefix(fr.Function, "runtime.") {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return strings.TrimSpace(b.String())
}
