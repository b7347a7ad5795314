package xerrors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"testing"
)

var errSentinel = errors.New("sentinel")

// stackContains checks if any frame in PCs contains the given function name substring.
func stackContains(pcs []uintptr, substr string) bool {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.Contains(fr.Function, substr) {
			return true
		}
		if !more {
			break
		}
	}
	return false
}

// New / Newf

func TestNew_ErrorMessage(t *testing.T) {
	err := New("something broke")
	if err.Error() != "something broke" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestNew_StackContainsCaller(t *testing.T) {
	err := New("test")
	if !stackContains(StackPCs(err), "TestNew_StackContainsCaller") {
		t.Fatal("stack should contain calling function")
	}
}

func TestNewf_FormatsMessage(t *testing.T) {
	err := Newf("invalid port %d for %s", 99999, "server")
	want := "invalid port 99999 for server"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

// WithStack / EnsureTrace

func TestWithStack_NilReturnsNil(t *testing.T) {
	if WithStack(nil) != nil {
		t.Fatal("WithStack(nil) should be nil")
	}
}

func TestWithStack_Unwraps(t *testing.T) {
	err := WithStack(errSentinel)
	if !errors.Is(err, errSentinel) {
		t.Fatal("errors.Is should find sentinel through WithStack")
	}
	if err.Error() != errSentinel.Error() {
		t.Fatalf("Error() = %q, want %q", err.Error(), errSentinel.Error())
	}
}

func TestEnsureTrace_NilReturnsNil(t *testing.T) {
	if EnsureTrace(nil) != nil {
		t.Fatal("EnsureTrace(nil) should be nil")
	}
}

func TestEnsureTrace_AddsStackToPlainError(t *testing.T) {
	err := EnsureTrace(errSentinel)
	if len(StackPCs(err)) == 0 {
		t.Fatal("expected stack on plain error")
	}
}

func TestEnsureTrace_Idempotent(t *testing.T) {
	first := New("boom")
	if got := EnsureTrace(first); got != first {
		t.Fatal("EnsureTrace should return the same error when a stack exists")
	}
}

func TestEnsureTrace_WrappedStackIsKept(t *testing.T) {
	inner := New("inner")
	outer := fmt.Errorf("outer: %w", inner)
	if got := EnsureTrace(outer); got != outer {
		t.Fatal("stack deeper in the chain should satisfy EnsureTrace")
	}
}

// Wrap / Wrapf

func TestWrap_NilReturnsNil(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "ctx %d", 1) != nil {
		t.Fatal("Wrapf(nil) should be nil")
	}
}

func TestWrap_ErrorMessage(t *testing.T) {
	err := Wrap(errSentinel, "loading key")
	if err.Error() != "loading key: sentinel" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, errSentinel) {
		t.Fatal("Wrap should unwrap to sentinel")
	}
}

func TestWrapf_FormatsMessage(t *testing.T) {
	err := Wrapf(errSentinel, "param %s", "/a/b")
	if err.Error() != "param /a/b: sentinel" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestWrap_HasPC(t *testing.T) {
	err := Wrap(errSentinel, "x")
	var hp interface{ PC() uintptr }
	if !errors.As(err, &hp) {
		t.Fatal("Wrap result should expose PC()")
	}
	if hp.PC() == 0 {
		t.Fatal("PC should be non-zero")
	}
}

// Stack / RenderPCs

func TestStack_RendersCapturedStack(t *testing.T) {
	err := New("boom")
	s := Stack(err)
	if !strings.Contains(s, "TestStack_RendersCapturedStack") {
		t.Fatalf("stack missing caller frame:\n%s", s)
	}
	if !strings.Contains(s, "xerrors_test.go:") {
		t.Fatalf("stack missing file:line:\n%s", s)
	}
}

func TestStack_PlainErrorUsesCallerStack(t *testing.T) {
	s := Stack(errors.New("plain"))
	if s == "" {
		t.Fatal("expected a non-empty stack for plain error")
	}
	if !strings.Contains(s, "TestStack_PlainErrorUsesCallerStack") {
		t.Fatalf("stack missing caller frame:\n%s", s)
	}
}

func TestRenderPCs_Empty(t *testing.T) {
	if got := RenderPCs(nil); got != "" {
		t.Fatalf("RenderPCs(nil) = %q, want empty", got)
	}
}

func TestRenderPCs_SkipsRuntimeFrames(t *testing.T) {
	var pcs []uintptr
	func() {
		defer func() {
			_ = recover()
			pcs = Callers(0)
		}()
		panic("x")
	}()

	s := RenderPCs(pcs)
	if strings.Contains(s, "runtime.gopanic") {
		t.Fatalf("runtime frames not skipped:\n%s", s)
	}
	if !strings.Contains(s, "TestRenderPCs_SkipsRuntimeFrames") {
		t.Fatalf("stack missing panicking frame:\n%s", s)
	}
}
