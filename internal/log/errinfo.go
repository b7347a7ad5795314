package log

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// hasPC is implemented by xerrors wrappers that record a single frame.
type hasPC interface{ PC() uintptr }

// hasStack is implemented by errors that captured a full stack.
type hasStack interface{ StackPCs() []uintptr }

// errorChain lists the distinct messages down the Unwrap chain, followed by
// the parts of a top-level errors.Join.
func errorChain(err error) []string {
	var out []string
	add := func(msg string) {
		if n := len(out); n == 0 || out[n-1] != msg {
			out = append(out, msg)
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		add(e.Error())
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			add(e.Error())
		}
	}
	return out
}

// chainLinks describes up to max links of the chain with the source position
// each was created at, when known. The first link is always present.
func chainLinks(err error, max int) []map[string]any {
	var links []map[string]any
	for depth, e := 0, err; e != nil && (max <= 0 || depth < max); depth, e = depth+1, errors.Unwrap(e) {
		link := map[string]any{"msg": e.Error()}
		fn, file, line, ok := linkPosition(e)
		if ok {
			link["func"], link["file"], link["line"] = fn, file, line
		}
		if ok || depth == 0 {
			links = append(links, link)
		}
	}
	return links
}

func linkPosition(e error) (fn, file string, line int, ok bool) {
	if hp, isPC := e.(hasPC); isPC {
		if pc := hp.PC(); pc != 0 {
			fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
			return fr.Function, fr.File, fr.Line, true
		}
		return "", "", 0, false
	}
	if hs, isStack := e.(hasStack); isStack {
		frames := runtime.CallersFrames(hs.StackPCs())
		for {
			fr, more := frames.Next()
			if fr.Function != "" && !strings.HasPrefix(fr.Function, "runtime.") &&
				!strings.Contains(fr.Function, "/internal/xerrors.") && !isLogFrame(fr.Function) {
				return fr.Function, fr.File, fr.Line, true
			}
			if !more {
				break
			}
		}
	}
	return "", "", 0, false
}

// classifyTypes reports the first type in the chain that is not a pure
// wrapper (xerrors or fmt %w) and the type of the innermost error.
func classifyTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		root = fmt.Sprintf("%T", e)
		if surface == "" && !isWrapperType(e) {
			surface = root
		}
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, root
}

func isWrapperType(e error) bool {
	t := reflect.TypeOf(e)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if strings.Contains(t.PkgPath(), "/internal/xerrors") {
		return true
	}
	return t.PkgPath() == "fmt" && t.Name() == "wrapError"
}
