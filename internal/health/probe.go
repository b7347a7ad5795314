package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/lmlabs-api/internal/xerrors"
)

// Probe is evaluated at request time. nil means pass.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes only if every non-nil probe passes and returns the first error.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any passes if one probe passes, otherwise returns the last error.
func Any(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var last error
		for _, p := range ps {
			if p == nil {
				continue
			}
			err := p.Check(ctx)
			if err == nil {
				return nil
			}
			last = err
		}
		if last != nil {
			return last
		}
		return xerrors.New("no healthy probes")
	}
}

// Timeout fails p when it has not answered within d.
func Timeout(p Probe, d time.Duration) CheckFunc {
	return func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- p.Check(ctx) }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return xerrors.Wrapf(ctx.Err(), "probe timed out after %s", d)
		}
	}
}

// Named prefixes p's failures with name so a combined probe says which
// dependency is down.
func Named(name string, p Probe) CheckFunc {
	return func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		if err := p.Check(ctx); err != nil {
			return xerrors.Wrap(err, name)
		}
		return nil
	}
}

// Cached reuses p's last result for ttl. Probes that call remote services
// stay cheap when the load balancer and the ops port both poll readiness.
func Cached(p Probe, ttl time.Duration) CheckFunc {
	var (
		mu      sync.Mutex
		checked time.Time
		last    error
	)
	return func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if !checked.IsZero() && time.Since(checked) < ttl {
			return last
		}
		last = p.Check(ctx)
		checked = time.Now()
		return last
	}
}

// ShutdownGate flips readiness to false during drain.
type ShutdownGate struct {
	draining atomic.Bool
	reason   atomic.Value
}

func (g *ShutdownGate) Set(reason string) {
	g.reason.Store(reason)
	g.draining.Store(true)
}

func (g *ShutdownGate) Clear() {
	g.draining.Store(false)
	g.reason.Store("")
}

func (g *ShutdownGate) Draining() bool { return g.draining.Load() }

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if !g.draining.Load() {
			return nil
		}
		r, _ := g.reason.Load().(string)
		if r == "" {
			r = "draining"
		}
		return xerrors.New(r)
	}
}
