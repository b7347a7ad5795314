package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/lmlabs-api/internal/apierr"
	"github.com/keithlinneman/lmlabs-api/internal/auth"
	"github.com/keithlinneman/lmlabs-api/internal/httpmw"
)

// KeyFunc picks the bucket a request is charged to. An empty key is never
// limited.
type KeyFunc func(r *http.Request) string

// CallerKey charges authenticated requests to their canonical id and
// everything else to the client address.
func CallerKey(r *http.Request) string {
	ctx := r.Context()
	if ac := auth.FromContext(ctx); ac.CanonicalID != "" {
		return "id:" + ac.CanonicalID
	}
	if ip := httpmw.ClientIPFromContext(ctx); ip != "" {
		return "ip:" + ip
	}
	return ""
}

// visitor tracks one key's limiter and last activity
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged is reset when the entry is evicted and re-created
	logged bool
}

// Limiter holds per-key token buckets.
type Limiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	perSecond  rate.Limit
	burst      int
	ttl        time.Duration
	maxKeys    int
	retryAfter time.Duration
	key        KeyFunc

	// onFirstDenied fires once per visitor lifetime, onDenied on every rejection.
	onFirstDenied func(key string)
	onDenied      func(key string)
	onCapacity    func()

	deny func(w http.ResponseWriter, r *http.Request, err *apierr.Error)
}

type Option func(*Limiter)

// WithRate sets the refill rate and bucket size. WithRate(10, 50) allows 50
// requests at once, then 10 per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *Limiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL controls how long an idle key stays in the map. Non-positive
// values keep the default.
func WithTTL(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.ttl = d
		}
	}
}

// WithMaxKeys caps tracked keys. Once full, requests from new keys are
// rejected until cleanup frees room. Zero means unbounded.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) { l.maxKeys = n }
}

// WithRetryAfter sets the Retry-After hint on rejections.
func WithRetryAfter(d time.Duration) Option {
	return func(l *Limiter) { l.retryAfter = d }
}

func WithKeyFunc(fn KeyFunc) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.key = fn
		}
	}
}

// WithOnFirstDenied sets a callback for the first denial per key, for logging.
func WithOnFirstDenied(fn func(key string)) Option {
	return func(l *Limiter) { l.onFirstDenied = fn }
}

// WithOnDenied sets a callback for every denied request, for counters.
func WithOnDenied(fn func(key string)) Option {
	return func(l *Limiter) { l.onDenied = fn }
}

// WithOnCapacity is called whenever a new key is refused because the map is full.
func WithOnCapacity(fn func()) Option {
	return func(l *Limiter) { l.onCapacity = fn }
}

// WithDeny hands rejections to fn, typically the API engine's Fail so 429s
// travel the same error path as handler errors.
func WithDeny(fn func(w http.ResponseWriter, r *http.Request, err *apierr.Error)) Option {
	return func(l *Limiter) { l.deny = fn }
}

// New creates a Limiter and starts its cleanup goroutine, which stops when
// ctx is done.
func New(ctx context.Context, opts ...Option) *Limiter {
	l := &Limiter{
		visitors:   make(map[string]*visitor),
		perSecond:  10,
		burst:      30,
		ttl:        5 * time.Minute,
		maxKeys:    100_000,
		retryAfter: 30 * time.Second,
		key:        CallerKey,
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup(ctx)
	return l
}

// allow reports whether key may proceed. Hooks run after the lock is released.
func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		if l.maxKeys > 0 && len(l.visitors) >= l.maxKeys {
			l.mu.Unlock()
			if l.onCapacity != nil {
				l.onCapacity()
			}
			if l.onDenied != nil {
				l.onDenied(key)
			}
			return false
		}
		v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	allowed := v.limiter.Allow()
	first := !allowed && !v.logged
	if first {
		v.logged = true
	}
	l.mu.Unlock()

	if allowed {
		return true
	}
	if first && l.onFirstDenied != nil {
		l.onFirstDenied(key)
	}
	if l.onDenied != nil {
		l.onDenied(key)
	}
	return false
}

// Len reports how many keys are tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// minSweep bounds how often cleanup runs for very short TTLs.
const minSweep = time.Millisecond

// cleanup evicts idle keys every ttl/2.
func (l *Limiter) cleanup(ctx context.Context) {
	every := l.ttl / 2
	if every < minSweep {
		every = minSweep
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.evict(now)
		}
	}
}

func (l *Limiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, k)
		}
	}
}

// Middleware rejects requests over the limit with 429.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := l.key(r)
		if key == "" || l.allow(key) {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Retry-After", strconv.Itoa(int(l.retryAfter.Seconds())))
		// no detail about limits or remaining tokens
		err := apierr.TooManyRequests("Too Many Requests", nil)
		if l.deny != nil {
			l.deny(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"details":null,"title":"Too Many Requests"}` + "\n"))
	})
}
