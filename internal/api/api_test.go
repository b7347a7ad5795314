package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/keithlinneman/lmlabs-api/internal/apierr"
	"github.com/keithlinneman/lmlabs-api/internal/auth"
	"github.com/keithlinneman/lmlabs-api/internal/router"
	"github.com/keithlinneman/lmlabs-api/internal/xerrors"
)

// spySink captures records for assertions.
type spySink struct {
	mu      sync.Mutex
	records []Record
}

func (s *spySink) Log(_ context.Context, rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *spySink) all() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func (s *spySink) only(t *testing.T) Record {
	t.Helper()
	recs := s.all()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want exactly 1: %+v", len(recs), recs)
	}
	return recs[0]
}

func testRequest() *router.Request {
	return &router.Request{
		Method:  http.MethodGet,
		Path:    "/v1/items/7",
		Headers: map[string]string{"Accept": "application/json"},
		Auth:    auth.Context{PrincipalID: "p-1", CanonicalID: "user@example.com", Token: "tok"},
	}
}

// Request middleware

func TestRequestLogger_PassesThroughAndLogsOnce(t *testing.T) {
	spy := &spySink{}
	mw := RequestLogger(spy)
	req := testRequest()

	got := mw(context.Background(), req)

	if got != req {
		t.Fatal("request middleware must return the identical request")
	}
	rec := spy.only(t)
	if rec.Level != LevelInfo || rec.Title != TitleRequestLogger {
		t.Fatalf("record = %+v", rec)
	}
	want := map[string]any{
		"method":  http.MethodGet,
		"user":    "user@example.com",
		"path":    "/v1/items/7",
		"headers": req.Headers,
	}
	if !reflect.DeepEqual(rec.Fields, want) {
		t.Fatalf("fields = %v, want %v", rec.Fields, want)
	}
}

func TestRequestLogger_MasksCredentials(t *testing.T) {
	spy := &spySink{}
	req := testRequest()
	req.Headers = map[string]string{
		"Authorization": "Bearer tok",
		"cookie":        "sid=1",
		"Accept":        "application/json",
	}
	RequestLogger(spy)(context.Background(), req)

	logged := spy.only(t).Fields["headers"].(map[string]string)
	if logged["Authorization"] != redacted || logged["cookie"] != redacted {
		t.Fatalf("credentials not masked: %v", logged)
	}
	if logged["Accept"] != "application/json" {
		t.Fatalf("Accept = %q", logged["Accept"])
	}
	if req.Headers["Authorization"] != "Bearer tok" {
		t.Fatal("the request's own headers must not change")
	}
}

func TestRequestLogger_AnonymousUser(t *testing.T) {
	spy := &spySink{}
	req := &router.Request{Method: http.MethodPost, Path: "/", Headers: map[string]string{}}
	RequestLogger(spy)(context.Background(), req)

	if user := spy.only(t).Fields["user"]; user != "" {
		t.Fatalf("user = %v, want empty for anonymous", user)
	}
}

// Response middleware

func TestResponseLogger_PassesThroughAndLogsStatusOnly(t *testing.T) {
	spy := &spySink{}
	mw := ResponseLogger(spy)
	resp := &router.Response{StatusCode: http.StatusCreated, Body: map[string]any{"id": 1}}

	got := mw(context.Background(), testRequest(), resp)

	if got != resp {
		t.Fatal("response middleware must return the identical response")
	}
	rec := spy.only(t)
	if rec.Level != LevelInfo || rec.Title != TitleResponseLogger {
		t.Fatalf("record = %+v", rec)
	}
	if !reflect.DeepEqual(rec.Fields, map[string]any{"statusCode": http.StatusCreated}) {
		t.Fatalf("fields = %v", rec.Fields)
	}
}

// Error middleware

func TestErrorLogger_Forbidden(t *testing.T) {
	spy := &spySink{}
	details := map[string]any{"resource": "items/7"}
	mw := ErrorLogger(spy, nil)

	resp := mw(context.Background(), testRequest(), apierr.Forbidden("tests-error-message", details))

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	body, ok := resp.Body.(errorBody)
	if !ok {
		t.Fatalf("body = %T", resp.Body)
	}
	if body.Title != "tests-error-message" || !reflect.DeepEqual(body.Details, details) {
		t.Fatalf("body = %+v", body)
	}

	rec := spy.only(t)
	if rec.Level != LevelInfo || rec.Title != TitleErrorLogger {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Fields["statusCode"] != http.StatusForbidden || !reflect.DeepEqual(rec.Fields["details"], details) {
		t.Fatalf("fields = %v", rec.Fields)
	}
}

func TestErrorLogger_WrappedAPIError(t *testing.T) {
	spy := &spySink{}
	err := fmt.Errorf("load item: %w", apierr.NotFound("item not found", map[string]any{"id": "7"}))

	resp := ErrorLogger(spy, nil)(context.Background(), testRequest(), err)

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if spy.only(t).Level != LevelInfo {
		t.Fatal("wrapped api errors should still log at INFO")
	}
}

func TestErrorLogger_InternalHidesCause(t *testing.T) {
	spy := &spySink{}
	cause := errors.New("connection refused: db-primary:5432")
	details := map[string]any{"ref": "incident-1"}

	resp := ErrorLogger(spy, nil)(context.Background(), testRequest(), apierr.Internal(cause, details))

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	body := resp.Body.(errorBody)
	if body.Title != "Internal Server Error" || !reflect.DeepEqual(body.Details, details) {
		t.Fatalf("body = %+v", body)
	}
	b, _ := json.Marshal(resp.Body)
	if strings.Contains(string(b), "db-primary") {
		t.Fatalf("cause leaked into body: %s", b)
	}

	rec := spy.only(t)
	if rec.Level != LevelError || rec.Title != TitleErrorLogger {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Fields["statusCode"] != http.StatusInternalServerError || !reflect.DeepEqual(rec.Fields["details"], details) {
		t.Fatalf("fields = %v", rec.Fields)
	}
	if rec.Fields["message"] != cause.Error() {
		t.Fatalf("message = %v, want cause in logs", rec.Fields["message"])
	}
	if !errors.Is(rec.Err, cause) {
		t.Fatal("record should carry the cause")
	}
}

func TestErrorLogger_PlainError(t *testing.T) {
	spy := &spySink{}
	err := xerrors.New("nil map write")

	resp := ErrorLogger(spy, nil)(context.Background(), testRequest(), err)

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	body := resp.Body.(errorBody)
	if body.Title != "Unexpected error" {
		t.Fatalf("title = %q", body.Title)
	}
	d, ok := body.Details.(unexpectedDetails)
	if !ok {
		t.Fatalf("details = %T", body.Details)
	}
	if d.Message != "nil map write" || d.Stack == "" {
		t.Fatalf("details = %+v", d)
	}
	if !strings.Contains(d.Stack, "TestErrorLogger_PlainError") {
		t.Fatalf("stack does not point at the error site:\n%s", d.Stack)
	}

	rec := spy.only(t)
	if rec.Level != LevelCritical || rec.Title != TitleErrorLogger {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Fields["message"] != "nil map write" || rec.Fields["stack"] != d.Stack {
		t.Fatalf("fields = %v", rec.Fields)
	}
}

func TestErrorLogger_StacklessErrorStillGetsStack(t *testing.T) {
	spy := &spySink{}
	resp := ErrorLogger(spy, nil)(context.Background(), testRequest(), errors.New("boom"))

	d := resp.Body.(errorBody).Details.(unexpectedDetails)
	if d.Message != "boom" || d.Stack == "" {
		t.Fatalf("details = %+v", d)
	}
}

func TestErrorLogger_NonErrorValues(t *testing.T) {
	tests := []struct {
		name string
		v    any
		msg  string
	}{
		{"string", "kaboom", "kaboom"},
		{"int", 42, "42"},
		{"nil", nil, "nil error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spy := &spySink{}
			resp := ErrorLogger(spy, nil)(context.Background(), testRequest(), tt.v)

			if resp.StatusCode != http.StatusInternalServerError {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			d := resp.Body.(errorBody).Details.(unexpectedDetails)
			if d.Message != tt.msg {
				t.Fatalf("message = %q, want %q", d.Message, tt.msg)
			}
			if spy.only(t).Level != LevelCritical {
				t.Fatal("non-error values should log at CRITICAL")
			}
		})
	}
}

func TestErrorLogger_Observer(t *testing.T) {
	type obs struct {
		status int
		kind   string
	}
	var got []obs
	mw := ErrorLogger(&spySink{}, func(status int, kind string) { got = append(got, obs{status, kind}) })

	ctx := context.Background()
	mw(ctx, testRequest(), apierr.Forbidden("x", nil))
	mw(ctx, testRequest(), apierr.Internal(errors.New("y"), nil))
	mw(ctx, testRequest(), errors.New("z"))

	want := []obs{{403, "forbidden"}, {500, "internal"}, {500, "unexpected"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("observed = %v, want %v", got, want)
	}
}

func TestMiddlewares_Idempotent(t *testing.T) {
	ctx := context.Background()
	req := testRequest()
	resp := &router.Response{StatusCode: http.StatusOK}
	sink := &spySink{}

	reqMW := RequestLogger(sink)
	if reqMW(ctx, req) != reqMW(ctx, req) {
		t.Fatal("request middleware not idempotent")
	}
	respMW := ResponseLogger(sink)
	if respMW(ctx, req, resp) != respMW(ctx, req, resp) {
		t.Fatal("response middleware not idempotent")
	}

	errMW := ErrorLogger(sink, nil)
	thrown := []any{
		apierr.Forbidden("tests-error-message", map[string]any{"a": 1}),
		apierr.Internal(errors.New("db"), map[string]any{"b": 2}),
		xerrors.New("plain"),
	}
	for _, v := range thrown {
		first := errMW(ctx, req, v)
		second := errMW(ctx, req, v)
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("error middleware not idempotent for %T:\n%+v\n%+v", v, first, second)
		}
	}
}

// Wrapper

func TestNew_EndToEnd(t *testing.T) {
	spy := &spySink{}
	a := New(spy)
	a.Get("/v1/items/{id}", func(_ context.Context, req *router.Request) (*router.Response, error) {
		if req.Param("id") == "secret" {
			return nil, apierr.Forbidden("tests-error-message", map[string]any{"id": "secret"})
		}
		return &router.Response{StatusCode: http.StatusOK, Body: map[string]any{"id": req.Param("id")}}, nil
	})

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/items/secret", http.NoBody))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["title"] != "tests-error-message" {
		t.Fatalf("body = %v", body)
	}
	if d, _ := body["details"].(map[string]any); d["id"] != "secret" {
		t.Fatalf("details = %v", body["details"])
	}

	var titles []string
	for _, r := range spy.all() {
		titles = append(titles, r.Title)
	}
	if got := strings.Join(titles, ","); got != "RequestLogger,ErrorLogger,ResponseLogger" {
		t.Fatalf("record titles = %s", got)
	}
}

func TestNew_PanicBecomesUnexpected(t *testing.T) {
	spy := &spySink{}
	a := New(spy)
	a.Get("/boom", func(context.Context, *router.Request) (*router.Response, error) {
		var m map[string]int
		m["x"] = 1
		return nil, nil
	})

	resp := a.Invoke(context.Background(), httptest.NewRequest(http.MethodGet, "/boom", http.NoBody))

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := resp.Body.(errorBody)
	if body.Title != "Unexpected error" {
		t.Fatalf("title = %q", body.Title)
	}
	d := body.Details.(unexpectedDetails)
	if !strings.Contains(d.Message, "nil map") || d.Stack == "" {
		t.Fatalf("details = %+v", d)
	}
	var critical int
	for _, r := range spy.all() {
		if r.Level == LevelCritical {
			critical++
		}
	}
	if critical != 1 {
		t.Fatalf("critical records = %d, want 1", critical)
	}
}

func TestNew_UnknownRouteIsNotFound(t *testing.T) {
	a := New(&spySink{})
	resp := a.Invoke(context.Background(), httptest.NewRequest(http.MethodGet, "/nope", http.NoBody))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Body.(errorBody).Title != "Not Found" {
		t.Fatalf("body = %+v", resp.Body)
	}
}

func TestNew_NilSink(t *testing.T) {
	a := New(nil)
	a.Get("/", func(context.Context, *router.Request) (*router.Response, error) { return nil, errors.New("x") })
	resp := a.Invoke(context.Background(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func titlesOf(recs []Record) string {
	titles := make([]string, 0, len(recs))
	for _, r := range recs {
		titles = append(titles, r.Title)
	}
	return strings.Join(titles, ",")
}

func TestNew_FailRunsHooks(t *testing.T) {
	spy := &spySink{}
	a := New(spy)

	rec := httptest.NewRecorder()
	a.Fail(rec, httptest.NewRequest(http.MethodGet, "/v1/whoami", http.NoBody),
		apierr.Unauthorized("Unauthorized", map[string]any{"reason": "missing"}))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	recs := spy.all()
	if got := titlesOf(recs); got != "RequestLogger,ErrorLogger,ResponseLogger" {
		t.Fatalf("titles = %s", got)
	}
	if recs[0].Fields["path"] != "/v1/whoami" {
		t.Fatalf("request record = %+v", recs[0])
	}
}

func TestNew_UseMiddlewareRejectionIsLogged(t *testing.T) {
	spy := &spySink{}
	a := New(spy)
	a.Use(func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a.Fail(w, r, apierr.TooManyRequests("Slow down", nil))
		})
	})
	a.Get("/v1/items", func(context.Context, *router.Request) (*router.Response, error) {
		t.Fatal("handler must not run")
		return nil, nil
	})

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/items", http.NoBody))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := titlesOf(spy.all()); got != "RequestLogger,ErrorLogger,ResponseLogger" {
		t.Fatalf("titles = %s", got)
	}
}

func TestNew_OversizedBodyIsLogged(t *testing.T) {
	spy := &spySink{}
	a := New(spy, WithEngineOptions(router.WithMaxBody(4)))
	a.Post("/v1/items", func(context.Context, *router.Request) (*router.Response, error) {
		t.Fatal("handler must not run")
		return nil, nil
	})

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/items", strings.NewReader(`{"name":"long"}`)))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
	recs := spy.all()
	if got := titlesOf(recs); got != "RequestLogger,ErrorLogger,ResponseLogger" {
		t.Fatalf("titles = %s", got)
	}
	if recs[0].Fields["method"] != http.MethodPost {
		t.Fatalf("request record = %+v", recs[0])
	}
}

func TestLevel_String(t *testing.T) {
	tests := map[Level]string{
		LevelInfo:     "INFO",
		LevelError:    "ERROR",
		LevelCritical: "CRITICAL",
		Level(99):     "UNKNOWN",
	}
	for l, want := range tests {
		if l.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(l), l.String(), want)
		}
	}
}
