package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// QueryObserver receives per-query timings.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

type (
	queryStateKey struct{}
	methodKey     struct{}
	dbStatsKey    struct{}
)

// ReqDBStats accumulates the queries issued on behalf of one request.
type ReqDBStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
}

// AddQuery records a single query execution.
func (s *ReqDBStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

// NewReqDBStatsContext returns a context carrying an empty ReqDBStats.
func NewReqDBStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, dbStatsKey{}, &ReqDBStats{})
}

// ReqDBStatsFromContext returns the ReqDBStats in ctx, if any.
func ReqDBStatsFromContext(ctx context.Context) (*ReqDBStats, bool) {
	s, ok := ctx.Value(dbStatsKey{}).(*ReqDBStats)
	return s, ok
}

// WithHTTPMethod stores the HTTP method for query metric labels.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, methodKey{}, method)
}

func httpMethodFromContext(ctx context.Context) string {
	v, _ := ctx.Value(methodKey{}).(string)
	return v
}

// queryLabels returns the method and route labels for a query. Queries
// issued outside a request are labelled as background work.
func queryLabels(ctx context.Context) (method, route string) {
	method = httpMethodFromContext(ctx)
	if rc := chi.RouteContext(ctx); rc != nil {
		route = rc.RoutePattern()
	}
	if method == "" {
		method = "NONE"
	}
	if route == "" {
		route = "background"
	}
	return method, route
}

type queryState struct {
	sql     string
	args    []any
	start   time.Time
	caller  string
	handler string
}

// queryTracer wraps otelpgx with query logging, per-request stats and the
// observer hook.
type queryTracer struct {
	inner     pgx.QueryTracer
	logger    log.Logger
	observer  QueryObserver
	slowQuery time.Duration
	now       func() time.Time
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	st := &queryState{sql: data.SQL, args: data.Args, start: t.now()}
	st.caller, st.handler = findDBCallerAndHandler()

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if st.caller != "" {
			span.SetAttributes(attribute.String("db.caller", st.caller))
		}
		if st.handler != "" {
			span.SetAttributes(attribute.String("db.handler", st.handler))
		}
	}
	return context.WithValue(ctx, queryStateKey{}, st)
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}
	st, ok := ctx.Value(queryStateKey{}).(*queryState)
	if !ok {
		return
	}
	dur := t.now().Sub(st.start)

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}
	if t.observer != nil {
		method, route := queryLabels(ctx)
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		t.observer.ObserveQuery(ctx, method, route, outcome, dur)
	}

	if data.Err == nil && dur < t.slowQuery {
		return
	}
	L := t.logger
	if L == nil {
		L = log.FromContext(ctx)
	}
	fields := queryFields(st, dur, data)
	if data.Err != nil {
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

func queryFields(st *queryState, dur time.Duration, data pgx.TraceQueryEndData) []any {
	fields := []any{
		"db.statement", st.sql,
		"db.args", len(st.args),
		"db.duration", dur.Seconds(),
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		if op, _, _ := strings.Cut(tag, " "); op != "" {
			fields = append(fields, "db.operation.name", strings.ToUpper(op))
		}
		fields = append(fields, "db.rows", data.CommandTag.RowsAffected())
	}
	if st.caller != "" {
		fields = append(fields, "db.caller", st.caller)
	}
	if st.handler != "" {
		fields = append(fields, "db.handler", st.handler)
	}
	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
	}
	return fields
}

// findDBCallerAndHandler walks the stack for the first application frame
// issuing the query and the next frame above it outside this package.
func findDBCallerAndHandler() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		skip := strings.HasPrefix(fn, "runtime.") ||
			strings.Contains(fn, "github.com/jackc/pgx/v5") ||
			strings.Contains(fn, "github.com/exaring/otelpgx") ||
			strings.Contains(fn, "queryTracer.TraceQuery")
		switch {
		case skip || fn == "":
		case caller == "":
			caller = shortenFuncName(fn)
		case !strings.Contains(fn, "github.com/linnemanlabs/palisade/internal/postgres."):
			return caller, shortenFuncName(fn)
		}
		if !more {
			return caller, handler
		}
	}
}

// shortenFuncName drops the import path and package name, keeping the
// receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
