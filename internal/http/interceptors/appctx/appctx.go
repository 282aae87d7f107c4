// Package appctx provides the outermost HTTP middleware: every request
// gets a trace id and a trace-scoped logger attached to its context
// before any other interceptor or handler runs.
package appctx

import (
	"net/http"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/appctx"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/reqid"
	"github.com/rs/zerolog"
)

// New returns a new HTTP middleware that stores a trace-scoped logger and
// request id in the context, the same responsibility reva's own appctx
// interceptor has, with the trace id sourced from pkg/reqid (a UUID
// minted per request) instead of an opencensus span — this server has no
// distributed tracing backend to attach spans to.
func New(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return handler(log, h)
	}
}

func handler(log zerolog.Logger, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		trace := reqid.New()
		sub := log.With().Str("traceid", trace).Logger()
		ctx = appctx.WithTrace(ctx, trace)
		ctx = appctx.WithLogger(ctx, &sub)

		w.Header().Set("X-Request-Id", trace)
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}
