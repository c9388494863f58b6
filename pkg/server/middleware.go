package server

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/nicktill/timeindex/pkg/metrics"
)

// unmatchedRoute labels requests no route matched
const unmatchedRoute = "unmatched"

// instrumentMiddleware records request count and latency per route
// template and logs each request at debug level. m may be nil.
func instrumentMiddleware(m *metrics.Metrics, log zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			elapsed := time.Since(start)
			route := routeTemplate(r)
			if m != nil {
				m.RecordHTTPRequest(r.Method, route, rw.statusCode, elapsed)
			}
			log.Debug().
				Str("method", r.Method).
				Str("route", route).
				Int("status", rw.statusCode).
				Dur("elapsed", elapsed).
				Msg("request served")
		})
	}
}

// routeTemplate returns the matched mux template, e.g.
// /v1/indexes/{index}/links, so ids never become label values
func routeTemplate(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return unmatchedRoute
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return unmatchedRoute
	}
	return tpl
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the wrapper
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
