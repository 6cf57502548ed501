package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/observability"
)

const headerRequestID = "X-Request-ID"

// maxRequestIDLen caps caller-supplied ids before they reach logs.
const maxRequestIDLen = 128

type scopeKey int

const (
	scopeRequestID scopeKey = iota
	scopeLogger
)

// registerMiddleware installs, outermost first: request scope, metrics and
// access log, panic recovery. Recovery sits inside instrument so a panic is
// still counted as a 500.
func (s *Server) registerMiddleware() {
	s.mux.Use(s.withRequestScope, s.instrument, s.recoverPanics)
}

// withRequestScope gives every request an id, echoed in X-Request-ID, and a
// logger carrying it.
func (s *Server) withRequestScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		ctx := context.WithValue(r.Context(), scopeRequestID, id)
		ctx = context.WithValue(ctx, scopeLogger, s.logger.With("request_id", id, "route", routeTemplate(r)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

// log returns the request-scoped logger, or the server logger outside a request.
func (s *Server) log(r *http.Request) *slog.Logger {
	if l, ok := r.Context().Value(scopeLogger).(*slog.Logger); ok {
		return l
	}
	return s.logger
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(scopeRequestID).(string)
	return id
}

// instrument records request metrics by route template and writes one access
// log line per request. Health checks and scrapes log at debug.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(began)

		route := routeTemplate(r)
		code := rec.status()
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(code)).Observe(elapsed.Seconds())

		level := slog.LevelInfo
		switch {
		case code >= http.StatusInternalServerError:
			level = slog.LevelWarn
		case route == "/healthz" || route == "/metrics":
			level = slog.LevelDebug
		}
		s.log(r).LogAttrs(r.Context(), level, "http_request",
			slog.String("method", r.Method),
			slog.Int("status", code),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("client_ip", clientIP(r)),
		)
	})
}

// recoverPanics turns a handler panic into a JSON 500 unless the handler had
// already started its response. http.ErrAbortHandler is passed through.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			s.log(r).Error("handler panicked", "panic", v, "stack", string(debug.Stack()))
			if rec, ok := w.(*statusRecorder); ok && rec.code != 0 {
				return
			}
			writeJSON(w, http.StatusInternalServerError, internalError(r))
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder remembers the first status written; zero means nothing was
// written yet.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.code == 0 {
		sr.code = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.code == 0 {
		sr.code = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) status() int {
	if sr.code == 0 {
		return http.StatusOK
	}
	return sr.code
}

// Hijack lets websocket upgrades through the recorder.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	sr.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// clientIP prefers the first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
