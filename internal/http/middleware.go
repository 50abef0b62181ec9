package httpapi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-watch/internal/models"
	"github.com/example/ride-watch/internal/observability"
)

type ctxKey struct{}

// Middleware order matters: the scope is outermost so panics and access
// logs carry the request and ride ids.
func (s *Server) registerMiddleware() {
	s.mux.Use(s.requestScope)
	s.mux.Use(s.recoverPanics)
	s.mux.Use(s.observe)
}

// requestScope tags the request with an id and a logger that carries it,
// plus the ride id on /rides/{rideId}/... and /ws/subscribe/{rideId}.
func (s *Server) requestScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = newID()
		}
		w.Header().Set("X-Request-ID", reqID)

		attrs := []any{"request_id", reqID}
		if rideID := mux.Vars(r)["rideId"]; rideID != "" {
			attrs = append(attrs, "ride_id", rideID)
		}
		ctx := context.WithValue(r.Context(), ctxKey{}, s.logger.With(attrs...))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// log returns the request's scoped logger.
func (s *Server) log(r *http.Request) *slog.Logger {
	if l, ok := r.Context().Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return s.logger
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.log(r).Error("handler panic", "panic", rec, "stack", string(debug.Stack()))
			s.writeError(w, r, fmt.Errorf("%w: %v", models.ErrInvariantViolation, rec))
		}()
		next.ServeHTTP(w, r)
	})
}

// observe records request metrics and the access log. A websocket upgrade
// is a session, not a request: once hijacked it is counted in the session
// gauge and histogram and kept out of the request latency histogram.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := routeTemplate(r)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if websocket.IsWebSocketUpgrade(r) {
			rec.onHijack = func() { observability.WSSessionsOpen.WithLabelValues(route).Inc() }
		}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		if rec.hijacked {
			observability.WSSessionsOpen.WithLabelValues(route).Dec()
			observability.WSSessionDuration.WithLabelValues(route).Observe(elapsed.Seconds())
			observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(http.StatusSwitchingProtocols)).Inc()
			s.log(r).Info("ws_session", "route", route, "duration_s", elapsed.Seconds(), "remote_addr", remoteIP(r))
			return
		}

		status := strconv.Itoa(rec.status)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())
		s.log(r).Log(r.Context(), accessLevel(route, rec.status), "http_request",
			"method", r.Method,
			"route", route,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
			"remote_addr", remoteIP(r),
		)
	})
}

// accessLevel keeps health checks and scrapes out of the info log.
func accessLevel(route string, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case route == "/healthz" || route == "/ready" || route == "/metrics":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status   int
	hijacked bool
	onHijack func()
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err != nil {
		return nil, nil, err
	}
	r.status = http.StatusSwitchingProtocols
	r.hijacked = true
	if r.onHijack != nil {
		r.onHijack()
	}
	return conn, rw, nil
}

// routeTemplate keeps metric labels bounded: /rides/{rideId} rather than
// one series per ride.
func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
