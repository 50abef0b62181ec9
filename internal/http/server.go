package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-watch/internal/auth"
	"github.com/example/ride-watch/internal/broadcast"
	"github.com/example/ride-watch/internal/dispatch"
	"github.com/example/ride-watch/internal/ingest"
	"github.com/example/ride-watch/internal/models"
)

const (
	defaultBindTimeout = 10 * time.Second
	defaultTokenTTL    = 12 * time.Hour
	maxBodyBytes       = 1 << 20
)

// Ready reports whether a backing dependency is reachable.
type Ready func(r *http.Request) error

type Server struct {
	disp        *dispatch.Dispatcher
	gateway     *ingest.Gateway
	hub         *broadcast.Hub
	verifier    *auth.Verifier
	ready       Ready
	logger      *slog.Logger
	bindTimeout time.Duration
	pongWait    time.Duration // zero uses the websocket default
	tokenTTL    time.Duration
	mux         *mux.Router
}

type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Gateway    *ingest.Gateway
	Hub        *broadcast.Hub
	// Verifier may be nil, in which case channel binds are not checked.
	Verifier *auth.Verifier
	Ready    Ready
	Logger   *slog.Logger
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{
		disp:        d.Dispatcher,
		gateway:     d.Gateway,
		hub:         d.Hub,
		verifier:    d.Verifier,
		ready:       d.Ready,
		logger:      d.Logger,
		bindTimeout: defaultBindTimeout,
		tokenTTL:    defaultTokenTTL,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	s.mux.HandleFunc("/rides", s.handleListRides).Methods(http.MethodGet)
	s.mux.HandleFunc("/rides/nearby", s.handleNearby).Methods(http.MethodGet)
	s.mux.HandleFunc("/rides/{rideId}", s.handleGetRide).Methods(http.MethodGet)
	s.mux.HandleFunc("/rides/{rideId}/alerts", s.handleAlerts).Methods(http.MethodGet)
	s.mux.HandleFunc("/rides/{rideId}/end", s.handleEndRide).Methods(http.MethodPost)
	s.mux.HandleFunc("/rides/{rideId}/panic", s.handlePanic).Methods(http.MethodPost)
	s.mux.HandleFunc("/rides/{rideId}/samples", s.handleSample).Methods(http.MethodPut)
	s.mux.HandleFunc("/samples", s.handleLooseSample).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/rides", s.handleRiderChannel)
	s.mux.HandleFunc("/ws/subscribe/{rideId}", s.handleSubscribe)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrAlreadyExists), errors.Is(err, models.ErrStaleSample):
		return http.StatusConflict
	case errors.Is(err, models.ErrDependencyTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log(r).ErrorContext(r.Context(), "request failed", "route", routeTemplate(r), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
