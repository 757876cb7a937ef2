package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/heroku/webauthn-rp/rp"
	"github.com/heroku/webauthn-rp/webauthn"
)

// Config holds the server's configuration options.
type Config struct {
	// Service performs the ceremonies the HTTP handlers front.
	Service *rp.Service

	// List of allowed origins for CORS requests on the ceremony endpoints.
	// If none are indicated, CORS requests are disabled. Passing in "*"
	// will allow any domain.
	AllowedOrigins []string

	Logger logrus.FieldLogger

	PrometheusRegistry *prometheus.Registry
}

// Server is the top level object.
type Server struct {
	service *rp.Service

	mux *mux.Router

	ceremonyCounter *prometheus.CounterVec

	logger logrus.FieldLogger
}

// New constructs a server from the provided config.
func New(c Config) (*Server, error) {
	if c.Service == nil {
		return nil, errors.New("server: service cannot be nil")
	}
	logger := c.Logger
	if logger == nil {
		logger = logrus.New()
	}

	s := &Server{
		service: c.Service,
		logger:  logger,
	}

	requestCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Count of all HTTP requests.",
	}, []string{"handler", "code", "method"})

	s.ceremonyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webauthn_ceremonies_total",
		Help: "Count of finished WebAuthn ceremonies by outcome.",
	}, []string{"ceremony", "outcome"})

	if c.PrometheusRegistry != nil {
		if err := c.PrometheusRegistry.Register(requestCounter); err != nil {
			return nil, errors.Wrap(err, "server: failed to register Prometheus HTTP metrics")
		}
		if err := c.PrometheusRegistry.Register(s.ceremonyCounter); err != nil {
			return nil, errors.Wrap(err, "server: failed to register Prometheus ceremony metrics")
		}
	}

	instrumentHandlerCounter := func(handlerName string, handler http.Handler) http.HandlerFunc {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, w, r)
			requestCounter.With(prometheus.Labels{"handler": handlerName, "code": strconv.Itoa(m.Code), "method": r.Method}).Inc()
		})
	}

	r := mux.NewRouter()
	handleWithCORS := func(p string, h http.HandlerFunc) {
		var handler http.Handler = instrumentHandlerCounter(p, h)
		if len(c.AllowedOrigins) > 0 {
			// The front end sends credentialed requests, so the responses
			// must opt in to Access-Control-Allow-Credentials.
			handler = handlers.CORS(
				handlers.AllowedOrigins(c.AllowedOrigins),
				handlers.AllowedHeaders([]string{"Content-Type"}),
				handlers.AllowCredentials(),
			)(handler)
		}
		r.Handle(p, handler).Methods("POST", "OPTIONS")
	}

	handleWithCORS("/api/register/options", s.handleRegisterOptions)
	handleWithCORS("/api/register/verify", s.handleRegisterVerify)
	handleWithCORS("/api/auth/options", s.handleAuthOptions)
	handleWithCORS("/api/auth/verify", s.handleAuthVerify)
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.NotFoundHandler = http.HandlerFunc(http.NotFound)
	s.mux = r

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// optionsRequest starts either ceremony.
type optionsRequest struct {
	Email string `json:"email"`
}

// verifyRequest finishes either ceremony. The challenge echoes the one the
// options carried; the authoritative copy is the stored one.
type verifyRequest struct {
	Email     string                        `json:"email"`
	Challenge webauthn.URLEncodedBase64     `json:"challenge"`
	Response  *webauthn.PublicKeyCredential `json:"response"`
}

type verifiedResponse struct {
	Verified bool `json:"verified"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (s *Server) handleRegisterOptions(w http.ResponseWriter, r *http.Request) {
	var req optionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	opts, err := s.service.BeginRegistration(r.Context(), req.Email)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, opts)
}

func (s *Server) handleRegisterVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.service.FinishRegistration(r.Context(), req.Email, req.Challenge, req.Response); err != nil {
		s.ceremonyCounter.WithLabelValues("registration", "failure").Inc()
		s.writeServiceError(w, r, err)
		return
	}

	s.ceremonyCounter.WithLabelValues("registration", "success").Inc()
	s.writeJSON(w, http.StatusOK, &verifiedResponse{Verified: true})
}

func (s *Server) handleAuthOptions(w http.ResponseWriter, r *http.Request) {
	var req optionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	opts, err := s.service.BeginAuthentication(r.Context(), req.Email)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, opts)
}

func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.service.FinishAuthentication(r.Context(), req.Email, req.Challenge, req.Response); err != nil {
		s.ceremonyCounter.WithLabelValues("authentication", "failure").Inc()
		s.writeServiceError(w, r, err)
		return
	}

	s.ceremonyCounter.WithLabelValues("authentication", "success").Inc()
	s.writeJSON(w, http.StatusOK, &verifiedResponse{Verified: true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// writeServiceError maps a ceremony error to the wire. Lookup failures are
// 404s, verification failures are 400s with a reason string, and store
// failures are 503s with the detail kept server-side.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch cause := errors.Cause(err); cause {
	case rp.ErrUserNotFound:
		s.writeError(w, http.StatusNotFound, "User not found")
		return
	case rp.ErrCredentialNotFound:
		s.writeError(w, http.StatusNotFound, "Credential not found")
		return
	case rp.ErrChallengeMismatch, rp.ErrDuplicateCredential, rp.ErrCounterRollback, rp.ErrMalformedRequest:
		s.writeError(w, http.StatusBadRequest, "Verification failed: "+cause.Error())
		return
	case rp.ErrStoreUnavailable:
		s.logger.WithError(err).Error("storage unavailable")
		s.writeError(w, http.StatusServiceUnavailable, "Service unavailable")
		return
	}

	if kind := webauthn.KindOf(err); kind != "" {
		s.logger.WithField("kind", kind).WithError(err).Info("ceremony verification failed")
		s.writeError(w, http.StatusBadRequest, "Verification failed: "+err.Error())
		return
	}

	s.logger.WithError(err).Error()
	s.writeError(w, http.StatusInternalServerError, "Internal server error")
}

func (s *Server) writeError(w http.ResponseWriter, code int, detail string) {
	s.writeJSON(w, code, &errorResponse{Detail: detail})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error()
	}
}
