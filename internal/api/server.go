package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"slug/internal/hierarchy"
	"slug/internal/logging"
	"slug/internal/metrics"
	"slug/internal/pipeline"
	"slug/internal/services"
	"slug/internal/supervisor"
)

const maxRunBody = 1 << 20

// Session is the liveness surface of the supervisor.
type Session interface {
	Heartbeat(session string) error
	CloseSession(session string) error
	Health() supervisor.Health
	HeartbeatInterval() time.Duration
	Local() bool
}

// Deps are the collaborators behind the endpoints.
type Deps struct {
	Resolver *hierarchy.Resolver
	Pipeline *pipeline.Pipeline
	Session  Session
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	// Workers bounds in-flight data requests. Zero means unbounded.
	Workers int
}

// Server routes HTTP requests to the resolver, pipeline and supervisor.
type Server struct {
	resolver *hierarchy.Resolver
	pipeline *pipeline.Pipeline
	session  Session
	metrics  *metrics.Metrics
	logger   *slog.Logger
	sem      *semaphore.Weighted
	validate *validator.Validate
}

// New constructs a server. Resolver, Pipeline and Session are required.
func New(deps Deps) (*Server, error) {
	if deps.Resolver == nil || deps.Pipeline == nil || deps.Session == nil {
		return nil, errors.New("api server requires resolver, pipeline and session")
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		return jsonFieldName(f.Tag.Get("json"), f.Name)
	})
	s := &Server{
		resolver: deps.Resolver,
		pipeline: deps.Pipeline,
		session:  deps.Session,
		metrics:  deps.Metrics,
		logger:   logging.NewComponentLogger(deps.Logger, "api"),
		validate: validate,
	}
	if deps.Workers > 0 {
		s.sem = semaphore.NewWeighted(int64(deps.Workers))
	}
	return s, nil
}

// Handler returns the routed handler with admission middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/list", s.route("list", s.limited(s.handleList)))
	mux.Handle("/api/run", s.route("run", s.limited(s.handleRun)))
	mux.Handle("/api/runs", s.route("runs", s.limited(s.handleRuns)))
	mux.Handle("/api/modules", s.route("modules", s.limited(s.handleModules)))
	mux.Handle("/api/status", s.route("status", s.limited(s.handleStatus)))
	mux.Handle("/api/health", s.route("health", s.handleHealth))
	mux.Handle("/api/heartbeat", s.route("heartbeat", s.handleHeartbeat))
	mux.Handle("/api/session/close", s.route("session_close", s.handleSessionClose))
	mux.Handle("/metrics", s.route("metrics", s.handleMetrics))
	mux.Handle("/", s.route("index", s.handleIndex))

	var handler http.Handler = mux
	if s.session.Local() {
		handler = loopbackOnly(handler, s.logger)
	}
	return handler
}

// loopbackOnly refuses requests from non-loopback peers. The listener
// already drops such connections; this guards handlers mounted elsewhere.
// The Host and Origin headers must name this loopback endpoint as well, which
// shuts out other sites in the same browser and DNS rebinding.
func loopbackOnly(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !supervisor.IsLoopbackHost(r.RemoteAddr) {
			logging.WarnWithContext(logger, "non-loopback request refused", "request_refused",
				logging.String("remote", r.RemoteAddr),
				logging.String("path", r.URL.Path),
			)
			writeJSON(logger, w, http.StatusForbidden, ErrorResponse{Error: "local mode accepts loopback clients only"})
			return
		}
		localPort := ""
		if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
			_, localPort, _ = net.SplitHostPort(addr.String())
		}
		origin := r.Header.Get("Origin")
		if !localAuthority(r.Host, localPort) || (origin != "" && !localOrigin(origin, localPort)) {
			logging.WarnWithContext(logger, "foreign host or origin refused", "request_refused",
				logging.String("host", r.Host),
				logging.String("origin", origin),
				logging.String("path", r.URL.Path),
			)
			writeJSON(logger, w, http.StatusForbidden, ErrorResponse{Error: "request must address the local service"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// localAuthority reports whether hostport names localhost or a loopback
// address, on port when port is known.
func localAuthority(hostport, port string) bool {
	host, p, err := net.SplitHostPort(hostport)
	if err != nil {
		host, p = strings.Trim(hostport, "[]"), ""
	}
	if port != "" && p != port {
		return false
	}
	return strings.EqualFold(host, "localhost") || supervisor.IsLoopbackHost(host)
}

func localOrigin(origin, port string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme != "http" {
		return false
	}
	return localAuthority(u.Host, port)
}

// route tags the request with an id and records the reply code.
func (s *Server) route(name string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := services.WithRequestID(r.Context(), uuid.NewString())
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(rec, r.WithContext(ctx))
		s.metrics.HTTPRequest(name, rec.status)
		logging.WithContext(ctx, s.logger).Debug("request served",
			logging.String("route", name),
			logging.String("method", r.Method),
			logging.Int("status", rec.status),
			logging.Duration("elapsed", time.Since(start)),
		)
	})
}

// limited holds one of server.workers slots for the life of the request.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	if s.sem == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.sem.Acquire(r.Context(), 1); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, "request abandoned while waiting for a worker", "")
			return
		}
		defer s.sem.Release(1)
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	listing, err := s.resolver.List(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		s.writeError(w, http.StatusUnsupportedMediaType, "request body must be application/json", "")
		return
	}
	var req RunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRunBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, validationMessage(err), services.ErrorKind(services.ErrValidation))
		return
	}

	res, err := s.pipeline.Run(r.Context(), strings.TrimSpace(req.Module), req.Path, req.Options, pipeline.RunOptions{Wait: req.Wait})
	if err != nil && !errors.Is(err, services.ErrModuleFailed) {
		s.writeJSON(w, statusFor(err), res)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	state := strings.TrimSpace(r.URL.Query().Get("state"))
	if state != "" && state != pipeline.RecordRunning && state != pipeline.RecordCompleted {
		s.writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("state must be %s or %s", pipeline.RecordRunning, pipeline.RecordCompleted), services.ErrorKind(services.ErrValidation))
		return
	}
	records, err := s.pipeline.Records().List(state)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	if records == nil {
		records = []pipeline.RunRecord{}
	}
	s.writeJSON(w, http.StatusOK, RunsResponse{Runs: records})
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	modules := s.pipeline.Registry().List()
	out := make([]ModuleInfo, 0, len(modules))
	for _, m := range modules {
		out = append(out, FromModule(m))
	}
	s.writeJSON(w, http.StatusOK, ModulesResponse{Modules: out})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	query := r.URL.Query()
	path := query.Get("path")
	if module := strings.TrimSpace(query.Get("module")); module != "" {
		st, err := s.pipeline.Status(r.Context(), module, path)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, StatusResponse{Path: st.Target, Modules: []pipeline.ModuleStatus{st}})
		return
	}
	statuses, err := s.pipeline.StatusAll(r.Context(), path)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := StatusResponse{Path: strings.Trim(path, "/"), Modules: statuses}
	if len(statuses) > 0 {
		resp.Path = statuses[0].Target
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	h := s.session.Health()
	s.writeJSON(w, http.StatusOK, HealthResponse{
		State:         h.State,
		StateLabel:    h.State.Label(),
		Mode:          h.Mode,
		Address:       h.Address,
		Heartbeats:    h.Heartbeats,
		LastHeartbeat: h.LastHeartbeat,
		Modules:       len(s.pipeline.Registry().List()),
		ShuttingDown:  s.pipeline.ShuttingDown(),
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	if err := s.session.Heartbeat(r.URL.Query().Get("session")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	if err := s.session.CloseSession(r.URL.Query().Get("session")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.writeError(w, http.StatusNotFound, "metrics disabled", "")
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrLockContention):
		return http.StatusConflict
	case errors.Is(err, services.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	s.writeError(w, statusFor(err), err.Error(), services.ErrorKind(err))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(s.logger, w, status, payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message, kind string) {
	s.writeJSON(w, status, ErrorResponse{Error: message, Kind: kind})
}

func writeJSON(logger *slog.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed to encode response", logging.Error(err))
	}
}

func jsonFieldName(tag, fallback string) string {
	name, _, _ := strings.Cut(tag, ",")
	if name == "" || name == "-" {
		return fallback
	}
	return name
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
	}
	return "invalid request: " + strings.Join(parts, "; ")
}
