package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"slug/internal/config"
	"slug/internal/logging"
	"slug/internal/metrics"
	"slug/internal/services"
)

// Drainer is the part of the pipeline the supervisor stops on shutdown.
// DrainTimeout bounds the wait for runs in flight; it is independent of the
// HTTP shutdown grace.
type Drainer interface {
	BeginShutdown()
	Drain(ctx context.Context) error
	DrainTimeout() time.Duration
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLauncher replaces the browser launcher.
func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.launcher = l
		}
	}
}

// WithTimings overrides the configured liveness intervals.
func WithTimings(t Timings) Option {
	return func(s *Supervisor) { s.timings = t }
}

// WithParentPID stops the service once pid is gone. Zero disables the watch.
func WithParentPID(pid int) Option {
	return func(s *Supervisor) { s.parentPID = pid }
}

// WithMetrics counts heartbeats on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// Health is the externally visible supervisor status.
type Health struct {
	State         State     `json:"state"`
	Mode          string    `json:"mode"`
	Address       string    `json:"address,omitempty"`
	Heartbeats    int       `json:"heartbeats"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitzero"`
}

// Supervisor owns the HTTP listener and the service lifecycle.
type Supervisor struct {
	cfg       *config.Config
	drainer   Drainer
	logger    *slog.Logger
	metrics   *metrics.Metrics
	launcher  Launcher
	timings   Timings
	grace     time.Duration
	parentPID int
	local     bool

	mu       sync.Mutex
	state    State
	session  string
	url      string
	listener net.Listener
	server   *http.Server
	live     *liveness
	serveErr chan error
	stopping chan struct{}
	stopped  chan struct{}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// New constructs a stopped supervisor. drainer may be nil when no pipeline
// is attached.
func New(cfg *config.Config, drainer Drainer, logger *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		drainer:  drainer,
		logger:   logging.NewComponentLogger(logger, "supervisor"),
		launcher: NewLauncher(cfg.Server.BrowserCommand),
		timings: Timings{
			Interval:   seconds(cfg.Server.HeartbeatInterval),
			Timeout:    seconds(cfg.Server.HeartbeatTimeout),
			Connect:    seconds(cfg.Server.ConnectTimeout),
			CloseGrace: seconds(cfg.Server.CloseGrace),
		},
		grace: seconds(cfg.Server.ShutdownGrace),
		local: cfg.IsLocalMode(),
		state: StateStopped,
	}
	if cfg.Server.WatchParent {
		s.parentPID = os.Getppid()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// URL returns the session URL opened in the browser.
func (s *Supervisor) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Addr returns the bound listener address, or "" before Start.
func (s *Supervisor) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// SessionID returns the id carried by the session URL.
func (s *Supervisor) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Local reports whether the loopback guarantee applies.
func (s *Supervisor) Local() bool { return s.local }

// HeartbeatInterval is the period the page should use between heartbeats.
func (s *Supervisor) HeartbeatInterval() time.Duration { return s.timings.Interval }

// Health reports state and liveness for the health endpoint.
func (s *Supervisor) Health() Health {
	s.mu.Lock()
	h := Health{State: s.state, Mode: s.cfg.Server.Mode}
	if s.listener != nil {
		h.Address = s.listener.Addr().String()
	}
	live := s.live
	s.mu.Unlock()
	if live != nil {
		h.LastHeartbeat, h.Heartbeats = live.snapshot()
	}
	return h
}

func (s *Supervisor) setStateLocked(to State) error {
	from := s.state
	if !canTransition(from, to) {
		return fmt.Errorf("invalid state transition %s -> %s", from, to)
	}
	s.state = to
	s.logger.Info("service state changed",
		logging.String(logging.FieldEventType, "state_change"),
		logging.String(logging.FieldState, string(to)),
		logging.String("from", string(from)),
	)
	return nil
}

func (s *Supervisor) setState(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStateLocked(to)
}

func (s *Supervisor) bindAddress() string {
	if s.local {
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(s.cfg.Server.Port))
	}
	return s.cfg.Server.NetworkBind
}

// Start binds the listener and serves handler. In local mode it then opens
// the browser on the session URL. A bind failure leaves the supervisor
// failed, launches nothing, and returns ErrPortBind.
func (s *Supervisor) Start(ctx context.Context, handler http.Handler) error {
	if err := s.setState(StateStarting); err != nil {
		return err
	}
	addr := s.bindAddress()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = s.setState(StateFailed)
		logging.ErrorWithContext(s.logger, "listener bind failed", "bind_failed",
			logging.String("address", addr),
			logging.String(logging.FieldErrorHint, "pick another port with --port or stop the process holding it"),
			logging.Error(err),
		)
		return services.Wrap(services.ErrPortBind, "supervisor", "bind", fmt.Sprintf("cannot listen on %s", addr), err)
	}
	if s.local {
		ln = loopbackListener{Listener: ln, logger: s.logger}
	}

	session := uuid.NewString()
	url := fmt.Sprintf("http://%s/?session=%s", ln.Addr().String(), session)
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
	}
	serveErr := make(chan error, 1)

	s.mu.Lock()
	s.listener = ln
	s.server = server
	s.session = session
	s.url = url
	s.live = newLiveness(s.timings, nil)
	s.serveErr = serveErr
	s.stopping = make(chan struct{})
	s.stopped = make(chan struct{})
	_ = s.setStateLocked(StateRunning)
	s.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if !s.local {
		logging.WarnWithContext(s.logger, "network mode: service is reachable from other machines", "network_mode",
			logging.String("address", ln.Addr().String()),
			logging.String(logging.FieldErrorHint, "use --mode=local unless remote access is required"),
			logging.String(logging.FieldImpact, "no loopback restriction, no authentication, no liveness shutdown"),
		)
		return nil
	}

	s.logger.Info("service listening",
		logging.String(logging.FieldEventType, "service_listening"),
		logging.String("address", ln.Addr().String()),
		logging.String("url", url),
	)
	if s.cfg.Server.OpenBrowser {
		if err := s.launcher.Open(ctx, url); err != nil {
			logging.WarnWithContext(s.logger, "browser launch failed", "browser_launch_failed",
				logging.String("url", url),
				logging.String(logging.FieldErrorHint, "open the URL manually"),
				logging.String(logging.FieldImpact, "service stops after connect_timeout unless a page connects"),
				logging.Error(err),
			)
		}
	}
	return nil
}

// Run starts the service and blocks until it has stopped: ctx is done, the
// page session ends, the parent process exits, or Stop is called. A serve
// error leaves the supervisor failed.
func (s *Supervisor) Run(ctx context.Context, handler http.Handler) error {
	if err := s.Start(ctx, handler); err != nil {
		return err
	}
	reason, serveErr := s.wait(ctx)
	if serveErr != nil {
		logging.ErrorWithContext(s.logger, "http server failed", "serve_failed",
			logging.String(logging.FieldErrorHint, "restart slug; check the log for the listener error"),
			logging.Error(serveErr),
		)
		stopErr := s.shutdown(reason, StateFailed)
		return errors.Join(fmt.Errorf("serve: %w", serveErr), stopErr)
	}
	return s.Stop(reason)
}

func (s *Supervisor) wait(ctx context.Context) (string, error) {
	s.mu.Lock()
	live, serveErr, stopping := s.live, s.serveErr, s.stopping
	s.mu.Unlock()

	ticker := time.NewTicker(s.timings.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "interrupted", nil
		case <-stopping:
			return "stop requested", nil
		case err := <-serveErr:
			return "server error", err
		case <-ticker.C:
			if s.local {
				if reason, ok := live.expired(); ok {
					return reason, nil
				}
			}
			if parentGone(s.parentPID) {
				return "parent process exited", nil
			}
		}
	}
}

// Stop shuts the service down: new runs are rejected and the listener is
// closed at once, HTTP requests in flight get the shutdown grace, then module
// runs in flight are drained to completion. Concurrent callers wait for the
// first to finish.
func (s *Supervisor) Stop(reason string) error {
	return s.shutdown(reason, StateStopping)
}

// shutdown tears the service down. during is StateStopping for a requested
// stop and StateFailed after a serve error; the latter stays failed.
func (s *Supervisor) shutdown(reason string, during State) error {
	s.mu.Lock()
	if s.state != StateRunning {
		stopped := s.stopped
		s.mu.Unlock()
		if stopped != nil {
			<-stopped
		}
		return nil
	}
	_ = s.setStateLocked(during)
	server, ln, stopping, stopped := s.server, s.listener, s.stopping, s.stopped
	s.mu.Unlock()
	close(stopping)

	s.logger.Info("service stopping",
		logging.String(logging.FieldEventType, "service_stopping"),
		logging.String("reason", reason),
	)
	if s.drainer != nil {
		s.drainer.BeginShutdown()
	}

	httpCtx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()
	if err := server.Shutdown(httpCtx); err != nil {
		_ = server.Close()
		logging.WarnWithContext(s.logger, "http requests still open at shutdown", "http_shutdown_forced",
			logging.String(logging.FieldErrorHint, "raise server.shutdown_grace"),
			logging.String(logging.FieldImpact, "open requests were cut off; module runs they started still finish"),
			logging.Error(err),
		)
	}
	var errs []error
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("close listener: %w", err))
	}
	if err := s.drain(); err != nil {
		errs = append(errs, err)
	}

	if during == StateStopping {
		s.mu.Lock()
		_ = s.setStateLocked(StateStopped)
		s.mu.Unlock()
	}
	close(stopped)
	s.logger.Info("service stopped",
		logging.String(logging.FieldEventType, "service_stopped"),
		logging.String("reason", reason),
	)
	return errors.Join(errs...)
}

// drain waits for module runs in flight. The deadline covers the longest
// module timeout, so it only expires when a run outlives its own limit.
func (s *Supervisor) drain() error {
	if s.drainer == nil {
		return nil
	}
	timeout := s.drainer.DrainTimeout()
	if timeout < s.grace {
		timeout = s.grace
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	start := time.Now()
	if err := s.drainer.Drain(ctx); err != nil {
		logging.ErrorWithContext(s.logger, "module runs outlived their timeout at shutdown", "drain_incomplete",
			logging.Duration("waited", time.Since(start)),
			logging.String(logging.FieldErrorHint, "inspect runs/running for the stuck run"),
			logging.String(logging.FieldImpact, "unfinished runs keep their records under runs/running"),
			logging.Error(err),
		)
		return fmt.Errorf("drain runs: %w", err)
	}
	if waited := time.Since(start); waited > s.grace {
		s.logger.Info("module runs drained",
			logging.String(logging.FieldEventType, "drain_complete"),
			logging.Duration("waited", waited),
		)
	}
	return nil
}

// Heartbeat records a page heartbeat for session.
func (s *Supervisor) Heartbeat(session string) error {
	live, err := s.sessionLiveness(session)
	if err != nil {
		return err
	}
	live.heartbeat()
	s.metrics.Heartbeat()
	if _, beats := live.snapshot(); beats == 1 {
		s.logger.Info("page connected", logging.String(logging.FieldEventType, "page_connected"))
	}
	return nil
}

// CloseSession records a page-unload beacon. The service stops after the
// close grace unless a heartbeat arrives first.
func (s *Supervisor) CloseSession(session string) error {
	live, err := s.sessionLiveness(session)
	if err != nil {
		return err
	}
	live.closeBeacon()
	s.logger.Info("page closed; waiting for reconnect",
		logging.String(logging.FieldEventType, "page_closed"),
		logging.Duration("grace", s.timings.CloseGrace),
	)
	return nil
}

func (s *Supervisor) sessionLiveness(session string) (*liveness, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning || s.live == nil {
		return nil, services.Wrap(services.ErrShuttingDown, "supervisor", "heartbeat", "service is not running", nil)
	}
	if session != s.session {
		return nil, services.Wrap(services.ErrNotFound, "supervisor", "heartbeat", "unknown session", nil)
	}
	return s.live, nil
}
