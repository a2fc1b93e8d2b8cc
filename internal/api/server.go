package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/nerrad567/ovms-bridge/internal/audit"
	"github.com/nerrad567/ovms-bridge/internal/bridges/ovms"
	"github.com/nerrad567/ovms-bridge/internal/device"
	"github.com/nerrad567/ovms-bridge/internal/infrastructure/config"
	"github.com/nerrad567/ovms-bridge/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Session is the part of ovms.Session the API drives.
type Session interface {
	Health() ovms.Health
	SendCommand(ctx context.Context, command, parameters string, timeout time.Duration, commandID string) (ovms.CommandResult, error)
	PlatformsLoaded(ctx context.Context) error
}

// Prober runs diagnostic broker probes. *ovms.Prober satisfies it.
type Prober interface {
	Discover(ctx context.Context, cfg ovms.ProbeConfig) (ovms.ProbeResult, error)
	TestTopicAvailability(ctx context.Context, cfg ovms.ProbeConfig) (ovms.AvailabilityResult, error)
}

// HealthChecker is a dependency reported on /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies of the API server. Only Logger is required;
// endpoints whose dependency is missing answer 503.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	Session       Session
	Prober        Prober
	ProbeDefaults ovms.ProbeConfig
	Entities      *EntityStore
	Devices       *device.Registry

	// Commands records relayed commands under VehicleID. Optional.
	Commands  audit.Repository
	VehicleID string

	// Hub is shared with the session's sink. One is created if nil.
	Hub *Hub

	// Metrics serves /metrics. Optional.
	Metrics http.Handler

	// Checks are reported by name on /health. Optional.
	Checks map[string]HealthChecker

	Version string
}

// Server is the HTTP API server.
type Server struct {
	cfg           config.APIConfig
	wsCfg         config.WebSocketConfig
	secCfg        config.SecurityConfig
	logger        *logging.Logger
	session       Session
	prober        Prober
	probeDefaults ovms.ProbeConfig
	entities      *EntityStore
	devices       *device.Registry
	commands      audit.Repository
	vehicleID     string
	hub           *Hub
	externalHub   bool
	metrics       http.Handler
	checks        map[string]HealthChecker
	limiter       *rate.Limiter
	tickets       *ticketStore
	version       string
	startTime     time.Time

	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates a server. It does not listen until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	s := &Server{
		cfg:           deps.Config,
		wsCfg:         deps.WS,
		secCfg:        deps.Security,
		logger:        deps.Logger,
		session:       deps.Session,
		prober:        deps.Prober,
		probeDefaults: deps.ProbeDefaults,
		entities:      deps.Entities,
		devices:       deps.Devices,
		commands:      deps.Commands,
		vehicleID:     deps.VehicleID,
		hub:           deps.Hub,
		externalHub:   deps.Hub != nil,
		metrics:       deps.Metrics,
		checks:        deps.Checks,
		tickets:       newTicketStore(),
		version:       deps.Version,
		startTime:     time.Now(),
	}
	if s.entities == nil {
		s.entities = NewEntityStore()
	}
	if s.hub == nil {
		s.hub = NewHub(deps.WS, deps.Logger)
	}
	if rl := deps.Security.RateLimit; rl.Enabled && rl.RequestsPerMinute > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(float64(rl.RequestsPerMinute)/60), burst)
	}
	return s, nil
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}
	go s.cleanTicketsLoop(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	s.logger.Info("API server listening", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close waits up to 10 seconds for in-flight requests, then closes the
// remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
