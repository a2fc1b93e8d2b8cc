package ovms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/ovms-bridge/internal/infrastructure/config"
	"github.com/nerrad567/ovms-bridge/internal/infrastructure/mqtt"
)

// Session timing and limits.
const (
	// MaxReconnectAttempts is the ceiling past which reconnection gives up.
	MaxReconnectAttempts = 10

	// maxBackoff caps the reconnect delay.
	maxBackoff = 30 * time.Second

	// connectPollAttempts and connectPollInterval bound the wait for the
	// connected state after the transport connects.
	connectPollAttempts = 10
	connectPollInterval = 500 * time.Millisecond

	// shutdownWait bounds the wait for background tasks during Stop.
	shutdownWait = 2 * time.Second

	// eventQueueSize is the capacity of the processing loop's inbox.
	eventQueueSize = 256

	defaultCommandTimeout = 10 * time.Second
)

// State is the connection state of a Session.
type State string

// Connection states. StateShuttingDown is absorbing.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateShuttingDown State = "shutting_down"
)

// Logger is the structured logger used by the engine.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Recorder receives engine counters. The metrics package implements it.
type Recorder interface {
	MessageReceived(kind string)
	EntityCreated(kind string)
	CommandCompleted(result string)
	Reconnect()
	SetConnected(connected bool)
	SetPendingCommands(n int)
}

type nopRecorder struct{}

func (nopRecorder) MessageReceived(string)  {}
func (nopRecorder) EntityCreated(string)    {}
func (nopRecorder) CommandCompleted(string) {}
func (nopRecorder) Reconnect()              {}
func (nopRecorder) SetConnected(bool)       {}
func (nopRecorder) SetPendingCommands(int)  {}

// Command results reported to the Recorder.
const (
	resultSuccess     = "success"
	resultTimeout     = "timeout"
	resultRateLimited = "rate_limited"
	resultError       = "error"
)

// Transport is the MQTT connection a Session drives. *mqtt.Client
// implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(filter string, qos byte, handler mqtt.MessageHandler) error
	SetOnConnect(callback func())
	SetOnConnectionLost(callback func(err error))
	SetMessageHandler(handler mqtt.MessageHandler)
}

// TransportFactory builds the session transport with its last will.
type TransportFactory func(will *mqtt.Will) Transport

// SessionConfig is the engine's view of the vehicle configuration.
type SessionConfig struct {
	TopicPrefix       string
	TopicStructure    string
	VehicleID         string
	OriginalVehicleID string
	Username          string
	QoS               byte
	CommandTimeout    time.Duration
	RateLimitCalls    int
	RateLimitPeriod   time.Duration
}

// SessionConfigFrom extracts the session settings from the service config.
func SessionConfigFrom(cfg *config.Config) SessionConfig {
	return SessionConfig{
		TopicPrefix:       cfg.OVMS.TopicPrefix,
		TopicStructure:    cfg.OVMS.TopicStructure,
		VehicleID:         cfg.OVMS.VehicleID,
		OriginalVehicleID: cfg.OriginalVehicleID(),
		Username:          cfg.TopicUsername(),
		QoS:               byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0..2
		CommandTimeout:    cfg.GetCommandTimeout(),
		RateLimitCalls:    cfg.OVMS.RateLimit.MaxCalls,
		RateLimitPeriod:   cfg.GetRateLimitPeriod(),
	}
}

// SessionOptions holds the collaborators of a Session.
type SessionOptions struct {
	Config       SessionConfig
	NewTransport TransportFactory

	// Sink receives entity events. Optional.
	Sink EntitySink

	// Firmware receives module firmware versions. Optional.
	Firmware FirmwareUpdater

	// Recorder receives counters. Optional.
	Recorder Recorder

	// Logger is optional structured logger.
	Logger Logger

	// OnStateChange is called after every connection state change. Optional.
	OnStateChange func(State)
}

// Health is a point-in-time snapshot of a Session.
type Health struct {
	State             State    `json:"state"`
	ReconnectCount    int      `json:"reconnect_count"`
	GaveUp            bool     `json:"gave_up"`
	MessageCount      uint64   `json:"message_count"`
	PendingCommands   int      `json:"pending_commands"`
	DiscoveredTopics  int      `json:"discovered_topics"`
	EntityCount       int      `json:"entity_count"`
	StructurePrefix   string   `json:"structure_prefix"`
	Subscriptions     []string `json:"subscriptions"`
	SuggestedUsername string   `json:"suggested_username,omitempty"`
}

type eventKind int

const (
	evMessage eventKind = iota
	evConnected
	evConnectionLost
	evPlatformsLoaded
	evGPSSweep
)

// event is one unit of work for the processing loop.
type event struct {
	kind    eventKind
	topic   string
	payload []byte
	err     error
	done    chan struct{}
}

// Session owns the live broker connection for one vehicle.
//
// Transport callbacks only enqueue events; a single processing loop consumes
// them, so classification, registry updates and command resolution are
// serialised. Reconnection runs on its own goroutine as a bounded loop.
//
// Thread Safety: All exported methods are safe for concurrent use.
type Session struct {
	cfg        SessionConfig
	structure  Structure
	transport  Transport
	router     *Router
	correlator *Correlator
	limiter    *RateLimiter
	recorder   Recorder
	logger     Logger
	onState    func(State)

	sleep        func(ctx context.Context, d time.Duration) error
	pollInterval time.Duration
	sweepEvery   time.Duration
	gpsEvery     time.Duration

	events      chan event
	tasks       *errgroup.Group
	reconnectCh chan struct{}
	stopped     chan struct{}
	done        chan struct{}
	cancel      context.CancelFunc
	stopOnce    sync.Once

	mu             sync.RWMutex
	state          State
	reconnectCount int
	shuttingDown   bool
	gaveUp         bool
	started        bool
	everConnected  bool
	generation     uint64
}

// NewSession creates a disconnected session. Call Start to connect.
func NewSession(opts SessionOptions) (*Session, error) {
	if opts.NewTransport == nil {
		return nil, errors.New("ovms: transport factory is required")
	}
	cfg := opts.Config
	if cfg.VehicleID == "" {
		return nil, errors.New("ovms: vehicle id is required")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "ovms"
	}
	if cfg.TopicStructure == "" {
		cfg.TopicStructure = config.DefaultTopicStructure
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}

	s := &Session{
		cfg:          cfg,
		structure:    NewStructure(cfg.TopicStructure, cfg.TopicPrefix, cfg.VehicleID, cfg.Username),
		correlator:   NewCorrelator(),
		limiter:      NewRateLimiter(cfg.RateLimitCalls, cfg.RateLimitPeriod),
		recorder:     opts.Recorder,
		logger:       opts.Logger,
		onState:      opts.OnStateChange,
		sleep:        sleepContext,
		pollInterval: connectPollInterval,
		sweepEvery:   sweepInterval,
		gpsEvery:     gpsSweepInterval,
		events:       make(chan event, eventQueueSize),
		reconnectCh:  make(chan struct{}, 1),
		stopped:      make(chan struct{}),
		done:         make(chan struct{}),
		state:        StateDisconnected,
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	if s.logger == nil {
		s.logger = nopLogger{}
	}

	s.router = NewRouter(RouterOptions{
		Structure:         s.structure,
		OriginalVehicleID: cfg.OriginalVehicleID,
		Correlator:        s.correlator,
		Sink:              opts.Sink,
		Firmware:          opts.Firmware,
		Recorder:          s.recorder,
		Logger:            s.logger,
	})

	if alt, ok := SuggestUsername(cfg.Username, cfg.VehicleID); ok {
		s.logger.Info("username may not match the usual pattern",
			"username", cfg.Username,
			"alternative", alt)
	}

	s.transport = opts.NewTransport(&mqtt.Will{
		Topic:    s.structure.StatusTopic(),
		Payload:  StatusOffline,
		QoS:      cfg.QoS,
		Retained: true,
	})
	s.transport.SetMessageHandler(s.onMessage)
	s.transport.SetOnConnect(func() { s.enqueue(event{kind: evConnected}) })
	s.transport.SetOnConnectionLost(func(err error) { s.enqueue(event{kind: evConnectionLost, err: err}) })

	return s, nil
}

// Start launches the background tasks and makes the initial connection.
// Only a failure of this initial connect is reported; later network errors
// drive the reconnect loop instead. Call Stop even when Start fails.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.shuttingDown {
		s.mu.Unlock()
		return &Error{Kind: KindUnknown, Op: "connect", Message: "session already started", Err: ErrShuttingDown}
	}
	s.started = true
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	s.tasks = g
	g.Go(func() error { return s.loop(gctx) })
	g.Go(func() error { return s.reconnector(gctx) })
	g.Go(func() error { return s.sweepCommands(gctx) })
	g.Go(func() error { return s.sweepGPS(gctx) })
	go func() {
		_ = g.Wait() //nolint:errcheck // tasks only return on cancellation
		close(s.done)
	}()

	s.setState(StateConnecting)
	s.logger.Info("connecting to MQTT broker", "structure_prefix", s.structure.Prefix)

	if err := s.transport.Connect(ctx); err != nil {
		s.setState(StateDisconnected)
		return s.connectError(err)
	}

	for i := 0; i < connectPollAttempts; i++ {
		if s.State() == StateConnected {
			return nil
		}
		if err := s.sleep(ctx, s.pollInterval); err != nil {
			return newError("connect", "interrupted waiting for MQTT connection", err)
		}
	}
	if s.State() == StateConnected {
		return nil
	}
	return &Error{
		Kind:    KindTimeout,
		Op:      "connect",
		Message: "timed out waiting for MQTT connection",
		Debug:   map[string]any{"structure_prefix": s.structure.Prefix},
	}
}

func (s *Session) connectError(err error) *Error {
	return connectFailure("connect", err, map[string]any{"structure_prefix": s.structure.Prefix})
}

// Stop shuts the session down. Every step runs even if an earlier one
// fails. Stop is idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.shuttingDown = true
		s.state = StateShuttingDown
		s.mu.Unlock()
		close(s.stopped)
		s.notifyState(StateShuttingDown)
		s.logger.Info("shutting down OVMS session")

		s.guard("cancel background tasks", func() error {
			if s.cancel == nil {
				return nil
			}
			s.cancel()
			timer := time.NewTimer(shutdownWait)
			defer timer.Stop()
			select {
			case <-s.done:
				return nil
			case <-timer.C:
				return fmt.Errorf("background tasks still running after %v", shutdownWait)
			}
		})
		s.guard("publish offline status", func() error {
			if !s.transport.IsConnected() {
				return nil
			}
			return s.transport.Publish(s.structure.StatusTopic(), []byte(StatusOffline), s.cfg.QoS, true)
		})
		s.guard("stop message delivery", func() error {
			s.transport.SetMessageHandler(nil)
			return nil
		})
		s.guard("close transport", s.transport.Close)
		s.guard("cancel pending commands", func() error {
			s.correlator.CancelAll(ErrShuttingDown)
			return nil
		})
		s.guard("stop router", func() error {
			s.router.Close()
			return nil
		})

		s.recorder.SetConnected(false)
		s.recorder.SetPendingCommands(0)
	})
}

// guard runs one shutdown step, logging its error or panic.
func (s *Session) guard(step string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("shutdown step panicked", "step", step, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		s.logger.Warn("shutdown step failed", "step", step, "error", err)
	}
}

// SendCommand publishes a command to the module and waits for its response.
//
// commandID may be empty, in which case a random one is generated. A
// timeout of zero uses the configured command timeout. On timeout the
// command is not re-sent.
func (s *Session) SendCommand(ctx context.Context, command, parameters string, timeout time.Duration, commandID string) (CommandResult, error) {
	res := CommandResult{Command: command, Parameters: parameters}

	if command == "" {
		res.Error = "command is required"
		return res, &Error{Kind: KindUnknown, Op: "send_command", Message: res.Error, Err: ErrInvalidCommand}
	}
	if s.isShuttingDown() {
		res.Error = "session is shutting down"
		return res, &Error{Kind: KindUnknown, Op: "send_command", Message: res.Error, Err: ErrShuttingDown}
	}
	if s.State() != StateConnected || !s.transport.IsConnected() {
		s.recorder.CommandCompleted(resultError)
		res.Error = "Not connected to MQTT broker"
		return res, &Error{Kind: KindCannotConnect, Op: "send_command", Message: res.Error, Err: ErrNotConnected}
	}
	if !s.limiter.CanCall() {
		wait := s.limiter.TimeToNextCall()
		s.recorder.CommandCompleted(resultRateLimited)
		res.Error = fmt.Sprintf("Rate limit exceeded. Try again in %.1f seconds", wait.Seconds())
		s.logger.Warn("command rate limit exceeded", "command", command, "retry_in", wait)
		return res, &Error{
			Kind:    KindUnknown,
			Op:      "send_command",
			Message: res.Error,
			Debug:   map[string]any{"retry_after_seconds": wait.Seconds()},
			Err:     ErrRateLimited,
		}
	}

	if commandID == "" {
		commandID = NewCommandID()
	}
	if timeout <= 0 {
		timeout = s.cfg.CommandTimeout
	}
	res.CommandID = commandID

	pending, err := s.correlator.register(commandID, command, parameters)
	if err != nil {
		s.recorder.CommandCompleted(resultError)
		res.Error = err.Error()
		return res, newError("send_command", "could not register command", err)
	}
	s.recorder.SetPendingCommands(s.correlator.Pending())
	defer func() { s.recorder.SetPendingCommands(s.correlator.Pending()) }()

	topic := s.structure.CommandTopic(commandID)
	s.logger.Info("sending command", "command", command, "parameters", parameters, "command_id", commandID)
	if err := s.transport.Publish(topic, []byte(CommandPayload(command, parameters)), s.cfg.QoS, false); err != nil {
		s.correlator.expire(pending, err)
		s.recorder.CommandCompleted(resultError)
		res.Error = err.Error()
		return res, newError("send_command", "failed to publish command", err)
	}

	payload, err := s.correlator.await(ctx, pending, timeout)
	if err != nil {
		if errors.Is(err, ErrCommandTimeout) {
			s.recorder.CommandCompleted(resultTimeout)
			res.Error = "Timeout waiting for response"
			s.logger.Warn("command timed out", "command", command, "command_id", commandID)
			return res, &Error{Kind: KindTimeout, Op: "send_command", Message: res.Error, Err: err}
		}
		s.recorder.CommandCompleted(resultError)
		res.Error = err.Error()
		return res, newError("send_command", "command failed", err)
	}

	s.recorder.CommandCompleted(resultSuccess)
	res.Success = true
	res.Response = ParseResponse(payload)
	return res, nil
}

// PlatformsLoaded signals that the entity layer is ready. Queued entity
// creations are released and, if nothing has been seen yet, the module is
// prompted with a stat command. It waits until the signal is processed.
func (s *Session) PlatformsLoaded(ctx context.Context) error {
	ev := event{kind: evPlatformsLoaded, done: make(chan struct{})}
	if !s.enqueue(ev) {
		return ErrShuttingDown
	}
	select {
	case <-ev.done:
		return nil
	case <-s.stopped:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health returns a snapshot of the session.
func (s *Session) Health() Health {
	s.mu.RLock()
	state, count, gaveUp := s.state, s.reconnectCount, s.gaveUp
	s.mu.RUnlock()

	return Health{
		State:             state,
		ReconnectCount:    count,
		GaveUp:            gaveUp,
		MessageCount:      s.router.MessageCount(),
		PendingCommands:   s.correlator.Pending(),
		DiscoveredTopics:  s.router.DiscoveredTopics(),
		EntityCount:       s.router.EntityCount(),
		StructurePrefix:   s.structure.Prefix,
		Subscriptions:     s.structure.Filters(),
		SuggestedUsername: s.router.SuggestedUsername(),
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ReconnectCount returns the number of unintentional disconnects and failed
// reconnect attempts since the last successful connect.
func (s *Session) ReconnectCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnectCount
}

// Structure returns the resolved topic layout.
func (s *Session) Structure() Structure {
	return s.structure
}

// LastValue returns the cached payload for topic.
func (s *Session) LastValue(topic string) (CachedValue, bool) {
	return s.router.LastValue(topic)
}

// Backoff returns the reconnect delay for the given attempt:
// min(30, 2^min(attempt, 5)) seconds.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(1<<min(attempt, 5)) * time.Second
	return min(d, maxBackoff)
}

// =============================================================================
// Processing loop
// =============================================================================

func (s *Session) onMessage(topic string, payload []byte) error {
	if !s.enqueue(event{kind: evMessage, topic: topic, payload: append([]byte(nil), payload...)}) {
		return ErrShuttingDown
	}
	return nil
}

// enqueue hands an event to the processing loop. It blocks while the inbox
// is full and reports false once the session is stopping.
func (s *Session) enqueue(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stopped:
		return false
	}
}

func (s *Session) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			s.handle(ctx, ev)
		}
	}
}

// handle runs one event on the processing loop. Work that waits on the
// broker (subscribe, publish) is handed to a task goroutine: the transport
// delivers messages through the same inbox, so blocking here on a broker
// acknowledgement could stall delivery behind a full inbox.
func (s *Session) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evMessage:
		s.router.HandleMessage(ev.topic, ev.payload)
	case evConnected:
		s.handleConnected(ctx)
	case evConnectionLost:
		s.handleConnectionLost(ev.err)
	case evPlatformsLoaded:
		s.handlePlatformsLoaded(ctx, ev.done)
	case evGPSSweep:
		s.router.SweepGPS()
	}
}

func (s *Session) handleConnected(ctx context.Context) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	resumed := s.everConnected
	s.everConnected = true
	s.reconnectCount = 0
	s.gaveUp = false
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	if resumed {
		s.router.Reset()
	}

	s.tasks.Go(func() error {
		s.announce(ctx, gen, resumed)
		return nil
	})
}

// announce subscribes, publishes the online status and then marks the
// session connected, unless the connection it was started for is gone.
func (s *Session) announce(ctx context.Context, gen uint64, resumed bool) {
	s.subscribe()
	if ctx.Err() != nil {
		return
	}
	if err := s.transport.Publish(s.structure.StatusTopic(), []byte(StatusOnline), s.cfg.QoS, true); err != nil {
		s.logger.Warn("failed to publish online status", "topic", s.structure.StatusTopic(), "error", err)
	}

	s.mu.Lock()
	if s.shuttingDown || s.generation != gen {
		s.mu.Unlock()
		return
	}
	changed := s.state != StateConnected
	s.state = StateConnected
	s.mu.Unlock()

	if changed {
		s.notifyState(StateConnected)
	}
	s.recorder.SetConnected(true)
	s.logger.Info("connected to MQTT broker", "structure_prefix", s.structure.Prefix, "resumed", resumed)
}

// subscribe (re-)issues every standing subscription. Messages from all of
// them go through the transport's default handler.
func (s *Session) subscribe() {
	for _, filter := range s.structure.Filters() {
		if err := s.transport.Subscribe(filter, s.cfg.QoS, nil); err != nil {
			s.logger.Warn("subscribe failed", "filter", filter, "error", err)
			continue
		}
		s.logger.Info("subscribed", "filter", filter)
	}
}

func (s *Session) handleConnectionLost(err error) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.reconnectCount++
	s.generation++
	attempt := s.reconnectCount
	s.mu.Unlock()

	s.setState(StateDisconnected)
	s.recorder.SetConnected(false)
	s.logger.Warn("unintentional disconnect, scheduling reconnect", "error", err, "reconnect_count", attempt)

	select {
	case s.reconnectCh <- struct{}{}:
	default:
	}
}

// handlePlatformsLoaded releases queued entities on the loop, then
// re-subscribes and prompts the module from a task. done is closed once both
// are finished.
func (s *Session) handlePlatformsLoaded(ctx context.Context, done chan struct{}) {
	hasTopics := s.router.PlatformsLoaded()
	if s.State() != StateConnected {
		close(done)
		return
	}

	s.tasks.Go(func() error {
		defer close(done)
		s.subscribe()
		if hasTopics || ctx.Err() != nil {
			return nil
		}

		topic := s.structure.CommandTopic(NewCommandID())
		s.logger.Info("no topics discovered yet, prompting module", "topic", topic)
		if err := s.transport.Publish(topic, []byte("stat"), s.cfg.QoS, false); err != nil {
			s.logger.Warn("failed to send discovery command", "error", err)
		}
		return nil
	})
}

// =============================================================================
// Background tasks
// =============================================================================

func (s *Session) reconnector(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.reconnectCh:
			s.reconnect(ctx)
		}
	}
}

// reconnect retries until connected, shut down, or past the attempt
// ceiling. Each failed attempt counts toward the ceiling.
func (s *Session) reconnect(ctx context.Context) {
	for {
		if s.isShuttingDown() || ctx.Err() != nil {
			return
		}

		attempt := s.ReconnectCount()
		if attempt > MaxReconnectAttempts {
			s.mu.Lock()
			s.gaveUp = true
			s.mu.Unlock()
			s.logger.Error("maximum reconnection attempts reached, giving up",
				"max_attempts", MaxReconnectAttempts,
				"error", ErrReconnectExhausted)
			return
		}

		delay := Backoff(attempt)
		s.logger.Info("reconnecting", "delay", delay, "attempt", attempt)
		if err := s.sleep(ctx, delay); err != nil {
			return
		}
		if s.isShuttingDown() || s.State() == StateConnected {
			return
		}

		s.setState(StateConnecting)
		s.recorder.Reconnect()
		err := s.transport.Connect(ctx)
		if err == nil {
			return
		}

		s.mu.Lock()
		if s.shuttingDown {
			s.mu.Unlock()
			return
		}
		s.reconnectCount++
		s.mu.Unlock()
		s.setState(StateDisconnected)
		s.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
	}
}

func (s *Session) sweepCommands(ctx context.Context) error {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.isShuttingDown() {
				return nil
			}
			if n := s.correlator.Sweep(); n > 0 {
				s.logger.Info("expired stale commands", "count", n)
			}
			s.recorder.SetPendingCommands(s.correlator.Pending())
		}
	}
}

func (s *Session) sweepGPS(ctx context.Context) error {
	ticker := time.NewTicker(s.gpsEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.isShuttingDown() {
				return nil
			}
			select {
			case s.events <- event{kind: evGPSSweep}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// =============================================================================
// State helpers
// =============================================================================

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.shuttingDown && state != StateShuttingDown {
		s.mu.Unlock()
		return
	}
	changed := s.state != state
	s.state = state
	s.mu.Unlock()

	if changed {
		s.notifyState(state)
	}
}

func (s *Session) notifyState(state State) {
	if s.onState != nil {
		s.onState(state)
	}
}

func (s *Session) isShuttingDown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shuttingDown
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
