package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/ovms-bridge/internal/infrastructure/config"
)

// Client wraps paho.mqtt.golang as the bridge's transport primitive.
//
// It provides connection management, message publishing and subscription
// handling. Unlike a long-lived service client it never reconnects on its
// own: callers observe SetOnConnectionLost and decide when to call Connect
// again.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client   pahomqtt.Client
	cfg      config.MQTTConfig
	clientID string
	will     *Will
	buildMu  sync.Mutex

	// subscriptions tracks active subscription filters and their QoS.
	subscriptions map[string]byte
	subMu         sync.RWMutex

	connected bool
	connMu    sync.RWMutex

	onConnect        func()
	onConnectionLost func(err error)
	onMessage        MessageHandler
	callbackMu       sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// MessageHandler is the callback signature for received messages.
//
// paho invokes handlers in message order on its router goroutine, so a
// handler that blocks stalls delivery for the whole client.
//
// Returns:
//   - error: Logged but does not affect message acknowledgment
type MessageHandler func(topic string, payload []byte) error

// New creates an unconnected client.
//
// Parameters:
//   - cfg: MQTT configuration from config.yaml
//   - clientID: Client identifier; empty means cfg.Broker.ClientID
//   - will: Optional Last Will registered with the broker on every connect
//
// Returns:
//   - *Client: Client ready for Connect
func New(cfg config.MQTTConfig, clientID string, will *Will) *Client {
	if clientID == "" {
		clientID = cfg.Broker.ClientID
	}
	return &Client{
		cfg:           cfg,
		clientID:      clientID,
		will:          will,
		subscriptions: make(map[string]byte),
	}
}

// Connect opens the connection to the broker and blocks until the broker
// answers, the connect timeout elapses, or ctx is cancelled.
//
// It may be called again after the connection is lost.
//
// Returns:
//   - error: ErrConnectTimeout when no answer arrived in time, a
//     *ConnectError when the broker refused or the dial failed
func (c *Client) Connect(ctx context.Context) error {
	pc := c.pahoClient()

	timeout := connectTimeout(c.cfg)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	token := pc.Connect()
	select {
	case <-token.Done():
	case <-timer.C:
		return fmt.Errorf("%w: after %v", ErrConnectTimeout, timeout)
	case <-ctx.Done():
		return fmt.Errorf("mqtt connect: %w", ctx.Err())
	}

	if err := token.Error(); err != nil {
		var code byte
		if ct, ok := token.(*pahomqtt.ConnectToken); ok {
			code = ct.ReturnCode()
		}
		return &ConnectError{ReturnCode: code, Err: err}
	}

	// The OnConnect callback runs asynchronously; mark the state here so
	// IsConnected is true as soon as Connect returns.
	c.setConnected(true)
	return nil
}

// pahoClient lazily builds the paho client so callbacks set after New are honoured.
func (c *Client) pahoClient() pahomqtt.Client {
	c.buildMu.Lock()
	defer c.buildMu.Unlock()

	if c.client != nil {
		return c.client
	}

	opts := buildClientOptions(c.cfg, c.clientID)
	configureLWT(opts, c.will)

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleConnectionLost(err)
	})
	opts.SetDefaultPublishHandler(c.dispatchDefault)

	c.client = pahomqtt.NewClient(opts)
	return c.client
}

// handleConnect is called when the connection is established.
func (c *Client) handleConnect() {
	c.setConnected(true)

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

// handleConnectionLost is called when the connection drops unexpectedly.
func (c *Client) handleConnectionLost(err error) {
	c.setConnected(false)

	c.subMu.Lock()
	c.subscriptions = make(map[string]byte)
	c.subMu.Unlock()

	c.callbackMu.RLock()
	callback := c.onConnectionLost
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// Close disconnects from the broker, waiting briefly for in-flight work.
//
// A clean disconnect suppresses the Last Will. Callers that want an
// explicit offline status must publish it before Close.
func (c *Client) Close() error {
	c.buildMu.Lock()
	pc := c.client
	c.buildMu.Unlock()

	if pc == nil {
		return nil
	}

	if pc.IsConnectionOpen() {
		pc.Disconnect(defaultDisconnectQuiesce)
	}

	c.setConnected(false)
	return nil
}

// HealthCheck verifies the MQTT connection is alive.
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	return nil
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	connected := c.connected
	c.connMu.RUnlock()

	c.buildMu.Lock()
	pc := c.client
	c.buildMu.Unlock()

	return connected && pc != nil && pc.IsConnectionOpen()
}

func (c *Client) setConnected(v bool) {
	c.connMu.Lock()
	c.connected = v
	c.connMu.Unlock()
}

// SetOnConnect sets a callback invoked every time a connection is established.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnConnectionLost sets a callback invoked when the connection drops
// without a call to Close. The error describes why.
func (c *Client) SetOnConnectionLost(callback func(err error)) {
	c.callbackMu.Lock()
	c.onConnectionLost = callback
	c.callbackMu.Unlock()
}

// SetMessageHandler sets the handler for messages on subscriptions that
// were registered without their own handler.
//
// Routing everything through one handler means a message matching several
// overlapping filters is still delivered once.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.callbackMu.Lock()
	c.onMessage = handler
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for error and panic logging.
// If not set, errors in handlers are silently ignored.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// getLogger returns the current logger (may be nil).
func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// dispatchDefault routes a message to the handler set by SetMessageHandler.
func (c *Client) dispatchDefault(pc pahomqtt.Client, msg pahomqtt.Message) {
	c.callbackMu.RLock()
	handler := c.onMessage
	c.callbackMu.RUnlock()
	if handler == nil {
		return
	}
	c.wrapHandler(handler)(pc, msg)
}

// wrapHandler wraps a MessageHandler with panic recovery and optional logging.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered",
						"topic", msg.Topic(),
						"panic", r,
					)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("MQTT handler returned error",
					"topic", msg.Topic(),
					"error", err,
				)
			}
		}
	}
}
