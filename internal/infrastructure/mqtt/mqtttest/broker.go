// Package mqtttest runs an in-process MQTT broker for tests.
//
// The broker is a mochi-mqtt server listening on a free loopback port with
// an allow-all auth hook. Tests can publish as if they were a vehicle module
// and observe what the code under test publishes.
package mqtttest

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/nerrad567/ovms-bridge/internal/infrastructure/config"
)

// listenerReadyTimeout bounds how long Start waits for the listener socket.
const listenerReadyTimeout = 3 * time.Second

// Broker is a running in-process broker.
type Broker struct {
	Host string
	Port int

	server *mochi.Server
	subID  atomic.Int32
}

// Start launches a broker and registers its shutdown with tb.Cleanup.
func Start(tb testing.TB) *Broker {
	tb.Helper()

	port := freePort(tb)
	b := &Broker{
		Host:   "127.0.0.1",
		Port:   port,
		server: mochi.New(&mochi.Options{InlineClient: true}),
	}

	if err := b.server.AddHook(new(auth.AllowHook), nil); err != nil {
		tb.Fatalf("adding auth hook: %v", err)
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      fmt.Sprintf("test-%d", port),
		Address: b.addr(),
	})
	if err := b.server.AddListener(tcp); err != nil {
		tb.Fatalf("adding listener: %v", err)
	}

	go func() {
		_ = b.server.Serve() //nolint:errcheck // Close surfaces shutdown problems
	}()

	if err := waitForListener(b.addr()); err != nil {
		tb.Fatalf("broker did not start: %v", err)
	}

	tb.Cleanup(func() {
		_ = b.server.Close() //nolint:errcheck // best-effort teardown
	})

	return b
}

// Config returns an MQTT config pointing at the broker.
func (b *Broker) Config(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:      b.Host,
			Port:      b.Port,
			VerifyTLS: true,
			ClientID:  clientID,
		},
		QoS:            1,
		KeepAlive:      30,
		ConnectTimeout: 5,
	}
}

// Publish sends a message from the broker's inline client.
func (b *Broker) Publish(topic string, payload []byte, retain bool) error {
	return b.server.Publish(topic, payload, retain, 0)
}

// OnPublish calls fn for every message published on topics matching filter.
func (b *Broker) OnPublish(filter string, fn func(topic string, payload []byte)) error {
	id := int(b.subID.Add(1))
	return b.server.Subscribe(filter, id, func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
		fn(pk.TopicName, pk.Payload)
	})
}

// Kick drops a connected client as if the network failed.
func (b *Broker) Kick(clientID string) bool {
	cl, ok := b.server.Clients.Get(clientID)
	if !ok {
		return false
	}
	cl.Stop(errors.New("kicked by test"))
	return true
}

func (b *Broker) addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

func freePort(tb testing.TB) int {
	tb.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("finding free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitForListener(addr string) error {
	deadline := time.Now().Add(listenerReadyTimeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			return conn.Close()
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("listener %s not ready after %v", addr, listenerReadyTimeout)
}
