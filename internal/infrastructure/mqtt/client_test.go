package mqtt

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/ovms-bridge/internal/infrastructure/mqtt/mqtttest"
)

const waitTimeout = 3 * time.Second

func connectedClient(t *testing.T, broker *mqtttest.Broker, clientID string) *Client {
	t.Helper()

	c := New(broker.Config(clientID), "", nil)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientConnect(t *testing.T) {
	broker := mqtttest.Start(t)
	c := connectedClient(t, broker, "connect-test")

	if !c.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close = %v, want ErrNotConnected", err)
	}
}

func TestClientConnectRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	cfg := testMQTTConfig()
	cfg.Broker.Host = "127.0.0.1"
	cfg.Broker.Port = port
	cfg.ConnectTimeout = 2

	c := New(cfg, "refused-test", nil)
	err = c.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect() error = nil, want failure against closed port")
	}

	var ce *ConnectError
	if errors.As(err, &ce) {
		if ce.Rejected() {
			t.Errorf("Rejected() = true for closed port, error = %v", err)
		}
	} else if !errors.Is(err, ErrConnectTimeout) {
		t.Errorf("Connect() error = %v, want *ConnectError or ErrConnectTimeout", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after failed connect")
	}
}

func TestClientPublishNotConnected(t *testing.T) {
	c := New(testMQTTConfig(), "", nil)

	if err := c.Publish("ovms/me/KONA/status", []byte("online"), 1, true); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	if err := c.Subscribe("ovms/me/KONA/#", 1, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
}

func TestClientPublishValidation(t *testing.T) {
	c := New(testMQTTConfig(), "", nil)

	if err := c.Publish("ovms/+/status", nil, 1, false); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Publish(wildcard) error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Publish("ovms/me/status", nil, 3, false); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Publish(qos 3) error = %v, want ErrInvalidQoS", err)
	}
	big := make([]byte, maxPayloadSize+1)
	if err := c.Publish("ovms/me/status", big, 1, false); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("Publish(oversized) error = %v, want ErrPublishFailed", err)
	}
}

func TestClientPublishReachesBroker(t *testing.T) {
	broker := mqtttest.Start(t)

	got := make(chan string, 1)
	if err := broker.OnPublish("ovms/me/KONA/client/rr/command/+", func(topic string, payload []byte) {
		got <- topic + "=" + string(payload)
	}); err != nil {
		t.Fatalf("OnPublish() error = %v", err)
	}

	c := connectedClient(t, broker, "publish-test")
	if err := c.PublishString("ovms/me/KONA/client/rr/command/1a2b3c4d", "stat", 1, false); err != nil {
		t.Fatalf("PublishString() error = %v", err)
	}

	select {
	case msg := <-got:
		if msg != "ovms/me/KONA/client/rr/command/1a2b3c4d=stat" {
			t.Errorf("broker received %q", msg)
		}
	case <-time.After(waitTimeout):
		t.Fatal("broker did not receive publish")
	}
}

func TestClientDefaultHandlerReceivesOverlappingFiltersOnce(t *testing.T) {
	broker := mqtttest.Start(t)
	c := connectedClient(t, broker, "subscribe-test")

	var mu sync.Mutex
	var received []string
	done := make(chan struct{}, 4)
	c.SetMessageHandler(func(topic string, payload []byte) error {
		mu.Lock()
		received = append(received, topic+"="+string(payload))
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	for _, filter := range []string{"ovms/me/KONA/#", "ovms/+/KONA/#"} {
		if err := c.Subscribe(filter, 1, nil); err != nil {
			t.Fatalf("Subscribe(%q) error = %v", filter, err)
		}
	}
	if n := c.SubscriptionCount(); n != 2 {
		t.Errorf("SubscriptionCount() = %d, want 2", n)
	}
	if !c.HasSubscription("ovms/+/KONA/#") {
		t.Error("HasSubscription() = false for alternate wildcard")
	}

	if err := broker.Publish("ovms/me/KONA/metric/v/b/soc", []byte("81.5"), false); err != nil {
		t.Fatalf("broker Publish() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("handler not called")
	}

	// Give a duplicate delivery time to show up.
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("received %d messages, want 1: %v", len(received), received)
	}
	if received[0] != "ovms/me/KONA/metric/v/b/soc=81.5" {
		t.Errorf("received %q", received[0])
	}
}

func TestClientHandlerPanicRecovered(t *testing.T) {
	broker := mqtttest.Start(t)
	c := connectedClient(t, broker, "panic-test")

	calls := make(chan struct{}, 2)
	c.SetMessageHandler(func(topic string, _ []byte) error {
		calls <- struct{}{}
		if topic == "ovms/panic" {
			panic("boom")
		}
		return nil
	})
	if err := c.Subscribe("ovms/#", 0, nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	_ = broker.Publish("ovms/panic", []byte("x"), false)
	_ = broker.Publish("ovms/fine", []byte("y"), false)

	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(waitTimeout):
			t.Fatalf("handler call %d missing after panic", i+1)
		}
	}
}

func TestClientConnectionLost(t *testing.T) {
	broker := mqtttest.Start(t)
	c := New(broker.Config("lost-test"), "", nil)

	lost := make(chan error, 1)
	c.SetOnConnectionLost(func(err error) { lost <- err })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Subscribe("ovms/#", 1, nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if !broker.Kick("lost-test") {
		t.Fatal("broker has no client lost-test")
	}

	select {
	case <-lost:
	case <-time.After(waitTimeout):
		t.Fatal("connection lost callback not called")
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after connection lost")
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after loss, want 0", c.SubscriptionCount())
	}

	// The same client can connect again.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
	if !c.IsConnected() {
		t.Error("IsConnected() = false after reconnect")
	}
}
