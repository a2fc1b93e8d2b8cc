//go:build integration

package ovms

import (
	"context"
	"fmt"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/ovms-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/ovms-bridge/internal/infrastructure/mqtt/mqtttest"
)

const integrationWait = 5 * time.Second

type topicLog struct {
	mu       sync.Mutex
	payloads map[string][]string
}

func (l *topicLog) record(topic string, payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.payloads == nil {
		l.payloads = make(map[string][]string)
	}
	l.payloads[topic] = append(l.payloads[topic], string(payload))
}

func (l *topicLog) get(topic string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.payloads[topic]...)
}

func startBrokerSession(t *testing.T, broker *mqtttest.Broker, sink EntitySink) *Session {
	t.Helper()
	s, err := NewSession(SessionOptions{
		Config: SessionConfig{
			TopicPrefix:     "ovms",
			TopicStructure:  defaultTemplate,
			VehicleID:       "KIA",
			Username:        "me",
			QoS:             1,
			CommandTimeout:  3 * time.Second,
			RateLimitCalls:  5,
			RateLimitPeriod: time.Minute,
		},
		NewTransport: func(will *mqtt.Will) Transport {
			return mqtt.New(broker.Config("ovms-bridge-it"), "", will)
		},
		Sink: sink,
	})
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), integrationWait)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	return s
}

func TestIntegration_SessionLifecycle(t *testing.T) {
	broker := mqtttest.Start(t)
	status := &topicLog{}
	require.NoError(t, broker.OnPublish("ovms/me/KIA/status", status.record))

	require.NoError(t, broker.Publish("ovms/me/KIA/metric/v/b/soc", []byte("80"), true))

	sink := &recordingSink{}
	s := startBrokerSession(t, broker, sink)

	require.Eventually(t, func() bool {
		return len(status.get("ovms/me/KIA/status")) > 0
	}, integrationWait, 20*time.Millisecond)
	assert.Equal(t, StatusOnline, status.get("ovms/me/KIA/status")[0])

	require.Eventually(t, func() bool {
		return s.Health().DiscoveredTopics >= 1
	}, integrationWait, 20*time.Millisecond)
	require.NoError(t, s.PlatformsLoaded(context.Background()))

	var socAdded bool
	for _, ev := range sink.ofType(EventEntityAdded) {
		if ev.Topic == "ovms/me/KIA/metric/v/b/soc" {
			socAdded = true
			assert.Equal(t, "80", ev.Payload)
		}
	}
	assert.True(t, socAdded)

	s.Stop()
	got := status.get("ovms/me/KIA/status")
	assert.Equal(t, StatusOffline, got[len(got)-1])
}

func TestIntegration_StartWithManyRetainedMetrics(t *testing.T) {
	broker := mqtttest.Start(t)
	const retained = 600
	for i := 0; i < retained; i++ {
		topic := fmt.Sprintf("ovms/me/KIA/metric/x/m%d", i)
		require.NoError(t, broker.Publish(topic, []byte("1"), true))
	}

	start := time.Now()
	s := startBrokerSession(t, broker, nil)
	assert.Less(t, time.Since(start), integrationWait)
	assert.Equal(t, StateConnected, s.State())

	require.Eventually(t, func() bool {
		return s.Health().DiscoveredTopics >= retained
	}, integrationWait, 20*time.Millisecond)
}

func TestIntegration_CommandRoundTrip(t *testing.T) {
	broker := mqtttest.Start(t)
	require.NoError(t, broker.OnPublish("ovms/me/KIA/client/rr/command/+", func(topic string, payload []byte) {
		reply := "unexpected"
		if string(payload) == "stat" {
			reply = `{"soc":80}`
		}
		go func() {
			_ = broker.Publish("ovms/me/KIA/client/rr/response/"+path.Base(topic), []byte(reply), false)
		}()
	}))

	s := startBrokerSession(t, broker, nil)

	res, err := s.SendCommand(context.Background(), "stat", "", 0, "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{"soc": 80.0}, res.Response)
}

func TestIntegration_ReconnectAfterKick(t *testing.T) {
	broker := mqtttest.Start(t)
	status := &topicLog{}
	require.NoError(t, broker.OnPublish("ovms/me/KIA/status", status.record))

	s := startBrokerSession(t, broker, nil)
	require.Eventually(t, func() bool {
		return len(status.get("ovms/me/KIA/status")) == 1
	}, integrationWait, 20*time.Millisecond)

	require.True(t, broker.Kick("ovms-bridge-it"))

	// First backoff is 2s.
	require.Eventually(t, func() bool {
		got := status.get("ovms/me/KIA/status")
		return s.State() == StateConnected && len(got) >= 2 && got[len(got)-1] == StatusOnline
	}, 3*integrationWait, 50*time.Millisecond)
	assert.Equal(t, 0, s.ReconnectCount())
}

func TestIntegration_Discover(t *testing.T) {
	broker := mqtttest.Start(t)
	require.NoError(t, broker.Publish("ovms/alice/LEAF/metric/v/b/soc", []byte("55"), true))
	require.NoError(t, broker.Publish("ovms/alice/LEAF/status", []byte("online"), true))

	p := NewProber(func(clientID string) Transport {
		return mqtt.New(broker.Config(clientID), "", nil)
	}, nil)
	p.settle = 500 * time.Millisecond
	p.afterStimulus = 200 * time.Millisecond

	res, err := p.Discover(context.Background(), ProbeConfig{TopicPrefix: "ovms", QoS: 1})
	require.NoError(t, err)
	assert.Contains(t, res.DiscoveredTopics, "ovms/alice/LEAF/metric/v/b/soc")

	vids, user := ExtractVehicleIDs(res.DiscoveredTopics, defaultTemplate, "ovms", "unknown-user")
	assert.Equal(t, []string{"LEAF"}, vids)
	assert.Equal(t, "alice", user)
}
