package ovms

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/ovms-bridge/internal/infrastructure/mqtt"
)

type publishRecord struct {
	topic    string
	payload  string
	retained bool
}

// fakeTransport is a scripted in-memory Transport.
type fakeTransport struct {
	mu           sync.Mutex
	will         *mqtt.Will
	connected    bool
	connectErrs  []error // consumed one per Connect call
	failAll      error   // returned once connectErrs is empty
	noConnAck    bool
	connectCalls int
	published    []publishRecord
	subscribed   []string
	closed       bool

	onConnect func()
	onLost    func(error)
	handler   mqtt.MessageHandler
	onPublish func(topic string, payload []byte)

	// onSubscribe runs after a subscription is recorded, before Subscribe
	// returns, like a broker replaying retained messages ahead of SUBACK.
	onSubscribe func(filter string)
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	f.connectCalls++
	var err error
	if len(f.connectErrs) > 0 {
		err, f.connectErrs = f.connectErrs[0], f.connectErrs[1:]
	} else {
		err = f.failAll
	}
	if err != nil || f.noConnAck {
		f.mu.Unlock()
		return err
	}
	f.connected = true
	cb := f.onConnect
	f.mu.Unlock()

	if cb != nil {
		cb()
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connected = false
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Publish(topic string, payload []byte, _ byte, retained bool) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return mqtt.ErrNotConnected
	}
	f.published = append(f.published, publishRecord{topic: topic, payload: string(payload), retained: retained})
	hook := f.onPublish
	f.mu.Unlock()

	if hook != nil {
		hook(topic, payload)
	}
	return nil
}

func (f *fakeTransport) Subscribe(filter string, _ byte, _ mqtt.MessageHandler) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return mqtt.ErrNotConnected
	}
	f.subscribed = append(f.subscribed, filter)
	hook := f.onSubscribe
	f.mu.Unlock()

	if hook != nil {
		hook(filter)
	}
	return nil
}

func (f *fakeTransport) SetOnConnect(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnect = cb
}

func (f *fakeTransport) SetOnConnectionLost(cb func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLost = cb
}

func (f *fakeTransport) SetMessageHandler(h mqtt.MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

// deliver simulates an inbound message.
func (f *fakeTransport) deliver(topic, payload string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		_ = h(topic, []byte(payload))
	}
}

// drop simulates an unintentional disconnect.
func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	f.connected = false
	cb := f.onLost
	f.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (f *fakeTransport) publishes() []publishRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishRecord(nil), f.published...)
}

func (f *fakeTransport) publishesTo(topic string) []publishRecord {
	var out []publishRecord
	for _, p := range f.publishes() {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeTransport) setOnPublish(hook func(string, []byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onPublish = hook
}

func (f *fakeTransport) subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

// recordingSleeper returns immediately for backoff delays and records them.
// Poll ticks sleep for real so the processing loop can run.
type recordingSleeper struct {
	mu     sync.Mutex
	poll   time.Duration
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	if d == r.poll {
		return sleepContext(ctx, d)
	}
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleeper) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

const testPoll = 20 * time.Millisecond

type sessionFixture struct {
	session   *Session
	transport *fakeTransport
	sleeper   *recordingSleeper
	sink      *recordingSink
}

func newSessionFixture(t *testing.T, tr *fakeTransport, mutate func(*SessionConfig)) *sessionFixture {
	t.Helper()
	cfg := SessionConfig{
		TopicPrefix:     "ovms",
		TopicStructure:  defaultTemplate,
		VehicleID:       "KIA",
		Username:        "me",
		QoS:             1,
		CommandTimeout:  time.Second,
		RateLimitCalls:  5,
		RateLimitPeriod: time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	sink := &recordingSink{}
	s, err := NewSession(SessionOptions{
		Config: cfg,
		NewTransport: func(will *mqtt.Will) Transport {
			tr.will = will
			return tr
		},
		Sink: sink,
	})
	require.NoError(t, err)

	sleeper := &recordingSleeper{poll: testPoll}
	s.sleep = sleeper.sleep
	s.pollInterval = testPoll
	t.Cleanup(s.Stop)

	return &sessionFixture{session: s, transport: tr, sleeper: sleeper, sink: sink}
}

func startedFixture(t *testing.T, tr *fakeTransport, mutate func(*SessionConfig)) *sessionFixture {
	t.Helper()
	fx := newSessionFixture(t, tr, mutate)
	require.NoError(t, fx.session.Start(context.Background()))
	return fx
}

// autoResponder answers every command with reply.
func autoResponder(tr *fakeTransport, s Structure, reply string) func(string, []byte) {
	return func(topic string, _ []byte) {
		if !strings.Contains(topic, "/client/rr/command/") {
			return
		}
		go tr.deliver(s.ResponseTopic(path.Base(topic)), reply)
	}
}

func TestBackoff(t *testing.T) {
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30, 30, 30, 30}
	for n, w := range want {
		assert.Equal(t, w*time.Second, Backoff(n), "attempt %d", n)
	}
	assert.Equal(t, time.Second, Backoff(-1))
}

func TestNewSession_Validation(t *testing.T) {
	_, err := NewSession(SessionOptions{Config: SessionConfig{VehicleID: "KIA"}})
	assert.Error(t, err)

	_, err = NewSession(SessionOptions{
		NewTransport: func(*mqtt.Will) Transport { return &fakeTransport{} },
	})
	assert.Error(t, err)
}

func TestSession_StartSubscribesAndPublishesOnline(t *testing.T) {
	tr := &fakeTransport{}
	fx := startedFixture(t, tr, nil)
	s := fx.session

	assert.Equal(t, StateConnected, s.State())
	require.NotNil(t, tr.will)
	assert.Equal(t, "ovms/me/KIA/status", tr.will.Topic)
	assert.Equal(t, StatusOffline, tr.will.Payload)
	assert.True(t, tr.will.Retained)

	assert.Equal(t, s.Structure().Filters(), tr.subscriptions())

	online := tr.publishesTo("ovms/me/KIA/status")
	require.Len(t, online, 1)
	assert.Equal(t, StatusOnline, online[0].payload)
	assert.True(t, online[0].retained)
}

func TestSession_StartWithRetainedBacklog(t *testing.T) {
	tr := &fakeTransport{}
	backlog := 2*eventQueueSize + 88
	var once sync.Once
	tr.onSubscribe = func(string) {
		once.Do(func() {
			for i := 0; i < backlog; i++ {
				tr.deliver(fmt.Sprintf("ovms/me/KIA/metric/x/m%d", i), "1")
			}
		})
	}
	fx := newSessionFixture(t, tr, nil)
	fx.sleeper.poll = 200 * time.Millisecond
	fx.session.pollInterval = fx.sleeper.poll

	done := make(chan error, 1)
	go func() { done <- fx.session.Start(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start blocked behind the retained backlog")
	}
	assert.Equal(t, StateConnected, fx.session.State())
	assert.Len(t, tr.publishesTo("ovms/me/KIA/status"), 1)

	require.Eventually(t, func() bool {
		return fx.session.Health().DiscoveredTopics == backlog
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSession_StartRejected(t *testing.T) {
	tr := &fakeTransport{connectErrs: []error{
		&mqtt.ConnectError{ReturnCode: 5, Err: errors.New("not authorised")},
	}}
	fx := newSessionFixture(t, tr, nil)

	err := fx.session.Start(context.Background())
	require.Error(t, err)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindCannotConnect, e.Kind)
	assert.Equal(t, "Failed to connect to MQTT broker (rc=5)", e.Message)
	assert.Equal(t, 5, e.Debug["return_code"])
	assert.Equal(t, StateDisconnected, fx.session.State())
}

func TestSession_StartTransportFailure(t *testing.T) {
	tr := &fakeTransport{connectErrs: []error{
		&mqtt.ConnectError{Err: errors.New("connection refused")},
	}}
	fx := newSessionFixture(t, tr, nil)

	err := fx.session.Start(context.Background())
	assert.Equal(t, KindCannotConnect, KindOf(err))
}

func TestSession_StartTimesOutWithoutConnAck(t *testing.T) {
	tr := &fakeTransport{noConnAck: true}
	fx := newSessionFixture(t, tr, nil)

	err := fx.session.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestSession_StartTwice(t *testing.T) {
	fx := startedFixture(t, &fakeTransport{}, nil)
	assert.Error(t, fx.session.Start(context.Background()))
}

func TestSession_SendCommandSuccess(t *testing.T) {
	tr := &fakeTransport{}
	fx := startedFixture(t, tr, nil)
	tr.setOnPublish(autoResponder(tr, fx.session.Structure(), `{"result":"ok"}`))

	res, err := fx.session.SendCommand(context.Background(), "climate", "on", 0, "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, res.CommandID, 8)
	assert.Equal(t, map[string]any{"result": "ok"}, res.Response)

	cmd := tr.publishesTo(fx.session.Structure().CommandTopic(res.CommandID))
	require.Len(t, cmd, 1)
	assert.Equal(t, "climate on", cmd[0].payload)
	assert.False(t, cmd[0].retained)
	assert.Equal(t, 0, fx.session.Health().PendingCommands)
}

func TestSession_SendCommandCustomID(t *testing.T) {
	tr := &fakeTransport{}
	fx := startedFixture(t, tr, nil)
	tr.setOnPublish(autoResponder(tr, fx.session.Structure(), "done"))

	res, err := fx.session.SendCommand(context.Background(), "stat", "", 0, "myid")
	require.NoError(t, err)
	assert.Equal(t, "myid", res.CommandID)
	assert.Equal(t, "done", res.Response)
	assert.Len(t, tr.publishesTo("ovms/me/KIA/client/rr/command/myid"), 1)
}

func TestSession_SendCommandTimeout(t *testing.T) {
	tr := &fakeTransport{}
	fx := startedFixture(t, tr, nil)

	const timeout = 50 * time.Millisecond
	start := time.Now()
	res, err := fx.session.SendCommand(context.Background(), "stat", "", timeout, "")
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.GreaterOrEqual(t, elapsed, timeout, "timed out before the budget")
	assert.False(t, res.Success)
	assert.Equal(t, "Timeout waiting for response", res.Error)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.ErrorIs(t, err, ErrCommandTimeout)
	assert.Equal(t, 0, fx.session.Health().PendingCommands)

	// The command is never re-sent.
	assert.Len(t, tr.publishesTo(fx.session.Structure().CommandTopic(res.CommandID)), 1)
}

func TestSession_SendCommandNotConnected(t *testing.T) {
	fx := newSessionFixture(t, &fakeTransport{}, nil)

	res, err := fx.session.SendCommand(context.Background(), "stat", "", 0, "")
	require.Error(t, err)
	assert.Equal(t, KindCannotConnect, KindOf(err))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, "Not connected to MQTT broker", res.Error)
}

func TestSession_SendCommandEmpty(t *testing.T) {
	fx := startedFixture(t, &fakeTransport{}, nil)

	_, err := fx.session.SendCommand(context.Background(), "", "", 0, "")
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestSession_SendCommandRateLimited(t *testing.T) {
	tr := &fakeTransport{}
	fx := startedFixture(t, tr, func(c *SessionConfig) { c.RateLimitCalls = 1 })
	tr.setOnPublish(autoResponder(tr, fx.session.Structure(), "ok"))

	_, err := fx.session.SendCommand(context.Background(), "stat", "", 0, "")
	require.NoError(t, err)

	res, err := fx.session.SendCommand(context.Background(), "stat", "", 0, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, strings.HasPrefix(res.Error, "Rate limit exceeded. Try again in "), res.Error)
	assert.True(t, strings.HasSuffix(res.Error, " seconds"), res.Error)

	var cmds int
	for _, p := range tr.publishes() {
		if strings.Contains(p.topic, "/client/rr/command/") {
			cmds++
		}
	}
	assert.Equal(t, 1, cmds, "refused command is never published")
}

func TestSession_MessagesReachSink(t *testing.T) {
	tr := &fakeTransport{}
	fx := startedFixture(t, tr, nil)

	tr.deliver("ovms/me/KIA/metric/v/b/soc", "80")
	require.NoError(t, fx.session.PlatformsLoaded(context.Background()))

	added := fx.sink.ofType(EventEntityAdded)
	require.Len(t, added, 1)
	assert.Equal(t, "ovms/me/KIA/metric/v/b/soc", added[0].Topic)

	v, ok := fx.session.LastValue("ovms/me/KIA/metric/v/b/soc")
	require.True(t, ok)
	assert.Equal(t, "80", v.Payload)

	h := fx.session.Health()
	assert.Equal(t, uint64(1), h.MessageCount)
	assert.Equal(t, 1, h.DiscoveredTopics)
	assert.Equal(t, 1, h.EntityCount)
}

func TestSession_PlatformsLoadedPromptsWhenNothingSeen(t *testing.T) {
	tr := &fakeTransport{}
	fx := startedFixture(t, tr, nil)

	require.NoError(t, fx.session.PlatformsLoaded(context.Background()))

	var stat []publishRecord
	for _, p := range tr.publishes() {
		if strings.HasPrefix(p.topic, "ovms/me/KIA/client/rr/command/") {
			stat = append(stat, p)
		}
	}
	require.Len(t, stat, 1)
	assert.Equal(t, "stat", stat[0].payload)

	// Subscriptions are re-issued.
	assert.Len(t, tr.subscriptions(), 2*len(fx.session.Structure().Filters()))
}

func TestSession_ReconnectAfterLoss(t *testing.T) {
	tr := &fakeTransport{}
	var states []State
	var mu sync.Mutex
	fx := newSessionFixture(t, tr, nil)
	fx.session.onState = func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	}
	require.NoError(t, fx.session.Start(context.Background()))

	tr.deliver("ovms/me/KIA/metric/v/b/soc", "80")
	tr.drop(errors.New("connection reset"))

	require.Eventually(t, func() bool {
		return len(tr.publishesTo("ovms/me/KIA/status")) == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1] == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []time.Duration{2 * time.Second}, fx.sleeper.recorded())
	assert.Equal(t, 0, fx.session.ReconnectCount())
	assert.Equal(t, 2, tr.calls())
	assert.Len(t, tr.subscriptions(), 2*len(fx.session.Structure().Filters()))
	assert.Equal(t, 0, fx.session.Health().DiscoveredTopics, "new session starts with an empty registry")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateDisconnected)
}

func TestSession_ReconnectGivesUpAfterCeiling(t *testing.T) {
	tr := &fakeTransport{}
	fx := startedFixture(t, tr, nil)

	tr.mu.Lock()
	tr.failAll = &mqtt.ConnectError{Err: errors.New("connection refused")}
	tr.mu.Unlock()

	tr.drop(errors.New("connection reset"))

	require.Eventually(t, func() bool {
		return fx.session.Health().GaveUp
	}, 2*time.Second, 5*time.Millisecond)

	want := []time.Duration{2, 4, 8, 16, 30, 30, 30, 30, 30, 30}
	for i := range want {
		want[i] *= time.Second
	}
	assert.Equal(t, want, fx.sleeper.recorded())
	assert.Equal(t, 1+MaxReconnectAttempts, tr.calls())
	assert.Equal(t, MaxReconnectAttempts+1, fx.session.ReconnectCount())
	assert.Equal(t, StateDisconnected, fx.session.State())
}

func TestSession_StopPublishesOfflineAndCancelsCommands(t *testing.T) {
	tr := &fakeTransport{}
	fx := startedFixture(t, tr, nil)
	s := fx.session

	errCh := make(chan error, 1)
	go func() {
		_, err := s.SendCommand(context.Background(), "stat", "", time.Minute, "")
		errCh <- err
	}()
	require.Eventually(t, func() bool { return s.Health().PendingCommands == 1 }, time.Second, 5*time.Millisecond)

	s.Stop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrShuttingDown)
	case <-time.After(time.Second):
		t.Fatal("pending command was not cancelled")
	}

	status := tr.publishesTo("ovms/me/KIA/status")
	require.Len(t, status, 2)
	assert.Equal(t, StatusOffline, status[1].payload)
	assert.True(t, status[1].retained)
	assert.True(t, tr.closed)
	assert.Equal(t, StateShuttingDown, s.State())

	// Idempotent, and a late disconnect does not trigger a reconnect.
	assert.NotPanics(t, s.Stop)
	tr.drop(errors.New("late"))
	assert.Equal(t, 0, s.ReconnectCount())
	assert.Equal(t, StateShuttingDown, s.State())

	_, err := s.SendCommand(context.Background(), "stat", "", 0, "")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestSession_StopWithoutStart(t *testing.T) {
	fx := newSessionFixture(t, &fakeTransport{}, nil)
	assert.NotPanics(t, fx.session.Stop)
	assert.Equal(t, StateShuttingDown, fx.session.State())
}

func TestSessionConfigDefaults(t *testing.T) {
	s, err := NewSession(SessionOptions{
		Config:       SessionConfig{VehicleID: "KIA", Username: "me"},
		NewTransport: func(*mqtt.Will) Transport { return &fakeTransport{} },
	})
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	assert.Equal(t, "ovms/me/KIA", s.Structure().Prefix)
	assert.Equal(t, defaultCommandTimeout, s.cfg.CommandTimeout)
}
