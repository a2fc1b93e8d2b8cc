package ovms

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/ovms-bridge/internal/infrastructure/mqtt"
)

// Probe timings.
const (
	probePollAttempts  = 10
	probePollInterval  = 500 * time.Millisecond
	probeSettle        = 3 * time.Second
	probeAfterStimulus = 2 * time.Second

	availabilityInitialPolls  = 5
	availabilityResponsePolls = 10
	availabilityExtraWait     = 3 * time.Second

	// debugTopicLimit bounds the topic list included in debug output.
	debugTopicLimit = 50
)

// ProbeFactory builds a throwaway transport with the given client id.
type ProbeFactory func(clientID string) Transport

// ProbeConfig describes what the prober knows before discovery.
type ProbeConfig struct {
	TopicPrefix string
	// VehicleID is optional. When set, a second stimulus is sent on the
	// vehicle's own command topic.
	VehicleID      string
	Username       string
	TopicStructure string
	QoS            byte
	TLS            bool
	VerifyTLS      bool
}

// ProbeResult is the outcome of a discovery run.
type ProbeResult struct {
	Success          bool           `json:"success"`
	DiscoveredTopics []string       `json:"discovered_topics"`
	TopicCount       int            `json:"topic_count"`
	Debug            map[string]any `json:"debug_info"`
}

// AvailabilityResult is the outcome of a topic availability test.
type AvailabilityResult struct {
	Success bool           `json:"success"`
	Details string         `json:"details"`
	Debug   map[string]any `json:"debug_info"`
}

// Prober runs short-lived diagnostic sessions against a broker. Each call
// opens its own connection, so a Prober is safe to use repeatedly and
// concurrently.
type Prober struct {
	newTransport ProbeFactory
	logger       Logger

	sleep         func(ctx context.Context, d time.Duration) error
	pollInterval  time.Duration
	settle        time.Duration
	afterStimulus time.Duration
	extraWait     time.Duration
}

// NewProber creates a prober. logger may be nil.
func NewProber(factory ProbeFactory, logger Logger) *Prober {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Prober{
		newTransport:  factory,
		logger:        logger,
		sleep:         sleepContext,
		pollInterval:  probePollInterval,
		settle:        probeSettle,
		afterStimulus: probeAfterStimulus,
		extraWait:     availabilityExtraWait,
	}
}

// topicCollector records inbound topics from a probe connection.
type topicCollector struct {
	mu        sync.Mutex
	topics    map[string]bool
	messages  int
	responses map[string]bool
	isReply   func(topic string) bool
}

func newTopicCollector(isReply func(string) bool) *topicCollector {
	return &topicCollector{
		topics:    make(map[string]bool),
		responses: make(map[string]bool),
		isReply:   isReply,
	}
}

func (c *topicCollector) handle(topic string, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages++
	c.topics[topic] = true
	if c.isReply != nil && c.isReply(topic) {
		c.responses[topic] = true
	}
	return nil
}

func (c *topicCollector) snapshot() (topics []string, messages, responses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics = make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics, c.messages, len(c.responses)
}

// Discover connects with a fresh client id, subscribes to everything under
// the prefix and reports the topics it sees. The module is prompted with a
// stat command on the generic command topic and, when a vehicle id is
// known, on the vehicle's own command topic.
//
// Failures are returned as *Error and never panic.
func (p *Prober) Discover(ctx context.Context, cfg ProbeConfig) (res ProbeResult, err error) {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "ovms"
	}
	wildcard := prefix + "/" + mqtt.WildcardMulti
	clientID := "ovms_discovery_" + NewCommandID()

	debug := map[string]any{
		"discovery_topic": wildcard,
		"client_id":       clientID,
		"tls_enabled":     cfg.TLS,
	}
	if cfg.TLS {
		debug["tls_verify"] = cfg.VerifyTLS
	}
	res.Debug = debug

	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			err = &Error{Kind: KindUnknown, Op: "discover", Message: fmt.Sprintf("unexpected error: %v", r), Debug: debug}
		}
	}()

	collector := newTopicCollector(nil)
	transport := p.newTransport(clientID)
	transport.SetMessageHandler(collector.handle)
	defer func() {
		transport.SetMessageHandler(nil)
		_ = transport.Close() //nolint:errcheck // best-effort teardown
	}()

	p.logger.Info("starting topic discovery", "wildcard", wildcard, "client_id", clientID)

	if err := p.connect(ctx, transport, "discover", debug); err != nil {
		return res, err
	}

	if err := transport.Subscribe(wildcard, cfg.QoS, nil); err != nil {
		e := newError("discover", "Failed to subscribe to discovery topic", err)
		e.Debug = debug
		return res, e
	}

	if err := p.sleep(ctx, p.settle); err != nil {
		return res, p.interrupted("discover", err, debug)
	}

	commandID := NewCommandID()
	stimuli := []string{prefix + commandSegment + commandID}
	if cfg.VehicleID != "" {
		s := NewStructure(cfg.TopicStructure, prefix, cfg.VehicleID, cfg.Username)
		stimuli = append(stimuli, s.CommandTopic(commandID))
	}
	for _, topic := range stimuli {
		if err := transport.Publish(topic, []byte("stat"), cfg.QoS, false); err != nil {
			p.logger.Warn("failed to publish discovery stimulus", "topic", topic, "error", err)
			continue
		}
		p.logger.Debug("published discovery stimulus", "topic", topic)
	}
	debug["stimulus_topics"] = stimuli

	if err := p.sleep(ctx, p.afterStimulus); err != nil {
		return res, p.interrupted("discover", err, debug)
	}

	topics, _, _ := collector.snapshot()
	debug["topics_count"] = len(topics)
	debug["discovered_topics"] = topics[:min(len(topics), debugTopicLimit)]

	p.logger.Info("topic discovery complete", "topics", len(topics))
	res.Success = true
	res.DiscoveredTopics = topics
	res.TopicCount = len(topics)
	return res, nil
}

// TestTopicAvailability checks that the configured structure carries live
// traffic and that the module answers a stat command. Receiving nothing is
// still a success; the counts in the result tell the caller what was seen.
func (p *Prober) TestTopicAvailability(ctx context.Context, cfg ProbeConfig) (res AvailabilityResult, err error) {
	s := NewStructure(cfg.TopicStructure, cfg.TopicPrefix, cfg.VehicleID, cfg.Username)
	commandID := NewCommandID()
	clientID := "ovms_topic_test_" + NewCommandID()

	debug := map[string]any{
		"vehicle_id":         cfg.VehicleID,
		"structure_prefix":   s.Prefix,
		"subscription_topic": s.Wildcard(),
		"command_topic":      s.CommandTopic(commandID),
		"response_topic":     s.ResponseTopic(commandID),
		"client_id":          clientID,
	}
	res.Debug = debug

	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Details = fmt.Sprintf("An unexpected error occurred during topic testing: %v", r)
			err = &Error{Kind: KindUnknown, Op: "test_topics", Message: res.Details, Debug: debug}
		}
	}()

	replyTopic := s.ResponseTopic(commandID)
	collector := newTopicCollector(func(topic string) bool { return topic == replyTopic })
	transport := p.newTransport(clientID)
	transport.SetMessageHandler(collector.handle)
	defer func() {
		transport.SetMessageHandler(nil)
		_ = transport.Close() //nolint:errcheck // best-effort teardown
	}()

	if err := p.connect(ctx, transport, "test_topics", debug); err != nil {
		res.Details = "Could not connect to broker for topic testing"
		return res, err
	}

	for _, filter := range s.Filters() {
		if err := transport.Subscribe(filter, cfg.QoS, nil); err != nil {
			p.logger.Warn("topic test subscribe failed", "filter", filter, "error", err)
		}
	}

	if err := p.waitFor(ctx, availabilityInitialPolls, func() bool {
		_, n, _ := collector.snapshot()
		return n > 0
	}); err != nil {
		return res, p.interrupted("test_topics", err, debug)
	}

	if err := transport.Publish(s.CommandTopic(commandID), []byte("stat"), cfg.QoS, false); err != nil {
		p.logger.Warn("failed to send test command", "error", err)
	} else if err := p.waitFor(ctx, availabilityResponsePolls, func() bool {
		_, _, r := collector.snapshot()
		return r > 0
	}); err != nil {
		return res, p.interrupted("test_topics", err, debug)
	}

	if _, n, _ := collector.snapshot(); n == 0 {
		if err := p.sleep(ctx, p.extraWait); err != nil {
			return res, p.interrupted("test_topics", err, debug)
		}
	}

	topics, messages, responses := collector.snapshot()
	debug["messages_received"] = messages
	debug["topics_found"] = len(topics)
	debug["topics_list"] = topics[:min(len(topics), debugTopicLimit)]
	debug["responses_received"] = responses

	p.logger.Info("topic availability test complete",
		"messages", messages,
		"topics", len(topics),
		"responses", responses)

	res.Success = true
	res.Details = fmt.Sprintf("Found %d messages on %d topics", messages, len(topics))
	return res, nil
}

// connect dials the broker then polls for the connected state.
func (p *Prober) connect(ctx context.Context, transport Transport, op string, debug map[string]any) error {
	if err := transport.Connect(ctx); err != nil {
		debug["error"] = err.Error()
		return connectFailure(op, err, debug)
	}

	if err := p.waitFor(ctx, probePollAttempts, transport.IsConnected); err != nil {
		return p.interrupted(op, err, debug)
	}
	if !transport.IsConnected() {
		return &Error{Kind: KindTimeout, Op: op, Message: "Timed out waiting for MQTT connection", Debug: debug}
	}
	return nil
}

// waitFor polls cond up to attempts times. Running out of attempts is not an
// error; only cancellation is.
func (p *Prober) waitFor(ctx context.Context, attempts int, cond func() bool) error {
	for i := 0; i < attempts; i++ {
		if cond() {
			return nil
		}
		if err := p.sleep(ctx, p.pollInterval); err != nil {
			return err
		}
	}
	return nil
}

func (p *Prober) interrupted(op string, err error, debug map[string]any) *Error {
	return &Error{Kind: KindOf(err), Op: op, Message: "probe interrupted", Debug: debug, Err: err}
}
