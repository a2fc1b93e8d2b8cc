package mqtt

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/nerrad567/ovms-bridge/internal/infrastructure/config"
)

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:      "broker.local",
			Port:      1883,
			VerifyTLS: true,
			ClientID:  "ovms-bridge",
		},
		QoS:            1,
		KeepAlive:      45,
		ConnectTimeout: 3,
	}
}

func TestBuildClientOptionsPlain(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.Auth.Username = "me"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg, "ovms-bridge-test")

	if len(opts.Servers) != 1 {
		t.Fatalf("Servers = %d, want 1", len(opts.Servers))
	}
	if got := opts.Servers[0].String(); got != "tcp://broker.local:1883" {
		t.Errorf("server = %q, want tcp://broker.local:1883", got)
	}
	if opts.ClientID != "ovms-bridge-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "me" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q", opts.Username, opts.Password)
	}
	if opts.AutoReconnect {
		t.Error("AutoReconnect = true, want false")
	}
	if opts.ConnectTimeout != 3*time.Second {
		t.Errorf("ConnectTimeout = %v, want 3s", opts.ConnectTimeout)
	}
	if opts.KeepAlive != 45 {
		t.Errorf("KeepAlive = %d, want 45", opts.KeepAlive)
	}
	if opts.TLSConfig != nil && opts.TLSConfig.InsecureSkipVerify {
		t.Error("plain connection should not carry an insecure TLS config")
	}
}

func TestBuildClientOptionsTLS(t *testing.T) {
	tests := []struct {
		name         string
		port         int
		tls          bool
		verify       bool
		wantScheme   string
		wantInsecure bool
	}{
		{"port 8883 implies tls", 8883, false, true, "ssl", false},
		{"explicit tls on custom port", 9001, true, true, "ssl", false},
		{"verification disabled", 8883, false, false, "ssl", true},
		{"plain", 1883, false, false, "tcp", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testMQTTConfig()
			cfg.Broker.Port = tt.port
			cfg.Broker.TLS = tt.tls
			cfg.Broker.VerifyTLS = tt.verify

			opts := buildClientOptions(cfg, "id")
			if !strings.HasPrefix(opts.Servers[0].String(), tt.wantScheme+"://") {
				t.Errorf("server = %q, want scheme %s", opts.Servers[0], tt.wantScheme)
			}
			if tt.wantScheme != "ssl" {
				return
			}
			if opts.TLSConfig == nil {
				t.Fatal("TLSConfig = nil for ssl connection")
			}
			if opts.TLSConfig.InsecureSkipVerify != tt.wantInsecure {
				t.Errorf("InsecureSkipVerify = %v, want %v", opts.TLSConfig.InsecureSkipVerify, tt.wantInsecure)
			}
		})
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testMQTTConfig(), "id")
	configureLWT(opts, &Will{Topic: "ovms/me/KONA/status", Payload: "offline", QoS: 1, Retained: true})

	if !opts.WillEnabled {
		t.Fatal("WillEnabled = false")
	}
	if opts.WillTopic != "ovms/me/KONA/status" || string(opts.WillPayload) != "offline" {
		t.Errorf("will = %q/%q", opts.WillTopic, opts.WillPayload)
	}
	if opts.WillQos != 1 || !opts.WillRetained {
		t.Errorf("will qos/retain = %d/%v", opts.WillQos, opts.WillRetained)
	}

	bare := buildClientOptions(testMQTTConfig(), "id")
	configureLWT(bare, nil)
	if bare.WillEnabled {
		t.Error("nil will should leave WillEnabled false")
	}
}

func TestTimeoutDefaults(t *testing.T) {
	var cfg config.MQTTConfig
	if got := connectTimeout(cfg); got != defaultConnectTimeout {
		t.Errorf("connectTimeout() = %v, want %v", got, defaultConnectTimeout)
	}
	if got := keepAlive(cfg); got != defaultKeepAlive {
		t.Errorf("keepAlive() = %v, want %v", got, defaultKeepAlive)
	}
}

func TestConnectError(t *testing.T) {
	refused := &ConnectError{ReturnCode: packets.ErrRefusedNotAuthorised, Err: errors.New("not authorised")}
	if !refused.Rejected() {
		t.Error("Rejected() = false for not-authorised return code")
	}
	if !errors.Is(refused, ErrConnectionFailed) {
		t.Error("errors.Is(ErrConnectionFailed) = false")
	}
	if !strings.Contains(refused.Error(), "rc=5") {
		t.Errorf("Error() = %q, want return code in message", refused.Error())
	}

	dial := &ConnectError{Err: errors.New("connection refused")}
	if dial.Rejected() {
		t.Error("Rejected() = true for dial failure")
	}
}
