// OVMS Bridge - vehicle telemetry over MQTT
//
// This is the main entry point for the OVMS bridge. The bridge connects to
// the MQTT broker an OVMS module publishes to, turns the vehicle's metric
// topics into typed entities, relays commands to the module and exposes
// all of it over an HTTP and WebSocket API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/ovms-bridge/internal/api"
	"github.com/nerrad567/ovms-bridge/internal/audit"
	"github.com/nerrad567/ovms-bridge/internal/bridges/ovms"
	"github.com/nerrad567/ovms-bridge/internal/device"
	"github.com/nerrad567/ovms-bridge/internal/infrastructure/config"
	"github.com/nerrad567/ovms-bridge/internal/infrastructure/database"
	"github.com/nerrad567/ovms-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/ovms-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/ovms-bridge/internal/infrastructure/metrics"
	"github.com/nerrad567/ovms-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/ovms-bridge/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// commandLogPruneInterval is how often expired command history is deleted.
const commandLogPruneInterval = time.Hour

// dotEnvFiles are loaded before the config so secrets can live outside YAML.
var dotEnvFiles = []string{".env", ".env.local"}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting OVMS bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	if err := config.LoadDotEnv(dotEnvFiles...); err != nil {
		return fmt.Errorf("loading environment files: %w", err)
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"vehicle_id", cfg.OVMS.VehicleID,
		"level", cfg.Logging.Level,
	)

	// Database and device registry
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	devices := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	devices.SetLogger(log.Component("device"))
	if err := devices.RefreshCache(ctx); err != nil {
		return fmt.Errorf("loading device registry: %w", err)
	}
	if _, err := devices.EnsureDevice(ctx, device.ForVehicle(cfg.OVMS.VehicleID)); err != nil {
		return fmt.Errorf("registering vehicle device: %w", err)
	}
	log.Info("device registry initialised", "devices", devices.DeviceCount())

	commandLog := audit.NewSQLiteRepository(db.DB)
	go audit.RunRetention(ctx, commandLog, cfg.GetCommandLogRetention(), commandLogPruneInterval, log.Component("audit").Info)

	// Optional telemetry store
	influxClient, err := influxdb.Connect(ctx, cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	m := metrics.New()
	entities := api.NewEntityStore()
	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))
	hub.OnClientsChanged(m.SetWebSocketClients)
	go hub.Run(ctx)

	sink := ovms.MultiSink{entities, hub}
	if influxClient != nil {
		sink = append(sink, ovms.NewTelemetrySink(cfg.OVMS.VehicleID, influxClient))
	}

	session, err := ovms.NewSession(ovms.SessionOptions{
		Config:        ovms.SessionConfigFrom(cfg),
		NewTransport:  sessionTransport(cfg.MQTT, log),
		Sink:          sink,
		Firmware:      devices,
		Recorder:      m,
		Logger:        log.Component("ovms"),
		OnStateChange: hub.BroadcastState,
	})
	if err != nil {
		return fmt.Errorf("creating OVMS session: %w", err)
	}
	defer func() {
		log.Info("stopping OVMS session")
		session.Stop()
	}()

	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("starting OVMS session: %w", err)
	}
	log.Info("OVMS session connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"structure_prefix", session.Structure().Prefix,
	)

	// The store, hub and telemetry sink are ready, so queued entities can be
	// released now. External consumers may still signal again over the API.
	if err := session.PlatformsLoaded(ctx); err != nil {
		return fmt.Errorf("releasing queued entities: %w", err)
	}

	checks := map[string]api.HealthChecker{"database": db}
	if influxClient != nil {
		checks["influxdb"] = influxClient
	}

	server, err := api.New(api.Deps{
		Config:        cfg.API,
		WS:            cfg.WebSocket,
		Security:      cfg.Security,
		Logger:        log.Component("api"),
		Session:       session,
		Prober:        ovms.NewProber(probeTransport(cfg.MQTT), log.Component("discovery")),
		ProbeDefaults: probeDefaults(cfg),
		Entities:      entities,
		Devices:       devices,
		Commands:      commandLog,
		VehicleID:     cfg.OVMS.VehicleID,
		Hub:           hub,
		Metrics:       m.Handler(),
		Checks:        checks,
		Version:       version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API server, OVMS session,
	// InfluxDB, database.
	return nil
}

// getConfigPath returns the configuration file path.
// Uses OVMS_BRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("OVMS_BRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// sessionTransport builds the long-lived session connection. It uses the
// configured client id.
func sessionTransport(cfg config.MQTTConfig, log *logging.Logger) ovms.TransportFactory {
	return func(will *mqtt.Will) ovms.Transport {
		client := mqtt.New(cfg, "", will)
		client.SetLogger(log.Component("mqtt"))
		return client
	}
}

// probeTransport builds throwaway discovery connections without a will.
func probeTransport(cfg config.MQTTConfig) ovms.ProbeFactory {
	return func(clientID string) ovms.Transport {
		return mqtt.New(cfg, clientID, nil)
	}
}

func probeDefaults(cfg *config.Config) ovms.ProbeConfig {
	return ovms.ProbeConfig{
		TopicPrefix:    cfg.OVMS.TopicPrefix,
		VehicleID:      cfg.OVMS.VehicleID,
		Username:       cfg.TopicUsername(),
		TopicStructure: cfg.OVMS.TopicStructure,
		QoS:            byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0..2
		TLS:            cfg.MQTT.UseTLS(),
		VerifyTLS:      cfg.MQTT.Broker.VerifyTLS,
	}
}
