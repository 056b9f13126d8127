// Moodrop Core - Fragrance Dispenser Orchestration
//
// This is the main entry point for the Moodrop Core application. It
// coordinates fragrance dispensers over MQTT: slot refills, blend
// manufacturing jobs, inventory reconciliation and connectivity checks,
// and exposes the whole surface over a REST API with WebSocket job
// completion events.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/moodrop/moodrop-core/migrations"

	"github.com/moodrop/moodrop-core/internal/api"
	"github.com/moodrop/moodrop-core/internal/device"
	"github.com/moodrop/moodrop-core/internal/infrastructure/config"
	"github.com/moodrop/moodrop-core/internal/infrastructure/database"
	"github.com/moodrop/moodrop-core/internal/infrastructure/influxdb"
	"github.com/moodrop/moodrop-core/internal/infrastructure/logging"
	"github.com/moodrop/moodrop-core/internal/infrastructure/mqtt"
	"github.com/moodrop/moodrop-core/internal/inventory"
	"github.com/moodrop/moodrop-core/internal/job"
	"github.com/moodrop/moodrop-core/internal/orchestrator"
	"github.com/moodrop/moodrop-core/internal/slotmap"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Moodrop Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
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
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Build the orchestrator on top of the SQLite repositories
	orch := orchestrator.New(
		device.NewSQLiteRepository(db.DB),
		slotmap.NewSQLiteRepository(db.DB),
		inventory.NewSQLiteRepository(db.DB),
		job.NewSQLiteRepository(db.DB),
		mqttClient,
		orchestrator.Options{
			CommandTimeout:     cfg.GetCommandTimeout(),
			BlendTimeout:       cfg.GetBlendTimeout(),
			DefaultBlendVolume: cfg.Orchestrator.DefaultBlendVolume,
		},
	)
	orch.SetLogger(log)

	// Connect to InfluxDB (optional telemetry)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})

		orch.SetTelemetry(influxClient)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Create the API server and wire its WebSocket hub into the
	// orchestrator so terminal job events reach connected clients.
	apiServer, err := api.New(api.Deps{
		Config:       cfg.API,
		WS:           cfg.WebSocket,
		Security:     cfg.Security,
		Logger:       log,
		Orchestrator: orch,
		Version:      version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	orch.SetNotifier(apiServer.Hub())

	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started",
		"address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	// Route device responses into the orchestrator
	if subErr := subscribeDeviceResponses(mqttClient, orch, cfg.MQTT.QoS, log); subErr != nil {
		return fmt.Errorf("subscribing to device responses: %w", subErr)
	}

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls will run in reverse order:
	// 1. API server
	// 2. InfluxDB (if enabled)
	// 3. MQTT
	// 4. Database

	log.Info("Moodrop Core stopped")
	return nil
}

// subscribeDeviceResponses routes every inbound device message to the
// orchestrator keyed by the device id embedded in the topic. Both solicited
// acknowledgements and unsolicited status broadcasts flow through the same
// handler; the orchestrator dispatches on the message tag.
func subscribeDeviceResponses(mqttClient *mqtt.Client, orch *orchestrator.Orchestrator, qos int, log *logging.Logger) error {
	topics := mqtt.Topics{}

	handler := func(t string, payload []byte) error {
		deviceID := mqtt.DeviceIDFromTopic(t)
		if deviceID == "" {
			log.Warn("message on unexpected topic", "topic", t)
			return nil
		}
		orch.HandleInbound(deviceID, payload)
		return nil
	}

	for _, topic := range []string{topics.AllDeviceResponses(), topics.AllDeviceStatus()} {
		log.Info("subscribing to device messages", "topic", topic)
		// #nosec G115 -- qos validated to 0..2 by config.Validate
		if err := mqttClient.Subscribe(topic, byte(qos), handler); err != nil {
			return err
		}
	}
	return nil
}

// getConfigPath returns the configuration file path.
// Uses MOODROP_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("MOODROP_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
