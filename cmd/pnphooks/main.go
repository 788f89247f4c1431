// pnp-hooks - provisioning and lifecycle webhooks for IoT Plug and Play devices
//
// This is the main entry point for the pnp-hooks service. It serves:
//   - the custom allocation webhook called by the provisioning service
//   - the Event Grid webhook for device lifecycle events
//   - a small admin API and WebSocket event feed
//
// Run "pnphooks token -sub NAME -role ROLE" to mint an admin API token.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/pnp-hooks/internal/api"
	"github.com/nerrad567/pnp-hooks/internal/audit"
	"github.com/nerrad567/pnp-hooks/internal/command"
	"github.com/nerrad567/pnp-hooks/internal/devicemodel"
	"github.com/nerrad567/pnp-hooks/internal/infrastructure/config"
	"github.com/nerrad567/pnp-hooks/internal/infrastructure/database"
	"github.com/nerrad567/pnp-hooks/internal/infrastructure/influxdb"
	"github.com/nerrad567/pnp-hooks/internal/infrastructure/logging"
	"github.com/nerrad567/pnp-hooks/internal/infrastructure/mqtt"
	"github.com/nerrad567/pnp-hooks/internal/lifecycle"
	"github.com/nerrad567/pnp-hooks/internal/provisioning"
	"github.com/nerrad567/pnp-hooks/internal/twin"
	"github.com/nerrad567/pnp-hooks/migrations"
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
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
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
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting pnp-hooks",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(ctx, database.Config{
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

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	twinRegistry := twin.NewRegistry(twin.NewSQLiteRepository(db.DB))
	twinRegistry.SetLogger(log)
	if refreshErr := twinRegistry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading twin registry: %w", refreshErr)
	}
	log.Info("twin registry initialised", "twins", twinRegistry.Count())

	auditRepo := audit.NewSQLiteRepository(db.DB)
	trail := audit.NewTrail(auditRepo, log)

	resolver, err := newResolver(cfg.Models, log)
	if err != nil {
		return fmt.Errorf("creating model resolver: %w", err)
	}

	// MQTT is optional: without it lifecycle commands are skipped and
	// the event ingest topic is not served.
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	switch {
	case errors.Is(err, mqtt.ErrDisabled):
		log.Info("MQTT disabled")
		mqttClient = nil
	case err != nil:
		return fmt.Errorf("connecting to MQTT: %w", err)
	default:
		mqttClient.SetLogger(log)
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
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
	}

	// InfluxDB is optional. A nil client drops metric writes.
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
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
	} else {
		log.Info("InfluxDB disabled")
	}

	// The hub is shared by the API server and both handlers.
	hub := api.NewHub(cfg.WebSocket, log)
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go hub.Run(hubCtx)

	var invoker lifecycle.CommandInvoker
	if mqttClient != nil {
		inv, invErr := startInvoker(cfg, mqttClient, influxClient, log)
		if invErr != nil {
			return invErr
		}
		defer func() {
			log.Info("stopping command invoker")
			inv.Stop()
		}()
		invoker = inv
	} else {
		log.Warn("command transport disabled; DeviceConnected commands will be skipped")
	}

	allocator, err := provisioning.NewAllocator(provisioning.Options{
		Config:      cfg.Allocation,
		Resolver:    resolver,
		Registry:    twinRegistry,
		Audit:       trail,
		Metrics:     influxClient,
		Broadcaster: hub,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("creating allocator: %w", err)
	}

	handler, err := lifecycle.NewHandler(lifecycle.Options{
		Config:      cfg.Lifecycle,
		Registry:    twinRegistry,
		Resolver:    resolver,
		Invoker:     invoker,
		Audit:       trail,
		Metrics:     influxClient,
		Broadcaster: hub,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("creating lifecycle handler: %w", err)
	}
	if mqttClient != nil {
		if ingestErr := handler.StartIngest(mqttClient, mqttClient.QoS()); ingestErr != nil {
			return fmt.Errorf("starting event ingest: %w", ingestErr)
		}
		defer func() {
			log.Info("stopping event ingest")
			handler.StopIngest()
		}()
	}

	server, err := api.New(api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Security:  cfg.Security,
		Logger:    log,
		Allocator: allocator,
		Lifecycle: handler,
		Registry:  twinRegistry,
		Resolver:  resolver,
		AuditRepo: auditRepo,
		Hub:       hub,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	if cfg.Security.FunctionKey == "" {
		log.Warn("webhook function key not set; webhooks accept unauthenticated calls")
	}
	if cfg.Security.JWT.Secret == "" {
		log.Warn("JWT secret not set; admin API is open")
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API server, ingest, invoker,
	// hub, InfluxDB, MQTT, database.

	log.Info("pnp-hooks stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses PNPHOOKS_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("PNPHOOKS_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// newResolver builds the model source chain and the caching resolver.
func newResolver(cfg config.ModelsConfig, log *logging.Logger) (*devicemodel.Resolver, error) {
	sources := devicemodel.NewSources(devicemodel.SourceConfig{
		PublicURL:  cfg.PublicURL,
		PrivateURL: cfg.PrivateURL,
		Token:      cfg.Token,
		LocalDir:   cfg.LocalDir,
		Timeout:    time.Duration(cfg.FetchTimeout) * time.Second,
	})
	resolver, err := devicemodel.NewResolver(sources, devicemodel.ResolverConfig{
		CacheSize: cfg.CacheSize,
		MaxDepth:  cfg.MaxDependencyDepth,
	})
	if err != nil {
		return nil, err
	}
	resolver.SetLogger(log)

	log.Info("model resolver initialised",
		"sources", len(sources),
		"private_repository", cfg.PrivateURL != "",
		"local_dir", cfg.LocalDir,
		"cache_size", cfg.CacheSize,
	)
	return resolver, nil
}

// startInvoker creates the direct method invoker and subscribes it to
// method responses.
func startInvoker(cfg *config.Config, client *mqtt.Client, metrics *influxdb.Client, log *logging.Logger) (*command.Invoker, error) {
	inv, err := command.NewInvoker(command.Options{
		MQTTClient: client,
		Metrics:    metrics,
		Logger:     log,
		Timeout:    time.Duration(cfg.Lifecycle.CommandTimeout) * time.Second,
		QoS:        client.QoS(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating command invoker: %w", err)
	}
	if err := inv.Start(); err != nil {
		return nil, fmt.Errorf("starting command invoker: %w", err)
	}
	log.Info("command invoker started", "timeout_s", cfg.Lifecycle.CommandTimeout)
	return inv, nil
}

// healthCheck verifies all infrastructure connections are healthy.
// mqttClient and influxClient may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
