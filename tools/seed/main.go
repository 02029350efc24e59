package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	devicesapp "fleet-core/internal/devices/application"
	devices "fleet-core/internal/devices/domain"
	devicesrepo "fleet-core/internal/devices/infrastructure/postgres"
	telemetryapp "fleet-core/internal/telemetry/application"
	telemetryrepo "fleet-core/internal/telemetry/infrastructure/postgres"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type config struct {
	dsn           string
	siteID        string
	orgID         string
	serialPrefix  string
	deviceCount   int
	pollInterval  time.Duration
	tokenTTL      time.Duration
	metricsConfig string
	issueTokens   bool
}

var seedTypes = []devices.DeviceType{
	devices.TypeInverter,
	devices.TypeMeter,
	devices.TypeBattery,
	devices.TypeWeatherStation,
}

func main() {
	cfg := parseConfig()
	if cfg.dsn == "" {
		log.Fatal("PG_DSN or DATABASE_URL is required")
	}
	if cfg.deviceCount <= 0 {
		log.Fatal("device-count must be > 0")
	}
	siteID, err := uuid.Parse(cfg.siteID)
	if err != nil {
		log.Fatalf("invalid site-id: %v", err)
	}
	orgID, err := uuid.Parse(cfg.orgID)
	if err != nil {
		log.Fatalf("invalid org-id: %v", err)
	}

	db, err := sql.Open("pgx", cfg.dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	if cfg.metricsConfig != "" {
		if err := seedDefinitions(ctx, db, cfg.metricsConfig); err != nil {
			log.Fatalf("seed metric definitions: %v", err)
		}
	}

	registry := devicesrepo.NewRepository(db)
	now := time.Now().UTC()
	var seeded []devices.RegistryEntry
	for i := 0; i < cfg.deviceCount; i++ {
		entry := devices.RegistryEntry{
			DeviceID:         uuid.New(),
			SiteID:           siteID,
			OrganizationID:   orgID,
			DeviceType:       seedTypes[i%len(seedTypes)],
			SerialNumber:     fmt.Sprintf("%s-%04d", cfg.serialPrefix, i+1),
			ConnectionStatus: devices.StatusDisconnected,
			Protocol:         "mqtt",
			PollingInterval:  cfg.pollInterval,
			SyncedAt:         &now,
		}
		if err := entry.Validate(); err != nil {
			log.Fatalf("entry %s: %v", entry.SerialNumber, err)
		}
		if err := registry.Upsert(ctx, entry); err != nil {
			log.Fatalf("upsert %s: %v", entry.SerialNumber, err)
		}
		seeded = append(seeded, entry)
	}
	log.Printf("seeded %d devices site=%s", len(seeded), siteID)

	if !cfg.issueTokens {
		return
	}
	authService, err := devicesapp.NewAuthService(registry, devicesapp.NewMemoryFailureStore(), logger,
		devicesapp.WithTokenTTL(cfg.tokenTTL))
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}
	// The plaintext is only recoverable here; the registry keeps a hash.
	for _, entry := range seeded {
		token, expiresAt, err := authService.GenerateToken(ctx, entry.DeviceID, cfg.tokenTTL)
		if err != nil {
			log.Fatalf("token for %s: %v", entry.SerialNumber, err)
		}
		fmt.Printf("%s\t%s\t%s\texpires=%s\n", entry.SerialNumber, entry.DeviceID, token, expiresAt.Format(time.RFC3339))
	}
}

func seedDefinitions(ctx context.Context, db *sql.DB, path string) error {
	catalogue, err := telemetryapp.LoadCatalogue(path)
	if err != nil {
		return err
	}
	store := telemetryrepo.NewMetricDefinitionStore(db)
	for _, def := range catalogue.Definitions() {
		if err := store.Upsert(ctx, def); err != nil {
			return fmt.Errorf("%s: %w", def.MetricName, err)
		}
	}
	log.Printf("seeded %d metric definitions from %s", catalogue.Len(), path)
	return nil
}

func parseConfig() config {
	cfg := config{}
	flag.StringVar(&cfg.dsn, "dsn", envDefault("PG_DSN", os.Getenv("DATABASE_URL")), "postgres dsn")
	flag.StringVar(&cfg.siteID, "site-id", "", "site uuid the devices belong to")
	flag.StringVar(&cfg.orgID, "org-id", "", "organization uuid")
	flag.StringVar(&cfg.serialPrefix, "serial-prefix", "SEED", "serial number prefix")
	flag.IntVar(&cfg.deviceCount, "device-count", 8, "number of devices to seed")
	flag.DurationVar(&cfg.pollInterval, "poll-interval", time.Minute, "device polling interval")
	flag.DurationVar(&cfg.tokenTTL, "token-ttl", 365*24*time.Hour, "issued token lifetime")
	flag.StringVar(&cfg.metricsConfig, "metrics-config", "", "yaml metric catalogue to load into metric_definitions")
	flag.BoolVar(&cfg.issueTokens, "issue-tokens", true, "issue a bootstrap auth token per device")
	flag.Parse()
	return cfg
}

func envDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}
