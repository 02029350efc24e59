package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"fleet-core/internal/auth"
	commandsapp "fleet-core/internal/commands/application"
	commandsrepo "fleet-core/internal/commands/infrastructure/postgres"
	devicesapp "fleet-core/internal/devices/application"
	devicesrepo "fleet-core/internal/devices/infrastructure/postgres"
	eventsapp "fleet-core/internal/events/application"
	eventsrepo "fleet-core/internal/events/infrastructure/postgres"
	"fleet-core/internal/notify"
	"fleet-core/internal/observability/metrics"
	"fleet-core/internal/stream"
	telemetryapp "fleet-core/internal/telemetry/application"
	telemetryrepo "fleet-core/internal/telemetry/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)
	ctx := context.Background()

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatalf("redis ping error: %v", err)
	}

	metrics.Init(db, logger)

	pointRepo := telemetryrepo.NewRepository(db)
	pointQuery := telemetryrepo.NewQuery(db)
	definitionStore := telemetryrepo.NewMetricDefinitionStore(db)
	retention, err := telemetryrepo.NewRetention(db, logger)
	if err != nil {
		logger.Fatalf("retention error: %v", err)
	}

	catalogue, err := loadCatalogue(ctx, cfg.MetricsConfig, definitionStore)
	if err != nil {
		logger.Fatalf("metric catalogue error: %v", err)
	}
	logger.Printf("metric catalogue loaded definitions=%d", catalogue.Len())

	ingestProducer, err := stream.NewProducer(redisClient, stream.TelemetryIngestion, cfg.StreamMaxLen)
	if err != nil {
		logger.Fatalf("ingest producer error: %v", err)
	}
	alertProducer, err := stream.NewProducer(redisClient, stream.AlertEvaluation, cfg.StreamMaxLen)
	if err != nil {
		logger.Fatalf("alert producer error: %v", err)
	}
	commandProducer, err := stream.NewProducer(redisClient, stream.DeviceCommands, cfg.StreamMaxLen)
	if err != nil {
		logger.Fatalf("command producer error: %v", err)
	}

	telemetryPublisher, err := stream.NewTelemetryPublisher(ingestProducer, alertProducer)
	if err != nil {
		logger.Fatalf("telemetry publisher error: %v", err)
	}
	telemetryService, err := telemetryapp.NewService(pointRepo, pointQuery, catalogue, telemetryPublisher, logger)
	if err != nil {
		logger.Fatalf("telemetry service error: %v", err)
	}

	deviceRepo := devicesrepo.NewRepository(db)
	eventRepo := eventsrepo.NewRepository(db)
	eventService, err := eventsapp.NewService(eventRepo, deviceRepo, logger)
	if err != nil {
		logger.Fatalf("event service error: %v", err)
	}
	deviceService, err := devicesapp.NewService(deviceRepo, eventService, logger,
		devicesapp.WithSessionTimeout(cfg.SessionTimeout))
	if err != nil {
		logger.Fatalf("device service error: %v", err)
	}

	commandQueue := commandsrepo.NewRepository(db)
	commandNotifier, err := stream.NewCommandNotifier(commandProducer)
	if err != nil {
		logger.Fatalf("command notifier error: %v", err)
	}
	commandService, err := commandsapp.NewService(commandQueue, commandNotifier, eventService, logger,
		commandsapp.WithDefaultExpiry(cfg.CommandExpiry),
		commandsapp.WithMaxRetries(cfg.CommandMaxRetries))
	if err != nil {
		logger.Fatalf("command service error: %v", err)
	}

	ingestConsumer, err := stream.NewConsumer(redisClient, stream.TelemetryIngestion, cfg.ConsumerGroup, cfg.ConsumerName, logger)
	if err != nil {
		logger.Fatalf("ingest consumer error: %v", err)
	}
	go func() {
		if err := ingestConsumer.Run(ctx, stream.IngestionHandler(telemetryService)); err != nil {
			logger.Printf("ingest consumer stopped: %v", err)
		}
	}()

	if cfg.NotifyWebhookURL != "" {
		sender, err := notify.NewWebhookSender(cfg.NotifyWebhookURL, logger)
		if err != nil {
			logger.Fatalf("webhook sender error: %v", err)
		}
		notifyConsumer, err := stream.NewConsumer(redisClient, stream.Notifications, cfg.ConsumerGroup, cfg.ConsumerName, logger)
		if err != nil {
			logger.Fatalf("notification consumer error: %v", err)
		}
		go func() {
			if err := notifyConsumer.Run(ctx, stream.NotificationHandler(sender)); err != nil {
				logger.Printf("notification consumer stopped: %v", err)
			}
		}()
	}

	go commandService.RunExpirySweep(ctx, cfg.ExpirySweepInterval)

	sweeper, err := telemetryapp.NewSweeper(retention,
		time.Duration(cfg.RetentionDays)*24*time.Hour,
		time.Duration(cfg.CompactionDays)*24*time.Hour,
		cfg.SweepInterval, logger)
	if err != nil {
		logger.Fatalf("retention sweeper error: %v", err)
	}
	go sweeper.Run(ctx)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			if reaped := deviceService.ReapStaleSessions(ctx); reaped > 0 {
				logger.Printf("reaped %d stale sessions", reaped)
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			eventCutoff := time.Now().UTC().AddDate(0, 0, -cfg.EventRetentionDays)
			if deleted, err := eventService.Prune(ctx, eventCutoff); err != nil {
				logger.Printf("event prune error: %v", err)
			} else if deleted > 0 {
				logger.Printf("pruned %d old events", deleted)
			}
			commandCutoff := time.Now().UTC().AddDate(0, 0, -cfg.CommandRetentionDays)
			if deleted, err := commandQueue.CleanupOld(ctx, commandCutoff); err != nil {
				logger.Printf("command cleanup error: %v", err)
			} else if deleted > 0 {
				logger.Printf("cleaned up %d finished commands", deleted)
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if cfg.JWTSecret != "" {
		statsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			queueStats, err := commandQueue.Stats(r.Context())
			if err != nil {
				http.Error(w, "stats unavailable", http.StatusInternalServerError)
				return
			}
			ingestion, err := pointQuery.IngestionStats(r.Context(), time.Now().UTC().Add(-24*time.Hour))
			if err != nil {
				http.Error(w, "stats unavailable", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"commands":  queueStats,
				"ingestion": ingestion,
			})
		})
		mux.Handle("/ops/stats", auth.Middleware([]byte(cfg.JWTSecret), auth.RoleViewer, statsHandler))
	} else {
		logger.Printf("AUTH_JWT_SECRET not set, operator endpoints disabled")
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	logger.Fatal(server.ListenAndServe())
}

// loadCatalogue prefers the yaml file; without one the definitions come
// from the metric_definitions table.
func loadCatalogue(ctx context.Context, path string, store *telemetryrepo.MetricDefinitionStore) (*telemetryapp.Catalogue, error) {
	if path != "" {
		return telemetryapp.LoadCatalogue(path)
	}
	defs, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	return telemetryapp.NewCatalogue(defs), nil
}

type config struct {
	DatabaseURL          string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	HTTPAddr             string
	MetricsConfig        string
	RetentionDays        int
	CompactionDays       int
	EventRetentionDays   int
	CommandRetentionDays int
	SweepInterval        time.Duration
	StreamMaxLen         int64
	ConsumerGroup        string
	ConsumerName         string
	SessionTimeout       time.Duration
	CommandExpiry        time.Duration
	CommandMaxRetries    int
	ExpirySweepInterval  time.Duration
	NotifyWebhookURL     string
	JWTSecret            string
}

func loadConfig() config {
	hostname, _ := os.Hostname()
	cfg := config{
		DatabaseURL:          getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		RedisAddr:            getenvDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:        getenvDefault("REDIS_PASSWORD", ""),
		RedisDB:              getenvIntDefault("REDIS_DB", 0),
		HTTPAddr:             getenvDefault("HTTP_ADDR", ":8080"),
		MetricsConfig:        getenvDefault("METRICS_CONFIG", ""),
		RetentionDays:        getenvIntDefault("TELEMETRY_RETENTION_DAYS", 395),
		CompactionDays:       getenvIntDefault("TELEMETRY_COMPACTION_DAYS", 7),
		EventRetentionDays:   getenvIntDefault("EVENT_RETENTION_DAYS", 90),
		CommandRetentionDays: getenvIntDefault("COMMAND_RETENTION_DAYS", 30),
		SweepInterval:        getenvDuration("RETENTION_SWEEP_INTERVAL", time.Hour),
		StreamMaxLen:         int64(getenvIntDefault("STREAM_MAX_LEN", 100000)),
		ConsumerGroup:        getenvDefault("CONSUMER_GROUP", "fleet-core"),
		ConsumerName:         getenvDefault("CONSUMER_NAME", hostname),
		SessionTimeout:       getenvDuration("SESSION_TIMEOUT", 5*time.Minute),
		CommandExpiry:        getenvDuration("COMMAND_EXPIRY", time.Hour),
		CommandMaxRetries:    getenvIntDefault("COMMAND_MAX_RETRIES", 3),
		ExpirySweepInterval:  getenvDuration("COMMAND_EXPIRY_SWEEP_INTERVAL", 30*time.Second),
		NotifyWebhookURL:     getenvDefault("NOTIFY_WEBHOOK_URL", ""),
		JWTSecret:            getenvDefault("AUTH_JWT_SECRET", ""),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "fleet-core-1"
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
