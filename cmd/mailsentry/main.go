package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailsentry/config"
	"mailsentry/internal/correlator"
	"mailsentry/internal/dispatch"
	"mailsentry/internal/enrich"
	"mailsentry/internal/indicators"
	inputredis "mailsentry/internal/input/redis"
	"mailsentry/internal/logger"
	"mailsentry/internal/pipeline"
	"mailsentry/internal/rules"
	"mailsentry/internal/storage"
	"mailsentry/pkg/models"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		if _, err := os.Stat(configArg); err == nil {
			return configArg
		}
		log.Printf("Warning: config file not found at %s, trying default locations", configArg)
	}

	if _, err := os.Stat("mailsentry.yml"); err == nil {
		return "mailsentry.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		path := filepath.Join(filepath.Dir(exePath), "mailsentry.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "mailsentry.yml"
}

func loadConfig(configArg string) *config.Config {
	configPath := findConfigFile(configArg)
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.ApplyDefaults()

	if err := logger.Init(cfg.MailSentry.Logging.Enabled, cfg.MailSentry.Logging.Level, cfg.MailSentry.Logging.File, cfg.MailSentry.Logging.Console); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Infof("Config loaded from: %s", configPath)
	return cfg
}

func openStore(cfg *config.Config) *storage.Store {
	store, err := storage.Open(cfg.MailSentry.Storage.Path, cfg.MailSentry.Storage.Timeout)
	if err != nil {
		log.Fatalf("Failed to open store at %s: %v", cfg.MailSentry.Storage.Path, err)
	}
	return store
}

func buildChannels(cfg *config.Config) []dispatch.Notifier {
	var channels []dispatch.Notifier
	for i, cc := range cfg.MailSentry.Dispatch.Channels {
		minSev, _ := models.ParseSeverity(cc.MinSeverity)
		name := fmt.Sprintf("%s-%d", cc.Type, i)
		switch cc.Type {
		case "file":
			ch, err := dispatch.NewFileChannel(name, cc.Path, minSev)
			if err != nil {
				log.Fatalf("Failed to create file channel: %v", err)
			}
			channels = append(channels, ch)
			logger.Infof("Notification channel: file (%s)", cc.Path)
		case "webhook":
			channels = append(channels, dispatch.NewWebhookChannel(name, cc.URL, cc.Headers, minSev, cc.Timeout))
			logger.Infof("Notification channel: webhook (%s)", cc.URL)
		case "smtp":
			channels = append(channels, dispatch.NewSMTPChannel(name, cc.SMTPHost, cc.SMTPPort, cc.From, cc.To, minSev))
			logger.Infof("Notification channel: smtp (%s:%d)", cc.SMTPHost, cc.SMTPPort)
		default:
			log.Fatalf("Unknown notification channel type: %s", cc.Type)
		}
	}
	return channels
}

func runEngine(args []string) {
	configArg := ""
	if len(args) > 0 {
		configArg = args[0]
	}
	cfg := loadConfig(configArg)
	ms := &cfg.MailSentry

	logger.Infof("MailSentry starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := openStore(cfg)
	defer store.Close()

	indStore, err := indicators.NewStore(ctx, store, ms.Storage.MaxRetries, ms.Storage.RetryBackoff)
	if err != nil {
		log.Fatalf("Failed to open indicator store: %v", err)
	}
	if ms.Indicators.SeedPath != "" {
		feed, err := indicators.LoadFeed(ms.Indicators.SeedPath)
		if err != nil {
			log.Fatalf("Failed to load indicator seed: %v", err)
		}
		created, merged, err := indStore.IngestFeed(ctx, feed)
		if err != nil {
			log.Fatalf("Failed to seed indicators: %v", err)
		}
		logger.Infof("Indicator seed loaded: created=%d merged=%d active=%d", created, merged, indStore.Len())
	}

	engine, stats, err := rules.NewEngine(ms.Rules.Path)
	if err != nil {
		logger.Errorf("Failed to load rules from %s: %v", ms.Rules.Path, err)
		log.Fatalf("Failed to load rules: %v", err)
	}
	logger.Infof("Rules loaded: loaded=%d disabled=%d total=%d", stats.Loaded, stats.Disabled, stats.Total)

	corr, err := correlator.New(ctx, correlator.Config{
		Window:         ms.Correlation.Window,
		MinScore:       ms.Correlation.MinScore,
		SeverityPolicy: ms.Correlation.SeverityPolicy,
		StoreRetries:   ms.Storage.MaxRetries,
		StoreBackoff:   ms.Storage.RetryBackoff,
	}, store)
	if err != nil {
		log.Fatalf("Failed to create correlator: %v", err)
	}

	enricher, err := enrich.NewProvider(ms.Enrichment.Dir)
	if err != nil {
		log.Fatalf("Failed to load enrichment lists: %v", err)
	}

	minSev, _ := models.ParseSeverity(ms.Dispatch.MinSeverity)
	dispatcher, err := dispatch.New(dispatch.Config{
		MinSeverity:     minSev,
		EntityRateLimit: ms.Dispatch.EntityRateLimit,
		EntityRateBurst: ms.Dispatch.EntityRateBurst,
		MaxRetries:      ms.Dispatch.MaxRetries,
		RetryBackoff:    ms.Dispatch.RetryBackoff,
	}, store, buildChannels(cfg), enricher)
	if err != nil {
		log.Fatalf("Failed to create dispatcher: %v", err)
	}

	consumer, err := inputredis.NewConsumer(ctx, inputredis.Config{
		Addr:         ms.Input.Redis.Addr,
		Password:     ms.Input.Redis.Password,
		DB:           ms.Input.Redis.DB,
		Key:          ms.Input.Redis.Key,
		BlockTimeout: ms.Input.Redis.BlockTimeout,
	})
	if err != nil {
		logger.Errorf("Failed to create Redis consumer: %v", err)
		log.Fatalf("Failed to create Redis consumer: %v", err)
	}

	pipe := pipeline.New(pipeline.Config{
		Workers:       ms.Pipeline.Workers,
		QueueSize:     ms.Pipeline.QueueSize,
		ShutdownGrace: ms.Pipeline.ShutdownGrace,
		SweepInterval: ms.Correlation.SweepInterval,
		StoreRetries:  ms.Storage.MaxRetries,
		StoreBackoff:  ms.Storage.RetryBackoff,
	}, consumer, engine, indStore, corr, dispatcher, store)

	if ms.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Infof("Metrics listening on %s", ms.Metrics.Listen)
			if err := http.ListenAndServe(ms.Metrics.Listen, mux); err != nil {
				logger.Errorf("Metrics listener failed: %v", err)
			}
		}()
	}

	pipeDone := make(chan struct{})
	go func() {
		defer close(pipeDone)
		if err := pipe.Run(ctx); err != nil && err != context.Canceled {
			logger.Errorf("Pipeline error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			stats, err := engine.Reload()
			if err != nil {
				logger.Errorf("Rule reload failed, keeping previous set: %v", err)
				continue
			}
			logger.Infof("Rules reloaded: loaded=%d disabled=%d total=%d", stats.Loaded, stats.Disabled, stats.Total)
			continue
		}
		break
	}

	logger.Infof("Shutting down")
	cancel()
	// The pipeline drains queued events for up to its shutdown grace.
	<-pipeDone

	if err := pipe.Close(); err != nil {
		logger.Errorf("Error closing pipeline: %v", err)
	}
	logger.Sync()
	logger.Infof("MailSentry stopped")
}

func runIngest(args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	configArg := fs.String("config", "", "Config file path")
	feedPath := fs.String("feed", "", "YAML indicator feed to ingest")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *feedPath == "" {
		fmt.Fprintln(os.Stderr, "ingest: -feed is required")
		return 2
	}

	cfg := loadConfig(*configArg)
	store := openStore(cfg)
	defer store.Close()

	ctx := context.Background()
	indStore, err := indicators.NewStore(ctx, store, cfg.MailSentry.Storage.MaxRetries, cfg.MailSentry.Storage.RetryBackoff)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open indicator store: %v\n", err)
		return 1
	}

	feed, err := indicators.LoadFeed(*feedPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load feed: %v\n", err)
		return 1
	}
	created, merged, err := indStore.IngestFeed(ctx, feed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to ingest feed: %v\n", err)
		return 1
	}

	fmt.Printf("ingested feed=%s created=%d merged=%d active=%d\n", *feedPath, created, merged, indStore.Len())
	return 0
}

func runQuery(args []string) int {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	configArg := fs.String("config", "", "Config file path")
	kind := fs.String("kind", "alerts", "What to query: alerts or incidents")
	severity := fs.String("severity", "", "Filter by severity")
	entity := fs.String("entity", "", "Filter by entity key (field=value)")
	since := fs.Duration("since", 24*time.Hour, "Look-back window")
	limit := fs.Int("limit", 50, "Maximum rows")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := loadConfig(*configArg)
	store := openStore(cfg)
	defer store.Close()

	ctx := context.Background()
	from := time.Now().Add(-*since)
	enc := json.NewEncoder(os.Stdout)

	switch *kind {
	case "alerts":
		alerts, err := store.QueryAlerts(ctx, storage.AlertQuery{
			From:      from,
			Severity:  models.Severity(*severity),
			EntityKey: *entity,
			Limit:     *limit,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to query alerts: %v\n", err)
			return 1
		}
		for _, a := range alerts {
			if err := enc.Encode(a); err != nil {
				fmt.Fprintf(os.Stderr, "failed to encode alert: %v\n", err)
				return 1
			}
		}
	case "incidents":
		incidents, err := store.QueryIncidents(ctx, storage.IncidentQuery{
			From:      from,
			Severity:  models.Severity(*severity),
			EntityKey: *entity,
			Limit:     *limit,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to query incidents: %v\n", err)
			return 1
		}
		for _, inc := range incidents {
			if err := enc.Encode(inc); err != nil {
				fmt.Fprintf(os.Stderr, "failed to encode incident: %v\n", err)
				return 1
			}
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown query kind: %s\n", *kind)
		return 2
	}
	return 0
}

func runAck(args []string) int {
	fs := flag.NewFlagSet("ack", flag.ContinueOnError)
	configArg := fs.String("config", "", "Config file path")
	id := fs.String("id", "", "Alert id")
	status := fs.String("status", string(models.AlertAcknowledged), "New status: acknowledged or closed")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *id == "" {
		fmt.Fprintln(os.Stderr, "ack: -id is required")
		return 2
	}
	switch models.AlertStatus(*status) {
	case models.AlertAcknowledged, models.AlertClosed:
	default:
		fmt.Fprintf(os.Stderr, "ack: invalid status %q\n", *status)
		return 2
	}

	cfg := loadConfig(*configArg)
	store := openStore(cfg)
	defer store.Close()

	if err := store.UpdateAlertStatus(context.Background(), *id, models.AlertStatus(*status)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to update alert %s: %v\n", *id, err)
		return 1
	}
	fmt.Printf("alert %s -> %s\n", *id, *status)
	return 0
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runEngine(os.Args[2:])
			return
		case "ingest":
			os.Exit(runIngest(os.Args[2:]))
		case "query":
			os.Exit(runQuery(os.Args[2:]))
		case "ack":
			os.Exit(runAck(os.Args[2:]))
		default:
			// Backward-compatible mode: first arg is config path.
			runEngine(os.Args[1:])
			return
		}
	}

	runEngine(nil)
}
