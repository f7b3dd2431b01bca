package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"sandbank/bank"
	"sandbank/cmd/internal/passphrase"
	"sandbank/config"
	"sandbank/ebics"
	"sandbank/ebics/engine"
	"sandbank/observability/logging"
	"sandbank/observability/metrics"
	telemetry "sandbank/observability/otel"
	"sandbank/server"
)

var (
	seedFlag = &cli.StringFlag{
		Name:  "seed",
		Usage: "YAML seed file provisioning hosts, subscribers and customers",
	}
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "listen address, overrides the configured one",
	}
	journalFlag = &cli.StringFlag{
		Name:  "journal",
		Usage: "EBICS message journal path, overrides the configured one",
	}

	serveCommand = &cli.Command{
		Name:   "serve",
		Usage:  "Run the sandbox HTTP server",
		Flags:  []cli.Flag{seedFlag, listenFlag, journalFlag},
		Action: runServe,
	}
)

func runServe(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logger := logging.SetupWithFile("sandbankd", cfg.Environment, logging.FileConfig{
		Path:       cfg.LogFile.Path,
		MaxSizeMB:  cfg.LogFile.MaxSizeMB,
		MaxBackups: cfg.LogFile.MaxBackups,
		MaxAgeDays: cfg.LogFile.MaxAgeDays,
	})

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := setupTelemetry(runCtx, cfg.Environment)
	if err != nil {
		return cli.Exit(fmt.Sprintf("initialise telemetry: %v", err), 1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	adminPassword := cfg.AdminPassword
	if adminPassword == "" && !cfg.AuthDisabled {
		adminPassword, err = passphrase.NewSource(config.EnvAdminPassword, "admin password").Get()
		if err != nil {
			return cli.Exit(fmt.Sprintf("resolve admin password: %v (set %s or disable auth)", err, config.EnvAdminPassword), 1)
		}
	}

	db, demobank, err := openLedger(cfg)
	if err != nil {
		return err
	}
	if path := ctx.String(seedFlag.Name); path != "" {
		if err := applySeed(db, demobank, path, logger); err != nil {
			return cli.Exit(fmt.Sprintf("apply seed %s: %v", path, err), 1)
		}
	}

	hub := bank.NewHub()
	var bridge *bank.PgBridge
	if bank.IsPostgres(db) {
		bridge, err = bank.StartPgBridge(runCtx, cfg.DBConnection, hub)
		if err != nil {
			return cli.Exit(fmt.Sprintf("start postgres listener: %v", err), 1)
		}
	}

	journalPath := cfg.JournalPath
	if path := ctx.String(journalFlag.Name); path != "" {
		journalPath = path
	}
	var journal *ebics.Journal
	if journalPath != "" {
		journal, err = ebics.OpenJournal(journalPath)
		if err != nil {
			return cli.Exit(fmt.Sprintf("open journal %s: %v", journalPath, err), 1)
		}
		defer journal.Close()
	}

	srv := server.New(server.Config{
		DB:            db,
		Engine:        engine.New(db).WithHub(hub),
		Hub:           hub,
		Bridge:        bridge,
		Journal:       journal,
		Metrics:       metrics.NewSandbox(),
		Logger:        logger,
		BaseURL:       cfg.BaseURL,
		AdminPassword: adminPassword,
		AuthDisabled:  cfg.AuthDisabled,
		AccessRateLimit: server.RateLimit{
			RequestsPerMinute: cfg.AccessRateLimit.RequestsPerMinute,
			Burst:             cfg.AccessRateLimit.Burst,
		},
	})

	listen := cfg.ListenAddress
	if addr := ctx.String(listenFlag.Name); addr != "" {
		listen = addr
	}
	httpServer := &http.Server{
		Addr:              listen,
		Handler:           otelhttp.NewHandler(srv.Handler(), "sandbankd"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	failed := make(chan error, 1)
	go func() {
		logger.Info("sandbox listening",
			"address", listen,
			"demobank", demobank.Name,
			"currency", demobank.Currency,
			"base_url", cfg.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
	}()

	select {
	case err := <-failed:
		return cli.Exit(fmt.Sprintf("http server: %v", err), 1)
	case <-runCtx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(drainCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	logger.Info("sandbox stopped")
	return nil
}

// setupTelemetry wires the OTLP exporters from the standard environment
// variables. Without an endpoint the exporters target the conventional
// localhost collector.
func setupTelemetry(ctx context.Context, environment string) (func(context.Context) error, error) {
	insecure := true
	if raw := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("parse OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		insecure = parsed
	}
	return telemetry.Init(ctx, telemetry.Config{
		ServiceName: "sandbankd",
		Environment: environment,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     true,
		Traces:      true,
	})
}

// applySeed provisions hosts, customers and subscribers from a YAML seed
// file. Entries that already exist are skipped, so seeding the same file
// again is harmless.
func applySeed(db *gorm.DB, demobank *bank.Demobank, path string, logger *slog.Logger) error {
	seed, err := config.LoadSeed(path)
	if err != nil {
		return err
	}
	now := time.Now()
	return bank.RunSerializable(db, func(tx *gorm.DB) error {
		for _, host := range seed.Hosts {
			if _, err := bank.CreateEbicsHost(tx, host.HostID); err != nil {
				if errors.Is(err, bank.ErrHostExists) {
					continue
				}
				return err
			}
			logger.Info("seeded EBICS host", "host", host.HostID)
		}
		for _, customer := range seed.Customers {
			if _, _, err := bank.RegisterCustomer(tx, demobank, customer.Username, customer.Password, customer.Name, now); err != nil {
				if errors.Is(err, bank.ErrUsernameTaken) {
					continue
				}
				return err
			}
			logger.Info("seeded customer", "username", customer.Username)
		}
		for _, sub := range seed.Subscribers {
			label := ""
			if sub.Account != nil {
				label = sub.Account.Label
				if _, err := bank.CreateBankAccount(tx, demobank, sub.Account.Label, bank.AdminUsername, sub.Account.IBAN, false); err != nil && !errors.Is(err, bank.ErrLabelTaken) {
					return err
				}
			}
			if _, err := bank.CreateEbicsSubscriber(tx, sub.HostID, sub.PartnerID, sub.UserID, sub.SystemID, label); err != nil {
				if errors.Is(err, bank.ErrSubscriberExists) {
					continue
				}
				return err
			}
			logger.Info("seeded EBICS subscriber",
				"host", sub.HostID,
				"partner", sub.PartnerID,
				"user", sub.UserID,
				"account", label)
		}
		return nil
	})
}
