package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"ocppj_cp/internal/config"
	"ocppj_cp/internal/exchange"
	"ocppj_cp/internal/metrics"
	"ocppj_cp/internal/store"
)

const (
	appVersion = "4.1.0"
)

var (
	chargePointId, csUrl, configPath, controlPort, dbPath string
	showVersion                                           bool

	ll        = log.StandardLogger()
	appLogger = ll.WithContext(context.Background())
)

func init() {
	time.Local = time.UTC
}

func main() {
	// listen to quit signals
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	flag.StringVar(&chargePointId, "cp", "", "charge point id")
	flag.StringVar(&csUrl, "cs", "", "central system url")
	flag.StringVar(&configPath, "config", "~/.ocppcp/config.toml", "config file")
	flag.StringVar(&controlPort, "control-port", "", "control server port (default: random)")
	flag.StringVar(&dbPath, "db", "", "db path")
	flag.BoolVar(&showVersion, "version", false, "show version")

	flag.Parse()
	if showVersion {
		fmt.Println("Current App Version:", appVersion)
		os.Exit(0)
	}

	cfg, err := config.FromFile(configPath)
	if err != nil {
		log.Fatal(err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		println(err.Error())
		flag.Usage()
		os.Exit(1)
	}

	setupLogger(cfg.Log)
	appLogger = appLogger.WithField("cp", cfg.ChargePoint.ID)

	db, err := store.Open(filepath.Join(cfg.Store.Path, cfg.ChargePoint.ID))
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := setupStore(db, cfg); err != nil {
		log.Fatal(err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	cp := NewChargePoint(cfg, db, appLogger)
	journal := store.NewJournal(db, cfg.ChargePoint.ID, time.Duration(cfg.Store.AuditRetention))
	engine := exchange.New(exchange.Config{
		DefaultAction:     cfg.Exchange.DefaultAction,
		DefaultPayload:    cfg.DefaultPayloadJSON(),
		CompletionTimeout: time.Duration(cfg.Exchange.CompletionTimeout),
		OutboundCapacity:  cfg.Exchange.OutboundCapacity,
		SettledMemory:     cfg.Exchange.SettledMemory,
	}, cp, cp,
		exchange.WithLogger(appLogger),
		exchange.WithMetrics(metrics.New(reg)),
		exchange.WithJournal(journal),
	)
	defer engine.Close()
	cp.Attach(engine, journal)

	server, httpPort, err := startHttpServer(strconv.Itoa(cfg.Control.Port), cp.controlHandler(reg))
	if err != nil {
		appLogger.WithError(err).Fatalln("startHttpServer")
	}
	defer server.Close()
	appLogger = appLogger.WithField("control_port", httpPort)
	appLogger.Infoln("Control Server started on port", httpPort)

	if err := cp.Start(context.Background()); err != nil {
		appLogger.WithError(err).Fatalln("startChargePoint")
	}

	<-signals
	go func() {
		<-signals
		fmt.Println("Forcefully shutting down...")
		_ = db.Set("stopped_at", time.Now().Format(time.RFC3339))
		os.Exit(2)
	}()

	fmt.Println("Gracefully shutting down...")

	_ = db.Set("stopped_at", time.Now().Format(time.RFC3339))
	if cp.IsConnected() {
		_ = cp.Stop()
	}
}

// applyFlags puts command-line values over the loaded configuration.
func applyFlags(cfg *config.Config) {
	if chargePointId != "" {
		cfg.ChargePoint.ID = chargePointId
	}
	if csUrl != "" {
		cfg.ChargePoint.CentralSystemURL = csUrl
	}
	if controlPort != "" {
		if port, err := strconv.Atoi(controlPort); err == nil {
			cfg.Control.Port = port
		}
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
}

func setupLogger(cfg config.Log) {
	level, err := log.ParseLevel(cfg.Level)
	if err == nil {
		ll.SetLevel(level)
	}
	if cfg.File == "" {
		return
	}
	ll.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}))
}

// setupStore records the run and seeds the configuration keys.
func setupStore(db *store.Store, cfg *config.Config) error {
	run := map[string]string{
		"started_at":      time.Now().Format(time.RFC3339),
		"charge_point_id": cfg.ChargePoint.ID,
		"cs_url":          cfg.ChargePoint.CentralSystemURL,
		"cp_version":      appVersion,
	}
	for k, v := range run {
		if err := db.Set(k, v); err != nil {
			return err
		}
	}
	return db.SetDefaults(map[string]string{
		securityProfileKey:          strconv.Itoa(cfg.ChargePoint.SecurityProfile),
		sampleIntervalKey:           "300",
		"MeterValuesSampledData":    "Energy.Active.Import.Register",
		"HeartbeatInterval":         "300",
		"NumberOfConnectors":        "1",
		"SupportedFeatureProfiles":  "Core,RemoteTrigger",
		"CertificateStoreMaxLength": "1",
		heartbeatIntervalKey:        "300",
	})
}
