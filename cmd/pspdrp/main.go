// pspdrp - PSP presence companion.
//
// pspdrp listens for PSPs running the presence plugin over the LAN and over
// USB, tracks what each device is playing, fetches game icons, keeps usage
// statistics, and republishes device events to MQTT, Discord and a local
// REST API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pspdrp/companion/internal/api"
	"github.com/pspdrp/companion/internal/cli"
	"github.com/pspdrp/companion/internal/config"
	"github.com/pspdrp/companion/internal/connector"
	"github.com/pspdrp/companion/internal/db"
	"github.com/pspdrp/companion/internal/engine"
	"github.com/pspdrp/companion/internal/events"
	"github.com/pspdrp/companion/internal/health"
	"github.com/pspdrp/companion/internal/router"
	"github.com/pspdrp/companion/internal/scheduler"
	"github.com/pspdrp/companion/internal/session"
	"github.com/pspdrp/companion/internal/telemetry"
	"github.com/pspdrp/companion/internal/transport"
	"github.com/pspdrp/companion/internal/usage"
	"github.com/pspdrp/companion/internal/util"
)

const (
	AppName    = "pspdrp"
	AppVersion = "1.0.0"
	Banner     = `
                     _
  _ __  ___ _ __   __| |_ __ _ __
 | '_ \/ __| '_ \ / _' | '__| '_ \
 | |_) \__ \ |_) | (_| | |  | |_) |
 | .__/|___/ .__/ \__,_|_|  | .__/
 |_|       |_|              |_|   v%s
 PSP presence companion
`
)

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Defaults first; reconfigured once the config is loaded.
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Msg("starting pspdrp")

	configDir := config.DefaultConfigDir
	if dir := os.Getenv("PSPDRP_CONFIG_DIR"); dir != "" {
		configDir = dir
	}
	cfg, err := config.Load(configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging := cfg.GetLogging()
	if err := util.InitLogger(util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxBackups: logging.MaxBackups,
		Console:    logging.Console,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Str("path", cfg.Path()).Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")
	if ips, err := util.LANAddresses(); err == nil && len(ips) > 0 {
		log.Info().Strs("addresses", ips).Msg("devices on the LAN can reach this host at")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := cfg.GetNetwork()
	usbCfg := cfg.GetUSB()
	usageCfg := cfg.GetUsage()
	apiCfg := cfg.GetAPI()

	// ---------------------------------------------------------------
	// Core: bus, session registry, engine, transports, command router
	// ---------------------------------------------------------------
	eventBus := events.NewEventBus()
	registry := session.NewRegistry()
	eng := engine.New(registry, eventBus, engine.Options{
		Timeout:     network.Timeout(),
		TransferTTL: network.TransferTTL(),
	})

	udpAdapter := transport.NewUDPAdapter(transport.UDPConfig{
		Host:              network.Host,
		ListenPort:        network.ListenPort,
		DiscoveryPort:     network.DiscoveryPort,
		AutoDiscovery:     network.AutoDiscovery,
		DiscoveryInterval: network.Discovery(),
		Version:           AppVersion,
		Legacy:            network.LegacyStats,
	}, eng)
	transports := []transport.Transport{udpAdapter}

	var usbAdapter *transport.USBAdapter
	var usbOpener *transport.LibUSBOpener
	if usbCfg.Enabled {
		usbOpener = transport.NewLibUSBOpener(uint16(usbCfg.VendorID), uint16(usbCfg.ProductID))
		usbAdapter = transport.NewUSBAdapter(transport.USBConfig{
			PollInterval: usbCfg.PollInterval(),
		}, usbOpener, eng)
		transports = append(transports, usbAdapter)
	}

	commands := router.New(router.DefaultQueueSize, transports...)

	// ---------------------------------------------------------------
	// Usage tracking and icon cache
	// ---------------------------------------------------------------
	var (
		database   *db.Database
		usageStore *db.UsageStore
		iconStore  *db.IconStore
		tracker    *usage.Tracker
	)
	if usageCfg.Enabled {
		if err := util.EnsureDir(filepath.Dir(usageCfg.Database)); err != nil {
			log.Fatal().Err(err).Msg("failed to create data directory")
		}
		database, err = db.NewDatabase(usageCfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open usage database")
		}
		if err := database.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate usage database")
		}
		usageStore = db.NewUsageStore(database)
		iconStore = db.NewIconStore(database)
		tracker = usage.NewTracker(usageStore, iconStore, commands, registry, usage.Options{
			AutoIcons: usageCfg.AutoIcons,
		})
		tracker.Register(eventBus)
	}

	// ---------------------------------------------------------------
	// Outer surfaces: MQTT, Discord, REST API, CLI
	// ---------------------------------------------------------------
	var mqttHandler *telemetry.MQTTHandler
	if mqttCfg := cfg.GetMQTT(); mqttCfg.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(mqttCfg, eventBus, AppVersion)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	if discord := connector.NewDiscordConnector(cfg.GetDiscord(), eventBus); discord != nil {
		log.Info().Msg("Discord notifications enabled")
	}

	var stats api.StatsSender
	var cliStats cli.StatsSender
	if tracker != nil {
		stats = tracker
		cliStats = tracker
	}

	var apiServer *api.Server
	if apiCfg.Enabled {
		apiServer = api.NewServer(apiCfg, logging.Level, AppVersion, api.Deps{
			Devices:  registry,
			Commands: commands,
			Stats:    stats,
			Usage:    usageStore,
			Icons:    iconStore,
			Bus:      eventBus,
		})
	}

	cliHandler := cli.NewCLI(cli.Deps{
		Devices:  registry,
		Commands: commands,
		Stats:    cliStats,
		Usage:    usageStore,
		Bus:      eventBus,
	}, os.Stdin, os.Stdout)

	// The CLI's quit command ends the process the same way a signal does.
	quitCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main", func(ctx context.Context, ev events.Event) error {
		select {
		case quitCh <- struct{}{}:
		default:
		}
		return nil
	})

	sched := scheduler.NewScheduler()
	sched.Every("session_sweep", network.Sweep(), func(ctx context.Context, now time.Time) {
		if n := eng.Sweep(ctx, now); n > 0 {
			log.Info().Int("evicted", n).Int("live", registry.Count()).Msg("session sweep")
		}
	})
	dataDir := ""
	if usageCfg.Enabled {
		dataDir = filepath.Dir(usageCfg.Database)
	}
	monitor := health.NewMonitor(registry, commands, dataDir)
	sched.Every("general_health", time.Minute, func(ctx context.Context, now time.Time) {
		status := monitor.CheckGeneral(ctx)
		if mqttHandler != nil {
			mqttHandler.PublishStatus(status)
		}
	})
	if dataDir != "" {
		sched.Every("disk_utilization", 10*time.Minute, func(ctx context.Context, now time.Time) {
			monitor.CheckDisk(ctx)
		})
	}
	if tracker != nil {
		sched.Every("usage_flush", usageCfg.Flush(), func(ctx context.Context, now time.Time) {
			if err := tracker.Flush(); err != nil {
				log.Warn().Err(err).Msg("usage flush failed")
			}
		})
		sched.Daily("usage_summary", 0, 5, func(ctx context.Context, now time.Time) {
			top, err := usageStore.TopPlayed(3)
			if err != nil {
				log.Warn().Err(err).Msg("usage summary failed")
				return
			}
			for i, g := range top {
				log.Info().
					Int("rank", i+1).
					Str("title", g.Title).
					Str("played", cli.FormatDuration(g.Seconds)).
					Int64("sessions", g.Sessions).
					Msg("most played")
			}
		})
	}

	// ---------------------------------------------------------------
	// Launch all concurrent tasks
	// ---------------------------------------------------------------
	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", network.ListenPort).Msg("starting UDP transport")
		if err := startWithRetry(ctx, "UDP transport", udpAdapter.Run, 5); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("udp transport: %w", err)
		}
	}()

	if usbAdapter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().
				Str("vendor", fmt.Sprintf("%04x", usbCfg.VendorID)).
				Str("product", fmt.Sprintf("%04x", usbCfg.ProductID)).
				Msg("starting USB transport")
			if err := usbAdapter.Run(ctx); err != nil && ctx.Err() == nil {
				// USB is optional: a host without libusb still serves the LAN.
				log.Warn().Err(err).Msg("USB transport stopped")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := commands.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("command router: %w", err)
		}
	}()

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", apiCfg.Port).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Strs("tasks", sched.Tasks()).Msg("starting task scheduler")
		sched.Start(ctx)
	}()

	// The CLI blocks on stdin, so it is not waited for.
	go cliHandler.Start(ctx)

	// ---------------------------------------------------------------
	// Graceful shutdown handling
	// ---------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quitCh:
		log.Info().Msg("shutdown requested from CLI")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	// Open sessions are written before the store goes away.
	if tracker != nil {
		tracker.Close()
	}
	eventBus.Stop()
	if database != nil {
		if err := database.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close usage database")
		}
	}
	if usbOpener != nil {
		usbOpener.Close()
	}

	log.Info().Msg("pspdrp stopped")
}

// startWithRetry attempts to start a listener with retries on bind errors,
// three seconds apart. It returns nil on success or the last error.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
