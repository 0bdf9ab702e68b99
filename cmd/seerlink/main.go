// seerlink - Seer game protocol client.
//
// seerlink logs in to a Seer game account, keeps the encrypted game session
// alive, exposes a local REST API and interactive CLI for sending packets and
// running command scripts, records traffic to a SQLite journal, and publishes
// telemetry via MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seerlink-project/seerlink/internal/api"
	"github.com/seerlink-project/seerlink/internal/cli"
	"github.com/seerlink-project/seerlink/internal/config"
	"github.com/seerlink-project/seerlink/internal/connector"
	"github.com/seerlink-project/seerlink/internal/db"
	"github.com/seerlink-project/seerlink/internal/events"
	"github.com/seerlink-project/seerlink/internal/network"
	"github.com/seerlink-project/seerlink/internal/protocol"
	"github.com/seerlink-project/seerlink/internal/scheduler"
	"github.com/seerlink-project/seerlink/internal/script"
	"github.com/seerlink-project/seerlink/internal/telemetry"
	"github.com/seerlink-project/seerlink/internal/util"
)

const (
	AppName    = "seerlink"
	AppVersion = "1.0.0"
	Banner     = `
                      _ _       _
  ___  ___  ___ _ __ | (_)_ __ | | __
 / __|/ _ \/ _ \ '__|| | | '_ \| |/ /
 \__ \  __/  __/ |   | | | | | |   <
 |___/\___|\___|_|   |_|_|_| |_|_|\_\  v%s
 Seer game protocol client
`
)

func main() {
	var configDir string
	var noCLI bool

	rootCmd := &cobra.Command{
		Use:   "seerlink",
		Short: "Seer game protocol client",
		Long: `seerlink logs in to a Seer account and keeps the encrypted game session
alive. Packets can be sent from the interactive CLI, the local REST API or
YAML command scripts.`,
		Version:       AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf(Banner, AppVersion)
			fmt.Println()
			return run(configDir, !noCLI)
		},
	}

	rootCmd.Flags().StringVarP(&configDir, "config", "c", config.DefaultConfigDir, "configuration directory")
	rootCmd.Flags().BoolVar(&noCLI, "no-cli", false, "disable the interactive CLI and prompt for CAPTCHAs on the console")

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("seerlink stopped with error")
		os.Exit(1)
	}
}

func run(configDir string, interactive bool) error {
	started := time.Now()

	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.IsFirstRun() {
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			return fmt.Errorf("setup wizard failed: %w", err)
		}
	}

	app := cfg.GetApplicationData()
	logFile, err := util.InitLogger(util.LogConfig{
		Level:      app.Logging.Level,
		Directory:  app.Logging.Directory,
		MaxBackups: app.Logging.MaxBackups,
		Console:    os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := util.ComponentLogger("main")

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		logger.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			logger.Error().Str("field", e.Field).Msg(e.Message)
		}
		return errors.New("configuration validation failed, please fix the errors above")
	}

	hostInfo := util.GetHostInfo()
	logger.Info().
		Str("version", AppVersion).
		Str("hostname", hostInfo.Hostname).
		Str("os", hostInfo.OS).
		Str("arch", runtime.GOARCH).
		Int("cpus", hostInfo.CPUs).
		Uint64("memory_mb", hostInfo.TotalMemory).
		Str("log_file", logFile).
		Msg("starting " + AppName)

	account := cfg.GetAccount()
	netCfg := cfg.GetNetwork()

	password, err := account.PlainPassword()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eventBus := events.NewEventBus()
	defer eventBus.Stop()
	eventBus.Subscribe(events.EventShutdown, "main", func(context.Context, events.Event) error {
		cancel()
		return nil
	})

	names, err := protocol.LoadCommandNames(netCfg.CommandNamesFile)
	if err != nil {
		return err
	}

	metrics := telemetry.NewMetrics()
	metrics.Attach(eventBus)

	// Packet journal
	var journal *db.Journal
	var pruner scheduler.Pruner
	if app.Journal.Enabled {
		if err := util.EnsureDir(filepath.Dir(app.Journal.Path)); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
		journal, err = db.OpenJournal(app.Journal.Path)
		if err != nil {
			return err
		}
		defer journal.Close()
		journal.Attach(eventBus)
		pruner = journal
	}

	// CAPTCHA answers come from the API or the CLI through the queue; the
	// console solver reads stdin directly and only works without the CLI.
	var captcha *connector.CaptchaQueue
	var solver connector.CaptchaSolver
	if netCfg.CaptchaMode == "api" || interactive {
		captcha = connector.NewCaptchaQueue()
		solver = captcha
	} else {
		solver = &connector.ConsoleSolver{In: os.Stdin, Out: os.Stdout}
	}

	dialTimeout := time.Duration(netCfg.DialTimeoutSec) * time.Second
	replyTimeout := time.Duration(netCfg.ReplyTimeoutSec) * time.Second

	login := connector.NewLoginConnector(connector.LoginOptions{
		UserID:             account.UserID,
		Password:           password,
		Server:             account.Server,
		GameHost:           netCfg.GameHost,
		CaptchaDir:         netCfg.CaptchaDir,
		MaxCaptchaAttempts: netCfg.MaxCaptchaAttempts,
		DialTimeout:        dialTimeout,
	}, network.NewResolver(netCfg.LoginDiscoveryURL, dialTimeout), solver, eventBus)

	client := connector.NewClient(login, names, eventBus,
		time.Duration(netCfg.ReconnectDelaySec)*time.Second)
	defer client.Close()

	if err := util.EnsureDir(app.Scripts.Directory); err != nil {
		logger.Warn().Err(err).Msg("failed to create scripts directory")
	}
	runner := script.NewRunner(script.NewLibrary(app.Scripts.Directory), client, replyTimeout)
	runner.Attach(eventBus)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Uint32("user_id", account.UserID).Int("server", account.Server).Msg("starting session")
		if err := client.ManageConnection(gctx); err != nil {
			return fmt.Errorf("session: %w", err)
		}
		return nil
	})

	if app.MQTT.Enabled {
		mqttHandler, err := telemetry.NewMQTTHandler(app.MQTT, account.UserID, eventBus)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			g.Go(func() error {
				if err := mqttHandler.Start(gctx); err != nil {
					logger.Warn().Err(err).Msg("MQTT telemetry failed")
				}
				return nil
			})
		}
	}

	if app.API.Enabled {
		apiServer := api.NewServer(api.Dependencies{
			Config:   cfg,
			Client:   client,
			Names:    names,
			EventBus: eventBus,
			Journal:  journal,
			Captcha:  captcha,
			Scripts:  runner,
			Metrics:  metrics.Handler(),
		})
		g.Go(func() error {
			if err := apiServer.Start(gctx); err != nil {
				logger.Warn().Err(err).Msg("API server failed (non-fatal)")
			}
			return nil
		})
	}

	sched := scheduler.NewScheduler(cfg, eventBus, pruner)
	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})

	if interactive {
		cliHandler := cli.NewCLI(cfg, eventBus, cli.Options{
			Client:       client,
			Names:        names,
			Journal:      journal,
			Captcha:      captcha,
			Scripts:      runner,
			ReplyTimeout: replyTimeout,
			In:           os.Stdin,
			Out:          os.Stdout,
		})
		g.Go(func() error {
			cliHandler.Start(gctx)
			return nil
		})
	}

	err = g.Wait()

	eventBus.Wait()
	if usage, uerr := util.GetProcessUsage(started); uerr == nil {
		logger.Info().Uint64("rss_mb", usage.RSS).Str("uptime", usage.Uptime).Msg(AppName + " stopped")
	}
	return err
}
