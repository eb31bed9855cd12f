// Command prouter runs the pRouter control-plane service: it accepts
// agent connections over WebSocket RPC and exposes the control HTTP API
// used to create and address jobs on those agents.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/datadvance/pRouter/internal/api"
	"github.com/datadvance/pRouter/internal/config"
	"github.com/datadvance/pRouter/internal/dispatcher"
	"github.com/datadvance/pRouter/internal/identity"
	"github.com/datadvance/pRouter/internal/lifecycle"
	"github.com/datadvance/pRouter/internal/proxy"
	"github.com/datadvance/pRouter/internal/registry"
)

type cliFlags struct {
	configPath      string
	logLevel        string
	logFormat       string
	connectionDebug bool
	overrides       []string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}
	cmd := &cobra.Command{
		Use:   "prouter",
		Short: "Aggregate remote agent hosts behind a single control HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	}
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", os.Getenv("PROUTER_CONFIG"), "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warning, error, fatal")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "%(asctime)s %(levelname)s %(name)s: %(message)s", "log message format (accepted but not applied; logs use zap's own encoding)")
	cmd.PersistentFlags().BoolVar(&flags.connectionDebug, "connection-debug", false, "log connection register/unregister events")
	cmd.PersistentFlags().StringArrayVar(&flags.overrides, "set", nil, "override a config key, e.g. --set server.port=9000")
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pRouter version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("prouter (development build)")
		},
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warning", "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	case "fatal":
		zapLevel = zapcore.FatalLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	var cfg zap.Config
	if zapLevel == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return cfg.Build()
}

func run(ctx context.Context, flags *cliFlags) error {
	cfg, err := config.Load(flags.configPath, flags.overrides)
	if err != nil {
		return err
	}

	log, err := buildLogger(flags.logLevel)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	if err := config.Validate(cfg, log); err != nil {
		return err
	}
	log.Info("starting pRouter")

	id, err := identity.New(cfg.Identity.UID, cfg.Identity.Name, cfg.Server.AcceptTokens, log.Named("identity"))
	if err != nil {
		return err
	}

	pollingDelay := time.Duration(cfg.Client.PollingDelay * float64(time.Second))
	reg := registry.New(log.Named("registry"), pollingDelay, flags.connectionDebug)
	disp := dispatcher.New(reg, id, log.Named("dispatcher"))
	proxyEngine := proxy.New(reg, log.Named("proxy"))

	ctrl := lifecycle.New(reg, log.Named("lifecycle"))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctrl.WatchContext(ctx)

	if cfg.Server.Enabled {
		log.Info("server mode enabled")
		agentRouter := api.NewAgentRouter(api.AcceptAgent(reg, id, log.Named("agent-listener")), log.Named("agent-listener"))
		agentSrv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Server.Interface, cfg.Server.Port), Handler: agentRouter}
		ctrl.AddServer(agentSrv)
		go func() {
			if err := agentSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("agent listener failed", zap.Error(err))
			}
		}()
	}

	controlRouter := api.NewControlRouter(api.ControlConfig{
		Registry:   reg,
		Identity:   id,
		Dispatcher: disp,
		Proxy:      proxyEngine,
		Exit:       ctrl.Exit,
		Logger:     log.Named("control"),
	})
	controlSrv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Control.Interface, cfg.Control.Port), Handler: controlRouter}
	ctrl.AddServer(controlSrv)
	go func() {
		if err := controlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("control listener failed", zap.Error(err))
		}
	}()

	ctrl.Wait()
	log.Info("pRouter exited cleanly")
	return nil
}
