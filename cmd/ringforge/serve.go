package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ringforge/ringforge/pkg/api"
	"github.com/ringforge/ringforge/pkg/config"
	"github.com/ringforge/ringforge/pkg/hub"
	"github.com/ringforge/ringforge/pkg/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the RingForge hub",
	Long: `Run the hub: the websocket session plane for agents and the HTTP
control plane for operators, backed by the embedded metadata store and
per-fleet event logs under the data directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		listenAddr, _ := cmd.Flags().GetString("listen-addr")
		controlAddr, _ := cmd.Flags().GetString("control-addr")
		logLevel, _ := cmd.Flags().GetString("log-level")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}
		if controlAddr != "" {
			cfg.ControlAddr = controlAddr
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file")
	serveCmd.Flags().String("data-dir", "", "Data directory override")
	serveCmd.Flags().String("listen-addr", "", "Session plane address override")
	serveCmd.Flags().String("control-addr", "", "Control plane address override")
	serveCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
}

func serve(cfg *config.Config) error {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	h, err := hub.New(cfg)
	if err != nil {
		return err
	}
	h.Start()

	sessionMux := http.NewServeMux()
	sessionMux.Handle("/ws", h.Gateway())
	sessionSrv := &http.Server{Addr: cfg.ListenAddr, Handler: sessionMux}
	control := api.NewServer(h)

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("session plane listening")
		if err := sessionSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		if err := control.Start(cfg.ControlAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("listener failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sessionSrv.Shutdown(ctx)
	control.Shutdown(ctx)
	h.Stop()
	return nil
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an ed25519 keypair for agent reconnect auth",
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return err
		}
		fmt.Printf("public key:  %s\n", hex.EncodeToString(pub))
		fmt.Printf("private key: %s\n", hex.EncodeToString(priv))
		return nil
	},
}
