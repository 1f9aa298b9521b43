// services/gateway/cmd/gateway/main.go
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-relay/common/logger"
	"github.com/YaganovValera/exchange-relay/common/shutdown"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/app"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/config"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "gateway",
		Short:         "WebSocket gateway: token-gated fan-out of bus events to clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// 1) Конфиг
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return fmt.Errorf("config load error: %w", err)
			}

			// 2) Логгер
			log, err := logger.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("logger init error: %w", err)
			}
			defer log.Sync()

			if cfg.Logging.DevMode {
				cfg.Print()
			}
			log.Info("starting gateway",
				zap.String("service.name", cfg.ServiceName),
				zap.String("service.version", cfg.ServiceVersion),
				zap.String("config.path", configPath),
			)

			// 3) Контекст с отменой по SIGINT/SIGTERM
			ctx, cancel := shutdown.NotifyContext(context.Background(), cfg.ShutdownTimeout*2, log)
			defer cancel()

			// 4) Запуск
			if err := app.Run(ctx, cfg, log); err != nil {
				return err
			}
			log.Info("shutdown complete")
			return nil
		},
	}

	flags := root.Flags()
	flags.StringVar(&configPath, "config", "", "path to config file (yaml)")
	flags.String("http-addr", ":2808", "HTTP listen address (websocket, admin API, metrics)")
	flags.String("pubsub-addr", "localhost:6379", "Redis address of the pub/sub bridge")
	flags.String("admin-key", "", "X-Admin-Key for the token admin API; empty disables it")
	flags.String("logging-level", "info", "log level: debug|info|warn|error")

	root.AddCommand(tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}
