// services/collector/cmd/collector/main.go
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-relay/common/logger"
	"github.com/YaganovValera/exchange-relay/common/shutdown"
	"github.com/YaganovValera/exchange-relay/services/collector/internal/app"
	"github.com/YaganovValera/exchange-relay/services/collector/internal/config"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "collector",
		Short:         "Gate.io market/account collector: order books and balances to the pub/sub bridge",
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
			log.Info("starting collector",
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
	flags.String("http-addr", ":8081", "HTTP listen address for metrics/health")
	flags.String("pubsub-addr", "localhost:6379", "Redis address of the pub/sub bridge")
	flags.StringSlice("gateio-instruments", nil, "instruments to track, e.g. BTC_USDT,ETH_USDT")
	flags.String("logging-level", "info", "log level: debug|info|warn|error")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "collector: %v\n", err)
		os.Exit(1)
	}
}
