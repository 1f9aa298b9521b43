// services/gateway/internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-relay/common"
	"github.com/YaganovValera/exchange-relay/common/httpserver"
	"github.com/YaganovValera/exchange-relay/common/logger"
	"github.com/YaganovValera/exchange-relay/common/pubsub"
	"github.com/YaganovValera/exchange-relay/common/safe"
	"github.com/YaganovValera/exchange-relay/common/shutdown"
	"github.com/YaganovValera/exchange-relay/common/telemetry"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/broker"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/config"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/status"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/token"
	"github.com/YaganovValera/exchange-relay/services/gateway/internal/transport"
)

// Deps: собранные компоненты шлюза; время жизни задаёт Run.
type Deps struct {
	Bridge  *pubsub.Bridge
	Tokens  *token.Manager
	Status  *status.Tracker
	Broker  *broker.Broker
	Handler *transport.Handler
}

// Build собирает компоненты поверх готового моста шины.
func Build(cfg *config.Config, bridge *pubsub.Bridge, log *logger.Logger) *Deps {
	tokens := token.NewManager(cfg.Tokens, log)
	st := status.NewTracker(cfg.Status, bridge.Healthy, log)
	b := broker.New(cfg.Broker, broker.Info{
		Name:    cfg.ServiceName,
		Version: cfg.ServiceVersion,
		Port:    cfg.Port(),
		Docs:    cfg.Docs,
	}, st, tokens, log)
	return &Deps{
		Bridge:  bridge,
		Tokens:  tokens,
		Status:  st,
		Broker:  b,
		Handler: transport.NewHandler(cfg.WS, tokens, b, st, log),
	}
}

// Readiness: шина доступна и брокер принимает клиентов.
func (d *Deps) Readiness() error {
	if !d.Bridge.Healthy() {
		return pubsub.ErrStoreUnavailable
	}
	if !d.Broker.Accepting() {
		return broker.ErrShuttingDown
	}
	return nil
}

// Run собирает шлюз и блокирует до отмены ctx.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	common.InitServiceName(cfg.ServiceName)

	// 1) Telemetry
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdown.Graceful("telemetry", cfg.ShutdownTimeout, shutdownTracer, log)

	// 2) Pub/sub
	bridge, err := pubsub.New(ctx, cfg.PubSub, log)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}
	defer bridge.Close()

	// 3) Токены, статус, брокер
	deps := Build(cfg, bridge, log)

	// 4) HTTP
	httpSrv, err := httpserver.New(cfg.HTTP, deps.Readiness, log,
		deps.Handler.Routes,
		httpserver.RecoverMiddleware(log),
		httpserver.RequestIDMiddleware(),
		httpserver.CORSMiddleware(),
		httpserver.MetricsMiddleware(),
	)
	if err != nil {
		return fmt.Errorf("httpserver: %w", err)
	}

	// 5) Run loops
	log.WithContext(ctx).Info("gateway: components initialized, starting run loops",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("ws_path", cfg.WS.Path),
		zap.Bool("admin_api", cfg.WS.AdminKey != ""),
		zap.Int("static_tokens", len(cfg.Tokens.Static)),
	)
	g := safe.New(ctx, log)
	g.Go("http", httpSrv.Start)
	g.Go("pubsub-health", bridge.Watch)
	g.Go("token-sweep", deps.Tokens.Run)
	g.Go("liveness-sweep", deps.Broker.Run)
	g.Go("fan-out", func(ctx context.Context) error {
		return deps.Broker.Consume(ctx, bridge, nil)
	})
	g.Go("broker-shutdown", func(ctx context.Context) error {
		<-ctx.Done()
		shutdown.Graceful("broker", cfg.ShutdownTimeout, deps.Broker.Shutdown, log)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithContext(ctx).Error("gateway exited with error", zap.Error(err))
		return err
	}
	log.WithContext(ctx).Info("gateway exited cleanly")
	return nil
}
