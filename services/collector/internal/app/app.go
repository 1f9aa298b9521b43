// services/collector/internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/exchange-relay/common"
	"github.com/YaganovValera/exchange-relay/common/events"
	"github.com/YaganovValera/exchange-relay/common/httpserver"
	"github.com/YaganovValera/exchange-relay/common/kafka"
	producer "github.com/YaganovValera/exchange-relay/common/kafka/producer"
	"github.com/YaganovValera/exchange-relay/common/logger"
	"github.com/YaganovValera/exchange-relay/common/pubsub"
	"github.com/YaganovValera/exchange-relay/common/shutdown"
	"github.com/YaganovValera/exchange-relay/common/telemetry"
	"github.com/YaganovValera/exchange-relay/services/collector/internal/balance"
	"github.com/YaganovValera/exchange-relay/services/collector/internal/config"
	"github.com/YaganovValera/exchange-relay/services/collector/internal/gateio"
	"github.com/YaganovValera/exchange-relay/services/collector/internal/orderbook"
	"github.com/YaganovValera/exchange-relay/services/collector/internal/signing"
	"github.com/YaganovValera/exchange-relay/services/collector/internal/upstream"
)

// Run собирает коллектор и блокирует до отмены ctx.
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

	// 3) Kafka-архив (опционально)
	var archive kafka.Producer
	if cfg.Archive.Enabled {
		archive, err = producer.New(ctx, cfg.Archive.Config, log)
		if err != nil {
			return fmt.Errorf("archive producer: %w", err)
		}
		defer archive.Close()
	}
	pub := NewPublisher(bridge, archive, cfg.Archive.Topic, cfg.ServiceName, 0, log)

	// 4) Стаканы
	book := orderbook.New(cfg.OrderBook.Config, log)
	depth := cfg.OrderBook.PublishDepth
	book.OnUpdate(func(s orderbook.Snapshot) {
		if err := pub.Emit(ctx, events.TypeOrderBook, gateio.Exchange, s.Instrument, bookPayload(s, depth)); err != nil {
			log.Debug("orderbook publish failed", zap.String("instrument", s.Instrument), zap.Error(err))
		}
	})
	book.OnRemove(func(instrument string) {
		if err := pub.Forget(ctx, events.TypeOrderBook, instrument); err != nil {
			log.Warn("forget snapshot failed", zap.String("instrument", instrument), zap.Error(err))
		}
	})

	market, err := gateio.NewMarketFeed(cfg.GateIO.Market, cfg.GateIO.Book, book, log)
	if err != nil {
		return fmt.Errorf("market feed: %w", err)
	}
	for _, instr := range cfg.GateIO.Instruments {
		if err := book.Subscribe(instr); err != nil {
			return fmt.Errorf("subscribe %s: %w", instr, err)
		}
	}
	connectors := []*upstream.Connector{market.Connector()}

	// 5) Балансы (опционально)
	var tracker *balance.Tracker
	if cfg.GateIO.Balances {
		signer := signing.New(signing.Credentials{Key: cfg.GateIO.APIKey, Secret: cfg.GateIO.APISecret})
		rest := balance.NewClient(cfg.GateIO.REST, signer, nil, log)
		tracker = balance.NewTracker(rest, func(ctx context.Context, p events.BalancePayload) error {
			return pub.Emit(ctx, events.TypeBalance, gateio.Exchange, "", p)
		}, log)
		account, err := gateio.NewAccountFeed(cfg.GateIO.Account, signer, tracker.HandleUpdate, log)
		if err != nil {
			return fmt.Errorf("account feed: %w", err)
		}
		account.Connector().OnStateChange(func(_, next upstream.State) {
			if next == upstream.Authenticated {
				tracker.Trigger()
			}
		})
		connectors = append(connectors, account.Connector())
	}

	hb := NewHeartbeat(cfg.ServiceName, func(ctx context.Context, p events.HeartbeatPayload) error {
		return pub.Emit(ctx, events.TypeHeartbeat, "", "", p)
	}, log, connectors...)

	// 6) HTTP
	readiness := func() error {
		if !bridge.Healthy() {
			return pubsub.ErrStoreUnavailable
		}
		if !market.IsConnected() {
			return errors.New("market feed is not connected")
		}
		return nil
	}
	httpSrv, err := httpserver.New(cfg.HTTP, readiness, log,
		routes(book, tracker, hb, depth),
		httpserver.RecoverMiddleware(log),
		httpserver.RequestIDMiddleware(),
		httpserver.MetricsMiddleware(),
	)
	if err != nil {
		return fmt.Errorf("httpserver: %w", err)
	}

	// 7) Run loops
	log.WithContext(ctx).Info("collector: components initialized, starting run loops",
		zap.Strings("instruments", cfg.GateIO.Instruments),
		zap.Bool("balances", cfg.GateIO.Balances),
		zap.Bool("archive", cfg.Archive.Enabled),
	)
	g, gctx := errgroup.WithContext(ctx)

	for _, c := range connectors {
		if err := c.Connect(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			shutdown.Graceful(c.Name(), cfg.ShutdownTimeout, func(context.Context) error {
				c.Disconnect()
				return nil
			}, log)
			return nil
		})
	}
	g.Go(func() error { return httpSrv.Start(gctx) })
	g.Go(func() error { return hb.Run(gctx, cfg.Heartbeat.Interval) })
	g.Go(func() error { return pub.RunArchive(gctx) })
	if tracker != nil {
		g.Go(func() error { return tracker.Run(gctx, cfg.GateIO.BalanceRefresh) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithContext(ctx).Error("collector exited with error", zap.Error(err))
		return err
	}
	log.WithContext(ctx).Info("collector exited cleanly")
	return nil
}
