// common/shutdown/shutdown.go
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-relay/common/logger"
)

// NotifyContext возвращает контекст, отменяемый по первому SIGINT/SIGTERM.
// Второй сигнал после отмены завершает процесс принудительно через forceAfter.
func NotifyContext(parent context.Context, forceAfter time.Duration, log *logger.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			log.Info("shutdown: signal received", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
			signal.Stop(sigCh)
			return
		}
		ForceExitAfter(forceAfter, log)
		// повторный сигнал во время остановки: no-op, не паника
		for sig := range sigCh {
			log.Warn("shutdown: already in progress, signal ignored", zap.String("signal", sig.String()))
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

// ForceExitAfter завершает процесс с кодом 1, если остановка заняла больше timeout.
// timeout <= 0 отключает принудительный выход.
func ForceExitAfter(timeout time.Duration, log *logger.Logger) {
	if timeout <= 0 {
		return
	}
	time.AfterFunc(timeout, func() {
		log.Error("shutdown: timeout exceeded, forcing exit", zap.Duration("timeout", timeout))
		log.Sync()
		os.Exit(1)
	})
}

// Graceful выполняет shutdown-функцию с таймаутом.
// Ошибка логируется и не блокирует остальные шаги остановки.
func Graceful(name string, timeout time.Duration, fn func(ctx context.Context) error, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	log.Info("shutdown: stopping " + name)
	select {
	case err := <-done:
		if err != nil {
			log.Error("shutdown: error in "+name, zap.Error(err))
			return
		}
		log.Info("shutdown: " + name + " stopped cleanly")
	case <-ctx.Done():
		log.Error("shutdown: "+name+" timed out", zap.Duration("timeout", timeout))
	}
}
