package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/YaganovValera/exchange-relay/common/logger"
)

func TestGraceful_ReturnsOnTimeout(t *testing.T) {
	start := time.Now()
	Graceful("stuck", 20*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	}, logger.Nop())
	if el := time.Since(start); el > 500*time.Millisecond {
		t.Fatalf("Graceful blocked for %v; want bounded by timeout", el)
	}
}

func TestGraceful_Error(t *testing.T) {
	called := false
	Graceful("failing", time.Second, func(context.Context) error {
		called = true
		return errors.New("boom")
	}, logger.Nop())
	if !called {
		t.Fatal("fn not called")
	}
}

func TestNotifyContext_Cancel(t *testing.T) {
	ctx, cancel := NotifyContext(context.Background(), 0, logger.Nop())
	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}
	cancel() // повторный вызов безопасен
}
