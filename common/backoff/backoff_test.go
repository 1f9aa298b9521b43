// common/backoff/backoff_test.go
package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/YaganovValera/exchange-relay/common/logger"
)

func TestNew_NoJitterSequence(t *testing.T) {
	policy, err := New(Config{
		InitialInterval: time.Second,
		NoJitter:        true,
		Multiplier:      2,
		MaxInterval:     60 * time.Second,
		MaxRetries:      10,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60, 60, 60}
	for i, w := range want {
		if got := policy.NextBackOff(); got != w*time.Second {
			t.Fatalf("attempt %d: delay = %v; want %v", i+1, got, w*time.Second)
		}
	}
	if got := policy.NextBackOff(); got != Stop {
		t.Fatalf("after max retries: got %v; want Stop", got)
	}

	policy.Reset()
	if got := policy.NextBackOff(); got != time.Second {
		t.Fatalf("after Reset: got %v; want 1s", got)
	}
}

func TestConfigDefaults(t *testing.T) {
	cases := []struct {
		name       string
		in         Config
		wantRand   float64
		wantMult   float64
		wantMaxInt time.Duration
	}{
		{"empty", Config{}, 0.5, 2, 30 * time.Second},
		{"noJitter", Config{NoJitter: true, RandomizationFactor: 0.9}, 0, 2, 30 * time.Second},
		{"custom", Config{RandomizationFactor: 0.1, Multiplier: 3, MaxInterval: time.Minute}, 0.1, 3, time.Minute},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := c.in
			cfg.applyDefaults()
			if cfg.RandomizationFactor != c.wantRand {
				t.Errorf("RandomizationFactor = %v; want %v", cfg.RandomizationFactor, c.wantRand)
			}
			if cfg.Multiplier != c.wantMult {
				t.Errorf("Multiplier = %v; want %v", cfg.Multiplier, c.wantMult)
			}
			if cfg.MaxInterval != c.wantMaxInt {
				t.Errorf("MaxInterval = %v; want %v", cfg.MaxInterval, c.wantMaxInt)
			}
			if err := cfg.validate(); err != nil {
				t.Errorf("validate: %v", err)
			}
		})
	}
}

func TestExecute_RetryThenSuccess(t *testing.T) {
	calls := 0
	err := Execute(context.Background(), Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		NoJitter:        true,
		MaxRetries:      5,
	}, logger.Nop(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("boom")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d; want 3", calls)
	}
}

func TestExecute_GivesUp(t *testing.T) {
	boom := errors.New("boom")
	err := Execute(context.Background(), Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		NoJitter:        true,
		MaxRetries:      2,
	}, logger.Nop(), func(context.Context) error { return boom })

	var maxErr *ErrMaxRetries
	if !errors.As(err, &maxErr) {
		t.Fatalf("expected *ErrMaxRetries, got %v", err)
	}
	if maxErr.Attempts != 3 {
		t.Errorf("Attempts = %d; want 3", maxErr.Attempts)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped boom, got %v", err)
	}
}

func TestExecute_Permanent(t *testing.T) {
	calls := 0
	err := Execute(context.Background(), Config{InitialInterval: time.Millisecond}, logger.Nop(),
		func(context.Context) error {
			calls++
			return Permanent(errors.New("fatal"))
		})
	if err == nil || calls != 1 {
		t.Fatalf("err=%v calls=%d; want error after single call", err, calls)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep = %v; want context.Canceled", err)
	}
}
