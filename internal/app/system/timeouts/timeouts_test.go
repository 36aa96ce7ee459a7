package timeouts

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestConfigure_KeepsZeroFields(t *testing.T) {
	t.Cleanup(Reset)

	Configure(Config{Mirror: 750 * time.Millisecond, External: time.Minute})

	if got := Mirror(); got != 750*time.Millisecond {
		t.Errorf("Mirror() = %v, want 750ms", got)
	}
	if got := External(); got != time.Minute {
		t.Errorf("External() = %v, want 1m", got)
	}
	if got := Short(); got != DefaultShort {
		t.Errorf("Short() = %v, want default %v", got, DefaultShort)
	}
}

func TestReset(t *testing.T) {
	Configure(Config{Ping: time.Hour})
	Reset()
	if got := Ping(); got != DefaultPing {
		t.Errorf("Ping() = %v after Reset, want %v", got, DefaultPing)
	}
}

func TestWithTimeout_Expires(t *testing.T) {
	ctx, cancel := WithTimeout(context.Background(), 10*time.Millisecond, zap.NewNop(), "test")
	defer cancel()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context did not expire")
	}
	if ctx.Err() != context.DeadlineExceeded {
		t.Errorf("ctx.Err() = %v, want DeadlineExceeded", ctx.Err())
	}
}
