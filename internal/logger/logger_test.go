package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	for _, env := range []string{"prod", "local", "dev", "docker", "test"} {
		l, err := NewLogger(env)
		if err != nil {
			t.Errorf("%s: unexpected error %v", env, err)
			continue
		}
		if l == nil {
			t.Errorf("%s: nil logger", env)
		}
	}
	if _, err := NewLogger("staging"); err == nil {
		t.Error("expected error for unknown environment")
	}
}

func TestNewLogger_LevelOverride(t *testing.T) {
	l, err := NewLogger("prod", "warn")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if l.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info must be disabled at warn level")
	}
	if _, err := NewLogger("prod", "loud"); err == nil {
		t.Error("expected error for invalid level")
	}
}

func TestFromContext(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected nop logger without context value")
	}
	l := zap.NewExample()
	if FromContext(ContextWithLogger(context.Background(), l)) != l {
		t.Error("expected stored logger")
	}
}

func TestWith(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := With(context.Background(), base, zap.String("job_id", "j1"))
	ctx = With(ctx, zap.NewNop(), zap.Int("entries", 3))
	FromContext(ctx).Info("done")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["job_id"] != "j1" || fields["entries"] != int64(3) {
		t.Errorf("expected both fields, got %v", fields)
	}
}
