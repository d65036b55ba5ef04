package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLogger_FieldsAndRequestID(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := &ZapLogger{logger: zap.New(core)}

	ctx := ContextWithRequestID(context.Background(), "req-1")
	l.WithContext(ctx).WithFields(String("shop_order_no", "20250101123456789")).Info("order paid",
		Int64("amount", 10000),
		Duration("took", time.Second),
		Error(errors.New("boom")),
	)

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "req-1", fields["request_id"])
		assert.Equal(t, "20250101123456789", fields["shop_order_no"])
		assert.Equal(t, int64(10000), fields["amount"])
		assert.Equal(t, "boom", fields["error"])
	}
}

func TestRequestIDFromContext_Missing(t *testing.T) {
	_, ok := RequestIDFromContext(context.Background())
	assert.False(t, ok)
}

func TestNewZapLogger_Level(t *testing.T) {
	l, err := NewZapLogger("production", "warn")
	if assert.NoError(t, err) {
		zl := l.(*ZapLogger)
		assert.False(t, zl.logger.Core().Enabled(zapcore.InfoLevel))
		assert.True(t, zl.logger.Core().Enabled(zapcore.WarnLevel))
	}

	_, err = NewZapLogger("local", "loud")
	assert.Error(t, err)
}
