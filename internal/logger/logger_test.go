package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, Config{Format: "json", Level: zapcore.InfoLevel})
	log.Debug("hidden")
	log.Info("visible", zap.Int("shard", 3))
	require.NoError(t, log.Sync())

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"shard":3`)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, NewConfig().Validate())
	assert.Error(t, Config{Format: "xml"}.Validate())
}

func TestContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, FromContext(ctx))

	def := zap.NewNop()
	assert.Same(t, def, FromContextOr(ctx, def))

	l := zap.NewExample()
	ctx = NewContextWithLogger(ctx, l)
	assert.Same(t, l, FromContext(ctx))
	assert.Same(t, l, FromContextOr(ctx, def))
}
