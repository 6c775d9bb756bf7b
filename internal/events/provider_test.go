package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winfunc/opcode-sub004/internal/common/config"
	"github.com/winfunc/opcode-sub004/internal/common/logger"
)

func TestProvideDefaultsToMemoryBus(t *testing.T) {
	cfg := &config.Config{Events: config.EventsConfig{SubscriberBuffer: 8}}
	provided, cleanup, err := Provide(cfg, logger.NewNop(), nil)
	require.NoError(t, err)

	assert.NotNil(t, provided.Memory)
	assert.Nil(t, provided.NATS)
	assert.True(t, provided.Bus.IsConnected())

	require.NoError(t, cleanup())
	assert.False(t, provided.Bus.IsConnected())
}

func TestProvideFailsOnUnreachableNATS(t *testing.T) {
	cfg := &config.Config{NATS: config.NATSConfig{URL: "nats://127.0.0.1:1", MaxReconnects: 0}}
	_, _, err := Provide(cfg, logger.NewNop(), nil)
	assert.Error(t, err)
}
