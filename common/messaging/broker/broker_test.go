package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/backbone/common/config"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
)

func TestOpenMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Backend = BackendMemory

	b, err := Open(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	defer b.Close()

	assert.True(t, b.Core.IsConnected())
}

func TestOpenUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Backend = "carrier-pigeon"

	_, err := Open(context.Background(), cfg, logging.Discard())
	assert.Error(t, err)
}

func TestSubscribeDefaults(t *testing.T) {
	opts := messaging.NewSubscribeOptions(SubscribeDefaults(config.BusConfig{
		MaxDeliver:   4,
		RetryBackoff: time.Second,
		MaxBackoff:   time.Minute,
	})...)
	assert.Equal(t, 4, opts.MaxDeliver)
	assert.Equal(t, time.Second, opts.Backoff)
	assert.Equal(t, time.Minute, opts.MaxBackoff)
}
