package transport

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wireflow-go/wireflow/internal/pipeline/config"
	"github.com/wireflow-go/wireflow/internal/pipeline/logging"
)

func testLogger() watermill.LoggerAdapter {
	slogger := slog.New(slog.NewTextHandler(io.Discard, nil))
	serviceLogger := logging.NewSlogServiceLogger(slogger)
	return logging.NewWatermillAdapter(serviceLogger)
}

func TestDefaultFactory(t *testing.T) {
	factory := DefaultFactory()
	assert.NotNil(t, factory)
}

func TestDefaultFactory_Build_Channel(t *testing.T) {
	factory := DefaultFactory()
	cfg := &config.Config{
		Identity:  "peer-a",
		Transport: "channel",
	}

	transport, err := factory.Build(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	assert.NotNil(t, transport.Publisher)
	assert.NotNil(t, transport.Subscriber)
}

func TestDefaultFactory_Build_SQLite(t *testing.T) {
	factory := DefaultFactory()
	cfg := &config.Config{
		Identity:   "peer-a",
		Transport:  "sqlite",
		SQLiteFile: ":memory:",
	}

	transport, err := factory.Build(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	require.NotNil(t, transport.Publisher)
	require.NotNil(t, transport.Subscriber)
	require.NoError(t, transport.Publisher.Close())
}

func TestDefaultFactory_Build_NilConfig(t *testing.T) {
	factory := DefaultFactory()

	_, err := factory.Build(context.Background(), nil, testLogger())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "config is required")
}

func TestDefaultFactory_Build_UnknownTransport(t *testing.T) {
	factory := DefaultFactory()
	cfg := &config.Config{
		Identity:  "peer-a",
		Transport: "carrier-pigeon",
	}

	_, err := factory.Build(context.Background(), cfg, testLogger())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
}
