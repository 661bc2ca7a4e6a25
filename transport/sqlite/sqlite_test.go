package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wireflow-go/wireflow/transport"
)

var (
	_ transport.CapabilitiesProvider = (*Transport)(nil)
	_ transport.SpoolIntrospector    = (*Transport)(nil)
	_ transport.DeadLetterManager    = (*Transport)(nil)
	_ transport.DeadLetterLister     = (*Transport)(nil)
	_ transport.DelayedPublisher     = (*Transport)(nil)
)

type mockConfig struct{}

func (mockConfig) GetIdentity() string       { return "peer-a" }
func (mockConfig) GetTransport() string      { return "sqlite" }
func (mockConfig) GetChannelBufferSize() int { return 0 }
func (mockConfig) GetSQLiteFile() string     { return ":memory:" }

func newTestTransport(t *testing.T, maxRetries int) *Transport {
	t.Helper()

	tr, err := New(Config{
		FilePath:     ":memory:",
		PollInterval: 20 * time.Millisecond,
		MaxRetries:   maxRetries,
	}, watermill.NopLogger{})
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, tr.Close())
	})

	return tr
}

func receiveFrame(t *testing.T, messages <-chan *message.Message, timeout time.Duration) *message.Message {
	t.Helper()

	select {
	case msg := <-messages:
		require.NotNil(t, msg)
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestTransportName(t *testing.T) {
	assert.Equal(t, "sqlite", TransportName)
}

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	transport.DefaultRegistry = transport.NewRegistry()
	defer func() { transport.DefaultRegistry = original }()

	Register()

	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.DefaultRegistry.GetCapabilities(TransportName)
	assert.True(t, caps.Durable)
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()

	assert.Equal(t, TransportName, caps.Name)
	assert.True(t, caps.Durable)
	assert.True(t, caps.SupportsDelay)
	assert.True(t, caps.SupportsDeadLetter)
	assert.True(t, caps.SupportsOrdering)
	assert.True(t, caps.SupportsAck)
	assert.True(t, caps.SupportsNack)
}

func TestConfigWithDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   Config
		want Config
	}{
		{
			name: "empty config gets defaults",
			in:   Config{},
			want: Config{
				FilePath:     "wireflow_spool.db",
				PollInterval: DefaultPollInterval,
				MaxRetries:   0,
			},
		},
		{
			name: "negative retries reset to default",
			in:   Config{FilePath: ":memory:", MaxRetries: -1},
			want: Config{
				FilePath:     ":memory:",
				PollInterval: DefaultPollInterval,
				MaxRetries:   DefaultMaxRetries,
			},
		},
		{
			name: "explicit values preserved",
			in: Config{
				FilePath:     "custom.db",
				PollInterval: time.Second,
				MaxRetries:   7,
			},
			want: Config{
				FilePath:     "custom.db",
				PollInterval: time.Second,
				MaxRetries:   7,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.withDefaults())
		})
	}
}

func TestBuild(t *testing.T) {
	original := transport.DefaultRegistry
	transport.DefaultRegistry = transport.NewRegistry()
	defer func() { transport.DefaultRegistry = original }()

	Register()

	built, err := transport.Build(context.Background(), mockConfig{}, watermill.NopLogger{})
	require.NoError(t, err)
	require.NotNil(t, built.Publisher)
	require.NotNil(t, built.Subscriber)

	spool, ok := built.Publisher.(*Transport)
	require.True(t, ok)
	require.NoError(t, spool.Close())
}

func TestPublishAck(t *testing.T) {
	tr := newTestTransport(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := tr.Subscribe(ctx, "peer-b")
	require.NoError(t, err)

	msg := message.NewMessage("frame-1", []byte("payload"))
	msg.Metadata.Set("wireflow_source", "peer-a")
	require.NoError(t, tr.Publish("peer-b", msg))

	received := receiveFrame(t, messages, 2*time.Second)
	assert.Equal(t, "frame-1", received.UUID)
	assert.Equal(t, []byte("payload"), []byte(received.Payload))
	assert.Equal(t, "peer-a", received.Metadata.Get("wireflow_source"))
	received.Ack()

	assert.Eventually(t, func() bool {
		count, err := tr.PendingCount("peer-b")
		return err == nil && count == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNackParksFrame(t *testing.T) {
	tr := newTestTransport(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := tr.Subscribe(ctx, "peer-b")
	require.NoError(t, err)

	msg := message.NewMessage("frame-doomed", []byte("bad payload"))
	msg.Metadata.Set("wireflow_source", "peer-a")
	require.NoError(t, tr.Publish("peer-b", msg))

	received := receiveFrame(t, messages, 2*time.Second)
	received.Nack()

	assert.Eventually(t, func() bool {
		count, err := tr.DeadCount("peer-b")
		return err == nil && count == 1
	}, 2*time.Second, 20*time.Millisecond)

	pending, err := tr.PendingCount("peer-b")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)

	dead, err := tr.ListDeadFrames("peer-b", 10, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "frame-doomed", dead[0].FrameID)
	assert.Equal(t, "peer-b", dead[0].Destination)
	assert.Equal(t, []byte("bad payload"), dead[0].Payload)
	assert.Equal(t, "max attempts exceeded", dead[0].Reason)
	assert.Equal(t, "peer-a", dead[0].Metadata["wireflow_source"])
}

func TestNackRedelivery(t *testing.T) {
	tr := newTestTransport(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := tr.Subscribe(ctx, "peer-b")
	require.NoError(t, err)

	require.NoError(t, tr.Publish("peer-b", message.NewMessage("frame-retry", []byte("try again"))))

	first := receiveFrame(t, messages, 2*time.Second)
	assert.Equal(t, "frame-retry", first.UUID)
	first.Nack()

	// Redelivery happens after the backoff window.
	second := receiveFrame(t, messages, 5*time.Second)
	assert.Equal(t, "frame-retry", second.UUID)
	assert.Equal(t, []byte("try again"), []byte(second.Payload))
	second.Ack()

	assert.Eventually(t, func() bool {
		count, err := tr.PendingCount("peer-b")
		return err == nil && count == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPublishWithDelay(t *testing.T) {
	tr := newTestTransport(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := tr.Subscribe(ctx, "peer-b")
	require.NoError(t, err)

	start := time.Now()
	msg := message.NewMessage("frame-delayed", []byte("later"))
	require.NoError(t, tr.PublishWithDelay("peer-b", 300*time.Millisecond, msg))

	select {
	case <-messages:
		t.Fatal("frame delivered before delay elapsed")
	case <-time.After(150 * time.Millisecond):
	}

	received := receiveFrame(t, messages, 3*time.Second)
	assert.Equal(t, "frame-delayed", received.UUID)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	received.Ack()
}

func TestPendingCount(t *testing.T) {
	tr := newTestTransport(t, 3)

	for i := 0; i < 3; i++ {
		msg := message.NewMessage(watermill.NewUUID(), []byte("spooled"))
		require.NoError(t, tr.Publish("peer-b", msg))
	}
	require.NoError(t, tr.Publish("peer-c", message.NewMessage(watermill.NewUUID(), []byte("elsewhere"))))

	count, err := tr.PendingCount("peer-b")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	count, err = tr.PendingCount("peer-c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = tr.PendingCount("peer-unknown")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestReplayDeadFrame(t *testing.T) {
	tr := newTestTransport(t, 3)

	_, err := tr.DB().Exec(`
		INSERT INTO dead_frames (frame_id, destination, payload, metadata, reason, attempts)
		VALUES ('frame-dead', 'peer-b', 'payload', '{}', 'max attempts exceeded', 4)
	`)
	require.NoError(t, err)

	var id int64
	require.NoError(t, tr.DB().QueryRow(`SELECT id FROM dead_frames WHERE frame_id = 'frame-dead'`).Scan(&id))

	require.NoError(t, tr.ReplayDeadFrame(id))

	dead, err := tr.DeadCount("peer-b")
	require.NoError(t, err)
	assert.Equal(t, int64(0), dead)

	pending, err := tr.PendingCount("peer-b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestReplayAllDead(t *testing.T) {
	tr := newTestTransport(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := tr.Subscribe(ctx, "peer-b")
	require.NoError(t, err)

	require.NoError(t, tr.Publish("peer-b", message.NewMessage("frame-x", []byte("x"))))
	receiveFrame(t, messages, 2*time.Second).Nack()

	require.Eventually(t, func() bool {
		count, err := tr.DeadCount("peer-b")
		return err == nil && count == 1
	}, 2*time.Second, 20*time.Millisecond)

	replayed, err := tr.ReplayAllDead("peer-b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), replayed)

	dead, err := tr.DeadCount("peer-b")
	require.NoError(t, err)
	assert.Equal(t, int64(0), dead)

	// The replayed frame goes back through normal delivery.
	received := receiveFrame(t, messages, 2*time.Second)
	assert.Equal(t, []byte("x"), []byte(received.Payload))
	received.Ack()
}

func TestPurgeDead(t *testing.T) {
	tr := newTestTransport(t, 3)

	for i := 0; i < 2; i++ {
		_, err := tr.DB().Exec(`
			INSERT INTO dead_frames (frame_id, destination, payload, metadata, reason, attempts)
			VALUES (?, 'peer-b', 'payload', '{}', 'max attempts exceeded', 4)
		`, watermill.NewUUID())
		require.NoError(t, err)
	}

	purged, err := tr.PurgeDead("peer-b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	dead, err := tr.DeadCount("peer-b")
	require.NoError(t, err)
	assert.Equal(t, int64(0), dead)
}

func TestClose(t *testing.T) {
	tr, err := New(Config{
		FilePath:     ":memory:",
		PollInterval: 20 * time.Millisecond,
	}, watermill.NopLogger{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err = tr.Subscribe(ctx, "peer-b")
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	err = tr.Publish("peer-b", message.NewMessage("frame-1", []byte("late")))
	assert.Error(t, err)

	_, err = tr.Subscribe(ctx, "peer-c")
	assert.Error(t, err)
}
