package broadcast_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/babelchat/internal/broadcast"
	"github.com/edgard/babelchat/internal/chat"
	"github.com/edgard/babelchat/internal/errs"
)

func natsURL() string {
	if url := os.Getenv("TEST_NATS_URL"); url != "" {
		return url
	}
	return "nats://localhost:4222"
}

func connect(t *testing.T, subject string) *broadcast.Bus {
	t.Helper()

	bus, err := broadcast.Connect(natsURL(), subject, nil)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestPublishReachesOtherConnections(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	subject := "babelchat.test." + uuid.NewString()
	a := connect(t, subject)
	b := connect(t, subject)

	events := make(chan chat.SystemEvent, 2)
	sub, err := b.SubscribeSystem(ctx, func(e chat.SystemEvent) { events <- e })
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, a.PublishSystem(ctx, chat.SystemEvent{Kind: "join", Text: "ana joined lobby", At: 5}))

	select {
	case e := <-events:
		assert.Equal(t, chat.SystemEvent{Kind: "join", Text: "ana joined lobby", At: 5}, e)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
}

func TestCanceledPublish(t *testing.T) {
	t.Parallel()

	bus := connect(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, bus.PublishSystem(ctx, chat.SystemEvent{Kind: "join"}), context.Canceled)
}

func TestUnreachableServer(t *testing.T) {
	t.Parallel()

	_, err := broadcast.Connect("nats://127.0.0.1:1", "", nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindBackendUnavailable, errs.KindOf(err))
}
