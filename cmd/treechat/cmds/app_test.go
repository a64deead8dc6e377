package cmds

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/treechat/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrinterSignalsPrintedTurns(t *testing.T) {
	router, err := events.NewEventRouter()
	require.NoError(t, err)
	a := &app{router: router}

	var buf bytes.Buffer
	printed := a.printer(&buf, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = router.Run(ctx)
	}()
	<-router.Running()
	defer func() {
		_ = router.Close()
	}()

	// payloads that are not events are skipped
	require.NoError(t, router.Publisher.Publish(events.TopicChat,
		message.NewMessage(watermill.NewUUID(), []byte("not an event"))))

	md := events.NewMetadata("1", "turn-1")
	sink := router.Sink(events.TopicChat)
	for _, e := range []events.Event{
		events.NewTurnStartedEvent(md, "stream", "hi", "u1", "p1"),
		events.NewTurnDeltaEvent(md, "p1", "Hel", "Hel"),
		events.NewTurnDeltaEvent(md, "p1", "lo", "Hello"),
		events.NewTurnCompletedEvent(md, "p1", "11", "Hello"),
	} {
		require.NoError(t, sink.PublishEvent(e))
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	waitPrinted(waitCtx, printed, "turn-1")
	require.NoError(t, waitCtx.Err())
	assert.Equal(t, "\nassistant: Hello\n", buf.String())
}
