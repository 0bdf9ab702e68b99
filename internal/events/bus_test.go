package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_EmitDeliversToSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var got atomic.Int32
	bus.SubscribeMany(PacketEvents, "counter", func(ctx context.Context, e Event) error {
		got.Add(1)
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventPacketSent})
	bus.Emit(context.Background(), Event{Type: EventPacketReceived})
	bus.Emit(context.Background(), Event{Type: EventShutdown})
	bus.Wait()

	assert.Equal(t, int32(2), got.Load())
	assert.Equal(t, 1, bus.HandlerCount(EventPacketSent))
}

func TestEventBus_EmitSyncReturnsFirstError(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	boom := errors.New("boom")
	bus.Subscribe(EventLoginFailed, "failing", func(ctx context.Context, e Event) error {
		return boom
	})
	bus.Subscribe(EventLoginFailed, "panicking", func(ctx context.Context, e Event) error {
		panic("handler bug")
	})

	err := bus.EmitSync(context.Background(), Event{Type: EventLoginFailed})
	assert.ErrorIs(t, err, boom)
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	bus.Subscribe(EventKeyRotated, "a", func(ctx context.Context, e Event) error { return nil })
	bus.Subscribe(EventKeyRotated, "b", func(ctx context.Context, e Event) error { return nil })
	bus.Unsubscribe(EventKeyRotated, "a")

	assert.Equal(t, 1, bus.HandlerCount(EventKeyRotated))
}

func TestEventBus_StopIgnoresLaterEvents(t *testing.T) {
	bus := NewEventBus()

	var got atomic.Int32
	bus.Subscribe(EventShutdown, "counter", func(ctx context.Context, e Event) error {
		got.Add(1)
		return nil
	})

	bus.Stop()
	bus.Stop()
	bus.Emit(context.Background(), Event{Type: EventShutdown})
	require.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventShutdown}))

	assert.Equal(t, int32(0), got.Load())
	select {
	case <-bus.StopCh():
	default:
		t.Fatal("stop channel not closed")
	}
}

func TestHandshakeStateJSON(t *testing.T) {
	data, err := json.Marshal(HandshakeStatePayload{From: StateCaptchaRequired, To: StateAuthenticated})
	require.NoError(t, err)
	assert.JSONEq(t, `{"UserID":0,"From":"captcha_required","To":"authenticated"}`, string(data))
	assert.Equal(t, "unknown", HandshakeState(99).String())
}
