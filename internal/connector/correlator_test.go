package connector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seerlink-project/seerlink/internal/protocol"
)

func TestCorrelator_DeliverMatchingCommand(t *testing.T) {
	c := NewCorrelator()
	w := c.Register(43706)

	assert.False(t, c.Deliver(&protocol.Packet{Command: 1}))
	assert.True(t, c.Deliver(&protocol.Packet{Command: 43706, Result: 9}))
	assert.False(t, c.Deliver(&protocol.Packet{Command: 43706}), "slot is single-use")

	pkt, ok := w.Wait(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, uint32(9), pkt.Result)

	_, pending := c.Pending()
	assert.False(t, pending)
}

func TestCorrelator_Timeout(t *testing.T) {
	c := NewCorrelator()

	start := time.Now()
	pkt, ok := c.AwaitReply(context.Background(), 7, 100*time.Millisecond)
	assert.False(t, ok)
	assert.Nil(t, pkt)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	_, pending := c.Pending()
	assert.False(t, pending, "timed out wait is cleared")
	assert.False(t, c.Deliver(&protocol.Packet{Command: 7}))
}

func TestCorrelator_SupersededWaitReleased(t *testing.T) {
	c := NewCorrelator()
	first := c.Register(1)
	second := c.Register(2)

	pkt, ok := first.Wait(context.Background(), 5*time.Second)
	assert.False(t, ok)
	assert.Nil(t, pkt)

	cmd, pending := c.Pending()
	require.True(t, pending)
	assert.Equal(t, uint32(2), cmd)

	assert.False(t, c.Deliver(&protocol.Packet{Command: 1}))
	assert.True(t, c.Deliver(&protocol.Packet{Command: 2}))
	_, ok = second.Wait(context.Background(), time.Second)
	assert.True(t, ok)
}

func TestCorrelator_CloseReleasesWaiter(t *testing.T) {
	c := NewCorrelator()
	done := make(chan bool, 1)

	w := c.Register(5)
	go func() {
		_, ok := w.Wait(context.Background(), 0)
		done <- ok
	}()

	c.Close()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by Close")
	}

	_, ok := c.AwaitReply(context.Background(), 5, time.Hour)
	assert.False(t, ok, "waits after Close return immediately")
}

func TestCorrelator_ContextCancel(t *testing.T) {
	c := NewCorrelator()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, ok := c.AwaitReply(ctx, 3, time.Hour)
	assert.False(t, ok)
}
