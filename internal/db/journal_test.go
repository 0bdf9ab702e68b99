package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seerlink-project/seerlink/internal/events"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "data", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func packet(dir events.Direction, cmd uint32, name string, at time.Time) events.PacketPayload {
	return events.PacketPayload{
		Direction: dir,
		Command:   cmd,
		Name:      name,
		UserID:    12345678,
		Result:    140,
		Length:    17,
		Raw:       []byte{0, 0, 0, 17, 0x31},
		At:        at,
	}
}

func TestJournal_RecordAndRecent(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, j.Record(ctx, packet(events.DirectionOut, 1001, "enter_server", now)))
	require.NoError(t, j.Record(ctx, packet(events.DirectionIn, 1001, "enter_server", now)))
	require.NoError(t, j.Record(ctx, packet(events.DirectionIn, 43706, "unknown", now)))

	entries, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, uint32(43706), entries[0].Command)
	assert.Equal(t, "in", entries[0].Direction)
	assert.Equal(t, uint32(12345678), entries[0].UserID)
	assert.Equal(t, uint32(140), entries[0].Result)
	assert.Equal(t, "00 00 00 11 31", entries[0].PayloadHex)
	assert.Equal(t, now.UnixMilli(), entries[0].CreatedAt.UnixMilli())
	assert.Greater(t, entries[0].ID, entries[1].ID)
}

func TestJournal_CountByCommand(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, j.Record(ctx, packet(events.DirectionOut, 1001, "enter_server", now)))
	require.NoError(t, j.Record(ctx, packet(events.DirectionIn, 1001, "enter_server", now)))
	require.NoError(t, j.Record(ctx, packet(events.DirectionIn, 1001, "enter_server", now)))
	require.NoError(t, j.Record(ctx, packet(events.DirectionOut, 2001, "", now)))

	counts, err := j.CountByCommand(ctx)
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, CommandCount{Command: 1001, CommandName: "enter_server", Sent: 1, Received: 2}, counts[0])
	assert.Equal(t, CommandCount{Command: 2001, Sent: 1}, counts[1])
}

func TestJournal_Prune(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, packet(events.DirectionIn, 1, "", time.Now().Add(-48*time.Hour))))
	require.NoError(t, j.Record(ctx, packet(events.DirectionIn, 2, "", time.Now())))

	n, err := j.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(2), entries[0].Command)
}

func TestJournal_AttachRecordsBusTraffic(t *testing.T) {
	j := openTestJournal(t)
	bus := events.NewEventBus()
	defer bus.Stop()
	j.Attach(bus)

	bus.Emit(context.Background(), events.Event{Type: events.EventPacketSent, Payload: packet(events.DirectionOut, 7, "", time.Now())})
	bus.Emit(context.Background(), events.Event{Type: events.EventPacketReceived, Payload: packet(events.DirectionIn, 8, "", time.Now())})
	bus.Wait()

	entries, err := j.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
