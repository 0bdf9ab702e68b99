package connector

import (
	"bytes"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seerlink-project/seerlink/internal/crypto"
	"github.com/seerlink-project/seerlink/internal/events"
	"github.com/seerlink-project/seerlink/internal/network"
	"github.com/seerlink-project/seerlink/internal/protocol"
)

const testUserID = 12345678

// fakeGameServer plays the server half of a net.Pipe.
type fakeGameServer struct {
	t      *testing.T
	conn   net.Conn
	cipher *crypto.Cipher
}

func (s *fakeGameServer) send(cmd, result uint32, payload []byte) {
	s.t.Helper()
	s.conn.Write(s.frame(cmd, result, payload))
}

func (s *fakeGameServer) frame(cmd, result uint32, payload []byte) []byte {
	s.t.Helper()
	frame, err := s.cipher.Encrypt(protocol.NewPacket(cmd, testUserID, result, payload))
	require.NoError(s.t, err)
	return frame
}

func (s *fakeGameServer) recv() *protocol.Packet {
	s.t.Helper()
	frame, err := protocol.ReadFrame(s.conn)
	require.NoError(s.t, err)
	plain, err := s.cipher.Decrypt(frame)
	require.NoError(s.t, err)
	pkt, err := protocol.ParsePacket(plain)
	require.NoError(s.t, err)
	return pkt
}

type gameHarness struct {
	game   *GameConnector
	server *fakeGameServer
	bus    *events.EventBus
	runErr chan error
	cancel context.CancelFunc
}

func newGameHarness(t *testing.T) *gameHarness {
	t.Helper()
	client, server := net.Pipe()

	bus := events.NewEventBus()
	game := NewGameConnector(network.NewConnection(client), Session{UserID: testUserID}, nil, bus)

	ctx, cancel := context.WithCancel(context.Background())
	h := &gameHarness{
		game:   game,
		server: &fakeGameServer{t: t, conn: server, cipher: crypto.NewCipher()},
		bus:    bus,
		runErr: make(chan error, 1),
		cancel: cancel,
	}
	go func() { h.runErr <- game.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		server.Close()
		bus.Stop()
	})
	return h
}

// handshake sends the acknowledgement and switches the fake server to the
// derived key.
func (h *gameHarness) handshake(t *testing.T, seed uint32) {
	t.Helper()
	ack := protocol.NewPacket(protocol.CmdEnterServer, testUserID, seed, []byte{0, 0, 0, 1, 0xde, 0xad, 0xbe, 0xef})
	frame, err := h.server.cipher.Encrypt(ack)
	require.NoError(t, err)
	h.server.conn.Write(frame)

	select {
	case <-h.game.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("key rotation not observed")
	}

	key, err := crypto.DeriveKey(ack, testUserID)
	require.NoError(t, err)
	require.NoError(t, h.server.cipher.SetKey(key))
}

func TestGameConnector_HandshakeRotatesKeyAndSeeds(t *testing.T) {
	h := newGameHarness(t)
	h.handshake(t, 1000)

	stats := h.game.Stats()
	assert.True(t, stats.KeyRotated)
	assert.Equal(t, uint32(1000), stats.Sequence)
	assert.Equal(t, uint64(1), stats.PacketsReceived)
}

func TestGameConnector_SecondAcknowledgementKeepsKey(t *testing.T) {
	h := newGameHarness(t)
	h.handshake(t, 1000)

	h.game.mu.Lock()
	key := h.game.session.Cipher.Key()
	h.game.mu.Unlock()

	w := h.game.correlator.Register(protocol.CmdEnterServer)
	h.server.send(protocol.CmdEnterServer, 5, []byte{0, 0, 0, 1, 0x01, 0x02, 0x03, 0x04})

	pkt, ok := w.Wait(context.Background(), 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, uint32(5), pkt.Result)

	h.game.mu.Lock()
	assert.Equal(t, key, h.game.session.Cipher.Key())
	h.game.mu.Unlock()

	stats := h.game.Stats()
	assert.True(t, stats.KeyRotated)
	assert.Equal(t, uint32(1000), stats.Sequence)
	assert.Equal(t, uint64(2), stats.PacketsReceived)
}

func TestGameConnector_SendStampsAndEncrypts(t *testing.T) {
	h := newGameHarness(t)
	h.handshake(t, 1000)

	ref := crypto.NewSequence()
	ref.Seed(1000)
	want := ref.Compute(43706, []byte{0xff, 0x0f, 0x10})

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.game.Send(context.Background(), 43706, []byte{0xff, 0x0f, 0x10})
	}()

	pkt := h.server.recv()
	require.NoError(t, <-errCh)
	assert.Equal(t, uint32(43706), pkt.Command)
	assert.Equal(t, uint32(testUserID), pkt.UserID)
	assert.Equal(t, want, pkt.Result)
	assert.Equal(t, uint32(1020), pkt.Result)
	assert.Equal(t, []byte{0xff, 0x0f, 0x10}, pkt.Payload)
}

func TestGameConnector_SendHexRestamps(t *testing.T) {
	h := newGameHarness(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.game.SendHex(context.Background(), "00 00 00 00 31 00 00 03 E9 00 00 00 00 00 00 00 00 01 02 03 04")
	}()

	pkt := h.server.recv()
	require.NoError(t, <-errCh)
	assert.Equal(t, uint32(21), pkt.Length)
	assert.Equal(t, uint32(testUserID), pkt.UserID)
	assert.Equal(t, uint32(140), pkt.Result)

	assert.Error(t, h.game.SendHex(context.Background(), "0011"))
	assert.Error(t, h.game.SendHex(context.Background(), "not hex"))
}

func TestGameConnector_RequestCorrelatesReply(t *testing.T) {
	h := newGameHarness(t)
	h.handshake(t, 1000)

	type result struct {
		pkt *protocol.Packet
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		pkt, ok, err := h.game.Request(context.Background(), 2001, nil, 2001, 2*time.Second)
		done <- result{pkt, ok, err}
	}()

	req := h.server.recv()
	assert.Equal(t, uint32(2001), req.Command)

	h.server.send(9999, 0, []byte{1})
	h.server.send(2001, 0, []byte("reply"))

	r := <-done
	require.NoError(t, r.err)
	require.True(t, r.ok)
	assert.Equal(t, []byte("reply"), r.pkt.Payload)
}

func TestGameConnector_CoalescedAndSplitFrames(t *testing.T) {
	h := newGameHarness(t)

	var received atomic.Int32
	h.bus.Subscribe(events.EventPacketReceived, "test", func(ctx context.Context, e events.Event) error {
		received.Add(1)
		return nil
	})

	a := h.server.frame(3001, 0, []byte{1, 2, 3})
	b := h.server.frame(3002, 0, nil)
	c := h.server.frame(3003, 0, bytes.Repeat([]byte{7}, 40))

	w := h.game.correlator.Register(3003)

	stream := append(append(append([]byte{}, a...), b...), c[:10]...)
	h.server.conn.Write(stream)
	h.server.conn.Write(c[10:])

	pkt, ok := w.Wait(context.Background(), 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, bytes.Repeat([]byte{7}, 40), pkt.Payload)

	h.bus.Wait()
	assert.Equal(t, int32(3), received.Load())
}

func TestGameConnector_DisconnectReleasesWaitAndNotifies(t *testing.T) {
	h := newGameHarness(t)

	notified := make(chan error, 1)
	h.game.OnDisconnect(func(err error) { notified <- err })

	var disconnected atomic.Int32
	h.bus.Subscribe(events.EventDisconnected, "test", func(ctx context.Context, e events.Event) error {
		disconnected.Add(1)
		return nil
	})

	w := h.game.correlator.Register(4242)
	h.server.conn.Close()

	_, ok := w.Wait(context.Background(), 5*time.Second)
	assert.False(t, ok)

	select {
	case err := <-h.runErr:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not exit")
	}

	select {
	case err := <-notified:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("disconnect collaborator not invoked")
	}

	h.bus.Wait()
	assert.Equal(t, int32(1), disconnected.Load())
	assert.False(t, h.game.Connected())
	assert.ErrorIs(t, h.game.Send(context.Background(), 1, nil), ErrNotConnected)
}

func TestGameConnector_CancelStopsLoopQuietly(t *testing.T) {
	h := newGameHarness(t)

	called := false
	h.game.OnDisconnect(func(error) { called = true })
	h.cancel()

	select {
	case err := <-h.runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not exit")
	}
	assert.False(t, called)
}

func TestGameConnector_UndecryptableFrameSkipped(t *testing.T) {
	h := newGameHarness(t)

	w := h.game.correlator.Register(5005)
	// A bare length prefix decrypts to nothing and must not stop the loop.
	h.server.conn.Write([]byte{0, 0, 0, 4})
	h.server.send(5005, 0, nil)

	_, ok := w.Wait(context.Background(), 2*time.Second)
	assert.True(t, ok)
}

func TestGameConnector_UnusableLengthPrefixDisconnects(t *testing.T) {
	h := newGameHarness(t)

	notified := make(chan error, 1)
	h.game.OnDisconnect(func(err error) { notified <- err })

	h.server.conn.Write([]byte{0, 0, 0, 1})

	select {
	case err := <-h.runErr:
		assert.ErrorIs(t, err, protocol.ErrInvalidFrameLength)
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not exit")
	}

	select {
	case err := <-notified:
		assert.ErrorIs(t, err, protocol.ErrInvalidFrameLength)
	case <-time.After(time.Second):
		t.Fatal("disconnect collaborator not invoked")
	}
	assert.False(t, h.game.Connected())
}
