package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/seerlink-project/seerlink/internal/crypto"
	"github.com/seerlink-project/seerlink/internal/events"
	"github.com/seerlink-project/seerlink/internal/network"
	"github.com/seerlink-project/seerlink/internal/protocol"
)

const (
	readChunkSize = 8 * 1024
	logPreviewLen = 50
)

// ErrNotConnected is returned when sending without a live game connection.
var ErrNotConnected = errors.New("not connected to game server")

// Session is the per-connection protocol state produced by the login
// handshake.
type Session struct {
	UserID   uint32
	Server   int
	GameAddr string
	Cipher   *crypto.Cipher
	Sequence *crypto.Sequence
}

// GameStats is a snapshot of the game connection.
type GameStats struct {
	UserID          uint32        `json:"user_id"`
	Server          int           `json:"server"`
	GameAddr        string        `json:"game_addr"`
	KeyRotated      bool          `json:"key_rotated"`
	Sequence        uint32        `json:"sequence"`
	PacketsSent     uint64        `json:"packets_sent"`
	PacketsReceived uint64        `json:"packets_received"`
	PendingReply    uint32        `json:"pending_reply,omitempty"`
	Connection      network.Stats `json:"connection"`
}

// GameConnector owns the long-lived game connection: it runs the receive
// loop, stamps and encrypts outgoing packets and correlates replies.
type GameConnector struct {
	// mu serializes the cipher key, sequence state and socket writes.
	mu      sync.Mutex
	conn    *network.Connection
	session Session

	names      *protocol.CommandNames
	eventBus   *events.EventBus
	correlator *Correlator
	logger     zerolog.Logger

	ready     chan struct{}
	readyOnce sync.Once
	closed    atomic.Bool

	onDisconnect   func(error)
	disconnectOnce sync.Once

	sent     atomic.Uint64
	received atomic.Uint64
}

// NewGameConnector wraps an established game connection.
func NewGameConnector(conn *network.Connection, session Session, names *protocol.CommandNames, eventBus *events.EventBus) *GameConnector {
	if session.Cipher == nil {
		session.Cipher = crypto.NewCipher()
	}
	if session.Sequence == nil {
		session.Sequence = crypto.NewSequence()
	}
	if names == nil {
		names = protocol.NewCommandNames()
	}

	return &GameConnector{
		conn:       conn,
		session:    session,
		names:      names,
		eventBus:   eventBus,
		correlator: NewCorrelator(),
		ready:      make(chan struct{}),
		logger: log.With().
			Str("component", "game").
			Uint32("user_id", session.UserID).
			Logger(),
	}
}

// OnDisconnect installs the collaborator invoked once when the receive loop
// ends because of a transport failure or peer close.
func (g *GameConnector) OnDisconnect(fn func(error)) {
	g.onDisconnect = fn
}

// Ready is closed once the handshake acknowledgement has rotated the key.
func (g *GameConnector) Ready() <-chan struct{} {
	return g.ready
}

// Run reads from the connection until it fails or ctx is done. Content
// never ends the loop; only transport errors and cancellation do.
func (g *GameConnector) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { g.conn.Close() })
	defer stop()

	g.logger.Info().Str("addr", g.session.GameAddr).Msg("game receive loop started")

	buf := make([]byte, 0, readChunkSize)
	chunk := make([]byte, readChunkSize)

	for {
		n, err := g.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var ferr error
			buf, ferr = g.drain(ctx, buf)
			if ferr != nil && err == nil {
				err = ferr
			}
		}
		if n == 0 && err == nil {
			err = io.EOF
		}
		if err != nil {
			return g.teardown(ctx, err)
		}
	}
}

// drain processes every complete frame in buf and returns the remainder.
func (g *GameConnector) drain(ctx context.Context, buf []byte) ([]byte, error) {
	for {
		frame, rest, ok, err := protocol.TryExtractFrame(buf)
		if err != nil {
			return nil, fmt.Errorf("corrupt game stream: %w", err)
		}
		if !ok {
			remaining := make([]byte, len(rest), max(len(rest), readChunkSize))
			copy(remaining, rest)
			return remaining, nil
		}
		buf = rest
		g.handleFrame(ctx, frame)
	}
}

func (g *GameConnector) handleFrame(ctx context.Context, frame []byte) {
	g.mu.Lock()
	plain, err := g.session.Cipher.Decrypt(frame)
	if err != nil {
		g.mu.Unlock()
		g.logger.Warn().Err(err).Int("len", len(frame)).Msg("failed to decrypt frame")
		return
	}

	pkt, err := protocol.ParsePacket(plain)
	if err != nil {
		g.mu.Unlock()
		g.logger.Warn().Err(err).Str("hex", preview(plain)).Msg("dropping malformed packet")
		return
	}

	rotated := false
	if pkt.Command == protocol.CmdEnterServer && g.session.Cipher.Rotated() {
		g.logger.Warn().Uint32("result", pkt.Result).Msg("repeated handshake acknowledgement, session key kept")
	} else if pkt.Command == protocol.CmdEnterServer {
		if _, err := g.session.Cipher.Rotate(plain, g.session.UserID); err != nil {
			g.logger.Error().Err(err).Msg("failed to derive session key")
		} else {
			g.session.Sequence.Seed(pkt.Result)
			rotated = true
		}
	}
	g.mu.Unlock()

	g.received.Add(1)
	name := g.names.Lookup(pkt.Command)
	g.logger.Debug().
		Uint32("cmd", pkt.Command).
		Str("name", name).
		Int("len", len(plain)).
		Str("hex", preview(plain)).
		Msg("packet received")

	g.correlator.Deliver(pkt)
	g.publish(ctx, events.DirectionIn, pkt, name)

	if rotated {
		g.logger.Info().Uint32("seed", pkt.Result).Msg("session key initialized")
		g.emit(ctx, events.EventKeyRotated, events.KeyRotatedPayload{
			UserID: g.session.UserID,
			Seed:   pkt.Result,
		})
		g.readyOnce.Do(func() { close(g.ready) })
	}
}

func (g *GameConnector) teardown(ctx context.Context, cause error) error {
	wasClosed := g.closed.Swap(true)
	g.correlator.Close()
	g.conn.Close()

	if ctx.Err() != nil || wasClosed {
		g.logger.Info().Msg("game connection closed")
		return nil
	}

	g.logger.Warn().Err(cause).Msg("disconnected from game server")
	g.emit(context.WithoutCancel(ctx), events.EventDisconnected, events.DisconnectedPayload{
		UserID: g.session.UserID,
		Reason: cause.Error(),
	})

	g.disconnectOnce.Do(func() {
		if g.onDisconnect != nil {
			g.onDisconnect(cause)
		}
	})
	return fmt.Errorf("game connection lost: %w", cause)
}

// Send stamps, encrypts and writes one packet built from cmd and payload.
func (g *GameConnector) Send(ctx context.Context, cmd uint32, payload []byte) error {
	return g.write(ctx, protocol.NewPacket(cmd, 0, 0, payload))
}

// SendHex parses a hex packet (whitespace allowed) and sends it. The length,
// user id and result fields are overwritten before encryption.
func (g *GameConnector) SendHex(ctx context.Context, hexPacket string) error {
	raw, err := protocol.DecodeHex(hexPacket)
	if err != nil {
		return err
	}
	return g.write(ctx, raw)
}

func (g *GameConnector) write(ctx context.Context, raw []byte) error {
	if g.closed.Load() {
		return ErrNotConnected
	}

	g.mu.Lock()
	if len(raw) < protocol.HeaderSize {
		g.mu.Unlock()
		return fmt.Errorf("%w: %d bytes", protocol.ErrMalformedPacket, len(raw))
	}
	cmd := protocol.CommandOf(raw)
	result := g.session.Sequence.Compute(cmd, raw[protocol.HeaderSize:])
	if err := protocol.Stamp(raw, g.session.UserID, result); err != nil {
		g.mu.Unlock()
		return err
	}

	frame, err := g.session.Cipher.Encrypt(raw)
	if err == nil {
		err = g.conn.Write(frame)
	}
	g.mu.Unlock()

	if err != nil {
		if errors.Is(err, network.ErrConnectionClosed) {
			return ErrNotConnected
		}
		return fmt.Errorf("failed to send cmd %d: %w", cmd, err)
	}

	g.sent.Add(1)
	pkt, _ := protocol.ParsePacket(raw)
	name := g.names.Lookup(cmd)
	g.logger.Debug().
		Uint32("cmd", cmd).
		Str("name", name).
		Uint32("result", result).
		Str("hex", preview(raw)).
		Msg("packet sent")
	g.publish(ctx, events.DirectionOut, pkt, name)
	return nil
}

// AwaitReply blocks until a packet with cmd arrives. See Correlator.
func (g *GameConnector) AwaitReply(ctx context.Context, cmd uint32, timeout time.Duration) (*protocol.Packet, bool) {
	return g.correlator.AwaitReply(ctx, cmd, timeout)
}

// Request sends a packet and waits for the reply command. The wait is
// registered before the write so a fast reply is not missed.
func (g *GameConnector) Request(ctx context.Context, cmd uint32, payload []byte, replyCmd uint32, timeout time.Duration) (*protocol.Packet, bool, error) {
	return g.request(ctx, protocol.NewPacket(cmd, 0, 0, payload), replyCmd, timeout)
}

// RequestHex is Request for a hex encoded plaintext packet.
func (g *GameConnector) RequestHex(ctx context.Context, hexPacket string, replyCmd uint32, timeout time.Duration) (*protocol.Packet, bool, error) {
	raw, err := protocol.DecodeHex(hexPacket)
	if err != nil {
		return nil, false, err
	}
	return g.request(ctx, raw, replyCmd, timeout)
}

func (g *GameConnector) request(ctx context.Context, raw []byte, replyCmd uint32, timeout time.Duration) (*protocol.Packet, bool, error) {
	w := g.correlator.Register(replyCmd)
	if err := g.write(ctx, raw); err != nil {
		w.cancel()
		return nil, false, err
	}

	pkt, ok := w.Wait(ctx, timeout)
	if !ok {
		g.logger.Warn().Uint32("cmd", replyCmd).Dur("timeout", timeout).Msg("reply not received")
	}
	return pkt, ok, nil
}

// Close tears down the connection. Run returns nil afterwards.
func (g *GameConnector) Close() error {
	g.closed.Store(true)
	g.correlator.Close()
	return g.conn.Close()
}

// Connected reports whether the connection is still usable.
func (g *GameConnector) Connected() bool {
	return !g.closed.Load()
}

// UserID returns the session user id.
func (g *GameConnector) UserID() uint32 {
	return g.session.UserID
}

// Stats returns a snapshot of the connection state.
func (g *GameConnector) Stats() GameStats {
	g.mu.Lock()
	rotated := g.session.Cipher.Rotated()
	seq := g.session.Sequence.Value()
	g.mu.Unlock()

	pending, _ := g.correlator.Pending()
	return GameStats{
		UserID:          g.session.UserID,
		Server:          g.session.Server,
		GameAddr:        g.session.GameAddr,
		KeyRotated:      rotated,
		Sequence:        seq,
		PacketsSent:     g.sent.Load(),
		PacketsReceived: g.received.Load(),
		PendingReply:    pending,
		Connection:      g.conn.Stats(),
	}
}

func (g *GameConnector) publish(ctx context.Context, dir events.Direction, pkt *protocol.Packet, name string) {
	if pkt == nil {
		return
	}
	g.emit(ctx, packetEventType(dir), events.PacketPayload{
		Direction: dir,
		Command:   pkt.Command,
		Name:      name,
		UserID:    pkt.UserID,
		Result:    pkt.Result,
		Length:    len(pkt.Raw),
		Raw:       pkt.Raw,
		At:        time.Now(),
	})
}

func (g *GameConnector) emit(ctx context.Context, t events.EventType, payload interface{}) {
	if g.eventBus == nil {
		return
	}
	g.eventBus.Emit(ctx, events.Event{
		Type:    t,
		Source:  "game",
		Payload: payload,
	})
}

func packetEventType(dir events.Direction) events.EventType {
	if dir == events.DirectionOut {
		return events.EventPacketSent
	}
	return events.EventPacketReceived
}

// preview renders the first bytes of a packet for logs.
func preview(data []byte) string {
	s := protocol.FormatHex(data)
	if len(s) > logPreviewLen {
		return s[:logPreviewLen] + "..."
	}
	return s
}
