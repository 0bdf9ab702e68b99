package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/seerlink-project/seerlink/internal/events"
	"github.com/seerlink-project/seerlink/internal/network"
	"github.com/seerlink-project/seerlink/internal/protocol"
)

// Status is the client-level view exposed to the API and CLI.
type Status struct {
	Connected      bool                  `json:"connected"`
	HandshakeState events.HandshakeState `json:"handshake_state"`
	UserID         uint32                `json:"user_id"`
	Server         int                   `json:"server"`
	Game           *GameStats            `json:"game,omitempty"`
	LastError      string                `json:"last_error,omitempty"`
}

// Client keeps one logged-in game session alive: it logs in, runs the
// receive loop and, when configured, logs in again after a disconnect.
type Client struct {
	mu sync.RWMutex

	login          *LoginConnector
	names          *protocol.CommandNames
	eventBus       *events.EventBus
	reconnectDelay time.Duration

	game    *GameConnector
	lastErr error
}

// NewClient creates a client. A zero reconnectDelay disables reconnects.
func NewClient(login *LoginConnector, names *protocol.CommandNames, eventBus *events.EventBus, reconnectDelay time.Duration) *Client {
	return &Client{
		login:          login,
		names:          names,
		eventBus:       eventBus,
		reconnectDelay: reconnectDelay,
	}
}

// Connect performs one login and installs the resulting game connector.
func (c *Client) Connect(ctx context.Context) (*GameConnector, error) {
	conn, session, err := c.login.Login(ctx)
	if err != nil {
		c.setErr(err)
		return nil, err
	}

	game := NewGameConnector(conn, *session, c.names, c.eventBus)
	game.OnDisconnect(func(err error) {
		c.setErr(err)
	})

	c.mu.Lock()
	c.game = game
	c.lastErr = nil
	c.mu.Unlock()
	return game, nil
}

// ManageConnection logs in and runs the receive loop until ctx is done.
// Bad credentials and abandoned CAPTCHAs are terminal; transport failures
// are retried after the reconnect delay.
func (c *Client) ManageConnection(ctx context.Context) error {
	for {
		game, err := c.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrBadCredentials) || errors.Is(err, ErrCaptchaAbandoned) || errors.Is(err, network.ErrUnknownServer) {
				return err
			}
			if !c.waitReconnect(ctx, err) {
				return err
			}
			continue
		}

		err = game.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if !c.waitReconnect(ctx, err) {
			return err
		}
	}
}

func (c *Client) waitReconnect(ctx context.Context, cause error) bool {
	if c.reconnectDelay <= 0 {
		return false
	}

	log.Warn().Err(cause).Dur("delay", c.reconnectDelay).Msg("session lost, reconnecting")
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.reconnectDelay):
		return true
	}
}

// Game returns the live game connector.
func (c *Client) Game() (*GameConnector, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.game == nil || !c.game.Connected() {
		return nil, ErrNotConnected
	}
	return c.game, nil
}

// Send forwards to the live game connector.
func (c *Client) Send(ctx context.Context, cmd uint32, payload []byte) error {
	g, err := c.Game()
	if err != nil {
		return err
	}
	return g.Send(ctx, cmd, payload)
}

// SendHex forwards to the live game connector.
func (c *Client) SendHex(ctx context.Context, hexPacket string) error {
	g, err := c.Game()
	if err != nil {
		return err
	}
	return g.SendHex(ctx, hexPacket)
}

// RequestHex forwards to the live game connector.
func (c *Client) RequestHex(ctx context.Context, hexPacket string, replyCmd uint32, timeout time.Duration) (*protocol.Packet, bool, error) {
	g, err := c.Game()
	if err != nil {
		return nil, false, err
	}
	return g.RequestHex(ctx, hexPacket, replyCmd, timeout)
}

// Close tears down the current session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.game == nil {
		return nil
	}
	if err := c.game.Close(); err != nil {
		return fmt.Errorf("failed to close game connection: %w", err)
	}
	return nil
}

// Status returns a snapshot for display.
func (c *Client) Status() Status {
	c.mu.RLock()
	game := c.game
	lastErr := c.lastErr
	c.mu.RUnlock()

	st := Status{
		HandshakeState: c.login.State(),
		UserID:         c.login.opts.UserID,
		Server:         c.login.opts.Server,
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	if game != nil {
		st.Connected = game.Connected()
		stats := game.Stats()
		st.Game = &stats
	}
	return st
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}
