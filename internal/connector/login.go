package connector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/seerlink-project/seerlink/internal/crypto"
	"github.com/seerlink-project/seerlink/internal/events"
	"github.com/seerlink-project/seerlink/internal/network"
	"github.com/seerlink-project/seerlink/internal/protocol"
)

const (
	captchaFileName     = "captcha.bmp"
	defaultDialTimeout  = 10 * time.Second
	loginResponseWindow = 15 * time.Second
)

var (
	// ErrBadCredentials is terminal: the server rejected the password.
	ErrBadCredentials = errors.New("login rejected: bad credentials")

	// ErrCaptchaAbandoned is returned when the solver gives up or the
	// attempt ceiling is reached.
	ErrCaptchaAbandoned = errors.New("login abandoned at captcha")
)

// AddrResolver yields the login server address.
type AddrResolver interface {
	LoginAddr(ctx context.Context) (string, error)
}

// LoginOptions configures one login.
type LoginOptions struct {
	UserID             uint32
	Password           string
	Server             int
	GameHost           string
	CaptchaDir         string
	MaxCaptchaAttempts int
	DialTimeout        time.Duration
}

// LoginConnector drives the login handshake: credentials and CAPTCHA rounds
// on the login server, then the enter packet on the game server.
type LoginConnector struct {
	opts     LoginOptions
	resolver AddrResolver
	solver   CaptchaSolver
	eventBus *events.EventBus
	logger   zerolog.Logger

	mu    sync.RWMutex
	state events.HandshakeState

	// gameAddr maps the server selector to host:port.
	gameAddr func(host string, server int) (string, error)
}

// NewLoginConnector creates a login connector.
func NewLoginConnector(opts LoginOptions, resolver AddrResolver, solver CaptchaSolver, eventBus *events.EventBus) *LoginConnector {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.GameHost == "" {
		opts.GameHost = network.DefaultGameHost
	}
	if opts.Server == 0 {
		opts.Server = network.DefaultServer
	}

	return &LoginConnector{
		opts:     opts,
		resolver: resolver,
		solver:   solver,
		eventBus: eventBus,
		gameAddr: network.GameAddr,
		logger: log.With().
			Str("component", "login").
			Uint32("user_id", opts.UserID).
			Logger(),
	}
}

// State returns the current handshake state.
func (l *LoginConnector) State() events.HandshakeState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Login authenticates and enters the game server. On success the returned
// connection already carries the enter packet and the session holds the
// cipher and sequence state to continue with.
func (l *LoginConnector) Login(ctx context.Context) (*network.Connection, *Session, error) {
	l.setState(ctx, events.StateInit)

	gameAddr, err := l.gameAddr(l.opts.GameHost, l.opts.Server)
	if err != nil {
		return nil, nil, l.fail(ctx, err)
	}

	token, userID, err := l.authenticate(ctx)
	if err != nil {
		return nil, nil, l.fail(ctx, err)
	}

	conn, session, err := l.enter(ctx, gameAddr, token, userID)
	if err != nil {
		return nil, nil, l.fail(ctx, err)
	}

	l.setState(ctx, events.StateAuthenticated)
	l.logger.Info().Str("game_addr", gameAddr).Int("server", l.opts.Server).Msg("login succeeded")
	l.emit(ctx, events.EventLoginSucceeded, events.LoginPayload{
		UserID:   l.opts.UserID,
		Server:   l.opts.Server,
		GameAddr: gameAddr,
	})
	return conn, session, nil
}

// authenticate runs credential and CAPTCHA rounds until the server issues a
// session token.
func (l *LoginConnector) authenticate(ctx context.Context) ([]byte, uint32, error) {
	loginAddr, err := l.resolver.LoginAddr(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to discover login server: %w", err)
	}

	credential := crypto.DoubleMD5(l.opts.Password)
	var captchaToken, captchaAnswer []byte

	for attempt := 0; ; attempt++ {
		if attempt == 0 {
			l.setState(ctx, events.StateCredentialsSent)
		} else {
			l.setState(ctx, events.StateCaptchaRetry)
		}

		req, err := protocol.BuildLoginRequest(l.opts.UserID, credential, captchaToken, captchaAnswer)
		if err != nil {
			return nil, 0, err
		}

		resp, err := l.roundTrip(ctx, loginAddr, req)
		if err != nil {
			return nil, 0, err
		}

		l.logger.Debug().Str("status", resp.Status.String()).Int("attempt", attempt).Msg("login response")

		switch resp.Status {
		case protocol.LoginOK:
			return resp.Token, resp.UserID, nil

		case protocol.LoginBadPassword:
			return nil, 0, ErrBadCredentials

		case protocol.LoginCaptcha:
			l.setState(ctx, events.StateCaptchaRequired)
			if l.opts.MaxCaptchaAttempts > 0 && attempt+1 > l.opts.MaxCaptchaAttempts {
				return nil, 0, fmt.Errorf("%w: %d attempts", ErrCaptchaAbandoned, attempt)
			}

			answer, err := l.solveCaptcha(ctx, attempt+1, resp.Captcha)
			if err != nil {
				return nil, 0, err
			}
			captchaToken = resp.Token
			captchaAnswer = []byte(answer)

		default:
			return nil, 0, fmt.Errorf("unexpected login status %s", resp.Status)
		}
	}
}

// roundTrip sends one login request on a fresh connection and reads the
// single response frame.
func (l *LoginConnector) roundTrip(ctx context.Context, addr string, req []byte) (*protocol.LoginResponse, error) {
	conn, err := network.Dial(ctx, addr, l.opts.DialTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("failed to send login request: %w", err)
	}

	frame, err := conn.ReadFrame(loginResponseWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to read login response: %w", err)
	}
	return protocol.ParseLoginResponse(frame)
}

func (l *LoginConnector) solveCaptcha(ctx context.Context, attempt int, bitmap []byte) (string, error) {
	path := filepath.Join(l.opts.CaptchaDir, captchaFileName)
	if l.opts.CaptchaDir != "" {
		if err := os.MkdirAll(l.opts.CaptchaDir, 0755); err != nil {
			return "", fmt.Errorf("failed to create captcha directory: %w", err)
		}
	}
	if err := os.WriteFile(path, bitmap, 0644); err != nil {
		return "", fmt.Errorf("failed to write captcha bitmap: %w", err)
	}

	ch := Challenge{
		UserID:  l.opts.UserID,
		Attempt: attempt,
		Path:    path,
		Bitmap:  bitmap,
	}

	l.logger.Info().Int("attempt", attempt).Str("path", path).Msg("captcha required")
	l.emit(ctx, events.EventCaptchaRequired, events.CaptchaPayload{
		UserID:  ch.UserID,
		Attempt: ch.Attempt,
		Path:    ch.Path,
		Bitmap:  ch.Bitmap,
	})

	if l.solver == nil {
		return "", fmt.Errorf("%w: no solver configured", ErrCaptchaAbandoned)
	}

	answer, err := l.solver.Solve(ctx, ch)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCaptchaAbandoned, err)
	}
	if len(answer) != protocol.CaptchaAnswerSize {
		return "", fmt.Errorf("%w: answer must be %d characters, got %d",
			ErrCaptchaAbandoned, protocol.CaptchaAnswerSize, len(answer))
	}
	return answer, nil
}

// enter connects to the game server and sends the enter packet encrypted
// with the default key.
func (l *LoginConnector) enter(ctx context.Context, gameAddr string, token []byte, userID uint32) (*network.Connection, *Session, error) {
	if userID != l.opts.UserID {
		l.logger.Warn().Uint32("echoed", userID).Msg("login response echoed a different user id")
	}

	conn, err := network.Dial(ctx, gameAddr, l.opts.DialTimeout)
	if err != nil {
		return nil, nil, err
	}

	session := &Session{
		UserID:   l.opts.UserID,
		Server:   l.opts.Server,
		GameAddr: gameAddr,
		Cipher:   crypto.NewCipher(),
		Sequence: crypto.NewSequence(),
	}

	payload := protocol.BuildEnterPayload(token)
	result := session.Sequence.Compute(protocol.CmdEnterServer, payload)
	raw := protocol.NewPacket(protocol.CmdEnterServer, userID, result, payload)

	frame, err := session.Cipher.Encrypt(raw)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if err := conn.Write(frame); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to send enter packet: %w", err)
	}

	l.logger.Debug().Uint32("result", result).Msg("enter packet sent")
	return conn, session, nil
}

func (l *LoginConnector) setState(ctx context.Context, to events.HandshakeState) {
	l.mu.Lock()
	from := l.state
	l.state = to
	l.mu.Unlock()

	if from == to && to != events.StateInit {
		return
	}

	l.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("handshake state")
	l.emit(ctx, events.EventHandshakeState, events.HandshakeStatePayload{
		UserID: l.opts.UserID,
		From:   from,
		To:     to,
	})
}

func (l *LoginConnector) fail(ctx context.Context, err error) error {
	l.setState(ctx, events.StateFailed)
	l.logger.Error().Err(err).Msg("login failed")
	l.emit(ctx, events.EventLoginFailed, events.LoginPayload{
		UserID: l.opts.UserID,
		Server: l.opts.Server,
		Error:  err.Error(),
	})
	return err
}

func (l *LoginConnector) emit(ctx context.Context, t events.EventType, payload interface{}) {
	if l.eventBus == nil {
		return
	}
	l.eventBus.Emit(ctx, events.Event{
		Type:    t,
		Source:  "login",
		Payload: payload,
	})
}
