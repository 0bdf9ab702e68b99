package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seerlink-project/seerlink/internal/config"
	"github.com/seerlink-project/seerlink/internal/connector"
	"github.com/seerlink-project/seerlink/internal/db"
	"github.com/seerlink-project/seerlink/internal/events"
	"github.com/seerlink-project/seerlink/internal/protocol"
)

type fakeBackend struct {
	sent []string
}

func (f *fakeBackend) Status() connector.Status {
	return connector.Status{UserID: 12345678, Server: 32, HandshakeState: events.StateCaptchaRequired}
}

func (f *fakeBackend) SendHex(ctx context.Context, hexPacket string) error {
	f.sent = append(f.sent, hexPacket)
	return nil
}

func (f *fakeBackend) RequestHex(ctx context.Context, hexPacket string, replyCmd uint32, timeout time.Duration) (*protocol.Packet, bool, error) {
	f.sent = append(f.sent, hexPacket)
	pkt, err := protocol.ParsePacket(protocol.NewPacket(replyCmd, 1, 7, nil))
	return pkt, err == nil, err
}

func newTestCLI(t *testing.T, in string) (*CLI, *bytes.Buffer, *fakeBackend) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), config.DefaultConfigFile))

	backend := &fakeBackend{}
	var out bytes.Buffer
	c := NewCLI(cfg, nil, Options{
		Client:  backend,
		Names:   protocol.NewCommandNames(),
		Captcha: connector.NewCaptchaQueue(),
		In:      strings.NewReader(in),
		Out:     &out,
	})
	return c, &out, backend
}

func TestStart_RunsCommandsUntilQuit(t *testing.T) {
	c, out, backend := newTestCLI(t, "status\nsend 00 11\n\nquit\nsend 22\n")
	c.Start(context.Background())

	assert.Contains(t, out.String(), "captcha_required")
	assert.Contains(t, out.String(), "Shutting down")
	assert.Equal(t, []string{"00 11"}, backend.sent)
}

func TestExecute_Request(t *testing.T) {
	c, out, _ := newTestCLI(t, "")

	require.NoError(t, c.Execute(context.Background(), "request", []string{"1001", "00", "11"}))
	assert.Contains(t, out.String(), "Reply 1001 (enter_server), result 7")

	assert.Error(t, c.Execute(context.Background(), "request", []string{"x", "00"}))
	assert.Error(t, c.Execute(context.Background(), "request", []string{"1"}))
}

func TestExecute_Servers(t *testing.T) {
	c, out, _ := newTestCLI(t, "")
	require.NoError(t, c.Execute(context.Background(), "servers", nil))
	assert.Contains(t, out.String(), "1232")
	assert.Contains(t, out.String(), "210.68.8.39:1241")
}

func TestExecute_Journal(t *testing.T) {
	c, out, _ := newTestCLI(t, "")
	assert.Error(t, c.Execute(context.Background(), "journal", nil))

	j, err := db.OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()
	require.NoError(t, j.Record(context.Background(), events.PacketPayload{
		Direction: events.DirectionIn, Command: 1001, Name: "enter_server", Length: 17, Raw: []byte{0, 0, 0, 17},
	}))
	c.Journal = j

	require.NoError(t, c.Execute(context.Background(), "journal", []string{"5"}))
	assert.Contains(t, out.String(), "enter_server")

	require.NoError(t, c.Execute(context.Background(), "journal", []string{"stats"}))
	assert.Error(t, c.Execute(context.Background(), "journal", []string{"-1"}))
}

func TestExecute_Captcha(t *testing.T) {
	c, _, _ := newTestCLI(t, "")
	assert.ErrorIs(t, c.Execute(context.Background(), "captcha", []string{"abcd"}), connector.ErrNoCaptchaPending)
	assert.Error(t, c.Execute(context.Background(), "captcha", nil))
}

func TestExecute_SetConfig(t *testing.T) {
	c, out, _ := newTestCLI(t, "")

	require.NoError(t, c.Execute(context.Background(), "setconfig", []string{"account.server", "12"}))
	assert.Equal(t, 12, c.cfg.GetAccount().Server)

	require.NoError(t, c.Execute(context.Background(), "setconfig", []string{"network.captcha_mode", "api"}))
	assert.Equal(t, "api", c.cfg.GetNetwork().CaptchaMode)

	require.NoError(t, c.Execute(context.Background(), "setconfig", []string{"account.password", "hunter2"}))
	assert.NotContains(t, out.String(), "hunter2")

	assert.Error(t, c.Execute(context.Background(), "setconfig", []string{"account.server"}))
	assert.Error(t, c.Execute(context.Background(), "setconfig", []string{"nope.key", "1"}))
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, float64(5), parseValue("5"))
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, "console", parseValue("console"))
	assert.Equal(t, "hello world", parseValue("hello world"))
}
