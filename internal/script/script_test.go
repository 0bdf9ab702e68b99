package script

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seerlink-project/seerlink/internal/events"
	"github.com/seerlink-project/seerlink/internal/protocol"
)

const header = "00 00 00 11 31 00 00 AA BA 00 00 00 00 00 00 00 00"

type call struct {
	hex     string
	reply   uint32
	timeout time.Duration
}

// fakeSender replies to RequestHex according to replies, one entry per call.
type fakeSender struct {
	mu      sync.Mutex
	calls   []call
	replies []bool
	err     error
}

func (f *fakeSender) SendHex(ctx context.Context, hexPacket string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{hex: hexPacket})
	return f.err
}

func (f *fakeSender) RequestHex(ctx context.Context, hexPacket string, replyCmd uint32, timeout time.Duration) (*protocol.Packet, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{hex: hexPacket, reply: replyCmd, timeout: timeout})
	if f.err != nil {
		return nil, false, f.err
	}
	n := len(f.calls) - 1
	if n < len(f.replies) && f.replies[n] {
		raw := protocol.NewPacket(replyCmd, 1, 0, []byte{9})
		pkt, _ := protocol.ParsePacket(raw)
		return pkt, true, nil
	}
	return nil, false, nil
}

func TestParse(t *testing.T) {
	s, err := Parse([]byte(`
name: daily
description: sign in
steps:
  - name: sign
    send: "` + header + `"
    await: 43706
    timeout: 3s
    retries: 2
  - sleep: 250ms
`))
	require.NoError(t, err)
	assert.Equal(t, "daily", s.Name)
	require.Len(t, s.Steps, 2)
	assert.Equal(t, uint32(43706), s.Steps[0].Await)
	assert.Equal(t, 3*time.Second, s.Steps[0].Timeout)
	assert.Equal(t, 2, s.Steps[0].Retries)
	assert.Equal(t, 250*time.Millisecond, s.Steps[1].Sleep)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"no steps":       `name: x`,
		"empty step":     "steps:\n  - name: nothing\n",
		"await no send":  "steps:\n  - await: 5\n    sleep: 1s\n",
		"bad hex":        "steps:\n  - send: zz\n",
		"short packet":   "steps:\n  - send: \"00 11\"\n",
		"negative retry": "steps:\n  - send: \"" + header + "\"\n    retries: -1\n",
		"not yaml":       "steps: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLibrary(t *testing.T) {
	dir := t.TempDir()
	doc := "steps:\n  - send: \"" + header + "\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(doc), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(doc), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	lib := NewLibrary(dir)
	names, err := lib.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	s, err := lib.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", s.Name)

	_, err = lib.Get("b.yaml")
	assert.NoError(t, err)

	_, err = lib.Get("missing")
	assert.ErrorIs(t, err, ErrScriptNotFound)

	for _, bad := range []string{"../a", "sub/a", "", ".hidden"} {
		_, err = lib.Get(bad)
		assert.ErrorIs(t, err, ErrInvalidName, bad)
	}

	empty, err := NewLibrary(filepath.Join(dir, "missing")).List()
	assert.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRunner_SendOnlyAndAwait(t *testing.T) {
	sender := &fakeSender{replies: []bool{false, true}}
	r := NewRunner(NewLibrary(t.TempDir()), sender, time.Second)

	s := &Script{Name: "t", Steps: []Step{
		{Send: header},
		{Send: header, Await: 43706, Retries: 1},
	}}

	report, err := r.Run(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, report.Steps, 2)

	assert.Equal(t, 1, report.Steps[0].Attempts)
	assert.False(t, report.Steps[0].Replied)

	assert.Equal(t, 1, report.Steps[1].Attempts)
	assert.True(t, report.Steps[1].Replied)
	assert.NotEmpty(t, report.Steps[1].ReplyHex)

	require.Len(t, sender.calls, 2)
	assert.Equal(t, time.Second, sender.calls[1].timeout)
}

func TestRunner_RetriesThenFails(t *testing.T) {
	sender := &fakeSender{}
	r := NewRunner(NewLibrary(t.TempDir()), sender, time.Second)

	s := &Script{Name: "t", Steps: []Step{
		{Send: header, Await: 7, Retries: 2, Timeout: 10 * time.Millisecond},
		{Send: header},
	}}

	report, err := r.Run(context.Background(), s)
	assert.ErrorIs(t, err, ErrNoReply)
	require.Len(t, report.Steps, 1)
	assert.Equal(t, 3, report.Steps[0].Attempts)
	assert.NotEmpty(t, report.Error)
	assert.Len(t, sender.calls, 3)
	assert.Equal(t, 10*time.Millisecond, sender.calls[0].timeout)
}

func TestRunner_SenderError(t *testing.T) {
	boom := errors.New("not connected")
	r := NewRunner(NewLibrary(t.TempDir()), &fakeSender{err: boom}, time.Second)

	_, err := r.Run(context.Background(), &Script{Name: "t", Steps: []Step{{Send: header}}})
	assert.ErrorIs(t, err, boom)
}

func TestRunner_SleepHonorsContext(t *testing.T) {
	r := NewRunner(NewLibrary(t.TempDir()), &fakeSender{}, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, &Script{Name: "t", Steps: []Step{{Sleep: time.Hour}}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunner_AttachRunsNamedScript(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ping.yaml"),
		[]byte("steps:\n  - send: \""+header+"\"\n"), 0644))

	sender := &fakeSender{}
	r := NewRunner(NewLibrary(dir), sender, time.Second)

	bus := events.NewEventBus()
	defer bus.Stop()
	r.Attach(bus)

	bus.Emit(context.Background(), events.Event{Type: events.EventRunScript, Payload: events.RunScriptPayload{Name: "ping"}})
	bus.Wait()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Len(t, sender.calls, 1)
}
