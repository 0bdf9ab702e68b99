package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seerlink-project/seerlink/internal/events"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetrics_CountsEvents(t *testing.T) {
	m := NewMetrics()
	bus := events.NewEventBus()
	defer bus.Stop()
	m.Attach(bus)

	ctx := context.Background()
	bus.Emit(ctx, events.Event{Type: events.EventLoginSucceeded, Payload: events.LoginPayload{UserID: 1}})
	bus.Emit(ctx, events.Event{Type: events.EventPacketSent, Payload: events.PacketPayload{
		Direction: events.DirectionOut, Command: 1001, Name: "enter_server", Length: 97,
	}})
	bus.Emit(ctx, events.Event{Type: events.EventPacketReceived, Payload: events.PacketPayload{
		Direction: events.DirectionIn, Command: 43706, Length: 21,
	}})
	bus.Emit(ctx, events.Event{Type: events.EventPacketReceived, Payload: events.PacketPayload{
		Direction: events.DirectionIn, Command: 43706, Length: 21,
	}})
	bus.Wait()

	body := scrape(t, m)
	assert.Contains(t, body, `seerlink_packets_total{command="enter_server",direction="out"} 1`)
	assert.Contains(t, body, `seerlink_packets_total{command="43706",direction="in"} 2`)
	assert.Contains(t, body, `seerlink_packet_bytes_total{direction="in"} 42`)
	assert.Contains(t, body, `seerlink_logins_total{result="ok"} 1`)
	assert.Contains(t, body, "seerlink_connected 1")

	bus.Emit(ctx, events.Event{Type: events.EventDisconnected, Payload: events.DisconnectedPayload{UserID: 1}})
	bus.Wait()

	body = scrape(t, m)
	assert.Contains(t, body, "seerlink_connected 0")
	assert.Contains(t, body, "seerlink_disconnects_total 1")
}

func TestMetrics_CaptchaCounter(t *testing.T) {
	m := NewMetrics()
	m.observeSession(events.EventCaptchaRequired)
	m.observeSession(events.EventCaptchaRequired)

	assert.Contains(t, scrape(t, m), "seerlink_captcha_challenges_total 2")
}
