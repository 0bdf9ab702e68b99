// Package events defines event types and payloads for the seerlink event bus.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session lifecycle
	EventHandshakeState  EventType = "handshake_state"
	EventCaptchaRequired EventType = "captcha_required"
	EventLoginSucceeded  EventType = "login_succeeded"
	EventLoginFailed     EventType = "login_failed"
	EventKeyRotated      EventType = "key_rotated"
	EventDisconnected    EventType = "disconnected"

	// Traffic
	EventPacketSent     EventType = "packet_sent"
	EventPacketReceived EventType = "packet_received"

	// Control
	EventRunScript     EventType = "run_script"
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// PacketEvents lists the traffic event types.
var PacketEvents = []EventType{EventPacketSent, EventPacketReceived}

// HandshakeState is the login state machine position.
type HandshakeState int

const (
	StateInit HandshakeState = iota
	StateCredentialsSent
	StateCaptchaRequired
	StateCaptchaRetry
	StateAuthenticated
	StateFailed
)

var handshakeStateStrings = map[HandshakeState]string{
	StateInit:            "init",
	StateCredentialsSent: "credentials_sent",
	StateCaptchaRequired: "captcha_required",
	StateCaptchaRetry:    "captcha_retry",
	StateAuthenticated:   "authenticated",
	StateFailed:          "failed",
}

// String returns the string representation of HandshakeState.
func (s HandshakeState) String() string {
	if str, ok := handshakeStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes HandshakeState as a JSON string (e.g. "authenticated").
func (s HandshakeState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Direction of a packet relative to this client.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// HandshakeStatePayload accompanies EventHandshakeState.
type HandshakeStatePayload struct {
	UserID uint32         `json:"user_id"`
	From   HandshakeState `json:"from"`
	To     HandshakeState `json:"to"`
}

// CaptchaPayload accompanies EventCaptchaRequired.
type CaptchaPayload struct {
	UserID  uint32 `json:"user_id"`
	Attempt int    `json:"attempt"`
	Path    string `json:"path"`
	Bitmap  []byte `json:"-"`
}

// LoginPayload accompanies EventLoginSucceeded and EventLoginFailed.
type LoginPayload struct {
	UserID   uint32 `json:"user_id"`
	Server   int    `json:"server"`
	GameAddr string `json:"game_addr"`
	Error    string `json:"error,omitempty"`
}

// PacketPayload accompanies EventPacketSent and EventPacketReceived.
type PacketPayload struct {
	Direction Direction `json:"direction"`
	Command   uint32    `json:"command"`
	Name      string    `json:"name"`
	UserID    uint32    `json:"user_id"`
	Result    uint32    `json:"result"`
	Length    int       `json:"length"`
	Raw       []byte    `json:"-"`
	At        time.Time `json:"at"`
}

// KeyRotatedPayload accompanies EventKeyRotated. The key itself is not
// published.
type KeyRotatedPayload struct {
	UserID uint32 `json:"user_id"`
	Seed   uint32 `json:"seed"`
}

// DisconnectedPayload accompanies EventDisconnected.
type DisconnectedPayload struct {
	UserID uint32 `json:"user_id"`
	Reason string `json:"reason"`
}

// RunScriptPayload asks the script runner to execute a named script.
type RunScriptPayload struct {
	Name string `json:"name"`
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string      `json:"section"`
	Key     string      `json:"key"`
	Value   interface{} `json:"value"`
}
