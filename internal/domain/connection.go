package domain

import "time"

// ConnState is the lifecycle state of the backend WebSocket connection.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
)

// ConnStatus is one transition on the connection status stream. Fatal is set
// on the terminal disconnected status emitted after reconnects are exhausted.
type ConnStatus struct {
	State   ConnState
	Attempt int
	Fatal   bool
	Err     error
	At      time.Time
}

// ControlFrameType enumerates the outbound control frames.
type ControlFrameType string

const (
	FrameSubscribe   ControlFrameType = "subscribe"
	FrameUnsubscribe ControlFrameType = "unsubscribe"
	FramePing        ControlFrameType = "ping"
	FrameGetStatus   ControlFrameType = "get_status"
)

// ControlFrame is an outbound message to the backend WebSocket.
type ControlFrame struct {
	Type   ControlFrameType `json:"type"`
	Symbol string           `json:"symbol,omitempty"`
}
