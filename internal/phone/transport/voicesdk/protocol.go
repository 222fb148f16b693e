package voicesdk

import (
	"context"
	"encoding/json"
)

// Message types exchanged with the voice gateway. Requests carry an ID and
// are answered by an ack or error with the same ID; everything else is an
// unsolicited event.
const (
	// client -> gateway
	msgHello      = "hello"
	msgRegister   = "register"
	msgUnregister = "unregister"
	msgCall       = "call"
	msgAccept     = "accept"
	msgReject     = "reject"
	msgCancel     = "cancel"
	msgHangup     = "hangup"
	msgMute       = "mute"
	msgDigits     = "digits"
	msgToken      = "token"

	// gateway -> client
	msgAck          = "ack"
	msgError        = "error"
	msgReady        = "ready"
	msgIncoming     = "incoming"
	msgRinging      = "ringing"
	msgAccepted     = "accepted"
	msgDisconnected = "disconnected"
	msgFailed       = "failed"
	msgCancelled    = "cancelled"
	msgMuted        = "muted"
	msgMedia        = "media"
	msgTokenExpired = "tokenWillExpire"
)

// DeviceOptions is sent once per connection in the hello message.
type DeviceOptions struct {
	Edge             string   `json:"edge"`
	CodecPreferences []string `json:"codecPreferences"`
	ClientName       string   `json:"clientName,omitempty"`
}

// Message is one JSON signaling frame.
type Message struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	CallSID string `json:"callSid,omitempty"`

	Identity string         `json:"identity,omitempty"`
	Token    string         `json:"token,omitempty"`
	Options  *DeviceOptions `json:"options,omitempty"`

	To     string            `json:"to,omitempty"`
	From   string            `json:"from,omitempty"`
	Params map[string]string `json:"params,omitempty"`

	Muted  *bool  `json:"muted,omitempty"`
	Digits string `json:"digits,omitempty"`

	// Payload is base64 G.711 mu-law audio on media frames.
	Payload string `json:"payload,omitempty"`

	Reason string `json:"reason,omitempty"`
	Code   int    `json:"code,omitempty"`
}

func (m Message) isReply() bool {
	return m.ID != "" && (m.Type == msgAck || m.Type == msgError)
}

// Conn is a bidirectional signaling channel to the gateway.
type Conn interface {
	Send(ctx context.Context, m Message) error
	Recv(ctx context.Context) (Message, error)
	Close() error
}

// Dialer opens a signaling channel.
type Dialer func(ctx context.Context, endpoint string) (Conn, error)

func encode(m Message) ([]byte, error) { return json.Marshal(m) }

func decode(b []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(b, &m)
	return m, err
}

func boolPtr(b bool) *bool { return &b }
