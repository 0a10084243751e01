package transport

import "encoding/json"

// Link-bridge frame types. The bridge owns the phone-linked chat session; this
// side speaks JSON frames over one websocket.
const (
	frameHello           = "hello"
	framePairCode        = "pair_code"
	frameSend            = "send"
	frameTyping          = "typing"
	frameReady           = "ready"
	framePairingRequired = "pairing_required"
	frameLoggedOut       = "logged_out"
	frameAck             = "ack"
	frameMessage         = "message"
)

type frame struct {
	Type string `json:"type"`

	// hello, ready
	Session json.RawMessage `json:"session,omitempty"`
	Self    string          `json:"self,omitempty"`

	// pairing_required, pair_code
	QR    string `json:"qr,omitempty"`
	Phone string `json:"phone,omitempty"`
	Code  string `json:"code,omitempty"`

	// send, typing, ack
	Ref        string `json:"ref,omitempty"`
	To         string `json:"to,omitempty"`
	Body       string `json:"body,omitempty"`
	MediaURL   string `json:"mediaUrl,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	ID         string `json:"id,omitempty"`
	Error      string `json:"error,omitempty"`

	// message
	From       string   `json:"from,omitempty"`
	Media      []string `json:"media,omitempty"`
	Timestamp  int64    `json:"timestamp,omitempty"` // unix seconds
	QuotedBody string   `json:"quotedBody,omitempty"`
}
