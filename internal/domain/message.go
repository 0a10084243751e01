package domain

import "time"

// Transport identifies one of the two chat transports.
type Transport string

const (
	TransportNone         Transport = ""
	TransportDeviceLinked Transport = "device-linked"
	TransportCloud        Transport = "cloud"
)

// Alternate returns the other transport.
func (t Transport) Alternate() Transport {
	switch t {
	case TransportDeviceLinked:
		return TransportCloud
	case TransportCloud:
		return TransportDeviceLinked
	}
	return TransportNone
}

// Valid reports whether t names a concrete transport.
func (t Transport) Valid() bool {
	return t == TransportDeviceLinked || t == TransportCloud
}

// ClaimOwner tags the ingestion path that discovered an inbound message.
type ClaimOwner string

const (
	OwnerPoller           ClaimOwner = "poller"
	OwnerDeviceStream     ClaimOwner = "device-stream"
	OwnerRealtimeListener ClaimOwner = "realtime-listener"
)

// InboundMessage is a message received from the user. Identity is the
// transport-native ID, never the content.
type InboundMessage struct {
	ID          string
	From        string
	Body        string
	HasMedia    bool
	MediaRefs   []string
	ReceivedAt  time.Time
	Transport   Transport
	ReplyToBody string // body of the message the user replied to, if any
}

// InboundEvent is an admitted inbound message together with the path that owns it.
type InboundEvent struct {
	Message InboundMessage
	Owner   ClaimOwner
}

// MessageKind classifies outbound traffic.
type MessageKind string

const (
	KindReply     MessageKind = "reply"
	KindAlert     MessageKind = "alert"
	KindSystemAck MessageKind = "system_ack"
)

// OutboundMessage is a single send. Transport is filled in by the router.
type OutboundMessage struct {
	To        string
	Body      string
	MediaURL  string
	Kind      MessageKind
	Transport Transport
}

// SendResult is returned by a successful send.
type SendResult struct {
	MessageID string
	Transport Transport
}
