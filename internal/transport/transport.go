// Package transport defines the boundary to the external chat-protocol
// session. The wire protocol itself (handshake, encryption, framing) lives in
// the protocol library behind the Session interface; this service only reacts
// to its events and calls its send methods.
package transport

import (
	"context"
	"time"
)

// CloseReason classifies why a session ended.
type CloseReason string

const (
	CloseLoggedOut      CloseReason = "logged_out"      // user unlinked the device
	CloseSuperseded     CloseReason = "superseded"      // session replaced elsewhere
	CloseClientOutdated CloseReason = "client_outdated" // protocol version rejected
	CloseBadDevice      CloseReason = "bad_device"      // multidevice mismatch
	CloseNetwork        CloseReason = "network"         // connection dropped
	CloseServerRestart  CloseReason = "server_restart"  // server asked for reconnect
)

// Fatal reports whether the reason invalidates the stored credentials. A
// fatal close requires fresh pairing; a transient one is retried.
func (r CloseReason) Fatal() bool {
	switch r {
	case CloseLoggedOut, CloseSuperseded, CloseClientOutdated, CloseBadDevice:
		return true
	}
	return false
}

// InboundMessage is a normalized inbound protocol message.
type InboundMessage struct {
	ProviderID string
	ChatID     string // contact or group id the message arrived in
	SenderID   string
	PushName   string
	IsGroup    bool
	Type       string // text, image, video, audio, document, unsupported
	Text       string // body or caption
	MediaID    string
	MimeType   string
	Filename   string
	RawPayload string // retained for unsupported types
	QuotedID   string
	Timestamp  time.Time
}

// Receipt is a delivery/read acknowledgment for an outgoing message.
type Receipt struct {
	ProviderIDs []string
	Status      string // delivered, read
	Timestamp   time.Time
}

// Handler receives session events. All callbacks are invoked from the
// transport's event loop; implementations must not block indefinitely.
type Handler interface {
	OnPairingCode(code string)
	OnConnected(deviceID string)
	OnDisconnected(reason CloseReason)
	OnMessage(msg InboundMessage)
	OnReceipt(rcpt Receipt)
}

// Session is one live protocol session for a tenant.
type Session interface {
	// Connect starts the handshake. Events arrive on the Handler passed at
	// construction time. Connect returns once the attempt is underway, not
	// once the session is open.
	Connect(ctx context.Context) error

	// SendText delivers a text message and returns the provider-assigned
	// message id after transport acknowledgment.
	SendText(ctx context.Context, to string, body string) (string, error)

	// SendButtons delivers an interactive button prompt.
	SendButtons(ctx context.Context, to string, body string, buttons []string) (string, error)

	// SendList delivers an interactive list prompt.
	SendList(ctx context.Context, to string, body, buttonText string, options []ListOption) (string, error)

	// SendMedia uploads and delivers a media message.
	SendMedia(ctx context.Context, to string, mediaType string, data []byte, mimeType, filename, caption string) (string, error)

	// Logout closes the session and discards credential material on the
	// protocol side.
	Logout(ctx context.Context) error

	// Disconnect closes the socket without touching credentials.
	Disconnect()
}

type ListOption struct {
	ID          string
	Title       string
	Description string
}

// Factory builds a Session for a tenant. Credentials are looked up and
// persisted by the protocol library keyed on the tenant id.
type Factory func(tenantID string, handler Handler) (Session, error)
