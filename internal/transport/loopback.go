package transport

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Loopback is a sandbox session for local development and tests: pairing
// succeeds instantly and sends are acknowledged without touching a network.
type Loopback struct {
	tenantID  string
	handler   Handler
	connected atomic.Bool
}

// NewLoopbackFactory builds loopback sessions. Deployments swap this for the
// real protocol adapter's factory.
func NewLoopbackFactory() Factory {
	return func(tenantID string, handler Handler) (Session, error) {
		return &Loopback{tenantID: tenantID, handler: handler}, nil
	}
}

func (l *Loopback) Connect(ctx context.Context) error {
	go func() {
		l.handler.OnPairingCode(uuid.NewString())
		time.Sleep(50 * time.Millisecond)
		l.connected.Store(true)
		l.handler.OnConnected("loopback:" + l.tenantID)
	}()
	return nil
}

func (l *Loopback) SendText(ctx context.Context, to, body string) (string, error) {
	return l.ack()
}

func (l *Loopback) SendButtons(ctx context.Context, to, body string, buttons []string) (string, error) {
	return l.ack()
}

func (l *Loopback) SendList(ctx context.Context, to, body, buttonText string, options []ListOption) (string, error) {
	return l.ack()
}

func (l *Loopback) SendMedia(ctx context.Context, to, mediaType string, data []byte, mimeType, filename, caption string) (string, error) {
	return l.ack()
}

func (l *Loopback) ack() (string, error) {
	if !l.connected.Load() {
		return "", fmt.Errorf("loopback session not connected")
	}
	return uuid.NewString(), nil
}

func (l *Loopback) Logout(ctx context.Context) error {
	l.connected.Store(false)
	return nil
}

func (l *Loopback) Disconnect() {
	l.connected.Store(false)
}
