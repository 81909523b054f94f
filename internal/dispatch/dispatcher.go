// Package dispatch routes outbound content through the session manager and
// persists the resulting messages. Sends against a non-connected tenant fail
// fast with a ConnectionError and leave no trace in the message store.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"chatflow-engine/internal/metrics"
	"chatflow-engine/internal/models"
	"chatflow-engine/internal/session"
	"chatflow-engine/internal/store"
	"chatflow-engine/internal/transport"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type MessageNotifier interface {
	NotifyMessage(msg models.Message)
}

type Dispatcher struct {
	log      zerolog.Logger
	sessions *session.Manager
	messages *store.MessageStore
	notifier MessageNotifier
}

func NewDispatcher(log zerolog.Logger, sessions *session.Manager, messages *store.MessageStore, notifier MessageNotifier) *Dispatcher {
	return &Dispatcher{
		log:      log.With().Str("component", "dispatch").Logger(),
		sessions: sessions,
		messages: messages,
		notifier: notifier,
	}
}

// Text sends a plain text message. flowID correlates the stored message with
// the flow node that produced it; nil for manual dashboard sends.
func (d *Dispatcher) Text(ctx context.Context, tenantID, to string, flowID *string, body string) error {
	providerID, err := d.sessions.SendText(ctx, tenantID, to, body)
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]string{"text": body})
	d.record(tenantID, to, flowID, providerID, models.MsgText, string(payload), body)
	return nil
}

func (d *Dispatcher) Buttons(ctx context.Context, tenantID, to string, flowID *string, body string, buttons []string) error {
	providerID, err := d.sessions.SendButtons(ctx, tenantID, to, body, buttons)
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]interface{}{"text": body, "buttons": buttons})
	d.record(tenantID, to, flowID, providerID, models.MsgText, string(payload), body)
	return nil
}

func (d *Dispatcher) List(ctx context.Context, tenantID, to string, flowID *string, body, buttonText string, options []transport.ListOption) error {
	providerID, err := d.sessions.SendList(ctx, tenantID, to, body, buttonText, options)
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]interface{}{"text": body, "button_text": buttonText, "options": options})
	d.record(tenantID, to, flowID, providerID, models.MsgText, string(payload), body)
	return nil
}

// Media uploads and sends a media message (dashboard upload path).
func (d *Dispatcher) Media(ctx context.Context, tenantID, to, mediaType string, data []byte, mimeType, filename, caption string) error {
	providerID, err := d.sessions.SendMedia(ctx, tenantID, to, mediaType, data, mimeType, filename, caption)
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]string{"mime_type": mimeType, "filename": filename, "caption": caption})
	preview := caption
	if preview == "" {
		preview = "[" + mediaType + "]"
	}
	d.record(tenantID, to, nil, providerID, mediaType, string(payload), preview)
	return nil
}

// record persists the acknowledged outbound message as sent.
func (d *Dispatcher) record(tenantID, to string, flowID *string, providerID, msgType, content, preview string) {
	if providerID == "" {
		// The transport should always assign an id; keep the row unique if
		// it ever does not.
		providerID = "local-" + uuid.NewString()
	}

	now := time.Now()
	msg := models.Message{
		TenantID:          tenantID,
		ProviderMessageID: providerID,
		ContactID:         to,
		FlowID:            flowID,
		Type:              msgType,
		Content:           content,
		Direction:         models.DirOutgoing,
		Status:            models.StatusSent,
		Timestamp:         now,
	}
	if err := d.messages.Upsert(&msg); err != nil {
		d.log.Error().Err(err).Str("tenant", tenantID).Str("provider_id", providerID).Msg("persist outbound message")
		return
	}
	metrics.MessagesSent.Inc()

	if err := d.messages.TouchContact(tenantID, to, "", preview, now, false); err != nil {
		d.log.Error().Err(err).Str("tenant", tenantID).Str("contact", to).Msg("touch contact")
	}
	if d.notifier != nil {
		d.notifier.NotifyMessage(msg)
	}
}
