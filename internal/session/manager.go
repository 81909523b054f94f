// Package session owns the per-tenant protocol sessions: connect/pairing/
// retry/disconnect lifecycle, the persisted ConnectionRecord, and the send
// entry points used by the outbound dispatcher.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatflow-engine/internal/metrics"
	"chatflow-engine/internal/models"
	"chatflow-engine/internal/store"
	"chatflow-engine/internal/transport"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// ConnectionError is returned when a send is attempted against a tenant whose
// session is not connected.
type ConnectionError struct {
	Tenant string
	Status string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("tenant %s is not connected (status: %s)", e.Tenant, e.Status)
}

// Notifier pushes connection and receipt events to the dashboard.
type Notifier interface {
	NotifyConnection(rec models.ConnectionRecord)
	NotifyMessageStatus(tenantID, providerID, status string)
}

// InboundHandler receives normalized inbound messages. Wired to the flow
// engine's ingest after construction.
type InboundHandler func(tenantID string, msg transport.InboundMessage)

type session struct {
	tenantID   string
	transport  transport.Session
	inFlight   bool
	connected  bool
	retries    int
	retryTimer *time.Timer
}

// Manager holds at most one live session per tenant in a mutex-guarded map
// and drives the connection state machine for each.
type Manager struct {
	log      zerolog.Logger
	db       *gorm.DB
	messages *store.MessageStore
	factory  transport.Factory
	notifier Notifier

	maxRetries int
	backoff    time.Duration

	onMessage InboundHandler

	mu       sync.Mutex
	sessions map[string]*session
}

func NewManager(log zerolog.Logger, db *gorm.DB, messages *store.MessageStore, factory transport.Factory, notifier Notifier, maxRetries int, backoff time.Duration) *Manager {
	return &Manager{
		log:        log.With().Str("component", "session").Logger(),
		db:         db,
		messages:   messages,
		factory:    factory,
		notifier:   notifier,
		maxRetries: maxRetries,
		backoff:    backoff,
		sessions:   make(map[string]*session),
	}
}

// SetInboundHandler wires the flow engine in. Must be called before any
// session connects.
func (m *Manager) SetInboundHandler(h InboundHandler) {
	m.onMessage = h
}

// Connect opens a session for the tenant. A connect while another initialize
// is in flight, or while already connected, is a no-op unless forced.
func (m *Manager) Connect(ctx context.Context, tenantID string, force bool) error {
	m.mu.Lock()
	if s, ok := m.sessions[tenantID]; ok {
		if (s.inFlight || s.connected) && !force {
			m.mu.Unlock()
			return nil
		}
		// The old session is gone for good: drop it from the registry before
		// building its replacement so a failed build cannot leave a live-looking
		// entry behind.
		wasConnected := s.connected
		s.connected = false
		m.teardownLocked(s)
		delete(m.sessions, tenantID)
		if wasConnected {
			metrics.ConnectedSessions.Dec()
		}
	}

	handler := &tenantHandler{m: m, tenantID: tenantID}
	ts, err := m.factory(tenantID, handler)
	if err != nil {
		m.mu.Unlock()
		m.setStatus(tenantID, models.ConnError, func(rec *models.ConnectionRecord) {
			rec.LastError = err.Error()
		})
		return fmt.Errorf("build session for tenant %s: %w", tenantID, err)
	}

	s := &session{tenantID: tenantID, transport: ts, inFlight: true}
	m.sessions[tenantID] = s
	m.mu.Unlock()

	m.setStatus(tenantID, models.ConnLoading, func(rec *models.ConnectionRecord) {
		rec.LastError = ""
		rec.PairingCode = nil
	})

	if err := ts.Connect(ctx); err != nil {
		m.mu.Lock()
		s.inFlight = false
		delete(m.sessions, tenantID)
		m.mu.Unlock()
		m.setStatus(tenantID, models.ConnError, func(rec *models.ConnectionRecord) {
			rec.LastError = err.Error()
		})
		return fmt.Errorf("connect tenant %s: %w", tenantID, err)
	}
	return nil
}

// Disconnect explicitly closes the tenant's session and wipes its credential
// material, returning the record to the unpaired state.
func (m *Manager) Disconnect(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	s, ok := m.sessions[tenantID]
	if ok {
		m.teardownLocked(s)
		delete(m.sessions, tenantID)
	}
	m.mu.Unlock()

	if ok {
		if s.connected {
			metrics.ConnectedSessions.Dec()
		}
		if err := s.transport.Logout(ctx); err != nil {
			m.log.Warn().Err(err).Str("tenant", tenantID).Msg("logout during disconnect")
		}
	}

	m.setStatus(tenantID, models.ConnDisconnected, func(rec *models.ConnectionRecord) {
		rec.PairingCode = nil
		rec.DeviceID = nil
		rec.LastError = ""
	})
	return nil
}

// Status returns the persisted connection record for the tenant.
func (m *Manager) Status(tenantID string) (*models.ConnectionRecord, error) {
	var rec models.ConnectionRecord
	err := m.db.Where("tenant_id = ?", tenantID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.ConnectionRecord{TenantID: tenantID, Status: models.ConnDisconnected}, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// IsConnected reports whether the tenant has a live connected session.
func (m *Manager) IsConnected(tenantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tenantID]
	return ok && s.connected
}

// Restore reconnects tenants that were connected before a restart.
func (m *Manager) Restore(ctx context.Context) {
	var recs []models.ConnectionRecord
	if err := m.db.Where("status IN ?", []string{models.ConnConnected, models.ConnConnecting}).Find(&recs).Error; err != nil {
		m.log.Error().Err(err).Msg("load connection records for restore")
		return
	}
	for _, rec := range recs {
		if err := m.Connect(ctx, rec.TenantID, true); err != nil {
			m.log.Error().Err(err).Str("tenant", rec.TenantID).Msg("restore session")
		}
	}
}

// --- send entry points (used by the dispatcher) ---

func (m *Manager) liveSession(tenantID string) (transport.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tenantID]
	if !ok || !s.connected {
		status := models.ConnDisconnected
		if rec, err := m.Status(tenantID); err == nil {
			status = rec.Status
		}
		return nil, &ConnectionError{Tenant: tenantID, Status: status}
	}
	return s.transport, nil
}

func (m *Manager) SendText(ctx context.Context, tenantID, to, body string) (string, error) {
	ts, err := m.liveSession(tenantID)
	if err != nil {
		return "", err
	}
	return ts.SendText(ctx, to, body)
}

func (m *Manager) SendButtons(ctx context.Context, tenantID, to, body string, buttons []string) (string, error) {
	ts, err := m.liveSession(tenantID)
	if err != nil {
		return "", err
	}
	return ts.SendButtons(ctx, to, body, buttons)
}

func (m *Manager) SendList(ctx context.Context, tenantID, to, body, buttonText string, options []transport.ListOption) (string, error) {
	ts, err := m.liveSession(tenantID)
	if err != nil {
		return "", err
	}
	return ts.SendList(ctx, to, body, buttonText, options)
}

func (m *Manager) SendMedia(ctx context.Context, tenantID, to, mediaType string, data []byte, mimeType, filename, caption string) (string, error) {
	ts, err := m.liveSession(tenantID)
	if err != nil {
		return "", err
	}
	return ts.SendMedia(ctx, to, mediaType, data, mimeType, filename, caption)
}

// --- internals ---

// teardownLocked stops timers and closes the socket. Caller holds m.mu.
func (m *Manager) teardownLocked(s *session) {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.transport.Disconnect()
}

// setStatus upserts the tenant's connection record and broadcasts it.
func (m *Manager) setStatus(tenantID, status string, mutate func(rec *models.ConnectionRecord)) {
	var rec models.ConnectionRecord
	err := m.db.Where("tenant_id = ?", tenantID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		rec = models.ConnectionRecord{TenantID: tenantID}
	} else if err != nil {
		m.log.Error().Err(err).Str("tenant", tenantID).Msg("load connection record")
		return
	}

	rec.Status = status
	if mutate != nil {
		mutate(&rec)
	}
	if err := m.db.Save(&rec).Error; err != nil {
		m.log.Error().Err(err).Str("tenant", tenantID).Msg("save connection record")
		return
	}
	if m.notifier != nil {
		m.notifier.NotifyConnection(rec)
	}
}

// tenantHandler adapts transport events for one tenant onto the manager.
type tenantHandler struct {
	m        *Manager
	tenantID string
}

func (h *tenantHandler) OnPairingCode(code string) {
	h.m.log.Info().Str("tenant", h.tenantID).Msg("pairing code received")
	h.m.setStatus(h.tenantID, models.ConnQRPending, func(rec *models.ConnectionRecord) {
		rec.PairingCode = &code
	})
}

func (h *tenantHandler) OnConnected(deviceID string) {
	m := h.m
	m.mu.Lock()
	s, ok := m.sessions[h.tenantID]
	if ok {
		s.inFlight = false
		s.connected = true
		s.retries = 0
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	metrics.ConnectedSessions.Inc()
	m.log.Info().Str("tenant", h.tenantID).Str("device", deviceID).Msg("session connected")
	now := time.Now()
	m.setStatus(h.tenantID, models.ConnConnected, func(rec *models.ConnectionRecord) {
		rec.DeviceID = &deviceID
		rec.PairingCode = nil
		rec.LastError = ""
		rec.ConnectedAt = &now
	})
}

func (h *tenantHandler) OnDisconnected(reason transport.CloseReason) {
	m := h.m
	m.mu.Lock()
	s, ok := m.sessions[h.tenantID]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasConnected := s.connected
	s.connected = false
	s.inFlight = false

	if reason.Fatal() {
		m.teardownLocked(s)
		delete(m.sessions, h.tenantID)
		m.mu.Unlock()

		if wasConnected {
			metrics.ConnectedSessions.Dec()
		}
		// The credentials are no longer valid on the server side; discard the
		// local copy so the next connect produces a fresh pairing code.
		if err := s.transport.Logout(context.Background()); err != nil {
			m.log.Warn().Err(err).Str("tenant", h.tenantID).Msg("credential wipe after fatal close")
		}
		m.log.Warn().Str("tenant", h.tenantID).Str("reason", string(reason)).Msg("session closed fatally, re-pairing required")
		m.setStatus(h.tenantID, models.ConnAuthFailure, func(rec *models.ConnectionRecord) {
			rec.DeviceID = nil
			rec.PairingCode = nil
			rec.LastError = string(reason)
		})
		return
	}

	if s.retries >= m.maxRetries {
		m.teardownLocked(s)
		delete(m.sessions, h.tenantID)
		m.mu.Unlock()

		if wasConnected {
			metrics.ConnectedSessions.Dec()
		}
		m.log.Error().Str("tenant", h.tenantID).Str("reason", string(reason)).Msg("reconnect attempts exhausted")
		m.setStatus(h.tenantID, models.ConnError, func(rec *models.ConnectionRecord) {
			rec.LastError = fmt.Sprintf("reconnect attempts exhausted after %s", reason)
		})
		return
	}

	s.retries++
	attempt := s.retries
	delay := m.backoff * time.Duration(attempt)
	s.retryTimer = time.AfterFunc(delay, func() {
		m.reconnect(h.tenantID)
	})
	m.mu.Unlock()

	if wasConnected {
		metrics.ConnectedSessions.Dec()
	}
	m.log.Info().Str("tenant", h.tenantID).Str("reason", string(reason)).
		Int("attempt", attempt).Dur("delay", delay).Msg("scheduling reconnect")
	m.setStatus(h.tenantID, models.ConnConnecting, func(rec *models.ConnectionRecord) {
		rec.LastError = string(reason)
	})
}

func (h *tenantHandler) OnMessage(msg transport.InboundMessage) {
	if h.m.onMessage != nil {
		h.m.onMessage(h.tenantID, msg)
	}
}

func (h *tenantHandler) OnReceipt(rcpt transport.Receipt) {
	for _, id := range rcpt.ProviderIDs {
		if err := h.m.messages.UpdateStatus(h.tenantID, id, rcpt.Status); err != nil {
			h.m.log.Error().Err(err).Str("tenant", h.tenantID).Str("provider_id", id).Msg("update receipt status")
			continue
		}
		if h.m.notifier != nil {
			h.m.notifier.NotifyMessageStatus(h.tenantID, id, rcpt.Status)
		}
	}
}

// reconnect re-runs the handshake on the existing session object after a
// transient close.
func (m *Manager) reconnect(tenantID string) {
	m.mu.Lock()
	s, ok := m.sessions[tenantID]
	if !ok || s.connected || s.inFlight {
		m.mu.Unlock()
		return
	}
	s.inFlight = true
	ts := s.transport
	m.mu.Unlock()

	if err := ts.Connect(context.Background()); err != nil {
		m.log.Error().Err(err).Str("tenant", tenantID).Msg("reconnect attempt failed")
		m.mu.Lock()
		s.inFlight = false
		m.mu.Unlock()
		// Feed the failure back through the close path so retry accounting
		// stays in one place.
		h := &tenantHandler{m: m, tenantID: tenantID}
		h.OnDisconnected(transport.CloseNetwork)
	}
}
