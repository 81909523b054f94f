package store

import (
	"errors"
	"time"

	"chatflow-engine/internal/models"

	"gorm.io/gorm"
)

// FlowStore reads flow definitions (authored externally) and owns the
// per-contact flow state records.
type FlowStore struct {
	db *gorm.DB
}

func NewFlowStore(db *gorm.DB) *FlowStore {
	return &FlowStore{db: db}
}

// ActiveFlows returns the tenant's active definitions in creation order.
// Trigger resolution scans them in this order; the first match wins.
func (s *FlowStore) ActiveFlows(tenantID string) ([]models.Flow, error) {
	var flows []models.Flow
	err := s.db.Where("tenant_id = ? AND status = ?", tenantID, models.FlowActive).
		Order("created_at ASC").Find(&flows).Error
	return flows, err
}

// LoadGraph fetches one definition with its node and edge rows.
func (s *FlowStore) LoadGraph(flowID string) (*models.Flow, error) {
	var flow models.Flow
	err := s.db.Preload("Nodes").Preload("Edges").First(&flow, "id = ?", flowID).Error
	if err != nil {
		return nil, err
	}
	return &flow, nil
}

// ActiveState returns the contact's active flow state, or nil when the
// contact is not inside a flow.
func (s *FlowStore) ActiveState(tenantID, contactID string) (*models.FlowState, error) {
	var state models.FlowState
	err := s.db.Where("tenant_id = ? AND contact_id = ? AND status = ?",
		tenantID, contactID, "active").First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// CreateState starts a flow for a contact. Any existing active state for the
// contact is superseded first, keeping the one-active-flow invariant.
func (s *FlowStore) CreateState(state *models.FlowState) error {
	if err := s.ClearActive(state.TenantID, state.ContactID); err != nil {
		return err
	}
	state.Status = "active"
	if state.LastInteraction.IsZero() {
		state.LastInteraction = time.Now()
	}
	return s.db.Create(state).Error
}

// SaveState persists node progress and the variable bag.
func (s *FlowStore) SaveState(state *models.FlowState) error {
	state.LastInteraction = time.Now()
	return s.db.Save(state).Error
}

// ClearActive ends whatever flow the contact is in.
func (s *FlowStore) ClearActive(tenantID, contactID string) error {
	return s.db.Model(&models.FlowState{}).
		Where("tenant_id = ? AND contact_id = ? AND status = ?", tenantID, contactID, "active").
		Updates(map[string]interface{}{"status": "completed", "resume_at": nil}).Error
}

// PendingDelays returns active states suspended on a delay node, for
// rescheduling after a restart.
func (s *FlowStore) PendingDelays() ([]models.FlowState, error) {
	var states []models.FlowState
	err := s.db.Where("status = ? AND resume_at IS NOT NULL", "active").Find(&states).Error
	return states, err
}
