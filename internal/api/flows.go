package api

import (
	"net/http"

	"chatflow-engine/internal/flow"
	"chatflow-engine/internal/models"
	"chatflow-engine/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type FlowHandler struct {
	db     *gorm.DB
	flows  *store.FlowStore
	engine *flow.Engine
}

func NewFlowHandler(db *gorm.DB, flows *store.FlowStore, engine *flow.Engine) *FlowHandler {
	return &FlowHandler{db: db, flows: flows, engine: engine}
}

// GetFlows lists the tenant's definitions without their graphs.
func (h *FlowHandler) GetFlows(c *gin.Context) {
	var defs []models.Flow
	err := h.db.Where("tenant_id = ?", c.Param("tenant")).Order("created_at ASC").Find(&defs).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, defs)
}

// CreateFlow creates a definition's metadata and trigger config. New flows
// start as drafts unless a status is given.
func (h *FlowHandler) CreateFlow(c *gin.Context) {
	var req struct {
		Name          string `json:"name" binding:"required"`
		TriggerType   string `json:"trigger_type"`
		TriggerConfig string `json:"trigger_config"`
		Status        string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	def := models.Flow{
		ID:            uuid.NewString(),
		TenantID:      c.Param("tenant"),
		Name:          req.Name,
		TriggerType:   req.TriggerType,
		TriggerConfig: req.TriggerConfig,
		Status:        req.Status,
	}
	if def.TriggerType == "" {
		def.TriggerType = flow.TriggerKeyword
	}
	if def.Status == "" {
		def.Status = models.FlowDraft
	}

	if err := h.db.Create(&def).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, def)
}

// UpdateFlow updates a definition's metadata and trigger config.
func (h *FlowHandler) UpdateFlow(c *gin.Context) {
	var req struct {
		Name          string `json:"name"`
		TriggerType   string `json:"trigger_type"`
		TriggerConfig string `json:"trigger_config"`
		Status        string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := map[string]interface{}{}
	if req.Name != "" {
		updates["name"] = req.Name
	}
	if req.TriggerType != "" {
		updates["trigger_type"] = req.TriggerType
	}
	if req.TriggerConfig != "" {
		updates["trigger_config"] = req.TriggerConfig
	}
	if req.Status != "" {
		updates["status"] = req.Status
	}

	result := h.db.Model(&models.Flow{}).
		Where("id = ? AND tenant_id = ?", c.Param("id"), c.Param("tenant")).
		Updates(updates)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": result.Error.Error()})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "flow not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "flow updated"})
}

// DeleteFlow removes a definition, its graph rows, and detaches any contact
// states that point at it.
func (h *FlowHandler) DeleteFlow(c *gin.Context) {
	flowID := c.Param("id")
	tenant := c.Param("tenant")

	err := h.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND tenant_id = ?", flowID, tenant).Delete(&models.Flow{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		if err := tx.Where("flow_id = ?", flowID).Delete(&models.FlowNode{}).Error; err != nil {
			return err
		}
		if err := tx.Where("flow_id = ?", flowID).Delete(&models.FlowEdge{}).Error; err != nil {
			return err
		}
		// Orphaned states keep their row but lose the flow reference.
		return tx.Model(&models.FlowState{}).Where("flow_id = ?", flowID).
			Update("flow_id", nil).Error
	})
	if err == gorm.ErrRecordNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "flow not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "flow deleted"})
}

// ToggleFlow flips a definition between active and inactive.
func (h *FlowHandler) ToggleFlow(c *gin.Context) {
	var def models.Flow
	err := h.db.Where("id = ? AND tenant_id = ?", c.Param("id"), c.Param("tenant")).First(&def).Error
	if err == gorm.ErrRecordNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "flow not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := models.FlowActive
	if def.Status == models.FlowActive {
		status = models.FlowInactive
	}
	if err := h.db.Model(&def).Update("status", status).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// GetGraph returns the full node/edge payload for the authoring UI.
func (h *FlowHandler) GetGraph(c *gin.Context) {
	def, err := h.flows.LoadGraph(c.Param("id"))
	if err != nil || def.TenantID != c.Param("tenant") {
		c.JSON(http.StatusNotFound, gin.H{"error": "flow not found"})
		return
	}
	c.JSON(http.StatusOK, def)
}

// ReplaceGraph swaps the definition's node/edge rows for the submitted ones.
func (h *FlowHandler) ReplaceGraph(c *gin.Context) {
	var req struct {
		Nodes []models.FlowNode `json:"nodes"`
		Edges []models.FlowEdge `json:"edges"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	flowID := c.Param("id")
	var def models.Flow
	err := h.db.Where("id = ? AND tenant_id = ?", flowID, c.Param("tenant")).First(&def).Error
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "flow not found"})
		return
	}

	err = h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("flow_id = ?", flowID).Delete(&models.FlowNode{}).Error; err != nil {
			return err
		}
		if err := tx.Where("flow_id = ?", flowID).Delete(&models.FlowEdge{}).Error; err != nil {
			return err
		}
		for i := range req.Nodes {
			req.Nodes[i].ID = 0
			req.Nodes[i].FlowID = flowID
		}
		for i := range req.Edges {
			req.Edges[i].ID = 0
			req.Edges[i].FlowID = flowID
		}
		if len(req.Nodes) > 0 {
			if err := tx.Create(&req.Nodes).Error; err != nil {
				return err
			}
		}
		if len(req.Edges) > 0 {
			if err := tx.Create(&req.Edges).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "graph saved"})
}

// StartFlow manually starts a flow for a contact (manual/API trigger).
func (h *FlowHandler) StartFlow(c *gin.Context) {
	var req struct {
		ContactID string `json:"contact_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.engine.StartFlow(c.Request.Context(), c.Param("tenant"), req.ContactID, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "flow started"})
}
