package api

import (
	"net/http"

	"chatflow-engine/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TemplateHandler struct {
	db *gorm.DB
}

func NewTemplateHandler(db *gorm.DB) *TemplateHandler {
	return &TemplateHandler{db: db}
}

func (h *TemplateHandler) GetTemplates(c *gin.Context) {
	var templates []models.Template
	err := h.db.Where("tenant_id = ?", c.Param("tenant")).Order("created_at DESC").Find(&templates).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, templates)
}

func (h *TemplateHandler) CreateTemplate(c *gin.Context) {
	var req struct {
		Name     string `json:"name" binding:"required"`
		Language string `json:"language"`
		Category string `json:"category"`
		Body     string `json:"body" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	template := models.Template{
		ID:       uuid.NewString(),
		TenantID: c.Param("tenant"),
		Name:     req.Name,
		Language: req.Language,
		Category: req.Category,
		Body:     req.Body,
		// Approval is synchronized by an external process; new templates
		// start as pending.
		ApprovalStatus: "pending",
	}
	if template.Language == "" {
		template.Language = "en"
	}

	if err := h.db.Create(&template).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, template)
}

func (h *TemplateHandler) UpdateTemplate(c *gin.Context) {
	var req struct {
		Name     string `json:"name"`
		Language string `json:"language"`
		Category string `json:"category"`
		Body     string `json:"body"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := map[string]interface{}{}
	if req.Name != "" {
		updates["name"] = req.Name
	}
	if req.Language != "" {
		updates["language"] = req.Language
	}
	if req.Category != "" {
		updates["category"] = req.Category
	}
	if req.Body != "" {
		updates["body"] = req.Body
		// Content edits invalidate the previous approval.
		updates["approval_status"] = "pending"
	}

	result := h.db.Model(&models.Template{}).
		Where("id = ? AND tenant_id = ?", c.Param("id"), c.Param("tenant")).
		Updates(updates)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": result.Error.Error()})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "template not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "template updated"})
}

func (h *TemplateHandler) DeleteTemplate(c *gin.Context) {
	result := h.db.Where("id = ? AND tenant_id = ?", c.Param("id"), c.Param("tenant")).
		Delete(&models.Template{})
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": result.Error.Error()})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "template not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "template deleted"})
}
