package api

import (
	"net/http"

	"chatflow-engine/internal/session"

	"github.com/gin-gonic/gin"
)

type ConnectionHandler struct {
	sessions *session.Manager
}

func NewConnectionHandler(sessions *session.Manager) *ConnectionHandler {
	return &ConnectionHandler{sessions: sessions}
}

// GetStatus returns the tenant's connection record: status, pairing code if
// pending, connected identity, last error.
func (h *ConnectionHandler) GetStatus(c *gin.Context) {
	rec, err := h.sessions.Status(c.Param("tenant"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Connect starts (or forces) a session for the tenant.
func (h *ConnectionHandler) Connect(c *gin.Context) {
	var req struct {
		Force bool `json:"force"`
	}
	_ = c.ShouldBindJSON(&req)

	if err := h.sessions.Connect(c.Request.Context(), c.Param("tenant"), req.Force); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "connection initiated"})
}

// Disconnect closes the tenant's session and wipes its pairing credentials.
func (h *ConnectionHandler) Disconnect(c *gin.Context) {
	if err := h.sessions.Disconnect(c.Request.Context(), c.Param("tenant")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "disconnected"})
}
