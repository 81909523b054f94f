package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"chatflow-engine/internal/dispatch"
	"chatflow-engine/internal/session"
	"chatflow-engine/internal/store"

	"github.com/gin-gonic/gin"
)

type MessageHandler struct {
	messages   *store.MessageStore
	dispatcher *dispatch.Dispatcher
}

func NewMessageHandler(messages *store.MessageStore, dispatcher *dispatch.Dispatcher) *MessageHandler {
	return &MessageHandler{messages: messages, dispatcher: dispatcher}
}

// GetConversations lists the tenant's contacts most-recent-first with unread
// counts.
func (h *MessageHandler) GetConversations(c *gin.Context) {
	contacts, err := h.messages.ListConversations(c.Param("tenant"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, contacts)
}

// GetMessages returns one contact's message history and clears its unread
// counter.
func (h *MessageHandler) GetMessages(c *gin.Context) {
	tenant := c.Param("tenant")
	contact := c.Param("contact")

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	msgs, err := h.messages.ListByContact(tenant, contact, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.messages.MarkRead(tenant, contact); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// SendText sends a text message from the dashboard.
func (h *MessageHandler) SendText(c *gin.Context) {
	var req struct {
		To   string `json:"to" binding:"required"`
		Body string `json:"body" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.dispatcher.Text(c.Request.Context(), c.Param("tenant"), req.To, nil, req.Body); err != nil {
		respondSendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "sent"})
}

// SendMedia uploads a file and dispatches it as a media message.
func (h *MessageHandler) SendMedia(c *gin.Context) {
	to := c.PostForm("to")
	mediaType := c.DefaultPostForm("type", "document")
	caption := c.PostForm("caption")
	if to == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing 'to' field"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	err = h.dispatcher.Media(c.Request.Context(), c.Param("tenant"), to, mediaType, data, mimeType, fileHeader.Filename, caption)
	if err != nil {
		respondSendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "sent"})
}

// respondSendError maps a failed send onto a response. Not-connected is a
// client-visible conflict carrying the current status, everything else a 500.
func respondSendError(c *gin.Context, err error) {
	var connErr *session.ConnectionError
	if errors.As(err, &connErr) {
		c.JSON(http.StatusConflict, gin.H{"error": connErr.Error(), "status": connErr.Status})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
