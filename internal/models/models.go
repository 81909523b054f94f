package models

import (
	"time"
)

// Connection status values. See session.Manager for the transitions.
const (
	ConnDisconnected = "disconnected"
	ConnLoading      = "loading"
	ConnQRPending    = "qr_pending"
	ConnConnecting   = "connecting"
	ConnConnected    = "connected"
	ConnError        = "error"
	ConnAuthFailure  = "auth_failure"
)

// ConnectionRecord is the persisted view of a tenant's protocol session.
// Mutated only by the session manager; the API reads it for status polling.
type ConnectionRecord struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	TenantID    string     `gorm:"type:varchar(64);not null;uniqueIndex" json:"tenant_id"`
	Status      string     `gorm:"type:varchar(20);default:'disconnected'" json:"status"`
	PairingCode *string    `gorm:"type:text" json:"pairing_code,omitempty"`
	DeviceID    *string    `gorm:"type:varchar(64)" json:"device_id,omitempty"`
	LastError   string     `gorm:"type:text" json:"last_error"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ConnectionRecord) TableName() string {
	return "connections"
}

// Flow lifecycle status values.
const (
	FlowDraft    = "draft"
	FlowActive   = "active"
	FlowInactive = "inactive"
	FlowArchived = "archived"
)

// Flow is an authored automation graph. The authoring UI owns the content,
// the engine consumes it read-only.
type Flow struct {
	ID            string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	TenantID      string     `gorm:"type:varchar(64);not null;index" json:"tenant_id"`
	Name          string     `gorm:"type:varchar(255);not null" json:"name"`
	TriggerType   string     `gorm:"type:varchar(50);default:'keyword'" json:"trigger_type"`
	TriggerConfig string     `gorm:"type:text" json:"trigger_config"` // JSON, shape depends on trigger type
	Status        string     `gorm:"type:varchar(20);default:'draft'" json:"status"`
	Nodes         []FlowNode `gorm:"foreignKey:FlowID;constraint:OnDelete:CASCADE;" json:"nodes,omitempty"`
	Edges         []FlowEdge `gorm:"foreignKey:FlowID;constraint:OnDelete:CASCADE;" json:"edges,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Flow) TableName() string {
	return "flows"
}

type FlowNode struct {
	ID        uint    `gorm:"primaryKey" json:"id"`
	FlowID    string  `gorm:"index;type:varchar(64)" json:"flow_id"`
	NodeID    string  `gorm:"type:varchar(255)" json:"node_id"` // graph-local node id
	Type      string  `gorm:"type:varchar(50)" json:"type"`
	PositionX float64 `json:"position_x"`
	PositionY float64 `json:"position_y"`
	Data      string  `gorm:"type:text" json:"data"` // type-specific payload JSON
}

func (FlowNode) TableName() string {
	return "flow_nodes"
}

type FlowEdge struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	FlowID       string `gorm:"index;type:varchar(64)" json:"flow_id"`
	EdgeID       string `gorm:"type:varchar(255)" json:"edge_id"`
	Source       string `gorm:"type:varchar(255)" json:"source"`
	SourceHandle string `gorm:"type:varchar(255)" json:"source_handle"`
	Target       string `gorm:"type:varchar(255)" json:"target"`
}

func (FlowEdge) TableName() string {
	return "flow_edges"
}

// FlowState tracks one contact's progress through one flow. At most one
// active row per (tenant, contact); the store clears any previous active row
// before creating a new one.
type FlowState struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	TenantID        string     `gorm:"type:varchar(64);not null;index:idx_flow_states_contact" json:"tenant_id"`
	ContactID       string     `gorm:"type:varchar(64);not null;index:idx_flow_states_contact" json:"contact_id"`
	FlowID          *string    `gorm:"type:varchar(64);index" json:"flow_id"` // nulled when the owning flow is deleted
	CurrentNode     string     `gorm:"type:varchar(255)" json:"current_node"`
	Vars            string     `gorm:"type:text;default:'{}'" json:"vars"` // JSON variable bag
	Status          string     `gorm:"type:varchar(20);default:'active'" json:"status"`
	ResumeAt        *time.Time `gorm:"index" json:"resume_at,omitempty"` // set while a delay node is suspended
	LastInteraction time.Time  `json:"last_interaction"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (FlowState) TableName() string {
	return "flow_states"
}

// Message type tags.
const (
	MsgText        = "text"
	MsgImage       = "image"
	MsgVideo       = "video"
	MsgAudio       = "audio"
	MsgDocument    = "document"
	MsgUnsupported = "unsupported"
)

// Message direction and outgoing status values.
const (
	DirIncoming = "incoming"
	DirOutgoing = "outgoing"

	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Message is one inbound or outbound message. ProviderMessageID is the
// idempotency key: re-delivery of the same provider id updates the existing
// row instead of inserting a second one.
type Message struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	TenantID          string    `gorm:"type:varchar(64);not null;index" json:"tenant_id"`
	ProviderMessageID string    `gorm:"type:varchar(128);not null;uniqueIndex" json:"provider_message_id"`
	ContactID         string    `gorm:"type:varchar(64);not null;index" json:"contact_id"`
	FlowID            *string   `gorm:"type:varchar(64)" json:"flow_id,omitempty"` // set when a flow node produced the message
	Type              string    `gorm:"type:varchar(20)" json:"type"`
	Content           string    `gorm:"type:text" json:"content"` // payload JSON, shape tagged by Type
	Direction         string    `gorm:"type:varchar(10);not null" json:"direction"`
	Status            string    `gorm:"type:varchar(20)" json:"status"` // outgoing only
	QuotedMessageID   *string   `gorm:"type:varchar(128)" json:"quoted_message_id,omitempty"`
	Timestamp         time.Time `gorm:"index" json:"timestamp"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Message) TableName() string {
	return "messages"
}

// Contact is a conversation partner, maintained from message traffic.
type Contact struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	TenantID      string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_contacts_tenant_wa" json:"tenant_id"`
	WaID          string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_contacts_tenant_wa" json:"wa_id"`
	Name          string    `gorm:"type:varchar(255)" json:"name"`
	Tags          string    `gorm:"type:text;default:'[]'" json:"tags"`   // JSON string array
	Fields        string    `gorm:"type:text;default:'{}'" json:"fields"` // JSON custom fields
	Unread        int       `gorm:"default:0" json:"unread"`
	LastMessageAt time.Time `gorm:"index" json:"last_message_at"`
	LastPreview   string    `gorm:"type:text" json:"last_preview"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Contact) TableName() string {
	return "contacts"
}

// Template is a pre-approved outbound message template. ApprovalStatus is
// synchronized by an external process; this service only stores it.
type Template struct {
	ID             string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	TenantID       string    `gorm:"type:varchar(64);not null;index" json:"tenant_id"`
	Name           string    `gorm:"type:varchar(255);not null" json:"name"`
	Language       string    `gorm:"type:varchar(10);default:'en'" json:"language"`
	Category       string    `gorm:"type:varchar(50)" json:"category"`
	Body           string    `gorm:"type:text" json:"body"`
	ApprovalStatus string    `gorm:"type:varchar(20);default:'pending'" json:"approval_status"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Template) TableName() string {
	return "templates"
}
