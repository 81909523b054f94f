package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatflow-engine/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageStore persists messages and the contact list derived from them.
type MessageStore struct {
	db *gorm.DB
}

func NewMessageStore(db *gorm.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Upsert writes a message keyed by provider message id. Duplicate deliveries
// update the status and timestamp of the existing row instead of inserting a
// second one.
func (s *MessageStore) Upsert(msg *models.Message) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "timestamp"}),
	}).Create(msg).Error
}

// UpdateStatus advances the delivery status of an outgoing message.
func (s *MessageStore) UpdateStatus(tenantID, providerID, status string) error {
	return s.db.Model(&models.Message{}).
		Where("tenant_id = ? AND provider_message_id = ? AND direction = ?", tenantID, providerID, models.DirOutgoing).
		Update("status", status).Error
}

// ListByContact returns a contact's messages, newest first.
func (s *MessageStore) ListByContact(tenantID, contactID string, limit, offset int) ([]models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var msgs []models.Message
	err := s.db.Where("tenant_id = ? AND contact_id = ?", tenantID, contactID).
		Order("timestamp DESC").Limit(limit).Offset(offset).Find(&msgs).Error
	return msgs, err
}

// HasInbound reports whether the contact has ever sent an earlier inbound
// message, excluding the given provider id. Used by the first-message trigger.
func (s *MessageStore) HasInbound(tenantID, contactID, excludeProviderID string) (bool, error) {
	var count int64
	err := s.db.Model(&models.Message{}).
		Where("tenant_id = ? AND contact_id = ? AND direction = ? AND provider_message_id <> ?",
			tenantID, contactID, models.DirIncoming, excludeProviderID).
		Count(&count).Error
	return count > 0, err
}

// TouchContact upserts the contact row for message traffic. The name is only
// taken from the push name when the stored one is empty, matching how the
// dashboard expects manually edited names to stick.
func (s *MessageStore) TouchContact(tenantID, waID, pushName, preview string, at time.Time, inbound bool) error {
	var contact models.Contact
	err := s.db.Where("tenant_id = ? AND wa_id = ?", tenantID, waID).First(&contact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		contact = models.Contact{
			TenantID:      tenantID,
			WaID:          waID,
			Name:          pushName,
			Tags:          "[]",
			Fields:        "{}",
			LastMessageAt: at,
			LastPreview:   preview,
		}
		if inbound {
			contact.Unread = 1
		}
		return s.db.Create(&contact).Error
	}
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"last_message_at": at,
		"last_preview":    preview,
	}
	if contact.Name == "" && pushName != "" {
		updates["name"] = pushName
	}
	if inbound {
		updates["unread"] = gorm.Expr("unread + 1")
	}
	return s.db.Model(&contact).Updates(updates).Error
}

// ListConversations returns the tenant's contacts most-recent-first with
// unread counts.
func (s *MessageStore) ListConversations(tenantID string) ([]models.Contact, error) {
	var contacts []models.Contact
	err := s.db.Where("tenant_id = ?", tenantID).
		Order("last_message_at DESC").Find(&contacts).Error
	return contacts, err
}

// MarkRead clears the unread counter when the dashboard opens a chat.
func (s *MessageStore) MarkRead(tenantID, waID string) error {
	return s.db.Model(&models.Contact{}).
		Where("tenant_id = ? AND wa_id = ?", tenantID, waID).
		Update("unread", 0).Error
}

func (s *MessageStore) GetContact(tenantID, waID string) (*models.Contact, error) {
	var contact models.Contact
	err := s.db.Where("tenant_id = ? AND wa_id = ?", tenantID, waID).First(&contact).Error
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

// AddTag appends a tag to the contact's tag list if not already present.
func (s *MessageStore) AddTag(tenantID, waID, tag string) error {
	contact, err := s.GetContact(tenantID, waID)
	if err != nil {
		return err
	}
	var tags []string
	if contact.Tags != "" {
		if err := json.Unmarshal([]byte(contact.Tags), &tags); err != nil {
			tags = nil
		}
	}
	for _, t := range tags {
		if t == tag {
			return nil
		}
	}
	tags = append(tags, tag)
	raw, _ := json.Marshal(tags)
	return s.db.Model(contact).Update("tags", string(raw)).Error
}

// RemoveTag removes a tag from the contact's tag list.
func (s *MessageStore) RemoveTag(tenantID, waID, tag string) error {
	contact, err := s.GetContact(tenantID, waID)
	if err != nil {
		return err
	}
	var tags []string
	if err := json.Unmarshal([]byte(contact.Tags), &tags); err != nil {
		return nil
	}
	kept := tags[:0]
	for _, t := range tags {
		if t != tag {
			kept = append(kept, t)
		}
	}
	raw, _ := json.Marshal(kept)
	return s.db.Model(contact).Update("tags", string(raw)).Error
}

// SetField writes a custom field on the contact.
func (s *MessageStore) SetField(tenantID, waID, key, value string) error {
	contact, err := s.GetContact(tenantID, waID)
	if err != nil {
		return err
	}
	fields := map[string]string{}
	if contact.Fields != "" {
		if err := json.Unmarshal([]byte(contact.Fields), &fields); err != nil {
			fields = map[string]string{}
		}
	}
	fields[key] = value
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal contact fields: %w", err)
	}
	return s.db.Model(contact).Update("fields", string(raw)).Error
}
