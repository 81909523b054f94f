package store

import (
	"path/filepath"
	"testing"
	"time"

	"chatflow-engine/internal/database"
	"chatflow-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func TestUpsertIsIdempotentOnProviderID(t *testing.T) {
	db := openTestDB(t)
	s := NewMessageStore(db)

	first := models.Message{
		TenantID:          "t1",
		ProviderMessageID: "wamid-1",
		ContactID:         "5511999",
		Type:              models.MsgText,
		Content:           `{"text":"hello"}`,
		Direction:         models.DirIncoming,
		Status:            models.StatusPending,
		Timestamp:         time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Upsert(&first))

	redelivery := first
	redelivery.ID = 0
	redelivery.Status = models.StatusDelivered
	redelivery.Timestamp = first.Timestamp.Add(time.Minute)
	require.NoError(t, s.Upsert(&redelivery))

	var count int64
	require.NoError(t, db.Model(&models.Message{}).Where("provider_message_id = ?", "wamid-1").Count(&count).Error)
	assert.Equal(t, int64(1), count, "redelivery must update, not duplicate")

	var stored models.Message
	require.NoError(t, db.First(&stored, "provider_message_id = ?", "wamid-1").Error)
	assert.Equal(t, models.StatusDelivered, stored.Status)
}

func TestUpdateStatusOnlyTouchesOutgoing(t *testing.T) {
	db := openTestDB(t)
	s := NewMessageStore(db)

	require.NoError(t, s.Upsert(&models.Message{
		TenantID: "t1", ProviderMessageID: "out-1", ContactID: "5511999",
		Type: models.MsgText, Direction: models.DirOutgoing, Status: models.StatusSent, Timestamp: time.Now(),
	}))
	require.NoError(t, s.Upsert(&models.Message{
		TenantID: "t1", ProviderMessageID: "in-1", ContactID: "5511999",
		Type: models.MsgText, Direction: models.DirIncoming, Timestamp: time.Now(),
	}))

	require.NoError(t, s.UpdateStatus("t1", "out-1", models.StatusRead))
	require.NoError(t, s.UpdateStatus("t1", "in-1", models.StatusRead))

	var out, in models.Message
	require.NoError(t, db.First(&out, "provider_message_id = ?", "out-1").Error)
	require.NoError(t, db.First(&in, "provider_message_id = ?", "in-1").Error)
	assert.Equal(t, models.StatusRead, out.Status)
	assert.Empty(t, in.Status)
}

func TestHasInboundExcludesCurrentMessage(t *testing.T) {
	db := openTestDB(t)
	s := NewMessageStore(db)

	require.NoError(t, s.Upsert(&models.Message{
		TenantID: "t1", ProviderMessageID: "wamid-1", ContactID: "5511999",
		Type: models.MsgText, Direction: models.DirIncoming, Timestamp: time.Now(),
	}))

	// The message being processed does not count as prior history.
	prior, err := s.HasInbound("t1", "5511999", "wamid-1")
	require.NoError(t, err)
	assert.False(t, prior)

	require.NoError(t, s.Upsert(&models.Message{
		TenantID: "t1", ProviderMessageID: "wamid-2", ContactID: "5511999",
		Type: models.MsgText, Direction: models.DirIncoming, Timestamp: time.Now(),
	}))
	prior, err = s.HasInbound("t1", "5511999", "wamid-2")
	require.NoError(t, err)
	assert.True(t, prior)
}

func TestTouchContactUnreadAndNameRules(t *testing.T) {
	db := openTestDB(t)
	s := NewMessageStore(db)

	now := time.Now()
	require.NoError(t, s.TouchContact("t1", "5511999", "Ana", "oi", now, true))
	require.NoError(t, s.TouchContact("t1", "5511999", "Ana Maria", "tudo bem?", now.Add(time.Minute), true))

	contact, err := s.GetContact("t1", "5511999")
	require.NoError(t, err)
	assert.Equal(t, "Ana", contact.Name, "stored name sticks once set")
	assert.Equal(t, 2, contact.Unread)
	assert.Equal(t, "tudo bem?", contact.LastPreview)

	// Outbound traffic updates the preview without bumping unread.
	require.NoError(t, s.TouchContact("t1", "5511999", "", "we replied", now.Add(2*time.Minute), false))
	contact, err = s.GetContact("t1", "5511999")
	require.NoError(t, err)
	assert.Equal(t, 2, contact.Unread)
	assert.Equal(t, "we replied", contact.LastPreview)

	require.NoError(t, s.MarkRead("t1", "5511999"))
	contact, err = s.GetContact("t1", "5511999")
	require.NoError(t, err)
	assert.Equal(t, 0, contact.Unread)
}

func TestListConversationsOrdering(t *testing.T) {
	db := openTestDB(t)
	s := NewMessageStore(db)

	base := time.Now()
	require.NoError(t, s.TouchContact("t1", "5511111", "First", "a", base, true))
	require.NoError(t, s.TouchContact("t1", "5511222", "Second", "b", base.Add(time.Hour), true))
	require.NoError(t, s.TouchContact("t2", "5511333", "Other tenant", "c", base, true))

	contacts, err := s.ListConversations("t1")
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	assert.Equal(t, "5511222", contacts[0].WaID, "most recent conversation first")
	assert.Equal(t, "5511111", contacts[1].WaID)
}

func TestContactTagsAndFields(t *testing.T) {
	db := openTestDB(t)
	s := NewMessageStore(db)

	require.NoError(t, s.TouchContact("t1", "5511999", "Ana", "oi", time.Now(), true))

	require.NoError(t, s.AddTag("t1", "5511999", "lead"))
	require.NoError(t, s.AddTag("t1", "5511999", "vip"))
	require.NoError(t, s.AddTag("t1", "5511999", "lead")) // duplicate is a no-op

	contact, err := s.GetContact("t1", "5511999")
	require.NoError(t, err)
	assert.JSONEq(t, `["lead","vip"]`, contact.Tags)

	require.NoError(t, s.RemoveTag("t1", "5511999", "lead"))
	contact, err = s.GetContact("t1", "5511999")
	require.NoError(t, err)
	assert.JSONEq(t, `["vip"]`, contact.Tags)

	require.NoError(t, s.SetField("t1", "5511999", "plan", "premium"))
	contact, err = s.GetContact("t1", "5511999")
	require.NoError(t, err)
	assert.JSONEq(t, `{"plan":"premium"}`, contact.Fields)
}

func TestCreateStateSupersedesPrevious(t *testing.T) {
	db := openTestDB(t)
	s := NewFlowStore(db)

	flowA, flowB := "flow-a", "flow-b"
	require.NoError(t, s.CreateState(&models.FlowState{
		TenantID: "t1", ContactID: "5511999", FlowID: &flowA, CurrentNode: "n1", Vars: "{}",
	}))
	require.NoError(t, s.CreateState(&models.FlowState{
		TenantID: "t1", ContactID: "5511999", FlowID: &flowB, CurrentNode: "n1", Vars: "{}",
	}))

	state, err := s.ActiveState("t1", "5511999")
	require.NoError(t, err)
	require.NotNil(t, state)
	require.NotNil(t, state.FlowID)
	assert.Equal(t, flowB, *state.FlowID)

	var active int64
	require.NoError(t, db.Model(&models.FlowState{}).
		Where("tenant_id = ? AND contact_id = ? AND status = ?", "t1", "5511999", "active").
		Count(&active).Error)
	assert.Equal(t, int64(1), active)
}

func TestPendingDelays(t *testing.T) {
	db := openTestDB(t)
	s := NewFlowStore(db)

	flowA := "flow-a"
	resume := time.Now().Add(10 * time.Minute)
	require.NoError(t, s.CreateState(&models.FlowState{
		TenantID: "t1", ContactID: "5511111", FlowID: &flowA, CurrentNode: "n-wait", Vars: "{}", ResumeAt: &resume,
	}))
	require.NoError(t, s.CreateState(&models.FlowState{
		TenantID: "t1", ContactID: "5511222", FlowID: &flowA, CurrentNode: "n1", Vars: "{}",
	}))

	pending, err := s.PendingDelays()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "5511111", pending[0].ContactID)

	// Clearing drops the suspension with the state.
	require.NoError(t, s.ClearActive("t1", "5511111"))
	pending, err = s.PendingDelays()
	require.NoError(t, err)
	assert.Empty(t, pending)
}
