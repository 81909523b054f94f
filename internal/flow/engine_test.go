package flow

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"chatflow-engine/internal/database"
	"chatflow-engine/internal/models"
	"chatflow-engine/internal/store"
	"chatflow-engine/internal/transport"

	"github.com/rs/zerolog"
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

type sentMessage struct {
	kind string
	to   string
	body string
}

type fakeOutbound struct {
	sent []sentMessage
	fail error
}

func (f *fakeOutbound) Text(_ context.Context, _, to string, _ *string, body string) error {
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, sentMessage{kind: "text", to: to, body: body})
	return nil
}

func (f *fakeOutbound) Buttons(_ context.Context, _, to string, _ *string, body string, _ []string) error {
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, sentMessage{kind: "buttons", to: to, body: body})
	return nil
}

func (f *fakeOutbound) List(_ context.Context, _, to string, _ *string, body, _ string, _ []transport.ListOption) error {
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, sentMessage{kind: "list", to: to, body: body})
	return nil
}

func seedFlow(t *testing.T, db *gorm.DB, flow models.Flow, nodes []models.FlowNode, edges []models.FlowEdge) {
	t.Helper()
	require.NoError(t, db.Create(&flow).Error)
	for i := range nodes {
		nodes[i].FlowID = flow.ID
		require.NoError(t, db.Create(&nodes[i]).Error)
	}
	for i := range edges {
		edges[i].FlowID = flow.ID
		require.NoError(t, db.Create(&edges[i]).Error)
	}
}

func newTestEngine(t *testing.T, db *gorm.DB, out Outbound, cfg Config) *Engine {
	t.Helper()
	return NewEngine(zerolog.Nop(), store.NewFlowStore(db), store.NewMessageStore(db), out, nil, cfg)
}

var msgSeq int

func inbound(contact, text string) transport.InboundMessage {
	msgSeq++
	return transport.InboundMessage{
		ProviderID: fmt.Sprintf("wamid-%d", msgSeq),
		ChatID:     contact,
		SenderID:   contact,
		PushName:   "Ana",
		Type:       models.MsgText,
		Text:       text,
		Timestamp:  time.Now(),
	}
}

// onboardingFlow: start -> send_text -> question(age) -> condition(age > 18)
// with rule-0 -> adult send, else -> minor send, both -> end.
func onboardingFlow(t *testing.T, db *gorm.DB) {
	seedFlow(t, db,
		models.Flow{
			ID:            "onboarding",
			TenantID:      "t1",
			Name:          "Onboarding",
			TriggerType:   TriggerKeyword,
			TriggerConfig: `{"keywords":["oi","ola"]}`,
			Status:        models.FlowActive,
		},
		[]models.FlowNode{
			{NodeID: "n-start", Type: "start"},
			{NodeID: "n-hello", Type: "send_text", Data: `{"text":"Hello {{contact.name}}!"}`},
			{NodeID: "n-age", Type: "question", Data: `{"prompt":"How old are you?","variable":"age"}`},
			{NodeID: "n-check", Type: "condition", Data: `{"rules":[{"variable":"age","operator":"greater_than","value":"18"}]}`},
			{NodeID: "n-adult", Type: "send_text", Data: `{"text":"Welcome aboard, {{age}}."}`},
			{NodeID: "n-minor", Type: "send_text", Data: `{"text":"Sorry, adults only."}`},
			{NodeID: "n-end", Type: "end"},
		},
		[]models.FlowEdge{
			{EdgeID: "e1", Source: "n-start", Target: "n-hello"},
			{EdgeID: "e2", Source: "n-hello", Target: "n-age"},
			{EdgeID: "e3", Source: "n-age", Target: "n-check"},
			{EdgeID: "e4", Source: "n-check", SourceHandle: "rule-0", Target: "n-adult"},
			{EdgeID: "e5", Source: "n-check", SourceHandle: "else", Target: "n-minor"},
			{EdgeID: "e6", Source: "n-adult", Target: "n-end"},
			{EdgeID: "e7", Source: "n-minor", Target: "n-end"},
		})
}

func TestTriggerStartsFlowAndPausesAtQuestion(t *testing.T) {
	db := openTestDB(t)
	onboardingFlow(t, db)
	out := &fakeOutbound{}
	eng := newTestEngine(t, db, out, Config{})

	eng.HandleInbound("t1", inbound("5511999", "Oi, bom dia"))

	state, err := store.NewFlowStore(db).ActiveState("t1", "5511999")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "n-age", state.CurrentNode)
	require.Len(t, out.sent, 2)
	assert.Equal(t, "Hello Ana!", out.sent[0].body)
	assert.Equal(t, "How old are you?", out.sent[1].body)
}

func TestNonMatchingMessageStartsNothing(t *testing.T) {
	db := openTestDB(t)
	onboardingFlow(t, db)
	out := &fakeOutbound{}
	eng := newTestEngine(t, db, out, Config{})

	eng.HandleInbound("t1", inbound("5511999", "tudo bem"))

	state, err := store.NewFlowStore(db).ActiveState("t1", "5511999")
	require.NoError(t, err)
	assert.Nil(t, state)
	assert.Empty(t, out.sent)

	// The message itself is still persisted.
	var count int64
	require.NoError(t, db.Model(&models.Message{}).Where("tenant_id = ?", "t1").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAnswerRoutesThroughCondition(t *testing.T) {
	db := openTestDB(t)
	onboardingFlow(t, db)
	flows := store.NewFlowStore(db)

	run := func(contact, answer string) *fakeOutbound {
		out := &fakeOutbound{}
		eng := newTestEngine(t, db, out, Config{})
		eng.HandleInbound("t1", inbound(contact, "oi"))
		eng.HandleInbound("t1", inbound(contact, answer))
		return out
	}

	out := run("5511111", "20")
	require.Len(t, out.sent, 3)
	assert.Equal(t, "Welcome aboard, 20.", out.sent[2].body)
	state, err := flows.ActiveState("t1", "5511111")
	require.NoError(t, err)
	assert.Nil(t, state, "end node clears the state")

	out = run("5511222", "10")
	require.Len(t, out.sent, 3)
	assert.Equal(t, "Sorry, adults only.", out.sent[2].body)
}

func TestStepCapHaltsRunawayGraph(t *testing.T) {
	db := openTestDB(t)
	seedFlow(t, db,
		models.Flow{ID: "loop", TenantID: "t1", Name: "Loop", TriggerType: TriggerAnyMessage, Status: models.FlowActive},
		[]models.FlowNode{
			{NodeID: "n-start", Type: "start"},
			{NodeID: "n-a", Type: "set_variable", Data: `{"variable":"x","source":"static","value":"1"}`},
			{NodeID: "n-b", Type: "set_variable", Data: `{"variable":"y","source":"static","value":"2"}`},
		},
		[]models.FlowEdge{
			{EdgeID: "e1", Source: "n-start", Target: "n-a"},
			{EdgeID: "e2", Source: "n-a", Target: "n-b"},
			{EdgeID: "e3", Source: "n-b", Target: "n-a"},
		})
	out := &fakeOutbound{}
	eng := newTestEngine(t, db, out, Config{MaxSteps: 5})

	done := make(chan struct{})
	go func() {
		eng.HandleInbound("t1", inbound("5511999", "anything"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not halt at the step cap")
	}

	state, err := store.NewFlowStore(db).ActiveState("t1", "5511999")
	require.NoError(t, err)
	require.NotNil(t, state, "capped execution persists progress instead of clearing")
}

func TestManualStartSupersedesActiveFlow(t *testing.T) {
	db := openTestDB(t)
	onboardingFlow(t, db)
	seedFlow(t, db,
		models.Flow{ID: "support", TenantID: "t1", Name: "Support", TriggerType: TriggerManual, Status: models.FlowActive},
		[]models.FlowNode{
			{NodeID: "s-start", Type: "start"},
			{NodeID: "s-ask", Type: "question", Data: `{"prompt":"Describe the issue","variable":"issue"}`},
		},
		[]models.FlowEdge{
			{EdgeID: "e1", Source: "s-start", Target: "s-ask"},
		})
	out := &fakeOutbound{}
	eng := newTestEngine(t, db, out, Config{})

	eng.HandleInbound("t1", inbound("5511999", "oi"))
	require.NoError(t, eng.StartFlow(context.Background(), "t1", "5511999", "support"))

	state, err := store.NewFlowStore(db).ActiveState("t1", "5511999")
	require.NoError(t, err)
	require.NotNil(t, state)
	require.NotNil(t, state.FlowID)
	assert.Equal(t, "support", *state.FlowID)

	var active int64
	require.NoError(t, db.Model(&models.FlowState{}).
		Where("tenant_id = ? AND contact_id = ? AND status = ?", "t1", "5511999", "active").
		Count(&active).Error)
	assert.Equal(t, int64(1), active, "at most one active state per contact")
}

func TestGroupMessagePersistsButNeverTriggers(t *testing.T) {
	db := openTestDB(t)
	onboardingFlow(t, db)
	out := &fakeOutbound{}
	eng := newTestEngine(t, db, out, Config{})

	msg := inbound("12036304@g.us", "oi pessoal")
	msg.IsGroup = true
	eng.HandleInbound("t1", msg)

	var count int64
	require.NoError(t, db.Model(&models.Message{}).Where("contact_id = ?", "12036304@g.us").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	state, err := store.NewFlowStore(db).ActiveState("t1", "12036304@g.us")
	require.NoError(t, err)
	assert.Nil(t, state)
	assert.Empty(t, out.sent)
}

func TestDelaySuspendsAndIgnoresChatter(t *testing.T) {
	db := openTestDB(t)
	seedFlow(t, db,
		models.Flow{ID: "drip", TenantID: "t1", Name: "Drip", TriggerType: TriggerAnyMessage, Status: models.FlowActive},
		[]models.FlowNode{
			{NodeID: "n-start", Type: "start"},
			{NodeID: "n-wait", Type: "delay", Data: `{"seconds":600}`},
			{NodeID: "n-bye", Type: "send_text", Data: `{"text":"Still there?"}`},
		},
		[]models.FlowEdge{
			{EdgeID: "e1", Source: "n-start", Target: "n-wait"},
			{EdgeID: "e2", Source: "n-wait", Target: "n-bye"},
		})
	out := &fakeOutbound{}
	eng := newTestEngine(t, db, out, Config{})
	flows := store.NewFlowStore(db)

	eng.HandleInbound("t1", inbound("5511999", "hello"))

	state, err := flows.ActiveState("t1", "5511999")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "n-wait", state.CurrentNode)
	require.NotNil(t, state.ResumeAt)
	assert.Empty(t, out.sent)

	// Talking during the suspension does not advance the flow.
	eng.HandleInbound("t1", inbound("5511999", "anyone?"))
	after, err := flows.ActiveState("t1", "5511999")
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, "n-wait", after.CurrentNode)
	assert.NotNil(t, after.ResumeAt)
	assert.Empty(t, out.sent)
}

func TestSendFailureKeepsStateForResume(t *testing.T) {
	db := openTestDB(t)
	onboardingFlow(t, db)
	out := &fakeOutbound{fail: fmt.Errorf("socket closed")}
	eng := newTestEngine(t, db, out, Config{})

	eng.HandleInbound("t1", inbound("5511999", "oi"))

	state, err := store.NewFlowStore(db).ActiveState("t1", "5511999")
	require.NoError(t, err)
	require.NotNil(t, state, "delivery failure must not discard progress")
	assert.Equal(t, "n-hello", state.CurrentNode)
}

func TestButtonsAnswerFollowsOptionEdge(t *testing.T) {
	db := openTestDB(t)
	seedFlow(t, db,
		models.Flow{ID: "menu", TenantID: "t1", Name: "Menu", TriggerType: TriggerAnyMessage, Status: models.FlowActive},
		[]models.FlowNode{
			{NodeID: "n-start", Type: "start"},
			{NodeID: "n-menu", Type: "buttons", Data: `{"prompt":"Pick one","variable":"choice","buttons":[{"id":"sales","label":"Sales"},{"id":"support","label":"Support"}]}`},
			{NodeID: "n-sales", Type: "send_text", Data: `{"text":"Sales here"}`},
			{NodeID: "n-support", Type: "send_text", Data: `{"text":"Support here"}`},
		},
		[]models.FlowEdge{
			{EdgeID: "e1", Source: "n-start", Target: "n-menu"},
			{EdgeID: "e2", Source: "n-menu", SourceHandle: "option-0", Target: "n-sales"},
			{EdgeID: "e3", Source: "n-menu", SourceHandle: "option-1", Target: "n-support"},
		})
	out := &fakeOutbound{}
	eng := newTestEngine(t, db, out, Config{})

	eng.HandleInbound("t1", inbound("5511999", "hi"))
	eng.HandleInbound("t1", inbound("5511999", "support"))

	require.Len(t, out.sent, 2)
	assert.Equal(t, "buttons", out.sent[0].kind)
	assert.Equal(t, "Support here", out.sent[1].body)
}
