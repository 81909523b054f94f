package flow

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatflow-engine/internal/models"
	"chatflow-engine/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPICallStoresExtractedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"name": "Premium", "price": 49.9},
		})
	}))
	defer srv.Close()

	db := openTestDB(t)
	seedFlow(t, db,
		models.Flow{ID: "lookup", TenantID: "t1", Name: "Lookup", TriggerType: TriggerAnyMessage, Status: models.FlowActive},
		[]models.FlowNode{
			{NodeID: "n-start", Type: "start"},
			{NodeID: "n-call", Type: "api_call", Data: `{"method":"GET","url":"` + srv.URL + `","resultVar":"plan","responsePath":"data.name"}`},
			{NodeID: "n-reply", Type: "send_text", Data: `{"text":"Your plan: {{plan}}"}`},
		},
		[]models.FlowEdge{
			{EdgeID: "e1", Source: "n-start", Target: "n-call"},
			{EdgeID: "e2", Source: "n-call", Target: "n-reply"},
		})
	out := &fakeOutbound{}
	eng := newTestEngine(t, db, out, Config{})

	eng.HandleInbound("t1", inbound("5511999", "price?"))

	require.Len(t, out.sent, 1)
	assert.Equal(t, "Your plan: Premium", out.sent[0].body)
}

func TestAPICallInterpolatesJSONBodyStructurally(t *testing.T) {
	var received map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	db := openTestDB(t)
	seedFlow(t, db,
		models.Flow{ID: "report", TenantID: "t1", Name: "Report", TriggerType: TriggerAnyMessage, Status: models.FlowActive},
		[]models.FlowNode{
			{NodeID: "n-start", Type: "start"},
			{NodeID: "n-call", Type: "api_call", Data: `{"method":"POST","url":"` + srv.URL + `","body":"{\"note\":\"{{message.text}}\",\"contact\":\"{{contact.id}}\"}","resultVar":"r"}`},
		},
		[]models.FlowEdge{
			{EdgeID: "e1", Source: "n-start", Target: "n-call"},
		})
	out := &fakeOutbound{}
	eng := newTestEngine(t, db, out, Config{})

	// The quote in the message must survive as valid JSON on the wire.
	eng.HandleInbound("t1", inbound("5511999", `said "maybe" twice`))

	require.NotNil(t, received)
	assert.Equal(t, `said "maybe" twice`, received["note"])
	assert.Equal(t, "5511999", received["contact"])
}

func TestAPICallFailureFollowsErrorEdge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	db := openTestDB(t)
	seedFlow(t, db,
		models.Flow{ID: "lookup", TenantID: "t1", Name: "Lookup", TriggerType: TriggerAnyMessage, Status: models.FlowActive},
		[]models.FlowNode{
			{NodeID: "n-start", Type: "start"},
			{NodeID: "n-call", Type: "api_call", Data: `{"url":"` + srv.URL + `","resultVar":"plan"}`},
			{NodeID: "n-ok", Type: "send_text", Data: `{"text":"ok"}`},
			{NodeID: "n-sorry", Type: "send_text", Data: `{"text":"Something went wrong: {{plan_error}}"}`},
		},
		[]models.FlowEdge{
			{EdgeID: "e1", Source: "n-start", Target: "n-call"},
			{EdgeID: "e2", Source: "n-call", SourceHandle: "default", Target: "n-ok"},
			{EdgeID: "e3", Source: "n-call", SourceHandle: "error", Target: "n-sorry"},
		})
	out := &fakeOutbound{}
	eng := newTestEngine(t, db, out, Config{})

	eng.HandleInbound("t1", inbound("5511999", "price?"))

	require.Len(t, out.sent, 1)
	assert.Contains(t, out.sent[0].body, "Something went wrong: ")
	assert.Contains(t, out.sent[0].body, "500")
}

func TestAPICallFailureWithoutErrorEdgeAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	db := openTestDB(t)
	seedFlow(t, db,
		models.Flow{ID: "lookup", TenantID: "t1", Name: "Lookup", TriggerType: TriggerAnyMessage, Status: models.FlowActive},
		[]models.FlowNode{
			{NodeID: "n-start", Type: "start"},
			{NodeID: "n-call", Type: "api_call", Data: `{"url":"` + srv.URL + `","resultVar":"plan"}`},
			{NodeID: "n-ok", Type: "send_text", Data: `{"text":"ok"}`},
		},
		[]models.FlowEdge{
			{EdgeID: "e1", Source: "n-start", Target: "n-call"},
			{EdgeID: "e2", Source: "n-call", SourceHandle: "default", Target: "n-ok"},
		})
	out := &fakeOutbound{}
	eng := newTestEngine(t, db, out, Config{})

	eng.HandleInbound("t1", inbound("5511999", "price?"))

	assert.Empty(t, out.sent)
	state, err := store.NewFlowStore(db).ActiveState("t1", "5511999")
	require.NoError(t, err)
	assert.Nil(t, state, "no error edge means the flow is aborted")
}

func TestAIDecideRoutesOnOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req aiRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if assert.Len(t, req.Messages, 1) {
			assert.Contains(t, req.Messages[0].Content, "Reply with exactly one of: interested, not_interested")
		}
		json.NewEncoder(w).Encode(aiResponse{
			Choices: []struct {
				Message aiMessage `json:"message"`
			}{{Message: aiMessage{Role: "assistant", Content: "interested"}}},
		})
	}))
	defer srv.Close()

	db := openTestDB(t)
	seedFlow(t, db,
		models.Flow{ID: "qualify", TenantID: "t1", Name: "Qualify", TriggerType: TriggerAnyMessage, Status: models.FlowActive},
		[]models.FlowNode{
			{NodeID: "n-start", Type: "start"},
			{NodeID: "n-ai", Type: "ai", Data: `{"mode":"decide","prompt":"Classify: {{message.text}}","outcomes":["interested","not_interested"]}`},
			{NodeID: "n-yes", Type: "send_text", Data: `{"text":"Great, let us talk!"}`},
			{NodeID: "n-no", Type: "send_text", Data: `{"text":"No problem."}`},
		},
		[]models.FlowEdge{
			{EdgeID: "e1", Source: "n-start", Target: "n-ai"},
			{EdgeID: "e2", Source: "n-ai", SourceHandle: "outcome-0", Target: "n-yes"},
			{EdgeID: "e3", Source: "n-ai", SourceHandle: "outcome-1", Target: "n-no"},
		})
	out := &fakeOutbound{}
	eng := newTestEngine(t, db, out, Config{AIAPIURL: srv.URL, AIModel: "test-model"})

	eng.HandleInbound("t1", inbound("5511999", "I want to know more"))

	require.Len(t, out.sent, 1)
	assert.Equal(t, "Great, let us talk!", out.sent[0].body)
}
