package flow

import (
	"testing"

	"chatflow-engine/internal/models"
	"chatflow-engine/internal/transport"

	"github.com/stretchr/testify/assert"
)

func keywordFlow(keywords string) models.Flow {
	return models.Flow{
		ID:            "f1",
		TriggerType:   TriggerKeyword,
		TriggerConfig: keywords,
		Status:        models.FlowActive,
	}
}

func notFirst() bool { return false }

func TestKeywordTriggerCaseInsensitiveSubstring(t *testing.T) {
	def := keywordFlow(`{"keywords":["oi","ola"]}`)

	assert.True(t, matchTrigger(def, transport.InboundMessage{Text: "Oi, bom dia"}, notFirst))
	assert.True(t, matchTrigger(def, transport.InboundMessage{Text: "OLA tudo bem"}, notFirst))
	assert.False(t, matchTrigger(def, transport.InboundMessage{Text: "tudo bem"}, notFirst))
}

func TestKeywordTriggerIgnoresBlankKeywords(t *testing.T) {
	def := keywordFlow(`{"keywords":["", "  "]}`)
	assert.False(t, matchTrigger(def, transport.InboundMessage{Text: "anything"}, notFirst))
}

func TestKeywordTriggerBadConfig(t *testing.T) {
	def := keywordFlow(`not json`)
	assert.False(t, matchTrigger(def, transport.InboundMessage{Text: "oi"}, notFirst))
}

func TestFirstMessageTrigger(t *testing.T) {
	def := models.Flow{TriggerType: TriggerFirstMessage}

	assert.True(t, matchTrigger(def, transport.InboundMessage{Text: "hi"}, func() bool { return true }))
	assert.False(t, matchTrigger(def, transport.InboundMessage{Text: "hi"}, notFirst))
}

func TestInteractiveReplyTrigger(t *testing.T) {
	def := models.Flow{TriggerType: TriggerInteractiveReply}

	assert.True(t, matchTrigger(def, transport.InboundMessage{Text: "yes", QuotedID: "m-1"}, notFirst))
	assert.False(t, matchTrigger(def, transport.InboundMessage{Text: "yes"}, notFirst))
}

func TestScheduledAndManualNeverMatchOnScan(t *testing.T) {
	assert.False(t, matchTrigger(models.Flow{TriggerType: TriggerScheduled}, transport.InboundMessage{Text: "oi"}, notFirst))
	assert.False(t, matchTrigger(models.Flow{TriggerType: TriggerManual}, transport.InboundMessage{Text: "oi"}, notFirst))
}
