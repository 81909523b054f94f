package flow

import (
	"encoding/json"
	"strings"

	"chatflow-engine/internal/models"
	"chatflow-engine/internal/transport"
)

// Trigger kinds.
const (
	TriggerKeyword          = "keyword"
	TriggerFirstMessage     = "first_message"
	TriggerAnyMessage       = "any_message"
	TriggerInteractiveReply = "interactive_reply"
	TriggerScheduled        = "scheduled" // fired by an external scheduler, never matches on scan
	TriggerManual           = "manual"    // started via the API, never matches on scan
)

type keywordTriggerConfig struct {
	Keywords []string `json:"keywords"`
}

// matchTrigger evaluates one definition's trigger descriptor against an
// inbound message. isFirst is computed lazily by the caller and only
// consulted for first-message triggers.
func matchTrigger(def models.Flow, msg transport.InboundMessage, isFirst func() bool) bool {
	switch def.TriggerType {
	case TriggerKeyword:
		var cfg keywordTriggerConfig
		if err := json.Unmarshal([]byte(def.TriggerConfig), &cfg); err != nil {
			return false
		}
		text := strings.ToLower(msg.Text)
		for _, kw := range cfg.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(text, kw) {
				return true
			}
		}
		return false
	case TriggerFirstMessage:
		return isFirst()
	case TriggerAnyMessage:
		return true
	case TriggerInteractiveReply:
		return msg.QuotedID != ""
	case TriggerScheduled, TriggerManual:
		return false
	}
	return false
}
