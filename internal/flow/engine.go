// Package flow implements the graph-walking interpreter: trigger resolution,
// bounded node execution, per-contact state persistence, and the node type
// semantics.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatflow-engine/internal/metrics"
	"chatflow-engine/internal/models"
	"chatflow-engine/internal/store"
	"chatflow-engine/internal/transport"

	"github.com/rs/zerolog"
)

// errAborted signals that the active flow must be cleared (structural error
// or external-call failure with no error edge).
var errAborted = errors.New("flow aborted")

// Outbound is the dispatcher surface the engine emits through.
type Outbound interface {
	Text(ctx context.Context, tenantID, to string, flowID *string, body string) error
	Buttons(ctx context.Context, tenantID, to string, flowID *string, body string, buttons []string) error
	List(ctx context.Context, tenantID, to string, flowID *string, body, buttonText string, options []transport.ListOption) error
}

// MessageNotifier pushes persisted inbound messages to the dashboard.
type MessageNotifier interface {
	NotifyMessage(msg models.Message)
}

type Config struct {
	MaxSteps        int
	ExternalTimeout time.Duration
	AIAPIURL        string
	AIAPIKey        string
	AIModel         string
}

type Engine struct {
	log      zerolog.Logger
	flows    *store.FlowStore
	messages *store.MessageStore
	out      Outbound
	notifier MessageNotifier
	http     *http.Client
	cfg      Config

	// Per-(tenant,contact) locks serialize read-state/execute/persist so two
	// quick inbound messages for one contact cannot race on the state row.
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewEngine(log zerolog.Logger, flows *store.FlowStore, messages *store.MessageStore, out Outbound, notifier MessageNotifier, cfg Config) *Engine {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 10
	}
	if cfg.ExternalTimeout <= 0 {
		cfg.ExternalTimeout = 15 * time.Second
	}
	return &Engine{
		log:      log.With().Str("component", "flow").Logger(),
		flows:    flows,
		messages: messages,
		out:      out,
		notifier: notifier,
		http:     &http.Client{Timeout: cfg.ExternalTimeout},
		cfg:      cfg,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockContact(tenantID, contactID string) func() {
	key := tenantID + "|" + contactID
	e.lockMu.Lock()
	mu, ok := e.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[key] = mu
	}
	e.lockMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// runtime is the per-invocation execution context.
type runtime struct {
	tenantID  string
	contactID string
	graph     *Graph
	state     *models.FlowState
	bag       map[string]interface{}
	inbound   *transport.InboundMessage // nil on delay resume and manual start
	delayFor  time.Duration             // set by a delay node, scheduled after persist
}

// HandleInbound is the ingestion entry point, invoked by the session manager
// for every inbound protocol message.
func (e *Engine) HandleInbound(tenantID string, in transport.InboundMessage) {
	msgType, content := classifyContent(in)

	msg := models.Message{
		TenantID:          tenantID,
		ProviderMessageID: in.ProviderID,
		ContactID:         in.ChatID,
		Type:              msgType,
		Content:           content,
		Direction:         models.DirIncoming,
		Timestamp:         in.Timestamp,
	}
	if in.QuotedID != "" {
		quoted := in.QuotedID
		msg.QuotedMessageID = &quoted
	}
	if err := e.messages.Upsert(&msg); err != nil {
		e.log.Error().Err(err).Str("tenant", tenantID).Str("provider_id", in.ProviderID).Msg("persist inbound message")
		return
	}
	metrics.MessagesIngested.WithLabelValues(msgType).Inc()

	preview := in.Text
	if preview == "" {
		preview = "[" + msgType + "]"
	}
	if err := e.messages.TouchContact(tenantID, in.ChatID, in.PushName, preview, in.Timestamp, true); err != nil {
		e.log.Error().Err(err).Str("tenant", tenantID).Str("contact", in.ChatID).Msg("touch contact")
	}
	if e.notifier != nil {
		e.notifier.NotifyMessage(msg)
	}

	// Automation targets 1:1 conversations only.
	if in.IsGroup {
		return
	}

	unlock := e.lockContact(tenantID, in.ChatID)
	defer unlock()

	ctx := context.Background()
	state, err := e.flows.ActiveState(tenantID, in.ChatID)
	if err != nil {
		e.log.Error().Err(err).Str("tenant", tenantID).Str("contact", in.ChatID).Msg("load flow state")
		return
	}

	if state == nil {
		e.resolveTrigger(ctx, tenantID, in)
		return
	}
	e.continueFlow(ctx, state, in)
}

// resolveTrigger scans the tenant's active definitions in order and starts
// the first one whose trigger matches.
func (e *Engine) resolveTrigger(ctx context.Context, tenantID string, in transport.InboundMessage) {
	defs, err := e.flows.ActiveFlows(tenantID)
	if err != nil {
		e.log.Error().Err(err).Str("tenant", tenantID).Msg("load active flows")
		return
	}

	var firstKnown, firstVal bool
	isFirst := func() bool {
		if !firstKnown {
			prior, err := e.messages.HasInbound(tenantID, in.ChatID, in.ProviderID)
			if err != nil {
				e.log.Error().Err(err).Str("tenant", tenantID).Msg("check first message")
				prior = true
			}
			firstVal = !prior
			firstKnown = true
		}
		return firstVal
	}

	for _, def := range defs {
		if !matchTrigger(def, in, isFirst) {
			continue
		}
		e.log.Debug().Str("tenant", tenantID).Str("contact", in.ChatID).Str("flow", def.ID).Msg("trigger matched")
		e.startFlowLocked(ctx, tenantID, in.ChatID, def.ID, &in)
		return
	}
}

// StartFlow starts a flow for a contact via the manual/API trigger.
func (e *Engine) StartFlow(ctx context.Context, tenantID, contactID, flowID string) error {
	unlock := e.lockContact(tenantID, contactID)
	defer unlock()
	return e.startFlowLocked(ctx, tenantID, contactID, flowID, nil)
}

func (e *Engine) startFlowLocked(ctx context.Context, tenantID, contactID, flowID string, in *transport.InboundMessage) error {
	graph, err := e.loadGraph(flowID)
	if err != nil {
		e.log.Error().Err(err).Str("tenant", tenantID).Str("flow", flowID).Msg("load graph")
		return err
	}

	state := &models.FlowState{
		TenantID:    tenantID,
		ContactID:   contactID,
		FlowID:      &flowID,
		CurrentNode: graph.Start(),
		Vars:        "{}",
	}
	if err := e.flows.CreateState(state); err != nil {
		return fmt.Errorf("create flow state: %w", err)
	}

	rt := &runtime{
		tenantID:  tenantID,
		contactID: contactID,
		graph:     graph,
		state:     state,
		bag:       map[string]interface{}{},
		inbound:   in,
	}
	e.run(ctx, rt, graph.Start())
	return nil
}

// continueFlow handles an inbound message for a contact with an active state:
// either the answer to an interactive node, or a no-op while a delay is
// suspended.
func (e *Engine) continueFlow(ctx context.Context, state *models.FlowState, in transport.InboundMessage) {
	// A contact talking during a delay does not advance the flow; the timer
	// owns the resumption.
	if state.ResumeAt != nil {
		return
	}
	if state.FlowID == nil {
		// Owning flow was deleted under the contact.
		e.clearState(state)
		return
	}

	graph, err := e.loadGraph(*state.FlowID)
	if err != nil {
		e.log.Warn().Err(err).Str("tenant", state.TenantID).Str("contact", state.ContactID).Msg("dropping state for broken flow")
		e.clearState(state)
		return
	}

	node, ok := graph.Node(state.CurrentNode)
	if !ok {
		e.log.Warn().Str("tenant", state.TenantID).Str("node", state.CurrentNode).Msg("current node missing from graph")
		e.clearState(state)
		return
	}

	rt := &runtime{
		tenantID:  state.TenantID,
		contactID: state.ContactID,
		graph:     graph,
		state:     state,
		bag:       decodeBag(state.Vars),
		inbound:   &in,
	}

	if !node.Interactive() {
		// Interrupted mid-pass (crash between persist and execute); resume
		// the pass without consuming the message as an answer.
		e.run(ctx, rt, state.CurrentNode)
		return
	}

	next := e.applyAnswer(rt, node, in.Text)
	if next == "" {
		e.finish(rt)
		return
	}
	e.run(ctx, rt, next)
}

// applyAnswer stores the contact's reply and selects the interactive node's
// outgoing edge.
func (e *Engine) applyAnswer(rt *runtime, node Node, answer string) string {
	switch node.Type {
	case NodeQuestion:
		if node.Question.Variable != "" {
			rt.bag[node.Question.Variable] = answer
		}
		return rt.graph.DefaultNext(node.ID)

	case NodeButtons:
		if node.Buttons.Variable != "" {
			rt.bag[node.Buttons.Variable] = answer
		}
		for idx, btn := range node.Buttons.Buttons {
			if matchOption(btn, answer) {
				if target := rt.graph.Next(node.ID, fmt.Sprintf("option-%d", idx)); target != "" {
					return target
				}
				break
			}
		}
		return rt.graph.DefaultNext(node.ID)

	case NodeList:
		if node.List.Variable != "" {
			rt.bag[node.List.Variable] = answer
		}
		for idx, opt := range node.List.Options {
			if matchOption(opt, answer) {
				if target := rt.graph.Next(node.ID, fmt.Sprintf("option-%d", idx)); target != "" {
					return target
				}
				break
			}
		}
		return rt.graph.DefaultNext(node.ID)
	}
	return rt.graph.DefaultNext(node.ID)
}

func matchOption(opt Option, answer string) bool {
	answer = strings.TrimSpace(answer)
	return (opt.ID != "" && opt.ID == answer) || strings.EqualFold(opt.Label, answer)
}

// run executes nodes from startID until an interactive node pauses, the flow
// ends, or the step cap is hit.
func (e *Engine) run(ctx context.Context, rt *runtime, startID string) {
	steps := 0
	current := startID

	for current != "" {
		if steps >= e.cfg.MaxSteps {
			e.log.Warn().Str("tenant", rt.tenantID).Str("contact", rt.contactID).
				Str("flow", rt.graph.FlowID).Int("steps", steps).Msg("step cap reached, halting execution")
			metrics.FlowExecutions.WithLabelValues("capped").Inc()
			e.persist(rt)
			return
		}
		steps++

		node, ok := rt.graph.Node(current)
		if !ok {
			e.log.Warn().Str("tenant", rt.tenantID).Str("node", current).Msg("edge points at missing node, aborting flow")
			metrics.FlowExecutions.WithLabelValues("aborted").Inc()
			e.clearState(rt.state)
			return
		}
		rt.state.CurrentNode = current

		next, wait, err := e.executeNode(ctx, rt, node)
		if err != nil {
			if errors.Is(err, errAborted) {
				metrics.FlowExecutions.WithLabelValues("aborted").Inc()
				e.clearState(rt.state)
				return
			}
			// Send failures (e.g. disconnect mid-flow) stop the pass without
			// clearing progress; the contact resumes after reconnection.
			e.log.Error().Err(err).Str("tenant", rt.tenantID).Str("node", current).Msg("node execution failed")
			metrics.FlowExecutions.WithLabelValues("errored").Inc()
			e.persist(rt)
			return
		}

		if wait {
			metrics.FlowExecutions.WithLabelValues("waiting").Inc()
			e.persist(rt)
			if rt.delayFor > 0 {
				e.scheduleResume(rt.state.ID, rt.tenantID, rt.contactID, rt.delayFor)
				rt.delayFor = 0
			}
			return
		}
		current = next
	}

	metrics.FlowExecutions.WithLabelValues("completed").Inc()
	e.finish(rt)
}

// executeNode applies one node's side effects and returns the next node id.
// wait=true means execution pauses with the current node persisted.
func (e *Engine) executeNode(ctx context.Context, rt *runtime, node Node) (string, bool, error) {
	ictx := e.buildContext(rt)

	switch node.Type {
	case NodeStart:
		return rt.graph.DefaultNext(node.ID), false, nil

	case NodeSendText:
		body := Interpolate(node.SendText.Text, ictx)
		if err := e.out.Text(ctx, rt.tenantID, rt.contactID, rt.state.FlowID, body); err != nil {
			return "", false, err
		}
		return rt.graph.DefaultNext(node.ID), false, nil

	case NodeQuestion:
		prompt := Interpolate(node.Question.Prompt, ictx)
		if err := e.out.Text(ctx, rt.tenantID, rt.contactID, rt.state.FlowID, prompt); err != nil {
			return "", false, err
		}
		return "", true, nil

	case NodeButtons:
		prompt := Interpolate(node.Buttons.Prompt, ictx)
		labels := make([]string, 0, len(node.Buttons.Buttons))
		for _, btn := range node.Buttons.Buttons {
			labels = append(labels, Interpolate(btn.Label, ictx))
		}
		if err := e.out.Buttons(ctx, rt.tenantID, rt.contactID, rt.state.FlowID, prompt, labels); err != nil {
			return "", false, err
		}
		return "", true, nil

	case NodeList:
		prompt := Interpolate(node.List.Prompt, ictx)
		buttonText := node.List.ButtonText
		if buttonText == "" {
			buttonText = "Select an option"
		}
		options := make([]transport.ListOption, 0, len(node.List.Options))
		for i, opt := range node.List.Options {
			id := opt.ID
			if id == "" {
				id = fmt.Sprintf("opt_%d", i)
			}
			options = append(options, transport.ListOption{
				ID:          id,
				Title:       Interpolate(opt.Label, ictx),
				Description: Interpolate(opt.Description, ictx),
			})
		}
		if err := e.out.List(ctx, rt.tenantID, rt.contactID, rt.state.FlowID, prompt, buttonText, options); err != nil {
			return "", false, err
		}
		return "", true, nil

	case NodeCondition:
		for i, rule := range node.Condition.Rules {
			if !evaluateRule(rule, ictx) {
				continue
			}
			handle := rule.Handle
			if handle == "" {
				handle = fmt.Sprintf("rule-%d", i)
			}
			if target := rt.graph.Next(node.ID, handle); target != "" {
				return target, false, nil
			}
			// Matched rule with no wired edge falls through to else.
			break
		}
		return rt.graph.ElseNext(node.ID), false, nil

	case NodeDelay:
		if node.Delay.Seconds <= 0 {
			return rt.graph.DefaultNext(node.ID), false, nil
		}
		dur := time.Duration(node.Delay.Seconds) * time.Second
		resumeAt := time.Now().Add(dur)
		rt.state.ResumeAt = &resumeAt
		rt.delayFor = dur
		return "", true, nil

	case NodeSetVariable:
		e.applySetVariable(rt, node.SetVariable, ictx)
		return rt.graph.DefaultNext(node.ID), false, nil

	case NodeContactAction:
		e.applyContactAction(rt, node.ContactAction, ictx)
		return rt.graph.DefaultNext(node.ID), false, nil

	case NodeAPICall:
		return e.executeAPICall(ctx, rt, node, ictx)

	case NodeAI:
		return e.executeAI(ctx, rt, node, ictx)

	case NodeEnd:
		if node.End.Message != "" {
			body := Interpolate(node.End.Message, ictx)
			if err := e.out.Text(ctx, rt.tenantID, rt.contactID, rt.state.FlowID, body); err != nil {
				return "", false, err
			}
		}
		return "", false, nil
	}

	return "", false, &ValidationError{FlowID: rt.graph.FlowID, Reason: fmt.Sprintf("unhandled node type %q", node.Type)}
}

func (e *Engine) applySetVariable(rt *runtime, data *SetVariableData, ictx map[string]interface{}) {
	if data.Variable == "" {
		return
	}
	switch data.Source {
	case "variable", "response_path":
		if val, ok := resolveVariable(ictx, data.Value); ok {
			rt.bag[data.Variable] = val
		} else {
			rt.bag[data.Variable] = ""
		}
	default: // static, expression
		rt.bag[data.Variable] = Interpolate(data.Value, ictx)
	}
}

func (e *Engine) applyContactAction(rt *runtime, data *ContactActionData, ictx map[string]interface{}) {
	var err error
	switch data.Action {
	case "add_tag":
		err = e.messages.AddTag(rt.tenantID, rt.contactID, Interpolate(data.Tag, ictx))
	case "remove_tag":
		err = e.messages.RemoveTag(rt.tenantID, rt.contactID, Interpolate(data.Tag, ictx))
	case "set_field":
		err = e.messages.SetField(rt.tenantID, rt.contactID, data.Field, Interpolate(data.Value, ictx))
	default:
		e.log.Warn().Str("action", data.Action).Msg("unknown contact action")
		return
	}
	if err != nil {
		e.log.Error().Err(err).Str("tenant", rt.tenantID).Str("contact", rt.contactID).
			Str("action", data.Action).Msg("contact action failed")
	}
}

// buildContext assembles the merged interpolation context: variable bag,
// triggering message, contact info, and computed globals.
func (e *Engine) buildContext(rt *runtime) map[string]interface{} {
	msgCtx := map[string]interface{}{}
	if rt.inbound != nil {
		msgCtx["id"] = rt.inbound.ProviderID
		msgCtx["text"] = rt.inbound.Text
		msgCtx["type"] = rt.inbound.Type
	}

	contactCtx := map[string]interface{}{
		"id":    rt.contactID,
		"phone": rt.contactID,
	}
	if contact, err := e.messages.GetContact(rt.tenantID, rt.contactID); err == nil {
		contactCtx["name"] = contact.Name
	}

	now := time.Now()
	return map[string]interface{}{
		"vars":    rt.bag,
		"message": msgCtx,
		"contact": contactCtx,
		"now": map[string]interface{}{
			"date":     now.Format("2006-01-02"),
			"time":     now.Format("15:04"),
			"datetime": now.Format(time.RFC3339),
		},
	}
}

// --- state persistence helpers ---

func decodeBag(raw string) map[string]interface{} {
	bag := map[string]interface{}{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &bag); err != nil {
			bag = map[string]interface{}{}
		}
	}
	return bag
}

func (e *Engine) persist(rt *runtime) {
	raw, err := json.Marshal(rt.bag)
	if err != nil {
		e.log.Error().Err(err).Str("tenant", rt.tenantID).Msg("marshal variable bag")
		raw = []byte("{}")
	}
	rt.state.Vars = string(raw)
	if err := e.flows.SaveState(rt.state); err != nil {
		e.log.Error().Err(err).Str("tenant", rt.tenantID).Str("contact", rt.contactID).Msg("save flow state")
	}
}

func (e *Engine) finish(rt *runtime) {
	e.clearState(rt.state)
}

func (e *Engine) clearState(state *models.FlowState) {
	if err := e.flows.ClearActive(state.TenantID, state.ContactID); err != nil {
		e.log.Error().Err(err).Str("tenant", state.TenantID).Str("contact", state.ContactID).Msg("clear flow state")
	}
}

func (e *Engine) loadGraph(flowID string) (*Graph, error) {
	def, err := e.flows.LoadGraph(flowID)
	if err != nil {
		return nil, fmt.Errorf("load flow %s: %w", flowID, err)
	}
	return BuildGraph(def)
}

// --- delay suspension ---

// scheduleResume arms the timer that continues a flow suspended on a delay
// node. Also used at boot to reschedule persisted deadlines.
func (e *Engine) scheduleResume(stateID uint, tenantID, contactID string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	time.AfterFunc(d, func() {
		e.resumeDelay(stateID, tenantID, contactID)
	})
}

func (e *Engine) resumeDelay(stateID uint, tenantID, contactID string) {
	unlock := e.lockContact(tenantID, contactID)
	defer unlock()

	state, err := e.flows.ActiveState(tenantID, contactID)
	if err != nil {
		e.log.Error().Err(err).Str("tenant", tenantID).Msg("load state for delay resume")
		return
	}
	// The state may have been superseded or cleared while the timer ran.
	if state == nil || state.ID != stateID || state.ResumeAt == nil || state.FlowID == nil {
		return
	}

	graph, err := e.loadGraph(*state.FlowID)
	if err != nil {
		e.log.Warn().Err(err).Str("tenant", tenantID).Msg("dropping state on delay resume, broken flow")
		e.clearState(state)
		return
	}

	state.ResumeAt = nil
	rt := &runtime{
		tenantID:  tenantID,
		contactID: contactID,
		graph:     graph,
		state:     state,
		bag:       decodeBag(state.Vars),
	}

	next := graph.DefaultNext(state.CurrentNode)
	if next == "" {
		e.finish(rt)
		return
	}
	e.run(context.Background(), rt, next)
}

// ReschedulePending re-arms delay timers from persisted deadlines after a
// restart.
func (e *Engine) ReschedulePending() {
	states, err := e.flows.PendingDelays()
	if err != nil {
		e.log.Error().Err(err).Msg("load pending delays")
		return
	}
	for _, state := range states {
		d := time.Until(*state.ResumeAt)
		e.scheduleResume(state.ID, state.TenantID, state.ContactID, d)
	}
	if len(states) > 0 {
		e.log.Info().Int("count", len(states)).Msg("rescheduled pending delays")
	}
}

// classifyContent maps an inbound protocol message onto the stored type
// taxonomy and builds the content payload.
func classifyContent(in transport.InboundMessage) (string, string) {
	switch in.Type {
	case models.MsgText:
		raw, _ := json.Marshal(map[string]string{"text": in.Text})
		return models.MsgText, string(raw)
	case models.MsgImage, models.MsgVideo, models.MsgAudio, models.MsgDocument:
		raw, _ := json.Marshal(map[string]string{
			"media_id":  in.MediaID,
			"mime_type": in.MimeType,
			"filename":  in.Filename,
			"caption":   in.Text,
		})
		return in.Type, string(raw)
	default:
		// Unknown kinds keep the raw payload for later inspection.
		raw, _ := json.Marshal(map[string]string{"raw": in.RawPayload})
		return models.MsgUnsupported, string(raw)
	}
}
