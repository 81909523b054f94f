package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	"chatflow-engine/internal/models"
)

// NodeType is the closed set of node kinds the engine executes. decodeNode
// rejects anything else, and executeNode switches exhaustively over these.
type NodeType string

const (
	NodeStart         NodeType = "start"
	NodeSendText      NodeType = "send_text"
	NodeQuestion      NodeType = "question"
	NodeButtons       NodeType = "buttons"
	NodeList          NodeType = "list"
	NodeCondition     NodeType = "condition"
	NodeDelay         NodeType = "delay"
	NodeSetVariable   NodeType = "set_variable"
	NodeContactAction NodeType = "contact_action"
	NodeAPICall       NodeType = "api_call"
	NodeAI            NodeType = "ai"
	NodeEnd           NodeType = "end"
)

// Node is one decoded graph node. Exactly one payload pointer is set,
// matching Type.
type Node struct {
	ID   string
	Type NodeType

	SendText      *SendTextData
	Question      *QuestionData
	Buttons       *ButtonsData
	List          *ListData
	Condition     *ConditionData
	Delay         *DelayData
	SetVariable   *SetVariableData
	ContactAction *ContactActionData
	APICall       *APICallData
	AI            *AIData
	End           *EndData
}

type SendTextData struct {
	Text string `json:"text"`
}

type QuestionData struct {
	Prompt   string `json:"prompt"`
	Variable string `json:"variable"` // bag key the free-text answer is stored under
}

type Option struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

type ButtonsData struct {
	Prompt   string   `json:"prompt"`
	Buttons  []Option `json:"buttons"`
	Variable string   `json:"variable,omitempty"`
}

type ListData struct {
	Prompt     string   `json:"prompt"`
	ButtonText string   `json:"buttonText,omitempty"`
	Options    []Option `json:"options"`
	Variable   string   `json:"variable,omitempty"`
}

// Rule is one ordered condition. Handle names the outgoing edge taken when
// the rule matches; when empty the edge handle defaults to "rule-<index>".
type Rule struct {
	Variable string `json:"variable"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
	Handle   string `json:"handle,omitempty"`
}

type ConditionData struct {
	Rules []Rule `json:"rules"`
}

type DelayData struct {
	Seconds int `json:"seconds"`
}

// SetVariableData sources: static (interpolated literal), variable (copy of
// another bag entry), expression (interpolated template), response_path (dot
// path into the last stored external-call response).
type SetVariableData struct {
	Variable string `json:"variable"`
	Source   string `json:"source"`
	Value    string `json:"value"`
}

type ContactActionData struct {
	Action string `json:"action"` // add_tag, remove_tag, set_field
	Tag    string `json:"tag,omitempty"`
	Field  string `json:"field,omitempty"`
	Value  string `json:"value,omitempty"`
}

type APICallData struct {
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
	ResultVar    string            `json:"resultVar"`
	ResponsePath string            `json:"responsePath,omitempty"`
}

type AIData struct {
	Mode       string   `json:"mode"` // generate, decide
	Prompt     string   `json:"prompt"`
	ResultVar  string   `json:"resultVar,omitempty"`
	SendResult bool     `json:"sendResult,omitempty"`
	Outcomes   []string `json:"outcomes,omitempty"` // decide mode labels, edge handle outcome-<idx>
}

type EndData struct {
	Message string `json:"message,omitempty"`
}

func decodeNode(row models.FlowNode) (Node, error) {
	node := Node{ID: row.NodeID, Type: NodeType(row.Type)}
	data := []byte(row.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}

	var err error
	switch node.Type {
	case NodeStart:
		// start carries no payload
	case NodeSendText:
		node.SendText = &SendTextData{}
		err = json.Unmarshal(data, node.SendText)
	case NodeQuestion:
		node.Question = &QuestionData{}
		err = json.Unmarshal(data, node.Question)
	case NodeButtons:
		node.Buttons = &ButtonsData{}
		err = json.Unmarshal(data, node.Buttons)
	case NodeList:
		node.List = &ListData{}
		err = json.Unmarshal(data, node.List)
	case NodeCondition:
		node.Condition = &ConditionData{}
		err = json.Unmarshal(data, node.Condition)
	case NodeDelay:
		node.Delay = &DelayData{}
		err = json.Unmarshal(data, node.Delay)
	case NodeSetVariable:
		node.SetVariable = &SetVariableData{}
		err = json.Unmarshal(data, node.SetVariable)
	case NodeContactAction:
		node.ContactAction = &ContactActionData{}
		err = json.Unmarshal(data, node.ContactAction)
	case NodeAPICall:
		node.APICall = &APICallData{}
		err = json.Unmarshal(data, node.APICall)
	case NodeAI:
		node.AI = &AIData{}
		err = json.Unmarshal(data, node.AI)
	case NodeEnd:
		node.End = &EndData{}
		err = json.Unmarshal(data, node.End)
	default:
		return Node{}, fmt.Errorf("unknown node type %q", row.Type)
	}
	if err != nil {
		return Node{}, fmt.Errorf("decode %s node %s: %w", row.Type, row.NodeID, err)
	}
	return node, nil
}

// Interactive reports whether the node pauses execution until the contact's
// next inbound message.
func (n Node) Interactive() bool {
	switch n.Type {
	case NodeQuestion, NodeButtons, NodeList:
		return true
	}
	return false
}

// Graph is one decoded, validated flow graph.
type Graph struct {
	FlowID string
	nodes  map[string]Node
	edges  []models.FlowEdge
	start  string
}

// BuildGraph decodes a definition's rows and validates the structure:
// exactly one reachable start node, every edge endpoint resolvable.
func BuildGraph(def *models.Flow) (*Graph, error) {
	g := &Graph{FlowID: def.ID, nodes: make(map[string]Node, len(def.Nodes)), edges: def.Edges}

	for _, row := range def.Nodes {
		node, err := decodeNode(row)
		if err != nil {
			return nil, &ValidationError{FlowID: def.ID, Reason: err.Error()}
		}
		g.nodes[node.ID] = node
		if node.Type == NodeStart && g.start == "" {
			g.start = node.ID
		}
	}

	if g.start == "" {
		return nil, &ValidationError{FlowID: def.ID, Reason: "no start node"}
	}
	for _, edge := range def.Edges {
		if _, ok := g.nodes[edge.Source]; !ok {
			return nil, &ValidationError{FlowID: def.ID, Reason: fmt.Sprintf("edge %s: unknown source %s", edge.EdgeID, edge.Source)}
		}
		if _, ok := g.nodes[edge.Target]; !ok {
			return nil, &ValidationError{FlowID: def.ID, Reason: fmt.Sprintf("edge %s: unknown target %s", edge.EdgeID, edge.Target)}
		}
	}
	return g, nil
}

func (g *Graph) Start() string {
	return g.start
}

func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Next returns the target of the edge leaving nodeID with the given source
// handle, or "" when no such edge exists.
func (g *Graph) Next(nodeID, handle string) string {
	for _, edge := range g.edges {
		if edge.Source == nodeID && edge.SourceHandle == handle {
			return edge.Target
		}
	}
	return ""
}

// DefaultNext returns the node's unlabeled (or default-labeled) outgoing
// edge, falling back to its first outgoing edge.
func (g *Graph) DefaultNext(nodeID string) string {
	var first string
	for _, edge := range g.edges {
		if edge.Source != nodeID {
			continue
		}
		if edge.SourceHandle == "" || strings.HasSuffix(edge.SourceHandle, "default") {
			return edge.Target
		}
		if first == "" {
			first = edge.Target
		}
	}
	return first
}

// ElseNext returns the condition node's else edge.
func (g *Graph) ElseNext(nodeID string) string {
	if target := g.Next(nodeID, "else"); target != "" {
		return target
	}
	return g.DefaultNext(nodeID)
}

// ErrorNext returns the node's designated failure edge, or "".
func (g *Graph) ErrorNext(nodeID string) string {
	return g.Next(nodeID, "error")
}
