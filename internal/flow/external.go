package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// externalFailure applies the documented external-call failure policy: record
// the error in the bag, follow the node's error edge when wired, abort
// otherwise.
func (e *Engine) externalFailure(rt *runtime, nodeID, resultVar string, callErr error) (string, bool, error) {
	wrapped := &ExternalCallError{NodeID: nodeID, Err: callErr}
	e.log.Error().Err(wrapped).Str("tenant", rt.tenantID).Str("contact", rt.contactID).Msg("external call failed")

	if resultVar == "" {
		resultVar = "external"
	}
	rt.bag[resultVar+"_error"] = callErr.Error()

	if target := rt.graph.ErrorNext(nodeID); target != "" {
		return target, false, nil
	}
	return "", false, errAborted
}

// interpolateBody fills placeholders in a request body template. JSON bodies
// are interpolated structurally so resolved values are escaped inside string
// fields; anything else is treated as a plain text template.
func interpolateBody(tpl string, ictx map[string]interface{}) string {
	var decoded interface{}
	if err := json.Unmarshal([]byte(tpl), &decoded); err == nil {
		if raw, err := json.Marshal(InterpolateValue(decoded, ictx)); err == nil {
			return string(raw)
		}
	}
	return Interpolate(tpl, ictx)
}

func (e *Engine) executeAPICall(ctx context.Context, rt *runtime, node Node, ictx map[string]interface{}) (string, bool, error) {
	data := node.APICall

	method := strings.ToUpper(data.Method)
	if method == "" {
		method = http.MethodGet
	}
	url := Interpolate(data.URL, ictx)

	var bodyReader io.Reader
	if data.Body != "" {
		bodyReader = strings.NewReader(interpolateBody(data.Body, ictx))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return e.externalFailure(rt, node.ID, data.ResultVar, err)
	}
	for k, v := range data.Headers {
		req.Header.Set(k, Interpolate(v, ictx))
	}
	if req.Header.Get("Content-Type") == "" && bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return e.externalFailure(rt, node.ID, data.ResultVar, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return e.externalFailure(rt, node.ID, data.ResultVar, err)
	}
	if resp.StatusCode >= 400 {
		return e.externalFailure(rt, node.ID, data.ResultVar,
			fmt.Errorf("%s %s returned %s", method, url, resp.Status))
	}

	var parsed interface{}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		parsed = string(respBody)
	}

	if data.ResultVar != "" {
		value := parsed
		if data.ResponsePath != "" {
			if m, ok := parsed.(map[string]interface{}); ok {
				if extracted, found := resolvePath(m, data.ResponsePath); found {
					value = extracted
				} else {
					value = ""
				}
			}
		}
		rt.bag[data.ResultVar] = value
	}

	return rt.graph.DefaultNext(node.ID), false, nil
}

// chat-completions request/response shapes (OpenAI-compatible).
type aiRequest struct {
	Model    string      `json:"model"`
	Messages []aiMessage `json:"messages"`
}

type aiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type aiResponse struct {
	Choices []struct {
		Message aiMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (e *Engine) executeAI(ctx context.Context, rt *runtime, node Node, ictx map[string]interface{}) (string, bool, error) {
	data := node.AI

	prompt := Interpolate(data.Prompt, ictx)
	if data.Mode == "decide" && len(data.Outcomes) > 0 {
		prompt = fmt.Sprintf("%s\n\nReply with exactly one of: %s", prompt, strings.Join(data.Outcomes, ", "))
	}

	text, err := e.complete(ctx, prompt)
	if err != nil {
		return e.externalFailure(rt, node.ID, data.ResultVar, err)
	}

	if data.ResultVar != "" {
		rt.bag[data.ResultVar] = text
	}

	switch data.Mode {
	case "decide":
		for idx, outcome := range data.Outcomes {
			if strings.EqualFold(strings.TrimSpace(text), outcome) ||
				strings.Contains(strings.ToLower(text), strings.ToLower(outcome)) {
				if target := rt.graph.Next(node.ID, fmt.Sprintf("outcome-%d", idx)); target != "" {
					return target, false, nil
				}
				break
			}
		}
		return rt.graph.ElseNext(node.ID), false, nil

	default: // generate
		if data.SendResult {
			if err := e.out.Text(ctx, rt.tenantID, rt.contactID, rt.state.FlowID, text); err != nil {
				return "", false, err
			}
		}
		return rt.graph.DefaultNext(node.ID), false, nil
	}
}

func (e *Engine) complete(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(aiRequest{
		Model:    e.cfg.AIModel,
		Messages: []aiMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.AIAPIURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.AIAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.AIAPIKey)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("ai provider returned %s: %s", resp.Status, string(respBody))
	}

	var parsed aiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode ai response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("ai provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("ai provider returned no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}
