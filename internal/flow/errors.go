package flow

import "fmt"

// ValidationError marks a structurally broken graph (missing node, dangling
// edge, no start node). The contact's active state is cleared and the event
// dropped; retrying would loop on the same broken graph.
type ValidationError struct {
	FlowID string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid flow %s: %s", e.FlowID, e.Reason)
}

// ExternalCallError wraps an api_call or ai node failure. The error text is
// recorded in the variable bag; execution follows the node's error edge when
// one exists, otherwise the flow is aborted.
type ExternalCallError struct {
	NodeID string
	Err    error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("external call failed at node %s: %v", e.NodeID, e.Err)
}

func (e *ExternalCallError) Unwrap() error {
	return e.Err
}
