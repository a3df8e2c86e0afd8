// Package models contains the operation envelope, broker result, and the
// structured error type shared by the broker and the capability layer.
package models

// Operation is the envelope for one agent-proposed tool call routed through
// the broker.
type Operation struct {
	Capability string         `json:"capability"`
	Action     string         `json:"action"`
	Params     map[string]any `json:"params"`
	ChatID     string         `json:"chat_id"`
}

// BrokerResult is the broker's answer to one routed operation.
type BrokerResult struct {
	Allowed     bool            `json:"allowed"`
	OperationID string          `json:"operation_id,omitempty"`
	Tier        int             `json:"tier"`
	SnapshotRef string          `json:"snapshot_ref,omitempty"`
	Result      any             `json:"result,omitempty"`
	Error       *OperationError `json:"error,omitempty"`
}
