// Package events defines agent lifecycle events and the publishers that
// announce them.
package events

// Kinds of agent change.
const (
	KindCreated = "created"
	KindDeleted = "deleted"
)

// AgentChangedEvent is emitted when a host creates or deletes an agent.
type AgentChangedEvent struct {
	Host      string   `json:"host"`
	AgentID   string   `json:"agentId"`
	Type      string   `json:"type"`
	Kind      string   `json:"kind"`
	URLs      []string `json:"urls,omitempty"`
	Timestamp string   `json:"timestamp"`
}
