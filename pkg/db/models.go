package db

import "time"

// Agent represents a row in the agents table.
type Agent struct {
	ID       string    `json:"id"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// StateEntry represents a row in the agent_state table. Value holds the JSON
// encoding of the stored value.
type StateEntry struct {
	AgentID  string    `json:"agent_id"`
	Key      string    `json:"key"`
	Value    []byte    `json:"value"`
	Revision int       `json:"revision"`
	Modified time.Time `json:"modified"`
}
