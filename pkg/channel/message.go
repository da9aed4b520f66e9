package channel

import "encoding/json"

// Client to server actions.
const (
	ActionGetCurrentApp   = "getCurrentApp"
	ActionGetCurrentTheme = "getCurrentTheme"
	ActionGetSerialData   = "getSerialData"
	ActionSetSerialData   = "setSerialData"
)

// Request is the client envelope. APIKey is filled in by the manager.
type Request struct {
	Action    string          `json:"action"`
	APIKey    string          `json:"apiKey"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}
