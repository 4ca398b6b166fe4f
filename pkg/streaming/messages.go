// Package streaming defines the JSON messages of the realtime change feed.
package streaming

import "encoding/json"

// Message type constants of the realtime change-feed protocol.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeAck         = "ack"
	TypeChange      = "change"
	TypeError       = "error"
)

// Change event kinds carried in ChangePayload.Event.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// Tables published on the change feed.
const (
	TableLocations = "locations"
	TableProfiles  = "profiles"
)

// Envelope wraps all messages exchanged over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AckMessage is the server's acknowledgement of a client request.
type AckMessage struct {
	Type string `json:"type"` // always "ack"
	For  string `json:"for"`  // the message type being acknowledged
	Ref  string `json:"ref,omitempty"`
}

// SubscribePayload asks the server to stream changes of a table.
// Filter uses the "column=op.value" form, e.g. "user_id=in.(a,b)".
type SubscribePayload struct {
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// ChangePayload is one row change pushed by the server.
// Record is the new row; OldRecord is only set for DELETE.
type ChangePayload struct {
	Table     string         `json:"table"`
	Event     string         `json:"event"`
	Record    map[string]any `json:"record,omitempty"`
	OldRecord map[string]any `json:"old_record,omitempty"`
}

// ErrorPayload is sent by the server when a request is rejected.
type ErrorPayload struct {
	Message string `json:"message"`
}
