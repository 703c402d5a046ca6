// Package session is the client-facing channel: a WebSocket carrying a
// small envelope protocol with three kinds of frames. Requests carry a
// bearer token minted by a one-time pairing handshake; unsolicited events
// flow server→client on the same connection.
package session

import "encoding/json"

// Envelope kinds.
const (
	KindRequest  = "REQ"
	KindResponse = "RES"
	KindEvent    = "EVT"
)

// Request types.
const (
	TypeGetPairCode     = "GET_PAIR_CODE"
	TypePairConfirm     = "PAIR_CONFIRM"
	TypeBroadcast       = "BROADCAST"
	TypeSend            = "SEND"
	TypeGetResponse     = "GET_RESPONSE"
	TypeNewConversation = "NEW_CONVERSATION"
	TypeStatus          = "STATUS"
)

// Envelope is one frame on the wire. Which fields are meaningful depends on
// Kind: REQ uses ID/Type/Payload/Token, RES uses ID/OK/Data/Error, EVT uses
// Type/Data.
type Envelope struct {
	Kind string `json:"kind"`

	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Token   string          `json:"token,omitempty"`

	OK    bool            `json:"ok,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// needsAuth reports whether a request type requires a valid token. The two
// pairing requests are the only way in for an unpaired client.
func needsAuth(reqType string) bool {
	switch reqType {
	case TypeGetPairCode, TypePairConfirm:
		return false
	}
	return true
}
