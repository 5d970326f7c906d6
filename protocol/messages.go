// Package protocol defines the websocket wire messages exchanged between the
// sync server and its clients. Messages are JSON objects discriminated by a
// "_tag" field.
package protocol

import (
	"encoding/json"
	"time"
)

// Message tags.
const (
	TagPullReq       = "WSMessage.PullReq"
	TagPullRes       = "WSMessage.PullRes"
	TagPushReq       = "WSMessage.PushReq"
	TagPushAck       = "WSMessage.PushAck"
	TagPing          = "WSMessage.Ping"
	TagPong          = "WSMessage.Pong"
	TagAdminResetReq = "WSMessage.AdminResetReq"
	TagAdminResetRes = "WSMessage.AdminResetRes"
	TagAdminInfoReq  = "WSMessage.AdminInfoReq"
	TagAdminInfoRes  = "WSMessage.AdminInfoRes"
	TagError         = "WSMessage.Error"
)

// Context values for PullRes correlation: whether the page answers an
// explicit pull or carries the broadcast of a push.
const (
	ContextPull = "pull"
	ContextPush = "push"
)

// PingRequestID is the fixed correlation id for heartbeat frames.
const PingRequestID = "ping"

// EventEncoded is an event as it travels on the wire. SeqNum is zero on
// client-authored events until the server assigns it.
type EventEncoded struct {
	SeqNum       int64           `json:"seqNum"`
	ParentSeqNum int64           `json:"parentSeqNum"`
	Name         string          `json:"name"`
	Args         json.RawMessage `json:"args,omitempty"`
	ClientID     string          `json:"clientId"`
	SessionID    string          `json:"sessionId"`
}

// SyncMetadata carries the server-stamped creation time of an event.
type SyncMetadata struct {
	CreatedAt time.Time `json:"createdAt"`
}

// BatchItem pairs an event with its optional server metadata.
type BatchItem struct {
	EventEncoded EventEncoded  `json:"eventEncoded"`
	Metadata     *SyncMetadata `json:"metadata,omitempty"`
}

// ResRequestID correlates a PullRes with the request that produced it and
// tells the receiver whether the page is a pull answer or a push broadcast.
type ResRequestID struct {
	Context   string `json:"context"`
	RequestID string `json:"requestId"`
}

// PullReq asks for events after Cursor. A nil cursor means from the start.
type PullReq struct {
	Tag       string `json:"_tag"`
	RequestID string `json:"requestId"`
	Cursor    *int64 `json:"cursor,omitempty"`
}

// PullRes is one page of events. Remaining counts events beyond this page;
// the stream for a request ends when Remaining reaches zero.
type PullRes struct {
	Tag       string       `json:"_tag"`
	RequestID ResRequestID `json:"requestId"`
	Batch     []BatchItem  `json:"batch"`
	Remaining int64        `json:"remaining"`
}

// PushReq submits an ordered batch of client-authored events.
type PushReq struct {
	Tag       string         `json:"_tag"`
	RequestID string         `json:"requestId"`
	Batch     []EventEncoded `json:"batch"`
}

// PushAck confirms a push and carries the batch with server-assigned
// sequence numbers.
type PushAck struct {
	Tag       string      `json:"_tag"`
	RequestID string      `json:"requestId"`
	Batch     []BatchItem `json:"batch"`
}

// Ping and Pong are application-level heartbeats.
type Ping struct {
	Tag       string `json:"_tag"`
	RequestID string `json:"requestId"`
}

type Pong struct {
	Tag       string `json:"_tag"`
	RequestID string `json:"requestId"`
}

// AdminResetReq destructively clears a store's log. Gated by the admin
// credential, not the per-session auth.
type AdminResetReq struct {
	Tag         string `json:"_tag"`
	RequestID   string `json:"requestId"`
	AdminSecret string `json:"adminSecret"`
}

type AdminResetRes struct {
	Tag       string `json:"_tag"`
	RequestID string `json:"requestId"`
}

// AdminInfoReq asks for diagnostic information about a store.
type AdminInfoReq struct {
	Tag         string `json:"_tag"`
	RequestID   string `json:"requestId"`
	AdminSecret string `json:"adminSecret"`
}

type AdminInfoRes struct {
	Tag       string                 `json:"_tag"`
	RequestID string                 `json:"requestId"`
	Info      map[string]interface{} `json:"info"`
}

// ErrorMsg reports a failed request. Kind mirrors the errors.Kind taxonomy
// so clients can distinguish a recoverable conflict from a terminal failure.
type ErrorMsg struct {
	Tag       string `json:"_tag"`
	RequestID string `json:"requestId,omitempty"`
	Message   string `json:"message"`
	Kind      string `json:"kind"`
}
