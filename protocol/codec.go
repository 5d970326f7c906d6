package protocol

import (
	"encoding/json"
	"fmt"

	syncErrors "github.com/aklyachkin/syncwire/errors"
)

// ClientMessage is implemented by every client-to-server message.
type ClientMessage interface {
	clientMessage()
}

func (PullReq) clientMessage()       {}
func (PushReq) clientMessage()       {}
func (Ping) clientMessage()          {}
func (Pong) clientMessage()          {}
func (AdminResetReq) clientMessage() {}
func (AdminInfoReq) clientMessage()  {}

// ServerMessage is implemented by every server-to-client message.
type ServerMessage interface {
	serverMessage()
}

func (PullRes) serverMessage()       {}
func (PushAck) serverMessage()       {}
func (Ping) serverMessage()          {}
func (Pong) serverMessage()          {}
func (AdminResetRes) serverMessage() {}
func (AdminInfoRes) serverMessage()  {}
func (ErrorMsg) serverMessage()      {}

type tagged struct {
	Tag string `json:"_tag"`
}

// ParseClientMessage decodes an incoming frame from a client. Unknown tags
// and malformed JSON yield a validation error; the connection stays open.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var head tagged
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, syncErrors.NewValidationError("protocol.ParseClientMessage", fmt.Errorf("malformed frame: %w", err))
	}

	var (
		msg ClientMessage
		err error
	)
	switch head.Tag {
	case TagPullReq:
		var m PullReq
		err = json.Unmarshal(data, &m)
		msg = m
	case TagPushReq:
		var m PushReq
		err = json.Unmarshal(data, &m)
		msg = m
	case TagPing:
		var m Ping
		err = json.Unmarshal(data, &m)
		msg = m
	case TagPong:
		var m Pong
		err = json.Unmarshal(data, &m)
		msg = m
	case TagAdminResetReq:
		var m AdminResetReq
		err = json.Unmarshal(data, &m)
		msg = m
	case TagAdminInfoReq:
		var m AdminInfoReq
		err = json.Unmarshal(data, &m)
		msg = m
	default:
		return nil, syncErrors.NewValidationError("protocol.ParseClientMessage", fmt.Errorf("unknown message tag %q", head.Tag))
	}
	if err != nil {
		return nil, syncErrors.NewValidationError("protocol.ParseClientMessage", fmt.Errorf("decoding %s: %w", head.Tag, err))
	}
	return msg, nil
}

// ParseServerMessage decodes an incoming frame on the client side.
func ParseServerMessage(data []byte) (ServerMessage, error) {
	var head tagged
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, syncErrors.NewValidationError("protocol.ParseServerMessage", fmt.Errorf("malformed frame: %w", err))
	}

	var (
		msg ServerMessage
		err error
	)
	switch head.Tag {
	case TagPullRes:
		var m PullRes
		err = json.Unmarshal(data, &m)
		msg = m
	case TagPushAck:
		var m PushAck
		err = json.Unmarshal(data, &m)
		msg = m
	case TagPing:
		var m Ping
		err = json.Unmarshal(data, &m)
		msg = m
	case TagPong:
		var m Pong
		err = json.Unmarshal(data, &m)
		msg = m
	case TagAdminResetRes:
		var m AdminResetRes
		err = json.Unmarshal(data, &m)
		msg = m
	case TagAdminInfoRes:
		var m AdminInfoRes
		err = json.Unmarshal(data, &m)
		msg = m
	case TagError:
		var m ErrorMsg
		err = json.Unmarshal(data, &m)
		msg = m
	default:
		return nil, syncErrors.NewValidationError("protocol.ParseServerMessage", fmt.Errorf("unknown message tag %q", head.Tag))
	}
	if err != nil {
		return nil, syncErrors.NewValidationError("protocol.ParseServerMessage", fmt.Errorf("decoding %s: %w", head.Tag, err))
	}
	return msg, nil
}

// Encode serializes any wire message.
func Encode(msg interface{}) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, syncErrors.E(syncErrors.Op("protocol.Encode"), syncErrors.KindInternal, err)
	}
	return data, nil
}

// PeekRequestID extracts the requestId from a raw frame so errors for
// messages that failed to parse can still be correlated. Returns "" when
// the frame is too broken to tell.
func PeekRequestID(data []byte) string {
	var probe struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.RequestID
}

// Constructors set the discriminator tag so callers cannot forget it.

func NewPullReq(requestID string, cur *int64) PullReq {
	return PullReq{Tag: TagPullReq, RequestID: requestID, Cursor: cur}
}

func NewPullRes(context, requestID string, batch []BatchItem, remaining int64) PullRes {
	if batch == nil {
		batch = []BatchItem{}
	}
	return PullRes{
		Tag:       TagPullRes,
		RequestID: ResRequestID{Context: context, RequestID: requestID},
		Batch:     batch,
		Remaining: remaining,
	}
}

func NewPushReq(requestID string, batch []EventEncoded) PushReq {
	return PushReq{Tag: TagPushReq, RequestID: requestID, Batch: batch}
}

func NewPushAck(requestID string, batch []BatchItem) PushAck {
	if batch == nil {
		batch = []BatchItem{}
	}
	return PushAck{Tag: TagPushAck, RequestID: requestID, Batch: batch}
}

func NewPing() Ping {
	return Ping{Tag: TagPing, RequestID: PingRequestID}
}

func NewPong() Pong {
	return Pong{Tag: TagPong, RequestID: PingRequestID}
}

func NewAdminResetReq(requestID, adminSecret string) AdminResetReq {
	return AdminResetReq{Tag: TagAdminResetReq, RequestID: requestID, AdminSecret: adminSecret}
}

func NewAdminResetRes(requestID string) AdminResetRes {
	return AdminResetRes{Tag: TagAdminResetRes, RequestID: requestID}
}

func NewAdminInfoReq(requestID, adminSecret string) AdminInfoReq {
	return AdminInfoReq{Tag: TagAdminInfoReq, RequestID: requestID, AdminSecret: adminSecret}
}

func NewAdminInfoRes(requestID string, info map[string]interface{}) AdminInfoRes {
	return AdminInfoRes{Tag: TagAdminInfoRes, RequestID: requestID, Info: info}
}

func NewErrorMsg(requestID, message string, kind string) ErrorMsg {
	return ErrorMsg{Tag: TagError, RequestID: requestID, Message: message, Kind: kind}
}
