package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	syncErrors "github.com/aklyachkin/syncwire/errors"
	"github.com/aklyachkin/syncwire/protocol"
)

// ResetStore opens a short-lived connection, clears the store's event log
// and returns once the server confirms. Destructive.
func ResetStore(ctx context.Context, dial Dialer, adminSecret string) error {
	_, err := adminRoundTrip(ctx, dial,
		protocol.NewAdminResetReq(uuid.NewString(), adminSecret), protocol.TagAdminResetRes)
	return err
}

// StoreInfo fetches the server's diagnostic view of a store: its head
// sequence number and connected session count.
func StoreInfo(ctx context.Context, dial Dialer, adminSecret string) (map[string]interface{}, error) {
	msg, err := adminRoundTrip(ctx, dial,
		protocol.NewAdminInfoReq(uuid.NewString(), adminSecret), protocol.TagAdminInfoRes)
	if err != nil {
		return nil, err
	}
	res, ok := msg.(protocol.AdminInfoRes)
	if !ok {
		return nil, syncErrors.NewTransportError("client.StoreInfo", errors.New("unexpected response type"))
	}
	return res.Info, nil
}

func adminRoundTrip(ctx context.Context, dial Dialer, req protocol.ClientMessage, wantTag string) (protocol.ServerMessage, error) {
	conn, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	data, err := protocol.Encode(req)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(data); err != nil {
		return nil, err
	}

	// Skip unrelated frames (heartbeats, broadcasts) until the answer or an
	// error correlated to nothing in particular arrives.
	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		msg, err := protocol.ParseServerMessage(frame)
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case protocol.ErrorMsg:
			return nil, syncErrors.E(syncErrors.Op("client.admin"), syncErrors.Component("client/agent"),
				syncErrors.Kind(m.Kind), errors.New(m.Message))
		case protocol.Ping:
			pong, err := protocol.Encode(protocol.NewPong())
			if err != nil {
				return nil, err
			}
			if err := conn.WriteMessage(pong); err != nil {
				return nil, err
			}
		default:
			if tagOf(msg) == wantTag {
				return msg, nil
			}
		}
	}
}

func tagOf(msg protocol.ServerMessage) string {
	switch msg.(type) {
	case protocol.PullRes:
		return protocol.TagPullRes
	case protocol.PushAck:
		return protocol.TagPushAck
	case protocol.Ping:
		return protocol.TagPing
	case protocol.Pong:
		return protocol.TagPong
	case protocol.AdminResetRes:
		return protocol.TagAdminResetRes
	case protocol.AdminInfoRes:
		return protocol.TagAdminInfoRes
	case protocol.ErrorMsg:
		return protocol.TagError
	default:
		return fmt.Sprintf("%T", msg)
	}
}
