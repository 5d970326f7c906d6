// Package server hosts the websocket sync endpoint: per-store coordinators
// that serialize appends, broadcast committed events, and manage sessions.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aklyachkin/syncwire/cursor"
	syncErrors "github.com/aklyachkin/syncwire/errors"
	"github.com/aklyachkin/syncwire/logging"
	"github.com/aklyachkin/syncwire/protocol"
	"github.com/aklyachkin/syncwire/storage"
)

// Subscriber receives server-to-client messages for one connected session.
// Send must not block; it reports false when the message was dropped because
// the subscriber is closed or too slow to keep up.
type Subscriber interface {
	ID() string
	Send(msg protocol.ServerMessage) bool
}

// AdminGate checks the out-of-band admin credential carried by admin requests.
type AdminGate interface {
	CheckAdminSecret(secret string) bool
}

// Coordinator owns one logical store. All pushes for the store flow through
// its mutex, which makes the head check and the append a single linearizable
// step and gives every subscriber the same broadcast order.
type Coordinator struct {
	storeID  string
	store    storage.EventStore
	admin    AdminGate
	presence *Presence
	nodeID   string
	logger   *logging.Logger
	chunk    int

	pushMu sync.Mutex

	subMu sync.RWMutex
	subs  map[string]Subscriber
}

// NewCoordinator builds the coordinator for a single store id. presence may
// be nil; nodeID identifies this server process in admin info.
func NewCoordinator(storeID string, store storage.EventStore, admin AdminGate,
	presence *Presence, nodeID string, chunk int, logger *logging.Logger) *Coordinator {
	if chunk <= 0 {
		chunk = 100
	}
	return &Coordinator{
		storeID:  storeID,
		store:    store,
		admin:    admin,
		presence: presence,
		nodeID:   nodeID,
		logger:   logger.WithComponent("server/coordinator").WithAttrs(slog.String("store_id", storeID)),
		chunk:    chunk,
		subs:     make(map[string]Subscriber),
	}
}

// Attach registers a session for broadcasts. Safe to call while a broadcast
// is in flight; the session starts receiving from the next committed push.
func (c *Coordinator) Attach(sub Subscriber) {
	c.subMu.Lock()
	c.subs[sub.ID()] = sub
	c.subMu.Unlock()
}

// Detach removes a session. Idempotent.
func (c *Coordinator) Detach(id string) {
	c.subMu.Lock()
	delete(c.subs, id)
	c.subMu.Unlock()
}

// SubscriberCount reports how many sessions are attached.
func (c *Coordinator) SubscriberCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subs)
}

// HandlePush validates and persists a pushed batch, acks the pusher with the
// server-assigned sequence numbers, then broadcasts the committed events to
// every other subscriber. Events are durable before any subscriber sees them.
func (c *Coordinator) HandlePush(ctx context.Context, from Subscriber, req protocol.PushReq) {
	if len(req.Batch) == 0 {
		from.Send(protocol.NewPushAck(req.RequestID, nil))
		return
	}

	pending := make([]storage.PendingEvent, len(req.Batch))
	for i, ev := range req.Batch {
		pending[i] = storage.PendingEvent{
			ParentSeqNum: ev.ParentSeqNum,
			Name:         ev.Name,
			Args:         ev.Args,
			ClientID:     ev.ClientID,
			SessionID:    ev.SessionID,
		}
	}

	c.pushMu.Lock()
	records, err := c.store.Append(ctx, c.storeID, pending, time.Now().UTC())
	if err != nil {
		c.pushMu.Unlock()
		c.logger.LogError(ctx, err, "push rejected",
			slog.String("request_id", req.RequestID),
			slog.Int("batch_size", len(req.Batch)))
		from.Send(protocol.NewErrorMsg(req.RequestID, err.Error(), string(syncErrors.KindOf(err))))
		return
	}

	batch := toBatchItems(records)
	from.Send(protocol.NewPushAck(req.RequestID, batch))
	// The submitter receives the push-context broadcast too, so it can
	// reconcile optimistic local state against the committed order.
	c.broadcast(protocol.NewPullRes(protocol.ContextPush, req.RequestID, batch, 0))
	c.pushMu.Unlock()

	c.logger.Debug("push committed",
		"request_id", req.RequestID,
		"batch_size", len(records),
		"head", records[len(records)-1].SeqNum)
}

// HandlePull streams the store's events after the request cursor in pages of
// the configured chunk size. The last page carries Remaining == 0.
func (c *Coordinator) HandlePull(ctx context.Context, from Subscriber, req protocol.PullReq) {
	cur := cursor.Zero
	if req.Cursor != nil {
		if *req.Cursor < 0 {
			from.Send(protocol.NewErrorMsg(req.RequestID, "cursor must not be negative", string(syncErrors.KindValidation)))
			return
		}
		cur = cursor.New(*req.Cursor)
	}

	for {
		records, remaining, err := c.store.ReadRange(ctx, c.storeID, cur, c.chunk)
		if err != nil {
			c.logger.LogError(ctx, err, "pull failed",
				slog.String("request_id", req.RequestID),
				slog.String("cursor", cur.String()))
			from.Send(protocol.NewErrorMsg(req.RequestID, err.Error(), string(syncErrors.KindOf(err))))
			return
		}

		if !from.Send(protocol.NewPullRes(protocol.ContextPull, req.RequestID, toBatchItems(records), remaining)) {
			return
		}
		if remaining == 0 {
			return
		}
		cur = cursor.New(records[len(records)-1].SeqNum)
	}
}

// HandleAdminReset clears the store's log. The request carries its own admin
// secret and is honored regardless of the session's auth level.
func (c *Coordinator) HandleAdminReset(ctx context.Context, from Subscriber, req protocol.AdminResetReq) {
	if !c.admin.CheckAdminSecret(req.AdminSecret) {
		from.Send(protocol.NewErrorMsg(req.RequestID, "invalid admin secret", string(syncErrors.KindAuth)))
		return
	}

	c.pushMu.Lock()
	err := c.store.Reset(ctx, c.storeID)
	c.pushMu.Unlock()
	if err != nil {
		c.logger.LogError(ctx, err, "admin reset failed", slog.String("request_id", req.RequestID))
		from.Send(protocol.NewErrorMsg(req.RequestID, err.Error(), string(syncErrors.KindOf(err))))
		return
	}

	c.logger.Info("store reset", "request_id", req.RequestID)
	from.Send(protocol.NewAdminResetRes(req.RequestID))
}

// HandleAdminInfo reports the store head and connection count.
func (c *Coordinator) HandleAdminInfo(ctx context.Context, from Subscriber, req protocol.AdminInfoReq) {
	if !c.admin.CheckAdminSecret(req.AdminSecret) {
		from.Send(protocol.NewErrorMsg(req.RequestID, "invalid admin secret", string(syncErrors.KindAuth)))
		return
	}

	head, err := c.store.Head(ctx, c.storeID)
	if err != nil {
		from.Send(protocol.NewErrorMsg(req.RequestID, err.Error(), string(syncErrors.KindOf(err))))
		return
	}

	info := map[string]interface{}{
		"storeId":     c.storeID,
		"head":        head,
		"subscribers": c.SubscriberCount(),
		"nodeId":      c.nodeID,
	}
	// With presence configured the count covers every server process, not
	// just this one.
	if c.presence != nil {
		info["connections"] = c.presence.Count(ctx, c.storeID)
	}
	from.Send(protocol.NewAdminInfoRes(req.RequestID, info))
}

func (c *Coordinator) broadcast(msg protocol.ServerMessage) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for id, sub := range c.subs {
		if !sub.Send(msg) {
			c.logger.Warn("broadcast dropped for slow subscriber", "session_id", id)
		}
	}
}

func toBatchItems(records []storage.EventRecord) []protocol.BatchItem {
	items := make([]protocol.BatchItem, len(records))
	for i, r := range records {
		items[i] = protocol.BatchItem{
			EventEncoded: protocol.EventEncoded{
				SeqNum:       r.SeqNum,
				ParentSeqNum: r.ParentSeqNum,
				Name:         r.Name,
				Args:         r.Args,
				ClientID:     r.ClientID,
				SessionID:    r.SessionID,
			},
			Metadata: &protocol.SyncMetadata{CreatedAt: r.CreatedAt},
		}
	}
	return items
}
