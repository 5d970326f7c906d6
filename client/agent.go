// Package client implements the sync agent: it keeps a websocket session to
// the server, catches up via pull on every (re)connect, applies broadcast
// events in sequence order, and pushes local events with ack correlation.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/aklyachkin/syncwire/errors"
	"github.com/aklyachkin/syncwire/logging"
	"github.com/aklyachkin/syncwire/protocol"
)

// State is the agent's connection lifecycle phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSyncing
	StateLive
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a committed event as the agent delivers it to the application.
type Event struct {
	SeqNum       int64
	ParentSeqNum int64
	Name         string
	Args         json.RawMessage
	ClientID     string
	SessionID    string
	CreatedAt    time.Time
}

// PendingEvent is a local event before the server numbers it.
type PendingEvent struct {
	Name string
	Args json.RawMessage
}

// Config configures an Agent.
type Config struct {
	StoreID string

	// ClientID identifies this client across sessions. Generated when empty.
	ClientID string

	// Payload is the opaque credential blob, nil for a read-only session.
	Payload json.RawMessage

	Backoff ExponentialBackoff
	Logger  *logging.Logger

	// OnEvent receives committed events in exact sequence order, including
	// this client's own events once acked. Called from the agent's read
	// goroutine; it must not block for long.
	OnEvent func([]Event)

	// OnStateChange observes lifecycle transitions.
	OnStateChange func(State)
}

type pushResult struct {
	events []Event
	err    error
}

type pendingPush struct {
	parent int64
	names  []string
	ch     chan pushResult
}

// conflictGrace bounds how long a conflicted push waits for the competing
// events to arrive before giving up on resolving itself as committed.
const conflictGrace = 2 * time.Second

const recentLimit = 256

// Agent runs the client side of the sync protocol for one store.
type Agent struct {
	cfg       Config
	dial      Dialer
	sessionID string
	logger    *logging.Logger

	state atomic.Int32

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      Conn
	localHead int64
	reorder   map[int64]Event
	recent    []Event
	inflight  map[string]*pendingPush
	headWait  chan struct{}
}

// New builds an agent. Run must be called to connect.
func New(cfg Config, dial Dialer) *Agent {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Agent{
		cfg:       cfg,
		dial:      dial,
		sessionID: uuid.NewString(),
		logger: logger.WithComponent("client/agent").WithAttrs(
			slog.String("store_id", cfg.StoreID),
			slog.String("client_id", cfg.ClientID)),
		reorder:  make(map[int64]Event),
		inflight: make(map[string]*pendingPush),
		headWait: make(chan struct{}),
	}
}

// State returns the current lifecycle phase.
func (a *Agent) State() State {
	return State(a.state.Load())
}

// LocalHead returns the highest sequence number applied locally.
func (a *Agent) LocalHead() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.localHead
}

// Run connects and keeps the session alive until ctx is canceled, redialing
// with exponential backoff after every drop. In-flight pushes are abandoned
// with a transport error on disconnect; callers re-issue after reconnect.
func (a *Agent) Run(ctx context.Context) error {
	defer a.setState(StateClosed)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		a.setState(StateConnecting)

		conn, err := a.dial(ctx)
		if err != nil {
			if syncErrors.IsAuth(err) {
				// Retrying with the same credentials cannot succeed.
				return err
			}
			a.logger.Warn("dial failed", "attempt", attempt, "error", err)
			a.setState(StateReconnecting)
			if !sleepCtx(ctx, a.backoff().Next(attempt)) {
				return nil
			}
			attempt++
			continue
		}
		attempt = 0

		err = a.runSession(ctx, conn)
		a.abandonInflight()
		if ctx.Err() != nil {
			return nil
		}
		a.logger.Warn("session ended, reconnecting", "error", err)
		a.setState(StateReconnecting)
		if !sleepCtx(ctx, a.backoff().Next(attempt)) {
			return nil
		}
		attempt++
	}
}

// Push submits a batch and blocks until the server acks it, the server
// rejects it, or ctx expires. On success the returned events carry the
// server-assigned sequence numbers. A conflict that turns out to be this
// client's own batch committed under a lost ack resolves as success.
func (a *Agent) Push(ctx context.Context, events []PendingEvent) ([]Event, error) {
	if len(events) == 0 {
		return nil, nil
	}

	a.mu.Lock()
	conn := a.conn
	if conn == nil {
		a.mu.Unlock()
		return nil, syncErrors.NewTransportError("client.Push", errors.New("not connected"))
	}

	parent := a.localHead
	batch := make([]protocol.EventEncoded, len(events))
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.Name
		batch[i] = protocol.EventEncoded{
			ParentSeqNum: parent + int64(i),
			Name:         ev.Name,
			Args:         ev.Args,
			ClientID:     a.cfg.ClientID,
			SessionID:    a.sessionID,
		}
	}

	reqID := uuid.NewString()
	p := &pendingPush{parent: parent, names: names, ch: make(chan pushResult, 1)}
	a.inflight[reqID] = p
	a.mu.Unlock()

	if err := a.write(conn, protocol.NewPushReq(reqID, batch)); err != nil {
		a.dropInflight(reqID)
		return nil, err
	}

	select {
	case res := <-p.ch:
		if res.err != nil && syncErrors.IsConflict(res.err) {
			if committed, ok := a.resolveAsCommitted(ctx, parent, names); ok {
				return committed, nil
			}
		}
		return res.events, res.err
	case <-ctx.Done():
		a.dropInflight(reqID)
		return nil, ctx.Err()
	}
}

func (a *Agent) runSession(ctx context.Context, conn Conn) error {
	a.mu.Lock()
	a.conn = conn
	from := a.localHead
	a.mu.Unlock()

	stop := make(chan struct{})
	defer func() {
		close(stop)
		_ = conn.Close()
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	a.setState(StateSyncing)
	pullID := uuid.NewString()
	if err := a.write(conn, protocol.NewPullReq(pullID, &from)); err != nil {
		return err
	}

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			a.logger.Warn("dropping unreadable frame", "error", err)
			continue
		}

		switch m := msg.(type) {
		case protocol.PullRes:
			a.apply(itemsToEvents(m.Batch))
			if m.RequestID.Context == protocol.ContextPull &&
				m.RequestID.RequestID == pullID && m.Remaining == 0 {
				a.setState(StateLive)
			}
		case protocol.PushAck:
			acked := itemsToEvents(m.Batch)
			a.apply(acked)
			a.resolveInflight(m.RequestID, pushResult{events: acked})
		case protocol.ErrorMsg:
			if m.RequestID == pullID {
				// The catch-up pull failed; drop the session so the
				// reconnect loop retries the whole pull with backoff.
				return a.serverError("client.pull", m)
			}
			a.handleServerError(m)
		case protocol.Ping:
			if err := a.write(conn, protocol.NewPong()); err != nil {
				return err
			}
		case protocol.Pong:
		}
	}
}

// apply admits events in strict sequence order: duplicates are dropped,
// events arriving ahead of a gap are parked until the gap fills.
func (a *Agent) apply(events []Event) {
	a.mu.Lock()
	var ready []Event
	for _, ev := range events {
		switch {
		case ev.SeqNum <= a.localHead:
			// Already applied; pull pages and push broadcasts can overlap.
		case ev.SeqNum == a.localHead+1:
			a.localHead = ev.SeqNum
			ready = append(ready, ev)
			for {
				next, ok := a.reorder[a.localHead+1]
				if !ok {
					break
				}
				delete(a.reorder, a.localHead+1)
				a.localHead = next.SeqNum
				ready = append(ready, next)
			}
		default:
			a.reorder[ev.SeqNum] = ev
		}
	}

	if len(ready) > 0 {
		a.recent = append(a.recent, ready...)
		if len(a.recent) > recentLimit {
			a.recent = a.recent[len(a.recent)-recentLimit:]
		}
		close(a.headWait)
		a.headWait = make(chan struct{})
	}
	cb := a.cfg.OnEvent
	a.mu.Unlock()

	if cb != nil && len(ready) > 0 {
		cb(ready)
	}
}

// resolveAsCommitted decides whether a conflicted push actually landed: it
// waits for the log to advance past where the batch would sit, then checks
// whether those positions hold this client's events with the pushed names.
func (a *Agent) resolveAsCommitted(ctx context.Context, parent int64, names []string) ([]Event, bool) {
	target := parent + int64(len(names))
	deadline := time.NewTimer(conflictGrace)
	defer deadline.Stop()

	for {
		a.mu.Lock()
		if a.localHead >= target {
			committed, ok := a.matchRecentLocked(parent, names)
			a.mu.Unlock()
			return committed, ok
		}
		wait := a.headWait
		a.mu.Unlock()

		select {
		case <-wait:
		case <-deadline.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (a *Agent) matchRecentLocked(parent int64, names []string) ([]Event, bool) {
	committed := make([]Event, len(names))
	found := 0
	for _, ev := range a.recent {
		idx := ev.SeqNum - parent - 1
		if idx < 0 || idx >= int64(len(names)) {
			continue
		}
		if ev.ClientID != a.cfg.ClientID || ev.Name != names[idx] {
			return nil, false
		}
		committed[idx] = ev
		found++
	}
	if found != len(names) {
		return nil, false
	}
	return committed, true
}

func (a *Agent) serverError(op string, m protocol.ErrorMsg) error {
	return syncErrors.E(syncErrors.Op(op), syncErrors.Component("client/agent"),
		syncErrors.Kind(m.Kind), errors.New(m.Message))
}

func (a *Agent) handleServerError(m protocol.ErrorMsg) {
	err := a.serverError("client.push", m)

	a.mu.Lock()
	p, ok := a.inflight[m.RequestID]
	if ok {
		delete(a.inflight, m.RequestID)
	}
	a.mu.Unlock()

	if ok {
		p.ch <- pushResult{err: err}
		return
	}
	a.logger.Warn("server error", "request_id", m.RequestID, "kind", m.Kind, "message", m.Message)
}

func (a *Agent) resolveInflight(reqID string, res pushResult) {
	a.mu.Lock()
	p, ok := a.inflight[reqID]
	if ok {
		delete(a.inflight, reqID)
	}
	a.mu.Unlock()
	if ok {
		p.ch <- res
	}
}

func (a *Agent) abandonInflight() {
	a.mu.Lock()
	pending := a.inflight
	a.inflight = make(map[string]*pendingPush)
	a.mu.Unlock()

	for _, p := range pending {
		p.ch <- pushResult{err: syncErrors.NewTransportError("client.Push",
			errors.New("connection lost before ack"))}
	}
}

func (a *Agent) dropInflight(reqID string) {
	a.mu.Lock()
	delete(a.inflight, reqID)
	a.mu.Unlock()
}

func (a *Agent) write(conn Conn, msg interface{}) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteMessage(data)
}

func (a *Agent) setState(s State) {
	old := State(a.state.Swap(int32(s)))
	if old != s && a.cfg.OnStateChange != nil {
		a.cfg.OnStateChange(s)
	}
}

func (a *Agent) backoff() ExponentialBackoff {
	return a.cfg.Backoff
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func itemsToEvents(items []protocol.BatchItem) []Event {
	events := make([]Event, len(items))
	for i, item := range items {
		events[i] = Event{
			SeqNum:       item.EventEncoded.SeqNum,
			ParentSeqNum: item.EventEncoded.ParentSeqNum,
			Name:         item.EventEncoded.Name,
			Args:         item.EventEncoded.Args,
			ClientID:     item.EventEncoded.ClientID,
			SessionID:    item.EventEncoded.SessionID,
		}
		if item.Metadata != nil {
			events[i].CreatedAt = item.Metadata.CreatedAt
		}
	}
	return events
}
