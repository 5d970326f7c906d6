package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aklyachkin/syncwire/auth"
	syncErrors "github.com/aklyachkin/syncwire/errors"
	"github.com/aklyachkin/syncwire/logging"
	"github.com/aklyachkin/syncwire/protocol"
)

const outboundBuffer = 64

// Session is one websocket connection bound to a single store. A session
// moves through connecting, authenticating, active and closed; by the time
// Run is called authentication has already happened during the upgrade.
type Session struct {
	id       string
	storeID  string
	conn     *websocket.Conn
	coord    *Coordinator
	info     *auth.Info
	presence *Presence
	logger   *logging.Logger

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	lastPong atomic.Int64
}

// NewSession wraps an upgraded connection. The returned session is inert
// until Run is called.
func NewSession(conn *websocket.Conn, storeID string, coord *Coordinator, info *auth.Info,
	presence *Presence, heartbeatInterval, heartbeatTimeout time.Duration, logger *logging.Logger) *Session {
	id := uuid.NewString()
	s := &Session{
		id:                id,
		storeID:           storeID,
		conn:              conn,
		coord:             coord,
		info:              info,
		presence:          presence,
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		out:               make(chan []byte, outboundBuffer),
		done:              make(chan struct{}),
		logger: logger.WithComponent("server/session").WithAttrs(
			slog.String("session_id", id),
			slog.String("store_id", storeID)),
	}
	s.lastPong.Store(time.Now().UnixNano())
	return s
}

// ID returns the server-assigned session id.
func (s *Session) ID() string { return s.id }

// Send queues a message for the write pump. It never blocks: a session whose
// outbound buffer is full is closed rather than allowed to stall a broadcast.
func (s *Session) Send(msg protocol.ServerMessage) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.LogError(context.Background(), err, "encode failed")
		return false
	}

	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.out <- data:
		return true
	case <-s.done:
		return false
	default:
		s.logger.Warn("outbound buffer full, closing slow session")
		s.Close()
		return false
	}
}

// Run attaches the session to its coordinator and pumps frames until the
// connection drops or the context is canceled. It blocks.
func (s *Session) Run(ctx context.Context) {
	s.coord.Attach(s)
	s.presence.Join(ctx, s.storeID, s.id)
	defer func() {
		s.coord.Detach(s.id)
		s.presence.Leave(context.Background(), s.storeID, s.id)
		s.Close()
	}()

	s.logger.Info("session active", slog.Bool("authenticated", s.info.Authenticated))

	go s.writePump(ctx)
	s.readPump(ctx)
}

// Close tears the connection down. Idempotent and safe from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		s.logger.Info("session closed")
	})
}

func (s *Session) readPump(ctx context.Context) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read ended", "error", err)
			}
			return
		}

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			// Malformed frames are rejected; the session survives.
			s.Send(protocol.NewErrorMsg(protocol.PeekRequestID(data), err.Error(), string(syncErrors.KindOf(err))))
			continue
		}

		s.dispatch(ctx, msg)

		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Session) dispatch(ctx context.Context, msg protocol.ClientMessage) {
	switch m := msg.(type) {
	case protocol.PullReq:
		s.coord.HandlePull(ctx, s, m)
	case protocol.PushReq:
		if !s.info.Authenticated {
			s.Send(protocol.NewErrorMsg(m.RequestID, "session is read-only: authentication required to push", string(syncErrors.KindAuth)))
			return
		}
		s.coord.HandlePush(ctx, s, m)
	case protocol.Ping:
		s.Send(protocol.NewPong())
	case protocol.Pong:
		s.lastPong.Store(time.Now().UnixNano())
		s.presence.Heartbeat(ctx, s.storeID, s.id)
	case protocol.AdminResetReq:
		s.coord.HandleAdminReset(ctx, s, m)
	case protocol.AdminInfoReq:
		s.coord.HandleAdminInfo(ctx, s, m)
	}
}

func (s *Session) writePump(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	defer s.Close()

	for {
		select {
		case data := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(s.heartbeatTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("write ended", "error", err)
				return
			}
		case <-ticker.C:
			if s.pongOverdue() {
				s.logger.Warn("heartbeat timed out")
				return
			}
			ping, err := protocol.Encode(protocol.NewPing())
			if err != nil {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(s.heartbeatTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) pongOverdue() bool {
	last := time.Unix(0, s.lastPong.Load())
	return time.Since(last) > s.heartbeatInterval+s.heartbeatTimeout
}
