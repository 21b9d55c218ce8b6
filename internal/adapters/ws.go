package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/meetmesh/meetmesh/internal/app"
	"github.com/meetmesh/meetmesh/internal/auth"
	"github.com/meetmesh/meetmesh/internal/core"
	"github.com/meetmesh/meetmesh/internal/domain"
	"github.com/meetmesh/meetmesh/internal/observability"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 45 * time.Second
	pingPeriod = 15 * time.Second
	sendDepth  = 32
)

var errBackpressure = errors.New("send buffer full")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SignalController terminates the client signaling channel.
type SignalController struct {
	Registry *app.Registry
	Verifier *auth.Verifier
	Metrics  *observability.Metrics
}

// wsConn owns the outbound side of one websocket.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsConn) trySend(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errBackpressure
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// session is the connection's view of its seat. Only the read pump
// touches it.
type session struct {
	actor    *core.Actor
	pid      domain.ParticipantID
	identity domain.Identity
	joined   bool
}

func (ctl *SignalController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.ws").Msg("upgrade failed")
		return
	}
	conn := &wsConn{conn: ws, send: make(chan []byte, sendDepth)}
	ctx, cancel := context.WithCancel(ctx)

	go ctl.writePump(ctx, cancel, conn)
	go ctl.readPump(ctx, cancel, conn)
}

func (ctl *SignalController) writePump(ctx context.Context, cancel context.CancelFunc, c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (ctl *SignalController) readPump(ctx context.Context, cancel context.CancelFunc, c *wsConn) {
	sess := &session{}
	defer func() {
		ctl.onTransportDrop(sess)
		cancel()
		c.close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			ctl.handle(ctx, sess, c, data)
		}
	}
}

// onTransportDrop reports a dropped connection to the actor. This is
// what arms the grace timer; the seat itself stays.
func (ctl *SignalController) onTransportDrop(sess *session) {
	if !sess.joined {
		return
	}
	ctx, cancelDrop := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelDrop()
	if err := sess.actor.Disconnect(ctx, sess.pid); err != nil {
		log.Debug().Err(err).Str("module", "adapters.ws").
			Str("participant", string(sess.pid)).Msg("disconnect report dropped")
	}
}

func (ctl *SignalController) handle(ctx context.Context, sess *session, c *wsConn, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		ctl.sendError(c, domain.ErrInvalidToken)
		return
	}

	switch msg.Type {
	case msgJoin:
		ctl.handleJoin(ctx, sess, c, msg)
	case msgReconnect:
		ctl.handleReconnect(ctx, sess, c, msg)
	case msgLeave:
		ctl.withSeat(sess, c, func() error {
			target := msg.Target
			if target == "" || target == sess.pid {
				target = sess.pid
			} else if !sess.identity.Host {
				// Removing someone else is a host action.
				return domain.ErrParticipantNotFound
			}
			return sess.actor.Leave(ctx, target, sess.pid)
		})
	case msgMute, msgUnmute:
		ctl.handleMute(ctx, sess, c, msg)
	case msgEnd:
		ctl.withSeat(sess, c, func() error {
			if !sess.identity.Host {
				return domain.ErrParticipantNotFound
			}
			return sess.actor.End(ctx, sess.pid)
		})
	default:
		log.Debug().Str("module", "adapters.ws").Str("type", msg.Type).Msg("unknown message type")
	}
}

func (ctl *SignalController) handleJoin(ctx context.Context, sess *session, c *wsConn, msg clientMessage) {
	// One seat per connection. A second join here would strand the
	// first seat without a transport to ever report its drop.
	if sess.joined {
		ctl.sendError(c, domain.ErrAlreadyJoined)
		return
	}
	identity, err := ctl.Verifier.Verify(msg.IdentityToken, msg.DisplayName)
	if err != nil {
		ctl.Metrics.JoinCounter.WithLabelValues("rejected").Inc()
		ctl.sendError(c, domain.ErrInvalidToken)
		return
	}
	actor, err := ctl.Registry.GetOrCreate(ctx, msg.MeetingID)
	if err != nil {
		ctl.Metrics.JoinCounter.WithLabelValues("rejected").Inc()
		ctl.sendError(c, err)
		return
	}
	res, err := actor.Join(ctx, identity)
	if err != nil {
		outcome := "error"
		if errors.Is(err, domain.ErrMeetingFull) {
			outcome = "full"
		}
		ctl.Metrics.JoinCounter.WithLabelValues(outcome).Inc()
		ctl.sendError(c, err)
		return
	}

	sess.actor = actor
	sess.pid = res.ParticipantID
	sess.identity = identity
	sess.joined = true
	ctl.Metrics.JoinCounter.WithLabelValues("ok").Inc()
	_ = c.trySend(serverMessage{Type: "joined", Join: &res})
}

func (ctl *SignalController) handleReconnect(ctx context.Context, sess *session, c *wsConn, msg clientMessage) {
	if sess.joined {
		ctl.sendError(c, domain.ErrAlreadyJoined)
		return
	}
	identity, err := ctl.Verifier.Verify(msg.IdentityToken, msg.DisplayName)
	if err != nil {
		ctl.Metrics.ReconnectCounter.WithLabelValues("resume_failed").Inc()
		ctl.sendError(c, domain.ErrInvalidToken)
		return
	}
	actor, ok := ctl.Registry.Get(msg.MeetingID)
	if !ok {
		ctl.Metrics.ReconnectCounter.WithLabelValues("not_found").Inc()
		ctl.sendError(c, domain.ErrMeetingNotFound)
		return
	}
	res, err := actor.Reconnect(ctx, msg.ParticipantID, msg.BindingToken, identity)
	if err != nil {
		outcome := "error"
		if domain.ClientCode(err) == domain.CodeResumeFailed {
			outcome = "resume_failed"
		} else if errors.Is(err, domain.ErrParticipantNotFound) {
			outcome = "not_found"
		}
		ctl.Metrics.ReconnectCounter.WithLabelValues(outcome).Inc()
		ctl.sendError(c, err)
		return
	}

	sess.actor = actor
	sess.pid = res.ParticipantID
	sess.identity = identity
	sess.joined = true
	ctl.Metrics.ReconnectCounter.WithLabelValues("ok").Inc()
	_ = c.trySend(serverMessage{Type: "reconnected", Join: &res})
}

func (ctl *SignalController) handleMute(ctx context.Context, sess *session, c *wsConn, msg clientMessage) {
	if !sess.joined {
		ctl.sendError(c, domain.ErrParticipantNotFound)
		return
	}
	target := msg.Target
	byHost := false
	if target == "" || target == sess.pid {
		target = sess.pid
	} else {
		// Muting someone else is a host action.
		if !sess.identity.Host {
			ctl.sendError(c, domain.ErrParticipantNotFound)
			return
		}
		byHost = true
	}

	res, err := sess.actor.SetMute(ctx, target, sess.pid, msg.Type == msgMute, byHost)
	if err != nil {
		ctl.sendError(c, err)
		return
	}
	_ = c.trySend(serverMessage{Type: "muted", Mute: &res})
}

func (ctl *SignalController) withSeat(sess *session, c *wsConn, fn func() error) {
	if !sess.joined {
		ctl.sendError(c, domain.ErrParticipantNotFound)
		return
	}
	if err := fn(); err != nil {
		ctl.sendError(c, err)
		return
	}
	_ = c.trySend(serverMessage{Type: "ok"})
}

// sendError echoes only the taxonomy code. The underlying reason is
// logged here and goes no further.
func (ctl *SignalController) sendError(c *wsConn, err error) {
	code := domain.ClientCode(err)
	if errors.Is(err, domain.ErrFencedOut) {
		ctl.Metrics.FencedOutCounter.Inc()
	}
	if code == domain.CodeInternalError {
		log.Error().Err(err).Str("module", "adapters.ws").Msg("internal error on signaling request")
	} else {
		log.Debug().Err(err).Str("module", "adapters.ws").Str("code", code).Msg("signaling request rejected")
	}
	_ = c.trySend(serverMessage{Type: "error", Code: code})
}
