package router

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lenscloud/lenscloud/internal/errors"
	"github.com/lenscloud/lenscloud/internal/logger"
	"github.com/lenscloud/lenscloud/internal/metrics"
	"github.com/lenscloud/lenscloud/internal/protocol"
	"github.com/lenscloud/lenscloud/internal/session"
	"github.com/lenscloud/lenscloud/internal/transport"
)

// GlassesRouter handles one glasses socket. The upgrade layer authenticates
// the user before any frame is read; the router enforces the handshake
// (connection_init first) and dispatches everything after it.
type GlassesRouter struct {
	reg    *session.Registry
	log    *logger.Logger
	met    *metrics.Metrics
	userID string

	mu     sync.Mutex
	t      transport.Transport
	sess   *session.Session
	errs   errCounter
}

// NewGlassesRouter creates a router for an authenticated glasses connection.
func NewGlassesRouter(reg *session.Registry, log *logger.Logger, met *metrics.Metrics, userID string) *GlassesRouter {
	return &GlassesRouter{
		reg:    reg,
		log:    log.WithComponent("router").WithUser(userID),
		met:    met,
		userID: userID,
	}
}

// Attach starts the transport over the accepted connection. The router mutex
// is held across transport startup so the read loop cannot observe a nil
// transport.
func (r *GlassesRouter) Attach(conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.t = transport.NewWS(conn, transport.RoleGlasses, r, r.log)
}

// HandleJSON dispatches one inbound message.
func (r *GlassesRouter) HandleJSON(env *protocol.Envelope) {
	r.mu.Lock()
	t := r.t
	sess := r.sess
	r.mu.Unlock()

	if env.Type == "" {
		r.protocolError(t, errors.Protocol("malformed json"))
		return
	}

	if sess == nil {
		if env.Type != protocol.TypeConnectionInit {
			r.protocolError(t, errors.Protocol("expected connection_init"))
			return
		}
		r.handleInit(t, env)
		return
	}

	sess.TouchGlassesActivity()

	switch env.Type {
	case protocol.TypeConnectionInit:
		// Re-init on a live socket refreshes capabilities.
		r.handleInit(t, env)

	case protocol.TypeGlassesHeartbeat:
		// Liveness only; the read deadline was already reset.

	case protocol.TypeRTMPStreamStatus:
		var msg protocol.RTMPStreamStatus
		if err := env.Decode(&msg); err != nil {
			r.protocolError(t, errors.Protocol(err.Error()))
			return
		}
		sess.Streams.HandleStatus(&msg)

	case protocol.TypeKeepAliveAck:
		var msg protocol.KeepAliveAck
		if err := env.Decode(&msg); err != nil {
			r.protocolError(t, errors.Protocol(err.Error()))
			return
		}
		sess.Streams.HandleAck(&msg)

	case protocol.TypeButtonPress:
		var msg protocol.ButtonPress
		if err := env.Decode(&msg); err != nil {
			r.protocolError(t, errors.Protocol(err.Error()))
			return
		}
		sess.FanOut(protocol.StreamButtonPress, map[string]interface{}{
			"buttonId":  msg.ButtonID,
			"pressType": msg.PressType,
		})

	case protocol.TypeHeadPosition:
		var msg protocol.HeadPositionEvent
		if err := env.Decode(&msg); err != nil {
			r.protocolError(t, errors.Protocol(err.Error()))
			return
		}
		sess.HandleHeadPosition(msg.Position)

	case protocol.TypeLocationUpdate:
		var msg protocol.LocationUpdate
		if err := env.Decode(&msg); err != nil {
			r.protocolError(t, errors.Protocol(err.Error()))
			return
		}
		sess.FanOut(protocol.StreamLocation, map[string]interface{}{
			"lat":      msg.Lat,
			"lng":      msg.Lng,
			"accuracy": msg.Accuracy,
		})

	case protocol.TypePhotoResponse:
		var msg protocol.PhotoResponse
		if err := env.Decode(&msg); err != nil {
			r.protocolError(t, errors.Protocol(err.Error()))
			return
		}
		if err := sess.Photos.Resolve(msg.RequestID, msg.PhotoURL); err != nil {
			r.log.Warn("photo response for unknown request", "request_id", msg.RequestID)
		}

	case protocol.TypeVADStatus:
		var msg struct {
			Speaking bool `json:"speaking"`
		}
		if err := env.Decode(&msg); err != nil {
			r.protocolError(t, errors.Protocol(err.Error()))
			return
		}
		sess.FanOut(protocol.StreamVAD, map[string]interface{}{"speaking": msg.Speaking})

	default:
		r.log.Warn("unknown message type dropped", "type", env.Type)
	}
}

// HandleBinary feeds audio frames to the session's audio manager.
func (r *GlassesRouter) HandleBinary(data []byte) {
	r.mu.Lock()
	sess := r.sess
	r.mu.Unlock()
	if sess == nil {
		return
	}
	sess.TouchGlassesActivity()
	sess.Audio.Ingest(data)
}

// HandleClosed detaches the glasses and starts the session grace window.
func (r *GlassesRouter) HandleClosed(err error) {
	r.mu.Lock()
	t := r.t
	sess := r.sess
	r.sess = nil
	r.mu.Unlock()

	if sess == nil {
		return
	}
	sess.GlassesGone(t)
	r.reg.GlassesDisconnected(r.userID)
	if err != nil {
		r.log.Info("glasses socket closed", "error", err.Error())
	}
}

func (r *GlassesRouter) handleInit(t transport.Transport, env *protocol.Envelope) {
	var msg protocol.ConnectionInit
	if err := env.Decode(&msg); err != nil {
		r.protocolError(t, errors.Protocol(err.Error()))
		return
	}
	if msg.UserID != "" && msg.UserID != r.userID {
		r.log.Warn("connection_init user mismatch", "claimed", msg.UserID)
		t.Close(closePolicyViolation, "user mismatch")
		return
	}

	sess := r.reg.GetOrCreate(r.userID)
	sess.AttachGlasses(t, &msg)

	r.mu.Lock()
	r.sess = sess
	r.mu.Unlock()
}

func (r *GlassesRouter) protocolError(t transport.Transport, err error) {
	if r.met != nil {
		r.met.ProtocolErrors.Inc()
	}
	sendWireError(t, err)
	if r.errs.hit(time.Now()) && t != nil {
		r.log.Warn("closing glasses socket, protocol error threshold reached")
		t.Close(closePolicyViolation, "too many protocol errors")
	}
}
