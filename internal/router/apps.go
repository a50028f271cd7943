package router

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lenscloud/lenscloud/internal/display"
	"github.com/lenscloud/lenscloud/internal/errors"
	"github.com/lenscloud/lenscloud/internal/logger"
	"github.com/lenscloud/lenscloud/internal/metrics"
	"github.com/lenscloud/lenscloud/internal/photo"
	"github.com/lenscloud/lenscloud/internal/protocol"
	"github.com/lenscloud/lenscloud/internal/session"
	"github.com/lenscloud/lenscloud/internal/store"
	"github.com/lenscloud/lenscloud/internal/transport"
)

const backendCallTimeout = 10 * time.Second

// AppRouter handles one App socket. The socket is anonymous until a valid
// tpa_connection_init (or connection_init) arrives with a known sessionId
// and a matching API key; everything else before that closes the socket.
type AppRouter struct {
	reg *session.Registry
	st  store.Store
	log *logger.Logger
	met *metrics.Metrics

	mu   sync.Mutex
	t    transport.Transport
	sess *session.Session
	pkg  string
	errs errCounter
}

// NewAppRouter creates a router for a not-yet-authenticated App connection.
func NewAppRouter(reg *session.Registry, st store.Store, log *logger.Logger, met *metrics.Metrics) *AppRouter {
	return &AppRouter{
		reg: reg,
		st:  st,
		log: log.WithComponent("router"),
		met: met,
	}
}

// Attach starts the transport over the accepted connection.
func (r *AppRouter) Attach(conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.t = transport.NewWS(conn, transport.RoleApp, r, r.log)
}

// HandleJSON dispatches one inbound message.
func (r *AppRouter) HandleJSON(env *protocol.Envelope) {
	r.mu.Lock()
	t := r.t
	sess := r.sess
	pkg := r.pkg
	r.mu.Unlock()

	if env.Type == "" {
		r.protocolError(t, errors.Protocol("malformed json"))
		return
	}

	if sess == nil {
		if !protocol.NormalizeAppInitType(env.Type) {
			r.log.Warn("app sent message before handshake", "type", env.Type)
			t.Close(closePolicyViolation, "expected tpa_connection_init")
			return
		}
		r.handleInit(t, env)
		return
	}

	switch env.Type {
	case protocol.TypeSubscriptionUpdate:
		var msg protocol.SubscriptionUpdate
		if err := env.Decode(&msg); err != nil {
			r.protocolError(t, errors.Protocol(err.Error()))
			return
		}
		for _, streamType := range msg.Subscriptions {
			if !streamType.IsValid() {
				r.protocolError(t, errors.Protocol("unknown stream type "+string(streamType)))
				return
			}
		}
		sess.Subs.Replace(pkg, msg.Subscriptions)

	case protocol.TypeDisplayRequest:
		var msg protocol.DisplayRequest
		if err := env.Decode(&msg); err != nil {
			r.protocolError(t, errors.Protocol(err.Error()))
			return
		}
		view := msg.View
		if view == "" {
			view = protocol.ViewMain
		}
		req := &display.Request{
			View:        view,
			PackageName: pkg,
			Content:     msg.Content,
			Layout:      msg.Layout,
		}
		if msg.DurationMs > 0 {
			req.ExpiresAt = time.Now().Add(time.Duration(msg.DurationMs) * time.Millisecond)
		}
		sess.Display.Push(req)

	case protocol.TypeRTMPStreamRequest:
		var msg protocol.RTMPStreamRequest
		if err := env.Decode(&msg); err != nil {
			r.protocolError(t, errors.Protocol(err.Error()))
			return
		}
		if _, err := sess.Streams.RequestDirect(pkg, &msg); err != nil && !errors.Is(err, errors.KindBusy) {
			// Busy already produced a busy status message.
			sendWireError(t, err)
		}

	case protocol.TypeRTMPStreamStop:
		var msg protocol.RTMPStreamStopRequest
		if err := env.Decode(&msg); err != nil {
			r.protocolError(t, errors.Protocol(err.Error()))
			return
		}
		if err := sess.Streams.StopDirect(pkg, msg.StreamID); err != nil {
			sendWireError(t, err)
		}

	case protocol.TypePhotoRequest:
		var msg protocol.PhotoRequestMessage
		if err := env.Decode(&msg); err != nil {
			r.protocolError(t, errors.Protocol(err.Error()))
			return
		}
		if _, err := sess.RequestPhoto(photo.OriginApp, pkg, msg.SaveToGallery); err != nil {
			sendWireError(t, err)
		}

	case protocol.TypeRTMPOutputAdd:
		var msg protocol.RTMPOutputAdd
		if err := env.Decode(&msg); err != nil {
			r.protocolError(t, errors.Protocol(err.Error()))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), backendCallTimeout)
		outputID, err := sess.Streams.AddOutput(ctx, pkg, &msg)
		cancel()
		if err != nil {
			sendWireError(t, err)
			return
		}
		_ = t.SendJSON(&protocol.RTMPOutputAck{
			Type:     protocol.TypeOutputAdded,
			StreamID: msg.StreamID,
			OutputID: outputID,
			URL:      msg.URL,
		})

	case protocol.TypeRTMPOutputRemove:
		var msg protocol.RTMPOutputRemove
		if err := env.Decode(&msg); err != nil {
			r.protocolError(t, errors.Protocol(err.Error()))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), backendCallTimeout)
		err := sess.Streams.RemoveOutput(ctx, pkg, &msg)
		cancel()
		if err != nil {
			sendWireError(t, err)
			return
		}
		_ = t.SendJSON(&protocol.RTMPOutputAck{
			Type:     protocol.TypeOutputRemoved,
			StreamID: msg.StreamID,
			OutputID: msg.OutputID,
		})

	default:
		r.log.Warn("unknown message type dropped", "type", env.Type, "package_name", pkg)
	}
}

// HandleBinary drops binary frames; Apps have no binary uplink.
func (r *AppRouter) HandleBinary(data []byte) {
	r.mu.Lock()
	t := r.t
	r.mu.Unlock()
	r.protocolError(t, errors.Protocol("unexpected binary frame"))
}

// HandleClosed detaches the App from its session.
func (r *AppRouter) HandleClosed(err error) {
	r.mu.Lock()
	t := r.t
	sess := r.sess
	pkg := r.pkg
	r.sess = nil
	r.mu.Unlock()

	if sess == nil {
		return
	}
	sess.AppGone(pkg, t)
}

func (r *AppRouter) handleInit(t transport.Transport, env *protocol.Envelope) {
	var msg protocol.AppConnectionInit
	if err := env.Decode(&msg); err != nil {
		r.protocolError(t, errors.Protocol(err.Error()))
		return
	}
	if msg.PackageName == "" || msg.APIKey == "" || msg.SessionID == "" {
		t.Close(closePolicyViolation, "incomplete handshake")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), backendCallTimeout)
	defer cancel()

	ok, err := r.st.ValidateAPIKey(ctx, msg.PackageName, msg.APIKey)
	if err != nil || !ok {
		r.log.Warn("app auth failed", "package_name", msg.PackageName)
		t.Close(closePolicyViolation, "invalid api key")
		return
	}

	sess, found := r.reg.GetBySessionID(msg.SessionID)
	if !found {
		r.log.Warn("app handshake for unknown session", "package_name", msg.PackageName)
		t.Close(closePolicyViolation, "unknown session")
		return
	}

	app, err := r.st.GetApp(ctx, msg.PackageName)
	if err != nil {
		t.Close(closePolicyViolation, "unknown app")
		return
	}

	if err := sess.AttachApp(msg.PackageName, t, app.Settings); err != nil {
		r.log.Warn("app attach rejected", "package_name", msg.PackageName, "error", err)
		t.Close(closePolicyViolation, "no pending start")
		return
	}

	r.mu.Lock()
	r.sess = sess
	r.pkg = msg.PackageName
	r.mu.Unlock()
	r.log.Info("app attached", "package_name", msg.PackageName)
}

func (r *AppRouter) protocolError(t transport.Transport, err error) {
	if r.met != nil {
		r.met.ProtocolErrors.Inc()
	}
	sendWireError(t, err)
	if r.errs.hit(time.Now()) && t != nil {
		r.log.Warn("closing app socket, protocol error threshold reached", "package_name", r.pkg)
		t.Close(closePolicyViolation, "too many protocol errors")
	}
}
