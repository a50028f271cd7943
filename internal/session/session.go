package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lenscloud/lenscloud/internal/apps"
	"github.com/lenscloud/lenscloud/internal/audio"
	"github.com/lenscloud/lenscloud/internal/config"
	"github.com/lenscloud/lenscloud/internal/display"
	"github.com/lenscloud/lenscloud/internal/errors"
	"github.com/lenscloud/lenscloud/internal/logger"
	"github.com/lenscloud/lenscloud/internal/media"
	"github.com/lenscloud/lenscloud/internal/metrics"
	"github.com/lenscloud/lenscloud/internal/photo"
	"github.com/lenscloud/lenscloud/internal/protocol"
	"github.com/lenscloud/lenscloud/internal/store"
	"github.com/lenscloud/lenscloud/internal/stream"
	"github.com/lenscloud/lenscloud/internal/subscription"
	"github.com/lenscloud/lenscloud/internal/transport"
)

const micDebounce = 1 * time.Second

// Session is the per-user hub. It owns the glasses transport, the App
// transports, and one instance of each manager, and routes traffic between
// them. There is at most one Session per userId on an instance.
type Session struct {
	UserID    string
	SessionID string

	cfg *config.Config
	log *logger.Logger
	met *metrics.Metrics

	Subs    *subscription.Manager
	Display *display.Manager
	Audio   *audio.Manager
	Photos  *photo.Tracker
	Streams *stream.Supervisor
	Apps    *apps.Manager

	createdAt time.Time

	mu              sync.Mutex
	glasses         transport.Transport
	appTransports   map[string]transport.Transport
	capabilities    protocol.Capabilities
	micEnabled      bool
	micTimer        *time.Timer
	lastGlassesSeen time.Time
	disposed        bool

	disposeOnce sync.Once
}

// Deps are the process-wide collaborators a Session needs.
type Deps struct {
	Cfg       *config.Config
	Log       *logger.Logger
	Met       *metrics.Metrics
	Store     store.Store
	Media     media.Backend
	ServerURL string
}

// New builds a Session with all managers wired. The session is inert until
// a glasses transport attaches.
func New(deps Deps, userID string) *Session {
	s := &Session{
		UserID:        userID,
		SessionID:     uuid.New().String(),
		cfg:           deps.Cfg,
		met:           deps.Met,
		appTransports: make(map[string]transport.Transport),
		createdAt:     time.Now(),
	}
	s.log = deps.Log.WithComponent("session").WithSession(userID, s.SessionID)

	s.Subs = subscription.NewManager(s.log)
	s.Display = display.NewManager(deps.Cfg.DisplayThrottle, s.sendDisplayEvent, s.log)
	s.Audio = audio.NewManager(deps.Cfg.AudioBufferRetention, s.log)
	s.Photos = photo.NewTracker(deps.Cfg.PhotoRequestTimeout, s.deliverPhoto, s.expirePhoto, s.log)
	s.Streams = stream.NewSupervisor(deps.Cfg, s.log, deps.Met, deps.Media, stream.Sinks{
		ToGlasses: s.SendToGlasses,
		ToApp:     s.SendToApp,
		StatusSubscribers: func() []string {
			return s.Subs.SubscribersFor(protocol.StreamRTMPStatus)
		},
	})
	s.Apps = apps.NewManager(deps.Cfg, s.log, deps.Met, deps.Store, nil, apps.Sinks{
		SendToApp:    s.SendToApp,
		CloseApp:     s.closeApp,
		StateChanged: s.appStateChanged,
		Stopped:      s.appStopped,
	}, userID, s.SessionID, deps.ServerURL)

	s.Subs.AddListener(s.subscriptionsChanged)
	s.Audio.SetSinks(s.hasAudioChunkSubs, s.fanOutAudioChunk, s.fanOutVAD)
	return s
}

// ---- transport attachment ----

// AttachGlasses binds the glasses transport. A reconnect supersedes the
// previous socket, which is closed with code 4001 so the old device backs
// off. The new socket immediately receives the App state and the current
// display.
func (s *Session) AttachGlasses(t transport.Transport, init *protocol.ConnectionInit) {
	s.mu.Lock()
	old := s.glasses
	s.glasses = t
	s.capabilities = init.Capabilities
	s.lastGlassesSeen = time.Now()
	s.mu.Unlock()

	if old != nil && old != t {
		old.Close(4001, "superseded by new connection")
	}

	s.appStateChanged(s.Apps.RunningApps(), nil)
	s.Display.SetView(s.Display.ActiveView()) // redraw for the new socket
	s.syncMicState()
	s.log.Info("glasses attached", "remote", t.RemoteAddr())
}

// TouchGlassesActivity records that the glasses sent a frame. The companion
// surface reports the timestamp so clients can tell a quiet device from a
// dead one.
func (s *Session) TouchGlassesActivity() {
	s.mu.Lock()
	s.lastGlassesSeen = time.Now()
	s.mu.Unlock()
}

// GlassesGone clears the glasses transport after its socket died. The
// registry owns the grace window that decides whether the session survives.
func (s *Session) GlassesGone(t transport.Transport) {
	s.mu.Lock()
	if s.glasses == t {
		s.glasses = nil
	}
	s.mu.Unlock()
	s.log.Info("glasses detached")
}

// AttachApp binds an authenticated App transport and completes the start
// handshake with connection_ack and the App's current settings.
func (s *Session) AttachApp(packageName string, t transport.Transport, settings map[string]interface{}) error {
	if err := s.Apps.AppConnected(packageName); err != nil {
		return err
	}

	s.mu.Lock()
	old := s.appTransports[packageName]
	s.appTransports[packageName] = t
	s.mu.Unlock()

	if old != nil && old != t {
		old.Close(4001, "superseded by new connection")
	}

	_ = t.SendJSON(&protocol.ConnectionAck{Type: protocol.TypeConnectionAck, SessionID: s.SessionID})
	if len(settings) > 0 {
		_ = t.SendJSON(&protocol.SettingsUpdate{Type: protocol.TypeSettingsUpdate, Settings: settings})
	}
	return nil
}

// AppGone handles an App socket dying.
func (s *Session) AppGone(packageName string, t transport.Transport) {
	s.mu.Lock()
	if s.appTransports[packageName] == t {
		delete(s.appTransports, packageName)
	}
	s.mu.Unlock()
	s.Apps.AppSocketClosed(packageName)
}

// ---- sends ----

// SendToGlasses writes to the glasses socket, failing when it is detached.
func (s *Session) SendToGlasses(v interface{}) error {
	s.mu.Lock()
	t := s.glasses
	s.mu.Unlock()
	if t == nil {
		return transport.ErrBroken
	}
	return t.SendJSON(v)
}

// SendToApp writes to an App socket, best effort.
func (s *Session) SendToApp(packageName string, v interface{}) {
	s.mu.Lock()
	t := s.appTransports[packageName]
	s.mu.Unlock()
	if t == nil {
		return
	}
	if err := t.SendJSON(v); err != nil {
		s.log.Debug("app send failed", "package_name", packageName)
	}
}

func (s *Session) closeApp(packageName string, code int, reason string) {
	s.mu.Lock()
	t := s.appTransports[packageName]
	s.mu.Unlock()
	if t != nil {
		t.Close(code, reason)
	}
}

// FanOut delivers an event to every App subscribed to the stream type.
func (s *Session) FanOut(streamType protocol.StreamType, data interface{}) {
	subscribers := s.Subs.SubscribersFor(streamType)
	if len(subscribers) == 0 {
		return
	}
	msg := &protocol.DataStream{
		Type:       protocol.TypeDataStream,
		StreamType: streamType,
		Data:       data,
		Timestamp:  protocol.Timestamp(time.Now()),
	}
	for _, packageName := range subscribers {
		s.SendToApp(packageName, msg)
	}
	if s.met != nil {
		s.met.EventsRouted.WithLabelValues(string(streamType)).Add(float64(len(subscribers)))
	}
}

// ---- event hooks ----

// HandleHeadPosition flips the active display view and fans the event out.
func (s *Session) HandleHeadPosition(pos protocol.HeadPosition) {
	if pos == protocol.HeadUp {
		s.Display.SetView(protocol.ViewDashboard)
	} else {
		s.Display.SetView(protocol.ViewMain)
	}
	s.FanOut(protocol.StreamHeadPosition, map[string]interface{}{"position": string(pos)})
}

// Capabilities returns the device capabilities from connection_init.
func (s *Session) Capabilities() protocol.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

// GlassesConnected reports whether a live glasses transport is attached.
func (s *Session) GlassesConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.glasses != nil
}

func (s *Session) sendDisplayEvent(ev *protocol.DisplayEvent) {
	if err := s.SendToGlasses(ev); err != nil {
		return
	}
	if s.met != nil {
		s.met.DisplayEventsSent.Inc()
	}
}

// subscriptionsChanged reacts to subscription set diffs: managed stream
// viewership follows cloud_rtmp, and the microphone follows the union of
// audio subscriptions.
func (s *Session) subscriptionsChanged(packageName string, added, removed []protocol.StreamType) {
	for _, st := range added {
		if st == protocol.StreamCloudRTMP {
			if err := s.Streams.SubscribeManaged(packageName); err != nil {
				s.log.Warn("managed subscribe rejected", "package_name", packageName, "error", err)
			}
		}
	}
	for _, st := range removed {
		if st == protocol.StreamCloudRTMP {
			s.Streams.UnsubscribeManaged(packageName)
		}
	}
	s.syncMicState()
}

// syncMicState reconciles the glasses microphone with audio subscriptions.
// Transitions are debounced so an App replacing its subscription set does
// not flap the microphone.
func (s *Session) syncMicState() {
	desired := s.Subs.HasAudioSubscribers()

	s.mu.Lock()
	defer s.mu.Unlock()
	if desired == s.micEnabled {
		if s.micTimer != nil {
			s.micTimer.Stop()
			s.micTimer = nil
		}
		return
	}
	if s.micTimer != nil {
		return
	}
	s.micTimer = time.AfterFunc(micDebounce, func() {
		s.applyMicState()
	})
}

func (s *Session) applyMicState() {
	desired := s.Subs.HasAudioSubscribers()

	s.mu.Lock()
	s.micTimer = nil
	if desired == s.micEnabled {
		s.mu.Unlock()
		return
	}
	s.micEnabled = desired
	s.mu.Unlock()

	if err := s.SendToGlasses(&protocol.MicrophoneStateChange{
		Type:    protocol.TypeMicrophoneStateChange,
		Enabled: desired,
	}); err != nil {
		s.log.Debug("microphone state send failed")
	}
	s.log.Info("microphone state changed", "enabled", desired)
}

func (s *Session) hasAudioChunkSubs() bool {
	return len(s.Subs.SubscribersFor(protocol.StreamAudioChunk)) > 0
}

func (s *Session) fanOutAudioChunk(data []byte) {
	s.mu.Lock()
	targets := make([]transport.Transport, 0, len(s.appTransports))
	for packageName, t := range s.appTransports {
		if s.Subs.Has(packageName, protocol.StreamAudioChunk) {
			targets = append(targets, t)
		}
	}
	s.mu.Unlock()
	for _, t := range targets {
		_ = t.SendBinary(data)
	}
}

func (s *Session) fanOutVAD(speaking bool) {
	s.FanOut(protocol.StreamVAD, map[string]interface{}{"speaking": speaking})
}

// appStateChanged pushes the running/loading sets to the glasses and keeps
// the boot screen in step with Apps still loading.
func (s *Session) appStateChanged(running, loading []string) {
	msg := &protocol.AppStateChange{
		Type:    protocol.TypeAppStateChange,
		Running: running,
		Loading: loading,
	}
	_ = s.SendToGlasses(msg)

	s.mu.Lock()
	pkgs := make([]string, 0, len(s.appTransports))
	for pkg := range s.appTransports {
		pkgs = append(pkgs, pkg)
	}
	s.mu.Unlock()
	for _, pkg := range pkgs {
		s.SendToApp(pkg, msg)
	}

	s.Display.ShowBootScreen(loading)
}

// appStopped clears everything the App held across the managers.
func (s *Session) appStopped(packageName string) {
	s.Subs.Clear(packageName)
	s.Display.Clear(packageName, protocol.ViewDashboard)
	s.Display.Clear(packageName, protocol.ViewMain)
	s.Streams.AppStopped(packageName)
	s.closeApp(packageName, 1000, "stopped")

	s.mu.Lock()
	delete(s.appTransports, packageName)
	s.mu.Unlock()
	s.syncMicState()
}

// ---- photo plumbing ----

// RequestPhoto creates a tracked photo request and instructs the glasses
// camera. The request expires on its own if no response arrives.
func (s *Session) RequestPhoto(origin photo.Origin, packageName string, saveToGallery bool) (string, error) {
	if !s.Capabilities().Camera {
		return "", errors.Protocol("device has no camera")
	}

	var requestID string
	if origin == photo.OriginApp {
		requestID = s.Photos.CreateForApp(s.UserID, packageName)
	} else {
		requestID = s.Photos.CreateSystem(s.UserID)
	}

	if err := s.SendToGlasses(&protocol.TakePhoto{
		Type:          protocol.TypeTakePhoto,
		RequestID:     requestID,
		SaveToGallery: saveToGallery,
	}); err != nil {
		return "", errors.Transient("glasses unreachable")
	}
	if s.met != nil {
		s.met.PhotoRequests.Inc()
	}
	return requestID, nil
}

// deliverPhoto routes a resolved photo. An App-originated photo goes only
// to the App that asked for it; system photos fan out to photo_taken
// subscribers.
func (s *Session) deliverPhoto(req *photo.Request, res *photo.Result) {
	if req.Origin == photo.OriginApp {
		s.SendToApp(req.PackageName, &protocol.DataStream{
			Type:       protocol.TypeDataStream,
			StreamType: protocol.StreamPhotoTaken,
			Data:       res,
			Timestamp:  protocol.Timestamp(time.Now()),
		})
		return
	}
	s.FanOut(protocol.StreamPhotoTaken, res)
}

func (s *Session) expirePhoto(req *photo.Request) {
	if req.Origin != photo.OriginApp {
		return
	}
	s.SendToApp(req.PackageName, &protocol.WireError{
		Type:    protocol.TypeStructuredError,
		Kind:    "timeout",
		Message: "photo request expired",
		Details: map[string]interface{}{"requestId": req.RequestID},
	})
}

// Snapshot is the session state exposed to companion clients.
type Snapshot struct {
	UserID           string                `json:"userId"`
	SessionID        string                `json:"sessionId"`
	GlassesConnected bool                  `json:"glassesConnected"`
	Capabilities     protocol.Capabilities `json:"capabilities"`
	RunningApps      []string              `json:"runningApps"`
	ActiveView       protocol.ViewType     `json:"activeView"`
	MicEnabled       bool                  `json:"micEnabled"`
	CreatedAt        string                `json:"createdAt"`
	LastGlassesSeen  string                `json:"lastGlassesActivityAt,omitempty"`
}

// Snapshot returns the session state for the companion REST surface.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	connected := s.glasses != nil
	caps := s.capabilities
	mic := s.micEnabled
	lastSeen := s.lastGlassesSeen
	s.mu.Unlock()

	snap := Snapshot{
		UserID:           s.UserID,
		SessionID:        s.SessionID,
		GlassesConnected: connected,
		Capabilities:     caps,
		RunningApps:      s.Apps.RunningApps(),
		ActiveView:       s.Display.ActiveView(),
		MicEnabled:       mic,
		CreatedAt:        protocol.Timestamp(s.createdAt),
	}
	if !lastSeen.IsZero() {
		snap.LastGlassesSeen = protocol.Timestamp(lastSeen)
	}
	return snap
}

// ---- disposal ----

// Dispose tears the session down: Apps are stopped, streams are ended with
// ingest release, and every transport is closed. Safe to call more than
// once.
func (s *Session) Dispose() {
	s.disposeOnce.Do(func() {
		s.mu.Lock()
		s.disposed = true
		if s.micTimer != nil {
			s.micTimer.Stop()
			s.micTimer = nil
		}
		glasses := s.glasses
		s.glasses = nil
		appTs := make([]transport.Transport, 0, len(s.appTransports))
		for _, t := range s.appTransports {
			appTs = append(appTs, t)
		}
		s.appTransports = make(map[string]transport.Transport)
		s.mu.Unlock()

		s.Streams.TeardownAll()
		s.Apps.StopAll()
		s.Photos.Close()
		s.Display.Close()

		for _, t := range appTs {
			t.Close(1001, "session ended")
		}
		if glasses != nil {
			glasses.Close(1001, "session ended")
		}
		s.log.Info("session disposed")
	})
}
