package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lenscloud/lenscloud/internal/config"
	"github.com/lenscloud/lenscloud/internal/errors"
	"github.com/lenscloud/lenscloud/internal/logger"
	"github.com/lenscloud/lenscloud/internal/media"
	"github.com/lenscloud/lenscloud/internal/metrics"
	"github.com/lenscloud/lenscloud/internal/protocol"
)

const releaseTimeout = 10 * time.Second

// Sinks are the supervisor's routes back into the session. ToGlasses writes
// to the glasses socket and fails when it is gone; ToApp is best effort and
// drops silently for unknown or dead App sockets. StatusSubscribers lists
// the packages holding an rtmp_status subscription, for the busy broadcast.
type Sinks struct {
	ToGlasses         func(v interface{}) error
	ToApp             func(packageName string, v interface{})
	StatusSubscribers func() []string
}

// Supervisor owns every RTMP stream of one user session: at most one direct
// stream and at most one managed stream at a time, since the glasses have a
// single encoder. It runs the keep-alive/ACK protocol against the glasses and
// fans status out to the interested Apps.
type Supervisor struct {
	mu      sync.Mutex
	cfg     *config.Config
	log     *logger.Logger
	met     *metrics.Metrics
	backend media.Backend
	sinks   Sinks

	streams      map[string]*Stream
	directID     string // active direct stream, "" if none
	managedID    string // active managed stream, "" if none
	outputsByApp map[string]int

	closed bool
}

// NewSupervisor creates a supervisor for one session. met may be nil.
func NewSupervisor(cfg *config.Config, log *logger.Logger, met *metrics.Metrics, backend media.Backend, sinks Sinks) *Supervisor {
	return &Supervisor{
		cfg:          cfg,
		log:          log.WithComponent("stream"),
		met:          met,
		backend:      backend,
		sinks:        sinks,
		streams:      make(map[string]*Stream),
		outputsByApp: make(map[string]int),
	}
}

// RequestDirect starts a direct stream to the App-provided RTMP URL. If the
// glasses encoder is already occupied the requester gets a busy status and an
// error; every other App with an active stream also gets the busy status so
// it can explain the contention to its user.
func (s *Supervisor) RequestDirect(packageName string, req *protocol.RTMPStreamRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", errors.NotFound("session closed")
	}
	if req.RTMPURL == "" {
		return "", errors.Protocol("rtmp_stream_request requires rtmpUrl")
	}

	if holder := s.liveStreamLocked(); holder != nil {
		s.log.Warn("direct stream rejected, encoder busy",
			"requested_by", packageName, "held_by", string(holder.Kind), "stream_id", holder.ID)
		s.notifyBusyLocked(holder, packageName)
		return "", errors.Busy("an RTMP stream is already active")
	}

	st := &Stream{
		ID:          uuid.New().String(),
		Kind:        KindDirect,
		RequestedBy: packageName,
		RTMPURL:     req.RTMPURL,
		Config:      protocol.StreamConfig{Video: req.Video, Audio: req.Audio, Stream: req.Stream},
		Status:      protocol.StreamStatusInitializing,
		pendingAcks: make(map[string]*time.Timer),
		startedAt:   time.Now(),
	}
	s.streams[st.ID] = st
	s.directID = st.ID

	if err := s.sinks.ToGlasses(&protocol.StartRTMPStream{
		Type:     protocol.TypeStartRTMPStream,
		StreamID: st.ID,
		RTMPURL:  st.RTMPURL,
		Video:    req.Video,
		Audio:    req.Audio,
		Stream:   req.Stream,
	}); err != nil {
		delete(s.streams, st.ID)
		s.directID = ""
		return "", errors.Transient("glasses unreachable")
	}

	s.scheduleKeepAliveLocked(st)
	s.notifyDirectLocked(st, st.Status, "", nil)

	if s.met != nil {
		s.met.StreamsTotal.WithLabelValues(string(KindDirect)).Inc()
		s.met.StreamsActive.WithLabelValues(string(KindDirect)).Inc()
	}
	s.log.Info("direct stream started", "stream_id", st.ID, "package_name", packageName)
	return st.ID, nil
}

// StopDirect stops the requester's direct stream. Stopping an unknown or
// already-stopped stream is a no-op that still reports stopped, so retries
// are safe.
func (s *Supervisor) StopDirect(packageName, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if streamID == "" {
		streamID = s.directID
	}
	st, ok := s.streams[streamID]
	if !ok || !st.live() {
		s.sinks.ToApp(packageName, &protocol.RTMPStreamStatus{
			Type:     protocol.TypeRTMPStreamStatus,
			StreamID: streamID,
			Status:   protocol.StreamStatusStopped,
		})
		return nil
	}
	if st.Kind != KindDirect || st.RequestedBy != packageName {
		return errors.NotFound("stream " + streamID)
	}
	s.beginStopLocked(st)
	return nil
}

// HandleStatus applies an rtmp_stream_status report from the glasses.
// Reports for unknown streams are logged and dropped; the glasses may still
// be flushing status for a stream a previous session instance owned.
func (s *Supervisor) HandleStatus(msg *protocol.RTMPStreamStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[msg.StreamID]
	if !ok {
		s.log.Warn("status for unknown stream dropped", "stream_id", msg.StreamID, "status", string(msg.Status))
		return
	}

	status := normalizeStatus(msg.Status)
	if !st.live() {
		// The glasses wind down on their own after a timeout; forward their
		// final report so subscribers see the encoder actually stopped.
		if isTerminal(status) && status != st.Status {
			st.Status = status
			switch st.Kind {
			case KindDirect:
				s.notifyDirectLocked(st, status, msg.ErrorDetails, nil)
			case KindManaged:
				s.notifyManagedLocked(st, nil)
			}
		}
		return
	}
	if st.Status == protocol.StreamStatusStopping && !isTerminal(status) {
		// Late progress reports racing the stop are stale.
		return
	}

	if isTerminal(status) {
		s.endStreamLocked(st, status, msg.ErrorDetails)
		return
	}

	st.Status = status
	switch st.Kind {
	case KindDirect:
		s.notifyDirectLocked(st, status, msg.ErrorDetails, msg.Stats)
	case KindManaged:
		s.notifyManagedLocked(st, msg.Stats)
	}
}

// HandleAck resolves a pending keep-alive ACK. Any valid ACK resets the
// missed counter; stale or unknown ackIds are ignored.
func (s *Supervisor) HandleAck(msg *protocol.KeepAliveAck) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[msg.StreamID]
	if !ok {
		return
	}
	t, ok := st.pendingAcks[msg.AckID]
	if !ok {
		return
	}
	t.Stop()
	delete(st.pendingAcks, msg.AckID)
	st.missedAcks = 0
	st.lastAckAt = time.Now()
}

// AppStopped releases everything the App held: its direct stream is stopped
// and its managed viewership is dropped. Restream outputs it added stay
// attached until the stream ends or another caller removes them.
func (s *Supervisor) AppStopped(packageName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.streams[s.directID]; ok && st.live() && st.RequestedBy == packageName {
		s.beginStopLocked(st)
	}
	s.dropViewerLocked(packageName)
}

// TeardownAll ends every stream for session disposal. Glasses get a stop
// instruction best effort, viewers and requesters get a terminal status, and
// managed ingests are released in the background.
func (s *Supervisor) TeardownAll() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, st := range s.streams {
		if !st.live() {
			continue
		}
		_ = s.sinks.ToGlasses(&protocol.StopRTMPStream{
			Type:     protocol.TypeStopRTMPStream,
			StreamID: st.ID,
		})
		s.endStreamLocked(st, protocol.StreamStatusStopped, "")
	}
	s.mu.Unlock()
}

// ActiveDirect returns the live direct stream's id and owner, if any.
func (s *Supervisor) ActiveDirect() (streamID, packageName string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, found := s.streams[s.directID]
	if !found || !st.live() {
		return "", "", false
	}
	return st.ID, st.RequestedBy, true
}

// StatusOf returns the current status of a stream.
func (s *Supervisor) StatusOf(streamID string) (protocol.StreamStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamID]
	if !ok {
		return "", false
	}
	return st.Status, true
}

// ---- internals, mutex held ----

// liveStreamLocked returns the stream currently occupying the encoder.
func (s *Supervisor) liveStreamLocked() *Stream {
	if st, ok := s.streams[s.directID]; ok && st.live() {
		return st
	}
	if st, ok := s.streams[s.managedID]; ok && st.live() {
		return st
	}
	return nil
}

func (s *Supervisor) scheduleKeepAliveLocked(st *Stream) {
	streamID := st.ID
	st.keepAlive = time.AfterFunc(s.cfg.KeepAliveInterval, func() {
		s.keepAliveTick(streamID)
	})
}

func (s *Supervisor) keepAliveTick(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[streamID]
	if !ok || !st.live() || st.Status == protocol.StreamStatusStopping {
		return
	}

	ackID := uuid.New().String()
	st.pendingAcks[ackID] = time.AfterFunc(s.cfg.AckTimeout, func() {
		s.ackExpired(streamID, ackID)
	})

	err := s.sinks.ToGlasses(&protocol.KeepRTMPStreamAlive{
		Type:      protocol.TypeKeepRTMPStreamAlive,
		StreamID:  streamID,
		AckID:     ackID,
		Timestamp: protocol.Timestamp(time.Now()),
	})
	if err != nil {
		// The socket is down. The armed ACK timer drives the stream to
		// timeout if the glasses do not come back.
		s.log.Debug("keep-alive send failed", "stream_id", streamID)
	}
	if s.met != nil {
		s.met.KeepAlivesSent.Inc()
	}
	s.scheduleKeepAliveLocked(st)
}

func (s *Supervisor) ackExpired(streamID, ackID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[streamID]
	if !ok || !st.live() {
		return
	}
	if _, pending := st.pendingAcks[ackID]; !pending {
		return
	}
	delete(st.pendingAcks, ackID)
	st.missedAcks++
	if s.met != nil {
		s.met.AcksMissed.Inc()
	}
	s.log.Warn("keep-alive ack missed",
		"stream_id", streamID, "missed", st.missedAcks, "max", s.cfg.MaxMissedAcks)

	if st.missedAcks < s.cfg.MaxMissedAcks {
		return
	}

	if s.met != nil {
		s.met.StreamTimeouts.Inc()
	}
	_ = s.sinks.ToGlasses(&protocol.StopRTMPStream{
		Type:     protocol.TypeStopRTMPStream,
		StreamID: streamID,
	})
	s.endStreamLocked(st, protocol.StreamStatusTimeout, "keep-alive acks missed")
}

// beginStopLocked moves a live stream into stopping. The glasses normally
// answer with a terminal status; the fallback timer forces stopped if they
// never do.
func (s *Supervisor) beginStopLocked(st *Stream) {
	st.cancelTimersLocked()
	st.Status = protocol.StreamStatusStopping

	_ = s.sinks.ToGlasses(&protocol.StopRTMPStream{
		Type:     protocol.TypeStopRTMPStream,
		StreamID: st.ID,
	})

	streamID := st.ID
	st.stopTimer = time.AfterFunc(s.cfg.StreamStopTimeout, func() {
		s.stopDeadlineExpired(streamID)
	})

	switch st.Kind {
	case KindDirect:
		s.notifyDirectLocked(st, st.Status, "", nil)
	case KindManaged:
		s.notifyManagedLocked(st, nil)
	}
}

func (s *Supervisor) stopDeadlineExpired(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamID]
	if !ok || !st.live() {
		return
	}
	s.log.Warn("glasses never confirmed stop, forcing stopped", "stream_id", streamID)
	s.endStreamLocked(st, protocol.StreamStatusStopped, "")
}

// endStreamLocked applies a terminal status: timers die, quota is returned,
// the final status is fanned out, and a managed ingest is released in the
// background.
func (s *Supervisor) endStreamLocked(st *Stream, status protocol.StreamStatus, errorDetails string) {
	st.cancelTimersLocked()
	st.Status = status

	for _, out := range st.outputs {
		if s.outputsByApp[out.AddedBy] > 0 {
			s.outputsByApp[out.AddedBy]--
		}
	}
	st.outputs = nil

	if s.directID == st.ID {
		s.directID = ""
	}
	if s.managedID == st.ID {
		s.managedID = ""
	}

	switch st.Kind {
	case KindDirect:
		s.notifyDirectLocked(st, status, errorDetails, nil)
	case KindManaged:
		s.notifyManagedLocked(st, nil)
		if st.Ingest != nil {
			streamID := st.ID
			go s.releaseIngest(streamID)
		}
	}

	if s.met != nil {
		s.met.StreamsActive.WithLabelValues(string(st.Kind)).Dec()
	}
	s.log.Info("stream ended", "stream_id", st.ID, "kind", string(st.Kind), "status", string(status))
}

func (s *Supervisor) releaseIngest(streamID string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := s.backend.ReleaseIngest(ctx, streamID); err != nil {
		s.log.Error("release ingest failed", "stream_id", streamID, "error", err)
	}
}

func (s *Supervisor) notifyDirectLocked(st *Stream, status protocol.StreamStatus, errorDetails string, stats *protocol.StreamStats) {
	s.sinks.ToApp(st.RequestedBy, &protocol.RTMPStreamStatus{
		Type:         protocol.TypeRTMPStreamStatus,
		StreamID:     st.ID,
		Status:       status,
		Stats:        stats,
		ErrorDetails: errorDetails,
	})
}

// notifyBusyLocked reports encoder contention. The rejected requester hears
// busy, and so does every rtmp_status subscriber except the stream holder:
// its stream is unaffected, and busy against its own streamId would read as
// a fault.
func (s *Supervisor) notifyBusyLocked(holder *Stream, requester string) {
	busy := &protocol.RTMPStreamStatus{
		Type:     protocol.TypeRTMPStreamStatus,
		StreamID: holder.ID,
		Status:   protocol.StreamStatusBusy,
	}

	notified := map[string]bool{requester: true}
	if holder.Kind == KindDirect {
		notified[holder.RequestedBy] = true
	}
	s.sinks.ToApp(requester, busy)
	if s.sinks.StatusSubscribers != nil {
		for _, pkg := range s.sinks.StatusSubscribers() {
			if !notified[pkg] {
				notified[pkg] = true
				s.sinks.ToApp(pkg, busy)
			}
		}
	}
}
