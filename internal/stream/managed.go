package stream

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lenscloud/lenscloud/internal/errors"
	"github.com/lenscloud/lenscloud/internal/protocol"
)

const allocateTimeout = 30 * time.Second

// SubscribeManaged registers an App as a viewer of the session's managed
// stream, creating the stream lazily on the first viewer. The caller invokes
// this on a cloud_rtmp subscription. The new viewer receives the current
// stream state immediately; ingest allocation and the start instruction to
// the glasses happen asynchronously.
func (s *Supervisor) SubscribeManaged(packageName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.NotFound("session closed")
	}

	if st, ok := s.streams[s.managedID]; ok && st.live() {
		st.viewers[packageName] = struct{}{}
		if st.graceTimer != nil {
			st.graceTimer.Stop()
			st.graceTimer = nil
		}
		s.sendManagedStatusLocked(st, packageName, nil)
		return nil
	}

	if holder := s.liveStreamLocked(); holder != nil {
		s.notifyBusyLocked(holder, packageName)
		return errors.Busy("an RTMP stream is already active")
	}

	st := &Stream{
		ID:          uuid.New().String(),
		Kind:        KindManaged,
		Status:      protocol.StreamStatusInitializing,
		viewers:     map[string]struct{}{packageName: {}},
		pendingAcks: make(map[string]*time.Timer),
		startedAt:   time.Now(),
	}
	s.streams[st.ID] = st
	s.managedID = st.ID

	s.sendManagedStatusLocked(st, packageName, nil)
	if s.met != nil {
		s.met.StreamsTotal.WithLabelValues(string(KindManaged)).Inc()
		s.met.StreamsActive.WithLabelValues(string(KindManaged)).Inc()
	}
	s.log.Info("managed stream created", "stream_id", st.ID, "first_viewer", packageName)

	go s.allocateManaged(st.ID)
	return nil
}

// UnsubscribeManaged drops an App from the managed stream's viewer set. The
// stream survives the last viewer for the grace window so a reconnecting
// viewer does not force a full ingest reallocation.
func (s *Supervisor) UnsubscribeManaged(packageName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropViewerLocked(packageName)
}

// AddOutput attaches a restream output to the managed stream. Callers must
// be viewers; URLs must be rtmp:// or rtmps:// and unique per stream; both
// the per-stream and per-App caps apply.
func (s *Supervisor) AddOutput(ctx context.Context, packageName string, msg *protocol.RTMPOutputAdd) (string, error) {
	s.mu.Lock()
	st, ok := s.streams[msg.StreamID]
	if !ok || !st.live() || st.Kind != KindManaged {
		s.mu.Unlock()
		return "", errors.NotFound("managed stream " + msg.StreamID)
	}
	if !st.isViewer(packageName) {
		s.mu.Unlock()
		return "", errors.Auth("not subscribed to cloud_rtmp")
	}
	if !strings.HasPrefix(msg.URL, "rtmp://") && !strings.HasPrefix(msg.URL, "rtmps://") {
		s.mu.Unlock()
		return "", errors.Protocol("output url must start with rtmp:// or rtmps://")
	}
	for _, out := range st.outputs {
		if out.URL == msg.URL {
			s.mu.Unlock()
			return "", errors.Protocol("output url already attached")
		}
	}
	if len(st.outputs) >= s.cfg.MaxOutputsPerQuota {
		s.mu.Unlock()
		return "", errors.ResourceExhausted("stream output limit reached")
	}
	if s.outputsByApp[packageName] >= s.cfg.MaxOutputsPerQuota {
		s.mu.Unlock()
		return "", errors.ResourceExhausted("app output limit reached")
	}

	// Reserve the slots before the backend call so concurrent adds cannot
	// overshoot the caps, then roll back on failure.
	reserved := &Output{URL: msg.URL, Name: msg.Name, AddedBy: packageName}
	st.outputs = append(st.outputs, reserved)
	s.outputsByApp[packageName]++
	streamID := st.ID
	s.mu.Unlock()

	outputID, err := s.backend.AddRestreamOutput(ctx, streamID, msg.URL, msg.Name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.removeOutputRecordLocked(st, reserved)
		return "", err
	}
	if !st.live() {
		// The stream ended while the backend call was in flight; quota was
		// already returned by endStreamLocked.
		go s.removeBackendOutput(streamID, outputID)
		return "", errors.NotFound("managed stream " + streamID)
	}
	reserved.ID = outputID
	s.log.Info("restream output added",
		"stream_id", streamID, "output_id", outputID, "package_name", packageName)
	return outputID, nil
}

// RemoveOutput detaches a restream output. Any current viewer may remove any
// output; removing an unknown output succeeds so retries are safe.
func (s *Supervisor) RemoveOutput(ctx context.Context, packageName string, msg *protocol.RTMPOutputRemove) error {
	s.mu.Lock()
	st, ok := s.streams[msg.StreamID]
	if !ok || st.Kind != KindManaged {
		s.mu.Unlock()
		return errors.NotFound("managed stream " + msg.StreamID)
	}
	if !st.isViewer(packageName) {
		s.mu.Unlock()
		return errors.Auth("not subscribed to cloud_rtmp")
	}

	var target *Output
	for _, out := range st.outputs {
		if out.ID == msg.OutputID {
			target = out
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return nil
	}
	s.removeOutputRecordLocked(st, target)
	streamID := st.ID
	s.mu.Unlock()

	return s.backend.RemoveRestreamOutput(ctx, streamID, msg.OutputID)
}

// Outputs returns the managed stream's current outputs.
func (s *Supervisor) Outputs(streamID string) []Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamID]
	if !ok {
		return nil
	}
	out := make([]Output, 0, len(st.outputs))
	for _, o := range st.outputs {
		out = append(out, *o)
	}
	return out
}

// ---- internals ----

// allocateManaged provisions the cloud ingest and starts the glasses. Runs
// off the caller's goroutine because allocation is a remote call with
// retries.
func (s *Supervisor) allocateManaged(streamID string) {
	ctx, cancel := context.WithTimeout(context.Background(), allocateTimeout)
	defer cancel()

	ingest, err := s.backend.AllocateIngest(ctx, streamID)

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[streamID]
	if !ok || !st.live() {
		if err == nil {
			go s.releaseIngest(streamID)
		}
		return
	}
	if err != nil {
		s.log.Error("ingest allocation failed", "stream_id", streamID, "error", err)
		s.endStreamLocked(st, protocol.StreamStatusError, "ingest allocation failed")
		return
	}

	st.Ingest = ingest
	st.RTMPURL = ingest.CFIngestURL

	if sendErr := s.sinks.ToGlasses(&protocol.StartRTMPStream{
		Type:     protocol.TypeStartRTMPStream,
		StreamID: st.ID,
		RTMPURL:  st.RTMPURL,
	}); sendErr != nil {
		s.log.Error("managed stream start failed, glasses unreachable", "stream_id", streamID)
		s.endStreamLocked(st, protocol.StreamStatusError, "glasses unreachable")
		return
	}

	s.scheduleKeepAliveLocked(st)
	s.notifyManagedLocked(st, nil)
}

func (s *Supervisor) dropViewerLocked(packageName string) {
	st, ok := s.streams[s.managedID]
	if !ok || !st.live() {
		return
	}
	if _, viewer := st.viewers[packageName]; !viewer {
		return
	}
	delete(st.viewers, packageName)
	if len(st.viewers) > 0 {
		return
	}

	streamID := st.ID
	st.graceTimer = time.AfterFunc(s.cfg.ViewerGraceWindow, func() {
		s.viewerGraceExpired(streamID)
	})
	s.log.Info("last viewer left, grace started", "stream_id", streamID)
}

func (s *Supervisor) viewerGraceExpired(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamID]
	if !ok || !st.live() || len(st.viewers) > 0 {
		return
	}
	s.log.Info("viewer grace expired, stopping managed stream", "stream_id", streamID)
	s.beginStopLocked(st)
}

func (s *Supervisor) removeOutputRecordLocked(st *Stream, target *Output) {
	for i, out := range st.outputs {
		if out == target {
			st.outputs = append(st.outputs[:i], st.outputs[i+1:]...)
			break
		}
	}
	if s.outputsByApp[target.AddedBy] > 0 {
		s.outputsByApp[target.AddedBy]--
	}
}

func (s *Supervisor) removeBackendOutput(streamID, outputID string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := s.backend.RemoveRestreamOutput(ctx, streamID, outputID); err != nil {
		s.log.Error("orphan output cleanup failed", "stream_id", streamID, "output_id", outputID, "error", err)
	}
}

// notifyManagedLocked sends the current managed state to every viewer.
func (s *Supervisor) notifyManagedLocked(st *Stream, stats *protocol.StreamStats) {
	for viewer := range st.viewers {
		s.sendManagedStatusLocked(st, viewer, stats)
	}
}

func (s *Supervisor) sendManagedStatusLocked(st *Stream, packageName string, stats *protocol.StreamStats) {
	msg := &protocol.CloudRTMPStatus{
		Type:     protocol.TypeCloudRTMPStatus,
		StreamID: st.ID,
		Status:   st.Status,
		Stats:    stats,
	}
	if st.Ingest != nil {
		msg.AccessURLs = st.Ingest.AccessURLs
	}
	s.sinks.ToApp(packageName, &protocol.DataStream{
		Type:       protocol.TypeDataStream,
		StreamType: protocol.StreamCloudRTMP,
		Data:       msg,
		Timestamp:  protocol.Timestamp(time.Now()),
	})
}
