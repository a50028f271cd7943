package stream

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lenscloud/lenscloud/internal/config"
	"github.com/lenscloud/lenscloud/internal/errors"
	"github.com/lenscloud/lenscloud/internal/logger"
	"github.com/lenscloud/lenscloud/internal/media"
	"github.com/lenscloud/lenscloud/internal/protocol"
)

// sinkRecorder captures everything the supervisor sends.
type sinkRecorder struct {
	mu         sync.Mutex
	glasses    []interface{}
	apps       map[string][]interface{}
	glassesErr error
	statusSubs []string
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{apps: make(map[string][]interface{})}
}

func (r *sinkRecorder) toGlasses(v interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.glassesErr != nil {
		return r.glassesErr
	}
	r.glasses = append(r.glasses, v)
	return nil
}

func (r *sinkRecorder) toApp(packageName string, v interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps[packageName] = append(r.apps[packageName], v)
}

func (r *sinkRecorder) glassesOfType(msgType string) []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []interface{}
	for _, v := range r.glasses {
		switch m := v.(type) {
		case *protocol.StartRTMPStream:
			if m.Type == msgType {
				out = append(out, v)
			}
		case *protocol.StopRTMPStream:
			if m.Type == msgType {
				out = append(out, v)
			}
		case *protocol.KeepRTMPStreamAlive:
			if m.Type == msgType {
				out = append(out, v)
			}
		}
	}
	return out
}

func (r *sinkRecorder) appStatuses(packageName string) []*protocol.RTMPStreamStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*protocol.RTMPStreamStatus
	for _, v := range r.apps[packageName] {
		if m, ok := v.(*protocol.RTMPStreamStatus); ok {
			out = append(out, m)
		}
	}
	return out
}

func (r *sinkRecorder) managedStatuses(packageName string) []*protocol.CloudRTMPStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*protocol.CloudRTMPStatus
	for _, v := range r.apps[packageName] {
		ds, ok := v.(*protocol.DataStream)
		if !ok {
			continue
		}
		if m, ok := ds.Data.(*protocol.CloudRTMPStatus); ok {
			out = append(out, m)
		}
	}
	return out
}

func (r *sinkRecorder) lastAppStatus(t *testing.T, packageName string) *protocol.RTMPStreamStatus {
	t.Helper()
	statuses := r.appStatuses(packageName)
	require.NotEmpty(t, statuses)
	return statuses[len(statuses)-1]
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.KeepAliveInterval = 40 * time.Millisecond
	cfg.AckTimeout = 15 * time.Millisecond
	cfg.MaxMissedAcks = 3
	cfg.StreamStopTimeout = 60 * time.Millisecond
	cfg.ViewerGraceWindow = 50 * time.Millisecond
	return cfg
}

func newTestSupervisor(cfg *config.Config) (*Supervisor, *sinkRecorder, *media.FakeBackend) {
	log := logger.New(logger.Config{Level: slog.LevelError})
	rec := newSinkRecorder()
	backend := media.NewFakeBackend()
	sup := NewSupervisor(cfg, log, nil, backend, Sinks{
		ToGlasses: rec.toGlasses,
		ToApp:     rec.toApp,
		StatusSubscribers: func() []string {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			return append([]string(nil), rec.statusSubs...)
		},
	})
	return sup, rec, backend
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", d)
}

func TestDirectStreamHappyPath(t *testing.T) {
	sup, rec, _ := newTestSupervisor(testConfig())

	streamID, err := sup.RequestDirect("com.example.cam", &protocol.RTMPStreamRequest{
		Type:    protocol.TypeRTMPStreamRequest,
		RTMPURL: "rtmp://live.example.com/app/key",
	})
	require.NoError(t, err)
	require.NotEmpty(t, streamID)

	starts := rec.glassesOfType(protocol.TypeStartRTMPStream)
	require.Len(t, starts, 1)
	start := starts[0].(*protocol.StartRTMPStream)
	require.Equal(t, streamID, start.StreamID)
	require.Equal(t, "rtmp://live.example.com/app/key", start.RTMPURL)

	require.Equal(t, protocol.StreamStatusInitializing, rec.lastAppStatus(t, "com.example.cam").Status)

	sup.HandleStatus(&protocol.RTMPStreamStatus{
		Type: protocol.TypeRTMPStreamStatus, StreamID: streamID, Status: protocol.StreamStatusActive,
	})
	require.Equal(t, protocol.StreamStatusActive, rec.lastAppStatus(t, "com.example.cam").Status)

	require.NoError(t, sup.StopDirect("com.example.cam", streamID))
	require.NotEmpty(t, rec.glassesOfType(protocol.TypeStopRTMPStream))
	require.Equal(t, protocol.StreamStatusStopping, rec.lastAppStatus(t, "com.example.cam").Status)

	sup.HandleStatus(&protocol.RTMPStreamStatus{
		Type: protocol.TypeRTMPStreamStatus, StreamID: streamID, Status: protocol.StreamStatusStopped,
	})
	require.Equal(t, protocol.StreamStatusStopped, rec.lastAppStatus(t, "com.example.cam").Status)

	_, _, active := sup.ActiveDirect()
	require.False(t, active)
}

func TestDirectStreamBusy(t *testing.T) {
	sup, rec, _ := newTestSupervisor(testConfig())
	rec.statusSubs = []string{"com.first", "com.watcher"}

	streamID, err := sup.RequestDirect("com.first", &protocol.RTMPStreamRequest{RTMPURL: "rtmp://a/b"})
	require.NoError(t, err)

	_, err = sup.RequestDirect("com.second", &protocol.RTMPStreamRequest{RTMPURL: "rtmp://c/d"})
	require.True(t, errors.Is(err, errors.KindBusy))

	// The rejected requester and every other rtmp_status subscriber hear
	// busy exactly once.
	second := rec.lastAppStatus(t, "com.second")
	require.Equal(t, protocol.StreamStatusBusy, second.Status)
	require.Equal(t, streamID, second.StreamID)
	require.Equal(t, protocol.StreamStatusBusy, rec.lastAppStatus(t, "com.watcher").Status)
	require.Len(t, rec.appStatuses("com.watcher"), 1)

	// The holder never sees busy against its own streamId; its last status
	// is still the one from its own request, and the stream is untouched.
	require.Equal(t, protocol.StreamStatusInitializing, rec.lastAppStatus(t, "com.first").Status)
	require.Len(t, rec.appStatuses("com.first"), 1)
	status, ok := sup.StatusOf(streamID)
	require.True(t, ok)
	require.Equal(t, protocol.StreamStatusInitializing, status)
}

func TestStopDirectIdempotent(t *testing.T) {
	sup, rec, _ := newTestSupervisor(testConfig())

	require.NoError(t, sup.StopDirect("com.example.cam", "no-such-stream"))
	last := rec.lastAppStatus(t, "com.example.cam")
	require.Equal(t, protocol.StreamStatusStopped, last.Status)
}

func TestKeepAliveTimeout(t *testing.T) {
	cfg := testConfig()
	sup, rec, _ := newTestSupervisor(cfg)

	streamID, err := sup.RequestDirect("com.example.cam", &protocol.RTMPStreamRequest{RTMPURL: "rtmp://a/b"})
	require.NoError(t, err)

	// Never ACK: three expired windows push the stream to timeout.
	waitFor(t, 2*time.Second, func() bool {
		status, ok := sup.StatusOf(streamID)
		return ok && status == protocol.StreamStatusTimeout
	})

	require.Equal(t, protocol.StreamStatusTimeout, rec.lastAppStatus(t, "com.example.cam").Status)
	require.NotEmpty(t, rec.glassesOfType(protocol.TypeStopRTMPStream))

	// Keep-alives halt after the timeout transition.
	sent := len(rec.glassesOfType(protocol.TypeKeepRTMPStreamAlive))
	time.Sleep(3 * cfg.KeepAliveInterval)
	require.Equal(t, sent, len(rec.glassesOfType(protocol.TypeKeepRTMPStreamAlive)))
}

func TestKeepAliveAckKeepsStreamAlive(t *testing.T) {
	cfg := testConfig()
	sup, rec, _ := newTestSupervisor(cfg)

	streamID, err := sup.RequestDirect("com.example.cam", &protocol.RTMPStreamRequest{RTMPURL: "rtmp://a/b"})
	require.NoError(t, err)

	// ACK every keep-alive as it appears.
	done := make(chan struct{})
	go func() {
		defer close(done)
		acked := make(map[string]bool)
		deadline := time.Now().Add(8 * cfg.KeepAliveInterval)
		for time.Now().Before(deadline) {
			for _, v := range rec.glassesOfType(protocol.TypeKeepRTMPStreamAlive) {
				ka := v.(*protocol.KeepRTMPStreamAlive)
				if !acked[ka.AckID] {
					acked[ka.AckID] = true
					sup.HandleAck(&protocol.KeepAliveAck{
						Type: protocol.TypeKeepAliveAck, StreamID: streamID, AckID: ka.AckID,
					})
				}
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
	<-done

	status, ok := sup.StatusOf(streamID)
	require.True(t, ok)
	require.NotEqual(t, protocol.StreamStatusTimeout, status)
}

func TestStaleAckIgnored(t *testing.T) {
	sup, _, _ := newTestSupervisor(testConfig())

	streamID, err := sup.RequestDirect("com.example.cam", &protocol.RTMPStreamRequest{RTMPURL: "rtmp://a/b"})
	require.NoError(t, err)

	// Unknown ackId must not panic or reset anything.
	sup.HandleAck(&protocol.KeepAliveAck{StreamID: streamID, AckID: "never-sent"})
	sup.HandleAck(&protocol.KeepAliveAck{StreamID: "no-such-stream", AckID: "x"})

	status, ok := sup.StatusOf(streamID)
	require.True(t, ok)
	require.Equal(t, protocol.StreamStatusInitializing, status)
}

func TestStatusNormalization(t *testing.T) {
	sup, rec, _ := newTestSupervisor(testConfig())

	streamID, err := sup.RequestDirect("com.example.cam", &protocol.RTMPStreamRequest{RTMPURL: "rtmp://a/b"})
	require.NoError(t, err)

	sup.HandleStatus(&protocol.RTMPStreamStatus{StreamID: streamID, Status: protocol.StreamStatusStreaming})
	require.Equal(t, protocol.StreamStatusActive, rec.lastAppStatus(t, "com.example.cam").Status)

	sup.HandleStatus(&protocol.RTMPStreamStatus{StreamID: streamID, Status: protocol.StreamStatusDisconnected})
	require.Equal(t, protocol.StreamStatusStopped, rec.lastAppStatus(t, "com.example.cam").Status)

	_, _, active := sup.ActiveDirect()
	require.False(t, active)
}

func TestLateStoppedForwardedAfterTimeout(t *testing.T) {
	sup, rec, _ := newTestSupervisor(testConfig())

	streamID, err := sup.RequestDirect("com.example.cam", &protocol.RTMPStreamRequest{RTMPURL: "rtmp://a/b"})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		status, ok := sup.StatusOf(streamID)
		return ok && status == protocol.StreamStatusTimeout
	})

	// The glasses wind down on their own and report stopped afterwards.
	sup.HandleStatus(&protocol.RTMPStreamStatus{StreamID: streamID, Status: protocol.StreamStatusStopped})
	require.Equal(t, protocol.StreamStatusStopped, rec.lastAppStatus(t, "com.example.cam").Status)

	// Non-terminal chatter after the end stays suppressed.
	before := len(rec.appStatuses("com.example.cam"))
	sup.HandleStatus(&protocol.RTMPStreamStatus{StreamID: streamID, Status: protocol.StreamStatusActive})
	require.Len(t, rec.appStatuses("com.example.cam"), before)
}

func TestUnknownStreamStatusDropped(t *testing.T) {
	sup, rec, _ := newTestSupervisor(testConfig())
	sup.HandleStatus(&protocol.RTMPStreamStatus{StreamID: "ghost", Status: protocol.StreamStatusActive})
	require.Empty(t, rec.appStatuses("com.example.cam"))
}

func TestManagedStreamLifecycle(t *testing.T) {
	cfg := testConfig()
	sup, rec, backend := newTestSupervisor(cfg)

	require.NoError(t, sup.SubscribeManaged("com.viewer.one"))

	// First notification arrives synchronously, before allocation.
	first := rec.managedStatuses("com.viewer.one")
	require.NotEmpty(t, first)
	require.Equal(t, protocol.StreamStatusInitializing, first[0].Status)
	require.Empty(t, first[0].AccessURLs)

	// Allocation completes in the background and starts the glasses.
	waitFor(t, time.Second, func() bool {
		return len(rec.glassesOfType(protocol.TypeStartRTMPStream)) == 1
	})
	start := rec.glassesOfType(protocol.TypeStartRTMPStream)[0].(*protocol.StartRTMPStream)
	require.Contains(t, start.RTMPURL, "rtmps://ingest.fake/")

	streamID := start.StreamID

	// A second viewer joins and immediately sees the current state with
	// access URLs.
	require.NoError(t, sup.SubscribeManaged("com.viewer.two"))
	twoStatuses := rec.managedStatuses("com.viewer.two")
	require.NotEmpty(t, twoStatuses)
	require.NotEmpty(t, twoStatuses[len(twoStatuses)-1].AccessURLs)

	// Glasses report active; both viewers hear it.
	sup.HandleStatus(&protocol.RTMPStreamStatus{StreamID: streamID, Status: protocol.StreamStatusActive})
	for _, viewer := range []string{"com.viewer.one", "com.viewer.two"} {
		statuses := rec.managedStatuses(viewer)
		require.Equal(t, protocol.StreamStatusActive, statuses[len(statuses)-1].Status)
	}

	// Last viewer leaves; after the grace window the stream stops and the
	// ingest is released.
	sup.UnsubscribeManaged("com.viewer.one")
	sup.UnsubscribeManaged("com.viewer.two")

	waitFor(t, time.Second, func() bool {
		return len(rec.glassesOfType(protocol.TypeStopRTMPStream)) > 0
	})
	sup.HandleStatus(&protocol.RTMPStreamStatus{StreamID: streamID, Status: protocol.StreamStatusStopped})

	waitFor(t, time.Second, func() bool {
		for _, id := range backend.Released() {
			if id == streamID {
				return true
			}
		}
		return false
	})
}

func TestManagedViewerReturnsDuringGrace(t *testing.T) {
	cfg := testConfig()
	sup, rec, _ := newTestSupervisor(cfg)

	require.NoError(t, sup.SubscribeManaged("com.viewer"))
	waitFor(t, time.Second, func() bool {
		return len(rec.glassesOfType(protocol.TypeStartRTMPStream)) == 1
	})

	sup.UnsubscribeManaged("com.viewer")
	require.NoError(t, sup.SubscribeManaged("com.viewer"))

	// The grace timer was cancelled; the stream must not stop.
	time.Sleep(2 * cfg.ViewerGraceWindow)
	require.Empty(t, rec.glassesOfType(protocol.TypeStopRTMPStream))
}

func TestOutputValidationAndCaps(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOutputsPerQuota = 2
	sup, rec, _ := newTestSupervisor(cfg)
	ctx := context.Background()

	require.NoError(t, sup.SubscribeManaged("com.viewer"))
	waitFor(t, time.Second, func() bool {
		return len(rec.glassesOfType(protocol.TypeStartRTMPStream)) == 1
	})
	streamID := rec.glassesOfType(protocol.TypeStartRTMPStream)[0].(*protocol.StartRTMPStream).StreamID

	// Non-viewer is rejected.
	_, err := sup.AddOutput(ctx, "com.stranger", &protocol.RTMPOutputAdd{StreamID: streamID, URL: "rtmp://x/1"})
	require.True(t, errors.Is(err, errors.KindAuth))

	// Bad scheme is rejected.
	_, err = sup.AddOutput(ctx, "com.viewer", &protocol.RTMPOutputAdd{StreamID: streamID, URL: "https://x/1"})
	require.True(t, errors.Is(err, errors.KindProtocol))

	id1, err := sup.AddOutput(ctx, "com.viewer", &protocol.RTMPOutputAdd{StreamID: streamID, URL: "rtmp://x/1"})
	require.NoError(t, err)
	_, err = sup.AddOutput(ctx, "com.viewer", &protocol.RTMPOutputAdd{StreamID: streamID, URL: "rtmps://x/2"})
	require.NoError(t, err)

	// Duplicate URL.
	_, err = sup.AddOutput(ctx, "com.viewer", &protocol.RTMPOutputAdd{StreamID: streamID, URL: "rtmp://x/1"})
	require.True(t, errors.Is(err, errors.KindProtocol))

	// Per-stream / per-app cap.
	_, err = sup.AddOutput(ctx, "com.viewer", &protocol.RTMPOutputAdd{StreamID: streamID, URL: "rtmp://x/3"})
	require.True(t, errors.Is(err, errors.KindResourceExhausted))

	// Non-viewer cannot remove.
	err = sup.RemoveOutput(ctx, "com.stranger", &protocol.RTMPOutputRemove{StreamID: streamID, OutputID: id1})
	require.True(t, errors.Is(err, errors.KindAuth))

	// Removing frees quota.
	require.NoError(t, sup.RemoveOutput(ctx, "com.viewer", &protocol.RTMPOutputRemove{StreamID: streamID, OutputID: id1}))
	_, err = sup.AddOutput(ctx, "com.viewer", &protocol.RTMPOutputAdd{StreamID: streamID, URL: "rtmp://x/3"})
	require.NoError(t, err)

	// Removing an unknown output is a no-op.
	require.NoError(t, sup.RemoveOutput(ctx, "com.viewer", &protocol.RTMPOutputRemove{StreamID: streamID, OutputID: "gone"}))
}

func TestDirectRejectedWhileManagedActive(t *testing.T) {
	sup, rec, _ := newTestSupervisor(testConfig())

	require.NoError(t, sup.SubscribeManaged("com.viewer"))
	waitFor(t, time.Second, func() bool {
		return len(rec.glassesOfType(protocol.TypeStartRTMPStream)) == 1
	})

	_, err := sup.RequestDirect("com.cam", &protocol.RTMPStreamRequest{RTMPURL: "rtmp://a/b"})
	require.True(t, errors.Is(err, errors.KindBusy))
}

func TestAppStoppedReleasesDirectStream(t *testing.T) {
	sup, rec, _ := newTestSupervisor(testConfig())

	_, err := sup.RequestDirect("com.cam", &protocol.RTMPStreamRequest{RTMPURL: "rtmp://a/b"})
	require.NoError(t, err)

	sup.AppStopped("com.cam")
	require.NotEmpty(t, rec.glassesOfType(protocol.TypeStopRTMPStream))

	// The stop fallback lands the stream in stopped even if the glasses
	// never confirm.
	waitFor(t, time.Second, func() bool {
		_, _, active := sup.ActiveDirect()
		return !active
	})
}

func TestTeardownAllReleasesEverything(t *testing.T) {
	sup, rec, backend := newTestSupervisor(testConfig())

	require.NoError(t, sup.SubscribeManaged("com.viewer"))
	waitFor(t, time.Second, func() bool {
		return len(rec.glassesOfType(protocol.TypeStartRTMPStream)) == 1
	})
	streamID := rec.glassesOfType(protocol.TypeStartRTMPStream)[0].(*protocol.StartRTMPStream).StreamID

	sup.TeardownAll()

	statuses := rec.managedStatuses("com.viewer")
	require.Equal(t, protocol.StreamStatusStopped, statuses[len(statuses)-1].Status)

	waitFor(t, time.Second, func() bool {
		for _, id := range backend.Released() {
			if id == streamID {
				return true
			}
		}
		return false
	})

	// New work is refused after teardown.
	_, err := sup.RequestDirect("com.cam", &protocol.RTMPStreamRequest{RTMPURL: "rtmp://a/b"})
	require.Error(t, err)
	require.True(t, errors.Is(sup.SubscribeManaged("com.viewer"), errors.KindNotFound))
}
