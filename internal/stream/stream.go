package stream

import (
	"time"

	"github.com/lenscloud/lenscloud/internal/media"
	"github.com/lenscloud/lenscloud/internal/protocol"
)

// Kind distinguishes direct streams (glasses publish straight to an
// App-provided RTMP URL) from managed streams (glasses publish to a cloud
// ingest the broker allocates, viewers watch via access URLs).
type Kind string

const (
	KindDirect  Kind = "direct"
	KindManaged Kind = "managed"
)

// Output is a restream output attached to a managed stream.
type Output struct {
	ID      string
	URL     string
	Name    string
	AddedBy string
}

// Stream is the supervisor's record of one RTMP stream. All fields are
// guarded by the supervisor mutex.
type Stream struct {
	ID          string
	Kind        Kind
	RequestedBy string // direct: requesting App package name
	RTMPURL     string // destination the glasses publish to
	Config      protocol.StreamConfig
	Status      protocol.StreamStatus
	Ingest      *media.Ingest // managed only, nil until allocation completes

	viewers map[string]struct{} // managed: cloud_rtmp subscribers
	outputs []*Output

	pendingAcks map[string]*time.Timer // ackId -> expiry timer
	missedAcks  int
	lastAckAt   time.Time

	keepAlive  *time.Timer // next keep_rtmp_stream_alive send
	graceTimer *time.Timer // managed: last-viewer grace
	stopTimer  *time.Timer // stopping -> stopped fallback

	startedAt time.Time
}

// normalizeStatus folds the glasses-reported status vocabulary into the
// canonical set delivered to Apps.
func normalizeStatus(s protocol.StreamStatus) protocol.StreamStatus {
	switch s {
	case protocol.StreamStatusConnecting:
		return protocol.StreamStatusInitializing
	case protocol.StreamStatusStreaming:
		return protocol.StreamStatusActive
	case protocol.StreamStatusDisconnected:
		return protocol.StreamStatusStopped
	default:
		return s
	}
}

// isTerminal reports whether a status ends the stream's lifecycle.
func isTerminal(s protocol.StreamStatus) bool {
	switch s {
	case protocol.StreamStatusStopped, protocol.StreamStatusTimeout, protocol.StreamStatusError:
		return true
	}
	return false
}

// live reports whether the stream still occupies the glasses encoder.
func (st *Stream) live() bool {
	return !isTerminal(st.Status)
}

func (st *Stream) isViewer(packageName string) bool {
	_, ok := st.viewers[packageName]
	return ok
}

// cancelTimersLocked stops every timer owned by the stream. Callers hold the
// supervisor mutex; timer callbacks re-acquire it, so a callback that already
// fired observes the stream's terminal state and returns.
func (st *Stream) cancelTimersLocked() {
	if st.keepAlive != nil {
		st.keepAlive.Stop()
		st.keepAlive = nil
	}
	for ackID, t := range st.pendingAcks {
		t.Stop()
		delete(st.pendingAcks, ackID)
	}
	if st.graceTimer != nil {
		st.graceTimer.Stop()
		st.graceTimer = nil
	}
	if st.stopTimer != nil {
		st.stopTimer.Stop()
		st.stopTimer = nil
	}
}
