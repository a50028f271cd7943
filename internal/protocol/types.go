package protocol

import "time"

// StreamType names a subscribable event stream. Values are wire identifiers
// carried in subscription_update and data_stream messages.
type StreamType string

const (
	StreamButtonPress   StreamType = "button_press"
	StreamLocation      StreamType = "location_update"
	StreamHeadPosition  StreamType = "head_position"
	StreamTranscription StreamType = "transcription"
	StreamPhotoTaken    StreamType = "photo_taken"
	StreamAudioChunk    StreamType = "audio_chunk"
	StreamVAD           StreamType = "vad"
	StreamRTMPStatus    StreamType = "rtmp_status"
	StreamCloudRTMP     StreamType = "cloud_rtmp"
)

// IsValid reports whether t is a known stream type.
func (t StreamType) IsValid() bool {
	switch t {
	case StreamButtonPress, StreamLocation, StreamHeadPosition,
		StreamTranscription, StreamPhotoTaken, StreamAudioChunk,
		StreamVAD, StreamRTMPStatus, StreamCloudRTMP:
		return true
	}
	return false
}

// AudioStreamTypes are the subscriptions that require the glasses microphone
// to be on. The broker toggles microphone_state_change when the union of
// these across all running Apps transitions empty/non-empty.
var AudioStreamTypes = []StreamType{StreamAudioChunk, StreamTranscription, StreamVAD}

// Capabilities describes the device features advertised in connection_init.
type Capabilities struct {
	Camera      bool   `json:"camera"`
	Display     bool   `json:"display"`
	Microphone  bool   `json:"microphone"`
	Buttons     bool   `json:"buttons"`
	AudioFormat string `json:"audioFormat,omitempty"` // e.g. "pcm16-16khz"
}

// ViewType selects the display target. Dashboard is visible when the user's
// head is up, main when down.
type ViewType string

const (
	ViewDashboard ViewType = "dashboard"
	ViewMain      ViewType = "main"
)

// HeadPosition is the reported head pose from glasses.
type HeadPosition string

const (
	HeadUp   HeadPosition = "up"
	HeadDown HeadPosition = "down"
)

// StreamStatus is the lifecycle status of an RTMP stream as reported on the
// wire. Glasses report a superset (connecting, streaming, disconnected) that
// the supervisor normalizes.
type StreamStatus string

const (
	StreamStatusInitializing StreamStatus = "initializing"
	StreamStatusConnecting   StreamStatus = "connecting"
	StreamStatusActive       StreamStatus = "active"
	StreamStatusStreaming    StreamStatus = "streaming"
	StreamStatusStopping     StreamStatus = "stopping"
	StreamStatusStopped      StreamStatus = "stopped"
	StreamStatusDisconnected StreamStatus = "disconnected"
	StreamStatusTimeout      StreamStatus = "timeout"
	StreamStatusError        StreamStatus = "error"
	StreamStatusBusy         StreamStatus = "busy"
)

// StreamConfig carries optional encoder parameters for start_rtmp_stream.
type StreamConfig struct {
	Video  map[string]interface{} `json:"video,omitempty"`
	Audio  map[string]interface{} `json:"audio,omitempty"`
	Stream map[string]interface{} `json:"stream,omitempty"`
}

// StreamStats is the opaque stats block glasses may attach to
// rtmp_stream_status. Passed through to subscribers unmodified.
type StreamStats struct {
	Bitrate       int     `json:"bitrate,omitempty"`
	FPS           float64 `json:"fps,omitempty"`
	DroppedFrames int     `json:"droppedFrames,omitempty"`
	DurationMs    int64   `json:"durationMs,omitempty"`
}

// Layout is the opaque layout descriptor in display requests. The broker
// forwards it without interpreting its contents.
type Layout map[string]interface{}

// Timestamp formats t the way the wire expects.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
