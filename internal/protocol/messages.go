package protocol

import "encoding/json"

// Message type identifiers. Wire names are preserved from the existing
// glasses and App clients, so they must not be renamed.
const (
	// Glasses -> Cloud
	TypeConnectionInit   = "connection_init"
	TypeRTMPStreamStatus = "rtmp_stream_status"
	TypeKeepAliveAck     = "keep_alive_ack"
	TypeButtonPress      = "button_press"
	TypeHeadPosition     = "head_position"
	TypeLocationUpdate   = "location_update"
	TypePhotoResponse    = "photo_response"
	TypeVADStatus        = "vad"
	TypeGlassesHeartbeat = "glasses_heartbeat"

	// Cloud -> Glasses
	TypeStartRTMPStream       = "start_rtmp_stream"
	TypeStopRTMPStream        = "stop_rtmp_stream"
	TypeKeepRTMPStreamAlive   = "keep_rtmp_stream_alive"
	TypeDisplayEvent          = "display_event"
	TypeAppStateChange        = "app_state_change"
	TypeMicrophoneStateChange = "microphone_state_change"
	TypeTakePhoto             = "take_photo"

	// App -> Cloud
	TypeAppConnectionInit   = "tpa_connection_init"
	TypeSubscriptionUpdate  = "subscription_update"
	TypeDisplayRequest      = "display_request"
	TypeRTMPStreamRequest   = "rtmp_stream_request"
	TypeRTMPStreamStop      = "rtmp_stream_stop"
	TypePhotoRequest        = "photo_request"
	TypeRTMPOutputAdd       = "rtmp_output_add"
	TypeRTMPOutputRemove    = "rtmp_output_remove"
	TypeAppConnectionInitV2 = "connection_init" // normalized alias for newer SDKs

	// Cloud -> App
	TypeConnectionAck   = "connection_ack"
	TypeDataStream      = "data_stream"
	TypeCloudRTMPStatus = "cloud_rtmp_status"
	TypeOutputAdded     = "rtmp_output_added"
	TypeOutputRemoved   = "rtmp_output_removed"
	TypeSettingsUpdate  = "settings_update"
	TypeAppStopped      = "stop"
	TypeProtocolError   = "protocol_error"
	TypeStructuredError = "error"
)

// Envelope is the outer frame of every JSON message. The Type tag selects
// the payload variant; Raw retains the full message for typed decoding.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// ---- Glasses -> Cloud payloads ----

// ConnectionInit is the first message on a glasses socket.
type ConnectionInit struct {
	Type         string       `json:"type"`
	UserID       string       `json:"userId"`
	DeviceModel  string       `json:"deviceModel"`
	Capabilities Capabilities `json:"capabilities"`
}

// RTMPStreamStatus reports stream state transitions from glasses.
type RTMPStreamStatus struct {
	Type         string       `json:"type"`
	StreamID     string       `json:"streamId"`
	Status       StreamStatus `json:"status"`
	Stats        *StreamStats `json:"stats,omitempty"`
	ErrorDetails string       `json:"errorDetails,omitempty"`
}

// KeepAliveAck acknowledges a specific keep_rtmp_stream_alive by ackId.
type KeepAliveAck struct {
	Type      string `json:"type"`
	StreamID  string `json:"streamId"`
	AckID     string `json:"ackId"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ButtonPress reports a hardware button event.
type ButtonPress struct {
	Type      string `json:"type"`
	ButtonID  string `json:"buttonId"`
	PressType string `json:"pressType"` // "short" | "long"
}

// HeadPositionEvent reports head pose transitions.
type HeadPositionEvent struct {
	Type     string       `json:"type"`
	Position HeadPosition `json:"position"`
}

// LocationUpdate reports a GPS fix.
type LocationUpdate struct {
	Type     string  `json:"type"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float64 `json:"accuracy,omitempty"`
}

// PhotoResponse resolves a pending photo request.
type PhotoResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	PhotoURL  string `json:"photoUrl"`
	Error     string `json:"error,omitempty"`
}

// ---- Cloud -> Glasses payloads ----

// StartRTMPStream instructs glasses to begin streaming to rtmpUrl.
type StartRTMPStream struct {
	Type     string                 `json:"type"`
	StreamID string                 `json:"streamId"`
	RTMPURL  string                 `json:"rtmpUrl"`
	Video    map[string]interface{} `json:"video,omitempty"`
	Audio    map[string]interface{} `json:"audio,omitempty"`
	Stream   map[string]interface{} `json:"stream,omitempty"`
}

// StopRTMPStream instructs glasses to stop the active stream.
type StopRTMPStream struct {
	Type     string `json:"type"`
	StreamID string `json:"streamId,omitempty"`
	AppID    string `json:"appId,omitempty"`
}

// KeepRTMPStreamAlive proves broker liveness to the glasses stream watchdog.
type KeepRTMPStreamAlive struct {
	Type      string `json:"type"`
	StreamID  string `json:"streamId"`
	AckID     string `json:"ackId"`
	Timestamp string `json:"timestamp"`
}

// DisplayEvent pushes the currently visible content for a view.
type DisplayEvent struct {
	Type        string                 `json:"type"`
	View        ViewType               `json:"view"`
	PackageName string                 `json:"packageName,omitempty"`
	Content     map[string]interface{} `json:"content,omitempty"`
	Layout      Layout                 `json:"layout,omitempty"`
	Timestamp   string                 `json:"timestamp"`
}

// AppStateChange broadcasts the running/loading App sets.
type AppStateChange struct {
	Type    string   `json:"type"`
	Running []string `json:"running"`
	Loading []string `json:"loading"`
}

// MicrophoneStateChange toggles the glasses microphone.
type MicrophoneStateChange struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

// TakePhoto asks the glasses camera for a photo correlated by requestId.
type TakePhoto struct {
	Type          string `json:"type"`
	RequestID     string `json:"requestId"`
	SaveToGallery bool   `json:"saveToGallery,omitempty"`
}

// ---- App -> Cloud payloads ----

// AppConnectionInit authenticates an App socket against a session.
// Accepted under both the legacy tpa_connection_init and the normalized
// connection_init wire names; the broker exposes only the canonical form.
type AppConnectionInit struct {
	Type        string `json:"type"`
	PackageName string `json:"packageName"`
	APIKey      string `json:"apiKey"`
	SessionID   string `json:"sessionId"`
}

// SubscriptionUpdate replaces the App's subscription set.
type SubscriptionUpdate struct {
	Type          string       `json:"type"`
	Subscriptions []StreamType `json:"subscriptions"`
}

// DisplayRequest pushes content onto a view's display stack.
type DisplayRequest struct {
	Type       string                 `json:"type"`
	View       ViewType               `json:"view"`
	Content    map[string]interface{} `json:"content"`
	Layout     Layout                 `json:"layout,omitempty"`
	DurationMs int64                  `json:"durationMs,omitempty"`
}

// RTMPStreamRequest asks for a direct stream to an App-provided URL.
type RTMPStreamRequest struct {
	Type    string                 `json:"type"`
	RTMPURL string                 `json:"rtmpUrl"`
	Video   map[string]interface{} `json:"video,omitempty"`
	Audio   map[string]interface{} `json:"audio,omitempty"`
	Stream  map[string]interface{} `json:"stream,omitempty"`
}

// RTMPStreamStopRequest stops a direct stream.
type RTMPStreamStopRequest struct {
	Type     string `json:"type"`
	StreamID string `json:"streamId,omitempty"`
}

// PhotoRequestMessage asks the broker to take a photo on the App's behalf.
type PhotoRequestMessage struct {
	Type          string `json:"type"`
	SaveToGallery bool   `json:"saveToGallery,omitempty"`
}

// RTMPOutputAdd adds a restream output to a managed stream.
type RTMPOutputAdd struct {
	Type     string `json:"type"`
	StreamID string `json:"streamId"`
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
}

// RTMPOutputRemove removes a restream output from a managed stream.
type RTMPOutputRemove struct {
	Type     string `json:"type"`
	StreamID string `json:"streamId"`
	OutputID string `json:"outputId"`
}

// ---- Cloud -> App payloads ----

// ConnectionAck confirms a successful App handshake.
type ConnectionAck struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// DataStream carries a subscribed event to an App.
type DataStream struct {
	Type       string      `json:"type"`
	StreamType StreamType  `json:"streamType"`
	Data       interface{} `json:"data"`
	Timestamp  string      `json:"timestamp"`
}

// CloudRTMPStatus is the managed-stream state delivered to viewers.
type CloudRTMPStatus struct {
	Type       string            `json:"type"`
	StreamID   string            `json:"streamId"`
	Status     StreamStatus      `json:"status"`
	AccessURLs map[string]string `json:"accessUrls,omitempty"`
	Stats      *StreamStats      `json:"stats,omitempty"`
}

// SettingsUpdate relays store-side App settings to a running App.
type SettingsUpdate struct {
	Type     string                 `json:"type"`
	Settings map[string]interface{} `json:"settings"`
}

// RTMPOutputAck confirms an output add or remove back to the caller.
type RTMPOutputAck struct {
	Type     string `json:"type"`
	StreamID string `json:"streamId"`
	OutputID string `json:"outputId"`
	URL      string `json:"url,omitempty"`
}

// StopApp tells an App its session is being stopped.
type StopApp struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// WireError is a structured error payload sent on the originating socket.
type WireError struct {
	Type    string                 `json:"type"`
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}
