package media

import "context"

// Ingest is an allocated cloud ingest point for a managed stream.
type Ingest struct {
	// CFIngestURL is the RTMPS URL the glasses publish to.
	CFIngestURL string
	// CFLiveInputID is the backend's identifier for the live input.
	CFLiveInputID string
	// AccessURLs are the viewer-facing playback URLs keyed by protocol
	// (hls, dash, rtmp).
	AccessURLs map[string]string
}

// Backend allocates and releases cloud ingest points and restream outputs
// for managed streams. Implementations must be safe for concurrent use.
type Backend interface {
	AllocateIngest(ctx context.Context, streamID string) (*Ingest, error)
	AddRestreamOutput(ctx context.Context, streamID, url, name string) (outputID string, err error)
	RemoveRestreamOutput(ctx context.Context, streamID, outputID string) error
	ReleaseIngest(ctx context.Context, streamID string) error
}
