package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/lenscloud/lenscloud/internal/errors"
)

// FakeBackend is an in-memory Backend for tests. It hands out predictable
// URLs and records releases.
type FakeBackend struct {
	mu        sync.Mutex
	allocated map[string]*Ingest
	outputs   map[string]map[string]string // streamID -> outputID -> url
	released  []string
	nextOut   int

	// FailAllocations makes AllocateIngest fail until the counter reaches
	// zero, for retry-path tests.
	FailAllocations int
}

// NewFakeBackend creates an empty fake.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		allocated: make(map[string]*Ingest),
		outputs:   make(map[string]map[string]string),
	}
}

func (f *FakeBackend) AllocateIngest(ctx context.Context, streamID string) (*Ingest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailAllocations > 0 {
		f.FailAllocations--
		return nil, errors.Transient("fake allocation failure")
	}

	ingest := &Ingest{
		CFIngestURL:   "rtmps://ingest.fake/" + streamID,
		CFLiveInputID: "li-" + streamID,
		AccessURLs: map[string]string{
			"hls":  "https://watch.fake/" + streamID + "/video.m3u8",
			"dash": "https://watch.fake/" + streamID + "/video.mpd",
			"rtmp": "rtmps://ingest.fake/" + streamID,
		},
	}
	f.allocated[streamID] = ingest
	f.outputs[streamID] = make(map[string]string)
	return ingest, nil
}

func (f *FakeBackend) AddRestreamOutput(ctx context.Context, streamID, url, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	outs, ok := f.outputs[streamID]
	if !ok {
		return "", errors.NotFound("no ingest for " + streamID)
	}
	f.nextOut++
	id := fmt.Sprintf("out-%d", f.nextOut)
	outs[id] = url
	return id, nil
}

func (f *FakeBackend) RemoveRestreamOutput(ctx context.Context, streamID, outputID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	outs, ok := f.outputs[streamID]
	if !ok {
		return errors.NotFound("no ingest for " + streamID)
	}
	delete(outs, outputID)
	return nil
}

func (f *FakeBackend) ReleaseIngest(ctx context.Context, streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.allocated, streamID)
	delete(f.outputs, streamID)
	f.released = append(f.released, streamID)
	return nil
}

// Released returns the stream IDs whose ingest was released, in order.
func (f *FakeBackend) Released() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.released))
	copy(out, f.released)
	return out
}
