package audio

import (
	"sync"
	"time"

	"github.com/lenscloud/lenscloud/internal/logger"
)

// frame is one buffered audio chunk with its arrival timestamp.
type frame struct {
	at   time.Time
	data []byte
}

// ChunkSink receives every inbound audio frame that has at least one
// audio_chunk subscriber. The session wires this to subscription fan-out.
type ChunkSink func(data []byte)

// VADSink receives voice-activity transitions.
type VADSink func(speaking bool)

// Manager keeps the rolling audio buffer for a session and gates fan-out.
//
// The buffer is single-writer (the glasses read loop) with copy-out readers;
// RecentAudio never aliases buffered frames.
type Manager struct {
	mu        sync.Mutex
	frames    []frame
	retention time.Duration

	vad      *EnergyVAD
	speaking bool

	hasChunkSubs func() bool
	chunkSink    ChunkSink
	vadSink      VADSink

	log *logger.Logger
}

// NewManager creates an audio manager retaining at least the given span.
func NewManager(retention time.Duration, log *logger.Logger) *Manager {
	return &Manager{
		retention: retention,
		vad:       NewEnergyVAD(),
		log:       log.WithComponent("audio"),
	}
}

// SetSinks wires the fan-out hooks. hasChunkSubs is consulted per frame so
// fan-out stops as soon as the last audio_chunk subscriber leaves.
func (m *Manager) SetSinks(hasChunkSubs func() bool, chunkSink ChunkSink, vadSink VADSink) {
	m.hasChunkSubs = hasChunkSubs
	m.chunkSink = chunkSink
	m.vadSink = vadSink
}

// Ingest processes one inbound binary audio frame: buffer it, fan it out if
// anyone is listening, and feed the voice activity detector.
func (m *Manager) Ingest(data []byte) {
	now := time.Now()

	cp := make([]byte, len(data))
	copy(cp, data)

	m.mu.Lock()
	m.frames = append(m.frames, frame{at: now, data: cp})
	m.evictLocked(now)

	speaking := m.vad.Process(cp)
	transition := speaking != m.speaking
	m.speaking = speaking
	m.mu.Unlock()

	if m.hasChunkSubs != nil && m.chunkSink != nil && m.hasChunkSubs() {
		m.chunkSink(data)
	}

	if transition && m.vadSink != nil {
		m.vadSink(speaking)
	}
}

// evictLocked drops frames older than the retention window, always keeping
// the most recent frame so RecentAudio never returns empty after ingest.
func (m *Manager) evictLocked(now time.Time) {
	cutoff := now.Add(-m.retention)
	i := 0
	for i < len(m.frames)-1 && m.frames[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.frames = append(m.frames[:0:0], m.frames[i:]...)
	}
}

// RecentAudio returns a concatenated copy of the most recent span of audio.
func (m *Manager) RecentAudio(duration time.Duration) []byte {
	cutoff := time.Now().Add(-duration)

	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	start := len(m.frames)
	for i := len(m.frames) - 1; i >= 0; i-- {
		if m.frames[i].at.Before(cutoff) {
			break
		}
		start = i
		total += len(m.frames[i].data)
	}

	out := make([]byte, 0, total)
	for _, f := range m.frames[start:] {
		out = append(out, f.data...)
	}
	return out
}

// BufferedDuration returns the span currently held in the buffer.
func (m *Manager) BufferedDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.frames) < 2 {
		return 0
	}
	return m.frames[len(m.frames)-1].at.Sub(m.frames[0].at)
}

// IsSpeaking returns the current VAD state.
func (m *Manager) IsSpeaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speaking
}
