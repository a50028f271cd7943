package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lenscloud/lenscloud/internal/logger"
)

func pcmFrame(amplitude int16, samples int) []byte {
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(amplitude))
	}
	return data
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

func TestIngestBuffersAndCopies(t *testing.T) {
	m := NewManager(time.Second, testLogger())

	frame := pcmFrame(0, 160)
	frame[0] = 0x42
	m.Ingest(frame)
	frame[0] = 0x00

	buf := m.RecentAudio(time.Second)
	require.Len(t, buf, 320)
	require.Equal(t, byte(0x42), buf[0])
}

func TestRecentAudioConcatenatesNewestFirstToLast(t *testing.T) {
	m := NewManager(time.Second, testLogger())

	m.Ingest([]byte{1, 0})
	m.Ingest([]byte{2, 0})
	m.Ingest([]byte{3, 0})

	require.Equal(t, []byte{1, 0, 2, 0, 3, 0}, m.RecentAudio(time.Second))
}

func TestRetentionEvictsOldFrames(t *testing.T) {
	m := NewManager(20*time.Millisecond, testLogger())

	m.Ingest([]byte{1, 0})
	time.Sleep(40 * time.Millisecond)
	m.Ingest([]byte{2, 0})

	require.Equal(t, []byte{2, 0}, m.RecentAudio(time.Second))
	require.Equal(t, time.Duration(0), m.BufferedDuration())
}

func TestEvictionKeepsMostRecentFrame(t *testing.T) {
	m := NewManager(time.Millisecond, testLogger())

	m.Ingest([]byte{1, 0})
	time.Sleep(10 * time.Millisecond)
	m.Ingest([]byte{2, 0})

	require.NotEmpty(t, m.RecentAudio(time.Second))
}

func TestChunkFanOutFollowsSubscribers(t *testing.T) {
	m := NewManager(time.Second, testLogger())

	var mu sync.Mutex
	var got [][]byte
	subscribed := false

	m.SetSinks(
		func() bool { return subscribed },
		func(data []byte) {
			mu.Lock()
			got = append(got, data)
			mu.Unlock()
		},
		nil,
	)

	m.Ingest(pcmFrame(0, 10))
	require.Empty(t, got)

	subscribed = true
	m.Ingest(pcmFrame(0, 10))
	require.Len(t, got, 1)

	subscribed = false
	m.Ingest(pcmFrame(0, 10))
	require.Len(t, got, 1)
}

func TestVADTransitionsOnly(t *testing.T) {
	m := NewManager(time.Second, testLogger())

	var mu sync.Mutex
	var transitions []bool
	m.SetSinks(nil, nil, func(speaking bool) {
		mu.Lock()
		transitions = append(transitions, speaking)
		mu.Unlock()
	})

	loud := pcmFrame(4000, 160)
	silent := pcmFrame(0, 160)

	m.Ingest(silent)
	require.Empty(t, transitions)

	m.Ingest(loud)
	require.Equal(t, []bool{true}, transitions)
	require.True(t, m.IsSpeaking())

	// Still speaking: no duplicate event.
	m.Ingest(loud)
	require.Equal(t, []bool{true}, transitions)

	// Hangover absorbs short pauses before the stop transition fires.
	for i := 0; i < 10; i++ {
		m.Ingest(silent)
	}
	require.Equal(t, []bool{true, false}, transitions)
	require.False(t, m.IsSpeaking())
}

func TestEnergyVADHangover(t *testing.T) {
	v := NewEnergyVAD()
	loud := pcmFrame(4000, 160)
	silent := pcmFrame(0, 160)

	require.False(t, v.Process(silent))
	require.True(t, v.Process(loud))

	for i := 0; i < v.hangover; i++ {
		require.True(t, v.Process(silent), "hangover frame %d", i)
	}
	require.False(t, v.Process(silent))
}

func TestEnergyVADShortFrame(t *testing.T) {
	v := NewEnergyVAD()
	require.False(t, v.Process([]byte{0x01}))
	require.False(t, v.Process(nil))
}
