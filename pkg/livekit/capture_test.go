package livekit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelink-ai/voicelink/pkg/audio"
)

// 20ms mono frames at 8kHz are 320 bytes; the test ring stages 100ms.
const testFrameBytes = 320

func newTestMicrophone() *microphone {
	return &microphone{
		preRoll:    audio.NewRing(8000, 100),
		frames:     make(chan []byte, 16),
		frameBytes: testFrameBytes,
		done:       make(chan struct{}),
	}
}

func pcmFrame(fill byte, n int) []byte {
	frame := make([]byte, n)
	for i := range frame {
		frame[i] = fill
	}
	return frame
}

func (m *microphone) drainQueued() [][]byte {
	var out [][]byte
	for {
		select {
		case f := <-m.frames:
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestCaptureFramesFlowWhileUnmuted(t *testing.T) {
	m := newTestMicrophone()

	m.onCaptureFrame(pcmFrame(0x11, testFrameBytes))

	queued := m.drainQueued()
	require.Len(t, queued, 1)
	assert.Equal(t, pcmFrame(0x11, testFrameBytes), queued[0])
}

func TestMutedCaptureStagesInsteadOfEncoding(t *testing.T) {
	m := newTestMicrophone()
	m.setMuted(true)

	for i := 0; i < 3; i++ {
		m.onCaptureFrame(pcmFrame(byte(i+1), testFrameBytes))
	}

	assert.Empty(t, m.drainQueued(), "muted frames must not reach the encoder")
	assert.Equal(t, 3*testFrameBytes, m.preRoll.Size())
}

func TestUnmuteFlushesPreRollAheadOfLiveFrames(t *testing.T) {
	m := newTestMicrophone()
	m.setMuted(true)
	m.onCaptureFrame(pcmFrame(0x01, testFrameBytes))
	m.onCaptureFrame(pcmFrame(0x02, testFrameBytes))

	m.setMuted(false)
	m.onCaptureFrame(pcmFrame(0x03, testFrameBytes))

	queued := m.drainQueued()
	require.Len(t, queued, 3)
	assert.Equal(t, pcmFrame(0x01, testFrameBytes), queued[0])
	assert.Equal(t, pcmFrame(0x02, testFrameBytes), queued[1])
	assert.Equal(t, pcmFrame(0x03, testFrameBytes), queued[2])
	assert.Zero(t, m.preRoll.Size(), "flush must empty the staging ring")
}

func TestUnmuteFlushPadsPartialFrame(t *testing.T) {
	m := newTestMicrophone()
	m.setMuted(true)
	m.onCaptureFrame(pcmFrame(0x05, 100))

	m.setMuted(false)

	queued := m.drainQueued()
	require.Len(t, queued, 1)
	require.Len(t, queued[0], testFrameBytes)
	assert.Equal(t, pcmFrame(0x05, 100), queued[0][:100])
	assert.Equal(t, make([]byte, testFrameBytes-100), queued[0][100:])
}

func TestMuteDiscardsLiveTail(t *testing.T) {
	m := newTestMicrophone()
	m.onCaptureFrame(pcmFrame(0x07, testFrameBytes))
	m.drainQueued()

	m.setMuted(true)
	assert.Zero(t, m.preRoll.Size(), "mute must discard audio that already went live")

	m.setMuted(false)
	assert.Empty(t, m.drainQueued(), "nothing staged during the mute, nothing to flush")
}

func TestSetMutedIsIdempotent(t *testing.T) {
	m := newTestMicrophone()
	m.setMuted(true)
	m.onCaptureFrame(pcmFrame(0x09, testFrameBytes))

	// Repeating the current state must not discard the staged audio.
	m.setMuted(true)
	assert.Equal(t, testFrameBytes, m.preRoll.Size())

	m.setMuted(false)
	require.Len(t, m.drainQueued(), 1)
}
