package raopd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSyncAnchor_UndefinedReturnsZero(t *testing.T) {
	var a syncAnchor
	assert.Equal(t, int64(0), a.pts(12345))
}

func TestSyncAnchor_PTSAtAnchorEqualsAnchorTime(t *testing.T) {
	a := syncAnchor{ntpUnixMicros: 1_000_000, rtpTimestamp: 44100, defined: true}
	assert.Equal(t, int64(1_000_000), a.pts(44100))
}

func TestSyncAnchor_PTSOneSecondForward(t *testing.T) {
	a := syncAnchor{ntpUnixMicros: 1_000_000, rtpTimestamp: 0, defined: true}
	// One second of audio at 44100Hz is 44100 samples forward.
	assert.Equal(t, int64(2_000_000), a.pts(44100))
}

func TestSyncAnchor_PTSBeforeAnchorGoesNegative(t *testing.T) {
	a := syncAnchor{ntpUnixMicros: 5_000_000, rtpTimestamp: 44100, defined: true}
	assert.Equal(t, int64(4_000_000), a.pts(0))
}

func TestSyncAnchor_ToleratesRTPTimestampWraparound(t *testing.T) {
	// anchor near the top of the 32-bit RTP clock; t wraps past 2^32.
	a := syncAnchor{ntpUnixMicros: 10_000_000, rtpTimestamp: 0xFFFFFFFF - 44099, defined: true}
	wrapped := uint32(0) // wrapped around to 0, which is 44100 samples forward of rtpTimestamp
	got := a.pts(wrapped)
	assert.Equal(t, int64(11_000_000), got)
}
