package raopd

// sampleRateHz is the fixed ALAC PCM sample rate this profile streams at.
const sampleRateHz = 44100

// syncAnchor pairs one RTP timestamp with the absolute (Unix microsecond)
// time it corresponds to, as reported by the sender's last clock-sync
// packet. A zero-value anchor means undefined.
type syncAnchor struct {
	ntpUnixMicros int64
	rtpTimestamp  uint32
	defined       bool
}

// pts computes the presentation timestamp for a frame carrying RTP
// timestamp t:
//
//	PTS = anchor_unix_us + (t - anchor_rtp_ts) * 1e6 / sampleRateHz
//
// The difference is taken as a signed 32-bit wraparound value and then
// promoted to 64 bits before the multiply, so a timestamp that has
// wrapped around the 32-bit RTP clock still produces the correct signed
// offset instead of overflowing. If the anchor is undefined, PTS is 0.
func (a syncAnchor) pts(t uint32) int64 {
	if !a.defined {
		return 0
	}
	diff := int64(int32(t - a.rtpTimestamp))
	return a.ntpUnixMicros + diff*1_000_000/sampleRateHz
}
