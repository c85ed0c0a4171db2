package raopd

import "encoding/binary"

// Payload type bytes classified from the low 7 bits of the second RTP
// header byte.
const (
	payloadTypeRetransmit = 0x56
	payloadTypeSync       = 0x54
	payloadTypeMask       = 0x7f
)

// ntpEpochOffsetSeconds is the 1900-01-01 -> 1970-01-01 offset, in seconds.
const ntpEpochOffsetSeconds = 2208988800

// rtpHeaderLen is the fixed 12-byte RTP header length this profile
// expects: no CSRC list, no header extension.
const rtpHeaderLen = 12

// retransmitEnvelopeLen is the 4-byte prefix prepended to a retransmitted
// audio packet when it arrives on the control socket.
const retransmitEnvelopeLen = 4

// syncPacketLen is the exact length of a time-sync control packet.
const syncPacketLen = 20

// payloadType extracts the low 7 bits of byte 1 of an RTP/control packet.
func payloadType(pkt []byte) (byte, bool) {
	if len(pkt) < 2 {
		return 0, false
	}
	return pkt[1] & payloadTypeMask, true
}

// rtpSeqTimestamp parses the sequence number (bytes 2..4) and RTP
// timestamp (bytes 4..8) of a 12-byte RTP header.
func rtpSeqTimestamp(pkt []byte) (seq uint16, ts uint32, ok bool) {
	if len(pkt) < rtpHeaderLen {
		return 0, 0, false
	}
	seq = binary.BigEndian.Uint16(pkt[2:4])
	ts = binary.BigEndian.Uint32(pkt[4:8])
	return seq, ts, true
}

// syncPacketFields holds the parsed fields of a 20-byte 0x54 sync packet:
// the RTP timestamp at the moment of the sync, the sender's current NTP
// time, and the RTP timestamp the sender expects its next packet to
// carry.
type syncPacketFields struct {
	rtpTimestamp     uint32
	ntpTimestamp     uint64 // raw 64-bit NTP fixed-point, seconds<<32 | frac
	nextRTPTimestamp uint32
}

func parseSyncPacket(pkt []byte) (syncPacketFields, bool) {
	if len(pkt) != syncPacketLen {
		return syncPacketFields{}, false
	}
	return syncPacketFields{
		rtpTimestamp:     binary.BigEndian.Uint32(pkt[4:8]),
		ntpTimestamp:     binary.BigEndian.Uint64(pkt[8:16]),
		nextRTPTimestamp: binary.BigEndian.Uint32(pkt[16:20]),
	}, true
}

// ntpToUnixMicros converts a 64-bit NTP fixed-point timestamp (32-bit
// seconds since 1900, 32-bit fraction) to microseconds since the Unix
// epoch.
func ntpToUnixMicros(ntp uint64) int64 {
	seconds := int64(ntp >> 32)
	frac := ntp & 0xffffffff
	unixSeconds := seconds - ntpEpochOffsetSeconds
	fracMicros := int64(frac) * 1_000_000 >> 32
	return unixSeconds*1_000_000 + fracMicros
}

// buildResendRequest constructs the 8-byte outbound resend-request packet:
// a 2-byte marker/type header, our own outbound sequence counter, the
// first missing sequence number, and the run length.
func buildResendRequest(ourSeq, firstMissing, count uint16) [8]byte {
	var pkt [8]byte
	pkt[0] = 0x80
	pkt[1] = 0x55 | 0x80
	binary.BigEndian.PutUint16(pkt[2:4], ourSeq)
	binary.BigEndian.PutUint16(pkt[4:6], firstMissing)
	binary.BigEndian.PutUint16(pkt[6:8], count)
	return pkt
}
