package raopd

import "encoding/binary"

// timingProbe is an archival bidirectional NTP timing exchange: a request
// sent over the timing socket expecting a reply carrying origin/receive/
// transmit timestamps, the classic three-timestamp round-trip-delay
// computation. It is present in archival form only and is not part of the
// active contract — nothing in Session ever constructs or runs one. It is
// kept so a future maintainer who does want to wire up bidirectional
// timing doesn't have to re-derive the packet layout from scratch.
//
// Deliberately unexported and unreferenced outside this file.
type timingProbe struct {
	tsock *Session
}

// buildTimingRequest lays out the 32-byte timing-request packet: an
// RTP-like 4-byte header with marker/payload-type 0xd2 and sequence 7,
// four zero bytes, then three 8-byte timestamp fields (origin/receive/
// transmit) at offsets 8, 16 and 24. Only the transmit field is filled in,
// with the send time as raw Unix microseconds, not NTP fixed-point.
func buildTimingRequest(sendTimeUnixMicros int64) [32]byte {
	var pkt [32]byte
	pkt[0] = 0x80
	pkt[1] = 0xd2
	binary.BigEndian.PutUint16(pkt[2:4], 7)
	binary.BigEndian.PutUint64(pkt[24:32], uint64(sendTimeUnixMicros))
	return pkt
}

// parseTimingReply extracts the three NTP-style timestamps a timing reply
// carries (Origin/Receive/Transmit, 8 bytes each starting at byte 8).
func parseTimingReply(pkt []byte) (origin, receive, transmit uint64, ok bool) {
	if len(pkt) < 32 {
		return 0, 0, 0, false
	}
	origin = binary.BigEndian.Uint64(pkt[8:16])
	receive = binary.BigEndian.Uint64(pkt[16:24])
	transmit = binary.BigEndian.Uint64(pkt[24:32])
	return origin, receive, transmit, true
}
