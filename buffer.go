package raopd

import "sync"

// bufferSlot is one entry in the reorder window: whether it holds a
// packet, the sequence number and RTP timestamp it was admitted under,
// and the decrypted, decoded PCM payload.
type bufferSlot struct {
	filled    bool
	seqnum    uint16
	timestamp uint32
	payload   []byte
}

// Buffer is the fixed-capacity reorder/resend window keyed by 16-bit RTP
// sequence number. It owns the crypto-and-decode pipeline: queue()
// decrypts and decodes before writing a slot, so a caller only ever sees
// ready-to-emit PCM out of dequeue().
//
// Invariant: dequeue never yields the same sequence number twice, and
// emitted sequence numbers strictly increase modulo 2^16.
//
// Known limitation: there is no timeout on an unfilled cursor slot. A gap
// that outlives the resend horizon without being retransmitted stalls
// dequeue indefinitely; this is a deliberate tradeoff, not an oversight —
// see DESIGN.md.
type Buffer struct {
	mu       sync.Mutex
	slots    []bufferSlot
	capacity int // power of two

	cursor  uint16
	defined bool

	decryptor *aesCBCDecryptor
	decoder   Decoder

	// cumulative counters, read by Metrics
	lossesTotal  uint64
	droppedTotal uint64
}

// NewBuffer allocates a Buffer with the given capacity (must be a power of
// two), AES key/IV for payload decryption, and a Decoder for ALAC->PCM
// (use PassthroughDecoder if the payload is already PCM).
func NewBuffer(capacity int, aesKey, aesIV []byte, decoder Decoder) (*Buffer, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 || capacity >= 1<<16 {
		return nil, newKindError(KindInvalidArgument, ErrBadCapacity)
	}
	dec, err := newAESCBCDecryptor(aesKey, aesIV)
	if err != nil {
		return nil, err
	}
	if decoder == nil {
		decoder = PassthroughDecoder{}
	}
	return &Buffer{
		slots:     make([]bufferSlot, capacity),
		capacity:  capacity,
		decryptor: dec,
		decoder:   decoder,
	}, nil
}

// sequenceDistance returns the forward distance from cursor to s, and
// whether s lies "before" cursor in the signed half-circle sense used to
// distinguish late duplicates from genuine forward jumps (the same
// technique RTP/TCP sequence-number comparisons use: treat the 16-bit
// difference as a signed value and its sign tells you the direction).
func sequenceDistance(cursor, s uint16) (forward uint16, before bool) {
	d := s - cursor
	return d, int16(d) < 0
}

// queue parses the RTP header, decrypts and decodes the payload, and
// admits it to the window. pkt must be a full RTP packet (12-byte header
// + payload), already stripped of any retransmission envelope. A
// malformed header is reported to the caller; decode failures are also
// reported rather than silently dropped, since a bad decode means the
// packet never reaches a slot at all.
func (b *Buffer) queue(pkt []byte) error {
	seq, ts, ok := rtpSeqTimestamp(pkt)
	if !ok {
		return newKindError(KindProtocolViolation, ErrMalformedRTPFrame)
	}
	raw := pkt[rtpHeaderLen:]
	decrypted := b.decryptor.decrypt(raw)
	pcm, err := b.decoder.Decode(ts, decrypted)
	if err != nil {
		return newKindError(KindProtocolViolation, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.admitLocked(seq, ts, pcm)
	return nil
}

func (b *Buffer) admitLocked(seq uint16, ts uint32, payload []byte) {
	if !b.defined {
		b.cursor = seq
		b.defined = true
	}

	fwd, before := sequenceDistance(b.cursor, seq)
	switch {
	case int(fwd) < b.capacity:
		// In window: write (overwrite allowed, idempotent on identical
		// payload since we just replace the slot contents).
		b.slots[int(seq)%b.capacity] = bufferSlot{
			filled:    true,
			seqnum:    seq,
			timestamp: ts,
			payload:   payload,
		}
	case before:
		// Late duplicate, behind the cursor: silently discard.
		b.droppedTotal++
	default:
		// More than capacity ahead: the cursor jumps forward, the
		// intervening slots are cleared, and the gap is counted as lost.
		b.lossesTotal += uint64(fwd)
		for i := range b.slots {
			b.slots[i] = bufferSlot{}
		}
		b.cursor = seq
		b.slots[int(seq)%b.capacity] = bufferSlot{
			filled:    true,
			seqnum:    seq,
			timestamp: ts,
			payload:   payload,
		}
	}
}

// dequeue returns the payload and RTP timestamp at the cursor iff filled,
// advancing the cursor and clearing the slot. noResend documents the
// caller's intent not to wait for a retransmit of this gap; an empty
// cursor slot always returns ok=false regardless of noResend — the flag
// only matters to the caller's own resend-request policy, decided in
// Session, not here.
func (b *Buffer) dequeue(noResend bool) (payload []byte, ts uint32, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.defined {
		return nil, 0, false
	}
	idx := int(b.cursor) % b.capacity
	slot := b.slots[idx]
	if !slot.filled || slot.seqnum != b.cursor {
		_ = noResend // documented no-op, see doc comment above
		return nil, 0, false
	}
	b.slots[idx] = bufferSlot{}
	b.cursor++
	return slot.payload, slot.timestamp, true
}

// gap describes one contiguous run of unfilled slots starting at first.
type gap struct {
	first uint16
	count uint16
}

// handleResends walks forward from the cursor up to horizon slots, but no
// further than the newest admitted packet, collecting runs of unfilled
// slots, and invokes emit once per run.
// horizon should be <= capacity/2, leaving headroom for packets still in
// flight past the gap before they're wrongly flagged as lost.
func (b *Buffer) handleResends(horizon int, emit func(first, count uint16)) {
	b.mu.Lock()
	gaps := b.collectGapsLocked(horizon)
	b.mu.Unlock()
	for _, g := range gaps {
		emit(g.first, g.count)
	}
}

func (b *Buffer) collectGapsLocked(horizon int) []gap {
	if !b.defined || horizon <= 0 {
		return nil
	}
	if horizon > b.capacity {
		horizon = b.capacity
	}
	// Slots past the newest admitted packet are not lost, only not yet
	// sent, so the walk stops there.
	newest := 0
	for i := 0; i < b.capacity; i++ {
		seq := b.cursor + uint16(i)
		slot := b.slots[int(seq)%b.capacity]
		if slot.filled && slot.seqnum == seq {
			newest = i
		}
	}
	if horizon > newest {
		horizon = newest
	}
	var gaps []gap
	var cur *gap
	for i := 0; i < horizon; i++ {
		seq := b.cursor + uint16(i)
		idx := int(seq) % b.capacity
		slot := b.slots[idx]
		missing := !slot.filled || slot.seqnum != seq
		if missing {
			if cur == nil {
				cur = &gap{first: seq, count: 1}
			} else {
				cur.count++
			}
		} else if cur != nil {
			gaps = append(gaps, *cur)
			cur = nil
		}
	}
	if cur != nil {
		gaps = append(gaps, *cur)
	}
	return gaps
}

// flush clears all slots. If toUndefined is true the cursor becomes
// undefined again, the same state a freshly constructed Buffer starts in.
// Otherwise the cursor is set to nextSeq so subsequent admissions align
// with the new play head.
func (b *Buffer) flush(nextSeq uint16, toUndefined bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.slots {
		b.slots[i] = bufferSlot{}
	}
	if toUndefined {
		b.defined = false
		b.cursor = 0
		return
	}
	b.cursor = nextSeq
	b.defined = true
}

// counters returns the cumulative loss and late-duplicate-drop counts,
// for the caller to translate into a metrics delta.
func (b *Buffer) counters() (losses, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lossesTotal, b.droppedTotal
}

// occupancy returns the number of filled slots, for the occupancy gauge.
func (b *Buffer) occupancy() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.slots {
		if s.filled {
			n++
		}
	}
	return n
}
