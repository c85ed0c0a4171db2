package raopd

// noFlush is the sentinel meaning "no pending flush".
const noFlush = int32(-42)

// mailbox is the thread-safe holding area for control-plane events issued
// by a signalling layer and drained once per worker loop iteration. It is
// embedded in Session and always accessed under Session.mu — one mutex
// guarding every field listed here.
type mailbox struct {
	volume        float64
	volumeChanged bool

	flush int32 // noFlush sentinel when nothing pending

	metadata []byte
	coverart []byte

	dacpID             string
	activeRemoteHeader string
	hasRemoteControlID bool

	progressStart, progressCurr, progressEnd uint32
	progressChanged                          bool
}

func newMailbox() mailbox {
	return mailbox{flush: noFlush}
}

// mailboxSnapshot is the result of draining a mailbox: every field the
// drain owns a copy of, with ownership of the blob slices transferred to
// the caller.
type mailboxSnapshot struct {
	volume        float64
	volumeChanged bool

	flush int32

	metadata []byte
	coverart []byte

	dacpID             string
	activeRemoteHeader string
	hasRemoteControlID bool

	progressStart, progressCurr, progressEnd uint32
	progressChanged                          bool
}

// drain snapshots every field, clears the "changed" bits and blob
// pointers, and returns the snapshot. Caller must hold Session.mu; this
// function does not lock on its own so the caller can release the lock
// immediately after, before dispatching to callbacks.
func (m *mailbox) drain() mailboxSnapshot {
	snap := mailboxSnapshot{
		volume:             m.volume,
		volumeChanged:      m.volumeChanged,
		flush:              m.flush,
		metadata:           m.metadata,
		coverart:           m.coverart,
		dacpID:             m.dacpID,
		activeRemoteHeader: m.activeRemoteHeader,
		hasRemoteControlID: m.hasRemoteControlID,
		progressStart:      m.progressStart,
		progressCurr:       m.progressCurr,
		progressEnd:        m.progressEnd,
		progressChanged:    m.progressChanged,
	}

	m.volumeChanged = false
	m.flush = noFlush
	m.metadata = nil
	m.coverart = nil
	m.dacpID = ""
	m.activeRemoteHeader = ""
	m.hasRemoteControlID = false
	m.progressChanged = false

	return snap
}

// changed reports whether any field differs from its drained default,
// used only to decide whether to bump the mailbox_drains_total metric.
func (s mailboxSnapshot) changed() bool {
	return s.volumeChanged || s.flush != noFlush || s.metadata != nil ||
		s.coverart != nil || s.hasRemoteControlID || s.progressChanged
}
