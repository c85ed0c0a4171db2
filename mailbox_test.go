package raopd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMailbox_NewMailboxHasNoPendingFlush(t *testing.T) {
	m := newMailbox()
	assert.Equal(t, noFlush, m.flush)
}

func TestMailbox_DrainReturnsSetFieldsAndClearsThem(t *testing.T) {
	m := newMailbox()
	m.volume = -20
	m.volumeChanged = true
	m.flush = 42
	m.metadata = []byte("now playing")
	m.coverart = []byte("jpeg-bytes")
	m.dacpID = "dacp-1"
	m.activeRemoteHeader = "remote-1"
	m.hasRemoteControlID = true
	m.progressStart, m.progressCurr, m.progressEnd = 0, 500, 2000
	m.progressChanged = true

	snap := m.drain()

	assert.Equal(t, -20.0, snap.volume)
	assert.True(t, snap.volumeChanged)
	assert.Equal(t, int32(42), snap.flush)
	assert.Equal(t, []byte("now playing"), snap.metadata)
	assert.Equal(t, []byte("jpeg-bytes"), snap.coverart)
	assert.Equal(t, "dacp-1", snap.dacpID)
	assert.Equal(t, "remote-1", snap.activeRemoteHeader)
	assert.True(t, snap.hasRemoteControlID)
	assert.Equal(t, uint32(500), snap.progressCurr)
	assert.True(t, snap.progressChanged)

	// Second drain sees the reset state.
	again := m.drain()
	assert.False(t, again.volumeChanged)
	assert.Equal(t, noFlush, again.flush)
	assert.Nil(t, again.metadata)
	assert.Nil(t, again.coverart)
	assert.False(t, again.hasRemoteControlID)
	assert.False(t, again.progressChanged)
}

func TestMailboxSnapshot_ChangedReflectsAnySetField(t *testing.T) {
	empty := newMailbox().drain()
	assert.False(t, empty.changed())

	m := newMailbox()
	m.volumeChanged = true
	assert.True(t, m.drain().changed())
}

func TestMailbox_FlushSentinelNotTreatedAsChanged(t *testing.T) {
	m := newMailbox()
	snap := m.drain()
	assert.False(t, snap.changed(), "an untouched mailbox has nothing pending")
}
