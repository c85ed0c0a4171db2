package raopd

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures every delivered frame and optional-callback
// invocation for assertions, guarded by its own mutex since AudioProcess
// runs on the worker goroutine concurrently with the test goroutine.
type recordingSink struct {
	mu sync.Mutex

	frames       []Frame
	volumes      []float64
	flushes      int
	metadata     [][]byte
	coverart     [][]byte
	remoteDACP   string
	remoteHeader string
	progresses   [][3]uint32
}

func (s *recordingSink) AudioInit() (interface{}, error) { return "cb", nil }
func (s *recordingSink) AudioDestroy(interface{})        {}

func (s *recordingSink) AudioProcess(_ interface{}, frame Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
}

func (s *recordingSink) AudioSetVolume(_ interface{}, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volumes = append(s.volumes, v)
}

func (s *recordingSink) AudioFlush(interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
}

func (s *recordingSink) AudioSetMetadata(_ interface{}, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata = append(s.metadata, data)
}

func (s *recordingSink) AudioSetCoverArt(_ interface{}, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coverart = append(s.coverart, data)
}

func (s *recordingSink) AudioRemoteControlID(dacpID, header string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteDACP, s.remoteHeader = dacpID, header
}

func (s *recordingSink) AudioSetProgress(_ interface{}, start, curr, end uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progresses = append(s.progresses, [3]uint32{start, curr, end})
}

func (s *recordingSink) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *recordingSink) lastVolume() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.volumes) == 0 {
		return 0, false
	}
	return s.volumes[len(s.volumes)-1], true
}

func newTestSession(t *testing.T, sink Sink) *Session {
	t.Helper()
	key, iv := testKeyIV()
	cfg := &Config{BufferCapacity: 16, SelectTimeout: time.Millisecond}
	s, err := NewSession(nil, sink, []byte{127, 0, 0, 1}, key, iv, nil, 0, cfg)
	require.NoError(t, err)
	return s
}

func TestSession_InitialStateIsIdle(t *testing.T) {
	s := newTestSession(t, &recordingSink{})
	assert.False(t, s.IsRunning())
}

func TestSession_StartStopLifecycle(t *testing.T) {
	s := newTestSession(t, &recordingSink{})

	cl, tl, dl, err := s.StartAudio(true, 0)
	require.NoError(t, err)
	assert.NotZero(t, cl)
	assert.NotZero(t, tl)
	assert.NotZero(t, dl)
	assert.True(t, s.IsRunning())

	s.Stop()
	assert.False(t, s.IsRunning())
}

func TestSession_StartAudioIsIdempotentWhileActive(t *testing.T) {
	s := newTestSession(t, &recordingSink{})
	cl1, tl1, dl1, err := s.StartAudio(true, 0)
	require.NoError(t, err)
	defer s.Stop()

	cl2, tl2, dl2, err := s.StartAudio(true, 0)
	require.NoError(t, err)
	assert.Equal(t, cl1, cl2)
	assert.Equal(t, tl1, tl2)
	assert.Equal(t, dl1, dl2)
}

func TestSession_StopIsANoOpWhenIdle(t *testing.T) {
	s := newTestSession(t, &recordingSink{})
	assert.NotPanics(t, func() { s.Stop() })
	assert.False(t, s.IsRunning())
}

func TestSession_StartStopRestartCycles(t *testing.T) {
	s := newTestSession(t, &recordingSink{})
	for i := 0; i < 3; i++ {
		_, _, _, err := s.StartAudio(true, 0)
		require.NoError(t, err)
		assert.True(t, s.IsRunning())
		s.Stop()
		assert.False(t, s.IsRunning())
	}
}

func TestSession_SetVolumeClampsPositiveToZero(t *testing.T) {
	sink := &recordingSink{}
	s := newTestSession(t, sink)
	_, _, _, err := s.StartAudio(true, 0)
	require.NoError(t, err)
	defer s.Stop()

	s.SetVolume(30)
	require.Eventually(t, func() bool {
		v, ok := sink.lastVolume()
		return ok && v == 0
	}, time.Second, 2*time.Millisecond)
}

func TestSession_SetVolumeClampsBelowFloor(t *testing.T) {
	sink := &recordingSink{}
	s := newTestSession(t, sink)
	_, _, _, err := s.StartAudio(true, 0)
	require.NoError(t, err)
	defer s.Stop()

	s.SetVolume(-200)
	require.Eventually(t, func() bool {
		v, ok := sink.lastVolume()
		return ok && v == -144
	}, time.Second, 2*time.Millisecond)
}

func TestSession_SetMetadataRejectsEmpty(t *testing.T) {
	s := newTestSession(t, &recordingSink{})
	err := s.SetMetadata(nil)
	assert.Error(t, err)
}

func TestSession_RemoteControlIDRequiresBoth(t *testing.T) {
	s := newTestSession(t, &recordingSink{})
	assert.Error(t, s.RemoteControlID("", "x"))
	assert.Error(t, s.RemoteControlID("x", ""))
	assert.NoError(t, s.RemoteControlID("dacp", "header"))
}

func TestSession_MailboxDispatchReachesSink(t *testing.T) {
	sink := &recordingSink{}
	s := newTestSession(t, sink)
	_, _, _, err := s.StartAudio(true, 0)
	require.NoError(t, err)
	defer s.Stop()

	require.NoError(t, s.SetMetadata([]byte("now playing")))
	require.NoError(t, s.SetCoverArt([]byte("jpeg-bytes")))
	require.NoError(t, s.RemoteControlID("dacp-1", "remote-1"))
	s.SetProgress(0, 10, 100)
	s.Flush(FlushToUndefined)

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.metadata) == 1 && len(sink.coverart) == 1 &&
			sink.remoteDACP == "dacp-1" && len(sink.progresses) == 1 && sink.flushes == 1
	}, time.Second, 2*time.Millisecond)
}

func TestSession_ControlSeqWrapsAtUint16Boundary(t *testing.T) {
	sink := &recordingSink{}
	s := newTestSession(t, sink)

	// Session is left Idle (no worker goroutine) so these fields, normally
	// worker-exclusive once Active, can be poked directly from the test.
	conn, err := net.ListenUDP("udp4", nil)
	require.NoError(t, err)
	defer conn.Close()
	s.controlConn = conn
	s.controlSaddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	s.controlRport = 1
	s.controlSeq = 0xFFFF

	s.sendResendRequest(10, 1)
	assert.Equal(t, uint16(0), s.controlSeq)

	s.sendResendRequest(20, 1)
	assert.Equal(t, uint16(1), s.controlSeq)
}

func TestBuildResendRequest_EncodesMaxSequenceField(t *testing.T) {
	pkt := buildResendRequest(0xFFFF, 10, 1)
	assert.Equal(t, uint16(0xFFFF), uint16(pkt[2])<<8|uint16(pkt[3]))
}

func TestSession_DataPacketDeliversFrame(t *testing.T) {
	sink := &recordingSink{}
	key, iv := testKeyIV()
	cfg := &Config{BufferCapacity: 16, SelectTimeout: time.Millisecond}
	s, err := NewSession(nil, sink, []byte{127, 0, 0, 1}, key, iv, nil, 0, cfg)
	require.NoError(t, err)

	controlLport, _, dataLport, err := s.StartAudio(true, 0)
	require.NoError(t, err)
	defer s.Stop()

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(dataLport)})
	require.NoError(t, err)
	defer conn.Close()

	pkt := encryptedPacket(t, key, iv, 1, 960, []byte("payload-data-16b"))
	_, err = conn.Write(pkt)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sink.frameCount() == 1
	}, time.Second, 2*time.Millisecond)

	_ = controlLport
}
