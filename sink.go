package raopd

// Frame is one decoded PCM frame ready for delivery to a Sink. There is
// no separate length field: the decoded byte length is carried by
// len(Data) directly, since ALAC frame sizes vary and a fixed constant
// would be wrong for the last frame of a stream.
type Frame struct {
	PTS  int64 // microseconds since Unix epoch, 0 if no sync anchor yet
	Data []byte
}

// Sink is the capability contract every audio-receiving host must
// implement. AudioInit/AudioProcess/AudioDestroy are mandatory; everything
// else is optional and expressed as separate interfaces the engine probes
// for via type assertion, so a minimal Sink only has to implement three
// methods and richer ones opt in by also implementing VolumeSink,
// FlushSink, and so on.
type Sink interface {
	// AudioInit allocates sink-side state once per session's worker
	// lifetime and returns an opaque handle threaded through the rest of
	// the calls below.
	AudioInit() (interface{}, error)
	// AudioProcess delivers one decoded PCM frame. Runs on the worker
	// goroutine; may block.
	AudioProcess(cbData interface{}, frame Frame)
	// AudioDestroy releases the handle returned by AudioInit.
	AudioDestroy(cbData interface{})
}

// VolumeSink receives volume changes, already clamped to [-144, 0] dB.
type VolumeSink interface {
	AudioSetVolume(cbData interface{}, volumeDB float64)
}

// FlushSink receives the flush notification after the reorder buffer has
// already been cleared, so any frames still in flight through AudioProcess
// predate the flush point.
type FlushSink interface {
	AudioFlush(cbData interface{})
}

// MetadataSink receives a "now playing" metadata blob.
type MetadataSink interface {
	AudioSetMetadata(cbData interface{}, data []byte)
}

// CoverArtSink receives a cover-art image blob.
type CoverArtSink interface {
	AudioSetCoverArt(cbData interface{}, data []byte)
}

// RemoteControlSink receives the sender's DACP remote-control identifiers.
// It takes no cbData argument, unlike the other optional sinks, since
// remote-control identifiers are session-level facts rather than
// per-worker state.
type RemoteControlSink interface {
	AudioRemoteControlID(dacpID, activeRemoteHeader string)
}

// ProgressSink receives now-playing progress updates.
type ProgressSink interface {
	AudioSetProgress(cbData interface{}, start, curr, end uint32)
}

// NopSink is a Sink that does nothing and implements none of the optional
// interfaces, for callers that only want to exercise framing/ordering.
type NopSink struct{}

func (NopSink) AudioInit() (interface{}, error) { return nil, nil }
func (NopSink) AudioProcess(interface{}, Frame) {}
func (NopSink) AudioDestroy(interface{})        {}
