// Ingest pipeline driver tests

package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func metadataObject(props map[string]float64) *AMF0Value {
	obj := createAMF0Value(AMF0_TYPE_OBJECT)
	for name, value := range props {
		v := createAMF0Value(AMF0_TYPE_NUMBER)
		v.SetFloatVal(value)
		prop := v
		obj.obj_val[name] = &prop
	}
	return &obj
}

func publishedPipeline() (*ingestPipeline, *MediaFrameQueue) {
	p := createIngestPipeline()
	p.OnHandshake()

	queue := CreateMediaFrameQueue(0)
	p.OnPublish(queue)

	return p, queue
}

func TestPipelineStateMachine(t *testing.T) {
	p := createIngestPipeline()
	require.Equal(t, IngestStateConnecting, p.State())

	p.OnHandshake()
	require.Equal(t, IngestStateHandshaking, p.State())

	queue := CreateMediaFrameQueue(0)
	p.OnPublish(queue)
	require.Equal(t, IngestStateAwaitingMetadata, p.State())

	p.OnMetadata(metadataObject(map[string]float64{"width": 1280, "height": 720, "audiosamplerate": 44100}))
	require.Equal(t, IngestStateAwaitingDescriptors, p.State())

	require.NoError(t, p.OnVideo(testSequenceHeaderBody(), 0))
	require.Equal(t, IngestStateAwaitingDescriptors, p.State())

	require.NoError(t, p.OnAudio(buildAudioTagBody(SOUND_FORMAT_AAC, AAC_PACKET_TYPE_SEQUENCE_HEADER, testAacConfig), 0))
	require.Equal(t, IngestStateStreaming, p.State())

	video, audio := queue.Streams()
	require.NotNil(t, video)
	require.NotNil(t, audio)
	require.Equal(t, uint32(1280), video.Codec.Video.Width)

	p.Close()
	require.Equal(t, IngestStateClosed, p.State())
}

// Payloads arriving before metadata are ignored entirely.
func TestPipelineDropsPayloadsBeforeMetadata(t *testing.T) {
	p, _ := publishedPipeline()

	require.NoError(t, p.OnVideo(testSequenceHeaderBody(), 0))
	require.Nil(t, p.assembler.VideoStream())
	require.Equal(t, IngestStateAwaitingMetadata, p.State())
}

// Frames assembled while descriptors were still missing drain into the
// queue once the pipeline goes live.
func TestPipelineDrainsBacklogOnGoLive(t *testing.T) {
	p, queue := publishedPipeline()
	receiver := queue.GetReceiver()

	p.OnMetadata(metadataObject(map[string]float64{"width": 1280, "height": 720, "audiosamplerate": 44100}))

	require.NoError(t, p.OnVideo(testSequenceHeaderBody(), 0))
	require.NoError(t, p.OnVideo(testNaluBody(FRAME_TYPE_KEY, []byte{0x65, 0x01}), 0))
	require.NoError(t, p.OnVideo(testNaluBody(FRAME_TYPE_INTER, []byte{0x41, 0x02}), 33))

	// Audio descriptor still missing: nothing reaches consumers yet
	_, _, ok := receiver.TryRecv()
	require.False(t, ok)

	require.NoError(t, p.OnAudio(buildAudioTagBody(SOUND_FORMAT_AAC, AAC_PACKET_TYPE_SEQUENCE_HEADER, testAacConfig), 0))
	require.Equal(t, IngestStateStreaming, p.State())

	frame, err, ok := receiver.TryRecv()
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, uint64(0), frame.Time.PTS)
	require.Equal(t, FrameDependencyNone, frame.Dependency)

	frame, err, ok = receiver.TryRecv()
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, uint64(33), frame.Time.PTS)
}

// Metadata without an audio field: the pipeline goes live on the video
// descriptor alone, and audio that shows up anyway is still accepted.
func TestPipelineVideoOnlyMetadata(t *testing.T) {
	p, queue := publishedPipeline()
	receiver := queue.GetReceiver()

	p.OnMetadata(metadataObject(map[string]float64{"width": 1280, "height": 720}))

	require.NoError(t, p.OnVideo(testSequenceHeaderBody(), 0))
	require.Equal(t, IngestStateStreaming, p.State())

	video, audio := queue.Streams()
	require.NotNil(t, video)
	require.Nil(t, audio)

	// Unannounced audio still flows through the assembler
	require.NoError(t, p.OnAudio(buildAudioTagBody(SOUND_FORMAT_AAC, AAC_PACKET_TYPE_SEQUENCE_HEADER, testAacConfig), 0))
	require.NoError(t, p.OnAudio(buildAudioTagBody(SOUND_FORMAT_AAC, AAC_PACKET_TYPE_RAW, []byte{0x01}), 10))

	frame, err, ok := receiver.TryRecv()
	require.True(t, ok)
	require.NoError(t, err)
	require.False(t, frame.IsVideo())

	_, audio = queue.Streams()
	require.NotNil(t, audio)
}

func TestPipelineFatalErrorPropagates(t *testing.T) {
	p, _ := publishedPipeline()

	p.OnMetadata(metadataObject(map[string]float64{"audiosamplerate": 44100}))

	require.ErrorIs(t, p.OnAudio([]byte{SOUND_FORMAT_MP3<<4 | 0x0f, 0x00}, 0), ErrUnsupportedCodec)
}

func TestPipelineCloseRaisesEndOfStream(t *testing.T) {
	p, queue := publishedPipeline()
	receiver := queue.GetReceiver()

	p.OnMetadata(metadataObject(map[string]float64{"width": 1280}))
	require.NoError(t, p.OnVideo(testSequenceHeaderBody(), 0))
	require.NoError(t, p.OnVideo(testNaluBody(FRAME_TYPE_KEY, []byte{0x65, 0x01}), 0))

	p.Close()

	// Pending frames drain before end-of-stream
	frame, err := receiver.Recv()
	require.NoError(t, err)
	require.True(t, frame.IsKeyframe())

	_, err = receiver.Recv()
	require.Equal(t, ErrEndOfStream, err)
}
