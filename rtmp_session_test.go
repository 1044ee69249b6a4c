// RTMP session tests

package main

import (
	"bufio"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestServer() *RTMPServer {
	return &RTMPServer{
		registry:        CreateStreamRegistry(),
		mutex:           &sync.Mutex{},
		ip_mutex:        &sync.Mutex{},
		sessions:        make(map[uint64]*RTMPSession),
		next_session_id: 1,
		ip_count:        make(map[string]uint32),
		ip_limit:        4,
	}
}

func mediaPacket(packetType uint32, cid uint32, timestamp int64, payload []byte) *RTMPPacket {
	packet := createBlankRTMPPacket()
	packet.header.fmt = RTMP_CHUNK_TYPE_0
	packet.header.cid = cid
	packet.header.packet_type = packetType
	packet.header.stream_id = 1
	packet.header.timestamp = timestamp
	packet.payload = payload
	packet.header.length = uint32(len(payload))
	return &packet
}

func invokePacket(cmd *RTMPCommand, streamId uint32) *RTMPPacket {
	packet := mediaPacket(RTMP_TYPE_INVOKE, RTMP_CHANNEL_INVOKE, 0, cmd.Encode())
	packet.header.stream_id = streamId
	return packet
}

func testMetadataPayload() []byte {
	dataObj := createAMF0Value(AMF0_TYPE_ARRAY)
	for name, value := range map[string]float64{"width": 1280, "height": 720, "audiosamplerate": 44100} {
		v := createAMF0Value(AMF0_TYPE_NUMBER)
		v.SetFloatVal(value)
		prop := v
		dataObj.obj_val[name] = &prop
	}

	subtag := createAMF0Value(AMF0_TYPE_STRING)
	subtag.str_val = "onMetaData"

	data := RTMPData{
		tag: "@setDataFrame",
		arguments: map[string]*AMF0Value{
			"subtag":  &subtag,
			"dataObj": &dataObj,
		},
	}

	return data.Encode()
}

// Chunk-level ingest: chunk size renegotiation, multi-chunk message
// reassembly and the full media path down to the fan-out queue.
func TestSessionChunkIngest(t *testing.T) {
	server := newTestServer()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	s := CreateRTMPSession(server, 1, "127.0.0.1", serverConn)

	// Enter the publishing state directly; the command flow is covered by
	// the full-session test below.
	queue := CreateMediaFrameQueue(0)
	require.True(t, server.registry.Register("test", queue))
	s.channel = "test"
	s.isPublishing = true
	s.queue = queue
	s.ingest.OnPublish(queue)

	receiver := queue.GetReceiver()

	largeNal := make([]byte, 300)
	largeNal[0] = 0x65
	for i := 1; i < len(largeNal); i++ {
		largeNal[i] = byte(i)
	}

	go func() {
		defer clientConn.Close()

		// At the default 128-byte chunk size; the keyframe message spans
		// several chunks with type-3 continuation headers.
		before := []*RTMPPacket{
			mediaPacket(RTMP_TYPE_DATA, RTMP_CHANNEL_DATA, 0, testMetadataPayload()),
			mediaPacket(RTMP_TYPE_VIDEO, RTMP_CHANNEL_VIDEO, 0, testSequenceHeaderBody()),
			mediaPacket(RTMP_TYPE_VIDEO, RTMP_CHANNEL_VIDEO, 0, testNaluBody(FRAME_TYPE_KEY, largeNal)),
		}
		for _, packet := range before {
			clientConn.Write(packet.CreateChunks(128)) //nolint:errcheck
		}

		// Renegotiate the chunk size
		setChunkSize := mediaPacket(RTMP_TYPE_SET_CHUNK_SIZE, RTMP_CHANNEL_PROTOCOL, 0, []byte{0x00, 0x00, 0x10, 0x00})
		clientConn.Write(setChunkSize.CreateChunks(128)) //nolint:errcheck

		after := []*RTMPPacket{
			mediaPacket(RTMP_TYPE_VIDEO, RTMP_CHANNEL_VIDEO, 33, testNaluBody(FRAME_TYPE_INTER, []byte{0x41, 0x02})),
			mediaPacket(RTMP_TYPE_AUDIO, RTMP_CHANNEL_AUDIO, 0, buildAudioTagBody(SOUND_FORMAT_AAC, AAC_PACKET_TYPE_SEQUENCE_HEADER, testAacConfig)),
			mediaPacket(RTMP_TYPE_AUDIO, RTMP_CHANNEL_AUDIO, 20, buildAudioTagBody(SOUND_FORMAT_AAC, AAC_PACKET_TYPE_RAW, []byte{0x01})),
		}
		for _, packet := range after {
			clientConn.Write(packet.CreateChunks(4096)) //nolint:errcheck
		}
	}()

	r := bufio.NewReader(serverConn)
	for s.ReadChunk(r) {
	}

	require.Equal(t, uint32(4096), s.inChunkSize)
	require.Equal(t, IngestStateStreaming, s.ingest.State())

	video, audio := queue.Streams()
	require.NotNil(t, video)
	require.NotNil(t, audio)
	require.Equal(t, uint32(1280), video.Codec.Video.Width)
	require.Equal(t, uint32(44100), audio.Codec.Audio.SampleRate)

	frame, err := receiver.Recv()
	require.NoError(t, err)
	require.True(t, frame.IsVideo())
	require.True(t, frame.IsKeyframe())
	require.Equal(t, uint64(0), frame.Time.PTS)
	require.Equal(t, buildNaluPayload(largeNal), frame.Payload)

	frame, err = receiver.Recv()
	require.NoError(t, err)
	require.Equal(t, uint64(33), frame.Time.PTS)
	require.Equal(t, FrameDependencyBackwards, frame.Dependency)

	frame, err = receiver.Recv()
	require.NoError(t, err)
	require.False(t, frame.IsVideo())
	require.Equal(t, uint64(0), frame.Time.PTS)
}

// Unsupported audio: the session dies and the registry entry is gone.
func TestSessionUnsupportedAudioKillsStream(t *testing.T) {
	server := newTestServer()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	s := CreateRTMPSession(server, 1, "127.0.0.1", serverConn)

	queue := CreateMediaFrameQueue(0)
	require.True(t, server.registry.Register("test", queue))
	s.channel = "test"
	s.isPublishing = true
	s.queue = queue
	s.ingest.OnPublish(queue)
	s.ingest.OnMetadata(metadataObject(map[string]float64{"audiosamplerate": 44100}))

	receiver := queue.GetReceiver()

	go func() {
		defer clientConn.Close()
		mp3 := mediaPacket(RTMP_TYPE_AUDIO, RTMP_CHANNEL_AUDIO, 0, []byte{SOUND_FORMAT_MP3<<4 | 0x0f, 0x00})
		clientConn.Write(mp3.CreateChunks(128)) //nolint:errcheck
	}()

	r := bufio.NewReader(serverConn)
	for s.ReadChunk(r) {
	}

	require.False(t, s.isPublishing)
	require.Nil(t, server.registry.Get("test"))

	_, err := receiver.Recv()
	require.Equal(t, ErrEndOfStream, err)
}

// Full session: handshake, connect, createStream, publish.
func TestSessionCommandFlow(t *testing.T) {
	server := newTestServer()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	s := CreateRTMPSession(server, 1, "127.0.0.1", serverConn)
	server.AddSession(&s)

	done := make(chan struct{})
	go func() {
		s.HandleSession()
		s.OnClose()
		close(done)
	}()

	// Drain everything the server sends
	go io.Copy(io.Discard, clientConn) //nolint:errcheck

	// Simple handshake: C0 + C1 + C2 up front
	c1 := make([]byte, RTMP_HANDSHAKE_SIZE)
	_, err := clientConn.Write(append([]byte{RTMP_VERSION}, append(c1, c1...)...))
	require.NoError(t, err)

	cmdObj := createAMF0Value(AMF0_TYPE_OBJECT)
	app := createAMF0Value(AMF0_TYPE_STRING)
	app.str_val = "live"
	cmdObj.obj_val["app"] = &app
	objectEncoding := createAMF0Value(AMF0_TYPE_NUMBER)
	objectEncoding.SetIntegerVal(0)
	cmdObj.obj_val["objectEncoding"] = &objectEncoding

	transId1 := createAMF0Value(AMF0_TYPE_NUMBER)
	transId1.SetIntegerVal(1)

	connect := RTMPCommand{
		cmd:       "connect",
		arguments: map[string]*AMF0Value{"transId": &transId1, "cmdObj": &cmdObj},
	}

	transId2 := createAMF0Value(AMF0_TYPE_NUMBER)
	transId2.SetIntegerVal(2)
	nullObj := createAMF0Value(AMF0_TYPE_NULL)

	createStream := RTMPCommand{
		cmd:       "createStream",
		arguments: map[string]*AMF0Value{"transId": &transId2, "cmdObj": &nullObj},
	}

	transId3 := createAMF0Value(AMF0_TYPE_NUMBER)
	transId3.SetIntegerVal(3)
	nullObj2 := createAMF0Value(AMF0_TYPE_NULL)
	streamName := createAMF0Value(AMF0_TYPE_STRING)
	streamName.str_val = "key123?token=x"

	publish := RTMPCommand{
		cmd: "publish",
		arguments: map[string]*AMF0Value{
			"transId":    &transId3,
			"cmdObj":     &nullObj2,
			"streamName": &streamName,
		},
	}

	_, err = clientConn.Write(invokePacket(&connect, 0).CreateChunks(128))
	require.NoError(t, err)
	_, err = clientConn.Write(invokePacket(&createStream, 0).CreateChunks(128))
	require.NoError(t, err)
	_, err = clientConn.Write(invokePacket(&publish, 1).CreateChunks(128))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return server.registry.Get("live") != nil
	}, 2*time.Second, 5*time.Millisecond, "publish did not register the stream")

	require.Equal(t, "live", s.channel)
	require.Equal(t, "key123", s.key)

	clientConn.Close()
	<-done

	// Session teardown removes the stream entry
	require.Nil(t, server.registry.Get("live"))
	require.False(t, s.isPublishing)
}

func TestValidateStreamIDString(t *testing.T) {
	require.True(t, validateStreamIDString("live"))
	require.True(t, validateStreamIDString("Stream_01-a"))
	require.False(t, validateStreamIDString(""))
	require.False(t, validateStreamIDString("bad/name"))
	require.False(t, validateStreamIDString("spaced name"))
	require.False(t, validateStreamIDString(string(make([]byte, 200))))
}
