// RTMP session

package main

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Structure to store the bit rate status
type BitRateCache struct {
	intervalMs  int64
	last_update int64
	bytes       uint64
}

// Stores the status of a RTMP ingest session
type RTMPSession struct {
	server *RTMPServer // Reference to the server

	conn SessionConn // TCP connection

	id uint64 // Session ID
	ip string // IP address of the client

	inChunkSize  uint32 // Chunk size of incoming packets
	outChunkSize uint32 // Chunk size for outgoing packets

	ackSize   uint32 // Acknowledge window required by the client
	inAckSize uint32 // Amount of bytes received
	inLastAck uint32 // Bytes acknowledged so far

	objectEncoding uint32 // Encoding format required by the client

	connectTime int64 // Connection time (unix milliseconds)

	mutex *sync.Mutex // Mutex to control access to the connection

	inPackets map[uint32]*RTMPPacket // Partially reassembled messages. Map: Chunk stream ID -> Packet

	publishStreamId uint32 // ID of the stream being published
	streams         uint32 // Number of associated streams

	channel   string // Streaming channel ID (the app name)
	key       string // Streaming key
	stream_id string // Stream ID assigned by the coordinator / callback

	isConnected  bool // True if the client sent the connect message
	isPublishing bool // True if the client is publishing

	clock int64 // Current message clock value

	ingest *ingestPipeline  // Ingest pipeline for the published stream
	queue  *MediaFrameQueue // Fan-out queue registered for the channel

	bitRate      uint64 // Bitrate (bit/ms)
	bitRateCache BitRateCache
}

// SessionConn is the subset of net.Conn the session needs. Tests drive
// sessions over in-memory pipes through it.
type SessionConn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Creates a RTMP session
func CreateRTMPSession(server *RTMPServer, id uint64, ip string, c SessionConn) RTMPSession {
	return RTMPSession{
		server:       server,
		conn:         c,
		ip:           ip,
		mutex:        &sync.Mutex{},
		id:           id,
		inChunkSize:  RTMP_CHUNK_SIZE,
		outChunkSize: server.getOutChunkSize(),
		inPackets:    make(map[uint32]*RTMPPacket),

		bitRateCache: BitRateCache{
			intervalMs: 1000,
		},

		ingest: createIngestPipeline(),
	}
}

// Sends data to the client
func (s *RTMPSession) SendSync(b []byte) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.conn.Write(b) //nolint:errcheck
}

// Closes the connection
func (s *RTMPSession) Kill() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.conn.Close()
}

// Returns the stream path: /{CHANNEL}/{KEY}
func (s *RTMPSession) GetStreamPath() string {
	return "/" + s.channel + "/" + s.key
}

// Handles the session
// Does the handshake and starts reading the chunks
func (s *RTMPSession) HandleSession() {
	r := bufio.NewReader(s.conn)

	s.ingest.OnHandshake()

	if !s.doHandshake(r) {
		return
	}

	// Read RTMP chunks
	for {
		if !s.ReadChunk(r) {
			return
		}
	}
}

func (s *RTMPSession) doHandshake(r *bufio.Reader) bool {
	if s.conn.SetReadDeadline(time.Now().Add(RTMP_PING_TIMEOUT*time.Millisecond)) != nil {
		return false
	}

	version, e := r.ReadByte()
	if e != nil {
		return false
	}

	if version != RTMP_VERSION {
		LogDebugSession(s.id, s.ip, "Invalid protocol version received")
		return false
	}

	clientSig := make([]byte, RTMP_HANDSHAKE_SIZE)
	if _, e := io.ReadFull(r, clientSig); e != nil {
		LogDebugSession(s.id, s.ip, "Invalid handshake received")
		return false
	}

	s0s1s2 := generateS0S1S2(clientSig)
	if n, e := s.conn.Write(s0s1s2); e != nil || n != len(s0s1s2) {
		LogDebugSession(s.id, s.ip, "Could not send handshake message")
		return false
	}

	// C2: the client echoes S1 back, discarded after length check.
	s1Copy := make([]byte, RTMP_HANDSHAKE_SIZE)
	if s.conn.SetReadDeadline(time.Now().Add(RTMP_PING_TIMEOUT*time.Millisecond)) != nil {
		return false
	}
	if _, e := io.ReadFull(r, s1Copy); e != nil {
		LogDebugSession(s.id, s.ip, "Invalid handshake response received")
		return false
	}

	return true
}

// Reads a chunk
// r - Buffered reader associated with the TCP connection
// Returns true if success, false if the connection must be closed
func (s *RTMPSession) ReadChunk(r *bufio.Reader) bool {
	var bytesReadCount uint32

	// Basic header
	if s.conn.SetReadDeadline(time.Now().Add(RTMP_PING_TIMEOUT*time.Millisecond)) != nil {
		return false
	}
	startByte, e := r.ReadByte()
	bytesReadCount++
	if e != nil {
		LogDebugSession(s.id, s.ip, "Could not read chunk start byte")
		return false
	}

	header := []byte{startByte}

	var parserBasicBytes int
	if (startByte & 0x3f) == 0 {
		parserBasicBytes = 2
	} else if (startByte & 0x3f) == 1 {
		parserBasicBytes = 3
	} else {
		parserBasicBytes = 1
	}

	for i := 1; i < parserBasicBytes; i++ {
		b, e := r.ReadByte()
		bytesReadCount++
		if e != nil {
			LogDebugSession(s.id, s.ip, "Could not read chunk basic bytes")
			return false
		}

		header = append(header, b)
	}

	// Message header
	size := int(rtmpHeaderSize[header[0]>>6])
	if size > 0 {
		headerLeft := make([]byte, size)
		if _, e := io.ReadFull(r, headerLeft); e != nil {
			LogDebugSession(s.id, s.ip, "Could not read chunk header")
			return false
		}
		bytesReadCount += uint32(size)
		header = append(header, headerLeft...)
	}

	// Parse header
	fmt := uint32(header[0] >> 6)
	var cid uint32
	switch parserBasicBytes {
	case 2:
		cid = 64 + uint32(header[1])
	case 3:
		cid = 64 + uint32(header[1]) + uint32(header[2])<<8
	default:
		cid = uint32(header[0] & 0x3f)
	}

	var packet *RTMPPacket

	if s.inPackets[cid] != nil {
		packet = s.inPackets[cid]
		if packet.handled {
			packet.handled = false
			packet.payload = make([]byte, 0)
			packet.bytes = 0
		}
	} else {
		bp := createBlankRTMPPacket()
		packet = &bp
		s.inPackets[cid] = packet
	}

	packet.header.cid = cid
	packet.header.fmt = fmt

	offset := parserBasicBytes

	// Timestamp / delta
	if packet.header.fmt <= RTMP_CHUNK_TYPE_2 {
		packet.header.timestamp = int64(uint32(header[offset+2]) | uint32(header[offset+1])<<8 | uint32(header[offset])<<16)
		offset += 3
	}

	// Message length + type
	if packet.header.fmt <= RTMP_CHUNK_TYPE_1 {
		packet.header.length = uint32(header[offset+2]) | uint32(header[offset+1])<<8 | uint32(header[offset])<<16
		packet.header.packet_type = uint32(header[offset+3])
		offset += 4
	}

	// Stream ID
	if packet.header.fmt == RTMP_CHUNK_TYPE_0 {
		packet.header.stream_id = binary.LittleEndian.Uint32(header[offset : offset+4])
	}

	if packet.header.packet_type > RTMP_TYPE_METADATA {
		LogDebugSession(s.id, s.ip, "Received stop packet: "+strconv.Itoa(int(packet.header.packet_type)))
		return false
	}

	// Extended timestamp
	var extended_timestamp int64
	if packet.header.timestamp == 0xffffff {
		tsBytes := make([]byte, 4)
		if _, e := io.ReadFull(r, tsBytes); e != nil {
			LogDebugSession(s.id, s.ip, "Could not read extended timestamp")
			return false
		}
		bytesReadCount += 4
		extended_timestamp = int64(binary.BigEndian.Uint32(tsBytes))
	} else {
		extended_timestamp = packet.header.timestamp
	}

	if packet.bytes == 0 {
		if packet.header.fmt == RTMP_CHUNK_TYPE_0 {
			packet.clock = extended_timestamp
		} else {
			packet.clock += extended_timestamp
		}

		s.clock = packet.clock
	}

	// Payload
	sizeToRead := s.inChunkSize - (packet.bytes % s.inChunkSize)
	if sizeToRead > (packet.header.length - packet.bytes) {
		sizeToRead = packet.header.length - packet.bytes
	}
	if sizeToRead > 0 {
		bytesToRead := make([]byte, sizeToRead)
		if _, e := io.ReadFull(r, bytesToRead); e != nil {
			LogDebugSession(s.id, s.ip, "Could not read chunk payload")
			return false
		}
		bytesReadCount += sizeToRead

		packet.bytes += sizeToRead
		packet.payload = append(packet.payload, bytesToRead...)
	}

	// If the message is complete, handle it
	if packet.bytes >= packet.header.length {
		packet.handled = true
		if packet.clock <= 0xffffffff {
			if !s.HandlePacket(packet) {
				return false
			}
		}
	}

	// ACK
	s.inAckSize += bytesReadCount
	if s.inAckSize >= 0xf0000000 {
		s.inAckSize = 0
		s.inLastAck = 0
	}
	if s.ackSize > 0 && s.inAckSize-s.inLastAck >= s.ackSize {
		s.inLastAck = s.inAckSize
		s.SendACK(s.inAckSize)
	}

	// Bitrate
	now := time.Now().UnixMilli()
	s.bitRateCache.bytes += uint64(bytesReadCount)
	diff := now - s.bitRateCache.last_update
	if diff >= s.bitRateCache.intervalMs {
		s.bitRate = uint64(math.Round(float64(s.bitRateCache.bytes) * 8 / float64(diff)))
		s.bitRateCache.bytes = 0
		s.bitRateCache.last_update = now
	}

	return true
}

// Handles a reassembled message
// packet - The received packet
func (s *RTMPSession) HandlePacket(packet *RTMPPacket) bool {
	switch packet.header.packet_type {
	case RTMP_TYPE_SET_CHUNK_SIZE:
		if len(packet.payload) < 4 {
			return s.fatal(ErrProtocolViolation)
		}
		s.inChunkSize = binary.BigEndian.Uint32(packet.payload[0:4])
		LogDebugSession(s.id, s.ip, "Chunk size updated: "+strconv.Itoa(int(s.inChunkSize)))
	case RTMP_TYPE_WINDOW_ACKNOWLEDGEMENT_SIZE:
		if len(packet.payload) < 4 {
			return s.fatal(ErrProtocolViolation)
		}
		s.ackSize = binary.BigEndian.Uint32(packet.payload[0:4])
		LogDebugSession(s.id, s.ip, "ACK size updated: "+strconv.Itoa(int(s.ackSize)))
	case RTMP_TYPE_AUDIO:
		return s.HandleAudioPacket(packet)
	case RTMP_TYPE_VIDEO:
		return s.HandleVideoPacket(packet)
	case RTMP_TYPE_FLEX_MESSAGE, RTMP_TYPE_INVOKE:
		return s.HandleInvoke(packet)
	case RTMP_TYPE_DATA:
		return s.HandleDataPacket(packet, 0)
	case RTMP_TYPE_FLEX_STREAM:
		return s.HandleDataPacket(packet, 1)
	default:
		LogDebugSession(s.id, s.ip, "Ignored packet of type: "+strconv.Itoa(int(packet.header.packet_type)))
	}

	return true
}

// fatal terminates the session: the stream entry is removed from the
// registry first, then the error is logged.
func (s *RTMPSession) fatal(err error) bool {
	s.EndPublish(true)
	LogRequest(s.id, s.ip, "Error: "+err.Error())
	return false
}

// Handles an INVOKE (command) packet
func (s *RTMPSession) HandleInvoke(packet *RTMPPacket) bool {
	var offset uint32
	if packet.header.packet_type == RTMP_TYPE_FLEX_MESSAGE {
		offset = 1
	}

	if uint32(len(packet.payload)) < offset || packet.header.length > uint32(len(packet.payload)) {
		return s.fatal(ErrProtocolViolation)
	}

	cmd, err := decodeRTMPCommand(packet.payload[offset:packet.header.length])
	if err != nil {
		return s.fatal(err)
	}

	LogDebugSession(s.id, s.ip, "Received invoke: "+cmd.ToString())

	switch cmd.cmd {
	case "connect":
		return s.HandleConnect(&cmd)
	case "createStream":
		return s.HandleCreateStream(&cmd)
	case "publish":
		return s.HandlePublish(&cmd, packet)
	case "play":
		// Ingest only: playback is not served here.
		s.SendStatusMessage(packet.header.stream_id, "error", "NetStream.Play.Failed", "This server does not serve RTMP playback")
	case "deleteStream":
		return s.HandleDeleteStream(uint32(cmd.GetArg("streamId").GetInteger()))
	case "closeStream":
		return s.HandleDeleteStream(packet.header.stream_id)
	}

	return true
}

// Handles a connect command
func (s *RTMPSession) HandleConnect(cmd *RTMPCommand) bool {
	s.channel = cmd.GetArg("cmdObj").GetProperty("app").GetString()
	s.channel = strings.TrimSuffix(s.channel, "/")

	if !validateStreamIDString(s.channel) {
		LogRequest(s.id, s.ip, "INVALID CHANNEL '"+s.channel+"'")
		return false
	}

	s.objectEncoding = uint32(cmd.GetArg("cmdObj").GetProperty("objectEncoding").GetInteger())
	s.connectTime = time.Now().UnixMilli()
	s.bitRateCache.last_update = s.connectTime
	s.isConnected = true

	transId := cmd.GetArg("transId").GetInteger()

	LogRequest(s.id, s.ip, "CONNECT '"+s.channel+"'")

	s.SendWindowACK(5000000)
	s.SetPeerBandwidth(5000000, 2)
	s.SetChunkSize(s.outChunkSize)
	s.RespondConnect(transId, !cmd.GetArg("cmdObj").GetProperty("objectEncoding").IsUndefined())

	return true
}

// Handles a createStream command
func (s *RTMPSession) HandleCreateStream(cmd *RTMPCommand) bool {
	s.RespondCreateStream(cmd.GetArg("transId").GetInteger())
	return true
}

// Handles a publish command
func (s *RTMPSession) HandlePublish(cmd *RTMPCommand, packet *RTMPPacket) bool {
	sKeyPath := cmd.GetArg("streamName").GetString()
	s.key = strings.Split(sKeyPath, "?")[0]

	if s.key == "" || !s.isConnected {
		return true
	}

	if !validateStreamIDString(s.key) {
		s.SendStatusMessage(s.publishStreamId, "error", "NetStream.Publish.BadName", "Invalid stream key provided")
		return false
	}

	s.publishStreamId = packet.header.stream_id

	if s.isPublishing {
		s.SendStatusMessage(s.publishStreamId, "error", "NetStream.Publish.BadConnection", "Connection already publishing")
		return true
	}

	if s.server.registry.Get(s.channel) != nil {
		s.SendStatusMessage(s.publishStreamId, "error", "NetStream.Publish.BadName", "Stream already publishing")
		return false
	}

	LogRequest(s.id, s.ip, "PUBLISH ("+strconv.Itoa(int(s.publishStreamId))+") '"+s.channel+"'")

	if s.server.controlConnection != nil {
		// Coordinator
		pubAccepted, streamId := s.server.controlConnection.RequestPublish(s.channel, s.key, s.ip)
		if !pubAccepted {
			LogRequest(s.id, s.ip, "Error: Invalid streaming key provided")
			s.SendStatusMessage(s.publishStreamId, "error", "NetStream.Publish.BadName", "Invalid stream key provided")
			return false
		}
		s.stream_id = streamId
	} else {
		// Callback
		if !s.SendStartCallback() {
			LogRequest(s.id, s.ip, "Error: Invalid streaming key provided")
			s.SendStatusMessage(s.publishStreamId, "error", "NetStream.Publish.BadName", "Invalid stream key provided")
			return false
		}
	}

	queue := CreateMediaFrameQueue(s.server.gopCacheLimit)

	if !s.server.registry.Register(s.channel, queue) {
		s.SendStatusMessage(s.publishStreamId, "error", "NetStream.Publish.BadName", "Stream already publishing")
		return false
	}

	s.queue = queue
	s.isPublishing = true
	s.ingest.OnPublish(queue)

	s.SendStatusMessage(s.publishStreamId, "status", "NetStream.Publish.Start", s.GetStreamPath()+" is now published.")

	return true
}

// Handles deleteStream / closeStream
func (s *RTMPSession) HandleDeleteStream(streamId uint32) bool {
	if streamId != 0 && streamId == s.publishStreamId {
		LogDebugSession(s.id, s.ip, "Close publish stream: "+strconv.Itoa(int(streamId)))

		if s.isPublishing {
			s.EndPublish(false)
		}

		s.publishStreamId = 0
	}

	return true
}

// Handles an audio packet (contains audio data)
func (s *RTMPSession) HandleAudioPacket(packet *RTMPPacket) bool {
	if !s.isPublishing {
		return true
	}

	if err := s.ingest.OnAudio(packet.payload, uint32(packet.clock)); err != nil {
		return s.fatal(err)
	}

	return true
}

// Handles a video packet (contains video data)
func (s *RTMPSession) HandleVideoPacket(packet *RTMPPacket) bool {
	if !s.isPublishing {
		return true
	}

	if err := s.ingest.OnVideo(packet.payload, uint32(packet.clock)); err != nil {
		return s.fatal(err)
	}

	return true
}

// Handles a data packet (AMF0, or AMF3 with a one byte prefix)
func (s *RTMPSession) HandleDataPacket(packet *RTMPPacket, offset uint32) bool {
	if uint32(len(packet.payload)) < offset {
		return s.fatal(ErrProtocolViolation)
	}

	data, err := decodeRTMPData(packet.payload[offset:])
	if err != nil {
		return s.fatal(err)
	}

	LogDebugSession(s.id, s.ip, "Received data: "+data.ToString())

	switch data.tag {
	case "@setDataFrame":
		if s.isPublishing {
			s.ingest.OnMetadata(data.GetArg("dataObj"))
		}
	}

	return true
}

// Finishes a publishing session
// isClose - True if it was closed due to a disconnection
func (s *RTMPSession) EndPublish(isClose bool) {
	if !s.isPublishing {
		return
	}

	LogRequest(s.id, s.ip, "PUBLISH END '"+s.channel+"'")

	s.server.registry.Unregister(s.channel)
	s.ingest.Close()
	s.isPublishing = false

	if !isClose {
		s.SendStatusMessage(s.publishStreamId, "status", "NetStream.Unpublish.Success", s.GetStreamPath()+" is now unpublished.")
	}

	// Send event
	if s.server.controlConnection != nil {
		if s.server.controlConnection.PublishEnd(s.channel, s.stream_id) {
			LogDebugSession(s.id, s.ip, "Stop event sent")
		} else {
			LogDebugSession(s.id, s.ip, "Could not send stop event")
		}
	} else {
		if s.SendStopCallback() {
			LogDebugSession(s.id, s.ip, "Stop event sent")
		} else {
			LogDebugSession(s.id, s.ip, "Could not send stop event")
		}
	}
}

// Call after the TCP connection is closed
func (s *RTMPSession) OnClose() {
	if s.isPublishing {
		s.EndPublish(true)
	}

	s.ingest.Close()
	s.isConnected = false
}
