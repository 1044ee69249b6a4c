// RTMP packet

package main

import (
	"encoding/binary"
)

// The header of a RTMP packet
type RTMPPacketHeader struct {
	timestamp int64 // Timestamp or delta, depending on fmt

	fmt uint32 // Chunk format

	cid uint32 // Chunk stream ID

	packet_type uint32 // Message type

	stream_id uint32 // Message stream ID

	length uint32 // Payload length
}

// Represents a RTMP packet (one reassembled message)
type RTMPPacket struct {
	header RTMPPacketHeader
	clock  int64 // Absolute message timestamp

	bytes   uint32 // Payload bytes received so far
	handled bool   // True once the packet was dispatched

	payload []byte
}

func createBlankRTMPPacket() RTMPPacket {
	return RTMPPacket{
		payload: []byte{},
	}
}

// Serializes a basic header
// fmt - Chunk format
// cid - Chunk stream ID
func rtmpChunkBasicHeaderCreate(fmt uint32, cid uint32) []byte {
	if cid >= 64+256 {
		return []byte{
			byte(fmt<<6) | 1,
			byte(cid-64) & 0xff,
			byte((cid-64)>>8) & 0xff,
		}
	} else if cid >= 64 {
		return []byte{
			byte(fmt << 6),
			byte(cid-64) & 0xff,
		}
	}
	return []byte{byte(fmt<<6) | byte(cid)}
}

// Serializes a message header
func rtmpChunkMessageHeaderCreate(packet *RTMPPacket) []byte {
	out := make([]byte, 0, 11)

	if packet.header.fmt <= RTMP_CHUNK_TYPE_2 {
		b := make([]byte, 4)
		if packet.header.timestamp >= 0xffffff {
			binary.BigEndian.PutUint32(b, 0xffffff)
		} else {
			binary.BigEndian.PutUint32(b, uint32(packet.header.timestamp))
		}
		out = append(out, b[1:]...)
	}

	if packet.header.fmt <= RTMP_CHUNK_TYPE_1 {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, packet.header.length)
		out = append(out, b[1:]...)

		out = append(out, byte(packet.header.packet_type))
	}

	if packet.header.fmt == RTMP_CHUNK_TYPE_0 {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, packet.header.stream_id)
		out = append(out, b...)
	}

	return out
}

// CreateChunks splits the packet payload into chunks of outChunkSize
// bytes, each continuation prefixed with a type-3 basic header.
func (packet *RTMPPacket) CreateChunks(outChunkSize int) []byte {
	basicHeader := rtmpChunkBasicHeaderCreate(packet.header.fmt, packet.header.cid)
	basicHeader3 := rtmpChunkBasicHeaderCreate(RTMP_CHUNK_TYPE_3, packet.header.cid)

	messageHeader := rtmpChunkMessageHeaderCreate(packet)

	useExtendedTimestamp := packet.header.timestamp >= 0xffffff

	extended := make([]byte, 0, 4)
	if useExtendedTimestamp {
		extended = make([]byte, 4)
		binary.BigEndian.PutUint32(extended, uint32(packet.header.timestamp))
	}

	chunks := make([]byte, 0, len(basicHeader)+len(messageHeader)+len(extended)+len(packet.payload))

	chunks = append(chunks, basicHeader...)
	chunks = append(chunks, messageHeader...)
	chunks = append(chunks, extended...)

	payload := packet.payload[:packet.header.length]

	for len(payload) > 0 {
		n := outChunkSize
		if n > len(payload) {
			n = len(payload)
		}

		chunks = append(chunks, payload[:n]...)
		payload = payload[n:]

		if len(payload) > 0 {
			chunks = append(chunks, basicHeader3...)
			chunks = append(chunks, extended...)
		}
	}

	return chunks
}
