// Frame assembler
//
// Turns FLV-tagged RTMP payloads into timed frames. Per substream it
// derives the stream descriptor lazily, reconciles the peer's millisecond
// timestamps into a monotonic media-time accumulator, and labels keyframe
// dependency. Payloads that arrive before the descriptor can be built are
// dropped and never advance the clock.

package main

import (
	"errors"
	"time"
)

const VIDEO_STREAM_ID = 0
const AUDIO_STREAM_ID = 1

type frameAssembler struct {
	videoStream   *Stream
	videoTime     uint64
	prevVideoTime *uint32
	videoSeenKey  bool

	audioStream   *Stream
	audioTime     uint64
	prevAudioTime *uint32

	backlog []Frame
}

func createFrameAssembler() *frameAssembler {
	return &frameAssembler{
		backlog: make([]Frame, 0, 16),
	}
}

func (a *frameAssembler) VideoStream() *Stream {
	return a.videoStream
}

func (a *frameAssembler) AudioStream() *Stream {
	return a.audioStream
}

// NextFrame pops the oldest assembled frame off the backlog.
func (a *frameAssembler) NextFrame() (Frame, bool) {
	if len(a.backlog) == 0 {
		return Frame{}, false
	}
	frame := a.backlog[0]
	a.backlog = a.backlog[1:]
	return frame, true
}

// advanceMediaTime computes the clamped delta between the previous and
// current peer timestamp and moves the substream accumulator forward.
func advanceMediaTime(acc uint64, prev *uint32, t uint32) (uint64, *uint32) {
	if prev == nil {
		return acc, &t
	}

	delta := int64(t) - int64(*prev)
	if delta < 0 {
		// Peer clock went backwards: treat as duplicate timing.
		delta = 0
	}

	return acc + uint64(delta), &t
}

// AddVideo ingests one RTMP video message body.
func (a *frameAssembler) AddVideo(data []byte, timestamp uint32) error {
	tag, packet, err := parseFlvVideoTag(data)
	if err != nil {
		return err
	}

	if packet.PacketType == AVC_PACKET_TYPE_END_OF_SEQUENCE {
		return nil
	}

	if tag.FrameType == FRAME_TYPE_INFO {
		// Command frames carry no sample data.
		return nil
	}

	if a.videoStream == nil {
		return a.assignVideoStream(&packet)
	}

	if packet.PacketType == AVC_PACKET_TYPE_SEQUENCE_HEADER {
		// Repeated configuration, already captured.
		return nil
	}

	if !a.videoSeenKey {
		if !tag.IsKeyframe() {
			// The first emitted frame must be decodable on its own.
			return nil
		}
		a.videoSeenKey = true
	}

	a.videoTime, a.prevVideoTime = advanceMediaTime(a.videoTime, a.prevVideoTime, timestamp)

	dependency := FrameDependencyBackwards
	if tag.IsKeyframe() {
		dependency = FrameDependencyNone
	}

	a.backlog = append(a.backlog, Frame{
		Time: MediaTime{
			PTS:      a.videoTime,
			Timebase: RTMP_TIMEBASE,
		},
		Dependency: dependency,
		Payload:    packet.Data,
		Stream:     a.videoStream,
		Received:   time.Now(),
	})

	return nil
}

func (a *frameAssembler) assignVideoStream(packet *AvcVideoPacket) error {
	var codec *CodecInfo
	var err error

	switch packet.PacketType {
	case AVC_PACKET_TYPE_SEQUENCE_HEADER:
		codec, err = videoCodecFromSequenceHeader(packet.Data)
	case AVC_PACKET_TYPE_NALU:
		codec, err = videoCodecFromNalUnits(packet.Data)
	}

	if errors.Is(err, ErrNeedMoreData) {
		// SPS/PPS not seen yet: drop the payload, keep waiting.
		return nil
	}
	if err != nil {
		return err
	}

	a.videoStream = &Stream{
		ID:       VIDEO_STREAM_ID,
		Codec:    codec,
		Timebase: RTMP_TIMEBASE,
	}

	return nil
}

// AddAudio ingests one RTMP audio message body.
func (a *frameAssembler) AddAudio(data []byte, timestamp uint32) error {
	tag, err := parseFlvAudioTag(data)
	if err != nil {
		return err
	}

	if a.audioStream == nil {
		codec, err := audioCodecFromTag(&tag)
		if err != nil {
			return err
		}

		a.audioStream = &Stream{
			ID:       AUDIO_STREAM_ID,
			Codec:    codec,
			Timebase: RTMP_TIMEBASE,
		}

		return nil
	}

	if tag.SoundFormat != SOUND_FORMAT_AAC {
		return ErrUnsupportedCodec
	}

	if tag.AACPacketType == AAC_PACKET_TYPE_SEQUENCE_HEADER {
		// Repeated configuration, not playable audio.
		return nil
	}

	a.audioTime, a.prevAudioTime = advanceMediaTime(a.audioTime, a.prevAudioTime, timestamp)

	a.backlog = append(a.backlog, Frame{
		Time: MediaTime{
			PTS:      a.audioTime,
			Timebase: RTMP_TIMEBASE,
		},
		Dependency: FrameDependencyNone,
		Payload:    tag.Body,
		Stream:     a.audioStream,
		Received:   time.Now(),
	})

	return nil
}
