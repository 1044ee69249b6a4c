// Media frame model
//
// The types below are the output contract of the ingest pipeline: every
// RTMP payload that survives demuxing becomes a Frame attached to a Stream
// descriptor. Frames are shared across queue consumers without copying, so
// payload slices and the SPS/PPS stored in a codec descriptor are treated
// as immutable once published.

package main

import (
	"time"
)

// Fraction is a rational timebase unit.
type Fraction struct {
	Num uint32
	Den uint32
}

// RTMP timestamps are milliseconds.
var RTMP_TIMEBASE = Fraction{Num: 1, Den: 1000}

// MediaTime is a timestamp in a given timebase. DTS is nil when decode
// order equals presentation order as far as the ingest knows.
type MediaTime struct {
	PTS      uint64
	DTS      *uint64
	Timebase Fraction
}

// FrameDependency describes what a frame needs in order to decode.
type FrameDependency int

const (
	// FrameDependencyNone marks a self-decodable frame (IDR/keyframe).
	FrameDependencyNone FrameDependency = iota
	// FrameDependencyBackwards marks a frame that depends on earlier frames.
	FrameDependencyBackwards
)

// Sound channel layouts for AAC.
const (
	SOUND_TYPE_MONO   = 0
	SOUND_TYPE_STEREO = 1
)

// VideoCodecInfo describes an H.264 substream. SPS and PPS hold the raw
// parameter-set bytes exactly as observed on the wire.
type VideoCodecInfo struct {
	Width  uint32
	Height uint32

	ProfileIndication    byte
	ProfileCompatibility byte
	LevelIndication      byte

	SPS []byte
	PPS []byte
}

// AudioCodecInfo describes an AAC substream.
type AudioCodecInfo struct {
	SampleRate uint32 // Hz
	SampleBits byte   // 8 or 16
	SoundType  byte   // SOUND_TYPE_MONO / SOUND_TYPE_STEREO
	Channels   uint32 // refined from the AudioSpecificConfig when available
	Profile    string // AAC profile name, informational
}

// CodecInfo is a tagged union: exactly one of Video / Audio is set.
type CodecInfo struct {
	Name  string
	Video *VideoCodecInfo
	Audio *AudioCodecInfo
}

// Stream is the immutable descriptor of one substream of an ingest session.
// Video is id 0, audio is id 1.
type Stream struct {
	ID       int
	Codec    *CodecInfo
	Timebase Fraction
}

func (s *Stream) IsVideo() bool {
	return s.Codec != nil && s.Codec.Video != nil
}

// Frame is the indivisible output unit of the ingest pipeline.
type Frame struct {
	Time       MediaTime
	Dependency FrameDependency

	// Payload is the codec payload: for video the raw AVCC sample data with
	// the FLV/AVC packet header stripped, for audio the full tag body.
	Payload []byte

	Stream *Stream

	// Received is the wall-clock arrival instant, for diagnostics only.
	Received time.Time
}

// IsKeyframe reports whether the frame can be decoded on its own.
func (f *Frame) IsKeyframe() bool {
	return f.Dependency == FrameDependencyNone
}

func (f *Frame) IsVideo() bool {
	return f.Stream != nil && f.Stream.IsVideo()
}
