// FLV tag decoding tests

package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// AAC-LC, 44100 Hz, stereo AudioSpecificConfig.
var testAacConfig = []byte{0x12, 0x10}

func buildAudioTagBody(soundFormat byte, aacPacketType byte, data []byte) []byte {
	// 44 kHz, 16-bit, stereo header bits
	header := soundFormat<<4 | 0x03<<2 | 0x01<<1 | 0x01
	return append([]byte{header, aacPacketType}, data...)
}

func buildVideoTagBody(frameType byte, packetType byte, data []byte) []byte {
	body := []byte{frameType<<4 | VIDEO_CODEC_AVC, packetType, 0, 0, 0}
	return append(body, data...)
}

func buildNaluPayload(nals ...[]byte) []byte {
	var out []byte
	for _, nal := range nals {
		out = append(out, byte(len(nal)>>24), byte(len(nal)>>16), byte(len(nal)>>8), byte(len(nal)))
		out = append(out, nal...)
	}
	return out
}

func TestParseFlvAudioTag(t *testing.T) {
	body := buildAudioTagBody(SOUND_FORMAT_AAC, AAC_PACKET_TYPE_RAW, []byte{0xde, 0xad})

	tag, err := parseFlvAudioTag(body)
	require.NoError(t, err)

	require.Equal(t, byte(SOUND_FORMAT_AAC), tag.SoundFormat)
	require.Equal(t, uint32(44000), tag.SampleRate())
	require.Equal(t, byte(16), tag.SampleBits())
	require.Equal(t, byte(SOUND_TYPE_STEREO), tag.SoundType)
	require.Equal(t, byte(AAC_PACKET_TYPE_RAW), tag.AACPacketType)
	require.Equal(t, body, tag.Body)
}

func TestParseFlvAudioTagTruncated(t *testing.T) {
	_, err := parseFlvAudioTag([]byte{})
	require.ErrorIs(t, err, ErrFlvParse)

	// AAC needs the packet type byte
	_, err = parseFlvAudioTag([]byte{0xaf})
	require.ErrorIs(t, err, ErrFlvParse)
}

func TestParseFlvVideoTag(t *testing.T) {
	nalu := buildNaluPayload([]byte{0x65, 0x88})
	body := buildVideoTagBody(FRAME_TYPE_KEY, AVC_PACKET_TYPE_NALU, nalu)

	tag, packet, err := parseFlvVideoTag(body)
	require.NoError(t, err)

	require.Equal(t, byte(FRAME_TYPE_KEY), tag.FrameType)
	require.True(t, tag.IsKeyframe())
	require.Equal(t, byte(VIDEO_CODEC_AVC), tag.CodecID)
	require.Equal(t, byte(AVC_PACKET_TYPE_NALU), packet.PacketType)
	require.Equal(t, int32(0), packet.CompositionTime)
	require.Equal(t, nalu, packet.Data)
}

func TestParseFlvVideoTagCompositionTime(t *testing.T) {
	body := []byte{0x27, 0x01, 0xff, 0xff, 0xfb}

	_, packet, err := parseFlvVideoTag(body)
	require.NoError(t, err)

	// Signed 24-bit: 0xfffffb is -5
	require.Equal(t, int32(-5), packet.CompositionTime)
}

func TestParseFlvVideoTagUnsupportedCodec(t *testing.T) {
	// Sorenson H.263 codec id
	_, _, err := parseFlvVideoTag([]byte{0x12, 0x00, 0x00, 0x00, 0x00})
	require.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestParseFlvVideoTagTruncated(t *testing.T) {
	_, _, err := parseFlvVideoTag([]byte{})
	require.ErrorIs(t, err, ErrFlvParse)

	_, _, err = parseFlvVideoTag([]byte{0x17, 0x01, 0x00})
	require.ErrorIs(t, err, ErrFlvParse)
}

func TestSplitAvccNalUnits(t *testing.T) {
	payload := buildNaluPayload([]byte{0x65, 0x01}, []byte{0x41, 0x02, 0x03})

	var nals [][]byte
	err := splitAvccNalUnits(payload, func(nal []byte) {
		nals = append(nals, nal)
	})
	require.NoError(t, err)

	require.Len(t, nals, 2)
	require.Equal(t, []byte{0x65, 0x01}, nals[0])
	require.Equal(t, []byte{0x41, 0x02, 0x03}, nals[1])
}

func TestSplitAvccNalUnitsTruncated(t *testing.T) {
	err := splitAvccNalUnits([]byte{0x00, 0x00}, func([]byte) {})
	require.ErrorIs(t, err, ErrFlvParse)

	err = splitAvccNalUnits([]byte{0x00, 0x00, 0x00, 0x08, 0x65}, func([]byte) {})
	require.ErrorIs(t, err, ErrFlvParse)
}

func TestAudioCodecFromTag(t *testing.T) {
	body := buildAudioTagBody(SOUND_FORMAT_AAC, AAC_PACKET_TYPE_SEQUENCE_HEADER, testAacConfig)

	tag, err := parseFlvAudioTag(body)
	require.NoError(t, err)

	codec, err := audioCodecFromTag(&tag)
	require.NoError(t, err)

	require.Equal(t, "AAC", codec.Name)
	require.NotNil(t, codec.Audio)
	require.Nil(t, codec.Video)

	// The AudioSpecificConfig refines the FLV header fields
	require.Equal(t, uint32(44100), codec.Audio.SampleRate)
	require.Equal(t, uint32(2), codec.Audio.Channels)
	require.Equal(t, byte(16), codec.Audio.SampleBits)
	require.Equal(t, "LC", codec.Audio.Profile)
}

func TestAudioCodecFromTagRawPacket(t *testing.T) {
	body := buildAudioTagBody(SOUND_FORMAT_AAC, AAC_PACKET_TYPE_RAW, []byte{0x01})

	tag, err := parseFlvAudioTag(body)
	require.NoError(t, err)

	codec, err := audioCodecFromTag(&tag)
	require.NoError(t, err)

	require.Equal(t, uint32(44000), codec.Audio.SampleRate)
	require.Equal(t, uint32(2), codec.Audio.Channels)
}

func TestAudioCodecFromTagUnsupported(t *testing.T) {
	tag, err := parseFlvAudioTag([]byte{SOUND_FORMAT_MP3<<4 | 0x0f, 0x00})
	require.NoError(t, err)

	_, err = audioCodecFromTag(&tag)
	require.ErrorIs(t, err, ErrUnsupportedCodec)
}
