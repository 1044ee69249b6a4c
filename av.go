// Audio utils

package main

/* AAC (Advanced Audio Coding) */

var AAC_SAMPLE_RATE = []uint32{
	96000, 88200, 64000, 48000,
	44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000,
	7350, 0, 0, 0,
}

var AAC_CHANNELS = []uint32{
	0, 1, 2, 3, 4, 5, 6, 8,
}

type AACSpecificConfig struct {
	object_type     uint32
	sample_rate     uint32
	sampling_index  byte
	chan_config     uint32
	channels        uint32
	sbr             int32
	ps              int32
	ext_object_type uint32
}

func getAudioObjectType(bitop *Bitop) uint32 {
	r := bitop.Read(5)
	if r == 31 {
		r = bitop.Read(6) + 32
	}
	return r
}

func getAudioSampleRate(bitop *Bitop, sampling_index byte) uint32 {
	if sampling_index == 0x0f {
		return bitop.Read(24)
	} else if int(sampling_index) < len(AAC_SAMPLE_RATE) {
		return AAC_SAMPLE_RATE[sampling_index]
	}
	return 0
}

// readAACSpecificConfig parses the AudioSpecificConfig carried by an AAC
// sequence-header tag. The first two body bytes are the FLV audio tag
// header and the AAC packet type.
func readAACSpecificConfig(aacSequenceHeader []byte) AACSpecificConfig {
	res := AACSpecificConfig{}
	bitop := createBitop(aacSequenceHeader)

	bitop.Read(16)

	res.object_type = getAudioObjectType(bitop)
	res.sampling_index = byte(bitop.Read(4))
	res.sample_rate = getAudioSampleRate(bitop, res.sampling_index)
	res.chan_config = bitop.Read(4)

	if int(res.chan_config) < len(AAC_CHANNELS) {
		res.channels = AAC_CHANNELS[res.chan_config]
	}

	res.sbr = -1
	res.ps = -1

	if res.object_type == 5 || res.object_type == 29 {
		if res.object_type == 29 {
			res.ps = 1
		}
		res.ext_object_type = 5
		res.sbr = 1
		res.sampling_index = byte(bitop.Read(4))
		res.sample_rate = getAudioSampleRate(bitop, res.sampling_index)
		res.object_type = getAudioObjectType(bitop)
	}

	return res
}

func getAACProfileName(info AACSpecificConfig) string {
	switch info.object_type {
	case 1:
		return "Main"
	case 2:
		if info.ps > 0 {
			return "HEv2"
		}
		if info.sbr > 0 {
			return "HE"
		}
		return "LC"
	case 3:
		return "SSR"
	case 4:
		return "LTP"
	case 5:
		return "SBR"
	default:
		return ""
	}
}

// audioCodecFromTag builds the audio codec descriptor for an ingest
// substream. Only AAC is accepted. When the tag is a sequence header, the
// AudioSpecificConfig refines the sample rate and channel count reported
// by the FLV header bits.
func audioCodecFromTag(tag *FlvAudioTag) (*CodecInfo, error) {
	if tag.SoundFormat != SOUND_FORMAT_AAC {
		return nil, ErrUnsupportedCodec
	}

	info := &AudioCodecInfo{
		SampleRate: tag.SampleRate(),
		SampleBits: tag.SampleBits(),
		SoundType:  tag.SoundType,
	}

	if tag.AACPacketType == AAC_PACKET_TYPE_SEQUENCE_HEADER && len(tag.Body) > 2 {
		config := readAACSpecificConfig(tag.Body)
		if config.sample_rate != 0 {
			info.SampleRate = config.sample_rate
		}
		info.Channels = config.channels
		info.Profile = getAACProfileName(config)
	} else {
		info.Channels = uint32(tag.SoundType) + 1
	}

	return &CodecInfo{
		Name:  "AAC",
		Audio: info,
	}, nil
}
