// H.264 parameter-set extraction
//
// Two paths produce the video codec descriptor: the MP4-style
// AVCDecoderConfigurationRecord delivered in a video sequence-header
// packet, and in-band SPS/PPS NAL units scanned out of a NALU packet when
// no sequence header was sent. Both end in the same SPS parse, which
// computes cropping-aware pixel dimensions from the RBSP.

package main

import (
	"encoding/binary"
	"fmt"
)

const (
	NAL_TYPE_IDR = 5
	NAL_TYPE_SPS = 7
	NAL_TYPE_PPS = 8
)

/* AVCDecoderConfigurationRecord */

type AvcDecoderConfigurationRecord struct {
	ConfigurationVersion byte
	ProfileIndication    byte
	ProfileCompatibility byte
	LevelIndication      byte
	NalLengthSize        byte

	SPS [][]byte
	PPS [][]byte
}

func parseAvcDecoderConfigurationRecord(data []byte) (AvcDecoderConfigurationRecord, error) {
	if len(data) < 7 {
		return AvcDecoderConfigurationRecord{}, fmt.Errorf("%w: truncated configuration record", ErrFlvParse)
	}

	record := AvcDecoderConfigurationRecord{
		ConfigurationVersion: data[0],
		ProfileIndication:    data[1],
		ProfileCompatibility: data[2],
		LevelIndication:      data[3],
		NalLengthSize:        data[4]&0x03 + 1,
	}

	numSps := int(data[5] & 0x1f)
	pos := 6

	readSet := func(count int) ([][]byte, error) {
		sets := make([][]byte, 0, count)
		for i := 0; i < count; i++ {
			if pos+2 > len(data) {
				return nil, fmt.Errorf("%w: truncated parameter set length", ErrFlvParse)
			}
			l := int(binary.BigEndian.Uint16(data[pos : pos+2]))
			pos += 2
			if pos+l > len(data) {
				return nil, fmt.Errorf("%w: truncated parameter set", ErrFlvParse)
			}
			sets = append(sets, data[pos:pos+l])
			pos += l
		}
		return sets, nil
	}

	var err error
	if record.SPS, err = readSet(numSps); err != nil {
		return AvcDecoderConfigurationRecord{}, err
	}

	if pos >= len(data) {
		return AvcDecoderConfigurationRecord{}, fmt.Errorf("%w: missing PPS count", ErrFlvParse)
	}
	numPps := int(data[pos])
	pos++

	if record.PPS, err = readSet(numPps); err != nil {
		return AvcDecoderConfigurationRecord{}, err
	}

	return record, nil
}

/* NAL unit scanning */

// scanNalUnits walks a NAL unit sequence and calls visit for every unit.
// Both Annex-B start-code streams and AVCC length-prefixed streams are
// recognized; the nal slice includes the one-byte NAL header.
func scanNalUnits(data []byte, visit func(nalType byte, nal []byte)) error {
	if isAnnexB(data) {
		scanAnnexB(data, visit)
		return nil
	}

	return splitAvccNalUnits(data, func(nal []byte) {
		if len(nal) > 0 {
			visit(nal[0] & 0x1f, nal)
		}
	})
}

func isAnnexB(data []byte) bool {
	if len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1 {
		return true
	}
	return len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1
}

func scanAnnexB(data []byte, visit func(nalType byte, nal []byte)) {
	start := -1

	i := 0
	for i+2 < len(data) {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			end := i
			if end > 0 && data[end-1] == 0 {
				end-- // 4-byte start code
			}
			if start >= 0 && end > start {
				visit(data[start]&0x1f, data[start:end])
			}
			start = i + 3
			i += 3
		} else {
			i++
		}
	}

	if start >= 0 && start < len(data) {
		visit(data[start]&0x1f, data[start:])
	}
}

// decodeNalRbsp strips emulation-prevention bytes (00 00 03) from a NAL
// unit body.
func decodeNalRbsp(data []byte) []byte {
	rbsp := make([]byte, 0, len(data))

	zeros := 0
	for i := 0; i < len(data); i++ {
		if zeros == 2 && data[i] == 0x03 {
			zeros = 0
			continue
		}
		if data[i] == 0 {
			zeros++
		} else {
			zeros = 0
		}
		rbsp = append(rbsp, data[i])
	}

	return rbsp
}

/* SPS */

type spsInfo struct {
	profileIdc      byte
	constraintFlags byte
	levelIdc        byte

	width  uint32
	height uint32
}

// parseSps decodes a sequence parameter set. nal is the full NAL unit,
// header byte included and emulation-prevention bytes still present.
func parseSps(nal []byte) (spsInfo, error) {
	if len(nal) < 4 {
		return spsInfo{}, fmt.Errorf("%w: truncated SPS", ErrFlvParse)
	}

	rbsp := decodeNalRbsp(nal[1:])
	b := createBitop(rbsp)

	info := spsInfo{
		profileIdc:      byte(b.Read(8)),
		constraintFlags: byte(b.Read(8)),
		levelIdc:        byte(b.Read(8)),
	}

	b.ReadGolomb() // seq_parameter_set_id

	chromaFormatIdc := uint32(1)
	separateColourPlane := uint32(0)

	switch info.profileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		chromaFormatIdc = b.ReadGolomb()
		if chromaFormatIdc == 3 {
			separateColourPlane = b.Read(1)
		}
		b.ReadGolomb() // bit_depth_luma_minus8
		b.ReadGolomb() // bit_depth_chroma_minus8
		b.Read(1)      // qpprime_y_zero_transform_bypass_flag
		if b.Read(1) != 0 {
			// seq_scaling_matrix_present_flag
			count := 8
			if chromaFormatIdc == 3 {
				count = 12
			}
			for i := 0; i < count; i++ {
				if b.Read(1) != 0 {
					size := 16
					if i >= 6 {
						size = 64
					}
					skipScalingList(b, size)
				}
			}
		}
	}

	b.ReadGolomb() // log2_max_frame_num_minus4

	picOrderCntType := b.ReadGolomb()
	switch picOrderCntType {
	case 0:
		b.ReadGolomb() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		b.Read(1)      // delta_pic_order_always_zero_flag
		b.ReadGolomb() // offset_for_non_ref_pic
		b.ReadGolomb() // offset_for_top_to_bottom_field
		n := b.ReadGolomb()
		for i := uint32(0); i < n && !b.Failed(); i++ {
			b.ReadGolomb() // offset_for_ref_frame
		}
	}

	b.ReadGolomb() // max_num_ref_frames
	b.Read(1)      // gaps_in_frame_num_value_allowed_flag

	picWidthInMbs := b.ReadGolomb() + 1
	picHeightInMapUnits := b.ReadGolomb() + 1

	frameMbsOnly := b.Read(1)
	if frameMbsOnly == 0 {
		b.Read(1) // mb_adaptive_frame_field_flag
	}

	b.Read(1) // direct_8x8_inference_flag

	var cropLeft, cropRight, cropTop, cropBottom uint32
	if b.Read(1) != 0 {
		cropLeft = b.ReadGolomb()
		cropRight = b.ReadGolomb()
		cropTop = b.ReadGolomb()
		cropBottom = b.ReadGolomb()
	}

	if b.Failed() {
		return spsInfo{}, fmt.Errorf("%w: SPS ends mid-field", ErrFlvParse)
	}

	// Crop units depend on the chroma subsampling and frame coding.
	cropUnitX := uint32(1)
	cropUnitY := 2 - frameMbsOnly
	if separateColourPlane == 0 {
		switch chromaFormatIdc {
		case 1:
			cropUnitX = 2
			cropUnitY = 2 * (2 - frameMbsOnly)
		case 2:
			cropUnitX = 2
			cropUnitY = 2 - frameMbsOnly
		}
	}

	info.width = picWidthInMbs*16 - cropUnitX*(cropLeft+cropRight)
	info.height = (2-frameMbsOnly)*picHeightInMapUnits*16 - cropUnitY*(cropTop+cropBottom)

	return info, nil
}

func skipScalingList(b *Bitop, size int) {
	lastScale := int32(8)
	nextScale := int32(8)
	for i := 0; i < size; i++ {
		if nextScale != 0 {
			nextScale = (lastScale + b.ReadSignedGolomb() + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
}

/* Codec descriptor construction */

// videoCodecFromSequenceHeader builds the H.264 descriptor from an
// AVCDecoderConfigurationRecord.
func videoCodecFromSequenceHeader(data []byte) (*CodecInfo, error) {
	record, err := parseAvcDecoderConfigurationRecord(data)
	if err != nil {
		return nil, err
	}

	if len(record.SPS) == 0 || len(record.PPS) == 0 {
		return nil, ErrNeedMoreData
	}

	sps, err := parseSps(record.SPS[0])
	if err != nil {
		return nil, err
	}

	return &CodecInfo{
		Name: "h264",
		Video: &VideoCodecInfo{
			Width:                sps.width,
			Height:               sps.height,
			ProfileIndication:    record.ProfileIndication,
			ProfileCompatibility: record.ProfileCompatibility,
			LevelIndication:      record.LevelIndication,
			SPS:                  record.SPS[0],
			PPS:                  record.PPS[0],
		},
	}, nil
}

// parameterSetAccumulator collects the first SPS and PPS seen by a NAL
// scan. It is owned by the caller; the scanner only visits.
type parameterSetAccumulator struct {
	sps []byte
	pps []byte
}

func (a *parameterSetAccumulator) visit(nalType byte, nal []byte) {
	switch nalType {
	case NAL_TYPE_SPS:
		if a.sps == nil {
			a.sps = nal
		}
	case NAL_TYPE_PPS:
		if a.pps == nil {
			a.pps = nal
		}
	}
}

// videoCodecFromNalUnits builds the H.264 descriptor from in-band SPS/PPS
// NAL units. Returns ErrNeedMoreData until both have been seen.
func videoCodecFromNalUnits(data []byte) (*CodecInfo, error) {
	var acc parameterSetAccumulator

	if err := scanNalUnits(data, acc.visit); err != nil {
		return nil, err
	}

	if acc.sps == nil || acc.pps == nil {
		return nil, ErrNeedMoreData
	}

	sps, err := parseSps(acc.sps)
	if err != nil {
		return nil, err
	}

	return &CodecInfo{
		Name: "h264",
		Video: &VideoCodecInfo{
			Width:                sps.width,
			Height:               sps.height,
			ProfileIndication:    sps.profileIdc,
			ProfileCompatibility: sps.constraintFlags,
			LevelIndication:      sps.levelIdc,
			SPS:                  acc.sps,
			PPS:                  acc.pps,
		},
	}, nil
}
