// Encoding / Decoding for AMF3
//
// Only the subset that can appear wrapped inside AMF0 command payloads
// (flex messages) is handled.

package main

import (
	"encoding/binary"
	"math"
)

// Types
const AMF3_TYPE_UNDEFINED = 0x00
const AMF3_TYPE_NULL = 0x01
const AMF3_TYPE_FALSE = 0x02
const AMF3_TYPE_TRUE = 0x03
const AMF3_TYPE_INTEGER = 0x04
const AMF3_TYPE_DOUBLE = 0x05
const AMF3_TYPE_STRING = 0x06
const AMF3_TYPE_XML_DOC = 0x07
const AMF3_TYPE_DATE = 0x08
const AMF3_TYPE_BYTE_ARRAY = 0x0C

type AMF3Value struct {
	amf_type  byte
	int_val   int32
	float_val float64
	str_val   string
	bytes_val []byte
}

func (v *AMF3Value) GetBool() bool {
	switch v.amf_type {
	case AMF3_TYPE_TRUE:
		return true
	case AMF3_TYPE_INTEGER:
		return v.int_val != 0
	case AMF3_TYPE_DOUBLE:
		return v.float_val != 0
	default:
		return false
	}
}

func createAMF3Value(amf_type byte) AMF3Value {
	return AMF3Value{
		amf_type:  amf_type,
		bytes_val: make([]byte, 0),
	}
}

/* Encoding */

func amf3EncodeOne(val AMF3Value) []byte {
	result := []byte{val.amf_type}

	switch val.amf_type {
	case AMF3_TYPE_INTEGER:
		result = append(result, amf3EncodeInteger(val.int_val)...)
	case AMF3_TYPE_DOUBLE:
		result = append(result, amf3EncodeDouble(val.float_val)...)
	case AMF3_TYPE_STRING, AMF3_TYPE_XML_DOC:
		result = append(result, amf3EncodeString(val.str_val)...)
	case AMF3_TYPE_DATE:
		result = append(result, 0x01)
		result = append(result, amf3EncodeDouble(val.float_val)[1:]...)
	case AMF3_TYPE_BYTE_ARRAY:
		result = append(result, amf3EncodeByteArray(val.bytes_val)...)
	}

	return result
}

func amf3EncodeUInt29(v uint32) []byte {
	if v < 0x80 {
		return []byte{byte(v)}
	} else if v < 0x4000 {
		return []byte{byte(v>>7) | 0x80, byte(v) & 0x7f}
	} else if v < 0x200000 {
		return []byte{byte(v>>14) | 0x80, byte(v>>7)&0x7f | 0x80, byte(v) & 0x7f}
	}
	return []byte{byte(v>>22) | 0x80, byte(v>>15)&0x7f | 0x80, byte(v>>8)&0x7f | 0x80, byte(v)}
}

func amf3EncodeInteger(i int32) []byte {
	return amf3EncodeUInt29(uint32(i) & 0x1fffffff)
}

func amf3EncodeDouble(d float64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(d))
	return b
}

func amf3EncodeString(str string) []byte {
	b := []byte(str)
	r := amf3EncodeUInt29(uint32(len(b))<<1 | 1)
	return append(r, b...)
}

func amf3EncodeByteArray(b []byte) []byte {
	r := amf3EncodeUInt29(uint32(len(b))<<1 | 1)
	return append(r, b...)
}

/* Decoding */

func (s *AMFDecodingStream) ReadUInt29() uint32 {
	var v uint32

	for i := 0; i < 3; i++ {
		b := s.Read(1)[0]
		v = (v << 7) | uint32(b&0x7f)
		if b&0x80 == 0 {
			return v
		}
	}

	return (v << 8) | uint32(s.Read(1)[0])
}

func (s *AMFDecodingStream) ReadAMF3() AMF3Value {
	amf_type := s.Read(1)[0]
	r := createAMF3Value(amf_type)

	switch amf_type {
	case AMF3_TYPE_INTEGER:
		r.int_val = int32(s.ReadUInt29() << 3 >> 3)
	case AMF3_TYPE_DOUBLE:
		r.float_val = math.Float64frombits(binary.BigEndian.Uint64(s.Read(8)))
	case AMF3_TYPE_STRING, AMF3_TYPE_XML_DOC:
		l := s.ReadUInt29() >> 1
		r.str_val = string(s.Read(int(l)))
	case AMF3_TYPE_DATE:
		s.ReadUInt29()
		r.float_val = math.Float64frombits(binary.BigEndian.Uint64(s.Read(8)))
	case AMF3_TYPE_BYTE_ARRAY:
		l := s.ReadUInt29() >> 1
		r.bytes_val = s.Read(int(l))
	}

	return r
}
