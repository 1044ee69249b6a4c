// RTMP Handshake

package main

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
)

const MESSAGE_FORMAT_0 = 0
const MESSAGE_FORMAT_1 = 1
const MESSAGE_FORMAT_2 = 2

const RTMP_SIG_SIZE = 1536
const SHA256DL = 32

var RandomCrud = []byte{
	0xf0, 0xee, 0xc2, 0x4a, 0x80, 0x68, 0xbe, 0xe8,
	0x2e, 0x00, 0xd0, 0xd1, 0x02, 0x9e, 0x7e, 0x57,
	0x6e, 0xec, 0x5d, 0x2d, 0x29, 0x80, 0x6f, 0xab,
	0x93, 0xb8, 0xe6, 0x36, 0xcf, 0xeb, 0x31, 0xae,
}

const GenuineFMSConst = "Genuine Adobe Flash Media Server 001"

var GenuineFMSConstCrud = append([]byte(GenuineFMSConst), RandomCrud...)

const GenuineFPConst = "Genuine Adobe Flash Player 001"

func calcHmac(message []byte, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(message)
	return h.Sum(nil)
}

// padOrTrim forces b to exactly n bytes, zero padding on the right.
func padOrTrim(b []byte, n int) []byte {
	if len(b) >= n {
		return b[0:n]
	}
	return append(b, make([]byte, n-len(b))...)
}

// Digest offset schemes: the client digest lives near the start of the
// signature, the server digest near the end.
func GetClientGenuineConstDigestOffset(buf []byte) uint32 {
	offset := uint32(buf[0]) + uint32(buf[1]) + uint32(buf[2]) + uint32(buf[3])
	return (offset % 728) + 12
}

func GetServerGenuineConstDigestOffset(buf []byte) uint32 {
	offset := uint32(buf[0]) + uint32(buf[1]) + uint32(buf[2]) + uint32(buf[3])
	return (offset % 728) + 776
}

// digestMessage is the client signature with the digest hole removed.
func digestMessage(clientSig []byte, sdl uint32) []byte {
	msg := make([]byte, sdl)
	copy(msg, clientSig[0:sdl])
	msg = append(msg, clientSig[(sdl+SHA256DL):]...)
	return padOrTrim(msg, RTMP_SIG_SIZE-SHA256DL)
}

// detectClientMessageFormat checks which digest scheme (if any) the client
// signature carries.
func detectClientMessageFormat(clientSig []byte) uint32 {
	sdl := GetServerGenuineConstDigestOffset(clientSig[772:776])
	computed := calcHmac(digestMessage(clientSig, sdl), []byte(GenuineFPConst))
	if hmac.Equal(computed, clientSig[sdl:(sdl+SHA256DL)]) {
		return MESSAGE_FORMAT_2
	}

	sdl = GetClientGenuineConstDigestOffset(clientSig[8:12])
	computed = calcHmac(digestMessage(clientSig, sdl), []byte(GenuineFPConst))
	if hmac.Equal(computed, clientSig[sdl:(sdl+SHA256DL)]) {
		return MESSAGE_FORMAT_1
	}

	return MESSAGE_FORMAT_0
}

// generateS1 builds the server signature with an embedded digest.
func generateS1(messageFormat uint32) []byte {
	randomBytes := make([]byte, RTMP_SIG_SIZE-8)
	if _, err := rand.Read(randomBytes); err != nil {
		// This should never happen
		panic(err)
	}

	handshakeBytes := append([]byte{0, 0, 0, 0, 1, 2, 3, 4}, randomBytes...)
	handshakeBytes = padOrTrim(handshakeBytes, RTMP_SIG_SIZE)

	var serverDigestOffset uint32
	if messageFormat == MESSAGE_FORMAT_1 {
		serverDigestOffset = GetClientGenuineConstDigestOffset(handshakeBytes[8:12])
	} else {
		serverDigestOffset = GetClientGenuineConstDigestOffset(handshakeBytes[772:776])
	}

	h := calcHmac(digestMessage(handshakeBytes, serverDigestOffset), []byte(GenuineFMSConst))
	copy(handshakeBytes[serverDigestOffset:serverDigestOffset+SHA256DL], h)

	return handshakeBytes
}

// generateS2 signs random bytes with a key derived from the client's
// challenge digest.
func generateS2(messageFormat uint32, clientSig []byte) []byte {
	randomBytes := make([]byte, RTMP_SIG_SIZE-SHA256DL)
	if _, err := rand.Read(randomBytes); err != nil {
		// This should never happen
		panic(err)
	}

	var challengeKeyOffset uint32
	if messageFormat == MESSAGE_FORMAT_1 {
		challengeKeyOffset = GetClientGenuineConstDigestOffset(clientSig[8:12])
	} else {
		challengeKeyOffset = GetServerGenuineConstDigestOffset(clientSig[772:776])
	}

	challengeKey := clientSig[challengeKeyOffset:(challengeKeyOffset + SHA256DL)]

	h := calcHmac(challengeKey, GenuineFMSConstCrud)
	signature := calcHmac(randomBytes, h)

	return padOrTrim(append(randomBytes, signature...), RTMP_SIG_SIZE)
}

// generateS0S1S2 builds the full server handshake response for a client
// signature. Clients that do not use the digest scheme get a plain echo.
func generateS0S1S2(clientSig []byte) []byte {
	messageFormat := detectClientMessageFormat(clientSig)

	allBytes := []byte{RTMP_VERSION}

	if messageFormat == MESSAGE_FORMAT_0 {
		LogDebug("Using basic handshake")
		allBytes = append(allBytes, clientSig...)
		allBytes = append(allBytes, clientSig...)
	} else {
		LogDebug("Using S1S2 handshake")
		allBytes = append(allBytes, generateS1(messageFormat)...)
		allBytes = append(allBytes, generateS2(messageFormat, clientSig)...)
	}

	return allBytes
}
