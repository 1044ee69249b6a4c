// Bit reader tests

package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitopRead(t *testing.T) {
	b := createBitop([]byte{0b10110100, 0b01100000})

	require.Equal(t, uint32(1), b.Read(1))
	require.Equal(t, uint32(0b011), b.Read(3))
	require.Equal(t, uint32(0b01000110), b.Read(8))
	require.False(t, b.Failed())
}

func TestBitopReadPastEnd(t *testing.T) {
	b := createBitop([]byte{0xff})

	b.Read(8)
	require.False(t, b.Failed())

	require.Equal(t, uint32(0), b.Read(1))
	require.True(t, b.Failed())
}

func TestBitopLook(t *testing.T) {
	b := createBitop([]byte{0xa5})

	require.Equal(t, uint32(0xa), b.Look(4))
	require.Equal(t, uint32(0xa), b.Read(4))
	require.Equal(t, uint32(0x5), b.Read(4))
}

func TestBitopReadGolomb(t *testing.T) {
	// ue(v): 1 -> 0, 010 -> 1, 011 -> 2, 00100 -> 3
	b := createBitop([]byte{0b10100110, 0b01000000})

	require.Equal(t, uint32(0), b.ReadGolomb())
	require.Equal(t, uint32(1), b.ReadGolomb())
	require.Equal(t, uint32(2), b.ReadGolomb())
	require.Equal(t, uint32(3), b.ReadGolomb())
	require.False(t, b.Failed())
}

func TestBitopReadSignedGolomb(t *testing.T) {
	// se(v): 1 -> 0, 010 -> 1, 011 -> -1
	b := createBitop([]byte{0b10100110, 0b00000000})

	require.Equal(t, int32(0), b.ReadSignedGolomb())
	require.Equal(t, int32(1), b.ReadSignedGolomb())
	require.Equal(t, int32(-1), b.ReadSignedGolomb())
}
