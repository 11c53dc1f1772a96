package frame

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := [][]byte{
		// V1 link-ready1: opcode(2) + TWCID(2) + sign(1) + 8 zero bytes = 13.
		{0xFC, 0xE1, 0x77, 0x77, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		// V2 slave link-ready: opcode(2) + TWCID(2) + sign(1) + 10 more bytes = 15.
		{0xFD, 0xE2, 0x11, 0x22, 0x02, 0x00, 0xC0, 0x1E, 0xDB, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		// kWh/voltage report: opcode(2) + TWCID(2) + 15 more bytes = 19.
		{0xFD, 0xEB, 0x11, 0x22, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E},
	}
	for _, payload := range cases {
		encoded := Encode(payload)
		assert.Equal(t, byte(delimiter), encoded[0])
		assert.Equal(t, byte(delimiter), encoded[len(encoded)-1])

		decoded, err := Unescape(encoded)
		require.NoError(t, err)
		assert.Equal(t, payload, decoded)
	}
}

func TestUnescapeRejectsCorruptedChecksum(t *testing.T) {
	payload := []byte{0xFB, 0xE0, 0x77, 0x77, 0xAB, 0xCD, 0x05, 0x07, 0xD0, 0x00, 0x00, 0x00, 0x00}
	encoded := Encode(payload)
	// Flip a bit in the checksum byte (second-to-last, before trailing 0xC0).
	encoded[len(encoded)-2] ^= 0x01

	_, err := Unescape(encoded)
	require.Error(t, err)
	var checksumErr ErrChecksum
	assert.ErrorAs(t, err, &checksumErr)
}

func TestUnescapeRejectsMissingDelimiters(t *testing.T) {
	_, err := Unescape([]byte{0x01, 0x02, 0x03})
	assert.Error(t, err)
}

func TestAssemblerReassemblesByteAtATime(t *testing.T) {
	payload := []byte{0xFB, 0xE0, 0x77, 0x77, 0xAB, 0xCD, 0x05, 0x07, 0xD0, 0x00, 0x00, 0x00, 0x00}
	encoded := Encode(payload)

	var a Assembler
	now := time.Unix(0, 0)
	var got []byte
	var done bool
	for _, b := range encoded {
		got, done = a.Feed(b, now)
		now = now.Add(time.Millisecond)
	}
	require.True(t, done)
	decoded, err := Unescape(got)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestAssemblerResyncsOnEarlyDelimiter(t *testing.T) {
	payload := []byte{0xFB, 0xE0, 0x77, 0x77, 0xAB, 0xCD, 0x05, 0x07, 0xD0, 0x00, 0x00, 0x00, 0x00}
	encoded := Encode(payload)

	noise := append([]byte{delimiter, 0x01, 0x02}, encoded...)

	var a Assembler
	now := time.Unix(0, 0)
	var got []byte
	var done bool
	for _, b := range noise {
		got, done = a.Feed(b, now)
		now = now.Add(time.Millisecond)
	}
	require.True(t, done)
	decoded, err := Unescape(got)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestAssemblerDiscardsStalledFrame(t *testing.T) {
	var a Assembler
	now := time.Unix(0, 0)
	_, done := a.Feed(delimiter, now)
	assert.False(t, done)
	assert.True(t, a.inFrame)

	now = now.Add(3 * time.Second)
	_, done = a.Feed(0x01, now)
	assert.False(t, done)
	assert.False(t, a.inFrame, "stalled frame is discarded; a non-delimiter byte doesn't start a new one")
}
