package serialport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPTYLoopback(t *testing.T) {
	master, slave, err := OpenPTY(nil, nil)
	require.NoError(t, err)
	defer master.Close()
	defer slave.Close()

	slave.SetReadTimeout(200 * time.Millisecond)
	n, err := master.Write([]byte("link-ready"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	buf := make([]byte, 32)
	n, err = slave.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "link-ready", string(buf[:n]))
}

func TestReadTimeoutIsNotAnError(t *testing.T) {
	master, slave, err := OpenPTY(nil, nil)
	require.NoError(t, err)
	defer master.Close()
	defer slave.Close()

	slave.SetReadTimeout(10 * time.Millisecond)
	buf := make([]byte, 8)
	n, err := slave.Read(buf)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCloseIsIdempotentError(t *testing.T) {
	master, slave, err := OpenPTY(nil, nil)
	require.NoError(t, err)
	defer slave.Close()

	require.NoError(t, master.Close())
	assert.ErrorIs(t, master.Close(), ErrClosed)
	_, err = master.Write([]byte{0x01})
	assert.ErrorIs(t, err, ErrClosed)
}
