package transport

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Transport = (*Mock)(nil)
var _ Transport = (*Serial)(nil)

func TestMock_ReadTimeout(t *testing.T) {
	m := NewMock()
	require.NoError(t, m.SetReadTimeout(20*time.Millisecond))

	start := time.Now()
	n, err := m.Read(make([]byte, 8))
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestMock_InjectUnblocksRead(t *testing.T) {
	m := NewMock()
	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Inject([]byte{0xE0, 0x01})
	}()

	buf := make([]byte, 8)
	n, err := m.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xE0, 0x01}, buf[:n])
}

func TestMock_WriteAnswersAndRecords(t *testing.T) {
	m := NewMock()
	m.OnWrite = func(frame []byte) { m.Inject([]byte{frame[0], 0x01}) }

	_, err := m.Write([]byte{0xE1, 0xF3, 0x01})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0xE1, 0xF3, 0x01}}, m.Writes())

	buf := make([]byte, 8)
	n, err := m.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xE1, 0x01}, buf[:n])

	m.Inject([]byte{0xFF})
	require.NoError(t, m.Flush())
	assert.Equal(t, 1, m.Flushes())
	require.NoError(t, m.SetReadTimeout(5*time.Millisecond))
	n, _ = m.Read(buf)
	assert.Zero(t, n)
}

func TestMock_FailReadAndClose(t *testing.T) {
	m := NewMock()
	boom := errors.New("unplugged")
	m.Inject([]byte{0x01})
	m.FailRead(boom)

	buf := make([]byte, 8)
	n, err := m.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = m.Read(buf)
	assert.ErrorIs(t, err, boom)

	require.NoError(t, m.Close())
	_, err = m.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	_, err = m.Write([]byte{0x00})
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestOpenSerial_RequiresPort(t *testing.T) {
	_, err := OpenSerial(SerialConfig{})
	assert.Error(t, err)
}
