package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInt32_LittleEndian(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteInt32(&buf, 12))
	assert.Equal(t, []byte{12, 0, 0, 0}, buf.Bytes())

	v, err := ReadInt32(&buf)
	require.NoError(t, err)
	assert.Equal(t, int32(12), v)
}

func TestInt64_LittleEndian(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteInt64(&buf, 0x0102030405))
	assert.Equal(t, []byte{0x05, 0x04, 0x03, 0x02, 0x01, 0, 0, 0}, buf.Bytes())
}

func TestString_Frame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteString(&buf, "alice"))
	assert.Equal(t, []byte{5, 0, 0, 0, 'a', 'l', 'i', 'c', 'e'}, buf.Bytes())

	s, err := ReadString(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "alice", s)
}

func TestReadString_Empty(t *testing.T) {
	s, err := ReadString(bytes.NewReader([]byte{0, 0, 0, 0}), 10)
	require.NoError(t, err)
	assert.Equal(t, "", s)
}

func TestReadString_TooLong(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteString(&buf, "abcdefgh"))

	_, err := ReadString(&buf, 4)
	assert.True(t, errors.Is(err, ErrFieldTooLong))
}

func TestReadString_Negative(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteInt32(&buf, -1))

	_, err := ReadString(&buf, 0)
	assert.True(t, errors.Is(err, ErrNegativeLength))
}

func TestReadString_Truncated(t *testing.T) {
	_, err := ReadString(bytes.NewReader([]byte{10, 0, 0, 0, 'a', 'b'}), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadString(bytes.NewReader([]byte{10, 0, 0, 0}), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestOpcode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteOpcode(&buf, OpShare))
	assert.Equal(t, "SHR", buf.String())

	op, err := ReadOpcode(&buf)
	require.NoError(t, err)
	assert.Equal(t, OpShare, op)
	assert.True(t, op.Known())
	assert.False(t, Opcode("XYZ").Known())

	assert.Error(t, WriteOpcode(&buf, Opcode("TOOLONG")))
}

func TestResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResult(&buf, true))
	require.NoError(t, WriteResult(&buf, false))

	ok, err := ReadResult(&buf)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ReadResult(&buf)
	require.NoError(t, err)
	assert.False(t, ok)
}
