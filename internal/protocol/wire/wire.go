// Package wire implements the little-endian framing used between sharebox
// clients and the server.
//
// Frame types:
//   - int32: 4 bytes, little-endian (handshake status, string lengths, results)
//   - int64: 8 bytes, little-endian (file sizes)
//   - string: int32 length followed by that many UTF-8 bytes, no terminator
//   - opcode: 3 ASCII bytes
//
// There is no outer envelope: a request is an opcode followed by the fields
// that opcode defines, and the reader must know which fields to expect.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Opcode identifies a request type.
type Opcode string

const (
	OpUpload         Opcode = "UPL"
	OpDownload       Opcode = "DWN"
	OpDownloadShared Opcode = "DSH"
	OpBrowse         Opcode = "BRW"
	OpDelete         Opcode = "DEL"
	OpRename         Opcode = "RNM"
	OpShare          Opcode = "SHR"
	OpRevoke         Opcode = "RVK"
)

// OpcodeLen is the fixed size of an opcode on the wire.
const OpcodeLen = 3

// Result codes carried in int32 responses.
const (
	ResultSuccess int32 = 0
	ResultFailure int32 = 1
)

// EmptyListing is the BRW payload sent when the caller owns no files.
const EmptyListing = "No file found"

var (
	// ErrFieldTooLong is returned when a string frame declares a length above
	// the caller's limit.
	ErrFieldTooLong = errors.New("wire: field exceeds maximum length")

	// ErrNegativeLength is returned when a length or size prefix is negative.
	ErrNegativeLength = errors.New("wire: negative length")
)

// Known reports whether op is one of the request types the server handles.
func (op Opcode) Known() bool {
	switch op {
	case OpUpload, OpDownload, OpDownloadShared, OpBrowse,
		OpDelete, OpRename, OpShare, OpRevoke:
		return true
	}
	return false
}

// ReadOpcode reads a 3-byte opcode.
func ReadOpcode(r io.Reader) (Opcode, error) {
	var buf [OpcodeLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return "", err
	}
	return Opcode(buf[:]), nil
}

// WriteOpcode writes op as exactly 3 bytes.
func WriteOpcode(w io.Writer, op Opcode) error {
	if len(op) != OpcodeLen {
		return fmt.Errorf("wire: opcode %q must be %d bytes", op, OpcodeLen)
	}
	_, err := io.WriteString(w, string(op))
	return err
}

func ReadInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

func WriteInt32(w io.Writer, v int32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])
	return err
}

func ReadInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func WriteInt64(w io.Writer, v int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

// ReadString reads a length-prefixed string of at most maxLen bytes.
//
// A maxLen of 0 disables the limit. A declared length of zero yields "".
func ReadString(r io.Reader, maxLen int) (string, error) {
	n, err := ReadInt32(r)
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("%w: %d", ErrNegativeLength, n)
	}
	if maxLen > 0 && int(n) > maxLen {
		return "", fmt.Errorf("%w: %d > %d", ErrFieldTooLong, n, maxLen)
	}
	if n == 0 {
		return "", nil
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		// A length prefix without its payload is a truncated frame
		if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return string(buf), nil
}

// WriteString writes s as a length-prefixed string frame.
func WriteString(w io.Writer, s string) error {
	buf := make([]byte, 4+len(s))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(s)))
	copy(buf[4:], s)
	_, err := w.Write(buf)
	return err
}

// ReadResult reads an int32 result code and reports whether it is success.
func ReadResult(r io.Reader) (bool, error) {
	v, err := ReadInt32(r)
	if err != nil {
		return false, err
	}
	return v == ResultSuccess, nil
}

// WriteResult writes ResultSuccess when ok, ResultFailure otherwise.
func WriteResult(w io.Writer, ok bool) error {
	if ok {
		return WriteInt32(w, ResultSuccess)
	}
	return WriteInt32(w, ResultFailure)
}
