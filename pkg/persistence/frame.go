package persistence

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// Constants for the log binary framing.
const (
	// MagicByte marks the start of a frame. Losing it means the stream is out
	// of sync or not a relcount log at all.
	MagicByte = 0xA5

	// HeaderSize is 1 byte magic + 1 byte opcode + 4 bytes length + 4 bytes CRC32.
	HeaderSize = 10

	// OpCodeRecord frames carry one encoded Record.
	OpCodeRecord = 0x02
)

var (
	// ErrInvalidMagic indicates the file stream lost synchronization.
	ErrInvalidMagic = errors.New("invalid magic byte")
	// ErrChecksumMismatch indicates data corruption within the frame payload.
	ErrChecksumMismatch = errors.New("crc32 checksum mismatch")
	// ErrIncompleteFrame indicates the file ended in the middle of a frame,
	// typically a crash during the last write.
	ErrIncompleteFrame = errors.New("incomplete frame")
)

// FrameWriter writes binary frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w. Wrapping a bufio.Writer keeps header and payload
// in one syscall.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame encodes the payload as [Magic(1)][OpCode(1)][Length(4)][CRC(4)][Payload(N)].
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	var header [HeaderSize]byte
	header[0] = MagicByte
	header[1] = OpCodeRecord
	binary.LittleEndian.PutUint32(header[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[6:10], crc32.ChecksumIEEE(payload))

	if _, err := fw.w.Write(header[:]); err != nil {
		return err
	}
	_, err := fw.w.Write(payload)
	return err
}

// ReadFrame reads and validates the next frame. It returns io.EOF only when
// the reader is exhausted exactly on a frame boundary.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ErrIncompleteFrame
	}
	if header[0] != MagicByte {
		return nil, ErrInvalidMagic
	}

	length := binary.LittleEndian.Uint32(header[2:6])
	expected := binary.LittleEndian.Uint32(header[6:10])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, ErrIncompleteFrame
	}
	if crc32.ChecksumIEEE(payload) != expected {
		return nil, ErrChecksumMismatch
	}
	return payload, nil
}
