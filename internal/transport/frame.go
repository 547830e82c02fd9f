package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire format: every message is three length-prefixed frames in sequence:
// the peer identity, an empty delimiter, and the payload bytes. Each frame
// is a 4-byte big-endian length followed by that many bytes.

const maxFrameSize = 1 << 20

var errFrameTooLarge = errors.New("frame exceeds size limit")

// WriteEnvelope writes one three-frame message to the stream.
func WriteEnvelope(w io.Writer, identity string, payload []byte) error {
	if err := writeFrame(w, []byte(identity)); err != nil {
		return fmt.Errorf("write identity frame: %w", err)
	}
	if err := writeFrame(w, nil); err != nil {
		return fmt.Errorf("write delimiter frame: %w", err)
	}
	if err := writeFrame(w, payload); err != nil {
		return fmt.Errorf("write payload frame: %w", err)
	}
	return nil
}

// ReadEnvelope reads one three-frame message from the stream.
func ReadEnvelope(r io.Reader) (identity string, payload []byte, err error) {
	identityFrame, err := readFrame(r)
	if err != nil {
		return "", nil, fmt.Errorf("read identity frame: %w", err)
	}
	delimiter, err := readFrame(r)
	if err != nil {
		return "", nil, fmt.Errorf("read delimiter frame: %w", err)
	}
	if len(delimiter) != 0 {
		return "", nil, fmt.Errorf("expected empty delimiter frame, got %d bytes", len(delimiter))
	}
	payload, err = readFrame(r)
	if err != nil {
		return "", nil, fmt.Errorf("read payload frame: %w", err)
	}
	return string(identityFrame), payload, nil
}

func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return errFrameTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, errFrameTooLarge
	}
	if size == 0 {
		return nil, nil
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
