package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// MaxFrameSize is the maximum allowed payload size (64 KiB). Every frame
// carries a single text message, so anything larger is a protocol error.
const MaxFrameSize = 64 * 1024

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size (64 KiB)")
	ErrMalformedFrame = errors.New("connection closed mid-frame")
)

// WriteFrame writes text to the wire as a single frame.
// Format: [Length (4 bytes, big-endian)][UTF-8 payload (N bytes)]
// No delimiters, no escaping; the length prefix is the only metadata.
func WriteFrame(w io.Writer, text string) error {
	if len(text) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(text)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, text); err != nil {
		return err
	}

	// Flush if the writer supports it (e.g. *bufio.Writer)
	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}

	return nil
}

// ReadFrame blocks until a complete frame has been read and returns the
// decoded payload. A peer that closes the connection on a frame boundary
// yields io.EOF; a close partway through a frame yields ErrMalformedFrame.
func ReadFrame(r io.Reader) (string, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return "", ErrMalformedFrame
		}
		return "", err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return "", ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return "", ErrMalformedFrame
			}
			return "", err
		}
	}

	return string(payload), nil
}
