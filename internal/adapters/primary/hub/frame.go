package hub

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Frame opcodes
const (
	OpContinuation byte = 0x0
	OpText         byte = 0x1
	OpBinary       byte = 0x2
	OpClose        byte = 0x8
	OpPing         byte = 0x9
	OpPong         byte = 0xA
)

const (
	finBit          = 0x80
	maskBit         = 0x80
	len16Marker     = 126
	len64Marker     = 127
	maxControlBytes = 125

	// absoluteMaxPayload applies even when the caller sets no limit
	absoluteMaxPayload = math.MaxInt32
)

var (
	// ErrFrameTooLarge is returned when a peer announces an oversized frame
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrProtocol is returned for frames that break the framing rules
	ErrProtocol = errors.New("protocol violation")
)

// Frame is one decoded inbound frame
type Frame struct {
	Fin     bool
	Opcode  byte
	Payload []byte
}

// IsControl reports whether the opcode is close, ping or pong
func IsControl(opcode byte) bool {
	return opcode&0x8 != 0
}

// EncodeFrame builds a single unmasked frame with the FIN bit set, choosing
// the 7-bit, 16-bit or 64-bit length form by payload size
func EncodeFrame(opcode byte, payload []byte) []byte {
	n := len(payload)

	var header []byte
	switch {
	case n <= maxControlBytes:
		header = []byte{finBit | opcode, byte(n)}
	case n <= 0xFFFF:
		header = make([]byte, 4)
		header[0] = finBit | opcode
		header[1] = len16Marker
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = finBit | opcode
		header[1] = len64Marker
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}

	frame := make([]byte, 0, len(header)+n)
	frame = append(frame, header...)
	return append(frame, payload...)
}

// ReadFrame reads one frame, unmasking the payload when a mask is present
func ReadFrame(r io.Reader, maxPayload int64) (Frame, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Frame{}, err
	}

	frame := Frame{
		Fin:    head[0]&finBit != 0,
		Opcode: head[0] & 0x0F,
	}
	if head[0]&0x70 != 0 {
		return Frame{}, fmt.Errorf("%w: reserved bits set", ErrProtocol)
	}
	masked := head[1]&maskBit != 0
	length := uint64(head[1] & 0x7F)

	switch length {
	case len16Marker:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case len64Marker:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, err
		}
		length = binary.BigEndian.Uint64(ext[:])
		if length>>63 != 0 {
			return Frame{}, fmt.Errorf("%w: length high bit set", ErrProtocol)
		}
	}

	if IsControl(frame.Opcode) && (length > maxControlBytes || !frame.Fin) {
		return Frame{}, fmt.Errorf("%w: malformed control frame", ErrProtocol)
	}
	if length > absoluteMaxPayload || (maxPayload > 0 && length > uint64(maxPayload)) {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	var mask [4]byte
	if masked {
		if _, err := io.ReadFull(r, mask[:]); err != nil {
			return Frame{}, err
		}
	}

	frame.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, frame.Payload); err != nil {
		return Frame{}, err
	}
	if masked {
		for i := range frame.Payload {
			frame.Payload[i] ^= mask[i%4]
		}
	}

	return frame, nil
}
