// Package protocol translates between raw gateway frames and typed payloads.
//
// A frame starts with a four byte header: frame type, direction, and the
// big-endian length of the body that follows. Everything in this package is
// pure; callers own the transport.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// HeaderSize is the number of bytes preceding every frame body.
const HeaderSize = 4

// Frame types.
const (
	TypeSetOTAURL         byte = 0x01
	TypeSetWSURL          byte = 0x02
	TypeReserved03        byte = 0x03
	TypeSetReportInterval byte = 0x04
	TypeSetRSSIFilter     byte = 0x05
	TypeTriggerOTA        byte = 0x06
	TypeReboot            byte = 0x07
	TypeIdentity          byte = 0x08
	TypeReserved09        byte = 0x09
	TypeTagData           byte = 0x0A
)

// Directions.
const (
	DirReport   byte = 0x01 // device initiated
	DirRequest  byte = 0x02 // server initiated
	DirResponse byte = 0x03 // reply to the counterpart
)

var (
	// ErrShortFrame is returned when a frame ends before a required field.
	ErrShortFrame = errors.New("frame too short")
)

// Header is the fixed prefix of every frame.
type Header struct {
	FrameType      byte
	Direction      byte
	DeclaredLength uint16
}

// ParseHeader extracts the header fields without validating them.
func ParseHeader(frame []byte) (Header, error) {
	if len(frame) < HeaderSize {
		return Header{}, fmt.Errorf("parse header: %w", ErrShortFrame)
	}
	return Header{
		FrameType:      frame[0],
		Direction:      frame[1],
		DeclaredLength: binary.BigEndian.Uint16(frame[2:4]),
	}, nil
}

// IsValidFrame reports whether the type/direction pair belongs to the protocol.
func IsValidFrame(frameType, direction byte) bool {
	if frameType < TypeSetOTAURL || frameType > TypeTagData {
		return false
	}
	switch direction {
	case DirReport, DirRequest, DirResponse:
		return true
	default:
		return false
	}
}

// IsIdentityReply reports whether a header carries a gateway's identity.
func IsIdentityReply(h Header) bool {
	return h.FrameType == TypeIdentity && (h.Direction == DirReport || h.Direction == DirResponse)
}

// IsCommandAck reports whether the frame type is one a gateway uses to acknowledge a command.
func IsCommandAck(frameType byte) bool {
	switch frameType {
	case TypeSetOTAURL, TypeSetWSURL, TypeSetReportInterval, TypeSetRSSIFilter, TypeTriggerOTA, TypeReboot:
		return true
	default:
		return false
	}
}

// TypeName returns a short label for logs and metrics.
func TypeName(frameType byte) string {
	switch frameType {
	case TypeSetOTAURL:
		return "set_ota_url"
	case TypeSetWSURL:
		return "set_ws_url"
	case TypeSetReportInterval:
		return "set_report_interval"
	case TypeSetRSSIFilter:
		return "set_rssi_filter"
	case TypeTriggerOTA:
		return "trigger_ota"
	case TypeReboot:
		return "reboot"
	case TypeIdentity:
		return "identity"
	case TypeTagData:
		return "tag_data"
	default:
		return fmt.Sprintf("0x%02X", frameType)
	}
}

// FormatID renders hardware id bytes as colon separated uppercase hex.
func FormatID(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%02X", v)
	}
	return sb.String()
}

// frameReader walks a frame with a running cursor.
type frameReader struct {
	buf []byte
	off int
}

func newFrameReader(frame []byte, off int) *frameReader {
	return &frameReader{buf: frame, off: off}
}

func (r *frameReader) need(n int) error {
	if n < 0 || r.off+n > len(r.buf) {
		return ErrShortFrame
	}
	return nil
}

func (r *frameReader) readByte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *frameReader) readBytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:r.off+n])
	r.off += n
	return out, nil
}

func (r *frameReader) readUint32LE() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off : r.off+4])
	r.off += 4
	return v, nil
}

// readString reads a string preceded by a one byte length.
func (r *frameReader) readString() (string, error) {
	l, err := r.readByte()
	if err != nil {
		return "", err
	}
	b, err := r.readBytes(int(l))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
