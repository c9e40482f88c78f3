package protocol

import (
	"encoding/binary"
	"fmt"
)

// FrameHeaderSize is the fixed size of VideoFrameHeader on the wire.
const FrameHeaderSize = 24

// FrameMagic spells "BEAV" in little-endian bytes.
const FrameMagic uint32 = 0x5641_4542

const FrameVersion uint8 = 1

const (
	FlagKeyframe uint8 = 0x01
	FlagAudio    uint8 = 0x02
)

// VideoFrameHeader is the 24-byte little-endian header prefixing every
// payload on the alternate raw-WebSocket media transport (see
// internal/video/wstransport.go). Layout:
//
//	[0..4)   magic    ("BEAV")
//	[4)      version  (1)
//	[5)      flags    (bit0 keyframe, bit1 audio)
//	[6..8)   width    (u16)
//	[8..10)  height   (u16)
//	[10..12) reserved (u16, must be 0)
//	[12..20) timestamp_us (u64)
//	[20..24) payload_length (u32)
type VideoFrameHeader struct {
	Flags         uint8
	Width         uint16
	Height        uint16
	TimestampUs   uint64
	PayloadLength uint32
}

func NewVideoFrameHeader(width, height uint16, timestampUs uint64, payloadLength uint32, keyframe bool) VideoFrameHeader {
	flags := uint8(0)
	if keyframe {
		flags = FlagKeyframe
	}
	return VideoFrameHeader{Flags: flags, Width: width, Height: height, TimestampUs: timestampUs, PayloadLength: payloadLength}
}

func NewAudioFrameHeader(timestampUs uint64, payloadLength uint32) VideoFrameHeader {
	return VideoFrameHeader{Flags: FlagAudio, TimestampUs: timestampUs, PayloadLength: payloadLength}
}

func (h VideoFrameHeader) IsKeyframe() bool { return h.Flags&FlagKeyframe != 0 }
func (h VideoFrameHeader) IsAudio() bool    { return h.Flags&FlagAudio != 0 }

// Serialize writes the header into a 24-byte buffer.
func (h VideoFrameHeader) Serialize(buf *[FrameHeaderSize]byte) {
	binary.LittleEndian.PutUint32(buf[0:4], FrameMagic)
	buf[4] = FrameVersion
	buf[5] = h.Flags
	binary.LittleEndian.PutUint16(buf[6:8], h.Width)
	binary.LittleEndian.PutUint16(buf[8:10], h.Height)
	binary.LittleEndian.PutUint16(buf[10:12], 0)
	binary.LittleEndian.PutUint64(buf[12:20], h.TimestampUs)
	binary.LittleEndian.PutUint32(buf[20:24], h.PayloadLength)
}

// SerializeWithPayload returns header+payload concatenated into one slice.
func (h VideoFrameHeader) SerializeWithPayload(payload []byte) []byte {
	buf := make([]byte, FrameHeaderSize+len(payload))
	var hdr [FrameHeaderSize]byte
	h.Serialize(&hdr)
	copy(buf[:FrameHeaderSize], hdr[:])
	copy(buf[FrameHeaderSize:], payload)
	return buf
}

type FrameError struct {
	Kind     string
	Got      uint64
	Expected uint64
}

func (e *FrameError) Error() string {
	switch e.Kind {
	case "too_short":
		return fmt.Sprintf("buffer too short: %d bytes (need at least %d)", e.Got, FrameHeaderSize)
	case "bad_magic":
		return fmt.Sprintf("bad magic: 0x%08x (expected 0x%08x)", e.Got, FrameMagic)
	case "bad_version":
		return fmt.Sprintf("unsupported version: %d (expected %d)", e.Got, FrameVersion)
	case "incomplete_payload":
		return fmt.Sprintf("incomplete payload: expected %d bytes, got %d", e.Expected, e.Got)
	default:
		return "frame error"
	}
}

// DeserializeFrameHeader parses a header from the front of buf.
func DeserializeFrameHeader(buf []byte) (VideoFrameHeader, error) {
	if len(buf) < FrameHeaderSize {
		return VideoFrameHeader{}, &FrameError{Kind: "too_short", Got: uint64(len(buf))}
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != FrameMagic {
		return VideoFrameHeader{}, &FrameError{Kind: "bad_magic", Got: uint64(magic)}
	}
	version := buf[4]
	if version != FrameVersion {
		return VideoFrameHeader{}, &FrameError{Kind: "bad_version", Got: uint64(version)}
	}
	return VideoFrameHeader{
		Flags:         buf[5],
		Width:         binary.LittleEndian.Uint16(buf[6:8]),
		Height:        binary.LittleEndian.Uint16(buf[8:10]),
		TimestampUs:   binary.LittleEndian.Uint64(buf[12:20]),
		PayloadLength: binary.LittleEndian.Uint32(buf[20:24]),
	}, nil
}

// ValidateCompleteFrame checks that buf contains a full header+payload.
func ValidateCompleteFrame(buf []byte) error {
	h, err := DeserializeFrameHeader(buf)
	if err != nil {
		return err
	}
	expected := FrameHeaderSize + int(h.PayloadLength)
	if len(buf) < expected {
		return &FrameError{Kind: "incomplete_payload", Expected: uint64(h.PayloadLength), Got: uint64(len(buf) - FrameHeaderSize)}
	}
	return nil
}
