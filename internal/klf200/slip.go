package klf200

import (
	"bufio"
	"fmt"
	"io"
)

// SLIP (RFC 1055) control bytes used by the KLF200 API to delimit frames.
const (
	slipEnd    = 0xC0
	slipEsc    = 0xDB
	slipEscEnd = 0xDC
	slipEscEsc = 0xDD
)

// maxPacketLen bounds a single escaped packet. The largest API frame is
// 255 bytes; every byte may be escaped.
const maxPacketLen = 2 * 256

// EncodeSLIP escapes b and wraps it in END markers.
func EncodeSLIP(b []byte) []byte {
	out := make([]byte, 0, len(b)+4)
	out = append(out, slipEnd)
	for _, c := range b {
		switch c {
		case slipEnd:
			out = append(out, slipEsc, slipEscEnd)
		case slipEsc:
			out = append(out, slipEsc, slipEscEsc)
		default:
			out = append(out, c)
		}
	}
	return append(out, slipEnd)
}

// DecodeSLIP unescapes a single packet body. The body must not contain
// the surrounding END markers.
func DecodeSLIP(b []byte) ([]byte, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		c := b[i]
		switch c {
		case slipEnd:
			return nil, fmt.Errorf("%w: END byte inside packet", ErrInvalidFrame)
		case slipEsc:
			i++
			if i == len(b) {
				return nil, fmt.Errorf("%w: truncated escape sequence", ErrInvalidFrame)
			}
			switch b[i] {
			case slipEscEnd:
				out = append(out, slipEnd)
			case slipEscEsc:
				out = append(out, slipEsc)
			default:
				return nil, fmt.Errorf("%w: invalid escape byte 0x%02X", ErrInvalidFrame, b[i])
			}
		default:
			out = append(out, c)
		}
	}
	return out, nil
}

// SLIPReader splits a byte stream into decoded SLIP packets.
type SLIPReader struct {
	r *bufio.Reader
}

// NewSLIPReader wraps r. Bytes preceding the first END marker are
// returned as a (probably invalid) packet, which frame parsing rejects.
func NewSLIPReader(r io.Reader) *SLIPReader {
	return &SLIPReader{r: bufio.NewReader(r)}
}

// ReadPacket returns the next non-empty, unescaped packet.
func (s *SLIPReader) ReadPacket() ([]byte, error) {
	for {
		raw, err := s.r.ReadSlice(slipEnd)
		if err == bufio.ErrBufferFull {
			// Resynchronise on the next END marker.
			if _, err := s.r.ReadBytes(slipEnd); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: packet exceeds %d bytes", ErrInvalidFrame, maxPacketLen)
		}
		if err != nil {
			return nil, err
		}
		if len(raw) > maxPacketLen {
			return nil, fmt.Errorf("%w: packet exceeds %d bytes", ErrInvalidFrame, maxPacketLen)
		}

		body := raw[:len(raw)-1]
		if len(body) == 0 {
			continue
		}
		return DecodeSLIP(body)
	}
}
