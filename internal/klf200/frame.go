package klf200

import (
	"encoding/binary"
	"fmt"
)

const protocolID = 0x00

// MaxDataLen is the largest payload a single API frame may carry.
const MaxDataLen = 250

// Frame is one KLF200 API message: a command and its payload. On the
// wire it is ProtocolID, Length, Command (big endian), Data, CRC, where
// Length counts Command, Data and CRC.
type Frame struct {
	Command Command
	Data    []byte
}

// MarshalBinary encodes f without SLIP framing.
func (f Frame) MarshalBinary() ([]byte, error) {
	if len(f.Data) > MaxDataLen {
		return nil, fmt.Errorf("%w: %s payload is %d bytes (max %d)",
			ErrInvalidFrame, f.Command, len(f.Data), MaxDataLen)
	}
	b := make([]byte, 0, len(f.Data)+5)
	b = append(b, protocolID, byte(len(f.Data)+3))
	b = binary.BigEndian.AppendUint16(b, uint16(f.Command))
	b = append(b, f.Data...)
	return append(b, checksum(b)), nil
}

// ParseFrame decodes one unescaped frame, validating protocol ID,
// length and checksum.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) < 5 {
		return Frame{}, fmt.Errorf("%w: %d bytes is too short", ErrInvalidFrame, len(b))
	}
	if b[0] != protocolID {
		return Frame{}, fmt.Errorf("%w: protocol id 0x%02X", ErrInvalidFrame, b[0])
	}
	if int(b[1]) != len(b)-2 {
		return Frame{}, fmt.Errorf("%w: length byte %d does not match frame size %d",
			ErrInvalidFrame, b[1], len(b))
	}
	last := len(b) - 1
	if crc := checksum(b[:last]); crc != b[last] {
		return Frame{}, fmt.Errorf("%w: got 0x%02X, want 0x%02X", ErrChecksum, b[last], crc)
	}

	f := Frame{Command: Command(binary.BigEndian.Uint16(b[2:4]))}
	if last > 4 {
		f.Data = append([]byte(nil), b[4:last]...)
	}
	return f, nil
}

// checksum is the XOR of every byte in b.
func checksum(b []byte) byte {
	var c byte
	for _, x := range b {
		c ^= x
	}
	return c
}

func (f Frame) String() string {
	return fmt.Sprintf("%s[% X]", f.Command, f.Data)
}
