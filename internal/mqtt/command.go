package mqtt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidCommand is returned for payloads a command topic does not
// understand.
var ErrInvalidCommand = errors.New("mqtt: invalid command")

// CoverAction is the verb of a cover command.
type CoverAction int

const (
	CoverOpen CoverAction = iota + 1
	CoverClose
	CoverStop
	CoverSetPosition
)

func (a CoverAction) String() string {
	switch a {
	case CoverOpen:
		return "open"
	case CoverClose:
		return "close"
	case CoverStop:
		return "stop"
	case CoverSetPosition:
		return "set_position"
	default:
		return "unknown"
	}
}

// CoverCommand is a parsed message from a cover's command topic.
type CoverCommand struct {
	Action   CoverAction
	Position int // percent, for CoverSetPosition
}

// ParseCoverCommand accepts OPEN, CLOSE, STOP (any case) or an integer
// position 0..100. The command topic doubles as the set-position topic.
func ParseCoverCommand(payload string) (CoverCommand, error) {
	p := strings.TrimSpace(payload)
	switch strings.ToUpper(p) {
	case PayloadOpen:
		return CoverCommand{Action: CoverOpen}, nil
	case PayloadClose:
		return CoverCommand{Action: CoverClose}, nil
	case PayloadStop:
		return CoverCommand{Action: CoverStop}, nil
	}

	n, err := strconv.Atoi(p)
	if err != nil {
		return CoverCommand{}, fmt.Errorf("%w: cover payload %q", ErrInvalidCommand, payload)
	}
	if n < 0 || n > 100 {
		return CoverCommand{}, fmt.Errorf("%w: position %d outside 0..100", ErrInvalidCommand, n)
	}
	return CoverCommand{Action: CoverSetPosition, Position: n}, nil
}

// ParseSwitchCommand accepts ON or OFF in any case.
func ParseSwitchCommand(payload string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(payload)) {
	case PayloadOn:
		return true, nil
	case PayloadOff:
		return false, nil
	}
	return false, fmt.Errorf("%w: switch payload %q", ErrInvalidCommand, payload)
}
