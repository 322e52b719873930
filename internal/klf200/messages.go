package klf200

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Fixed field sizes from the KLF200 API.
const (
	passwordLen        = 32
	nodeNameLen        = 64
	indexArrayLen      = 20
	functionalParamCnt = 17
	maxAliases         = 5

	nodeInformationLen = 124
	positionChangedLen = 20
	commandSendLen     = 66
	setLimitationLen   = 31
	getLimitationLen   = 25
	runStatusLen       = 13
	limitationNtfLen   = 10
)

// Command originator and priority used for every request the bridge
// sends. They match what the Velux app uses for manual operation.
const (
	originatorUser = 0x01
	priorityUser   = 0x03
)

// Limitation time values.
const (
	limitationTimeUnlimited = 253
	limitationTimeClearAll  = 255
)

// Limitation types for GET_LIMITATION_STATUS_REQ.
const (
	limitationTypeMin = 0
	limitationTypeMax = 1
)

// Confirmation status values shared by session-based requests.
const (
	statusRejected = 0
	statusAccepted = 1
)

func needLen(cmd Command, data []byte, n int) error {
	if len(data) < n {
		return fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrInvalidFrame, cmd, len(data), n)
	}
	return nil
}

func passwordEnterReq(password string) ([]byte, error) {
	if len(password) > passwordLen {
		return nil, fmt.Errorf("klf200: password longer than %d bytes", passwordLen)
	}
	b := make([]byte, passwordLen)
	copy(b, password)
	return b, nil
}

func setUTCReq(t time.Time) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(t.Unix()))
}

// Info describes the gateway firmware and API.
type Info struct {
	SoftwareVersion string
	HardwareVersion uint8
	ProductGroup    uint8
	ProductType     uint8
	ProtocolVersion string
}

func parseVersionCfm(data []byte, info *Info) error {
	if err := needLen(CmdGetVersionCfm, data, 9); err != nil {
		return err
	}
	parts := make([]string, 6)
	for i := range 6 {
		parts[i] = fmt.Sprint(data[i])
	}
	info.SoftwareVersion = strings.Join(parts, ".")
	info.HardwareVersion = data[6]
	info.ProductGroup = data[7]
	info.ProductType = data[8]
	return nil
}

func parseProtocolVersionCfm(data []byte, info *Info) error {
	if err := needLen(CmdGetProtocolVersionCfm, data, 4); err != nil {
		return err
	}
	info.ProtocolVersion = fmt.Sprintf("%d.%d",
		binary.BigEndian.Uint16(data[0:2]), binary.BigEndian.Uint16(data[2:4]))
	return nil
}

// GatewayState is the GET_STATE_CFM payload.
type GatewayState struct {
	State    uint8
	SubState uint8
}

func parseStateCfm(data []byte) (GatewayState, error) {
	if err := needLen(CmdGetStateCfm, data, 2); err != nil {
		return GatewayState{}, err
	}
	return GatewayState{State: data[0], SubState: data[1]}, nil
}

// decodeName trims the NUL padding of a fixed-size name field.
func decodeName(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

func parseNodeInformation(cmd Command, data []byte) (Node, error) {
	if err := needLen(cmd, data, nodeInformationLen); err != nil {
		return Node{}, err
	}
	u16 := func(off int) uint16 { return binary.BigEndian.Uint16(data[off : off+2]) }

	n := Node{
		ID:            data[0],
		Order:         u16(1),
		Placement:     data[3],
		Name:          decodeName(data[4:68]),
		Velocity:      data[68],
		Type:          NodeType(u16(69)),
		ProductGroup:  data[71],
		ProductType:   data[72],
		Variation:     data[73],
		PowerMode:     data[74],
		BuildNumber:   data[75],
		Serial:        hex.EncodeToString(data[76:84]),
		State:         NodeState(data[84]),
		Position:      Position(u16(85)),
		Target:        Position(u16(87)),
		RemainingTime: u16(97),
		Timestamp:     time.Unix(int64(binary.BigEndian.Uint32(data[99:103])), 0),
		LimitMin:      0,
		LimitMax:      PositionMax,
	}
	for i := range n.FP {
		n.FP[i] = Position(u16(89 + 2*i))
	}
	for i := range min(int(data[103]), maxAliases) {
		off := 104 + 4*i
		n.Aliases = append(n.Aliases, Alias{Type: u16(off), Value: u16(off + 2)})
	}
	return n, nil
}

// nameChange is the NODE_INFORMATION_CHANGED_NTF payload.
type nameChange struct {
	NodeID    uint8
	Name      string
	Order     uint16
	Placement uint8
	Variation uint8
}

func parseNodeInformationChanged(data []byte) (nameChange, error) {
	if err := needLen(CmdNodeInformationChangedNtf, data, 69); err != nil {
		return nameChange{}, err
	}
	return nameChange{
		NodeID:    data[0],
		Name:      decodeName(data[1:65]),
		Order:     binary.BigEndian.Uint16(data[65:67]),
		Placement: data[67],
		Variation: data[68],
	}, nil
}

// positionChange is the NODE_STATE_POSITION_CHANGED_NTF payload.
type positionChange struct {
	NodeID        uint8
	State         NodeState
	Position      Position
	Target        Position
	FP            [4]Position
	RemainingTime uint16
	Timestamp     time.Time
}

func parsePositionChanged(data []byte) (positionChange, error) {
	if err := needLen(CmdNodeStatePositionChangedNtf, data, positionChangedLen); err != nil {
		return positionChange{}, err
	}
	u16 := func(off int) uint16 { return binary.BigEndian.Uint16(data[off : off+2]) }
	pc := positionChange{
		NodeID:        data[0],
		State:         NodeState(data[1]),
		Position:      Position(u16(2)),
		Target:        Position(u16(4)),
		RemainingTime: u16(14),
		Timestamp:     time.Unix(int64(binary.BigEndian.Uint32(data[16:20])), 0),
	}
	for i := range pc.FP {
		pc.FP[i] = Position(u16(6 + 2*i))
	}
	return pc, nil
}

// indexArray encodes a single node ID into the fixed 20-byte array.
func indexArray(nodeID uint8) []byte {
	b := make([]byte, indexArrayLen)
	b[0] = nodeID
	return b
}

func commandSendReq(session uint16, nodeID uint8, pos Position) []byte {
	b := make([]byte, 0, commandSendLen)
	b = binary.BigEndian.AppendUint16(b, session)
	b = append(b, originatorUser, priorityUser)
	// Parameter active: main parameter; FPI1/FPI2: no functional parameters.
	b = append(b, 0, 0, 0)
	b = binary.BigEndian.AppendUint16(b, uint16(pos))
	for range functionalParamCnt - 1 {
		b = binary.BigEndian.AppendUint16(b, 0)
	}
	b = append(b, 1)
	b = append(b, indexArray(nodeID)...)
	// Priority level lock, PL_0_3, PL_4_7, lock time.
	b = append(b, 0, 0, 0, 0)
	return b
}

func setLimitationReq(session uint16, nodeID uint8, minPos, maxPos Position, limitTime uint8) []byte {
	b := make([]byte, 0, setLimitationLen)
	b = binary.BigEndian.AppendUint16(b, session)
	b = append(b, originatorUser, priorityUser, 1)
	b = append(b, indexArray(nodeID)...)
	b = append(b, 0) // main parameter
	b = binary.BigEndian.AppendUint16(b, uint16(minPos))
	b = binary.BigEndian.AppendUint16(b, uint16(maxPos))
	return append(b, limitTime)
}

func getLimitationStatusReq(session uint16, nodeID uint8, limitType uint8) []byte {
	b := make([]byte, 0, getLimitationLen)
	b = binary.BigEndian.AppendUint16(b, session)
	b = append(b, 1)
	b = append(b, indexArray(nodeID)...)
	return append(b, 0, limitType)
}

// sessionStatus is the payload shared by COMMAND_SEND_CFM,
// SET_LIMITATION_CFM and GET_LIMITATION_STATUS_CFM.
type sessionStatus struct {
	Session uint16
	Status  uint8
}

func parseSessionStatus(cmd Command, data []byte) (sessionStatus, error) {
	if err := needLen(cmd, data, 3); err != nil {
		return sessionStatus{}, err
	}
	return sessionStatus{Session: binary.BigEndian.Uint16(data[0:2]), Status: data[2]}, nil
}

func parseSessionFinished(data []byte) (uint16, error) {
	if err := needLen(CmdSessionFinishedNtf, data, 2); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(data[0:2]), nil
}

// runStatus is the COMMAND_RUN_STATUS_NTF payload.
type runStatus struct {
	Session     uint16
	StatusID    uint8
	NodeID      uint8
	Parameter   uint8
	Value       Position
	RunStatus   uint8
	StatusReply uint8
}

func parseRunStatus(data []byte) (runStatus, error) {
	if err := needLen(CmdCommandRunStatusNtf, data, runStatusLen); err != nil {
		return runStatus{}, err
	}
	return runStatus{
		Session:     binary.BigEndian.Uint16(data[0:2]),
		StatusID:    data[2],
		NodeID:      data[3],
		Parameter:   data[4],
		Value:       Position(binary.BigEndian.Uint16(data[5:7])),
		RunStatus:   data[7],
		StatusReply: data[8],
	}, nil
}

// limitationStatus is the LIMITATION_STATUS_NTF payload.
type limitationStatus struct {
	Session    uint16
	NodeID     uint8
	Parameter  uint8
	Min        Position
	Max        Position
	Originator uint8
	Time       uint8
}

func parseLimitationStatus(data []byte) (limitationStatus, error) {
	if err := needLen(CmdLimitationStatusNtf, data, limitationNtfLen); err != nil {
		return limitationStatus{}, err
	}
	return limitationStatus{
		Session:    binary.BigEndian.Uint16(data[0:2]),
		NodeID:     data[2],
		Parameter:  data[3],
		Min:        Position(binary.BigEndian.Uint16(data[4:6])),
		Max:        Position(binary.BigEndian.Uint16(data[6:8])),
		Originator: data[8],
		Time:       data[9],
	}, nil
}
