package klf200

import (
	"fmt"
	"time"
)

// NodeType is the actuator type with subtype, as reported in node
// information frames (upper 10 bits type, lower 6 bits subtype).
type NodeType uint16

// Node types the bridge knows about.
const (
	NodeTypeNone                        NodeType = 0x0000
	NodeTypeInteriorVenetianBlind       NodeType = 0x0040
	NodeTypeRollerShutter               NodeType = 0x0080
	NodeTypeAdjustableSlatsShutter      NodeType = 0x0081
	NodeTypeAdjustableSlatsProjection   NodeType = 0x0082
	NodeTypeVerticalExteriorAwning      NodeType = 0x00C0
	NodeTypeWindowOpener                NodeType = 0x0101
	NodeTypeWindowOpenerRainSensor      NodeType = 0x0102
	NodeTypeGarageDoorOpener            NodeType = 0x0140
	NodeTypeGarageDoorOpenerVariation   NodeType = 0x017A
	NodeTypeLight                       NodeType = 0x0180
	NodeTypeLightOnOff                  NodeType = 0x01BA
	NodeTypeGateOpener                  NodeType = 0x01C0
	NodeTypeGateOpenerAngular           NodeType = 0x01C1
	NodeTypeDoorLock                    NodeType = 0x0240
	NodeTypeWindowLock                  NodeType = 0x0241
	NodeTypeVerticalInteriorBlinds      NodeType = 0x0280
	NodeTypeDualRollerShutter           NodeType = 0x0340
	NodeTypeOnOffSwitch                 NodeType = 0x03C0
	NodeTypeHorizontalAwning            NodeType = 0x0400
	NodeTypeExteriorVenetianBlind       NodeType = 0x0440
	NodeTypeLouverBlind                 NodeType = 0x0480
	NodeTypeCurtainTrack                NodeType = 0x04C0
	NodeTypeVentilationPoint            NodeType = 0x0500
	NodeTypeExteriorHeating             NodeType = 0x0540
	NodeTypeSwingingShutters            NodeType = 0x0600
	NodeTypeSwingingShuttersIndependent NodeType = 0x0601
	NodeTypeBladeOpener                 NodeType = 0x0740
)

var nodeTypeNames = map[NodeType]string{
	NodeTypeNone:                        "No type",
	NodeTypeInteriorVenetianBlind:       "Interior venetian blind",
	NodeTypeRollerShutter:               "Roller shutter",
	NodeTypeAdjustableSlatsShutter:      "Roller shutter with adjustable slats",
	NodeTypeAdjustableSlatsProjection:   "Roller shutter with projection",
	NodeTypeVerticalExteriorAwning:      "Vertical exterior awning",
	NodeTypeWindowOpener:                "Window opener",
	NodeTypeWindowOpenerRainSensor:      "Window opener with rain sensor",
	NodeTypeGarageDoorOpener:            "Garage door opener",
	NodeTypeGarageDoorOpenerVariation:   "Garage door opener",
	NodeTypeLight:                       "Light",
	NodeTypeLightOnOff:                  "Light on/off",
	NodeTypeGateOpener:                  "Gate opener",
	NodeTypeGateOpenerAngular:           "Gate opener with angular position",
	NodeTypeDoorLock:                    "Door lock",
	NodeTypeWindowLock:                  "Window lock",
	NodeTypeVerticalInteriorBlinds:      "Vertical interior blinds",
	NodeTypeDualRollerShutter:           "Dual roller shutter",
	NodeTypeOnOffSwitch:                 "On/off switch",
	NodeTypeHorizontalAwning:            "Horizontal awning",
	NodeTypeExteriorVenetianBlind:       "Exterior venetian blind",
	NodeTypeLouverBlind:                 "Louver blind",
	NodeTypeCurtainTrack:                "Curtain track",
	NodeTypeVentilationPoint:            "Ventilation point",
	NodeTypeExteriorHeating:             "Exterior heating",
	NodeTypeSwingingShutters:            "Swinging shutters",
	NodeTypeSwingingShuttersIndependent: "Swinging shutters with independent leaves",
	NodeTypeBladeOpener:                 "Blade opener",
}

func (t NodeType) String() string {
	if name, ok := nodeTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Node type 0x%04X", uint16(t))
}

// Kind groups node types by the kind of opening they drive.
type Kind int

const (
	KindOther Kind = iota
	KindWindow
	KindShutter
	KindBlind
	KindAwning
	KindGarage
	KindGate
	KindShade
)

var kindNames = [...]string{"other", "window", "shutter", "blind", "awning", "garage", "gate", "shade"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "other"
}

// IsOpeningDevice reports whether the node takes open/close/position
// commands on its main parameter.
func (k Kind) IsOpeningDevice() bool {
	return k != KindOther
}

// Kind maps the node type to its opening kind.
func (t NodeType) Kind() Kind {
	switch t {
	case NodeTypeWindowOpener, NodeTypeWindowOpenerRainSensor:
		return KindWindow
	case NodeTypeRollerShutter, NodeTypeAdjustableSlatsShutter, NodeTypeAdjustableSlatsProjection,
		NodeTypeSwingingShutters, NodeTypeSwingingShuttersIndependent, NodeTypeDualRollerShutter:
		return KindShutter
	case NodeTypeInteriorVenetianBlind, NodeTypeVerticalInteriorBlinds, NodeTypeExteriorVenetianBlind,
		NodeTypeLouverBlind, NodeTypeCurtainTrack:
		return KindBlind
	case NodeTypeVerticalExteriorAwning, NodeTypeHorizontalAwning:
		return KindAwning
	case NodeTypeGarageDoorOpener, NodeTypeGarageDoorOpenerVariation:
		return KindGarage
	case NodeTypeGateOpener, NodeTypeGateOpenerAngular:
		return KindGate
	case NodeTypeBladeOpener:
		return KindShade
	default:
		return KindOther
	}
}

// NodeState is the operating state reported with position updates.
type NodeState uint8

const (
	StateNonExecuting    NodeState = 0
	StateError           NodeState = 1
	StateNotUsed         NodeState = 2
	StateWaitingForPower NodeState = 3
	StateExecuting       NodeState = 4
	StateDone            NodeState = 5
	StateUnknown         NodeState = 255
)

func (s NodeState) String() string {
	switch s {
	case StateNonExecuting:
		return "non-executing"
	case StateError:
		return "error"
	case StateNotUsed:
		return "not used"
	case StateWaitingForPower:
		return "waiting for power"
	case StateExecuting:
		return "executing"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Node is a snapshot of one entry in the gateway's node table.
type Node struct {
	ID            uint8
	Order         uint16
	Placement     uint8
	Name          string
	Velocity      uint8
	Type          NodeType
	ProductGroup  uint8
	ProductType   uint8
	Variation     uint8
	PowerMode     uint8
	BuildNumber   uint8
	Serial        string
	State         NodeState
	Position      Position
	Target        Position
	FP            [4]Position
	RemainingTime uint16
	Timestamp     time.Time
	Aliases       []Alias

	// LimitMin and LimitMax bound the main parameter. A node without a
	// limitation reports 0 and PositionMax.
	LimitMin Position
	LimitMax Position
}

// Alias is an alternative main-parameter value a node accepts, such as
// a ventilation position.
type Alias struct {
	Type  uint16
	Value uint16
}

// Kind is shorthand for n.Type.Kind().
func (n Node) Kind() Kind {
	return n.Type.Kind()
}

// Limited reports whether the node's maximum closure is restricted.
func (n Node) Limited() bool {
	return n.LimitMax.Valid() && n.LimitMax.Percent() < 100
}
