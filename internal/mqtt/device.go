package mqtt

import "github.com/tjaehnel/vlxmqttha/internal/buildinfo"

// Payloads shared by discovery configs and state topics.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"

	PayloadOpen  = "OPEN"
	PayloadClose = "CLOSE"
	PayloadStop  = "STOP"
	PayloadOn    = "ON"
	PayloadOff   = "OFF"

	StateOpen    = "open"
	StateClosed  = "closed"
	StateOpening = "opening"
	StateClosing = "closing"
)

// Entity components.
const (
	ComponentCover  = "cover"
	ComponentSwitch = "switch"
)

// DeviceInfo holds the Home Assistant device registry fields. The cover
// and keep-open switch of one node share a device block so HA groups
// them under a single device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SerialNumber string   `json:"serial_number,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// Availability is one entry of a discovery availability list.
type Availability struct {
	Topic               string `json:"topic"`
	PayloadAvailable    string `json:"payload_available,omitempty"`
	PayloadNotAvailable string `json:"payload_not_available,omitempty"`
}

// Origin identifies the software publishing discovery messages.
type Origin struct {
	Name       string `json:"name"`
	SWVersion  string `json:"sw_version,omitempty"`
	SupportURL string `json:"support_url,omitempty"`
}

// CoverConfig is the discovery payload of a cover entity. A nil Name
// serialises as null, which makes HA use the device name.
type CoverConfig struct {
	Name             *string        `json:"name"`
	UniqueID         string         `json:"unique_id"`
	ObjectID         string         `json:"object_id,omitempty"`
	DeviceClass      string         `json:"device_class,omitempty"`
	CommandTopic     string         `json:"command_topic"`
	StateTopic       string         `json:"state_topic"`
	PositionTopic    string         `json:"position_topic"`
	SetPositionTopic string         `json:"set_position_topic"`
	PositionOpen     int            `json:"position_open"`
	PositionClosed   int            `json:"position_closed"`
	PayloadOpen      string         `json:"payload_open"`
	PayloadClose     string         `json:"payload_close"`
	PayloadStop      string         `json:"payload_stop"`
	StateOpen        string         `json:"state_open"`
	StateClosed      string         `json:"state_closed"`
	StateOpening     string         `json:"state_opening"`
	StateClosing     string         `json:"state_closing"`
	Availability     []Availability `json:"availability"`
	AvailabilityMode string         `json:"availability_mode"`
	Device           DeviceInfo     `json:"device"`
	Origin           Origin         `json:"origin"`
}

// SwitchConfig is the discovery payload of a switch entity.
type SwitchConfig struct {
	Name             *string        `json:"name"`
	UniqueID         string         `json:"unique_id"`
	ObjectID         string         `json:"object_id,omitempty"`
	Icon             string         `json:"icon,omitempty"`
	EntityCategory   string         `json:"entity_category,omitempty"`
	CommandTopic     string         `json:"command_topic"`
	StateTopic       string         `json:"state_topic"`
	PayloadOn        string         `json:"payload_on"`
	PayloadOff       string         `json:"payload_off"`
	Availability     []Availability `json:"availability"`
	AvailabilityMode string         `json:"availability_mode"`
	Device           DeviceInfo     `json:"device"`
	Origin           Origin         `json:"origin"`
}

// NewOrigin describes this build of the bridge.
func NewOrigin() Origin {
	return Origin{
		Name:       "vlxmqttha",
		SWVersion:  buildinfo.Version,
		SupportURL: "https://github.com/tjaehnel/vlxmqttha",
	}
}

// Topics are the MQTT topics of one entity. The command topic doubles
// as the cover's set-position topic.
type Topics struct {
	Config   string
	State    string
	Position string
	Command  string
}

// EntityTopics derives an entity's topics from the discovery prefix:
// <prefix>/<component>/<unique id>/{config,state,position,set}.
func EntityTopics(discoveryPrefix, component, uniqueID string) Topics {
	base := discoveryPrefix + "/" + component + "/" + uniqueID
	return Topics{
		Config:   base + "/config",
		State:    base + "/state",
		Position: base + "/position",
		Command:  base + "/set",
	}
}
