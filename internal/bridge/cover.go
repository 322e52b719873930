package bridge

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tjaehnel/vlxmqttha/internal/buildinfo"
	"github.com/tjaehnel/vlxmqttha/internal/events"
	"github.com/tjaehnel/vlxmqttha/internal/klf200"
	"github.com/tjaehnel/vlxmqttha/internal/metrics"
	"github.com/tjaehnel/vlxmqttha/internal/mqtt"
)

const (
	commandQueueSize = 16
	commandTimeout   = 30 * time.Second
	publishTimeout   = 10 * time.Second

	manufacturer   = "Velux"
	keepOpenSuffix = "-keepopen"
	keepOpenName   = "Keep open"
	keepOpenIcon   = "mdi:window-open-variant"
)

// deviceClasses maps node kinds to Home Assistant cover device classes.
var deviceClasses = map[klf200.Kind]string{
	klf200.KindWindow:  "window",
	klf200.KindShutter: "shutter",
	klf200.KindBlind:   "blind",
	klf200.KindAwning:  "awning",
	klf200.KindGarage:  "garage",
	klf200.KindGate:    "gate",
	klf200.KindShade:   "shade",
}

// NodeID derives the MQTT id of a node from its name.
func NodeID(name string) string {
	return "vlx-" + strings.ToLower(strings.ReplaceAll(name, " ", "-"))
}

type commandKind int

const (
	cmdCover commandKind = iota + 1
	cmdKeepOpen
)

type command struct {
	kind     commandKind
	cover    mqtt.CoverCommand
	keepOpen bool
}

func (c command) entity() string {
	if c.kind == cmdKeepOpen {
		return mqtt.ComponentSwitch
	}
	return mqtt.ComponentCover
}

func (c command) String() string {
	if c.kind == cmdKeepOpen {
		if c.keepOpen {
			return "keep_open_on"
		}
		return "keep_open_off"
	}
	if c.cover.Action == mqtt.CoverSetPosition {
		return "set_position " + strconv.Itoa(c.cover.Position)
	}
	return c.cover.Action.String()
}

// published is the last state sent for a cover, used to emit events
// only on change.
type published struct {
	position int
	state    string
	keepOpen string
}

// Cover mirrors one KLF200 opening device as a Home Assistant cover and
// its keep-open switch. One worker goroutine per cover publishes state
// changes and executes commands in arrival order.
type Cover struct {
	uid          string
	coverTopics  mqtt.Topics
	switchTopics mqtt.Topics

	gw     Gateway
	pub    Publisher
	bus    *events.Bus
	logger *slog.Logger

	mu   sync.Mutex
	node klf200.Node
	last published

	updates chan struct{}
	cmds    chan command
	stop    chan struct{}
	done    chan struct{}
}

func newCover(uid string, n klf200.Node, gw Gateway, pub Publisher, bus *events.Bus, logger *slog.Logger) *Cover {
	return &Cover{
		uid:          uid,
		coverTopics:  pub.Topics(mqtt.ComponentCover, uid),
		switchTopics: pub.Topics(mqtt.ComponentSwitch, uid+keepOpenSuffix),
		gw:           gw,
		pub:          pub,
		bus:          bus,
		logger:       logger.With("node_id", n.ID, "unique_id", uid),
		node:         n,
		last:         published{position: -1},
		updates:      make(chan struct{}, 1),
		cmds:         make(chan command, commandQueueSize),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// UniqueID returns the cover entity's unique id.
func (c *Cover) UniqueID() string { return c.uid }

// SwitchID returns the keep-open switch's unique id.
func (c *Cover) SwitchID() string { return c.uid + keepOpenSuffix }

// Node returns the last node snapshot the cover received.
func (c *Cover) Node() klf200.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.node
}

// Update records a new node snapshot and schedules a publish. Updates
// that arrive while a publish is pending are coalesced. Never blocks.
func (c *Cover) Update(n klf200.Node) {
	c.mu.Lock()
	c.node = n
	c.mu.Unlock()
	c.signal()
}

func (c *Cover) signal() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

func (c *Cover) device(o Options) mqtt.DeviceInfo {
	n := c.Node()
	return mqtt.DeviceInfo{
		Identifiers:  []string{c.uid},
		Name:         o.HAPrefix + n.Name,
		Manufacturer: manufacturer,
		Model:        n.Type.String(),
		SerialNumber: n.Serial,
		SWVersion:    buildinfo.Version,
		ViaDevice:    o.ViaDevice,
	}
}

// entities builds the discovery entities of the cover and its switch.
func (c *Cover) entities(o Options) []mqtt.Entity {
	dev := c.device(o)
	avail := c.pub.Availability()
	origin := mqtt.NewOrigin()

	open, closed := 0, 100
	if o.InversePosition {
		open, closed = closed, open
	}
	coverCfg := mqtt.CoverConfig{
		UniqueID:         c.uid,
		ObjectID:         c.uid,
		DeviceClass:      deviceClasses[c.Node().Kind()],
		CommandTopic:     c.coverTopics.Command,
		StateTopic:       c.coverTopics.State,
		PositionTopic:    c.coverTopics.Position,
		SetPositionTopic: c.coverTopics.Command,
		PositionOpen:     open,
		PositionClosed:   closed,
		PayloadOpen:      mqtt.PayloadOpen,
		PayloadClose:     mqtt.PayloadClose,
		PayloadStop:      mqtt.PayloadStop,
		StateOpen:        mqtt.StateOpen,
		StateClosed:      mqtt.StateClosed,
		StateOpening:     mqtt.StateOpening,
		StateClosing:     mqtt.StateClosing,
		Availability:     avail,
		AvailabilityMode: "all",
		Device:           dev,
		Origin:           origin,
	}

	name := keepOpenName
	switchCfg := mqtt.SwitchConfig{
		Name:             &name,
		UniqueID:         c.SwitchID(),
		ObjectID:         c.SwitchID(),
		Icon:             keepOpenIcon,
		EntityCategory:   "config",
		CommandTopic:     c.switchTopics.Command,
		StateTopic:       c.switchTopics.State,
		PayloadOn:        mqtt.PayloadOn,
		PayloadOff:       mqtt.PayloadOff,
		Availability:     avail,
		AvailabilityMode: "all",
		Device:           dev,
		Origin:           origin,
	}

	return []mqtt.Entity{
		{Component: mqtt.ComponentCover, UniqueID: c.uid, Config: coverCfg, OnCommand: c.onCoverCommand},
		{Component: mqtt.ComponentSwitch, UniqueID: c.SwitchID(), Config: switchCfg, OnCommand: c.onSwitchCommand},
	}
}

func (c *Cover) onCoverCommand(payload string) {
	cmd, err := mqtt.ParseCoverCommand(payload)
	if err != nil {
		metrics.MQTTCommands.WithLabelValues(mqtt.ComponentCover, "invalid").Inc()
		c.logger.Warn("unsupported cover command", "payload", payload, "error", err)
		return
	}
	c.enqueue(command{kind: cmdCover, cover: cmd})
}

func (c *Cover) onSwitchCommand(payload string) {
	on, err := mqtt.ParseSwitchCommand(payload)
	if err != nil {
		metrics.MQTTCommands.WithLabelValues(mqtt.ComponentSwitch, "invalid").Inc()
		c.logger.Warn("unsupported keep-open command", "payload", payload, "error", err)
		return
	}
	c.enqueue(command{kind: cmdKeepOpen, keepOpen: on})
}

func (c *Cover) enqueue(cmd command) {
	select {
	case c.cmds <- cmd:
	default:
		metrics.MQTTCommands.WithLabelValues(cmd.entity(), "dropped").Inc()
		c.logger.Warn("command queue full, command dropped", "command", cmd.String())
	}
}

// run is the cover's worker loop.
func (c *Cover) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-c.updates:
			c.publish(ctx)
		case cmd := <-c.cmds:
			c.execute(ctx, cmd)
		}
	}
}

// halt stops the worker and waits for it to exit.
func (c *Cover) halt() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.done
}

func (c *Cover) execute(ctx context.Context, cmd command) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	n := c.Node()
	log := c.logger.With("name", n.Name, "command", cmd.String())
	log.Debug("executing command")

	var err error
	switch cmd.kind {
	case cmdCover:
		switch cmd.cover.Action {
		case mqtt.CoverOpen:
			err = c.gw.Open(ctx, n.ID)
		case mqtt.CoverClose:
			err = c.gw.Close(ctx, n.ID)
		case mqtt.CoverStop:
			err = c.gw.Stop(ctx, n.ID)
		case mqtt.CoverSetPosition:
			err = c.gw.SetPosition(ctx, n.ID, cmd.cover.Position)
		}
	case cmdKeepOpen:
		if cmd.keepOpen {
			err = c.gw.SetLimitation(ctx, n.ID, 0, 0)
		} else {
			err = c.gw.ClearLimitation(ctx, n.ID)
		}
		if err == nil {
			var refreshed klf200.Node
			if refreshed, err = c.gw.RefreshLimitation(ctx, n.ID); err == nil {
				c.Update(refreshed)
			}
		}
	}

	result := "ok"
	data := map[string]any{"node": n.ID, "entity": cmd.entity(), "command": cmd.String(), "ok": err == nil}
	if err != nil {
		result = "error"
		data["error"] = err.Error()
		log.Error("command failed", "error", err)
	}
	metrics.MQTTCommands.WithLabelValues(cmd.entity(), result).Inc()
	c.bus.Emit(events.SourceNode, events.KindCommand, data)
}

// coverState derives the Home Assistant state of a node: opening or
// closing while it moves towards a different target, otherwise open
// below 50 % closure and closed from there on.
func coverState(n klf200.Node) string {
	if n.State == klf200.StateExecuting && n.Target.Valid() && n.Target != n.Position {
		if n.Target < n.Position {
			return mqtt.StateOpening
		}
		return mqtt.StateClosing
	}
	if n.Position.Percent() < 50 {
		return mqtt.StateOpen
	}
	return mqtt.StateClosed
}

func keepOpenState(n klf200.Node) string {
	if n.Limited() {
		return mqtt.PayloadOn
	}
	return mqtt.PayloadOff
}

// publish sends the current position, state and keep-open state.
func (c *Cover) publish(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	n := c.Node()
	c.mu.Lock()
	last := c.last
	c.mu.Unlock()
	next := last

	if n.Position.Valid() {
		pos := n.Position.Percent()
		state := coverState(n)
		c.logger.Debug("publishing position", "name", n.Name, "position", pos, "state", state)
		c.publishState(ctx, c.coverTopics.Position, strconv.Itoa(pos))
		c.publishState(ctx, c.coverTopics.State, state)
		metrics.CoverPosition.WithLabelValues(c.uid).Set(float64(pos))
		if pos != last.position || state != last.state {
			c.bus.Emit(events.SourceNode, events.KindPosition, map[string]any{
				"node": n.ID, "name": n.Name, "position": pos, "state": state,
			})
		}
		next.position, next.state = pos, state
	} else {
		c.logger.Debug("position unknown, not published", "name", n.Name, "position", n.Position.String())
	}

	keep := keepOpenState(n)
	c.publishState(ctx, c.switchTopics.State, keep)
	if keep != last.keepOpen {
		c.bus.Emit(events.SourceNode, events.KindKeepOpen, map[string]any{
			"node": n.ID, "name": n.Name, "on": keep == mqtt.PayloadOn,
		})
	}
	next.keepOpen = keep

	c.mu.Lock()
	c.last = next
	c.mu.Unlock()
}

func (c *Cover) publishState(ctx context.Context, topic, payload string) {
	err := c.pub.PublishState(ctx, topic, payload)
	switch {
	case err == nil:
	case errors.Is(err, mqtt.ErrNotConnected):
		c.logger.Debug("mqtt down, state cached for replay", "topic", topic)
	default:
		c.logger.Warn("publish state failed", "topic", topic, "error", err)
	}
}
