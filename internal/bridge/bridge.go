// Package bridge maps KLF200 opening devices to Home Assistant covers.
//
// A [Bridge] owns one [Cover] per opening device. Each gateway session
// (see [Bridge.RunSession]) reloads the node table, announces the
// discovery entities, withdraws entities of nodes that disappeared and
// marks the gateway available. Node updates from the gateway and
// commands from MQTT are handed to the cover's worker goroutine.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tjaehnel/vlxmqttha/internal/events"
	"github.com/tjaehnel/vlxmqttha/internal/klf200"
	"github.com/tjaehnel/vlxmqttha/internal/metrics"
	"github.com/tjaehnel/vlxmqttha/internal/mqtt"
	"github.com/tjaehnel/vlxmqttha/internal/registry"
)

// Gateway is the subset of [klf200.Gateway] the bridge drives.
type Gateway interface {
	Addr() string
	OnNodeUpdate(fn klf200.NodeUpdateFunc)
	Connect(ctx context.Context) error
	Disconnect() error
	Serve(ctx context.Context) error
	LoadNodes(ctx context.Context) ([]klf200.Node, error)

	Open(ctx context.Context, nodeID uint8) error
	Close(ctx context.Context, nodeID uint8) error
	Stop(ctx context.Context, nodeID uint8) error
	SetPosition(ctx context.Context, nodeID uint8, percent int) error
	SetLimitation(ctx context.Context, nodeID uint8, minPercent, maxPercent int) error
	ClearLimitation(ctx context.Context, nodeID uint8) error
	RefreshLimitation(ctx context.Context, nodeID uint8) (klf200.Node, error)
}

// Publisher is the subset of [mqtt.Publisher] the bridge publishes through.
type Publisher interface {
	Topics(component, uniqueID string) mqtt.Topics
	Availability() []mqtt.Availability
	Register(ctx context.Context, e mqtt.Entity) error
	Unregister(ctx context.Context, uniqueID string) error
	Remove(ctx context.Context, component, uniqueID string) error
	PublishState(ctx context.Context, topic, payload string) error
	SetGatewayAvailability(ctx context.Context, online bool) error
}

// Registry remembers announced entities across restarts.
type Registry interface {
	Upsert(e registry.Entry) error
	Stale(current map[string]bool) ([]registry.Entry, error)
	Delete(uniqueID string) error
}

// Options configures entity naming and layout.
type Options struct {
	// HAPrefix is prepended to node ids and device names.
	HAPrefix string
	// InversePosition swaps position_open and position_closed.
	InversePosition bool
	// ViaDevice is the device id of the bridge itself.
	ViaDevice string
}

// Bridge connects a gateway to a publisher.
type Bridge struct {
	gw       Gateway
	pub      Publisher
	registry Registry
	bus      *events.Bus
	opts     Options
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	covers map[uint8]*Cover
}

// New creates a Bridge and subscribes it to gateway node updates. reg
// and bus may be nil.
func New(gw Gateway, pub Publisher, reg Registry, bus *events.Bus, opts Options, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		gw:       gw,
		pub:      pub,
		registry: reg,
		bus:      bus,
		opts:     opts,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		covers:   make(map[uint8]*Cover),
	}
	gw.OnNodeUpdate(b.handleNodeUpdate)
	return b
}

// handleNodeUpdate runs on the gateway reader goroutine.
func (b *Bridge) handleNodeUpdate(n klf200.Node) {
	b.mu.Lock()
	c, ok := b.covers[n.ID]
	b.mu.Unlock()
	if !ok {
		return
	}
	if old := c.Node().Name; old != n.Name {
		// Entities keep their unique id until the next gateway session.
		c.logger.Info("node renamed on gateway", "old", old, "new", n.Name,
			"unique_id", c.uid, "next_unique_id", b.UniqueID(n))
		b.bus.Emit(events.SourceNode, events.KindRenamed, map[string]any{
			"node": n.ID, "old": old, "new": n.Name, "unique_id": c.uid,
		})
	}
	c.Update(n)
}

// UniqueID returns the Home Assistant unique id of a node.
func (b *Bridge) UniqueID(n klf200.Node) string {
	return b.opts.HAPrefix + NodeID(n.Name)
}

// RunSession runs one gateway session. It has the shape of a
// connwatch session function: ready is called once the covers are
// announced, and the call returns when the session ends.
func (b *Bridge) RunSession(ctx context.Context, ready func()) error {
	if err := b.gw.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", b.gw.Addr(), err)
	}
	defer b.gw.Disconnect()

	nodes, err := b.gw.LoadNodes(ctx)
	if err != nil {
		return err
	}
	covers := b.sync(ctx, nodes)
	b.logger.Info("gateway nodes loaded", "nodes", len(nodes), "covers", len(covers))
	b.bus.Emit(events.SourceGateway, events.KindNodesLoaded, map[string]any{
		"nodes": len(nodes), "covers": len(covers),
	})

	for _, c := range covers {
		if _, err := b.gw.RefreshLimitation(ctx, c.Node().ID); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("read limitation failed", "error", err)
		}
		c.signal()
	}

	if err := b.pub.SetGatewayAvailability(ctx, true); err != nil {
		b.logger.Debug("gateway availability not published", "error", err)
	}
	b.bus.Emit(events.SourceGateway, events.KindConnected, map[string]any{"addr": b.gw.Addr()})
	ready()

	err = b.gw.Serve(ctx)

	offCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if perr := b.pub.SetGatewayAvailability(offCtx, false); perr != nil {
		b.logger.Debug("gateway offline not published", "error", perr)
	}
	data := map[string]any{"addr": b.gw.Addr()}
	if err != nil {
		data["error"] = err.Error()
	}
	b.bus.Emit(events.SourceGateway, events.KindDisconnected, data)
	return err
}

// sync reconciles the covers with a freshly loaded node table and
// returns the covers in node order.
func (b *Bridge) sync(ctx context.Context, nodes []klf200.Node) []*Cover {
	var wanted []klf200.Node
	claimed := make(map[string]uint8, len(nodes))
	for _, n := range nodes {
		if !n.Kind().IsOpeningDevice() {
			b.logger.Debug("ignoring node", "node_id", n.ID, "name", n.Name, "type", n.Type.String())
			continue
		}
		uid := b.UniqueID(n)
		if other, dup := claimed[uid]; dup {
			b.logger.Warn("duplicate node name, node skipped",
				"node_id", n.ID, "name", n.Name, "conflicts_with", other)
			continue
		}
		claimed[uid] = n.ID
		wanted = append(wanted, n)
	}

	// All retirements happen before any announce.
	b.mu.Lock()
	var stale []*Cover
	for id, c := range b.covers {
		if owner, ok := claimed[c.uid]; !ok || owner != id {
			stale = append(stale, c)
		}
	}
	b.mu.Unlock()
	for _, c := range stale {
		if owner, ok := claimed[c.uid]; ok {
			b.logger.Info("unique id moved to another node",
				"unique_id", c.uid, "from", c.Node().ID, "to", owner)
		} else {
			b.logger.Info("node removed or renamed", "node_id", c.Node().ID, "unique_id", c.uid)
		}
		b.retire(ctx, c, claimed)
	}

	out := make([]*Cover, 0, len(wanted))
	for _, n := range wanted {
		b.mu.Lock()
		c, ok := b.covers[n.ID]
		b.mu.Unlock()
		if !ok {
			c = newCover(b.UniqueID(n), n, b.gw, b.pub, b.bus, b.logger)
			go c.run(b.ctx)
			b.mu.Lock()
			b.covers[n.ID] = c
			b.mu.Unlock()
		} else {
			c.Update(n)
		}
		b.announce(ctx, c)
		out = append(out, c)
	}

	b.cleanup(ctx, claimed)
	return out
}

// announce registers the cover's entities and records them.
func (b *Bridge) announce(ctx context.Context, c *Cover) {
	n := c.Node()
	for _, e := range c.entities(b.opts) {
		if err := b.pub.Register(ctx, e); err != nil {
			c.logger.Warn("register entity failed", "component", e.Component, "error", err)
		}
		if b.registry == nil {
			continue
		}
		if err := b.registry.Upsert(registry.Entry{
			UniqueID:    e.UniqueID,
			Component:   e.Component,
			ConfigTopic: b.pub.Topics(e.Component, e.UniqueID).Config,
			NodeID:      n.ID,
			Name:        n.Name,
			UpdatedAt:   time.Now(),
		}); err != nil {
			c.logger.Warn("record entity failed", "component", e.Component, "error", err)
		}
	}
	c.logger.Debug("cover announced", "name", n.Name, "kind", n.Kind().String())
}

// retire stops a cover and removes its entities from Home Assistant.
// Entities whose unique id is in claimed are left for the node that
// now owns it to replace.
func (b *Bridge) retire(ctx context.Context, c *Cover, claimed map[string]uint8) {
	c.halt()
	b.mu.Lock()
	if b.covers[c.Node().ID] == c {
		delete(b.covers, c.Node().ID)
	}
	b.mu.Unlock()

	if _, ok := claimed[c.uid]; ok {
		return
	}
	metrics.CoverPosition.DeleteLabelValues(c.uid)
	for _, uid := range []string{c.UniqueID(), c.SwitchID()} {
		if err := b.pub.Unregister(ctx, uid); err != nil {
			c.logger.Warn("unregister entity failed", "entity", uid, "error", err)
		}
		if b.registry != nil {
			if err := b.registry.Delete(uid); err != nil {
				c.logger.Warn("forget entity failed", "entity", uid, "error", err)
			}
		}
	}
}

// cleanup withdraws entities recorded by an earlier run whose node no
// longer exists. current holds the cover unique ids of this session.
func (b *Bridge) cleanup(ctx context.Context, current map[string]uint8) {
	if b.registry == nil {
		return
	}
	keep := make(map[string]bool, 2*len(current))
	for uid := range current {
		keep[uid] = true
		keep[uid+keepOpenSuffix] = true
	}
	stale, err := b.registry.Stale(keep)
	if err != nil {
		b.logger.Warn("read entity registry failed", "error", err)
		return
	}
	for _, e := range stale {
		if err := b.pub.Remove(ctx, e.Component, e.UniqueID); err != nil {
			b.logger.Warn("remove stale entity failed", "entity", e.UniqueID, "error", err)
			continue
		}
		if err := b.registry.Delete(e.UniqueID); err != nil {
			b.logger.Warn("forget entity failed", "entity", e.UniqueID, "error", err)
		}
		b.bus.Emit(events.SourceNode, events.KindRemoved, map[string]any{
			"unique_id": e.UniqueID, "component": e.Component,
		})
	}
}

// CoverStatus is the snapshot of one cover served by the status API.
type CoverStatus struct {
	NodeID    uint8  `json:"node_id"`
	UniqueID  string `json:"unique_id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Type      string `json:"type"`
	Position  *int   `json:"position"`
	State     string `json:"state"`
	NodeState string `json:"node_state"`
	KeepOpen  bool   `json:"keep_open"`
}

// Snapshot returns the state of every cover ordered by node id.
func (b *Bridge) Snapshot() []CoverStatus {
	b.mu.Lock()
	covers := make([]*Cover, 0, len(b.covers))
	for _, c := range b.covers {
		covers = append(covers, c)
	}
	b.mu.Unlock()

	out := make([]CoverStatus, 0, len(covers))
	for _, c := range covers {
		n := c.Node()
		st := CoverStatus{
			NodeID:    n.ID,
			UniqueID:  c.uid,
			Name:      n.Name,
			Kind:      n.Kind().String(),
			Type:      n.Type.String(),
			NodeState: n.State.String(),
			KeepOpen:  n.Limited(),
		}
		if n.Position.Valid() {
			pos := n.Position.Percent()
			st.Position = &pos
			st.State = coverState(n)
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b CoverStatus) int { return int(a.NodeID) - int(b.NodeID) })
	return out
}

// Shutdown stops every cover worker. Discovery configs stay retained so
// Home Assistant keeps the entities, marked unavailable, across restarts.
func (b *Bridge) Shutdown() {
	b.cancel()
	b.mu.Lock()
	covers := make([]*Cover, 0, len(b.covers))
	for _, c := range b.covers {
		covers = append(covers, c)
	}
	b.mu.Unlock()
	for _, c := range covers {
		<-c.done
	}
}
