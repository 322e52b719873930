package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/tjaehnel/vlxmqttha/internal/config"
	"github.com/tjaehnel/vlxmqttha/internal/metrics"
)

// ErrNotConnected is returned by publishes while the broker connection
// is down. The state is still cached and replayed on reconnect.
var ErrNotConnected = errors.New("mqtt: not connected")

// Inbound command throttle. Commands beyond the burst are admitted at
// commandRate per second.
const (
	commandRate          = 10
	commandBurst         = 50
	throttleReportWindow = 10 * time.Second
)

// Client is the subset of [autopaho.ConnectionManager] the publisher
// uses. Tests substitute a fake.
type Client interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
	Unsubscribe(ctx context.Context, u *paho.Unsubscribe) (*paho.Unsuback, error)
	AwaitConnection(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// CommandHandler receives the payload of a message on an entity's
// command topic. It runs on the MQTT client's goroutine and must not
// block.
type CommandHandler func(payload string)

// Entity is a Home Assistant entity published through discovery.
type Entity struct {
	Component string
	UniqueID  string
	Config    any // discovery payload, marshalled to JSON
	OnCommand CommandHandler
}

type entry struct {
	entity Entity
	topics Topics
	config []byte
}

// Publisher manages the MQTT connection, keeps the set of registered
// entities and their last known state, and routes inbound commands.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	logger     *slog.Logger
	gate       *commandGate

	mu        sync.Mutex
	cm        Client
	connected bool
	entities  map[string]*entry // by unique id
	routes    map[string]*entry // by command topic
	retained  map[string]string // last payload per state topic
	order     []string          // unique ids in registration order
	onConnect []func(up bool)
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection.
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		logger:     logger,
		gate:       newCommandGate(commandRate, commandBurst, logger),
		entities:   make(map[string]*entry),
		routes:     make(map[string]*entry),
		retained:   make(map[string]string),
	}
}

// Start connects to the MQTT broker. It blocks until ctx is cancelled.
// The connection itself outlives ctx so [Publisher.Stop] can still
// publish the offline message during shutdown.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.BrokerURL())
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	connCtx := context.WithoutCancel(ctx)
	availTopic := p.AvailabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Login,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte(PayloadOffline),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", brokerURL.Redacted())
			p.handleConnectionUp(connCtx)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID:          p.clientID(),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){p.handlePublish},
			OnClientError: func(err error) {
				p.logger.Warn("mqtt client error", "error", err)
				p.setConnected(false)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				p.logger.Warn("mqtt server disconnected", "reason_code", d.ReasonCode)
				p.setConnected(false)
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" || brokerURL.Scheme == "tls" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(connCtx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	go p.gate.report(ctx, throttleReportWindow)

	awaitCtx, awaitCancel := context.WithTimeout(ctx, 30*time.Second)
	defer awaitCancel()
	if err := cm.AwaitConnection(awaitCtx); err != nil && ctx.Err() == nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	if err := p.publish(ctx, p.AvailabilityTopic(), []byte(PayloadOffline), true); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", PayloadOffline, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", PayloadOffline)
	}
	p.setConnected(false)
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// Connected reports whether the broker connection is currently up.
func (p *Publisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// OnConnectionChange registers fn to be told about connection up and
// down transitions. Register before Start.
func (p *Publisher) OnConnectionChange(fn func(up bool)) {
	p.mu.Lock()
	p.onConnect = append(p.onConnect, fn)
	p.mu.Unlock()
}

// --- Topic helpers ---

func (p *Publisher) clientID() string {
	if p.cfg.ClientID != "" {
		return p.cfg.ClientID
	}
	return "vlxmqttha-" + p.instanceID
}

func (p *Publisher) baseTopic() string {
	return "vlxmqttha/" + p.instanceID
}

// AvailabilityTopic carries the bridge's birth and will messages.
func (p *Publisher) AvailabilityTopic() string {
	if p.cfg.AvailabilityTopic != "" {
		return p.cfg.AvailabilityTopic
	}
	return p.baseTopic() + "/availability"
}

// GatewayTopic reports whether the KLF200 session is established.
func (p *Publisher) GatewayTopic() string {
	if t := p.cfg.AvailabilityTopic; t != "" {
		if i := strings.LastIndex(t, "/"); i >= 0 {
			return t[:i] + "/gateway"
		}
		return t + "-gateway"
	}
	return p.baseTopic() + "/gateway"
}

// Availability is the availability list every entity carries: the
// bridge and the gateway must both be online.
func (p *Publisher) Availability() []Availability {
	return []Availability{
		{Topic: p.AvailabilityTopic(), PayloadAvailable: PayloadOnline, PayloadNotAvailable: PayloadOffline},
		{Topic: p.GatewayTopic(), PayloadAvailable: PayloadOnline, PayloadNotAvailable: PayloadOffline},
	}
}

// Topics returns the topics of an entity.
func (p *Publisher) Topics(component, uniqueID string) Topics {
	return EntityTopics(p.cfg.DiscoveryPrefix, component, uniqueID)
}

// --- Entities ---

// Register adds or replaces an entity. Its discovery config is
// published and its command topic subscribed now if connected, and
// again on every reconnect.
func (p *Publisher) Register(ctx context.Context, e Entity) error {
	payload, err := json.Marshal(e.Config)
	if err != nil {
		return fmt.Errorf("marshal discovery payload for %s: %w", e.UniqueID, err)
	}
	en := &entry{entity: e, topics: p.Topics(e.Component, e.UniqueID), config: payload}

	p.mu.Lock()
	if old, ok := p.entities[e.UniqueID]; ok {
		delete(p.routes, old.topics.Command)
	} else {
		p.order = append(p.order, e.UniqueID)
	}
	p.entities[e.UniqueID] = en
	if e.OnCommand != nil {
		p.routes[en.topics.Command] = en
	}
	up := p.connected
	p.mu.Unlock()

	if !up {
		return nil
	}
	if err := p.announce(ctx, en); err != nil {
		return err
	}
	return p.subscribe(ctx, []string{en.topics.Command})
}

// Unregister forgets a registered entity and removes it from Home
// Assistant.
func (p *Publisher) Unregister(ctx context.Context, uniqueID string) error {
	p.mu.Lock()
	en, ok := p.entities[uniqueID]
	if ok {
		delete(p.entities, uniqueID)
		delete(p.routes, en.topics.Command)
		delete(p.retained, en.topics.State)
		delete(p.retained, en.topics.Position)
		p.order = slices.DeleteFunc(p.order, func(id string) bool { return id == uniqueID })
	}
	up := p.connected
	cm := p.cm
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if up && en.entity.OnCommand != nil {
		if _, err := cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{en.topics.Command}}); err != nil {
			p.logger.Debug("mqtt unsubscribe failed", "topic", en.topics.Command, "error", err)
		}
	}
	return p.Remove(ctx, en.entity.Component, uniqueID)
}

// Remove clears the retained discovery config and state of an entity
// by id, whether or not it is registered in this process. HA deletes
// entities whose config topic becomes empty.
func (p *Publisher) Remove(ctx context.Context, component, uniqueID string) error {
	t := p.Topics(component, uniqueID)
	if err := p.publish(ctx, t.Config, nil, true); err != nil {
		return fmt.Errorf("remove %s %s: %w", component, uniqueID, err)
	}
	for _, topic := range []string{t.State, t.Position} {
		if err := p.publish(ctx, topic, nil, true); err != nil {
			p.logger.Debug("mqtt clear retained state failed", "topic", topic, "error", err)
		}
	}
	p.logger.Info("mqtt entity removed", "component", component, "unique_id", uniqueID)
	return nil
}

// PublishState publishes a retained state payload and remembers it for
// replay after a reconnect.
func (p *Publisher) PublishState(ctx context.Context, topic, payload string) error {
	p.mu.Lock()
	p.retained[topic] = payload
	p.mu.Unlock()
	return p.publish(ctx, topic, []byte(payload), true)
}

// SetGatewayAvailability publishes the gateway session state.
func (p *Publisher) SetGatewayAvailability(ctx context.Context, online bool) error {
	status := PayloadOffline
	if online {
		status = PayloadOnline
	}
	return p.PublishState(ctx, p.GatewayTopic(), status)
}

// --- Connection events ---

func (p *Publisher) setConnected(up bool) {
	p.mu.Lock()
	changed := p.connected != up
	p.connected = up
	listeners := p.onConnect
	p.mu.Unlock()

	if up {
		metrics.MQTTConnected.Set(1)
	} else {
		metrics.MQTTConnected.Set(0)
	}
	if changed {
		for _, fn := range listeners {
			fn(up)
		}
	}
}

// handleConnectionUp restores broker-side state after a (re)connect:
// birth message, discovery configs, subscriptions and cached states.
func (p *Publisher) handleConnectionUp(ctx context.Context) {
	p.setConnected(true)

	if err := p.publish(ctx, p.AvailabilityTopic(), []byte(PayloadOnline), true); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", PayloadOnline, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", PayloadOnline)
	}

	p.mu.Lock()
	entries := make([]*entry, 0, len(p.order))
	for _, id := range p.order {
		entries = append(entries, p.entities[id])
	}
	var commandTopics []string
	for topic := range p.routes {
		commandTopics = append(commandTopics, topic)
	}
	states := make(map[string]string, len(p.retained))
	for topic, payload := range p.retained {
		states[topic] = payload
	}
	p.mu.Unlock()

	for _, en := range entries {
		if err := p.announce(ctx, en); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "unique_id", en.entity.UniqueID, "error", err)
		}
	}
	if err := p.subscribe(ctx, commandTopics); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topics", len(commandTopics), "error", err)
	}
	for topic, payload := range states {
		if err := p.publish(ctx, topic, []byte(payload), true); err != nil {
			p.logger.Debug("mqtt state replay failed", "topic", topic, "error", err)
		}
	}
	p.logger.Debug("mqtt session restored",
		"entities", len(entries), "subscriptions", len(commandTopics), "states", len(states))
}

func (p *Publisher) announce(ctx context.Context, en *entry) error {
	if err := p.publish(ctx, en.topics.Config, en.config, true); err != nil {
		return err
	}
	p.logger.Debug("mqtt discovery published", "unique_id", en.entity.UniqueID, "topic", en.topics.Config)
	return nil
}

func (p *Publisher) subscribe(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return ErrNotConnected
	}

	subs := make([]paho.SubscribeOptions, 0, len(topics))
	for _, t := range topics {
		subs = append(subs, paho.SubscribeOptions{Topic: t, QoS: 1})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		return fmt.Errorf("mqtt subscribe: %w", err)
	}
	p.logger.Debug("mqtt subscribed", "topics", topics)
	return nil
}

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	p.mu.Lock()
	cm := p.cm
	up := p.connected
	p.mu.Unlock()
	if cm == nil || !up {
		return ErrNotConnected
	}

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  retain,
	}); err != nil {
		metrics.MQTTPublishFailures.Inc()
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// --- Inbound ---

// handlePublish routes a received message to the entity owning the
// topic. Retained messages on command topics are stale and ignored.
func (p *Publisher) handlePublish(pr paho.PublishReceived) (bool, error) {
	msg := pr.Packet
	if msg == nil {
		return false, nil
	}

	p.mu.Lock()
	en, ok := p.routes[msg.Topic]
	p.mu.Unlock()
	if !ok {
		logUnrouted(p.logger, msg.Topic, msg.Payload)
		return false, nil
	}

	if msg.Retain {
		p.logger.Debug("mqtt ignoring retained command", "topic", msg.Topic, "payload", string(msg.Payload))
		return true, nil
	}
	if !p.gate.allow() {
		metrics.MQTTCommands.WithLabelValues(en.entity.Component, "throttled").Inc()
		return true, nil
	}

	p.logger.Debug("mqtt command received",
		"unique_id", en.entity.UniqueID, "topic", msg.Topic, "payload", string(msg.Payload))
	en.entity.OnCommand(string(msg.Payload))
	return true, nil
}
