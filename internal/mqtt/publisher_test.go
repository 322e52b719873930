package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/eclipse/paho.golang/paho"

	"github.com/tjaehnel/vlxmqttha/internal/config"
)

// fakeClient records what the publisher sends to the broker.
type fakeClient struct {
	mu           sync.Mutex
	published    []*paho.Publish
	subscribed   []string
	unsubscribed []string
	publishErr   error
	awaitErr     error
	disconnected bool
}

func (f *fakeClient) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.published = append(f.published, p)
	return &paho.PublishResponse{}, nil
}

func (f *fakeClient) Subscribe(_ context.Context, s *paho.Subscribe) (*paho.Suback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range s.Subscriptions {
		f.subscribed = append(f.subscribed, o.Topic)
	}
	return &paho.Suback{}, nil
}

func (f *fakeClient) Unsubscribe(_ context.Context, u *paho.Unsubscribe) (*paho.Unsuback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, u.Topics...)
	return &paho.Unsuback{}, nil
}

func (f *fakeClient) AwaitConnection(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.awaitErr
}

func (f *fakeClient) Disconnect(context.Context) error {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
	return nil
}

// last returns the most recent payload published to topic.
func (f *fakeClient) last(topic string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.published) - 1; i >= 0; i-- {
		if f.published[i].Topic == topic {
			return string(f.published[i].Payload), true
		}
	}
	return "", false
}

func (f *fakeClient) count(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.published {
		if p.Topic == topic {
			n++
		}
	}
	return n
}

func (f *fakeClient) reset() {
	f.mu.Lock()
	f.published = nil
	f.subscribed = nil
	f.mu.Unlock()
}

func testPublisher(t *testing.T, cfg config.MQTTConfig) (*Publisher, *fakeClient) {
	t.Helper()
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	p := New(cfg, "inst-1", slog.New(slog.NewTextHandler(io.Discard, nil)))
	fc := &fakeClient{}
	p.cm = fc
	return p, fc
}

func testCover(uniqueID string, onCommand CommandHandler) Entity {
	return Entity{
		Component: ComponentCover,
		UniqueID:  uniqueID,
		Config:    CoverConfig{UniqueID: uniqueID},
		OnCommand: onCommand,
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p, _ := testPublisher(t, config.MQTTConfig{Host: "localhost"})

	topics := p.Topics(ComponentCover, "vlx-bathroom-window")
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"availability", p.AvailabilityTopic(), "vlxmqttha/inst-1/availability"},
		{"gateway", p.GatewayTopic(), "vlxmqttha/inst-1/gateway"},
		{"config", topics.Config, "homeassistant/cover/vlx-bathroom-window/config"},
		{"state", topics.State, "homeassistant/cover/vlx-bathroom-window/state"},
		{"position", topics.Position, "homeassistant/cover/vlx-bathroom-window/position"},
		{"command", topics.Command, "homeassistant/cover/vlx-bathroom-window/set"},
		{"client id", p.clientID(), "vlxmqttha-inst-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_CustomAvailabilityTopic(t *testing.T) {
	p, _ := testPublisher(t, config.MQTTConfig{AvailabilityTopic: "velux/bridge/status", ClientID: "bridge-1"})
	if p.GatewayTopic() != "velux/bridge/gateway" {
		t.Errorf("GatewayTopic = %q", p.GatewayTopic())
	}
	if p.clientID() != "bridge-1" {
		t.Errorf("clientID = %q", p.clientID())
	}
	avail := p.Availability()
	if len(avail) != 2 || avail[0].Topic != "velux/bridge/status" || avail[1].Topic != "velux/bridge/gateway" {
		t.Errorf("Availability = %+v", avail)
	}
}

func TestPublisher_RegisterWhileDisconnected(t *testing.T) {
	p, fc := testPublisher(t, config.MQTTConfig{})

	if err := p.Register(context.Background(), testCover("vlx-a", func(string) {})); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(fc.published) != 0 {
		t.Errorf("published %d messages while disconnected", len(fc.published))
	}
	if err := p.PublishState(context.Background(), "homeassistant/cover/vlx-a/state", StateOpen); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishState error = %v, want ErrNotConnected", err)
	}

	p.handleConnectionUp(context.Background())

	if got, _ := fc.last(p.AvailabilityTopic()); got != PayloadOnline {
		t.Errorf("availability = %q, want online", got)
	}
	cfgPayload, ok := fc.last("homeassistant/cover/vlx-a/config")
	if !ok {
		t.Fatal("discovery config not published on connect")
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(cfgPayload), &decoded); err != nil {
		t.Fatalf("discovery payload is not JSON: %v", err)
	}
	if decoded["unique_id"] != "vlx-a" {
		t.Errorf("unique_id = %v", decoded["unique_id"])
	}
	if got, _ := fc.last("homeassistant/cover/vlx-a/state"); got != StateOpen {
		t.Errorf("cached state not replayed, got %q", got)
	}
	if len(fc.subscribed) != 1 || fc.subscribed[0] != "homeassistant/cover/vlx-a/set" {
		t.Errorf("subscribed = %v", fc.subscribed)
	}
}

func TestPublisher_ReconnectReplays(t *testing.T) {
	p, fc := testPublisher(t, config.MQTTConfig{})
	ctx := context.Background()
	p.handleConnectionUp(ctx)

	if err := p.Register(ctx, testCover("vlx-a", func(string) {})); err != nil {
		t.Fatal(err)
	}
	if err := p.SetGatewayAvailability(ctx, true); err != nil {
		t.Fatal(err)
	}
	if fc.count("homeassistant/cover/vlx-a/config") != 1 {
		t.Error("Register while connected should publish discovery immediately")
	}

	p.setConnected(false)
	fc.reset()
	p.handleConnectionUp(ctx)

	if fc.count("homeassistant/cover/vlx-a/config") != 1 {
		t.Error("discovery not republished after reconnect")
	}
	if got, _ := fc.last(p.GatewayTopic()); got != PayloadOnline {
		t.Errorf("gateway availability not replayed, got %q", got)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for _, m := range fc.published {
		if !m.Retain || m.QoS != 1 {
			t.Errorf("message on %s: retain=%v qos=%d, want retained QoS1", m.Topic, m.Retain, m.QoS)
		}
	}
}

func TestPublisher_Unregister(t *testing.T) {
	p, fc := testPublisher(t, config.MQTTConfig{})
	ctx := context.Background()
	p.handleConnectionUp(ctx)

	_ = p.Register(ctx, testCover("vlx-a", func(string) {}))
	_ = p.PublishState(ctx, "homeassistant/cover/vlx-a/state", StateClosed)

	if err := p.Unregister(ctx, "vlx-a"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if got, ok := fc.last("homeassistant/cover/vlx-a/config"); !ok || got != "" {
		t.Errorf("config after Unregister = %q, %v; want empty retained", got, ok)
	}
	if len(fc.unsubscribed) != 1 {
		t.Errorf("unsubscribed = %v", fc.unsubscribed)
	}

	fc.reset()
	p.handleConnectionUp(ctx)
	if fc.count("homeassistant/cover/vlx-a/config") != 0 || fc.count("homeassistant/cover/vlx-a/state") != 0 {
		t.Error("unregistered entity republished on reconnect")
	}

	// Unknown ids are a no-op.
	if err := p.Unregister(ctx, "vlx-missing"); err != nil {
		t.Errorf("Unregister unknown: %v", err)
	}
}

func TestPublisher_RoutesCommands(t *testing.T) {
	p, _ := testPublisher(t, config.MQTTConfig{})
	var got []string
	_ = p.Register(context.Background(), testCover("vlx-a", func(payload string) { got = append(got, payload) }))

	send := func(topic, payload string, retain bool) bool {
		handled, err := p.handlePublish(paho.PublishReceived{Packet: &paho.Publish{Topic: topic, Payload: []byte(payload), Retain: retain}})
		if err != nil {
			t.Fatal(err)
		}
		return handled
	}

	if !send("homeassistant/cover/vlx-a/set", "OPEN", false) {
		t.Error("command topic not handled")
	}
	if send("homeassistant/cover/other/set", "OPEN", false) {
		t.Error("unknown topic reported as handled")
	}
	send("homeassistant/cover/vlx-a/set", "CLOSE", true)

	if len(got) != 1 || got[0] != "OPEN" {
		t.Errorf("handler received %v, want [OPEN]", got)
	}
}

func TestPublisher_CommandRateLimit(t *testing.T) {
	p, _ := testPublisher(t, config.MQTTConfig{})
	n := 0
	_ = p.Register(context.Background(), testCover("vlx-a", func(string) { n++ }))

	for range commandBurst + 5 {
		_, _ = p.handlePublish(paho.PublishReceived{Packet: &paho.Publish{Topic: "homeassistant/cover/vlx-a/set", Payload: []byte("STOP")}})
	}
	// The bucket may refill by a token while the loop runs.
	if n < commandBurst || n > commandBurst+1 {
		t.Errorf("handler called %d times, want %d", n, commandBurst)
	}
}

func TestPublisher_StopPublishesOffline(t *testing.T) {
	p, fc := testPublisher(t, config.MQTTConfig{})
	var transitions []bool
	p.OnConnectionChange(func(up bool) { transitions = append(transitions, up) })

	p.handleConnectionUp(context.Background())
	if !p.Connected() {
		t.Fatal("Connected() = false after connection up")
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got, _ := fc.last(p.AvailabilityTopic()); got != PayloadOffline {
		t.Errorf("availability = %q, want offline", got)
	}
	if !fc.disconnected {
		t.Error("client not disconnected")
	}
	if len(transitions) != 2 || !transitions[0] || transitions[1] {
		t.Errorf("transitions = %v, want [true false]", transitions)
	}
}

func TestPublisher_AwaitConnection(t *testing.T) {
	idle := New(config.MQTTConfig{}, "inst-1", nil)
	if err := idle.AwaitConnection(context.Background()); err == nil {
		t.Error("AwaitConnection() on unstarted publisher = nil")
	}

	p, fc := testPublisher(t, config.MQTTConfig{})
	if err := p.AwaitConnection(context.Background()); err != nil {
		t.Errorf("AwaitConnection() = %v", err)
	}
	fc.mu.Lock()
	fc.awaitErr = context.DeadlineExceeded
	fc.mu.Unlock()
	if err := p.AwaitConnection(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("AwaitConnection() = %v, want DeadlineExceeded", err)
	}
}

func TestPublisher_PublishFailure(t *testing.T) {
	p, fc := testPublisher(t, config.MQTTConfig{})
	p.handleConnectionUp(context.Background())
	fc.publishErr = errors.New("broker gone")

	err := p.PublishState(context.Background(), "a/b", "x")
	if err == nil || !strings.Contains(err.Error(), "broker gone") {
		t.Errorf("PublishState error = %v", err)
	}
}

func TestCoverConfig_NullName(t *testing.T) {
	b, err := json.Marshal(CoverConfig{UniqueID: "vlx-a", PositionOpen: 0, PositionClosed: 100})
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	if !strings.Contains(s, `"name":null`) {
		t.Errorf("nil Name should serialise as null: %s", s)
	}
	if !strings.Contains(s, `"position_open":0`) || !strings.Contains(s, `"position_closed":100`) {
		t.Errorf("positions missing from %s", s)
	}
}
