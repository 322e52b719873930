package events

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func empty(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %s/%s", e.Source, e.Kind)
	default:
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceGateway, Kind: KindConnected})
	b.Emit(SourceGateway, KindConnected, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
}

func TestPublish_AllSubscribers(t *testing.T) {
	b := New()
	subs := []<-chan Event{b.Subscribe(4), b.Subscribe(4), b.Subscribe(4)}

	b.Publish(Event{Source: SourceGateway, Kind: KindConnected, Data: map[string]any{"addr": "10.0.0.5:51200"}})

	for i, ch := range subs {
		e := recv(t, ch)
		if e.Kind != KindConnected || e.Data["addr"] != "10.0.0.5:51200" {
			t.Errorf("subscriber %d got %+v", i, e)
		}
		b.Unsubscribe(ch)
	}
}

func TestSubscribe_SourceFilter(t *testing.T) {
	b := New()
	nodes := b.Subscribe(4, SourceNode)
	gwOrMQTT := b.Subscribe(4, SourceGateway, SourceMQTT)
	all := b.Subscribe(4)
	defer b.Unsubscribe(nodes)
	defer b.Unsubscribe(gwOrMQTT)
	defer b.Unsubscribe(all)

	b.Emit(SourceNode, KindPosition, map[string]any{"node": 2})
	b.Emit(SourceMQTT, KindDisconnected, nil)

	if e := recv(t, nodes); e.Source != SourceNode {
		t.Errorf("nodes got %s", e.Source)
	}
	empty(t, nodes)

	if e := recv(t, gwOrMQTT); e.Source != SourceMQTT {
		t.Errorf("gateway/mqtt got %s", e.Source)
	}
	empty(t, gwOrMQTT)

	recv(t, all)
	recv(t, all)
}

func TestPublish_SlowSubscriberMisses(t *testing.T) {
	b := New()
	slow := b.Subscribe(1)
	fast := b.Subscribe(10)
	defer b.Unsubscribe(fast)

	for range 5 {
		b.Emit(SourceNode, KindPosition, nil)
	}

	if len(fast) != 5 {
		t.Errorf("fast subscriber has %d events, want 5", len(fast))
	}
	if missed := b.Unsubscribe(slow); missed != 4 {
		t.Errorf("Unsubscribe() missed = %d, want 4", missed)
	}
}

func TestEmit_StampsTime(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	before := time.Now()
	b.Emit(SourceMQTT, KindConnected, map[string]any{"broker": "tcp://broker:1883"})

	e := recv(t, ch)
	if e.Timestamp.Before(before) || e.Timestamp.After(time.Now()) {
		t.Errorf("timestamp %v outside emit window", e.Timestamp)
	}
	if e.Source != SourceMQTT || e.Data["broker"] != "tcp://broker:1883" {
		t.Errorf("event = %+v", e)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	if b.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel still open after Unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", b.SubscriberCount())
	}

	// Second call is a no-op.
	if missed := b.Unsubscribe(ch); missed != 0 {
		t.Errorf("second Unsubscribe() = %d", missed)
	}

	// Publishing with no subscribers must not panic.
	b.Emit(SourceGateway, KindDisconnected, nil)
}

func TestConcurrentUse(t *testing.T) {
	b := New()
	var wg sync.WaitGroup

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				b.Emit(SourceNode, KindPosition, nil)
			}
		}()
	}
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				ch := b.Subscribe(2)
				b.Unsubscribe(ch)
			}
		}()
	}
	wg.Wait()

	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", n)
	}
}
