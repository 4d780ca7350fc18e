package events

import (
	"sync"
	"testing"
	"time"
)

func TestHub_PublishSubscribe(t *testing.T) {
	hub := NewHub()

	// Subscribe to specific event type
	ch := hub.Subscribe(10, EventRuleLog)

	// Publish event
	hub.Publish(Event{
		Type:   EventRuleLog,
		Source: "test",
		Data:   RuleLogData{Index: 3, Chain: "inbound", DstPort: 22},
	})

	// Should receive
	select {
	case e := <-ch:
		if e.Type != EventRuleLog {
			t.Errorf("expected EventRuleLog, got %s", e.Type)
		}
		if e.Timestamp.IsZero() {
			t.Error("expected timestamp to be filled in")
		}
		data, ok := e.Data.(RuleLogData)
		if !ok {
			t.Fatal("expected RuleLogData")
		}
		if data.Index != 3 || data.DstPort != 22 {
			t.Errorf("unexpected payload %+v", data)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for event")
	}
}

func TestHub_GlobalSubscription(t *testing.T) {
	hub := NewHub()

	// Global subscription (no types specified)
	ch := hub.Subscribe(10)

	// Publish different event types
	hub.Publish(Event{Type: EventRuleLog, Source: "test"})
	hub.Publish(Event{Type: EventFlowNew, Source: "test"})
	hub.Publish(Event{Type: EventRulesetLoaded, Source: "test"})

	// Should receive all 3
	received := 0
	for i := 0; i < 3; i++ {
		select {
		case <-ch:
			received++
		case <-time.After(100 * time.Millisecond):
			break
		}
	}

	if received != 3 {
		t.Errorf("expected 3 events, got %d", received)
	}
}

func TestHub_TypeFiltering(t *testing.T) {
	hub := NewHub()

	// Subscribe only to flow events
	ch := hub.Subscribe(10, EventFlowNew, EventFlowExpired)

	// Publish various types
	hub.Publish(Event{Type: EventRuleLog, Source: "test"})
	hub.Publish(Event{Type: EventFlowNew, Source: "test"})
	hub.Publish(Event{Type: EventRulesetLoaded, Source: "test"})
	hub.Publish(Event{Type: EventFlowExpired, Source: "test"})

	// Should only receive 2 flow events
	received := 0
	for {
		select {
		case <-ch:
			received++
		case <-time.After(50 * time.Millisecond):
			goto done
		}
	}
done:

	if received != 2 {
		t.Errorf("expected 2 flow events, got %d", received)
	}
}

func TestHub_NonBlocking(t *testing.T) {
	hub := NewHub()

	// Subscribe with buffer of 1
	ch := hub.Subscribe(1, EventRuleLog)
	_ = ch // Consume to avoid unused error

	// Publish more events than buffer
	for i := 0; i < 10; i++ {
		hub.Publish(Event{Type: EventRuleLog, Source: "test"})
	}

	// Should not block - just drop overflows
	published, dropped := hub.Stats()
	if published != 10 {
		t.Errorf("expected 10 published, got %d", published)
	}
	if dropped < 9 {
		t.Errorf("expected at least 9 dropped, got %d", dropped)
	}
}

func TestHub_Concurrent(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(1000, EventRuleLog)

	var wg sync.WaitGroup
	const numPublishers = 10
	const eventsPerPublisher = 100

	// Concurrent publishers
	for i := 0; i < numPublishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerPublisher; j++ {
				hub.Publish(Event{Type: EventRuleLog, Source: "test"})
			}
		}()
	}

	wg.Wait()

	// Drain channel
	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			goto done
		}
	}
done:

	if received < numPublishers*eventsPerPublisher/2 {
		t.Errorf("expected at least %d events, got %d", numPublishers*eventsPerPublisher/2, received)
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(10, EventRuleLog)
	all := hub.Subscribe(10)

	hub.Unsubscribe(ch)
	hub.Unsubscribe(all)
	hub.Publish(Event{Type: EventRuleLog, Source: "test"})

	if len(ch) != 0 || len(all) != 0 {
		t.Error("unsubscribed channels should not receive events")
	}
	if published, _ := hub.Stats(); published != 1 {
		t.Errorf("expected 1 published, got %d", published)
	}
}

func TestHub_Nil(t *testing.T) {
	var hub *Hub
	hub.Publish(Event{Type: EventRuleLog})
	if published, dropped := hub.Stats(); published != 0 || dropped != 0 {
		t.Error("nil hub should report zero stats")
	}
}
