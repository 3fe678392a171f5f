package opscope

import (
	"testing"
	"strings"
)

func TestHubSubscribeFiltersTypes(t *testing.T) {
	hub := NewEventHub(nil)
	var seen []string
	hub.Subscribe(func(event Event) {
		seen = append(seen, event.Type)
	}, EVENT_SESSION_DATA)

	hub.Publish(Event{Type: EVENT_SESSION_DATA, SessionID: "s1"})
	hub.Publish(Event{Type: EVENT_STATUS_CHANGED})

	if len(seen) != 1 || seen[0] != EVENT_SESSION_DATA {
		t.Fatalf(`filtered subscriber saw wrong events. Wanted [session.data]; got: %v`, seen)
	}
}

func TestHubSubscribeAllTypes(t *testing.T) {
	hub := NewEventHub(nil)
	count := 0
	hub.Subscribe(func(event Event) { count += 1 })

	hub.Publish(Event{Type: EVENT_SESSION_DATA})
	hub.Publish(Event{Type: EVENT_SESSION_EXITED})
	hub.Publish(Event{Type: EVENT_ANALYSIS_RESULT})

	if count != 3 {
		t.Fatalf(`unfiltered subscriber saw wrong event count. Wanted 3; got: %v`, count)
	}
}

func TestHubPublishPreservesOrder(t *testing.T) {
	hub := NewEventHub(nil)
	var order []string
	hub.Subscribe(func(event Event) {
		order = append(order, string(event.Data))
	}, EVENT_SESSION_DATA)

	for _, chunk := range []string{"a", "b", "c"} {
		hub.Publish(Event{Type: EVENT_SESSION_DATA, Data: []byte(chunk)})
	}

	if strings.Join(order, "") != "abc" {
		t.Fatalf(`Publish reordered deliveries. Wanted "abc"; got: %v`, strings.Join(order, ""))
	}
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewEventHub(nil)
	count := 0
	id := hub.Subscribe(func(event Event) { count += 1 })

	hub.Publish(Event{Type: EVENT_SESSION_DATA})
	hub.Unsubscribe(id)
	hub.Publish(Event{Type: EVENT_SESSION_DATA})

	if count != 1 {
		t.Fatalf(`Unsubscribe did not stop deliveries. Wanted 1; got: %v`, count)
	}
	if hub.SubscriberCount() != 0 {
		t.Errorf(`SubscriberCount was wrong after Unsubscribe. Wanted 0; got: %v`, hub.SubscriberCount())
	}
}

func TestEventToJSON(t *testing.T) {
	event := Event{Type: EVENT_SESSION_EXITED, SessionID: "s1"}
	encoded := event.ToJSON()
	if !strings.Contains(encoded, `"type":"session.exited"`) {
		t.Errorf(`ToJSON was missing the type field; got: %v`, encoded)
	}
	if !strings.Contains(encoded, `"session_id":"s1"`) {
		t.Errorf(`ToJSON was missing the session id; got: %v`, encoded)
	}
}
