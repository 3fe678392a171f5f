package opscope

import (
	"encoding/json"
	"log"
	"sync"
)

const EVENT_STATUS_CHANGED string = "connection.statusChanged"
const EVENT_SESSION_DATA string = "session.data"
const EVENT_SESSION_EXITED string = "session.exited"
const EVENT_ANALYSIS_RESULT string = "analysis.result"

/*
Events are the push half of the UI boundary.
They announce connection status transitions, raw
session output, session termination, and analysis
results to every subscribed client.
*/
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	TargetID  string          `json:"target_id,omitempty"`
	Data      []byte          `json:"data,omitempty"`
	Status    *StatusSnapshot `json:"status,omitempty"`
	Analysis  *AnalysisResult `json:"analysis,omitempty"`
}

func (event *Event) ToJSON() string {
	data, err := json.Marshal(*event)
	if err != nil {
		data = []byte("")
	}
	return string(data)
}

type EventHandlerFunc func(Event)

type eventSubscriber struct {
	id      uint64
	types   map[string]bool
	handler EventHandlerFunc
}

// EventHub fans events out to subscribers. Handlers for
// a single session's data events are invoked in publish
// order on the publisher's goroutine so that viewers,
// the command tracker, and the analyzer all observe the
// same byte order.
type EventHub struct {
	mutex       sync.Mutex
	subscribers []*eventSubscriber
	nextID      uint64
	log         *log.Logger
}

func NewEventHub(logger *log.Logger) *EventHub {
	if logger == nil {
		logger = log.Default()
	}
	return &EventHub{log: logger}
}

// Subscribe registers a handler for the given event types.
// An empty type list subscribes to everything. The returned
// id cancels the subscription via Unsubscribe.
func (hub *EventHub) Subscribe(handler EventHandlerFunc, types ...string) uint64 {
	sub := &eventSubscriber{handler: handler}
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, eventType := range types {
			sub.types[eventType] = true
		}
	}
	hub.mutex.Lock()
	hub.nextID += 1
	sub.id = hub.nextID
	hub.subscribers = append(hub.subscribers, sub)
	hub.mutex.Unlock()
	return sub.id
}

func (hub *EventHub) Unsubscribe(id uint64) {
	hub.mutex.Lock()
	for index, sub := range hub.subscribers {
		if sub.id == id {
			hub.subscribers = append(hub.subscribers[:index], hub.subscribers[index+1:]...)
			break
		}
	}
	hub.mutex.Unlock()
}

// Publish delivers the event synchronously to every matching
// subscriber. A handler that needs to do slow work must hand
// the event off itself; the hub never reorders deliveries.
func (hub *EventHub) Publish(event Event) {
	hub.mutex.Lock()
	subs := make([]*eventSubscriber, len(hub.subscribers))
	copy(subs, hub.subscribers)
	hub.mutex.Unlock()

	for _, sub := range subs {
		if sub.types != nil && !sub.types[event.Type] {
			continue
		}
		sub.handler(event)
	}
}

func (hub *EventHub) SubscriberCount() int {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	return len(hub.subscribers)
}
