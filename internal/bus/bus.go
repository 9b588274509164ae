// Package bus provides topic-based event dispatch connecting the engine,
// the compensator, and the step handlers. Two backends implement the same
// contract: an in-process bus and a Redis-backed distributed bus.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the unit of dispatch. Data is a JSON-shaped payload; its shape
// per topic is fixed by the payload types in this package.
type Event struct {
	ID        string         `json:"id"`
	Topic     string         `json:"topic"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent creates an event with a fresh ID and the current timestamp.
func NewEvent(topic string, data map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// Handler processes events delivered for a subscribed topic.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle calls the function.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Bus publishes events to topic subscribers. Delivery is at-least-once;
// within one workflow the engine emits one event at a time, which keeps
// per-workflow processing serial enough for the persistence guards.
type Bus interface {
	Emit(ctx context.Context, event Event) error
	Subscribe(topic string, handler Handler)
}

// Payload converts a payload struct into the map form carried by an Event.
func Payload(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return map[string]any{}
	}
	return data
}

// DecodePayload unmarshals an event's data into a payload struct.
func DecodePayload(event Event, v any) error {
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("encoding event data: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", event.Topic, err)
	}
	return nil
}
