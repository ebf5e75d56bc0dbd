// Package broadcast fans out round lifecycle events to connected
// subscribers. Delivery is best effort: slow subscribers lose events and
// publisher failures never reach the caller.
package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/google/uuid"
)

type EventType string

const (
	EventTick            EventType = "tick"
	EventPoolsUpdated    EventType = "poolsUpdated"
	EventInstanceSettled EventType = "instanceSettled"
)

// Event is the envelope written to subscribers and to the relay channel.
type Event struct {
	Type    EventType       `json:"type"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent encodes payload into an envelope.
func NewEvent(typ EventType, at time.Time, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, At: at, Payload: raw}, nil
}

// Publisher accepts events for fan-out.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// InstanceClock is one track's position in a tick event.
type InstanceClock struct {
	InstanceID       uuid.UUID `json:"instance_id"`
	Duration         string    `json:"duration"`
	Status           string    `json:"status"`
	WindowStart      time.Time `json:"window_start"`
	WindowEnd        time.Time `json:"window_end"`
	FreezeAt         time.Time `json:"freeze_at"`
	RemainingSeconds int64     `json:"remaining_seconds"`
}

type TickPayload struct {
	ServerTime time.Time       `json:"server_time"`
	Instances  []InstanceClock `json:"instances"`
}

type PoolsPayload struct {
	Book       string            `json:"book"`
	InstanceID uuid.UUID         `json:"instance_id"`
	Duration   string            `json:"duration"`
	Pools      models.PoolTotals `json:"pools"`
}

type SettledPayload struct {
	Book       string                    `json:"book"`
	InstanceID uuid.UUID                 `json:"instance_id"`
	Duration   string                    `json:"duration"`
	Outcome    *models.Outcome           `json:"outcome,omitempty"`
	Summary    *models.SettlementSummary `json:"summary,omitempty"`
	Voided     bool                      `json:"voided"`
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
