package server

import (
	"context"

	"tradeguard/internal/degradation"
	"tradeguard/pkg/liveserver"
)

// Broadcaster is satisfied by *liveserver.Hub
type Broadcaster interface {
	Broadcast(msg liveserver.Message)
}

// EventStream relays every bus event to stream subscribers
type EventStream struct {
	hub  Broadcaster
	mode ModeSource
}

// NewEventStream wires hub to the bus. mode may be nil.
func NewEventStream(hub Broadcaster, mode ModeSource) *EventStream {
	return &EventStream{hub: hub, mode: mode}
}

// HandleEvent is a degradation.EventHandler
func (s *EventStream) HandleEvent(ctx context.Context, e degradation.SystemEvent) {
	s.hub.Broadcast(liveserver.NewMessage(liveserver.TypeEvent, e))
}

// Hello greets new subscribers with the current mode
func (s *EventStream) Hello() liveserver.Message {
	if s.mode == nil {
		return liveserver.NewMessage(liveserver.TypeHello, nil)
	}
	return liveserver.NewMessage(liveserver.TypeHello, s.mode.Current())
}
