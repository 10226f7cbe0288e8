package trader

import (
	"sync/atomic"
	"time"

	"trade-connector/internal/models"
)

// Observer receives trader events. Implementations must not block: they are
// called from the trading loop.
type Observer interface {
	OnSignal(symbol string, signal models.Signal, confidence float64)
	OnTrade(symbol string, signal models.Signal, ticket int64, volume float64)
	OnClose(ticket int64, profit float64)
	OnError(message string)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) OnSignal(string, models.Signal, float64)       {}
func (NopObserver) OnTrade(string, models.Signal, int64, float64) {}
func (NopObserver) OnClose(int64, float64)                        {}
func (NopObserver) OnError(string)                                {}

// EventType identifies the kind of Event.
type EventType string

const (
	EventSignal EventType = "signal"
	EventTrade  EventType = "trade"
	EventClose  EventType = "close"
	EventError  EventType = "error"
)

// Event is the channel form of an observer callback.
type Event struct {
	Type       EventType     `json:"type"`
	Symbol     string        `json:"symbol,omitempty"`
	Signal     models.Signal `json:"signal,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Ticket     int64         `json:"ticket,omitempty"`
	Volume     float64       `json:"volume,omitempty"`
	Profit     float64       `json:"profit,omitempty"`
	Message    string        `json:"message,omitempty"`
	Time       time.Time     `json:"time"`
}

// ChannelObserver publishes events on a buffered channel. When the buffer is
// full the event is dropped and counted.
type ChannelObserver struct {
	events  chan Event
	dropped atomic.Int64
}

// NewChannelObserver creates a ChannelObserver with the given buffer size.
func NewChannelObserver(buffer int) *ChannelObserver {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelObserver{events: make(chan Event, buffer)}
}

// Events returns the receive side of the event channel.
func (o *ChannelObserver) Events() <-chan Event {
	return o.events
}

// Dropped returns how many events were discarded on a full buffer.
func (o *ChannelObserver) Dropped() int64 {
	return o.dropped.Load()
}

func (o *ChannelObserver) publish(e Event) {
	e.Time = time.Now()
	select {
	case o.events <- e:
	default:
		o.dropped.Add(1)
	}
}

func (o *ChannelObserver) OnSignal(symbol string, signal models.Signal, confidence float64) {
	o.publish(Event{Type: EventSignal, Symbol: symbol, Signal: signal, Confidence: confidence})
}

func (o *ChannelObserver) OnTrade(symbol string, signal models.Signal, ticket int64, volume float64) {
	o.publish(Event{Type: EventTrade, Symbol: symbol, Signal: signal, Ticket: ticket, Volume: volume})
}

func (o *ChannelObserver) OnClose(ticket int64, profit float64) {
	o.publish(Event{Type: EventClose, Ticket: ticket, Profit: profit})
}

func (o *ChannelObserver) OnError(message string) {
	o.publish(Event{Type: EventError, Message: message})
}

// MultiObserver fans events out to several observers in order.
type MultiObserver []Observer

func (m MultiObserver) OnSignal(symbol string, signal models.Signal, confidence float64) {
	for _, o := range m {
		o.OnSignal(symbol, signal, confidence)
	}
}

func (m MultiObserver) OnTrade(symbol string, signal models.Signal, ticket int64, volume float64) {
	for _, o := range m {
		o.OnTrade(symbol, signal, ticket, volume)
	}
}

func (m MultiObserver) OnClose(ticket int64, profit float64) {
	for _, o := range m {
		o.OnClose(ticket, profit)
	}
}

func (m MultiObserver) OnError(message string) {
	for _, o := range m {
		o.OnError(message)
	}
}
