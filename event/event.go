package event

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/orbit-so/go-orbit/service/logger"
	"github.com/orbit-so/go-orbit/service/persist"
)

// EventType identifies a pipeline lifecycle event
type EventType string

const (
	CollisionDetected EventType = "collision.detected"

	MissionStarted   EventType = "mission.started"
	MissionCompleted EventType = "mission.completed"
	MissionFailed    EventType = "mission.failed"

	ConversationStarted           EventType = "conversation.started"
	ConversationThinkingStarted   EventType = "conversation.thinking_started"
	ConversationTurnCompleted     EventType = "conversation.turn_completed"
	ConversationThinkingCompleted EventType = "conversation.thinking_completed"
	ConversationJudgeDecision     EventType = "conversation.judge_decision"
	ConversationCompleted         EventType = "conversation.completed"

	MatchCreated   EventType = "match.created"
	MatchActivated EventType = "match.activated"
)

// Event is a single pipeline lifecycle observation. Metadata is shallow and
// JSON-friendly; sinks must not mutate it.
type Event struct {
	Type          EventType      `json:"type"`
	UserID        persist.DBID   `json:"user_id,omitempty"`
	RelatedUserID persist.DBID   `json:"related_user_id,omitempty"`
	CircleID      persist.DBID   `json:"circle_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Sink consumes dispatched events. Handle must not block; slow deliveries
// belong on the sink's own goroutines.
type Sink interface {
	Handle(context.Context, Event)
}

// Dispatcher fans events out to its sinks from a single buffered channel.
// Dispatch never blocks the pipeline: when the buffer is full the event is
// counted and dropped.
type Dispatcher struct {
	sinks   []Sink
	events  chan Event
	dropped int64
}

func NewDispatcher(buffer int, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:  sinks,
		events: make(chan Event, buffer),
	}
}

// Dispatch enqueues an event for delivery, stamping the time if unset
func (d *Dispatcher) Dispatch(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	select {
	case d.events <- e:
	default:
		atomic.AddInt64(&d.dropped, 1)
	}
}

// Dropped returns the number of events discarded because the buffer was full
func (d *Dispatcher) Dropped() int64 {
	return atomic.LoadInt64(&d.dropped)
}

// Run delivers events to every sink until the context is cancelled. A
// panicking sink loses that one event and the loop keeps going.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-d.events:
			for _, sink := range d.sinks {
				d.deliver(ctx, sink, e)
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sink Sink, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.For(ctx).Errorf("event sink panicked on %s: %v", e.Type, r)
		}
	}()
	sink.Handle(ctx, e)
}
