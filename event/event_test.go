package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Handle(ctx context.Context, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type panickingSink struct{}

func (panickingSink) Handle(ctx context.Context, e Event) {
	panic("sink exploded")
}

func TestDispatcherFansOut(t *testing.T) {
	a := assert.New(t)

	one := &recordingSink{}
	two := &recordingSink{}
	d := NewDispatcher(16, one, two)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Dispatch(Event{Type: CollisionDetected, UserID: "u1"})
	d.Dispatch(Event{Type: MissionStarted, UserID: "u1"})

	a.Eventually(func() bool {
		return one.count() == 2 && two.count() == 2
	}, time.Second, 10*time.Millisecond)

	one.mu.Lock()
	defer one.mu.Unlock()
	a.Equal(CollisionDetected, one.events[0].Type)
	a.False(one.events[0].Timestamp.IsZero(), "dispatch stamps the time")
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	a := assert.New(t)

	// No Run loop draining, so the buffer fills.
	d := NewDispatcher(2, &recordingSink{})

	for i := 0; i < 5; i++ {
		d.Dispatch(Event{Type: CollisionDetected})
	}

	a.Equal(int64(3), d.Dropped())
}

func TestDispatcherSurvivesPanickingSink(t *testing.T) {
	a := assert.New(t)

	healthy := &recordingSink{}
	d := NewDispatcher(16, panickingSink{}, healthy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Dispatch(Event{Type: MatchCreated})
	d.Dispatch(Event{Type: MatchActivated})

	a.Eventually(func() bool { return healthy.count() == 2 }, time.Second, 10*time.Millisecond)
}
