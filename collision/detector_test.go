package collision

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/orbit-so/go-orbit/event"
	"github.com/orbit-so/go-orbit/service/geo"
	"github.com/orbit-so/go-orbit/service/persist"
	"github.com/orbit-so/go-orbit/service/position"
)

type fakePositions struct {
	mu      sync.Mutex
	last    map[persist.DBID]position.Position
	updates int
}

func newFakePositions() *fakePositions {
	return &fakePositions{last: map[persist.DBID]position.Position{}}
}

func (f *fakePositions) Update(ctx context.Context, userID persist.DBID, lat, lon float64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last[userID] = position.Position{Lat: lat, Lon: lon, At: at}
	f.updates++
	return nil
}

func (f *fakePositions) Last(ctx context.Context, userID persist.DBID) (position.Position, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.last[userID]
	return p, ok, nil
}

type fakeNearby struct {
	candidates []geo.Candidate
}

func (f *fakeNearby) QueryNearby(ctx context.Context, userID persist.DBID, lat, lon float64) ([]geo.Candidate, error) {
	return f.candidates, nil
}

type fakeCircles struct {
	circles []persist.Circle
}

func (f *fakeCircles) FindEffectiveByOwner(ctx context.Context, ownerID persist.DBID, at time.Time) ([]persist.Circle, error) {
	return f.circles, nil
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(e event.Event) {}

func newTestDetector(positions *fakePositions, circles *fakeCircles, at time.Time) *Detector {
	d := NewDetector(nil, positions, &fakeNearby{}, circles, nil, noopDispatcher{}, DetectorConfig{
		MinMovementMeters: 20,
		MinUpdateInterval: 3 * time.Second,
		ClockDriftMax:     30 * time.Second,
	})
	d.now = func() time.Time { return at }
	return d
}

func TestIngest_RejectsInvalidCoordinates(t *testing.T) {
	a := assert.New(t)
	now := time.Now()
	d := newTestDetector(newFakePositions(), &fakeCircles{}, now)

	_, err := d.Ingest(context.Background(), PositionUpdate{UserID: "u1", Lat: 91, Lon: 0, Timestamp: now})
	a.ErrorAs(err, &ErrInvalidCoordinates{})

	_, err = d.Ingest(context.Background(), PositionUpdate{UserID: "u1", Lat: 0, Lon: -181, Timestamp: now})
	a.ErrorAs(err, &ErrInvalidCoordinates{})
}

func TestIngest_RejectsClockDrift(t *testing.T) {
	a := assert.New(t)
	now := time.Now()
	d := newTestDetector(newFakePositions(), &fakeCircles{}, now)

	_, err := d.Ingest(context.Background(), PositionUpdate{UserID: "u1", Lat: 10, Lon: 10, Timestamp: now.Add(-31 * time.Second)})
	a.ErrorAs(err, &ErrClockDrift{})

	// A future timestamp drifts just the same.
	_, err = d.Ingest(context.Background(), PositionUpdate{UserID: "u1", Lat: 10, Lon: 10, Timestamp: now.Add(31 * time.Second)})
	a.ErrorAs(err, &ErrClockDrift{})

	// Drift at exactly the max is allowed.
	res, err := d.Ingest(context.Background(), PositionUpdate{UserID: "u1", Lat: 10, Lon: 10, Timestamp: now.Add(-30 * time.Second)})
	a.NoError(err)
	a.True(res.Accepted)
}

func TestIngest_FirstUpdateAlwaysAccepted(t *testing.T) {
	a := assert.New(t)
	now := time.Now()
	positions := newFakePositions()
	d := newTestDetector(positions, &fakeCircles{}, now)

	res, err := d.Ingest(context.Background(), PositionUpdate{UserID: "u1", Lat: 40.0, Lon: -73.0, Timestamp: now})
	a.NoError(err)
	a.True(res.Accepted)
	a.Equal(0, res.PairsObserved)
	a.Equal(1, positions.updates)
}

func TestIngest_ZeroTimestampFilledWithServerTime(t *testing.T) {
	a := assert.New(t)
	now := time.Now()
	positions := newFakePositions()
	d := newTestDetector(positions, &fakeCircles{}, now)

	res, err := d.Ingest(context.Background(), PositionUpdate{UserID: "u1", Lat: 40.0, Lon: -73.0})
	a.NoError(err)
	a.True(res.Accepted)
	a.Equal(now, positions.last["u1"].At)
}

func TestIngest_DebounceDropsOnlyWhenSoonAndClose(t *testing.T) {
	a := assert.New(t)
	base := time.Now()
	positions := newFakePositions()
	d := newTestDetector(positions, &fakeCircles{}, base)

	first := PositionUpdate{UserID: "u1", Lat: 40.0, Lon: -73.0, Timestamp: base}
	res, err := d.Ingest(context.Background(), first)
	a.NoError(err)
	a.True(res.Accepted)

	// Too soon and barely moved: dropped.
	d.now = func() time.Time { return base.Add(time.Second) }
	res, err = d.Ingest(context.Background(), PositionUpdate{UserID: "u1", Lat: 40.00001, Lon: -73.0, Timestamp: base.Add(time.Second)})
	a.NoError(err)
	a.False(res.Accepted)
	a.Equal(1, positions.updates)

	// Too soon but moved well past the movement floor: accepted.
	res, err = d.Ingest(context.Background(), PositionUpdate{UserID: "u1", Lat: 40.001, Lon: -73.0, Timestamp: base.Add(time.Second)})
	a.NoError(err)
	a.True(res.Accepted)

	// Barely moved but past the interval: accepted.
	d.now = func() time.Time { return base.Add(10 * time.Second) }
	res, err = d.Ingest(context.Background(), PositionUpdate{UserID: "u1", Lat: 40.001, Lon: -73.0, Timestamp: base.Add(10 * time.Second)})
	a.NoError(err)
	a.True(res.Accepted)
}
