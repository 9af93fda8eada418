package collision

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/orbit-so/go-orbit/event"
	"github.com/orbit-so/go-orbit/service/geo"
	"github.com/orbit-so/go-orbit/service/logger"
	"github.com/orbit-so/go-orbit/service/persist"
	"github.com/orbit-so/go-orbit/service/position"
	"github.com/orbit-so/go-orbit/validate"
)

// ErrInvalidCoordinates is returned for positions outside WGS84 bounds
type ErrInvalidCoordinates struct {
	Lat float64
	Lon float64
}

func (e ErrInvalidCoordinates) Error() string {
	return fmt.Sprintf("invalid coordinates: lat=%f lon=%f", e.Lat, e.Lon)
}

// ErrClockDrift is returned when an update's timestamp is too far from server time
type ErrClockDrift struct {
	Timestamp time.Time
	Drift     time.Duration
}

func (e ErrClockDrift) Error() string {
	return fmt.Sprintf("update timestamp %s drifts %s from server time", e.Timestamp.Format(time.RFC3339), e.Drift)
}

// PositionUpdate is a raw position report from a user's device
type PositionUpdate struct {
	UserID    persist.DBID `json:"user_id" binding:"required"`
	Lat       float64      `json:"lat"`
	Lon       float64      `json:"lon"`
	Timestamp time.Time    `json:"timestamp"`
}

// IngestResult reports what an update did
type IngestResult struct {
	Accepted      bool `json:"accepted"`
	PairsObserved int  `json:"pairs_observed"`
}

type positionStore interface {
	Update(ctx context.Context, userID persist.DBID, lat, lon float64, at time.Time) error
	Last(ctx context.Context, userID persist.DBID) (position.Position, bool, error)
}

type nearbyQuerier interface {
	QueryNearby(ctx context.Context, userID persist.DBID, lat, lon float64) ([]geo.Candidate, error)
}

type circleResolver interface {
	FindEffectiveByOwner(ctx context.Context, ownerID persist.DBID, at time.Time) ([]persist.Circle, error)
}

type eventDispatcher interface {
	Dispatch(event.Event)
}

// DetectorConfig carries the ingest tunables
type DetectorConfig struct {
	MinMovementMeters float64
	MinUpdateInterval time.Duration
	ClockDriftMax     time.Duration
	FanOut            int
}

// Detector turns position updates into observed collision pairs
type Detector struct {
	state      *StateStore
	positions  positionStore
	index      nearbyQuerier
	circles    circleResolver
	collisions persist.CollisionEventRepository
	events     eventDispatcher
	cfg        DetectorConfig

	now func() time.Time
}

func NewDetector(state *StateStore, positions positionStore, index nearbyQuerier, circles circleResolver, collisions persist.CollisionEventRepository, events eventDispatcher, cfg DetectorConfig) *Detector {
	if cfg.FanOut <= 0 {
		cfg.FanOut = 8
	}
	return &Detector{
		state:      state,
		positions:  positions,
		index:      index,
		circles:    circles,
		collisions: collisions,
		events:     events,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Ingest validates, debounces, and records a position update, then observes
// every circle the user's new position falls into. Per-pair bookkeeping is
// best effort: one failing pair never blocks the others.
func (d *Detector) Ingest(ctx context.Context, update PositionUpdate) (IngestResult, error) {
	if !validate.ValidCoordinates(update.Lat, update.Lon) {
		return IngestResult{}, ErrInvalidCoordinates{Lat: update.Lat, Lon: update.Lon}
	}

	now := d.now()
	if update.Timestamp.IsZero() {
		update.Timestamp = now
	}
	if drift := absDuration(now.Sub(update.Timestamp)); drift > d.cfg.ClockDriftMax {
		return IngestResult{}, ErrClockDrift{Timestamp: update.Timestamp, Drift: drift}
	}

	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"userID": update.UserID})

	accepted, err := d.debounce(ctx, update)
	if err != nil {
		return IngestResult{}, err
	}
	if !accepted {
		return IngestResult{Accepted: false}, nil
	}

	if err := d.positions.Update(ctx, update.UserID, update.Lat, update.Lon, update.Timestamp); err != nil {
		return IngestResult{}, err
	}

	// A visitor with no effective circle can never complete a mission, so her
	// movement does not create pairs.
	visitorCircle, ok, err := d.resolveVisitorCircle(ctx, update.UserID, now)
	if err != nil {
		return IngestResult{}, err
	}
	if !ok {
		return IngestResult{Accepted: true}, nil
	}

	candidates, err := d.index.QueryNearby(ctx, update.UserID, update.Lat, update.Lon)
	if err != nil {
		return IngestResult{}, err
	}

	var observed int64
	p := pool.New().WithMaxGoroutines(d.cfg.FanOut)
	for _, candidate := range candidates {
		candidate := candidate
		p.Go(func() {
			if err := d.observePair(ctx, update.UserID, visitorCircle, candidate, now); err != nil {
				logger.For(ctx).WithError(err).Errorf("failed to observe pair with circle %s", candidate.CircleID)
				return
			}
			atomic.AddInt64(&observed, 1)
		})
	}
	p.Wait()

	return IngestResult{Accepted: true, PairsObserved: int(atomic.LoadInt64(&observed))}, nil
}

// debounce drops an update only when it is both too soon and too close to the
// last accepted one. The first update from a user is always accepted.
func (d *Detector) debounce(ctx context.Context, update PositionUpdate) (bool, error) {
	last, ok, err := d.positions.Last(ctx, update.UserID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}

	tooSoon := update.Timestamp.Sub(last.At) < d.cfg.MinUpdateInterval
	tooClose := geo.Distance(
		geo.PointFromLatLon(update.Lat, update.Lon),
		geo.PointFromLatLon(last.Lat, last.Lon),
	) < d.cfg.MinMovementMeters

	return !(tooSoon && tooClose), nil
}

// resolveVisitorCircle picks the user's most recently created effective circle
func (d *Detector) resolveVisitorCircle(ctx context.Context, userID persist.DBID, now time.Time) (persist.Circle, bool, error) {
	circles, err := d.circles.FindEffectiveByOwner(ctx, userID, now)
	if err != nil {
		return persist.Circle{}, false, err
	}
	if len(circles) == 0 {
		return persist.Circle{}, false, nil
	}
	return circles[0], true, nil
}

func (d *Detector) observePair(ctx context.Context, visitorID persist.DBID, visitorCircle persist.Circle, candidate geo.Candidate, now time.Time) error {
	pairKey := persist.NewPairKey(candidate.CircleID, visitorCircle.ID)

	rec, isNew, err := d.state.UpsertPair(ctx, PairRecord{
		PairKey:         pairKey,
		OwnerCircleID:   candidate.CircleID,
		VisitorCircleID: visitorCircle.ID,
		OwnerUserID:     candidate.OwnerUserID,
		VisitorUserID:   visitorID,
		DistanceMeters:  candidate.DistanceMeters,
		FirstSeen:       now,
		LastSeen:        now,
	})
	if err != nil {
		return err
	}

	if _, err := d.collisions.Upsert(ctx, persist.CollisionEvent{
		PairKey:        pairKey,
		CircleOneID:    candidate.CircleID,
		CircleTwoID:    visitorCircle.ID,
		UserOneID:      candidate.OwnerUserID,
		UserTwoID:      visitorID,
		DistanceMeters: candidate.DistanceMeters,
		Status:         persist.CollisionStatusDetecting,
		FirstSeenAt:    rec.FirstSeen,
		LastSeenAt:     now,
	}); err != nil {
		return err
	}

	if err := d.state.EnqueueStability(ctx, pairKey, rec.FirstSeen); err != nil {
		return err
	}

	if isNew {
		d.events.Dispatch(event.Event{
			Type:          event.CollisionDetected,
			UserID:        candidate.OwnerUserID,
			RelatedUserID: visitorID,
			CircleID:      candidate.CircleID,
			Metadata: map[string]any{
				"pairKey":        pairKey.String(),
				"distanceMeters": candidate.DistanceMeters,
			},
		})
	}
	return nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
