package mission

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orbit-so/go-orbit/collision"
	"github.com/orbit-so/go-orbit/event"
	"github.com/orbit-so/go-orbit/service/logger"
	"github.com/orbit-so/go-orbit/service/persist"
	"github.com/orbit-so/go-orbit/service/throttle"
	"github.com/orbit-so/go-orbit/util"
)

type pairState interface {
	AcquireInFlight(ctx context.Context, key persist.PairKey) error
	ReleaseInFlight(ctx context.Context, key persist.PairKey) error
	ActiveCooldown(ctx context.Context, userPair persist.PairKey) (collision.CooldownKind, bool, error)
	SetCooldown(ctx context.Context, userPair persist.PairKey, kind collision.CooldownKind) error
	SetPairStatus(ctx context.Context, key persist.PairKey, status persist.CollisionStatus) error
}

type eventDispatcher interface {
	Dispatch(event.Event)
}

type retryBudget interface {
	ForKey(ctx context.Context, key string) (bool, time.Duration, error)
}

// OrchestratorConfig carries the mission creation tunables
type OrchestratorConfig struct {
	MaxAttempts    int
	QueueHighwater int64
	WorthItScore   float64
}

// Orchestrator decides when a stable collision becomes a mission and applies
// the terminal bookkeeping when a runner reports a result. The pair's
// in-flight lock is taken here and held for the whole mission lifetime,
// including retries; it is only released on a terminal outcome.
type Orchestrator struct {
	state        pairState
	missions     persist.MissionRepository
	matches      persist.MatchRepository
	collisions   persist.CollisionEventRepository
	users        persist.UserRepository
	circles      persist.CircleRepository
	queue        Queue
	retryLimiter retryBudget
	events       eventDispatcher
	cfg          OrchestratorConfig

	now func() time.Time
}

func NewOrchestrator(state pairState, missions persist.MissionRepository, matches persist.MatchRepository, collisions persist.CollisionEventRepository, users persist.UserRepository, circles persist.CircleRepository, queue Queue, retryLimiter retryBudget, events eventDispatcher, cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		state:        state,
		missions:     missions,
		matches:      matches,
		collisions:   collisions,
		users:        users,
		circles:      circles,
		queue:        queue,
		retryLimiter: retryLimiter,
		events:       events,
		cfg:          cfg,
		now:          time.Now,
	}
}

// CreateMissionForCollision turns a stable pair into a pending mission. It is
// a no-op when another mission for the pair is already in flight, when the
// user pair is on cooldown, or when either circle stopped being effective.
func (o *Orchestrator) CreateMissionForCollision(ctx context.Context, rec collision.PairRecord) error {
	if err := o.state.AcquireInFlight(ctx, rec.PairKey); err != nil {
		if util.ErrorAs[throttle.ErrThrottleLocked](err) {
			return nil
		}
		return err
	}

	created, err := o.createUnderLock(ctx, rec)
	if err != nil || !created {
		// Terminal lock ownership belongs to the mission once one exists.
		if relErr := o.state.ReleaseInFlight(ctx, rec.PairKey); relErr != nil {
			logger.For(ctx).WithError(relErr).Errorf("failed to release in-flight lock for pair %s", rec.PairKey)
		}
	}
	return err
}

func (o *Orchestrator) createUnderLock(ctx context.Context, rec collision.PairRecord) (bool, error) {
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"pairKey": rec.PairKey})

	userPair := persist.UserPairKey(rec.OwnerUserID, rec.VisitorUserID)
	kind, onCooldown, err := o.state.ActiveCooldown(ctx, userPair)
	if err != nil {
		return false, err
	}

	ev, err := o.collisions.GetByPairKey(ctx, rec.PairKey)
	if err != nil {
		return false, err
	}

	if onCooldown {
		logger.For(ctx).Infof("skipping mission: user pair on %s cooldown", kind)
		// A terminal event keeps its status; a matched row must never regress
		// to cooldown just because the pair is still being observed.
		if !ev.Status.Terminal() {
			if err := o.markCollision(ctx, ev.ID, rec.PairKey, persist.CollisionStatusCooldown); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	// A non-terminal mission already exists for this collision; the queue or
	// the janitor will move it along.
	if ev.MissionID != "" {
		existing, err := o.missions.GetByID(ctx, ev.MissionID)
		if err == nil && !existing.Status.Terminal() {
			return false, nil
		}
		if err != nil && !util.ErrorAs[persist.ErrMissionNotFound](err) {
			return false, err
		}
	}

	// Both circles must still be effective at creation time; stability alone
	// is not enough after a pause or expiry.
	now := o.now()
	ownerCircle, err := o.circles.GetByID(ctx, rec.OwnerCircleID)
	if err != nil {
		return false, err
	}
	visitorCircle, err := o.circles.GetByID(ctx, rec.VisitorCircleID)
	if err != nil {
		return false, err
	}
	if !ownerCircle.EffectiveAt(now) || !visitorCircle.EffectiveAt(now) {
		logger.For(ctx).Info("skipping mission: circle no longer effective")
		return false, nil
	}

	pending, err := o.queue.Pending(ctx)
	if err != nil {
		logger.For(ctx).WithError(err).Error("failed to read mission queue depth")
	}
	backpressured := o.cfg.QueueHighwater > 0 && pending > o.cfg.QueueHighwater

	mission, err := o.missions.Create(ctx, persist.Mission{
		OwnerUserID:      rec.OwnerUserID,
		VisitorUserID:    rec.VisitorUserID,
		OwnerCircleID:    rec.OwnerCircleID,
		VisitorCircleID:  rec.VisitorCircleID,
		CollisionEventID: ev.ID,
		Backpressured:    backpressured,
	})
	if err != nil {
		return false, err
	}

	if err := o.collisions.SetMission(ctx, ev.ID, mission.ID); err != nil {
		logger.For(ctx).WithError(err).Error("failed to link mission to collision event")
	}
	if err := o.markCollision(ctx, ev.ID, rec.PairKey, persist.CollisionStatusMissionCreated); err != nil {
		return false, err
	}

	if err := o.enqueue(ctx, mission, ev.DistanceMeters); err != nil {
		// The pending row survives; the janitor re-enqueues orphans.
		logger.For(ctx).WithError(err).Errorf("failed to enqueue mission %s", mission.ID)
	}

	o.events.Dispatch(event.Event{
		Type:          event.MissionStarted,
		UserID:        rec.OwnerUserID,
		RelatedUserID: rec.VisitorUserID,
		CircleID:      rec.OwnerCircleID,
		Metadata:      map[string]any{"missionID": mission.ID.String(), "backpressured": backpressured},
	})
	return true, nil
}

// HandleMissionResult applies the terminal bookkeeping for a runner's report:
// retry, failure with cooldown, or completion with an optional match.
func (o *Orchestrator) HandleMissionResult(ctx context.Context, mission persist.Mission, res Result) error {
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"missionID": mission.ID, "pairKey": mission.PairKey()})

	if !res.Success {
		return o.handleFailure(ctx, mission, res)
	}
	if !res.MatchMade {
		return o.finish(ctx, mission, res, collision.CooldownNotified, persist.CollisionStatusCooldown)
	}
	return o.handleMatch(ctx, mission, res)
}

func (o *Orchestrator) handleFailure(ctx context.Context, mission persist.Mission, res Result) error {
	if mission.AttemptNumber < o.cfg.MaxAttempts {
		canRetry, _, err := o.retryLimiter.ForKey(ctx, mission.PairKey().String())
		if err != nil {
			logger.For(ctx).WithError(err).Error("retry limiter failed; not retrying")
		}
		if canRetry {
			retried, err := o.missions.ResetForRetry(ctx, mission.ID, res.Transcript, res.FailureReason)
			if err != nil {
				return err
			}
			ev, err := o.collisions.GetByID(ctx, mission.CollisionEventID)
			if err != nil {
				return err
			}
			// The in-flight lock stays held across the retry.
			if err := o.enqueue(ctx, retried, ev.DistanceMeters); err != nil {
				return err
			}
			logger.For(ctx).Infof("mission retrying, attempt %d", retried.AttemptNumber)
			return nil
		}
	}

	if _, err := o.missions.Fail(ctx, mission.ID, res.Transcript, res.FailureReason, o.now()); err != nil {
		return err
	}
	if err := o.settlePair(ctx, mission, collision.CooldownNotified, persist.CollisionStatusCooldown); err != nil {
		return err
	}

	o.events.Dispatch(event.Event{
		Type:          event.MissionFailed,
		UserID:        mission.OwnerUserID,
		RelatedUserID: mission.VisitorUserID,
		CircleID:      mission.OwnerCircleID,
		Metadata:      map[string]any{"missionID": mission.ID.String(), "reason": res.FailureReason},
	})
	return nil
}

// finish completes a mission whose interview decided against a match
func (o *Orchestrator) finish(ctx context.Context, mission persist.Mission, res Result, cooldown collision.CooldownKind, status persist.CollisionStatus) error {
	if _, err := o.missions.Complete(ctx, mission.ID, res.Transcript, res.JudgeDecision, o.now()); err != nil {
		return err
	}
	if err := o.settlePair(ctx, mission, cooldown, status); err != nil {
		return err
	}

	o.events.Dispatch(event.Event{
		Type:          event.MissionCompleted,
		UserID:        mission.OwnerUserID,
		RelatedUserID: mission.VisitorUserID,
		CircleID:      mission.OwnerCircleID,
		Metadata:      map[string]any{"missionID": mission.ID.String(), "matchMade": false},
	})
	return nil
}

func (o *Orchestrator) handleMatch(ctx context.Context, mission persist.Mission, res Result) error {
	if _, err := o.missions.Complete(ctx, mission.ID, res.Transcript, res.JudgeDecision, o.now()); err != nil {
		return err
	}

	resolution, err := o.matches.ResolveDirectional(ctx, persist.Match{
		PrimaryUserID:     mission.OwnerUserID,
		SecondaryUserID:   mission.VisitorUserID,
		PrimaryCircleID:   mission.OwnerCircleID,
		SecondaryCircleID: mission.VisitorCircleID,
		MatchType:         persist.MatchTypeMatch,
		WorthItScore:      o.cfg.WorthItScore,
		CollisionEventID:  mission.CollisionEventID,
	})
	if err != nil {
		return err
	}

	if err := o.collisions.SetMatch(ctx, mission.CollisionEventID, resolution.Match.ID); err != nil {
		logger.For(ctx).WithError(err).Error("failed to link match to collision event")
	}
	if err := o.settlePair(ctx, mission, collision.CooldownMatched, persist.CollisionStatusMatched); err != nil {
		return err
	}

	o.events.Dispatch(event.Event{
		Type:          event.MissionCompleted,
		UserID:        mission.OwnerUserID,
		RelatedUserID: mission.VisitorUserID,
		CircleID:      mission.OwnerCircleID,
		Metadata:      map[string]any{"missionID": mission.ID.String(), "matchMade": true},
	})
	o.events.Dispatch(event.Event{
		Type:          event.MatchCreated,
		UserID:        mission.OwnerUserID,
		RelatedUserID: mission.VisitorUserID,
		CircleID:      mission.OwnerCircleID,
		Metadata:      map[string]any{"matchID": resolution.Match.ID.String(), "mutual": resolution.Mutual},
	})
	if resolution.Mutual {
		o.events.Dispatch(event.Event{
			Type:          event.MatchActivated,
			UserID:        mission.OwnerUserID,
			RelatedUserID: mission.VisitorUserID,
			Metadata:      map[string]any{"matchID": resolution.Match.ID.String(), "chatID": resolution.Chat.ID.String()},
		})
	}
	return nil
}

// Reenqueue puts a pending mission whose original enqueue was lost back on
// the queue. Push deduplicates, so re-enqueueing a message that is actually
// still pending is harmless.
func (o *Orchestrator) Reenqueue(ctx context.Context, mission persist.Mission) error {
	ev, err := o.collisions.GetByID(ctx, mission.CollisionEventID)
	if err != nil {
		return err
	}
	return o.enqueue(ctx, mission, ev.DistanceMeters)
}

// settlePair applies the cooldown, moves the collision to its terminal
// status, and releases the in-flight lock
func (o *Orchestrator) settlePair(ctx context.Context, mission persist.Mission, kind collision.CooldownKind, status persist.CollisionStatus) error {
	if err := o.state.SetCooldown(ctx, mission.UserPair(), kind); err != nil {
		logger.For(ctx).WithError(err).Error("failed to set cooldown")
	}
	if err := o.markCollision(ctx, mission.CollisionEventID, mission.PairKey(), status); err != nil {
		logger.For(ctx).WithError(err).Error("failed to mark collision terminal")
	}
	return o.state.ReleaseInFlight(ctx, mission.PairKey())
}

// markCollision updates both the durable row and the ephemeral twin
func (o *Orchestrator) markCollision(ctx context.Context, evID persist.DBID, pairKey persist.PairKey, status persist.CollisionStatus) error {
	if err := o.collisions.SetStatus(ctx, evID, status); err != nil {
		return err
	}
	return o.state.SetPairStatus(ctx, pairKey, status)
}

// enqueue builds the payload from fresh snapshots and pushes it
func (o *Orchestrator) enqueue(ctx context.Context, mission persist.Mission, distanceMeters float64) error {
	msg, err := o.buildMessage(ctx, mission, distanceMeters)
	if err != nil {
		return err
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	_, err = o.queue.Push(ctx, string(b))
	return err
}

func (o *Orchestrator) buildMessage(ctx context.Context, mission persist.Mission, distanceMeters float64) (Message, error) {
	owner, err := o.users.GetByID(ctx, mission.OwnerUserID)
	if err != nil {
		return Message{}, err
	}
	visitor, err := o.users.GetByID(ctx, mission.VisitorUserID)
	if err != nil {
		return Message{}, err
	}
	ownerCircle, err := o.circles.GetByID(ctx, mission.OwnerCircleID)
	if err != nil {
		return Message{}, err
	}

	return Message{
		MissionID:     mission.ID,
		PairKey:       mission.PairKey(),
		OwnerUserID:   mission.OwnerUserID,
		VisitorUserID: mission.VisitorUserID,
		Owner: ProfileSnapshot{
			UserID:      owner.ID,
			DisplayName: owner.DisplayName,
			Persona:     owner.Persona,
		},
		Visitor: ProfileSnapshot{
			UserID:      visitor.ID,
			DisplayName: visitor.DisplayName,
			Persona:     visitor.Persona,
		},
		OwnerCircle: CircleSnapshot{
			CircleID:     ownerCircle.ID,
			Objective:    ownerCircle.Objective,
			RadiusMeters: ownerCircle.RadiusMeters,
		},
		Context: MessageContext{
			// Rounded to the hour so the payload leaks no precise timing.
			ApproximateTimeISO:        o.now().Truncate(time.Hour).Format(time.RFC3339),
			ApproximateDistanceMeters: roundDistance(distanceMeters),
		},
	}, nil
}

// roundDistance coarsens a distance to 50m buckets
func roundDistance(meters float64) float64 {
	const bucket = 50.0
	rounded := float64(int((meters+bucket/2)/bucket)) * bucket
	if rounded < bucket {
		return bucket
	}
	return rounded
}
