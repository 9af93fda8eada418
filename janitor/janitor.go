package janitor

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"

	"github.com/orbit-so/go-orbit/service/logger"
	"github.com/orbit-so/go-orbit/service/persist"
)

const janitorLeaseKey = "janitor"

type reenqueuer interface {
	Reenqueue(ctx context.Context, mission persist.Mission) error
}

type pairPurger interface {
	DeletePair(ctx context.Context, key persist.PairKey) error
}

// Config carries the sweep tunables
type Config struct {
	Tick               time.Duration
	CollisionMaxAge    time.Duration
	MatchPendingMaxAge time.Duration
	MissionOrphanAfter time.Duration
}

// Janitor runs the periodic cleanup sweeps: aged-out collision events, stale
// pending matches, and pending missions whose enqueue was lost. A redis lease
// keeps a single instance sweeping across replicas.
type Janitor struct {
	collisions persist.CollisionEventRepository
	matches    persist.MatchRepository
	missions   persist.MissionRepository
	state      pairPurger
	orch       reenqueuer
	locks      *redislock.Client
	cfg        Config

	now func() time.Time
}

func New(collisions persist.CollisionEventRepository, matches persist.MatchRepository, missions persist.MissionRepository, state pairPurger, orch reenqueuer, locks *redislock.Client, cfg Config) *Janitor {
	return &Janitor{
		collisions: collisions,
		matches:    matches,
		missions:   missions,
		state:      state,
		orch:       orch,
		locks:      locks,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Run sweeps on every tick until the context is cancelled
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.leasedSweep(ctx)
		}
	}
}

func (j *Janitor) leasedSweep(ctx context.Context) {
	lease, err := j.locks.Obtain(ctx, janitorLeaseKey, j.cfg.Tick, nil)
	if err == redislock.ErrNotObtained {
		return
	}
	if err != nil {
		logger.For(ctx).WithError(err).Error("failed to obtain janitor lease")
		return
	}
	defer lease.Release(ctx)

	j.Sweep(ctx)
}

// Sweep runs one pass of all cleanup duties
func (j *Janitor) Sweep(ctx context.Context) {
	j.expireCollisions(ctx)
	j.expireMatches(ctx)
	j.recoverOrphans(ctx)
}

// expireCollisions ages out collision events stuck in a non-terminal state
// and purges their ephemeral twins
func (j *Janitor) expireCollisions(ctx context.Context) {
	cutoff := j.now().Add(-j.cfg.CollisionMaxAge)
	pairKeys, err := j.collisions.ExpireFirstSeenBefore(ctx, cutoff, []persist.CollisionStatus{
		persist.CollisionStatusDetecting,
		persist.CollisionStatusStable,
		persist.CollisionStatusMissionCreated,
		persist.CollisionStatusCooldown,
	})
	if err != nil {
		logger.For(ctx).WithError(err).Error("failed to expire aged collision events")
		return
	}
	if len(pairKeys) > 0 {
		logger.For(ctx).Infof("expired %d aged collision events", len(pairKeys))
	}

	for _, key := range pairKeys {
		if err := j.state.DeletePair(ctx, key); err != nil {
			logger.For(ctx).WithError(err).WithFields(logrus.Fields{"pairKey": key}).Error("failed to purge expired pair")
		}
	}
}

func (j *Janitor) expireMatches(ctx context.Context) {
	cutoff := j.now().Add(-j.cfg.MatchPendingMaxAge)
	expired, err := j.matches.ExpirePendingCreatedBefore(ctx, cutoff)
	if err != nil {
		logger.For(ctx).WithError(err).Error("failed to expire stale pending matches")
		return
	}
	if expired > 0 {
		logger.For(ctx).Infof("expired %d stale pending matches", expired)
	}
}

// recoverOrphans re-enqueues pending missions that never reached a runner
func (j *Janitor) recoverOrphans(ctx context.Context) {
	cutoff := j.now().Add(-j.cfg.MissionOrphanAfter)
	orphans, err := j.missions.FindPendingCreatedBefore(ctx, cutoff)
	if err != nil {
		logger.For(ctx).WithError(err).Error("failed to find orphaned missions")
		return
	}

	for _, orphan := range orphans {
		if err := j.orch.Reenqueue(ctx, orphan); err != nil {
			logger.For(ctx).WithError(err).WithFields(logrus.Fields{"missionID": orphan.ID}).Error("failed to re-enqueue orphaned mission")
		}
	}
	if len(orphans) > 0 {
		logger.For(ctx).Infof("re-enqueued %d orphaned missions", len(orphans))
	}
}
