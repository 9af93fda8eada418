package collision

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"

	"github.com/orbit-so/go-orbit/service/logger"
	"github.com/orbit-so/go-orbit/service/persist"
)

const stabilityLeaseKey = "stability"

// Promoter hands a stable pair off to mission creation
type Promoter interface {
	CreateMissionForCollision(ctx context.Context, rec PairRecord) error
}

// StabilityConfig carries the stability worker tunables
type StabilityConfig struct {
	Window      time.Duration
	Tick        time.Duration
	StaleWindow time.Duration
	BatchSize   int64
}

// StabilityWorker promotes pairs that have been continuously observed for the
// stability window and expires pairs that aged out. A redis lease keeps a
// single instance active across replicas.
type StabilityWorker struct {
	state      *StateStore
	collisions persist.CollisionEventRepository
	promoter   Promoter
	locks      *redislock.Client
	cfg        StabilityConfig

	now func() time.Time
}

func NewStabilityWorker(state *StateStore, collisions persist.CollisionEventRepository, promoter Promoter, locks *redislock.Client, cfg StabilityConfig) *StabilityWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	return &StabilityWorker{
		state:      state,
		collisions: collisions,
		promoter:   promoter,
		locks:      locks,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Run ticks until the context is cancelled
func (w *StabilityWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.leasedTick(ctx)
		}
	}
}

func (w *StabilityWorker) leasedTick(ctx context.Context) {
	lease, err := w.locks.Obtain(ctx, stabilityLeaseKey, w.cfg.Tick*2, nil)
	if err == redislock.ErrNotObtained {
		return
	}
	if err != nil {
		logger.For(ctx).WithError(err).Error("failed to obtain stability lease")
		return
	}
	defer lease.Release(ctx)

	w.Tick(ctx)
}

// Tick runs one promotion and aging pass
func (w *StabilityWorker) Tick(ctx context.Context) {
	w.promote(ctx)
	w.age(ctx)
}

func (w *StabilityWorker) promote(ctx context.Context) {
	entries, err := w.state.ScanStability(ctx, w.cfg.BatchSize)
	if err != nil {
		logger.For(ctx).WithError(err).Error("failed to scan stability queue")
		return
	}

	now := w.now()
	for _, entry := range entries {
		// Scored ascending by first observation: the first entry inside the
		// window means everything after it is too.
		if now.Sub(entry.FirstSeen) < w.cfg.Window {
			break
		}
		if err := w.promoteOne(ctx, entry); err != nil {
			logger.For(ctx).WithError(err).WithFields(logrus.Fields{"pairKey": entry.PairKey}).Error("failed to promote stable pair")
		}
	}
}

func (w *StabilityWorker) promoteOne(ctx context.Context, entry StabilityEntry) error {
	rec, ok, err := w.state.GetPair(ctx, entry.PairKey)
	if err != nil {
		return err
	}
	if !ok {
		// The pair evaporated before reaching stability.
		return w.state.RemoveFromStability(ctx, entry.PairKey)
	}

	ev, err := w.collisions.GetByPairKey(ctx, entry.PairKey)
	if err != nil {
		return err
	}

	// A pair that keeps being observed after it was handed off, matched, or
	// put on cooldown re-enters the queue; dequeue it without touching either
	// record.
	if alreadyActioned(rec.Status) || alreadyActioned(ev.Status) {
		return w.state.RemoveFromStability(ctx, entry.PairKey)
	}

	if err := w.state.SetPairStatus(ctx, entry.PairKey, persist.CollisionStatusStable); err != nil {
		return err
	}
	rec.Status = persist.CollisionStatusStable

	if ev.Status == persist.CollisionStatusDetecting {
		if err := w.collisions.SetStatus(ctx, ev.ID, persist.CollisionStatusStable); err != nil {
			return err
		}
	}

	if err := w.state.RemoveFromStability(ctx, entry.PairKey); err != nil {
		return err
	}

	return w.promoter.CreateMissionForCollision(ctx, rec)
}

func alreadyActioned(s persist.CollisionStatus) bool {
	return s == persist.CollisionStatusMissionCreated ||
		s == persist.CollisionStatusMatched ||
		s == persist.CollisionStatusCooldown
}

// age expires durable rows whose observation window closed without a mission
// and purges their ephemeral twins
func (w *StabilityWorker) age(ctx context.Context) {
	cutoff := w.now().Add(-w.cfg.StaleWindow)
	pairKeys, err := w.collisions.ExpireFirstSeenBefore(ctx, cutoff, []persist.CollisionStatus{
		persist.CollisionStatusDetecting,
		persist.CollisionStatusStable,
	})
	if err != nil {
		logger.For(ctx).WithError(err).Error("failed to expire aged collision events")
		return
	}

	for _, key := range pairKeys {
		if err := w.state.DeletePair(ctx, key); err != nil {
			logger.For(ctx).WithError(err).WithFields(logrus.Fields{"pairKey": key}).Error("failed to purge expired pair")
		}
	}
}
