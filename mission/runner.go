package mission

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/sirupsen/logrus"

	"github.com/orbit-so/go-orbit/event"
	"github.com/orbit-so/go-orbit/service/logger"
	"github.com/orbit-so/go-orbit/service/persist"
	"github.com/orbit-so/go-orbit/service/redis"
	"github.com/orbit-so/go-orbit/util/retry"
)

const keepaliveTick = 10 * time.Second

type inFlightRefresher interface {
	RefreshInFlight(ctx context.Context, key persist.PairKey) (bool, error)
}

type resultHandler interface {
	HandleMissionResult(ctx context.Context, mission persist.Mission, res Result) error
}

// RunnerConfig carries the interview execution tunables
type RunnerConfig struct {
	Concurrency    int
	MissionTimeout time.Duration
	ReprocessTick  time.Duration
	MaxOwnerTurns  int
}

// Runner consumes mission messages and executes interviews. Claiming the
// mission row is the idempotence gate: a redelivered message that loses the
// claim is dropped. The in-flight pair lock is refreshed while the interview
// runs so the stability worker cannot create a competing mission.
type Runner struct {
	queue     Queue
	missions  persist.MissionRepository
	state     inFlightRefresher
	generator TextGenerator
	judge     Judge
	results   resultHandler
	sem       *redis.Semaphore
	events    eventDispatcher
	cfg       RunnerConfig

	// isTransient classifies generator errors worth retrying within a turn
	isTransient func(error) bool
}

func NewRunner(queue Queue, missions persist.MissionRepository, state inFlightRefresher, generator TextGenerator, judge Judge, results resultHandler, sem *redis.Semaphore, events eventDispatcher, isTransient func(error) bool, cfg RunnerConfig) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxOwnerTurns <= 0 {
		cfg.MaxOwnerTurns = 3
	}
	if isTransient == nil {
		isTransient = func(error) bool { return false }
	}
	return &Runner{
		queue:       queue,
		missions:    missions,
		state:       state,
		generator:   generator,
		judge:       judge,
		results:     results,
		sem:         sem,
		events:      events,
		cfg:         cfg,
		isTransient: isTransient,
	}
}

// Run consumes the queue until the context is cancelled
func (r *Runner) Run(ctx context.Context) {
	if r.sem != nil {
		if !r.acquireSemaphore(ctx) {
			return
		}
		defer r.sem.Release(context.Background())
	}

	if fifo, ok := r.queue.(*redis.FifoQueue); ok {
		go r.reprocessLoop(ctx, fifo)
	}

	wp := workerpool.New(r.cfg.Concurrency)
	defer wp.StopWait()

	for ctx.Err() == nil {
		job, err := r.queue.Pop(ctx)
		if err == redis.ErrQueueEmpty {
			sleepCtx(ctx, time.Second)
			continue
		}
		if err != nil {
			logger.For(ctx).WithError(err).Error("failed to pop mission")
			sleepCtx(ctx, time.Second)
			continue
		}

		submitted := job
		wp.Submit(func() { r.process(ctx, submitted) })
	}
}

// acquireSemaphore blocks until a worker slot is held or the context ends
func (r *Runner) acquireSemaphore(ctx context.Context) bool {
	for ctx.Err() == nil {
		ok, err := r.sem.Acquire(ctx)
		if err != nil {
			logger.For(ctx).WithError(err).Error("failed to acquire worker semaphore")
		}
		if ok {
			return true
		}
		sleepCtx(ctx, 5*time.Second)
	}
	return false
}

func (r *Runner) reprocessLoop(ctx context.Context, fifo *redis.FifoQueue) {
	ticker := time.NewTicker(r.cfg.ReprocessTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fifo.Reprocess(ctx, r.cfg.MissionTimeout*2, r.sem); err != nil {
				logger.For(ctx).WithError(err).Error("failed to reprocess stale missions")
			}
		}
	}
}

func (r *Runner) process(ctx context.Context, job string) {
	defer func() {
		if err := r.queue.Ack(context.WithoutCancel(ctx), job); err != nil && err != redis.ErrQueueEmpty {
			logger.For(ctx).WithError(err).Error("failed to ack mission")
		}
	}()

	var msg Message
	if err := json.Unmarshal([]byte(job), &msg); err != nil {
		logger.For(ctx).WithError(err).Error("dropping malformed mission message")
		return
	}

	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"missionID": msg.MissionID, "pairKey": msg.PairKey})

	mission, won, err := r.missions.ClaimPending(ctx, msg.MissionID, time.Now())
	if err != nil {
		logger.For(ctx).WithError(err).Error("failed to claim mission")
		return
	}
	if !won {
		logger.For(ctx).Infof("dropping redelivered mission in status %s", mission.Status)
		return
	}

	mctx, cancel := context.WithTimeout(ctx, r.cfg.MissionTimeout)
	defer cancel()

	stop := r.keepalive(mctx, msg.PairKey)
	res := r.interview(mctx, msg)
	stop()

	if errors.Is(mctx.Err(), context.DeadlineExceeded) {
		res = Result{FailureReason: "timeout", Transcript: res.Transcript}
	} else if ctx.Err() != nil {
		res = Result{FailureReason: "cancelled", Transcript: res.Transcript}
	}

	// Result handling must survive shutdown or the pair lock leaks until TTL.
	if err := r.results.HandleMissionResult(context.WithoutCancel(ctx), mission, res); err != nil {
		logger.For(ctx).WithError(err).Error("failed to handle mission result")
	}
}

// keepalive refreshes the pair lock and worker slot while an interview runs
func (r *Runner) keepalive(ctx context.Context, pairKey persist.PairKey) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(keepaliveTick)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if held, err := r.state.RefreshInFlight(ctx, pairKey); err != nil || !held {
					logger.For(ctx).Warnf("in-flight lock lost for pair %s", pairKey)
				}
				if r.sem != nil {
					if _, err := r.sem.Refresh(ctx); err != nil {
						logger.For(ctx).WithError(err).Warn("failed to refresh worker semaphore")
					}
				}
			}
		}
	}()
	return func() { close(done) }
}

// interview runs the owner/visitor turn loop and the judge
func (r *Runner) interview(ctx context.Context, msg Message) Result {
	r.events.Dispatch(event.Event{
		Type:          event.ConversationStarted,
		UserID:        msg.OwnerUserID,
		RelatedUserID: msg.VisitorUserID,
		CircleID:      msg.OwnerCircle.CircleID,
		Metadata:      map[string]any{"missionID": msg.MissionID.String()},
	})

	transcript := make([]persist.TranscriptTurn, 0, r.cfg.MaxOwnerTurns*2+1)
	for round := 1; round <= r.cfg.MaxOwnerTurns; round++ {
		goal := GoalForRound(round, r.cfg.MaxOwnerTurns)

		ownerGen, err := r.turn(ctx, msg, persist.TurnRoleOwner, goal, &transcript)
		if err != nil {
			return Result{FailureReason: err.Error(), Transcript: transcript}
		}
		visitorGen, err := r.turn(ctx, msg, persist.TurnRoleVisitor, goal, &transcript)
		if err != nil {
			return Result{FailureReason: err.Error(), Transcript: transcript}
		}

		if ownerGen.StopSuggested || visitorGen.StopSuggested {
			break
		}
	}

	decision, err := r.judge.Evaluate(ctx, msg, transcript)
	if err != nil {
		// A judge we cannot parse never notifies anyone.
		decision = persist.JudgeDecision{ShouldNotify: false, ParseError: err.Error()}
	}
	r.events.Dispatch(event.Event{
		Type:          event.ConversationJudgeDecision,
		UserID:        msg.OwnerUserID,
		RelatedUserID: msg.VisitorUserID,
		Metadata:      map[string]any{"missionID": msg.MissionID.String(), "shouldNotify": decision.ShouldNotify},
	})

	if decision.ShouldNotify {
		notifyGen, err := r.turn(ctx, msg, persist.TurnRoleOwner, GoalNotifyUser, &transcript)
		if err != nil {
			logger.For(ctx).WithError(err).Warn("failed to generate notify text")
		} else if decision.NotifyText == "" {
			decision.NotifyText = notifyGen.Text
		}
	}

	r.events.Dispatch(event.Event{
		Type:          event.ConversationCompleted,
		UserID:        msg.OwnerUserID,
		RelatedUserID: msg.VisitorUserID,
		Metadata:      map[string]any{"missionID": msg.MissionID.String(), "turns": len(transcript)},
	})

	return Result{Success: true, MatchMade: decision.ShouldNotify, Transcript: transcript, JudgeDecision: &decision}
}

// turn generates one persona turn and appends it to the transcript
func (r *Runner) turn(ctx context.Context, msg Message, role persist.TurnRole, goal TurnGoal, transcript *[]persist.TranscriptTurn) (Generation, error) {
	r.events.Dispatch(event.Event{
		Type:   event.ConversationThinkingStarted,
		UserID: roleUser(msg, role),
		Metadata: map[string]any{
			"missionID": msg.MissionID.String(),
			"role":      string(role),
			"goal":      string(goal),
		},
	})

	prompt := BuildTurnPrompt(role, goal, msg, *transcript)

	var gen Generation
	err := retry.RetryFunc(ctx, func(ctx context.Context) error {
		g, err := r.generator.Generate(ctx, prompt, GenerationParams{MaxTokens: 256, Temperature: 0.7, TopP: 0.95})
		if err != nil {
			return err
		}
		gen = g
		return nil
	}, r.isTransient, retry.Retry{Base: 1, Cap: 2, Tries: 3})
	if err != nil {
		return Generation{}, err
	}

	r.events.Dispatch(event.Event{
		Type:     event.ConversationThinkingCompleted,
		UserID:   roleUser(msg, role),
		Metadata: map[string]any{"missionID": msg.MissionID.String(), "role": string(role)},
	})

	*transcript = append(*transcript, persist.TranscriptTurn{
		Role:      role,
		Goal:      string(goal),
		Text:      gen.Text,
		CreatedAt: time.Now(),
	})

	r.events.Dispatch(event.Event{
		Type:     event.ConversationTurnCompleted,
		UserID:   roleUser(msg, role),
		Metadata: map[string]any{"missionID": msg.MissionID.String(), "role": string(role), "turn": len(*transcript)},
	})

	return gen, nil
}

func roleUser(msg Message, role persist.TurnRole) persist.DBID {
	if role == persist.TurnRoleOwner {
		return msg.OwnerUserID
	}
	return msg.VisitorUserID
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
