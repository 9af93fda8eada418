package server

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/orbit-so/go-orbit/collision"
	"github.com/orbit-so/go-orbit/event"
	"github.com/orbit-so/go-orbit/janitor"
	"github.com/orbit-so/go-orbit/middleware"
	"github.com/orbit-so/go-orbit/mission"
	"github.com/orbit-so/go-orbit/service/gemini"
	"github.com/orbit-so/go-orbit/service/geo"
	"github.com/orbit-so/go-orbit/service/limiters"
	"github.com/orbit-so/go-orbit/service/logger"
	"github.com/orbit-so/go-orbit/service/persist/postgres"
	"github.com/orbit-so/go-orbit/service/position"
	"github.com/orbit-so/go-orbit/service/redis"
	sentryutil "github.com/orbit-so/go-orbit/service/sentry"
	"github.com/orbit-so/go-orbit/service/throttle"
	"github.com/orbit-so/go-orbit/util"
	"github.com/orbit-so/go-orbit/validate"
)

// Init initializes the server
func Init() *http.Server {
	SetDefaults()

	initLogger()
	initSentry()

	ctx := context.Background()
	router, core := CoreInit(ctx, postgres.MustCreateClient(), postgres.NewPgxClient())
	go core.Run(ctx)

	return &http.Server{
		Addr:    ":" + viper.GetString("PORT"),
		Handler: router,
	}
}

// CoreInit initializes core server functionality. This is abstracted
// so the test server can also utilize it
func CoreInit(ctx context.Context, pqClient *sql.DB, pgx *pgxpool.Pool) (*gin.Engine, *Core) {
	logger.For(ctx).Info("initializing server...")

	if viper.GetString("ENV") != "production" {
		gin.SetMode(gin.DebugMode)
		logrus.SetLevel(logrus.DebugLevel)
	}

	router := gin.Default()
	router.Use(middleware.Sentry(true), middleware.Tracing(), middleware.GinContextToContext(), middleware.ErrLogger())

	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		validate.RegisterCustomValidators(v)
	}

	repos := postgres.NewRepositories(pqClient, pgx)
	core := NewCore(ctx, repos)

	return handlersInit(router, core), core
}

// Core owns the pipeline collaborators and their background loops
type Core struct {
	Repos      *postgres.Repositories
	Detector   *collision.Detector
	State      *collision.StateStore
	Stability  *collision.StabilityWorker
	Runner     *mission.Runner
	Janitor    *janitor.Janitor
	Queue      *redis.FifoQueue
	Events     *event.Dispatcher
	Hub        *event.Hub
	IngestRate *limiters.KeyRateLimiter
}

// NewCore wires every pipeline collaborator explicitly
func NewCore(ctx context.Context, repos *postgres.Repositories) *Core {
	pairCache := redis.NewCache(redis.CollisionPairCache)
	stabilityCache := redis.NewCache(redis.StabilityQueueCache)
	cooldownCache := redis.NewCache(redis.CooldownCache)
	inFlightCache := redis.NewCache(redis.InFlightLockCache)
	leaseCache := redis.NewCache(redis.WorkerLeaseCache)
	queueCache := redis.NewCache(redis.MissionQueueCache)
	cellCache := redis.NewCache(redis.GeoCellCache)
	posCache := redis.NewCache(redis.LastPositionCache)
	limiterCache := redis.NewCache(redis.MissionRetryLimitersCache)

	state := collision.NewStateStore(pairCache, stabilityCache, cooldownCache,
		throttle.NewThrottleLocker(inFlightCache, viper.GetDuration("IN_FLIGHT_TTL")),
		collision.StateStoreConfig{
			StaleWindow: viper.GetDuration("STALE_WINDOW"),
			CooldownTTLs: map[collision.CooldownKind]time.Duration{
				collision.CooldownMatched:  viper.GetDuration("COOLDOWN_MATCHED"),
				collision.CooldownRejected: viper.GetDuration("COOLDOWN_REJECTED"),
				collision.CooldownNotified: viper.GetDuration("COOLDOWN_NOTIFIED"),
			},
		})

	positions := position.NewStore(repos.UserRepository, cellCache, posCache)
	index := geo.NewIndex(cellCache, repos.CircleRepository,
		viper.GetFloat64("MAX_CIRCLE_RADIUS_METERS"), viper.GetInt("SPATIAL_SEARCH_LIMIT"))

	hub := event.NewHub()
	sinks := []event.Sink{event.LoggerSink{}, hub}
	if topic := viper.GetString("PUBSUB_TOPIC_PIPELINE_EVENTS"); topic != "" {
		sinks = append(sinks, event.NewPubSubSink(newPubSubClient(ctx), topic))
	}
	events := event.NewDispatcher(1024, sinks...)

	detector := collision.NewDetector(state, positions, index, repos.CircleRepository, repos.CollisionEventRepository, events,
		collision.DetectorConfig{
			MinMovementMeters: viper.GetFloat64("MIN_MOVEMENT_METERS"),
			MinUpdateInterval: viper.GetDuration("MIN_UPDATE_INTERVAL"),
			ClockDriftMax:     viper.GetDuration("CLOCK_DRIFT_MAX"),
		})

	queue := redis.NewFifoQueue(queueCache, "missions")
	retryLimiter := limiters.NewKeyRateLimiter(ctx, limiterCache, "mission-retry", 3, time.Hour)

	orch := mission.NewOrchestrator(state, repos.MissionRepository, repos.MatchRepository,
		repos.CollisionEventRepository, repos.UserRepository, repos.CircleRepository,
		queue, retryLimiter, events,
		mission.OrchestratorConfig{
			MaxAttempts:    viper.GetInt("MISSION_MAX_ATTEMPTS"),
			QueueHighwater: int64(viper.GetInt("MISSION_QUEUE_HIGHWATER")),
			WorthItScore:   0.95,
		})

	locks := redis.NewLockClient(leaseCache)
	stability := collision.NewStabilityWorker(state, repos.CollisionEventRepository, orch, locks,
		collision.StabilityConfig{
			Window:      viper.GetDuration("STABILITY_WINDOW"),
			Tick:        viper.GetDuration("STABILITY_TICK"),
			StaleWindow: viper.GetDuration("STALE_WINDOW"),
		})

	llm, err := gemini.NewClient(ctx)
	if err != nil {
		panic(err)
	}

	concurrency := viper.GetInt("RUNNER_CONCURRENCY")
	sem := redis.NewSemaphore(queueCache, "workers", concurrency*4, 60)
	runner := mission.NewRunner(queue, repos.MissionRepository, state, llm, llm, orch, sem, events, gemini.IsTransient,
		mission.RunnerConfig{
			Concurrency:    concurrency,
			MissionTimeout: viper.GetDuration("MISSION_TIMEOUT"),
			ReprocessTick:  viper.GetDuration("RUNNER_REPROCESS_TICK"),
			MaxOwnerTurns:  viper.GetInt("MAX_OWNER_TURNS"),
		})

	jan := janitor.New(repos.CollisionEventRepository, repos.MatchRepository, repos.MissionRepository, state, orch, locks,
		janitor.Config{
			Tick:               viper.GetDuration("JANITOR_TICK"),
			CollisionMaxAge:    viper.GetDuration("COLLISION_MAX_AGE"),
			MatchPendingMaxAge: viper.GetDuration("MATCH_PENDING_MAX_AGE"),
			MissionOrphanAfter: viper.GetDuration("MISSION_ORPHAN_AFTER"),
		})

	return &Core{
		Repos:      repos,
		Detector:   detector,
		State:      state,
		Stability:  stability,
		Runner:     runner,
		Janitor:    jan,
		Queue:      queue,
		Events:     events,
		Hub:        hub,
		IngestRate: limiters.NewKeyRateLimiter(ctx, limiterCache, "ingest-ip", 120, time.Minute),
	}
}

// Run starts the background loops and blocks until the context ends
func (c *Core) Run(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { c.Events.Run(ctx); return nil })
	g.Go(func() error { c.Stability.Run(ctx); return nil })
	g.Go(func() error { c.Runner.Run(ctx); return nil })
	g.Go(func() error { c.Janitor.Run(ctx); return nil })
	if err := g.Wait(); err != nil {
		logger.For(ctx).WithError(err).Error("background loop exited")
	}
}

func newPubSubClient(ctx context.Context) *pubsub.Client {
	var pub *pubsub.Client
	var err error
	if viper.GetString("ENV") == "local" {
		pub, err = pubsub.NewClient(ctx, viper.GetString("GOOGLE_CLOUD_PROJECT"), option.WithCredentialsFile("./_deploy/service-key-dev.json"))
	} else {
		pub, err = pubsub.NewClient(ctx, viper.GetString("GOOGLE_CLOUD_PROJECT"))
	}
	if err != nil {
		panic(err)
	}
	return pub
}

// SetDefaults registers every config default and loads the local env file
func SetDefaults() {
	viper.SetDefault("ENV", "local")
	viper.SetDefault("PORT", 4000)
	viper.SetDefault("POSTGRES_HOST", "0.0.0.0")
	viper.SetDefault("POSTGRES_PORT", 5432)
	viper.SetDefault("POSTGRES_USER", "postgres")
	viper.SetDefault("POSTGRES_PASSWORD", "")
	viper.SetDefault("POSTGRES_DB", "postgres")
	viper.SetDefault("REDIS_URL", "localhost:6379")
	viper.SetDefault("REDIS_PASS", "")
	viper.SetDefault("SENTRY_DSN", "")
	viper.SetDefault("SENTRY_TRACES_SAMPLE_RATE", 0.2)
	viper.SetDefault("VERSION", "")

	viper.SetDefault("MIN_MOVEMENT_METERS", 20.0)
	viper.SetDefault("MIN_UPDATE_INTERVAL", "3s")
	viper.SetDefault("CLOCK_DRIFT_MAX", "30s")
	viper.SetDefault("STABILITY_WINDOW", "30s")
	viper.SetDefault("STABILITY_TICK", "5s")
	viper.SetDefault("STALE_WINDOW", "45s")
	viper.SetDefault("IN_FLIGHT_TTL", "60s")
	viper.SetDefault("COOLDOWN_MATCHED", "336h")
	viper.SetDefault("COOLDOWN_REJECTED", "24h")
	viper.SetDefault("COOLDOWN_NOTIFIED", "1h")
	viper.SetDefault("MISSION_MAX_ATTEMPTS", 3)
	viper.SetDefault("MAX_OWNER_TURNS", 3)
	viper.SetDefault("SPATIAL_SEARCH_LIMIT", 200)
	viper.SetDefault("MAX_CIRCLE_RADIUS_METERS", 5000.0)
	viper.SetDefault("MISSION_TIMEOUT", "90s")
	viper.SetDefault("MISSION_QUEUE_HIGHWATER", 256)
	viper.SetDefault("MISSION_ORPHAN_AFTER", "5m")
	viper.SetDefault("RUNNER_CONCURRENCY", 4)
	viper.SetDefault("RUNNER_REPROCESS_TICK", "30s")
	viper.SetDefault("JANITOR_TICK", "10m")
	viper.SetDefault("COLLISION_MAX_AGE", "48h")
	viper.SetDefault("MATCH_PENDING_MAX_AGE", "24h")

	viper.SetDefault("GEMINI_API_KEY", "")
	viper.SetDefault("GEMINI_MODEL", "gemini-2.0-flash")
	viper.SetDefault("GOOGLE_CLOUD_PROJECT", "")
	viper.SetDefault("PUBSUB_TOPIC_PIPELINE_EVENTS", "")

	viper.AutomaticEnv()

	if viper.GetString("ENV") == "local" {
		envFile := util.ResolveEnvFile("core", "local")
		util.LoadEnvFile(envFile)
	}

	if viper.GetString("ENV") != "local" {
		util.VarNotSetTo("SENTRY_DSN", "")
	}
}

func initLogger() {
	logger.SetLoggerOptions(func(l *logrus.Logger) {
		l.SetReportCaller(true)
		if viper.GetString("ENV") == "production" {
			l.SetFormatter(&logrus.JSONFormatter{})
		} else {
			l.SetLevel(logrus.DebugLevel)
		}
	})
}

func initSentry() {
	if viper.GetString("ENV") == "local" {
		logger.For(nil).Info("skipping sentry init")
		return
	}

	logger.For(nil).Info("initializing sentry...")

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              viper.GetString("SENTRY_DSN"),
		Environment:      viper.GetString("ENV"),
		TracesSampleRate: viper.GetFloat64("SENTRY_TRACES_SAMPLE_RATE"),
		Release:          viper.GetString("VERSION"),
		AttachStacktrace: true,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			event = sentryutil.ScrubEventCookies(event, hint)
			event = sentryutil.UpdateErrorFingerprints(event, hint)
			return event
		},
	})

	if err != nil {
		logger.For(nil).Fatalf("failed to start sentry: %s", err)
	}
}
