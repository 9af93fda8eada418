package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/orbit-so/go-orbit/env"
	"github.com/orbit-so/go-orbit/service/logger"
	"github.com/orbit-so/go-orbit/service/tracing"
	"github.com/orbit-so/go-orbit/util/retry"

	// register postgres driver
	_ "github.com/jackc/pgx/v4/stdlib"
)

var DefaultConnectRetry = retry.Retry{Base: 2, Cap: 4, Tries: 3}

type ErrRoleDoesNotExist struct {
	role string
}

func (e ErrRoleDoesNotExist) Error() string {
	return fmt.Sprintf("role '%s' does not exist", e.role)
}

type connectionParams struct {
	user     string
	password string
	dbname   string
	host     string
	port     int
	appname  string
	retry    *retry.Retry
}

func (c *connectionParams) toConnectionString() string {
	port := c.port
	if port == 0 {
		port = 5432
	}

	connStr := fmt.Sprintf("user=%s dbname=%s host=%s port=%d", c.user, c.dbname, c.host, port)

	// Empty passwords should be omitted so they don't interfere with other parameters
	// (e.g. "password= dbname=something" causes Postgres to ignore the dbname)
	if c.password != "" {
		connStr += fmt.Sprintf(" password=%s", c.password)
	}

	return connStr
}

func newConnectionParamsFromEnv() connectionParams {
	ctx := context.Background()
	return connectionParams{
		user:     env.GetString(ctx, "POSTGRES_USER"),
		password: env.GetString(ctx, "POSTGRES_PASSWORD"),
		dbname:   env.GetString(ctx, "POSTGRES_DB"),
		host:     env.GetString(ctx, "POSTGRES_HOST"),
		port:     env.Get[int](ctx, "POSTGRES_PORT"),

		// Retry connections by default
		retry: &DefaultConnectRetry,
	}
}

type ConnectionOption func(params *connectionParams)

func WithUser(user string) ConnectionOption {
	return func(params *connectionParams) {
		params.user = user
	}
}

func WithPassword(password string) ConnectionOption {
	return func(params *connectionParams) {
		params.password = password
	}
}

func WithDBName(dbname string) ConnectionOption {
	return func(params *connectionParams) {
		params.dbname = dbname
	}
}

func WithHost(host string) ConnectionOption {
	return func(params *connectionParams) {
		params.host = host
	}
}

func WithPort(port int) ConnectionOption {
	return func(params *connectionParams) {
		params.port = port
	}
}

func WithAppName(appName string) ConnectionOption {
	return func(params *connectionParams) {
		params.appname = appName
	}
}

func WithRetries(r retry.Retry) ConnectionOption {
	return func(params *connectionParams) {
		params.retry = &r
	}
}

func WithNoRetries() ConnectionOption {
	return func(params *connectionParams) {
		params.retry = nil
	}
}

// MustCreateClient panics when it fails to create a new database connection. By default, it will try to
// connect 3 times before returning an error.
func MustCreateClient(opts ...ConnectionOption) *sql.DB {
	db, err := NewClient(opts...)
	if err != nil {
		panic(err)
	}
	return db
}

// NewClient creates a new Postgres client. By default, it will try to connect 3 times before returning an error.
func NewClient(opts ...ConnectionOption) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*20)
	defer cancel()

	params := newConnectionParamsFromEnv()
	for _, opt := range opts {
		opt(&params)
	}

	var db *sql.DB

	connectF := func(ctx context.Context) error {
		var err error
		db, err = sql.Open("pgx", params.toConnectionString())
		return err
	}

	if params.retry != nil {
		err := retry.RetryFunc(ctx, connectF, func(err error) bool { return true }, *params.retry)
		if err != nil {
			return nil, err
		}
	} else {
		err := connectF(ctx)
		if err != nil {
			return nil, err
		}
	}

	db.SetMaxOpenConns(50)

	err := db.PingContext(ctx)
	if err != nil && strings.Contains(err.Error(), fmt.Sprintf("role \"%s\" does not exist", params.user)) {
		return nil, ErrRoleDoesNotExist{params.user}
	}
	if err != nil {
		return nil, err
	}
	return db, nil
}

// NewPgxClient creates a new Postgres client via pgx. By default, it will try to connect 3 times before returning an error.
func NewPgxClient(opts ...ConnectionOption) *pgxpool.Pool {
	ctx := context.Background()

	params := newConnectionParamsFromEnv()
	for _, opt := range opts {
		opt(&params)
	}

	config, err := pgxpool.ParseConfig(params.toConnectionString())
	if err != nil {
		logger.For(nil).WithError(err).Fatal("could not parse pgx connection string")
		panic(err)
	}

	if params.appname != "" {
		config.ConnConfig.RuntimeParams["application_name"] = params.appname
	}

	config.ConnConfig.Logger = &pgxTracer{continueOnly: true}

	var db *pgxpool.Pool

	connectF := func(ctx context.Context) error {
		var err error
		db, err = pgxpool.ConnectConfig(ctx, config)
		return err
	}

	if params.retry != nil {
		err = retry.RetryFunc(ctx, connectF, func(err error) bool { return true }, *params.retry)
	} else {
		err = connectF(ctx)
	}

	if err != nil {
		logger.For(nil).WithError(err).Fatal("could not open database connection")
		panic(err)
	}

	db.Config().MaxConns = 50

	err = db.Ping(ctx)
	if err != nil {
		panic(err)
	}

	return db
}

// IsRetriable reports whether the error is a transient database condition
// (serialization failure or deadlock) worth retrying at the caller.
func IsRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

type pgxTracer struct {
	continueOnly bool
}

func (l *pgxTracer) Log(ctx context.Context, level pgx.LogLevel, msg string, data map[string]interface{}) {
	if data == nil {
		return
	}

	// Get the current time before we do anything else, since this is our best approximation
	// of when the operation "finished"
	endTime := time.Now()

	if l.continueOnly {
		transaction := sentry.TransactionFromContext(ctx)
		if transaction == nil {
			return
		}
	}

	// Only trace things that have a duration
	duration, ok := data["time"].(time.Duration)
	if !ok {
		return
	}

	operation := "other"
	if strings.EqualFold(msg, "query") {
		operation = "query"
	} else if strings.EqualFold(msg, "exec") {
		operation = "exec"
	}

	description := msg

	sqlStr, ok := data["sql"].(string)
	if ok {
		description = sqlStr
	}

	span, _ := tracing.StartSpan(ctx, "db."+operation, description)
	defer tracing.FinishSpan(span)

	spanData := map[string]interface{}{
		"logMessage": msg,
	}

	if sqlStr != "" {
		spanData["sql"] = sqlStr
	}

	if rows, ok := data["rowCount"]; ok {
		spanData["rowCount"] = rows
	}

	tracing.AddEventDataToSpan(span, spanData)

	// pgx calls the logger AFTER the operation happens, but it tells us how long the operation took.
	// We can use that to update our span so it reflects the correct start time.
	span.EndTime = endTime
	span.StartTime = endTime.Add(-duration)
}

func checkNoErr(err error) {
	if err != nil {
		panic(err)
	}
}

// Repositories is the set of all available persistence repositories
type Repositories struct {
	db   *sql.DB
	pool *pgxpool.Pool

	UserRepository           *UserRepository
	CircleRepository         *CircleRepository
	CollisionEventRepository *CollisionEventRepository
	MissionRepository        *MissionRepository
	MatchRepository          *MatchRepository
	ChatRepository           *ChatRepository
}

func NewRepositories(pq *sql.DB, pgx *pgxpool.Pool) *Repositories {
	return &Repositories{
		db:                       pq,
		pool:                     pgx,
		UserRepository:           NewUserRepository(pq),
		CircleRepository:         NewCircleRepository(pq),
		CollisionEventRepository: NewCollisionEventRepository(pq),
		MissionRepository:        NewMissionRepository(pq),
		MatchRepository:          NewMatchRepository(pq),
		ChatRepository:           NewChatRepository(pq),
	}
}

// Pool returns the pgx pool backing set-based sweeps and stats queries.
func (r *Repositories) Pool() *pgxpool.Pool {
	return r.pool
}
