package position

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/orbit-so/go-orbit/service/geo"
	"github.com/orbit-so/go-orbit/service/logger"
	"github.com/orbit-so/go-orbit/service/persist"
	"github.com/orbit-so/go-orbit/service/redis"
	"github.com/orbit-so/go-orbit/util"
)

const (
	// lastPositionTTL bounds how long a silent user keeps a published center.
	lastPositionTTL = 24 * time.Hour
	lruSize         = 8192
)

// Position is a user's last accepted center
type Position struct {
	Lat float64   `json:"lat"`
	Lon float64   `json:"lon"`
	At  time.Time `json:"at"`
}

// UserWriter persists accepted positions
type UserWriter interface {
	UpdatePosition(ctx context.Context, userID persist.DBID, lat, lon float64, at time.Time) error
}

// Store is the write-through position store. Redis is the source of truth for
// the debounce state so an update survives a database hiccup; the in-process
// LRU just saves a round trip on the hot path.
type Store struct {
	users  UserWriter
	cells  *redis.Cache
	last   *redis.Cache
	recent *lru.Cache
}

func NewStore(users UserWriter, cells, last *redis.Cache) *Store {
	recent, err := lru.New(lruSize)
	if err != nil {
		panic(err)
	}
	return &Store{users: users, cells: cells, last: last, recent: recent}
}

// Update records an accepted position: last-position state and cell
// membership first, then the durable user row. A database failure is logged
// and swallowed so detection keeps running on the cached state.
func (s *Store) Update(ctx context.Context, userID persist.DBID, lat, lon float64, at time.Time) error {
	pos := Position{Lat: lat, Lon: lon, At: at}

	b, err := json.Marshal(pos)
	if err != nil {
		return err
	}
	if err := s.last.Set(ctx, userID.String(), b, lastPositionTTL); err != nil {
		return err
	}
	s.recent.Add(userID, pos)

	if err := s.moveCell(ctx, userID, lat, lon); err != nil {
		return err
	}

	if err := s.users.UpdatePosition(ctx, userID, lat, lon, at); err != nil {
		logger.For(ctx).WithError(err).Errorf("failed to persist position for user %s", userID)
	}
	return nil
}

// Last returns the user's last accepted position, if any
func (s *Store) Last(ctx context.Context, userID persist.DBID) (Position, bool, error) {
	if v, ok := s.recent.Get(userID); ok {
		return v.(Position), true, nil
	}

	b, err := s.last.Get(ctx, userID.String())
	if err != nil {
		if util.ErrorAs[redis.ErrKeyNotFound](err) {
			return Position{}, false, nil
		}
		return Position{}, false, err
	}

	var pos Position
	if err := json.Unmarshal(b, &pos); err != nil {
		return Position{}, false, err
	}
	s.recent.Add(userID, pos)
	return pos, true, nil
}

// moveCell keeps the user in exactly one index cell set
func (s *Store) moveCell(ctx context.Context, userID persist.DBID, lat, lon float64) error {
	newCell := geo.CellID(lat, lon)
	trackKey := fmt.Sprintf("user:%s", userID)

	prev, err := s.cells.Get(ctx, trackKey)
	if err != nil && !util.ErrorAs[redis.ErrKeyNotFound](err) {
		return err
	}

	prevCell := string(prev)
	if prevCell == newCell {
		return nil
	}
	if prevCell != "" {
		if err := s.cells.SRem(ctx, prevCell, userID.String()); err != nil {
			return err
		}
	}
	if err := s.cells.SAdd(ctx, newCell, userID.String()); err != nil {
		return err
	}
	return s.cells.Set(ctx, trackKey, []byte(newCell), 0)
}
