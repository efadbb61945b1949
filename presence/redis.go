package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"agones-join-coordinator/queues"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultTTL = 10 * time.Minute

// Store keeps presence in two hashes per user:
//
//	presence:user:{id}        placeId, type
//	presence:user:{id}:games  serverId -> placeId
//
// Both keys expire after ttl unless a game server reports again.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl, now: time.Now}
}

func userKey(userID int64) string  { return "presence:user:" + strconv.FormatInt(userID, 10) }
func gamesKey(userID int64) string { return userKey(userID) + ":games" }

func (s *Store) GetPresence(ctx context.Context, userID int64) (*Snapshot, error) {
	fields, err := s.rdb.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get presence for user %d: %w", userID, err)
	}
	snap := &Snapshot{UserID: userID, Type: Offline}
	if len(fields) == 0 {
		return snap, nil
	}
	if t := Type(fields["type"]); t != "" {
		snap.Type = t
	}
	if raw, ok := fields["placeId"]; ok && raw != "" {
		placeID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("presence for user %d has invalid placeId %q: %w", userID, raw, err)
		}
		snap.PlaceID = &placeID
	}
	return snap, nil
}

func (s *Store) GetGamesUserIsPlaying(ctx context.Context, userID int64) ([]Game, error) {
	fields, err := s.rdb.HGetAll(ctx, gamesKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get games for user %d: %w", userID, err)
	}
	games := make([]Game, 0, len(fields))
	for serverID, raw := range fields {
		placeID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			log.Warn().Int64("userId", userID).Str("serverId", serverID).Str("placeId", raw).Msg("presence: skipping game with invalid place id")
			continue
		}
		games = append(games, Game{ID: serverID, PlaceID: placeID})
	}
	return games, nil
}

// Apply records a join or leave reported by a game server.
func (s *Store) Apply(ctx context.Context, a *queues.PlayerActivity) error {
	if err := a.Validate(); err != nil {
		return err
	}
	switch a.EventType {
	case queues.ActivityJoin:
		return s.join(ctx, a)
	case queues.ActivityLeave:
		return s.leave(ctx, a)
	}
	return fmt.Errorf("unexpected activity type %q", a.EventType)
}

func (s *Store) join(ctx context.Context, a *queues.PlayerActivity) error {
	uk, gk := userKey(a.UserID), gamesKey(a.UserID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, uk, "placeId", a.PlaceID, "type", string(InGame))
		pipe.HSet(ctx, gk, a.ServerID, a.PlaceID)
		pipe.Expire(ctx, uk, s.ttl)
		pipe.Expire(ctx, gk, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record join for user %d: %w", a.UserID, err)
	}
	log.Debug().Int64("userId", a.UserID).Int64("placeId", a.PlaceID).Str("serverId", a.ServerID).Msg("presence: player joined")
	return nil
}

// leaveScript removes one game and repoints presence in a single step so a
// concurrent join cannot be overwritten.
//
//	KEYS[1] user hash, KEYS[2] games hash
//	ARGV[1] serverId, ARGV[2] ttl ms, ARGV[3] in-game type, ARGV[4] online type
var leaveScript = redis.NewScript(`
redis.call('HDEL', KEYS[2], ARGV[1])
local games = redis.call('HGETALL', KEYS[2])
if #games > 0 then
  redis.call('HSET', KEYS[1], 'placeId', games[2], 'type', ARGV[3])
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  redis.call('PEXPIRE', KEYS[2], ARGV[2])
  return #games / 2
end
redis.call('HDEL', KEYS[1], 'placeId')
redis.call('HSET', KEYS[1], 'type', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 0
`)

func (s *Store) leave(ctx context.Context, a *queues.PlayerActivity) error {
	keys := []string{userKey(a.UserID), gamesKey(a.UserID)}
	remaining, err := leaveScript.Run(ctx, s.rdb, keys, a.ServerID, s.ttl.Milliseconds(), string(InGame), string(Online)).Int64()
	if err != nil {
		return fmt.Errorf("record leave for user %d: %w", a.UserID, err)
	}
	log.Debug().Int64("userId", a.UserID).Int64("placeId", a.PlaceID).Str("serverId", a.ServerID).Int64("remaining", remaining).Msg("presence: player left")
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("presence store unreachable: %w", err)
	}
	return nil
}
