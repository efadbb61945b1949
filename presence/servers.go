package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func serverPingKey(serverID string) string { return "presence:server:" + serverID + ":ping" }

// SetServerPing records that a game server reported in. The record expires
// with the presence ttl.
func (s *Store) SetServerPing(ctx context.Context, serverID string) error {
	at := s.now().UTC()
	if err := s.rdb.Set(ctx, serverPingKey(serverID), at.UnixMilli(), s.ttl).Err(); err != nil {
		return fmt.Errorf("record ping for server %s: %w", serverID, err)
	}
	log.Debug().Str("serverId", serverID).Time("at", at).Msg("presence: server ping")
	return nil
}

// LastServerPing returns the zero time when the server has no ping on record.
func (s *Store) LastServerPing(ctx context.Context, serverID string) (time.Time, error) {
	ms, err := s.rdb.Get(ctx, serverPingKey(serverID)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get ping for server %s: %w", serverID, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// ForgetServer drops the server's ping record.
func (s *Store) ForgetServer(ctx context.Context, serverID string) error {
	if err := s.rdb.Del(ctx, serverPingKey(serverID)).Err(); err != nil {
		return fmt.Errorf("forget server %s: %w", serverID, err)
	}
	return nil
}
