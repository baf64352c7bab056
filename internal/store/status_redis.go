package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Status is the persisted view of a session's last split.
type Status struct {
	State   string          `json:"state"`
	Message string          `json:"message"`
	Start   *time.Time      `json:"start_time,omitempty"`
	End     *time.Time      `json:"end_time,omitempty"`
	Report  json.RawMessage `json:"report,omitempty"`
}

type RedisStatus struct {
	client *redis.Client
	keyNS  string
	ttl    time.Duration
}

// NewRedisStatus keeps each session status for ttl after its last update.
func NewRedisStatus(client *redis.Client, ttl time.Duration) *RedisStatus {
	return &RedisStatus{client: client, keyNS: "scansplit:session", ttl: ttl}
}

func (s *RedisStatus) key(sessionID string) string { return fmt.Sprintf("%s:%s:status", s.keyNS, sessionID) }

func (s *RedisStatus) Set(ctx context.Context, sessionID string, st Status) error {
	m := map[string]interface{}{
		"state":   st.State,
		"message": st.Message,
	}
	if st.Start != nil {
		m["start"] = st.Start.Format(time.RFC3339Nano)
	}
	if st.End != nil {
		m["end"] = st.End.Format(time.RFC3339Nano)
	}
	if len(st.Report) > 0 {
		m["report"] = string(st.Report)
	}

	key := s.key(sessionID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, m)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStatus) Get(ctx context.Context, sessionID string) (Status, bool, error) {
	res, err := s.client.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return Status{}, false, err
	}
	if len(res) == 0 {
		return Status{}, false, nil
	}
	st := Status{State: res["state"], Message: res["message"]}
	if v := res["start"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.Start = &t
		}
	}
	if v := res["end"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.End = &t
		}
	}
	if v := res["report"]; v != "" {
		st.Report = json.RawMessage(v)
	}
	return st, true, nil
}

func (s *RedisStatus) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, s.key(sessionID)).Err()
}
