package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/local/scansplit/internal/store"
)

// Status is the persisted outcome of a session's latest split.
type Status struct {
	State   string
	Message string
	Start   *time.Time
	End     *time.Time
	Report  json.RawMessage
}

type StatusStore interface {
	Set(ctx context.Context, sessionID string, st Status) error
	Get(ctx context.Context, sessionID string) (Status, bool, error)
	Delete(ctx context.Context, sessionID string) error
}

type redisStatusAdapter struct{ s *store.RedisStatus }

func NewStatusAdapter(s *store.RedisStatus) StatusStore { return &redisStatusAdapter{s: s} }

func (a *redisStatusAdapter) Set(ctx context.Context, sessionID string, st Status) error {
	return a.s.Set(ctx, sessionID, store.Status{
		State:   st.State,
		Message: st.Message,
		Start:   st.Start,
		End:     st.End,
		Report:  st.Report,
	})
}

func (a *redisStatusAdapter) Get(ctx context.Context, sessionID string) (Status, bool, error) {
	st, ok, err := a.s.Get(ctx, sessionID)
	if !ok || err != nil {
		return Status{}, ok, err
	}
	return Status{
		State:   st.State,
		Message: st.Message,
		Start:   st.Start,
		End:     st.End,
		Report:  st.Report,
	}, true, nil
}

func (a *redisStatusAdapter) Delete(ctx context.Context, sessionID string) error {
	return a.s.Delete(ctx, sessionID)
}
