package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/backend-pos/internal/draft"
	"github.com/noah-isme/backend-pos/internal/session"
)

// Store persists till state in Redis. A session is one JSON value; each held bill is its own
// key indexed by a sorted set scored by the time it was held.
type Store struct {
	R      *redis.Client
	Prefix string
}

// New constructs a Redis store.
func New(client *redis.Client, prefix string) *Store {
	return &Store{R: client, Prefix: prefix}
}

func (s *Store) sessionKey(terminalID string) string {
	return s.Prefix + "session:" + terminalID
}

func (s *Store) draftKey(terminalID, id string) string {
	return s.Prefix + "draft:" + terminalID + ":" + id
}

func (s *Store) draftIndexKey(terminalID string) string {
	return s.Prefix + "drafts:" + terminalID
}

func (s *Store) ready() error {
	if s == nil || s.R == nil {
		return errors.New("redisstore: redis client not configured")
	}
	return nil
}

// LoadSession implements session.Store.
func (s *Store) LoadSession(ctx context.Context, terminalID string) (session.Session, bool, error) {
	if err := s.ready(); err != nil {
		return session.Session{}, false, err
	}
	data, err := s.R.Get(ctx, s.sessionKey(terminalID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return session.Session{}, false, nil
		}
		return session.Session{}, false, err
	}
	var out session.Session
	if err := json.Unmarshal(data, &out); err != nil {
		return session.Session{}, false, fmt.Errorf("decode session %s: %w", terminalID, err)
	}
	return out, true, nil
}

// SaveSession implements session.Store. Sessions do not expire; they end at shift close.
func (s *Store) SaveSession(ctx context.Context, sess session.Session) error {
	if err := s.ready(); err != nil {
		return err
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.R.Set(ctx, s.sessionKey(sess.TerminalID), data, 0).Err()
}

// DeleteSession implements session.Store.
func (s *Store) DeleteSession(ctx context.Context, terminalID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.R.Del(ctx, s.sessionKey(terminalID)).Err()
}

// SaveDraft implements draft.Store.
func (s *Store) SaveDraft(ctx context.Context, b draft.Bill) error {
	if err := s.ready(); err != nil {
		return err
	}
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = s.R.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.draftKey(b.TerminalID, b.ID), data, 0)
		pipe.ZAdd(ctx, s.draftIndexKey(b.TerminalID), redis.Z{Score: float64(b.HeldAt.UnixMilli()), Member: b.ID})
		return nil
	})
	return err
}

// ListDrafts implements draft.Store.
func (s *Store) ListDrafts(ctx context.Context, terminalID string) ([]draft.Bill, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ids, err := s.R.ZRange(ctx, s.draftIndexKey(terminalID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []draft.Bill{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.draftKey(terminalID, id)
	}
	values, err := s.R.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]draft.Bill, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// popped between ZRANGE and MGET
			continue
		}
		var b draft.Bill
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return nil, fmt.Errorf("decode draft %s: %w", ids[i], err)
		}
		out = append(out, b)
	}
	return out, nil
}

// PopDraft implements draft.Store. GETDEL makes the load at-most-once across replicas.
func (s *Store) PopDraft(ctx context.Context, terminalID, id string) (draft.Bill, error) {
	if err := s.ready(); err != nil {
		return draft.Bill{}, err
	}
	if strings.TrimSpace(id) == "" {
		return draft.Bill{}, draft.ErrNotFound
	}
	data, err := s.R.GetDel(ctx, s.draftKey(terminalID, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return draft.Bill{}, draft.ErrNotFound
		}
		return draft.Bill{}, err
	}
	if err := s.R.ZRem(ctx, s.draftIndexKey(terminalID), id).Err(); err != nil {
		return draft.Bill{}, err
	}
	var b draft.Bill
	if err := json.Unmarshal(data, &b); err != nil {
		return draft.Bill{}, fmt.Errorf("decode draft %s: %w", id, err)
	}
	return b, nil
}
