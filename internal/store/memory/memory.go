package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/noah-isme/backend-pos/internal/draft"
	"github.com/noah-isme/backend-pos/internal/session"
)

// Store keeps sessions and held bills in process memory. Values are stored serialised so
// callers never share slices with the store.
type Store struct {
	mu       sync.Mutex
	sessions map[string][]byte
	drafts   map[string]map[string][]byte
}

// New returns an empty store.
func New() *Store {
	return &Store{
		sessions: make(map[string][]byte),
		drafts:   make(map[string]map[string][]byte),
	}
}

// LoadSession implements session.Store.
func (s *Store) LoadSession(_ context.Context, terminalID string) (session.Session, bool, error) {
	s.mu.Lock()
	raw, ok := s.sessions[terminalID]
	s.mu.Unlock()
	if !ok {
		return session.Session{}, false, nil
	}
	var out session.Session
	if err := json.Unmarshal(raw, &out); err != nil {
		return session.Session{}, false, err
	}
	return out, true, nil
}

// SaveSession implements session.Store.
func (s *Store) SaveSession(_ context.Context, sess session.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[sess.TerminalID] = raw
	s.mu.Unlock()
	return nil
}

// DeleteSession implements session.Store.
func (s *Store) DeleteSession(_ context.Context, terminalID string) error {
	s.mu.Lock()
	delete(s.sessions, terminalID)
	s.mu.Unlock()
	return nil
}

// SaveDraft implements draft.Store.
func (s *Store) SaveDraft(_ context.Context, b draft.Bill) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bills, ok := s.drafts[b.TerminalID]
	if !ok {
		bills = make(map[string][]byte)
		s.drafts[b.TerminalID] = bills
	}
	bills[b.ID] = raw
	return nil
}

// ListDrafts implements draft.Store. Bills are ordered by the time they were held.
func (s *Store) ListDrafts(_ context.Context, terminalID string) ([]draft.Bill, error) {
	s.mu.Lock()
	raws := make([][]byte, 0, len(s.drafts[terminalID]))
	for _, raw := range s.drafts[terminalID] {
		raws = append(raws, raw)
	}
	s.mu.Unlock()

	out := make([]draft.Bill, 0, len(raws))
	for _, raw := range raws {
		var b draft.Bill
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].HeldAt.Equal(out[j].HeldAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].HeldAt.Before(out[j].HeldAt)
	})
	return out, nil
}

// PopDraft implements draft.Store.
func (s *Store) PopDraft(_ context.Context, terminalID, id string) (draft.Bill, error) {
	s.mu.Lock()
	raw, ok := s.drafts[terminalID][id]
	if ok {
		delete(s.drafts[terminalID], id)
	}
	s.mu.Unlock()
	if !ok {
		return draft.Bill{}, draft.ErrNotFound
	}
	var b draft.Bill
	if err := json.Unmarshal(raw, &b); err != nil {
		return draft.Bill{}, err
	}
	return b, nil
}
