package pgstore

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/backend-pos/internal/draft"
	"github.com/noah-isme/backend-pos/internal/session"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store persists till state in PostgreSQL.
type Store struct {
	DB *pgxpool.Pool
}

// New constructs a PostgreSQL store.
func New(db *pgxpool.Pool) *Store {
	return &Store{DB: db}
}

// Migrate applies the embedded schema migrations to databaseURL.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(databaseURL))
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func migrateURL(databaseURL string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(databaseURL, scheme) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, scheme)
		}
	}
	return databaseURL
}

func (s *Store) ready() error {
	if s == nil || s.DB == nil {
		return errors.New("pgstore: database not configured")
	}
	return nil
}

// LoadSession implements session.Store.
func (s *Store) LoadSession(ctx context.Context, terminalID string) (session.Session, bool, error) {
	if err := s.ready(); err != nil {
		return session.Session{}, false, err
	}
	var payload []byte
	err := s.DB.QueryRow(ctx, `SELECT payload FROM pos_sessions WHERE terminal_id = $1`, terminalID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.Session{}, false, nil
		}
		return session.Session{}, false, err
	}
	var out session.Session
	if err := json.Unmarshal(payload, &out); err != nil {
		return session.Session{}, false, fmt.Errorf("decode session %s: %w", terminalID, err)
	}
	return out, true, nil
}

// SaveSession implements session.Store.
func (s *Store) SaveSession(ctx context.Context, sess session.Session) error {
	if err := s.ready(); err != nil {
		return err
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO pos_sessions (terminal_id, owner_token, opening_cash, drawer_cash, started_at, payload, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (terminal_id) DO UPDATE SET
    owner_token = EXCLUDED.owner_token,
    opening_cash = EXCLUDED.opening_cash,
    drawer_cash = EXCLUDED.drawer_cash,
    started_at = EXCLUDED.started_at,
    payload = EXCLUDED.payload,
    updated_at = NOW()`,
		sess.TerminalID, sess.OwnerToken, sess.OpeningCash, sess.DrawerCash, sess.StartedAt, payload)
	return err
}

// DeleteSession implements session.Store.
func (s *Store) DeleteSession(ctx context.Context, terminalID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.DB.Exec(ctx, `DELETE FROM pos_sessions WHERE terminal_id = $1`, terminalID)
	return err
}

// SaveDraft implements draft.Store.
func (s *Store) SaveDraft(ctx context.Context, b draft.Bill) error {
	if err := s.ready(); err != nil {
		return err
	}
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO pos_drafts (id, terminal_id, held_at, payload) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, held_at = EXCLUDED.held_at`,
		b.ID, b.TerminalID, b.HeldAt, payload)
	return err
}

// ListDrafts implements draft.Store.
func (s *Store) ListDrafts(ctx context.Context, terminalID string) ([]draft.Bill, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.DB.Query(ctx, `SELECT payload FROM pos_drafts WHERE terminal_id = $1 ORDER BY held_at, id`, terminalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]draft.Bill, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var b draft.Bill
		if err := json.Unmarshal(payload, &b); err != nil {
			return nil, fmt.Errorf("decode draft: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// PopDraft implements draft.Store. DELETE ... RETURNING hands the row to exactly one caller.
func (s *Store) PopDraft(ctx context.Context, terminalID, id string) (draft.Bill, error) {
	if err := s.ready(); err != nil {
		return draft.Bill{}, err
	}
	var payload []byte
	err := s.DB.QueryRow(ctx, `DELETE FROM pos_drafts WHERE terminal_id = $1 AND id = $2 RETURNING payload`, terminalID, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return draft.Bill{}, draft.ErrNotFound
		}
		return draft.Bill{}, err
	}
	var b draft.Bill
	if err := json.Unmarshal(payload, &b); err != nil {
		return draft.Bill{}, fmt.Errorf("decode draft %s: %w", id, err)
	}
	return b, nil
}
