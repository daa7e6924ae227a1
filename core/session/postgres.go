package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresStore keeps sessions in the dialog_sessions table.
// Expired rows are invisible to reads and removed by PurgeExpired.
type PostgresStore struct {
	db  *sqlx.DB
	ttl time.Duration
	now func() time.Time
}

// NewPostgresStore uses an already migrated connection.
func NewPostgresStore(db *sqlx.DB, ttl time.Duration) *PostgresStore {
	return &PostgresStore{db: db, ttl: ttl, now: time.Now}
}

type sessionRow struct {
	UserID    int64     `db:"user_id"`
	StackID   string    `db:"stack_id"`
	ChatID    int64     `db:"chat_id"`
	State     string    `db:"state"`
	Stack     []byte    `db:"stack"`
	Data      []byte    `db:"data"`
	Version   int64     `db:"version"`
	Epoch     string    `db:"epoch"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

const (
	selectSession = `
SELECT user_id, stack_id, chat_id, state, stack, data, version, epoch, created_at, updated_at
FROM dialog_sessions
WHERE user_id = $1 AND stack_id = $2 AND expires_at > $3`

	// $7 is the write time, $8 the new expiry, $9 the epoch of a new record.
	upsertSession = `
INSERT INTO dialog_sessions AS s (user_id, stack_id, chat_id, state, stack, data, version, epoch, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, 1, $9, $7, $7, $8)
ON CONFLICT (user_id, stack_id) DO UPDATE SET
	chat_id    = EXCLUDED.chat_id,
	state      = EXCLUDED.state,
	stack      = EXCLUDED.stack,
	data       = CASE WHEN s.expires_at > $7 THEN s.data || EXCLUDED.data ELSE EXCLUDED.data END,
	created_at = CASE WHEN s.expires_at > $7 THEN s.created_at ELSE EXCLUDED.created_at END,
	epoch      = CASE WHEN s.expires_at > $7 THEN s.epoch ELSE EXCLUDED.epoch END,
	version    = s.version + 1,
	updated_at = EXCLUDED.updated_at,
	expires_at = EXCLUDED.expires_at`

	createIfAbsent = upsertSession + `
WHERE s.expires_at <= $7
RETURNING version, epoch`

	swapSession = `
UPDATE dialog_sessions SET
	chat_id    = $3,
	state      = $4,
	stack      = $5::jsonb,
	data       = data || $6::jsonb,
	version    = version + 1,
	updated_at = $7,
	expires_at = $8
WHERE user_id = $1 AND stack_id = $2 AND version = $9 AND expires_at > $7
	AND ($10::text = '' OR epoch = $10::text)
RETURNING version, epoch`
)

// Get returns the live session for key.
func (p *PostgresStore) Get(ctx context.Context, key Key) (*Session, error) {
	var row sessionRow
	err := p.db.GetContext(ctx, &row, selectSession, key.UserID, key.StackID, p.now())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	return row.session()
}

// Put upserts s.
func (p *PostgresStore) Put(ctx context.Context, s *Session) error {
	args, err := p.writeArgs(s)
	if err != nil {
		return err
	}
	var version int64
	var epoch string
	err = p.db.QueryRowxContext(ctx, upsertSession+"\nRETURNING version, epoch", append(args, newEpoch())...).Scan(&version, &epoch)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	p.applyVersion(s, version, epoch, args[6].(time.Time))
	return nil
}

// CompareAndSwap conditions the write on the version column.
func (p *PostgresStore) CompareAndSwap(ctx context.Context, s *Session, expected uint64) error {
	args, err := p.writeArgs(s)
	if err != nil {
		return err
	}
	now := args[6].(time.Time)

	var version int64
	var epoch string
	if expected == 0 {
		err = p.db.QueryRowxContext(ctx, createIfAbsent, append(args, newEpoch())...).Scan(&version, &epoch)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConflict
		}
	} else {
		err = p.db.QueryRowxContext(ctx, swapSession, append(args, int64(expected), s.Epoch)...).Scan(&version, &epoch)
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := p.Get(ctx, s.Key()); errors.Is(getErr, ErrNotFound) {
				return ErrNotFound
			}
			return ErrConflict
		}
	}
	if err != nil {
		return fmt.Errorf("swap session: %w", err)
	}
	p.applyVersion(s, version, epoch, now)
	return nil
}

// Delete removes one row.
func (p *PostgresStore) Delete(ctx context.Context, key Key) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM dialog_sessions WHERE user_id = $1 AND stack_id = $2`, key.UserID, key.StackID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeUser removes every stack of the user.
func (p *PostgresStore) PurgeUser(ctx context.Context, userID int64) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM dialog_sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("purge user sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeExpired removes rows past their expiry.
func (p *PostgresStore) PurgeExpired(ctx context.Context) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM dialog_sessions WHERE expires_at <= $1`, p.now())
	if err != nil {
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close is a no-op; the connection is owned by the caller.
func (p *PostgresStore) Close() error { return nil }

func (p *PostgresStore) writeArgs(s *Session) ([]any, error) {
	stack, err := json.Marshal(s.Stack)
	if err != nil {
		return nil, fmt.Errorf("encode stack: %w", err)
	}
	data := s.Data
	if data == nil {
		data = map[string]json.RawMessage{}
	}
	bag, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode data: %w", err)
	}
	now := p.now().UTC()
	return []any{
		s.UserID, s.StackID, s.ChatID, s.State(),
		string(stack), string(bag),
		now, now.Add(p.ttl),
	}, nil
}

func (p *PostgresStore) applyVersion(s *Session, version int64, epoch string, now time.Time) {
	s.Version = uint64(version)
	s.Epoch = epoch
	s.UpdatedAt = now
}

func (r sessionRow) session() (*Session, error) {
	s := &Session{
		UserID:    r.UserID,
		StackID:   r.StackID,
		ChatID:    r.ChatID,
		Version:   uint64(r.Version),
		Epoch:     r.Epoch,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Stack, &s.Stack); err != nil {
		return nil, fmt.Errorf("decode stack: %w", err)
	}
	if err := json.Unmarshal(r.Data, &s.Data); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	return s, nil
}
