package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Delivery is one row of the deliveries journal.
type Delivery struct {
	SubmissionID string    `db:"submission_id"`
	UserID       int64     `db:"user_id"`
	ChatID       int64     `db:"chat_id"`
	MessageID    int       `db:"message_id"`
	Permalink    string    `db:"permalink"`
	Kind         string    `db:"kind"`
	CreatedAt    time.Time `db:"created_at"`
}

// Deliveries records every message relayed to the destination chat.
type Deliveries struct {
	db *sqlx.DB
}

// NewDeliveries binds the repository to db.
func NewDeliveries(db *sqlx.DB) *Deliveries {
	return &Deliveries{db: db}
}

// Record inserts d once; a repeated submission id is ignored and reported as false.
func (r *Deliveries) Record(ctx context.Context, d Delivery) (bool, error) {
	res, err := r.db.NamedExecContext(ctx, `
INSERT INTO deliveries (submission_id, user_id, chat_id, message_id, permalink, kind)
VALUES (:submission_id, :user_id, :chat_id, :message_id, :permalink, :kind)
ON CONFLICT (submission_id) DO NOTHING`, d)
	if err != nil {
		return false, fmt.Errorf("insert delivery: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Lookup returns the delivery for a submission id, or nil when none exists.
func (r *Deliveries) Lookup(ctx context.Context, submissionID string) (*Delivery, error) {
	var d Delivery
	err := r.db.GetContext(ctx, &d, `
SELECT submission_id, user_id, chat_id, message_id, permalink, kind, created_at
FROM deliveries WHERE submission_id = $1`, submissionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select delivery: %w", err)
	}
	return &d, nil
}

// RecentByUser lists the latest deliveries of a user, newest first.
func (r *Deliveries) RecentByUser(ctx context.Context, userID int64, limit int) ([]Delivery, error) {
	var out []Delivery
	err := r.db.SelectContext(ctx, &out, `
SELECT submission_id, user_id, chat_id, message_id, permalink, kind, created_at
FROM deliveries WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("select deliveries: %w", err)
	}
	return out, nil
}
