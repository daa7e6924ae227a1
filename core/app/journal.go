package app

import (
	"context"
	"log/slog"

	"github.com/m3rciful/relaybot/core/database"
	"github.com/m3rciful/relaybot/core/dialog"
	"github.com/m3rciful/relaybot/core/logger"
)

// DeliveryRecorder is the write side of the deliveries table.
type DeliveryRecorder interface {
	Record(ctx context.Context, d database.Delivery) (bool, error)
}

// Journal stores dispatch receipts as delivery rows.
type Journal struct {
	repo DeliveryRecorder
}

// NewJournal adapts repo to dialog.Journal.
func NewJournal(repo DeliveryRecorder) *Journal {
	return &Journal{repo: repo}
}

// Record inserts the receipt; a repeated submission id is logged and ignored.
func (j *Journal) Record(ctx context.Context, r dialog.Receipt) error {
	inserted, err := j.repo.Record(ctx, database.Delivery{
		SubmissionID: r.SubmissionID,
		UserID:       r.UserID,
		ChatID:       r.ChatID,
		MessageID:    r.MessageID,
		Permalink:    r.Permalink,
		Kind:         string(r.Kind),
	})
	if err != nil {
		return err
	}
	if !inserted {
		logger.Debug(ctx, logger.CompDB, "delivery.record",
			slog.String("status", "skip"),
			slog.String("outcome", "duplicate"),
			slog.String("submission_id", r.SubmissionID),
		)
	}
	return nil
}
