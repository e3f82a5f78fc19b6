// ABOUTME: Delivery/read/viewed receipt tracking per message and recipient
// ABOUTME: Each timestamp is set at most once; receipt kinds never unset each other

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ApplyReceipt records a receipt of the given kind. Each of the three
// timestamps is monotone: once set it is never overwritten, so a
// later-arriving delivery receipt cannot unset an earlier read receipt.
func (d *DB) ApplyReceipt(ctx context.Context, messageID, recipientID int64, kind ReceiptKind, at time.Time) error {
	var column string
	switch kind {
	case ReceiptDelivered:
		column = "delivered"
	case ReceiptRead:
		column = "read"
	case ReceiptViewed:
		column = "viewed"
	default:
		return fmt.Errorf("unknown receipt kind %q", kind)
	}

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO receipts (message_id, recipient_id, `+column+`)
		VALUES (?, ?, ?)
		ON CONFLICT (message_id, recipient_id)
		DO UPDATE SET `+column+` = COALESCE(receipts.`+column+`, excluded.`+column+`)
	`, messageID, recipientID, millis(at))
	if err != nil {
		return fmt.Errorf("applying %s receipt: %w", kind, err)
	}
	d.logger.Debug("applied receipt", "message_id", messageID, "recipient_id", recipientID, "kind", kind)
	return nil
}

// FetchReceipt retrieves the receipt row for one message and recipient.
func (d *DB) FetchReceipt(ctx context.Context, messageID, recipientID int64) (*Receipt, error) {
	var r Receipt
	var delivered, read, viewed sql.NullInt64

	err := d.db.QueryRowContext(ctx, `
		SELECT message_id, recipient_id, delivered, read, viewed
		FROM receipts WHERE message_id = ? AND recipient_id = ?
	`, messageID, recipientID).Scan(&r.MessageID, &r.RecipientID, &delivered, &read, &viewed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying receipt: %w", err)
	}

	r.Delivered = timePtr(delivered)
	r.Read = timePtr(read)
	r.Viewed = timePtr(viewed)
	return &r, nil
}

// FetchReceiptsForMessage returns all receipts on a message.
func (d *DB) FetchReceiptsForMessage(ctx context.Context, messageID int64) ([]*Receipt, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT message_id, recipient_id, delivered, read, viewed
		FROM receipts WHERE message_id = ?
		ORDER BY recipient_id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying receipts: %w", err)
	}
	defer rows.Close()

	var receipts []*Receipt
	for rows.Next() {
		var r Receipt
		var delivered, read, viewed sql.NullInt64
		if err := rows.Scan(&r.MessageID, &r.RecipientID, &delivered, &read, &viewed); err != nil {
			return nil, fmt.Errorf("scanning receipt: %w", err)
		}
		r.Delivered = timePtr(delivered)
		r.Read = timePtr(read)
		r.Viewed = timePtr(viewed)
		receipts = append(receipts, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating receipts: %w", err)
	}
	return receipts, nil
}
