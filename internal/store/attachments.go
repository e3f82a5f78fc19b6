// ABOUTME: Attachment registration and download state tracking
// ABOUTME: Attachments belong to messages; the blob lands on disk, the row holds the path

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RegisterAttachment creates an attachment row for a message, typically in
// the pending state before the blob is downloaded or uploaded.
func (d *DB) RegisterAttachment(ctx context.Context, att *Attachment) (*Attachment, error) {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO attachments (message_id, content_type, path, pending_upload, transfer_state,
			width, height, sticker_pack_id, sticker_id, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, att.MessageID, att.ContentType, att.Path, att.PendingUpload, att.TransferState,
		att.Width, att.Height, att.StickerPackID, att.StickerID, att.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("inserting attachment: %w", err)
	}
	id, _ := res.LastInsertId()
	att.ID = id
	d.logger.Debug("registered attachment", "attachment_id", id, "message_id", att.MessageID)
	return att, nil
}

// MarkAttachmentDownloaded records the on-disk path and content hash once
// the blob has been fetched.
func (d *DB) MarkAttachmentDownloaded(ctx context.Context, id int64, path string, hash []byte) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE attachments SET path = ?, content_hash = ?, transfer_state = 0, pending_upload = 0
		WHERE id = ?
	`, path, hash, id)
	if err != nil {
		return fmt.Errorf("marking attachment downloaded: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FetchAttachment retrieves an attachment by id.
func (d *DB) FetchAttachment(ctx context.Context, id int64) (*Attachment, error) {
	return scanAttachment(d.db.QueryRowContext(ctx, `
		SELECT id, message_id, content_type, path, pending_upload, transfer_state,
			width, height, sticker_pack_id, sticker_id, content_hash
		FROM attachments WHERE id = ?
	`, id))
}

// FetchAttachmentsForMessage returns all attachments on a message.
func (d *DB) FetchAttachmentsForMessage(ctx context.Context, messageID int64) ([]*Attachment, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, message_id, content_type, path, pending_upload, transfer_state,
			width, height, sticker_pack_id, sticker_id, content_hash
		FROM attachments WHERE message_id = ?
		ORDER BY id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying attachments: %w", err)
	}
	defer rows.Close()

	var attachments []*Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attachments: %w", err)
	}
	return attachments, nil
}

func scanAttachment(row rowScanner) (*Attachment, error) {
	var a Attachment
	var path, stickerPack sql.NullString
	var width, height, stickerID sql.NullInt64

	err := row.Scan(&a.ID, &a.MessageID, &a.ContentType, &path, &a.PendingUpload, &a.TransferState,
		&width, &height, &stickerPack, &stickerID, &a.ContentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning attachment: %w", err)
	}

	if path.Valid {
		a.Path = &path.String
	}
	if width.Valid {
		a.Width = &width.Int64
	}
	if height.Valid {
		a.Height = &height.Int64
	}
	if stickerPack.Valid {
		a.StickerPackID = &stickerPack.String
	}
	if stickerID.Valid {
		a.StickerID = &stickerID.Int64
	}
	return &a, nil
}
