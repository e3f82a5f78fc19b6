// ABOUTME: Group v1/v2 rows, rosters, and the v1-to-v2 migration bookkeeping
// ABOUTME: Group ids are content-derived and stored hex-encoded

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (d *DB) upsertGroupV1Tx(ctx context.Context, tx *sql.Tx, group *GroupV1) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO group_v1 (id, name) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name
	`, group.ID, group.Name)
	if err != nil {
		return fmt.Errorf("upserting group v1 %s: %w", group.ID, err)
	}
	return d.replaceGroupV1MembersTx(ctx, tx, group)
}

func (d *DB) replaceGroupV1MembersTx(ctx context.Context, tx *sql.Tx, group *GroupV1) error {
	if group.Members == nil {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM group_v1_members WHERE group_v1_id = ?`, group.ID); err != nil {
		return fmt.Errorf("clearing group v1 roster: %w", err)
	}
	for _, m := range group.Members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO group_v1_members (group_v1_id, recipient_id, member_since)
			VALUES (?, ?, ?)
		`, group.ID, m.RecipientID, millisPtr(m.MemberSince)); err != nil {
			return fmt.Errorf("inserting group v1 member: %w", err)
		}
	}
	return nil
}

func (d *DB) upsertGroupV2Tx(ctx context.Context, tx *sql.Tx, group *GroupV2) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO group_v2 (id, master_key, name, revision) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			master_key = excluded.master_key,
			name = excluded.name,
			revision = MAX(group_v2.revision, excluded.revision)
	`, group.ID, group.MasterKey, group.Name, group.Revision)
	if err != nil {
		return fmt.Errorf("upserting group v2 %s: %w", group.ID, err)
	}
	if group.Members == nil {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM group_v2_members WHERE group_v2_id = ?`, group.ID); err != nil {
		return fmt.Errorf("clearing group v2 roster: %w", err)
	}
	for _, m := range group.Members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO group_v2_members (group_v2_id, recipient_id, member_since, joined_at_revision, role)
			VALUES (?, ?, ?, ?, ?)
		`, group.ID, m.RecipientID, millisPtr(m.MemberSince), m.JoinedAtRevision, m.Role); err != nil {
			return fmt.Errorf("inserting group v2 member: %w", err)
		}
	}
	return nil
}

// FetchGroupV1 retrieves a legacy group with its roster.
func (d *DB) FetchGroupV1(ctx context.Context, id string) (*GroupV1, error) {
	var g GroupV1
	var expected sql.NullString
	err := d.db.QueryRowContext(ctx,
		`SELECT id, name, expected_v2_id FROM group_v1 WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &expected)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying group v1: %w", err)
	}
	if expected.Valid {
		g.ExpectedV2ID = &expected.String
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT group_v1_id, recipient_id, member_since
		FROM group_v1_members WHERE group_v1_id = ? ORDER BY recipient_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying group v1 roster: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m GroupV1Member
		var since sql.NullInt64
		if err := rows.Scan(&m.GroupV1ID, &m.RecipientID, &since); err != nil {
			return nil, fmt.Errorf("scanning group v1 member: %w", err)
		}
		m.MemberSince = timePtr(since)
		g.Members = append(g.Members, m)
	}
	return &g, rows.Err()
}

// FetchGroupV2 retrieves a v2 group with its roster.
func (d *DB) FetchGroupV2(ctx context.Context, id string) (*GroupV2, error) {
	var g GroupV2
	err := d.db.QueryRowContext(ctx,
		`SELECT id, master_key, name, revision FROM group_v2 WHERE id = ?`, id).
		Scan(&g.ID, &g.MasterKey, &g.Name, &g.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying group v2: %w", err)
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT group_v2_id, recipient_id, member_since, joined_at_revision, role
		FROM group_v2_members WHERE group_v2_id = ? ORDER BY recipient_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying group v2 roster: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m GroupV2Member
		var since sql.NullInt64
		if err := rows.Scan(&m.GroupV2ID, &m.RecipientID, &since, &m.JoinedAtRevision, &m.Role); err != nil {
			return nil, fmt.Errorf("scanning group v2 member: %w", err)
		}
		m.MemberSince = timePtr(since)
		g.Members = append(g.Members, m)
	}
	return &g, rows.Err()
}

// FetchGroupV1sWithoutExpectedV2ID returns the v1 group ids that have no
// expected migration id computed yet.
func (d *DB) FetchGroupV1sWithoutExpectedV2ID(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id FROM group_v1 WHERE expected_v2_id IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying unmigrated v1 groups: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning group id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetGroupV1ExpectedV2ID records the v2 id a v1 group is expected to
// migrate to, so the arrival of that v2 group can be recognized.
func (d *DB) SetGroupV1ExpectedV2ID(ctx context.Context, id, expectedV2ID string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE group_v1 SET expected_v2_id = ? WHERE id = ?`, expectedV2ID, id)
	if err != nil {
		return fmt.Errorf("setting expected v2 id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FetchGroupV1ByExpectedV2ID finds the v1 group that was expected to
// migrate to the given v2 id, if any.
func (d *DB) FetchGroupV1ByExpectedV2ID(ctx context.Context, expectedV2ID string) (*GroupV1, error) {
	var id string
	err := d.db.QueryRowContext(ctx,
		`SELECT id FROM group_v1 WHERE expected_v2_id = ?`, expectedV2ID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying group by expected v2 id: %w", err)
	}
	return d.FetchGroupV1(ctx, id)
}
