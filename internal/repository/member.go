package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pulsecast/pulsecast/internal/models"
)

type MemberRepository struct {
	db *sql.DB
}

func NewMemberRepository(db *sql.DB) *MemberRepository {
	return &MemberRepository{db: db}
}

// AddMembers inserts group members in one transaction, replacing any
// existing row for the same (group, user) pair.
func (r *MemberRepository) AddMembers(teamID, groupID string, members []models.Recipient) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO group_members (team_id, group_id, user_id, username, is_bot, added_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, m := range members {
		if _, err := stmt.Exec(teamID, groupID, m.UserID, m.Username, m.IsBot, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListByGroups returns members of the given groups in insertion order.
// A user present in several groups appears once.
func (r *MemberRepository) ListByGroups(teamID string, filter models.RecipientFilter) ([]models.Recipient, error) {
	if len(filter.GroupIDs) == 0 {
		return []models.Recipient{}, nil
	}

	placeholders := strings.Repeat("?,", len(filter.GroupIDs))
	placeholders = placeholders[:len(placeholders)-1]

	query := fmt.Sprintf(`
		SELECT user_id, MAX(username), MAX(is_bot)
		FROM group_members
		WHERE team_id = ? AND group_id IN (%s)`, placeholders)

	args := []any{teamID}
	for _, g := range filter.GroupIDs {
		args = append(args, g)
	}

	if filter.ExcludeBots {
		query += " AND is_bot = 0"
	}
	query += " GROUP BY user_id ORDER BY MIN(rowid)"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := []models.Recipient{}
	for rows.Next() {
		var m models.Recipient
		var username sql.NullString
		if err := rows.Scan(&m.UserID, &username, &m.IsBot); err != nil {
			return nil, err
		}
		m.Username = username.String
		members = append(members, m)
	}

	return members, rows.Err()
}

// CountByGroups returns the distinct member count across the given groups
func (r *MemberRepository) CountByGroups(teamID string, groupIDs []string) (int, error) {
	if len(groupIDs) == 0 {
		return 0, nil
	}

	placeholders := strings.Repeat("?,", len(groupIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := []any{teamID}
	for _, g := range groupIDs {
		args = append(args, g)
	}

	var count int
	err := r.db.QueryRow(fmt.Sprintf(`
		SELECT COUNT(DISTINCT user_id) FROM group_members
		WHERE team_id = ? AND group_id IN (%s)`, placeholders), args...,
	).Scan(&count)
	return count, err
}
