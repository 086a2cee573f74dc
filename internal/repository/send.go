package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pulsecast/pulsecast/internal/models"
)

type SendRepository struct {
	db *sql.DB
}

func NewSendRepository(db *sql.DB) *SendRepository {
	return &SendRepository{db: db}
}

// CreatePending inserts pending send records for a campaign in one
// transaction. These rows are the durable dispatch state: resume loads
// whatever is still pending.
func (r *SendRepository) CreatePending(campaignID string, records []models.SendRecord) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO sends (id, campaign_id, session_id, target_user_id, target_username, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for i := range records {
		records[i].ID = uuid.New().String()
		records[i].CampaignID = campaignID
		records[i].Status = models.SendPending
		records[i].CreatedAt = now

		_, err := stmt.Exec(records[i].ID, records[i].CampaignID, records[i].SessionID,
			records[i].TargetUserID, records[i].TargetUsername, records[i].Status, records[i].CreatedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// MarkSent marks a record delivered through the given session
func (r *SendRepository) MarkSent(id, sessionID string) error {
	_, err := r.db.Exec(`
		UPDATE sends SET status = ?, session_id = ?, error = NULL, sent_at = ? WHERE id = ?`,
		models.SendSent, sessionID, time.Now(), id,
	)
	return err
}

// MarkFailed marks a record failed with the given reason
func (r *SendRepository) MarkFailed(id, reason string) error {
	_, err := r.db.Exec(`
		UPDATE sends SET status = ?, error = ? WHERE id = ?`,
		models.SendFailed, reason, id,
	)
	return err
}

// UpdateSession reassigns a pending record to another session
func (r *SendRepository) UpdateSession(id, sessionID string) error {
	_, err := r.db.Exec(`
		UPDATE sends SET session_id = ? WHERE id = ? AND status = ?`,
		sessionID, id, models.SendPending,
	)
	return err
}

// ListPending returns a campaign's pending records in insertion order
func (r *SendRepository) ListPending(campaignID string) ([]models.SendRecord, error) {
	rows, err := r.db.Query(`
		SELECT id, campaign_id, session_id, target_user_id, target_username, status, error, created_at, sent_at
		FROM sends WHERE campaign_id = ? AND status = ? ORDER BY rowid`,
		campaignID, models.SendPending,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSendRecords(rows)
}

// TeamHistory returns delivered send records across all non-draft
// campaigns of a team. This is the dedup history for new campaigns.
func (r *SendRepository) TeamHistory(teamID string) ([]models.SendRecord, error) {
	rows, err := r.db.Query(`
		SELECT s.id, s.campaign_id, s.session_id, s.target_user_id, s.target_username, s.status, s.error, s.created_at, s.sent_at
		FROM sends s
		JOIN campaigns c ON s.campaign_id = c.id
		WHERE c.team_id = ? AND c.status != ? AND s.status = ?`,
		teamID, models.CampaignDraft, models.SendSent,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSendRecords(rows)
}

// Stats returns aggregated send counts for a campaign
func (r *SendRepository) Stats(campaignID string) (models.SendStats, error) {
	var stats models.SendStats
	err := r.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM sends WHERE campaign_id = ?`, campaignID,
	).Scan(&stats.Total, &stats.Pending, &stats.Sent, &stats.Failed)
	if err != nil {
		return stats, fmt.Errorf("failed to aggregate send stats: %w", err)
	}
	return stats, nil
}

func scanSendRecords(rows *sql.Rows) ([]models.SendRecord, error) {
	records := []models.SendRecord{}
	for rows.Next() {
		var rec models.SendRecord
		var sessionID, targetUserID, targetUsername, sendError sql.NullString
		var sentAt sql.NullTime

		err := rows.Scan(&rec.ID, &rec.CampaignID, &sessionID, &targetUserID, &targetUsername,
			&rec.Status, &sendError, &rec.CreatedAt, &sentAt)
		if err != nil {
			return nil, err
		}

		rec.SessionID = sessionID.String
		rec.TargetUserID = targetUserID.String
		rec.TargetUsername = targetUsername.String
		rec.Error = sendError.String
		if sentAt.Valid {
			rec.SentAt = &sentAt.Time
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
