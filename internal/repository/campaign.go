// Package repository provides sqlite-backed persistence for campaigns,
// group members, sends, and sessions.
package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pulsecast/pulsecast/internal/models"
)

type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create creates a new campaign in draft status
func (r *CampaignRepository) Create(c *models.Campaign) error {
	c.ID = uuid.New().String()
	c.Status = models.CampaignDraft
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt

	_, err := r.db.Exec(`
		INSERT INTO campaigns (id, team_id, user_id, name, message_template, variables, target_groups, policy, strategy, timing, status, target_set, progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TeamID, c.UserID, c.Name, c.MessageTemplate, c.Variables, c.TargetGroups, c.Policy, c.Strategy, c.Timing, c.Status, c.TargetSet, c.Progress, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// GetByID returns a campaign by ID, nil when not found
func (r *CampaignRepository) GetByID(id string) (*models.Campaign, error) {
	c := &models.Campaign{}
	var variables, targetGroups, policy, timing, targetSet, progress sql.NullString

	err := r.db.QueryRow(`
		SELECT id, team_id, user_id, name, message_template, variables, target_groups, policy, strategy, timing, status, target_set, progress, created_at, updated_at
		FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.TeamID, &c.UserID, &c.Name, &c.MessageTemplate, &variables, &targetGroups, &policy, &c.Strategy, &timing, &c.Status, &targetSet, &progress, &c.CreatedAt, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.Variables = variables.String
	c.TargetGroups = targetGroups.String
	c.Policy = policy.String
	c.Timing = timing.String
	c.TargetSet = targetSet.String
	c.Progress = progress.String
	return c, nil
}

// List returns campaigns with optional filtering
func (r *CampaignRepository) List(filter models.CampaignListFilter) ([]models.Campaign, int, error) {
	countQuery := "SELECT COUNT(*) FROM campaigns WHERE 1=1"
	args := []any{}

	if filter.TeamID != "" {
		countQuery += " AND team_id = ?"
		args = append(args, filter.TeamID)
	}
	if filter.Status != "" {
		countQuery += " AND status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, team_id, user_id, name, message_template, variables, target_groups, policy, strategy, timing, status, target_set, progress, created_at, updated_at
		FROM campaigns WHERE 1=1`

	args = []any{}
	if filter.TeamID != "" {
		query += " AND team_id = ?"
		args = append(args, filter.TeamID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	query += " ORDER BY created_at DESC"

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
		return nil, 0, err
	}
	defer rows.Close()

	campaigns := []models.Campaign{}
	for rows.Next() {
		var c models.Campaign
		var variables, targetGroups, policy, timing, targetSet, progress sql.NullString
		err := rows.Scan(&c.ID, &c.TeamID, &c.UserID, &c.Name, &c.MessageTemplate, &variables, &targetGroups, &policy, &c.Strategy, &timing, &c.Status, &targetSet, &progress, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return nil, 0, err
		}
		c.Variables = variables.String
		c.TargetGroups = targetGroups.String
		c.Policy = policy.String
		c.Timing = timing.String
		c.TargetSet = targetSet.String
		c.Progress = progress.String
		campaigns = append(campaigns, c)
	}

	return campaigns, total, rows.Err()
}

// UpdateStatus transitions a campaign, guarding against concurrent writers
// by requiring the current status to match.
func (r *CampaignRepository) UpdateStatus(id string, from, to models.CampaignStatus) error {
	res, err := r.db.Exec(`
		UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now(), id, from,
	)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("campaign %s is not in status %s", id, from)
	}
	return nil
}

// SetStatus sets the campaign status unconditionally
func (r *CampaignRepository) SetStatus(id string, status models.CampaignStatus) error {
	_, err := r.db.Exec(`
		UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now(), id,
	)
	return err
}

// UpdateProgress persists the campaign progress snapshot
func (r *CampaignRepository) UpdateProgress(id string, progressJSON string) error {
	_, err := r.db.Exec(`
		UPDATE campaigns SET progress = ?, updated_at = ? WHERE id = ?`,
		progressJSON, time.Now(), id,
	)
	return err
}

// Delete deletes a campaign and, via cascade, its send records
func (r *CampaignRepository) Delete(id string) error {
	_, err := r.db.Exec("DELETE FROM campaigns WHERE id = ?", id)
	return err
}
