package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pulsecast/pulsecast/internal/models"
)

type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create registers a sending session
func (r *SessionRepository) Create(s *models.Session) error {
	s.ID = uuid.New().String()
	s.CreatedAt = time.Now()
	if s.Weight <= 0 {
		s.Weight = 1
	}

	_, err := r.db.Exec(`
		INSERT INTO sessions (id, name, weight, hourly_cap, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.Weight, s.HourlyCap, s.Enabled, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetByID returns a session by ID, nil when not found
func (r *SessionRepository) GetByID(id string) (*models.Session, error) {
	s := &models.Session{}
	err := r.db.QueryRow(`
		SELECT id, name, weight, hourly_cap, enabled, created_at
		FROM sessions WHERE id = ?`, id,
	).Scan(&s.ID, &s.Name, &s.Weight, &s.HourlyCap, &s.Enabled, &s.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// List returns all sessions ordered by name
func (r *SessionRepository) List() ([]models.Session, error) {
	rows, err := r.db.Query(`
		SELECT id, name, weight, hourly_cap, enabled, created_at
		FROM sessions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []models.Session{}
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.ID, &s.Name, &s.Weight, &s.HourlyCap, &s.Enabled, &s.CreatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

// ListEnabled returns enabled sessions ordered by name
func (r *SessionRepository) ListEnabled() ([]models.Session, error) {
	rows, err := r.db.Query(`
		SELECT id, name, weight, hourly_cap, enabled, created_at
		FROM sessions WHERE enabled = 1 ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []models.Session{}
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.ID, &s.Name, &s.Weight, &s.HourlyCap, &s.Enabled, &s.CreatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

// SetEnabled toggles a session
func (r *SessionRepository) SetEnabled(id string, enabled bool) error {
	res, err := r.db.Exec("UPDATE sessions SET enabled = ? WHERE id = ?", enabled, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// Update updates a session's tunable fields
func (r *SessionRepository) Update(s *models.Session) error {
	_, err := r.db.Exec(`
		UPDATE sessions SET name = ?, weight = ?, hourly_cap = ?, enabled = ? WHERE id = ?`,
		s.Name, s.Weight, s.HourlyCap, s.Enabled, s.ID,
	)
	return err
}
