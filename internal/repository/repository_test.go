package repository

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pulsecast/pulsecast/internal/db"
	"github.com/pulsecast/pulsecast/internal/models"
)

// setupTestDB creates an in-memory SQLite database with all migrations applied
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	sqlDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}

	wrapped := &db.DB{DB: sqlDB}
	if err := wrapped.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	return sqlDB
}

func createTestCampaign(t *testing.T, sqlDB *sql.DB, teamID string) *models.Campaign {
	t.Helper()

	c := &models.Campaign{
		TeamID:          teamID,
		UserID:          "user-1",
		Name:            "spring promo",
		MessageTemplate: "Hi {{username}}",
		Strategy:        "equal",
	}
	if err := NewCampaignRepository(sqlDB).Create(c); err != nil {
		t.Fatalf("failed to create campaign: %v", err)
	}
	return c
}

func TestCampaignCreateAndGet(t *testing.T) {
	sqlDB := setupTestDB(t)
	repo := NewCampaignRepository(sqlDB)

	c := createTestCampaign(t, sqlDB, "team-1")
	if c.ID == "" {
		t.Fatal("expected generated ID")
	}
	if c.Status != models.CampaignDraft {
		t.Errorf("new campaign should be draft, got %s", c.Status)
	}

	got, err := repo.GetByID(c.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected campaign, got nil")
	}
	if got.Name != "spring promo" || got.TeamID != "team-1" {
		t.Errorf("unexpected campaign: %+v", got)
	}
}

func TestCampaignGetMissing(t *testing.T) {
	sqlDB := setupTestDB(t)

	got, err := NewCampaignRepository(sqlDB).GetByID("nope")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing campaign, got %+v", got)
	}
}

func TestCampaignListFiltersByStatus(t *testing.T) {
	sqlDB := setupTestDB(t)
	repo := NewCampaignRepository(sqlDB)

	a := createTestCampaign(t, sqlDB, "team-1")
	createTestCampaign(t, sqlDB, "team-1")
	if err := repo.SetStatus(a.ID, models.CampaignRunning); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	campaigns, total, err := repo.List(models.CampaignListFilter{TeamID: "team-1", Status: "running"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 1 || len(campaigns) != 1 {
		t.Fatalf("expected 1 running campaign, got total=%d len=%d", total, len(campaigns))
	}
	if campaigns[0].ID != a.ID {
		t.Errorf("unexpected campaign %s", campaigns[0].ID)
	}
}

func TestCampaignUpdateStatusGuard(t *testing.T) {
	sqlDB := setupTestDB(t)
	repo := NewCampaignRepository(sqlDB)

	c := createTestCampaign(t, sqlDB, "team-1")

	if err := repo.UpdateStatus(c.ID, models.CampaignDraft, models.CampaignRunning); err != nil {
		t.Fatalf("draft -> running should succeed: %v", err)
	}
	if err := repo.UpdateStatus(c.ID, models.CampaignDraft, models.CampaignRunning); err == nil {
		t.Error("transition with stale 'from' status should fail")
	}
}

func TestMemberAddAndList(t *testing.T) {
	sqlDB := setupTestDB(t)
	repo := NewMemberRepository(sqlDB)

	members := []models.Recipient{
		{UserID: "u-1", Username: "ann"},
		{UserID: "u-2", Username: "bot", IsBot: true},
		{UserID: "u-3"},
	}
	if err := repo.AddMembers("team-1", "group-1", members); err != nil {
		t.Fatalf("AddMembers failed: %v", err)
	}

	got, err := repo.ListByGroups("team-1", models.RecipientFilter{GroupIDs: []string{"group-1"}})
	if err != nil {
		t.Fatalf("ListByGroups failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 members, got %d", len(got))
	}
	if got[0].UserID != "u-1" || got[2].UserID != "u-3" {
		t.Errorf("insertion order not preserved: %+v", got)
	}
}

func TestMemberListExcludesBots(t *testing.T) {
	sqlDB := setupTestDB(t)
	repo := NewMemberRepository(sqlDB)

	members := []models.Recipient{
		{UserID: "u-1", Username: "ann"},
		{UserID: "u-2", Username: "helper", IsBot: true},
	}
	if err := repo.AddMembers("team-1", "group-1", members); err != nil {
		t.Fatalf("AddMembers failed: %v", err)
	}

	got, err := repo.ListByGroups("team-1", models.RecipientFilter{
		GroupIDs:    []string{"group-1"},
		ExcludeBots: true,
	})
	if err != nil {
		t.Fatalf("ListByGroups failed: %v", err)
	}
	if len(got) != 1 || got[0].UserID != "u-1" {
		t.Errorf("expected only non-bot member, got %+v", got)
	}
}

func TestMemberDedupAcrossGroups(t *testing.T) {
	sqlDB := setupTestDB(t)
	repo := NewMemberRepository(sqlDB)

	if err := repo.AddMembers("team-1", "group-1", []models.Recipient{{UserID: "u-1", Username: "ann"}}); err != nil {
		t.Fatalf("AddMembers failed: %v", err)
	}
	if err := repo.AddMembers("team-1", "group-2", []models.Recipient{{UserID: "u-1", Username: "ann"}, {UserID: "u-2"}}); err != nil {
		t.Fatalf("AddMembers failed: %v", err)
	}

	got, err := repo.ListByGroups("team-1", models.RecipientFilter{GroupIDs: []string{"group-1", "group-2"}})
	if err != nil {
		t.Fatalf("ListByGroups failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected member in both groups listed once, got %d", len(got))
	}

	count, err := repo.CountByGroups("team-1", []string{"group-1", "group-2"})
	if err != nil {
		t.Fatalf("CountByGroups failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected distinct count 2, got %d", count)
	}
}

func TestSendLifecycle(t *testing.T) {
	sqlDB := setupTestDB(t)
	sends := NewSendRepository(sqlDB)

	c := createTestCampaign(t, sqlDB, "team-1")

	records := []models.SendRecord{
		{SessionID: "sess-1", TargetUserID: "u-1", TargetUsername: "ann"},
		{SessionID: "sess-1", TargetUserID: "u-2"},
		{SessionID: "sess-2", TargetUserID: "u-3"},
	}
	if err := sends.CreatePending(c.ID, records); err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}

	pending, err := sends.ListPending(c.ID)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending records, got %d", len(pending))
	}

	if err := sends.MarkSent(pending[0].ID, "sess-1"); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}
	if err := sends.MarkFailed(pending[1].ID, "flood"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	stats, err := sends.Stats(c.ID)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 3 || stats.Sent != 1 || stats.Failed != 1 || stats.Pending != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestTeamHistoryOnlySentAndNonDraft(t *testing.T) {
	sqlDB := setupTestDB(t)
	sends := NewSendRepository(sqlDB)
	campaigns := NewCampaignRepository(sqlDB)

	// Completed campaign with one sent and one failed record
	done := createTestCampaign(t, sqlDB, "team-1")
	if err := sends.CreatePending(done.ID, []models.SendRecord{
		{TargetUserID: "u-1", TargetUsername: "ann"},
		{TargetUserID: "u-2"},
	}); err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}
	pending, _ := sends.ListPending(done.ID)
	if err := sends.MarkSent(pending[0].ID, "sess-1"); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}
	if err := sends.MarkFailed(pending[1].ID, "timeout"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if err := campaigns.SetStatus(done.ID, models.CampaignCompleted); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	// Draft campaign whose records must never count
	draft := createTestCampaign(t, sqlDB, "team-1")
	if err := sends.CreatePending(draft.ID, []models.SendRecord{{TargetUserID: "u-9"}}); err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}

	// Other team's history must not leak in
	other := createTestCampaign(t, sqlDB, "team-2")
	if err := sends.CreatePending(other.ID, []models.SendRecord{{TargetUserID: "u-5"}}); err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}
	otherPending, _ := sends.ListPending(other.ID)
	if err := sends.MarkSent(otherPending[0].ID, "sess-1"); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}
	if err := campaigns.SetStatus(other.ID, models.CampaignCompleted); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	history, err := sends.TeamHistory("team-1")
	if err != nil {
		t.Fatalf("TeamHistory failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(history))
	}
	if history[0].TargetUserID != "u-1" {
		t.Errorf("unexpected history record: %+v", history[0])
	}
}

func TestSendReassignSession(t *testing.T) {
	sqlDB := setupTestDB(t)
	sends := NewSendRepository(sqlDB)

	c := createTestCampaign(t, sqlDB, "team-1")
	if err := sends.CreatePending(c.ID, []models.SendRecord{{SessionID: "sess-1", TargetUserID: "u-1"}}); err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}

	pending, _ := sends.ListPending(c.ID)
	if err := sends.UpdateSession(pending[0].ID, "sess-2"); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	pending, _ = sends.ListPending(c.ID)
	if pending[0].SessionID != "sess-2" {
		t.Errorf("expected reassignment to sess-2, got %s", pending[0].SessionID)
	}
}

func TestSessionRepository(t *testing.T) {
	sqlDB := setupTestDB(t)
	repo := NewSessionRepository(sqlDB)

	s := &models.Session{Name: "alpha", Weight: 3, HourlyCap: 40, Enabled: true}
	if err := repo.Create(s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if s.ID == "" {
		t.Fatal("expected generated ID")
	}

	disabled := &models.Session{Name: "beta", Enabled: false}
	if err := repo.Create(disabled); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if disabled.Weight != 1 {
		t.Errorf("expected default weight 1, got %d", disabled.Weight)
	}

	all, err := repo.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(all))
	}

	enabled, err := repo.ListEnabled()
	if err != nil {
		t.Fatalf("ListEnabled failed: %v", err)
	}
	if len(enabled) != 1 || enabled[0].Name != "alpha" {
		t.Errorf("unexpected enabled sessions: %+v", enabled)
	}

	if err := repo.SetEnabled(disabled.ID, true); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}
	enabled, _ = repo.ListEnabled()
	if len(enabled) != 2 {
		t.Errorf("expected 2 enabled sessions after toggle, got %d", len(enabled))
	}

	if err := repo.SetEnabled("missing", true); err == nil {
		t.Error("SetEnabled on missing session should fail")
	}

	got, err := repo.GetByID(s.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got == nil || got.Name != "alpha" || got.Weight != 3 {
		t.Errorf("unexpected session: %+v", got)
	}

	missing, err := repo.GetByID("missing")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing session, got %+v", missing)
	}

	got.Weight = 7
	got.HourlyCap = 25
	if err := repo.Update(got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	updated, err := repo.GetByID(s.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if updated.Weight != 7 || updated.HourlyCap != 25 {
		t.Errorf("update not persisted: %+v", updated)
	}
}
