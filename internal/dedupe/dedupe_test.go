package dedupe

import (
	"reflect"
	"testing"

	"github.com/pulsecast/pulsecast/internal/models"
)

func TestFilterByUserID(t *testing.T) {
	candidates := []models.Recipient{
		{UserID: "1", Username: "Bob"},
		{UserID: "2", Username: "ann"},
	}
	history := []models.SendRecord{
		{TargetUserID: "1", Status: models.SendSent},
	}

	fresh, dups := Filter(candidates, history)

	if dups != 1 {
		t.Errorf("expected 1 duplicate, got %d", dups)
	}
	want := []models.Recipient{{UserID: "2", Username: "ann"}}
	if !reflect.DeepEqual(fresh, want) {
		t.Errorf("expected %v, got %v", want, fresh)
	}
}

func TestFilterByUsernameCaseInsensitive(t *testing.T) {
	candidates := []models.Recipient{
		{UserID: "10", Username: "Alice"},
		{UserID: "11", Username: "carol"},
	}
	history := []models.SendRecord{
		{TargetUsername: "ALICE", Status: models.SendSent},
	}

	fresh, dups := Filter(candidates, history)

	if dups != 1 {
		t.Errorf("expected 1 duplicate, got %d", dups)
	}
	if len(fresh) != 1 || fresh[0].UserID != "11" {
		t.Errorf("expected only user 11 to survive, got %v", fresh)
	}
}

func TestFilterUsernameMatchSufficient(t *testing.T) {
	// A candidate whose id is unknown to history but whose username
	// matches must still be excluded.
	candidates := []models.Recipient{
		{UserID: "999", Username: "bob"},
	}
	history := []models.SendRecord{
		{TargetUserID: "1", TargetUsername: "Bob", Status: models.SendSent},
	}

	fresh, dups := Filter(candidates, history)
	if dups != 1 || len(fresh) != 0 {
		t.Errorf("username match should exclude: fresh=%v dups=%d", fresh, dups)
	}
}

func TestFilterIgnoresNonSentHistory(t *testing.T) {
	candidates := []models.Recipient{
		{UserID: "1"},
		{UserID: "2"},
	}
	history := []models.SendRecord{
		{TargetUserID: "1", Status: models.SendFailed},
		{TargetUserID: "2", Status: models.SendPending},
	}

	fresh, dups := Filter(candidates, history)
	if dups != 0 {
		t.Errorf("failed/pending records must not disqualify, got %d duplicates", dups)
	}
	if len(fresh) != 2 {
		t.Errorf("expected 2 survivors, got %d", len(fresh))
	}
}

func TestFilterPreservesOrder(t *testing.T) {
	candidates := []models.Recipient{
		{UserID: "5"},
		{UserID: "3"},
		{UserID: "9"},
		{UserID: "1"},
	}
	history := []models.SendRecord{
		{TargetUserID: "3", Status: models.SendSent},
	}

	fresh, _ := Filter(candidates, history)

	wantOrder := []string{"5", "9", "1"}
	for i, id := range wantOrder {
		if fresh[i].UserID != id {
			t.Fatalf("order not preserved: position %d expected %s, got %s", i, id, fresh[i].UserID)
		}
	}
}

func TestFilterEmptyCandidates(t *testing.T) {
	history := []models.SendRecord{
		{TargetUserID: "1", Status: models.SendSent},
	}

	fresh, dups := Filter(nil, history)
	if len(fresh) != 0 || dups != 0 {
		t.Errorf("expected ([], 0), got (%v, %d)", fresh, dups)
	}
}

func TestFilterUnresolvableRecipientPassesThrough(t *testing.T) {
	// A recipient with neither id nor username cannot be matched against
	// history and is never excluded.
	candidates := []models.Recipient{{}}
	history := []models.SendRecord{
		{TargetUserID: "1", Status: models.SendSent},
	}

	fresh, dups := Filter(candidates, history)
	if len(fresh) != 1 || dups != 0 {
		t.Errorf("unresolvable recipient should pass through, got fresh=%v dups=%d", fresh, dups)
	}
}

func TestFilterIdempotent(t *testing.T) {
	candidates := []models.Recipient{
		{UserID: "1", Username: "a"},
		{UserID: "2", Username: "b"},
		{UserID: "3"},
	}
	history := []models.SendRecord{
		{TargetUserID: "2", Status: models.SendSent},
		{TargetUsername: "A", Status: models.SendSent},
	}

	first, firstDups := Filter(candidates, history)
	second, secondDups := Filter(candidates, history)

	if !reflect.DeepEqual(first, second) || firstDups != secondDups {
		t.Errorf("Filter is not idempotent: (%v,%d) vs (%v,%d)", first, firstDups, second, secondDups)
	}
}
