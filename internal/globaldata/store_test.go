package globaldata

import (
	"database/sql"
	"fmt"
	"slices"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	// Deterministic, strictly increasing clock.
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

func TestRecentModels_Empty(t *testing.T) {
	s := setupTestStore(t)
	got, err := s.RecentModels()
	if err != nil {
		t.Fatalf("RecentModels: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("RecentModels = %#v, want empty non-nil", got)
	}
}

func TestAddRecentModel_MostRecentFirst(t *testing.T) {
	s := setupTestStore(t)
	for _, m := range []string{"a", "b", "c", "a"} {
		if err := s.AddRecentModel(m); err != nil {
			t.Fatalf("AddRecentModel(%q): %v", m, err)
		}
	}
	got, _ := s.RecentModels()
	if want := []string{"a", "c", "b"}; !slices.Equal(got, want) {
		t.Errorf("RecentModels = %v, want %v", got, want)
	}
}

func TestAddRecentModel_Capped(t *testing.T) {
	s := setupTestStore(t)
	for i := range MaxRecentModels + 3 {
		s.AddRecentModel(fmt.Sprintf("m%d", i))
	}
	got, _ := s.RecentModels()
	if len(got) != MaxRecentModels {
		t.Fatalf("len = %d, want %d", len(got), MaxRecentModels)
	}
	if got[0] != fmt.Sprintf("m%d", MaxRecentModels+2) {
		t.Errorf("first = %q", got[0])
	}
	if slices.Contains(got, "m0") {
		t.Error("oldest model should have been trimmed")
	}
}

func TestAddRecentModel_Empty(t *testing.T) {
	s := setupTestStore(t)
	if err := s.AddRecentModel("  "); err == nil {
		t.Error("empty model should be rejected")
	}
}
