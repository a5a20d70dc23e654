package usercache_test

import (
	"path/filepath"
	"testing"

	"github.com/practo/larksync/pkg/usercache"
)

func openTestStore(t *testing.T) *usercache.Store {
	t.Helper()
	s, err := usercache.Open(filepath.Join(t.TempDir(), "usercache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetReturnsNilForUnknownUsername(t *testing.T) {
	s := openTestStore(t)

	e, err := s.Get("nobody")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e != nil {
		t.Errorf("expected nil for unknown username, got %+v", e)
	}
}

func TestSetResolvedClearsTombstones(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetPending("jdoe"); err != nil {
		t.Fatalf("SetPending: %v", err)
	}
	if err := s.SetResolved("jdoe", "jdoe@example.com", "ou_1", "Jane Doe"); err != nil {
		t.Fatalf("SetResolved: %v", err)
	}

	e, err := s.Get("jdoe")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.IsPending || e.IsEmpty {
		t.Errorf("expected tombstones cleared after resolution, got %+v", e)
	}
	if !e.Resolved() {
		t.Errorf("expected Resolved() true, got %+v", e)
	}
}

func TestPendingAndEmptyAreMutuallyExclusive(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetPending("jdoe"); err != nil {
		t.Fatalf("SetPending: %v", err)
	}
	if err := s.SetEmpty("jdoe"); err != nil {
		t.Fatalf("SetEmpty: %v", err)
	}

	e, err := s.Get("jdoe")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.IsPending {
		t.Errorf("expected pending cleared by the empty tombstone, got %+v", e)
	}
	if !e.IsEmpty {
		t.Errorf("expected empty tombstone set, got %+v", e)
	}
}

func TestListPendingAndClearPending(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetPending("alice"); err != nil {
		t.Fatalf("SetPending: %v", err)
	}
	if err := s.SetPending("bob"); err != nil {
		t.Fatalf("SetPending: %v", err)
	}
	if err := s.SetEmpty("ghost"); err != nil {
		t.Fatalf("SetEmpty: %v", err)
	}

	pending, err := s.ListPending()
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending usernames, got %v", pending)
	}

	if err := s.ClearPending(); err != nil {
		t.Fatalf("ClearPending: %v", err)
	}
	pending, err = s.ListPending()
	if err != nil {
		t.Fatalf("ListPending after clear: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending usernames after clear, got %v", pending)
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetResolved("alice", "alice@example.com", "ou_1", "Alice"); err != nil {
		t.Fatalf("SetResolved: %v", err)
	}
	if err := s.SetPending("bob"); err != nil {
		t.Fatalf("SetPending: %v", err)
	}
	if err := s.SetEmpty("ghost"); err != nil {
		t.Fatalf("SetEmpty: %v", err)
	}

	st, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 3 || st.Resolved != 1 || st.Pending != 1 || st.Empty != 1 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetResolved("alice", "alice@example.com", "ou_1", "Alice"); err != nil {
		t.Fatalf("SetResolved: %v", err)
	}
	if err := s.Delete("alice"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	e, err := s.Get("alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e != nil {
		t.Errorf("expected entry gone after delete, got %+v", e)
	}
}
