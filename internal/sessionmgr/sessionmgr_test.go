package sessionmgr

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pyyush/agent-pager-sub000/internal/muxdriver"
	"github.com/pyyush/agent-pager-sub000/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreate_AssignsMultiplexerNameAndPersists(t *testing.T) {
	store := openTestStore(t)
	mgr := New(store, 0)

	h, err := mgr.Create("claude", "1.0.0", "fix bug", "/tmp/repo", "claude")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if h.MultiplexerName == "" {
		t.Error("expected non-empty multiplexer name")
	}

	persisted, err := store.GetSession(h.ID)
	if err != nil || persisted == nil {
		t.Fatalf("GetSession() = %+v, %v", persisted, err)
	}
	if persisted.Status != persistence.StatusCreated {
		t.Errorf("persisted status = %s, want created", persisted.Status)
	}
}

func TestCreate_RejectsAboveCap(t *testing.T) {
	store := openTestStore(t)
	mgr := New(store, 1)

	if _, err := mgr.Create("claude", "", "", "", "claude"); err != nil {
		t.Fatalf("first Create() error: %v", err)
	}
	if _, err := mgr.Create("claude", "", "", "", "claude"); err == nil {
		t.Error("expected second Create() to fail above the cap")
	}
}

func TestGet_ResolvesThroughAlias(t *testing.T) {
	store := openTestStore(t)
	mgr := New(store, 0)

	h, _ := mgr.Create("claude", "", "", "", "claude")
	mgr.MapAgentSession("agent-native-id", h.ID)

	got, ok := mgr.Get("agent-native-id")
	if !ok || got.ID != h.ID {
		t.Errorf("Get(alias) = %+v, %v, want %s", got, ok, h.ID)
	}
}

func TestUpdateStatus_RemovesFromActiveList(t *testing.T) {
	store := openTestStore(t)
	mgr := New(store, 0)

	h, _ := mgr.Create("claude", "", "", "", "claude")
	if err := mgr.UpdateStatus(h.ID, persistence.StatusRunning); err != nil {
		t.Fatalf("UpdateStatus(running) error: %v", err)
	}
	if len(mgr.ListActive()) != 1 {
		t.Fatalf("expected 1 active session")
	}

	if err := mgr.UpdateStatus(h.ID, persistence.StatusDone); err != nil {
		t.Fatalf("UpdateStatus(done) error: %v", err)
	}
	if len(mgr.ListActive()) != 0 {
		t.Error("expected terminal session to drop out of ListActive")
	}
}

func TestNextSeq_IncrementsInMemoryCounter(t *testing.T) {
	store := openTestStore(t)
	mgr := New(store, 0)
	h, _ := mgr.Create("claude", "", "", "", "claude")

	first, err := mgr.NextSeq(h.ID)
	if err != nil || first != 1 {
		t.Fatalf("NextSeq() = %d, %v, want 1", first, err)
	}
	second, err := mgr.NextSeq(h.ID)
	if err != nil || second != 2 {
		t.Fatalf("NextSeq() = %d, %v, want 2", second, err)
	}
}

func TestNextSeq_FallsBackToStoreWhenHandleAbsent(t *testing.T) {
	store := openTestStore(t)
	store.CreateSession(persistence.Session{ID: "s1", Agent: "claude", Status: persistence.StatusStopped})
	store.InsertEvent("s1", 5, "progress", "{}")

	mgr := New(store, 0)
	seq, err := mgr.NextSeq("s1")
	if err != nil || seq != 6 {
		t.Fatalf("NextSeq() = %d, %v, want 6", seq, err)
	}
}

func TestRecover_RestoresLiveAndStopsOrphaned(t *testing.T) {
	store := openTestStore(t)
	store.CreateSession(persistence.Session{ID: "live", Agent: "claude", Status: persistence.StatusRunning, MultiplexerName: "claude-live"})
	store.CreateSession(persistence.Session{ID: "orphan", Agent: "claude", Status: persistence.StatusRunning, MultiplexerName: "claude-gone"})

	mgr := New(store, 0)
	mux := muxdriver.New(fakeTmuxListing(t, "claude-live"))

	result, err := mgr.Recover(context.Background(), mux, nil)
	if err != nil {
		t.Fatalf("Recover() error: %v", err)
	}
	if result.Restored != 1 || result.Cleaned != 1 {
		t.Errorf("result = %+v, want restored=1 cleaned=1", result)
	}

	if _, ok := mgr.Get("live"); !ok {
		t.Error("expected 'live' session to be restored into the handle table")
	}

	orphanPersisted, _ := store.GetSession("orphan")
	if orphanPersisted.Status != persistence.StatusStopped {
		t.Errorf("orphan status = %s, want stopped", orphanPersisted.Status)
	}
}

func fakeTmuxListing(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tmux")
	script := "#!/bin/sh\n"
	for _, n := range names {
		script += "echo '" + n + "'\n"
	}
	script += "exit 0\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}
