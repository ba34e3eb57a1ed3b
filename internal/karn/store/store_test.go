package store_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/bdobrica/karn/internal/karn/llm"
	"github.com/bdobrica/karn/internal/karn/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "karn-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// --- Messages ---

func TestMessages_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := []llm.Message{
		{Role: llm.RoleUser, Blocks: []llm.Block{
			{Type: llm.BlockInputText, Text: "alice:: look"},
			{Type: llm.BlockInputImage, ImageURL: "https://img/x.png"},
		}},
		{Role: llm.RoleAssistant, Content: "Nice picture."},
	}
	for _, m := range in {
		if _, err := s.InsertMessage(ctx, "!a", m); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}
	if _, err := s.InsertMessage(ctx, "!b", llm.Message{Role: llm.RoleUser, Content: "other room"}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	got, err := s.ReadMessages(ctx, "!a")
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID == 0 || got[0].ID >= got[1].ID {
		t.Errorf("ids not ascending: %d, %d", got[0].ID, got[1].ID)
	}
	if len(got[0].Blocks) != 2 || got[0].Images()[0] != "https://img/x.png" {
		t.Errorf("blocks = %+v", got[0].Blocks)
	}
	if got[1].Role != llm.RoleAssistant || got[1].Content != "Nice picture." {
		t.Errorf("second = %+v", got[1])
	}
}

func TestMessages_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := s.InsertMessage(ctx, "!a", llm.Message{Role: llm.RoleUser, Content: "m"})
		if err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
		ids = append(ids, id)
	}

	if err := s.DeleteMessages(ctx, ids[:2]); err != nil {
		t.Fatalf("DeleteMessages: %v", err)
	}
	if err := s.DeleteMessage(ctx, ids[2]); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if err := s.DeleteMessage(ctx, ids[2]); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
	got, _ := s.ReadMessages(ctx, "!a")
	if len(got) != 2 || got[0].ID != ids[3] {
		t.Errorf("remaining = %+v", got)
	}

	n, err := s.DeleteAllMessages(ctx, "!a")
	if err != nil || n != 2 {
		t.Errorf("DeleteAllMessages = %d, %v; want 2", n, err)
	}
	if err := s.DeleteMessages(ctx, nil); err != nil {
		t.Errorf("empty delete: %v", err)
	}
}

// --- Genesis ---

func TestGenesis(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.Genesis(ctx, "!a")
	if err != nil || len(got) != 0 {
		t.Fatalf("empty genesis = %v, %v", got, err)
	}

	_ = s.AddGenesis(ctx, "!a", "You are Karn.")
	_ = s.AddGenesis(ctx, "!a", "Talk like a pirate.")
	got, _ = s.Genesis(ctx, "!a")
	if len(got) != 2 || got[1] != "Talk like a pirate." {
		t.Errorf("after add = %v", got)
	}

	if err := s.SetGenesis(ctx, "!a", "Be brief."); err != nil {
		t.Fatalf("SetGenesis: %v", err)
	}
	got, _ = s.Genesis(ctx, "!a")
	if len(got) != 1 || got[0] != "Be brief." {
		t.Errorf("after set = %v", got)
	}

	n, err := s.ClearGenesis(ctx, "!a")
	if err != nil || n != 1 {
		t.Errorf("ClearGenesis = %d, %v; want 1", n, err)
	}
}

// --- Preferences ---

func TestPreferences_Toggle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if ok, _ := s.UserResponds(ctx, "@u:x"); !ok {
		t.Error("users are opted in by default")
	}
	v, err := s.ToggleUserResponds(ctx, "@u:x")
	if err != nil || v {
		t.Fatalf("first toggle = %v, %v; want false", v, err)
	}
	if ok, _ := s.UserResponds(ctx, "@u:x"); ok {
		t.Error("user still opted in after toggle")
	}
	if v, _ := s.ToggleUserResponds(ctx, "@u:x"); !v {
		t.Error("second toggle did not opt back in")
	}

	if v, _ := s.ToggleRoomResponds(ctx, "!r"); v {
		t.Error("room toggle should opt out")
	}
	if ok, _ := s.RoomResponds(ctx, "!r"); ok {
		t.Error("room still opted in")
	}
	if ok, _ := s.RoomResponds(ctx, "!other"); !ok {
		t.Error("other room affected")
	}
}

// --- Turns ---

func TestTurnLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.LogTurn(ctx, store.Turn{TraceID: "t_1", RoomID: "!r", Sender: "@u:x", Decision: "prompted", Source: "live", WindowTokens: 120})
	if err != nil {
		t.Fatalf("LogTurn: %v", err)
	}
	if err := s.FinishTurn(ctx, id, store.TurnResult{Status: "ok", ToolCalls: 1, Duration: 1500 * time.Millisecond}); err != nil {
		t.Fatalf("FinishTurn: %v", err)
	}
	if err := s.FinishTurn(ctx, id+100, store.TurnResult{Status: "ok"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown turn: err = %v", err)
	}
	n, err := s.TurnCount(ctx)
	if err != nil || n != 1 {
		t.Errorf("TurnCount = %d, %v; want 1", n, err)
	}
}

func TestNew_MigrationsAreIdempotent(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "karn-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	for i := 0; i < 2; i++ {
		s, err := store.New(f.Name())
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		s.Close()
	}
}
