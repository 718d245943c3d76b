package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/cheese-arena/internal/domain"
	"github.com/park285/cheese-arena/internal/gamestate"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb), mr
}

func TestSnapshotRoundtrip(t *testing.T) {
	store, mr := newTestStore(t)

	snap := &Snapshot{
		ID:          "s1",
		Mode:        domain.ModeRanked,
		Control:     "600+5",
		Status:      StatusActive,
		FEN:         gamestate.StartFEN,
		MovesUCI:    []string{"e2e4"},
		MovesSAN:    []string{"e4"},
		MoveCount:   1,
		ActiveColor: domain.Black,
		Checksum:    "abc",
		White:       domain.Player{ID: "p1", Name: "Ada", Rating: 1200},
		Black:       domain.Player{ID: "p2", Name: "Bob", Rating: 1300},
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.SaveSnapshot(snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	got, err := store.LoadSnapshot(context.Background(), "s1")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got == nil || got.ID != "s1" || got.MoveCount != 1 || got.ActiveColor != domain.Black {
		t.Fatalf("loaded = %+v", got)
	}
	if got.White.Name != "Ada" || got.Black.Rating != 1300 {
		t.Fatalf("players = %+v / %+v", got.White, got.Black)
	}

	// Snapshots must not live forever.
	if ttl := mr.TTL("arena:session:s1"); ttl <= 0 || ttl > ttlSession {
		t.Fatalf("ttl = %v", ttl)
	}
}

func TestLoadSnapshotMissing(t *testing.T) {
	store, _ := newTestStore(t)
	got, err := store.LoadSnapshot(context.Background(), "nope")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got != nil {
		t.Fatalf("loaded = %+v, want nil", got)
	}
}

func TestPlayerIndex(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.IndexPlayer(ctx, "p1", "s1"); err != nil {
		t.Fatalf("IndexPlayer: %v", err)
	}
	id, err := store.ActiveSessionID(ctx, "p1")
	if err != nil || id != "s1" {
		t.Fatalf("ActiveSessionID = %q, %v", id, err)
	}
	if err := store.UnindexPlayer(ctx, "p1"); err != nil {
		t.Fatalf("UnindexPlayer: %v", err)
	}
	id, err = store.ActiveSessionID(ctx, "p1")
	if err != nil || id != "" {
		t.Fatalf("after unindex = %q, %v", id, err)
	}
}

func TestLobbyListingFiltersFinished(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	waiting := &Snapshot{ID: "w1", Code: "RM-AAAAAA", Status: StatusWaiting}
	active := &Snapshot{ID: "a1", Code: "RM-BBBBBB", Status: StatusActive}
	if err := store.SaveSnapshot(waiting); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SaveSnapshot(active); err != nil {
		t.Fatalf("save: %v", err)
	}
	for _, id := range []string{"w1", "a1", "gone"} {
		if err := store.AddLobby(ctx, id); err != nil {
			t.Fatalf("AddLobby(%s): %v", id, err)
		}
	}

	rooms, err := store.ListLobby(ctx)
	if err != nil {
		t.Fatalf("ListLobby: %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != "w1" {
		t.Fatalf("rooms = %+v, want only the waiting one", rooms)
	}

	if err := store.RemoveLobby(ctx, "w1"); err != nil {
		t.Fatalf("RemoveLobby: %v", err)
	}
	rooms, err = store.ListLobby(ctx)
	if err != nil {
		t.Fatalf("ListLobby: %v", err)
	}
	if len(rooms) != 0 {
		t.Fatalf("rooms after removal = %+v", rooms)
	}
}
