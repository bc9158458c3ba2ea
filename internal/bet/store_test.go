package bet

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T, retention time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, retention), mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	s, mr := newTestStore(t, 0)
	ctx := context.Background()
	saved := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	r := Result{BetID: "bet-1", GameID: "g-1", BetType: BetRatingStake, StakeAmount: 50, Outcome: "won", SavedAt: saved}
	if err := s.Save(ctx, r); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok, err := s.Get(ctx, "bet-1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got != r {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, r)
	}
	id, ok, err := s.BetIDForGame(ctx, "g-1")
	if err != nil || !ok || id != "bet-1" {
		t.Fatalf("BetIDForGame: %q ok=%v err=%v", id, ok, err)
	}
	if ttl := mr.TTL("bet:result:bet-1"); ttl != DefaultRetention {
		t.Fatalf("expected retention TTL, got %v", ttl)
	}

	if _, ok, _ := s.Get(ctx, "nope"); ok {
		t.Fatalf("expected miss")
	}
	if err := s.Save(ctx, Result{}); err != ErrInvalidArgs {
		t.Fatalf("expected ErrInvalidArgs, got %v", err)
	}
}

func TestRedisStoreRetentionExpires(t *testing.T) {
	s, mr := newTestStore(t, time.Hour)
	ctx := context.Background()
	if err := s.Save(ctx, Result{BetID: "bet-1", GameID: "g-1", SavedAt: time.Now()}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	mr.FastForward(2 * time.Hour)
	if _, ok, _ := s.Get(ctx, "bet-1"); ok {
		t.Fatalf("result should have expired")
	}
	if _, ok, _ := s.BetIDForGame(ctx, "g-1"); ok {
		t.Fatalf("game index should have expired")
	}
}

func TestRedisStorePrune(t *testing.T) {
	s, mr := newTestStore(t, 0)
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)

	_ = s.Save(ctx, Result{BetID: "old", GameID: "g-old", SavedAt: now.Add(-8 * 24 * time.Hour)})
	_ = s.Save(ctx, Result{BetID: "new", GameID: "g-new", SavedAt: now.Add(-time.Hour)})

	n, err := s.Prune(ctx, now.Add(-DefaultRetention))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if mr.Exists("bet:result:old") || mr.Exists("bet:game:g-old") {
		t.Fatalf("old keys should be gone")
	}
	if !mr.Exists("bet:result:new") {
		t.Fatalf("new result should remain")
	}
	members, err := mr.ZMembers("bet:results")
	if err != nil || len(members) != 1 || members[0] != "new" {
		t.Fatalf("unexpected index members %v (%v)", members, err)
	}
}
