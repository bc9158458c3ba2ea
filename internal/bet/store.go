package bet

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResultStore keeps settled bet results across process restarts.
type ResultStore interface {
	Save(ctx context.Context, r Result) error
	Get(ctx context.Context, betID string) (Result, bool, error)
	BetIDForGame(ctx context.Context, gameID string) (string, bool, error)
	// Prune removes results saved before cutoff and returns how many were removed.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

const DefaultRetention = 7 * 24 * time.Hour

// RedisStore persists results as JSON under bet:result:<id>, indexes game ids
// under bet:game:<gameId> and orders saves in the bet:results zset.
type RedisStore struct {
	rdb       *redis.Client
	retention time.Duration
}

func NewRedisStore(rdb *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{rdb: rdb, retention: retention}
}

func (s *RedisStore) keyResult(betID string) string { return "bet:result:" + strings.TrimSpace(betID) }
func (s *RedisStore) keyGame(gameID string) string  { return "bet:game:" + strings.TrimSpace(gameID) }
func (s *RedisStore) keySaved() string              { return "bet:results" }

func (s *RedisStore) Save(ctx context.Context, r Result) error {
	if strings.TrimSpace(r.BetID) == "" {
		return ErrInvalidArgs
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.keyResult(r.BetID), raw, s.retention)
	if strings.TrimSpace(r.GameID) != "" {
		pipe.Set(ctx, s.keyGame(r.GameID), r.BetID, s.retention)
	}
	pipe.ZAdd(ctx, s.keySaved(), redis.Z{Score: float64(r.SavedAt.UnixMilli()), Member: r.BetID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, betID string) (Result, bool, error) {
	raw, err := s.rdb.Get(ctx, s.keyResult(betID)).Bytes()
	if err == redis.Nil {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return Result{}, false, err
	}
	return r, true, nil
}

func (s *RedisStore) BetIDForGame(ctx context.Context, gameID string) (string, bool, error) {
	id, err := s.rdb.Get(ctx, s.keyGame(gameID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (s *RedisStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.keySaved(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + formatScore(cutoff),
	}).Result()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		r, ok, err := s.Get(ctx, id)
		if err != nil {
			return removed, err
		}
		keys := []string{s.keyResult(id)}
		if ok && strings.TrimSpace(r.GameID) != "" {
			// only drop the game index if it still points at this bet
			if cur, _, _ := s.BetIDForGame(ctx, r.GameID); cur == id {
				keys = append(keys, s.keyGame(r.GameID))
			}
		}
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			return removed, err
		}
		if err := s.rdb.ZRem(ctx, s.keySaved(), id).Err(); err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// MemoryStore is a process-local ResultStore for tests and Redis-less runs.
type MemoryStore struct {
	mu      sync.Mutex
	results map[string]Result
	games   map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: map[string]Result{}, games: map[string]string{}}
}

func (m *MemoryStore) Save(_ context.Context, r Result) error {
	if strings.TrimSpace(r.BetID) == "" {
		return ErrInvalidArgs
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[r.BetID] = r
	if strings.TrimSpace(r.GameID) != "" {
		m.games[r.GameID] = r.BetID
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, betID string) (Result, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[betID]
	return r, ok, nil
}

func (m *MemoryStore) BetIDForGame(_ context.Context, gameID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.games[gameID]
	return id, ok, nil
}

func (m *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []string
	for id, r := range m.results {
		if r.SavedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	for _, id := range stale {
		r := m.results[id]
		delete(m.results, id)
		if m.games[r.GameID] == id {
			delete(m.games, r.GameID)
		}
	}
	return len(stale), nil
}
