package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ScoredMember is one sorted-set entry.
type ScoredMember struct {
	Member string
	Score  float64
}

// OrderedStore is the shared key-value store with sorted-set buckets. Every
// method is a single atomic command; there are no multi-key transactions.
type OrderedStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// SetNX writes value only when key is absent. A zero ttl never expires.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces key's value with next only if it still equals prev.
	CompareAndSwap(ctx context.Context, key, prev, next string) (bool, error)

	ZAdd(ctx context.Context, bucket string, score float64, member string) error
	ZRange(ctx context.Context, bucket string, start, stop int64) ([]string, error)
	ZRangeByScore(ctx context.Context, bucket string, min, max float64) ([]ScoredMember, error)
	ZRem(ctx context.Context, bucket string, member string) error
	ZCard(ctx context.Context, bucket string) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// SettlementHistory is the archived form of a finished settlement.
type SettlementHistory struct {
	MatchID     string           `json:"match_id"`
	PlayerA     string           `json:"player_a"`
	PlayerB     string           `json:"player_b"`
	StakeAmount Amount           `json:"stake_amount"`
	Status      MatchStatus      `json:"status"`
	Winner      string           `json:"winner,omitempty"`
	Record      SettlementRecord `json:"record"`
	SettledAt   time.Time        `json:"settled_at"`
}

// SettlementStore persists finished settlements for reporting and archival.
type SettlementStore interface {
	Insert(ctx context.Context, h SettlementHistory) error
	ListBefore(ctx context.Context, before time.Time) ([]SettlementHistory, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
