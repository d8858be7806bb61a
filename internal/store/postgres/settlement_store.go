package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/stakematch/internal/domain"
)

// SettlementStore implements domain.SettlementStore on the settlements table.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

const settlementColumns = `match_id, player_a, player_b, stake_amount, status, winner, record, settled_at`

// Insert records a finished settlement. Inserting the same match twice is a
// no-op so a retried completion cannot fail on the history write.
func (s *SettlementStore) Insert(ctx context.Context, h domain.SettlementHistory) error {
	record, err := json.Marshal(h.Record)
	if err != nil {
		return fmt.Errorf("postgres: marshal settlement record: %w", err)
	}

	query := `INSERT INTO settlements (` + settlementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (match_id) DO NOTHING`
	_, err = s.pool.Exec(ctx, query,
		h.MatchID, h.PlayerA, h.PlayerB, int64(h.StakeAmount),
		string(h.Status), nullable(h.Winner), record, h.SettledAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return fmt.Errorf("postgres: insert settlement %s: %w", h.MatchID, domain.ErrInvalidStake)
		}
		return fmt.Errorf("postgres: insert settlement %s: %w", h.MatchID, err)
	}
	return nil
}

// ListBefore returns settlements finished before the cutoff, oldest first.
func (s *SettlementStore) ListBefore(ctx context.Context, before time.Time) ([]domain.SettlementHistory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE settled_at < $1 ORDER BY settled_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlements: %w", err)
	}
	defer rows.Close()

	var out []domain.SettlementHistory
	for rows.Next() {
		h, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan settlement: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list settlements rows: %w", err)
	}
	return out, nil
}

// DeleteBefore removes settlements finished before the cutoff.
func (s *SettlementStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM settlements WHERE settled_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete settlements: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSettlement(row pgx.Row) (domain.SettlementHistory, error) {
	var (
		h      domain.SettlementHistory
		stake  int64
		status string
		winner *string
		record []byte
	)
	if err := row.Scan(&h.MatchID, &h.PlayerA, &h.PlayerB, &stake, &status, &winner, &record, &h.SettledAt); err != nil {
		return h, err
	}
	h.StakeAmount = domain.Amount(stake)
	h.Status = domain.MatchStatus(status)
	if winner != nil {
		h.Winner = *winner
	}
	if err := json.Unmarshal(record, &h.Record); err != nil {
		return h, fmt.Errorf("unmarshal record: %w", err)
	}
	return h, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ domain.SettlementStore = (*SettlementStore)(nil)
