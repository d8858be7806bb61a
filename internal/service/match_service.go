package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/stakematch/internal/domain"
)

// abortedMatchTTL keeps tombstones of abandoned match ids around long after
// any pairing attempt that could still reference them has given up.
const abortedMatchTTL = 7 * 24 * time.Hour

// MatchService owns Match records. The record at match:{id} is written once
// with SETNX: either the match itself or an aborted tombstone, whichever
// comes first, so a pairing is committed or abandoned exactly once.
type MatchService struct {
	store  domain.OrderedStore
	logger *slog.Logger
	now    func() time.Time
}

// NewMatchService creates a MatchService.
func NewMatchService(store domain.OrderedStore, logger *slog.Logger) *MatchService {
	return &MatchService{
		store:  store,
		logger: logger.With(slog.String("component", "matches")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the match or domain.ErrNotFound. Aborted ids are not found.
func (s *MatchService) Get(ctx context.Context, id string) (domain.Match, error) {
	m, _, err := s.load(ctx, id)
	if err != nil {
		return m, err
	}
	if m.Status == domain.MatchStatusAborted {
		return domain.Match{}, fmt.Errorf("matches: %s: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

// Create commits m. When the id is already taken it returns the stored
// match, or domain.ErrPairingConflict if the id was aborted.
func (s *MatchService) Create(ctx context.Context, m domain.Match) (domain.Match, bool, error) {
	raw, err := encodeMatch(m)
	if err != nil {
		return m, false, err
	}
	ok, err := s.store.SetNX(ctx, matchKey(m.ID), raw, 0)
	if err != nil {
		return m, false, fmt.Errorf("matches: create %s: %w", m.ID, err)
	}
	if ok {
		return m, true, nil
	}

	existing, _, err := s.load(ctx, m.ID)
	if err != nil {
		return m, false, err
	}
	if existing.Status == domain.MatchStatusAborted {
		return domain.Match{}, false, fmt.Errorf("matches: %s was aborted: %w", m.ID, domain.ErrPairingConflict)
	}
	return existing, false, nil
}

// Abort reserves id as abandoned. If the match was already committed the
// committed match is returned and aborted is false.
func (s *MatchService) Abort(ctx context.Context, id string) (domain.Match, bool, error) {
	tomb, err := encodeMatch(domain.Match{ID: id, Status: domain.MatchStatusAborted, CreatedAt: s.now()})
	if err != nil {
		return domain.Match{}, false, err
	}
	ok, err := s.store.SetNX(ctx, matchKey(id), tomb, abortedMatchTTL)
	if err != nil {
		return domain.Match{}, false, fmt.Errorf("matches: abort %s: %w", id, err)
	}
	if ok {
		return domain.Match{}, true, nil
	}

	existing, _, err := s.load(ctx, id)
	if err != nil {
		return domain.Match{}, false, err
	}
	if existing.Status == domain.MatchStatusAborted {
		return domain.Match{}, true, nil
	}
	return existing, false, nil
}

// SetStatus applies a legal status change: Active to Completed with a winner
// (a participant or domain.WinnerDraw), or Active to Cancelled without one.
func (s *MatchService) SetStatus(ctx context.Context, id string, status domain.MatchStatus, winner string) (domain.Match, error) {
	return s.update(ctx, id, func(m *domain.Match) error {
		return s.finish(m, status, winner)
	})
}

// RecordSettlement stores rec on an Active match. rec.Revision must be the
// revision of the stored record (0 when there is none); a writer that lost
// track of the record gets domain.ErrSettlementBusy and nothing is written.
// The stored copy carries the next revision.
func (s *MatchService) RecordSettlement(ctx context.Context, id string, rec domain.SettlementRecord) (domain.Match, error) {
	return s.update(ctx, id, func(m *domain.Match) error {
		if m.Status != domain.MatchStatusActive {
			return fmt.Errorf("matches: %s is %s: %w", id, m.Status, domain.ErrAlreadySettled)
		}
		return s.putSettlement(m, rec)
	})
}

// Finalize stores the finished settlement and the terminal status in one
// write, under the same revision check as RecordSettlement.
func (s *MatchService) Finalize(ctx context.Context, id string, status domain.MatchStatus, winner string, rec domain.SettlementRecord) (domain.Match, error) {
	return s.update(ctx, id, func(m *domain.Match) error {
		if err := s.finish(m, status, winner); err != nil {
			return err
		}
		return s.putSettlement(m, rec)
	})
}

func (s *MatchService) putSettlement(m *domain.Match, rec domain.SettlementRecord) error {
	var stored int64
	if m.Settlement != nil {
		stored = m.Settlement.Revision
	}
	if rec.Revision != stored {
		return fmt.Errorf("matches: %s settlement at revision %d, writer read %d: %w",
			m.ID, stored, rec.Revision, domain.ErrSettlementBusy)
	}
	rec.Revision++
	m.Settlement = &rec
	return nil
}

func (s *MatchService) finish(m *domain.Match, status domain.MatchStatus, winner string) error {
	if m.Status != domain.MatchStatusActive {
		return fmt.Errorf("matches: %s %s -> %s: %w", m.ID, m.Status, status, domain.ErrInvalidTransition)
	}
	switch status {
	case domain.MatchStatusCompleted:
		if winner != domain.WinnerDraw && !m.HasPlayer(winner) {
			return fmt.Errorf("matches: %s winner %q: %w", m.ID, winner, domain.ErrInvalidTransition)
		}
	case domain.MatchStatusCancelled:
		if winner != "" {
			return fmt.Errorf("matches: %s cancelled with winner: %w", m.ID, domain.ErrInvalidTransition)
		}
	default:
		return fmt.Errorf("matches: %s -> %s: %w", m.ID, status, domain.ErrInvalidTransition)
	}

	now := s.now()
	m.Status = status
	m.Winner = winner
	m.CompletedAt = &now
	return nil
}

func (s *MatchService) update(ctx context.Context, id string, mutate func(*domain.Match) error) (domain.Match, error) {
	for i := 0; i < casRetries; i++ {
		cur, raw, err := s.load(ctx, id)
		if err != nil {
			return cur, err
		}
		if cur.Status == domain.MatchStatusAborted {
			return domain.Match{}, fmt.Errorf("matches: %s: %w", id, domain.ErrNotFound)
		}

		next := cur
		if err := mutate(&next); err != nil {
			return cur, err
		}
		next.UpdatedAt = s.now()

		enc, err := encodeMatch(next)
		if err != nil {
			return cur, err
		}
		ok, err := s.store.CompareAndSwap(ctx, matchKey(id), raw, enc)
		if err != nil {
			return cur, fmt.Errorf("matches: swap %s: %w", id, err)
		}
		if ok {
			return next, nil
		}
	}
	return domain.Match{}, fmt.Errorf("matches: update %s: %w", id, domain.ErrSettlementBusy)
}

func (s *MatchService) load(ctx context.Context, id string) (domain.Match, string, error) {
	raw, err := s.store.Get(ctx, matchKey(id))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Match{}, "", fmt.Errorf("matches: %s: %w", id, domain.ErrNotFound)
		}
		return domain.Match{}, "", fmt.Errorf("matches: get %s: %w", id, err)
	}
	var m domain.Match
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return domain.Match{}, "", fmt.Errorf("matches: decode %s: %w", id, err)
	}
	return m, raw, nil
}

func encodeMatch(m domain.Match) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("matches: encode %s: %w", m.ID, err)
	}
	return string(b), nil
}
