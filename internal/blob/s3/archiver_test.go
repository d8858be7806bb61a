package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakematch/internal/domain"
)

type memSettlements struct {
	mu   sync.Mutex
	rows []domain.SettlementHistory
}

func (m *memSettlements) Insert(_ context.Context, h domain.SettlementHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, h)
	return nil
}

func (m *memSettlements) ListBefore(_ context.Context, before time.Time) ([]domain.SettlementHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SettlementHistory
	for _, r := range m.rows {
		if r.SettledAt.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memSettlements) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rows[:0]
	var n int64
	for _, r := range m.rows {
		if r.SettledAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.rows = kept
	return n, nil
}

type memBlobs struct {
	objects map[string][]byte
	putErr  error
	lose    bool
}

func (b *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if b.putErr != nil {
		return b.putErr
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if !b.lose {
		b.objects[path] = raw
	}
	return nil
}

func (b *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return b.Put(ctx, path, data, "")
}

func (b *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := b.objects[path]
	return ok, nil
}

type memAudit struct{ events []string }

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func newArchiverFixture() (*SettlementArchiver, *memSettlements, *memBlobs, *memAudit) {
	store := &memSettlements{}
	blobs := &memBlobs{objects: map[string][]byte{}}
	audit := &memAudit{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewArchiver(store, blobs, blobs, audit, logger), store, blobs, audit
}

func TestArchiveSettlements(t *testing.T) {
	a, store, blobs, audit := newArchiverFixture()
	ctx := context.Background()
	cutoff := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	for i, at := range []time.Time{cutoff.Add(-48 * time.Hour), cutoff.Add(-time.Hour), cutoff.Add(time.Hour)} {
		require.NoError(t, store.Insert(ctx, domain.SettlementHistory{
			MatchID:     []string{"m1", "m2", "m3"}[i],
			StakeAmount: 1_000_000_000,
			Status:      domain.MatchStatusCompleted,
			SettledAt:   at,
		}))
	}

	n, err := a.ArchiveSettlements(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	raw, ok := blobs.objects["archive/settlements/2026-10/20261001T000000Z.jsonl"]
	require.True(t, ok)

	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		var h domain.SettlementHistory
		require.NoError(t, json.Unmarshal(sc.Bytes(), &h))
		ids = append(ids, h.MatchID)
	}
	assert.Equal(t, []string{"m1", "m2"}, ids)

	require.Len(t, store.rows, 1)
	assert.Equal(t, "m3", store.rows[0].MatchID)
	assert.Equal(t, []string{"archive.settlements"}, audit.events)
}

func TestArchiveSettlementsKeepsRowsWhenUploadMissing(t *testing.T) {
	a, store, blobs, _ := newArchiverFixture()
	ctx := context.Background()
	cutoff := time.Now()
	require.NoError(t, store.Insert(ctx, domain.SettlementHistory{MatchID: "m1", SettledAt: cutoff.Add(-time.Hour)}))

	blobs.lose = true
	_, err := a.ArchiveSettlements(ctx, cutoff)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Len(t, store.rows, 1)

	blobs.lose = false
	blobs.putErr = errors.New("boom")
	_, err = a.ArchiveSettlements(ctx, cutoff)
	assert.Error(t, err)
	assert.Len(t, store.rows, 1)
}

func TestArchiveSettlementsEmpty(t *testing.T) {
	a, _, blobs, audit := newArchiverFixture()
	n, err := a.ArchiveSettlements(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blobs.objects)
	assert.Empty(t, audit.events)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("s3.example.com", true))
	assert.Equal(t, "http://x:1", normaliseEndpoint("http://x:1", true))
}
