package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/stakematch/internal/domain"
)

// SettlementArchiver implements domain.Archiver. It copies finished
// settlements older than a cutoff into a JSONL object and removes the rows
// from the database only after the object is confirmed present.
type SettlementArchiver struct {
	store  domain.SettlementStore
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewArchiver creates a SettlementArchiver.
func NewArchiver(
	store domain.SettlementStore,
	writer domain.BlobWriter,
	reader domain.BlobReader,
	audit domain.AuditStore,
	logger *slog.Logger,
) *SettlementArchiver {
	return &SettlementArchiver{
		store:  store,
		writer: writer,
		reader: reader,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveSettlements uploads settlements finished before the cutoff and
// deletes them from the store. It returns the number of rows archived.
func (a *SettlementArchiver) ArchiveSettlements(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.store.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settlements query: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settlements marshal: %w", err)
	}

	path := archivePath("settlements", before)
	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settlements upload: %w", err)
	}

	ok, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settlements verify: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("s3blob: archive settlements verify: %s: %w", path, domain.ErrNotFound)
	}

	// Rows settled after ListBefore ran are newer than the cutoff, so the
	// delete removes exactly what was uploaded.
	deleted, err := a.store.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settlements delete: %w", err)
	}

	count := int64(len(rows))
	if deleted != count {
		a.logger.WarnContext(ctx, "archived and deleted counts differ",
			slog.Int64("archived", count),
			slog.Int64("deleted", deleted),
		)
	}

	if err := a.audit.Log(ctx, "archive.settlements", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive settlements audit log: %w", err)
	}

	a.logger.InfoContext(ctx, "settlements archived",
		slog.String("path", path),
		slog.Int64("count", count),
	)
	return count, nil
}

// archivePath partitions archive objects by the cutoff's month and names
// them by the cutoff instant so repeated runs never overwrite each other:
//
//	archive/settlements/2026-10/20261016T000000Z.jsonl
func archivePath(kind string, before time.Time) string {
	before = before.UTC()
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", kind, before.Format("2006-01"), before.Format("20060102T150405Z"))
}

// marshalJSONL encodes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*SettlementArchiver)(nil)
