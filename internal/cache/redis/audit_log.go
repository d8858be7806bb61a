package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/stakematch/internal/domain"
)

// AuditLog implements domain.AuditStore on the "audit" stream. It backs the
// audit trail when Postgres is disabled.
type AuditLog struct {
	c *Client
}

// NewAuditLog creates an AuditLog backed by the given Client.
func NewAuditLog(c *Client) *AuditLog {
	return &AuditLog{c: c}
}

type auditRecord struct {
	Event  string         `json:"event"`
	Detail map[string]any `json:"detail,omitempty"`
	At     time.Time      `json:"at"`
}

// Log appends an entry to the audit stream.
func (a *AuditLog) Log(ctx context.Context, event string, detail map[string]any) error {
	payload, err := json.Marshal(auditRecord{Event: event, Detail: detail, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("redis: marshal audit entry: %w", err)
	}
	return streamAppend(ctx, a.c, domain.StreamAudit, payload)
}

// List reads entries newest first, honouring Offset, Limit, Since and Until.
func (a *AuditLog) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	msgs, err := a.c.rdb.XRevRangeN(ctx, a.c.key(domain.StreamAudit), "+", "-", streamMaxLen).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list audit entries: %w", err)
	}

	out := make([]domain.AuditEntry, 0, limit)
	skipped := 0
	for _, m := range msgs {
		payload, _ := m.Values["payload"].(string)
		var rec auditRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			continue
		}
		if opts.Since != nil && rec.At.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !rec.At.Before(*opts.Until) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, domain.AuditEntry{
			ID:        streamSeq(m.ID),
			Event:     rec.Event,
			Detail:    rec.Detail,
			CreatedAt: rec.At,
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// streamSeq turns a stream id ("1700000000000-3") into its millisecond part,
// which is good enough as a display id.
func streamSeq(id string) int64 {
	ms, _, _ := strings.Cut(id, "-")
	n, _ := strconv.ParseInt(ms, 10, 64)
	return n
}

var _ domain.AuditStore = (*AuditLog)(nil)
