package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/stakematch/internal/domain"
	"github.com/alanyoungcy/stakematch/internal/metrics"
)

// Notifier alerts operators. *notify.Notifier satisfies it.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Events fans state changes out to the signal bus, the audit trail and the
// operator notifier. Every sink is optional and failures are only logged: an
// event that could not be delivered never fails the state change behind it.
type Events struct {
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewEvents creates an Events sink. Any of bus, audit, notifier and m may be
// nil.
func NewEvents(bus domain.SignalBus, audit domain.AuditStore, notifier Notifier, m *metrics.Metrics, logger *slog.Logger) *Events {
	return &Events{
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Metrics returns the collectors, possibly nil.
func (e *Events) Metrics() *metrics.Metrics {
	if e == nil {
		return nil
	}
	return e.metrics
}

func (e *Events) publish(ctx context.Context, channel string, evt domain.Event) {
	if e == nil || e.bus == nil {
		return
	}
	evt.At = e.now()
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, channel, payload); err != nil {
		e.logger.WarnContext(ctx, "publish event failed",
			slog.String("channel", channel),
			slog.String("event", evt.Event),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Events) stream(ctx context.Context, stream string, evt domain.Event) {
	if e == nil || e.bus == nil {
		return
	}
	evt.At = e.now()
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := e.bus.StreamAppend(ctx, stream, payload); err != nil {
		e.logger.WarnContext(ctx, "stream append failed",
			slog.String("stream", stream),
			slog.String("event", evt.Event),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Events) record(ctx context.Context, event string, detail map[string]any) {
	if e == nil || e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Events) alert(ctx context.Context, event, title, message string) {
	if e == nil || e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, event, title, message); err != nil {
		e.logger.WarnContext(ctx, "operator notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// RequestChanged announces a request status change.
func (e *Events) RequestChanged(ctx context.Context, event string, r domain.MatchRequest) {
	e.publish(ctx, domain.ChannelRequest, domain.Event{
		Event:     event,
		RequestID: r.ID,
		MatchID:   r.MatchID,
		Player:    r.PlayerAddress,
		Status:    string(r.Status),
	})
	detail := map[string]any{
		"request_id": r.ID,
		"player":     r.PlayerAddress,
		"stake":      int64(r.StakeAmount),
		"status":     string(r.Status),
	}
	if r.DepositRef != "" {
		detail["deposit_ref"] = r.DepositRef
	}
	e.record(ctx, event, detail)
	e.Metrics().RequestStatus(string(r.Status))
}

// MatchCreated announces a new match to both players.
func (e *Events) MatchCreated(ctx context.Context, m domain.Match) {
	for _, p := range []struct{ player, request string }{{m.PlayerA, m.RequestA}, {m.PlayerB, m.RequestB}} {
		e.publish(ctx, domain.ChannelMatch, domain.Event{
			Event:     domain.EventMatchCreated,
			RequestID: p.request,
			MatchID:   m.ID,
			Player:    p.player,
			Status:    string(m.Status),
		})
	}
	e.record(ctx, domain.EventMatchCreated, map[string]any{
		"match_id":  m.ID,
		"player_a":  m.PlayerA,
		"player_b":  m.PlayerB,
		"request_a": m.RequestA,
		"request_b": m.RequestB,
		"stake":     int64(m.StakeAmount),
	})
	e.Metrics().MatchCreated()
}

// Settlement records settlement progress. Completed settlements go to the
// settlements stream and the match channel; failures also page operators.
func (e *Events) Settlement(ctx context.Context, event string, m domain.Match, detail string) {
	evt := domain.Event{
		Event:   event,
		MatchID: m.ID,
		Status:  string(m.Status),
		Detail:  detail,
	}
	e.stream(ctx, domain.StreamSettlements, evt)

	fields := map[string]any{
		"match_id": m.ID,
		"status":   string(m.Status),
	}
	if m.Settlement != nil {
		fields["outcome"] = m.Settlement.Outcome.String()
		fields["refs"] = m.Settlement.Refs()
		fields["verify_attempts"] = m.Settlement.VerifyAttempts
	}
	if detail != "" {
		fields["detail"] = detail
	}
	e.record(ctx, event, fields)

	switch event {
	case domain.EventSettlementDone:
		e.publish(ctx, domain.ChannelMatch, evt)
	case domain.EventSettlementFailed, domain.EventSettlementTimeout:
		e.alert(ctx, event, "Settlement needs attention", "match "+m.ID+": "+detail)
	}
}
