package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	name string
	err  error

	mu     sync.Mutex
	titles []string
}

func (f *fakeSender) Send(_ context.Context, title, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, title)
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.titles)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersEvents(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, []string{"settlement_failed"}, 0, discard())

	require.NoError(t, n.Notify(context.Background(), "settlement_completed", "done", "m1"))
	assert.Zero(t, s.count())

	require.NoError(t, n.Notify(context.Background(), "settlement_failed", "Settlement needs attention", "m1"))
	assert.Equal(t, []string{"[settlement_failed] Settlement needs attention"}, s.titles)
}

func TestNotifierCooldown(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, nil, time.Minute, discard())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "settlement_timed_out", "t", "match m1"))
	require.NoError(t, n.Notify(ctx, "settlement_timed_out", "t", "match m1"))
	require.NoError(t, n.Notify(ctx, "settlement_timed_out", "t", "match m2"))
	assert.Equal(t, 2, s.count())

	now = now.Add(time.Minute)
	require.NoError(t, n.Notify(ctx, "settlement_timed_out", "t", "match m1"))
	assert.Equal(t, 3, s.count())
}

func TestNotifierJoinsSenderErrors(t *testing.T) {
	ok := &fakeSender{name: "ok"}
	bad := &fakeSender{name: "bad", err: errors.New("boom")}
	n := NewNotifier([]Sender{bad, ok}, nil, 0, discard())

	err := n.Notify(context.Background(), "settlement_failed", "title", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Equal(t, 1, ok.count())
}

func TestNotifierWithoutSenders(t *testing.T) {
	n := NewNotifier(nil, nil, 0, discard())
	assert.False(t, n.Enabled())
	assert.NoError(t, n.Notify(context.Background(), "e", "t", "m"))

	var nilNotifier *Notifier
	assert.NoError(t, nilNotifier.Notify(context.Background(), "e", "t", "m"))
}

func TestTelegramSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(context.Background(), "a<b", "x & y"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "<b>a&lt;b</b>\nx &amp; y", got["text"])
	assert.Equal(t, "HTML", got["parse_mode"])
}

func TestDiscordSenderReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Embeds []discordEmbed `json:"embeds"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if len(body.Embeds) == 1 && body.Embeds[0].Title == "fail" {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL)
	assert.NoError(t, d.Send(context.Background(), "ok", "body"))
	err := d.Send(context.Background(), "fail", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab…", truncate("abcd", 3))
}
