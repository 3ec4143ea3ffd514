package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dairyline/internal/config"
	"dairyline/internal/domain"
	"dairyline/internal/engine"
)

type delivery struct {
	header http.Header
	body   []byte
}

type hookRecorder struct {
	mu         sync.Mutex
	deliveries []delivery
	failNext   int
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failNext > 0 {
		h.failNext--
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}
	h.deliveries = append(h.deliveries, delivery{header: r.Header.Clone(), body: body})
	w.WriteHeader(http.StatusNoContent)
}

func (h *hookRecorder) received() []delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]delivery(nil), h.deliveries...)
}

func webhookEngine(t *testing.T, hook config.WebhookConfig) (engine.Engine, *hookRecorder) {
	t.Helper()
	s := newTestServer(t)
	rec := &hookRecorder{}
	target := httptest.NewServer(rec)
	t.Cleanup(target.Close)
	hook.URL = target.URL
	e := s.Engine
	cfg := *e.Config
	cfg.Webhooks = []config.WebhookConfig{hook}
	e.Config = &cfg
	return e, rec
}

func TestWebhookDeliversMatchingEventsSigned(t *testing.T) {
	e, rec := webhookEngine(t, config.WebhookConfig{Secret: "hush", Events: []string{"form.created"}})
	ctx := context.Background()
	d := newWebhookDispatcher(e, nil)
	require.NotNil(t, d)

	// history before the first dispatch is not replayed
	d.dispatchAll(ctx)
	assert.Empty(t, rec.received())

	f, err := e.CreateForm(ctx, engine.FormCreateOptions{Type: "lab-forms", Title: "fat", ActorID: "lena"})
	require.NoError(t, err)
	_, err = e.SaveForm(ctx, f.ID, "lena")
	require.NoError(t, err)
	d.dispatchAll(ctx)

	got := rec.received()
	require.Len(t, got, 1)
	assert.Equal(t, "form.created", got[0].header.Get("X-Dairyline-Event"))
	assert.Equal(t, "plant-1", got[0].header.Get("X-Dairyline-Plant"))
	assert.Equal(t, signPayload("hush", got[0].body), got[0].header.Get("X-Dairyline-Signature"))

	var evt webhookEvent
	require.NoError(t, json.Unmarshal(got[0].body, &evt))
	assert.Equal(t, f.ID, evt.EntityID)
	assert.Equal(t, "lena", evt.ActorID)
}

func TestWebhookRetriesFailedDelivery(t *testing.T) {
	e, rec := webhookEngine(t, config.WebhookConfig{})
	rec.failNext = 1
	ctx := context.Background()
	d := newWebhookDispatcher(e, nil)
	d.dispatchAll(ctx)

	_, err := e.UpsertUser(ctx, domain.User{ID: "new", Department: "Lab"}, "root")
	require.NoError(t, err)
	d.dispatchAll(ctx)
	assert.Empty(t, rec.received())

	d.dispatchAll(ctx)
	got := rec.received()
	require.Len(t, got, 1)
	assert.Equal(t, "user.upserted", got[0].header.Get("X-Dairyline-Event"))
	assert.Empty(t, got[0].header.Get("X-Dairyline-Signature"))
}

func TestWebhookDispatcherNeedsConfiguredHooks(t *testing.T) {
	s := newTestServer(t)
	assert.Nil(t, newWebhookDispatcher(s.Engine, nil))
	assert.False(t, StartWebhookDispatcher(context.Background(), s.Engine, nil))
}
