package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bissquit/board-notify/internal/domain"
	"github.com/bissquit/board-notify/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockNotifier struct {
	mu     sync.Mutex
	events []domain.CardEvent
}

func (m *mockNotifier) Notify(_ context.Context, event domain.CardEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

type mockFlusher struct {
	result FlushResult
	err    error
	calls  int
	ctxErr error
}

func (m *mockFlusher) RunOnce(ctx context.Context) (FlushResult, error) {
	m.calls++
	m.ctxErr = ctx.Err()
	return m.result, m.err
}

type handlerFixture struct {
	router   http.Handler
	queue    *memQueue
	notifier *mockNotifier
	flusher  *mockFlusher
}

func newHandlerFixture() *handlerFixture {
	f := &handlerFixture{
		queue:    newMemQueue(),
		notifier: &mockNotifier{},
		flusher:  &mockFlusher{},
	}

	h := NewHandler(f.notifier, f.flusher, f.queue, f.queue)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), httputil.UserIDKey, "user-1")
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	h.RegisterRoutes(r)
	h.RegisterOperatorRoutes(r)
	f.router = r
	return f
}

func (f *handlerFixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var resp map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestHandler_PublishEvent(t *testing.T) {
	f := newHandlerFixture()

	rec, resp := f.do(t, http.MethodPost, "/notifications/events", `{
		"kind": "moved",
		"card_title": "Fix login",
		"action": "moved to Done",
		"project_name": "Web",
		"target_user_ids": ["u1", "u2", "u1"]
	}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, float64(2), resp["data"].(map[string]any)["targets"])

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, domain.CardEventMoved, f.notifier.events[0].Kind)
	assert.Equal(t, "Fix login", f.notifier.events[0].CardTitle)
}

func TestHandler_PublishEvent_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing card title", `{"action":"moved","project_name":"Web"}`},
		{"unknown kind", `{"kind":"deleted","card_title":"c","action":"a","project_name":"p"}`},
		{"empty target id", `{"card_title":"c","action":"a","project_name":"p","target_user_ids":[""]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture()
			rec, _ := f.do(t, http.MethodPost, "/notifications/events", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, f.notifier.events)
		})
	}
}

func TestHandler_Flush(t *testing.T) {
	f := newHandlerFixture()
	f.flusher.result = FlushResult{SentCount: 7, UserCount: 2}

	rec, resp := f.do(t, http.MethodPost, "/notifications/flush", "")

	require.Equal(t, http.StatusOK, rec.Code)
	data := resp["data"].(map[string]any)
	assert.Equal(t, float64(7), data["sent_count"])
	assert.Equal(t, float64(2), data["user_count"])
}

func TestHandler_Flush_IgnoresClientCancellation(t *testing.T) {
	f := newHandlerFixture()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/notifications/flush", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.flusher.calls)
	assert.NoError(t, f.flusher.ctxErr)
}

func TestHandler_Flush_InProgress(t *testing.T) {
	f := newHandlerFixture()
	f.flusher.err = ErrFlushInProgress

	rec, resp := f.do(t, http.MethodPost, "/notifications/flush", "")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "flush already in progress", resp["error"].(map[string]any)["message"])
}

func TestHandler_QueueStats(t *testing.T) {
	f := newHandlerFixture()
	enqueueN(t, f.queue, "u1", 2)
	enqueueN(t, f.queue, "u2", 1)

	rec, resp := f.do(t, http.MethodGet, "/notifications/queue/stats", "")

	require.Equal(t, http.StatusOK, rec.Code)
	data := resp["data"].(map[string]any)
	assert.Equal(t, float64(3), data["pending"])
	assert.Equal(t, float64(2), data["pending_users"])
}

func TestHandler_PushIdentityLifecycle(t *testing.T) {
	f := newHandlerFixture()

	rec, _ := f.do(t, http.MethodGet, "/me/push-identity", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, resp := f.do(t, http.MethodPut, "/me/push-identity", `{"identity":"U4af4980629"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "U4af4980629", resp["data"].(map[string]any)["identity"])
	assert.Equal(t, "U4af4980629", f.queue.identities["user-1"])

	rec, resp = f.do(t, http.MethodGet, "/me/push-identity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "U4af4980629", resp["data"].(map[string]any)["identity"])

	rec, _ = f.do(t, http.MethodDelete, "/me/push-identity", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = f.do(t, http.MethodDelete, "/me/push-identity", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_SetPushIdentity_Validation(t *testing.T) {
	f := newHandlerFixture()

	rec, _ := f.do(t, http.MethodPut, "/me/push-identity", `{"identity":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.queue.identities)
}
