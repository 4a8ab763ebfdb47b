package preferences

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bissquit/board-notify/internal/domain"
	"github.com/bissquit/board-notify/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(repo *memRepo) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), httputil.UserIDKey, "user-1")
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	NewHandler(NewService(repo)).RegisterRoutes(r)
	return r
}

func doRequest(t *testing.T, h http.Handler, method, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, "/me/notification-preferences", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestHandler_GetPreferences_Defaults(t *testing.T) {
	rec, resp := doRequest(t, newTestRouter(newMemRepo()), http.MethodGet, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	data := resp["data"].(map[string]any)
	assert.Equal(t, "user-1", data["user_id"])
	assert.Equal(t, true, data["notify_assigned"])
	assert.Equal(t, false, data["notify_title_changed"])
	assert.Equal(t, true, data["notify_due_soon"])
	assert.Equal(t, false, data["notify_moved"])
	assert.Nil(t, data["quiet_hours_start"])
	assert.Nil(t, data["quiet_hours_end"])
}

func TestHandler_UpdatePreferences(t *testing.T) {
	repo := newMemRepo()
	router := newTestRouter(repo)

	rec, resp := doRequest(t, router, http.MethodPatch,
		`{"notify_moved":true,"quiet_hours_start":22,"quiet_hours_end":7}`)
	require.Equal(t, http.StatusOK, rec.Code)

	data := resp["data"].(map[string]any)
	assert.Equal(t, true, data["notify_moved"])
	assert.Equal(t, float64(22), data["quiet_hours_start"])
	assert.Equal(t, float64(7), data["quiet_hours_end"])

	stored := repo.rows["user-1"]
	assert.True(t, stored.NotifyMoved)
	assert.True(t, stored.NotifyAssigned)
}

func TestHandler_UpdatePreferences_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"invalid json", `{`, "invalid json"},
		{"hour out of range", `{"quiet_hours_start":24,"quiet_hours_end":3}`, "validation error"},
		{"single bound", `{"quiet_hours_start":22}`, domain.ErrInvalidQuietHours.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemRepo()
			rec, resp := doRequest(t, newTestRouter(repo), http.MethodPatch, tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			errBody := resp["error"].(map[string]any)
			assert.Equal(t, tt.message, errBody["message"])
			assert.Empty(t, repo.rows)
		})
	}
}

func TestHandler_UpdatePreferences_ClearQuietHours(t *testing.T) {
	repo := newMemRepo()
	router := newTestRouter(repo)

	rec, _ := doRequest(t, router, http.MethodPatch, `{"quiet_hours_start":1,"quiet_hours_end":5}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp := doRequest(t, router, http.MethodPatch, `{"clear_quiet_hours":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	data := resp["data"].(map[string]any)
	assert.Nil(t, data["quiet_hours_start"])
	assert.Nil(t, data["quiet_hours_end"])
}
