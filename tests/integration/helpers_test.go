//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/board-notify/internal/domain"
	"github.com/bissquit/board-notify/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// pushedMessage is what the fake LINE API received for one push.
type pushedMessage struct {
	To      string
	AltText string
	Title   string
	Body    string
}

// fakeLinePush records push requests by recipient. Recipients listed in
// failing get a 500 response.
type fakeLinePush struct {
	*httptest.Server

	mu      sync.Mutex
	pushes  map[string][]pushedMessage
	failing map[string]bool
}

func newFakeLinePush() *fakeLinePush {
	f := &fakeLinePush{
		pushes:  make(map[string][]pushedMessage),
		failing: make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakeLinePush) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To       string `json:"to"`
		Messages []struct {
			AltText  string `json:"altText"`
			Contents struct {
				Header *struct {
					Contents []struct {
						Text string `json:"text"`
					} `json:"contents"`
				} `json:"header"`
				Body struct {
					Contents []struct {
						Text string `json:"text"`
					} `json:"contents"`
				} `json:"body"`
			} `json:"contents"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"invalid body"}`))
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing[req.To] {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"Internal error"}`))
		return
	}

	m := req.Messages[0]
	msg := pushedMessage{To: req.To, AltText: m.AltText}
	if m.Contents.Header != nil && len(m.Contents.Header.Contents) > 0 {
		msg.Title = m.Contents.Header.Contents[0].Text
	}
	if len(m.Contents.Body.Contents) > 0 {
		msg.Body = m.Contents.Body.Contents[0].Text
	}
	f.pushes[req.To] = append(f.pushes[req.To], msg)

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{}`))
}

// Pushes returns the messages delivered to identity so far.
func (f *fakeLinePush) Pushes(identity string) []pushedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pushedMessage(nil), f.pushes[identity]...)
}

// SetFailing makes pushes to identity fail or succeed.
func (f *fakeLinePush) SetFailing(identity string, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[identity] = failing
}

// fakeWebhook records the text of every Mattermost webhook post.
type fakeWebhook struct {
	*httptest.Server

	mu    sync.Mutex
	texts []string
}

func newFakeWebhook() *fakeWebhook {
	f := &fakeWebhook{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.texts = append(f.texts, payload.Text)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	return f
}

// Texts returns every broadcast text received so far.
func (f *fakeWebhook) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

// randomUserID returns a user ID that no other test uses.
func randomUserID() string {
	return "user-" + uuid.NewString()
}

// randomIdentity returns a LINE-style user identifier.
func randomIdentity() string {
	return "U" + uuid.NewString()
}

// newUserClient returns a validating client authenticated as a fresh user.
func newUserClient(t *testing.T) (*testutil.Client, string) {
	t.Helper()
	userID := randomUserID()
	client := newTestClient(t)
	client.AuthenticateAs(t, testJWTSecret, userID, domain.RoleUser)
	return client, userID
}

// newOperatorClient returns a validating client with the operator role.
func newOperatorClient(t *testing.T) *testutil.Client {
	t.Helper()
	client := newTestClient(t)
	client.AuthenticateAs(t, testJWTSecret, "board-service", domain.RoleOperator)
	return client
}

// linkIdentity links a fresh push identity for the client's user and returns it.
func linkIdentity(t *testing.T, client *testutil.Client) string {
	t.Helper()
	identity := randomIdentity()

	resp, err := client.PUT("/api/v1/me/push-identity", map[string]string{"identity": identity})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	return identity
}

// setQuietNow puts the client's user into quiet hours for the next two hours (UTC).
func setQuietNow(t *testing.T, client *testutil.Client) {
	t.Helper()
	hour := time.Now().UTC().Hour()
	patchPreferences(t, client, map[string]any{
		"quiet_hours_start": hour,
		"quiet_hours_end":   (hour + 2) % 24,
	})
}

// clearQuietHours removes the quiet window of the client's user.
func clearQuietHours(t *testing.T, client *testutil.Client) {
	t.Helper()
	patchPreferences(t, client, map[string]any{"clear_quiet_hours": true})
}

func patchPreferences(t *testing.T, client *testutil.Client, body map[string]any) {
	t.Helper()
	resp, err := client.PATCH("/api/v1/me/notification-preferences", body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, testutil.ReadBody(t, resp))
	_ = resp.Body.Close()
}

// publishEvent posts a card event through the operator API.
func publishEvent(t *testing.T, event map[string]any) {
	t.Helper()
	resp, err := newOperatorClient(t).POST("/api/v1/notifications/events", event)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, testutil.ReadBody(t, resp))
	_ = resp.Body.Close()
}

type flushResponse struct {
	Data struct {
		SentCount int `json:"sent_count"`
		UserCount int `json:"user_count"`
	} `json:"data"`
}

// flushNow triggers a flush over HTTP and returns its result.
func flushNow(t *testing.T) flushResponse {
	t.Helper()
	resp, err := newOperatorClient(t).POST("/api/v1/notifications/flush", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result flushResponse
	testutil.DecodeJSON(t, resp, &result)
	return result
}

// pendingCount returns the number of unsent queue rows of userID.
func pendingCount(t *testing.T, userID string) int {
	t.Helper()
	var n int
	err := testDB.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM notification_queue WHERE user_id = $1 AND sent = FALSE`, userID).Scan(&n)
	require.NoError(t, err)
	return n
}

// resetQueue removes every queued row so that flush counts are predictable.
func resetQueue(t *testing.T) {
	t.Helper()
	_, err := testDB.Exec(context.Background(), `DELETE FROM notification_queue`)
	require.NoError(t, err)
}
