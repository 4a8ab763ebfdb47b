// Package line delivers personal notifications through the LINE Messaging API push endpoint.
package line

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/board-notify/internal/notifications"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"
)

const (
	defaultAPIURL    = "https://api.line.me"
	pushPath         = "/v2/bot/message/push"
	defaultRateLimit = 50.0
	defaultTimeout   = 10 * time.Second
	maxAltTextRunes  = 400
	maxTextRunes     = 2000
)

// Config holds LINE sender configuration.
type Config struct {
	Enabled            bool
	ChannelAccessToken string
	APIURL             string
	RateLimit          float64 // requests per second
	Timeout            time.Duration
}

// Sender implements notifications.PersonalChannel via LINE push messages.
type Sender struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	apiURL     string
	retryKey   func() string
}

// NewSender creates a new LINE sender.
// Returns error if enabled but the channel access token is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled && config.ChannelAccessToken == "" {
		return nil, errors.New("line sender: channel access token is required when enabled")
	}

	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimit
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	apiURL := config.APIURL
	if apiURL == "" {
		apiURL = defaultAPIURL
	}

	slog.Info("line sender configured",
		"enabled", config.Enabled,
		"api_url", apiURL,
		"rate_limit", config.RateLimit,
	)

	return &Sender{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		apiURL:     apiURL,
		retryKey:   uuid.NewString,
	}, nil
}

// Send pushes msg to the LINE user identified by identity.
func (s *Sender) Send(ctx context.Context, identity string, msg notifications.Message) error {
	if !s.config.Enabled {
		return fmt.Errorf("line: %w", notifications.ErrChannelNotEnabled)
	}
	if identity == "" {
		return &PermanentError{Message: "recipient identity is empty"}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(buildPushRequest(identity, msg))
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+pushPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.config.ChannelAccessToken)
	req.Header.Set("X-Line-Retry-Key", s.retryKey())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp)
}

type pushRequest struct {
	To       string        `json:"to"`
	Messages []flexMessage `json:"messages"`
}

type flexMessage struct {
	Type     string `json:"type"`
	AltText  string `json:"altText"`
	Contents bubble `json:"contents"`
}

type bubble struct {
	Type   string `json:"type"`
	Header *box   `json:"header,omitempty"`
	Body   box    `json:"body"`
}

type box struct {
	Type     string      `json:"type"`
	Layout   string      `json:"layout"`
	Contents []textBlock `json:"contents"`
}

type textBlock struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	Weight string `json:"weight,omitempty"`
	Wrap   bool   `json:"wrap,omitempty"`
}

func buildPushRequest(identity string, msg notifications.Message) pushRequest {
	altText := clip(msg.AltText, maxAltTextRunes)
	if altText == "" {
		altText = clip(msg.Title, maxAltTextRunes)
	}

	b := bubble{
		Type: "bubble",
		Body: box{
			Type:   "box",
			Layout: "vertical",
			Contents: []textBlock{
				{Type: "text", Text: clip(msg.Body, maxTextRunes), Wrap: true},
			},
		},
	}
	if msg.Title != "" {
		b.Header = &box{
			Type:   "box",
			Layout: "vertical",
			Contents: []textBlock{
				{Type: "text", Text: clip(msg.Title, maxTextRunes), Weight: "bold"},
			},
		}
	}

	return pushRequest{
		To: identity,
		Messages: []flexMessage{{
			Type:     "flex",
			AltText:  altText,
			Contents: b,
		}},
	}
}

// clip NFC-normalizes s and truncates it to at most n runes.
func clip(s string, n int) string {
	s = norm.NFC.String(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

type errorResponse struct {
	Message string `json:"message"`
	Details []struct {
		Message  string `json:"message"`
		Property string `json:"property"`
	} `json:"details,omitempty"`
}

func handleResponse(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	// 409 means a request with the same retry key was already accepted.
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusConflict {
		return nil
	}

	var apiErr errorResponse
	_ = json.Unmarshal(raw, &apiErr)
	message := apiErr.Message
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	if len(apiErr.Details) > 0 {
		message = fmt.Sprintf("%s (%s: %s)", message, apiErr.Details[0].Property, apiErr.Details[0].Message)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    message,
		}
	case resp.StatusCode == http.StatusUnauthorized:
		return &PermanentError{Code: resp.StatusCode, Message: "invalid channel access token"}
	case resp.StatusCode >= 500:
		return &RetryableError{Code: resp.StatusCode, Message: message}
	default:
		return &PermanentError{Code: resp.StatusCode, Message: message}
	}
}

func parseRetryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Second
}

// RateLimitError is returned when LINE rejects a request with 429.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("line rate limited (retry after %s): %s", e.RetryAfter, e.Message)
}

// IsRetryable returns true.
func (e *RateLimitError) IsRetryable() bool { return true }

// RetryDelay returns the delay LINE asked for before the next request.
func (e *RateLimitError) RetryDelay() time.Duration { return e.RetryAfter }

// PermanentError indicates an error that a retry will not fix.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("line error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("line error: %s", e.Message)
}

// IsRetryable returns false.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError indicates a temporary error.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("line error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("line error: %s", e.Message)
}

// IsRetryable returns true.
func (e *RetryableError) IsRetryable() bool { return true }
