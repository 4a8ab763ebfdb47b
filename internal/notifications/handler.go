package notifications

import (
	"context"
	"net/http"

	"github.com/bissquit/board-notify/internal/domain"
	"github.com/bissquit/board-notify/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrIdentityNotFound, Status: http.StatusNotFound, Message: "push identity not linked"},
	{Error: ErrFlushInProgress, Status: http.StatusConflict, Message: "flush already in progress"},
	{Error: ErrChannelNotEnabled, Status: http.StatusServiceUnavailable, Message: "notifications are disabled"},
}

// Notifier accepts card events for distribution.
type Notifier interface {
	Notify(ctx context.Context, event domain.CardEvent)
}

// Flusher runs a single guarded flush.
type Flusher interface {
	RunOnce(ctx context.Context) (FlushResult, error)
}

// Handler handles HTTP requests for the notifications module.
type Handler struct {
	notifier   Notifier
	flusher    Flusher
	queue      Queue
	identities IdentityStore
	validator  *validator.Validate
}

// NewHandler creates a new notifications handler.
func NewHandler(notifier Notifier, flusher Flusher, queue Queue, identities IdentityStore) *Handler {
	return &Handler{
		notifier:   notifier,
		flusher:    flusher,
		queue:      queue,
		identities: identities,
		validator:  validator.New(),
	}
}

// RegisterRoutes registers routes available to every authenticated user.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/me/push-identity", func(r chi.Router) {
		r.Get("/", h.GetPushIdentity)
		r.Put("/", h.SetPushIdentity)
		r.Delete("/", h.DeletePushIdentity)
	})
}

// RegisterOperatorRoutes registers routes for board services and operators.
func (h *Handler) RegisterOperatorRoutes(r chi.Router) {
	r.Post("/notifications/events", h.PublishEvent)
	r.Post("/notifications/flush", h.Flush)
	r.Get("/notifications/queue/stats", h.QueueStats)
}

// PublishEventRequest represents request body for publishing a card event.
type PublishEventRequest struct {
	Kind          string   `json:"kind" validate:"omitempty,oneof=assigned title_changed due_soon moved other"`
	CardTitle     string   `json:"card_title" validate:"required,max=500"`
	Action        string   `json:"action" validate:"required,max=100"`
	ProjectName   string   `json:"project_name" validate:"required,max=200"`
	TargetUserIDs []string `json:"target_user_ids" validate:"omitempty,max=1000,dive,required"`
}

// SetPushIdentityRequest represents request body for linking a push identity.
type SetPushIdentityRequest struct {
	Identity string `json:"identity" validate:"required,max=255"`
}

// PushIdentityResponse is returned by the push identity endpoints.
type PushIdentityResponse struct {
	Identity string `json:"identity"`
}

// PublishEvent handles POST /notifications/events.
func (h *Handler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	var req PublishEventRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	event := domain.CardEvent{
		Kind:          domain.CardEventKind(req.Kind),
		CardTitle:     req.CardTitle,
		Action:        req.Action,
		ProjectName:   req.ProjectName,
		TargetUserIDs: req.TargetUserIDs,
	}
	// Delivery must not be cut short by the client going away.
	h.notifier.Notify(context.WithoutCancel(r.Context()), event)

	httputil.Success(w, http.StatusAccepted, map[string]int{
		"targets": len(uniqueUserIDs(req.TargetUserIDs)),
	})
}

// Flush handles POST /notifications/flush.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	// A client going away must not abort a flush halfway through.
	result, err := h.flusher.RunOnce(context.WithoutCancel(r.Context()))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, result)
}

// QueueStats handles GET /notifications/queue/stats.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.QueueStats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}

// GetPushIdentity handles GET /me/push-identity.
func (h *Handler) GetPushIdentity(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	identity, err := h.identities.GetPushIdentity(r.Context(), userID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, PushIdentityResponse{Identity: identity})
}

// SetPushIdentity handles PUT /me/push-identity.
func (h *Handler) SetPushIdentity(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	var req SetPushIdentityRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	if err := h.identities.SetPushIdentity(r.Context(), userID, req.Identity); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, PushIdentityResponse{Identity: req.Identity})
}

// DeletePushIdentity handles DELETE /me/push-identity.
func (h *Handler) DeletePushIdentity(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	if err := h.identities.DeletePushIdentity(r.Context(), userID); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
