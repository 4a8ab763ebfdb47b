package preferences

import (
	"net/http"

	"github.com/bissquit/board-notify/internal/domain"
	"github.com/bissquit/board-notify/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: domain.ErrInvalidQuietHours, Status: http.StatusBadRequest},
}

// Handler handles HTTP requests for notification preferences.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new preferences handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers preference routes for the authenticated user.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/me/notification-preferences", h.GetPreferences)
	r.Patch("/me/notification-preferences", h.UpdatePreferences)
}

// UpdatePreferencesRequest is a partial preference update.
// Omitted fields keep their current value.
type UpdatePreferencesRequest struct {
	NotifyAssigned     *bool `json:"notify_assigned"`
	NotifyTitleChanged *bool `json:"notify_title_changed"`
	NotifyDueSoon      *bool `json:"notify_due_soon"`
	NotifyMoved        *bool `json:"notify_moved"`
	QuietHoursStart    *int  `json:"quiet_hours_start" validate:"omitempty,min=0,max=23"`
	QuietHoursEnd      *int  `json:"quiet_hours_end" validate:"omitempty,min=0,max=23"`
	ClearQuietHours    bool  `json:"clear_quiet_hours"`
}

// GetPreferences handles GET /me/notification-preferences.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	pref, err := h.service.Get(r.Context(), httputil.GetUserID(r.Context()))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, pref)
}

// UpdatePreferences handles PATCH /me/notification-preferences.
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var req UpdatePreferencesRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	pref, err := h.service.Set(r.Context(), httputil.GetUserID(r.Context()), domain.PreferenceUpdate{
		NotifyAssigned:     req.NotifyAssigned,
		NotifyTitleChanged: req.NotifyTitleChanged,
		NotifyDueSoon:      req.NotifyDueSoon,
		NotifyMoved:        req.NotifyMoved,
		QuietHoursStart:    req.QuietHoursStart,
		QuietHoursEnd:      req.QuietHoursEnd,
		ClearQuietHours:    req.ClearQuietHours,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, pref)
}
