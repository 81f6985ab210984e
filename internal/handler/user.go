package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/homefix/internal/chat"
	"github.com/homefix/internal/middleware"
)

// UserHandler is the read side of the user directory: chat peers resolve each
// other's public profile here.
type UserHandler struct {
	users chat.Directory
}

func NewUserHandler(users chat.Directory) *UserHandler {
	return &UserHandler{users: users}
}

// GetUser returns the public profile for an id.
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	u, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, u.ToPublic())
}

// Me returns the authenticated user's own public profile.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	u, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, u.ToPublic())
}
