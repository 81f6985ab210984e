package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/homefix/internal/chat"
	"github.com/homefix/internal/logger"
	"github.com/homefix/internal/model"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps chat service errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrChatNotFound):
		writeError(w, http.StatusNotFound, "chat not found")
	case errors.Is(err, chat.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, chat.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, chat.ErrNotParticipant):
		writeError(w, http.StatusForbidden, "not a participant of this chat")
	case errors.Is(err, chat.ErrNotAuthor):
		writeError(w, http.StatusForbidden, "can only modify own messages")
	case errors.Is(err, chat.ErrNotEditable):
		writeError(w, http.StatusBadRequest, "only text messages can be edited")
	case errors.Is(err, chat.ErrInvalidParticipants):
		writeError(w, http.StatusBadRequest, "invalid participants")
	case errors.Is(err, model.ErrInvalidBody):
		writeError(w, http.StatusBadRequest, "invalid message body")
	default:
		logger.Errorf("handler: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
