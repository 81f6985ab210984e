package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/homefix/internal/chat"
	"github.com/homefix/internal/middleware"
	"github.com/homefix/internal/model"
)

const (
	defaultChatListLimit = 50
	maxChatListLimit     = 200
)

// ChatHandler serves the REST side of the chat service. Mutations go through
// the same service the WebSocket path uses, so REST writes trigger the same
// realtime fan-out.
type ChatHandler struct {
	service *chat.Service
}

func NewChatHandler(service *chat.Service) *ChatHandler {
	return &ChatHandler{service: service}
}

type createChatRequest struct {
	ParticipantID    string `json:"participant_id"`
	AppointmentID    string `json:"appointment_id,omitempty"`
	ServiceRequestID string `json:"service_request_id,omitempty"`
}

// CreateChat returns the existing direct chat with the given user or creates
// a new one.
func (h *ChatHandler) CreateChat(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	c, err := h.service.CreateOrGetDirectChat(r.Context(), userID, req.ParticipantID, req.AppointmentID, req.ServiceRequestID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ListChats returns the user's chats, most recently updated first.
func (h *ChatHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	limit := queryInt(r, "limit", defaultChatListLimit)
	if limit <= 0 || limit > maxChatListLimit {
		limit = defaultChatListLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	chats, err := h.service.ListChats(r.Context(), userID, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if chats == nil {
		chats = []model.ChatSummary{}
	}
	writeJSON(w, http.StatusOK, chats)
}

// GetChat returns the full chat document including the message log. Opening a
// chat reads it: unread messages get the caller's read marker and the other
// participants observe a messages_read event.
func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	chatID := chi.URLParam(r, "chatID")
	if _, err := h.service.MarkRead(r.Context(), chatID, userID, nil); err != nil {
		writeServiceError(w, err)
		return
	}
	c, err := h.service.GetChatForUser(r.Context(), chatID, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type sendMessageRequest struct {
	Content     string            `json:"content"`
	MessageType model.MessageKind `json:"message_type"`
	FileURL     string            `json:"file_url"`
	FileName    string            `json:"file_name"`
	FileSize    int64             `json:"file_size"`
	Location    *model.GeoPoint   `json:"location"`
	ReplyTo     string            `json:"reply_to"`
}

// SendMessage appends a message over REST; connected participants still get
// the new_message event.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	chatID := chi.URLParam(r, "chatID")
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	body, err := model.NewBody(req.MessageType, req.Content, req.FileURL, req.FileName, req.FileSize, req.Location)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	m, _, err := h.service.AppendMessage(r.Context(), chatID, userID, body, req.ReplyTo)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type markReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

type markReadResponse struct {
	MessageIDs []string `json:"message_ids"`
}

// MarkRead records read markers; an empty message_ids list marks everything
// unread in the chat.
func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	chatID := chi.URLParam(r, "chatID")
	var req markReadRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	marked, err := h.service.MarkRead(r.Context(), chatID, userID, req.MessageIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if marked == nil {
		marked = []string{}
	}
	writeJSON(w, http.StatusOK, markReadResponse{MessageIDs: marked})
}

type editMessageRequest struct {
	Content string `json:"content"`
}

// EditMessage replaces a text message's content. Author only.
func (h *ChatHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	chatID := chi.URLParam(r, "chatID")
	messageID := chi.URLParam(r, "messageID")
	var req editMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	m, err := h.service.EditMessage(r.Context(), chatID, messageID, req.Content, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// DeleteMessage removes a message from the log. Author only.
func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	chatID := chi.URLParam(r, "chatID")
	messageID := chi.URLParam(r, "messageID")
	if err := h.service.DeleteMessage(r.Context(), chatID, messageID, userID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
