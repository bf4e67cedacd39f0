package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/hub"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/store"
)

type chatResponse struct {
	Chat     store.Chat      `json:"chat"`
	Messages []store.Message `json:"messages"`
}

type postMessageRequest struct {
	// ChatID is optional. When set it must name the sender/recipient pair.
	ChatID      string  `json:"chatId,omitempty"`
	RecipientID string  `json:"recipientId"`
	Content     *string `json:"content"`
	MessageType string  `json:"messageType,omitempty"`
}

func (a *API) listChats(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	chats, err := a.store.ListChatsForUser(r.Context(), id.UserID)
	if err != nil {
		a.storeError(w, r, "list chats", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(chats))
}

// chatWith returns the chat between the caller and {userId}, creating it on
// first access, together with its history.
func (a *API) chatWith(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	peerID := chi.URLParam(r, "userId")
	if _, err := a.store.GetUser(r.Context(), peerID); err != nil {
		a.storeError(w, r, "get user", err)
		return
	}
	chat, err := a.store.GetOrCreateChat(r.Context(), id.UserID, peerID)
	if err != nil {
		a.storeError(w, r, "get or create chat", err)
		return
	}
	msgs, err := a.store.ListMessages(r.Context(), chat.ID)
	if err != nil {
		a.storeError(w, r, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Chat: chat, Messages: nonNil(msgs)})
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	chat, err := a.store.GetChat(r.Context(), chi.URLParam(r, "chatId"))
	if err != nil {
		a.storeError(w, r, "get chat", err)
		return
	}
	if !chat.HasParticipant(id.UserID) {
		writeError(w, http.StatusForbidden, "not a participant of this chat")
		return
	}
	msgs, err := a.store.ListMessages(r.Context(), chat.ID)
	if err != nil {
		a.storeError(w, r, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(msgs))
}

// postMessage goes through the same router as WebSocket frames, so an online
// recipient gets the message pushed live.
func (a *API) postMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	var req postMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recipient := strings.TrimSpace(req.RecipientID)
	if recipient == "" || req.Content == nil {
		writeError(w, http.StatusBadRequest, "recipientId and content are required")
		return
	}
	kind, err := store.ParseMessageKind(req.MessageType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	chatID := req.ChatID
	if chatID == "" {
		chatID = store.ChatID(id.UserID, recipient)
	}

	msg, err := a.router.Deliver(r.Context(), id.UserID, chatID, recipient, *req.Content, kind)
	if errors.Is(err, hub.ErrInvalidChat) {
		writeError(w, http.StatusBadRequest, "chatId does not match recipient")
		return
	}
	if err != nil {
		a.storeError(w, r, "deliver message", err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *API) markRead(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	messageID := chi.URLParam(r, "messageId")
	msg, err := a.store.GetMessage(r.Context(), messageID)
	if err != nil {
		a.storeError(w, r, "get message", err)
		return
	}
	chat, err := a.store.GetChat(r.Context(), msg.ChatID)
	if err != nil {
		a.storeError(w, r, "get chat", err)
		return
	}
	if !chat.HasParticipant(id.UserID) {
		writeError(w, http.StatusForbidden, "not a participant of this chat")
		return
	}
	msg, err = a.store.MarkMessageRead(r.Context(), messageID)
	if err != nil {
		a.storeError(w, r, "mark message read", err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}
