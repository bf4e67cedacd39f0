package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/auth"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/store"
)

const maxUsernameLen = 64

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Avatar   string `json:"avatar,omitempty"`
}

type sessionResponse struct {
	User      store.User `json:"user"`
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

// contact is the public view of another user.
type contact struct {
	ID       string               `json:"id"`
	Username string               `json:"username"`
	Avatar   string               `json:"avatar,omitempty"`
	Status   store.PresenceStatus `json:"status"`
	LastSeen time.Time            `json:"lastSeen"`
}

func toContact(u store.User) contact {
	status := u.Status
	if status == "" {
		status = store.StatusOffline
	}
	return contact{ID: u.ID, Username: u.Username, Avatar: u.Avatar, Status: status, LastSeen: u.LastSeen}
}

func toContacts(users []store.User, excludeID string) []contact {
	out := make([]contact, 0, len(users))
	for _, u := range users {
		if u.ID == excludeID {
			continue
		}
		out = append(out, toContact(u))
	}
	return out
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || len(username) > maxUsernameLen {
		writeError(w, http.StatusBadRequest, "username must be 1-64 characters")
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if errors.Is(err, auth.ErrWeakPassword) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		a.log.Error("api: hash password", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	user, err := a.store.CreateUser(r.Context(), store.User{
		Username:     username,
		PasswordHash: hash,
		Avatar:       strings.TrimSpace(req.Avatar),
	})
	if err != nil {
		a.storeError(w, r, "create user", err)
		return
	}
	a.log.Info("api: user registered", "user_id", user.ID, "username", user.Username)
	a.writeSession(w, http.StatusCreated, user)
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.store.GetUserByName(r.Context(), strings.TrimSpace(req.Username))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if err != nil {
		a.storeError(w, r, "get user by name", err)
		return
	}
	if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	a.writeSession(w, http.StatusOK, user)
}

func (a *API) writeSession(w http.ResponseWriter, status int, user store.User) {
	token, exp, err := a.issuer.Issue(user.ID, user.Username)
	if err != nil {
		a.log.Error("api: issue token", "user_id", user.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, status, sessionResponse{User: user, Token: token, ExpiresAt: exp})
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	user, err := a.store.GetUser(r.Context(), id.UserID)
	if err != nil {
		a.storeError(w, r, "get user", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) contacts(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	users, err := a.store.ListUsers(r.Context())
	if err != nil {
		a.storeError(w, r, "list users", err)
		return
	}
	writeJSON(w, http.StatusOK, toContacts(users, id.UserID))
}

func (a *API) searchUsers(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "search query required")
		return
	}
	users, err := a.store.SearchUsers(r.Context(), q, id.UserID)
	if err != nil {
		a.storeError(w, r, "search users", err)
		return
	}
	writeJSON(w, http.StatusOK, toContacts(users, id.UserID))
}

func (a *API) presence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"online": a.registry.ListOnline()})
}
