package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/store"
)

type createCallRequest struct {
	CalleeID string `json:"calleeId"`
	CallType string `json:"callType,omitempty"`
}

type updateCallRequest struct {
	Status  string     `json:"status"`
	EndTime *time.Time `json:"endTime,omitempty"`
}

func (a *API) callHistory(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	calls, err := a.store.ListCallHistory(r.Context(), id.UserID)
	if err != nil {
		a.storeError(w, r, "list call history", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(calls))
}

func (a *API) createCall(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	var req createCallRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	callee := strings.TrimSpace(req.CalleeID)
	if callee == "" {
		writeError(w, http.StatusBadRequest, "calleeId is required")
		return
	}
	kind, err := store.ParseCallKind(req.CallType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := a.store.GetUser(r.Context(), callee); err != nil {
		a.storeError(w, r, "get user", err)
		return
	}
	call, err := a.store.CreateCall(r.Context(), store.Call{
		CallerID: id.UserID,
		CalleeID: callee,
		Kind:     kind,
	})
	if err != nil {
		a.storeError(w, r, "create call", err)
		return
	}
	writeJSON(w, http.StatusCreated, call)
}

func (a *API) updateCall(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	var req updateCallRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := store.ParseCallStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	callID := chi.URLParam(r, "callId")
	call, err := a.store.GetCall(r.Context(), callID)
	if err != nil {
		a.storeError(w, r, "get call", err)
		return
	}
	if !call.HasParticipant(id.UserID) {
		writeError(w, http.StatusForbidden, "not a participant of this call")
		return
	}
	call, err = a.store.UpdateCall(r.Context(), callID, store.CallUpdate{Status: status, EndTime: req.EndTime})
	if err != nil {
		a.storeError(w, r, "update call", err)
		return
	}
	writeJSON(w, http.StatusOK, call)
}
