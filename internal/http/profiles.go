package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	httpmiddleware "github.com/gestaozabele/bitacora/internal/http/middleware"
	"github.com/gestaozabele/bitacora/internal/profile"
)

// UpdateOwnProfile altera nome ou e-mail do próprio perfil.
func (h *Handler) UpdateOwnProfile(w http.ResponseWriter, r *http.Request) {
	var in profile.UpdateInput
	if !decodeJSON(w, r, &in) {
		return
	}
	caller := httpmiddleware.GetCaller(r.Context())
	p, err := h.profiles.UpdateOwn(r.Context(), caller.UID, in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

// ApproveProfile autoriza um perfil pendente com o papel informado.
func (h *Handler) ApproveProfile(w http.ResponseWriter, r *http.Request) {
	uid, err := uuid.Parse(chi.URLParam(r, "uid"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "uid inválido", nil)
		return
	}
	var payload struct {
		Role       string `json:"role"`
		AllowAdmin bool   `json:"allowAdmin"`
	}
	if !decodeJSON(w, r, &payload) {
		return
	}
	caller := httpmiddleware.GetCaller(r.Context())
	p, err := h.profiles.Approve(r.Context(), caller.UID, uid, payload.Role, payload.AllowAdmin)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}
