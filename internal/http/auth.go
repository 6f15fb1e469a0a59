package http

import (
	"net/http"
	"strings"
	"time"

	httpmiddleware "github.com/gestaozabele/bitacora/internal/http/middleware"
)

type credentialsPayload struct {
	Nome  string `json:"nome,omitempty"`
	Email string `json:"email"`
	Senha string `json:"senha"`
}

// Login autentica por e-mail e senha.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var payload credentialsPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	if strings.TrimSpace(payload.Email) == "" || strings.TrimSpace(payload.Senha) == "" {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "email e senha são obrigatórios", nil)
		return
	}

	result, err := h.auth.Login(r.Context(), payload.Email, payload.Senha)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// Register cria credencial local. O perfil nasce pendente no primeiro login.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var payload credentialsPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	u, err := h.auth.Register(r.Context(), payload.Nome, payload.Email, payload.Senha)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]string{"id": u.ID.String(), "email": u.Email})
}

// Reauth confirma a senha e abre a janela de step-up.
func (h *Handler) Reauth(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Senha string `json:"senha"`
	}
	if !decodeJSON(w, r, &payload) {
		return
	}
	if payload.Senha == "" {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "senha é obrigatória", nil)
		return
	}
	caller := httpmiddleware.GetCaller(r.Context())
	until, err := h.auth.Reauth(r.Context(), caller.UID, payload.Senha)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"freshUntil": until.UTC().Format(time.RFC3339)})
}
