package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gestaozabele/bitacora/internal/envelope"
	httpmiddleware "github.com/gestaozabele/bitacora/internal/http/middleware"
	"github.com/gestaozabele/bitacora/internal/report"
)

// SaveReport grava um relatório de guarda cifrado.
func (h *Handler) SaveReport(w http.ResponseWriter, r *http.Request) {
	var in report.GuardianInput
	if !decodeJSON(w, r, &in) {
		return
	}
	res, err := h.reports.SaveGuardianReport(r.Context(), httpmiddleware.GetCaller(r.Context()), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, res)
}

// ListReports devolve os relatórios visíveis para quem chama.
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	list, err := h.reports.ListReports(r.Context(), httpmiddleware.GetCaller(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []report.DecryptedReport{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"reports": list})
}

// DeleteReport apaga um relatório do próprio autor.
func (h *Handler) DeleteReport(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "id inválido", nil)
		return
	}
	if err := h.reports.DeleteReport(r.Context(), httpmiddleware.GetCaller(r.Context()), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// LogSensitiveAccess registra consulta a dado sensível.
func (h *Handler) LogSensitiveAccess(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Resource string `json:"resource"`
		Reason   string `json:"reason"`
	}
	if !decodeJSON(w, r, &payload) {
		return
	}
	at, err := h.reports.LogSensitiveAccess(r.Context(), httpmiddleware.GetCaller(r.Context()), payload.Resource, payload.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"recorded":  true,
		"timestamp": at.UTC().Format(time.RFC3339),
	})
}

// SubmitIncident recebe a incidência em claro (payload) ou cifrada no
// cliente (envelope). A numeração acontece depois, na ingestão.
func (h *Handler) SubmitIncident(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Payload  json.RawMessage    `json:"payload"`
		Envelope *envelope.Envelope `json:"envelope"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if len(body.Payload) > 0 && body.Envelope != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "informe payload ou envelope, não ambos", nil)
		return
	}
	raw := report.NewIncident{Cipher: body.Envelope}
	if len(body.Payload) > 0 && string(body.Payload) != "null" {
		raw.Plain = body.Payload
	}

	id, err := h.reports.SubmitIncident(r.Context(), httpmiddleware.GetCaller(r.Context()), raw)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"id": id.String()})
}
