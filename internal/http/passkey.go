package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	httpmiddleware "github.com/gestaozabele/bitacora/internal/http/middleware"
	"github.com/gestaozabele/bitacora/internal/repo"
)

var errSessionNotFound = errors.New("sessão não encontrada")

// PasskeyRegisterStart prepara o cadastro de uma passkey para quem chama.
func (h *Handler) PasskeyRegisterStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := httpmiddleware.GetCaller(ctx)

	waUser, err := h.loadWebAuthnUser(ctx, caller.UID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(waUser.credentials))
	for _, cred := range waUser.credentials {
		exclusions = append(exclusions, cred.Descriptor())
	}
	selection := protocol.AuthenticatorSelection{UserVerification: protocol.VerificationRequired}

	opts, sessionData, err := h.webauthn.BeginRegistration(
		waUser,
		webauthn.WithExclusions(exclusions),
		webauthn.WithAuthenticatorSelection(selection),
	)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", err.Error(), nil)
		return
	}

	sessionID := uuid.NewString()
	if err := h.storeWebauthnSession(ctx, passkeyRegisterSessionPrefix, sessionID, sessionData, caller.UID); err != nil {
		writeServiceError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"session": sessionID,
		"options": map[string]any{"publicKey": opts.Response},
	})
}

// PasskeyRegisterFinish valida a resposta do autenticador e grava a credencial.
func (h *Handler) PasskeyRegisterFinish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := httpmiddleware.GetCaller(ctx)

	sessionData, ok := h.sessionFor(w, r, passkeyRegisterSessionPrefix, caller.UID)
	if !ok {
		return
	}

	waUser, err := h.loadWebAuthnUser(ctx, caller.UID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	creationResponse, err := protocol.ParseCredentialCreationResponseBody(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "resposta inválida", nil)
		return
	}

	credential, err := h.webauthn.CreateCredential(waUser, *sessionData, creationResponse)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", err.Error(), nil)
		return
	}

	transports := make([]string, 0, len(credential.Transport))
	for _, transport := range credential.Transport {
		transports = append(transports, string(transport))
	}

	if _, err := h.auth.CreatePasskey(ctx, repo.NewPasskey{
		UsuarioID:    caller.UID,
		CredentialID: credential.ID,
		PublicKey:    credential.PublicKey,
		SignCount:    credential.Authenticator.SignCount,
		Transports:   transports,
		AAGUID:       credential.Authenticator.AAGUID,
	}); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			WriteError(w, http.StatusBadRequest, "VALIDATION", "passkey já cadastrada", nil)
			return
		}
		writeServiceError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

// PasskeyStepUpStart desafia uma passkey já cadastrada de quem chama.
func (h *Handler) PasskeyStepUpStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := httpmiddleware.GetCaller(ctx)

	waUser, err := h.loadWebAuthnUser(ctx, caller.UID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if len(waUser.credentials) == 0 {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "nenhuma passkey cadastrada", nil)
		return
	}

	opts, sessionData, err := h.webauthn.BeginLogin(waUser, webauthn.WithUserVerification(protocol.VerificationRequired))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", err.Error(), nil)
		return
	}

	sessionID := uuid.NewString()
	if err := h.storeWebauthnSession(ctx, passkeyStepUpSessionPrefix, sessionID, sessionData, caller.UID); err != nil {
		writeServiceError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"session": sessionID,
		"options": map[string]any{"publicKey": opts.Response},
	})
}

// PasskeyStepUpFinish valida a asserção e abre a janela de step-up.
func (h *Handler) PasskeyStepUpFinish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := httpmiddleware.GetCaller(ctx)

	sessionData, ok := h.sessionFor(w, r, passkeyStepUpSessionPrefix, caller.UID)
	if !ok {
		return
	}

	waUser, err := h.loadWebAuthnUser(ctx, caller.UID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	assertionResponse, err := protocol.ParseCredentialRequestResponseBody(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "resposta inválida", nil)
		return
	}

	credential, err := h.webauthn.ValidateLogin(waUser, *sessionData, assertionResponse)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, "AUTH", "asserção inválida", nil)
		return
	}

	stored, err := h.auth.GetPasskeyByCredentialID(ctx, credential.ID)
	if err != nil || stored.UsuarioID != caller.UID {
		WriteError(w, http.StatusUnauthorized, "AUTH", "credencial desconhecida", nil)
		return
	}

	if err := h.auth.UpdatePasskeyCounter(ctx, stored.ID, credential.Authenticator.SignCount, credential.Authenticator.CloneWarning); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if credential.Authenticator.CloneWarning {
		log.Warn().Str("uid", caller.UID.String()).Str("passkey", stored.ID.String()).Msg("passkey com contador regressivo")
		WriteError(w, http.StatusUnauthorized, "AUTH", "credencial suspeita de clonagem", nil)
		return
	}

	until, err := h.auth.MarkPasskeyStepUp(ctx, caller.UID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"freshUntil": until.UTC().Format(time.RFC3339)})
}

// sessionFor consome a sessão WebAuthn e confere que pertence a quem chama.
func (h *Handler) sessionFor(w http.ResponseWriter, r *http.Request, prefix string, uid uuid.UUID) (*webauthn.SessionData, bool) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "session ausente", nil)
		return nil, false
	}
	sessionData, owner, err := h.consumeWebauthnSession(r.Context(), prefix, sessionID)
	if err != nil || owner != uid {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "sessão inválida ou expirada", nil)
		return nil, false
	}
	return sessionData, true
}

func (h *Handler) loadWebAuthnUser(ctx context.Context, uid uuid.UUID) (*webAuthnUser, error) {
	user, err := h.auth.GetUser(ctx, uid)
	if err != nil {
		return nil, err
	}
	passkeys, err := h.auth.ListPasskeys(ctx, uid)
	if err != nil {
		return nil, err
	}
	return newWebAuthnUser(user, passkeys), nil
}

type webauthnSessionEnvelope struct {
	Session *webauthn.SessionData `json:"session"`
	UserID  string                `json:"user_id"`
}

func (h *Handler) storeWebauthnSession(ctx context.Context, prefix, sessionID string, data *webauthn.SessionData, userID uuid.UUID) error {
	payload, err := json.Marshal(webauthnSessionEnvelope{Session: data, UserID: userID.String()})
	if err != nil {
		return err
	}
	return h.redis.Set(ctx, prefix+sessionID, payload, passkeySessionTTL).Err()
}

// consumeWebauthnSession lê e apaga a sessão. Cada desafio vale uma vez.
func (h *Handler) consumeWebauthnSession(ctx context.Context, prefix, sessionID string) (*webauthn.SessionData, uuid.UUID, error) {
	raw, err := h.redis.GetDel(ctx, prefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, uuid.Nil, errSessionNotFound
		}
		return nil, uuid.Nil, err
	}

	var env webauthnSessionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, uuid.Nil, err
	}
	if env.Session == nil {
		return nil, uuid.Nil, errSessionNotFound
	}
	userID, err := uuid.Parse(env.UserID)
	if err != nil {
		return nil, uuid.Nil, err
	}
	return env.Session, userID, nil
}

type webAuthnUser struct {
	id          uuid.UUID
	name        string
	displayName string
	credentials []webauthn.Credential
}

func newWebAuthnUser(user repo.Usuario, passkeys []repo.Passkey) *webAuthnUser {
	display := user.Nome
	if display == "" {
		display = user.Email
	}
	return &webAuthnUser{
		id:          user.ID,
		name:        user.Email,
		displayName: display,
		credentials: toWebauthnCredentials(passkeys),
	}
}

func (u *webAuthnUser) WebAuthnID() []byte {
	id := make([]byte, 16)
	copy(id, u.id[:])
	return id
}

func (u *webAuthnUser) WebAuthnName() string { return u.name }

func (u *webAuthnUser) WebAuthnDisplayName() string { return u.displayName }

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

func toWebauthnCredentials(passkeys []repo.Passkey) []webauthn.Credential {
	creds := make([]webauthn.Credential, 0, len(passkeys))
	for _, pk := range passkeys {
		cred := webauthn.Credential{
			ID:        append([]byte(nil), pk.CredentialID...),
			PublicKey: append([]byte(nil), pk.PublicKey...),
			Transport: toAuthenticatorTransports(pk.Transports),
		}
		cred.Authenticator.SignCount = pk.SignCount
		cred.Authenticator.CloneWarning = pk.Cloned
		if len(pk.AAGUID) > 0 {
			cred.Authenticator.AAGUID = append([]byte(nil), pk.AAGUID...)
		}
		creds = append(creds, cred)
	}
	return creds
}

// toAuthenticatorTransports reconstrói os transportes gravados; "cable" é o
// nome antigo de hybrid.
func toAuthenticatorTransports(values []string) []protocol.AuthenticatorTransport {
	var transports []protocol.AuthenticatorTransport
	for _, value := range values {
		t := protocol.AuthenticatorTransport(strings.ToLower(strings.TrimSpace(value)))
		if t == "cable" {
			t = protocol.Hybrid
		}
		if t != "" {
			transports = append(transports, t)
		}
	}
	return transports
}
