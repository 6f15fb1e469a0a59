package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gestaozabele/bitacora/internal/auth"
	"github.com/gestaozabele/bitacora/internal/report"
)

type contextKey string

const (
	ContextKeySubject contextKey = "subject"
	ContextKeyCaller  contextKey = "caller"
)

// Auth valida JWT de acesso e injeta a identidade no contexto.
func Auth(jwtManager *auth.JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, "AUTH", "token ausente")
				return
			}

			claims, err := jwtManager.ParseAndValidate(parts[1])
			if err != nil {
				writeError(w, http.StatusUnauthorized, "AUTH", "token inválido")
				return
			}

			uid, err := uuid.Parse(claims.Subject)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "AUTH", "subject inválido")
				return
			}

			caller := &report.Caller{
				UID:        uid,
				Email:      claims.Email,
				Role:       claims.Role,
				Authorized: claims.Authorized,
			}
			ctx := context.WithValue(r.Context(), ContextKeySubject, claims.Subject)
			ctx = context.WithValue(ctx, ContextKeyCaller, caller)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSubject recupera subject do contexto.
func GetSubject(ctx context.Context) string {
	val, _ := ctx.Value(ContextKeySubject).(string)
	return val
}

// GetCaller recupera a identidade autenticada. Nil fora das rotas privadas.
func GetCaller(ctx context.Context) *report.Caller {
	val, _ := ctx.Value(ContextKeyCaller).(*report.Caller)
	return val
}

// WithCaller injeta a identidade no contexto.
func WithCaller(ctx context.Context, caller *report.Caller) context.Context {
	ctx = context.WithValue(ctx, ContextKeySubject, caller.UID.String())
	return context.WithValue(ctx, ContextKeyCaller, caller)
}

// FreshnessChecker informa se o usuário reautenticou há pouco.
type FreshnessChecker interface {
	IsFresh(ctx context.Context, uid uuid.UUID) (bool, error)
}

// RequireFreshAuth exige step-up recente (senha ou passkey).
func RequireFreshAuth(checker FreshnessChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := GetCaller(r.Context())
			if caller == nil {
				writeError(w, http.StatusUnauthorized, "AUTH", "autenticação obrigatória")
				return
			}
			fresh, err := checker.IsFresh(r.Context(), caller.UID)
			if err != nil {
				log.Error().Err(err).Str("uid", caller.UID.String()).Msg("step-up indisponível")
				writeError(w, http.StatusInternalServerError, "INTERNAL", "erro interno")
				return
			}
			if !fresh {
				writeError(w, http.StatusUnauthorized, "AUTH", "reautenticação recente necessária")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data": nil,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
