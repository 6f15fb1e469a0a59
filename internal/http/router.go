package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gestaozabele/bitacora/internal/auth"
	"github.com/gestaozabele/bitacora/internal/config"
	httpmiddleware "github.com/gestaozabele/bitacora/internal/http/middleware"
	"github.com/gestaozabele/bitacora/internal/metrics"
	"github.com/gestaozabele/bitacora/internal/profile"
	"github.com/gestaozabele/bitacora/internal/repo"
	"github.com/gestaozabele/bitacora/internal/report"
	"github.com/gestaozabele/bitacora/internal/service"
)

// ReportService são as operações de relatório expostas por HTTP.
type ReportService interface {
	SubmitIncident(ctx context.Context, caller *report.Caller, raw report.NewIncident) (uuid.UUID, error)
	SaveGuardianReport(ctx context.Context, caller *report.Caller, in report.GuardianInput) (report.SaveResult, error)
	ListReports(ctx context.Context, caller *report.Caller) ([]report.DecryptedReport, error)
	DeleteReport(ctx context.Context, caller *report.Caller, id uuid.UUID) error
	LogSensitiveAccess(ctx context.Context, caller *report.Caller, resource, reason string) (time.Time, error)
}

// ProfileService cobre leitura, edição e aprovação de perfis.
type ProfileService interface {
	Get(ctx context.Context, uid uuid.UUID) (profile.Profile, error)
	UpdateOwn(ctx context.Context, uid uuid.UUID, in profile.UpdateInput) (profile.Profile, error)
	Approve(ctx context.Context, approver, uid uuid.UUID, role string, allowAdmin bool) (profile.Profile, error)
}

// AuthService cobre credenciais locais, step-up e passkeys.
type AuthService interface {
	Register(ctx context.Context, nome, email, password string) (repo.Usuario, error)
	Login(ctx context.Context, email, password string) (*service.LoginResult, error)
	Reauth(ctx context.Context, uid uuid.UUID, password string) (time.Time, error)
	MarkPasskeyStepUp(ctx context.Context, uid uuid.UUID) (time.Time, error)
	GetUser(ctx context.Context, uid uuid.UUID) (repo.Usuario, error)
	ListPasskeys(ctx context.Context, usuarioID uuid.UUID) ([]repo.Passkey, error)
	GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (repo.Passkey, error)
	CreatePasskey(ctx context.Context, in repo.NewPasskey) (repo.Passkey, error)
	UpdatePasskeyCounter(ctx context.Context, id uuid.UUID, signCount uint32, cloned bool) error
}

// Deps reúne o que o roteador precisa. Checks alimenta o /ready.
type Deps struct {
	Config   *config.Config
	JWT      *auth.JWTManager
	Auth     AuthService
	Reports  ReportService
	Profiles ProfileService
	StepUp   httpmiddleware.FreshnessChecker
	Redis    redis.Cmdable
	Checks   map[string]func(context.Context) error
}

type Handler struct {
	auth          AuthService
	reports       ReportService
	profiles      ProfileService
	redis         redis.Cmdable
	checks        map[string]func(context.Context) error
	webauthn      *webauthn.WebAuthn
	publicLimiter *httpmiddleware.RateLimiter
	authLimiter   *httpmiddleware.RateLimiter
}

const (
	passkeyRegisterSessionPrefix = "webauthn:register:"
	passkeyStepUpSessionPrefix   = "webauthn:stepup:"
	passkeySessionTTL            = 5 * time.Minute

	maxBodyBytes = 1 << 20
)

// NewRouter devolve roteador configurado.
func NewRouter(d Deps) (http.Handler, error) {
	if d.Config == nil || d.JWT == nil || d.Auth == nil || d.Reports == nil || d.Profiles == nil || d.StepUp == nil || d.Redis == nil {
		return nil, errors.New("http: dependências incompletas")
	}
	cfg := d.Config

	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.WebAuthnRPName,
		RPID:          cfg.WebAuthnRPID,
		RPOrigins:     []string{cfg.WebAuthnRPOrigin},
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn: %w", err)
	}

	h := &Handler{
		auth:          d.Auth,
		reports:       d.Reports,
		profiles:      d.Profiles,
		redis:         d.Redis,
		checks:        d.Checks,
		webauthn:      wa,
		publicLimiter: httpmiddleware.NewRateLimiter(cfg.RateLimitPublic.RequestsPerSecond, cfg.RateLimitPublic.Burst),
		authLimiter:   httpmiddleware.NewRateLimiter(cfg.RateLimitAuth.RequestsPerSecond, cfg.RateLimitAuth.Burst),
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(httpmiddleware.Logging)
	r.Use(httpmiddleware.HTTPMetrics)
	r.Use(httpmiddleware.Recover)
	r.Use(httpmiddleware.CORS(cfg.AllowOrigins))

	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Group(func(public chi.Router) {
		public.Use(httpmiddleware.IPRateLimit(h.publicLimiter))

		public.Get("/health", h.Health)
		public.Get("/ready", h.Ready)

		public.Route("/auth", func(a chi.Router) {
			a.Post("/login", h.Login)
			a.Post("/register", h.Register)
		})
	})

	r.Group(func(private chi.Router) {
		private.Use(httpmiddleware.Auth(d.JWT))
		private.Use(httpmiddleware.UserRateLimit(h.authLimiter))

		private.Get("/me", h.Me)
		private.Post("/auth/reauth", h.Reauth)
		private.Route("/auth/passkey", func(p chi.Router) {
			p.Post("/register/start", h.PasskeyRegisterStart)
			p.Post("/register/finish", h.PasskeyRegisterFinish)
			p.Post("/stepup/start", h.PasskeyStepUpStart)
			p.Post("/stepup/finish", h.PasskeyStepUpFinish)
		})

		private.Route("/reports", func(rr chi.Router) {
			rr.Post("/", h.SaveReport)
			rr.Get("/", h.ListReports)
			rr.Delete("/{id}", h.DeleteReport)
		})
		private.Post("/incidents", h.SubmitIncident)

		private.Patch("/profiles/me", h.UpdateOwnProfile)
		private.Post("/profiles/{uid}/approve", h.ApproveProfile)

		private.Group(func(fresh chi.Router) {
			fresh.Use(httpmiddleware.RequireFreshAuth(d.StepUp))
			fresh.Post("/access-log", h.LogSensitiveAccess)
		})
	})

	return r, nil
}

// Health responde status simples.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready valida as dependências registradas (Postgres, Redis).
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]any{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		WriteError(w, http.StatusServiceUnavailable, "INTERNAL", "dependências indisponíveis", failed)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// Me devolve o perfil de quem chama e os claims do token.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	caller := httpmiddleware.GetCaller(r.Context())
	p, err := h.profiles.Get(r.Context(), caller.UID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"profile":    p,
		"role":       caller.Role,
		"authorized": caller.Authorized,
	})
}
