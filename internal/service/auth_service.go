package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gestaozabele/bitacora/internal/auth"
	"github.com/gestaozabele/bitacora/internal/claims"
	"github.com/gestaozabele/bitacora/internal/profile"
	"github.com/gestaozabele/bitacora/internal/repo"
	"github.com/gestaozabele/bitacora/internal/roles"
	"github.com/gestaozabele/bitacora/internal/util"
)

var (
	// ErrInvalidCredentials indica falha na autenticação.
	ErrInvalidCredentials = errors.New("credenciais inválidas")
	// ErrAccountDisabled indica conta desativada.
	ErrAccountDisabled = errors.New("conta desativada")
	// ErrEmailTaken indica e-mail já cadastrado.
	ErrEmailTaken = errors.New("e-mail já cadastrado")
)

type authRepository interface {
	GetUsuarioByEmail(ctx context.Context, email string) (repo.Usuario, error)
	GetUsuarioByID(ctx context.Context, id uuid.UUID) (repo.Usuario, error)
	CreateUsuario(ctx context.Context, nome, email, senhaHash string) (repo.Usuario, error)
	ListPasskeys(ctx context.Context, usuarioID uuid.UUID) ([]repo.Passkey, error)
	GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (repo.Passkey, error)
	CreatePasskey(ctx context.Context, in repo.NewPasskey) (repo.Passkey, error)
	UpdatePasskeyCounter(ctx context.Context, id uuid.UUID, signCount uint32, cloned bool) error
}

type profileEnsurer interface {
	EnsureProfile(ctx context.Context, uid uuid.UUID, email, nombre string) (profile.Profile, error)
}

type claimsSource interface {
	Current(ctx context.Context, uid uuid.UUID) (claims.Claims, error)
}

type stepUpMarker interface {
	Mark(ctx context.Context, uid uuid.UUID, method string) (time.Time, error)
}

// AuthService concentra login, cadastro e reautenticação.
type AuthService struct {
	repo     authRepository
	profiles profileEnsurer
	claims   claimsSource
	stepUp   stepUpMarker
	jwt      *auth.JWTManager
}

// NewAuthService cria novo serviço.
func NewAuthService(r authRepository, profiles profileEnsurer, claimsSrc claimsSource, stepUp stepUpMarker, jwtMgr *auth.JWTManager) *AuthService {
	return &AuthService{repo: r, profiles: profiles, claims: claimsSrc, stepUp: stepUp, jwt: jwtMgr}
}

// JWT expõe gerenciador de JWT (útil em middlewares).
func (s *AuthService) JWT() *auth.JWTManager {
	return s.jwt
}

// LoginResult representa retorno padrão de autenticações.
type LoginResult struct {
	AccessToken string          `json:"accessToken"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	Subject     uuid.UUID       `json:"subject"`
	Role        roles.Role      `json:"role"`
	Authorized  bool            `json:"authorized"`
	Profile     profile.Profile `json:"profile"`
}

// Register cadastra credencial local. O perfil nasce pendente no primeiro login.
func (s *AuthService) Register(ctx context.Context, nome, email, password string) (repo.Usuario, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := util.ValidateEmail(email); err != nil {
		return repo.Usuario{}, err
	}
	if err := util.ValidatePassword(password); err != nil {
		return repo.Usuario{}, err
	}
	hash, err := auth.Hash(password)
	if err != nil {
		return repo.Usuario{}, err
	}
	u, err := s.repo.CreateUsuario(ctx, nome, email, hash)
	if errors.Is(err, repo.ErrConflict) {
		return repo.Usuario{}, ErrEmailTaken
	}
	return u, err
}

// Login autentica por e-mail e senha.
func (s *AuthService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	user, err := s.repo.GetUsuarioByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			auth.VerifyMissing(password)
			log.Warn().Msg("login: usuário não encontrado")
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	ok, err := auth.Verify(password, user.SenhaHash)
	if err != nil {
		log.Warn().Err(err).Msg("login: verify password failed")
		return nil, ErrInvalidCredentials
	}
	if !ok {
		log.Warn().Msg("login: senha inválida")
		return nil, ErrInvalidCredentials
	}

	return s.LoginWithUser(ctx, user)
}

// LoginWithUser emite o token de um usuário já autenticado (ex. passkey).
func (s *AuthService) LoginWithUser(ctx context.Context, user repo.Usuario) (*LoginResult, error) {
	if !user.Ativo {
		return nil, ErrAccountDisabled
	}

	p, err := s.profiles.EnsureProfile(ctx, user.ID, user.Email, user.Nome)
	if err != nil {
		return nil, err
	}

	c, err := s.claims.Current(ctx, user.ID)
	if err != nil {
		log.Warn().Err(err).Str("uid", user.ID.String()).Msg("login: claims indisponíveis, usando perfil")
		c = claims.FromProfile(p)
	}

	token, expires, err := s.jwt.GenerateAccessToken(auth.Identity{
		Subject:    user.ID,
		Email:      user.Email,
		Role:       c.Role,
		Authorized: c.Authorized,
	})
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		AccessToken: token,
		ExpiresAt:   expires,
		Subject:     user.ID,
		Role:        c.Role,
		Authorized:  c.Authorized,
		Profile:     p,
	}, nil
}

// Reauth confirma a senha do usuário logado e abre a janela de step-up.
func (s *AuthService) Reauth(ctx context.Context, uid uuid.UUID, password string) (time.Time, error) {
	user, err := s.repo.GetUsuarioByID(ctx, uid)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			auth.VerifyMissing(password)
			return time.Time{}, ErrInvalidCredentials
		}
		return time.Time{}, err
	}
	if !user.Ativo {
		return time.Time{}, ErrAccountDisabled
	}
	ok, err := auth.Verify(password, user.SenhaHash)
	if err != nil || !ok {
		log.Warn().Str("uid", uid.String()).Msg("reauth: senha inválida")
		return time.Time{}, ErrInvalidCredentials
	}
	return s.stepUp.Mark(ctx, uid, "password")
}

// MarkPasskeyStepUp abre a janela de step-up após asserção de passkey.
func (s *AuthService) MarkPasskeyStepUp(ctx context.Context, uid uuid.UUID) (time.Time, error) {
	return s.stepUp.Mark(ctx, uid, "passkey")
}

func (s *AuthService) GetUser(ctx context.Context, uid uuid.UUID) (repo.Usuario, error) {
	return s.repo.GetUsuarioByID(ctx, uid)
}

func (s *AuthService) ListPasskeys(ctx context.Context, usuarioID uuid.UUID) ([]repo.Passkey, error) {
	return s.repo.ListPasskeys(ctx, usuarioID)
}

func (s *AuthService) GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (repo.Passkey, error) {
	return s.repo.GetPasskeyByCredentialID(ctx, credentialID)
}

func (s *AuthService) CreatePasskey(ctx context.Context, in repo.NewPasskey) (repo.Passkey, error) {
	return s.repo.CreatePasskey(ctx, in)
}

func (s *AuthService) UpdatePasskeyCounter(ctx context.Context, id uuid.UUID, signCount uint32, cloned bool) error {
	return s.repo.UpdatePasskeyCounter(ctx, id, signCount, cloned)
}
