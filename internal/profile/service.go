package profile

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gestaozabele/bitacora/internal/audit"
	"github.com/gestaozabele/bitacora/internal/events"
	"github.com/gestaozabele/bitacora/internal/roles"
	"github.com/gestaozabele/bitacora/internal/util"
)

var (
	// ErrNotFound indica perfil inexistente.
	ErrNotFound = errors.New("perfil não encontrado")
	// ErrForbidden indica aprovador sem privilégio.
	ErrForbidden = errors.New("somente administradores autorizados podem aprovar perfis")
	// ErrInvalidRole indica papel que não pode ser atribuído.
	ErrInvalidRole = errors.New("papel não atribuível")
)

// Profile é o registro mutável de autorização de um usuário.
type Profile struct {
	UID            uuid.UUID  `json:"uid"`
	Email          string     `json:"email"`
	Nombre         string     `json:"nombre"`
	Role           string     `json:"role"`
	Authorized     bool       `json:"authorized"`
	RegisteredAt   time.Time  `json:"registeredAt"`
	AuthorizedBy   *uuid.UUID `json:"authorizedBy,omitempty"`
	ClaimsSyncedAt *time.Time `json:"claimsSyncedAt,omitempty"`
}

// CanonicalRole devolve o papel normalizado.
func (p Profile) CanonicalRole() roles.Role {
	return roles.Normalize(p.Role)
}

// Store é a persistência usada pelo serviço.
type Store interface {
	Get(ctx context.Context, uid uuid.UUID) (Profile, error)
	CreateIfAbsent(ctx context.Context, p Profile) (Profile, bool, error)
	UpdateOwn(ctx context.Context, uid uuid.UUID, nombre, email string) (Profile, Profile, error)
	Approve(ctx context.Context, uid uuid.UUID, role roles.Role, approver uuid.UUID) (Profile, Profile, error)
	StampClaimsSynced(ctx context.Context, uid uuid.UUID, at time.Time) error
}

// Publisher entrega eventos de mudança.
type Publisher interface {
	PublishAsync(ctx context.Context, ev events.Event)
}

// Service concentra as regras de ciclo de vida do perfil.
type Service struct {
	store  Store
	events Publisher
	audit  audit.Recorder
	now    func() time.Time
}

func NewService(store Store, publisher Publisher, recorder audit.Recorder) *Service {
	return &Service{store: store, events: publisher, audit: recorder, now: time.Now}
}

func (s *Service) Get(ctx context.Context, uid uuid.UUID) (Profile, error) {
	return s.store.Get(ctx, uid)
}

// EnsureProfile cria o perfil pendente no primeiro acesso.
func (s *Service) EnsureProfile(ctx context.Context, uid uuid.UUID, email, nombre string) (Profile, error) {
	p, created, err := s.store.CreateIfAbsent(ctx, Profile{
		UID:          uid,
		Email:        strings.ToLower(strings.TrimSpace(email)),
		Nombre:       util.Truncate(strings.TrimSpace(nombre), 120),
		Role:         string(roles.Pending),
		RegisteredAt: s.now().UTC(),
	})
	if err != nil {
		return Profile{}, err
	}
	if created {
		s.events.PublishAsync(ctx, events.Event{Topic: events.ProfileCreated, ID: uid.String(), After: p})
	}
	return p, nil
}

// UpdateInput carrega os campos que o próprio usuário pode editar.
type UpdateInput struct {
	Nombre *string `json:"nombre"`
	Email  *string `json:"email"`
}

// UpdateOwn altera nome e email do próprio perfil.
func (s *Service) UpdateOwn(ctx context.Context, uid uuid.UUID, in UpdateInput) (Profile, error) {
	current, err := s.store.Get(ctx, uid)
	if err != nil {
		return Profile{}, err
	}

	nombre, email := current.Nombre, current.Email
	if in.Nombre != nil {
		nombre = strings.TrimSpace(*in.Nombre)
		if nombre == "" || len([]rune(nombre)) > 120 {
			return Profile{}, &util.ValidationError{Field: "nombre", Rule: "max", Message: "nombre deve ter entre 1 e 120 caracteres"}
		}
	}
	if in.Email != nil {
		email = strings.ToLower(strings.TrimSpace(*in.Email))
		if err := util.ValidateEmail(email); err != nil {
			return Profile{}, err
		}
	}

	before, after, err := s.store.UpdateOwn(ctx, uid, nombre, email)
	if err != nil {
		return Profile{}, err
	}
	s.events.PublishAsync(ctx, events.Event{Topic: events.ProfileUpdated, ID: uid.String(), Before: before, After: after})
	return after, nil
}

// Approve autoriza um perfil. O aprovador precisa ser admin autorizado e
// admin só é concedido com allowAdmin.
func (s *Service) Approve(ctx context.Context, approver, uid uuid.UUID, role string, allowAdmin bool) (Profile, error) {
	ap, err := s.store.Get(ctx, approver)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Profile{}, ErrForbidden
		}
		return Profile{}, err
	}
	if !ap.Authorized || ap.CanonicalRole() != roles.Admin {
		return Profile{}, ErrForbidden
	}

	target := roles.Normalize(role)
	if !roles.Assignable(target, allowAdmin) {
		return Profile{}, ErrInvalidRole
	}

	before, after, err := s.store.Approve(ctx, uid, target, approver)
	if err != nil {
		return Profile{}, err
	}

	s.audit.Record(ctx, audit.Entry{
		Entity:   "perfiles",
		EntityID: uid.String(),
		Action:   audit.Approve,
		Actor:    approver.String(),
		Detail:   map[string]any{"role": string(target), "previo": before.Role},
		Fact:     string(target),
	})
	s.events.PublishAsync(ctx, events.Event{Topic: events.ProfileUpdated, ID: uid.String(), Before: before, After: after})
	return after, nil
}

// Bootstrap concede admin sem aprovador, para o primeiro administrador.
// Só é exposto pela CLI, que já roda com credenciais do banco.
func (s *Service) Bootstrap(ctx context.Context, uid uuid.UUID, actor string) (Profile, error) {
	before, after, err := s.store.Approve(ctx, uid, roles.Admin, uid)
	if err != nil {
		return Profile{}, err
	}
	s.audit.Record(ctx, audit.Entry{
		Entity:   "perfiles",
		EntityID: uid.String(),
		Action:   audit.Approve,
		Actor:    actor,
		Detail:   map[string]any{"role": string(roles.Admin), "previo": before.Role, "bootstrap": true},
		Fact:     string(roles.Admin),
	})
	s.events.PublishAsync(ctx, events.Event{Topic: events.ProfileUpdated, ID: uid.String(), Before: before, After: after})
	return after, nil
}
