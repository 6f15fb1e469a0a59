package profile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gestaozabele/bitacora/internal/audit"
	"github.com/gestaozabele/bitacora/internal/events"
	"github.com/gestaozabele/bitacora/internal/roles"
)

type stubStore struct {
	mu       sync.Mutex
	profiles map[uuid.UUID]Profile
}

func newStubStore(ps ...Profile) *stubStore {
	s := &stubStore{profiles: map[uuid.UUID]Profile{}}
	for _, p := range ps {
		s.profiles[p.UID] = p
	}
	return s
}

func (s *stubStore) Get(ctx context.Context, uid uuid.UUID) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[uid]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (s *stubStore) CreateIfAbsent(ctx context.Context, p Profile) (Profile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.profiles[p.UID]; ok {
		return existing, false, nil
	}
	s.profiles[p.UID] = p
	return p, true, nil
}

func (s *stubStore) UpdateOwn(ctx context.Context, uid uuid.UUID, nombre, email string) (Profile, Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before, ok := s.profiles[uid]
	if !ok {
		return Profile{}, Profile{}, ErrNotFound
	}
	after := before
	after.Nombre, after.Email = nombre, email
	s.profiles[uid] = after
	return before, after, nil
}

func (s *stubStore) Approve(ctx context.Context, uid uuid.UUID, role roles.Role, approver uuid.UUID) (Profile, Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before, ok := s.profiles[uid]
	if !ok {
		return Profile{}, Profile{}, ErrNotFound
	}
	after := before
	after.Role, after.Authorized, after.AuthorizedBy = string(role), true, &approver
	s.profiles[uid] = after
	return before, after, nil
}

func (s *stubStore) StampClaimsSynced(ctx context.Context, uid uuid.UUID, at time.Time) error {
	return nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) PublishAsync(ctx context.Context, ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func TestEnsureProfileCreatesOnce(t *testing.T) {
	store := newStubStore()
	pub := &capturePublisher{}
	svc := NewService(store, pub, &audit.MemoryRecorder{})
	uid := uuid.New()

	p, err := svc.EnsureProfile(context.Background(), uid, " Ana@Escuela.MX ", "Ana")
	if err != nil {
		t.Fatal(err)
	}
	if p.Role != "pending" || p.Authorized || p.Email != "ana@escuela.mx" {
		t.Fatalf("perfil inesperado %+v", p)
	}
	if _, err := svc.EnsureProfile(context.Background(), uid, "ana@escuela.mx", "Ana"); err != nil {
		t.Fatal(err)
	}
	if len(pub.events) != 1 || pub.events[0].Topic != events.ProfileCreated {
		t.Fatalf("esperava um único profile.created, veio %+v", pub.events)
	}
}

func TestApproveRules(t *testing.T) {
	admin := Profile{UID: uuid.New(), Role: "admin", Authorized: true}
	unauthorizedAdmin := Profile{UID: uuid.New(), Role: "admin", Authorized: false}
	guidance := Profile{UID: uuid.New(), Role: "guidance", Authorized: true}
	target := Profile{UID: uuid.New(), Role: "pending"}

	cases := []struct {
		name       string
		approver   uuid.UUID
		role       string
		allowAdmin bool
		wantErr    error
	}{
		{"admin aprova teacher", admin.UID, "Maestra", false, nil},
		{"admin nao autorizado", unauthorizedAdmin.UID, "teacher", false, ErrForbidden},
		{"nao admin", guidance.UID, "teacher", false, ErrForbidden},
		{"aprovador inexistente", uuid.New(), "teacher", false, ErrForbidden},
		{"pending nao atribuivel", admin.UID, "pendiente", false, ErrInvalidRole},
		{"papel desconhecido", admin.UID, "superusuario", false, ErrInvalidRole},
		{"admin sem flag", admin.UID, "admin", false, ErrInvalidRole},
		{"admin com flag", admin.UID, "admin", true, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newStubStore(admin, unauthorizedAdmin, guidance, target)
			rec := &audit.MemoryRecorder{}
			pub := &capturePublisher{}
			svc := NewService(store, pub, rec)

			p, err := svc.Approve(context.Background(), tc.approver, target.UID, tc.role, tc.allowAdmin)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("esperava %v, veio %v", tc.wantErr, err)
				}
				if rec.Count(audit.Approve) != 0 || len(pub.events) != 0 {
					t.Fatal("rejeição não deveria auditar nem publicar")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !p.Authorized || p.AuthorizedBy == nil || *p.AuthorizedBy != admin.UID {
				t.Fatalf("perfil não autorizado corretamente %+v", p)
			}
			if rec.Count(audit.Approve) != 1 {
				t.Fatal("aprovação deveria ser auditada")
			}
			if len(pub.events) != 1 || pub.events[0].Topic != events.ProfileUpdated {
				t.Fatalf("esperava profile.updated, veio %+v", pub.events)
			}
		})
	}
}

func TestUpdateOwnValidates(t *testing.T) {
	p := Profile{UID: uuid.New(), Email: "a@b.mx", Nombre: "A", Role: "teacher", Authorized: true}
	svc := NewService(newStubStore(p), &capturePublisher{}, &audit.MemoryRecorder{})

	bad := "nao-e-email"
	if _, err := svc.UpdateOwn(context.Background(), p.UID, UpdateInput{Email: &bad}); err == nil {
		t.Fatal("email inválido aceito")
	}

	nombre := "  Ana López  "
	got, err := svc.UpdateOwn(context.Background(), p.UID, UpdateInput{Nombre: &nombre})
	if err != nil {
		t.Fatal(err)
	}
	if got.Nombre != "Ana López" || got.Role != "teacher" || !got.Authorized {
		t.Fatalf("atualização alterou campos indevidos %+v", got)
	}
}

func TestBootstrapGrantsAdmin(t *testing.T) {
	target := Profile{UID: uuid.New(), Role: "pending"}
	store := newStubStore(target)
	rec := &audit.MemoryRecorder{}
	pub := &capturePublisher{}
	svc := NewService(store, pub, rec)

	p, err := svc.Bootstrap(context.Background(), target.UID, "bitacoractl")
	if err != nil {
		t.Fatal(err)
	}
	if p.CanonicalRole() != roles.Admin || !p.Authorized {
		t.Fatalf("perfil não promovido %+v", p)
	}
	if rec.Count(audit.Approve) != 1 || len(pub.events) != 1 {
		t.Fatal("bootstrap deveria auditar e publicar")
	}

	if _, err := svc.Bootstrap(context.Background(), uuid.New(), "bitacoractl"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("esperava ErrNotFound, veio %v", err)
	}
}
