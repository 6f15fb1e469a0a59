package claims

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gestaozabele/bitacora/internal/events"
	"github.com/gestaozabele/bitacora/internal/metrics"
	"github.com/gestaozabele/bitacora/internal/profile"
	"github.com/gestaozabele/bitacora/internal/retry"
)

// ProfileSource lê perfis e marca a sincronização.
type ProfileSource interface {
	Get(ctx context.Context, uid uuid.UUID) (profile.Profile, error)
	StampClaimsSynced(ctx context.Context, uid uuid.UUID, at time.Time) error
}

// Synchronizer mantém os claims externos iguais aos derivados do perfil.
// Nenhuma falha sai dos handlers de evento; tudo é registrado em log.
// Leitura, comparação e escrita de um mesmo uid são serializadas.
type Synchronizer struct {
	profiles ProfileSource
	store    Store
	read     retry.Policy
	push     retry.Policy
	now      func() time.Time
	logger   zerolog.Logger
	locks    [64]sync.Mutex
}

func NewSynchronizer(profiles ProfileSource, store Store, attempts uint, delay time.Duration, logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		profiles: profiles,
		store:    store,
		read:     retry.Linear("claims.read_profile", attempts, delay),
		push: retry.Linear("claims.push", attempts, delay).When(func(err error) bool {
			return errors.Is(err, ErrTransient)
		}),
		now:    time.Now,
		logger: logger,
	}
}

// Register assina os tópicos de perfil no barramento.
func (s *Synchronizer) Register(bus *events.Bus) {
	bus.Subscribe(events.ProfileCreated, "claims.on_created", s.handle)
	bus.Subscribe(events.ProfileUpdated, "claims.on_updated", s.handle)
}

func (s *Synchronizer) handle(ctx context.Context, ev events.Event) error {
	uid, err := uuid.Parse(ev.ID)
	if err != nil {
		s.logger.Warn().Str("id", ev.ID).Msg("evento de perfil com uid inválido")
		return nil
	}

	switch ev.Topic {
	case events.ProfileCreated:
		s.OnCreated(ctx, uid)
	case events.ProfileUpdated:
		s.onUpdatedEvent(ctx, uid, ev)
	}
	return nil
}

func (s *Synchronizer) lockFor(uid uuid.UUID) *sync.Mutex {
	return &s.locks[int(uid[15])%len(s.locks)]
}

// onUpdatedEvent relê o perfil em vez de confiar no snapshot do evento:
// entregas assíncronas chegam fora de ordem. O snapshot só é usado quando
// a releitura falha.
func (s *Synchronizer) onUpdatedEvent(ctx context.Context, uid uuid.UUID, ev events.Event) {
	mu := s.lockFor(uid)
	mu.Lock()
	defer mu.Unlock()

	before, _ := ev.Before.(profile.Profile)
	current, err := retry.Do(ctx, s.read, func(ctx context.Context) (profile.Profile, error) {
		return s.profiles.Get(ctx, uid)
	})
	if err != nil {
		snapshot, ok := ev.After.(profile.Profile)
		if !ok {
			metrics.ClaimsSync.WithLabelValues("perfil_ausente").Inc()
			s.logger.Warn().Err(err).Str("uid", uid.String()).Msg("perfil atualizado não encontrado")
			return
		}
		s.logger.Warn().Err(err).Str("uid", uid.String()).Msg("releitura do perfil falhou, usando snapshot do evento")
		current = snapshot
	}
	s.reconcile(ctx, before, current)
}

// OnCreated lê o perfil recém-criado, tolerando atraso de replicação, e
// publica os claims.
func (s *Synchronizer) OnCreated(ctx context.Context, uid uuid.UUID) {
	mu := s.lockFor(uid)
	mu.Lock()
	defer mu.Unlock()

	p, err := retry.Do(ctx, s.read, func(ctx context.Context) (profile.Profile, error) {
		return s.profiles.Get(ctx, uid)
	})
	if err != nil {
		metrics.ClaimsSync.WithLabelValues("perfil_ausente").Inc()
		s.logger.Warn().Err(err).Str("uid", uid.String()).Msg("perfil não visível para sincronizar claims")
		return
	}
	s.apply(ctx, uid, FromProfile(p))
}

// OnUpdated publica apenas quando os claims derivados mudaram.
func (s *Synchronizer) OnUpdated(ctx context.Context, before, after profile.Profile) {
	mu := s.lockFor(after.UID)
	mu.Lock()
	defer mu.Unlock()
	s.reconcile(ctx, before, after)
}

// reconcile compara o armazenado com after; before só serve quando o
// armazenamento não responde.
func (s *Synchronizer) reconcile(ctx context.Context, before, after profile.Profile) {
	uid := after.UID
	next := FromProfile(after)

	current, err := s.store.Get(ctx, uid.String())
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		s.apply(ctx, uid, next)
		return
	default:
		s.logger.Warn().Err(err).Str("uid", uid.String()).Msg("claims atuais indisponíveis, comparando com perfil anterior")
		current = FromProfile(before)
	}

	if current == next {
		metrics.ClaimsSync.WithLabelValues("sem_mudanca").Inc()
		return
	}
	s.apply(ctx, uid, next)
}

// Current devolve os claims publicados, sincronizando a partir do perfil
// quando ainda não existem.
func (s *Synchronizer) Current(ctx context.Context, uid uuid.UUID) (Claims, error) {
	mu := s.lockFor(uid)
	mu.Lock()
	defer mu.Unlock()

	c, err := s.store.Get(ctx, uid.String())
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Claims{}, err
	}
	p, err := s.profiles.Get(ctx, uid)
	if err != nil {
		return Claims{}, err
	}
	c = FromProfile(p)
	s.apply(ctx, uid, c)
	return c, nil
}

func (s *Synchronizer) apply(ctx context.Context, uid uuid.UUID, c Claims) {
	err := retry.Run(ctx, s.push, func(ctx context.Context) error {
		return s.store.Set(ctx, uid.String(), c)
	})
	if err != nil {
		metrics.ClaimsSync.WithLabelValues("falha").Inc()
		s.logger.Error().Err(err).Str("uid", uid.String()).Msg("falha ao publicar claims")
		return
	}
	metrics.ClaimsSync.WithLabelValues("publicado").Inc()

	if err := s.profiles.StampClaimsSynced(ctx, uid, s.now().UTC()); err != nil {
		s.logger.Warn().Err(err).Str("uid", uid.String()).Msg("falha ao marcar sincronização de claims")
	}
	s.logger.Info().Str("uid", uid.String()).Str("role", string(c.Role)).Bool("authorized", c.Authorized).Msg("claims sincronizados")
}
