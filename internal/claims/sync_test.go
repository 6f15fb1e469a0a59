package claims

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gestaozabele/bitacora/internal/events"
	"github.com/gestaozabele/bitacora/internal/profile"
	"github.com/gestaozabele/bitacora/internal/roles"
)

type countingStore struct {
	Store
	sets atomic.Int32
}

func (c *countingStore) Set(ctx context.Context, uid string, cl Claims) error {
	c.sets.Add(1)
	return c.Store.Set(ctx, uid, cl)
}

type lagProfiles struct {
	mu       sync.Mutex
	p        profile.Profile
	visibleN int
	reads    int
	stamps   int
	stampErr error
}

func (l *lagProfiles) Get(ctx context.Context, uid uuid.UUID) (profile.Profile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	if l.reads < l.visibleN {
		return profile.Profile{}, profile.ErrNotFound
	}
	return l.p, nil
}

func (l *lagProfiles) StampClaimsSynced(ctx context.Context, uid uuid.UUID, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stamps++
	return l.stampErr
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStore(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "u1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, "u1", Claims{Role: roles.Guidance, Authorized: true}))
	got, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, Claims{Role: roles.Guidance, Authorized: true}, got)
	assert.True(t, mr.Exists("claims:u1"))

	mr.SetError("indisponível")
	_, err = store.Get(ctx, "u1")
	require.ErrorIs(t, err, ErrTransient)
}

func TestOnCreatedWaitsForReplication(t *testing.T) {
	store, _ := newRedisStore(t)
	uid := uuid.New()
	src := &lagProfiles{p: profile.Profile{UID: uid, Role: "Orientación", Authorized: false}, visibleN: 3}

	s := NewSynchronizer(src, store, 5, time.Millisecond, zerolog.Nop())
	s.OnCreated(context.Background(), uid)

	got, err := store.Get(context.Background(), uid.String())
	require.NoError(t, err)
	assert.Equal(t, Claims{Role: roles.Guidance, Authorized: false}, got)
	assert.Equal(t, 3, src.reads)
	assert.Equal(t, 1, src.stamps)
}

func TestOnCreatedGivesUpAtCeiling(t *testing.T) {
	store, _ := newRedisStore(t)
	uid := uuid.New()
	src := &lagProfiles{visibleN: 100}

	s := NewSynchronizer(src, store, 5, time.Millisecond, zerolog.Nop())
	s.OnCreated(context.Background(), uid)

	assert.Equal(t, 5, src.reads)
	_, err := store.Get(context.Background(), uid.String())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOnUpdatedIsIdempotent(t *testing.T) {
	base, _ := newRedisStore(t)
	store := &countingStore{Store: base}
	uid := uuid.New()
	src := &lagProfiles{visibleN: 0}
	s := NewSynchronizer(src, store, 3, time.Millisecond, zerolog.Nop())
	ctx := context.Background()

	pending := profile.Profile{UID: uid, Role: "pending"}
	approved := profile.Profile{UID: uid, Role: "teacher", Authorized: true}

	s.OnUpdated(ctx, pending, approved)
	require.EqualValues(t, 1, store.sets.Load())

	// nome mudou, claims não
	renamed := approved
	renamed.Nombre = "Otro nombre"
	s.OnUpdated(ctx, approved, renamed)
	s.OnUpdated(ctx, renamed, renamed)
	assert.EqualValues(t, 1, store.sets.Load())

	// alias do mesmo papel não conta como mudança
	alias := renamed
	alias.Role = "Maestra"
	s.OnUpdated(ctx, renamed, alias)
	assert.EqualValues(t, 1, store.sets.Load())

	revoked := renamed
	revoked.Authorized = false
	s.OnUpdated(ctx, renamed, revoked)
	assert.EqualValues(t, 2, store.sets.Load())
}

func TestHandleProfileEvents(t *testing.T) {
	store, _ := newRedisStore(t)
	uid := uuid.New()
	src := &lagProfiles{p: profile.Profile{UID: uid, Role: "prefect", Authorized: true}}
	s := NewSynchronizer(src, store, 3, time.Millisecond, zerolog.Nop())

	bus := events.NewBus(zerolog.Nop())
	s.Register(bus)
	bus.Publish(context.Background(), events.Event{Topic: events.ProfileCreated, ID: uid.String()})
	bus.Publish(context.Background(), events.Event{Topic: events.ProfileCreated, ID: "inválido"})

	got, err := s.Current(context.Background(), uid)
	require.NoError(t, err)
	assert.Equal(t, Claims{Role: roles.Prefect, Authorized: true}, got)
}

func TestCurrentBackfillsFromProfile(t *testing.T) {
	store, _ := newRedisStore(t)
	uid := uuid.New()
	src := &lagProfiles{p: profile.Profile{UID: uid, Role: "medical", Authorized: true}}
	s := NewSynchronizer(src, store, 3, time.Millisecond, zerolog.Nop())

	got, err := s.Current(context.Background(), uid)
	require.NoError(t, err)
	assert.Equal(t, roles.Medical, got.Role)

	stored, err := store.Get(context.Background(), uid.String())
	require.NoError(t, err)
	assert.Equal(t, got, stored)
}

func TestUpdatedEventsOutOfOrderFollowCurrentProfile(t *testing.T) {
	store, _ := newRedisStore(t)
	uid := uuid.New()
	pending := profile.Profile{UID: uid, Role: "pending"}
	asTeacher := profile.Profile{UID: uid, Role: "teacher", Authorized: true}
	asGuidance := profile.Profile{UID: uid, Role: "guidance", Authorized: true}
	src := &lagProfiles{p: asGuidance}
	s := NewSynchronizer(src, store, 3, time.Millisecond, zerolog.Nop())
	ctx := context.Background()

	// a segunda aprovação é entregue antes da primeira
	require.NoError(t, s.handle(ctx, events.Event{Topic: events.ProfileUpdated, ID: uid.String(), Before: asTeacher, After: asGuidance}))
	require.NoError(t, s.handle(ctx, events.Event{Topic: events.ProfileUpdated, ID: uid.String(), Before: pending, After: asTeacher}))

	got, err := store.Get(ctx, uid.String())
	require.NoError(t, err)
	assert.Equal(t, FromProfile(asGuidance), got)
}

func TestUpdatedEventsConcurrentConverge(t *testing.T) {
	store, _ := newRedisStore(t)
	uid := uuid.New()
	final := profile.Profile{UID: uid, Role: "medical", Authorized: true}
	src := &lagProfiles{p: final}
	s := NewSynchronizer(src, store, 3, time.Millisecond, zerolog.Nop())

	bus := events.NewBus(zerolog.Nop())
	s.Register(bus)
	for _, role := range []string{"teacher", "prefect", "clerk", "medical"} {
		bus.PublishAsync(context.Background(), events.Event{
			Topic: events.ProfileUpdated,
			ID:    uid.String(),
			After: profile.Profile{UID: uid, Role: role, Authorized: true},
		})
	}
	require.NoError(t, bus.Drain(context.Background()))

	got, err := store.Get(context.Background(), uid.String())
	require.NoError(t, err)
	assert.Equal(t, FromProfile(final), got)
}

func TestUpdatedEventUsesSnapshotWhenProfileUnreadable(t *testing.T) {
	store, _ := newRedisStore(t)
	uid := uuid.New()
	src := &lagProfiles{visibleN: 100}
	s := NewSynchronizer(src, store, 2, time.Millisecond, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, s.handle(ctx, events.Event{Topic: events.ProfileUpdated, ID: uid.String()}))
	_, err := store.Get(ctx, uid.String())
	require.ErrorIs(t, err, ErrNotFound, "sem snapshot nada é publicado")

	snapshot := profile.Profile{UID: uid, Role: "prefect", Authorized: true}
	require.NoError(t, s.handle(ctx, events.Event{Topic: events.ProfileUpdated, ID: uid.String(), After: snapshot}))
	got, err := store.Get(ctx, uid.String())
	require.NoError(t, err)
	assert.Equal(t, FromProfile(snapshot), got)
}

func TestStampFailureKeepsClaims(t *testing.T) {
	base, _ := newRedisStore(t)
	store := &countingStore{Store: base}
	uid := uuid.New()
	created := profile.Profile{UID: uid, Role: "pending"}
	src := &lagProfiles{p: created, stampErr: errors.New("conexão perdida")}
	s := NewSynchronizer(src, store, 3, time.Millisecond, zerolog.Nop())
	ctx := context.Background()

	s.OnCreated(ctx, uid)
	got, err := store.Get(ctx, uid.String())
	require.NoError(t, err)
	assert.Equal(t, Claims{Role: roles.Pending}, got)

	approved := profile.Profile{UID: uid, Role: "socialWork", Authorized: true}
	s.OnUpdated(ctx, created, approved)
	got, err = store.Get(ctx, uid.String())
	require.NoError(t, err)
	assert.Equal(t, Claims{Role: roles.SocialWork, Authorized: true}, got)

	assert.EqualValues(t, 2, store.sets.Load())
	assert.Equal(t, 2, src.stamps)
}
