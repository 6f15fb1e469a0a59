package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/gestaozabele/bitacora/internal/profile"
	"github.com/gestaozabele/bitacora/internal/roles"
)

var (
	// ErrNotFound indica que o usuário ainda não tem claims publicados.
	ErrNotFound = errors.New("claims: inexistentes")
	// ErrTransient indica falha do armazenamento que vale repetir.
	ErrTransient = errors.New("claims: falha transitória")
)

// Claims é o par derivado do perfil que viaja no token.
type Claims struct {
	Role       roles.Role `json:"role"`
	Authorized bool       `json:"authorized"`
}

// FromProfile deriva claims do perfil.
func FromProfile(p profile.Profile) Claims {
	return Claims{Role: p.CanonicalRole(), Authorized: p.Authorized}
}

// Store é o armazenamento externo de claims.
type Store interface {
	Get(ctx context.Context, uid string) (Claims, error)
	Set(ctx context.Context, uid string, c Claims) error
}

// RedisStore guarda claims como JSON em claims:<uid>.
type RedisStore struct {
	client redis.Cmdable
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(uid string) string {
	return "claims:" + uid
}

func (s *RedisStore) Get(ctx context.Context, uid string) (Claims, error) {
	raw, err := s.client.Get(ctx, redisKey(uid)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Claims{}, ErrNotFound
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	var c Claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return Claims{}, err
	}
	c.Role = roles.Normalize(string(c.Role))
	return c, nil
}

func (s *RedisStore) Set(ctx context.Context, uid string, c Claims) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisKey(uid), raw, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}
