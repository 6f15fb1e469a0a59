package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// StepUp guarda no Redis a prova recente de credencial de cada usuário.
type StepUp struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewStepUp(client redis.Cmdable, ttl time.Duration) *StepUp {
	return &StepUp{client: client, ttl: ttl}
}

func stepUpKey(uid uuid.UUID) string {
	return "stepup:" + uid.String()
}

// Mark registra a reautenticação e devolve até quando ela vale.
func (s *StepUp) Mark(ctx context.Context, uid uuid.UUID, method string) (time.Time, error) {
	if err := s.client.Set(ctx, stepUpKey(uid), method, s.ttl).Err(); err != nil {
		return time.Time{}, err
	}
	return time.Now().UTC().Add(s.ttl), nil
}

// IsFresh informa se o usuário reautenticou dentro da janela.
func (s *StepUp) IsFresh(ctx context.Context, uid uuid.UUID) (bool, error) {
	err := s.client.Get(ctx, stepUpKey(uid)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return err == nil, err
}
