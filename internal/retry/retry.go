package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// Policy descreve quantas tentativas fazer e quanto esperar entre elas.
// A espera cresce linearmente: Delay, 2*Delay, 3*Delay...
type Policy struct {
	Name      string
	Attempts  uint
	Delay     time.Duration
	Retryable func(error) bool
}

// Linear cria uma política com espera linear.
func Linear(name string, attempts uint, delay time.Duration) Policy {
	return Policy{Name: name, Attempts: attempts, Delay: delay}
}

// When devolve uma cópia da política que só repete erros aceitos por fn.
func (p Policy) When(fn func(error) bool) Policy {
	p.Retryable = fn
	return p
}

// Do executa op até sucesso, erro definitivo, fim das tentativas ou
// cancelamento do contexto. Devolve o último erro observado.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}

	return backoff.Retry(ctx, func() (T, error) {
		val, err := op(ctx)
		if err != nil && p.Retryable != nil && !p.Retryable(err) {
			return val, backoff.Permanent(err)
		}
		return val, err
	},
		backoff.WithBackOff(&linearBackOff{step: p.Delay}),
		backoff.WithMaxTries(attempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn().Err(err).Str("op", p.Name).Dur("espera", wait).Msg("nova tentativa")
		}),
	)
}

// Run é Do para operações sem valor de retorno.
func Run(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

type linearBackOff struct {
	step time.Duration
	n    int64
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	return time.Duration(l.n) * l.step
}

func (l *linearBackOff) Reset() { l.n = 0 }
