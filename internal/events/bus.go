package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Topic identifica o tipo de mudança.
type Topic string

const (
	IncidentCreated Topic = "incident.created"
	ProfileCreated  Topic = "profile.created"
	ProfileUpdated  Topic = "profile.updated"
)

// Event descreve uma mudança num registro. Before e After carregam os
// snapshots quando o publicador os tem.
type Event struct {
	Topic  Topic
	ID     string
	Before any
	After  any
}

// Handler reage a um evento. Erros são registrados pelo barramento.
type Handler func(ctx context.Context, ev Event) error

type subscription struct {
	name    string
	handler Handler
}

// Bus entrega eventos aos assinantes do tópico. Cada assinante roda em
// sua própria goroutine; pânicos são recuperados e registrados.
type Bus struct {
	mu       sync.RWMutex
	subs     map[Topic][]subscription
	logger   zerolog.Logger
	inflight sync.WaitGroup
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{subs: make(map[Topic][]subscription), logger: logger}
}

// Subscribe registra um assinante.
func (b *Bus) Subscribe(topic Topic, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], subscription{name: name, handler: h})
}

// Publish entrega o evento e espera todos os assinantes terminarem.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[ev.Topic]...)
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub subscription) {
			defer wg.Done()
			b.dispatch(ctx, sub, ev)
		}(sub)
	}
	wg.Wait()
}

// PublishAsync entrega o evento fora da requisição corrente. O contexto
// perde o cancelamento do chamador; use Drain no desligamento.
func (b *Bus) PublishAsync(ctx context.Context, ev Event) {
	detached := context.WithoutCancel(ctx)
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		b.Publish(detached, ev)
	}()
}

// Drain espera as entregas assíncronas pendentes ou o fim do contexto.
func (b *Bus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) dispatch(ctx context.Context, sub subscription, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error().
				Str("topic", string(ev.Topic)).
				Str("handler", sub.name).
				Str("id", ev.ID).
				Str("panic", fmt.Sprint(rec)).
				Msg("panic recuperado em assinante")
		}
	}()

	if err := sub.handler(ctx, ev); err != nil {
		b.logger.Error().Err(err).
			Str("topic", string(ev.Topic)).
			Str("handler", sub.name).
			Str("id", ev.ID).
			Msg("assinante falhou")
	}
}
