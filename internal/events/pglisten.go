package events

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// IncidentChannel é o canal NOTIFY emitido pelo trigger de inserção.
const IncidentChannel = "reportes_incidencia_creados"

// PGListener converte NOTIFY do Postgres em eventos do barramento. Cobre
// linhas inseridas por outros escritores além desta API.
type PGListener struct {
	pool    *pgxpool.Pool
	bus     *Bus
	channel string
	topic   Topic
	logger  zerolog.Logger
}

func NewPGListener(pool *pgxpool.Pool, bus *Bus, logger zerolog.Logger) *PGListener {
	return &PGListener{pool: pool, bus: bus, channel: IncidentChannel, topic: IncidentCreated, logger: logger}
}

// Run escuta até o contexto terminar, reconectando após falhas.
func (l *PGListener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn().Err(err).Str("channel", l.channel).Msg("listener interrompido, reconectando")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func (l *PGListener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return err
	}
	l.logger.Info().Str("channel", l.channel).Msg("escutando notificações")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if n.Payload == "" {
			continue
		}
		l.bus.PublishAsync(ctx, Event{Topic: l.topic, ID: n.Payload})
	}
}
