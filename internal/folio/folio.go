package folio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

const (
	DefaultPrefix = "INC"
	DefaultWidth  = 6

	// CounterName é o contador dos folios de incidência.
	CounterName = "reportes_incidencia"
)

// Counter é a primitiva de incremento atômico. Implementações devem ser
// escopadas a uma transação: o valor só é consumido se ela confirmar.
type Counter interface {
	Increment(ctx context.Context, name string) (int64, error)
}

// Sequencer formata o próximo valor do contador como folio legível.
type Sequencer struct {
	Prefix string
	Width  int
}

// New cria um sequenciador, aplicando os padrões INC e 6 dígitos.
func New(prefix string, width int) Sequencer {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if width <= 0 {
		width = DefaultWidth
	}
	return Sequencer{Prefix: prefix, Width: width}
}

// Next incrementa o contador e devolve o folio correspondente.
func (s Sequencer) Next(ctx context.Context, c Counter, name string) (string, error) {
	n, err := c.Increment(ctx, name)
	if err != nil {
		return "", fmt.Errorf("folio: %w", err)
	}
	if n <= 0 {
		return "", errors.New("folio: contador devolveu valor não positivo")
	}
	return s.Format(n), nil
}

// Format produz PREFIX-000123. Valores maiores que a largura não são truncados.
func (s Sequencer) Format(n int64) string {
	return fmt.Sprintf("%s-%0*d", s.Prefix, s.Width, n)
}

// Querier é o subconjunto de pgx.Tx usado pelo contador.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgCounter incrementa a tabela contadores dentro da transação recebida.
// O upsert trava a linha até o fim da transação, serializando escritores.
type PgCounter struct {
	q Querier
}

func NewPgCounter(q Querier) *PgCounter {
	return &PgCounter{q: q}
}

func (c *PgCounter) Increment(ctx context.Context, name string) (int64, error) {
	var n int64
	err := c.q.QueryRow(ctx, `
		INSERT INTO contadores (nombre, consecutivo)
		VALUES ($1, 1)
		ON CONFLICT (nombre) DO UPDATE SET consecutivo = contadores.consecutivo + 1
		RETURNING consecutivo
	`, name).Scan(&n)
	return n, err
}
