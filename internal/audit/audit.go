package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/gestaozabele/bitacora/internal/metrics"
)

// Action é o verbo registrado na trilha.
type Action string

const (
	Create          Action = "CREAR"
	Delete          Action = "ELIMINAR"
	Read            Action = "CONSULTAR"
	SensitiveAccess Action = "ACCESO_SENSIBLE"
	Approve         Action = "APROBAR"
	Reject          Action = "RECHAZAR"
	Discard         Action = "DESCARTAR"
)

// Entry é uma linha da trilha de auditoria. Nunca é alterada depois de gravada.
type Entry struct {
	Entity    string
	EntityID  string
	Action    Action
	Actor     string
	Timestamp time.Time
	Detail    map[string]any
	// Fact entra no checksum. Vazio usa a ação.
	Fact     string
	Checksum string
}

// Recorder grava entradas. Falhas de gravação nunca sobem para o chamador.
type Recorder interface {
	Record(ctx context.Context, e Entry)
	RecordTx(ctx context.Context, tx pgx.Tx, e Entry)
}

// Execer é o subconjunto do pool usado na gravação.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Logger grava a trilha no Postgres.
type Logger struct {
	db     Execer
	now    func() time.Time
	logger zerolog.Logger
}

func New(db Execer, logger zerolog.Logger) *Logger {
	return &Logger{db: db, now: time.Now, logger: logger}
}

// Checksum é o digest determinístico de (entityID, fact).
func Checksum(entityID, fact string) string {
	sum := sha256.Sum256([]byte(entityID + "|" + fact))
	return hex.EncodeToString(sum[:])
}

// Record acrescenta a entrada. Erros são registrados e descartados.
func (l *Logger) Record(ctx context.Context, e Entry) {
	e = l.complete(e)
	if err := insert(ctx, l.db, e); err != nil {
		l.fail(e, err)
	}
}

// RecordTx grava dentro da transação sob um savepoint, de modo que uma
// falha de auditoria não aborta a transação do chamador.
func (l *Logger) RecordTx(ctx context.Context, tx pgx.Tx, e Entry) {
	e = l.complete(e)
	sp, err := tx.Begin(ctx)
	if err != nil {
		l.fail(e, err)
		return
	}
	if err := insert(ctx, sp, e); err != nil {
		_ = sp.Rollback(ctx)
		l.fail(e, err)
		return
	}
	if err := sp.Commit(ctx); err != nil {
		l.fail(e, err)
	}
}

func (l *Logger) complete(e Entry) Entry {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.Checksum == "" {
		fact := e.Fact
		if fact == "" {
			fact = string(e.Action)
		}
		e.Checksum = Checksum(e.EntityID, fact)
	}
	return e
}

func (l *Logger) fail(e Entry, err error) {
	metrics.AuditFailures.Inc()
	l.logger.Error().Err(err).
		Str("entity", e.Entity).
		Str("entity_id", e.EntityID).
		Str("action", string(e.Action)).
		Msg("falha ao gravar auditoria")
}

func insert(ctx context.Context, db Execer, e Entry) error {
	detail := e.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO bitacora_auditoria (entity, entity_id, action, actor, ts, detail, checksum)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.Entity, e.EntityID, string(e.Action), e.Actor, e.Timestamp, raw, e.Checksum)
	return err
}
