package report

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gestaozabele/bitacora/internal/audit"
	"github.com/gestaozabele/bitacora/internal/db"
	"github.com/gestaozabele/bitacora/internal/envelope"
	"github.com/gestaozabele/bitacora/internal/folio"
	"github.com/gestaozabele/bitacora/internal/retry"
)

const dbTimeout = 3 * time.Second

const incidentColumns = `id, folio, uid, payload_plano, payload_cifrado, categoria, estado`

// Repository persiste relatórios no Postgres.
type Repository struct {
	db      *pgxpool.Pool
	audit   audit.Recorder
	txRetry retry.Policy
}

func NewRepository(pool *pgxpool.Pool, recorder audit.Recorder) *Repository {
	return &Repository{
		db:      pool,
		audit:   recorder,
		txRetry: retry.Linear("report.tx", 5, 20*time.Millisecond),
	}
}

func scanIncident(row pgx.Row) (IncidentRow, error) {
	var (
		r      IncidentRow
		cipher []byte
	)
	err := row.Scan(&r.ID, &r.Folio, &r.UID, &r.Plain, &cipher, &r.Categoria, &r.Estado)
	if errors.Is(err, pgx.ErrNoRows) {
		return IncidentRow{}, ErrNotFound
	}
	if err != nil {
		return IncidentRow{}, err
	}
	if len(cipher) > 0 {
		var env envelope.Envelope
		// envelope malformado recebe versão inválida e falha fechado no codec
		_ = json.Unmarshal(cipher, &env)
		if env.IsZero() {
			env = envelope.Envelope{Version: -1}
		}
		r.Cipher = &env
	}
	return r, nil
}

func (r *Repository) GetIncident(ctx context.Context, id uuid.UUID) (IncidentRow, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	return scanIncident(r.db.QueryRow(ctx, `SELECT `+incidentColumns+` FROM reportes_incidencia WHERE id = $1`, id))
}

func (r *Repository) InsertIncident(ctx context.Context, in NewIncident) (uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var cipher []byte
	if in.Cipher != nil {
		raw, err := json.Marshal(in.Cipher)
		if err != nil {
			return uuid.Nil, err
		}
		cipher = raw
	}

	var id uuid.UUID
	err := r.db.QueryRow(ctx, `
		INSERT INTO reportes_incidencia (uid, payload_plano, payload_cifrado)
		VALUES ($1, $2, $3)
		RETURNING id
	`, in.UID, nullJSON(in.Plain), nullJSON(cipher)).Scan(&id)
	return id, err
}

func (r *Repository) DeleteIncident(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tag, err := r.db.Exec(ctx, `DELETE FROM reportes_incidencia WHERE id = $1 AND folio IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ProcessIncident trava a linha, chama fn com o contador da mesma transação
// e grava folio, envelope e auditoria juntos. Conflitos de serialização
// repetem a transação inteira.
func (r *Repository) ProcessIncident(ctx context.Context, id uuid.UUID, fn ProcessFunc) error {
	return db.WithTxRetry(ctx, r.db, r.txRetry, func(ctx context.Context, tx pgx.Tx) error {
		row, err := scanIncident(tx.QueryRow(ctx, `SELECT `+incidentColumns+` FROM reportes_incidencia WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}

		upd, err := fn(ctx, row, folio.NewPgCounter(tx))
		if err != nil || upd == nil {
			return err
		}

		cipher, err := json.Marshal(upd.Cipher)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE reportes_incidencia
			SET folio = $2, payload_cifrado = $3, payload_plano = NULL,
			    categoria = $4, fecha = $5, estado = 'procesado', updated_at = $6
			WHERE id = $1
		`, id, upd.Folio, cipher, upd.Categoria, upd.Fecha, upd.ProcessedAt); err != nil {
			return err
		}

		r.audit.RecordTx(ctx, tx, audit.Entry{
			Entity:    entityIncident,
			EntityID:  id.String(),
			Action:    audit.Create,
			Actor:     upd.Audit.Actor,
			Timestamp: upd.ProcessedAt,
			Detail:    upd.Audit.Detail,
			Fact:      upd.Audit.Fact,
		})
		return nil
	})
}

// InsertNotification devolve false quando a incidência já tinha notificação.
func (r *Repository) InsertNotification(ctx context.Context, n Notification) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tag, err := r.db.Exec(ctx, `
		INSERT INTO notificaciones (report_id, categoria, prioridad, destinatarios, estado)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (report_id) DO NOTHING
	`, n.ReportID, n.Categoria, n.Prioridad, n.Destinatarios, n.Estado)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) MarkNotificationSent(ctx context.Context, reportID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err := r.db.Exec(ctx, `
		UPDATE notificaciones SET estado = 'enviada', sent_at = now()
		WHERE report_id = $1 AND estado = 'pendiente'
	`, reportID)
	return err
}

func (r *Repository) InsertGuardian(ctx context.Context, rec GuardianRecord) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	cipher, err := json.Marshal(rec.Envelope)
	if err != nil {
		return err
	}
	author, err := json.Marshal(rec.CreatedBy)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO reportes_guardia (id, uid, payload_cifrado, recorded_at, role_visibility, creado_por, duracion_voz_seg, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.UID, cipher, rec.RecordedAt, rec.RoleVisibility, author, rec.VoiceDurationSec, rec.CreatedAt)
	return err
}

func (r *Repository) ListGuardian(ctx context.Context, scope Scope) ([]GuardianRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	query := `SELECT id, uid, payload_cifrado, recorded_at, role_visibility, creado_por, duracion_voz_seg, created_at FROM reportes_guardia`
	var args []any
	switch {
	case scope.All:
	case scope.Author != nil:
		query += ` WHERE uid = $1`
		args = append(args, *scope.Author)
	default:
		query += ` WHERE $1 = ANY(role_visibility)`
		args = append(args, scope.Role.String())
	}
	query += ` ORDER BY recorded_at DESC`
	if scope.Limit > 0 {
		args = append(args, scope.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GuardianRecord
	for rows.Next() {
		var (
			rec            GuardianRecord
			cipher, author []byte
		)
		if err := rows.Scan(&rec.ID, &rec.UID, &cipher, &rec.RecordedAt, &rec.RoleVisibility, &author, &rec.VoiceDurationSec, &rec.CreatedAt); err != nil {
			return nil, err
		}
		// envelope ilegível vira zero e é descartado na abertura
		_ = json.Unmarshal(cipher, &rec.Envelope)
		_ = json.Unmarshal(author, &rec.CreatedBy)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repository) GuardianAuthor(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var uid uuid.UUID
	err := r.db.QueryRow(ctx, `SELECT uid FROM reportes_guardia WHERE id = $1`, id).Scan(&uid)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	return uid, err
}

func (r *Repository) DeleteGuardian(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tag, err := r.db.Exec(ctx, `DELETE FROM reportes_guardia WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// nullJSON envia NULL para jsonb quando não há conteúdo.
func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
