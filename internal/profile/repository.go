package profile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gestaozabele/bitacora/internal/db"
	"github.com/gestaozabele/bitacora/internal/roles"
)

const dbTimeout = 3 * time.Second

const profileColumns = `uid, email, nombre, role, authorized, registered_at, authorized_by, claims_synced_at`

// Repository persiste perfis na tabela perfiles.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func scanProfile(row pgx.Row) (Profile, error) {
	var p Profile
	err := row.Scan(&p.UID, &p.Email, &p.Nombre, &p.Role, &p.Authorized, &p.RegisteredAt, &p.AuthorizedBy, &p.ClaimsSyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	return p, err
}

func (r *Repository) Get(ctx context.Context, uid uuid.UUID) (Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	return scanProfile(r.db.QueryRow(ctx, `SELECT `+profileColumns+` FROM perfiles WHERE uid = $1`, uid))
}

// CreateIfAbsent insere o perfil pendente. created é falso quando já existia.
func (r *Repository) CreateIfAbsent(ctx context.Context, p Profile) (Profile, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	created, err := scanProfile(r.db.QueryRow(ctx, `
		INSERT INTO perfiles (uid, email, nombre, role, authorized, registered_at)
		VALUES ($1, $2, $3, $4, false, $5)
		ON CONFLICT (uid) DO NOTHING
		RETURNING `+profileColumns,
		p.UID, p.Email, p.Nombre, string(roles.Pending), p.RegisteredAt,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Profile{}, false, err
	}

	existing, err := scanProfile(r.db.QueryRow(ctx, `SELECT `+profileColumns+` FROM perfiles WHERE uid = $1`, p.UID))
	return existing, false, err
}

// UpdateOwn altera apenas nome e email.
func (r *Repository) UpdateOwn(ctx context.Context, uid uuid.UUID, nombre, email string) (Profile, Profile, error) {
	return r.mutate(ctx, uid, `
		UPDATE perfiles SET nombre = $2, email = $3, updated_at = now()
		WHERE uid = $1
		RETURNING `+profileColumns, nombre, email)
}

// Approve autoriza o perfil com o papel informado.
func (r *Repository) Approve(ctx context.Context, uid uuid.UUID, role roles.Role, approver uuid.UUID) (Profile, Profile, error) {
	return r.mutate(ctx, uid, `
		UPDATE perfiles SET role = $2, authorized = true, authorized_by = $3, updated_at = now()
		WHERE uid = $1
		RETURNING `+profileColumns, string(role), approver)
}

func (r *Repository) mutate(ctx context.Context, uid uuid.UUID, sql string, args ...any) (Profile, Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var before, after Profile
	err := db.WithTx(ctx, r.db, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		before, err = scanProfile(tx.QueryRow(ctx, `SELECT `+profileColumns+` FROM perfiles WHERE uid = $1 FOR UPDATE`, uid))
		if err != nil {
			return err
		}
		after, err = scanProfile(tx.QueryRow(ctx, sql, append([]any{uid}, args...)...))
		return err
	})
	return before, after, err
}

// StampClaimsSynced grava o instante da última sincronização. Não altera
// updated_at para não parecer uma edição do perfil.
func (r *Repository) StampClaimsSynced(ctx context.Context, uid uuid.UUID, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	cmd, err := r.db.Exec(ctx, `UPDATE perfiles SET claims_synced_at = $2 WHERE uid = $1`, uid, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
